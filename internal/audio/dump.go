package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/speech-coach-lab/internal/logging"
)

// BuildWAV creates a simple RIFF/WAVE header for 16-bit PCM and returns
// the concatenated bytes (header + data).
func BuildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// SaveFileAtomic writes data to path atomically by writing to a tmp file
// in the same directory, fsyncing, closing, and renaming into place.
func SaveFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Dumper persists captured frames as WAV files with JSON sidecars for
// offline inspection. Best-effort: failures are logged, never propagated.
type Dumper struct {
	Dir string
}

// NewDumper returns nil when no directory is configured so callers can
// pass the result straight through.
func NewDumper(dir string) *Dumper {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &Dumper{Dir: dir}
}

// SaveFrame decodes the frame payload and writes wav + sidecar.
func (d *Dumper) SaveFrame(frame Frame) {
	if d == nil || d.Dir == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(frame.Payload)
	if err != nil {
		logging.Debugw("dump: failed to decode frame payload", "err", err, "correlation_id", frame.CorrelationID)
		return
	}
	ts := time.Now().UTC().Format("20060102T150405.000Z")
	base := fmt.Sprintf("%s/%s_cid%s", strings.TrimRight(d.Dir, "/"), ts, frame.CorrelationID)

	wav := BuildWAV(pcm, frame.SampleRate, frame.Channels, 16)
	if err := SaveFileAtomic(base+".wav", wav, 0o644); err != nil {
		logging.Debugw("dump: failed to save wav", "err", err, "correlation_id", frame.CorrelationID)
		return
	}

	sidecar := map[string]interface{}{
		"correlation_id": frame.CorrelationID,
		"created_utc":    time.Now().UTC().Format(time.RFC3339Nano),
		"sample_rate":    frame.SampleRate,
		"channels":       frame.Channels,
		"rms":            frame.RMS,
		"wav_path":       base + ".wav",
	}
	b, _ := json.MarshalIndent(sidecar, "", "  ")
	if err := SaveFileAtomic(base+".json", b, 0o644); err != nil {
		logging.Debugw("dump: failed to save sidecar", "err", err, "correlation_id", frame.CorrelationID)
	}
}

// StartDumpCleaner starts a background goroutine that periodically scans
// dir for sidecar JSON files and their paired wavs, removing entries older
// than retention and enforcing maxFiles. Caller must call wg.Add(1) before
// calling this function; the goroutine calls wg.Done() on exit.
func StartDumpCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cleanDumpDir(dir, retention, maxFiles)
			}
		}
	}()
}

func cleanDumpDir(dir string, retention time.Duration, maxFiles int) {
	files, err := os.ReadDir(dir)
	if err != nil {
		logging.Debugw("dump: cleanup readDir failed", "err", err)
		return
	}
	type pairInfo struct {
		jsonPath string
		wavPath  string
		mod      time.Time
	}
	var pairs []pairInfo
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := dir + "/" + name
		b, err := os.ReadFile(jsonPath)
		if err != nil {
			continue
		}
		var sc map[string]interface{}
		if err := json.Unmarshal(b, &sc); err != nil {
			continue
		}
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if v, ok := sc["wav_path"].(string); ok && v != "" {
			wavPath = v
		}
		st, err := os.Stat(jsonPath)
		if err != nil {
			continue
		}
		pairs = append(pairs, pairInfo{jsonPath: jsonPath, wavPath: wavPath, mod: st.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, pi := range pairs {
		if pi.mod.Before(cutoff) {
			_ = os.Remove(pi.jsonPath)
			_ = os.Remove(pi.wavPath)
			removed++
		}
	}
	if maxFiles > 0 {
		left := len(pairs) - removed
		if left > maxFiles {
			toRemove := left - maxFiles
			count := 0
			for _, pi := range pairs {
				if count >= toRemove {
					break
				}
				if _, err := os.Stat(pi.jsonPath); err == nil {
					_ = os.Remove(pi.jsonPath)
					_ = os.Remove(pi.wavPath)
					count++
				}
			}
		}
	}
}
