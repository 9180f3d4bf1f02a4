package signal

import (
	"math"
	"testing"
)

// TestRMS verifies the empty-input default, non-negativity, and that a
// constant-amplitude sine lands near amplitude/sqrt(2).
func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("RMS(empty) = %v, want 0", got)
	}

	const amplitude = 0.8
	n := 16000
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(n))
	}
	got := RMS(samples)
	want := amplitude / math.Sqrt2
	if math.Abs(got-want) > 0.01 {
		t.Fatalf("RMS(sine) = %v, want ~%v", got, want)
	}
	if got < 0 {
		t.Fatalf("RMS returned negative value %v", got)
	}
}

func TestRMSInt16(t *testing.T) {
	if got := RMSInt16(nil); got != 0 {
		t.Fatalf("RMSInt16(empty) = %d, want 0", got)
	}
	if got := RMSInt16([]int16{1000, -1000, 1000, -1000}); got != 1000 {
		t.Fatalf("RMSInt16(constant magnitude) = %d, want 1000", got)
	}
}

// TestResampleSameRate pins the direct-quantize path: output length equals
// input length and the extremes map to the asymmetric int16 bounds.
func TestResampleSameRate(t *testing.T) {
	in := []float64{-1.5, -1, -0.5, 0, 0.5, 1, 1.5}
	out := ResampleAndQuantize(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("output length = %d, want %d", len(out), len(in))
	}
	if out[0] != -32768 || out[1] != -32768 {
		t.Fatalf("clamped negative extreme = %d,%d, want -32768", out[0], out[1])
	}
	if out[5] != 32767 || out[6] != 32767 {
		t.Fatalf("clamped positive extreme = %d,%d, want 32767", out[5], out[6])
	}
	if out[3] != 0 {
		t.Fatalf("zero sample quantized to %d, want 0", out[3])
	}
}

// TestResampleLength checks the nearest-neighbor length contract across a
// few input rates: within 1 of round(n * out/in).
func TestResampleLength(t *testing.T) {
	cases := []struct {
		inputRate int
		n         int
	}{
		{48000, 4096},
		{44100, 4096},
		{24000, 1024},
		{8000, 320},
	}
	for _, tc := range cases {
		in := make([]float64, tc.n)
		out := ResampleAndQuantize(in, tc.inputRate, 16000)
		want := int(math.Round(float64(tc.n) * 16000 / float64(tc.inputRate)))
		diff := len(out) - want
		if diff < -1 || diff > 1 {
			t.Fatalf("rate %d: output length = %d, want %d±1", tc.inputRate, len(out), want)
		}
	}
}

func TestResampleEmpty(t *testing.T) {
	if out := ResampleAndQuantize(nil, 48000, 16000); out != nil {
		t.Fatalf("expected nil output for empty input, got %v", out)
	}
}

func TestIrisCenterRatio(t *testing.T) {
	inner := &Point{X: 0.4}
	outer := &Point{X: 0.3}
	iris := &Point{X: 0.35}
	r, ok := IrisCenterRatio(inner, outer, iris)
	if !ok {
		t.Fatalf("expected valid ratio")
	}
	if math.Abs(r-0.5) > 1e-9 {
		t.Fatalf("ratio = %v, want 0.5", r)
	}

	// Degenerate axis: corners nearly coincident.
	if _, ok := IrisCenterRatio(&Point{X: 0.3}, &Point{X: 0.3005}, iris); ok {
		t.Fatalf("expected degenerate axis to be rejected")
	}
	if _, ok := IrisCenterRatio(nil, outer, iris); ok {
		t.Fatalf("expected missing point to be rejected")
	}
}

// TestEyeContactBand pins the band convention: both edges exclusive.
func TestEyeContactBand(t *testing.T) {
	band := DefaultEyeContactBand
	cases := []struct {
		left, right float64
		want        bool
	}{
		{0.5, 0.5, true},
		{0.1, 0.1, false},
		{0.9, 0.9, false},
		{0.35, 0.35, false},
		{0.65, 0.65, false},
		{0.36, 0.36, true},
		{0.2, 0.6, true}, // average 0.4 inside band
	}
	for _, tc := range cases {
		if got := EyeContactFromRatios(tc.left, tc.right, band); got != tc.want {
			t.Fatalf("EyeContactFromRatios(%v, %v) = %v, want %v", tc.left, tc.right, got, tc.want)
		}
	}
}

// TestExpressionCascade exercises the fixed priority order: smiling wins
// over tense, tense over animated, neutral otherwise.
func TestExpressionCascade(t *testing.T) {
	th := DefaultExpressionThresholds
	cases := []struct {
		name                            string
		mouthWidth, mouthOpen, browEye  float64
		want                            Expression
	}{
		{"smiling", 0.09, 0.03, 0.05, ExpressionSmiling},
		{"smiling beats tense", 0.09, 0.03, 0.01, ExpressionSmiling},
		{"tense", 0.05, 0.01, 0.02, ExpressionTense},
		{"tense beats animated", 0.05, 0.06, 0.02, ExpressionTense},
		{"animated", 0.05, 0.06, 0.05, ExpressionAnimated},
		{"neutral", 0.05, 0.01, 0.05, ExpressionNeutral},
		{"wide but closed mouth is not smiling", 0.09, 0.01, 0.05, ExpressionNeutral},
	}
	for _, tc := range cases {
		if got := ExpressionFromGeometry(tc.mouthWidth, tc.mouthOpen, tc.browEye, th); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestHeadPoseMissingAnchor(t *testing.T) {
	pose := HeadPoseFromAnchors(nil, &Point{}, &Point{}, &Point{})
	if pose != (HeadPose{}) {
		t.Fatalf("expected zero pose for missing anchor, got %+v", pose)
	}
}

func TestHeadPoseCentered(t *testing.T) {
	nose := &Point{X: 0.5, Y: 0.45}
	chin := &Point{X: 0.5, Y: 0.7}
	lt := &Point{X: 0.3, Y: 0.4}
	rt := &Point{X: 0.7, Y: 0.4}
	pose := HeadPoseFromAnchors(nose, chin, lt, rt)
	if math.Abs(pose.Yaw) > 1e-9 {
		t.Fatalf("centered nose should give zero yaw, got %v", pose.Yaw)
	}
	if math.Abs(pose.Roll) > 1e-9 {
		t.Fatalf("level temples should give zero roll, got %v", pose.Roll)
	}
	// pitch = (0.7 - 0.45 - 0.25) * 200 = 0
	if math.Abs(pose.Pitch) > 1e-9 {
		t.Fatalf("neutral pitch expected, got %v", pose.Pitch)
	}
}

func TestPostureScore(t *testing.T) {
	// Missing anchors degrade to the neutral midpoint.
	if got := PostureScore(nil, &Point{}, HeadPose{}); got != 0.5 {
		t.Fatalf("missing nose: got %v, want 0.5", got)
	}

	// Perfectly upright and centered face scores 1.0.
	nose := &Point{X: 0.5}
	forehead := &Point{X: 0.5}
	if got := PostureScore(nose, forehead, HeadPose{}); got != 1.0 {
		t.Fatalf("upright centered: got %v, want 1.0", got)
	}

	// Extreme deviations bottom out at 0 rather than going negative.
	off := &Point{X: 0.95}
	got := PostureScore(off, &Point{X: 0.2}, HeadPose{Roll: 90, Pitch: 90})
	if got < 0 || got > 1 {
		t.Fatalf("posture score out of range: %v", got)
	}
	if got != 0 {
		t.Fatalf("extreme deviation: got %v, want 0", got)
	}
}
