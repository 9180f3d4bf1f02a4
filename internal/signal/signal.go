// Package signal holds the pure numeric routines shared by the audio and
// face pipelines: RMS, PCM resampling/quantization, and face-geometry
// heuristics. Nothing in this package performs I/O or raises; every
// function degrades to a safe default so it can never interrupt the
// real-time loop.
package signal

import "math"

// Point is a normalized 3D landmark coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Expression is the single label emitted per analyzed frame.
type Expression string

const (
	ExpressionNeutral  Expression = "neutral"
	ExpressionSmiling  Expression = "smiling"
	ExpressionTense    Expression = "tense"
	ExpressionAnimated Expression = "animated"
)

// HeadPose holds degree-equivalent rotation estimates.
type HeadPose struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// Band is a ratio interval, exclusive at both ends.
type Band struct {
	Low  float64
	High float64
}

// ExpressionThresholds are the tunable geometry cutoffs for the expression
// rule cascade. The defaults are empirical, not derived; treat them as
// calibration knobs.
type ExpressionThresholds struct {
	SmileMouthWidth   float64
	SmileMouthOpen    float64
	TenseBrowEye      float64
	AnimatedMouthOpen float64
}

var (
	// DefaultEyeContactBand models the iris sitting near the middle of the
	// visible eye, i.e. gaze toward the camera.
	DefaultEyeContactBand = Band{Low: 0.35, High: 0.65}

	DefaultExpressionThresholds = ExpressionThresholds{
		SmileMouthWidth:   0.085,
		SmileMouthOpen:    0.02,
		TenseBrowEye:      0.03,
		AnimatedMouthOpen: 0.055,
	}
)

// degenerateAxisEpsilon guards the iris projection against a collapsed
// inner-outer eye-corner axis.
const degenerateAxisEpsilon = 0.001

const (
	yawGain       = 220.0
	pitchGain     = 200.0
	pitchBaseline = 0.25
)

// RMS computes the root-mean-square amplitude of float samples. Returns 0
// for empty input.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSInt16 computes the integer RMS of 16-bit PCM samples. Used as a
// voice-activity proxy on the decoded-audio path.
func RMSInt16(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	var sumSq int64
	for _, s := range samples {
		v := int64(s)
		sumSq += v * v
	}
	meanSq := sumSq / int64(len(samples))
	return int(math.Sqrt(float64(meanSq)))
}

// quantize clamps a float sample to [-1, 1] and scales it into the signed
// 16-bit range. Positive and negative halves use separate scale factors so
// -1.0 maps exactly to -32768 without overflow.
func quantize(v float64) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7fff)
}

// ResampleAndQuantize converts float samples at inputRate into 16-bit PCM
// at outputRate using nearest-neighbor index mapping. When the rates match
// it applies direct quantization sample for sample.
func ResampleAndQuantize(samples []float64, inputRate, outputRate int) []int16 {
	if len(samples) == 0 || inputRate <= 0 || outputRate <= 0 {
		return nil
	}
	if inputRate == outputRate {
		out := make([]int16, len(samples))
		for i, v := range samples {
			out[i] = quantize(v)
		}
		return out
	}
	ratio := float64(inputRate) / float64(outputRate)
	newLen := int(math.Round(float64(len(samples)) / ratio))
	if newLen < 1 {
		newLen = 1
	}
	out := make([]int16, newLen)
	for i := 0; i < newLen; i++ {
		idx := int(math.Round(float64(i) * ratio))
		if idx > len(samples)-1 {
			idx = len(samples) - 1
		}
		out[i] = quantize(samples[idx])
	}
	return out
}

// Distance is the euclidean distance between two landmarks. Missing points
// yield 0 so downstream heuristics fall through to their neutral branches.
func Distance(a, b *Point) float64 {
	if a == nil || b == nil {
		return 0
	}
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// IrisCenterRatio projects the iris position onto the inner-outer
// eye-corner axis. The second return is false when the axis is degenerate
// (shorter than the numeric epsilon) or any point is missing.
func IrisCenterRatio(eyeInner, eyeOuter, irisCenter *Point) (float64, bool) {
	if eyeInner == nil || eyeOuter == nil || irisCenter == nil {
		return 0, false
	}
	denom := eyeInner.X - eyeOuter.X
	if math.Abs(denom) < degenerateAxisEpsilon {
		return 0, false
	}
	return (irisCenter.X - eyeOuter.X) / denom, true
}

// EyeContactFromRatios reports whether the average of both iris ratios
// falls inside the eye-contact band. Both band edges are exclusive.
func EyeContactFromRatios(leftRatio, rightRatio float64, band Band) bool {
	avg := (leftRatio + rightRatio) / 2
	return avg > band.Low && avg < band.High
}

// ExpressionFromGeometry runs the fixed-priority rule cascade over mouth
// and brow geometry. Exactly one label comes out per frame; order matters.
func ExpressionFromGeometry(mouthWidth, mouthOpen, browEyeDistance float64, th ExpressionThresholds) Expression {
	if mouthWidth > th.SmileMouthWidth && mouthOpen > th.SmileMouthOpen {
		return ExpressionSmiling
	}
	if browEyeDistance < th.TenseBrowEye {
		return ExpressionTense
	}
	if mouthOpen > th.AnimatedMouthOpen {
		return ExpressionAnimated
	}
	return ExpressionNeutral
}

// HeadPoseFromAnchors estimates pitch, yaw and roll from four face anchors.
// Yaw comes from the horizontal nose offset against the temple midpoint,
// pitch from the vertical nose-to-chin offset minus a neutral baseline,
// roll from the temple-to-temple slope. Any missing anchor yields the
// all-zero pose.
func HeadPoseFromAnchors(noseTip, chin, leftTemple, rightTemple *Point) HeadPose {
	if noseTip == nil || chin == nil || leftTemple == nil || rightTemple == nil {
		return HeadPose{}
	}
	yaw := (noseTip.X - (leftTemple.X+rightTemple.X)/2) * yawGain
	pitch := (chin.Y - noseTip.Y - pitchBaseline) * pitchGain
	roll := math.Atan2(rightTemple.Y-leftTemple.Y, rightTemple.X-leftTemple.X) * (180 / math.Pi)
	return HeadPose{Pitch: pitch, Yaw: yaw, Roll: roll}
}

// PostureScore averages four normalized sub-scores (roll deviation, pitch
// deviation, horizontal nose centering, forehead/nose alignment), each
// clamped to [0,1], and rounds to two decimals. Missing anchors yield the
// neutral 0.5.
func PostureScore(noseTip, forehead *Point, pose HeadPose) float64 {
	if noseTip == nil || forehead == nil {
		return 0.5
	}
	uprightScore := 1 - clamp01(math.Abs(pose.Roll)/35)
	pitchScore := 1 - clamp01(math.Abs(pose.Pitch)/30)
	centeredScore := 1 - clamp01(math.Abs(noseTip.X-0.5)*2.5)
	foreheadAlignment := 1 - clamp01(math.Abs(forehead.X-noseTip.X)*4)

	score := (uprightScore + pitchScore + centeredScore + foreheadAlignment) / 4
	return math.Round(clamp01(score)*100) / 100
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
