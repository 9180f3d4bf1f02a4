// Package face turns one facial-landmark set per video frame into a
// behavioral sample: eye contact, head pose, expression, posture. The
// landmark model itself is an external boundary; this package only runs
// geometry over whatever points the model hands back.
package face

import (
	"image"

	"github.com/speech-coach-lab/internal/logging"
	"github.com/speech-coach-lab/internal/signal"
)

// Canonical landmark indices of the face mesh produced by the landmark
// model. Only the anchors the heuristics need are named.
const (
	idxNoseTip       = 1
	idxForehead      = 10
	idxMouthTop      = 13
	idxMouthBottom   = 14
	idxLeftEyeOuter  = 33
	idxMouthLeft     = 61
	idxLeftBrow      = 105
	idxLeftEyeInner  = 133
	idxChin          = 152
	idxLeftEyeLid    = 159
	idxLeftTemple    = 234
	idxRightEyeOuter = 263
	idxMouthRight    = 291
	idxRightBrow     = 334
	idxRightEyeInner = 362
	idxRightEyeLid   = 386
	idxRightTemple   = 454
	idxLeftIris      = 468
	idxRightIris     = 473
)

// Sample is one immutable visual-signal reading, derived entirely from the
// current landmark set. There is no temporal memory between frames.
type Sample struct {
	EyeContact   bool              `json:"eyeContact"`
	HeadPose     signal.HeadPose   `json:"headPose"`
	Expression   signal.Expression `json:"expression"`
	PostureScore float64           `json:"postureScore"`
	Landmarks    []signal.Point    `json:"landmarks"`
}

// Landmarker is the external landmark-model boundary: given a video frame
// and a timestamp it returns zero-or-one ordered landmark sequence. A nil
// or empty slice means no face was detected in the frame.
type Landmarker interface {
	DetectForVideo(frame image.Image, timestampMs int64) ([]signal.Point, error)
}

// Extractor computes one Sample per analyzed frame. Analysis is expected
// to run once per rendered video frame; the extractor adds no blocking of
// its own beyond the landmark model's latency.
type Extractor struct {
	model      Landmarker
	band       signal.Band
	thresholds signal.ExpressionThresholds
}

// NewExtractor wires a landmark model with the configured heuristics.
func NewExtractor(model Landmarker, band signal.Band, thresholds signal.ExpressionThresholds) *Extractor {
	return &Extractor{model: model, band: band, thresholds: thresholds}
}

// Analyze invokes the landmark model for the current frame and derives the
// visual signals. Returns nil when no face is detected; callers must
// tolerate gaps, there is no interpolation.
func (e *Extractor) Analyze(frame image.Image, timestampMs int64) (*Sample, error) {
	landmarks, err := e.model.DetectForVideo(frame, timestampMs)
	if err != nil {
		return nil, err
	}
	if len(landmarks) == 0 {
		return nil, nil
	}

	sample := &Sample{
		EyeContact: e.detectEyeContact(landmarks),
		HeadPose:   estimateHeadPose(landmarks),
		Landmarks:  landmarks,
	}
	sample.Expression = e.detectExpression(landmarks)
	sample.PostureScore = signal.PostureScore(point(landmarks, idxNoseTip), point(landmarks, idxForehead), sample.HeadPose)
	logging.Debugw("face sample",
		"eye_contact", sample.EyeContact,
		"expression", sample.Expression,
		"posture", sample.PostureScore,
		"timestamp_ms", timestampMs)
	return sample, nil
}

// point returns the landmark at index or nil when the sequence is too
// short, so partial detections degrade instead of panicking.
func point(landmarks []signal.Point, index int) *signal.Point {
	if index < 0 || index >= len(landmarks) {
		return nil
	}
	return &landmarks[index]
}

func (e *Extractor) detectEyeContact(landmarks []signal.Point) bool {
	leftRatio, ok := signal.IrisCenterRatio(
		point(landmarks, idxLeftEyeInner),
		point(landmarks, idxLeftEyeOuter),
		point(landmarks, idxLeftIris))
	if !ok {
		return false
	}
	rightRatio, ok := signal.IrisCenterRatio(
		point(landmarks, idxRightEyeInner),
		point(landmarks, idxRightEyeOuter),
		point(landmarks, idxRightIris))
	if !ok {
		return false
	}
	return signal.EyeContactFromRatios(leftRatio, rightRatio, e.band)
}

func (e *Extractor) detectExpression(landmarks []signal.Point) signal.Expression {
	mouthWidth := signal.Distance(point(landmarks, idxMouthLeft), point(landmarks, idxMouthRight))
	mouthOpen := signal.Distance(point(landmarks, idxMouthTop), point(landmarks, idxMouthBottom))
	browEye := (signal.Distance(point(landmarks, idxLeftBrow), point(landmarks, idxLeftEyeLid)) +
		signal.Distance(point(landmarks, idxRightBrow), point(landmarks, idxRightEyeLid))) / 2
	return signal.ExpressionFromGeometry(mouthWidth, mouthOpen, browEye, e.thresholds)
}

func estimateHeadPose(landmarks []signal.Point) signal.HeadPose {
	return signal.HeadPoseFromAnchors(
		point(landmarks, idxNoseTip),
		point(landmarks, idxChin),
		point(landmarks, idxLeftTemple),
		point(landmarks, idxRightTemple))
}
