package face

import (
	"errors"
	"image"
	"testing"

	"github.com/speech-coach-lab/internal/signal"
)

// fakeLandmarker returns a canned landmark set (or error) for every frame.
type fakeLandmarker struct {
	landmarks []signal.Point
	err       error
}

func (f *fakeLandmarker) DetectForVideo(frame image.Image, timestampMs int64) ([]signal.Point, error) {
	return f.landmarks, f.err
}

// neutralMesh builds a synthetic landmark set for a centered, upright face
// looking straight at the camera with a relaxed expression.
func neutralMesh() []signal.Point {
	mesh := make([]signal.Point, 478)
	set := func(i int, x, y float64) { mesh[i] = signal.Point{X: x, Y: y} }

	set(idxNoseTip, 0.5, 0.45)
	set(idxForehead, 0.5, 0.3)
	set(idxChin, 0.5, 0.7)
	set(idxLeftTemple, 0.3, 0.4)
	set(idxRightTemple, 0.7, 0.4)

	set(idxLeftEyeOuter, 0.35, 0.4)
	set(idxLeftEyeInner, 0.45, 0.4)
	set(idxLeftIris, 0.40, 0.4)
	set(idxRightEyeInner, 0.55, 0.4)
	set(idxRightEyeOuter, 0.65, 0.4)
	set(idxRightIris, 0.60, 0.4)

	set(idxMouthLeft, 0.46, 0.6)
	set(idxMouthRight, 0.54, 0.6)
	set(idxMouthTop, 0.5, 0.595)
	set(idxMouthBottom, 0.5, 0.605)

	set(idxLeftBrow, 0.40, 0.35)
	set(idxRightBrow, 0.60, 0.35)
	set(idxLeftEyeLid, 0.40, 0.40)
	set(idxRightEyeLid, 0.60, 0.40)

	return mesh
}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 4, 4))
}

func newTestExtractor(model Landmarker) *Extractor {
	return NewExtractor(model, signal.DefaultEyeContactBand, signal.DefaultExpressionThresholds)
}

// TestAnalyzeNoFace verifies that an empty detection produces no sample and
// no error; callers must tolerate gaps.
func TestAnalyzeNoFace(t *testing.T) {
	e := newTestExtractor(&fakeLandmarker{})
	sample, err := e.Analyze(testFrame(), 0)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if sample != nil {
		t.Fatalf("expected nil sample when no face detected, got %+v", sample)
	}
}

func TestAnalyzeModelError(t *testing.T) {
	wantErr := errors.New("model failed")
	e := newTestExtractor(&fakeLandmarker{err: wantErr})
	if _, err := e.Analyze(testFrame(), 0); !errors.Is(err, wantErr) {
		t.Fatalf("expected model error to propagate, got %v", err)
	}
}

// TestAnalyzeNeutralFace checks the full derivation on a synthetic centered
// face: camera gaze, zero pose, neutral expression, perfect posture.
func TestAnalyzeNeutralFace(t *testing.T) {
	e := newTestExtractor(&fakeLandmarker{landmarks: neutralMesh()})
	sample, err := e.Analyze(testFrame(), 42)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if sample == nil {
		t.Fatalf("expected sample for detected face")
	}
	if !sample.EyeContact {
		t.Fatalf("centered iris should read as eye contact")
	}
	if sample.Expression != signal.ExpressionNeutral {
		t.Fatalf("expression = %q, want neutral", sample.Expression)
	}
	if sample.HeadPose != (signal.HeadPose{}) {
		t.Fatalf("head pose = %+v, want zero", sample.HeadPose)
	}
	if sample.PostureScore != 1.0 {
		t.Fatalf("posture = %v, want 1.0", sample.PostureScore)
	}
	if len(sample.Landmarks) != 478 {
		t.Fatalf("landmarks not forwarded: len=%d", len(sample.Landmarks))
	}
}

// TestAnalyzeAvertedGaze shifts both irises toward the outer corners and
// expects eye contact to drop.
func TestAnalyzeAvertedGaze(t *testing.T) {
	mesh := neutralMesh()
	mesh[idxLeftIris] = signal.Point{X: 0.36, Y: 0.4}
	mesh[idxRightIris] = signal.Point{X: 0.64, Y: 0.4}
	e := newTestExtractor(&fakeLandmarker{landmarks: mesh})
	sample, err := e.Analyze(testFrame(), 0)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if sample.EyeContact {
		t.Fatalf("averted gaze should not read as eye contact")
	}
}

// TestAnalyzeShortLandmarkSet runs a truncated mesh (no iris points)
// through the extractor; missing anchors must degrade, not panic.
func TestAnalyzeShortLandmarkSet(t *testing.T) {
	mesh := neutralMesh()[:400]
	e := newTestExtractor(&fakeLandmarker{landmarks: mesh})
	sample, err := e.Analyze(testFrame(), 0)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if sample == nil {
		t.Fatalf("expected sample even with truncated mesh")
	}
	if sample.EyeContact {
		t.Fatalf("missing iris landmarks must not report eye contact")
	}
}
