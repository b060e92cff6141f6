// Package detector wraps on-device classifiers behind a uniform,
// asynchronous submission interface.
//
// Each Adapter accepts at most one outstanding frame. Submit prepares a
// scaled private copy of the frame synchronously, so the caller may
// release the frame as soon as it stops waiting, even while the backend
// is still running.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// Kind identifies a detector family. The order of the constants is the
// fusion precedence, lowest first.
type Kind int

const (
	Face Kind = iota
	Scene
	Hazard
)

// Kinds lists every detector kind in precedence order.
var Kinds = []Kind{Face, Scene, Hazard}

func (k Kind) String() string {
	switch k {
	case Face:
		return "face"
	case Scene:
		return "scene"
	case Hazard:
		return "hazard"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown detector kind %q", s)
}

// Result is one detector output for one frame.
type Result struct {
	FrameID    uint64           `json:"frame_id"`
	Kind       Kind             `json:"kind"`
	Label      string           `json:"label"`
	Confidence float64          `json:"confidence"`
	Box        *image.Rectangle `json:"box,omitempty"`

	// Count is the number of faces above the score floor. Only face
	// results set it.
	Count int `json:"count,omitempty"`

	// Identities names the known people matched among those faces,
	// sorted and without repeats.
	Identities []string `json:"identities,omitempty"`
}

// Label is a raw backend output before per-kind postprocessing.
type Label struct {
	Name  string           `json:"label"`
	Score float64          `json:"score"`
	Box   *image.Rectangle `json:"box,omitempty"`

	// Identity and Similarity are set on face labels matched against
	// the known-face gallery.
	Identity   string  `json:"identity,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Input is the preprocessed image handed to a backend. Image is owned
// by the backend call and never aliases frame memory.
type Input struct {
	FrameID   uint64
	Timestamp time.Time
	Image     *image.NRGBA
}

// Classifier is the capability a model backend provides.
type Classifier interface {
	Classify(ctx context.Context, in Input) ([]Label, error)
}

var (
	// ErrModelUnavailable reports a backend that cannot run at all,
	// for example a missing model file.
	ErrModelUnavailable = errors.New("detector: model unavailable")

	// ErrInvalidInput reports a frame the detector cannot interpret.
	ErrInvalidInput = errors.New("detector: invalid input")

	// ErrBusy is returned by Submit while a previous submission is
	// still outstanding.
	ErrBusy = errors.New("detector: submission outstanding")
)

// FailureKind classifies why a submission produced no results.
type FailureKind int

const (
	// ModelUnavailable is permanent; the detector is disabled for the session.
	ModelUnavailable FailureKind = iota + 1
	// InferenceTimeout is transient; only the current frame is affected.
	InferenceTimeout
	// InvalidInput is fatal to the session.
	InvalidInput
)

func (k FailureKind) String() string {
	switch k {
	case ModelUnavailable:
		return "model_unavailable"
	case InferenceTimeout:
		return "inference_timeout"
	case InvalidInput:
		return "invalid_input"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

// Failure is the error delivered in a Completion when a submission
// produced no results.
type Failure struct {
	Kind     FailureKind
	Detector Kind
	FrameID  uint64
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s detector frame %d: %s: %v", f.Detector, f.FrameID, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// classifyError maps a backend error onto a failure kind. Errors that
// match no known sentinel are treated as transient.
func classifyError(err error) FailureKind {
	switch {
	case errors.Is(err, ErrModelUnavailable):
		return ModelUnavailable
	case errors.Is(err, ErrInvalidInput):
		return InvalidInput
	default:
		return InferenceTimeout
	}
}
