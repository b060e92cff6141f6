package detector

import (
	"context"
	"fmt"
	"image"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/banshee-data/campus.safety/internal/frame"
	"github.com/banshee-data/campus.safety/internal/timeutil"
	"github.com/disintegration/imaging"
)

// Options configures an Adapter.
type Options struct {
	// Name distinguishes instances of the same kind in logs.
	Name string

	// InputSize is the square edge the frame is scaled to before
	// classification. Zero keeps the frame size.
	InputSize int

	// ScoreFloor drops backend labels scoring below it.
	ScoreFloor float64

	Clock timeutil.Clock
}

// Completion is the single outcome of a submission. Exactly one of
// Results and Failure is meaningful: a nil Failure means success,
// possibly with no results.
type Completion struct {
	FrameID  uint64
	Detector Kind
	Results  []Result
	Failure  *Failure
	Latency  time.Duration
}

// Handle tracks one outstanding submission.
type Handle struct {
	FrameID uint64
	done    chan Completion
}

// Done delivers the submission's Completion exactly once.
func (h *Handle) Done() <-chan Completion { return h.done }

type postprocessor func(frameID uint64, labels []Label, floor float64) []Result

// Adapter runs one backend for one detector kind.
type Adapter struct {
	kind    Kind
	name    string
	backend Classifier
	opts    Options
	post    postprocessor
	clock   timeutil.Clock
	busy    atomic.Bool
}

func newAdapter(kind Kind, backend Classifier, opts Options, post postprocessor) *Adapter {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	name := opts.Name
	if name == "" {
		name = kind.String()
	}
	return &Adapter{kind: kind, name: name, backend: backend, opts: opts, post: post, clock: clock}
}

// NewFaceDetector returns an adapter reporting face presence. All
// faces above the score floor collapse into one "face" result whose
// confidence is the best face score and whose Count is the number of
// faces.
func NewFaceDetector(backend Classifier, opts Options) *Adapter {
	return newAdapter(Face, backend, opts, postFace)
}

// NewSceneLabeler returns an adapter emitting one result per scene
// label above the score floor.
func NewSceneLabeler(backend Classifier, opts Options) *Adapter {
	return newAdapter(Scene, backend, opts, postLabels(Scene))
}

// NewHazardClassifier returns an adapter emitting one result per
// hazard label above the score floor.
func NewHazardClassifier(backend Classifier, opts Options) *Adapter {
	return newAdapter(Hazard, backend, opts, postLabels(Hazard))
}

// New builds the adapter for kind.
func New(kind Kind, backend Classifier, opts Options) (*Adapter, error) {
	switch kind {
	case Face:
		return NewFaceDetector(backend, opts), nil
	case Scene:
		return NewSceneLabeler(backend, opts), nil
	case Hazard:
		return NewHazardClassifier(backend, opts), nil
	default:
		return nil, fmt.Errorf("unknown detector kind %v", kind)
	}
}

func (a *Adapter) Kind() Kind     { return a.kind }
func (a *Adapter) Name() string   { return a.name }
func (a *Adapter) Busy() bool     { return a.busy.Load() }
func (a *Adapter) String() string { return a.name }

// Submit starts classification of f. The frame is validated and scaled
// before Submit returns; the returned Handle delivers the outcome. A
// frame that fails validation yields an InvalidInput completion. Submit
// returns ErrBusy if the previous submission has not completed.
func (a *Adapter) Submit(ctx context.Context, f *frame.Frame) (*Handle, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	start := a.clock.Now()
	h := &Handle{FrameID: f.ID, done: make(chan Completion, 1)}

	if err := f.Validate(); err != nil {
		a.finish(h, Completion{
			FrameID:  f.ID,
			Detector: a.kind,
			Failure:  &Failure{Kind: InvalidInput, Detector: a.kind, FrameID: f.ID, Err: fmt.Errorf("%w: %v", ErrInvalidInput, err)},
		})
		return h, nil
	}

	in := Input{FrameID: f.ID, Timestamp: f.Timestamp, Image: a.prepare(f)}
	go func() {
		labels, err := a.backend.Classify(ctx, in)
		c := Completion{FrameID: in.FrameID, Detector: a.kind, Latency: a.clock.Since(start)}
		if err != nil {
			c.Failure = &Failure{Kind: classifyError(err), Detector: a.kind, FrameID: in.FrameID, Err: err}
		} else {
			c.Results = a.post(in.FrameID, labels, a.opts.ScoreFloor)
		}
		a.finish(h, c)
	}()
	return h, nil
}

func (a *Adapter) finish(h *Handle, c Completion) {
	a.busy.Store(false)
	h.done <- c
}

func (a *Adapter) prepare(f *frame.Frame) *image.NRGBA {
	src := f.Image()
	if n := a.opts.InputSize; n > 0 && (f.Width != n || f.Height != n) {
		return imaging.Resize(src, n, n, imaging.Linear)
	}
	return imaging.Clone(src)
}

func postFace(frameID uint64, labels []Label, floor float64) []Result {
	var best *Label
	count := 0
	var identities []string
	for i := range labels {
		l := &labels[i]
		if l.Score < floor {
			continue
		}
		count++
		if best == nil || l.Score > best.Score {
			best = l
		}
		if l.Identity != "" && !slices.Contains(identities, l.Identity) {
			identities = append(identities, l.Identity)
		}
	}
	if best == nil {
		return nil
	}
	sort.Strings(identities)
	return []Result{{
		FrameID:    frameID,
		Kind:       Face,
		Label:      "face",
		Confidence: clamp01(best.Score),
		Box:        best.Box,
		Count:      count,
		Identities: identities,
	}}
}

func postLabels(kind Kind) postprocessor {
	return func(frameID uint64, labels []Label, floor float64) []Result {
		var out []Result
		for _, l := range labels {
			if l.Score < floor || l.Name == "" {
				continue
			}
			out = append(out, Result{
				FrameID:    frameID,
				Kind:       kind,
				Label:      l.Name,
				Confidence: clamp01(l.Score),
				Box:        l.Box,
			})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Confidence != out[j].Confidence {
				return out[i].Confidence > out[j].Confidence
			}
			return out[i].Label < out[j].Label
		})
		return out
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
