package pipeline

import (
	"fmt"
	"sync"

	"github.com/banshee-data/campus.safety/internal/frame"
	"go.uber.org/multierr"
)

// FrameState is the position of a frame in the scheduler.
type FrameState int

const (
	StateAdmitted FrameState = iota + 1
	StateDispatched
	StateFused
	StateReleased
	StateDropped
)

func (s FrameState) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateDispatched:
		return "dispatched"
	case StateFused:
		return "fused"
	case StateReleased:
		return "released"
	case StateDropped:
		return "dropped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var legalTransitions = map[FrameState][]FrameState{
	StateAdmitted:   {StateDispatched, StateDropped},
	StateDispatched: {StateFused, StateDropped},
	StateFused:      {StateReleased},
	StateDropped:    {StateReleased},
}

func legal(from, to FrameState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// lifecycle enforces the per-frame state machine and owns the only
// path by which frames go back to the source.
type lifecycle struct {
	src    frame.Source
	strict bool

	mu       sync.Mutex
	states   map[uint64]FrameState
	illegal  int
	released int
	dropped  int
	errs     error
}

func newLifecycle(src frame.Source, strict bool) *lifecycle {
	return &lifecycle{src: src, strict: strict, states: make(map[uint64]FrameState)}
}

func (l *lifecycle) admit(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[id]; ok {
		return l.violation(id, s, StateAdmitted)
	}
	l.states[id] = StateAdmitted
	return nil
}

func (l *lifecycle) advance(id uint64, to FrameState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advanceLocked(id, to)
}

func (l *lifecycle) advanceLocked(id uint64, to FrameState) error {
	from, ok := l.states[id]
	if !ok || !legal(from, to) {
		return l.violation(id, from, to)
	}
	if to == StateReleased {
		delete(l.states, id)
		l.released++
		return nil
	}
	if to == StateDropped {
		l.dropped++
	}
	l.states[id] = to
	return nil
}

// violation must be called with mu held. In strict mode it panics so
// tests fail at the offending call site.
func (l *lifecycle) violation(id uint64, from, to FrameState) error {
	l.illegal++
	err := fmt.Errorf("frame %d: illegal transition %s -> %s", id, from, to)
	if l.strict {
		panic(err)
	}
	Opsf("%v", err)
	return err
}

// release moves a fused or dropped frame to Released and hands its
// buffer back to the source. A frame is never returned twice.
func (l *lifecycle) release(id uint64) error {
	if err := l.advance(id, StateReleased); err != nil {
		return err
	}
	if err := l.src.Release(id); err != nil {
		err = fmt.Errorf("release frame %d: %w", id, err)
		l.mu.Lock()
		l.errs = multierr.Append(l.errs, err)
		l.mu.Unlock()
		Opsf("%v", err)
		return err
	}
	return nil
}

// drop discards a frame that will not be fused and releases it.
func (l *lifecycle) drop(id uint64) error {
	if err := l.advance(id, StateDropped); err != nil {
		return err
	}
	return l.release(id)
}

// Outstanding returns ids that have not been released, for diagnostics.
func (l *lifecycle) outstanding() map[uint64]FrameState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[uint64]FrameState, len(l.states))
	for id, s := range l.states {
		out[id] = s
	}
	return out
}

func (l *lifecycle) counts() (released, dropped, illegal int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released, l.dropped, l.illegal
}

func (l *lifecycle) releaseErrors() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errs
}
