package pipeline

import (
	"sync"
	"time"
)

// EventKind names a notable, non-fatal pipeline occurrence.
type EventKind string

const (
	// QueueOverflowDrop: the pending queue was full and its oldest
	// frame was discarded to admit a new one.
	QueueOverflowDrop EventKind = "queue_overflow_drop"
	// DetectorDisabled: a detector reported ModelUnavailable and gets
	// no further frames this session. Raised once per detector kind.
	DetectorDisabled EventKind = "detector_disabled"
	// DetectorSkipped: no instance of a detector became free in time
	// and the frame was dispatched without it.
	DetectorSkipped EventKind = "detector_skipped"
	// InferenceTimeout: a detector failed transiently on one frame.
	InferenceTimeout EventKind = "inference_timeout"
	// FrameTimeout: a frame was fused before every detector reported.
	FrameTimeout EventKind = "frame_timeout"
	// LateResult: a completion arrived after its frame was fused.
	LateResult EventKind = "late_result"
)

// Event is one occurrence, stamped with host time.
type Event struct {
	Kind     EventKind `json:"kind"`
	At       time.Time `json:"at"`
	FrameID  uint64    `json:"frame_id,omitempty"`
	Detector string    `json:"detector,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

const maxRetainedEvents = 1000

// eventLog keeps counts of every event and the first events verbatim.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	counts map[EventKind]int
	notify func(Event)
}

func newEventLog(notify func(Event)) *eventLog {
	return &eventLog{counts: make(map[EventKind]int), notify: notify}
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.counts[e.Kind]++
	if len(l.events) < maxRetainedEvents {
		l.events = append(l.events, e)
	}
	notify := l.notify
	l.mu.Unlock()
	if notify != nil {
		notify(e)
	}
}

func (l *eventLog) snapshot() ([]Event, map[EventKind]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[EventKind]int, len(l.counts))
	for k, v := range l.counts {
		counts[k] = v
	}
	return append([]Event(nil), l.events...), counts
}
