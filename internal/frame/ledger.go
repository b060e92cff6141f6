package frame

import (
	"fmt"
	"sync"
	"time"
)

// Ledger assigns frame ids and tracks which frames are still owned by
// a consumer. It is safe for concurrent use.
type Ledger struct {
	mu          sync.Mutex
	lastID      uint64
	lastTS      time.Time
	outstanding map[uint64]func()
	released    uint64
}

// NewLedger returns an empty ledger. The first issued id is 1.
func NewLedger() *Ledger {
	return &Ledger{outstanding: make(map[uint64]func())}
}

// Issue assigns the next id to a frame stamped ts. onRelease, if not
// nil, runs once when the frame is released.
func (l *Ledger) Issue(ts time.Time, onRelease func()) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastID > 0 && !ts.After(l.lastTS) {
		return 0, fmt.Errorf("%w: %s after %s", ErrNonMonotonic, ts.Format(time.RFC3339Nano), l.lastTS.Format(time.RFC3339Nano))
	}
	l.lastID++
	l.lastTS = ts
	l.outstanding[l.lastID] = onRelease
	return l.lastID, nil
}

// Release marks id as returned and runs its release hook.
func (l *Ledger) Release(id uint64) error {
	l.mu.Lock()
	hook, ok := l.outstanding[id]
	if ok {
		delete(l.outstanding, id)
		l.released++
	}
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidFrameID, id)
	}
	if hook != nil {
		hook()
	}
	return nil
}

// Outstanding returns the number of issued frames not yet released.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outstanding)
}

// Issued returns the number of frames issued so far.
func (l *Ledger) Issued() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// Released returns the number of frames released so far.
func (l *Ledger) Released() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}
