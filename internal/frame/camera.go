package frame

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type pushed struct {
	buf     []byte
	ts      time.Time
	width   int
	height  int
	release func()
}

// CameraSource adapts a camera callback to the Source interface. The
// camera thread calls Push, which never blocks. When the hand-off
// buffer is full the oldest waiting image is handed back to the camera
// and counted as dropped.
type CameraSource struct {
	ledger   *Ledger
	capacity int

	mu      sync.Mutex
	queue   []pushed
	lastTS  time.Time
	closed  bool
	notify  chan struct{}
	dropped atomic.Uint64
}

// NewCameraSource creates a CameraSource holding at most capacity
// images between Push and Next.
func NewCameraSource(capacity int) *CameraSource {
	if capacity <= 0 {
		capacity = 1
	}
	return &CameraSource{
		ledger:   NewLedger(),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push hands one camera image to the source. release, if not nil, is
// called exactly once when the pipeline no longer needs buf. Images
// whose timestamp does not advance are released at once and rejected
// with ErrNonMonotonic.
func (c *CameraSource) Push(buf []byte, ts time.Time, width, height int, release func()) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		callRelease(release)
		return ErrEndOfStream
	}
	if !c.lastTS.IsZero() && !ts.After(c.lastTS) {
		last := c.lastTS
		c.mu.Unlock()
		callRelease(release)
		opsf("rejected camera image at %s: not after %s", ts.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
		return fmt.Errorf("%w: camera image at %s", ErrNonMonotonic, ts.Format(time.RFC3339Nano))
	}
	c.lastTS = ts

	var evicted *pushed
	if len(c.queue) >= c.capacity {
		oldest := c.queue[0]
		evicted = &oldest
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, pushed{buf: buf, ts: ts, width: width, height: height, release: release})
	c.mu.Unlock()

	if evicted != nil {
		callRelease(evicted.release)
		n := c.dropped.Add(1)
		tracef("camera buffer full: dropped image at %s (total dropped %d)", evicted.ts.Format(time.RFC3339Nano), n)
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close ends the stream. Images already pushed are still delivered.
func (c *CameraSource) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Next returns the oldest waiting image as a Frame.
func (c *CameraSource) Next(ctx context.Context) (*Frame, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			p := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			id, err := c.ledger.Issue(p.ts, p.release)
			if err != nil {
				callRelease(p.release)
				return nil, err
			}
			return &Frame{ID: id, Timestamp: p.ts, Width: p.width, Height: p.height, Buffer: p.buf}, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, ErrEndOfStream
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.notify:
		}
	}
}

// Release returns a frame's buffer to the camera.
func (c *CameraSource) Release(id uint64) error {
	return c.ledger.Release(id)
}

// Dropped returns the number of images evicted before they were issued.
func (c *CameraSource) Dropped() uint64 {
	return c.dropped.Load()
}

// Outstanding returns the number of issued frames not yet released.
func (c *CameraSource) Outstanding() int {
	return c.ledger.Outstanding()
}

func callRelease(release func()) {
	if release != nil {
		release()
	}
}
