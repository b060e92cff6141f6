package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/campus.safety/internal/detector"
	"github.com/banshee-data/campus.safety/internal/frame"
	"github.com/banshee-data/campus.safety/internal/timeutil"
)

// pool holds the adapter instances of one detector kind.
type pool struct {
	kind     detector.Kind
	free     chan *worker
	workers  []*worker
	disabled chan struct{}
	once     sync.Once
}

func newPool(kind detector.Kind, adapters []*detector.Adapter) *pool {
	p := &pool{
		kind:     kind,
		free:     make(chan *worker, len(adapters)),
		disabled: make(chan struct{}),
	}
	for _, a := range adapters {
		w := &worker{pool: p, adapter: a, jobs: make(chan job, 1)}
		p.workers = append(p.workers, w)
		p.free <- w
	}
	return p
}

// disable stops the pool from lending instances. It reports whether
// this call was the one that disabled it.
func (p *pool) disable() bool {
	first := false
	p.once.Do(func() {
		close(p.disabled)
		first = true
	})
	return first
}

func (p *pool) isDisabled() bool {
	select {
	case <-p.disabled:
		return true
	default:
		return false
	}
}

// put returns w to the free list unless the pool is disabled.
func (p *pool) put(w *worker) {
	if p.isDisabled() {
		return
	}
	p.free <- w
}

type job struct {
	handle *detector.Handle
	cancel context.CancelFunc
}

// worker owns one adapter instance and forwards its completions.
type worker struct {
	pool    *pool
	adapter *detector.Adapter
	jobs    chan job
}

func (w *worker) run(seq *sequencer) {
	for j := range w.jobs {
		c := <-j.handle.Done()
		j.cancel()
		seq.deliver(seqMsg{completion: &c})
		if c.Failure != nil && c.Failure.Kind == detector.ModelUnavailable {
			w.pool.disable()
			continue
		}
		w.pool.put(w)
	}
}

// scheduler admits frames into a bounded queue and dispatches the head
// of the queue to one free instance of every enabled detector kind.
type scheduler struct {
	depth        int
	frameTimeout time.Duration
	clock        timeutil.Clock
	life         *lifecycle
	events       *eventLog
	pools        []*pool
	seq          *sequencer

	mu      sync.Mutex
	pending []*frame.Frame
	closed  bool
	notify  chan struct{}

	admitted   atomic.Uint64
	dropped    atomic.Uint64
	dispatched atomic.Uint64
}

func newScheduler(depth int, frameTimeout time.Duration, clock timeutil.Clock, life *lifecycle, events *eventLog, pools []*pool, seq *sequencer) *scheduler {
	return &scheduler{
		depth:        depth,
		frameTimeout: frameTimeout,
		clock:        clock,
		life:         life,
		events:       events,
		pools:        pools,
		seq:          seq,
		notify:       make(chan struct{}, 1),
	}
}

// Admit enqueues f without blocking. When the queue is full its oldest
// frame is dropped and released. Frames admitted after CloseInput are
// dropped at once. The only error is a frame id seen before.
func (s *scheduler) Admit(f *frame.Frame) error {
	if err := s.life.admit(f.ID); err != nil {
		return err
	}
	s.admitted.Add(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.dropped.Add(1)
		Tracef("frame %d admitted after input closed, dropped", f.ID)
		if err := s.life.drop(f.ID); err != nil {
			Opsf("frame %d: %v", f.ID, err)
		}
		return nil
	}
	var evicted *frame.Frame
	if len(s.pending) >= s.depth {
		evicted = s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, f)
	s.mu.Unlock()

	s.wake()

	if evicted != nil {
		s.dropped.Add(1)
		s.events.add(Event{Kind: QueueOverflowDrop, At: s.clock.Now(), FrameID: evicted.ID})
		Opsf("queue full (depth %d): dropped frame %d", s.depth, evicted.ID)
		if err := s.life.drop(evicted.ID); err != nil {
			Opsf("frame %d: %v", evicted.ID, err)
		}
	}
	return nil
}

// CloseInput marks the end of admissions. The dispatcher drains what
// is already queued and then stops.
func (s *scheduler) CloseInput() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// waitPending blocks until a frame is queued. It returns false once
// the input is closed and drained, or ctx is done.
func (s *scheduler) waitPending(ctx context.Context) bool {
	for {
		s.mu.Lock()
		n, closed := len(s.pending), s.closed
		s.mu.Unlock()
		if n > 0 {
			return ctx.Err() == nil
		}
		if closed {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.notify:
		}
	}
}

func (s *scheduler) pop() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	f := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return f
}

// acquire takes one free instance from every enabled pool, waiting at
// most frameTimeout in total. Pools with nothing free by then are
// skipped for this frame.
func (s *scheduler) acquire(ctx context.Context) ([]*worker, []detector.Kind) {
	timer := s.clock.NewTimer(s.frameTimeout)
	defer timer.Stop()

	var got []*worker
	var skipped []detector.Kind
	expired := false
	for _, p := range s.pools {
		if p.isDisabled() {
			continue
		}
		select {
		case w := <-p.free:
			got = append(got, w)
			continue
		default:
		}
		if expired {
			skipped = append(skipped, p.kind)
			continue
		}
		select {
		case w := <-p.free:
			got = append(got, w)
		case <-p.disabled:
		case <-timer.C():
			expired = true
			skipped = append(skipped, p.kind)
		case <-ctx.Done():
			return got, nil
		}
	}
	return got, skipped
}

// run is the dispatcher loop. On exit every frame still queued is
// dropped and the sequencer is told no more dispatches will follow.
func (s *scheduler) run(ctx context.Context) error {
	defer func() {
		for _, p := range s.pools {
			for _, w := range p.workers {
				close(w.jobs)
			}
		}
	}()
	defer s.seq.deliver(seqMsg{inputDone: true})
	defer s.drain()

	for s.waitPending(ctx) {
		workers, skipped := s.acquire(ctx)
		if ctx.Err() != nil {
			for _, w := range workers {
				w.pool.put(w)
			}
			return nil
		}
		f := s.pop()
		if f == nil {
			for _, w := range workers {
				w.pool.put(w)
			}
			continue
		}
		if err := s.dispatch(ctx, f, workers, skipped); err != nil {
			return err
		}
	}
	return nil
}

func (s *scheduler) dispatch(ctx context.Context, f *frame.Frame, workers []*worker, skipped []detector.Kind) error {
	if err := s.life.advance(f.ID, StateDispatched); err != nil {
		for _, w := range workers {
			w.pool.put(w)
		}
		return err
	}
	s.dispatched.Add(1)
	now := s.clock.Now()
	for _, k := range skipped {
		s.events.add(Event{Kind: DetectorSkipped, At: now, FrameID: f.ID, Detector: k.String()})
		Tracef("frame %d: no free %s instance within %s", f.ID, k, s.frameTimeout)
	}

	type submitted struct {
		w *worker
		j job
	}
	var subs []submitted
	var kinds []detector.Kind
	for _, w := range workers {
		jctx, cancel := context.WithTimeout(ctx, s.frameTimeout)
		h, err := w.adapter.Submit(jctx, f)
		if err != nil {
			cancel()
			w.pool.put(w)
			if !errors.Is(err, detector.ErrBusy) {
				return fmt.Errorf("submit frame %d to %s: %w", f.ID, w.adapter, err)
			}
			Opsf("frame %d: %s still busy, skipped", f.ID, w.adapter)
			continue
		}
		subs = append(subs, submitted{w: w, j: job{handle: h, cancel: cancel}})
		kinds = append(kinds, w.pool.kind)
	}
	Tracef("frame %d dispatched to %v", f.ID, kinds)

	ok := s.seq.deliver(seqMsg{dispatch: &dispatchMsg{
		frame:    f,
		kinds:    kinds,
		deadline: now.Add(s.frameTimeout),
	}})
	if !ok {
		if err := s.life.drop(f.ID); err != nil {
			Opsf("frame %d: %v", f.ID, err)
		}
	}
	for _, sub := range subs {
		sub.w.jobs <- sub.j
	}
	return nil
}

// drain drops every frame still waiting in the queue.
func (s *scheduler) drain() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.closed = true
	s.mu.Unlock()
	for _, f := range pending {
		s.dropped.Add(1)
		Tracef("frame %d dropped at shutdown", f.ID)
		if err := s.life.drop(f.ID); err != nil {
			Opsf("frame %d: %v", f.ID, err)
		}
	}
}
