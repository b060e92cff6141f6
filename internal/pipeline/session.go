package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/campus.safety/internal/config"
	"github.com/banshee-data/campus.safety/internal/detector"
	"github.com/banshee-data/campus.safety/internal/frame"
	"github.com/banshee-data/campus.safety/internal/fusion"
	"github.com/banshee-data/campus.safety/internal/incident"
	"github.com/banshee-data/campus.safety/internal/monitoring"
	"github.com/banshee-data/campus.safety/internal/timeutil"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrSessionCancelled is the cancellation cause recorded when Stop is
// called. Run still returns a nil error for a cancelled session.
var ErrSessionCancelled = errors.New("session cancelled")

// Config holds the pipeline parameters. Every field is required.
type Config struct {
	QueueDepth        int
	FrameTimeout      time.Duration
	ConcurrencyFactor int
	ShutdownGrace     time.Duration
	SweepInterval     time.Duration
	Thresholds        fusion.Thresholds
	Incidents         incident.Config
}

// ConfigFrom extracts pipeline parameters from an AnalysisConfig.
func ConfigFrom(c *config.AnalysisConfig) Config {
	return Config{
		QueueDepth:        c.GetQueueDepth(),
		FrameTimeout:      c.GetFrameTimeout(),
		ConcurrencyFactor: c.GetConcurrencyFactor(),
		ShutdownGrace:     c.GetShutdownGrace(),
		SweepInterval:     c.GetSweepInterval(),
		Thresholds: fusion.Thresholds{
			Face:   c.GetFaceThreshold(),
			Scene:  c.GetSceneThreshold(),
			Hazard: c.GetHazardThreshold(),
		},
		Incidents: incident.Config{
			PromotionThreshold: c.GetPromotionThreshold(),
			MergeWindow:        c.GetMergeWindow(),
			SilenceWindow:      c.GetSilenceWindow(),
		},
	}
}

// Validate rejects zero or negative values.
func (c Config) Validate() error {
	var errs []error
	if c.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("queue depth must be positive, got %d", c.QueueDepth))
	}
	if c.FrameTimeout <= 0 {
		errs = append(errs, fmt.Errorf("frame timeout must be positive, got %s", c.FrameTimeout))
	}
	if c.ConcurrencyFactor <= 0 {
		errs = append(errs, fmt.Errorf("concurrency factor must be positive, got %d", c.ConcurrencyFactor))
	}
	if c.ShutdownGrace <= 0 {
		errs = append(errs, fmt.Errorf("shutdown grace must be positive, got %s", c.ShutdownGrace))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval))
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Incidents.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AdapterFactory builds instance number instance (from 0) of kind.
type AdapterFactory func(kind detector.Kind, instance int) (*detector.Adapter, error)

// NewAdapterFactory returns a factory that shares one backend per kind
// across all instances. The backends must be safe for concurrent use.
func NewAdapterFactory(backends map[detector.Kind]detector.Classifier, opts detector.Options) AdapterFactory {
	return func(kind detector.Kind, instance int) (*detector.Adapter, error) {
		b, ok := backends[kind]
		if !ok {
			return nil, fmt.Errorf("no backend for %s detector", kind)
		}
		o := opts
		o.Name = fmt.Sprintf("%s#%d", kind, instance+1)
		return detector.New(kind, b, o)
	}
}

// Exporter receives the session's closed incidents in chronological
// order once the session ends.
type Exporter interface {
	Export(ctx context.Context, incidents []incident.Incident) error
}

// Options configures a Session.
type Options struct {
	Config     Config
	NewAdapter AdapterFactory

	// Kinds are the detectors to run. Nil means all of detector.Kinds.
	Kinds []detector.Kind

	// Exporter, if set, receives the incidents when Run ends.
	Exporter Exporter

	Clock timeutil.Clock

	// OnObservation and OnIncident run on the sequencer goroutine and
	// must not block. OnEvent may run on any goroutine.
	OnObservation func(fusion.Observation)
	OnIncident    func(incident.Incident)
	OnEvent       func(Event)

	// strict makes illegal frame state transitions panic.
	strict bool
}

// Status is how a session ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Summary describes a finished session.
type Summary struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`

	FramesAdmitted   int `json:"frames_admitted"`
	FramesDispatched int `json:"frames_dispatched"`
	FramesFused      int `json:"frames_fused"`
	FramesDropped    int `json:"frames_dropped"`
	FramesReleased   int `json:"frames_released"`
	FramesTimedOut   int `json:"frames_timed_out"`
	LateResults      int `json:"late_results"`
	Observations     int `json:"observations"`

	Incidents         []incident.Incident         `json:"incidents"`
	DisabledDetectors []detector.Kind             `json:"disabled_detectors,omitempty"`
	Events            []Event                     `json:"events,omitempty"`
	EventCounts       map[EventKind]int           `json:"event_counts,omitempty"`
	Latency           []monitoring.LatencySummary `json:"latency,omitempty"`
}

// Stats is a live snapshot of frame counters.
type Stats struct {
	Admitted   uint64
	Dispatched uint64
	Dropped    uint64
	Released   int
}

// Session runs one analysis session over a frame source.
type Session struct {
	ID   string
	src  frame.Source
	opts Options

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	sched   atomic.Pointer[scheduler]
	life    atomic.Pointer[lifecycle]
	started atomic.Bool
}

// NewSession validates opts and returns a Session ready to Run.
func NewSession(src frame.Source, opts Options) (*Session, error) {
	if src == nil {
		return nil, errors.New("frame source is required")
	}
	if opts.NewAdapter == nil {
		return nil, errors.New("adapter factory is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	if opts.Kinds == nil {
		opts.Kinds = detector.Kinds
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Session{ID: uuid.NewString(), src: src, opts: opts}, nil
}

// Stop cancels a running session. Run returns normally with status
// cancelled.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel(ErrSessionCancelled)
	}
}

// Stats returns live counters. It is zero before Run starts.
func (s *Session) Stats() Stats {
	var st Stats
	if sched := s.sched.Load(); sched != nil {
		st.Admitted = sched.admitted.Load()
		st.Dispatched = sched.dispatched.Load()
		st.Dropped = sched.dropped.Load()
	}
	if life := s.life.Load(); life != nil {
		st.Released, _, _ = life.counts()
	}
	return st
}

func (s *Session) buildPools() ([]*pool, error) {
	kinds := append([]detector.Kind(nil), s.opts.Kinds...)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	var pools []*pool
	for _, k := range kinds {
		adapters := make([]*detector.Adapter, 0, s.opts.Config.ConcurrencyFactor)
		for i := 0; i < s.opts.Config.ConcurrencyFactor; i++ {
			a, err := s.opts.NewAdapter(k, i)
			if err != nil {
				return nil, fmt.Errorf("build %s detector %d: %w", k, i, err)
			}
			adapters = append(adapters, a)
		}
		pools = append(pools, newPool(k, adapters))
	}
	return pools, nil
}

// Run analyses frames until the source ends, ctx is cancelled, Stop is
// called, or a detector rejects its input. Every issued frame has been
// released and every incident closed when Run returns. Cancellation is
// not an error; a fatal detector failure or a source error is returned
// together with the summary.
func (s *Session) Run(ctx context.Context) (*Summary, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, errors.New("session already run")
	}
	cfg := s.opts.Config
	clock := s.opts.Clock
	started := clock.Now()

	pools, err := s.buildPools()
	if err != nil {
		return nil, err
	}
	agg, err := incident.NewAggregator(cfg.Incidents, clock)
	if err != nil {
		return nil, err
	}

	life := newLifecycle(s.src, s.opts.strict)
	events := newEventLog(s.opts.OnEvent)
	latency := monitoring.NewLatencyTracker(monitoring.DefaultLatencyWindow)
	seq := newSequencer(clock, cfg.Thresholds, cfg.SweepInterval, life, events, agg, latency)
	seq.onObservation = s.opts.OnObservation
	seq.onIncident = s.opts.OnIncident
	sched := newScheduler(cfg.QueueDepth, cfg.FrameTimeout, clock, life, events, pools, seq)
	s.life.Store(life)
	s.sched.Store(sched)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	Diagf("session %s started: %d detector kinds x %d, queue depth %d, frame timeout %s",
		s.ID, len(pools), cfg.ConcurrencyFactor, cfg.QueueDepth, cfg.FrameTimeout)

	var workers sync.WaitGroup
	for _, p := range pools {
		for _, w := range p.workers {
			workers.Add(1)
			go func(w *worker) {
				defer workers.Done()
				w.run(seq)
			}(w)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.produce(gctx, sched) })
	g.Go(func() error { return sched.run(gctx) })
	g.Go(func() error { return seq.run(gctx) })
	runErr := g.Wait()

	s.awaitWorkers(&workers, cfg.ShutdownGrace)

	sum := s.summarize(started, clock.Now(), sched, seq, life, events, latency, pools)
	switch {
	case runErr != nil:
		sum.Status = StatusFailed
		sum.Error = runErr.Error()
	case runCtx.Err() != nil:
		sum.Status = StatusCancelled
		if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			sum.Error = cause.Error()
		}
	default:
		sum.Status = StatusCompleted
	}

	err = runErr
	if s.opts.Exporter != nil {
		if exportErr := s.opts.Exporter.Export(context.WithoutCancel(ctx), sum.Incidents); exportErr != nil {
			err = multierr.Append(err, fmt.Errorf("export incidents: %w", exportErr))
		}
	}
	err = multierr.Append(err, life.releaseErrors())

	if out := life.outstanding(); len(out) > 0 {
		Opsf("session %s ended with %d frames not released: %v", s.ID, len(out), out)
	}
	latency.LogSummaries()
	Diagf("session %s %s: admitted=%d dispatched=%d fused=%d dropped=%d incidents=%d",
		s.ID, sum.Status, sum.FramesAdmitted, sum.FramesDispatched, sum.FramesFused, sum.FramesDropped, len(sum.Incidents))
	return sum, err
}

// produce moves frames from the source into the scheduler.
func (s *Session) produce(ctx context.Context, sched *scheduler) error {
	defer sched.CloseInput()
	for {
		f, err := s.src.Next(ctx)
		switch {
		case errors.Is(err, frame.ErrEndOfStream):
			Diagf("session %s: end of stream", s.ID)
			return nil
		case ctx.Err() != nil:
			if f != nil {
				if err := s.src.Release(f.ID); err != nil {
					Opsf("frame %d: %v", f.ID, err)
				}
			}
			return nil
		case err != nil:
			return fmt.Errorf("frame source: %w", err)
		}
		if err := sched.Admit(f); err != nil {
			return err
		}
	}
}

// awaitWorkers waits for detector workers to finish their current
// submission, abandoning them after grace.
func (s *Session) awaitWorkers(wg *sync.WaitGroup, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-s.opts.Clock.After(grace):
		Opsf("session %s: detector workers still busy after %s, abandoning them", s.ID, grace)
	}
}

func (s *Session) summarize(started, ended time.Time, sched *scheduler, seq *sequencer, life *lifecycle, events *eventLog, latency *monitoring.LatencyTracker, pools []*pool) *Summary {
	released, _, _ := life.counts()
	evs, counts := events.snapshot()
	sum := &Summary{
		SessionID:        s.ID,
		StartedAt:        started,
		EndedAt:          ended,
		FramesAdmitted:   int(sched.admitted.Load()),
		FramesDispatched: int(sched.dispatched.Load()),
		FramesDropped:    int(sched.dropped.Load()),
		FramesReleased:   released,
		FramesFused:      seq.stats.fused,
		FramesTimedOut:   seq.stats.timedOut,
		LateResults:      seq.stats.late,
		Observations:     seq.stats.observations,
		Incidents:        append([]incident.Incident{}, seq.stats.incidents...),
		Events:           evs,
		EventCounts:      counts,
		Latency:          latency.Summaries(),
	}
	sort.SliceStable(sum.Incidents, func(i, j int) bool {
		if !sum.Incidents[i].FirstSeen.Equal(sum.Incidents[j].FirstSeen) {
			return sum.Incidents[i].FirstSeen.Before(sum.Incidents[j].FirstSeen)
		}
		return sum.Incidents[i].ID < sum.Incidents[j].ID
	})
	for _, p := range pools {
		if p.isDisabled() {
			sum.DisabledDetectors = append(sum.DisabledDetectors, p.kind)
		}
	}
	return sum
}
