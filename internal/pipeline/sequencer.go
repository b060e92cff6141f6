package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/campus.safety/internal/detector"
	"github.com/banshee-data/campus.safety/internal/frame"
	"github.com/banshee-data/campus.safety/internal/fusion"
	"github.com/banshee-data/campus.safety/internal/incident"
	"github.com/banshee-data/campus.safety/internal/monitoring"
	"github.com/banshee-data/campus.safety/internal/timeutil"
)

// dominantColorCount is how many colour names an observation carries.
const dominantColorCount = 3

type dispatchMsg struct {
	frame    *frame.Frame
	kinds    []detector.Kind
	deadline time.Time
}

// seqMsg is one input to the sequencer. Exactly one field is set.
type seqMsg struct {
	dispatch   *dispatchMsg
	completion *detector.Completion
	inputDone  bool
}

type inflight struct {
	frame    *frame.Frame
	pending  map[detector.Kind]bool
	results  []detector.Result
	deadline time.Time
	fused    bool
	obs      fusion.Observation
}

// sequencer is the single goroutine that owns in-flight frames. It
// fuses a frame once every dispatched detector has reported or the
// frame timeout passes, releases it, and emits observations in frame
// order to the incident aggregator.
type sequencer struct {
	in   chan seqMsg
	done chan struct{}

	clock      timeutil.Clock
	thresholds fusion.Thresholds
	sweep      time.Duration
	life       *lifecycle
	events     *eventLog
	agg        *incident.Aggregator
	latency    *monitoring.LatencyTracker

	frames    map[uint64]*inflight
	order     []uint64
	disabled  map[detector.Kind]bool
	inputDone bool

	onObservation func(fusion.Observation)
	onIncident    func(incident.Incident)

	stats sequencerStats
}

type sequencerStats struct {
	fused        int
	timedOut     int
	late         int
	observations int
	incidents    []incident.Incident
}

func newSequencer(clock timeutil.Clock, th fusion.Thresholds, sweep time.Duration, life *lifecycle, events *eventLog, agg *incident.Aggregator, latency *monitoring.LatencyTracker) *sequencer {
	return &sequencer{
		in:         make(chan seqMsg),
		done:       make(chan struct{}),
		clock:      clock,
		thresholds: th,
		sweep:      sweep,
		life:       life,
		events:     events,
		agg:        agg,
		latency:    latency,
		frames:     make(map[uint64]*inflight),
		disabled:   make(map[detector.Kind]bool),
	}
}

// deliver hands m to the sequencer. It returns false if the sequencer
// has already stopped.
func (s *sequencer) deliver(m seqMsg) bool {
	select {
	case s.in <- m:
		return true
	case <-s.done:
		return false
	}
}

// run processes messages until every dispatched frame is fused after
// the input is done, ctx is cancelled, or a fatal detector failure
// arrives. On any exit in-flight frames are released and open
// incidents are flushed.
func (s *sequencer) run(ctx context.Context) (err error) {
	defer close(s.done)
	defer func() {
		s.abandon()
		for _, inc := range s.agg.Flush() {
			s.emitIncident(inc)
		}
	}()

	ticker := s.clock.NewTicker(s.sweep)
	defer ticker.Stop()
	timer := s.clock.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if s.inputDone && len(s.order) == 0 {
			return nil
		}
		s.arm(timer)

		select {
		case <-ctx.Done():
			return nil
		case m := <-s.in:
			if err := s.handle(m); err != nil {
				return err
			}
		case <-timer.C():
			s.expire(s.clock.Now())
		case <-ticker.C():
			for _, inc := range s.agg.Tick() {
				s.emitIncident(inc)
			}
		}
		s.emitReady()
	}
}

func (s *sequencer) handle(m seqMsg) error {
	switch {
	case m.dispatch != nil:
		d := m.dispatch
		fl := &inflight{frame: d.frame, pending: make(map[detector.Kind]bool, len(d.kinds)), deadline: d.deadline}
		for _, k := range d.kinds {
			fl.pending[k] = true
		}
		s.frames[d.frame.ID] = fl
		s.order = append(s.order, d.frame.ID)
		if len(fl.pending) == 0 {
			s.fuse(fl)
		}
	case m.completion != nil:
		return s.complete(*m.completion)
	case m.inputDone:
		s.inputDone = true
	}
	return nil
}

func (s *sequencer) complete(c detector.Completion) error {
	now := s.clock.Now()
	if f := c.Failure; f != nil {
		switch f.Kind {
		case detector.InvalidInput:
			Opsf("frame %d: %s rejected input: %v", c.FrameID, c.Detector, f.Err)
			s.resolve(c, nil)
			return fmt.Errorf("frame %d: %w", c.FrameID, f)
		case detector.ModelUnavailable:
			if !s.disabled[c.Detector] {
				s.disabled[c.Detector] = true
				s.events.add(Event{Kind: DetectorDisabled, At: now, FrameID: c.FrameID, Detector: c.Detector.String(), Detail: f.Err.Error()})
				Opsf("%s detector disabled for the rest of the session: %v", c.Detector, f.Err)
			}
		default:
			s.events.add(Event{Kind: InferenceTimeout, At: now, FrameID: c.FrameID, Detector: c.Detector.String(), Detail: f.Err.Error()})
			Tracef("frame %d: %s failed: %v", c.FrameID, c.Detector, f.Err)
		}
		s.resolve(c, nil)
		return nil
	}
	s.latency.Record(c.Detector.String(), c.Latency)
	s.resolve(c, c.Results)
	return nil
}

// resolve records the outcome of one detector for its frame. Outcomes
// for frames already fused are discarded.
func (s *sequencer) resolve(c detector.Completion, results []detector.Result) {
	fl, ok := s.frames[c.FrameID]
	if !ok || fl.fused || !fl.pending[c.Detector] {
		s.stats.late++
		s.events.add(Event{Kind: LateResult, At: s.clock.Now(), FrameID: c.FrameID, Detector: c.Detector.String()})
		Tracef("frame %d: discarded late %s result", c.FrameID, c.Detector)
		return
	}
	delete(fl.pending, c.Detector)
	for _, r := range results {
		if r.FrameID == c.FrameID {
			fl.results = append(fl.results, r)
		}
	}
	if len(fl.pending) == 0 {
		s.fuse(fl)
	}
}

// arm points timer at the earliest unfused deadline. Deadlines follow
// dispatch order, so that is the first unfused frame.
func (s *sequencer) arm(timer timeutil.Timer) {
	timer.Stop()
	for _, id := range s.order {
		fl := s.frames[id]
		if fl.fused {
			continue
		}
		d := fl.deadline.Sub(s.clock.Now())
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
		return
	}
}

func (s *sequencer) expire(now time.Time) {
	for _, id := range s.order {
		fl := s.frames[id]
		if fl.fused {
			continue
		}
		if fl.deadline.After(now) {
			return
		}
		missing := s.missing(fl)
		s.stats.timedOut++
		s.events.add(Event{Kind: FrameTimeout, At: now, FrameID: id, Detail: fmt.Sprintf("missing %v", missing)})
		Tracef("frame %d: fused after timeout without %v", id, missing)
		s.fuse(fl)
	}
}

func (s *sequencer) missing(fl *inflight) []detector.Kind {
	var out []detector.Kind
	for k := range fl.pending {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fuse builds the observation from what has arrived and releases the
// frame. The raw buffer is not touched afterwards.
func (s *sequencer) fuse(fl *inflight) {
	f := fl.frame
	obs := fusion.Fuse(f.ID, f.Timestamp, fl.results, s.thresholds)
	obs.Brightness = f.Brightness()
	obs.DominantColors = f.DominantColors(dominantColorCount)
	obs.Missing = s.missing(fl)

	fl.obs = obs
	fl.fused = true
	fl.frame = nil
	fl.results = nil
	s.stats.fused++

	if err := s.life.advance(f.ID, StateFused); err != nil {
		return
	}
	if err := s.life.release(f.ID); err != nil {
		Opsf("frame %d: %v", f.ID, err)
	}
}

// emitReady passes fused observations to the aggregator in frame order.
func (s *sequencer) emitReady() {
	for len(s.order) > 0 {
		fl := s.frames[s.order[0]]
		if !fl.fused {
			return
		}
		delete(s.frames, s.order[0])
		s.order = s.order[1:]
		s.emit(fl.obs)
	}
}

func (s *sequencer) emit(obs fusion.Observation) {
	s.stats.observations++
	Tracef("frame %d: %s (%.2f)", obs.FrameID, obs.FusedLabel, obs.FusedConfidence)
	if s.onObservation != nil {
		s.onObservation(obs)
	}
	for _, inc := range s.agg.Observe(obs) {
		s.emitIncident(inc)
	}
}

func (s *sequencer) emitIncident(inc incident.Incident) {
	s.stats.incidents = append(s.stats.incidents, inc)
	Diagf("incident %s closed: %s %s..%s peak %.2f (%d observations)",
		inc.ID, inc.Category, inc.FirstSeen.Format(time.RFC3339), inc.LastSeen.Format(time.RFC3339),
		inc.PeakConfidence, len(inc.ObservationIDs))
	if s.onIncident != nil {
		s.onIncident(inc)
	}
}

// abandon drops frames still waiting for detectors and emits the
// observations already fused, skipping the gaps.
func (s *sequencer) abandon() {
	for _, id := range s.order {
		fl := s.frames[id]
		if fl.fused {
			continue
		}
		Tracef("frame %d abandoned with %v outstanding", id, s.missing(fl))
		if err := s.life.drop(id); err != nil {
			Opsf("frame %d: %v", id, err)
		}
		fl.frame = nil
	}
	for _, id := range s.order {
		fl := s.frames[id]
		delete(s.frames, id)
		if fl.fused {
			s.emit(fl.obs)
		}
	}
	s.order = nil
}
