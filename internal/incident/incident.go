// Package incident promotes sustained, confident observations into
// incidents and closes them once the stream has been silent for long
// enough.
//
// An Aggregator belongs to one session and is driven by a single
// goroutine; it does no locking of its own.
package incident

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/campus.safety/internal/fusion"
	"github.com/banshee-data/campus.safety/internal/timeutil"
	"github.com/google/uuid"
)

// State is the lifecycle state of an incident.
type State string

const (
	StateOpen   State = "open"   // still accepting observations
	StateClosed State = "closed" // final, never reopened
)

// Incident is a run of related observations with the same category.
type Incident struct {
	ID             string    `json:"id"`
	Category       string    `json:"category"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	PeakConfidence float64   `json:"peak_confidence"`
	ObservationIDs []uint64  `json:"observation_ids"`
	State          State     `json:"state"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`
}

// Duration is the time between the first and last observation.
func (i Incident) Duration() time.Duration {
	return i.LastSeen.Sub(i.FirstSeen)
}

func (i *Incident) clone() Incident {
	c := *i
	c.ObservationIDs = append([]uint64(nil), i.ObservationIDs...)
	return c
}

// Config holds the aggregation parameters. All fields are required.
type Config struct {
	PromotionThreshold float64
	MergeWindow        time.Duration
	SilenceWindow      time.Duration
}

// Validate rejects zero or inconsistent values.
func (c Config) Validate() error {
	var errs []error
	if c.PromotionThreshold <= 0 || c.PromotionThreshold > 1 {
		errs = append(errs, fmt.Errorf("promotion threshold must be in (0,1], got %f", c.PromotionThreshold))
	}
	if c.MergeWindow <= 0 {
		errs = append(errs, fmt.Errorf("merge window must be positive, got %s", c.MergeWindow))
	}
	if c.SilenceWindow <= 0 {
		errs = append(errs, fmt.Errorf("silence window must be positive, got %s", c.SilenceWindow))
	}
	if c.MergeWindow > c.SilenceWindow {
		errs = append(errs, fmt.Errorf("merge window %s exceeds silence window %s", c.MergeWindow, c.SilenceWindow))
	}
	return errors.Join(errs...)
}

// Aggregator turns observations into incidents.
type Aggregator struct {
	cfg    Config
	open   []*Incident
	stream *timeutil.StreamClock
	newID  func() string

	lastTS   time.Time
	promoted int
	closed   int
}

// NewAggregator returns an Aggregator. host measures the wall time
// that elapses between observations when estimating stream time; nil
// uses the real clock.
func NewAggregator(cfg Config, host timeutil.Clock) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("incident config: %w", err)
	}
	return &Aggregator{
		cfg:    cfg,
		stream: timeutil.NewStreamClock(host),
		newID:  func() string { return fmt.Sprintf("inc_%s", uuid.NewString()) },
	}, nil
}

// Observe feeds one observation. Open incidents that have been silent
// for at least the silence window at the observation's time are closed
// and returned in chronological order. A promotable observation at or
// above the promotion threshold then extends the most recent open
// incident of its category within the merge window, or starts a new
// one.
func (a *Aggregator) Observe(obs fusion.Observation) []Incident {
	a.stream.Observe(obs.Timestamp)
	if obs.Timestamp.After(a.lastTS) {
		a.lastTS = obs.Timestamp
	}
	closed := a.closeSilent(obs.Timestamp)

	if !obs.Promotable() || obs.FusedConfidence < a.cfg.PromotionThreshold {
		return closed
	}
	a.promoted++

	if inc := a.mergeTarget(obs.FusedLabel, obs.Timestamp); inc != nil {
		if obs.Timestamp.After(inc.LastSeen) {
			inc.LastSeen = obs.Timestamp
		}
		inc.PeakConfidence = max(inc.PeakConfidence, obs.FusedConfidence)
		inc.ObservationIDs = append(inc.ObservationIDs, obs.FrameID)
		return closed
	}

	a.open = append(a.open, &Incident{
		ID:             a.newID(),
		Category:       obs.FusedLabel,
		FirstSeen:      obs.Timestamp,
		LastSeen:       obs.Timestamp,
		PeakConfidence: obs.FusedConfidence,
		ObservationIDs: []uint64{obs.FrameID},
		State:          StateOpen,
	})
	return closed
}

// mergeTarget returns the open incident of category with the latest
// LastSeen, if that is within the merge window of ts.
func (a *Aggregator) mergeTarget(category string, ts time.Time) *Incident {
	var target *Incident
	for _, inc := range a.open {
		if inc.Category != category {
			continue
		}
		if target == nil || inc.LastSeen.After(target.LastSeen) {
			target = inc
		}
	}
	if target == nil || ts.Sub(target.LastSeen) > a.cfg.MergeWindow {
		return nil
	}
	return target
}

// Sweep closes incidents silent for at least the silence window at
// stream time now.
func (a *Aggregator) Sweep(now time.Time) []Incident {
	return a.closeSilent(now)
}

// Tick sweeps at the estimated current stream time. It lets incidents
// close while no frames are arriving.
func (a *Aggregator) Tick() []Incident {
	now := a.stream.Now()
	if now.IsZero() {
		return nil
	}
	return a.closeSilent(now)
}

// Flush closes every open incident, for use at session end.
func (a *Aggregator) Flush() []Incident {
	out := make([]Incident, 0, len(a.open))
	for _, inc := range a.open {
		closedAt := inc.LastSeen
		if a.lastTS.After(closedAt) {
			closedAt = a.lastTS
		}
		out = append(out, a.close(inc, closedAt))
	}
	a.open = nil
	sortChronological(out)
	return out
}

// Open returns copies of the incidents still open, oldest first.
func (a *Aggregator) Open() []Incident {
	out := make([]Incident, 0, len(a.open))
	for _, inc := range a.open {
		out = append(out, inc.clone())
	}
	sortChronological(out)
	return out
}

// Stats reports how many observations were promoted and how many
// incidents have been closed.
func (a *Aggregator) Stats() (promoted, closed int) {
	return a.promoted, a.closed
}

func (a *Aggregator) closeSilent(now time.Time) []Incident {
	var out []Incident
	kept := a.open[:0]
	for _, inc := range a.open {
		if now.Sub(inc.LastSeen) >= a.cfg.SilenceWindow {
			out = append(out, a.close(inc, inc.LastSeen.Add(a.cfg.SilenceWindow)))
			continue
		}
		kept = append(kept, inc)
	}
	for i := len(kept); i < len(a.open); i++ {
		a.open[i] = nil
	}
	a.open = kept
	sortChronological(out)
	return out
}

func (a *Aggregator) close(inc *Incident, at time.Time) Incident {
	inc.State = StateClosed
	inc.ClosedAt = at
	a.closed++
	return inc.clone()
}

func sortChronological(incs []Incident) {
	sort.SliceStable(incs, func(i, j int) bool {
		if !incs[i].FirstSeen.Equal(incs[j].FirstSeen) {
			return incs[i].FirstSeen.Before(incs[j].FirstSeen)
		}
		return incs[i].ID < incs[j].ID
	})
}
