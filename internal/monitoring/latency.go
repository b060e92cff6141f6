package monitoring

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultLatencyWindow is the number of most recent samples kept per series.
const DefaultLatencyWindow = 512

// LatencySummary describes one latency series in milliseconds.
type LatencySummary struct {
	Name   string  `json:"name"`
	Count  int     `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// LatencyTracker keeps a sliding window of latency samples per named
// series, typically one series per detector kind. It is safe for
// concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	window  int
	samples map[string][]float64
	total   map[string]int
}

// NewLatencyTracker keeps at most window samples per series. A
// non-positive window uses DefaultLatencyWindow.
func NewLatencyTracker(window int) *LatencyTracker {
	if window <= 0 {
		window = DefaultLatencyWindow
	}
	return &LatencyTracker{
		window:  window,
		samples: make(map[string][]float64),
		total:   make(map[string]int),
	}
}

// Record adds one sample to series name.
func (l *LatencyTracker) Record(name string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	s := append(l.samples[name], ms)
	if len(s) > l.window {
		s = s[len(s)-l.window:]
	}
	l.samples[name] = s
	l.total[name]++
}

// Summary returns the statistics for series name over the current
// window. Count is the number of samples ever recorded.
func (l *LatencyTracker) Summary(name string) LatencySummary {
	l.mu.Lock()
	x := append([]float64(nil), l.samples[name]...)
	count := l.total[name]
	l.mu.Unlock()

	sum := LatencySummary{Name: name, Count: count}
	if len(x) == 0 {
		return sum
	}
	sort.Float64s(x)
	sum.MeanMs = stat.Mean(x, nil)
	sum.P50Ms = stat.Quantile(0.5, stat.Empirical, x, nil)
	sum.P95Ms = stat.Quantile(0.95, stat.Empirical, x, nil)
	sum.MaxMs = floats.Max(x)
	return sum
}

// Summaries returns a summary for every series, sorted by name.
func (l *LatencyTracker) Summaries() []LatencySummary {
	l.mu.Lock()
	names := make([]string, 0, len(l.samples))
	for name := range l.samples {
		names = append(names, name)
	}
	l.mu.Unlock()

	sort.Strings(names)
	out := make([]LatencySummary, 0, len(names))
	for _, name := range names {
		out = append(out, l.Summary(name))
	}
	return out
}

// LogSummaries writes one line per series through Logf.
func (l *LatencyTracker) LogSummaries() {
	for _, s := range l.Summaries() {
		Logf("[monitoring] %s latency: n=%d mean=%.1fms p50=%.1fms p95=%.1fms max=%.1fms",
			s.Name, s.Count, s.MeanMs, s.P50Ms, s.P95Ms, s.MaxMs)
	}
}
