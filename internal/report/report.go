// Package report renders closed incidents as PDF, JSON and HTML
// documents and manages the report directory.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/campus.safety/internal/incident"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Title heads every generated report.
const Title = "SFC - Image Analysis Report"

// Format is a report file format, also used as the file extension.
type Format string

const (
	PDF  Format = "pdf"
	JSON Format = "json"
	HTML Format = "html"
)

// Formats lists every supported format.
var Formats = []Format{PDF, JSON, HTML}

// ParseFormat accepts a format name in any case.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown report format %q (want pdf, json or html)", s)
}

// ParseFormats parses a comma separated format list.
func ParseFormats(s string) ([]Format, error) {
	var out []Format
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		f, err := ParseFormat(part)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no report formats in %q", s)
	}
	return out, nil
}

const (
	namePrefix = "SFC_Report_"
	nameLayout = "20060102_150405"
)

// ReportName returns the file name of a report generated at ts,
// e.g. SFC_Report_20260302_091500.pdf.
func ReportName(ts time.Time, f Format) string {
	return baseName(ts, 1) + "." + string(f)
}

func baseName(ts time.Time, seq int) string {
	name := namePrefix + ts.Format(nameLayout)
	if seq > 1 {
		name = fmt.Sprintf("%s_%d", name, seq)
	}
	return name
}

// Exporter receives a session's closed incidents in chronological order.
type Exporter interface {
	Export(ctx context.Context, incidents []incident.Incident) error
}

// Meta describes where the incidents came from.
type Meta struct {
	SessionID string `json:"session_id,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Document is the format-independent content of a report.
type Document struct {
	Title       string              `json:"title"`
	GeneratedAt time.Time           `json:"generated_at"`
	Meta        Meta                `json:"meta"`
	Stats       Stats               `json:"stats"`
	Incidents   []incident.Incident `json:"incidents"`
}

// NewDocument builds a Document from incidents, sorted chronologically.
func NewDocument(incidents []incident.Incident, generatedAt time.Time, meta Meta) Document {
	incs := append([]incident.Incident{}, incidents...)
	sort.SliceStable(incs, func(i, j int) bool {
		if !incs[i].FirstSeen.Equal(incs[j].FirstSeen) {
			return incs[i].FirstSeen.Before(incs[j].FirstSeen)
		}
		return incs[i].ID < incs[j].ID
	})
	return Document{
		Title:       Title,
		GeneratedAt: generatedAt,
		Meta:        meta,
		Stats:       ComputeStats(incs),
		Incidents:   incs,
	}
}

// Stats summarises a set of incidents.
type Stats struct {
	Count        int            `json:"count"`
	Observations int            `json:"observations"`
	ByCategory   map[string]int `json:"by_category"`
	MeanPeak     float64        `json:"mean_peak"`
	MaxPeak      float64        `json:"max_peak"`
	MinPeak      float64        `json:"min_peak"`
	TotalSeconds float64        `json:"total_seconds"`
	First        time.Time      `json:"first,omitempty"`
	Last         time.Time      `json:"last,omitempty"`
}

// ComputeStats returns zero peaks for no incidents.
func ComputeStats(incidents []incident.Incident) Stats {
	s := Stats{Count: len(incidents), ByCategory: make(map[string]int)}
	if len(incidents) == 0 {
		return s
	}
	peaks := make([]float64, len(incidents))
	var total time.Duration
	for i, inc := range incidents {
		peaks[i] = inc.PeakConfidence
		s.ByCategory[inc.Category]++
		s.Observations += len(inc.ObservationIDs)
		total += inc.Duration()
		if s.First.IsZero() || inc.FirstSeen.Before(s.First) {
			s.First = inc.FirstSeen
		}
		if inc.LastSeen.After(s.Last) {
			s.Last = inc.LastSeen
		}
	}
	s.MeanPeak = stat.Mean(peaks, nil)
	s.MaxPeak = floats.Max(peaks)
	s.MinPeak = floats.Min(peaks)
	s.TotalSeconds = total.Seconds()
	return s
}

// Categories returns the categories in s sorted by count, then name.
func (s Stats) Categories() []string {
	cats := make([]string, 0, len(s.ByCategory))
	for c := range s.ByCategory {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if s.ByCategory[cats[i]] != s.ByCategory[cats[j]] {
			return s.ByCategory[cats[i]] > s.ByCategory[cats[j]]
		}
		return cats[i] < cats[j]
	})
	return cats
}
