package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lucasb-eyer/go-colorful"
)

// Fixture scripts a FixtureClassifier. Frames maps a frame id to the
// labels returned for it; frames not listed get Default. Failures maps
// a frame id to one of "timeout", "unavailable" or "invalid".
type Fixture struct {
	Default  []Label            `json:"default,omitempty"`
	Frames   map[string][]Label `json:"frames,omitempty"`
	Failures map[string]string  `json:"failures,omitempty"`
	Delay    string             `json:"delay,omitempty"`
}

// FixtureClassifier returns scripted labels. It stands in for an
// on-device model in dev mode and in tests.
type FixtureClassifier struct {
	fixture Fixture
	delay   time.Duration
}

// NewFixtureClassifier validates fx and returns a classifier for it.
func NewFixtureClassifier(fx Fixture) (*FixtureClassifier, error) {
	c := &FixtureClassifier{fixture: fx}
	if fx.Delay != "" {
		d, err := time.ParseDuration(fx.Delay)
		if err != nil {
			return nil, fmt.Errorf("invalid fixture delay %q: %w", fx.Delay, err)
		}
		c.delay = d
	}
	for id, kind := range fx.Failures {
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid fixture frame id %q: %w", id, err)
		}
		if _, ok := fixtureFailures[kind]; !ok {
			return nil, fmt.Errorf("unknown fixture failure %q for frame %s", kind, id)
		}
	}
	return c, nil
}

// LoadFixture reads a JSON fixture file.
func LoadFixture(path string) (*FixtureClassifier, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var fx Fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return NewFixtureClassifier(fx)
}

var fixtureFailures = map[string]error{
	"timeout":     context.DeadlineExceeded,
	"unavailable": ErrModelUnavailable,
	"invalid":     ErrInvalidInput,
}

// Classify returns the scripted labels for in.FrameID after the
// configured delay.
func (c *FixtureClassifier) Classify(ctx context.Context, in Input) ([]Label, error) {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	key := strconv.FormatUint(in.FrameID, 10)
	if kind, ok := c.fixture.Failures[key]; ok {
		return nil, fixtureFailures[kind]
	}
	labels, ok := c.fixture.Frames[key]
	if !ok {
		labels = c.fixture.Default
	}
	return append([]Label(nil), labels...), nil
}

// Unavailable is a backend whose model could not be loaded.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Classify(context.Context, Input) ([]Label, error) {
	return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, u.Reason)
}

// ColorHazardClassifier flags visual hazards from pixel colour alone.
// It reports "fire" for saturated warm regions, "smoke" for bright
// low-saturation haze and "low_light" for very dark frames. Scores
// grow with the share of matching pixels.
type ColorHazardClassifier struct {
	// FireFraction is the share of fire-coloured pixels that scores 1.0.
	FireFraction float64
	// SmokeFraction is the share of haze pixels that scores 1.0.
	SmokeFraction float64
	// DarkLightness is the mean CIE L* below which a frame is low_light.
	DarkLightness float64
}

// NewColorHazardClassifier returns a classifier with default tuning.
func NewColorHazardClassifier() *ColorHazardClassifier {
	return &ColorHazardClassifier{FireFraction: 0.2, SmokeFraction: 0.6, DarkLightness: 0.15}
}

func (c *ColorHazardClassifier) Classify(ctx context.Context, in Input) ([]Label, error) {
	img := in.Image
	if img == nil || img.Rect.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidInput)
	}

	var fire, smoke, total int
	var lightness float64
	for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
		if y%16 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := img.Rect.Min.X; x < img.Rect.Max.X; x++ {
			col, ok := colorful.MakeColor(img.NRGBAAt(x, y))
			if !ok {
				continue
			}
			h, s, v := col.Hsv()
			l, _, _ := col.Lab()
			lightness += l
			total++
			switch {
			case (h <= 50 || h >= 345) && s >= 0.6 && v >= 0.6:
				fire++
			case s <= 0.15 && v >= 0.55 && v <= 0.9:
				smoke++
			}
		}
	}
	if total == 0 {
		return nil, nil
	}

	var labels []Label
	if score := fraction(fire, total) / c.FireFraction; score > 0 {
		labels = append(labels, Label{Name: "fire", Score: clamp01(score)})
	}
	if score := fraction(smoke, total) / c.SmokeFraction; score > 0 {
		labels = append(labels, Label{Name: "smoke", Score: clamp01(score)})
	}
	if mean := lightness / float64(total); mean < c.DarkLightness {
		labels = append(labels, Label{Name: "low_light", Score: clamp01(1 - mean/c.DarkLightness)})
	}
	return labels, nil
}

func fraction(n, total int) float64 {
	return float64(n) / float64(total)
}
