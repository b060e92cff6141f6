package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical analysis defaults file.
const DefaultConfigPath = "config/analysis.defaults.json"

// AnalysisConfig is the root configuration for a frame analysis session.
// Fields are pointers so that a partial JSON file only overrides the
// values it names; the Get* accessors supply defaults for the rest.
type AnalysisConfig struct {
	// Scheduler
	QueueDepth        *int    `json:"queue_depth,omitempty"`
	FrameTimeout      *string `json:"frame_timeout,omitempty"` // duration string like "500ms"
	ConcurrencyFactor *int    `json:"concurrency_factor,omitempty"`
	ShutdownGrace     *string `json:"shutdown_grace,omitempty"`
	SweepInterval     *string `json:"sweep_interval,omitempty"`

	// Fusion thresholds
	FaceThreshold   *float64 `json:"face_threshold,omitempty"`
	SceneThreshold  *float64 `json:"scene_threshold,omitempty"`
	HazardThreshold *float64 `json:"hazard_threshold,omitempty"`

	// Known-face matching
	MatchThreshold *float64 `json:"match_threshold,omitempty"`
	EmbeddingSize  *int     `json:"embedding_size,omitempty"`

	// Incident aggregation
	PromotionThreshold *float64 `json:"promotion_threshold,omitempty"`
	MergeWindow        *string  `json:"merge_window,omitempty"`
	SilenceWindow      *string  `json:"silence_window,omitempty"`

	// Detector and frame sources
	DetectorInputSize *int    `json:"detector_input_size,omitempty"`
	ReplayInterval    *string `json:"replay_interval,omitempty"`

	// History and reports
	MaxHistoryRecords *int    `json:"max_history_records,omitempty"`
	DBPath            *string `json:"db_path,omitempty"`
	ReportDir         *string `json:"report_dir,omitempty"`
}

const (
	defaultQueueDepth         = 4
	defaultFrameTimeout       = 500 * time.Millisecond
	defaultConcurrencyFactor  = 1
	defaultShutdownGrace      = 2 * time.Second
	defaultSweepInterval      = time.Second
	defaultFaceThreshold      = 0.5
	defaultSceneThreshold     = 0.7
	defaultHazardThreshold    = 0.6
	defaultPromotionThreshold = 0.75
	defaultMatchThreshold     = 0.85
	defaultEmbeddingSize      = 16
	defaultMergeWindow        = 5 * time.Second
	defaultSilenceWindow      = 10 * time.Second
	defaultDetectorInputSize  = 224
	defaultReplayInterval     = 100 * time.Millisecond
	defaultMaxHistoryRecords  = 100
	defaultDBPath             = "sfc.db"
	defaultReportDir          = "reports"
)

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Defaults returns an AnalysisConfig with every field populated.
func Defaults() *AnalysisConfig {
	return &AnalysisConfig{
		QueueDepth:         ptrInt(defaultQueueDepth),
		FrameTimeout:       ptrString(defaultFrameTimeout.String()),
		ConcurrencyFactor:  ptrInt(defaultConcurrencyFactor),
		ShutdownGrace:      ptrString(defaultShutdownGrace.String()),
		SweepInterval:      ptrString(defaultSweepInterval.String()),
		FaceThreshold:      ptrFloat64(defaultFaceThreshold),
		SceneThreshold:     ptrFloat64(defaultSceneThreshold),
		HazardThreshold:    ptrFloat64(defaultHazardThreshold),
		PromotionThreshold: ptrFloat64(defaultPromotionThreshold),
		MatchThreshold:     ptrFloat64(defaultMatchThreshold),
		EmbeddingSize:      ptrInt(defaultEmbeddingSize),
		MergeWindow:        ptrString(defaultMergeWindow.String()),
		SilenceWindow:      ptrString(defaultSilenceWindow.String()),
		DetectorInputSize:  ptrInt(defaultDetectorInputSize),
		ReplayInterval:     ptrString(defaultReplayInterval.String()),
		MaxHistoryRecords:  ptrInt(defaultMaxHistoryRecords),
		DBPath:             ptrString(defaultDBPath),
		ReportDir:          ptrString(defaultReportDir),
	}
}

// LoadAnalysisConfig loads an AnalysisConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Omitted
// fields fall back to the defaults returned by the Get* methods.
func LoadAnalysisConfig(path string) (*AnalysisConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &AnalysisConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the
// current directory up towards the repository root. It panics if the
// file cannot be loaded and is intended for test setup.
func MustLoadDefaultConfig() *AnalysisConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadAnalysisConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every field that is set. Unset fields are not errors.
func (c *AnalysisConfig) Validate() error {
	positiveInts := []struct {
		name string
		v    *int
	}{
		{"queue_depth", c.QueueDepth},
		{"concurrency_factor", c.ConcurrencyFactor},
		{"detector_input_size", c.DetectorInputSize},
		{"embedding_size", c.EmbeddingSize},
		{"max_history_records", c.MaxHistoryRecords},
	}
	for _, f := range positiveInts {
		if f.v != nil && *f.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, *f.v)
		}
	}

	unitFloats := []struct {
		name string
		v    *float64
	}{
		{"face_threshold", c.FaceThreshold},
		{"scene_threshold", c.SceneThreshold},
		{"hazard_threshold", c.HazardThreshold},
		{"promotion_threshold", c.PromotionThreshold},
		{"match_threshold", c.MatchThreshold},
	}
	for _, f := range unitFloats {
		if f.v != nil && (*f.v < 0 || *f.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", f.name, *f.v)
		}
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"frame_timeout", c.FrameTimeout},
		{"shutdown_grace", c.ShutdownGrace},
		{"sweep_interval", c.SweepInterval},
		{"merge_window", c.MergeWindow},
		{"silence_window", c.SilenceWindow},
		{"replay_interval", c.ReplayInterval},
	}
	for _, f := range durations {
		if f.v == nil || *f.v == "" {
			continue
		}
		d, err := time.ParseDuration(*f.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", f.name, *f.v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, d)
		}
	}

	if c.GetMergeWindow() > c.GetSilenceWindow() {
		return fmt.Errorf("merge_window (%s) must not exceed silence_window (%s)",
			c.GetMergeWindow(), c.GetSilenceWindow())
	}
	return nil
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetQueueDepth returns the pending frame queue depth.
func (c *AnalysisConfig) GetQueueDepth() int {
	if c.QueueDepth == nil {
		return defaultQueueDepth
	}
	return *c.QueueDepth
}

// GetFrameTimeout returns the per-frame detector deadline.
func (c *AnalysisConfig) GetFrameTimeout() time.Duration {
	return parseDurationOr(c.FrameTimeout, defaultFrameTimeout)
}

// GetConcurrencyFactor returns the number of adapter instances per detector kind.
func (c *AnalysisConfig) GetConcurrencyFactor() int {
	if c.ConcurrencyFactor == nil {
		return defaultConcurrencyFactor
	}
	return *c.ConcurrencyFactor
}

// GetShutdownGrace returns how long workers are awaited on stop.
func (c *AnalysisConfig) GetShutdownGrace() time.Duration {
	return parseDurationOr(c.ShutdownGrace, defaultShutdownGrace)
}

// GetSweepInterval returns how often silent incidents are checked.
func (c *AnalysisConfig) GetSweepInterval() time.Duration {
	return parseDurationOr(c.SweepInterval, defaultSweepInterval)
}

func (c *AnalysisConfig) GetFaceThreshold() float64 {
	if c.FaceThreshold == nil {
		return defaultFaceThreshold
	}
	return *c.FaceThreshold
}

func (c *AnalysisConfig) GetSceneThreshold() float64 {
	if c.SceneThreshold == nil {
		return defaultSceneThreshold
	}
	return *c.SceneThreshold
}

func (c *AnalysisConfig) GetHazardThreshold() float64 {
	if c.HazardThreshold == nil {
		return defaultHazardThreshold
	}
	return *c.HazardThreshold
}

// GetPromotionThreshold returns the minimum fused confidence that
// creates or extends an incident.
func (c *AnalysisConfig) GetPromotionThreshold() float64 {
	if c.PromotionThreshold == nil {
		return defaultPromotionThreshold
	}
	return *c.PromotionThreshold
}

// GetMatchThreshold returns the minimum cosine similarity between a
// face and a stored profile for the face to count as that person.
func (c *AnalysisConfig) GetMatchThreshold() float64 {
	if c.MatchThreshold == nil {
		return defaultMatchThreshold
	}
	return *c.MatchThreshold
}

func (c *AnalysisConfig) GetEmbeddingSize() int {
	if c.EmbeddingSize == nil {
		return defaultEmbeddingSize
	}
	return *c.EmbeddingSize
}

func (c *AnalysisConfig) GetMergeWindow() time.Duration {
	return parseDurationOr(c.MergeWindow, defaultMergeWindow)
}

func (c *AnalysisConfig) GetSilenceWindow() time.Duration {
	return parseDurationOr(c.SilenceWindow, defaultSilenceWindow)
}

// GetDetectorInputSize returns the square edge, in pixels, that frames
// are scaled to before classification.
func (c *AnalysisConfig) GetDetectorInputSize() int {
	if c.DetectorInputSize == nil {
		return defaultDetectorInputSize
	}
	return *c.DetectorInputSize
}

func (c *AnalysisConfig) GetReplayInterval() time.Duration {
	return parseDurationOr(c.ReplayInterval, defaultReplayInterval)
}

func (c *AnalysisConfig) GetMaxHistoryRecords() int {
	if c.MaxHistoryRecords == nil {
		return defaultMaxHistoryRecords
	}
	return *c.MaxHistoryRecords
}

func (c *AnalysisConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return defaultDBPath
	}
	return *c.DBPath
}

func (c *AnalysisConfig) GetReportDir() string {
	if c.ReportDir == nil || *c.ReportDir == "" {
		return defaultReportDir
	}
	return *c.ReportDir
}
