package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix of environment variables that override
// configuration values, e.g. SFC_QUEUE_DEPTH or SFC_FRAME_TIMEOUT.
const EnvPrefix = "SFC_"

// ReadEnv collects SFC_* variables from the given .env files and the
// process environment. Process variables win over file values. Missing
// files are skipped.
func ReadEnv(files ...string) (map[string]string, error) {
	env := make(map[string]string)
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read env file %s: %w", f, err)
		}
		for k, v := range vals {
			if strings.HasPrefix(k, EnvPrefix) {
				env[k] = v
			}
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	return env, nil
}

// ApplyEnv overlays values from env onto c and re-validates. Keys are
// the upper-cased JSON field names with the SFC_ prefix.
func (c *AnalysisConfig) ApplyEnv(env map[string]string) error {
	ints := map[string]**int{
		"QUEUE_DEPTH":         &c.QueueDepth,
		"CONCURRENCY_FACTOR":  &c.ConcurrencyFactor,
		"DETECTOR_INPUT_SIZE": &c.DetectorInputSize,
		"EMBEDDING_SIZE":      &c.EmbeddingSize,
		"MAX_HISTORY_RECORDS": &c.MaxHistoryRecords,
	}
	floats := map[string]**float64{
		"FACE_THRESHOLD":      &c.FaceThreshold,
		"SCENE_THRESHOLD":     &c.SceneThreshold,
		"HAZARD_THRESHOLD":    &c.HazardThreshold,
		"PROMOTION_THRESHOLD": &c.PromotionThreshold,
		"MATCH_THRESHOLD":     &c.MatchThreshold,
	}
	strs := map[string]**string{
		"FRAME_TIMEOUT":   &c.FrameTimeout,
		"SHUTDOWN_GRACE":  &c.ShutdownGrace,
		"SWEEP_INTERVAL":  &c.SweepInterval,
		"MERGE_WINDOW":    &c.MergeWindow,
		"SILENCE_WINDOW":  &c.SilenceWindow,
		"REPLAY_INTERVAL": &c.ReplayInterval,
		"DB_PATH":         &c.DBPath,
		"REPORT_DIR":      &c.ReportDir,
	}

	for key, raw := range env {
		name, ok := strings.CutPrefix(key, EnvPrefix)
		if !ok {
			continue
		}
		switch {
		case ints[name] != nil:
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*ints[name] = ptrInt(v)
		case floats[name] != nil:
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*floats[name] = ptrFloat64(v)
		case strs[name] != nil:
			*strs[name] = ptrString(raw)
		}
	}
	return c.Validate()
}
