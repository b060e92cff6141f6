package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchDefaultsFile(t *testing.T) {
	t.Parallel()
	fromFile := MustLoadDefaultConfig()
	if diff := cmp.Diff(Defaults(), fromFile); diff != "" {
		t.Errorf("config/analysis.defaults.json drifted from Defaults() (-want +got):\n%s", diff)
	}
}

func TestDefaultsFileHasNoStaleKeys(t *testing.T) {
	t.Parallel()
	raw, err := os.ReadFile(filepath.Join("..", "..", DefaultConfigPath))
	require.NoError(t, err)
	var fileKeys map[string]any
	require.NoError(t, json.Unmarshal(raw, &fileKeys))

	encoded, err := json.Marshal(Defaults())
	require.NoError(t, err)
	var structKeys map[string]any
	require.NoError(t, json.Unmarshal(encoded, &structKeys))

	for k := range fileKeys {
		assert.Contains(t, structKeys, k, "defaults file key %q has no config field", k)
	}
	assert.Len(t, fileKeys, len(structKeys))
	assert.NotContains(t, fileKeys, "camera_buffer")
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := &AnalysisConfig{}

	assert.Equal(t, 4, cfg.GetQueueDepth())
	assert.Equal(t, 500*time.Millisecond, cfg.GetFrameTimeout())
	assert.Equal(t, 1, cfg.GetConcurrencyFactor())
	assert.Equal(t, 2*time.Second, cfg.GetShutdownGrace())
	assert.Equal(t, time.Second, cfg.GetSweepInterval())
	assert.Equal(t, 0.5, cfg.GetFaceThreshold())
	assert.Equal(t, 0.7, cfg.GetSceneThreshold())
	assert.Equal(t, 0.6, cfg.GetHazardThreshold())
	assert.Equal(t, 0.75, cfg.GetPromotionThreshold())
	assert.Equal(t, 0.85, cfg.GetMatchThreshold())
	assert.Equal(t, 16, cfg.GetEmbeddingSize())
	assert.Equal(t, 5*time.Second, cfg.GetMergeWindow())
	assert.Equal(t, 10*time.Second, cfg.GetSilenceWindow())
	assert.Equal(t, 224, cfg.GetDetectorInputSize())
	assert.Equal(t, 100*time.Millisecond, cfg.GetReplayInterval())
	assert.Equal(t, 100, cfg.GetMaxHistoryRecords())
	assert.Equal(t, "sfc.db", cfg.GetDBPath())
	assert.Equal(t, "reports", cfg.GetReportDir())
}

func TestLoadAnalysisConfig_Partial(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "analysis.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "queue_depth": 8,
  "frame_timeout": "250ms",
  "hazard_threshold": 0.4
}`), 0o644))

	cfg, err := LoadAnalysisConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.GetQueueDepth())
	assert.Equal(t, 250*time.Millisecond, cfg.GetFrameTimeout())
	assert.Equal(t, 0.4, cfg.GetHazardThreshold())
	assert.Equal(t, 0.7, cfg.GetSceneThreshold())
}

func TestLoadAnalysisConfig_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"wrong extension", write("cfg.yaml", "{}"), ".json extension"},
		{"missing file", filepath.Join(dir, "nope.json"), "failed to stat"},
		{"bad json", write("bad.json", "{"), "failed to parse"},
		{"zero queue", write("q.json", `{"queue_depth": 0}`), "queue_depth must be positive"},
		{"threshold range", write("th.json", `{"scene_threshold": 1.5}`), "scene_threshold must be between 0 and 1"},
		{"match threshold range", write("mt.json", `{"match_threshold": -0.1}`), "match_threshold must be between 0 and 1"},
		{"zero embedding", write("e.json", `{"embedding_size": 0}`), "embedding_size must be positive"},
		{"bad duration", write("d.json", `{"frame_timeout": "soon"}`), "invalid frame_timeout"},
		{"negative duration", write("n.json", `{"merge_window": "-1s"}`), "merge_window must be positive"},
		{"merge beyond silence", write("m.json", `{"merge_window": "20s", "silence_window": "10s"}`), "must not exceed silence_window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAnalysisConfig(tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadAnalysisConfig_TooLarge(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "big.json")
	big := make([]byte, 1024*1024+1)
	for i := range big {
		big[i] = ' '
	}
	require.NoError(t, os.WriteFile(path, big, 0o644))

	_, err := LoadAnalysisConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	err := cfg.ApplyEnv(map[string]string{
		"SFC_QUEUE_DEPTH":      "6",
		"SFC_SCENE_THRESHOLD":  "0.8",
		"SFC_FRAME_TIMEOUT":    "1s",
		"SFC_REPORT_DIR":       "/tmp/out",
		"SFC_MATCH_THRESHOLD":  "0.9",
		"SFC_EMBEDDING_SIZE":   "24",
		"SFC_UNKNOWN_SETTING":  "ignored",
		"OTHER_PREFIX_SETTING": "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.GetQueueDepth())
	assert.Equal(t, 0.8, cfg.GetSceneThreshold())
	assert.Equal(t, time.Second, cfg.GetFrameTimeout())
	assert.Equal(t, "/tmp/out", cfg.GetReportDir())
	assert.Equal(t, 0.9, cfg.GetMatchThreshold())
	assert.Equal(t, 24, cfg.GetEmbeddingSize())

	err = Defaults().ApplyEnv(map[string]string{"SFC_QUEUE_DEPTH": "many"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SFC_QUEUE_DEPTH")

	err = Defaults().ApplyEnv(map[string]string{"SFC_PROMOTION_THRESHOLD": "2"})
	require.Error(t, err)
}

func TestReadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SFC_QUEUE_DEPTH=3\nSFC_DB_PATH=file.db\nHOME_DIR=/x\n"), 0o644))
	t.Setenv("SFC_DB_PATH", "process.db")

	env, err := ReadEnv(envFile, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "3", env["SFC_QUEUE_DEPTH"])
	assert.Equal(t, "process.db", env["SFC_DB_PATH"])
	assert.NotContains(t, env, "HOME_DIR")
}
