package main

import (
	"fmt"

	"github.com/banshee-data/campus.safety/internal/config"
)

// loadConfig reads the analysis config from path, or the built-in
// defaults when path is empty, then overlays SFC_* variables from
// envFile and the process environment.
func loadConfig(path, envFile string) (*config.AnalysisConfig, error) {
	cfg := config.Defaults()
	if path != "" {
		loaded, err := config.LoadAnalysisConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	env, err := config.ReadEnv(files...)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	return cfg, nil
}
