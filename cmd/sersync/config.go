package main

import (
	"fmt"

	"github.com/sersync-go/sersync/pkg/config"
)

// loadConfig reads and validates the YAML configuration at configPath.
func loadConfig() (*config.Config, error) {
	file, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := file.ToConfig()
	if err != nil {
		return nil, fmt.Errorf("building configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
