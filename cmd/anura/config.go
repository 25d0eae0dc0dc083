package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML config file shape, decoded with yaml.v3 by
// loadConfig. No subcommand takes a config file flag or calls loadConfig;
// every setting is given by command-line flags.
type FileConfig struct {
	// Transceiver is a --transceiver target spec.
	Transceiver string `yaml:"transceiver"`

	// Nodes are the Bluetooth addresses of nodes this transceiver should
	// be assigned.
	Nodes []string `yaml:"nodes"`

	// StorePath is the SQLite database path for persisted reports.
	StorePath string `yaml:"store_path"`
}

// loadConfig reads and parses a YAML config file. An empty path returns a
// zero-value FileConfig and no error.
func loadConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
