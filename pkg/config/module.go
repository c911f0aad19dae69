package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DEFAULT []byte

func overlayYAML(config *Config, data []byte) error {
	// Round-tripping through JSON lets yaml and json files share the
	// same untagged structs.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	converted, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	return json.Unmarshal(converted, config)
}

func overlayFile(config *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("does not exist")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch filepath.Ext(path) {
	case ".json":
		return json.Unmarshal(data, config)
	case ".yaml", ".yml":
		return overlayYAML(config, data)
	}

	return fmt.Errorf("not in a valid format")
}

// Process reads the provided configuration files in order, each applied
// on top of the defaults. Later files win where settings collide.
func Process(configPaths []string) (*Config, error) {
	var config Config
	if err := overlayYAML(&config, DEFAULT); err != nil {
		return nil, fmt.Errorf(
			"invalid default config file: %v",
			err,
		)
	}

	for _, path := range configPaths {
		if err := overlayFile(&config, path); err != nil {
			return nil, fmt.Errorf(
				"could not process config file %s: %v",
				path,
				err,
			)
		}
	}

	server := config.Server
	if server.Ingress.Port <= 0 || server.Ingress.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", server.Ingress.Port)
	}
	if server.Session.Ruleset == "" {
		return nil, fmt.Errorf("no ruleset configured")
	}
	if server.Session.QueueDepth < 0 {
		return nil, fmt.Errorf("invalid queue depth %d", server.Session.QueueDepth)
	}

	return &config, nil
}
