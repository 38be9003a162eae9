// config.go provides configuration loading for the processor node agent.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linlinhaohao888/LegoOS/pkg/config"
)

// LoadConfig loads the agent configuration from a YAML file.
func LoadConfig(path string) (*config.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &config.AgentConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.LoadEnvOverrides()
	cfg.ApplyDefaults()

	return cfg, nil
}

// LoadConfigOrDefault loads configuration from a file, falling back to defaults if the file doesn't exist.
func LoadConfigOrDefault(path string) (*config.AgentConfig, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = &config.AgentConfig{}
			cfg.LoadEnvOverrides()
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}
