// config.go provides configuration loading for the memory node daemon.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linlinhaohao888/LegoOS/pkg/config"
	"github.com/linlinhaohao888/LegoOS/pkg/memnode"
)

// DefaultConfigPath is where the memory node looks for its YAML config.
const DefaultConfigPath = "/etc/pnode/memnode.yaml"

// EnvListen overrides the listen address.
const EnvListen = "MEMNODE_LISTEN"

// Config is the memory node configuration.
type Config struct {
	// Listen is "unix:///path" or "host:port".
	Listen string `yaml:"listen"`

	// DataDir holds the process store. Empty keeps records in memory.
	DataDir string `yaml:"dataDir"`
}

// LoadConfigOrDefault loads configuration from a file, falling back to defaults if the file doesn't exist.
func LoadConfigOrDefault(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if v := os.Getenv(EnvListen); v != "" {
		cfg.Listen = v
	}
	if cfg.Listen == "" {
		cfg.Listen = memnode.DefaultListen
	}
	return cfg, nil
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if c.Listen == "unix://" {
		return &config.ConfigError{Field: "listen", Message: "unix socket path is empty"}
	}
	return nil
}
