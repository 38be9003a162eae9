package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AgentConfig holds the full agent configuration: static settings from the
// YAML file plus runtime fields from environment variables.
type AgentConfig struct {
	// NodeID identifies this processor node to memory nodes (from PNODE_NODE_ID).
	NodeID string `yaml:"nodeID"`

	Restore    RestoreSpec    `yaml:"restore"`
	MemoryNode MemoryNodeSpec `yaml:"memoryNode"`
	API        APISpec        `yaml:"api"`
	Watcher    WatcherSpec    `yaml:"watcher"`
}

// LoadEnvOverrides applies environment variable overrides to the AgentConfig.
func (c *AgentConfig) LoadEnvOverrides() {
	if v := os.Getenv(EnvNodeID); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv(EnvMemoryNode); v != "" {
		c.MemoryNode.Address = v
	}
}

// ApplyDefaults fills in every unset field.
func (c *AgentConfig) ApplyDefaults() {
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		}
	}
	if c.Restore.RootDir == "" {
		c.Restore.RootDir = DefaultRootDir
	}
	if c.MemoryNode.Address == "" {
		c.MemoryNode.Address = DefaultMemoryNode
	}
	if c.API.SocketPath == "" {
		c.API.SocketPath = DefaultSocketPath
	}
}

// Validate checks that the configuration has valid values.
func (c *AgentConfig) Validate() error {
	if err := c.Restore.Validate(); err != nil {
		return err
	}
	if err := c.MemoryNode.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.API.SocketPath) == "" {
		return &ConfigError{Field: "api.socketPath", Message: "socketPath cannot be empty"}
	}
	return c.Watcher.Validate()
}

// RestoreSpec configures the restore worker and the tasks it creates.
type RestoreSpec struct {
	// MaxThreads bounds live tasks, the worker included. Zero uses the default.
	MaxThreads int64 `yaml:"maxThreads"`

	// MaxFiles is the per-task descriptor limit. Zero uses the default.
	MaxFiles int `yaml:"maxFiles"`

	// PIDMax is the largest PID handed out. Zero uses the default.
	PIDMax int `yaml:"pidMax"`

	// ConsolePath names the stdio descriptors of every new task.
	ConsolePath string `yaml:"consolePath"`

	// RootDir is the host directory regular snapshot files are opened under.
	RootDir string `yaml:"rootDir"`

	// CloneFlags are reported with every fork notification.
	CloneFlags uint64 `yaml:"cloneFlags"`
}

// Validate checks that the RestoreSpec has valid values.
func (c *RestoreSpec) Validate() error {
	if c.MaxThreads < 0 {
		return &ConfigError{Field: "restore.maxThreads", Message: "must not be negative"}
	}
	if c.MaxThreads == 1 {
		return &ConfigError{Field: "restore.maxThreads", Message: "must leave room for at least one executor besides the worker"}
	}
	if c.MaxFiles != 0 && c.MaxFiles < 3 {
		return &ConfigError{Field: "restore.maxFiles", Message: "must hold at least the three stdio descriptors"}
	}
	if c.PIDMax < 0 {
		return &ConfigError{Field: "restore.pidMax", Message: "must not be negative"}
	}
	if c.ConsolePath != "" && !filepath.IsAbs(c.ConsolePath) {
		return &ConfigError{Field: "restore.consolePath", Message: "must be an absolute path (got: " + c.ConsolePath + ")"}
	}
	if !filepath.IsAbs(c.RootDir) {
		return &ConfigError{Field: "restore.rootDir", Message: "must be an absolute path (got: " + c.RootDir + ")"}
	}
	return nil
}

// MemoryNodeSpec configures the fork RPC to the owning memory node.
type MemoryNodeSpec struct {
	// Address is "unix:///path" or "host:port".
	Address string `yaml:"address"`

	// Timeout bounds each exchange. Zero uses the default.
	Timeout time.Duration `yaml:"timeout"`

	// Disabled skips fork notifications entirely.
	Disabled bool `yaml:"disabled"`
}

// Validate checks that the MemoryNodeSpec has valid values.
func (c *MemoryNodeSpec) Validate() error {
	if c.Disabled {
		return nil
	}
	if strings.TrimSpace(c.Address) == "" {
		return &ConfigError{Field: "memoryNode.address", Message: "address is required unless disabled"}
	}
	if c.Timeout < 0 {
		return &ConfigError{Field: "memoryNode.timeout", Message: "must not be negative"}
	}
	return nil
}

// APISpec configures the restore API server.
type APISpec struct {
	// SocketPath is the UDS socket path for the API server.
	SocketPath string `yaml:"socketPath"`
}

// WatcherSpec configures the snapshot spool watcher.
type WatcherSpec struct {
	// Enabled starts the watcher alongside the API server.
	Enabled bool `yaml:"enabled"`

	// SpoolDir holds one subdirectory per snapshot to restore.
	SpoolDir string `yaml:"spoolDir"`
}

// Validate checks that the WatcherSpec has valid values.
func (c *WatcherSpec) Validate() error {
	if c.Enabled && strings.TrimSpace(c.SpoolDir) == "" {
		return &ConfigError{Field: "watcher.spoolDir", Message: "spoolDir is required when the watcher is enabled"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}
