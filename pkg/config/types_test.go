package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() AgentConfig {
	cfg := AgentConfig{NodeID: "pnode-0"}
	cfg.ApplyDefaults()
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultSocketPath, cfg.API.SocketPath)
	assert.Equal(t, DefaultMemoryNode, cfg.MemoryNode.Address)
	assert.Equal(t, DefaultRootDir, cfg.Restore.RootDir)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvNodeID, "rack3-p7")
	t.Setenv(EnvMemoryNode, "10.0.0.9:7070")

	cfg := AgentConfig{NodeID: "from-file"}
	cfg.LoadEnvOverrides()
	cfg.ApplyDefaults()

	assert.Equal(t, "rack3-p7", cfg.NodeID)
	assert.Equal(t, "10.0.0.9:7070", cfg.MemoryNode.Address)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AgentConfig)
		field  string
	}{
		{"negative threads", func(c *AgentConfig) { c.Restore.MaxThreads = -1 }, "restore.maxThreads"},
		{"worker only", func(c *AgentConfig) { c.Restore.MaxThreads = 1 }, "restore.maxThreads"},
		{"too few files", func(c *AgentConfig) { c.Restore.MaxFiles = 2 }, "restore.maxFiles"},
		{"negative pid max", func(c *AgentConfig) { c.Restore.PIDMax = -5 }, "restore.pidMax"},
		{"relative console", func(c *AgentConfig) { c.Restore.ConsolePath = "dev/console" }, "restore.consolePath"},
		{"relative root", func(c *AgentConfig) { c.Restore.RootDir = "srv" }, "restore.rootDir"},
		{"no memory node", func(c *AgentConfig) { c.MemoryNode.Address = " " }, "memoryNode.address"},
		{"negative timeout", func(c *AgentConfig) { c.MemoryNode.Timeout = -1 }, "memoryNode.timeout"},
		{"empty socket", func(c *AgentConfig) { c.API.SocketPath = "" }, "api.socketPath"},
		{"watcher without spool", func(c *AgentConfig) { c.Watcher.Enabled = true }, "watcher.spoolDir"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestDisabledMemoryNodeNeedsNoAddress(t *testing.T) {
	cfg := validConfig()
	cfg.MemoryNode = MemoryNodeSpec{Disabled: true}
	assert.NoError(t, cfg.Validate())
}
