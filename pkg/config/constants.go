// Package config defines shared constants, configuration types, and settings
// used across the processor node binaries.
package config

const (
	// DefaultConfigPath is where pnode-agent looks for its YAML config.
	DefaultConfigPath = "/etc/pnode/config.yaml"

	// DefaultSocketPath is the default UDS socket path of the restore API.
	DefaultSocketPath = "/var/run/pnode/pnode.sock"

	// DefaultMemoryNode is the memory node address used when none is configured.
	DefaultMemoryNode = "unix:///var/run/pnode/memnode.sock"

	// DefaultRootDir is the host directory regular snapshot files resolve under.
	DefaultRootDir = "/"

	// EnvNodeID overrides the processor node identity reported to memory nodes.
	EnvNodeID = "PNODE_NODE_ID"

	// EnvMemoryNode overrides the memory node address.
	EnvMemoryNode = "PNODE_MEMORY_NODE"

	// StatusFilename is the marker the spool watcher writes next to a snapshot.
	// Values: "in_progress", "completed", "failed".
	StatusFilename = "status"

	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)
