// Package api provides the UDS HTTP server and client for restore operations.
package api

import (
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
)

const (
	RestorePath  = "/restore"
	TasksPath    = "/tasks"
	ExitTaskPath = "/tasks/exit"
	MetricsPath  = "/metrics"
)

// RestoreAPIRequest is the JSON body for POST /restore. Exactly one of
// SnapshotPath and Snapshot must be set.
type RestoreAPIRequest struct {
	// SnapshotPath is a directory holding snapshot.yaml.
	SnapshotPath string `json:"snapshot_path,omitempty"`

	// Snapshot is an inline snapshot.
	Snapshot *snapshot.ProcessSnapshot `json:"snapshot,omitempty"`
}

// RestoreAPIResponse is the JSON response for POST /restore.
type RestoreAPIResponse struct {
	Success bool   `json:"success"`
	PID     int    `json:"pid,omitempty"`
	TGID    int    `json:"tgid,omitempty"`
	Comm    string `json:"comm,omitempty"`
	Error   string `json:"error,omitempty"`
	Errno   int    `json:"errno,omitempty"`
}

// ExitTaskRequest is the JSON body for POST /tasks/exit.
type ExitTaskRequest struct {
	PID int `json:"pid"`
}

// ErrorResponse is the body of a failed request that has no richer reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
