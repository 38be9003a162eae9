// Package p2m carries processor-to-memory node requests.
package p2m

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// ForkPath is the memory node endpoint for fork notifications.
	ForkPath = "/p2m/fork"

	// UpdatePath refreshes a record once its task is published.
	UpdatePath = "/p2m/update"

	// ExitPath drops the record of an exited task.
	ExitPath = "/p2m/exit"

	// ProcessesPath lists the process records a memory node holds.
	ProcessesPath = "/processes"

	// DefaultNetTimeout bounds one request/reply exchange.
	DefaultNetTimeout = 10 * time.Second
)

// ForkRequest tells the memory node a new task exists.
type ForkRequest struct {
	PID        int    `json:"pid"`
	TGID       int    `json:"tgid"`
	ParentTGID int    `json:"parent_tgid"`
	CloneFlags uint64 `json:"clone_flags"`
	Comm       string `json:"comm"`

	// Node names the processor node the task lives on.
	Node string `json:"node,omitempty"`
}

// UpdateRequest refreshes the record of a published task. It carries the same
// fields as the fork.
type UpdateRequest = ForkRequest

// ExitRequest tells the memory node a task is gone.
type ExitRequest struct {
	PID  int    `json:"pid"`
	TGID int    `json:"tgid"`
	Node string `json:"node,omitempty"`
}

// Reply carries the memory node's result for every p2m request: zero or a
// negative errno.
type Reply struct {
	Code int `json:"code"`
}

// ProcessRecord is what a memory node keeps per thread group.
type ProcessRecord struct {
	TGID       int       `json:"tgid"`
	PID        int       `json:"pid"`
	ParentTGID int       `json:"parent_tgid"`
	CloneFlags uint64    `json:"clone_flags"`
	Comm       string    `json:"comm"`
	Node       string    `json:"node,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReplyError is a non-zero code returned by the memory node.
type ReplyError struct {
	Code int
}

func (e *ReplyError) Error() string {
	name := unix.ErrnoName(syscall.Errno(-e.Code))
	if name == "" {
		return fmt.Sprintf("memory node replied %d", e.Code)
	}
	return fmt.Sprintf("memory node replied %d (%s)", e.Code, name)
}

// Errno returns the negative errno the memory node replied with.
func (e *ReplyError) Errno() int {
	return e.Code
}
