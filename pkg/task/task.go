// Package task models the processor node's execution contexts: tasks, their
// shared descriptor and signal state, the PID registry, and the thread-creation
// primitive.
package task

import (
	"sync"

	"github.com/linlinhaohao888/LegoOS/pkg/fdtable"
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
)

// State is the lifecycle state of a task.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateDead    State = "dead"
)

// SigHand is the signal-action table shared by a thread group.
type SigHand struct {
	mu     sync.Mutex
	action [snapshot.NSIG]snapshot.SigAction
}

// Install replaces the whole action table.
func (s *SigHand) Install(actions *[snapshot.NSIG]snapshot.SigAction) {
	s.mu.Lock()
	s.action = *actions
	s.mu.Unlock()
}

// Actions returns a copy of the action table.
func (s *SigHand) Actions() [snapshot.NSIG]snapshot.SigAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.action
}

// Task is one execution context.
type Task struct {
	PID  int
	TGID int

	// ParentTGID is 0 for kernel threads.
	ParentTGID int

	// Kernel is set for kernel threads, which own no descriptors.
	Kernel bool

	Files   *fdtable.Table
	SigHand *SigHand

	mu      sync.Mutex
	comm    string
	blocked snapshot.SigSet
	state   State
	leader  bool
	exited  chan struct{}

	// onPublish and onExit are installed once the memory node knows the task.
	onPublish func(*Task)
	onExit    func(*Task)

	// release returns the task's slot in the thread budget.
	release func()
}

func newTask(pid, parentTGID int, name string, kernel bool, maxFiles int) *Task {
	t := &Task{
		PID:        pid,
		TGID:       pid,
		ParentTGID: parentTGID,
		Kernel:     kernel,
		SigHand:    &SigHand{},
		comm:       truncateComm(name),
		state:      StateCreated,
		exited:     make(chan struct{}),
	}
	if !kernel {
		t.Files = fdtable.New(maxFiles)
	}
	return t
}

func truncateComm(name string) string {
	if len(name) >= snapshot.CommLen {
		return name[:snapshot.CommLen-1]
	}
	return name
}

// Comm returns the task name.
func (t *Task) Comm() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.comm
}

// SetComm sets the task name, truncated to fit the name buffer.
func (t *Task) SetComm(name string) {
	t.mu.Lock()
	t.comm = truncateComm(name)
	t.mu.Unlock()
}

// Blocked returns the blocked-signal mask.
func (t *Task) Blocked() snapshot.SigSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}

// SetBlocked replaces the blocked-signal mask.
func (t *Task) SetBlocked(set snapshot.SigSet) {
	t.mu.Lock()
	t.blocked = set
	t.mu.Unlock()
}

// State returns the lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsLeader reports whether the task has been made a thread-group leader.
func (t *Task) IsLeader() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leader
}

// BecomeLeader marks the task as a running thread-group leader and refreshes
// its memory node record.
func (t *Task) BecomeLeader() {
	t.mu.Lock()
	t.leader = true
	t.state = StateRunning
	publish := t.onPublish
	t.mu.Unlock()

	if publish != nil {
		publish(t)
	}
}

func (t *Task) setRemoteHooks(publish, exit func(*Task)) {
	t.mu.Lock()
	t.onPublish = publish
	t.onExit = exit
	t.mu.Unlock()
}

func (t *Task) exitHook() func(*Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onExit
}

// Exited is closed when the task has exited.
func (t *Task) Exited() <-chan struct{} {
	return t.exited
}

func (t *Task) markDead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDead {
		return false
	}
	t.state = StateDead
	close(t.exited)
	return true
}

// Info is a point-in-time description of a task.
type Info struct {
	PID        int            `json:"pid"`
	TGID       int            `json:"tgid"`
	ParentTGID int            `json:"parent_tgid"`
	Comm       string         `json:"comm"`
	State      State          `json:"state"`
	Leader     bool           `json:"leader"`
	Kernel     bool           `json:"kernel"`
	Files      map[int]string `json:"files,omitempty"`
}

// Info describes the task.
func (t *Task) Info() Info {
	t.mu.Lock()
	info := Info{
		PID:        t.PID,
		TGID:       t.TGID,
		ParentTGID: t.ParentTGID,
		Comm:       t.comm,
		State:      t.state,
		Leader:     t.leader,
		Kernel:     t.Kernel,
	}
	t.mu.Unlock()

	if t.Files != nil {
		info.Files = t.Files.Names()
	}
	return info
}
