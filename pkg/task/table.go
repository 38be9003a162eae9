package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/linlinhaohao888/LegoOS/pkg/bitmap"
)

// DefaultPIDMax bounds the PID space.
const DefaultPIDMax = 32768

var (
	// ErrNoPID is returned when the PID space is exhausted.
	ErrNoPID = errors.New("pid space exhausted")

	// ErrNoTask is returned for a PID with no live task.
	ErrNoTask = errors.New("no such task")

	// ErrKernelTask is returned when a kernel thread is asked to exit.
	ErrKernelTask = errors.New("kernel threads cannot be exited")
)

// Table is the PID registry of the node. PID 0 is never handed out.
type Table struct {
	pids *bitmap.Atomic

	mu    sync.RWMutex
	tasks map[int]*Task
}

// NewTable returns an empty registry with pidMax PIDs.
func NewTable(pidMax int) *Table {
	if pidMax <= 1 {
		pidMax = DefaultPIDMax
	}
	pids := bitmap.NewAtomic(pidMax)
	pids.TestAndSet(0)
	return &Table{
		pids:  pids,
		tasks: make(map[int]*Task),
	}
}

func (tb *Table) allocPID() (int, error) {
	pid := tb.pids.Claim()
	if pid < 0 {
		return -1, ErrNoPID
	}
	return pid, nil
}

func (tb *Table) add(t *Task) {
	tb.mu.Lock()
	tb.tasks[t.PID] = t
	tb.mu.Unlock()
}

// Lookup returns the live task with the given PID.
func (tb *Table) Lookup(pid int) (*Task, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	t, ok := tb.tasks[pid]
	return t, ok
}

// List returns every live task ordered by PID.
func (tb *Table) List() []*Task {
	tb.mu.RLock()
	out := make([]*Task, 0, len(tb.tasks))
	for _, t := range tb.tasks {
		out = append(out, t)
	}
	tb.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Len returns the number of live tasks.
func (tb *Table) Len() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.tasks)
}

// Exit tears a task down: its descriptors are closed, it leaves the registry,
// the memory node drops its record, and its PID and thread-budget slot are
// released. The PID is released last so it is never handed out while the
// memory node still holds it. Exiting twice is a no-op.
func (tb *Table) Exit(t *Task) {
	if !t.markDead() {
		return
	}
	if t.Files != nil {
		// Close errors during teardown have nowhere to go.
		_ = t.Files.CloseAll()
	}

	tb.mu.Lock()
	if cur, ok := tb.tasks[t.PID]; ok && cur == t {
		delete(tb.tasks, t.PID)
	}
	tb.mu.Unlock()

	if exit := t.exitHook(); exit != nil {
		exit(t)
	}
	tb.pids.Clear(t.PID)
	if t.release != nil {
		t.release()
	}
}

// Kill exits the user task with the given PID.
func (tb *Table) Kill(pid int) (*Task, error) {
	t, ok := tb.Lookup(pid)
	if !ok {
		return nil, fmt.Errorf("%w: pid %d", ErrNoTask, pid)
	}
	if t.Kernel {
		return nil, fmt.Errorf("%w: pid %d (%s)", ErrKernelTask, pid, t.Comm())
	}
	tb.Exit(t)
	return t, nil
}
