package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/linlinhaohao888/LegoOS/pkg/fdtable"
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
)

const (
	// DefaultMaxThreads bounds the number of live tasks a spawner admits.
	DefaultMaxThreads = 4096

	// DefaultConsolePath names the stdio descriptors every user task starts with.
	DefaultConsolePath = "/dev/console"
)

// ErrNoResources is returned when no new task can be created.
var ErrNoResources = errors.New("cannot create task: resources exhausted")

// ForkNotifier keeps the memory node's record of every user task. NotifyFork
// runs before the task first runs, and a non-nil error aborts the creation.
// NotifyUpdate runs when the task is published as a thread-group leader, and
// NotifyExit runs during teardown before the PID is released. Errors from those
// two are logged.
type ForkNotifier interface {
	NotifyFork(ctx context.Context, t *Task, cloneFlags uint64) error
	NotifyUpdate(ctx context.Context, t *Task) error
	NotifyExit(ctx context.Context, t *Task) error
}

// Spawner is the thread-creation primitive.
type Spawner interface {
	// Spawn creates a user task with the default stdio descriptors open and
	// runs fn on it. parent may be nil.
	Spawn(parent *Task, name string, fn func(*Task)) (*Task, error)

	// SpawnKernel creates a kernel thread, which owns no descriptors and is not
	// reported to the memory node.
	SpawnKernel(name string, fn func(*Task)) (*Task, error)
}

// SpawnerConfig configures a ThreadSpawner.
type SpawnerConfig struct {
	MaxThreads  int64
	MaxFiles    int
	ConsolePath string
	CloneFlags  uint64

	// Notifier may be nil, in which case no remote fork is performed.
	Notifier ForkNotifier
}

// ThreadSpawner creates tasks as goroutines, registered in a Table and bounded
// by a thread budget.
type ThreadSpawner struct {
	cfg    SpawnerConfig
	table  *Table
	budget *semaphore.Weighted
	log    logr.Logger
}

// NewThreadSpawner returns a spawner registering tasks in table.
func NewThreadSpawner(cfg SpawnerConfig, table *Table, log logr.Logger) *ThreadSpawner {
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = DefaultMaxThreads
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = fdtable.DefaultMaxFiles
	}
	if cfg.ConsolePath == "" {
		cfg.ConsolePath = DefaultConsolePath
	}
	return &ThreadSpawner{
		cfg:    cfg,
		table:  table,
		budget: semaphore.NewWeighted(cfg.MaxThreads),
		log:    log,
	}
}

// Table returns the registry tasks are created in.
func (s *ThreadSpawner) Table() *Table {
	return s.table
}

func (s *ThreadSpawner) Spawn(parent *Task, name string, fn func(*Task)) (*Task, error) {
	parentTGID := 0
	if parent != nil {
		parentTGID = parent.TGID
	}

	t, err := s.create(parentTGID, name, false)
	if err != nil {
		return nil, err
	}

	if err := s.openStdio(t); err != nil {
		s.table.Exit(t)
		return nil, fmt.Errorf("failed to install stdio for %s: %w", name, err)
	}

	if n := s.cfg.Notifier; n != nil {
		if err := n.NotifyFork(context.Background(), t, s.cfg.CloneFlags); err != nil {
			s.table.Exit(t)
			return nil, fmt.Errorf("remote fork of pid %d failed: %w", t.PID, err)
		}
		t.setRemoteHooks(s.notifyUpdate, s.notifyExit)
	}

	s.log.V(1).Info("Spawned task", "pid", t.PID, "parent_tgid", parentTGID, "comm", name)
	go fn(t)
	return t, nil
}

func (s *ThreadSpawner) SpawnKernel(name string, fn func(*Task)) (*Task, error) {
	t, err := s.create(0, name, true)
	if err != nil {
		return nil, err
	}
	t.BecomeLeader()

	s.log.V(1).Info("Spawned kernel thread", "pid", t.PID, "comm", name)
	go fn(t)
	return t, nil
}

func (s *ThreadSpawner) create(parentTGID int, name string, kernel bool) (*Task, error) {
	if !s.budget.TryAcquire(1) {
		return nil, fmt.Errorf("%w: thread budget of %d in use", ErrNoResources, s.cfg.MaxThreads)
	}

	pid, err := s.table.allocPID()
	if err != nil {
		s.budget.Release(1)
		return nil, fmt.Errorf("%w: %v", ErrNoResources, err)
	}

	t := newTask(pid, parentTGID, name, kernel, s.cfg.MaxFiles)
	t.release = func() { s.budget.Release(1) }
	s.table.add(t)
	return t, nil
}

func (s *ThreadSpawner) notifyUpdate(t *Task) {
	if err := s.cfg.Notifier.NotifyUpdate(context.Background(), t); err != nil {
		s.log.Error(err, "Failed to refresh memory node record", "pid", t.PID, "comm", t.Comm())
	}
}

func (s *ThreadSpawner) notifyExit(t *Task) {
	if err := s.cfg.Notifier.NotifyExit(context.Background(), t); err != nil {
		s.log.Error(err, "Failed to drop memory node record", "pid", t.PID)
	}
}

// openStdio installs descriptors 0, 1 and 2 on the console.
func (s *ThreadSpawner) openStdio(t *Task) error {
	for i := 0; i < snapshot.NrStdio; i++ {
		fd, err := t.Files.Alloc(s.cfg.ConsolePath)
		if err != nil {
			return err
		}
		if fd != i {
			return fmt.Errorf("stdio descriptor %d allocated as %d", i, fd)
		}
	}
	return nil
}

var _ Spawner = (*ThreadSpawner)(nil)
