// Package restore rebuilds live processes from snapshots.
//
// Requests are queued for a single long-lived worker thread, which spawns one
// executor task per request. The executor renames itself, reopens the recorded
// descriptors, installs the signal state and then becomes the leader of a new
// thread group, which is handed back to the caller.
package restore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linlinhaohao888/LegoOS/pkg/fileops"
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

// Config wires a Restorer to the rest of the node.
type Config struct {
	Spawner task.Spawner
	Opener  fileops.Opener

	// Tasks is where failed executors are torn down. It defaults to the
	// spawner's table when the spawner is a *task.ThreadSpawner.
	Tasks *task.Table

	// Registerer receives the restore metrics. Nil disables registration.
	Registerer prometheus.Registerer
}

// Restorer is the restore facade plus its worker.
type Restorer struct {
	spawner task.Spawner
	opener  fileops.Opener
	tasks   *task.Table
	log     logr.Logger
	metrics *metrics

	queue *workQueue
	wake  chan struct{}

	startOnce sync.Once
	startErr  error
	started   chan struct{}
	stopped   chan struct{}
	worker    *task.Task

	stateMu sync.Mutex
	state   WorkerState
}

// New returns a Restorer. Start must be called before any restore is submitted.
func New(cfg Config, log logr.Logger) (*Restorer, error) {
	if cfg.Spawner == nil {
		return nil, errors.New("restore: spawner is required")
	}
	if cfg.Opener == nil {
		return nil, errors.New("restore: file opener is required")
	}
	if cfg.Tasks == nil {
		if ts, ok := cfg.Spawner.(*task.ThreadSpawner); ok {
			cfg.Tasks = ts.Table()
		} else {
			return nil, errors.New("restore: task table is required")
		}
	}

	return &Restorer{
		spawner: cfg.Spawner,
		opener:  cfg.Opener,
		tasks:   cfg.Tasks,
		log:     log.WithName("restore"),
		metrics: newMetrics(cfg.Registerer),
		queue:   newWorkQueue(),
		wake:    make(chan struct{}, 1),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
		state:   WorkerStopped,
	}, nil
}

// Start creates the worker thread. It runs until ctx is cancelled. Later calls
// return the first call's result.
func (r *Restorer) Start(ctx context.Context) error {
	r.startOnce.Do(func() {
		r.setState(WorkerSleeping)
		worker, err := r.spawner.SpawnKernel(workerComm, func(self *task.Task) {
			defer close(r.stopped)
			r.runWorker(ctx, self)
		})
		if err != nil {
			r.setState(WorkerStopped)
			close(r.stopped)
			r.startErr = fmt.Errorf("failed to create restore worker: %w", err)
			return
		}
		r.worker = worker
		close(r.started)
	})
	return r.startErr
}

// MustStart is Start for node bring-up, where a missing worker is fatal.
func (r *Restorer) MustStart(ctx context.Context) {
	if err := r.Start(ctx); err != nil {
		panic(err)
	}
}

// Stopped is closed once the worker has exited.
func (r *Restorer) Stopped() <-chan struct{} {
	return r.stopped
}

// Restore rebuilds snap as a new thread-group leader and blocks until that has
// succeeded or failed. It cannot be interrupted; see RestoreContext.
func (r *Restorer) Restore(snap *snapshot.ProcessSnapshot) (*task.Task, error) {
	w, err := r.submit(snap)
	if err != nil {
		return nil, err
	}
	return r.wait(context.Background(), w)
}

// RestoreContext is Restore with a wait that gives up when ctx is done. The
// request itself is not cancelled: it still completes exactly once, and a task
// it produces stays registered in the task table. The returned error then
// wraps both ErrWaitAbandoned and ctx.Err().
func (r *Restorer) RestoreContext(ctx context.Context, snap *snapshot.ProcessSnapshot) (*task.Task, error) {
	w, err := r.submit(snap)
	if err != nil {
		return nil, err
	}
	return r.wait(ctx, w)
}

func (r *Restorer) submit(snap *snapshot.ProcessSnapshot) (*workItem, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", snapshot.ErrInvalidSnapshot)
	}
	select {
	case <-r.started:
	default:
		return nil, ErrNotStarted
	}
	select {
	case <-r.stopped:
		return nil, ErrStopped
	default:
	}

	w := newWorkItem(snap)
	depth := r.queue.push(w)
	r.metrics.submitted.Inc()
	r.metrics.queueDepth.Set(float64(depth))
	r.log.V(1).Info("Queued restore", "work_id", w.id.String(), "comm", snap.Comm, "depth", depth)
	r.wakeUp()
	return w, nil
}

func (r *Restorer) wait(ctx context.Context, w *workItem) (*task.Task, error) {
	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		r.log.Info("Stopped waiting for restore", "work_id", w.id.String(), "comm", w.snap.Comm)
		return nil, fmt.Errorf("%w: %w", ErrWaitAbandoned, ctx.Err())
	case <-r.stopped:
		// Items the worker already took are always completed.
		if r.queue.remove(w) {
			r.metrics.completed.WithLabelValues("stopped").Inc()
			return nil, ErrStopped
		}
		<-w.done
		return w.result, w.err
	}
}

// finish completes w and records the outcome.
func (r *Restorer) finish(w *workItem, t *task.Task, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.metrics.completed.WithLabelValues(result).Inc()
	r.metrics.duration.Observe(time.Since(w.submitted).Seconds())
	w.complete(t, err)
}
