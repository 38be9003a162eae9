package restore

import (
	"context"

	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

// WorkerState is what the restore worker is doing.
type WorkerState string

const (
	WorkerStopped  WorkerState = "stopped"
	WorkerSleeping WorkerState = "sleeping"
	WorkerDraining WorkerState = "draining"
)

// workerComm is the worker's thread name.
const workerComm = "kmigrated"

// wakeUp kicks the worker. A wakeup that finds one already pending is
// dropped; the worker drains the whole queue on every pass.
func (r *Restorer) wakeUp() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// runWorker is the worker loop. It sleeps while the queue is empty and
// otherwise hands every queued item to a fresh executor. The queue is
// rechecked after every wakeup, so a request pushed between the emptiness
// check and the sleep is not lost.
func (r *Restorer) runWorker(ctx context.Context, self *task.Task) {
	defer func() {
		r.setState(WorkerStopped)
		r.tasks.Exit(self)
		r.log.Info("Restore worker stopped", "pid", self.PID)
	}()

	r.log.Info("Restore worker started", "pid", self.PID)
	for {
		r.setState(WorkerSleeping)
		for r.queue.empty() {
			select {
			case <-r.wake:
			case <-ctx.Done():
				return
			}
		}

		r.setState(WorkerDraining)
		for w := r.queue.pop(); w != nil; w = r.queue.pop() {
			r.metrics.queueDepth.Set(float64(r.queue.len()))
			r.log.V(1).Info("Dispatching restore", "work_id", w.id.String(), "comm", w.snap.Comm)
			r.createExecutor(self, w)
		}
	}
}

func (r *Restorer) setState(s WorkerState) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

// WorkerState reports what the worker is currently doing.
func (r *Restorer) WorkerState() WorkerState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}
