package restore

import (
	"fmt"

	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

// executorComm is the name an executor runs under until it takes the
// snapshot's name.
const executorComm = "restorer"

// createExecutor spawns the executor for w. When that fails the worker
// completes w itself.
func (r *Restorer) createExecutor(parent *task.Task, w *workItem) {
	_, err := r.spawner.Spawn(parent, executorComm, func(t *task.Task) {
		r.execute(t, w)
	})
	if err != nil {
		r.log.Error(err, "Failed to create executor", "work_id", w.id.String(), "comm", w.snap.Comm)
		r.finish(w, nil, fmt.Errorf("failed to create executor: %w", err))
	}
}

// execute rebuilds the snapshot's state on t and then publishes t as the new
// thread-group leader. Descriptors come before signal state, and t is
// published only after all state is in place.
func (r *Restorer) execute(t *task.Task, w *workItem) {
	r.metrics.executors.Inc()
	snap := w.snap
	log := r.log.WithValues("work_id", w.id.String(), "pid", t.PID)

	t.SetComm(snap.Comm)

	if err := restoreOpenFiles(t, snap, r.opener); err != nil {
		log.Error(err, "Failed to restore open files", "comm", snap.Comm)
		r.tasks.Exit(t)
		r.finish(w, nil, err)
		return
	}

	restoreSignals(t, snap)

	t.BecomeLeader()
	log.V(1).Info("Process restored", "comm", t.Comm(), "nr_files", snap.NrFiles())
	r.finish(w, t, nil)
}
