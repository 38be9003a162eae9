package restore

import (
	"container/list"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

// workItem is one restore request. The submitter owns it until it is pushed;
// afterwards the worker and then exactly one executor (or the worker itself on
// spawn failure) own it until done is closed, at which point ownership returns
// to the submitter.
type workItem struct {
	id        ulid.ULID
	snap      *snapshot.ProcessSnapshot
	submitted time.Time

	result *task.Task
	err    error
	done   chan struct{}

	elem *list.Element
}

func newWorkItem(snap *snapshot.ProcessSnapshot) *workItem {
	return &workItem{
		id:        ulid.Make(),
		snap:      snap,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

// complete publishes the result and wakes the submitter. Calling it twice
// panics on the closed channel.
func (w *workItem) complete(t *task.Task, err error) {
	if t == nil && err == nil {
		err = errNoResult
	}
	w.result, w.err = t, err
	close(w.done)
}

// workQueue is the FIFO of pending requests. The lock only covers list splicing.
type workQueue struct {
	mu    sync.Mutex
	items *list.List
}

func newWorkQueue() *workQueue {
	return &workQueue{items: list.New()}
}

// push appends w and returns the new depth.
func (q *workQueue) push(w *workItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	w.elem = q.items.PushBack(w)
	return q.items.Len()
}

// pop removes and returns the head, or nil when the queue is empty. The item
// is unlinked before it is returned.
func (q *workQueue) pop() *workItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.items.Front()
	if e == nil {
		return nil
	}
	q.items.Remove(e)
	w := e.Value.(*workItem)
	w.elem = nil
	return w
}

// remove unlinks w if it is still queued and reports whether it was.
func (q *workQueue) remove(w *workItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.elem == nil {
		return false
	}
	q.items.Remove(w.elem)
	w.elem = nil
	return true
}

func (q *workQueue) empty() bool {
	return q.len() == 0
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
