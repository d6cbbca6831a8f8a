package cull

import (
	"runtime"
	"sync"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
)

// TaskRunner splits index ranges into fixed-size tasks and runs them on a
// persistent worker pool. Workers are reused across frames; a WaitGroup is the
// per-call barrier.
type TaskRunner struct {
	pool    worker.DynamicWorkerPool
	workers int

	// Parallel=false runs the same tasks inline, in task order.
	Parallel bool
}

func NewTaskRunner(workers int) *TaskRunner {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &TaskRunner{
		pool:     worker.NewDynamicWorkerPool(workers, 256, 1*time.Second),
		workers:  workers,
		Parallel: workers > 1,
	}
}

func NumTasks(numItems, batch int) int {
	if numItems <= 0 {
		return 0
	}
	batch = max(batch, 1)
	return (numItems + batch - 1) / batch
}

// Run calls fn(task, first, last) for every batch of [0, numItems). Tasks
// own disjoint ranges so each may write per-item state inside its range and
// into output slot task.
func (r *TaskRunner) Run(numItems, batch int, fn func(task, first, last int)) {
	n := NumTasks(numItems, batch)
	if n == 0 {
		return
	}
	batch = max(batch, 1)

	if r == nil || !r.Parallel || r.pool == nil || n == 1 {
		for t := 0; t < n; t++ {
			fn(t, t*batch, min((t+1)*batch, numItems))
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for t := 0; t < n; t++ {
		task := t
		r.pool.SubmitTask(worker.Task{
			ID: task,
			Do: func() (any, error) {
				defer wg.Done()
				fn(task, task*batch, min((task+1)*batch, numItems))
				return nil, nil
			},
		})
	}
	wg.Wait()
}

func (r *TaskRunner) Workers() int {
	if r == nil {
		return 1
	}
	return r.workers
}

func (r *TaskRunner) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Stop()
	r.pool = nil
}
