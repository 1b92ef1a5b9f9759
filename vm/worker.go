package vm

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// DefaultWorkerFloor is the minimum pool size unless overridden through
// RunFlags.WorkerFloor.
const DefaultWorkerFloor = 32

// AsyncTask is a blocking native job handed to the worker pool. The job
// must not touch the VM heap, stack or frames; it communicates only
// through its own inputs and the returned result.
type AsyncTask struct {
	UID uuid.UUID
	Job func() any
}

// AsyncTaskResult is a completed job's payload, posted to the result
// queue by a worker thread.
type AsyncTaskResult struct {
	UID    uuid.UUID
	Result any
}

// workerPool runs blocking native jobs on dedicated goroutines. The input
// queue is a condition-variable-guarded slice; results travel back over a
// channel the scheduler's suspension point selects on.
type workerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []AsyncTask
	closing bool

	results chan AsyncTaskResult
	wg      sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	pool := &workerPool{
		results: make(chan AsyncTaskResult, 1024),
	}
	pool.cond = sync.NewCond(&pool.mu)

	for i := 0; i < size; i++ {
		pool.wg.Add(1)
		go pool.workerLoop()
	}
	return pool
}

// submit hands a job to the pool.
func (p *workerPool) submit(task AsyncTask) {
	p.mu.Lock()
	p.queue = append(p.queue, task)
	p.mu.Unlock()
	p.cond.Signal()
}

// workerLoop takes jobs until shutdown, executing each and posting its
// result.
func (p *workerPool) workerLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closing {
			p.cond.Wait()
		}
		if p.closing && len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.results <- AsyncTaskResult{UID: task.UID, Result: runJob(task.Job)}
	}
}

// runJob shields the pool from panicking jobs; a panic becomes an error
// result.
func runJob(job func() any) (result any) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Errorf("worker job panicked: %v", r)
		}
	}()
	return job()
}

// shutdown stops the pool and waits for every worker to exit.
func (p *workerPool) shutdown() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// ---------------------------------------------------------------------------
// VM integration (main thread only)
// ---------------------------------------------------------------------------

// workerCount sizes the pool from the run flags.
func (vm *VM) workerCount() int {
	if vm.ctx.Flags.SingleWorker {
		return 1
	}
	floor := vm.ctx.Flags.WorkerFloor
	if floor <= 0 {
		floor = DefaultWorkerFloor
	}
	if n := runtime.NumCPU(); n > floor {
		return n
	}
	return floor
}

// RegisterWorkerTask submits a blocking job. When it completes, callback
// is enqueued as an ordinary task with the imported result as argument.
// Returns the job uid for best-effort cancellation.
func (vm *VM) RegisterWorkerTask(job func() any, callback VALUE) uuid.UUID {
	uid := uuid.New()
	vm.pendingJobs[uid] = callback
	vm.workers.submit(AsyncTask{UID: uid, Job: job})
	if vm.ctx.Flags.TraceScheduler {
		vm.schedLog.Debugf("worker job %s submitted, %d in flight", uid, len(vm.pendingJobs))
	}
	return uid
}

// CancelWorkerTask drops a pending job's callback. The job itself runs to
// completion; its result is discarded when it posts.
func (vm *VM) CancelWorkerTask(uid uuid.UUID) {
	delete(vm.pendingJobs, uid)
	if vm.ctx.Flags.TraceScheduler {
		vm.schedLog.Debugf("worker job %s cancelled", uid)
	}
}

// drainWorkerResults consumes every queued result without blocking.
func (vm *VM) drainWorkerResults() {
	for {
		select {
		case result := <-vm.workers.results:
			vm.handleWorkerResult(result)
		default:
			return
		}
	}
}

// handleWorkerResult turns a completed job into a queued callback task.
// Results whose uid was cancelled are dropped.
func (vm *VM) handleWorkerResult(result AsyncTaskResult) {
	callback, ok := vm.pendingJobs[result.UID]
	if !ok {
		if vm.ctx.Flags.TraceScheduler {
			vm.schedLog.Debugf("worker job %s result dropped, uid not pending", result.UID)
		}
		return
	}
	delete(vm.pendingJobs, result.UID)
	if vm.ctx.Flags.TraceScheduler {
		vm.schedLog.Debugf("worker job %s completed, callback enqueued", result.UID)
	}

	argument := vm.importValue(result.Result)
	vm.RegisterTask(VMTask{Fn: callback, Argument: argument})
}

// importValue converts a native job result into a VALUE on the main
// thread. Workers never allocate heap cells themselves.
func (vm *VM) importValue(result any) VALUE {
	switch r := result.(type) {
	case nil:
		return Null
	case VALUE:
		if r.IsPointer() {
			// A worker cannot have produced a valid heap value.
			return Null
		}
		return r
	case bool:
		return EncodeBool(r)
	case int:
		return vm.CreateInteger(int64(r))
	case int64:
		return vm.CreateInteger(r)
	case uint64:
		return vm.CreateInteger(int64(r))
	case float64:
		return vm.CreateFloat(r)
	case string:
		return vm.CreateString([]byte(r))
	case []byte:
		return vm.CreateString(r)
	case error:
		return vm.CreateString([]byte(r.Error()))
	}
	return Null
}
