package vm

import (
	"sort"
	"time"
)

// VMTask is a (function, argument) pair scheduled to run on the main
// thread in a fresh top-level call.
type VMTask struct {
	UID      uint64
	Fn       VALUE
	Argument VALUE
}

// timerEntry is one pending timer or interval. Entries are ordered by
// (deadline, seq); seq is a monotonic insertion counter, so equal
// deadlines fire in registration order.
type timerEntry struct {
	id        uint64
	deadline  time.Time
	seq       uint64
	task      VMTask
	period    time.Duration
	interval  bool
	cancelled bool
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// RegisterTask enqueues a callback for the main thread.
func (vm *VM) RegisterTask(task VMTask) {
	vm.taskQueue = append(vm.taskQueue, task)
	if vm.ctx.Flags.TraceScheduler {
		vm.schedLog.Debugf("task enqueued, queue length %d", len(vm.taskQueue))
	}
}

// RegisterTimer schedules a one-shot callback and returns its id.
func (vm *VM) RegisterTimer(deadline time.Time, task VMTask) uint64 {
	id := vm.nextTimerUID()
	entry := &timerEntry{
		id:       id,
		deadline: deadline,
		seq:      vm.nextTimerSeq(),
		task:     task,
	}
	vm.timers = append(vm.timers, entry)
	vm.timerIndex[id] = entry
	if vm.ctx.Flags.TraceScheduler {
		vm.schedLog.Debugf("timer %d registered, fires in %s", id, time.Until(deadline))
	}
	return id
}

// RegisterInterval schedules a recurring callback and returns its id. The
// first dispatch happens one period from now; after each dispatch the
// interval is re-armed at now + period (fixed delay).
func (vm *VM) RegisterInterval(period time.Duration, task VMTask) uint64 {
	if period < 0 {
		period = 0
	}
	id := vm.nextTimerUID()
	entry := &timerEntry{
		id:       id,
		deadline: time.Now().Add(period),
		seq:      vm.nextTimerSeq(),
		task:     task,
		period:   period,
		interval: true,
	}
	vm.timers = append(vm.timers, entry)
	vm.timerIndex[id] = entry
	if vm.ctx.Flags.TraceScheduler {
		vm.schedLog.Debugf("interval %d registered, period %s", id, period)
	}
	return id
}

// ClearTimer cancels a pending timer. Idempotent; a callback already
// drained into the task queue still runs.
func (vm *VM) ClearTimer(id uint64) {
	vm.clearTimerEntry(id, false)
}

// ClearInterval cancels a pending interval. Idempotent.
func (vm *VM) ClearInterval(id uint64) {
	vm.clearTimerEntry(id, true)
}

func (vm *VM) clearTimerEntry(id uint64, interval bool) {
	entry, ok := vm.timerIndex[id]
	if !ok || entry.interval != interval {
		return
	}
	entry.cancelled = true
	delete(vm.timerIndex, id)
	if vm.ctx.Flags.TraceScheduler {
		vm.schedLog.Debugf("timer %d cancelled", id)
	}
}

func (vm *VM) nextTimerUID() uint64 {
	vm.nextTimerID++
	return vm.nextTimerID
}

func (vm *VM) nextTimerSeq() uint64 {
	vm.nextSeq++
	return vm.nextSeq
}

// ---------------------------------------------------------------------------
// Main loop
// ---------------------------------------------------------------------------

// StartRuntime drives the scheduler until no work remains or Exit is
// called, and returns the status code. Each iteration drains worker
// results, fires due timers, then dispatches exactly one task.
func (vm *VM) StartRuntime() uint8 {
	if vm.ctx.Flags.TraceScheduler {
		vm.schedLog.Debug("runtime started")
	}
	for vm.running {
		vm.drainWorkerResults()
		vm.fireDueTimers(time.Now())

		if len(vm.taskQueue) > 0 {
			task := vm.taskQueue[0]
			vm.taskQueue = vm.taskQueue[1:]
			vm.execTask(task)
			continue
		}

		if vm.hasPendingWork() {
			vm.sleepUntilWork()
			continue
		}
		break
	}

	vm.workers.shutdown()
	if vm.profile != nil {
		vm.profile.Dump(vm.ctx.Err)
	}
	if vm.ctx.Flags.TraceScheduler {
		vm.schedLog.Debugf("runtime finished, status %d", vm.statusCode)
	}
	return vm.statusCode
}

// execTask runs one queued callback in a fresh top-level call. An
// uncaught throw aborts the task; subsequent tasks still run.
func (vm *VM) execTask(task VMTask) {
	if vm.ctx.Flags.TraceScheduler {
		vm.schedLog.Debugf("dispatching task, %d queued behind it", len(vm.taskQueue))
	}
	vm.ExecFunction(task.Fn, task.Argument)
}

// hasPendingWork reports whether anything can still wake the loop.
func (vm *VM) hasPendingWork() bool {
	if len(vm.taskQueue) > 0 || len(vm.pendingJobs) > 0 {
		return true
	}
	for _, entry := range vm.timers {
		if !entry.cancelled {
			return true
		}
	}
	return false
}

// sleepUntilWork blocks until the nearest timer deadline or a worker
// result, whichever comes first. This is the scheduler's only suspension
// point.
func (vm *VM) sleepUntilWork() {
	var timerC <-chan time.Time
	if deadline, ok := vm.nextDeadline(); ok {
		wait := time.Until(deadline)
		if wait <= 0 {
			return
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case result := <-vm.workers.results:
		vm.handleWorkerResult(result)
	case <-timerC:
	}
}

// nextDeadline returns the earliest pending timer deadline.
func (vm *VM) nextDeadline() (time.Time, bool) {
	var best time.Time
	found := false
	for _, entry := range vm.timers {
		if entry.cancelled {
			continue
		}
		if !found || entry.deadline.Before(best) {
			best = entry.deadline
			found = true
		}
	}
	return best, found
}

// fireDueTimers enqueues every timer whose deadline has passed, in
// nondecreasing deadline order with ties broken by insertion order, and
// re-arms fired intervals.
func (vm *VM) fireDueTimers(now time.Time) {
	var due []*timerEntry
	remaining := vm.timers[:0]
	for _, entry := range vm.timers {
		switch {
		case entry.cancelled:
			// drop
		case !entry.deadline.After(now):
			due = append(due, entry)
		default:
			remaining = append(remaining, entry)
		}
	}
	vm.timers = remaining

	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].deadline.Equal(due[j].deadline) {
			return due[i].deadline.Before(due[j].deadline)
		}
		return due[i].seq < due[j].seq
	})

	for _, entry := range due {
		if vm.ctx.Flags.TraceScheduler {
			vm.schedLog.Debugf("timer %d fired", entry.id)
		}
		vm.RegisterTask(entry.task)
		if entry.interval {
			entry.deadline = now.Add(entry.period)
			entry.seq = vm.nextTimerSeq()
			vm.timers = append(vm.timers, entry)
		} else {
			delete(vm.timerIndex, entry.id)
		}
	}
}
