package vm

import (
	"testing"
	"time"
)

// nativeCallback builds a cfunction that runs fn on the main thread.
func nativeCallback(vm *VM, fn func(argv []VALUE)) VALUE {
	name := SymbolFromName(vm.ctx.Symtable, "callback")
	return vm.CreateCFunction(name, 1, func(vm *VM, argv []VALUE) VALUE {
		fn(argv)
		return Null
	})
}

func TestTasksRunInEnqueueOrder(t *testing.T) {
	vm := testVM()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		vm.RegisterTask(VMTask{
			Fn:       nativeCallback(vm, func([]VALUE) { order = append(order, i) }),
			Argument: Null,
		})
	}

	if status := vm.StartRuntime(); status != 0 {
		t.Fatalf("status = %d", status)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("task order = %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("ran %d tasks, want 5", len(order))
	}
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	vm := testVM()

	var order []int
	now := time.Now()
	for _, ms := range []int{30, 10, 20} {
		ms := ms
		vm.RegisterTimer(now.Add(time.Duration(ms)*time.Millisecond), VMTask{
			Fn: nativeCallback(vm, func([]VALUE) { order = append(order, ms) }),
		})
	}

	vm.StartRuntime()

	want := []int{10, 20, 30}
	if len(order) != len(want) {
		t.Fatalf("fired %d timers, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("timer order = %v, want %v", order, want)
		}
	}
}

func TestEqualDeadlinesPreserveInsertionOrder(t *testing.T) {
	vm := testVM()

	var order []int
	deadline := time.Now().Add(10 * time.Millisecond)
	for i := 0; i < 4; i++ {
		i := i
		vm.RegisterTimer(deadline, VMTask{
			Fn: nativeCallback(vm, func([]VALUE) { order = append(order, i) }),
		})
	}

	vm.StartRuntime()

	for i, got := range order {
		if got != i {
			t.Fatalf("tie-broken order = %v", order)
		}
	}
	if len(order) != 4 {
		t.Fatalf("fired %d timers, want 4", len(order))
	}
}

func TestClearTimerIsIdempotent(t *testing.T) {
	vm := testVM()

	fired := 0
	keep := vm.RegisterTimer(time.Now().Add(5*time.Millisecond), VMTask{
		Fn: nativeCallback(vm, func([]VALUE) { fired++ }),
	})
	drop := vm.RegisterTimer(time.Now().Add(5*time.Millisecond), VMTask{
		Fn: nativeCallback(vm, func([]VALUE) { t.Error("cancelled timer fired") }),
	})

	vm.ClearTimer(drop)
	vm.ClearTimer(drop)
	_ = keep

	vm.StartRuntime()
	if fired != 1 {
		t.Errorf("surviving timer fired %d times, want 1", fired)
	}
}

func TestIntervalRearmsUntilCleared(t *testing.T) {
	vm := testVM()

	count := 0
	var id uint64
	id = vm.RegisterInterval(2*time.Millisecond, VMTask{
		Fn: nativeCallback(vm, func([]VALUE) {
			count++
			if count == 3 {
				vm.ClearInterval(id)
			}
		}),
	})

	vm.StartRuntime()
	if count != 3 {
		t.Errorf("interval ran %d times, want 3", count)
	}
}

func TestWorkerRoundTrip(t *testing.T) {
	vm := testVM()

	const k = 1000
	got := int64(-1)
	callback := nativeCallback(vm, func(argv []VALUE) {
		// Runs on the main thread; no synchronization needed.
		got = argv[0].DecodeInteger()
	})

	vm.RegisterWorkerTask(func() any {
		sum := 0
		for i := 1; i <= k; i++ {
			sum += i
		}
		return sum
	}, callback)

	vm.StartRuntime()

	want := int64(k * (k + 1) / 2)
	if got != want {
		t.Errorf("worker result = %d, want %d", got, want)
	}
}

func TestWorkerResultsFanIn(t *testing.T) {
	vm := New(Context{Flags: RunFlags{WorkerFloor: 4}, Out: discardWriter{}, Err: discardWriter{}})

	total := 0
	jobs := 16
	for i := 1; i <= jobs; i++ {
		i := i
		vm.RegisterWorkerTask(func() any { return i }, nativeCallback(vm, func(argv []VALUE) {
			// All callbacks run on the main thread, so plain addition is
			// enough to detect racy dispatch.
			total += int(argv[0].DecodeInteger())
		}))
	}

	vm.StartRuntime()
	if want := jobs * (jobs + 1) / 2; total != want {
		t.Errorf("fan-in total = %d, want %d", total, want)
	}
}

func TestCancelledWorkerResultIsDropped(t *testing.T) {
	vm := testVM()

	release := make(chan struct{})
	uid := vm.RegisterWorkerTask(func() any {
		<-release
		return 1
	}, nativeCallback(vm, func([]VALUE) {
		t.Error("cancelled worker callback ran")
	}))

	vm.CancelWorkerTask(uid)
	close(release)

	vm.StartRuntime()
}

func TestExitStopsRuntime(t *testing.T) {
	vm := testVM()

	ran := 0
	vm.RegisterTask(VMTask{Fn: nativeCallback(vm, func([]VALUE) {
		ran++
		vm.Exit(7)
	})})
	vm.RegisterTask(VMTask{Fn: nativeCallback(vm, func([]VALUE) { ran++ })})

	if status := vm.StartRuntime(); status != 7 {
		t.Errorf("status = %d, want 7", status)
	}
	if ran != 1 {
		t.Errorf("ran %d tasks after exit, want 1", ran)
	}
}

func TestUncaughtThrowEndsTaskNotRuntime(t *testing.T) {
	vm := testVM()

	ran := 0
	vm.RegisterTask(VMTask{Fn: nativeCallback(vm, func([]VALUE) {
		ran++
		vm.ThrowMessage("task blew up")
	})})
	vm.RegisterTask(VMTask{Fn: nativeCallback(vm, func([]VALUE) { ran++ })})

	vm.StartRuntime()
	if ran != 2 {
		t.Errorf("ran %d tasks, want 2 (a failed task must not stop the loop)", ran)
	}
}

func TestTimerCallbackSurvivesCollection(t *testing.T) {
	vm := testVM()

	fired := false
	callback := nativeCallback(vm, func([]VALUE) { fired = true })
	vm.RegisterTimer(time.Now().Add(5*time.Millisecond), VMTask{Fn: callback})

	// The callback is reachable only through the timer list.
	vm.gc.Collect()
	if callback.Cell().Type() != TypeCFunction {
		t.Fatal("pending timer callback was collected")
	}

	vm.StartRuntime()
	if !fired {
		t.Error("timer callback never fired")
	}
}

// discardWriter avoids importing io in multiple test files.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
