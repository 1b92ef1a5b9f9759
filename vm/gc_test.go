package vm

import "testing"

// settleFreeCount collects and returns the resulting free-list length.
func settleFreeCount(vm *VM) int {
	vm.gc.Collect()
	return vm.gc.FreeCount()
}

func TestCollectFreesUnreachableObjects(t *testing.T) {
	vm := testVM()
	baseline := settleFreeCount(vm)

	// Allocate 2N objects and keep every second one reachable through the
	// operand stack.
	const n = 512
	for i := 0; i < 2*n; i++ {
		v := vm.CreateObject(0)
		if i%2 == 0 {
			vm.pushStack(v)
		}
	}

	vm.gc.Collect()
	free := vm.gc.FreeCount()
	if baseline-free != n {
		t.Errorf("free list shrank by %d cells, want %d survivors", baseline-free, n)
	}

	// Survivors are still addressable and intact.
	for _, v := range vm.stack {
		if !v.IsPointer() || v.Cell().Type() != TypeObject {
			t.Fatal("surviving object corrupted by collection")
		}
	}

	// Dropping the survivors returns every cell.
	vm.stack = vm.stack[:0]
	vm.gc.Collect()
	if got := vm.gc.FreeCount(); got != baseline {
		t.Errorf("free list = %d after dropping survivors, want %d", got, baseline)
	}
}

func TestCollectedCellsAreDead(t *testing.T) {
	vm := testVM()

	v := vm.CreateObject(0)
	cell := v.Cell()
	vm.gc.Collect()

	if cell.Type() != TypeDead {
		t.Errorf("collected cell has type %s, want dead", TypeName(cell.Type()))
	}
	if cell.Mark() {
		t.Error("collected cell still marked")
	}
}

func TestMarkBitClearedOnSurvivors(t *testing.T) {
	vm := testVM()

	v := vm.CreateArray(4)
	vm.pushStack(v)
	vm.gc.Collect()

	if v.Cell().Mark() {
		t.Error("survivor still carries the mark bit after sweep")
	}
	if v.Cell().Type() != TypeArray {
		t.Error("survivor type changed")
	}
}

func TestMarkTraversesContainers(t *testing.T) {
	vm := testVM()

	outer := vm.CreateArray(2)
	vm.pushStack(outer)
	inner := vm.CreateObject(1)
	outer.Cell().Array.Data = append(outer.Cell().Array.Data, inner)
	key := SymbolFromName(vm.ctx.Symtable, "payload")
	str := vm.CreateString([]byte("reachable through two hops"))
	inner.Cell().Object.Container[key] = str

	vm.gc.Collect()

	if inner.Cell().Type() != TypeObject {
		t.Error("array element collected")
	}
	if str.Cell().Type() != TypeString {
		t.Error("object member collected")
	}
	if got := string(str.Cell().StringData()); got != "reachable through two hops" {
		t.Error("string data lost across collection")
	}
}

func TestTemporaryRootsProtectValues(t *testing.T) {
	vm := testVM()

	v := vm.CreateObject(0)
	vm.gc.RegisterTemporary(v)

	vm.gc.Collect()
	if v.Cell().Type() != TypeObject {
		t.Fatal("temporary root collected")
	}

	vm.gc.UnregisterTemporary(v)
	vm.gc.Collect()
	if v.Cell().Type() != TypeDead {
		t.Error("value survived after its temporary root was released")
	}
}

func TestTemporaryRootsAreAMultiset(t *testing.T) {
	vm := testVM()

	v := vm.CreateObject(0)
	vm.gc.RegisterTemporary(v)
	vm.gc.RegisterTemporary(v)

	vm.gc.UnregisterTemporary(v)
	vm.gc.Collect()
	if v.Cell().Type() != TypeObject {
		t.Fatal("value with one remaining registration was collected")
	}

	vm.gc.UnregisterTemporary(v)
	vm.gc.Collect()
	if v.Cell().Type() != TypeDead {
		t.Error("value with no registrations survived")
	}
}

func TestManagedContextScopesRoots(t *testing.T) {
	vm := testVM()

	mc := vm.NewManagedContext()
	s := mc.CreateString("held by native code")
	vm.gc.Collect()
	if s.Cell().Type() != TypeString {
		t.Fatal("managed value collected while its context was live")
	}

	mc.Release()
	vm.gc.Collect()
	if s.Cell().Type() != TypeDead {
		t.Error("managed value survived its context")
	}
}

func TestCPointerDestructorRunsOnce(t *testing.T) {
	vm := testVM()

	calls := 0
	vm.CreateCPointer("payload", func(any) { calls++ })

	vm.gc.Collect()
	vm.gc.Collect()
	if calls != 1 {
		t.Errorf("destructor ran %d times, want 1", calls)
	}
}

func TestFrameChainIsRooted(t *testing.T) {
	vm := testVM()

	frame := vm.createFrameRaw(Null, vm.topFrame, 4, Address{}, false)
	held := vm.CreateString([]byte("local value"))
	frame.Frame.Environment[0] = held

	vm.gc.Collect()
	if held.Cell().Type() != TypeString {
		t.Error("value reachable through frame environment was collected")
	}

	vm.frames = nil
	vm.frameDepth = 0
	vm.gc.Collect()
	if held.Cell().Type() != TypeDead {
		t.Error("value survived after its frame was dropped")
	}
}

func TestHeapGrowsWhenExhausted(t *testing.T) {
	vm := testVM()
	capacity := vm.gc.Capacity()

	// Keep everything reachable so the triggered collection cannot reclaim
	// anything and the heap has to grow.
	for i := 0; i < capacity+8; i++ {
		vm.pushStack(vm.CreateObject(0))
	}
	if vm.gc.Capacity() <= capacity {
		t.Errorf("heap did not grow: capacity %d", vm.gc.Capacity())
	}
	for _, v := range vm.stack {
		if v.Cell().Type() != TypeObject {
			t.Fatal("live object lost during heap growth")
		}
	}
}
