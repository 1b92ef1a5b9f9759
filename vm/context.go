package vm

// ManagedContext is a scoped root holder for native code. Values created
// through it are registered as temporary GC roots, so a collection triggered
// halfway through a multi-step allocation sequence cannot reclaim them.
// Release drops exactly the registrations this context made.
//
//	mc := vm.NewManagedContext()
//	defer mc.Release()
//	key := mc.CreateString("name")
//	obj := mc.CreateObject(4)
type ManagedContext struct {
	vm       *VM
	tracked  []VALUE
	released bool
}

// NewManagedContext creates a managed allocation scope.
func (vm *VM) NewManagedContext() *ManagedContext {
	return &ManagedContext{vm: vm}
}

// Track registers an externally created value with this scope.
func (mc *ManagedContext) Track(v VALUE) VALUE {
	mc.vm.gc.RegisterTemporary(v)
	mc.tracked = append(mc.tracked, v)
	return v
}

// Release drops every registration this context made. Safe to call once;
// later calls are no-ops so it composes with defer.
func (mc *ManagedContext) Release() {
	if mc.released {
		return
	}
	mc.released = true
	for _, v := range mc.tracked {
		mc.vm.gc.UnregisterTemporary(v)
	}
	mc.tracked = nil
}

// ---------------------------------------------------------------------------
// Allocation helpers
// ---------------------------------------------------------------------------

// CreateObject allocates an object and tracks it.
func (mc *ManagedContext) CreateObject(initialCapacity int) VALUE {
	return mc.Track(mc.vm.CreateObject(initialCapacity))
}

// CreateArray allocates an array and tracks it.
func (mc *ManagedContext) CreateArray(initialCapacity int) VALUE {
	return mc.Track(mc.vm.CreateArray(initialCapacity))
}

// CreateString allocates a string and tracks it.
func (mc *ManagedContext) CreateString(s string) VALUE {
	return mc.Track(mc.vm.CreateString([]byte(s)))
}

// CreateFloat allocates a float (boxing if necessary) and tracks it.
func (mc *ManagedContext) CreateFloat(f float64) VALUE {
	return mc.Track(mc.vm.CreateFloat(f))
}

// CreateCPointer allocates a cpointer and tracks it.
func (mc *ManagedContext) CreateCPointer(data any, destructor func(any)) VALUE {
	return mc.Track(mc.vm.CreateCPointer(data, destructor))
}
