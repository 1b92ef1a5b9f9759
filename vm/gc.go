package vm

import (
	"github.com/tliron/commonlog"
)

// Heap sizing constants. Cells are pre-allocated in regions; all regions
// feed one free list.
const (
	InitialRegionCount = 8
	RegionCellCount    = 1024
	RegionGrowthFactor = 2
)

// GarbageCollectorConfig configures heap tracing.
type GarbageCollectorConfig struct {
	Trace bool
}

// GarbageCollector owns the managed heap: a vector of cell regions, the
// free list threaded through dead cells, and the temporary-root multiset
// that protects values held only by native code.
type GarbageCollector struct {
	config   GarbageCollectorConfig
	vm       *VM
	regions  [][]MemoryCell
	freeCell *MemoryCell

	// Multiset: value -> registration count. Native code may register the
	// same value more than once; each release drops one registration.
	temporaries map[VALUE]int

	log commonlog.Logger
}

// NewGarbageCollector creates a heap with the initial region set.
func NewGarbageCollector(config GarbageCollectorConfig, vm *VM) *GarbageCollector {
	gc := &GarbageCollector{
		config:      config,
		vm:          vm,
		regions:     make([][]MemoryCell, 0, InitialRegionCount),
		temporaries: make(map[VALUE]int),
		log:         commonlog.GetLogger("charly.gc"),
	}
	for i := 0; i < InitialRegionCount; i++ {
		gc.addRegion()
	}
	return gc
}

// addRegion allocates one region and pushes its cells onto the free list.
func (gc *GarbageCollector) addRegion() {
	region := make([]MemoryCell, RegionCellCount)
	gc.regions = append(gc.regions, region)

	last := gc.freeCell
	for i := range region {
		region[i].Free.Next = last
		last = &region[i]
	}
	gc.freeCell = last
}

// growHeap doubles the region count.
func (gc *GarbageCollector) growHeap() {
	count := len(gc.regions)
	toAdd := count*RegionGrowthFactor - count
	for i := 0; i < toAdd; i++ {
		gc.addRegion()
	}
}

// Capacity returns the total number of cells across all regions.
func (gc *GarbageCollector) Capacity() int {
	return len(gc.regions) * RegionCellCount
}

// FreeCount walks the free list. Used by tracing and tests.
func (gc *GarbageCollector) FreeCount() int {
	n := 0
	for cell := gc.freeCell; cell != nil; cell = cell.Free.Next {
		n++
	}
	return n
}

// ---------------------------------------------------------------------------
// Temporary roots
// ---------------------------------------------------------------------------

// RegisterTemporary adds one registration for a value to the temporary
// root multiset.
func (gc *GarbageCollector) RegisterTemporary(v VALUE) {
	if !v.IsPointer() {
		return
	}
	gc.temporaries[v]++
}

// UnregisterTemporary removes exactly one registration for a value.
func (gc *GarbageCollector) UnregisterTemporary(v VALUE) {
	if !v.IsPointer() {
		return
	}
	if n, ok := gc.temporaries[v]; ok {
		if n <= 1 {
			delete(gc.temporaries, v)
		} else {
			gc.temporaries[v] = n - 1
		}
	}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate pops a cell off the free list. Taking the last cell triggers an
// immediate collection so a later allocation never fails; if the collection
// yields nothing the heap grows. Running out of cells even after growth is
// fatal.
func (gc *GarbageCollector) Allocate() *MemoryCell {
	cell := gc.freeCell
	if cell == nil {
		gc.vm.fatal("allocation failed, free list empty")
	}
	gc.freeCell = cell.Free.Next
	cell.Free.Next = nil

	if gc.freeCell == nil {
		gc.Collect()

		if gc.freeCell == nil {
			gc.growHeap()

			if gc.freeCell == nil {
				gc.vm.fatal("failed to expand heap")
			}
		}
	}

	return cell
}

// ---------------------------------------------------------------------------
// Mark
// ---------------------------------------------------------------------------

// mark walks a value depth-first, skipping immediates and already-marked
// cells.
func (gc *GarbageCollector) mark(v VALUE) {
	if !v.IsPointer() {
		return
	}
	cell := v.Cell()
	if cell.Mark() {
		return
	}
	cell.SetMark(true)

	switch cell.Type() {
	case TypeObject:
		gc.mark(cell.Object.Klass)
		for _, entry := range cell.Object.Container {
			gc.mark(entry)
		}

	case TypeArray:
		for _, entry := range cell.Array.Data {
			gc.mark(entry)
		}

	case TypeFunction:
		gc.markCell(cell.Function.Context)
		gc.markCell(cell.Function.Body.Block)
		if cell.Function.BoundSelfSet {
			gc.mark(cell.Function.BoundSelf)
		}
		for _, entry := range cell.Function.Container {
			gc.mark(entry)
		}

	case TypeCFunction:
		if cell.CFunction.BoundSelfSet {
			gc.mark(cell.CFunction.BoundSelf)
		}
		for _, entry := range cell.CFunction.Container {
			gc.mark(entry)
		}

	case TypeClass:
		gc.mark(cell.Class.Constructor)
		gc.mark(cell.Class.Prototype)
		gc.mark(cell.Class.ParentClass)
		for _, sym := range cell.Class.MemberProperties {
			gc.mark(sym)
		}
		for _, entry := range cell.Class.Container {
			gc.mark(entry)
		}

	case TypeFrame:
		gc.markCell(cell.Frame.Parent)
		gc.markCell(cell.Frame.ParentEnvironment)
		gc.markCell(cell.Frame.LastActiveCatchtable)
		gc.markCell(cell.Frame.Function)
		gc.markCell(cell.Frame.Generator)
		gc.mark(cell.Frame.Self)
		for _, lvar := range cell.Frame.Environment {
			gc.mark(lvar)
		}

	case TypeCatchTable:
		gc.markCell(cell.CatchTable.Frame)
		gc.markCell(cell.CatchTable.Parent)
		gc.markCell(cell.CatchTable.Address.Block)

	case TypeInstructionBlock:
		for _, child := range cell.Block.Children {
			gc.markCell(child)
		}
		for _, constant := range cell.Block.Constants {
			gc.mark(constant)
		}

	case TypeGenerator:
		gc.mark(cell.Generator.Name)
		gc.markCell(cell.Generator.ContextFrame)
		gc.markCell(cell.Generator.OwnFrame)
		gc.markCell(cell.Generator.Resume.Block)
		for _, entry := range cell.Generator.SavedStack {
			gc.mark(entry)
		}
	}
}

func (gc *GarbageCollector) markCell(cell *MemoryCell) {
	if cell != nil {
		gc.mark(cell.Value())
	}
}

// ---------------------------------------------------------------------------
// Collect
// ---------------------------------------------------------------------------

// Collect runs one full mark-and-sweep cycle over the VM's roots.
func (gc *GarbageCollector) Collect() {
	if gc.config.Trace {
		gc.log.Debug("collection pause")
	}

	// Mark phase
	vm := gc.vm
	for _, item := range vm.stack {
		gc.mark(item)
	}
	for temp := range gc.temporaries {
		gc.mark(temp)
	}
	gc.markCell(vm.frames)
	gc.markCell(vm.catchstack)
	gc.markCell(vm.topFrame)
	gc.markCell(vm.ip.Block)
	gc.mark(vm.lastException)

	// Scheduler state holds user callbacks and their arguments.
	for _, task := range vm.taskQueue {
		gc.mark(task.Fn)
		gc.mark(task.Argument)
	}
	for _, entry := range vm.timers {
		gc.mark(entry.task.Fn)
		gc.mark(entry.task.Argument)
	}
	for _, cb := range vm.pendingJobs {
		gc.mark(cb)
	}

	// Primitive classes and registered internals
	for _, primitive := range vm.primitiveRoots() {
		gc.mark(primitive)
	}
	for _, internal := range vm.internals {
		gc.mark(internal)
	}

	// Sweep phase
	freed := 0
	for _, region := range gc.regions {
		for i := range region {
			cell := &region[i]
			if cell.Mark() {
				cell.SetMark(false)
			} else if cell.Type() != TypeDead {
				freed++
				gc.free(cell)
			}
		}
	}

	if gc.config.Trace {
		gc.log.Debugf("collection finished, freed %d cells", freed)
	}
}

// free runs the cell's destructor, zeroes it and pushes it onto the free
// list. A freed cell may still sit in the temporary multiset if native code
// leaked a registration; drop it so the list cannot resurrect the cell.
func (gc *GarbageCollector) free(cell *MemoryCell) {
	if _, ok := gc.temporaries[cell.Value()]; ok {
		delete(gc.temporaries, cell.Value())
	}

	if cell.Type() == TypeCPointer && cell.CPointer.Destructor != nil {
		cell.CPointer.Destructor(cell.CPointer.Data)
	}

	*cell = MemoryCell{}
	cell.Free.Next = gc.freeCell
	gc.freeCell = cell
}
