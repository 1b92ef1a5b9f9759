package vm

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/zld3002/charly-vm/charly"
)

// Frame recursion limit. Exceeding it is a structural failure, not a
// user-catchable condition.
const MaxFrameDepth = 10000

// RunFlags configures tracing, profiling and the worker pool. The zero
// value is the production configuration.
type RunFlags struct {
	InstructionProfile bool `toml:"instruction_profile"`
	TraceOpcodes       bool `toml:"trace_opcodes"`
	TraceCatchtables   bool `toml:"trace_catchtables"`
	TraceFrames        bool `toml:"trace_frames"`
	TraceGC            bool `toml:"trace_gc"`
	TraceScheduler     bool `toml:"trace_scheduler"`
	VerboseAddresses   bool `toml:"verbose_addresses"`
	SingleWorker       bool `toml:"single_worker"`
	WorkerFloor        int  `toml:"worker_floor"`
}

// Context carries everything the VM consumes from the outside: the
// compiler-owned interning tables, run flags and the standard streams.
type Context struct {
	Symtable   *charly.SymbolTable
	Stringpool *charly.StringPool
	Flags      RunFlags

	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// VM is the runtime: heap, operand stack, frame and catch stacks, the
// scheduler and the worker pool. A single goroutine drives execution; only
// that goroutine may touch the heap.
type VM struct {
	ctx      Context
	gc       *GarbageCollector
	log      commonlog.Logger
	schedLog commonlog.Logger

	profile *InstructionProfile

	// Execution state
	stack      []VALUE
	frames     *MemoryCell
	catchstack *MemoryCell
	ip         Address
	halted     bool
	frameDepth int

	// The upper-most environment frame. Modules execute below it so they
	// cannot see each other's locals; globals travel through its slots.
	topFrame *MemoryCell

	lastException   VALUE
	uncaught        bool
	pendingThrow    VALUE
	hasPendingThrow bool
	throwSeq        uint64

	// Primitive classes, installed by the prelude
	primitiveValue     VALUE
	primitiveObject    VALUE
	primitiveClass     VALUE
	primitiveArray     VALUE
	primitiveString    VALUE
	primitiveNumber    VALUE
	primitiveFunction  VALUE
	primitiveGenerator VALUE
	primitiveBoolean   VALUE
	primitiveNull      VALUE

	// Scheduler state (main thread only)
	running     bool
	statusCode  uint8
	taskQueue   []VMTask
	timers      []*timerEntry
	timerIndex  map[uint64]*timerEntry
	nextTimerID uint64
	nextSeq     uint64

	// Worker pool
	workers     *workerPool
	pendingJobs map[uuid.UUID]VALUE

	// Registered internal methods, keyed by name symbol
	internals map[VALUE]VALUE

	starttime time.Time
}

// New creates a VM, starts its worker pool and registers the default
// internal methods.
func New(ctx Context) *VM {
	if ctx.Symtable == nil || ctx.Stringpool == nil {
		manager := charly.NewManager()
		if ctx.Symtable == nil {
			ctx.Symtable = manager.Symtable
		}
		if ctx.Stringpool == nil {
			ctx.Stringpool = manager.Stringpool
		}
	}
	if ctx.In == nil {
		ctx.In = os.Stdin
	}
	if ctx.Out == nil {
		ctx.Out = os.Stdout
	}
	if ctx.Err == nil {
		ctx.Err = os.Stderr
	}

	vm := &VM{
		ctx:         ctx,
		log:         commonlog.GetLogger("charly.vm"),
		schedLog:    commonlog.GetLogger("charly.sched"),
		stack:       make([]VALUE, 0, 1024),
		running:     true,
		timerIndex:  make(map[uint64]*timerEntry),
		pendingJobs: make(map[uuid.UUID]VALUE),
		internals:   make(map[VALUE]VALUE),
		starttime:   time.Now(),

		primitiveValue:     Null,
		primitiveObject:    Null,
		primitiveClass:     Null,
		primitiveArray:     Null,
		primitiveString:    Null,
		primitiveNumber:    Null,
		primitiveFunction:  Null,
		primitiveGenerator: Null,
		primitiveBoolean:   Null,
		primitiveNull:      Null,
		lastException:      Null,
		pendingThrow:       Null,
	}
	vm.gc = NewGarbageCollector(GarbageCollectorConfig{Trace: ctx.Flags.TraceGC}, vm)
	if ctx.Flags.InstructionProfile {
		vm.profile = NewInstructionProfile()
	}

	// The top environment frame anchors every module's lexical chain.
	vm.topFrame = vm.createFrameRaw(Null, nil, topFrameSlots, Address{}, false)
	vm.frames = nil
	vm.frameDepth = 0

	vm.workers = newWorkerPool(vm.workerCount())
	vm.registerDefaultInternals()
	return vm
}

// topFrameSlots is the number of global slots reserved in the top frame.
const topFrameSlots = 64

// Context returns the VM's context.
func (vm *VM) Context() *Context {
	return &vm.ctx
}

// GC exposes the collector for native extensions and tests.
func (vm *VM) GC() *GarbageCollector {
	return vm.gc
}

// fatal reports a structural failure and terminates via panic, after
// writing a diagnostic to the error stream.
func (vm *VM) fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(vm.ctx.Err, "charly: fatal: %s\n", msg)
	vm.Stacktrace(vm.ctx.Err)
	panic("charly: " + msg)
}

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

func (vm *VM) pushStack(v VALUE) {
	vm.stack = append(vm.stack, v)
}

func (vm *VM) popStack() VALUE {
	if len(vm.stack) == 0 {
		vm.fatal("stack underflow")
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v
}

func (vm *VM) peekStack() VALUE {
	if len(vm.stack) == 0 {
		vm.fatal("stack underflow")
	}
	return vm.stack[len(vm.stack)-1]
}

// popN removes the top n values and returns them in push order.
func (vm *VM) popN(n int) []VALUE {
	if len(vm.stack) < n {
		vm.fatal("stack underflow")
	}
	result := make([]VALUE, n)
	copy(result, vm.stack[len(vm.stack)-n:])
	vm.stack = vm.stack[:len(vm.stack)-n]
	return result
}

// ---------------------------------------------------------------------------
// Value constructors
// ---------------------------------------------------------------------------

// CreateObject allocates an object with no class.
func (vm *VM) CreateObject(initialCapacity int) VALUE {
	cell := vm.gc.Allocate()
	cell.SetType(TypeObject)
	cell.Object.Klass = Null
	cell.Object.Container = make(map[VALUE]VALUE, initialCapacity)
	return cell.Value()
}

// CreateArray allocates an empty array.
func (vm *VM) CreateArray(initialCapacity int) VALUE {
	cell := vm.gc.Allocate()
	cell.SetType(TypeArray)
	cell.Array.Data = make([]VALUE, 0, initialCapacity)
	return cell.Value()
}

// CreateString allocates a string cell, choosing the short or long
// representation by length.
func (vm *VM) CreateString(data []byte) VALUE {
	cell := vm.gc.Allocate()
	cell.SetType(TypeString)
	cell.SetStringData(data)
	return cell.Value()
}

// CreateFloat encodes a double, boxing it when the immediate encoding
// would lose bits.
func (vm *VM) CreateFloat(f float64) VALUE {
	if FitsImmediateFloat(f) {
		return EncodeIFloat(f)
	}
	cell := vm.gc.Allocate()
	cell.SetType(TypeFloat)
	cell.Float.Value = f
	return cell.Value()
}

// CreateInteger encodes an integer, promoting to float when it does not
// fit 63 bits.
func (vm *VM) CreateInteger(i int64) VALUE {
	if i > MaxInteger || i < MinInteger {
		return vm.CreateFloat(float64(i))
	}
	return EncodeInteger(i)
}

// CreateFunction allocates a bytecode function closed over the current
// frame.
func (vm *VM) CreateFunction(name VALUE, body Address, argc, lvarcount uint32, anonymous, needsArguments bool) VALUE {
	cell := vm.gc.Allocate()
	cell.SetType(TypeFunction)
	cell.Function = Function{
		Name:           name,
		ArgC:           argc,
		LVarCount:      lvarcount,
		Context:        vm.frames,
		Body:           body,
		Anonymous:      anonymous,
		NeedsArguments: needsArguments,
		BoundSelf:      Null,
		Container:      make(map[VALUE]VALUE),
	}
	return cell.Value()
}

// CreateCFunction allocates a native function value.
func (vm *VM) CreateCFunction(name VALUE, argc uint32, fn CFunc) VALUE {
	cell := vm.gc.Allocate()
	cell.SetType(TypeCFunction)
	cell.CFunction = CFunction{
		Name:      name,
		Fn:        fn,
		ArgC:      argc,
		BoundSelf: Null,
		Container: make(map[VALUE]VALUE),
	}
	return cell.Value()
}

// CreateGenerator allocates a generator wrapping a function value with a
// resume address.
func (vm *VM) CreateGenerator(name, function VALUE, resume Address) VALUE {
	cell := vm.gc.Allocate()
	cell.SetType(TypeGenerator)
	cell.Generator = Generator{
		Name:         name,
		Function:     function,
		ContextFrame: vm.frames,
		Resume:       resume,
	}
	return cell.Value()
}

// CreateClass allocates a class shell. Prototype and members are filled in
// by putclass.
func (vm *VM) CreateClass(name VALUE) VALUE {
	cell := vm.gc.Allocate()
	cell.SetType(TypeClass)
	cell.Class = Class{
		Name:        name,
		Constructor: Null,
		Prototype:   Null,
		ParentClass: Null,
		Container:   make(map[VALUE]VALUE),
	}
	return cell.Value()
}

// CreateCPointer allocates a cpointer. The destructor runs exactly once
// when the cell is collected.
func (vm *VM) CreateCPointer(data any, destructor func(any)) VALUE {
	cell := vm.gc.Allocate()
	cell.SetType(TypeCPointer)
	cell.CPointer = CPointer{Data: data, Destructor: destructor}
	return cell.Value()
}

// primitiveRoots lists the primitive-class references for the GC.
func (vm *VM) primitiveRoots() []VALUE {
	return []VALUE{
		vm.primitiveValue, vm.primitiveObject, vm.primitiveClass,
		vm.primitiveArray, vm.primitiveString, vm.primitiveNumber,
		vm.primitiveFunction, vm.primitiveGenerator, vm.primitiveBoolean,
		vm.primitiveNull,
	}
}

// ---------------------------------------------------------------------------
// Copying
// ---------------------------------------------------------------------------

// CopyValue creates a shallow copy of container types; immediates and
// machine-internal types are returned unchanged.
func (vm *VM) CopyValue(v VALUE) VALUE {
	if !v.IsPointer() {
		return v
	}
	mc := vm.NewManagedContext()
	defer mc.Release()
	mc.Track(v)

	cell := v.Cell()
	switch cell.Type() {
	case TypeString:
		return vm.CreateString(cell.StringData())
	case TypeArray:
		nv := mc.CreateArray(len(cell.Array.Data))
		nv.Cell().Array.Data = append(nv.Cell().Array.Data, cell.Array.Data...)
		return nv
	case TypeObject:
		nv := mc.CreateObject(len(cell.Object.Container))
		ncell := nv.Cell()
		ncell.Object.Klass = cell.Object.Klass
		for k, val := range cell.Object.Container {
			ncell.Object.Container[k] = val
		}
		return nv
	case TypeFunction:
		ncell := vm.gc.Allocate()
		ncell.SetType(TypeFunction)
		ncell.Function = cell.Function
		ncell.Function.Container = make(map[VALUE]VALUE, len(cell.Function.Container))
		for k, val := range cell.Function.Container {
			ncell.Function.Container[k] = val
		}
		return ncell.Value()
	case TypeCFunction:
		ncell := vm.gc.Allocate()
		ncell.SetType(TypeCFunction)
		ncell.CFunction = cell.CFunction
		ncell.CFunction.Container = make(map[VALUE]VALUE, len(cell.CFunction.Container))
		for k, val := range cell.CFunction.Container {
			ncell.CFunction.Container[k] = val
		}
		return ncell.Value()
	}
	return v
}

// DeepCopyValue copies objects and arrays recursively. Cyclic graphs are
// the caller's problem, as they are in every deep copy.
func (vm *VM) DeepCopyValue(v VALUE) VALUE {
	if !v.IsPointer() {
		return v
	}
	mc := vm.NewManagedContext()
	defer mc.Release()
	mc.Track(v)

	cell := v.Cell()
	switch cell.Type() {
	case TypeArray:
		nv := mc.CreateArray(len(cell.Array.Data))
		for _, entry := range cell.Array.Data {
			copied := vm.DeepCopyValue(entry)
			ncell := nv.Cell()
			ncell.Array.Data = append(ncell.Array.Data, copied)
		}
		return nv
	case TypeObject:
		nv := mc.CreateObject(len(cell.Object.Container))
		nv.Cell().Object.Klass = cell.Object.Klass
		for k, val := range cell.Object.Container {
			copied := vm.DeepCopyValue(val)
			nv.Cell().Object.Container[k] = copied
		}
		return nv
	}
	return vm.CopyValue(v)
}

// ---------------------------------------------------------------------------
// Primitive class installation
// ---------------------------------------------------------------------------

// SetPrimitiveValue installs the fallback primitive class.
func (vm *VM) SetPrimitiveValue(klass VALUE) { vm.primitiveValue = klass }

// SetPrimitiveObject installs the primitive class for objects.
func (vm *VM) SetPrimitiveObject(klass VALUE) { vm.primitiveObject = klass }

// SetPrimitiveClass installs the primitive class for classes.
func (vm *VM) SetPrimitiveClass(klass VALUE) { vm.primitiveClass = klass }

// SetPrimitiveArray installs the primitive class for arrays.
func (vm *VM) SetPrimitiveArray(klass VALUE) { vm.primitiveArray = klass }

// SetPrimitiveString installs the primitive class for strings.
func (vm *VM) SetPrimitiveString(klass VALUE) { vm.primitiveString = klass }

// SetPrimitiveNumber installs the primitive class for numeric values.
func (vm *VM) SetPrimitiveNumber(klass VALUE) { vm.primitiveNumber = klass }

// SetPrimitiveFunction installs the primitive class for functions.
func (vm *VM) SetPrimitiveFunction(klass VALUE) { vm.primitiveFunction = klass }

// SetPrimitiveGenerator installs the primitive class for generators.
func (vm *VM) SetPrimitiveGenerator(klass VALUE) { vm.primitiveGenerator = klass }

// SetPrimitiveBoolean installs the primitive class for booleans.
func (vm *VM) SetPrimitiveBoolean(klass VALUE) { vm.primitiveBoolean = klass }

// SetPrimitiveNull installs the primitive class for null.
func (vm *VM) SetPrimitiveNull(klass VALUE) { vm.primitiveNull = klass }

// ---------------------------------------------------------------------------
// Execution entry points
// ---------------------------------------------------------------------------

// RegisterModule wraps a compiled instruction block into a module function
// whose lexical parent is the top environment frame.
func (vm *VM) RegisterModule(block *MemoryCell, lvarcount uint32) VALUE {
	mc := vm.NewManagedContext()
	defer mc.Release()
	mc.Track(block.Value())

	saved := vm.frames
	vm.frames = vm.topFrame
	name := SymbolFromName(vm.ctx.Symtable, "main")
	fn := vm.CreateFunction(name, Address{Block: block}, 0, lvarcount, false, false)
	vm.frames = saved
	return fn
}

// ExecModule runs a module function to completion and returns its result.
// An uncaught throw during module execution marks the run failed.
func (vm *VM) ExecModule(fn VALUE) VALUE {
	result := vm.callAndRun(fn, nil, Null)
	if vm.uncaught {
		vm.uncaught = false
		vm.halted = false
		vm.statusCode = 1
		return Null
	}
	return result
}

// ExecFunction invokes a function with a single argument in a fresh
// top-level call and runs it to completion. An uncaught throw aborts this
// call only; the machine stays usable for the next one.
func (vm *VM) ExecFunction(fn VALUE, argument VALUE) VALUE {
	result := vm.callAndRun(fn, []VALUE{argument}, Null)
	if vm.uncaught {
		vm.uncaught = false
		vm.halted = false
		return Null
	}
	return result
}

// callAndRun pushes a halting frame for fn, drives the machine until that
// frame returns and pops the result. It restores the machine state it found,
// so it nests: class constructors and scheduler tasks use it too.
func (vm *VM) callAndRun(fn VALUE, argv []VALUE, self VALUE) VALUE {
	savedHalted := vm.halted
	savedIP := vm.ip
	savedFrames := vm.frames
	savedDepth := vm.frameDepth
	stackBase := len(vm.stack)
	seq := vm.throwSeq

	vm.halted = false
	vm.callDynamic(fn, argv, self, true)

	if vm.throwSeq != seq {
		// The call threw before entering a frame (uncallable value, native
		// throw). The unwind already ran in the caller's context; an
		// uncaught throw leaves the machine halted for the levels above.
		if !vm.uncaught {
			vm.halted = savedHalted
		}
		return Null
	}

	if vm.frames == savedFrames {
		// Native or class call completed inline; its result is on the stack.
		vm.halted = savedHalted
		vm.ip = savedIP
		if len(vm.stack) > stackBase {
			return vm.popStack()
		}
		return Null
	}

	vm.run()

	if vm.uncaught {
		// Leave halted set so enclosing callAndRun levels abort as well;
		// the task boundary cleans up.
		vm.ip = savedIP
		vm.frames = savedFrames
		vm.frameDepth = savedDepth
		if len(vm.stack) > stackBase {
			vm.stack = vm.stack[:stackBase]
		}
		return Null
	}

	vm.halted = savedHalted
	if vm.hasPendingThrow {
		// The unwind crossed our halt boundary; continue it in the caller's
		// frame context.
		payload := vm.pendingThrow
		vm.hasPendingThrow = false
		vm.pendingThrow = Null
		vm.throwValue(payload)
		return Null
	}

	vm.ip = savedIP
	if len(vm.stack) <= stackBase {
		return Null
	}
	return vm.popStack()
}

// Exit stops the runtime with a status code. Subsequent main-loop
// iterations observe running == false and terminate.
func (vm *VM) Exit(status uint8) {
	vm.statusCode = status
	vm.running = false
	vm.halted = true
}

// StatusCode returns the recorded exit status.
func (vm *VM) StatusCode() uint8 {
	return vm.statusCode
}
