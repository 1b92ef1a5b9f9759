package vm

import (
	"fmt"
	"time"
)

// RegisterInternal registers a native method under a name. The resulting
// cfunction value is rooted by the registry and reachable from bytecode
// through putcfunction or the get_method internal.
func (vm *VM) RegisterInternal(name string, argc uint32, fn CFunc) VALUE {
	symbol := SymbolFromName(vm.ctx.Symtable, name)
	cfunc := vm.CreateCFunction(symbol, argc, fn)
	vm.internals[symbol] = cfunc
	return cfunc
}

// LookupInternal resolves a registered native method by name.
func (vm *VM) LookupInternal(name string) (VALUE, bool) {
	v, ok := vm.internals[SymbolFromName(vm.ctx.Symtable, name)]
	return v, ok
}

// registerDefaultInternals installs the machine-provided internal methods.
// The stdlib registers its own on top of these.
func (vm *VM) registerDefaultInternals() {
	vm.RegisterInternal("write", 1, internalWrite)
	vm.RegisterInternal("getn", 0, internalGetn)
	vm.RegisterInternal("get_method", 1, internalGetMethod)
	vm.RegisterInternal("exit", 1, internalExit)
	vm.RegisterInternal("stacktrace", 0, internalStacktrace)

	vm.RegisterInternal("timer", 2, internalTimer)
	vm.RegisterInternal("interval", 2, internalInterval)
	vm.RegisterInternal("clear_timer", 1, internalClearTimer)
	vm.RegisterInternal("clear_interval", 1, internalClearInterval)

	vm.RegisterInternal("set_primitive_value", 1, primitiveSetter((*VM).SetPrimitiveValue))
	vm.RegisterInternal("set_primitive_object", 1, primitiveSetter((*VM).SetPrimitiveObject))
	vm.RegisterInternal("set_primitive_class", 1, primitiveSetter((*VM).SetPrimitiveClass))
	vm.RegisterInternal("set_primitive_array", 1, primitiveSetter((*VM).SetPrimitiveArray))
	vm.RegisterInternal("set_primitive_string", 1, primitiveSetter((*VM).SetPrimitiveString))
	vm.RegisterInternal("set_primitive_number", 1, primitiveSetter((*VM).SetPrimitiveNumber))
	vm.RegisterInternal("set_primitive_function", 1, primitiveSetter((*VM).SetPrimitiveFunction))
	vm.RegisterInternal("set_primitive_generator", 1, primitiveSetter((*VM).SetPrimitiveGenerator))
	vm.RegisterInternal("set_primitive_boolean", 1, primitiveSetter((*VM).SetPrimitiveBoolean))
	vm.RegisterInternal("set_primitive_null", 1, primitiveSetter((*VM).SetPrimitiveNull))
}

// primitiveSetter adapts a primitive-class installer to the native call
// convention. The class is returned so installations chain.
func primitiveSetter(set func(*VM, VALUE)) CFunc {
	return func(vm *VM, argv []VALUE) VALUE {
		set(vm, argv[0])
		return argv[0]
	}
}

// ---------------------------------------------------------------------------
// Default internals
// ---------------------------------------------------------------------------

func internalWrite(vm *VM, argv []VALUE) VALUE {
	vm.writeString(vm.ctx.Out, argv[0])
	return Null
}

func internalGetn(vm *VM, argv []VALUE) VALUE {
	var n float64
	if _, err := fmt.Fscan(vm.ctx.In, &n); err != nil {
		vm.ThrowMessage("getn: " + err.Error())
		return Null
	}
	return vm.CreateFloat(n)
}

func internalGetMethod(vm *VM, argv []VALUE) VALUE {
	if !isStringValue(argv[0]) {
		vm.ThrowMessage("get_method expects a string")
		return Null
	}
	name := string(argv[0].Cell().StringData())
	if method, ok := vm.LookupInternal(name); ok {
		return method
	}
	return Null
}

func internalExit(vm *VM, argv []VALUE) VALUE {
	status := uint8(0)
	if argv[0].IsInteger() {
		status = uint8(argv[0].DecodeInteger())
	}
	vm.Exit(status)
	return Null
}

func internalStacktrace(vm *VM, argv []VALUE) VALUE {
	return vm.StacktraceArray()
}

// internalTimer schedules argv[0] to run after argv[1] milliseconds.
func internalTimer(vm *VM, argv []VALUE) VALUE {
	if !argv[1].IsNumeric() {
		vm.ThrowMessage("timer expects a numeric delay")
		return Null
	}
	delay := time.Duration(argv[1].NumericValue() * float64(time.Millisecond))
	id := vm.RegisterTimer(time.Now().Add(delay), VMTask{Fn: argv[0], Argument: Null})
	return EncodeInteger(int64(id))
}

// internalInterval schedules argv[0] to run every argv[1] milliseconds.
func internalInterval(vm *VM, argv []VALUE) VALUE {
	if !argv[1].IsNumeric() {
		vm.ThrowMessage("interval expects a numeric period")
		return Null
	}
	period := time.Duration(argv[1].NumericValue() * float64(time.Millisecond))
	id := vm.RegisterInterval(period, VMTask{Fn: argv[0], Argument: Null})
	return EncodeInteger(int64(id))
}

func internalClearTimer(vm *VM, argv []VALUE) VALUE {
	if argv[0].IsInteger() {
		vm.ClearTimer(uint64(argv[0].DecodeInteger()))
	}
	return Null
}

func internalClearInterval(vm *VM, argv []VALUE) VALUE {
	if argv[0].IsInteger() {
		vm.ClearInterval(uint64(argv[0].DecodeInteger()))
	}
	return Null
}
