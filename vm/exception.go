package vm

import (
	"fmt"
	"io"
)

// ThrowMessage raises a user-level exception carrying a message string.
// Native code uses this to convert errors into catchable throws.
func (vm *VM) ThrowMessage(message string) {
	payload := vm.CreateString([]byte(message))
	vm.throwValue(payload)
}

// ThrowException raises an arbitrary payload, exactly like the throw
// instruction.
func (vm *VM) ThrowException(payload VALUE) {
	vm.throwValue(payload)
}

// LastException returns the most recently thrown value.
func (vm *VM) LastException() VALUE {
	return vm.lastException
}

// throwValue unwinds to the nearest catch table: the operand stack is
// truncated to the depth captured at registration, frames are popped until
// the table's frame is current, the instruction pointer jumps to the
// handler and the payload is pushed for the handler to consume.
//
// Unwinding never leaves the current halting boundary: crossing a frame
// with halt-after-return suspends the unwind and hands the payload back to
// the nesting callAndRun, which resumes it in the caller's context.
func (vm *VM) throwValue(payload VALUE) {
	vm.lastException = payload
	vm.throwSeq++

	table := vm.catchstack
	if table == nil {
		vm.uncaughtException(payload)
		return
	}
	t := &table.CatchTable

	if vm.ctx.Flags.TraceCatchtables {
		vm.log.Debugf("throwing to handler %04d, truncating stack to %d", t.Address.Offset, t.Stacksize)
	}

	if len(vm.stack) > t.Stacksize {
		vm.stack = vm.stack[:t.Stacksize]
	}

	for vm.frames != t.Frame {
		if vm.frames == nil {
			vm.uncaughtException(payload)
			return
		}
		if vm.frames.Frame.HaltAfterReturn {
			vm.pendingThrow = payload
			vm.hasPendingThrow = true
			vm.popFrame()
			return
		}
		vm.discardFrame()
	}

	vm.ip = t.Address
	vm.pushStack(payload)
	vm.popCatchTable()
}

// uncaughtException surfaces a throw that fell off the catch stack: the
// frame stacktrace and the catch-stack trace go to the error stream and the
// current task is aborted.
func (vm *VM) uncaughtException(payload VALUE) {
	fmt.Fprint(vm.ctx.Err, "uncaught exception: ")
	vm.PrettyPrint(vm.ctx.Err, payload)
	fmt.Fprintln(vm.ctx.Err)
	vm.Stacktrace(vm.ctx.Err)
	vm.CatchStacktrace(vm.ctx.Err)

	vm.uncaught = true
	vm.halted = true
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// Stacktrace writes the active frame chain, innermost first.
func (vm *VM) Stacktrace(w io.Writer) {
	depth := 0
	for frame := vm.frames; frame != nil; frame = frame.Frame.Parent {
		fmt.Fprintf(w, "%2d: %s\n", depth, vm.describeFrame(frame))
		depth++
	}
}

// CatchStacktrace writes the active catch tables, innermost first.
func (vm *VM) CatchStacktrace(w io.Writer) {
	depth := 0
	for table := vm.catchstack; table != nil; table = table.CatchTable.Parent {
		fmt.Fprintf(w, "%2d: handler %04d, stacksize %d\n", depth, table.CatchTable.Address.Offset, table.CatchTable.Stacksize)
		depth++
	}
}

// StackDump writes the operand stack, topmost first.
func (vm *VM) StackDump(w io.Writer) {
	for i := len(vm.stack) - 1; i >= 0; i-- {
		vm.PrettyPrint(w, vm.stack[i])
		fmt.Fprintln(w)
	}
}

// StacktraceArray exposes the stacktrace to user code as an array of
// strings.
func (vm *VM) StacktraceArray() VALUE {
	mc := vm.NewManagedContext()
	defer mc.Release()

	arr := mc.CreateArray(8)
	for frame := vm.frames; frame != nil; frame = frame.Frame.Parent {
		line := mc.CreateString(vm.describeFrame(frame))
		arr.Cell().Array.Data = append(arr.Cell().Array.Data, line)
	}
	return arr
}

// describeFrame renders a frame for traces.
func (vm *VM) describeFrame(frame *MemoryCell) string {
	name := "<module>"
	if fn := frame.Frame.Function; fn != nil {
		if decoded, ok := vm.ctx.Symtable.Decode(uint64(fn.Function.Name)); ok {
			name = decoded
		} else {
			name = "<anonymous>"
		}
	}
	if vm.ctx.Flags.VerboseAddresses {
		return fmt.Sprintf("%s (%p, return %04d)", name, frame, frame.Frame.ReturnAddress.Offset)
	}
	return name
}
