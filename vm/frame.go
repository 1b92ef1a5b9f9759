package vm

// createFrame builds an activation record for a bytecode function and
// installs it as the current frame. The lexical parent is the function's
// captured context.
func (vm *VM) createFrame(self VALUE, function *MemoryCell, returnAddress Address, haltAfterReturn bool) *MemoryCell {
	fn := &function.Function
	frame := vm.createFrameRaw(self, fn.Context, fn.LVarCount, returnAddress, haltAfterReturn)
	frame.Frame.Function = function
	return frame
}

// createFrameRaw builds a frame with an explicit lexical parent and local
// count. Used for the top frame and generator activations.
func (vm *VM) createFrameRaw(self VALUE, parentEnvironment *MemoryCell, lvarcount uint32, returnAddress Address, haltAfterReturn bool) *MemoryCell {
	if vm.frameDepth >= MaxFrameDepth {
		vm.fatal("frame depth exceeded %d frames", MaxFrameDepth)
	}

	cell := vm.gc.Allocate()
	cell.SetType(TypeFrame)
	environment := make([]VALUE, lvarcount)
	for i := range environment {
		environment[i] = Null
	}
	cell.Frame = Frame{
		Parent:            vm.frames,
		ParentEnvironment: parentEnvironment,
		Environment:       environment,
		Self:              self,
		ReturnAddress:     returnAddress,
		HaltAfterReturn:   haltAfterReturn,
	}

	vm.frames = cell
	vm.frameDepth++

	if vm.ctx.Flags.TraceFrames {
		vm.log.Debugf("entering frame %s", vm.describeFrame(cell))
	}
	return cell
}

// popFrame removes the current frame, restores the caller's instruction
// pointer and honors the halt-after-return flag.
func (vm *VM) popFrame() *MemoryCell {
	frame := vm.frames
	if frame == nil {
		vm.fatal("frame stack underflow")
	}
	if vm.ctx.Flags.TraceFrames {
		vm.log.Debugf("leaving frame %s", vm.describeFrame(frame))
	}
	vm.frames = frame.Frame.Parent
	vm.frameDepth--
	vm.ip = frame.Frame.ReturnAddress
	if frame.Frame.HaltAfterReturn {
		vm.halted = true
	}
	return frame
}

// discardFrame removes the current frame without touching the instruction
// pointer. Exception unwinding uses this while searching for the handler
// frame.
func (vm *VM) discardFrame() *MemoryCell {
	frame := vm.frames
	if frame == nil {
		vm.fatal("frame stack underflow")
	}
	vm.frames = frame.Frame.Parent
	vm.frameDepth--
	return frame
}

// environmentAt walks the lexical-parent chain level steps up from the
// current frame.
func (vm *VM) environmentAt(level uint32) *MemoryCell {
	frame := vm.frames
	for frame != nil && level > 0 {
		frame = frame.Frame.ParentEnvironment
		level--
	}
	return frame
}

// readLocal reads local slot index at the given lexical level.
func (vm *VM) readLocal(index, level uint32) (VALUE, bool) {
	frame := vm.environmentAt(level)
	if frame == nil || int(index) >= len(frame.Frame.Environment) {
		return Null, false
	}
	return frame.Frame.Environment[index], true
}

// writeLocal writes local slot index at the given lexical level.
func (vm *VM) writeLocal(index, level uint32, v VALUE) bool {
	frame := vm.environmentAt(level)
	if frame == nil || int(index) >= len(frame.Frame.Environment) {
		return false
	}
	frame.Frame.Environment[index] = v
	return true
}

// selfAt returns the self value at the given lexical level.
func (vm *VM) selfAt(level uint32) VALUE {
	frame := vm.environmentAt(level)
	if frame == nil {
		return Null
	}
	return frame.Frame.Self
}

// ---------------------------------------------------------------------------
// Catch stack
// ---------------------------------------------------------------------------

// createCatchTable pushes a handler record capturing the current frame and
// operand-stack depth.
func (vm *VM) createCatchTable(address Address) *MemoryCell {
	cell := vm.gc.Allocate()
	cell.SetType(TypeCatchTable)
	cell.CatchTable = CatchTable{
		Address:   address,
		Stacksize: len(vm.stack),
		Frame:     vm.frames,
		Parent:    vm.catchstack,
	}
	vm.catchstack = cell
	if vm.frames != nil {
		vm.frames.Frame.LastActiveCatchtable = cell
	}
	if vm.ctx.Flags.TraceCatchtables {
		vm.log.Debugf("registered catchtable, handler %04d, stacksize %d", address.Offset, cell.CatchTable.Stacksize)
	}
	return cell
}

// popCatchTable removes the top handler record.
func (vm *VM) popCatchTable() *MemoryCell {
	table := vm.catchstack
	if table == nil {
		vm.fatal("catch stack underflow")
	}
	vm.catchstack = table.CatchTable.Parent
	if vm.frames != nil {
		vm.frames.Frame.LastActiveCatchtable = vm.catchstack
	}
	if vm.ctx.Flags.TraceCatchtables {
		vm.log.Debugf("popped catchtable, handler %04d", table.CatchTable.Address.Offset)
	}
	return table
}
