package vm

import (
	"encoding/binary"
	"time"
)

// run drives the fetch-decode-execute loop until the machine halts. Halting
// happens through the halt instruction, a halt-after-return frame or an
// aborted task.
func (vm *VM) run() {
	for !vm.halted {
		vm.cycle()
	}
}

// cycle executes exactly one instruction.
func (vm *VM) cycle() {
	if !vm.ip.Valid() {
		vm.halted = true
		return
	}

	data := vm.ip.Block.Block.Data
	base := vm.ip.Offset
	if base >= len(data) {
		// Falling off the end of a block is an implicit `return null`.
		if vm.frames != nil {
			vm.pushStack(Null)
			vm.executeReturn()
		} else {
			vm.halted = true
		}
		return
	}

	op := Opcode(data[base])
	length := op.Length()
	if base+length > len(data) {
		vm.fatal("truncated instruction %s at offset %d", op, base)
	}
	operands := data[base+1 : base+length]

	if vm.ctx.Flags.TraceOpcodes {
		if vm.ctx.Flags.VerboseAddresses {
			vm.log.Debugf("%p:%04d %s", vm.ip.Block, base, op)
		} else {
			vm.log.Debugf("%04d %s", base, op)
		}
	}

	var started time.Time
	if vm.profile != nil {
		started = time.Now()
	}

	// The instruction pointer moves past the instruction before execution;
	// calls capture it as the return address, branches overwrite it.
	vm.ip.Offset = base + length
	vm.execute(op, operands, base)

	if vm.profile != nil {
		vm.profile.Add(op, time.Since(started))
	}
}

func readU32(operands []byte, at int) uint32 {
	return binary.LittleEndian.Uint32(operands[at:])
}

func readI32(operands []byte, at int) int32 {
	return int32(binary.LittleEndian.Uint32(operands[at:]))
}

func readU64(operands []byte, at int) uint64 {
	return binary.LittleEndian.Uint64(operands[at:])
}

// pushUnlessThrown pushes a result only if the producing operation did not
// throw. After a throw the operand stack belongs to the handler.
func (vm *VM) pushUnlessThrown(seq uint64, v VALUE) {
	if vm.throwSeq == seq {
		vm.pushStack(v)
	}
}

// branchTo moves the instruction pointer relative to the current
// instruction's first byte.
func (vm *VM) branchTo(instructionBase int, offset int32) {
	vm.ip.Offset = instructionBase + int(offset)
}

// execute dispatches one decoded instruction.
func (vm *VM) execute(op Opcode, operands []byte, base int) {
	switch op {
	case OpNop:

	// --- Locals and members ---
	case OpReadLocal:
		index, level := readU32(operands, 0), readU32(operands, 4)
		if v, ok := vm.readLocal(index, level); ok {
			vm.pushStack(v)
		} else {
			vm.ThrowMessage("invalid local index")
		}

	case OpSetLocal:
		index, level := readU32(operands, 0), readU32(operands, 4)
		value := vm.popStack()
		if !vm.writeLocal(index, level, value) {
			vm.ThrowMessage("invalid local index")
		}

	case OpSetLocalPush:
		index, level := readU32(operands, 0), readU32(operands, 4)
		value := vm.peekStack()
		if !vm.writeLocal(index, level, value) {
			vm.popStack()
			vm.ThrowMessage("invalid local index")
		}

	case OpReadMemberSymbol:
		symbol := VALUE(readU64(operands, 0))
		source := vm.popStack()
		vm.pushStack(vm.ReadMemberSymbol(source, symbol))

	case OpSetMemberSymbol, OpSetMemberSymbolPush:
		symbol := VALUE(readU64(operands, 0))
		value := vm.popStack()
		target := vm.popStack()
		seq := vm.throwSeq
		result := vm.SetMemberSymbol(target, symbol, value)
		if op == OpSetMemberSymbolPush {
			vm.pushUnlessThrown(seq, result)
		}

	case OpReadMemberValue:
		key := vm.popStack()
		source := vm.popStack()
		vm.pushStack(vm.ReadMemberValue(source, key))

	case OpSetMemberValue, OpSetMemberValuePush:
		value := vm.popStack()
		key := vm.popStack()
		target := vm.popStack()
		seq := vm.throwSeq
		result := vm.SetMemberValue(target, key, value)
		if op == OpSetMemberValuePush {
			vm.pushUnlessThrown(seq, result)
		}

	case OpReadArrayIndex:
		index := readU32(operands, 0)
		source := vm.popStack()
		seq := vm.throwSeq
		vm.pushUnlessThrown(seq, vm.ReadArrayIndex(source, index))

	case OpSetArrayIndex, OpSetArrayIndexPush:
		index := readU32(operands, 0)
		value := vm.popStack()
		target := vm.popStack()
		seq := vm.throwSeq
		result := vm.SetArrayIndex(target, index, value)
		if op == OpSetArrayIndexPush {
			vm.pushUnlessThrown(seq, result)
		}

	// --- Value creation ---
	case OpPutSelf:
		vm.pushStack(vm.selfAt(readU32(operands, 0)))

	case OpPutValue:
		value := VALUE(readU64(operands, 0))
		if value.IsPointer() {
			vm.fatal("putvalue with pointer payload at offset %d", base)
		}
		vm.pushStack(value)

	case OpPutString:
		index := readU32(operands, 0)
		constants := vm.ip.Block.Block.Constants
		if int(index) >= len(constants) {
			vm.fatal("putstring constant index %d out of bounds", index)
		}
		vm.pushStack(constants[index])

	case OpPutFunction:
		name := VALUE(readU64(operands, 0))
		bodyOffset := readI32(operands, 8)
		argc := readU32(operands, 12)
		lvarcount := readU32(operands, 16)
		flags := operands[20]
		body := Address{Block: vm.ip.Block, Offset: base + int(bodyOffset)}
		fn := vm.CreateFunction(name, body, argc, lvarcount,
			flags&funcFlagAnonymous != 0, flags&funcFlagNeedsArguments != 0)
		vm.pushStack(fn)

	case OpPutCFunction:
		name := VALUE(readU64(operands, 0))
		if internal, ok := vm.internals[name]; ok {
			vm.pushStack(internal)
		} else {
			vm.ThrowMessage("unknown internal method")
		}

	case OpPutGenerator:
		name := VALUE(readU64(operands, 0))
		resumeOffset := readI32(operands, 8)
		fn := vm.peekStack()
		if typeOf(fn) != TypeFunction {
			vm.popStack()
			vm.ThrowMessage("putgenerator expects a function")
			return
		}
		resume := Address{Block: vm.ip.Block, Offset: base + int(resumeOffset)}
		gen := vm.CreateGenerator(name, fn, resume)
		vm.popStack()
		vm.pushStack(gen)

	case OpPutArray:
		// Allocate while the elements are still rooted on the stack.
		count := int(readU32(operands, 0))
		arr := vm.CreateArray(count)
		elements := vm.popN(count)
		arr.Cell().Array.Data = append(arr.Cell().Array.Data, elements...)
		vm.pushStack(arr)

	case OpPutHash:
		count := int(readU32(operands, 0))
		obj := vm.CreateObject(count)
		pairs := vm.popN(count * 2)
		container := obj.Cell().Object.Container
		for i := 0; i < count; i++ {
			key := vm.symbolizeKey(pairs[i*2])
			container[key] = pairs[i*2+1]
		}
		vm.pushStack(obj)

	case OpPutClass:
		vm.executePutClass(operands)

	// --- Stack shuffles ---
	case OpPop:
		vm.popStack()

	case OpDup:
		vm.pushStack(vm.peekStack())

	case OpDupN:
		count := int(readU32(operands, 0))
		values := vm.popN(count)
		vm.stack = append(vm.stack, values...)
		vm.stack = append(vm.stack, values...)

	case OpSwap:
		a := vm.popStack()
		b := vm.popStack()
		vm.pushStack(a)
		vm.pushStack(b)

	// --- Calls and control transfer ---
	case OpCall:
		vm.call(int(readU32(operands, 0)), false)

	case OpCallMember:
		vm.call(int(readU32(operands, 0)), true)

	case OpReturn:
		vm.executeReturn()

	case OpYield:
		vm.executeYield()

	case OpThrow:
		vm.throwValue(vm.popStack())

	// --- Catch stack ---
	case OpRegisterCatchTable:
		offset := readI32(operands, 0)
		vm.createCatchTable(Address{Block: vm.ip.Block, Offset: base + int(offset)})

	case OpPopCatchTable:
		vm.popCatchTable()

	// --- Branches ---
	case OpBranch:
		vm.branchTo(base, readI32(operands, 0))

	case OpBranchIf:
		if Truthyness(vm.popStack()) {
			vm.branchTo(base, readI32(operands, 0))
		}

	case OpBranchUnless:
		if !Truthyness(vm.popStack()) {
			vm.branchTo(base, readI32(operands, 0))
		}

	case OpBranchLt, OpBranchGt, OpBranchLe, OpBranchGe, OpBranchEq, OpBranchNeq:
		right := vm.popStack()
		left := vm.popStack()
		var cond VALUE
		switch op {
		case OpBranchLt:
			cond = vm.Lt(left, right)
		case OpBranchGt:
			cond = vm.Gt(left, right)
		case OpBranchLe:
			cond = vm.Le(left, right)
		case OpBranchGe:
			cond = vm.Ge(left, right)
		case OpBranchEq:
			cond = vm.Eq(left, right)
		default:
			cond = vm.Neq(left, right)
		}
		if Truthyness(cond) {
			vm.branchTo(base, readI32(operands, 0))
		}

	// --- Operators ---
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow,
		OpEq, OpNeq, OpLt, OpGt, OpLe, OpGe,
		OpShl, OpShr, OpBAnd, OpBOr, OpBXor:
		right := vm.popStack()
		left := vm.popStack()
		vm.pushStack(vm.binaryOp(op, left, right))

	case OpUAdd:
		vm.pushStack(vm.UAdd(vm.popStack()))
	case OpUSub:
		vm.pushStack(vm.USub(vm.popStack()))
	case OpUNot:
		vm.pushStack(vm.UNot(vm.popStack()))
	case OpUBNot:
		vm.pushStack(vm.UBNot(vm.popStack()))

	// --- Misc ---
	case OpTypeof:
		value := vm.popStack()
		vm.pushStack(vm.CreateString([]byte(vm.typeOfName(value))))

	case OpHalt:
		vm.halted = true

	default:
		vm.fatal("unknown opcode %02X at offset %d", byte(op), base)
	}
}

// binaryOp dispatches the two-operand operators.
func (vm *VM) binaryOp(op Opcode, left, right VALUE) VALUE {
	switch op {
	case OpAdd:
		return vm.Add(left, right)
	case OpSub:
		return vm.Sub(left, right)
	case OpMul:
		return vm.Mul(left, right)
	case OpDiv:
		return vm.Div(left, right)
	case OpMod:
		return vm.Mod(left, right)
	case OpPow:
		return vm.Pow(left, right)
	case OpEq:
		return vm.Eq(left, right)
	case OpNeq:
		return vm.Neq(left, right)
	case OpLt:
		return vm.Lt(left, right)
	case OpGt:
		return vm.Gt(left, right)
	case OpLe:
		return vm.Le(left, right)
	case OpGe:
		return vm.Ge(left, right)
	case OpShl:
		return vm.Shl(left, right)
	case OpShr:
		return vm.Shr(left, right)
	case OpBAnd:
		return vm.BAnd(left, right)
	case OpBOr:
		return vm.BOr(left, right)
	default:
		return vm.BXor(left, right)
	}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call implements the call and callmember instructions. The caller pushed
// the callee and then argc arguments; callmember additionally pushed the
// receiver below the callee.
func (vm *VM) call(argc int, withTarget bool) {
	args := vm.popN(argc)
	callee := vm.popStack()
	self := Null
	if withTarget {
		self = vm.popStack()
	}
	vm.callDynamic(callee, args, self, false)
}

// callDynamic invokes any callable value. The callee, receiver and
// arguments live in Go locals here, so they are held as temporary roots
// until they reach a rooted location (frame environment, operand stack).
func (vm *VM) callDynamic(callee VALUE, args []VALUE, self VALUE, haltAfterReturn bool) {
	mc := vm.NewManagedContext()
	defer mc.Release()
	mc.Track(callee)
	mc.Track(self)
	for _, arg := range args {
		mc.Track(arg)
	}

	if !callee.IsPointer() {
		vm.ThrowMessage("value of type " + vm.typeOfName(callee) + " is not callable")
		return
	}
	cell := callee.Cell()
	switch cell.Type() {
	case TypeFunction:
		vm.callFunction(cell, args, self, haltAfterReturn)
	case TypeCFunction:
		vm.callCFunction(cell, args)
	case TypeClass:
		vm.callClass(cell, args)
	case TypeGenerator:
		vm.callGenerator(cell, args, haltAfterReturn)
	default:
		vm.ThrowMessage("value of type " + vm.typeOfName(callee) + " is not callable")
	}
}

// callFunction enters a bytecode function: new frame, arguments copied into
// the leading local slots, missing arguments defaulted to null, extra
// arguments discarded.
func (vm *VM) callFunction(fcell *MemoryCell, args []VALUE, self VALUE, haltAfterReturn bool) {
	fn := &fcell.Function
	if fn.BoundSelfSet {
		self = fn.BoundSelf
	}

	frame := vm.createFrame(self, fcell, vm.ip, haltAfterReturn)
	environment := frame.Frame.Environment

	argCopy := len(args)
	if argCopy > int(fn.ArgC) {
		argCopy = int(fn.ArgC)
	}
	if argCopy > len(environment) {
		argCopy = len(environment)
	}
	copy(environment, args[:argCopy])

	// The arguments array is built from the already-rooted environment so
	// its allocation cannot race a collection.
	if fn.NeedsArguments && int(fn.ArgC) < len(environment) {
		arr := vm.CreateArray(argCopy)
		arr.Cell().Array.Data = append(arr.Cell().Array.Data, environment[:argCopy]...)
		environment[fn.ArgC] = arr
	}

	vm.ip = fn.Body
}

// callCFunction invokes a native function on the main thread. Arguments
// are padded with null up to the declared arity; a throw from inside the
// native suppresses the result push.
func (vm *VM) callCFunction(fcell *MemoryCell, args []VALUE) {
	cf := &fcell.CFunction
	argv := make([]VALUE, cf.ArgC)
	for i := range argv {
		if i < len(args) {
			argv[i] = args[i]
		} else {
			argv[i] = Null
		}
	}

	seq := vm.throwSeq
	result := cf.Fn(vm, argv)
	vm.pushUnlessThrown(seq, result)
}

// callClass instantiates a class: allocate the object, initialize member
// properties along the class chain parents-first, then run constructors
// from the root class down.
func (vm *VM) callClass(kcell *MemoryCell, args []VALUE) {
	mc := vm.NewManagedContext()
	defer mc.Release()

	objv := mc.CreateObject(4)
	objv.Cell().Object.Klass = kcell.Value()

	chain := vm.classChain(kcell.Value())
	for _, klass := range chain {
		for _, property := range klass.Cell().Class.MemberProperties {
			objv.Cell().Object.Container[property] = Null
		}
	}

	seq := vm.throwSeq
	for _, klass := range chain {
		constructor := klass.Cell().Class.Constructor
		if constructor == Null {
			continue
		}
		vm.callAndRun(constructor, args, objv)
		if vm.throwSeq != seq || vm.uncaught {
			return
		}
	}

	vm.pushStack(objv)
}

// classChain lists a class and its ancestors, root first.
func (vm *VM) classChain(klass VALUE) []VALUE {
	var chain []VALUE
	for klass.IsPointer() && klass.Cell().Type() == TypeClass {
		chain = append([]VALUE{klass}, chain...)
		klass = klass.Cell().Class.ParentClass
	}
	return chain
}

// callGenerator starts or resumes a generator. The generator owns one
// frame which is re-linked under the current caller at every entry; the
// operand-stack slice saved at the last yield is restored before resuming.
func (vm *VM) callGenerator(gcell *MemoryCell, args []VALUE, haltAfterReturn bool) {
	gen := &gcell.Generator

	if gen.Finished {
		vm.pushStack(Null)
		return
	}

	if !gen.Started {
		gen.Started = true
		fcell := gen.Function.Cell()
		fn := &fcell.Function

		frame := vm.createFrameRaw(Null, gen.ContextFrame, fn.LVarCount, vm.ip, haltAfterReturn)
		frame.Frame.Function = fcell
		frame.Frame.Generator = gcell
		gen.OwnFrame = frame

		environment := frame.Frame.Environment
		argCopy := len(args)
		if argCopy > int(fn.ArgC) {
			argCopy = int(fn.ArgC)
		}
		if argCopy > len(environment) {
			argCopy = len(environment)
		}
		copy(environment, args[:argCopy])

		gen.StackBase = len(vm.stack)
		vm.ip = gen.Resume
		return
	}

	if vm.frameDepth >= MaxFrameDepth {
		vm.fatal("frame depth exceeded %d frames", MaxFrameDepth)
	}
	frame := gen.OwnFrame
	frame.Frame.Parent = vm.frames
	frame.Frame.ReturnAddress = vm.ip
	frame.Frame.HaltAfterReturn = haltAfterReturn
	vm.frames = frame
	vm.frameDepth++

	gen.StackBase = len(vm.stack)
	vm.stack = append(vm.stack, gen.SavedStack...)
	gen.SavedStack = nil

	// The value passed into the resume becomes the result of the suspended
	// yield expression.
	if len(args) > 0 {
		vm.pushStack(args[0])
	} else {
		vm.pushStack(Null)
	}

	vm.ip = gen.Resume
}

// executeReturn pops the current frame. The return value stays on the
// operand stack. Returning from a generator frame finishes the generator.
func (vm *VM) executeReturn() {
	frame := vm.frames
	if frame == nil {
		vm.fatal("return with no active frame")
	}

	if gcell := frame.Frame.Generator; gcell != nil {
		gen := &gcell.Generator
		gen.Finished = true
		result := vm.popStack()
		if len(vm.stack) > gen.StackBase {
			vm.stack = vm.stack[:gen.StackBase]
		}
		vm.popFrame()
		vm.pushStack(result)
		return
	}

	vm.popFrame()
}

// executeYield suspends the current generator frame: the yielded value
// goes to the caller, the operand segment above the generator's stack base
// is saved for the next resume.
func (vm *VM) executeYield() {
	frame := vm.frames
	if frame == nil || frame.Frame.Generator == nil {
		vm.ThrowMessage("yield outside of a generator")
		return
	}
	gcell := frame.Frame.Generator
	gen := &gcell.Generator

	result := vm.popStack()

	if len(vm.stack) > gen.StackBase {
		saved := make([]VALUE, len(vm.stack)-gen.StackBase)
		copy(saved, vm.stack[gen.StackBase:])
		gen.SavedStack = saved
		vm.stack = vm.stack[:gen.StackBase]
	} else {
		gen.SavedStack = nil
	}
	gen.Resume = vm.ip

	vm.popFrame()
	vm.pushStack(result)
}

// executePutClass assembles a class from stack operands. The compiler
// pushes, in order: member property symbols, static property symbols,
// methods, static methods, the parent class (if any) and the constructor
// (if any); putclass pops them in reverse.
func (vm *VM) executePutClass(operands []byte) {
	name := VALUE(readU64(operands, 0))
	propertyCount := int(readU32(operands, 8))
	staticPropertyCount := int(readU32(operands, 12))
	methodCount := int(readU32(operands, 16))
	staticMethodCount := int(readU32(operands, 20))
	flags := operands[24]

	mc := vm.NewManagedContext()
	defer mc.Release()

	var constructor, parent VALUE = Null, Null
	if flags&classFlagHasConstructor != 0 {
		constructor = mc.Track(vm.popStack())
	}
	if flags&classFlagHasParent != 0 {
		parent = mc.Track(vm.popStack())
		if parent != Null && typeOf(parent) != TypeClass {
			vm.ThrowMessage("parent of class is not a class")
			return
		}
	}
	staticMethods := vm.popN(staticMethodCount)
	methods := vm.popN(methodCount)
	staticProperties := vm.popN(staticPropertyCount)
	properties := vm.popN(propertyCount)
	for _, values := range [][]VALUE{staticMethods, methods, staticProperties, properties} {
		for _, v := range values {
			mc.Track(v)
		}
	}

	klassv := mc.Track(vm.CreateClass(name))
	klass := &klassv.Cell().Class
	klass.Constructor = constructor
	klass.ParentClass = parent
	klass.MemberProperties = append(klass.MemberProperties, properties...)

	protov := mc.CreateObject(methodCount)
	klass.Prototype = protov
	for _, method := range methods {
		klass.Prototype.Cell().Object.Container[vm.callableName(method)] = method
	}
	for _, method := range staticMethods {
		klass.Container[vm.callableName(method)] = method
	}
	for _, property := range staticProperties {
		klass.Container[property] = Null
	}

	vm.pushStack(klassv)
}

// callableName extracts the name symbol of a function or cfunction.
func (vm *VM) callableName(v VALUE) VALUE {
	if v.IsPointer() {
		switch cell := v.Cell(); cell.Type() {
		case TypeFunction:
			return cell.Function.Name
		case TypeCFunction:
			return cell.CFunction.Name
		}
	}
	return Null
}
