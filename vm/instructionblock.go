package vm

import (
	"encoding/binary"
	"fmt"
)

// Constant kinds embedded in a block artifact. Strings are materialized as
// heap cells at install time; raw constants are immediate VALUE words.
const (
	ConstRaw uint8 = iota
	ConstString
)

// ConstantArtifact is one entry of a block's constant pool in its
// serializable form.
type ConstantArtifact struct {
	Kind uint8  `cbor:"1,keyasint"`
	Raw  uint64 `cbor:"2,keyasint,omitempty"`
	Str  string `cbor:"3,keyasint,omitempty"`
}

// BlockArtifact is the serializable form of an instruction block: the byte
// buffer, the constant pool and the child blocks of nested functions.
type BlockArtifact struct {
	Data      []byte             `cbor:"1,keyasint"`
	Constants []ConstantArtifact `cbor:"2,keyasint,omitempty"`
	Children  []*BlockArtifact   `cbor:"3,keyasint,omitempty"`
}

// ProgramArtifact bundles a module's entry block with the metadata the VM
// needs to wrap it into a callable function.
type ProgramArtifact struct {
	Name      string         `cbor:"1,keyasint"`
	Block     *BlockArtifact `cbor:"2,keyasint"`
	LVarCount uint32         `cbor:"3,keyasint"`
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

// Label identifies a position in the instruction stream that may not be
// known yet when it is referenced.
type Label uint32

// unresolvedReference records an offset field that still needs patching.
// Offsets are relative to the first byte of the referencing instruction.
type unresolvedReference struct {
	label           Label
	targetOffset    int
	instructionBase int
}

// Assembler builds an instruction block, handling label resolution and
// compile-time offset calculation.
type Assembler struct {
	data      []byte
	constants []ConstantArtifact
	children  []*Assembler

	labels      map[Label]int
	unresolved  []unresolvedReference
	nextLabelID Label
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		data:   make([]byte, 0, 64),
		labels: make(map[Label]int),
	}
}

// Len returns the current length of the instruction stream.
func (a *Assembler) Len() int {
	return len(a.data)
}

// AddChild creates a nested block and returns its assembler.
func (a *Assembler) AddChild() *Assembler {
	child := NewAssembler()
	a.children = append(a.children, child)
	return child
}

// ReserveLabel creates a label that will be placed later.
func (a *Assembler) ReserveLabel() Label {
	id := a.nextLabelID
	a.nextLabelID++
	a.labels[id] = -1
	return id
}

// PlaceLabel resolves a reserved label to the current position.
func (a *Assembler) PlaceLabel(label Label) {
	a.labels[label] = len(a.data)
}

// PlaceNewLabel reserves a label and places it at the current position.
func (a *Assembler) PlaceNewLabel() Label {
	label := a.ReserveLabel()
	a.PlaceLabel(label)
	return label
}

// ResolveLabels patches every recorded reference. Call once after assembly;
// an unplaced label is an assembly error.
func (a *Assembler) ResolveLabels() error {
	for _, ref := range a.unresolved {
		target, ok := a.labels[ref.label]
		if !ok || target < 0 {
			return fmt.Errorf("assembler: unresolved label %d", ref.label)
		}
		offset := int32(target - ref.instructionBase)
		binary.LittleEndian.PutUint32(a.data[ref.targetOffset:], uint32(offset))
	}
	a.unresolved = a.unresolved[:0]
	return nil
}

// HasUnresolvedReferences reports whether any offset still needs patching.
func (a *Assembler) HasUnresolvedReferences() bool {
	return len(a.unresolved) > 0
}

// Artifact converts the assembled stream into its serializable form.
// ResolveLabels must have succeeded first.
func (a *Assembler) Artifact() *BlockArtifact {
	block := &BlockArtifact{
		Data:      append([]byte(nil), a.data...),
		Constants: append([]ConstantArtifact(nil), a.constants...),
	}
	for _, child := range a.children {
		block.Children = append(block.Children, child.Artifact())
	}
	return block
}

// ---------------------------------------------------------------------------
// Raw emission
// ---------------------------------------------------------------------------

func (a *Assembler) emit(op Opcode) int {
	base := len(a.data)
	a.data = append(a.data, byte(op))
	return base
}

func (a *Assembler) emitU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	a.data = append(a.data, buf[:]...)
}

func (a *Assembler) emitI32(v int32) {
	a.emitU32(uint32(v))
}

func (a *Assembler) emitU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	a.data = append(a.data, buf[:]...)
}

// emitLabelRef writes a 4-byte offset field referring to a label.
func (a *Assembler) emitLabelRef(label Label, instructionBase int) {
	if target, ok := a.labels[label]; ok && target >= 0 {
		a.emitI32(int32(target - instructionBase))
		return
	}
	a.unresolved = append(a.unresolved, unresolvedReference{
		label:           label,
		targetOffset:    len(a.data),
		instructionBase: instructionBase,
	})
	a.emitU32(0)
}

// ---------------------------------------------------------------------------
// Instruction writers
// ---------------------------------------------------------------------------

// WriteOp emits an operand-less instruction.
func (a *Assembler) WriteOp(op Opcode) {
	a.emit(op)
}

// WriteReadLocal emits readlocal(index, level).
func (a *Assembler) WriteReadLocal(index, level uint32) {
	a.emit(OpReadLocal)
	a.emitU32(index)
	a.emitU32(level)
}

// WriteSetLocal emits setlocal(index, level).
func (a *Assembler) WriteSetLocal(index, level uint32) {
	a.emit(OpSetLocal)
	a.emitU32(index)
	a.emitU32(level)
}

// WriteSetLocalPush emits setlocalpush(index, level).
func (a *Assembler) WriteSetLocalPush(index, level uint32) {
	a.emit(OpSetLocalPush)
	a.emitU32(index)
	a.emitU32(level)
}

// WriteReadMemberSymbol emits readmembersymbol(symbol).
func (a *Assembler) WriteReadMemberSymbol(symbol VALUE) {
	a.emit(OpReadMemberSymbol)
	a.emitU64(uint64(symbol))
}

// WriteSetMemberSymbol emits setmembersymbol(symbol).
func (a *Assembler) WriteSetMemberSymbol(symbol VALUE) {
	a.emit(OpSetMemberSymbol)
	a.emitU64(uint64(symbol))
}

// WriteSetMemberSymbolPush emits setmembersymbolpush(symbol).
func (a *Assembler) WriteSetMemberSymbolPush(symbol VALUE) {
	a.emit(OpSetMemberSymbolPush)
	a.emitU64(uint64(symbol))
}

// WriteReadArrayIndex emits readarrayindex(index).
func (a *Assembler) WriteReadArrayIndex(index uint32) {
	a.emit(OpReadArrayIndex)
	a.emitU32(index)
}

// WriteSetArrayIndex emits setarrayindex(index).
func (a *Assembler) WriteSetArrayIndex(index uint32) {
	a.emit(OpSetArrayIndex)
	a.emitU32(index)
}

// WriteSetArrayIndexPush emits setarrayindexpush(index).
func (a *Assembler) WriteSetArrayIndexPush(index uint32) {
	a.emit(OpSetArrayIndexPush)
	a.emitU32(index)
}

// WritePutSelf emits putself(level).
func (a *Assembler) WritePutSelf(level uint32) {
	a.emit(OpPutSelf)
	a.emitU32(level)
}

// WritePutValue emits putvalue with a raw immediate. Embedding a heap
// pointer here would be meaningless in a serialized artifact; only
// immediates belong in putvalue.
func (a *Assembler) WritePutValue(v VALUE) {
	a.emit(OpPutValue)
	a.emitU64(uint64(v))
}

// WritePutString emits putstring, adding the literal to the constant pool.
func (a *Assembler) WritePutString(s string) {
	idx := uint32(len(a.constants))
	a.constants = append(a.constants, ConstantArtifact{Kind: ConstString, Str: s})
	a.emit(OpPutString)
	a.emitU32(idx)
}

// Function flag bits in the putfunction payload.
const (
	funcFlagAnonymous      byte = 1 << 0
	funcFlagNeedsArguments byte = 1 << 1
)

// WritePutFunctionToLabel emits putfunction with its body offset referring
// to a label.
func (a *Assembler) WritePutFunctionToLabel(name VALUE, body Label, anonymous, needsArguments bool, argc, lvarcount uint32) {
	base := a.emit(OpPutFunction)
	a.emitU64(uint64(name))
	a.emitLabelRef(body, base)
	a.emitU32(argc)
	a.emitU32(lvarcount)
	var flags byte
	if anonymous {
		flags |= funcFlagAnonymous
	}
	if needsArguments {
		flags |= funcFlagNeedsArguments
	}
	a.data = append(a.data, flags)
}

// WritePutCFunction emits putcfunction. The VM resolves the symbol against
// its internal-method registry at execution time.
func (a *Assembler) WritePutCFunction(name VALUE, argc uint32) {
	a.emit(OpPutCFunction)
	a.emitU64(uint64(name))
	a.emitU32(argc)
}

// WritePutGeneratorToLabel emits putgenerator with its resume offset
// referring to a label.
func (a *Assembler) WritePutGeneratorToLabel(name VALUE, resume Label) {
	base := a.emit(OpPutGenerator)
	a.emitU64(uint64(name))
	a.emitLabelRef(resume, base)
}

// WritePutArray emits putarray(count).
func (a *Assembler) WritePutArray(count uint32) {
	a.emit(OpPutArray)
	a.emitU32(count)
}

// WritePutHash emits puthash(count).
func (a *Assembler) WritePutHash(count uint32) {
	a.emit(OpPutHash)
	a.emitU32(count)
}

// Class flag bits in the putclass payload.
const (
	classFlagHasParent      byte = 1 << 0
	classFlagHasConstructor byte = 1 << 1
)

// WritePutClass emits putclass.
func (a *Assembler) WritePutClass(name VALUE, propertyCount, staticPropertyCount, methodCount, staticMethodCount uint32, hasParent, hasConstructor bool) {
	a.emit(OpPutClass)
	a.emitU64(uint64(name))
	a.emitU32(propertyCount)
	a.emitU32(staticPropertyCount)
	a.emitU32(methodCount)
	a.emitU32(staticMethodCount)
	var flags byte
	if hasParent {
		flags |= classFlagHasParent
	}
	if hasConstructor {
		flags |= classFlagHasConstructor
	}
	a.data = append(a.data, flags)
}

// WriteDupN emits dupn(count).
func (a *Assembler) WriteDupN(count uint32) {
	a.emit(OpDupN)
	a.emitU32(count)
}

// WriteCall emits call(argc).
func (a *Assembler) WriteCall(argc uint32) {
	a.emit(OpCall)
	a.emitU32(argc)
}

// WriteCallMember emits callmember(argc).
func (a *Assembler) WriteCallMember(argc uint32) {
	a.emit(OpCallMember)
	a.emitU32(argc)
}

// WriteRegisterCatchTableToLabel emits registercatchtable with its handler
// offset referring to a label.
func (a *Assembler) WriteRegisterCatchTableToLabel(handler Label) {
	base := a.emit(OpRegisterCatchTable)
	a.emitLabelRef(handler, base)
}

// WriteBranchToLabel emits one of the branch instructions with its offset
// referring to a label.
func (a *Assembler) WriteBranchToLabel(op Opcode, label Label) {
	base := a.emit(op)
	a.emitLabelRef(label, base)
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders a block's instruction stream, one instruction per
// line. Intended for tracing and debugging output.
func Disassemble(data []byte) string {
	var out []byte
	pos := 0
	for pos < len(data) {
		op := Opcode(data[pos])
		line := fmt.Sprintf("%04d  %s", pos, op.Name())
		switch op {
		case OpReadLocal, OpSetLocal, OpSetLocalPush:
			index := binary.LittleEndian.Uint32(data[pos+1:])
			level := binary.LittleEndian.Uint32(data[pos+5:])
			line += fmt.Sprintf(" %d %d", index, level)
		case OpReadMemberSymbol, OpSetMemberSymbol, OpSetMemberSymbolPush:
			sym := binary.LittleEndian.Uint64(data[pos+1:])
			line += fmt.Sprintf(" %016x", sym)
		case OpReadArrayIndex, OpSetArrayIndex, OpSetArrayIndexPush,
			OpPutSelf, OpPutString, OpPutArray, OpPutHash, OpDupN,
			OpCall, OpCallMember:
			line += fmt.Sprintf(" %d", binary.LittleEndian.Uint32(data[pos+1:]))
		case OpPutValue:
			line += fmt.Sprintf(" %016x", binary.LittleEndian.Uint64(data[pos+1:]))
		case OpBranch, OpBranchIf, OpBranchUnless, OpBranchLt, OpBranchGt,
			OpBranchLe, OpBranchGe, OpBranchEq, OpBranchNeq,
			OpRegisterCatchTable:
			offset := int32(binary.LittleEndian.Uint32(data[pos+1:]))
			line += fmt.Sprintf(" %+d (-> %04d)", offset, pos+int(offset))
		}
		out = append(out, line...)
		out = append(out, '\n')
		pos += op.Length()
	}
	return string(out)
}
