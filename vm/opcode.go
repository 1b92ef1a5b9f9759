package vm

import "fmt"

// Opcode represents a single bytecode instruction.
//
// Every opcode occupies one byte, followed by a fixed-width operand payload.
// Branch offsets are signed 32-bit values relative to the first byte of the
// branching instruction.
type Opcode byte

// Local and member access
const (
	OpNop                 Opcode = 0x00 // no operation
	OpReadLocal           Opcode = 0x01 // push local (u32 index, u32 level)
	OpReadMemberSymbol    Opcode = 0x02 // push member by symbol (8-byte symbol)
	OpReadMemberValue     Opcode = 0x03 // push member by dynamic key
	OpReadArrayIndex      Opcode = 0x04 // push array element (u32 index)
	OpSetLocal            Opcode = 0x05 // pop, write local (u32 index, u32 level)
	OpSetLocalPush        Opcode = 0x06 // peek, write local
	OpSetMemberSymbol     Opcode = 0x07 // pop value, pop target, write member
	OpSetMemberSymbolPush Opcode = 0x08 // same but push the written value
	OpSetMemberValue      Opcode = 0x09 // dynamic-key member write
	OpSetMemberValuePush  Opcode = 0x0A
	OpSetArrayIndex       Opcode = 0x0B // pop value, pop array, write element
	OpSetArrayIndexPush   Opcode = 0x0C
)

// Value creation
const (
	OpPutSelf      Opcode = 0x10 // push lexical self (u32 level)
	OpPutValue     Opcode = 0x11 // push immediate (8-byte raw VALUE)
	OpPutString    Opcode = 0x12 // push string constant (u32 constant index)
	OpPutFunction  Opcode = 0x13 // push new function (symbol, i32 body, u32 argc, u32 lvarcount, flags)
	OpPutCFunction Opcode = 0x14 // push registered native function (symbol, u32 argc)
	OpPutGenerator Opcode = 0x15 // push new generator (symbol, i32 resume)
	OpPutArray     Opcode = 0x16 // pop u32 values into a new array
	OpPutHash      Opcode = 0x17 // pop u32 key/value pairs into a new object
	OpPutClass     Opcode = 0x18 // assemble a class from the stack
)

// Stack shuffles
const (
	OpPop  Opcode = 0x20 // discard top of stack
	OpDup  Opcode = 0x21 // duplicate top of stack
	OpDupN Opcode = 0x22 // duplicate top u32 entries
	OpSwap Opcode = 0x23 // swap the two top entries
)

// Calls and control transfer
const (
	OpCall       Opcode = 0x30 // invoke callee with u32 args
	OpCallMember Opcode = 0x31 // invoke with explicit receiver below callee
	OpReturn     Opcode = 0x32 // pop frame, restore caller ip
	OpYield      Opcode = 0x33 // suspend generator frame
	OpThrow      Opcode = 0x34 // raise top of stack
)

// Catch stack
const (
	OpRegisterCatchTable Opcode = 0x38 // push handler (i32 offset)
	OpPopCatchTable      Opcode = 0x39 // drop top handler
)

// Branches (i32 offset, relative to instruction start)
const (
	OpBranch       Opcode = 0x40
	OpBranchIf     Opcode = 0x41
	OpBranchUnless Opcode = 0x42
	OpBranchLt     Opcode = 0x43
	OpBranchGt     Opcode = 0x44
	OpBranchLe     Opcode = 0x45
	OpBranchGe     Opcode = 0x46
	OpBranchEq     Opcode = 0x47
	OpBranchNeq    Opcode = 0x48
)

// Operators
const (
	OpAdd   Opcode = 0x50
	OpSub   Opcode = 0x51
	OpMul   Opcode = 0x52
	OpDiv   Opcode = 0x53
	OpMod   Opcode = 0x54
	OpPow   Opcode = 0x55
	OpUAdd  Opcode = 0x56
	OpUSub  Opcode = 0x57
	OpEq    Opcode = 0x58
	OpNeq   Opcode = 0x59
	OpLt    Opcode = 0x5A
	OpGt    Opcode = 0x5B
	OpLe    Opcode = 0x5C
	OpGe    Opcode = 0x5D
	OpUNot  Opcode = 0x5E
	OpShl   Opcode = 0x5F
	OpShr   Opcode = 0x60
	OpBAnd  Opcode = 0x61
	OpBOr   Opcode = 0x62
	OpBXor  Opcode = 0x63
	OpUBNot Opcode = 0x64
)

// Misc
const (
	OpTypeof Opcode = 0x70 // push the type name of the top value
	OpHalt   Opcode = 0x71 // stop the machine
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string
	OperandBytes int
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:                 {"nop", 0},
	OpReadLocal:           {"readlocal", 8},
	OpReadMemberSymbol:    {"readmembersymbol", 8},
	OpReadMemberValue:     {"readmembervalue", 0},
	OpReadArrayIndex:      {"readarrayindex", 4},
	OpSetLocal:            {"setlocal", 8},
	OpSetLocalPush:        {"setlocalpush", 8},
	OpSetMemberSymbol:     {"setmembersymbol", 8},
	OpSetMemberSymbolPush: {"setmembersymbolpush", 8},
	OpSetMemberValue:      {"setmembervalue", 0},
	OpSetMemberValuePush:  {"setmembervaluepush", 0},
	OpSetArrayIndex:       {"setarrayindex", 4},
	OpSetArrayIndexPush:   {"setarrayindexpush", 4},

	OpPutSelf:      {"putself", 4},
	OpPutValue:     {"putvalue", 8},
	OpPutString:    {"putstring", 4},
	OpPutFunction:  {"putfunction", 21},
	OpPutCFunction: {"putcfunction", 12},
	OpPutGenerator: {"putgenerator", 12},
	OpPutArray:     {"putarray", 4},
	OpPutHash:      {"puthash", 4},
	OpPutClass:     {"putclass", 25},

	OpPop:  {"pop", 0},
	OpDup:  {"dup", 0},
	OpDupN: {"dupn", 4},
	OpSwap: {"swap", 0},

	OpCall:       {"call", 4},
	OpCallMember: {"callmember", 4},
	OpReturn:     {"return", 0},
	OpYield:      {"yield", 0},
	OpThrow:      {"throw", 0},

	OpRegisterCatchTable: {"registercatchtable", 4},
	OpPopCatchTable:      {"popcatchtable", 0},

	OpBranch:       {"branch", 4},
	OpBranchIf:     {"branchif", 4},
	OpBranchUnless: {"branchunless", 4},
	OpBranchLt:     {"branchlt", 4},
	OpBranchGt:     {"branchgt", 4},
	OpBranchLe:     {"branchle", 4},
	OpBranchGe:     {"branchge", 4},
	OpBranchEq:     {"brancheq", 4},
	OpBranchNeq:    {"branchneq", 4},

	OpAdd:   {"add", 0},
	OpSub:   {"sub", 0},
	OpMul:   {"mul", 0},
	OpDiv:   {"div", 0},
	OpMod:   {"mod", 0},
	OpPow:   {"pow", 0},
	OpUAdd:  {"uadd", 0},
	OpUSub:  {"usub", 0},
	OpEq:    {"eq", 0},
	OpNeq:   {"neq", 0},
	OpLt:    {"lt", 0},
	OpGt:    {"gt", 0},
	OpLe:    {"le", 0},
	OpGe:    {"ge", 0},
	OpUNot:  {"unot", 0},
	OpShl:   {"shl", 0},
	OpShr:   {"shr", 0},
	OpBAnd:  {"band", 0},
	OpBOr:   {"bor", 0},
	OpBXor:  {"bxor", 0},
	OpUBNot: {"ubnot", 0},

	OpTypeof: {"typeof", 0},
	OpHalt:   {"halt", 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02X", byte(op))}
}

// Name returns the mnemonic of an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// Length returns the full instruction length including the opcode byte.
func (op Opcode) Length() int {
	return 1 + op.Info().OperandBytes
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// opcodeCount is the size of the instruction profile table.
const opcodeCount = 0x80
