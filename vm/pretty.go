package vm

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// toString renders a value in its canonical string form, as used by
// concatenation and dynamic keys.
func (vm *VM) toString(v VALUE) string {
	var sb strings.Builder
	vm.writeString(&sb, v)
	return sb.String()
}

// writeString renders the canonical form of a value. Floats print without
// trailing zeros, so an integral float reads like an integer.
func (vm *VM) writeString(w io.Writer, v VALUE) {
	switch {
	case v.IsInteger():
		io.WriteString(w, strconv.FormatInt(v.DecodeInteger(), 10))
	case v.IsIFloat():
		io.WriteString(w, strconv.FormatFloat(v.DecodeIFloat(), 'g', -1, 64))
	case v.IsTrue():
		io.WriteString(w, "true")
	case v.IsFalse():
		io.WriteString(w, "false")
	case v.IsNull():
		io.WriteString(w, "null")
	case v.IsSymbol():
		if name, ok := vm.ctx.Symtable.Decode(uint64(v)); ok {
			io.WriteString(w, name)
		} else {
			fmt.Fprintf(w, "<symbol %016x>", uint64(v))
		}
	case v.IsPointer():
		cell := v.Cell()
		switch cell.Type() {
		case TypeString:
			w.Write(cell.StringData())
		case TypeFloat:
			io.WriteString(w, strconv.FormatFloat(cell.Float.Value, 'g', -1, 64))
		default:
			io.WriteString(w, "<"+TypeName(cell.Type())+">")
		}
	}
}

// typeOfName returns the typeof string for a value.
func (vm *VM) typeOfName(v VALUE) string {
	return TypeName(typeOf(v))
}

// ---------------------------------------------------------------------------
// Pretty printer
// ---------------------------------------------------------------------------

// prettyPrinter tracks visited containers so cyclic graphs terminate.
type prettyPrinter struct {
	vm    *VM
	w     io.Writer
	stack []VALUE
}

// PrettyPrint renders a human-readable, cycle-safe representation.
func (vm *VM) PrettyPrint(w io.Writer, v VALUE) {
	pp := prettyPrinter{vm: vm, w: w}
	pp.print(v)
}

func (pp *prettyPrinter) entered(v VALUE) bool {
	for _, seen := range pp.stack {
		if seen == v {
			return true
		}
	}
	return false
}

func (pp *prettyPrinter) print(v VALUE) {
	if !v.IsPointer() {
		pp.vm.writeString(pp.w, v)
		return
	}
	if pp.entered(v) {
		io.WriteString(pp.w, "<...>")
		return
	}

	cell := v.Cell()
	switch cell.Type() {
	case TypeString:
		fmt.Fprintf(pp.w, "%q", string(cell.StringData()))

	case TypeArray:
		pp.stack = append(pp.stack, v)
		io.WriteString(pp.w, "[")
		for i, entry := range cell.Array.Data {
			if i > 0 {
				io.WriteString(pp.w, ", ")
			}
			pp.print(entry)
		}
		io.WriteString(pp.w, "]")
		pp.stack = pp.stack[:len(pp.stack)-1]

	case TypeObject:
		pp.stack = append(pp.stack, v)
		io.WriteString(pp.w, "{")
		first := true
		for key, entry := range cell.Object.Container {
			if !first {
				io.WriteString(pp.w, ", ")
			}
			first = false
			pp.vm.writeString(pp.w, key)
			io.WriteString(pp.w, ": ")
			pp.print(entry)
		}
		io.WriteString(pp.w, "}")
		pp.stack = pp.stack[:len(pp.stack)-1]

	case TypeFunction:
		fmt.Fprintf(pp.w, "<function %s>", pp.vm.toString(cell.Function.Name))
	case TypeCFunction:
		fmt.Fprintf(pp.w, "<cfunction %s>", pp.vm.toString(cell.CFunction.Name))
	case TypeGenerator:
		fmt.Fprintf(pp.w, "<generator %s>", pp.vm.toString(cell.Generator.Name))
	case TypeClass:
		fmt.Fprintf(pp.w, "<class %s>", pp.vm.toString(cell.Class.Name))
	default:
		pp.vm.writeString(pp.w, v)
	}
}

// ---------------------------------------------------------------------------
// Instruction profile
// ---------------------------------------------------------------------------

// profileEntry records how often an opcode was executed and how long the
// executions took in total.
type profileEntry struct {
	Encountered uint64
	Total       time.Duration
}

// InstructionProfile accumulates per-opcode execution statistics.
type InstructionProfile struct {
	entries [opcodeCount]profileEntry
}

// NewInstructionProfile creates an empty profile.
func NewInstructionProfile() *InstructionProfile {
	return &InstructionProfile{}
}

// Add records one execution of an opcode.
func (p *InstructionProfile) Add(op Opcode, length time.Duration) {
	entry := &p.entries[byte(op)%opcodeCount]
	entry.Encountered++
	entry.Total += length
}

// Dump writes the profile, skipping opcodes that never ran.
func (p *InstructionProfile) Dump(w io.Writer) {
	fmt.Fprintln(w, "opcode                 count      average")
	for op := 0; op < opcodeCount; op++ {
		entry := p.entries[op]
		if entry.Encountered == 0 {
			continue
		}
		avg := entry.Total / time.Duration(entry.Encountered)
		fmt.Fprintf(w, "%-20s %8d %12s\n", Opcode(op).Name(), entry.Encountered, avg)
	}
}
