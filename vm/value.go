package vm

import (
	"math"
	"unsafe"

	"github.com/zld3002/charly-vm/charly"
)

// VALUE is the universal 64-bit tagged value.
//
// Heap cells are 8-byte aligned, so a raw cell address always has its low
// three bits clear. The low bits of the word therefore distinguish the
// immediate encodings from pointers:
//
//   - Integer: (i << 1) | 1, a 63-bit signed integer
//   - Float:   IEEE-754 pattern whose low two bits were zero, with 0b10
//     OR-ed in; anything else is boxed on the heap
//   - Symbol:  interned-string hash with the low four bits set to 0b1100
//   - False:   0b00000, True: 0b10100, Null: 0b01000
//   - Pointer: everything else with the low three bits clear
type VALUE uint64

// Tag masks and flags
const (
	pointerMask VALUE = 0b00111
	pointerFlag VALUE = 0b00000
	integerMask VALUE = 0b00001
	integerFlag VALUE = 0b00001
	floatMask   VALUE = 0b00011
	floatFlag   VALUE = 0b00010
	symbolMask  VALUE = 0b01111
	symbolFlag  VALUE = 0b01100
)

// Singleton immediates
const (
	False VALUE = 0b00000
	True  VALUE = 0b10100
	Null  VALUE = 0b01000
)

// Integer range representable without boxing
const (
	MaxInteger int64 = (1 << 62) - 1
	MinInteger int64 = -(1 << 62)
)

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

// IsBoolean returns true if v is the true or false singleton.
func (v VALUE) IsBoolean() bool {
	return v == True || v == False
}

// IsInteger returns true if v is an immediate integer.
func (v VALUE) IsInteger() bool {
	return (v & integerMask) == integerFlag
}

// IsIFloat returns true if v is an immediate float.
func (v VALUE) IsIFloat() bool {
	return (v & floatMask) == floatFlag
}

// IsSymbol returns true if v is a symbol.
func (v VALUE) IsSymbol() bool {
	return (v & symbolMask) == symbolFlag
}

// IsFalse returns true if v is the false singleton.
func (v VALUE) IsFalse() bool {
	return v == False
}

// IsTrue returns true if v is the true singleton.
func (v VALUE) IsTrue() bool {
	return v == True
}

// IsNull returns true if v is the null singleton.
func (v VALUE) IsNull() bool {
	return v == Null
}

// IsPointer returns true if v refers to a heap cell.
func (v VALUE) IsPointer() bool {
	return v != Null && v != False && (v&pointerMask) == pointerFlag
}

// IsSpecial returns true if v is anything but a heap pointer.
func (v VALUE) IsSpecial() bool {
	return !v.IsPointer()
}

// IsNumeric returns true for immediate integers, immediate floats and boxed
// floats.
func (v VALUE) IsNumeric() bool {
	if v.IsInteger() || v.IsIFloat() {
		return true
	}
	if v.IsPointer() {
		return v.Cell().Type() == TypeFloat
	}
	return false
}

// ---------------------------------------------------------------------------
// Encoding and decoding
// ---------------------------------------------------------------------------

// EncodeInteger encodes a signed integer. The value must fit into 63 bits;
// arithmetic that could overflow has to box into a float before encoding.
func EncodeInteger(i int64) VALUE {
	return VALUE(uint64(i)<<1) | integerFlag
}

// DecodeInteger decodes an immediate integer with sign extension.
func (v VALUE) DecodeInteger() int64 {
	return int64(v) >> 1
}

// FitsImmediateFloat reports whether f can be encoded without boxing. Only
// patterns whose low two bits are already zero survive the tag round-trip.
func FitsImmediateFloat(f float64) bool {
	return math.Float64bits(f)&uint64(floatMask) == 0
}

// EncodeIFloat encodes an immediate float. The caller must have checked
// FitsImmediateFloat.
func EncodeIFloat(f float64) VALUE {
	return VALUE(math.Float64bits(f)) | floatFlag
}

// DecodeIFloat decodes an immediate float.
func (v VALUE) DecodeIFloat() float64 {
	return math.Float64frombits(uint64(v &^ floatMask))
}

// EncodeSymbolID stamps a raw symbol id with the symbol tag. Ids produced by
// charly.SymbolID are already stamped; this is for ids read from bytecode.
func EncodeSymbolID(id uint64) VALUE {
	return VALUE((id &^ uint64(symbolMask)) | uint64(symbolFlag))
}

// SymbolFromName interns a string through the compiler's symbol table and
// returns the resulting symbol value.
func SymbolFromName(symtable *charly.SymbolTable, name string) VALUE {
	return VALUE(symtable.Encode(name))
}

// FromPointer converts a cell pointer to a VALUE.
func FromPointer(cell *MemoryCell) VALUE {
	return VALUE(uintptr(unsafe.Pointer(cell)))
}

// Cell converts a pointer value back to its heap cell. The cell memory is
// owned by the heap regions, which keep it alive for the Go runtime.
func (v VALUE) Cell() *MemoryCell {
	return (*MemoryCell)(unsafe.Pointer(uintptr(v)))
}

// NumericValue widens any numeric value to a double. Returns NaN for
// non-numeric values.
func (v VALUE) NumericValue() float64 {
	switch {
	case v.IsInteger():
		return float64(v.DecodeInteger())
	case v.IsIFloat():
		return v.DecodeIFloat()
	case v.IsPointer() && v.Cell().Type() == TypeFloat:
		return v.Cell().Float.Value
	}
	return math.NaN()
}

// Truthyness implements the language's truth rule: false, null and numeric
// zero are falsy, everything else is truthy.
func Truthyness(v VALUE) bool {
	if v.IsNumeric() {
		return v.NumericValue() != 0
	}
	if v.IsNull() || v.IsFalse() {
		return false
	}
	return true
}

// EncodeBool converts a Go bool to the corresponding singleton.
func EncodeBool(b bool) VALUE {
	if b {
		return True
	}
	return False
}
