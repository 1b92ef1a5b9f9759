package vm

import (
	"bytes"
	"math"
)

// Binary arithmetic widens both operands to doubles, except for the pure
// integer fast paths which stay integers while the result fits 63 bits.
// Any non-numeric combination yields a NaN float instead of throwing; the
// single exception is add, where a string operand means concatenation.

// Add implements the + operator.
func (vm *VM) Add(left, right VALUE) VALUE {
	if isStringValue(left) || isStringValue(right) {
		return vm.concatenate(left, right)
	}
	if left.IsInteger() && right.IsInteger() {
		l, r := left.DecodeInteger(), right.DecodeInteger()
		sum := l + r
		if integerFits(sum) && !addOverflows(l, r, sum) {
			return EncodeInteger(sum)
		}
		return vm.CreateFloat(float64(l) + float64(r))
	}
	if left.IsNumeric() && right.IsNumeric() {
		return vm.CreateFloat(left.NumericValue() + right.NumericValue())
	}
	return vm.CreateFloat(math.NaN())
}

// Sub implements the - operator.
func (vm *VM) Sub(left, right VALUE) VALUE {
	if left.IsInteger() && right.IsInteger() {
		l, r := left.DecodeInteger(), right.DecodeInteger()
		diff := l - r
		if integerFits(diff) && !subOverflows(l, r, diff) {
			return EncodeInteger(diff)
		}
		return vm.CreateFloat(float64(l) - float64(r))
	}
	if left.IsNumeric() && right.IsNumeric() {
		return vm.CreateFloat(left.NumericValue() - right.NumericValue())
	}
	return vm.CreateFloat(math.NaN())
}

// Mul implements the * operator.
func (vm *VM) Mul(left, right VALUE) VALUE {
	if left.IsInteger() && right.IsInteger() {
		l, r := left.DecodeInteger(), right.DecodeInteger()
		if prod, ok := mulInt(l, r); ok {
			return EncodeInteger(prod)
		}
		return vm.CreateFloat(float64(l) * float64(r))
	}
	if left.IsNumeric() && right.IsNumeric() {
		return vm.CreateFloat(left.NumericValue() * right.NumericValue())
	}
	return vm.CreateFloat(math.NaN())
}

// Div implements the / operator. Division by zero follows IEEE-754.
func (vm *VM) Div(left, right VALUE) VALUE {
	if left.IsNumeric() && right.IsNumeric() {
		return vm.CreateFloat(left.NumericValue() / right.NumericValue())
	}
	return vm.CreateFloat(math.NaN())
}

// Mod implements the % operator. Mod by zero yields NaN.
func (vm *VM) Mod(left, right VALUE) VALUE {
	if left.IsInteger() && right.IsInteger() {
		r := right.DecodeInteger()
		if r == 0 {
			return vm.CreateFloat(math.NaN())
		}
		return EncodeInteger(left.DecodeInteger() % r)
	}
	if left.IsNumeric() && right.IsNumeric() {
		return vm.CreateFloat(math.Mod(left.NumericValue(), right.NumericValue()))
	}
	return vm.CreateFloat(math.NaN())
}

// Pow implements the ** operator.
func (vm *VM) Pow(left, right VALUE) VALUE {
	if left.IsNumeric() && right.IsNumeric() {
		result := math.Pow(left.NumericValue(), right.NumericValue())
		if left.IsInteger() && right.IsInteger() && result == math.Trunc(result) && integerFits(int64(result)) {
			return EncodeInteger(int64(result))
		}
		return vm.CreateFloat(result)
	}
	return vm.CreateFloat(math.NaN())
}

// UAdd implements unary +.
func (vm *VM) UAdd(v VALUE) VALUE {
	if v.IsNumeric() {
		return v
	}
	return vm.CreateFloat(math.NaN())
}

// USub implements unary -.
func (vm *VM) USub(v VALUE) VALUE {
	if v.IsInteger() {
		i := v.DecodeInteger()
		if integerFits(-i) {
			return EncodeInteger(-i)
		}
		return vm.CreateFloat(-float64(i))
	}
	if v.IsNumeric() {
		return vm.CreateFloat(-v.NumericValue())
	}
	return vm.CreateFloat(math.NaN())
}

// UNot implements the ! operator via truthiness.
func (vm *VM) UNot(v VALUE) VALUE {
	return EncodeBool(!Truthyness(v))
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// Eq implements the == operator: numeric comparison across numeric types,
// byte equality for strings, identity for everything else. Symbols are
// identical iff their interned strings are byte-equal, so identity covers
// them.
func (vm *VM) Eq(left, right VALUE) VALUE {
	if left.IsNumeric() && right.IsNumeric() {
		return EncodeBool(left.NumericValue() == right.NumericValue())
	}
	if isStringValue(left) && isStringValue(right) {
		return EncodeBool(bytes.Equal(left.Cell().StringData(), right.Cell().StringData()))
	}
	return EncodeBool(left == right)
}

// Neq implements the != operator.
func (vm *VM) Neq(left, right VALUE) VALUE {
	return EncodeBool(vm.Eq(left, right) == False)
}

// Lt implements the < operator.
func (vm *VM) Lt(left, right VALUE) VALUE {
	if left.IsNumeric() && right.IsNumeric() {
		return EncodeBool(left.NumericValue() < right.NumericValue())
	}
	if isStringValue(left) && isStringValue(right) {
		return EncodeBool(bytes.Compare(left.Cell().StringData(), right.Cell().StringData()) < 0)
	}
	return False
}

// Gt implements the > operator.
func (vm *VM) Gt(left, right VALUE) VALUE {
	if left.IsNumeric() && right.IsNumeric() {
		return EncodeBool(left.NumericValue() > right.NumericValue())
	}
	if isStringValue(left) && isStringValue(right) {
		return EncodeBool(bytes.Compare(left.Cell().StringData(), right.Cell().StringData()) > 0)
	}
	return False
}

// Le implements the <= operator.
func (vm *VM) Le(left, right VALUE) VALUE {
	if left.IsNumeric() && right.IsNumeric() {
		return EncodeBool(left.NumericValue() <= right.NumericValue())
	}
	if isStringValue(left) && isStringValue(right) {
		return EncodeBool(bytes.Compare(left.Cell().StringData(), right.Cell().StringData()) <= 0)
	}
	return False
}

// Ge implements the >= operator.
func (vm *VM) Ge(left, right VALUE) VALUE {
	if left.IsNumeric() && right.IsNumeric() {
		return EncodeBool(left.NumericValue() >= right.NumericValue())
	}
	if isStringValue(left) && isStringValue(right) {
		return EncodeBool(bytes.Compare(left.Cell().StringData(), right.Cell().StringData()) >= 0)
	}
	return False
}

// ---------------------------------------------------------------------------
// Bitwise
// ---------------------------------------------------------------------------

// Shl implements <<.
func (vm *VM) Shl(left, right VALUE) VALUE {
	if left.IsInteger() && right.IsInteger() {
		return vm.CreateInteger(left.DecodeInteger() << uint64(right.DecodeInteger()&63))
	}
	return vm.CreateFloat(math.NaN())
}

// Shr implements >>.
func (vm *VM) Shr(left, right VALUE) VALUE {
	if left.IsInteger() && right.IsInteger() {
		return EncodeInteger(left.DecodeInteger() >> uint64(right.DecodeInteger()&63))
	}
	return vm.CreateFloat(math.NaN())
}

// BAnd implements &.
func (vm *VM) BAnd(left, right VALUE) VALUE {
	if left.IsInteger() && right.IsInteger() {
		return EncodeInteger(left.DecodeInteger() & right.DecodeInteger())
	}
	return vm.CreateFloat(math.NaN())
}

// BOr implements |.
func (vm *VM) BOr(left, right VALUE) VALUE {
	if left.IsInteger() && right.IsInteger() {
		return EncodeInteger(left.DecodeInteger() | right.DecodeInteger())
	}
	return vm.CreateFloat(math.NaN())
}

// BXor implements ^.
func (vm *VM) BXor(left, right VALUE) VALUE {
	if left.IsInteger() && right.IsInteger() {
		return EncodeInteger(left.DecodeInteger() ^ right.DecodeInteger())
	}
	return vm.CreateFloat(math.NaN())
}

// UBNot implements unary ~.
func (vm *VM) UBNot(v VALUE) VALUE {
	if v.IsInteger() {
		return EncodeInteger(^v.DecodeInteger())
	}
	return vm.CreateFloat(math.NaN())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// concatenate builds a new string from the canonical renderings of both
// operands.
func (vm *VM) concatenate(left, right VALUE) VALUE {
	var buf bytes.Buffer
	vm.writeString(&buf, left)
	vm.writeString(&buf, right)
	return vm.CreateString(buf.Bytes())
}

func isStringValue(v VALUE) bool {
	return v.IsPointer() && v.Cell().Type() == TypeString
}

func integerFits(i int64) bool {
	return i >= MinInteger && i <= MaxInteger
}

func addOverflows(l, r, sum int64) bool {
	return (l > 0 && r > 0 && sum < 0) || (l < 0 && r < 0 && sum > 0)
}

func subOverflows(l, r, diff int64) bool {
	return (l >= 0 && r < 0 && diff < 0) || (l < 0 && r > 0 && diff > 0)
}

// mulInt multiplies and reports whether the product stays inside the
// 63-bit immediate range.
func mulInt(l, r int64) (int64, bool) {
	if l == 0 || r == 0 {
		return 0, true
	}
	prod := l * r
	if prod/r != l || !integerFits(prod) {
		return 0, false
	}
	return prod, true
}
