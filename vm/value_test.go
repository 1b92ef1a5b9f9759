package vm

import (
	"io"
	"math"
	"strings"
	"testing"
)

func testVM() *VM {
	return New(Context{
		Flags: RunFlags{SingleWorker: true},
		In:    strings.NewReader(""),
		Out:   io.Discard,
		Err:   io.Discard,
	})
}

// ---------------------------------------------------------------------------
// Integer encoding
// ---------------------------------------------------------------------------

func TestIntegerRoundTrip(t *testing.T) {
	values := []int64{
		0, 1, -1, 42, -42,
		MaxInteger, MinInteger,
		MaxInteger - 1, MinInteger + 1,
	}
	for _, i := range values {
		v := EncodeInteger(i)
		if !v.IsInteger() {
			t.Errorf("EncodeInteger(%d) not recognized as integer", i)
		}
		if got := v.DecodeInteger(); got != i {
			t.Errorf("decode(encode(%d)) = %d", i, got)
		}
	}
}

func TestIntegerPromotionAtBoundary(t *testing.T) {
	vm := testVM()

	v := vm.CreateInteger(MaxInteger)
	if !v.IsInteger() {
		t.Error("MaxInteger should stay immediate")
	}
	v = vm.CreateInteger(MaxInteger + 1)
	if v.IsInteger() {
		t.Error("MaxInteger+1 should promote to float")
	}
	if !v.IsNumeric() {
		t.Error("promoted value is not numeric")
	}
}

// ---------------------------------------------------------------------------
// Float encoding
// ---------------------------------------------------------------------------

func TestImmediateFloat(t *testing.T) {
	// 0.5 and 3.5 have clean low mantissa bits and stay immediate.
	for _, f := range []float64{0.5, 3.5, 1.5, -2.0, 0.0} {
		if !FitsImmediateFloat(f) {
			t.Fatalf("%v unexpectedly does not fit the immediate encoding", f)
		}
		v := EncodeIFloat(f)
		if !v.IsIFloat() {
			t.Errorf("EncodeIFloat(%v) not recognized", f)
		}
		if got := v.DecodeIFloat(); got != f {
			t.Errorf("decode(encode(%v)) = %v", f, got)
		}
	}
}

func TestBoxedFloat(t *testing.T) {
	vm := testVM()

	// 0.1 needs every mantissa bit; it must box.
	if FitsImmediateFloat(0.1) {
		t.Fatal("0.1 should not fit the immediate encoding")
	}
	v := vm.CreateFloat(0.1)
	if !v.IsPointer() || v.Cell().Type() != TypeFloat {
		t.Fatal("0.1 did not box")
	}
	if got := v.NumericValue(); got != 0.1 {
		t.Errorf("boxed float = %v, want 0.1", got)
	}
}

// ---------------------------------------------------------------------------
// Singletons and predicates
// ---------------------------------------------------------------------------

func TestSingletonPredicates(t *testing.T) {
	if !True.IsTrue() || !False.IsFalse() || !Null.IsNull() {
		t.Error("singleton predicates broken")
	}
	for _, v := range []VALUE{True, False, Null} {
		if v.IsPointer() {
			t.Errorf("%v recognized as pointer", v)
		}
		if v.IsInteger() {
			t.Errorf("%v recognized as integer", v)
		}
	}
}

func TestTruthyness(t *testing.T) {
	vm := testVM()

	falsy := []VALUE{False, Null, EncodeInteger(0), EncodeIFloat(0.0)}
	for _, v := range falsy {
		if Truthyness(v) {
			t.Errorf("%v should be falsy", v)
		}
	}
	truthy := []VALUE{
		True,
		EncodeInteger(1),
		EncodeInteger(-1),
		EncodeIFloat(0.5),
		vm.CreateString([]byte("")),
		vm.CreateObject(0),
	}
	for _, v := range truthy {
		if !Truthyness(v) {
			t.Errorf("%v should be truthy", v)
		}
	}
}

func TestSymbolEquality(t *testing.T) {
	vm := testVM()

	a := SymbolFromName(vm.ctx.Symtable, "selector")
	b := SymbolFromName(vm.ctx.Symtable, "selector")
	c := SymbolFromName(vm.ctx.Symtable, "other")
	if a != b {
		t.Error("same string produced distinct symbols")
	}
	if a == c {
		t.Error("distinct strings produced the same symbol")
	}
	if !a.IsSymbol() {
		t.Error("symbol value not recognized")
	}
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

func TestShortToLongStringTransition(t *testing.T) {
	vm := testVM()

	short := make([]byte, shortStringMaxSize)
	long := make([]byte, shortStringMaxSize+1)
	for i := range short {
		short[i] = byte('a' + i%26)
	}
	for i := range long {
		long[i] = byte('a' + i%26)
	}

	sv := vm.CreateString(short)
	if !sv.Cell().ShortString() {
		t.Errorf("%d-byte string should use the short representation", len(short))
	}
	if got := string(sv.Cell().StringData()); got != string(short) {
		t.Error("short string data mangled")
	}

	lv := vm.CreateString(long)
	if lv.Cell().ShortString() {
		t.Errorf("%d-byte string should use the long representation", len(long))
	}
	if got := string(lv.Cell().StringData()); got != string(long) {
		t.Error("long string data mangled")
	}
	if lv.Cell().StringLength() != len(long) {
		t.Errorf("StringLength = %d, want %d", lv.Cell().StringLength(), len(long))
	}
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func TestAddIntegerOverflowPromotes(t *testing.T) {
	vm := testVM()

	v := vm.Add(EncodeInteger(MaxInteger), EncodeInteger(1))
	if v.IsInteger() {
		t.Fatal("overflowing add stayed an integer")
	}
	want := float64(MaxInteger) + 1
	if got := v.NumericValue(); got != want {
		t.Errorf("overflowing add = %v, want %v", got, want)
	}
}

func TestDivisionByZero(t *testing.T) {
	vm := testVM()

	v := vm.Div(EncodeInteger(5), EncodeInteger(0))
	if !math.IsInf(v.NumericValue(), 1) {
		t.Errorf("5/0 = %v, want +Inf", v.NumericValue())
	}
	v = vm.Mod(EncodeInteger(5), EncodeInteger(0))
	if !math.IsNaN(v.NumericValue()) {
		t.Errorf("5%%0 = %v, want NaN", v.NumericValue())
	}
}

func TestAddTypeMismatchYieldsNaN(t *testing.T) {
	vm := testVM()

	v := vm.Add(True, Null)
	if !math.IsNaN(v.NumericValue()) {
		t.Errorf("true + null = %v, want NaN", v.NumericValue())
	}
}

func TestStringConcatenation(t *testing.T) {
	vm := testVM()

	s := vm.Add(vm.CreateString([]byte("test")), EncodeInteger(25))
	if !isStringValue(s) {
		t.Fatal("string + integer did not concatenate")
	}
	if got := string(s.Cell().StringData()); got != "test25" {
		t.Errorf("concat = %q, want %q", got, "test25")
	}

	// Integral floats render without a trailing fraction.
	s = vm.Add(vm.CreateString([]byte("n=")), EncodeIFloat(5.0))
	if got := string(s.Cell().StringData()); got != "n=5" {
		t.Errorf("concat = %q, want %q", got, "n=5")
	}
}

func TestNumericCrossTypeEquality(t *testing.T) {
	vm := testVM()

	if vm.Eq(EncodeInteger(1), EncodeIFloat(1.0)) != True {
		t.Error("1 == 1.0 should hold")
	}
	a := vm.CreateString([]byte("abc"))
	b := vm.CreateString([]byte("abc"))
	if vm.Eq(a, b) != True {
		t.Error("equal strings compare unequal")
	}
	if vm.Eq(vm.CreateObject(0), vm.CreateObject(0)) != False {
		t.Error("distinct objects compare equal")
	}
}
