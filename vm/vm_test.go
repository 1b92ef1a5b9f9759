package vm

import (
	"math"
	"strings"
	"testing"
)

func TestCopyValueIsShallow(t *testing.T) {
	vm := testVM()
	key := SymbolFromName(vm.ctx.Symtable, "k")

	orig := vm.CreateObject(1)
	vm.pushStack(orig)
	shared := vm.CreateArray(0)
	orig.Cell().Object.Container[key] = shared

	copied := vm.CopyValue(orig)
	if copied == orig {
		t.Fatal("copy returned the original")
	}
	if copied.Cell().Object.Container[key] != shared {
		t.Error("shallow copy did not share nested values")
	}

	// Mutating the copy must not touch the original.
	copied.Cell().Object.Container[key] = Null
	if orig.Cell().Object.Container[key] != shared {
		t.Error("copy mutation leaked into the original")
	}
}

func TestDeepCopyValueDuplicatesNesting(t *testing.T) {
	vm := testVM()

	outer := vm.CreateArray(1)
	vm.pushStack(outer)
	inner := vm.CreateArray(1)
	inner.Cell().Array.Data = append(inner.Cell().Array.Data, EncodeInteger(9))
	outer.Cell().Array.Data = append(outer.Cell().Array.Data, inner)

	copied := vm.DeepCopyValue(outer)
	copiedInner := copied.Cell().Array.Data[0]
	if copiedInner == inner {
		t.Fatal("deep copy shared a nested array")
	}
	if copiedInner.Cell().Array.Data[0].DecodeInteger() != 9 {
		t.Error("deep copy lost nested data")
	}
}

func TestPrettyPrintCycleSafe(t *testing.T) {
	vm := testVM()

	arr := vm.CreateArray(1)
	vm.pushStack(arr)
	arr.Cell().Array.Data = append(arr.Cell().Array.Data, arr)

	var sb strings.Builder
	vm.PrettyPrint(&sb, arr)
	out := sb.String()
	if !strings.Contains(out, "<...>") {
		t.Errorf("cyclic array rendered as %q, expected a cycle marker", out)
	}
}

func TestPrettyPrintFormats(t *testing.T) {
	vm := testVM()

	cases := []struct {
		value VALUE
		want  string
	}{
		{EncodeInteger(42), "42"},
		{EncodeIFloat(2.5), "2.5"},
		{True, "true"},
		{Null, "null"},
		{vm.CreateString([]byte("hi")), `"hi"`},
	}
	for _, tc := range cases {
		var sb strings.Builder
		vm.PrettyPrint(&sb, tc.value)
		if sb.String() != tc.want {
			t.Errorf("PrettyPrint = %q, want %q", sb.String(), tc.want)
		}
	}
}

func TestMachineDupNAndSetLocalPush(t *testing.T) {
	vm := testVM()

	// setlocalpush leaves the value on the stack; dupn doubles the top
	// pair so the adds see [3, 4, 3, 4].
	asm := NewAssembler()
	asm.WritePutValue(EncodeInteger(3))
	asm.WriteSetLocalPush(0, 0)
	asm.WritePutValue(EncodeInteger(4))
	asm.WriteDupN(2)
	asm.WriteOp(OpAdd)
	asm.WriteOp(OpAdd)
	asm.WriteOp(OpAdd)
	asm.WriteOp(OpReturn)

	result := runModule(t, vm, asm, 1)
	if result.DecodeInteger() != 14 {
		t.Errorf("dupn program = %v, want 14", result)
	}
}

func TestMachineSetArrayIndex(t *testing.T) {
	vm := testVM()

	asm := NewAssembler()
	asm.WritePutValue(EncodeInteger(1))
	asm.WritePutValue(EncodeInteger(2))
	asm.WritePutArray(2)
	asm.WriteSetLocal(0, 0)
	asm.WriteReadLocal(0, 0)
	asm.WritePutValue(EncodeInteger(7))
	asm.WriteSetArrayIndex(0)
	asm.WriteReadLocal(0, 0)
	asm.WriteReadArrayIndex(0)
	asm.WriteOp(OpReturn)

	if result := runModule(t, vm, asm, 1); result.DecodeInteger() != 7 {
		t.Errorf("array write-read = %v, want 7", result)
	}
}

func TestPowOperator(t *testing.T) {
	vm := testVM()

	v := vm.Pow(EncodeInteger(2), EncodeInteger(10))
	if !v.IsInteger() || v.DecodeInteger() != 1024 {
		t.Errorf("2 ** 10 = %v, want integer 1024", v)
	}
	v = vm.Pow(EncodeIFloat(2.0), EncodeInteger(-1))
	if got := v.NumericValue(); got != 0.5 {
		t.Errorf("2.0 ** -1 = %v, want 0.5", got)
	}
}

func TestUnaryOperators(t *testing.T) {
	vm := testVM()

	if vm.UNot(Null) != True || vm.UNot(EncodeInteger(1)) != False {
		t.Error("unary not broken")
	}
	if got := vm.USub(EncodeInteger(5)).DecodeInteger(); got != -5 {
		t.Errorf("-5 = %d", got)
	}
	if !math.IsNaN(vm.USub(True).NumericValue()) {
		t.Error("unary minus on boolean should yield NaN")
	}
	if got := vm.UBNot(EncodeInteger(0)).DecodeInteger(); got != -1 {
		t.Errorf("^0 = %d, want -1", got)
	}
}

func TestBitwiseOperators(t *testing.T) {
	vm := testVM()

	if got := vm.Shl(EncodeInteger(1), EncodeInteger(4)).DecodeInteger(); got != 16 {
		t.Errorf("1 << 4 = %d", got)
	}
	if got := vm.Shr(EncodeInteger(-16), EncodeInteger(2)).DecodeInteger(); got != -4 {
		t.Errorf("-16 >> 2 = %d", got)
	}
	if got := vm.BXor(EncodeInteger(0b1010), EncodeInteger(0b0110)).DecodeInteger(); got != 0b1100 {
		t.Errorf("xor = %b", got)
	}
}

func TestExecFunctionPassesArgument(t *testing.T) {
	vm := testVM()

	asm := NewAssembler()
	body := asm.ReserveLabel()
	name := SymbolFromName(vm.ctx.Symtable, "double")
	asm.WritePutFunctionToLabel(name, body, false, false, 1, 1)
	asm.WriteOp(OpReturn)
	asm.PlaceLabel(body)
	asm.WriteReadLocal(0, 0)
	asm.WritePutValue(EncodeInteger(2))
	asm.WriteOp(OpMul)
	asm.WriteOp(OpReturn)

	fn := runModule(t, vm, asm, 0)
	if typeOf(fn) != TypeFunction {
		t.Fatalf("module did not return a function")
	}
	vm.pushStack(fn) // keep the function alive across the next call

	result := vm.ExecFunction(fn, EncodeInteger(21))
	if result.DecodeInteger() != 42 {
		t.Errorf("ExecFunction = %v, want 42", result)
	}
}

func TestLookupInternal(t *testing.T) {
	vm := testVM()

	if _, ok := vm.LookupInternal("write"); !ok {
		t.Error("default internal write not registered")
	}
	if _, ok := vm.LookupInternal("no_such_internal"); ok {
		t.Error("unknown internal resolved")
	}
}

func TestStacktraceArrayNamesFrames(t *testing.T) {
	vm := testVM()
	vm.RegisterInternal("trace", 0, func(vm *VM, argv []VALUE) VALUE {
		return vm.StacktraceArray()
	})
	traceSym := SymbolFromName(vm.ctx.Symtable, "trace")

	asm := NewAssembler()
	asm.WritePutCFunction(traceSym, 0)
	asm.WriteCall(0)
	asm.WriteOp(OpReturn)

	result := runModule(t, vm, asm, 0)
	data := result.Cell().Array.Data
	if len(data) == 0 {
		t.Fatal("stacktrace array empty inside a module call")
	}
	if got := string(data[0].Cell().StringData()); got != "main" {
		t.Errorf("innermost frame = %q, want %q", got, "main")
	}
}
