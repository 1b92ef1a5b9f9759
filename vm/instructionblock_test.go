package vm

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestAssemblerForwardAndBackwardLabels(t *testing.T) {
	asm := NewAssembler()

	back := asm.PlaceNewLabel()
	forward := asm.ReserveLabel()
	asm.WriteBranchToLabel(OpBranch, forward) // forward reference
	asm.WriteBranchToLabel(OpBranch, back)    // backward reference
	asm.PlaceLabel(forward)

	if !asm.HasUnresolvedReferences() {
		t.Fatal("forward reference resolved too early")
	}
	if err := asm.ResolveLabels(); err != nil {
		t.Fatalf("ResolveLabels: %v", err)
	}
	if asm.HasUnresolvedReferences() {
		t.Fatal("references remain after resolution")
	}

	data := asm.Artifact().Data

	// First branch sits at offset 0 and targets offset 10 (after both
	// 5-byte branch instructions).
	if got := int32(binary.LittleEndian.Uint32(data[1:])); got != 10 {
		t.Errorf("forward offset = %d, want 10", got)
	}
	// Second branch sits at offset 5 and targets offset 0.
	if got := int32(binary.LittleEndian.Uint32(data[6:])); got != -5 {
		t.Errorf("backward offset = %d, want -5", got)
	}
}

func TestAssemblerUnplacedLabelFails(t *testing.T) {
	asm := NewAssembler()
	dangling := asm.ReserveLabel()
	asm.WriteBranchToLabel(OpBranch, dangling)

	if err := asm.ResolveLabels(); err == nil {
		t.Fatal("ResolveLabels accepted a dangling label")
	}
}

func TestExtremeBranchOffsetsEncode(t *testing.T) {
	// The offset field must carry the full signed 32-bit range.
	var buf [4]byte
	for _, offset := range []int32{-2147483648, 2147483647, -1, 0} {
		binary.LittleEndian.PutUint32(buf[:], uint32(offset))
		if got := int32(binary.LittleEndian.Uint32(buf[:])); got != offset {
			t.Errorf("offset %d did not round-trip", offset)
		}
	}
}

func TestOpcodeLengths(t *testing.T) {
	// Every opcode the assembler can emit must agree with the decoder's
	// length table, or the interpreter would desynchronize.
	asm := NewAssembler()
	sym := VALUE(0)

	asm.WriteOp(OpNop)
	asm.WriteReadLocal(1, 2)
	asm.WriteReadMemberSymbol(sym)
	asm.WritePutSelf(0)
	asm.WritePutValue(EncodeInteger(1))
	asm.WritePutString("x")
	label := asm.PlaceNewLabel()
	asm.WritePutFunctionToLabel(sym, label, true, false, 2, 3)
	asm.WritePutCFunction(sym, 1)
	asm.WriteCall(2)
	asm.WritePutClass(sym, 1, 2, 3, 4, true, true)
	asm.WriteOp(OpHalt)
	if err := asm.ResolveLabels(); err != nil {
		t.Fatal(err)
	}

	data := asm.Artifact().Data
	pos := 0
	steps := 0
	for pos < len(data) {
		op := Opcode(data[pos])
		if op.Length() <= 0 {
			t.Fatalf("opcode %s has non-positive length", op)
		}
		pos += op.Length()
		steps++
	}
	if pos != len(data) {
		t.Fatalf("instruction stream misaligned: ended at %d of %d", pos, len(data))
	}
	if steps != 11 {
		t.Errorf("decoded %d instructions, want 11", steps)
	}
}

func TestDisassembleNamesInstructions(t *testing.T) {
	asm := NewAssembler()
	asm.WritePutValue(EncodeInteger(5))
	asm.WriteCall(1)
	asm.WriteOp(OpReturn)
	if err := asm.ResolveLabels(); err != nil {
		t.Fatal(err)
	}

	out := Disassemble(asm.Artifact().Data)
	for _, want := range []string{"putvalue", "call 1", "return"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

// ---------------------------------------------------------------------------
// Artifact serialization
// ---------------------------------------------------------------------------

func TestProgramArtifactRoundTrip(t *testing.T) {
	asm := NewAssembler()
	asm.WritePutString("hello")
	asm.WritePutValue(EncodeInteger(7))
	asm.WriteOp(OpAdd)
	asm.WriteOp(OpReturn)
	child := asm.AddChild()
	child.WriteOp(OpHalt)
	if err := asm.ResolveLabels(); err != nil {
		t.Fatal(err)
	}

	original := &ProgramArtifact{
		Name:      "main",
		Block:     asm.Artifact(),
		LVarCount: 4,
	}

	data, err := MarshalProgram(original)
	if err != nil {
		t.Fatalf("MarshalProgram: %v", err)
	}
	restored, err := UnmarshalProgram(data)
	if err != nil {
		t.Fatalf("UnmarshalProgram: %v", err)
	}

	if restored.Name != "main" || restored.LVarCount != 4 {
		t.Error("program metadata lost")
	}
	if !bytes.Equal(restored.Block.Data, original.Block.Data) {
		t.Error("instruction bytes changed across serialization")
	}
	if len(restored.Block.Constants) != 1 || restored.Block.Constants[0].Str != "hello" {
		t.Error("constants lost")
	}
	if len(restored.Block.Children) != 1 || !bytes.Equal(restored.Block.Children[0].Data, []byte{byte(OpHalt)}) {
		t.Error("child blocks lost")
	}
}

func TestMarshalProgramIsDeterministic(t *testing.T) {
	asm := NewAssembler()
	asm.WritePutString("a")
	asm.WritePutString("b")
	asm.WriteOp(OpAdd)
	asm.WriteOp(OpReturn)
	if err := asm.ResolveLabels(); err != nil {
		t.Fatal(err)
	}
	p := &ProgramArtifact{Name: "m", Block: asm.Artifact()}

	first, err := MarshalProgram(p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := MarshalProgram(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("canonical encoding produced different bytes")
	}
}

func TestUnmarshalProgramRejectsMissingBlock(t *testing.T) {
	data, err := MarshalProgram(&ProgramArtifact{Name: "empty", Block: &BlockArtifact{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalProgram(data); err != nil {
		t.Fatalf("valid program rejected: %v", err)
	}

	if _, err := UnmarshalProgram([]byte{0x01, 0x02}); err == nil {
		t.Error("garbage bytes accepted")
	}

	data, err = MarshalProgram(&ProgramArtifact{Name: "no block"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalProgram(data); err == nil {
		t.Error("program without an entry block accepted")
	}
}

func TestInstalledProgramExecutes(t *testing.T) {
	vm := testVM()

	asm := NewAssembler()
	asm.WritePutString("from artifact: ")
	asm.WritePutValue(EncodeInteger(3))
	asm.WriteOp(OpAdd)
	asm.WriteOp(OpReturn)
	if err := asm.ResolveLabels(); err != nil {
		t.Fatal(err)
	}

	data, err := MarshalProgram(&ProgramArtifact{Name: "main", Block: asm.Artifact()})
	if err != nil {
		t.Fatal(err)
	}
	artifact, err := UnmarshalProgram(data)
	if err != nil {
		t.Fatal(err)
	}

	fn := vm.InstallProgram(artifact)
	result := vm.ExecModule(fn)
	if got := string(result.Cell().StringData()); got != "from artifact: 3" {
		t.Errorf("installed program result = %q", got)
	}

	// Installed literals land in the compiler-side string pool.
	if vm.ctx.Stringpool.Len() == 0 {
		t.Error("string pool not populated at install time")
	}
}
