package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical encoding so identical programs serialize to
// identical bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalProgram serializes a program artifact to CBOR bytes.
func MarshalProgram(p *ProgramArtifact) ([]byte, error) {
	return cborEncMode.Marshal(p)
}

// UnmarshalProgram deserializes a program artifact from CBOR bytes.
func UnmarshalProgram(data []byte) (*ProgramArtifact, error) {
	var p ProgramArtifact
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("vm: unmarshal program: %w", err)
	}
	if p.Block == nil {
		return nil, fmt.Errorf("vm: unmarshal program: missing entry block")
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// Installation
// ---------------------------------------------------------------------------

// InstallBlock materializes a block artifact as heap cells. String
// constants become string cells; raw constants are taken verbatim.
func (vm *VM) InstallBlock(artifact *BlockArtifact) *MemoryCell {
	mc := vm.NewManagedContext()
	defer mc.Release()
	return vm.installBlock(mc, artifact)
}

func (vm *VM) installBlock(mc *ManagedContext, artifact *BlockArtifact) *MemoryCell {
	cell := vm.gc.Allocate()
	cell.SetType(TypeInstructionBlock)
	cell.Block.Data = append([]byte(nil), artifact.Data...)
	mc.Track(cell.Value())

	for _, constant := range artifact.Constants {
		switch constant.Kind {
		case ConstString:
			// String literals register in the pool, so the compiler side and
			// the installed program agree on interned literals.
			vm.ctx.Stringpool.Intern(constant.Str)
			cell.Block.Constants = append(cell.Block.Constants, mc.CreateString(constant.Str))
		default:
			cell.Block.Constants = append(cell.Block.Constants, VALUE(constant.Raw))
		}
	}
	for _, child := range artifact.Children {
		cell.Block.Children = append(cell.Block.Children, vm.installBlock(mc, child))
	}
	return cell
}

// InstallProgram materializes a program artifact and wraps its entry block
// into a module function ready for ExecModule.
func (vm *VM) InstallProgram(artifact *ProgramArtifact) VALUE {
	mc := vm.NewManagedContext()
	defer mc.Release()

	block := vm.installBlock(mc, artifact.Block)
	mc.Track(block.Value())

	name := SymbolFromName(vm.ctx.Symtable, artifact.Name)
	saved := vm.frames
	vm.frames = vm.topFrame
	fn := vm.CreateFunction(name, Address{Block: block}, 0, artifact.LVarCount, false, false)
	vm.frames = saved
	return fn
}
