package vm

import "github.com/zld3002/charly-vm/charly"

// Well-known member symbols, resolvable without a table because symbol ids
// are pure hashes.
var (
	symKlass       = VALUE(charly.SymbolID("klass"))
	symName        = VALUE(charly.SymbolID("name"))
	symPrototype   = VALUE(charly.SymbolID("prototype"))
	symParentClass = VALUE(charly.SymbolID("parent_class"))
	symLength      = VALUE(charly.SymbolID("length"))
)

// ReadMemberSymbol resolves a property on a value:
//
//  1. the value's own container
//  2. built-in members (klass, length, name, prototype, parent_class)
//  3. the class chain, prototype containers first, parents after
//
// A miss reads as null.
func (vm *VM) ReadMemberSymbol(source, symbol VALUE) VALUE {
	if container := containerOf(source); container != nil {
		if v, ok := container[symbol]; ok {
			return v
		}
	}

	if v, ok := vm.builtinMember(source, symbol); ok {
		return v
	}

	if klass := vm.classOf(source); klass != Null {
		if v, ok := vm.findPrototypeValue(klass, symbol); ok {
			return v
		}
	}
	return Null
}

// SetMemberSymbol writes a property onto a value's container. Writing to a
// value without a container is a type mismatch and throws.
func (vm *VM) SetMemberSymbol(target, symbol, value VALUE) VALUE {
	container := containerOf(target)
	if container == nil {
		vm.ThrowMessage("cannot assign property to a value of type " + vm.typeOfName(target))
		return Null
	}
	container[symbol] = value
	return value
}

// ReadMemberValue resolves a property by a dynamic key. Integer keys index
// arrays; strings and symbols resolve like readmembersymbol.
func (vm *VM) ReadMemberValue(source, key VALUE) VALUE {
	if key.IsInteger() && isArrayValue(source) {
		data := source.Cell().Array.Data
		index := normalizeIndex(key.DecodeInteger(), len(data))
		if index < 0 {
			return Null
		}
		return data[index]
	}
	return vm.ReadMemberSymbol(source, vm.symbolizeKey(key))
}

// SetMemberValue writes a property by a dynamic key.
func (vm *VM) SetMemberValue(target, key, value VALUE) VALUE {
	if key.IsInteger() && isArrayValue(target) {
		data := target.Cell().Array.Data
		index := normalizeIndex(key.DecodeInteger(), len(data))
		if index < 0 {
			vm.ThrowMessage("array index out of bounds")
			return Null
		}
		data[index] = value
		return value
	}
	return vm.SetMemberSymbol(target, vm.symbolizeKey(key), value)
}

// ReadArrayIndex reads a fixed element. Out-of-range reads yield null.
func (vm *VM) ReadArrayIndex(source VALUE, index uint32) VALUE {
	if !isArrayValue(source) {
		vm.ThrowMessage("expected array, got " + vm.typeOfName(source))
		return Null
	}
	data := source.Cell().Array.Data
	if int(index) >= len(data) {
		return Null
	}
	return data[index]
}

// SetArrayIndex writes a fixed element. Out-of-range writes throw.
func (vm *VM) SetArrayIndex(target VALUE, index uint32, value VALUE) VALUE {
	if !isArrayValue(target) {
		vm.ThrowMessage("expected array, got " + vm.typeOfName(target))
		return Null
	}
	data := target.Cell().Array.Data
	if int(index) >= len(data) {
		vm.ThrowMessage("array index out of bounds")
		return Null
	}
	data[index] = value
	return value
}

// ---------------------------------------------------------------------------
// Lookup internals
// ---------------------------------------------------------------------------

// builtinMember resolves the machine-provided members that exist without
// any prelude.
func (vm *VM) builtinMember(source, symbol VALUE) (VALUE, bool) {
	switch {
	case symbol == symLength && isArrayValue(source):
		return EncodeInteger(int64(len(source.Cell().Array.Data))), true
	case symbol == symLength && isStringValue(source):
		return EncodeInteger(int64(source.Cell().StringLength())), true
	case symbol == symKlass && source.IsPointer() && source.Cell().Type() == TypeObject:
		return source.Cell().Object.Klass, true
	}

	if source.IsPointer() {
		cell := source.Cell()
		switch cell.Type() {
		case TypeClass:
			switch symbol {
			case symName:
				return vm.symbolToString(cell.Class.Name), true
			case symPrototype:
				return cell.Class.Prototype, true
			case symParentClass:
				return cell.Class.ParentClass, true
			}
		case TypeFunction:
			if symbol == symName {
				return vm.symbolToString(cell.Function.Name), true
			}
		case TypeCFunction:
			if symbol == symName {
				return vm.symbolToString(cell.CFunction.Name), true
			}
		}
	}
	return Null, false
}

// classOf determines the class used for method resolution on a value.
// Objects carry their own class; classes resolve through the primitive
// class registry like every other non-object type.
func (vm *VM) classOf(v VALUE) VALUE {
	if v.IsPointer() {
		switch cell := v.Cell(); cell.Type() {
		case TypeObject:
			if cell.Object.Klass != Null {
				return cell.Object.Klass
			}
			return vm.primitiveObject
		case TypeClass:
			return vm.primitiveClass
		case TypeArray:
			return vm.primitiveArray
		case TypeString:
			return vm.primitiveString
		case TypeFloat:
			return vm.primitiveNumber
		case TypeFunction, TypeCFunction:
			return vm.primitiveFunction
		case TypeGenerator:
			return vm.primitiveGenerator
		}
		return vm.primitiveValue
	}

	switch {
	case v.IsInteger(), v.IsIFloat():
		return vm.primitiveNumber
	case v.IsBoolean():
		return vm.primitiveBoolean
	case v.IsNull():
		return vm.primitiveNull
	}
	return vm.primitiveValue
}

// findPrototypeValue walks a class chain looking for a symbol. Each class
// is checked through its prototype's container only, then the walk defers
// to the parent class. The class's own container holds statics; those are
// visible on the class value itself, never through its instances.
func (vm *VM) findPrototypeValue(klass, symbol VALUE) (VALUE, bool) {
	for klass.IsPointer() && klass.Cell().Type() == TypeClass {
		c := &klass.Cell().Class
		if proto := containerOf(c.Prototype); proto != nil {
			if v, ok := proto[symbol]; ok {
				return v, true
			}
		}
		klass = c.ParentClass
	}
	return Null, false
}

// symbolizeKey converts a dynamic member key into a symbol. Strings hash
// through the symbol table so `obj["name"]` and `obj.name` agree.
func (vm *VM) symbolizeKey(key VALUE) VALUE {
	if key.IsSymbol() {
		return key
	}
	if isStringValue(key) {
		return SymbolFromName(vm.ctx.Symtable, string(key.Cell().StringData()))
	}
	return SymbolFromName(vm.ctx.Symtable, vm.toString(key))
}

// symbolToString materializes a symbol's interned string, or null if the
// symbol is unknown to the table.
func (vm *VM) symbolToString(symbol VALUE) VALUE {
	if name, ok := vm.ctx.Symtable.Decode(uint64(symbol)); ok {
		return vm.CreateString([]byte(name))
	}
	return Null
}

func isArrayValue(v VALUE) bool {
	return v.IsPointer() && v.Cell().Type() == TypeArray
}

// normalizeIndex maps negative indices from the end and rejects
// out-of-range access.
func normalizeIndex(index int64, length int) int {
	if index < 0 {
		index += int64(length)
	}
	if index < 0 || index >= int64(length) {
		return -1
	}
	return int(index)
}
