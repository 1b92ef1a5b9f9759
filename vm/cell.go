package vm

// Heap cell header layout: a 5-bit type tag, a mark bit and a short-string
// bit packed into a single byte.
const (
	flagType        uint8 = 0b00011111
	flagMark        uint8 = 0b00100000
	flagShortString uint8 = 0b01000000
)

// Heap cell types. A freshly swept cell is zeroed, so TypeDead must be zero.
const (
	TypeDead uint8 = iota
	TypeInteger
	TypeFloat
	TypeString
	TypeNumeric
	TypeBoolean
	TypeNull
	TypeObject
	TypeArray
	TypeFunction
	TypeCFunction
	TypeClass
	TypeSymbol

	// Machine internal types
	TypeFrame
	TypeCatchTable
	TypeInstructionBlock
	TypeCPointer
	TypeGenerator

	typeCount
)

// typeNames indexes type tags to their user-visible names.
var typeNames = [typeCount]string{
	"dead",
	"integer",
	"float",
	"string",
	"numeric",
	"boolean",
	"null",
	"object",
	"array",
	"function",
	"cfunction",
	"class",
	"symbol",
	"frame",
	"catchtable",
	"instructionblock",
	"cpointer",
	"generator",
}

// TypeName returns the user-visible name of a type tag.
func TypeName(t uint8) string {
	if t < typeCount {
		return typeNames[t]
	}
	return "unknown"
}

// Address identifies a position inside an instruction block's byte buffer.
// A nil Block means "no address".
type Address struct {
	Block  *MemoryCell
	Offset int
}

// Valid reports whether the address points into a block.
func (a Address) Valid() bool {
	return a.Block != nil
}

// ---------------------------------------------------------------------------
// Cell variants
// ---------------------------------------------------------------------------

// Free links dead cells into the allocator's free list.
type Free struct {
	Next *MemoryCell
}

// Object is a class instance: a class reference plus a symbol -> value
// container.
type Object struct {
	Klass     VALUE
	Container map[VALUE]VALUE
}

// Array is an ordered sequence of values.
type Array struct {
	Data []VALUE
}

// shortStringMaxSize is the largest string stored inline in the cell.
const shortStringMaxSize = 62

// String stores its bytes inline while they fit, and spills into a
// separately allocated buffer beyond shortStringMaxSize. The short-string
// header bit selects the active representation.
type String struct {
	ShortLen  uint8
	ShortData [shortStringMaxSize]byte
	LongData  []byte
}

// Float is the boxed representation for doubles that do not fit the
// immediate encoding.
type Float struct {
	Value float64
}

// Function is a bytecode function.
type Function struct {
	Name           VALUE
	ArgC           uint32
	LVarCount      uint32
	Context        *MemoryCell // lexical parent frame
	Body           Address
	Anonymous      bool
	NeedsArguments bool
	BoundSelfSet   bool
	BoundSelf      VALUE
	Container      map[VALUE]VALUE
}

// CFunc is the uniform native call signature. Arguments arrive padded with
// null up to the declared arity; the return value is pushed by the caller.
type CFunc func(vm *VM, argv []VALUE) VALUE

// CFunction wraps a native function for use as a first-class value.
type CFunction struct {
	Name         VALUE
	Fn           CFunc
	ArgC         uint32
	BoundSelfSet bool
	BoundSelf    VALUE
	Container    map[VALUE]VALUE
}

// Class describes a user-defined class.
type Class struct {
	Name             VALUE
	Constructor      VALUE
	MemberProperties []VALUE
	Prototype        VALUE
	ParentClass      VALUE
	Container        map[VALUE]VALUE
}

// Frame is an activation record. Parent is the caller; ParentEnvironment is
// the lexical parent whose locals are visible as free variables.
type Frame struct {
	Parent               *MemoryCell
	ParentEnvironment    *MemoryCell
	LastActiveCatchtable *MemoryCell
	Function             *MemoryCell
	Environment          []VALUE
	Self                 VALUE
	ReturnAddress        Address
	HaltAfterReturn      bool

	// Set when this frame belongs to a suspended-resumable generator.
	Generator *MemoryCell
}

// CatchTable is a handler record on the catch stack.
type CatchTable struct {
	Address   Address
	Stacksize int
	Frame     *MemoryCell
	Parent    *MemoryCell
}

// InstructionBlock is the compiled bytecode artifact: a linear byte buffer,
// its embedded constants and the child blocks of nested functions.
type InstructionBlock struct {
	Data      []byte
	Constants []VALUE
	Children  []*MemoryCell
}

// CPointer carries an opaque native payload. The destructor runs exactly
// once when the cell is collected.
type CPointer struct {
	Data       any
	Destructor func(any)
}

// Generator is a resumable function activation. The frame and the saved
// operand-stack slice are captured at each yield.
type Generator struct {
	Name         VALUE
	Function     VALUE
	ContextFrame *MemoryCell
	OwnFrame     *MemoryCell
	Resume       Address
	SavedStack   []VALUE
	StackBase    int
	Started      bool
	Finished     bool
}

// ---------------------------------------------------------------------------
// MemoryCell
// ---------------------------------------------------------------------------

// MemoryCell is one fixed-size heap slot. Go has no unions, so the cell
// carries one field per variant; the header type tag selects which one is
// live. Cells are zeroed on sweep, which resets them to TypeDead.
type MemoryCell struct {
	flags uint8

	Free       Free
	Object     Object
	Array      Array
	String     String
	Float      Float
	Function   Function
	CFunction  CFunction
	Class      Class
	Frame      Frame
	CatchTable CatchTable
	Block      InstructionBlock
	CPointer   CPointer
	Generator  Generator
}

// Type returns the cell's type tag.
func (c *MemoryCell) Type() uint8 {
	return c.flags & flagType
}

// SetType sets the cell's type tag, preserving the other header bits.
func (c *MemoryCell) SetType(t uint8) {
	c.flags = (c.flags &^ flagType) | (t & flagType)
}

// Mark returns the cell's GC mark bit.
func (c *MemoryCell) Mark() bool {
	return c.flags&flagMark != 0
}

// SetMark sets or clears the GC mark bit.
func (c *MemoryCell) SetMark(m bool) {
	if m {
		c.flags |= flagMark
	} else {
		c.flags &^= flagMark
	}
}

// ShortString returns the short-string header bit.
func (c *MemoryCell) ShortString() bool {
	return c.flags&flagShortString != 0
}

// SetShortString sets or clears the short-string header bit.
func (c *MemoryCell) SetShortString(s bool) {
	if s {
		c.flags |= flagShortString
	} else {
		c.flags &^= flagShortString
	}
}

// Value returns the tagged pointer value for this cell.
func (c *MemoryCell) Value() VALUE {
	return FromPointer(c)
}

// ---------------------------------------------------------------------------
// String access
// ---------------------------------------------------------------------------

// SetStringData stores bytes into the cell, choosing the short or long
// representation by length.
func (c *MemoryCell) SetStringData(data []byte) {
	if len(data) <= shortStringMaxSize {
		c.SetShortString(true)
		c.String.ShortLen = uint8(len(data))
		copy(c.String.ShortData[:], data)
		c.String.LongData = nil
		return
	}
	c.SetShortString(false)
	c.String.LongData = make([]byte, len(data))
	copy(c.String.LongData, data)
}

// StringData returns the active byte slice of a string cell.
func (c *MemoryCell) StringData() []byte {
	if c.ShortString() {
		return c.String.ShortData[:c.String.ShortLen]
	}
	return c.String.LongData
}

// StringLength returns the byte length of a string cell.
func (c *MemoryCell) StringLength() int {
	if c.ShortString() {
		return int(c.String.ShortLen)
	}
	return len(c.String.LongData)
}

// ---------------------------------------------------------------------------
// Typed views
// ---------------------------------------------------------------------------

// containerOf returns the property container of a value, if its type has
// one. Only objects, classes, functions and cfunctions carry containers.
func containerOf(v VALUE) map[VALUE]VALUE {
	if !v.IsPointer() {
		return nil
	}
	cell := v.Cell()
	switch cell.Type() {
	case TypeObject:
		return cell.Object.Container
	case TypeClass:
		return cell.Class.Container
	case TypeFunction:
		return cell.Function.Container
	case TypeCFunction:
		return cell.CFunction.Container
	}
	return nil
}

// typeOf returns the type tag of any value, immediates included.
func typeOf(v VALUE) uint8 {
	switch {
	case v.IsInteger(), v.IsIFloat():
		return TypeNumeric
	case v.IsBoolean():
		return TypeBoolean
	case v.IsNull():
		return TypeNull
	case v.IsSymbol():
		return TypeSymbol
	case v.IsPointer():
		t := v.Cell().Type()
		if t == TypeFloat {
			return TypeNumeric
		}
		return t
	}
	return TypeDead
}
