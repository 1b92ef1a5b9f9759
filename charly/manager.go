// Package charly holds the process-wide compiler state the VM consumes:
// the symbol table and the string pool.
package charly

// Manager bundles the interning tables. It is initialized once at startup
// and treated as read-only by the VM after bootstrap.
type Manager struct {
	Symtable   *SymbolTable
	Stringpool *StringPool
}

// Symbols every compiled program can rely on being present. Operators first,
// then the well-known member names, then the typeof strings.
var preregisteredSymbols = []string{
	"+", "-", "*", "/", "%", "**",
	"+@", "-@",
	"==", "<", ">", "<=", ">=",
	"<<", ">>", "&", "|", "^", "~@",
	"klass", "name", "prototype", "parent_class", "length",

	"dead", "class", "object", "array", "string",
	"function", "cfunction", "generator", "frame", "catchtable",
	"cpointer", "numeric", "boolean", "null", "symbol", "unknown",
}

// NewManager creates a compiler manager with the well-known symbols
// pre-registered.
func NewManager() *Manager {
	m := &Manager{
		Symtable:   NewSymbolTable(),
		Stringpool: NewStringPool(),
	}
	for _, sym := range preregisteredSymbols {
		m.Symtable.Encode(sym)
	}
	return m
}
