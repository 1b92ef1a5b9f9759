package charly

import "sync"

// StringPool interns string literals produced by the compiler. Entries are
// addressed by index; the pool only grows, so indices stay stable and the
// assembler can embed them as putstring operands.
type StringPool struct {
	mu      sync.RWMutex
	entries []string
	index   map[string]uint32
}

// NewStringPool creates a new empty string pool.
func NewStringPool() *StringPool {
	return &StringPool{
		entries: make([]string, 0, 64),
		index:   make(map[string]uint32),
	}
}

// Intern returns the pool index for a literal, adding it if needed.
func (sp *StringPool) Intern(s string) uint32 {
	sp.mu.RLock()
	if idx, ok := sp.index[s]; ok {
		sp.mu.RUnlock()
		return idx
	}
	sp.mu.RUnlock()

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if idx, ok := sp.index[s]; ok {
		return idx
	}
	idx := uint32(len(sp.entries))
	sp.entries = append(sp.entries, s)
	sp.index[s] = idx
	return idx
}

// Get returns the literal at an index, or "" if the index is invalid.
func (sp *StringPool) Get(idx uint32) string {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	if int(idx) >= len(sp.entries) {
		return ""
	}
	return sp.entries[idx]
}

// Len returns the number of pooled literals.
func (sp *StringPool) Len() int {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return len(sp.entries)
}

// All returns all pooled literals in index order.
func (sp *StringPool) All() []string {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	result := make([]string, len(sp.entries))
	copy(result, sp.entries)
	return result
}
