package ir

import (
	"fmt"
	"strings"
)

// FieldRef names a promoted memory location symbolically: a base allocation
// projected through a chain of struct-field indices. It never materializes an
// address; SSA promotion uses it to rewrite loads and stores of promoted
// allocas into GetField/SetField register operations.
type FieldRef struct {
	Base  ValueID
	Chain []int
}

// Append returns a new ref with the chain extended by field.
func (r FieldRef) Append(field int) FieldRef {
	chain := make([]int, len(r.Chain)+1)
	copy(chain, r.Chain)
	chain[len(r.Chain)] = field
	return FieldRef{Base: r.Base, Chain: chain}
}

// IsDirect reports whether the ref names the whole allocation.
func (r FieldRef) IsDirect() bool { return len(r.Chain) == 0 }

// Key returns a map key identifying this (base, chain) pair.
func (r FieldRef) Key() string {
	if len(r.Chain) == 0 {
		return fmt.Sprintf("v%d", r.Base)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "v%d", r.Base)
	for _, f := range r.Chain {
		fmt.Fprintf(&b, ".%d", f)
	}
	return b.String()
}

// ResolveType walks the chain starting at the alloca's allocated type.
func (r FieldRef) ResolveType(m *Method) *TypeNode {
	t := m.Value(r.Base).Type.Elem
	for _, f := range r.Chain {
		if t.Kind != TypeStruct || f >= len(t.Fields) {
			panic(fmt.Sprintf("ir: field chain %s walks outside its type", r.Key()))
		}
		t = t.Fields[f].Type
	}
	return t
}
