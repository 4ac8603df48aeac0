package lower

import (
	"github.com/lumen-gpu/lumen/internal/ir"
	"github.com/lumen-gpu/lumen/internal/ir/analysis"
)

// PromoteAllocas eliminates simple stack allocations, replacing their memory
// traffic with direct SSA values and phis. An alloca qualifies when every
// transitive use is a Load, a Store of the location (not of the address
// itself), a LoadFieldAddress or an AddressSpaceCast; any other consumer
// requires a real address and disqualifies it. Returns whether the method
// changed.
func PromoteAllocas(m *ir.Method) bool {
	m.PruneUnreachable()
	m.RecomputePreds()

	promotable := classifyAllocas(m)
	if len(promotable) == 0 {
		return false
	}

	dom := analysis.ComputeDominators(m)
	order := dom.DominanceOrder()

	ssa := NewSSABuilder(m, func(base ir.ValueID) *ir.TypeNode {
		return m.Value(base).Type.Elem
	})

	// Derived address values (field projections, space casts) resolve to a
	// symbolic FieldRef instead of emitting anything.
	refs := make(map[ir.ValueID]ir.FieldRef)
	for a := range promotable {
		refs[a] = ir.FieldRef{Base: a}
	}

	// Seal tracking: a block is sealed once all predecessors were visited.
	visited := make(map[ir.BlockID]bool)
	pending := make(map[ir.BlockID]int)
	for _, b := range order {
		pending[b] = len(m.Block(b).Preds)
	}
	ssa.Seal(m.Entry())

	changed := false
	for _, bid := range order {
		visited[bid] = true
		values := append([]ir.ValueID(nil), m.Block(bid).Values...)
		for _, vid := range values {
			v := m.Value(vid)
			if v.IsDead() {
				continue
			}
			switch v.Kind {
			case ir.KindAlloca:
				if _, ok := promotable[vid]; !ok {
					continue
				}
				// Seed the promoted location with its zero value.
				b := ir.NewBuilder(m)
				b.SetInsertPoint(bid, vid)
				ssa.Write(bid, vid, b.Null(v.Type.Elem))
				changed = true

			case ir.KindLoadFieldAddress:
				ref, ok := refs[v.Operands[0]]
				if !ok {
					continue
				}
				// Pure compile-time bookkeeping: extend the chain.
				refs[vid] = ref.Append(v.Field)

			case ir.KindAddressSpaceCast:
				ref, ok := refs[v.Operands[0]]
				if !ok {
					continue
				}
				refs[vid] = ref

			case ir.KindLoad:
				ref, ok := refs[v.Operands[0]]
				if !ok {
					continue // source never resolved to a promoted binding
				}
				cur := ssa.Read(bid, ref.Base)
				repl := cur
				if !ref.IsDirect() {
					b := ir.NewBuilder(m)
					b.SetInsertPoint(bid, vid)
					for _, f := range ref.Chain {
						repl = b.GetField(repl, f)
					}
				}
				m.ReplaceAndRemove(vid, repl)
				changed = true

			case ir.KindStore:
				ref, ok := refs[v.Operands[0]]
				if !ok {
					continue
				}
				stored := v.Operands[1]
				cur := ssa.Read(bid, ref.Base)
				b := ir.NewBuilder(m)
				b.SetInsertPoint(bid, vid)
				ssa.Write(bid, ref.Base, setThroughChain(b, cur, ref.Chain, stored))
				m.Remove(vid)
				changed = true
			}
		}

		for _, s := range m.Successors(bid) {
			pending[s]--
		}
		for b, n := range pending {
			if n == 0 && allPredsVisited(m, b, visited) {
				ssa.Seal(b)
				delete(pending, b)
			}
		}
	}
	// Anything left pending sits on an unreachable cycle; seal it so pending
	// phis get completed.
	for b := range pending {
		ssa.Seal(b)
	}

	// The address projections and the allocas themselves are now dead.
	removeDeadRefs(m, refs, promotable)
	return changed
}

func allPredsVisited(m *ir.Method, b ir.BlockID, visited map[ir.BlockID]bool) bool {
	for _, p := range m.Block(b).Preds {
		if !visited[p] {
			return false
		}
	}
	return true
}

// setThroughChain rebuilds the whole aggregate with the location named by
// chain replaced by v: a direct store is a whole-value assignment, a nested
// one unwraps with GetField and rewraps with SetField level by level.
func setThroughChain(b *ir.Builder, cur ir.ValueID, chain []int, v ir.ValueID) ir.ValueID {
	if len(chain) == 0 {
		return v
	}
	f := chain[0]
	if len(chain) == 1 {
		return b.SetField(cur, f, v)
	}
	inner := b.GetField(cur, f)
	return b.SetField(cur, f, setThroughChain(b, inner, chain[1:], v))
}

// classifyAllocas returns the allocas whose uses all stay within the
// promotable set of consumers, walking transitively through address
// projections.
func classifyAllocas(m *ir.Method) map[ir.ValueID]struct{} {
	out := make(map[ir.ValueID]struct{})
	for i := 0; i < m.NumValues(); i++ {
		id := ir.ValueID(i)
		v := m.Value(id)
		if v.IsDead() || v.Kind != ir.KindAlloca {
			continue
		}
		if addressEscapes(m, id) {
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

func addressEscapes(m *ir.Method, addr ir.ValueID) bool {
	for _, user := range m.Value(addr).Uses() {
		u := m.Value(user)
		switch u.Kind {
		case ir.KindLoad:
			// reading through the address is fine
		case ir.KindStore:
			if u.Operands[1] == addr {
				return true // the address itself is stored somewhere
			}
		case ir.KindLoadFieldAddress, ir.KindAddressSpaceCast:
			if addressEscapes(m, user) {
				return true
			}
		default:
			// arithmetic, call argument, return, atomic: address required
			return true
		}
	}
	return false
}

// removeDeadRefs unlinks the now-unused address projections innermost-first,
// then the allocas. An alloca with zero loads and stores simply disappears.
func removeDeadRefs(m *ir.Method, refs map[ir.ValueID]ir.FieldRef, allocas map[ir.ValueID]struct{}) {
	for {
		removed := false
		for id := range refs {
			v := m.Value(id)
			if v.IsDead() || v.Kind == ir.KindAlloca {
				continue
			}
			if v.NumUses() == 0 {
				m.Remove(id)
				delete(refs, id)
				removed = true
			}
		}
		if !removed {
			break
		}
	}
	for a := range allocas {
		if v := m.Value(a); !v.IsDead() && v.NumUses() == 0 {
			m.Remove(a)
		}
	}
}
