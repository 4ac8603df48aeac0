// Package lower contains the structural lowering transformations: SSA
// promotion of simple allocas, array-to-structure lowering, bounded-cost
// inlining with call-chain merging, and the continuation-passing conversion.
// All passes run through the rewriter framework and operate on one Method at
// a time.
package lower

import (
	"github.com/lumen-gpu/lumen/internal/ir"
)

// SSABuilder constructs SSA form lazily while blocks are visited in
// dominance order, inserting phis on demand and pruning the trivial ones
// afterwards (the marker-free variant of Braun et al.'s simple SSA
// construction). It is generic over a small key type: SSA promotion keys by
// a (alloca, field-chain) ref, the CPS conversion keys by raw value id.
//
// Protocol: call Write for every definition and Read for every use while
// walking blocks; call Seal once all predecessors of a block have been
// visited. Unsealed blocks receive operandless phis that are completed at
// Seal time.
type SSABuilder[K comparable] struct {
	m      *ir.Method
	typeOf func(K) *ir.TypeNode

	defs       map[ir.BlockID]map[K]ir.ValueID
	incomplete map[ir.BlockID]map[K]ir.ValueID
	sealed     map[ir.BlockID]bool
}

// NewSSABuilder creates a builder for m. typeOf supplies the value type of a
// key, used for phi creation and zero seeding.
func NewSSABuilder[K comparable](m *ir.Method, typeOf func(K) *ir.TypeNode) *SSABuilder[K] {
	return &SSABuilder[K]{
		m:          m,
		typeOf:     typeOf,
		defs:       make(map[ir.BlockID]map[K]ir.ValueID),
		incomplete: make(map[ir.BlockID]map[K]ir.ValueID),
		sealed:     make(map[ir.BlockID]bool),
	}
}

// Write records v as the current definition of key in block.
func (s *SSABuilder[K]) Write(block ir.BlockID, key K, v ir.ValueID) {
	d := s.defs[block]
	if d == nil {
		d = make(map[K]ir.ValueID)
		s.defs[block] = d
	}
	d[key] = v
}

// Read returns the reaching definition of key at the end of block, inserting
// phis at merge points as needed.
func (s *SSABuilder[K]) Read(block ir.BlockID, key K) ir.ValueID {
	if d := s.defs[block]; d != nil {
		if v, ok := d[key]; ok {
			return v
		}
	}
	return s.readRecursive(block, key)
}

func (s *SSABuilder[K]) readRecursive(block ir.BlockID, key K) ir.ValueID {
	var v ir.ValueID
	preds := s.m.Block(block).Preds
	switch {
	case !s.sealed[block]:
		// Not all predecessors known yet; leave an operandless phi to be
		// completed at Seal time.
		v = s.newPhi(block, key)
		inc := s.incomplete[block]
		if inc == nil {
			inc = make(map[K]ir.ValueID)
			s.incomplete[block] = inc
		}
		inc[key] = v
	case len(preds) == 0:
		// Entry reached without a definition: seed the type's zero value.
		b := ir.NewBuilder(s.m)
		b.SetAppend(s.m.Entry())
		if vals := s.m.Block(s.m.Entry()).Values; len(vals) > 0 {
			b.SetInsertPoint(s.m.Entry(), vals[0])
		}
		v = b.Null(s.typeOf(key))
	case len(preds) == 1:
		v = s.Read(preds[0], key)
	default:
		// Break potential cycles through loops by defining the phi first.
		phi := s.newPhi(block, key)
		s.Write(block, key, phi)
		v = s.addPhiOperands(block, key, phi)
	}
	s.Write(block, key, v)
	return v
}

// Seal marks all predecessors of block as final and completes the pending
// phis recorded while the block was unsealed.
func (s *SSABuilder[K]) Seal(block ir.BlockID) {
	if s.sealed[block] {
		return
	}
	s.sealed[block] = true
	for key, phi := range s.incomplete[block] {
		s.addPhiOperands(block, key, phi)
	}
	delete(s.incomplete, block)
}

func (s *SSABuilder[K]) newPhi(block ir.BlockID, key K) ir.ValueID {
	b := ir.NewBuilder(s.m)
	b.SetAppend(block)
	return b.Phi(s.typeOf(key))
}

func (s *SSABuilder[K]) addPhiOperands(block ir.BlockID, key K, phi ir.ValueID) ir.ValueID {
	b := ir.NewBuilder(s.m)
	for _, pred := range s.m.Block(block).Preds {
		b.AddPhiIncoming(phi, pred, s.Read(pred, key))
	}
	return s.tryRemoveTrivialPhi(phi)
}

// tryRemoveTrivialPhi replaces a phi that merges a single distinct value
// (ignoring self-references) by that value, then re-examines phi users that
// may have become trivial in turn.
func (s *SSABuilder[K]) tryRemoveTrivialPhi(phi ir.ValueID) ir.ValueID {
	p := s.m.Value(phi)
	same := ir.InvalidValue
	for _, op := range p.Operands {
		if op == phi || op == same {
			continue
		}
		if same != ir.InvalidValue {
			return phi // merges at least two values; not trivial
		}
		same = op
	}
	if same == ir.InvalidValue {
		// Unreachable or self-referencing only; keep as the zero seed.
		b := ir.NewBuilder(s.m)
		b.SetInsertPoint(p.Block, phi)
		same = b.Null(p.Type)
	}

	users := append([]ir.ValueID(nil), p.Uses()...)
	s.m.ReplaceAndRemove(phi, same)
	s.replaceInDefs(phi, same)

	for _, u := range users {
		if u == phi {
			continue
		}
		uv := s.m.Value(u)
		if uv.Kind == ir.KindPhi && !uv.IsDead() {
			s.tryRemoveTrivialPhi(u)
		}
	}
	return same
}

func (s *SSABuilder[K]) replaceInDefs(old, new ir.ValueID) {
	for _, d := range s.defs {
		for k, v := range d {
			if v == old {
				d[k] = new
			}
		}
	}
}
