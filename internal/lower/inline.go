package lower

import (
	"github.com/lumen-gpu/lumen/internal/ir"
	"github.com/lumen-gpu/lumen/internal/ir/analysis"
)

// InlinePolicy decides whether a particular call should be inlined.
type InlinePolicy interface {
	ShouldInline(caller, callee *ir.Method) bool
}

// NeverInline disables inlining entirely.
type NeverInline struct{}

// ShouldInline implements InlinePolicy.
func (NeverInline) ShouldInline(_, _ *ir.Method) bool { return false }

// AlwaysInline inlines every call unless the callee is explicitly excluded.
type AlwaysInline struct{}

// ShouldInline implements InlinePolicy.
func (AlwaysInline) ShouldInline(_, callee *ir.Method) bool {
	return !callee.HasFlags(ir.FlagNoInlining)
}

// ExplicitInline inlines only callees explicitly marked for inlining.
type ExplicitInline struct{}

// ShouldInline implements InlinePolicy.
func (ExplicitInline) ShouldInline(_, callee *ir.Method) bool {
	return callee.HasFlags(ir.FlagInline) && !callee.HasFlags(ir.FlagNoInlining)
}

// BudgetInline inlines callees below a block and value budget.
type BudgetInline struct {
	MaxBlocks int
	MaxValues int
}

// ShouldInline implements InlinePolicy.
func (p BudgetInline) ShouldInline(_, callee *ir.Method) bool {
	if callee.HasFlags(ir.FlagNoInlining) {
		return false
	}
	return len(callee.Blocks()) <= p.MaxBlocks && callee.NumLiveValues() <= p.MaxValues
}

// Inline walks the caller's blocks depth-first from entry and replaces each
// policy-eligible call in place by a specialized copy of the callee's
// blocks. After splicing, traversal continues into the spliced-in entry
// rather than advancing, so calls introduced by the inlined body are
// considered within the same pass. Inlining is pure substitution of the
// callee body for the call site; observable semantics never change.
// Self-recursive callees are never inlined regardless of policy (the pass
// would not terminate); mutual recursion must be excluded upstream via the
// no-inlining flag set by cycle detection.
func Inline(m *ir.Method, policy InlinePolicy) bool {
	changed := false
	visited := make(map[ir.BlockID]bool)
	stack := []ir.BlockID{m.Entry()}

	for len(stack) > 0 {
		bid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[bid] {
			continue
		}
		visited[bid] = true

		if entry, ok := inlineFirstCall(m, bid, policy); ok {
			changed = true
			// Continue into the spliced-in blocks; the remainder of the
			// original block now lives behind them.
			visited[bid] = false
			stack = append(stack, entry)
			continue
		}
		for _, s := range m.Successors(bid) {
			if !visited[s] {
				stack = append(stack, s)
			}
		}
	}
	if changed {
		m.RecomputePreds()
	}
	return changed
}

// inlineFirstCall inlines the first eligible call of block bid, returning
// the spliced callee entry block.
func inlineFirstCall(m *ir.Method, bid ir.BlockID, policy InlinePolicy) (ir.BlockID, bool) {
	for _, vid := range m.Block(bid).Values {
		v := m.Value(vid)
		if v.Kind != ir.KindCall {
			continue
		}
		callee := v.Callee
		if callee == m || !policy.ShouldInline(m, callee) {
			continue
		}
		return spliceCall(m, bid, vid, callee), true
	}
	return ir.InvalidBlock, false
}

// spliceCall replaces one call by a specialized copy of the callee: the
// caller block is split at the call, every callee block is cloned with the
// call arguments substituted for the parameters, callee returns become
// branches to the continuation, and the returned values merge into the
// call's replacement.
func spliceCall(m *ir.Method, bid ir.BlockID, callID ir.ValueID, callee *ir.Method) ir.BlockID {
	args := append([]ir.ValueID(nil), m.Value(callID).Operands...)

	blk := m.Block(bid)
	callIdx := -1
	for i, vid := range blk.Values {
		if vid == callID {
			callIdx = i
			break
		}
	}

	// Split: everything after the call moves to the continuation block.
	cont := m.NewBlock(blk.Name + ".cont")
	blk = m.Block(bid) // NewBlock may move the arena
	tail := append([]ir.ValueID(nil), blk.Values[callIdx+1:]...)
	blk.Values = blk.Values[:callIdx+1]
	contBlk := m.Block(cont)
	contBlk.Values = tail
	for _, vid := range tail {
		m.Value(vid).Block = cont
	}

	// Successor phis recorded the original block as their incoming edge;
	// the edge now leaves the continuation.
	retargetPhiEdges(m, cont, bid)

	// Clone the callee body.
	blockMap := make(map[ir.BlockID]ir.BlockID)
	calleeBlocks := analysis.ReversePostOrder(callee)
	for _, cb := range calleeBlocks {
		blockMap[cb] = m.NewBlock(callee.Name + "." + callee.Block(cb).Name)
	}

	valueMap := make(map[ir.ValueID]ir.ValueID)
	for i, p := range callee.Params {
		valueMap[p] = args[i]
	}

	type fixup struct {
		clone ir.ValueID
		slot  int
		src   ir.ValueID
	}
	type retEdge struct {
		block ir.BlockID
		value ir.ValueID
	}
	var fixups []fixup
	var rets []retEdge

	for _, cb := range calleeBlocks {
		target := blockMap[cb]
		for _, cvid := range callee.Block(cb).Values {
			cv := callee.Value(cvid)
			if cv.Kind == ir.KindReturn {
				ret := ir.InvalidValue
				if len(cv.Operands) > 0 {
					ret = valueMap[cv.Operands[0]]
				}
				rets = append(rets, retEdge{block: target, value: ret})
				b := ir.NewBuilder(m)
				b.SetAppend(target)
				b.Branch(cont)
				continue
			}
			var pending []int
			operands := make([]ir.ValueID, len(cv.Operands))
			for i, op := range cv.Operands {
				if op == ir.InvalidValue {
					operands[i] = ir.InvalidValue
					continue
				}
				if mapped, ok := valueMap[op]; ok {
					operands[i] = mapped
				} else {
					// Phi edge closing a cycle; patch once the def is cloned.
					operands[i] = ir.InvalidValue
					pending = append(pending, i)
				}
			}
			targets := make([]ir.BlockID, len(cv.Targets))
			for i, t := range cv.Targets {
				targets[i] = blockMap[t]
			}
			incoming := make([]ir.BlockID, len(cv.Incoming))
			for i, in := range cv.Incoming {
				incoming[i] = blockMap[in]
			}
			clone := m.AppendClone(target, cv, operands, targets, incoming)
			valueMap[cvid] = clone
			for _, slot := range pending {
				fixups = append(fixups, fixup{clone: clone, slot: slot, src: cv.Operands[slot]})
			}
		}
	}
	for _, f := range fixups {
		m.SetOperand(f.clone, f.slot, valueMap[f.src])
	}

	// Jump into the specialized body and merge the returned values.
	b := ir.NewBuilder(m)
	b.SetAppend(bid)
	// The call still sits at the block tail; it is unlinked below, after its
	// uses have been redirected.
	entryClone := blockMap[callee.Entry()]

	var replacement ir.ValueID = ir.InvalidValue
	returnsValue := callee.ReturnType != nil && callee.ReturnType.Kind != ir.TypeVoid
	if returnsValue {
		switch len(rets) {
		case 0:
			// Callee never returns; the call result is unreachable.
		case 1:
			replacement = rets[0].value
		default:
			pb := ir.NewBuilder(m)
			pb.SetAppend(cont)
			phi := pb.Phi(callee.ReturnType)
			for _, r := range rets {
				pb.AddPhiIncoming(phi, r.block, r.value)
			}
			replacement = phi
		}
	}
	if replacement != ir.InvalidValue {
		m.Replace(callID, replacement)
	} else if returnsValue {
		nb := ir.NewBuilder(m)
		if vals := m.Block(cont).Values; len(vals) > 0 {
			nb.SetInsertPoint(cont, vals[0])
		} else {
			nb.SetAppend(cont)
		}
		m.Replace(callID, nb.Null(callee.ReturnType))
	}
	m.Remove(callID)
	b.SetAppend(bid)
	b.Branch(entryClone)
	return entryClone
}

// retargetPhiEdges updates phis in the successors of cont's terminator whose
// incoming edge named the pre-split block.
func retargetPhiEdges(m *ir.Method, cont, old ir.BlockID) {
	for _, succ := range m.Successors(cont) {
		for _, vid := range m.Block(succ).Values {
			v := m.Value(vid)
			if v.Kind != ir.KindPhi {
				break
			}
			for i, in := range v.Incoming {
				if in == old {
					v.Incoming[i] = cont
				}
			}
		}
	}
}
