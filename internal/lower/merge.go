package lower

import (
	"github.com/lumen-gpu/lumen/internal/ir"
)

// maxChainDepth bounds trampoline collapsing so a cyclic chain of
// trampolines cannot loop the pass.
const maxChainDepth = 32

// MergeCallChains collapses sequential trampoline calls: when A calls B and
// B's whole body is a single call to C followed by a return of its result,
// with no other observers, A is rewritten to call C directly, propagating
// the arguments through B's parameter substitution. Chains collapse
// transitively (A→B→C→D becomes A→D) up to a fixed depth bound. Direct
// calls created by the rewrite are already fully resolved, so only the
// values present on entry are walked.
func MergeCallChains(m *ir.Method) bool {
	changed := false
	limit := m.NumValues()
	for i := 0; i < limit; i++ {
		id := ir.ValueID(i)
		v := m.Value(id)
		if v.IsDead() || v.Kind != ir.KindCall {
			continue
		}

		callee, spec, ok := resolveChain(m, v.Callee, len(v.Operands))
		if !ok {
			continue
		}
		args := append([]ir.ValueID(nil), v.Operands...)
		b := ir.NewBuilder(m)
		b.SetInsertPoint(v.Block, id)
		newArgs := make([]ir.ValueID, len(spec))
		for j, s := range spec {
			newArgs[j] = s.materialize(b, args)
		}
		direct := b.Call(callee, newArgs...)
		m.ReplaceAndRemove(id, direct)
		changed = true
	}
	return changed
}

// resolveChain follows trampoline bodies to the method a direct call should
// name, composing the argument mapping over the hops. nargs is the caller
// call's arity; the returned spec is expressed in those arguments. A chain
// still forwarding at the depth bound cycles through its trampolines without
// ever landing on a real body, so the call is left as written.
func resolveChain(m *ir.Method, callee *ir.Method, nargs int) (*ir.Method, []argSrc, bool) {
	spec := make([]argSrc, nargs)
	for i := range spec {
		spec[i] = argSrc{param: i}
	}
	hops := 0
	for depth := 0; depth < maxChainDepth; depth++ {
		next, step, ok := trampolineTarget(callee)
		if !ok || next == m {
			if hops == 0 {
				return nil, nil, false
			}
			return callee, spec, true
		}
		composed := make([]argSrc, len(step))
		for j, s := range step {
			if s.param >= 0 {
				composed[j] = spec[s.param]
			} else {
				composed[j] = s
			}
		}
		callee = next
		spec = composed
		hops++
	}
	return nil, nil, false
}

// argSrc describes one argument of a trampoline's inner call: either a
// pass-through of the trampoline's i-th parameter or a literal cloned into
// the caller.
type argSrc struct {
	param int // >= 0: parameter index
	lit   *ir.Value
}

func (s argSrc) materialize(b *ir.Builder, callerArgs []ir.ValueID) ir.ValueID {
	if s.param >= 0 {
		return callerArgs[s.param]
	}
	switch s.lit.Kind {
	case ir.KindConstInt:
		return b.ConstInt(s.lit.Type, s.lit.Int)
	case ir.KindConstFloat:
		return b.ConstFloat(s.lit.Type, s.lit.Float)
	default:
		return b.Null(s.lit.Type)
	}
}

// trampolineTarget reports whether callee is a pure forwarding call: a
// single block holding exactly one call and a return of that call's value
// (or a bare return for void), with every inner argument either a parameter
// or a constant.
func trampolineTarget(callee *ir.Method) (*ir.Method, []argSrc, bool) {
	blocks := callee.Blocks()
	if len(blocks) != 1 {
		return nil, nil, false
	}
	values := callee.Block(blocks[0]).Values
	if len(values) < 2 {
		return nil, nil, false
	}
	// Leading constants feeding the call are part of the trampoline shape.
	for _, vid := range values[:len(values)-2] {
		switch callee.Value(vid).Kind {
		case ir.KindConstInt, ir.KindConstFloat, ir.KindNull:
		default:
			return nil, nil, false
		}
	}
	callID := values[len(values)-2]
	call := callee.Value(callID)
	ret := callee.Value(values[len(values)-1])
	if call.Kind != ir.KindCall || ret.Kind != ir.KindReturn {
		return nil, nil, false
	}
	if call.Callee == callee {
		return nil, nil, false
	}
	// The forwarded result must be the only observer of the inner call.
	if len(ret.Operands) > 0 && (ret.Operands[0] != callID || call.NumUses() != 1) {
		return nil, nil, false
	}
	if len(ret.Operands) == 0 && call.NumUses() != 0 {
		return nil, nil, false
	}

	paramIndex := make(map[ir.ValueID]int, len(callee.Params))
	for i, p := range callee.Params {
		paramIndex[p] = i
	}
	spec := make([]argSrc, len(call.Operands))
	for i, op := range call.Operands {
		if pi, ok := paramIndex[op]; ok {
			spec[i] = argSrc{param: pi}
			continue
		}
		opv := callee.Value(op)
		switch opv.Kind {
		case ir.KindConstInt, ir.KindConstFloat, ir.KindNull:
			spec[i] = argSrc{param: -1, lit: opv}
		default:
			return nil, nil, false
		}
	}
	return call.Callee, spec, true
}
