package lower

import (
	"testing"

	"github.com/lumen-gpu/lumen/internal/ir"
)

// forwardTo builds a trampoline: one parameter forwarded to target, with
// extra constant arguments appended.
func forwardTo(tc *ir.TypeContext, name string, target *ir.Method, consts ...int64) *ir.Method {
	m := ir.NewMethod(name, tc.Int32(), tc)
	x := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)
	args := []ir.ValueID{x}
	for _, c := range consts {
		args = append(args, b.ConstInt(tc.Int32(), c))
	}
	b.Return(b.Call(target, args...))
	return m
}

func callees(m *ir.Method) []string {
	var names []string
	for _, bid := range m.Blocks() {
		for _, vid := range m.Block(bid).Values {
			if v := m.Value(vid); v.Kind == ir.KindCall {
				names = append(names, v.Callee.Name)
			}
		}
	}
	return names
}

func TestMergeCollapsesChain(t *testing.T) {
	tc := ir.NewTypeContext()
	final := ir.NewMethod("final", tc.Int32(), tc)
	fx := final.AddParam(tc.Int32())
	fy := final.AddParam(tc.Int32())
	fb := ir.NewBuilder(final)
	fb.Return(fb.Binary(ir.OpAdd, fx, fy))

	inner := forwardTo(tc, "inner", final, 7)
	outer := forwardTo(tc, "outer", inner)
	m := caller(tc, outer)

	if !MergeCallChains(m) {
		t.Fatalf("merge reported no change")
	}
	got := callees(m)
	if len(got) != 1 || got[0] != "final" {
		t.Fatalf("caller calls %v, want [final]:\n%s", got, m)
	}
	// The constant argument inner adds must have been cloned into the
	// caller as final's second argument.
	for _, bid := range m.Blocks() {
		for _, vid := range m.Block(bid).Values {
			v := m.Value(vid)
			if v.Kind != ir.KindCall {
				continue
			}
			if len(v.Operands) != 2 {
				t.Fatalf("direct call arity %d", len(v.Operands))
			}
			second := m.Value(v.Operands[1])
			if second.Kind != ir.KindConstInt || second.Int != 7 {
				t.Fatalf("constant argument not propagated: %v", second.Kind)
			}
		}
	}
}

func TestMergeLeavesRealBodiesAlone(t *testing.T) {
	tc := ir.NewTypeContext()
	m := caller(tc, square(tc))
	if MergeCallChains(m) {
		t.Fatalf("a computing callee was treated as a trampoline")
	}
	if got := callees(m); len(got) != 1 || got[0] != "square" {
		t.Fatalf("caller calls %v", got)
	}
}

func TestMergeStopsOnSelfForwarding(t *testing.T) {
	tc := ir.NewTypeContext()
	// a forwards to b, b forwards to a: the chain never lands on a real
	// body, so the pass must settle without rewriting the call.
	a := ir.NewMethod("a", tc.Int32(), tc)
	ax := a.AddParam(tc.Int32())
	b2 := ir.NewMethod("b", tc.Int32(), tc)
	bx := b2.AddParam(tc.Int32())
	ab := ir.NewBuilder(a)
	ab.Return(ab.Call(b2, ax))
	bb := ir.NewBuilder(b2)
	bb.Return(bb.Call(a, bx))

	m := caller(tc, a)
	before := m.NumValues()
	if MergeCallChains(m) {
		t.Fatalf("cyclic forwarding reported a change")
	}
	if got := callees(m); len(got) != 1 || got[0] != "a" {
		t.Fatalf("caller calls %v, want [a]", got)
	}
	if m.NumValues() != before {
		t.Fatalf("cyclic forwarding grew the caller from %d to %d values",
			before, m.NumValues())
	}
}

func TestMergeCycleBehindTrampolinePrefix(t *testing.T) {
	tc := ir.NewTypeContext()
	// d forwards into a 2-cycle: no hop count settles the chain, so even the
	// collapsible prefix stays as written.
	a := ir.NewMethod("a", tc.Int32(), tc)
	ax := a.AddParam(tc.Int32())
	b2 := ir.NewMethod("b", tc.Int32(), tc)
	bx := b2.AddParam(tc.Int32())
	ab := ir.NewBuilder(a)
	ab.Return(ab.Call(b2, ax))
	bb := ir.NewBuilder(b2)
	bb.Return(bb.Call(a, bx))
	d := forwardTo(tc, "d", a)

	m := caller(tc, d)
	if MergeCallChains(m) {
		t.Fatalf("cyclic forwarding reported a change")
	}
	if got := callees(m); len(got) != 1 || got[0] != "d" {
		t.Fatalf("caller calls %v, want [d]", got)
	}
}
