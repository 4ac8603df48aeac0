package lower

import (
	"testing"

	"github.com/lumen-gpu/lumen/internal/ir"
)

func countKind(m *ir.Method, k ir.ValueKind) int {
	n := 0
	for _, bid := range m.Blocks() {
		for _, vid := range m.Block(bid).Values {
			if m.Value(vid).Kind == k {
				n++
			}
		}
	}
	return n
}

func TestPromoteStraightLine(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("f", tc.Int32(), tc)
	b := ir.NewBuilder(m)
	slot := b.Alloca(tc.Int32(), ir.SpaceLocal)
	b.Store(slot, b.ConstInt(tc.Int32(), 42))
	b.Return(b.Load(slot))

	if !PromoteAllocas(m) {
		t.Fatalf("promotion reported no change")
	}
	if countKind(m, ir.KindAlloca)+countKind(m, ir.KindLoad)+countKind(m, ir.KindStore) != 0 {
		t.Fatalf("memory traffic survived:\n%s", m)
	}
	ret := m.Value(m.Terminator(m.Entry()))
	if got := m.Value(ret.Operands[0]); got.Kind != ir.KindConstInt || got.Int != 42 {
		t.Fatalf("return feeds %v", got.Kind)
	}
}

func TestPromoteInsertsPhiAtJoin(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("f", tc.Int32(), tc)
	cond := m.AddParam(tc.Bool())
	b := ir.NewBuilder(m)
	then := m.NewBlock("then")
	els := m.NewBlock("else")
	join := m.NewBlock("join")

	slot := b.Alloca(tc.Int32(), ir.SpaceLocal)
	b.IfBranch(cond, then, els)
	b.SetAppend(then)
	b.Store(slot, b.ConstInt(tc.Int32(), 1))
	b.Branch(join)
	b.SetAppend(els)
	b.Store(slot, b.ConstInt(tc.Int32(), 2))
	b.Branch(join)
	b.SetAppend(join)
	b.Return(b.Load(slot))

	if !PromoteAllocas(m) {
		t.Fatalf("promotion reported no change")
	}
	ret := m.Value(m.Terminator(join))
	phi := m.Value(ret.Operands[0])
	if phi.Kind != ir.KindPhi || len(phi.Incoming) != 2 {
		t.Fatalf("join does not merge through a phi:\n%s", m)
	}
	if countKind(m, ir.KindAlloca) != 0 {
		t.Fatalf("alloca survived")
	}
}

func TestPromoteUninitializedLoadReadsZero(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("f", tc.Int32(), tc)
	b := ir.NewBuilder(m)
	slot := b.Alloca(tc.Int32(), ir.SpaceLocal)
	b.Return(b.Load(slot))

	PromoteAllocas(m)
	ret := m.Value(m.Terminator(m.Entry()))
	if got := m.Value(ret.Operands[0]); got.Kind != ir.KindNull {
		t.Fatalf("uninitialized load resolved to %v", got.Kind)
	}
}

func TestPromoteThroughFieldChain(t *testing.T) {
	tc := ir.NewTypeContext()
	pair := tc.Struct(
		ir.Field{Name: "a", Type: tc.Int32()},
		ir.Field{Name: "b", Type: tc.Int32()},
	)
	m := ir.NewMethod("f", tc.Int32(), tc)
	b := ir.NewBuilder(m)
	slot := b.Alloca(pair, ir.SpaceLocal)
	fb := b.LoadFieldAddress(slot, 1)
	b.Store(fb, b.ConstInt(tc.Int32(), 9))
	b.Return(b.Load(fb))

	if !PromoteAllocas(m) {
		t.Fatalf("promotion reported no change")
	}
	if countKind(m, ir.KindAlloca)+countKind(m, ir.KindLoadFieldAddress) != 0 {
		t.Fatalf("address projections survived:\n%s", m)
	}
	// The field store rebuilds the aggregate; the load projects it back out.
	ret := m.Value(m.Terminator(m.Entry()))
	if got := m.Value(ret.Operands[0]); got.Kind != ir.KindGetField {
		t.Fatalf("field load resolved to %v", got.Kind)
	}
}

func TestPromoteSkipsEscapingAlloca(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("f", tc.Void(), tc)
	sink := ir.NewMethod("sink", tc.Void(), tc)
	sink.AddParam(tc.Pointer(tc.Int32(), ir.SpaceLocal))
	sb := ir.NewBuilder(sink)
	sb.Return(ir.InvalidValue)

	b := ir.NewBuilder(m)
	slot := b.Alloca(tc.Int32(), ir.SpaceLocal)
	b.Store(slot, b.ConstInt(tc.Int32(), 1))
	b.Call(sink, slot)
	b.Return(ir.InvalidValue)

	PromoteAllocas(m)
	if countKind(m, ir.KindAlloca) != 1 || countKind(m, ir.KindStore) != 1 {
		t.Fatalf("escaping alloca was promoted:\n%s", m)
	}
}

func TestPromoteLoopCarriedValue(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("f", tc.Int32(), tc)
	n := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)
	head := m.NewBlock("head")
	body := m.NewBlock("body")
	done := m.NewBlock("done")

	iSlot := b.Alloca(tc.Int32(), ir.SpaceLocal)
	b.Store(iSlot, b.ConstInt(tc.Int32(), 0))
	b.Branch(head)
	b.SetAppend(head)
	iv := b.Load(iSlot)
	b.IfBranch(b.Compare(ir.CmpLT, iv, n), body, done)
	b.SetAppend(body)
	one := b.ConstInt(tc.Int32(), 1)
	b.Store(iSlot, b.Binary(ir.OpAdd, b.Load(iSlot), one))
	b.Branch(head)
	b.SetAppend(done)
	b.Return(b.Load(iSlot))

	if !PromoteAllocas(m) {
		t.Fatalf("promotion reported no change")
	}
	if countKind(m, ir.KindAlloca)+countKind(m, ir.KindLoad)+countKind(m, ir.KindStore) != 0 {
		t.Fatalf("loop-carried slot not promoted:\n%s", m)
	}
	// The loop header needs a phi merging the initial value and the
	// incremented one.
	phis := blockPhis(m, head)
	if len(phis) != 1 {
		t.Fatalf("header phis: %d\n%s", len(phis), m)
	}
	if p := m.Value(phis[0]); len(p.Incoming) != 2 {
		t.Fatalf("header phi edges: %v", p.Incoming)
	}
}
