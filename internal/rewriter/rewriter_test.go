package rewriter

import (
	"testing"

	"github.com/lumen-gpu/lumen/internal/errors"
	"github.com/lumen-gpu/lumen/internal/ir"
)

// foldAdd replaces const+const additions with their sum.
func foldAdd(ctx *Context, id ir.ValueID) bool {
	m := ctx.Method()
	v := m.Value(id)
	if v.Kind != ir.KindBinary || v.Op != ir.OpAdd {
		return false
	}
	lhs, rhs := m.Value(v.Operands[0]), m.Value(v.Operands[1])
	if lhs.Kind != ir.KindConstInt || rhs.Kind != ir.KindConstInt {
		return false
	}
	sum := ctx.Builder.ConstInt(v.Type, lhs.Int+rhs.Int)
	ctx.ReplaceAndRemove(id, sum)
	return true
}

func TestProcessCascades(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("fold", tc.Int32(), tc)
	b := ir.NewBuilder(m)
	// ((1+2)+3)+4 folds to 10 in a single Process call: each folded
	// constant re-queues its user chain.
	acc := b.ConstInt(tc.Int32(), 1)
	for i := int64(2); i <= 4; i++ {
		acc = b.Binary(ir.OpAdd, acc, b.ConstInt(tc.Int32(), i))
	}
	ret := b.Return(acc)

	rw := New()
	rw.Register(ir.KindBinary, foldAdd)
	changed, err := rw.Process(m)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !changed {
		t.Fatalf("no rewrite reported")
	}
	final := m.Value(m.Value(ret).Operands[0])
	if final.Kind != ir.KindConstInt || final.Int != 10 {
		t.Fatalf("folded to %v %d", final.Kind, final.Int)
	}
	// Only the constant chain and the return survive.
	for _, vid := range m.Block(m.Entry()).Values {
		if k := m.Value(vid).Kind; k == ir.KindBinary {
			t.Fatalf("unfolded add left behind")
		}
	}
}

func TestProcessSecondPassIdempotent(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("fold", tc.Int32(), tc)
	b := ir.NewBuilder(m)
	b.Return(b.Binary(ir.OpAdd, b.ConstInt(tc.Int32(), 2), b.ConstInt(tc.Int32(), 3)))

	rw := New()
	rw.Register(ir.KindBinary, foldAdd)
	if changed, _ := rw.Process(m); !changed {
		t.Fatalf("first pass made no change")
	}
	if changed, _ := rw.Process(m); changed {
		t.Fatalf("second pass is not a fixed point")
	}
}

func TestRegisterRejectsDuplicateHandler(t *testing.T) {
	rw := New()
	rw.Register(ir.KindBinary, foldAdd)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	rw.Register(ir.KindBinary, foldAdd)
}

func TestFailStopsProcessing(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("f", tc.Int32(), tc)
	b := ir.NewBuilder(m)
	x := b.ConstInt(tc.Int32(), 1)
	b.Return(b.Binary(ir.OpAdd, b.Binary(ir.OpAdd, x, x), x))

	visits := 0
	rw := New()
	rw.Register(ir.KindBinary, func(ctx *Context, id ir.ValueID) bool {
		visits++
		ctx.Fail(errors.Internal("BOOM", "first handler invocation fails"))
		return false
	})
	_, err := rw.Process(m)
	if err == nil {
		t.Fatalf("fail did not surface")
	}
	if visits != 1 {
		t.Fatalf("engine kept running after Fail: %d visits", visits)
	}
}

func TestHandlerInsertionPoint(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("f", tc.Int32(), tc)
	b := ir.NewBuilder(m)
	x := b.ConstInt(tc.Int32(), 7)
	neg := b.Binary(ir.OpSub, b.ConstInt(tc.Int32(), 0), x)
	b.Return(neg)

	// Rewrite 0-x into mul(x, -1); the replacement must precede the return.
	rw := New()
	rw.Register(ir.KindBinary, func(ctx *Context, id ir.ValueID) bool {
		v := ctx.Method().Value(id)
		if v.Op != ir.OpSub {
			return false
		}
		lhs := ctx.Method().Value(v.Operands[0])
		if lhs.Kind != ir.KindConstInt || lhs.Int != 0 {
			return false
		}
		rhs := v.Operands[1]
		m1 := ctx.Builder.ConstInt(v.Type, -1)
		ctx.ReplaceAndRemove(id, ctx.Builder.Binary(ir.OpMul, rhs, m1))
		return true
	})
	if _, err := rw.Process(m); err != nil {
		t.Fatalf("process: %v", err)
	}
	vals := m.Block(m.Entry()).Values
	last := m.Value(vals[len(vals)-1])
	if last.Kind != ir.KindReturn {
		t.Fatalf("terminator displaced: %v", last.Kind)
	}
	op := m.Value(last.Operands[0])
	if op.Kind != ir.KindBinary || op.Op != ir.OpMul {
		t.Fatalf("return feeds %v.%v", op.Kind, op.Op)
	}
}
