package velocity

import (
	"strings"
	"testing"

	"github.com/lumen-gpu/lumen/internal/errors"
	"github.com/lumen-gpu/lumen/internal/ir"
)

func assemble(t *testing.T, m *ir.Method) *Program {
	t.Helper()
	e := NewBytecodeEmitter()
	if err := Generate(m, e, Config{}); err != nil {
		t.Fatalf("generate %s: %v", m.Name, err)
	}
	return e.Program()
}

func wantLanes(t *testing.T, got any, want []int64) {
	t.Helper()
	vec, ok := got.([]int64)
	if !ok {
		t.Fatalf("result is %T, want lane vector", got)
	}
	for i, w := range want {
		if vec[i] != w {
			t.Fatalf("lane %d: got %d, want %d (full %v)", i, vec[i], w, vec)
		}
	}
}

func TestGenerateStraightLine(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("add1", tc.Int32(), tc)
	x := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)
	b.SetAppend(m.Entry())
	one := b.ConstInt(tc.Int32(), 1)
	b.Return(b.Binary(ir.OpAdd, x, one))

	p := assemble(t, m)
	got := execProgram(t, p, 4, FullMask(4), []int64{1, 2, 3, 4})
	wantLanes(t, got, []int64{2, 3, 4, 5})
}

func TestGenerateIfReconverge(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("clamp2", tc.Int32(), tc)
	x := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)

	big := m.NewBlock("big")
	small := m.NewBlock("small")
	join := m.NewBlock("join")

	b.SetAppend(m.Entry())
	two := b.ConstInt(tc.Int32(), 2)
	b.IfBranch(b.Compare(ir.CmpGT, x, two), big, small)

	b.SetAppend(big)
	doubled := b.Binary(ir.OpMul, x, b.ConstInt(tc.Int32(), 2))
	b.Branch(join)

	b.SetAppend(small)
	bumped := b.Binary(ir.OpAdd, x, b.ConstInt(tc.Int32(), 10))
	b.Branch(join)

	b.SetAppend(join)
	phi := b.Phi(tc.Int32())
	b.AddPhiIncoming(phi, big, doubled)
	b.AddPhiIncoming(phi, small, bumped)
	b.Return(phi)

	p := assemble(t, m)
	got := execProgram(t, p, 4, FullMask(4), []int64{1, 2, 3, 4})
	wantLanes(t, got, []int64{11, 12, 6, 8})
}

// Two lanes iterate a counted loop a different number of times and must
// reconverge with independent sums.
func TestGenerateLoopReconvergence(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("sumto", tc.Int32(), tc)
	n := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)

	header := m.NewBlock("header")
	body := m.NewBlock("body")
	done := m.NewBlock("done")

	b.SetAppend(m.Entry())
	zero := b.ConstInt(tc.Int32(), 0)
	b.Branch(header)

	b.SetAppend(header)
	iPhi := b.Phi(tc.Int32())
	accPhi := b.Phi(tc.Int32())
	b.IfBranch(b.Compare(ir.CmpLT, iPhi, n), body, done)

	b.SetAppend(body)
	accNext := b.Binary(ir.OpAdd, accPhi, iPhi)
	iNext := b.Binary(ir.OpAdd, iPhi, b.ConstInt(tc.Int32(), 1))
	b.Branch(header)

	b.AddPhiIncoming(iPhi, m.Entry(), zero)
	b.AddPhiIncoming(iPhi, body, iNext)
	b.AddPhiIncoming(accPhi, m.Entry(), zero)
	b.AddPhiIncoming(accPhi, body, accNext)

	b.SetAppend(done)
	b.Return(accPhi)

	p := assemble(t, m)
	got := execProgram(t, p, 2, FullMask(2), []int64{1, 3})
	wantLanes(t, got, []int64{0, 3})
}

// A header carrying x <- y, y <- x on the back edge is a parallel copy;
// the second merge must read the pre-iteration value of the first.
func TestGenerateLoopPhiSwap(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("swapn", tc.Int32(), tc)
	n := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)

	header := m.NewBlock("header")
	body := m.NewBlock("body")
	done := m.NewBlock("done")

	b.SetAppend(m.Entry())
	zero := b.ConstInt(tc.Int32(), 0)
	one := b.ConstInt(tc.Int32(), 1)
	two := b.ConstInt(tc.Int32(), 2)
	b.Branch(header)

	b.SetAppend(header)
	iPhi := b.Phi(tc.Int32())
	xPhi := b.Phi(tc.Int32())
	yPhi := b.Phi(tc.Int32())
	b.IfBranch(b.Compare(ir.CmpLT, iPhi, n), body, done)

	b.SetAppend(body)
	iNext := b.Binary(ir.OpAdd, iPhi, one)
	b.Branch(header)

	b.AddPhiIncoming(iPhi, m.Entry(), zero)
	b.AddPhiIncoming(iPhi, body, iNext)
	b.AddPhiIncoming(xPhi, m.Entry(), one)
	b.AddPhiIncoming(xPhi, body, yPhi)
	b.AddPhiIncoming(yPhi, m.Entry(), two)
	b.AddPhiIncoming(yPhi, body, xPhi)

	b.SetAppend(done)
	ten := b.ConstInt(tc.Int32(), 10)
	b.Return(b.Binary(ir.OpAdd, b.Binary(ir.OpMul, xPhi, ten), yPhi))

	p := assemble(t, m)
	// Zero, one and two iterations: the pair swaps each trip.
	got := execProgram(t, p, 3, FullMask(3), []int64{0, 1, 2})
	wantLanes(t, got, []int64{12, 21, 12})
}

func TestGenerateEarlyReturn(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("zeromap", tc.Int32(), tc)
	x := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)

	isZero := m.NewBlock("iszero")
	other := m.NewBlock("other")

	b.SetAppend(m.Entry())
	zero := b.ConstInt(tc.Int32(), 0)
	b.IfBranch(b.Compare(ir.CmpEQ, x, zero), isZero, other)

	b.SetAppend(isZero)
	b.Return(b.ConstInt(tc.Int32(), 42))

	b.SetAppend(other)
	b.Return(x)

	p := assemble(t, m)
	got := execProgram(t, p, 2, FullMask(2), []int64{0, 5})
	wantLanes(t, got, []int64{42, 5})
}

func TestGenerateSwitchDefault(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("pick", tc.Int32(), tc)
	sel := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)

	c0 := m.NewBlock("c0")
	c1 := m.NewBlock("c1")
	dflt := m.NewBlock("default")
	join := m.NewBlock("join")

	b.SetAppend(m.Entry())
	b.Switch(sel, dflt, c0, c1)

	b.SetAppend(c0)
	v0 := b.ConstInt(tc.Int32(), 10)
	b.Branch(join)
	b.SetAppend(c1)
	v1 := b.ConstInt(tc.Int32(), 20)
	b.Branch(join)
	b.SetAppend(dflt)
	vd := b.ConstInt(tc.Int32(), 99)
	b.Branch(join)

	b.SetAppend(join)
	phi := b.Phi(tc.Int32())
	b.AddPhiIncoming(phi, c0, v0)
	b.AddPhiIncoming(phi, c1, v1)
	b.AddPhiIncoming(phi, dflt, vd)
	b.Return(phi)

	p := assemble(t, m)
	got := execProgram(t, p, 4, FullMask(4), []int64{0, 1, 7, -1})
	wantLanes(t, got, []int64{10, 20, 99, 99})
}

// A kernel's entry mask comes from the work size; lanes past it must not
// contribute results.
func TestGenerateKernelBounds(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("ramp", tc.Int32(), tc)
	m.Flags |= ir.FlagEntryPoint
	b := ir.NewBuilder(m)
	b.SetAppend(m.Entry())
	idx := b.LaneIndex()
	b.Return(b.Binary(ir.OpMul, idx, b.ConstInt(tc.Int32(), 2)))

	p := assemble(t, m)
	got := execProgram(t, p, 4, int64(3))
	wantLanes(t, got, []int64{0, 2, 4, 0})
}

func TestGenerateNestedLoops(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("grid", tc.Int32(), tc)
	n := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)

	oh := m.NewBlock("outer.header")
	ih := m.NewBlock("inner.header")
	ib := m.NewBlock("inner.body")
	ol := m.NewBlock("outer.latch")
	done := m.NewBlock("done")

	b.SetAppend(m.Entry())
	zero := b.ConstInt(tc.Int32(), 0)
	one := b.ConstInt(tc.Int32(), 1)
	b.Branch(oh)

	b.SetAppend(oh)
	i := b.Phi(tc.Int32())
	acc := b.Phi(tc.Int32())
	b.IfBranch(b.Compare(ir.CmpLT, i, n), ih, done)

	b.SetAppend(ih)
	j := b.Phi(tc.Int32())
	acc2 := b.Phi(tc.Int32())
	b.IfBranch(b.Compare(ir.CmpLT, j, n), ib, ol)

	b.SetAppend(ib)
	accNext := b.Binary(ir.OpAdd, acc2, one)
	jNext := b.Binary(ir.OpAdd, j, one)
	b.Branch(ih)

	b.SetAppend(ol)
	iNext := b.Binary(ir.OpAdd, i, one)
	b.Branch(oh)

	b.AddPhiIncoming(i, m.Entry(), zero)
	b.AddPhiIncoming(i, ol, iNext)
	b.AddPhiIncoming(acc, m.Entry(), zero)
	b.AddPhiIncoming(acc, ol, acc2)
	b.AddPhiIncoming(j, oh, zero)
	b.AddPhiIncoming(j, ib, jNext)
	b.AddPhiIncoming(acc2, oh, acc)
	b.AddPhiIncoming(acc2, ib, accNext)

	b.SetAppend(done)
	b.Return(acc)

	p := assemble(t, m)
	got := execProgram(t, p, 3, FullMask(3), []int64{0, 2, 3})
	wantLanes(t, got, []int64{0, 4, 9})
}

func TestGenerateRejectsIrreducible(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("rotor", tc.Int32(), tc)
	x := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)

	left := m.NewBlock("left")
	right := m.NewBlock("right")
	out := m.NewBlock("out")

	b.SetAppend(m.Entry())
	zero := b.ConstInt(tc.Int32(), 0)
	cond := b.Compare(ir.CmpGT, x, zero)
	b.IfBranch(cond, left, right)

	// left and right jump to each other: a cycle with no dominating header.
	b.SetAppend(left)
	b.IfBranch(cond, right, out)
	b.SetAppend(right)
	b.IfBranch(cond, left, out)
	b.SetAppend(out)
	b.Return(x)

	err := Generate(m, NewTraceEmitter(), Config{})
	if !errors.IsUnsupported(err) {
		t.Fatalf("got %v, want unsupported-flow error", err)
	}
}

func TestGenerateRejectsFloat16(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("halve", tc.Float16(), tc)
	h := m.AddParam(tc.Float16())
	b := ir.NewBuilder(m)
	b.SetAppend(m.Entry())
	b.Return(h)

	err := Generate(m, NewTraceEmitter(), Config{})
	if !errors.IsUnsupported(err) {
		t.Fatalf("got %v, want unsupported-type error", err)
	}
	if err = Generate(m, NewTraceEmitter(), Config{Float16: true}); err != nil {
		t.Fatalf("float16-capable target rejected: %v", err)
	}
}

func TestTraceEmitterReadable(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("add1", tc.Int32(), tc)
	x := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)
	b.SetAppend(m.Entry())
	b.Return(b.Binary(ir.OpAdd, x, b.ConstInt(tc.Int32(), 1)))

	e := NewTraceEmitter()
	if err := Generate(m, e, Config{}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	out := e.String()
	for _, want := range []string{"ldarg 1", "add", "mask.count", "brtrue"} {
		if !strings.Contains(out, want) {
			t.Fatalf("trace missing %q:\n%s", want, out)
		}
	}
}
