package codegen

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/lumen-gpu/lumen/internal/codegen/velocity"
	"github.com/lumen-gpu/lumen/internal/errors"
	"github.com/lumen-gpu/lumen/internal/ir"
	"github.com/lumen-gpu/lumen/internal/lower"
)

// sumKernel builds a kernel exercising the full lowering chain: a helper
// call to inline, a local array to lower, and loads through the lowered view.
func sumKernel(tc *ir.TypeContext) *ir.Method {
	helper := ir.NewMethod("double", tc.Int32(), tc)
	hx := helper.AddParam(tc.Int32())
	hb := ir.NewBuilder(helper)
	hb.Return(hb.Binary(ir.OpAdd, hx, hx))

	m := ir.NewMethod("sum", tc.Int32(), tc)
	m.Flags |= ir.FlagEntryPoint
	b := ir.NewBuilder(m)
	idx := b.LaneIndex()
	arr := b.NewArray(tc.Array(tc.Int32(), 4), ir.SpaceLocal,
		b.ConstInt(tc.Int32(), 4))
	addr := b.GetArrayElementAddress(arr, b.ConstInt(tc.Int32(), 0))
	b.Store(addr, b.Call(helper, idx))
	b.Return(b.Load(addr))
	return m
}

func TestPipelineTraceFormat(t *testing.T) {
	tc := ir.NewTypeContext()
	p := New(Options{Format: FormatTrace})
	a, err := p.CompileMethod(context.Background(), sumKernel(tc))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if a.Method != "sum" || a.Trace == "" {
		t.Fatalf("bad artifact: %+v", a)
	}
	if strings.Contains(a.Trace, "call double") {
		t.Fatalf("helper survived inlining:\n%s", a.Trace)
	}
}

func TestPipelineWarpBytecode(t *testing.T) {
	tc := ir.NewTypeContext()
	p := New(Options{Format: FormatWarpBytecode})
	a, err := p.CompileMethod(context.Background(), sumKernel(tc))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if a.Program == nil || len(a.Code) == 0 {
		t.Fatalf("no program assembled")
	}
}

func TestPipelineShaderFormat(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("noop", tc.Void(), tc)
	m.Flags |= ir.FlagEntryPoint
	ir.NewBuilder(m).Return(ir.InvalidValue)

	a, err := New(Options{Format: FormatShader}).CompileMethod(context.Background(), m)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(a.Code) == 0 || len(a.Code)%4 != 0 {
		t.Fatalf("shader module is %d bytes", len(a.Code))
	}
}

func TestPipelineCompileMany(t *testing.T) {
	tc := ir.NewTypeContext()
	var methods []*ir.Method
	for i := 0; i < 8; i++ {
		m := ir.NewMethod(fmt.Sprintf("k%d", i), tc.Int32(), tc)
		b := ir.NewBuilder(m)
		b.Return(b.Binary(ir.OpMul, b.LaneIndex(), b.ConstInt(tc.Int32(), int64(i))))
		methods = append(methods, m)
	}
	arts, err := New(Options{Format: FormatWarpBytecode}).Compile(context.Background(), methods)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(arts) != len(methods) {
		t.Fatalf("got %d artifacts, want %d", len(arts), len(methods))
	}
	for i, a := range arts {
		if a == nil || a.Method != methods[i].Name {
			t.Fatalf("artifact %d missing or misplaced: %+v", i, a)
		}
	}
}

func TestPipelineDynamicArrayDimension(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("dyn", tc.Void(), tc)
	n := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)
	b.NewArray(tc.Array(tc.Int32(), 1), ir.SpaceLocal, n)
	b.Return(ir.InvalidValue)

	_, err := New(Options{Format: FormatTrace}).CompileMethod(context.Background(), m)
	if !errors.IsUnsupported(err) {
		t.Fatalf("got %v, want unsupported dynamic dimension", err)
	}
}

func TestMarkRecursiveFlagsCycles(t *testing.T) {
	tc := ir.NewTypeContext()
	self := ir.NewMethod("self", tc.Int32(), tc)
	sb := ir.NewBuilder(self)
	sb.Return(sb.Call(self, sb.ConstInt(tc.Int32(), 1)))

	a := ir.NewMethod("a", tc.Int32(), tc)
	c := ir.NewMethod("c", tc.Int32(), tc)
	ab := ir.NewBuilder(a)
	ab.Return(ab.Call(c))
	cb := ir.NewBuilder(c)
	cb.Return(cb.Call(a))

	leaf := ir.NewMethod("leaf", tc.Int32(), tc)
	lb := ir.NewBuilder(leaf)
	lb.Return(lb.ConstInt(tc.Int32(), 7))

	markRecursive([]*ir.Method{self, a, c, leaf})
	for _, m := range []*ir.Method{self, a, c} {
		if !m.HasFlags(ir.FlagNoInlining) {
			t.Fatalf("%s is on a call cycle and must not be inlinable", m.Name)
		}
	}
	if leaf.HasFlags(ir.FlagNoInlining) {
		t.Fatalf("leaf wrongly flagged")
	}
}

func TestGenerateScalarBranchArguments(t *testing.T) {
	tc := ir.NewTypeContext()
	m := ir.NewMethod("pick", tc.Int32(), tc)
	sel := m.AddParam(tc.Int32())
	b := ir.NewBuilder(m)

	c0 := m.NewBlock("c0")
	c1 := m.NewBlock("c1")
	dflt := m.NewBlock("default")
	join := m.NewBlock("join")

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

	if !lower.ConvertToCPS(m) {
		t.Fatalf("conversion reported no change")
	}
	e := velocity.NewTraceEmitter()
	if err := GenerateScalar(m, e); err != nil {
		t.Fatalf("generate: %v", err)
	}
	out := e.String()
	for _, want := range []string{"switch", "jump", "const.i32 99"} {
		if !strings.Contains(out, want) {
			t.Fatalf("scalar stream missing %q:\n%s", want, out)
		}
	}
}
