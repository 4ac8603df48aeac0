package lower

import (
	"fmt"

	"github.com/lumen-gpu/lumen/internal/errors"
	"github.com/lumen-gpu/lumen/internal/ir"
	"github.com/lumen-gpu/lumen/internal/rewriter"
)

// LowerArrays eliminates multi-dimensional array types by expanding each
// array into a structure of {flat view, dim0 length, dim1 length, ...}.
// All dimensions must be compile-time-constant non-negative integers; a
// dynamic dimension is an unsupported construct and fails the method.
func LowerArrays(m *ir.Method) (bool, error) {
	p := &arrayLowering{m: m, lowered: make(map[ir.ValueID]*ir.TypeNode)}

	rw := rewriter.New()
	rw.Register(ir.KindNewArray, p.lowerNewArray)
	rw.Register(ir.KindGetArrayElementAddress, p.lowerElementAddress)
	rw.Register(ir.KindGetArrayLength, p.lowerLength)
	rw.Register(ir.KindArrayToViewCast, p.lowerViewCast)

	changed, err := rw.Process(m)
	if err != nil {
		return changed, err
	}
	if retargetArrayTypes(m) {
		changed = true
	}
	return changed, nil
}

type arrayLowering struct {
	m *ir.Method
	// lowered records, per replacement struct value, the original array type
	// so the index and length handlers can recover the dimensions.
	lowered map[ir.ValueID]*ir.TypeNode
}

// LoweredArrayType returns the structure replacing an array type:
// {view over element, one i32 length per dimension}. Element types that
// themselves contain arrays are lowered first.
func LoweredArrayType(tc *ir.TypeContext, t *ir.TypeNode) *ir.TypeNode {
	elem := LoweredType(tc, t.Elem)
	fields := make([]ir.Field, 0, len(t.Dims)+1)
	fields = append(fields, ir.Field{Name: "view", Type: tc.View(elem, ir.SpaceGeneric)})
	for i := range t.Dims {
		fields = append(fields, ir.Field{Name: fmt.Sprintf("len%d", i), Type: tc.Int32()})
	}
	return tc.Struct(fields...)
}

// LoweredType rewrites the type graph below t, replacing every contained
// array type. Types without arrays are returned unchanged (same interned
// node).
func LoweredType(tc *ir.TypeContext, t *ir.TypeNode) *ir.TypeNode {
	if !t.ContainsArray() {
		return t
	}
	switch t.Kind {
	case ir.TypeArray:
		return LoweredArrayType(tc, t)
	case ir.TypeStruct:
		fields := make([]ir.Field, len(t.Fields))
		for i, f := range t.Fields {
			fields[i] = ir.Field{Name: f.Name, Type: LoweredType(tc, f.Type)}
		}
		return tc.Struct(fields...)
	case ir.TypePointer:
		return tc.Pointer(LoweredType(tc, t.Elem), t.Space)
	case ir.TypeView:
		return tc.View(LoweredType(tc, t.Elem), t.Space)
	default:
		return t
	}
}

func (p *arrayLowering) lowerNewArray(ctx *rewriter.Context, id ir.ValueID) bool {
	v := p.m.Value(id)
	arrayType := v.Type
	space := v.Space
	b := ctx.Builder
	tc := b.Types()

	dims := make([]int64, len(v.Operands))
	for i, op := range v.Operands {
		d := p.m.Value(op)
		if d.Kind != ir.KindConstInt || d.Int < 0 {
			ctx.Fail(errors.Unsupported("ARRAY_DIM_DYNAMIC",
				"array dimensions must be compile-time-constant non-negative integers",
				int32(id), v.Loc.String()))
			return false
		}
		dims[i] = d.Int
	}

	elem := LoweredType(tc, arrayType.Elem)
	st := LoweredArrayType(tc, arrayType)

	total := int64(1)
	for _, d := range dims {
		total *= d
	}

	var view ir.ValueID
	if total == 0 {
		view = b.Null(tc.View(elem, ir.SpaceGeneric))
	} else {
		buf := b.AllocaBuffer(elem, total, space)
		view = b.NewView(buf, b.ConstInt(tc.Int32(), total))
		if space != ir.SpaceGeneric {
			view = b.ViewCast(view, ir.SpaceGeneric)
		}
		// Default-initialize every element with an unrolled store sequence;
		// emitting loop control flow mid-lowering is not worth it for the
		// modest constant sizes this supports.
		for i := int64(0); i < total; i++ {
			addr := b.LoadElementAddress(view, b.ConstInt(tc.Int32(), i))
			b.Store(addr, b.Null(elem))
		}
	}

	agg := b.Null(st)
	agg = b.SetField(agg, 0, view)
	for i, d := range dims {
		agg = b.SetField(agg, i+1, b.ConstInt(tc.Int32(), d))
	}

	p.lowered[agg] = arrayType
	ctx.ReplaceAndRemove(id, agg)
	return true
}

// arrayInfo recovers the original array type behind a base value. Structs
// produced by lowerNewArray are recorded directly; any other base still
// carrying an array type (a parameter, call result, or phi over lowered
// arrays) is retyped to the lowered structure here so the field projections
// below apply to it.
func (p *arrayLowering) arrayInfo(vid ir.ValueID) (*ir.TypeNode, bool) {
	if t, ok := p.lowered[vid]; ok {
		return t, true
	}
	v := p.m.Value(vid)
	if v.Type == nil || v.Type.Kind != ir.TypeArray {
		return nil, false
	}
	t := v.Type
	v.Type = LoweredArrayType(p.m.Types, t)
	p.lowered[vid] = t
	return t, true
}

func (p *arrayLowering) lowerElementAddress(ctx *rewriter.Context, id ir.ValueID) bool {
	// Copy the operands up front: emitting new values may grow the arena and
	// invalidate the value pointer.
	ops := append([]ir.ValueID(nil), p.m.Value(id).Operands...)
	arrayType, ok := p.arrayInfo(ops[0])
	if !ok {
		return false // base carries no array type; leave untouched
	}
	if len(ops)-1 != len(arrayType.Dims) {
		panic(errors.Internal("ARRAY_INDEX_ARITY",
			fmt.Sprintf("index count %d does not match dimensionality %d", len(ops)-1, len(arrayType.Dims))))
	}
	b := ctx.Builder
	tc := b.Types()
	agg := ops[0]

	// Row-major accumulation: index = ((0*d0+i0)*d1+i1)..., with a bounds
	// debug-assert per dimension before folding it in.
	linear := b.ConstInt(tc.Int32(), 0)
	for k := 0; k < len(arrayType.Dims); k++ {
		idx := ops[k+1]
		dim := b.GetField(agg, k+1)
		lower := b.Compare(ir.CmpGE, idx, b.ConstInt(tc.Int32(), 0))
		upper := b.Compare(ir.CmpLT, idx, dim)
		b.DebugAssert(b.Binary(ir.OpAnd, lower, upper),
			fmt.Sprintf("array index out of bounds in dimension %d", k))
		linear = b.Binary(ir.OpAdd, b.Binary(ir.OpMul, linear, dim), idx)
	}

	view := b.GetField(agg, 0)
	addr := b.LoadElementAddress(view, linear)
	ctx.ReplaceAndRemove(id, addr)
	return true
}

func (p *arrayLowering) lowerLength(ctx *rewriter.Context, id ir.ValueID) bool {
	ops := append([]ir.ValueID(nil), p.m.Value(id).Operands...)
	loc := p.m.Value(id).Loc
	arrayType, ok := p.arrayInfo(ops[0])
	if !ok {
		return false
	}
	b := ctx.Builder
	agg := ops[0]

	if len(ops) == 1 {
		// Full length: the view's element count.
		view := b.GetField(agg, 0)
		ctx.ReplaceAndRemove(id, b.GetViewLength(view))
		return true
	}

	dim := p.m.Value(ops[1])
	if dim.Kind != ir.KindConstInt {
		ctx.Fail(errors.Unsupported("ARRAY_DIM_QUERY_DYNAMIC",
			"per-dimension length requires a compile-time-constant dimension index",
			int32(id), loc.String()))
		return false
	}
	if dim.Int < 0 || int(dim.Int) >= len(arrayType.Dims) {
		ctx.Fail(errors.Validation("ARRAY_DIM_RANGE",
			fmt.Sprintf("dimension %d out of range for %d-dimensional array", dim.Int, len(arrayType.Dims))))
		return false
	}
	ctx.ReplaceAndRemove(id, b.GetField(agg, int(dim.Int)+1))
	return true
}

func (p *arrayLowering) lowerViewCast(ctx *rewriter.Context, id ir.ValueID) bool {
	v := p.m.Value(id)
	if _, ok := p.arrayInfo(v.Operands[0]); !ok {
		return false
	}
	b := ctx.Builder
	view := b.GetField(v.Operands[0], 0)
	ctx.ReplaceAndRemove(id, b.ViewCast(view, ir.SpaceGeneric))
	return true
}

// retargetArrayTypes rewrites the declared type of values that still carry a
// type structurally containing an array (phis, params, nulls flowing through
// merges). The value graph is untouched; only the type annotation moves to
// the lowered form.
func retargetArrayTypes(m *ir.Method) bool {
	changed := false
	for i := 0; i < m.NumValues(); i++ {
		v := m.Value(ir.ValueID(i))
		if v.IsDead() || v.Type == nil || !v.Type.ContainsArray() {
			continue
		}
		v.Type = LoweredType(m.Types, v.Type)
		changed = true
	}
	return changed
}
