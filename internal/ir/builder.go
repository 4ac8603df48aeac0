package ir

import "fmt"

// Builder creates values inside a Method at an insertion cursor. Sub-builders
// for other blocks can be taken with At; the lowering passes and the rewriter
// hand one to every handler, positioned at the visited value.
type Builder struct {
	m      *Method
	block  BlockID
	pos    int // insertion index; -1 appends
	onEmit func(ValueID)
}

// NewBuilder returns a builder appending to the method's entry block.
func NewBuilder(m *Method) *Builder {
	return &Builder{m: m, block: m.Entry(), pos: -1}
}

// Method returns the method under construction.
func (b *Builder) Method() *Method { return b.m }

// Types returns the shared type context.
func (b *Builder) Types() *TypeContext { return b.m.Types }

// Block returns the current insertion block.
func (b *Builder) Block() BlockID { return b.block }

// At returns a sub-builder appending to the given block.
func (b *Builder) At(block BlockID) *Builder {
	return &Builder{m: b.m, block: block, pos: -1, onEmit: b.onEmit}
}

// SetInsertPoint positions the cursor immediately before the given value.
func (b *Builder) SetInsertPoint(block BlockID, before ValueID) {
	b.block = block
	b.pos = -1
	for i, vid := range b.m.Block(block).Values {
		if vid == before {
			b.pos = i
			return
		}
	}
}

// SetAppend positions the cursor at the end of the given block.
func (b *Builder) SetAppend(block BlockID) {
	b.block = block
	b.pos = -1
}

// OnEmit registers a hook invoked for every created value. The rewriter uses
// it to re-queue newly created values within the running pass.
func (b *Builder) OnEmit(fn func(ValueID)) { b.onEmit = fn }

func (b *Builder) emit(v Value) ValueID {
	v.Block = b.block
	id := b.m.allocValue(v)
	blk := b.m.Block(b.block)
	if b.pos < 0 || b.pos >= len(blk.Values) {
		blk.Values = append(blk.Values, id)
	} else {
		blk.Values = append(blk.Values[:b.pos], append([]ValueID{id}, blk.Values[b.pos:]...)...)
		b.pos++
	}
	if b.onEmit != nil {
		b.onEmit(id)
	}
	return id
}

// ConstInt creates an integer (or boolean) constant.
func (b *Builder) ConstInt(t *TypeNode, v int64) ValueID {
	return b.emit(Value{Kind: KindConstInt, Type: t, Int: v})
}

// Bool creates a boolean constant.
func (b *Builder) Bool(v bool) ValueID {
	i := int64(0)
	if v {
		i = 1
	}
	return b.ConstInt(b.Types().Bool(), i)
}

// ConstFloat creates a floating-point constant.
func (b *Builder) ConstFloat(t *TypeNode, v float64) ValueID {
	return b.emit(Value{Kind: KindConstFloat, Type: t, Float: v})
}

// Null creates the zero value of an arbitrary type.
func (b *Builder) Null(t *TypeNode) ValueID {
	return b.emit(Value{Kind: KindNull, Type: t})
}

// Binary creates a binary arithmetic or logical operation.
func (b *Builder) Binary(op BinOp, lhs, rhs ValueID) ValueID {
	return b.emit(Value{Kind: KindBinary, Type: b.m.Value(lhs).Type, Op: op, Operands: []ValueID{lhs, rhs}})
}

// Compare creates a comparison producing a bool.
func (b *Builder) Compare(pred ComparePred, lhs, rhs ValueID) ValueID {
	return b.emit(Value{Kind: KindCompare, Type: b.Types().Bool(), Pred: pred, Operands: []ValueID{lhs, rhs}})
}

// Convert creates a value conversion to the target type.
func (b *Builder) Convert(t *TypeNode, src ValueID) ValueID {
	return b.emit(Value{Kind: KindConvert, Type: t, Operands: []ValueID{src}})
}

// Select creates a conditional value selection.
func (b *Builder) Select(cond, ifTrue, ifFalse ValueID) ValueID {
	return b.emit(Value{Kind: KindSelect, Type: b.m.Value(ifTrue).Type, Operands: []ValueID{cond, ifTrue, ifFalse}})
}

// Phi creates an empty phi at the current block. Incoming edges are added
// with AddPhiIncoming. Phis are constructed only by SSA reconstruction and
// the CPS conversion.
func (b *Builder) Phi(t *TypeNode) ValueID {
	blk := b.m.Block(b.block)
	// Phis sit in front of all non-phi values of the block.
	saved := b.pos
	b.pos = 0
	for i, vid := range blk.Values {
		if b.m.Value(vid).Kind != KindPhi {
			b.pos = i
			break
		}
		b.pos = i + 1
	}
	id := b.emit(Value{Kind: KindPhi, Type: t})
	b.pos = saved
	if saved >= 0 {
		b.pos++ // account for the inserted phi shifting the cursor
	}
	return id
}

// AddPhiIncoming appends an incoming (pred, value) edge to a phi.
func (b *Builder) AddPhiIncoming(phi ValueID, pred BlockID, v ValueID) {
	p := b.m.Value(phi)
	if p.Kind != KindPhi {
		panic("ir: AddPhiIncoming on non-phi value")
	}
	p.Operands = append(p.Operands, v)
	p.Incoming = append(p.Incoming, pred)
	if v != InvalidValue {
		b.m.Value(v).addUse(phi)
	}
}

// Call creates a call to callee with the given arguments.
func (b *Builder) Call(callee *Method, args ...ValueID) ValueID {
	return b.emit(Value{Kind: KindCall, Type: callee.ReturnType, Callee: callee, Operands: args})
}

// LaneIndex creates the per-lane linear thread index.
func (b *Builder) LaneIndex() ValueID {
	return b.emit(Value{Kind: KindLaneIndex, Type: b.Types().Int32()})
}

// DebugAssert creates a debug-only assertion over cond.
func (b *Builder) DebugAssert(cond ValueID, msg string) ValueID {
	return b.emit(Value{Kind: KindDebugAssert, Type: b.Types().Void(), Msg: msg, Operands: []ValueID{cond}})
}

// Alloca creates a stack-local allocation of t in the given space, producing
// a pointer to t.
func (b *Builder) Alloca(t *TypeNode, space AddressSpace) ValueID {
	return b.emit(Value{Kind: KindAlloca, Type: b.Types().Pointer(t, space), Space: space, Int: 1})
}

// AllocaBuffer allocates count contiguous elements of t, producing a pointer
// to the first. Array lowering uses it for the flattened element buffer.
func (b *Builder) AllocaBuffer(t *TypeNode, count int64, space AddressSpace) ValueID {
	return b.emit(Value{Kind: KindAlloca, Type: b.Types().Pointer(t, space), Space: space, Int: count})
}

// Load reads through addr.
func (b *Builder) Load(addr ValueID) ValueID {
	pt := b.m.Value(addr).Type
	if pt.Kind != TypePointer {
		panic("ir: load from non-pointer")
	}
	return b.emit(Value{Kind: KindLoad, Type: pt.Elem, Operands: []ValueID{addr}})
}

// Store writes v through addr.
func (b *Builder) Store(addr, v ValueID) ValueID {
	return b.emit(Value{Kind: KindStore, Type: b.Types().Void(), Operands: []ValueID{addr, v}})
}

// LoadFieldAddress projects a structure pointer to the address of field i.
func (b *Builder) LoadFieldAddress(addr ValueID, field int) ValueID {
	pt := b.m.Value(addr).Type
	if pt.Kind != TypePointer || pt.Elem.Kind != TypeStruct {
		panic("ir: lfa on non-struct pointer")
	}
	ft := pt.Elem.Fields[field].Type
	return b.emit(Value{Kind: KindLoadFieldAddress, Type: b.Types().Pointer(ft, pt.Space), Field: field, Operands: []ValueID{addr}})
}

// LoadElementAddress computes the address of element index within a view.
func (b *Builder) LoadElementAddress(view, index ValueID) ValueID {
	vt := b.m.Value(view).Type
	if vt.Kind != TypeView {
		panic("ir: lea on non-view")
	}
	return b.emit(Value{Kind: KindLoadElementAddress, Type: b.Types().Pointer(vt.Elem, vt.Space), Operands: []ValueID{view, index}})
}

// AddressSpaceCast reinterprets a pointer in another address space.
func (b *Builder) AddressSpaceCast(addr ValueID, space AddressSpace) ValueID {
	pt := b.m.Value(addr).Type
	return b.emit(Value{Kind: KindAddressSpaceCast, Type: b.Types().Pointer(pt.Elem, space), Space: space, Operands: []ValueID{addr}})
}

// GetField projects field i out of a structure value.
func (b *Builder) GetField(agg ValueID, field int) ValueID {
	st := b.m.Value(agg).Type
	if st.Kind != TypeStruct {
		panic("ir: getfield on non-struct value")
	}
	return b.emit(Value{Kind: KindGetField, Type: st.Fields[field].Type, Int: int64(field), Operands: []ValueID{agg}})
}

// SetField produces a copy of agg with field i replaced by v.
func (b *Builder) SetField(agg ValueID, field int, v ValueID) ValueID {
	st := b.m.Value(agg).Type
	if st.Kind != TypeStruct {
		panic("ir: setfield on non-struct value")
	}
	return b.emit(Value{Kind: KindSetField, Type: st, Int: int64(field), Operands: []ValueID{agg, v}})
}

// NewView builds a view over ptr with the given element count.
func (b *Builder) NewView(ptr, length ValueID) ValueID {
	pt := b.m.Value(ptr).Type
	return b.emit(Value{Kind: KindNewView, Type: b.Types().View(pt.Elem, pt.Space), Operands: []ValueID{ptr, length}})
}

// GetViewLength reads the element count of a view.
func (b *Builder) GetViewLength(view ValueID) ValueID {
	return b.emit(Value{Kind: KindGetViewLength, Type: b.Types().Int32(), Operands: []ValueID{view}})
}

// ViewCast reinterprets a view in another address space.
func (b *Builder) ViewCast(view ValueID, space AddressSpace) ValueID {
	vt := b.m.Value(view).Type
	return b.emit(Value{Kind: KindViewCast, Type: b.Types().View(vt.Elem, space), Space: space, Operands: []ValueID{view}})
}

// NewArray creates a multi-dimensional array value of type t. Dimension
// operands must be compile-time constants; array lowering enforces this.
func (b *Builder) NewArray(t *TypeNode, space AddressSpace, dims ...ValueID) ValueID {
	if t.Kind != TypeArray {
		panic("ir: newarray with non-array type")
	}
	return b.emit(Value{Kind: KindNewArray, Type: t, Space: space, Operands: dims})
}

// GetArrayElementAddress computes the address of a multi-dimensional index.
func (b *Builder) GetArrayElementAddress(array ValueID, indices ...ValueID) ValueID {
	at := b.m.Value(array).Type
	if at.Kind != TypeArray {
		panic("ir: aea on non-array value")
	}
	ops := append([]ValueID{array}, indices...)
	return b.emit(Value{Kind: KindGetArrayElementAddress, Type: b.Types().Pointer(at.Elem, SpaceGeneric), Operands: ops})
}

// GetArrayLength reads the full element count of an array.
func (b *Builder) GetArrayLength(array ValueID) ValueID {
	return b.emit(Value{Kind: KindGetArrayLength, Type: b.Types().Int32(), Operands: []ValueID{array}})
}

// GetArrayDimension reads the length of one dimension. dim must resolve to a
// compile-time constant.
func (b *Builder) GetArrayDimension(array, dim ValueID) ValueID {
	return b.emit(Value{Kind: KindGetArrayLength, Type: b.Types().Int32(), Operands: []ValueID{array, dim}})
}

// ArrayToViewCast reinterprets an array as a flat generic-space view.
func (b *Builder) ArrayToViewCast(array ValueID) ValueID {
	at := b.m.Value(array).Type
	return b.emit(Value{Kind: KindArrayToViewCast, Type: b.Types().View(at.Elem, SpaceGeneric), Operands: []ValueID{array}})
}

// Return terminates the block with an optional return value.
func (b *Builder) Return(v ValueID) ValueID {
	b.checkOpen()
	var ops []ValueID
	if v != InvalidValue {
		ops = []ValueID{v}
	}
	return b.emit(Value{Kind: KindReturn, Type: b.Types().Void(), Operands: ops})
}

// Branch terminates the block with an unconditional jump.
func (b *Builder) Branch(target BlockID) ValueID {
	b.checkOpen()
	id := b.emit(Value{Kind: KindBranch, Type: b.Types().Void(), Targets: []BlockID{target}})
	b.m.Block(target).Preds = append(b.m.Block(target).Preds, b.block)
	return id
}

// IfBranch terminates the block with a two-way conditional jump.
func (b *Builder) IfBranch(cond ValueID, ifTrue, ifFalse BlockID) ValueID {
	b.checkOpen()
	id := b.emit(Value{Kind: KindIfBranch, Type: b.Types().Void(), Operands: []ValueID{cond}, Targets: []BlockID{ifTrue, ifFalse}})
	b.m.Block(ifTrue).Preds = append(b.m.Block(ifTrue).Preds, b.block)
	b.m.Block(ifFalse).Preds = append(b.m.Block(ifFalse).Preds, b.block)
	return id
}

// Switch terminates the block with an N-way jump on selector. Lanes outside
// [0, len(cases)) go to the default target.
func (b *Builder) Switch(selector ValueID, deflt BlockID, cases ...BlockID) ValueID {
	b.checkOpen()
	targets := append([]BlockID{deflt}, cases...)
	id := b.emit(Value{Kind: KindSwitchBranch, Type: b.Types().Void(), Operands: []ValueID{selector}, Targets: targets})
	for _, t := range targets {
		b.m.Block(t).Preds = append(b.m.Block(t).Preds, b.block)
	}
	return id
}

func (b *Builder) checkOpen() {
	if t := b.m.Terminator(b.block); t != InvalidValue {
		panic(fmt.Sprintf("ir: block %q already terminated", b.m.Block(b.block).Name))
	}
}
