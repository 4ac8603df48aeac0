package codegen

import (
	"github.com/lumen-gpu/lumen/internal/codegen/velocity"
	"github.com/lumen-gpu/lumen/internal/errors"
	"github.com/lumen-gpu/lumen/internal/ir"
	"github.com/lumen-gpu/lumen/internal/ir/analysis"
	"github.com/lumen-gpu/lumen/internal/lower"
)

// scalarGenerator lowers a method in continuation-passing form into plain
// single-thread bytecode with real jumps. Phis are continuation parameters:
// their locals are written on each incoming edge from the arguments the
// predecessor terminator carries, pushed first and stored in reverse so a
// permuting edge cannot clobber its own sources.
//
// Calling convention: arg 0 is the linear thread index for kernels and
// unused for plain functions; method params follow from arg 1.
type scalarGenerator struct {
	m      *ir.Method
	e      velocity.Emitter
	order  []ir.BlockID
	locals map[ir.ValueID]velocity.Local
	labels map[ir.BlockID]velocity.Label
}

// GenerateScalar emits the managed single-thread form of m through e. The
// method must be in CPS form (lower.ConvertToCPS).
func GenerateScalar(m *ir.Method, e velocity.Emitter) error {
	m.RecomputePreds()
	g := &scalarGenerator{
		m:      m,
		e:      e,
		order:  analysis.ReversePostOrder(m),
		locals: make(map[ir.ValueID]velocity.Local),
		labels: make(map[ir.BlockID]velocity.Label),
	}
	g.declare()
	for i, p := range m.Params {
		e.LoadArg(i + 1)
		e.StoreLocal(g.locals[p])
	}
	for _, b := range g.order {
		if err := g.block(b); err != nil {
			return err
		}
	}
	return e.Finish()
}

func (g *scalarGenerator) declare() {
	for _, b := range g.order {
		g.labels[b] = g.e.DeclareLabel()
	}
	for _, p := range g.m.Params {
		g.locals[p] = g.e.DeclareLocal(g.m.Value(p).Type)
	}
	for _, b := range g.order {
		for _, vid := range g.m.Block(b).Values {
			v := g.m.Value(vid)
			if v.IsDead() || v.IsTerminator() || v.Type.Kind == ir.TypeVoid {
				continue
			}
			g.locals[vid] = g.e.DeclareLocal(v.Type)
		}
	}
}

func (g *scalarGenerator) push(vid ir.ValueID) {
	l, ok := g.locals[vid]
	if !ok {
		panic(errors.Internal("NO_LOCAL", "value has no local slot"))
	}
	g.e.LoadLocal(l)
}

func (g *scalarGenerator) block(b ir.BlockID) error {
	g.e.MarkLabel(g.labels[b])
	for _, vid := range g.m.Block(b).Values {
		v := g.m.Value(vid)
		if v.IsDead() {
			continue
		}
		var err error
		if v.IsTerminator() {
			err = g.terminator(b, vid, v)
		} else {
			err = g.value(v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *scalarGenerator) value(v *ir.Value) error {
	switch v.Kind {
	case ir.KindParam, ir.KindPhi:
		// Params are loaded up front; phi locals are continuation
		// parameters written by the incoming edges.

	case ir.KindConstInt:
		if v.Type.Kind == ir.TypeInt64 {
			g.e.EmitConstInt64(v.Int)
		} else {
			g.e.EmitConstInt32(int32(v.Int))
		}
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindConstFloat:
		if v.Type.Kind == ir.TypeFloat64 {
			g.e.EmitConstFloat64(v.Float)
		} else {
			g.e.EmitConstFloat32(float32(v.Float))
		}
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindNull:
		g.e.EmitType(velocity.OpNull, v.Type)
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindBinary:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.Emit(scalarBinOps[v.Op])
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindCompare:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.Emit(scalarCmpOps[v.Pred])
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindConvert:
		g.push(v.Operands[0])
		g.e.EmitType(velocity.OpConvert, v.Type)
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindSelect:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.push(v.Operands[2])
		g.e.Emit(velocity.OpSelect)
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindCall:
		for _, a := range v.Operands {
			g.push(a)
		}
		g.e.EmitCall(v.Callee.Name)
		if v.Type.Kind != ir.TypeVoid {
			g.e.StoreLocal(g.locals[v.ID()])
		}

	case ir.KindLaneIndex:
		g.e.LoadArg(0)
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindDebugAssert:
		g.push(v.Operands[0])
		g.e.EmitConstString(v.Msg)
		g.e.Emit(velocity.OpAssert)

	case ir.KindAlloca:
		g.e.EmitConstInt32(int32(v.Int))
		g.e.EmitType(velocity.OpAllocaBuf, v.Type.Elem)
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindLoad:
		g.push(v.Operands[0])
		g.e.Emit(velocity.OpLoad)
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindStore:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.Emit(velocity.OpStore)

	case ir.KindLoadFieldAddress:
		g.push(v.Operands[0])
		g.e.EmitField(velocity.OpFieldAddr, v.Field)
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindLoadElementAddress:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.Emit(velocity.OpLEA)
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindAddressSpaceCast, ir.KindViewCast:
		g.push(v.Operands[0])
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindGetField:
		g.push(v.Operands[0])
		g.e.EmitField(velocity.OpGetField, int(v.Int))
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindSetField:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.EmitField(velocity.OpSetField, int(v.Int))
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindNewView:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.Emit(velocity.OpNewView)
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindGetViewLength:
		g.push(v.Operands[0])
		g.e.Emit(velocity.OpViewLen)
		g.e.StoreLocal(g.locals[v.ID()])

	case ir.KindNewArray, ir.KindGetArrayElementAddress,
		ir.KindGetArrayLength, ir.KindArrayToViewCast:
		return errors.Internal("ARRAY_NOT_LOWERED",
			"array value reached code generation")

	default:
		return errors.Internal("UNHANDLED_KIND", v.Kind.String())
	}
	return nil
}

func (g *scalarGenerator) terminator(b ir.BlockID, vid ir.ValueID, v *ir.Value) error {
	switch v.Kind {
	case ir.KindReturn:
		if len(v.Operands) >= 1 && v.Operands[0] != ir.InvalidValue {
			g.push(v.Operands[0])
		}
		g.e.Emit(velocity.OpReturn)

	case ir.KindBranch:
		g.jumpEdge(vid, 0, v.Targets[0])

	case ir.KindIfBranch:
		onTrue := g.e.DeclareLabel()
		g.push(v.Operands[0])
		g.e.EmitBranch(velocity.OpBrTrue, onTrue)
		g.jumpEdge(vid, 1, v.Targets[1])
		g.e.MarkLabel(onTrue)
		g.jumpEdge(vid, 0, v.Targets[0])

	case ir.KindSwitchBranch:
		// Dispatch through per-edge thunks so each edge can write its
		// continuation arguments before entering the target.
		thunks := make([]velocity.Label, len(v.Targets))
		for i := range v.Targets {
			thunks[i] = g.e.DeclareLabel()
		}
		g.push(v.Operands[0])
		g.e.EmitSwitch(thunks)
		for i, t := range v.Targets {
			g.e.MarkLabel(thunks[i])
			g.jumpEdge(vid, i, t)
		}

	default:
		return errors.Internal("BAD_TERMINATOR", v.Kind.String())
	}
	return nil
}

// jumpEdge writes the continuation arguments for one outgoing edge into the
// target's phi locals and jumps. Arguments are pushed before any store.
func (g *scalarGenerator) jumpEdge(term ir.ValueID, targetIdx int, t ir.BlockID) {
	args := lower.ContinuationArgs(g.m, term, targetIdx)
	var params []velocity.Local
	for _, vid := range g.m.Block(t).Values {
		if g.m.Value(vid).Kind != ir.KindPhi {
			break
		}
		params = append(params, g.locals[vid])
	}
	for _, a := range args {
		g.push(a)
	}
	for i := len(params) - 1; i >= 0; i-- {
		g.e.StoreLocal(params[i])
	}
	g.e.EmitBranch(velocity.OpJump, g.labels[t])
}

var scalarBinOps = [...]velocity.Opcode{
	ir.OpAdd: velocity.OpAdd, ir.OpSub: velocity.OpSub, ir.OpMul: velocity.OpMul,
	ir.OpDiv: velocity.OpDiv, ir.OpRem: velocity.OpRem, ir.OpAnd: velocity.OpAnd,
	ir.OpOr: velocity.OpOr, ir.OpXor: velocity.OpXor, ir.OpShl: velocity.OpShl,
	ir.OpShr: velocity.OpShr,
}

var scalarCmpOps = [...]velocity.Opcode{
	ir.CmpEQ: velocity.OpCmpEQ, ir.CmpNE: velocity.OpCmpNE,
	ir.CmpLT: velocity.OpCmpLT, ir.CmpLE: velocity.OpCmpLE,
	ir.CmpGT: velocity.OpCmpGT, ir.CmpGE: velocity.OpCmpGE,
}
