package velocity

import (
	"github.com/lumen-gpu/lumen/internal/errors"
	"github.com/lumen-gpu/lumen/internal/ir"
	"github.com/lumen-gpu/lumen/internal/ir/analysis"
)

// Config carries the target properties the generator depends on.
type Config struct {
	// Float16 enables half precision values. Methods touching float16 on a
	// target without it are rejected as unsupported.
	Float16 bool
}

// Calling convention of the generated functions:
//
//	kernel (entry point): arg 0 is the scalar work size; the entry mask is
//	  lane-index < work-size. Method params follow from arg 1.
//	function: arg 0 is the caller's active-lane mask. Params follow from
//	  arg 1. Calls pass the current block mask as arg 0.
//
// Every block owns a mask local holding its active lanes for the current
// sweep. Blocks execute unconditionally in schedule order; inactive blocks
// simply carry an empty mask, so all lane-visible operations are mask
// predicated. A block's mask is cleared after its terminator has distributed
// it to the successor edges, so loop sweeps start from clean state.
//
// Loops keep a running mask of lanes still inside the loop. Entry edges seed
// it, exit edges clear their lanes out of it, and after the last scheduled
// loop block the header mask is reloaded from it and the loop re-enters
// while any lane survives. Returns merge into a shared result local under
// the returning mask and jump to the exit label once the returned-lane count
// reaches the entry population.
type generator struct {
	m     *ir.Method
	e     Emitter
	cfg   Config
	loops *analysis.LoopForest
	order []ir.BlockID

	locals    map[ir.ValueID]Local
	blockMask map[ir.BlockID]Local
	loopMask  map[*analysis.Loop]Local
	labels    map[ir.BlockID]Label

	// phiShadow holds one staging slot per phi so an edge's merges commit
	// as a parallel copy.
	phiShadow map[ir.ValueID]Local

	// lastMember maps each loop to its final block in schedule order, where
	// the re-entry test is placed.
	lastMember map[ir.BlockID][]*analysis.Loop

	retValue Local
	retMask  Local
	retCount Local
	exit     Label
	tmp      Local

	kernel bool
}

// Generate lowers m into the lockstep masked form through e. The method must
// already be array-lowered and promoted; reducible control flow is required.
func Generate(m *ir.Method, e Emitter, cfg Config) error {
	m.RecomputePreds()
	dom := analysis.ComputeDominators(m)
	g := &generator{
		m:          m,
		e:          e,
		cfg:        cfg,
		loops:      analysis.ComputeLoops(m, dom),
		order:      nil,
		locals:     make(map[ir.ValueID]Local),
		blockMask:  make(map[ir.BlockID]Local),
		loopMask:   make(map[*analysis.Loop]Local),
		labels:     make(map[ir.BlockID]Label),
		phiShadow:  make(map[ir.ValueID]Local),
		lastMember: make(map[ir.BlockID][]*analysis.Loop),
		kernel:     m.HasFlags(ir.FlagEntryPoint),
	}
	g.order = g.schedule()
	if err := g.validate(); err != nil {
		return err
	}
	g.declare()
	g.prologue()
	for _, b := range g.order {
		if err := g.block(b); err != nil {
			return err
		}
		for _, l := range g.lastMember[b] {
			g.reenter(l)
		}
	}
	g.epilogue()
	return e.Finish()
}

func (g *generator) validate() error {
	// Every retreating edge in the schedule must be a recognized natural
	// back edge; a cycle without a dominating header cannot be re-entered.
	pos := make(map[ir.BlockID]int, len(g.order))
	for i, b := range g.order {
		pos[b] = i
	}
	for _, b := range g.order {
		for _, s := range g.m.Successors(b) {
			if pos[s] <= pos[b] && !g.loops.IsBackEdge(b, s) {
				return errors.Unsupported("IRREDUCIBLE_FLOW",
					"cycle has no single dominating header",
					int32(b), g.m.Name)
			}
		}
	}
	for _, l := range g.loops.Loops {
		for _, b := range l.Blocks {
			if b == l.Header {
				continue
			}
			for _, p := range g.m.Block(b).Preds {
				if !l.Contains(p) {
					return errors.Unsupported("IRREDUCIBLE_FLOW",
						"control flow enters a loop body past its header",
						int32(b), g.m.Name)
				}
			}
		}
	}
	for _, b := range g.m.Blocks() {
		back := 0
		for _, s := range g.m.Successors(b) {
			if g.loops.IsBackEdge(b, s) {
				back++
			}
		}
		if back > 1 {
			return errors.Internal("MULTI_BACK_EDGE",
				"terminator carries more than one back edge")
		}
		for _, vid := range g.m.Block(b).Values {
			v := g.m.Value(vid)
			if v.IsDead() {
				continue
			}
			if !g.cfg.Float16 && usesFloat16(v.Type) {
				return errors.UnsupportedType("FLOAT16_TARGET", v.Type.String())
			}
		}
	}
	for _, p := range g.m.Params {
		if !g.cfg.Float16 && usesFloat16(g.m.Value(p).Type) {
			return errors.UnsupportedType("FLOAT16_TARGET", g.m.Value(p).Type.String())
		}
	}
	return nil
}

func usesFloat16(t *ir.TypeNode) bool {
	switch {
	case t == nil:
		return false
	case t.Kind == ir.TypeFloat16:
		return true
	case t.Elem != nil && usesFloat16(t.Elem):
		return true
	}
	for _, f := range t.Fields {
		if usesFloat16(f.Type) {
			return true
		}
	}
	return false
}

// schedule orders blocks so each loop's members are contiguous and its exit
// blocks follow them. Visiting loop-leaving successors first pushes them
// later in the reversed post order.
func (g *generator) schedule() []ir.BlockID {
	seen := make([]bool, g.m.NumBlocks())
	var post []ir.BlockID
	var walk func(b ir.BlockID)
	walk = func(b ir.BlockID) {
		seen[b] = true
		succs := append([]ir.BlockID(nil), g.m.Successors(b)...)
		if l := g.loops.Innermost(b); l != nil {
			inside := 0
			for i, s := range succs {
				if !l.Contains(s) {
					succs[inside], succs[i] = succs[i], succs[inside]
					inside++
				}
			}
		}
		for _, s := range succs {
			if !seen[s] {
				walk(s)
			}
		}
		post = append(post, b)
	}
	walk(g.m.Entry())

	order := make([]ir.BlockID, 0, len(post))
	for i := len(post) - 1; i >= 0; i-- {
		order = append(order, post[i])
	}

	pos := make(map[ir.BlockID]int, len(order))
	for i, b := range order {
		pos[b] = i
	}
	for _, l := range g.loops.Loops {
		last := l.Header
		for _, b := range l.Blocks {
			if pos[b] > pos[last] {
				last = b
			}
		}
		g.lastMember[last] = append(g.lastMember[last], l)
	}
	// Inner loops re-enter before outer ones sharing the same last block.
	for _, ls := range g.lastMember {
		for i := 0; i < len(ls); i++ {
			for j := i + 1; j < len(ls); j++ {
				if len(ls[j].Blocks) < len(ls[i].Blocks) {
					ls[i], ls[j] = ls[j], ls[i]
				}
			}
		}
	}
	return order
}

func (g *generator) declare() {
	boolT := g.m.Types.Bool()
	for _, b := range g.order {
		g.labels[b] = g.e.DeclareLabel()
		g.blockMask[b] = g.e.DeclareLocal(boolT)
	}
	g.exit = g.e.DeclareLabel()
	for _, l := range g.loops.Loops {
		g.loopMask[l] = g.e.DeclareLocal(boolT)
	}
	g.retMask = g.e.DeclareLocal(boolT)
	g.retCount = g.e.DeclareLocal(g.m.Types.Int32())
	if g.m.ReturnType.Kind != ir.TypeVoid {
		g.retValue = g.e.DeclareLocal(g.m.ReturnType)
	}
	g.tmp = g.e.DeclareLocal(boolT)

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
			if v.Kind == ir.KindPhi {
				g.phiShadow[vid] = g.e.DeclareLocal(v.Type)
			}
		}
	}
}

func (g *generator) prologue() {
	boolT := g.m.Types.Bool()
	for i, p := range g.m.Params {
		g.e.LoadArg(i + 1)
		g.e.StoreLocal(g.locals[p])
	}
	for _, b := range g.order {
		if b == g.m.Entry() {
			continue
		}
		g.e.EmitType(OpNull, boolT)
		g.e.StoreLocal(g.blockMask[b])
	}
	for _, l := range g.loops.Loops {
		g.e.EmitType(OpNull, boolT)
		g.e.StoreLocal(g.loopMask[l])
	}
	g.e.EmitType(OpNull, boolT)
	g.e.StoreLocal(g.retMask)
	if g.m.ReturnType.Kind != ir.TypeVoid {
		g.e.EmitType(OpNull, g.m.ReturnType)
		g.e.StoreLocal(g.retValue)
	}
	// Phi locals are merged into before the block defining them runs.
	for _, b := range g.order {
		for _, vid := range g.m.Block(b).Values {
			v := g.m.Value(vid)
			if v.Kind != ir.KindPhi {
				break
			}
			if v.IsDead() {
				continue
			}
			g.e.EmitType(OpNull, v.Type)
			g.e.StoreLocal(g.locals[vid])
		}
	}

	if g.kernel {
		g.e.Emit(OpLaneIndex)
		g.e.LoadArg(0)
		g.e.Emit(OpBroadcast)
		g.e.Emit(OpCmpLT)
	} else {
		g.e.LoadArg(0)
	}
	g.e.StoreLocal(g.blockMask[g.m.Entry()])

	g.e.LoadLocal(g.blockMask[g.m.Entry()])
	g.e.Emit(OpMaskCount)
	g.e.StoreLocal(g.retCount)
}

func (g *generator) epilogue() {
	g.e.MarkLabel(g.exit)
	if g.m.ReturnType.Kind != ir.TypeVoid {
		g.e.LoadLocal(g.retValue)
	}
	g.e.Emit(OpReturn)
}

func (g *generator) block(b ir.BlockID) error {
	g.e.MarkLabel(g.labels[b])
	for _, vid := range g.m.Block(b).Values {
		v := g.m.Value(vid)
		if v.IsDead() {
			continue
		}
		var err error
		if v.IsTerminator() {
			err = g.terminator(b, v)
		} else {
			err = g.value(b, v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) push(vid ir.ValueID) {
	l, ok := g.locals[vid]
	if !ok {
		panic(errors.Internal("NO_LOCAL", "value has no local slot"))
	}
	g.e.LoadLocal(l)
}

func (g *generator) store(vid ir.ValueID) {
	g.e.StoreLocal(g.locals[vid])
}

var binOpcodes = [...]Opcode{
	ir.OpAdd: OpAdd, ir.OpSub: OpSub, ir.OpMul: OpMul, ir.OpDiv: OpDiv,
	ir.OpRem: OpRem, ir.OpAnd: OpAnd, ir.OpOr: OpOr, ir.OpXor: OpXor,
	ir.OpShl: OpShl, ir.OpShr: OpShr,
}

var cmpOpcodes = [...]Opcode{
	ir.CmpEQ: OpCmpEQ, ir.CmpNE: OpCmpNE, ir.CmpLT: OpCmpLT,
	ir.CmpLE: OpCmpLE, ir.CmpGT: OpCmpGT, ir.CmpGE: OpCmpGE,
}

func (g *generator) value(b ir.BlockID, v *ir.Value) error {
	switch v.Kind {
	case ir.KindParam, ir.KindPhi:
		// Params are materialized in the prologue; phis are written by
		// predecessor edge merges.

	case ir.KindConstInt:
		if v.Type.Kind == ir.TypeInt64 {
			g.e.EmitConstInt64(v.Int)
		} else {
			g.e.EmitConstInt32(int32(v.Int))
		}
		g.e.Emit(OpBroadcast)
		g.store(v.ID())

	case ir.KindConstFloat:
		if v.Type.Kind == ir.TypeFloat64 {
			g.e.EmitConstFloat64(v.Float)
		} else {
			g.e.EmitConstFloat32(float32(v.Float))
		}
		g.e.Emit(OpBroadcast)
		g.store(v.ID())

	case ir.KindNull:
		g.e.EmitType(OpNull, v.Type)
		g.store(v.ID())

	case ir.KindBinary:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.Emit(binOpcodes[v.Op])
		g.store(v.ID())

	case ir.KindCompare:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.Emit(cmpOpcodes[v.Pred])
		g.store(v.ID())

	case ir.KindConvert:
		g.push(v.Operands[0])
		g.e.EmitType(OpConvert, v.Type)
		g.store(v.ID())

	case ir.KindSelect:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.push(v.Operands[2])
		g.e.Emit(OpSelect)
		g.store(v.ID())

	case ir.KindCall:
		g.e.LoadLocal(g.blockMask[b])
		for _, a := range v.Operands {
			g.push(a)
		}
		g.e.EmitCall(v.Callee.Name)
		if v.Type.Kind != ir.TypeVoid {
			g.store(v.ID())
		}

	case ir.KindLaneIndex:
		g.e.Emit(OpLaneIndex)
		g.store(v.ID())

	case ir.KindDebugAssert:
		g.e.LoadLocal(g.blockMask[b])
		g.push(v.Operands[0])
		g.e.EmitConstString(v.Msg)
		g.e.Emit(OpAssert)

	case ir.KindAlloca:
		g.e.EmitConstInt32(int32(v.Int))
		g.e.EmitType(OpAllocaBuf, v.Type.Elem)
		g.store(v.ID())

	case ir.KindLoad:
		g.e.LoadLocal(g.blockMask[b])
		g.push(v.Operands[0])
		g.e.Emit(OpLoad)
		g.store(v.ID())

	case ir.KindStore:
		g.e.LoadLocal(g.blockMask[b])
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.Emit(OpStore)

	case ir.KindLoadFieldAddress:
		g.push(v.Operands[0])
		g.e.EmitField(OpFieldAddr, v.Field)
		g.store(v.ID())

	case ir.KindLoadElementAddress:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.Emit(OpLEA)
		g.store(v.ID())

	case ir.KindAddressSpaceCast, ir.KindViewCast:
		g.push(v.Operands[0])
		g.store(v.ID())

	case ir.KindGetField:
		g.push(v.Operands[0])
		g.e.EmitField(OpGetField, int(v.Int))
		g.store(v.ID())

	case ir.KindSetField:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.EmitField(OpSetField, int(v.Int))
		g.store(v.ID())

	case ir.KindNewView:
		g.push(v.Operands[0])
		g.push(v.Operands[1])
		g.e.Emit(OpNewView)
		g.store(v.ID())

	case ir.KindGetViewLength:
		g.push(v.Operands[0])
		g.e.Emit(OpViewLen)
		g.store(v.ID())

	case ir.KindNewArray, ir.KindGetArrayElementAddress,
		ir.KindGetArrayLength, ir.KindArrayToViewCast:
		return errors.Internal("ARRAY_NOT_LOWERED",
			"array value reached code generation")

	default:
		return errors.Internal("UNHANDLED_KIND", v.Kind.String())
	}
	return nil
}

func (g *generator) clearMask(b ir.BlockID) {
	g.e.EmitType(OpNull, g.m.Types.Bool())
	g.e.StoreLocal(g.blockMask[b])
}

func (g *generator) terminator(b ir.BlockID, v *ir.Value) error {
	mask := g.blockMask[b]
	switch v.Kind {
	case ir.KindReturn:
		if len(v.Operands) == 1 {
			g.e.LoadLocal(mask)
			g.push(v.Operands[0])
			g.e.LoadLocal(g.retValue)
			g.e.Emit(OpMaskedMerge)
			g.e.StoreLocal(g.retValue)
		}
		// Returning lanes leave every loop they are inside.
		for l := g.loops.Innermost(b); l != nil; l = l.Parent {
			g.e.LoadLocal(g.loopMask[l])
			g.e.LoadLocal(mask)
			g.e.Emit(OpMaskAndNot)
			g.e.StoreLocal(g.loopMask[l])
		}
		g.e.LoadLocal(g.retMask)
		g.e.LoadLocal(mask)
		g.e.Emit(OpMaskOr)
		g.e.StoreLocal(g.retMask)
		g.clearMask(b)
		// The generated function completes once the whole entry population
		// has returned.
		g.e.LoadLocal(g.retMask)
		g.e.Emit(OpMaskCount)
		g.e.LoadLocal(g.retCount)
		g.e.Emit(OpCmpEQ)
		g.e.EmitBranch(OpBrTrue, g.exit)

	case ir.KindBranch:
		g.e.LoadLocal(mask)
		g.e.StoreLocal(g.tmp)
		g.propagate(b, v.Targets[0], g.tmp)
		g.clearMask(b)

	case ir.KindIfBranch:
		g.e.LoadLocal(mask)
		g.push(v.Operands[0])
		g.e.Emit(OpMaskAnd)
		g.e.StoreLocal(g.tmp)
		g.propagate(b, v.Targets[0], g.tmp)
		g.e.LoadLocal(mask)
		g.push(v.Operands[0])
		g.e.Emit(OpMaskAndNot)
		g.e.StoreLocal(g.tmp)
		g.propagate(b, v.Targets[1], g.tmp)
		g.clearMask(b)

	case ir.KindSwitchBranch:
		sel := v.Operands[0]
		cases := v.Targets[1:]
		for i, t := range cases {
			g.e.LoadLocal(mask)
			g.push(sel)
			g.e.EmitConstInt32(int32(i))
			g.e.Emit(OpBroadcast)
			g.e.Emit(OpCmpEQ)
			g.e.Emit(OpMaskAnd)
			g.e.StoreLocal(g.tmp)
			g.propagate(b, t, g.tmp)
		}
		// Out-of-range lanes take the default target.
		g.e.LoadLocal(mask)
		g.push(sel)
		g.e.EmitConstInt32(0)
		g.e.Emit(OpBroadcast)
		g.e.Emit(OpCmpLT)
		g.push(sel)
		g.e.EmitConstInt32(int32(len(cases)))
		g.e.Emit(OpBroadcast)
		g.e.Emit(OpCmpGE)
		g.e.Emit(OpMaskOr)
		g.e.Emit(OpMaskAnd)
		g.e.StoreLocal(g.tmp)
		g.propagate(b, v.Targets[0], g.tmp)
		g.clearMask(b)

	default:
		return errors.Internal("BAD_TERMINATOR", v.Kind.String())
	}
	return nil
}

// propagate distributes one edge's lane set: phi locals of the target are
// merged under the edge mask, loop running masks are adjusted for entries
// and exits, and forward targets accumulate the lanes. Back edges only
// resolve phis; the re-entry test at the loop's last block restarts the
// sweep from the running mask.
func (g *generator) propagate(b, t ir.BlockID, edge Local) {
	// The edge's phi row is a parallel copy: a header swap must read the
	// pre-edge values, so all merges stage into shadow slots before any
	// phi local is overwritten.
	var staged []ir.ValueID
	for _, pid := range g.m.Block(t).Values {
		phi := g.m.Value(pid)
		if phi.Kind != ir.KindPhi {
			break
		}
		if phi.IsDead() {
			continue
		}
		for i, in := range phi.Incoming {
			if in != b {
				continue
			}
			g.e.LoadLocal(edge)
			g.push(phi.Operands[i])
			g.e.LoadLocal(g.locals[pid])
			g.e.Emit(OpMaskedMerge)
			g.e.StoreLocal(g.phiShadow[pid])
			staged = append(staged, pid)
		}
	}
	for _, pid := range staged {
		g.e.LoadLocal(g.phiShadow[pid])
		g.e.StoreLocal(g.locals[pid])
	}

	if g.loops.IsBackEdge(b, t) {
		return
	}

	// Lanes taking this edge out of a loop stop looping.
	for l := g.loops.Innermost(b); l != nil; l = l.Parent {
		if l.Contains(t) {
			break
		}
		g.e.LoadLocal(g.loopMask[l])
		g.e.LoadLocal(edge)
		g.e.Emit(OpMaskAndNot)
		g.e.StoreLocal(g.loopMask[l])
	}

	// Lanes entering a loop through its header join the running mask.
	if l := g.loops.LoopOf(t); l != nil && !l.Contains(b) {
		g.e.LoadLocal(g.loopMask[l])
		g.e.LoadLocal(edge)
		g.e.Emit(OpMaskOr)
		g.e.StoreLocal(g.loopMask[l])
	}

	g.e.LoadLocal(g.blockMask[t])
	g.e.LoadLocal(edge)
	g.e.Emit(OpMaskOr)
	g.e.StoreLocal(g.blockMask[t])
}

// reenter restarts a loop sweep from the lanes still inside it.
func (g *generator) reenter(l *analysis.Loop) {
	g.e.LoadLocal(g.loopMask[l])
	g.e.StoreLocal(g.blockMask[l.Header])
	g.e.LoadLocal(g.loopMask[l])
	g.e.Emit(OpMaskAny)
	g.e.EmitBranch(OpBrTrue, g.labels[l.Header])
}
