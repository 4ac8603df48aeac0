// Package compilerd serves the compilation pipeline over HTTP/3. Clients
// post a method in the JSON wire form and receive the generated artifact;
// results are backed by the on-disk kernel cache.
package compilerd

import (
	"fmt"
	"strings"

	"github.com/lumen-gpu/lumen/internal/errors"
	"github.com/lumen-gpu/lumen/internal/ir"
)

// CompileRequest is the body of POST /v1/compile.
type CompileRequest struct {
	// Format selects the output: "warp", "managed", "shader" or "trace".
	Format string `json:"format"`
	// Require optionally constrains the target capability level,
	// e.g. ">= 1.2".
	Require string `json:"require,omitempty"`
	Method  Method `json:"method"`
}

// CompileResponse is the body returned for a successful compile.
type CompileResponse struct {
	Method  string `json:"method"`
	Format  string `json:"format"`
	BuildID string `json:"build_id"`
	Key     string `json:"key"`
	Cached  bool   `json:"cached"`
	Code    []byte `json:"code,omitempty"` // base64 via encoding/json
	Trace   string `json:"trace,omitempty"`
}

// Method is the wire form of one method body. Values are named by
// client-chosen string ids; blocks by name. The first block is the entry.
type Method struct {
	Name       string   `json:"name"`
	EntryPoint bool     `json:"entry_point,omitempty"`
	Return     string   `json:"return"`
	Params     []string `json:"params,omitempty"`
	Blocks     []Block  `json:"blocks"`
}

// Block is a named sequence of instructions ending in a terminator.
type Block struct {
	Name string `json:"name"`
	Code []Inst `json:"code"`
}

// Inst is one wire instruction. Which fields apply depends on Op:
//
//	const            id, type, int or float
//	null             id, type
//	laneindex        id
//	add..shr         id, args[2]
//	eq..ge           id, args[2]
//	convert          id, type, args[1]
//	select           id, args[3] (cond, iftrue, iffalse)
//	phi              id, type, args[n] paired with to[n] predecessor blocks
//	alloca           id, type
//	load             id, args[1]
//	store            args[2] (addr, value)
//	lea              id, args[2] (view, index)
//	view             id, args[2] (ptr, length)
//	viewlen          id, args[1]
//	getfield         id, args[1], int = field index
//	setfield         id, args[2] (agg, value), int = field index
//	assert           args[1], str = message
//	ret              args[0..1]
//	br               to[1]
//	brif             args[1], to[2] (iftrue, iffalse)
//	switch           args[1], to[1+n] (default, cases)
type Inst struct {
	ID    string   `json:"id,omitempty"`
	Op    string   `json:"op"`
	Type  string   `json:"type,omitempty"`
	Args  []string `json:"args,omitempty"`
	To    []string `json:"to,omitempty"`
	Int   int64    `json:"int,omitempty"`
	Float float64  `json:"float,omitempty"`
	Str   string   `json:"str,omitempty"`
}

var wireBinOps = map[string]ir.BinOp{
	"add": ir.OpAdd, "sub": ir.OpSub, "mul": ir.OpMul, "div": ir.OpDiv,
	"rem": ir.OpRem, "and": ir.OpAnd, "or": ir.OpOr, "xor": ir.OpXor,
	"shl": ir.OpShl, "shr": ir.OpShr,
}

var wireCmpOps = map[string]ir.ComparePred{
	"eq": ir.CmpEQ, "ne": ir.CmpNE, "lt": ir.CmpLT,
	"le": ir.CmpLE, "gt": ir.CmpGT, "ge": ir.CmpGE,
}

// Decode builds the IR method described by the wire form.
func (wm *Method) Decode(tc *ir.TypeContext) (*ir.Method, error) {
	if wm.Name == "" {
		return nil, errors.Validation("WIRE_METHOD", "method name is required")
	}
	if len(wm.Blocks) == 0 {
		return nil, errors.Validation("WIRE_METHOD", "method has no blocks")
	}
	ret, err := parseType(tc, wm.Return)
	if err != nil {
		return nil, err
	}

	m := ir.NewMethod(wm.Name, ret, tc)
	if wm.EntryPoint {
		m.Flags |= ir.FlagEntryPoint
	}
	d := &decoder{m: m, tc: tc, values: make(map[string]ir.ValueID), blocks: make(map[string]ir.BlockID)}
	for i, pt := range wm.Params {
		t, err := parseType(tc, pt)
		if err != nil {
			return nil, err
		}
		d.values[fmt.Sprintf("arg%d", i)] = m.AddParam(t)
	}

	// Entry is the method's implicit first block; later blocks are created
	// up front so branches can target any of them.
	b := ir.NewBuilder(m)
	d.b = b
	d.blocks[wm.Blocks[0].Name] = b.Block()
	for _, wb := range wm.Blocks[1:] {
		if _, dup := d.blocks[wb.Name]; dup {
			return nil, errors.Validation("WIRE_BLOCK", "duplicate block "+wb.Name)
		}
		d.blocks[wb.Name] = m.NewBlock(wb.Name)
	}

	for _, wb := range wm.Blocks {
		b.SetAppend(d.blocks[wb.Name])
		for i := range wb.Code {
			if err := d.inst(&wb.Code[i]); err != nil {
				return nil, err
			}
		}
	}
	// Phi incomings may reference values defined in later blocks, so they
	// resolve only after every block has been decoded.
	for _, p := range d.phis {
		pred, ok := d.blocks[p.pred]
		if !ok {
			return nil, errors.Validation("WIRE_PHI", "unknown predecessor "+p.pred)
		}
		v, ok := d.values[p.arg]
		if !ok {
			return nil, errors.Validation("WIRE_PHI", "unknown value "+p.arg)
		}
		b.AddPhiIncoming(p.phi, pred, v)
	}
	return m, nil
}

type pendingIncoming struct {
	phi  ir.ValueID
	pred string
	arg  string
}

type decoder struct {
	m      *ir.Method
	tc     *ir.TypeContext
	b      *ir.Builder
	values map[string]ir.ValueID
	blocks map[string]ir.BlockID
	phis   []pendingIncoming
}

func (d *decoder) value(name string) (ir.ValueID, error) {
	v, ok := d.values[name]
	if !ok {
		return ir.InvalidValue, errors.Validation("WIRE_VALUE", "unknown value "+name)
	}
	return v, nil
}

func (d *decoder) args(in *Inst, n int) ([]ir.ValueID, error) {
	if len(in.Args) != n {
		return nil, errors.Validation("WIRE_ARITY",
			fmt.Sprintf("%s takes %d args, got %d", in.Op, n, len(in.Args)))
	}
	out := make([]ir.ValueID, n)
	for i, a := range in.Args {
		v, err := d.value(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *decoder) block(name string) (ir.BlockID, error) {
	blk, ok := d.blocks[name]
	if !ok {
		return 0, errors.Validation("WIRE_BLOCK", "unknown block "+name)
	}
	return blk, nil
}

func (d *decoder) define(in *Inst, v ir.ValueID) error {
	if in.ID == "" {
		return errors.Validation("WIRE_VALUE", in.Op+" requires an id")
	}
	if _, dup := d.values[in.ID]; dup {
		return errors.Validation("WIRE_VALUE", "duplicate value id "+in.ID)
	}
	d.values[in.ID] = v
	return nil
}

func (d *decoder) inst(in *Inst) error {
	b := d.b
	if op, ok := wireBinOps[in.Op]; ok {
		a, err := d.args(in, 2)
		if err != nil {
			return err
		}
		return d.define(in, b.Binary(op, a[0], a[1]))
	}
	if pred, ok := wireCmpOps[in.Op]; ok {
		a, err := d.args(in, 2)
		if err != nil {
			return err
		}
		return d.define(in, b.Compare(pred, a[0], a[1]))
	}

	switch in.Op {
	case "const":
		t, err := parseType(d.tc, in.Type)
		if err != nil {
			return err
		}
		switch t.Kind {
		case ir.TypeBool:
			return d.define(in, b.Bool(in.Int != 0))
		case ir.TypeFloat16, ir.TypeFloat32, ir.TypeFloat64:
			return d.define(in, b.ConstFloat(t, in.Float))
		default:
			return d.define(in, b.ConstInt(t, in.Int))
		}
	case "null":
		t, err := parseType(d.tc, in.Type)
		if err != nil {
			return err
		}
		return d.define(in, b.Null(t))
	case "laneindex":
		return d.define(in, b.LaneIndex())
	case "convert":
		t, err := parseType(d.tc, in.Type)
		if err != nil {
			return err
		}
		a, err := d.args(in, 1)
		if err != nil {
			return err
		}
		return d.define(in, b.Convert(t, a[0]))
	case "select":
		a, err := d.args(in, 3)
		if err != nil {
			return err
		}
		return d.define(in, b.Select(a[0], a[1], a[2]))
	case "phi":
		t, err := parseType(d.tc, in.Type)
		if err != nil {
			return err
		}
		if len(in.Args) != len(in.To) {
			return errors.Validation("WIRE_PHI", "phi args and to lists differ in length")
		}
		phi := b.Phi(t)
		for i := range in.Args {
			d.phis = append(d.phis, pendingIncoming{phi: phi, pred: in.To[i], arg: in.Args[i]})
		}
		return d.define(in, phi)
	case "alloca":
		t, err := parseType(d.tc, in.Type)
		if err != nil {
			return err
		}
		return d.define(in, b.Alloca(t, ir.SpaceLocal))
	case "load":
		a, err := d.args(in, 1)
		if err != nil {
			return err
		}
		return d.define(in, b.Load(a[0]))
	case "store":
		a, err := d.args(in, 2)
		if err != nil {
			return err
		}
		b.Store(a[0], a[1])
		return nil
	case "lea":
		a, err := d.args(in, 2)
		if err != nil {
			return err
		}
		return d.define(in, b.LoadElementAddress(a[0], a[1]))
	case "view":
		a, err := d.args(in, 2)
		if err != nil {
			return err
		}
		return d.define(in, b.NewView(a[0], a[1]))
	case "viewlen":
		a, err := d.args(in, 1)
		if err != nil {
			return err
		}
		return d.define(in, b.GetViewLength(a[0]))
	case "getfield":
		a, err := d.args(in, 1)
		if err != nil {
			return err
		}
		return d.define(in, b.GetField(a[0], int(in.Int)))
	case "setfield":
		a, err := d.args(in, 2)
		if err != nil {
			return err
		}
		return d.define(in, b.SetField(a[0], int(in.Int), a[1]))
	case "assert":
		a, err := d.args(in, 1)
		if err != nil {
			return err
		}
		b.DebugAssert(a[0], in.Str)
		return nil
	case "ret":
		switch len(in.Args) {
		case 0:
			b.Return(ir.InvalidValue)
			return nil
		case 1:
			v, err := d.value(in.Args[0])
			if err != nil {
				return err
			}
			b.Return(v)
			return nil
		default:
			return errors.Validation("WIRE_ARITY", "ret takes at most one arg")
		}
	case "br":
		if len(in.To) != 1 {
			return errors.Validation("WIRE_ARITY", "br takes one target")
		}
		t, err := d.block(in.To[0])
		if err != nil {
			return err
		}
		b.Branch(t)
		return nil
	case "brif":
		a, err := d.args(in, 1)
		if err != nil {
			return err
		}
		if len(in.To) != 2 {
			return errors.Validation("WIRE_ARITY", "brif takes two targets")
		}
		ift, err := d.block(in.To[0])
		if err != nil {
			return err
		}
		iff, err := d.block(in.To[1])
		if err != nil {
			return err
		}
		b.IfBranch(a[0], ift, iff)
		return nil
	case "switch":
		a, err := d.args(in, 1)
		if err != nil {
			return err
		}
		if len(in.To) < 1 {
			return errors.Validation("WIRE_ARITY", "switch takes a default target")
		}
		targets := make([]ir.BlockID, len(in.To))
		for i, name := range in.To {
			t, err := d.block(name)
			if err != nil {
				return err
			}
			targets[i] = t
		}
		b.Switch(a[0], targets[0], targets[1:]...)
		return nil
	}
	return errors.Validation("WIRE_OP", "unknown operation "+in.Op)
}

// parseType resolves the wire type syntax: primitives by name plus
// "ptr<T>" and "view<T>" in generic address space.
func parseType(tc *ir.TypeContext, s string) (*ir.TypeNode, error) {
	switch s {
	case "void", "":
		return tc.Void(), nil
	case "bool":
		return tc.Bool(), nil
	case "int32":
		return tc.Int32(), nil
	case "int64":
		return tc.Int64(), nil
	case "float16":
		return tc.Float16(), nil
	case "float32":
		return tc.Float32(), nil
	case "float64":
		return tc.Float64(), nil
	}
	if inner, ok := strings.CutPrefix(s, "ptr<"); ok && strings.HasSuffix(inner, ">") {
		elem, err := parseType(tc, strings.TrimSuffix(inner, ">"))
		if err != nil {
			return nil, err
		}
		return tc.Pointer(elem, ir.SpaceGeneric), nil
	}
	if inner, ok := strings.CutPrefix(s, "view<"); ok && strings.HasSuffix(inner, ">") {
		elem, err := parseType(tc, strings.TrimSuffix(inner, ">"))
		if err != nil {
			return nil, err
		}
		return tc.View(elem, ir.SpaceGeneric), nil
	}
	return nil, errors.Validation("WIRE_TYPE", "unknown type "+s)
}
