// Package velocity generates warp bytecode for wide-SIMD CPU execution.
// A scalar-per-lane kernel method is re-expressed as a single lockstep
// instruction stream: every basic block owns an active-lane mask, branches
// become mask intersections and unifications, loops re-enter while their
// running mask has active lanes, and phis resolve through masked merges.
// The generator emits through the abstract Emitter interface; the bytecode
// and trace realizations must accept identical operation sequences.
package velocity

import "github.com/lumen-gpu/lumen/internal/ir"

// Local identifies a declared local slot of the generated function.
type Local int

// Label identifies a declared jump target.
type Label int

// Opcode enumerates the warp bytecode operations. All value-carrying ops are
// vector ops: they act per lane across the full warp width.
type Opcode uint8

const (
	OpNop Opcode = iota

	// Lane and mask operations.
	OpLaneIndex   // push the per-lane linear index vector
	OpBroadcast   // pop scalar, push it replicated across lanes
	OpMaskAnd     // pop b, a; push a AND b
	OpMaskOr      // pop b, a; push a OR b (unify)
	OpMaskNot     // pop a; push NOT a (within warp width)
	OpMaskAndNot  // pop b, a; push a AND NOT b (disable lanes)
	OpMaskAny     // pop mask; push scalar bool "any lane active"
	OpMaskCount   // pop mask; push scalar active-lane count
	OpMaskedMerge // pop old, new, mask; push per-lane select: mask ? new : old

	// Arithmetic, per lane.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr

	// Comparisons, per lane; push a lane-bool vector usable as a mask.
	// Two scalar operands compare as scalars and push a scalar bool.
	OpCmpEQ
	OpCmpNE
	OpCmpLT
	OpCmpLE
	OpCmpGT
	OpCmpGE

	OpConvert // type operand; pop v, push converted
	OpSelect  // pop false, true, cond; per-lane select
	OpNull    // type operand; push the zero vector

	// Memory, mask-predicated.
	OpAllocaBuf // type operand, then element count on stack; push address vector
	OpLoad      // pop addr, mask; push loaded vector (inactive lanes undefined)
	OpStore     // pop value, addr, mask; store active lanes
	OpLEA       // pop index, view; push element address vector
	OpNewView   // pop length, ptr; push view
	OpViewLen   // pop view; push length vector
	OpGetField  // field operand; pop aggregate; push field
	OpSetField  // field operand; pop value, aggregate; push updated aggregate
	OpFieldAddr // field operand; pop address; push projected field address
	OpAssert    // pop message, cond, mask; trap if an active lane fails cond

	// Control.
	OpJump   // label operand
	OpBrTrue // label operand; pop scalar bool
	OpReturn
)

var opcodeNames = [...]string{
	OpNop: "nop", OpLaneIndex: "laneindex", OpBroadcast: "broadcast",
	OpMaskAnd: "mask.and", OpMaskOr: "mask.or", OpMaskNot: "mask.not",
	OpMaskAndNot: "mask.andnot", OpMaskAny: "mask.any", OpMaskCount: "mask.count",
	OpMaskedMerge: "mask.merge",
	OpAdd:         "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpRem: "rem",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpShl: "shl", OpShr: "shr",
	OpCmpEQ: "cmp.eq", OpCmpNE: "cmp.ne", OpCmpLT: "cmp.lt", OpCmpLE: "cmp.le",
	OpCmpGT: "cmp.gt", OpCmpGE: "cmp.ge",
	OpConvert: "convert", OpSelect: "select", OpNull: "null",
	OpAllocaBuf: "allocabuf", OpLoad: "load", OpStore: "store", OpLEA: "lea",
	OpNewView: "newview", OpViewLen: "viewlen",
	OpGetField: "getfield", OpSetField: "setfield", OpFieldAddr: "fieldaddr",
	OpAssert: "assert",
	OpJump: "jump", OpBrTrue: "brtrue", OpReturn: "return",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return "op?"
}

// Emitter receives the generated operation sequence. The generator never
// depends on emitter-specific behavior beyond this interface: the bytecode
// realization and the textual trace realization both accept the identical
// sequence.
type Emitter interface {
	// DeclareLocal reserves a local slot for values of type t.
	DeclareLocal(t *ir.TypeNode) Local
	// DeclareLabel reserves a jump target to be placed later.
	DeclareLabel() Label
	// MarkLabel places a declared label at the current position.
	MarkLabel(Label)

	LoadLocal(Local)
	StoreLocal(Local)
	LoadArg(index int)
	StoreArg(index int)

	EmitCall(name string)
	EmitConstInt32(int32)
	EmitConstInt64(int64)
	EmitConstFloat32(float32)
	EmitConstFloat64(float64)
	EmitConstString(string)

	// Emit appends a plain opcode; the variants attach one operand.
	Emit(op Opcode)
	EmitBranch(op Opcode, target Label)
	EmitType(op Opcode, t *ir.TypeNode)
	EmitField(op Opcode, field int)
	EmitSwitch(targets []Label)

	// Finish completes the stream.
	Finish() error
}
