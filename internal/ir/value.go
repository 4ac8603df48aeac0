// Package ir defines the typed SSA intermediate representation shared by all
// lowering passes and code generators. Values live in a per-method arena and
// reference each other by stable integer ids; rewrites redirect uses instead
// of mutating nodes in place.
package ir

import "fmt"

// ValueID is a stable index into a Method's value arena.
type ValueID int32

// InvalidValue marks an absent value reference.
const InvalidValue ValueID = -1

// BlockID is a stable index into a Method's block list.
type BlockID int32

// InvalidBlock marks an absent block reference.
const InvalidBlock BlockID = -1

// ValueKind is the closed set of IR node kinds. The rewriter dispatches
// handlers by kind.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota

	// Plain values.
	KindParam
	KindConstInt
	KindConstFloat
	KindNull
	KindBinary
	KindCompare
	KindConvert
	KindSelect
	KindPhi
	KindCall
	KindLaneIndex
	KindDebugAssert

	// Memory values.
	KindAlloca
	KindLoad
	KindStore
	KindLoadFieldAddress
	KindLoadElementAddress
	KindAddressSpaceCast

	// Aggregate values.
	KindGetField
	KindSetField
	KindNewView
	KindGetViewLength
	KindViewCast

	// Array values, eliminated by array lowering.
	KindNewArray
	KindGetArrayElementAddress
	KindGetArrayLength
	KindArrayToViewCast

	// Terminators.
	KindReturn
	KindBranch
	KindIfBranch
	KindSwitchBranch

	// KindMax is the number of value kinds; used to size dispatch tables.
	KindMax
)

func (k ValueKind) String() string {
	switch k {
	case KindParam:
		return "param"
	case KindConstInt:
		return "const.int"
	case KindConstFloat:
		return "const.float"
	case KindNull:
		return "null"
	case KindBinary:
		return "binary"
	case KindCompare:
		return "compare"
	case KindConvert:
		return "convert"
	case KindSelect:
		return "select"
	case KindPhi:
		return "phi"
	case KindCall:
		return "call"
	case KindLaneIndex:
		return "laneindex"
	case KindDebugAssert:
		return "debug.assert"
	case KindAlloca:
		return "alloca"
	case KindLoad:
		return "load"
	case KindStore:
		return "store"
	case KindLoadFieldAddress:
		return "lfa"
	case KindLoadElementAddress:
		return "lea"
	case KindAddressSpaceCast:
		return "addrcast"
	case KindGetField:
		return "getfield"
	case KindSetField:
		return "setfield"
	case KindNewView:
		return "newview"
	case KindGetViewLength:
		return "viewlen"
	case KindViewCast:
		return "viewcast"
	case KindNewArray:
		return "newarray"
	case KindGetArrayElementAddress:
		return "aea"
	case KindGetArrayLength:
		return "arraylen"
	case KindArrayToViewCast:
		return "array2view"
	case KindReturn:
		return "ret"
	case KindBranch:
		return "br"
	case KindIfBranch:
		return "brcond"
	case KindSwitchBranch:
		return "switch"
	default:
		return "value?"
	}
}

// IsTerminator reports whether the kind terminates a basic block.
func (k ValueKind) IsTerminator() bool {
	return k >= KindReturn && k <= KindSwitchBranch
}

// BinOp enumerates binary arithmetic and logical operations.
type BinOp uint8

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
)

func (op BinOp) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpDiv:
		return "div"
	case OpRem:
		return "rem"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpXor:
		return "xor"
	case OpShl:
		return "shl"
	case OpShr:
		return "shr"
	default:
		return "binop?"
	}
}

// ComparePred enumerates compare predicates.
type ComparePred uint8

const (
	CmpEQ ComparePred = iota
	CmpNE
	CmpLT
	CmpLE
	CmpGT
	CmpGE
)

func (p ComparePred) String() string {
	switch p {
	case CmpEQ:
		return "eq"
	case CmpNE:
		return "ne"
	case CmpLT:
		return "lt"
	case CmpLE:
		return "le"
	case CmpGT:
		return "gt"
	case CmpGE:
		return "ge"
	default:
		return "cmp?"
	}
}

// Location identifies the source position a value was lowered from, for
// diagnostics. The zero Location is "unknown".
type Location struct {
	File string
	Line int
}

// IsValid reports whether the location carries real position data.
func (l Location) IsValid() bool { return l.File != "" }

func (l Location) String() string {
	if !l.IsValid() {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Value is one node of the IR graph. Operands reference other values in the
// same Method's arena; the use list holds back-references from consumers.
// Values are replaced, never mutated: see Method.ReplaceAndRemove.
type Value struct {
	Kind ValueKind
	Type *TypeNode
	Loc  Location

	// Operands, by kind:
	//   Binary: lhs, rhs. Compare: lhs, rhs. Convert: src.
	//   Select: cond, true, false. Phi: one per predecessor edge.
	//   Call: arguments. Load: addr. Store: addr, value.
	//   LoadFieldAddress: addr. LoadElementAddress: view, index.
	//   AddressSpaceCast/ViewCast/ArrayToViewCast/GetViewLength: src.
	//   GetField: agg. SetField: agg, value. NewView: ptr, length.
	//   GetArrayElementAddress: array, indices... GetArrayLength: array[, dim].
	//   DebugAssert: cond.
	//   Return: optional value. IfBranch: cond. SwitchBranch: selector.
	Operands []ValueID

	// Block owning this value.
	Block BlockID

	// Kind-specific payload.
	Int      int64        // ConstInt value, Param index, GetField/SetField index
	Float    float64      // ConstFloat value
	Op       BinOp        // Binary
	Pred     ComparePred  // Compare
	Space    AddressSpace // Alloca, AddressSpaceCast, ViewCast
	Field    int          // LoadFieldAddress accessed field index
	Callee   *Method      // Call target
	Targets  []BlockID    // Branch: {t}; IfBranch: {true, false}; Switch: {default, case0..}
	Incoming []BlockID    // Phi: predecessor per operand
	Msg      string       // DebugAssert message

	id   ValueID
	uses []ValueID
	dead bool
}

// ID returns the value's arena id.
func (v *Value) ID() ValueID { return v.id }

// IsDead reports whether the value has been removed (tombstoned).
func (v *Value) IsDead() bool { return v.dead }

// Uses returns the ids of values consuming this value. The returned slice is
// owned by the arena; callers must copy before rewriting.
func (v *Value) Uses() []ValueID { return v.uses }

// NumUses returns the number of consumers.
func (v *Value) NumUses() int { return len(v.uses) }

// IsTerminator reports whether this value terminates its block.
func (v *Value) IsTerminator() bool { return v.Kind.IsTerminator() }

func (v *Value) addUse(user ValueID) {
	v.uses = append(v.uses, user)
}

func (v *Value) removeUse(user ValueID) {
	for i, u := range v.uses {
		if u == user {
			v.uses[i] = v.uses[len(v.uses)-1]
			v.uses = v.uses[:len(v.uses)-1]
			return
		}
	}
}
