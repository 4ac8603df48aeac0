package ir

import "fmt"

// MethodFlags carry compilation-relevant properties of a Method.
type MethodFlags uint16

const (
	// FlagEntryPoint marks a kernel entry method.
	FlagEntryPoint MethodFlags = 1 << iota
	// FlagInline marks a method explicitly requested for inlining.
	FlagInline
	// FlagNoInlining forbids inlining, set e.g. by recursion detection.
	FlagNoInlining
)

// BasicBlock is an ordered sequence of value ids terminated by exactly one
// terminator. Predecessors are derived from the terminators referencing this
// block; Method.RecomputePreds refreshes them after CFG edits.
type BasicBlock struct {
	Name   string
	Values []ValueID
	Preds  []BlockID

	id   BlockID
	dead bool
}

// ID returns the block's id.
func (b *BasicBlock) ID() BlockID { return b.id }

// IsDead reports whether the block has been pruned.
func (b *BasicBlock) IsDead() bool { return b.dead }

// Method owns an entry block, the full block set and the value arena.
type Method struct {
	Name       string
	ReturnType *TypeNode
	Flags      MethodFlags

	// Params are KindParam values, conceptually defined at entry.
	Params []ValueID

	Types *TypeContext

	values []Value
	blocks []BasicBlock
	entry  BlockID
}

// NewMethod creates an empty method with an entry block.
func NewMethod(name string, ret *TypeNode, types *TypeContext) *Method {
	m := &Method{Name: name, ReturnType: ret, Types: types, entry: InvalidBlock}
	m.entry = m.NewBlock("entry")
	return m
}

// Entry returns the entry block id.
func (m *Method) Entry() BlockID { return m.entry }

// HasFlags reports whether all given flags are set.
func (m *Method) HasFlags(f MethodFlags) bool { return m.Flags&f == f }

// NewBlock appends a fresh empty block.
func (m *Method) NewBlock(name string) BlockID {
	id := BlockID(len(m.blocks))
	m.blocks = append(m.blocks, BasicBlock{Name: name, id: id})
	return id
}

// Block resolves a block id.
func (m *Method) Block(id BlockID) *BasicBlock { return &m.blocks[id] }

// NumBlocks returns the block arena size, including dead blocks.
func (m *Method) NumBlocks() int { return len(m.blocks) }

// Blocks returns the ids of all live blocks in allocation order.
func (m *Method) Blocks() []BlockID {
	out := make([]BlockID, 0, len(m.blocks))
	for i := range m.blocks {
		if !m.blocks[i].dead {
			out = append(out, BlockID(i))
		}
	}
	return out
}

// Value resolves a value id.
func (m *Method) Value(id ValueID) *Value { return &m.values[id] }

// NumValues returns the value arena size, including dead values.
func (m *Method) NumValues() int { return len(m.values) }

// NumLiveValues counts values that have not been removed.
func (m *Method) NumLiveValues() int {
	n := 0
	for i := range m.values {
		if !m.values[i].dead {
			n++
		}
	}
	return n
}

// AddParam appends a typed parameter value.
func (m *Method) AddParam(t *TypeNode) ValueID {
	id := m.allocValue(Value{Kind: KindParam, Type: t, Int: int64(len(m.Params)), Block: m.entry})
	m.Params = append(m.Params, id)
	return id
}

func (m *Method) allocValue(v Value) ValueID {
	id := ValueID(len(m.values))
	v.id = id
	m.values = append(m.values, v)
	for _, op := range m.values[id].Operands {
		if op != InvalidValue {
			m.values[op].addUse(id)
		}
	}
	return id
}

// Terminator returns the block's terminator value id, or InvalidValue if the
// block is not yet sealed.
func (m *Method) Terminator(b BlockID) ValueID {
	blk := &m.blocks[b]
	if n := len(blk.Values); n > 0 {
		if last := blk.Values[n-1]; m.values[last].IsTerminator() {
			return last
		}
	}
	return InvalidValue
}

// Successors returns the target blocks of b's terminator.
func (m *Method) Successors(b BlockID) []BlockID {
	t := m.Terminator(b)
	if t == InvalidValue {
		return nil
	}
	return m.values[t].Targets
}

// RecomputePreds rebuilds every live block's predecessor set from the
// terminator targets.
func (m *Method) RecomputePreds() {
	for i := range m.blocks {
		m.blocks[i].Preds = m.blocks[i].Preds[:0]
	}
	for i := range m.blocks {
		if m.blocks[i].dead {
			continue
		}
		for _, succ := range m.Successors(BlockID(i)) {
			m.blocks[succ].Preds = append(m.blocks[succ].Preds, BlockID(i))
		}
	}
}

// AppendOperand appends an operand slot to user, maintaining use lists. The
// CPS conversion uses it to attach continuation arguments to terminators.
func (m *Method) AppendOperand(user, op ValueID) {
	u := &m.values[user]
	u.Operands = append(u.Operands, op)
	if op != InvalidValue {
		m.values[op].addUse(user)
	}
}

// SetOperand rewrites the i-th operand of user, maintaining use lists.
func (m *Method) SetOperand(user ValueID, i int, op ValueID) {
	u := &m.values[user]
	if old := u.Operands[i]; old != InvalidValue {
		m.values[old].removeUse(user)
	}
	u.Operands[i] = op
	if op != InvalidValue {
		m.values[op].addUse(user)
	}
}

// Replace redirects every use of old to new. The old value stays in place.
func (m *Method) Replace(old, new ValueID) {
	if old == new {
		return
	}
	users := append([]ValueID(nil), m.values[old].uses...)
	for _, user := range users {
		u := &m.values[user]
		for i, op := range u.Operands {
			if op == old {
				m.SetOperand(user, i, new)
			}
		}
	}
}

// ReplaceAndRemove redirects every use of old to new, then removes old if no
// uses remain.
func (m *Method) ReplaceAndRemove(old, new ValueID) {
	m.Replace(old, new)
	if len(m.values[old].uses) == 0 {
		m.Remove(old)
	}
}

// Remove tombstones a value with no remaining uses, unlinking it from its
// operands' use lists and from its block. Removing a value that still has
// uses is a compiler defect.
func (m *Method) Remove(id ValueID) {
	v := &m.values[id]
	if v.dead {
		return
	}
	if len(v.uses) != 0 {
		panic(fmt.Sprintf("ir: removing value v%d with %d remaining uses", id, len(v.uses)))
	}
	for _, op := range v.Operands {
		if op != InvalidValue {
			m.values[op].removeUse(id)
		}
	}
	v.Operands = nil
	v.dead = true
	if v.Block != InvalidBlock {
		blk := &m.blocks[v.Block]
		for i, vid := range blk.Values {
			if vid == id {
				blk.Values = append(blk.Values[:i], blk.Values[i+1:]...)
				break
			}
		}
	}
}

// PruneUnreachable removes blocks not reachable from entry, dropping their
// values and phi operands referencing dead predecessor edges.
func (m *Method) PruneUnreachable() bool {
	reachable := make([]bool, len(m.blocks))
	var stack []BlockID
	stack = append(stack, m.entry)
	reachable[m.entry] = true
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range m.Successors(b) {
			if !reachable[s] {
				reachable[s] = true
				stack = append(stack, s)
			}
		}
	}

	changed := false
	for i := range m.blocks {
		blk := &m.blocks[i]
		if blk.dead || reachable[i] {
			continue
		}
		changed = true
		// Drop phi operands flowing out of the dead block first.
		for _, vid := range append([]ValueID(nil), blk.Values...) {
			v := &m.values[vid]
			users := append([]ValueID(nil), v.uses...)
			for _, user := range users {
				u := &m.values[user]
				if u.Kind == KindPhi && u.Block != BlockID(i) {
					m.removePhiIncoming(user, BlockID(i))
				}
			}
		}
		for len(blk.Values) > 0 {
			vid := blk.Values[len(blk.Values)-1]
			v := &m.values[vid]
			for len(v.uses) > 0 {
				// Remaining uses must come from other dead blocks.
				m.removeUseFromDead(vid)
			}
			m.Remove(vid)
		}
		blk.dead = true
	}
	if changed {
		// Phis may also carry edges from removed predecessors.
		for i := range m.values {
			v := &m.values[i]
			if v.dead || v.Kind != KindPhi {
				continue
			}
			for j := 0; j < len(v.Incoming); {
				if m.blocks[v.Incoming[j]].dead {
					m.removePhiIncomingAt(ValueID(i), j)
					continue
				}
				j++
			}
		}
		m.RecomputePreds()
	}
	return changed
}

func (m *Method) removeUseFromDead(vid ValueID) {
	v := &m.values[vid]
	user := v.uses[0]
	u := &m.values[user]
	for i, op := range u.Operands {
		if op == vid {
			m.SetOperand(user, i, InvalidValue)
		}
	}
}

// AppendClone copies src's payload as a new value at the end of block, with
// operands, branch targets and phi incoming edges already remapped by the
// caller. Operand slots may be InvalidValue and patched later via SetOperand;
// inlining uses this for phi edges that close cycles.
func (m *Method) AppendClone(block BlockID, src *Value, operands []ValueID, targets, incoming []BlockID) ValueID {
	v := Value{
		Kind:     src.Kind,
		Type:     src.Type,
		Loc:      src.Loc,
		Int:      src.Int,
		Float:    src.Float,
		Op:       src.Op,
		Pred:     src.Pred,
		Space:    src.Space,
		Field:    src.Field,
		Callee:   src.Callee,
		Msg:      src.Msg,
		Operands: operands,
		Targets:  targets,
		Incoming: incoming,
		Block:    block,
	}
	id := m.allocValue(v)
	m.blocks[block].Values = append(m.blocks[block].Values, id)
	return id
}

// removePhiIncoming drops the incoming edge of phi from pred.
func (m *Method) removePhiIncoming(phi ValueID, pred BlockID) {
	p := &m.values[phi]
	for i, in := range p.Incoming {
		if in == pred {
			m.removePhiIncomingAt(phi, i)
			return
		}
	}
}

func (m *Method) removePhiIncomingAt(phi ValueID, i int) {
	p := &m.values[phi]
	if op := p.Operands[i]; op != InvalidValue {
		m.values[op].removeUse(phi)
	}
	p.Operands = append(p.Operands[:i], p.Operands[i+1:]...)
	p.Incoming = append(p.Incoming[:i], p.Incoming[i+1:]...)
}
