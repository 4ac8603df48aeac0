package lower

import (
	"github.com/lumen-gpu/lumen/internal/ir"
)

// ConvertToCPS rewrites phi-based SSA into continuation-passing form: every
// block with phis becomes a continuation taking those values as parameters,
// and each predecessor terminator explicitly carries the outgoing arguments.
// After conversion a phi holds no operands; its Int payload is the parameter
// position, and the matching argument sits on the predecessor's terminator.
//
// Terminator argument layout: the fixed operands (condition or selector)
// stay in front; then, for each target in Targets order, one argument per
// phi of that target in block order. ContinuationArgs recovers the grouping.
//
// The scalar bytecode generator consumes this form; the vectorized generator
// resolves phis directly via masked merges and runs on the phi form instead.
func ConvertToCPS(m *ir.Method) bool {
	m.RecomputePreds()
	changed := false

	// Collect the per-edge argument rows before mutating any phi.
	type edge struct{ pred, target ir.BlockID }
	rows := make(map[edge][]ir.ValueID)
	var phiBlocks []ir.BlockID
	for _, bid := range m.Blocks() {
		phis := blockPhis(m, bid)
		if len(phis) == 0 {
			continue
		}
		changed = true
		phiBlocks = append(phiBlocks, bid)
		for _, p := range m.Block(bid).Preds {
			e := edge{pred: p, target: bid}
			if _, done := rows[e]; done {
				continue
			}
			args := make([]ir.ValueID, 0, len(phis))
			for _, phi := range phis {
				args = append(args, phiIncoming(m, phi, p))
			}
			rows[e] = args
		}
	}

	for _, bid := range phiBlocks {
		for i, phi := range blockPhis(m, bid) {
			clearPhiOperands(m, phi)
			m.Value(phi).Int = int64(i)
		}
	}

	// Attach arguments in each terminator's own Targets order so that
	// ContinuationArgs can recover the grouping.
	for _, b := range m.Blocks() {
		term := m.Terminator(b)
		if term == ir.InvalidValue {
			continue
		}
		for _, tgt := range m.Value(term).Targets {
			for _, a := range rows[edge{pred: b, target: tgt}] {
				m.AppendOperand(term, a)
			}
		}
	}
	return changed
}

// ContinuationArgs returns the arguments a terminator passes to the given
// target (identified by its position in Targets), assuming CPS form.
func ContinuationArgs(m *ir.Method, term ir.ValueID, targetIdx int) []ir.ValueID {
	t := m.Value(term)
	fixed := 0
	switch t.Kind {
	case ir.KindIfBranch, ir.KindSwitchBranch:
		fixed = 1
	}
	args := t.Operands[fixed:]
	offset := 0
	for i, tgt := range t.Targets {
		n := len(blockPhis(m, tgt))
		if i == targetIdx {
			return args[offset : offset+n]
		}
		offset += n
	}
	return nil
}

func blockPhis(m *ir.Method, b ir.BlockID) []ir.ValueID {
	var phis []ir.ValueID
	for _, vid := range m.Block(b).Values {
		if m.Value(vid).Kind != ir.KindPhi {
			break
		}
		phis = append(phis, vid)
	}
	return phis
}

func phiIncoming(m *ir.Method, phi ir.ValueID, pred ir.BlockID) ir.ValueID {
	p := m.Value(phi)
	for i, in := range p.Incoming {
		if in == pred {
			return p.Operands[i]
		}
	}
	return ir.InvalidValue
}

func clearPhiOperands(m *ir.Method, phi ir.ValueID) {
	p := m.Value(phi)
	for i := range p.Operands {
		m.SetOperand(phi, i, ir.InvalidValue)
	}
	p.Operands = nil
	p.Incoming = nil
}
