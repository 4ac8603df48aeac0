package analysis

import "github.com/lumen-gpu/lumen/internal/ir"

// Loop is one natural loop: a header, the back edges targeting it and the
// ordered member block set.
type Loop struct {
	Header    ir.BlockID
	BackEdges []ir.BlockID // back-edge source blocks
	Blocks    []ir.BlockID // members including the header, in RPO
	Parent    *Loop
}

// Contains reports whether b belongs to the loop.
func (l *Loop) Contains(b ir.BlockID) bool {
	for _, m := range l.Blocks {
		if m == b {
			return true
		}
	}
	return false
}

// Exits returns the blocks outside the loop that are branched to from inside.
func (l *Loop) Exits(m *ir.Method) []ir.BlockID {
	var exits []ir.BlockID
	seen := make(map[ir.BlockID]bool)
	for _, b := range l.Blocks {
		for _, s := range m.Successors(b) {
			if !l.Contains(s) && !seen[s] {
				seen[s] = true
				exits = append(exits, s)
			}
		}
	}
	return exits
}

// LoopForest holds the natural loops of one Method, outermost first.
type LoopForest struct {
	Loops   []*Loop
	headers map[ir.BlockID]*Loop
}

// LoopOf returns the innermost loop headed by b, or nil.
func (f *LoopForest) LoopOf(header ir.BlockID) *Loop { return f.headers[header] }

// Innermost returns the smallest loop containing b, or nil.
func (f *LoopForest) Innermost(b ir.BlockID) *Loop {
	var best *Loop
	for _, l := range f.Loops {
		if !l.Contains(b) {
			continue
		}
		if best == nil || len(l.Blocks) < len(best.Blocks) {
			best = l
		}
	}
	return best
}

// IsBackEdge reports whether from->to is a back edge of some natural loop.
func (f *LoopForest) IsBackEdge(from, to ir.BlockID) bool {
	l := f.headers[to]
	if l == nil {
		return false
	}
	for _, b := range l.BackEdges {
		if b == from {
			return true
		}
	}
	return false
}

// ComputeLoops identifies natural loops from back edges (an edge whose target
// dominates its source) and collects member blocks by a backwards walk from
// each back-edge source. Irreducible control flow produces edges into a loop
// body that bypass the header; callers detect this via Loop.Contains checks.
func ComputeLoops(m *ir.Method, dom *Dominators) *LoopForest {
	f := &LoopForest{headers: make(map[ir.BlockID]*Loop)}
	rpo := ReversePostOrder(m)

	for _, b := range rpo {
		for _, s := range m.Successors(b) {
			if !dom.Dominates(s, b) {
				continue
			}
			// b -> s is a back edge.
			l := f.headers[s]
			if l == nil {
				l = &Loop{Header: s}
				f.headers[s] = l
				f.Loops = append(f.Loops, l)
			}
			l.BackEdges = append(l.BackEdges, b)
			collectLoopBody(m, l, b)
		}
	}

	// Order member sets by RPO and link nesting.
	pos := make([]int, m.NumBlocks())
	for i, b := range rpo {
		pos[b] = i
	}
	for _, l := range f.Loops {
		blocks := l.Blocks
		for i := 0; i < len(blocks); i++ {
			for j := i + 1; j < len(blocks); j++ {
				if pos[blocks[j]] < pos[blocks[i]] {
					blocks[i], blocks[j] = blocks[j], blocks[i]
				}
			}
		}
		for _, other := range f.Loops {
			if other == l || !other.Contains(l.Header) {
				continue
			}
			if l.Parent == nil || other.Contains(l.Parent.Header) {
				l.Parent = other
			}
		}
	}
	return f
}

func collectLoopBody(m *ir.Method, l *Loop, from ir.BlockID) {
	in := make(map[ir.BlockID]bool, len(l.Blocks)+4)
	for _, b := range l.Blocks {
		in[b] = true
	}
	add := func(b ir.BlockID) bool {
		if in[b] {
			return false
		}
		in[b] = true
		l.Blocks = append(l.Blocks, b)
		return true
	}
	add(l.Header)
	var stack []ir.BlockID
	if add(from) {
		stack = append(stack, from)
	}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range m.Block(b).Preds {
			if add(p) {
				stack = append(stack, p)
			}
		}
	}
}
