package analysis

import "github.com/lumen-gpu/lumen/internal/ir"

// Dominators answers immediate-dominator and dominance queries for one
// Method's CFG snapshot.
type Dominators struct {
	m     *ir.Method
	rpo   []ir.BlockID
	rpoNo []int          // block id -> rpo position, -1 if unreachable
	idom  []ir.BlockID   // block id -> immediate dominator
	kids  [][]ir.BlockID // dominator tree children
}

// ComputeDominators builds the dominator tree using the iterative algorithm
// of Cooper, Harvey and Kennedy over the reverse post-order.
func ComputeDominators(m *ir.Method) *Dominators {
	d := &Dominators{
		m:     m,
		rpo:   ReversePostOrder(m),
		rpoNo: make([]int, m.NumBlocks()),
		idom:  make([]ir.BlockID, m.NumBlocks()),
	}
	for i := range d.rpoNo {
		d.rpoNo[i] = -1
		d.idom[i] = ir.InvalidBlock
	}
	for i, b := range d.rpo {
		d.rpoNo[b] = i
	}

	entry := m.Entry()
	d.idom[entry] = entry
	changed := true
	for changed {
		changed = false
		for _, b := range d.rpo {
			if b == entry {
				continue
			}
			newIdom := ir.InvalidBlock
			for _, p := range d.m.Block(b).Preds {
				if d.rpoNo[p] < 0 || d.idom[p] == ir.InvalidBlock {
					continue
				}
				if newIdom == ir.InvalidBlock {
					newIdom = p
				} else {
					newIdom = d.intersect(p, newIdom)
				}
			}
			if newIdom != ir.InvalidBlock && d.idom[b] != newIdom {
				d.idom[b] = newIdom
				changed = true
			}
		}
	}

	d.kids = make([][]ir.BlockID, m.NumBlocks())
	for _, b := range d.rpo {
		if b == entry {
			continue
		}
		if p := d.idom[b]; p != ir.InvalidBlock {
			d.kids[p] = append(d.kids[p], b)
		}
	}
	return d
}

func (d *Dominators) intersect(a, b ir.BlockID) ir.BlockID {
	for a != b {
		for d.rpoNo[a] > d.rpoNo[b] {
			a = d.idom[a]
		}
		for d.rpoNo[b] > d.rpoNo[a] {
			b = d.idom[b]
		}
	}
	return a
}

// IDom returns the immediate dominator of b; the entry block dominates
// itself.
func (d *Dominators) IDom(b ir.BlockID) ir.BlockID { return d.idom[b] }

// Dominates reports whether a dominates b (reflexively).
func (d *Dominators) Dominates(a, b ir.BlockID) bool {
	for {
		if a == b {
			return true
		}
		next := d.idom[b]
		if next == b || next == ir.InvalidBlock {
			return false
		}
		b = next
	}
}

// Children returns the dominator-tree children of b.
func (d *Dominators) Children(b ir.BlockID) []ir.BlockID { return d.kids[b] }

// DominanceOrder returns blocks in a preorder walk of the dominator tree, so
// every block appears after its immediate dominator. Among siblings the
// reverse post-order is kept, which preserves predecessor-before-successor
// ordering for acyclic regions.
func (d *Dominators) DominanceOrder() []ir.BlockID {
	out := make([]ir.BlockID, 0, len(d.rpo))
	seen := make([]bool, d.m.NumBlocks())
	var walk func(b ir.BlockID)
	walk = func(b ir.BlockID) {
		if seen[b] {
			return
		}
		seen[b] = true
		out = append(out, b)
		kids := append([]ir.BlockID(nil), d.kids[b]...)
		// Keep RPO order among children.
		for i := 0; i < len(kids); i++ {
			for j := i + 1; j < len(kids); j++ {
				if d.rpoNo[kids[j]] < d.rpoNo[kids[i]] {
					kids[i], kids[j] = kids[j], kids[i]
				}
			}
		}
		for _, k := range kids {
			walk(k)
		}
	}
	walk(d.m.Entry())
	return out
}
