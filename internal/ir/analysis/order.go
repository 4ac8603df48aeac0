// Package analysis provides derived, read-only CFG analyses over a Method:
// traversal orders, dominator trees and the loop forest. Results are computed
// fresh per pass and never mutated; recompute after any CFG change.
package analysis

import "github.com/lumen-gpu/lumen/internal/ir"

// ReversePostOrder returns the live blocks of m reachable from entry in
// reverse post-order.
func ReversePostOrder(m *ir.Method) []ir.BlockID {
	visited := make([]bool, m.NumBlocks())
	var post []ir.BlockID

	var walk func(b ir.BlockID)
	walk = func(b ir.BlockID) {
		visited[b] = true
		for _, s := range m.Successors(b) {
			if !visited[s] {
				walk(s)
			}
		}
		post = append(post, b)
	}
	walk(m.Entry())

	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// PostOrder returns the live blocks reachable from entry in post-order.
func PostOrder(m *ir.Method) []ir.BlockID {
	rpo := ReversePostOrder(m)
	for i, j := 0, len(rpo)-1; i < j; i, j = i+1, j-1 {
		rpo[i], rpo[j] = rpo[j], rpo[i]
	}
	return rpo
}
