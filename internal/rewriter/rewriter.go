// Package rewriter implements the generic pattern-dispatch rewrite engine.
// A Rewriter maps value kinds to at most one handler each; Process visits
// every live value of a method once in the requested traversal order and
// invokes the matching handler with a context positioned at that value.
// Values created by handlers are re-queued so a single pass cascades without
// a second full traversal. The engine is single-threaded per Method; distinct
// Methods may be processed concurrently since they share no blocks.
package rewriter

import (
	"fmt"

	"github.com/lumen-gpu/lumen/internal/ir"
	"github.com/lumen-gpu/lumen/internal/ir/analysis"
)

// Handler rewrites one value. It reports whether it changed anything.
type Handler func(*Context, ir.ValueID) bool

// Rewriter is a kind-keyed handler registry. Register handlers once, then
// apply the rewriter to any number of methods.
type Rewriter struct {
	handlers [ir.KindMax]Handler
}

// New returns an empty rewriter.
func New() *Rewriter { return &Rewriter{} }

// Register binds a handler to a value kind. At most one handler per kind.
func (r *Rewriter) Register(kind ir.ValueKind, h Handler) {
	if r.handlers[kind] != nil {
		panic(fmt.Sprintf("rewriter: duplicate handler for kind %s", kind))
	}
	r.handlers[kind] = h
}

// Context is handed to handlers. It exposes a builder positioned at the
// visited value and the replace/remove operations.
type Context struct {
	// Builder inserts immediately before the visited value.
	Builder *ir.Builder

	m     *ir.Method
	queue []ir.ValueID
	err   error
}

// Method returns the method being rewritten.
func (c *Context) Method() *ir.Method { return c.m }

// Replace redirects all uses of old to new, keeping old in place.
func (c *Context) Replace(old, new ir.ValueID) { c.m.Replace(old, new) }

// ReplaceAndRemove redirects all uses of old to new and unlinks old if
// nothing still uses it.
func (c *Context) ReplaceAndRemove(old, new ir.ValueID) { c.m.ReplaceAndRemove(old, new) }

// Remove unlinks a use-free value.
func (c *Context) Remove(id ir.ValueID) { c.m.Remove(id) }

// Fail records a fatal diagnostic. The engine stops after the current
// handler returns and Process surfaces the error; the method is left in an
// unspecified intermediate state and must be discarded.
func (c *Context) Fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Process visits the method's live values in reverse post-order of blocks
// (in-block program order within each block) and applies registered
// handlers. Returns true iff at least one rewrite occurred.
func (r *Rewriter) Process(m *ir.Method) (bool, error) {
	return r.process(m, analysis.ReversePostOrder(m))
}

// ProcessDominance visits blocks in dominance order instead; passes that
// track per-block value bindings rely on every block being visited after its
// immediate dominator.
func (r *Rewriter) ProcessDominance(m *ir.Method, dom *analysis.Dominators) (bool, error) {
	return r.process(m, dom.DominanceOrder())
}

func (r *Rewriter) process(m *ir.Method, order []ir.BlockID) (bool, error) {
	ctx := &Context{m: m, Builder: ir.NewBuilder(m)}
	ctx.Builder.OnEmit(func(id ir.ValueID) {
		ctx.queue = append(ctx.queue, id)
	})

	for _, b := range order {
		ctx.queue = append(ctx.queue, m.Block(b).Values...)
	}

	changed := false
	for len(ctx.queue) > 0 {
		id := ctx.queue[0]
		ctx.queue = ctx.queue[1:]
		v := m.Value(id)
		if v.IsDead() {
			continue
		}
		h := r.handlers[v.Kind]
		if h == nil {
			continue
		}
		ctx.Builder.SetInsertPoint(v.Block, id)
		if h(ctx, id) {
			changed = true
		}
		if ctx.err != nil {
			return changed, ctx.err
		}
	}
	return changed, nil
}
