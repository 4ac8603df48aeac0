// Package codegen drives the lowering pipeline and the backend generators.
package codegen

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/lumen-gpu/lumen/internal/backend/spirv"
	"github.com/lumen-gpu/lumen/internal/codegen/velocity"
	"github.com/lumen-gpu/lumen/internal/errors"
	"github.com/lumen-gpu/lumen/internal/ir"
	"github.com/lumen-gpu/lumen/internal/lower"
	"github.com/lumen-gpu/lumen/internal/target"
)

// Format selects the backend artifact a method is compiled to.
type Format int

const (
	// FormatWarpBytecode is the vectorized lockstep form.
	FormatWarpBytecode Format = iota
	// FormatManagedBytecode is the single-thread scalar form.
	FormatManagedBytecode
	// FormatShader is the binary shader-intermediate module.
	FormatShader
	// FormatTrace is the readable warp operation listing.
	FormatTrace
)

func (f Format) String() string {
	switch f {
	case FormatWarpBytecode:
		return "warp"
	case FormatManagedBytecode:
		return "managed"
	case FormatShader:
		return "shader"
	case FormatTrace:
		return "trace"
	default:
		return "format?"
	}
}

// ParseFormat resolves a format name as used on the command line and
// the daemon wire.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "warp":
		return FormatWarpBytecode, nil
	case "managed":
		return FormatManagedBytecode, nil
	case "shader":
		return FormatShader, nil
	case "trace":
		return FormatTrace, nil
	}
	return 0, errors.Validation("FORMAT_NAME", "unknown output format "+s)
}

// Options configures a Pipeline.
type Options struct {
	Target *target.Target
	Inline lower.InlinePolicy
	Format Format
}

// Artifact is one compiled method.
type Artifact struct {
	Method string
	Format Format
	Code   []byte // assembled bytecode or shader words
	Trace  string // FormatTrace listing

	// Program carries the structured bytecode for the two bytecode formats.
	Program *velocity.Program
}

// Pipeline compiles methods through the lowering passes into one backend
// format. A Pipeline is safe for concurrent use.
type Pipeline struct {
	opts Options
}

func New(opts Options) *Pipeline {
	if opts.Target == nil {
		opts.Target = target.Host()
	}
	if opts.Inline == nil {
		opts.Inline = lower.AlwaysInline{}
	}
	return &Pipeline{opts: opts}
}

// Compile lowers and generates every method, one goroutine per method.
// Methods never share blocks or values, so distinct methods transform
// independently; the shared TypeContext interns under its own lock.
func (p *Pipeline) Compile(ctx context.Context, methods []*ir.Method) ([]*Artifact, error) {
	markRecursive(methods)
	arts := make([]*Artifact, len(methods))
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range methods {
		g.Go(func() error {
			a, err := p.CompileMethod(ctx, m)
			if err != nil {
				return err
			}
			arts[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return arts, nil
}

// CompileMethod lowers and generates a single method.
func (p *Pipeline) CompileMethod(ctx context.Context, m *ir.Method) (*Artifact, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if err := Lower(m, p.opts.Inline); err != nil {
		return nil, err
	}

	a := &Artifact{Method: m.Name, Format: p.opts.Format}
	cfg := velocity.Config{Float16: p.opts.Target.Float16()}
	switch p.opts.Format {
	case FormatWarpBytecode:
		e := velocity.NewBytecodeEmitter()
		if err := velocity.Generate(m, e, cfg); err != nil {
			return nil, err
		}
		a.Program = e.Program()
		a.Code = a.Program.Code

	case FormatManagedBytecode:
		lower.ConvertToCPS(m)
		e := velocity.NewBytecodeEmitter()
		if err := GenerateScalar(m, e); err != nil {
			return nil, err
		}
		a.Program = e.Program()
		a.Code = a.Program.Code

	case FormatShader:
		code, err := spirv.Assemble(m)
		if err != nil {
			return nil, err
		}
		a.Code = code

	case FormatTrace:
		e := velocity.NewTraceEmitter()
		if err := velocity.Generate(m, e, cfg); err != nil {
			return nil, err
		}
		a.Trace = e.String()
	}
	return a, nil
}

// Lower runs the method-level transformations in dependency order: inlining
// first so merged bodies see the full call graph, then array lowering to
// expose allocas, then promotion.
func Lower(m *ir.Method, policy lower.InlinePolicy) error {
	m.PruneUnreachable()
	lower.Inline(m, policy)
	lower.MergeCallChains(m)
	if _, err := lower.LowerArrays(m); err != nil {
		return err
	}
	lower.PromoteAllocas(m)
	return nil
}

// markRecursive flags every method on a call-graph cycle as non-inlinable,
// so inlining terminates. Runs before the concurrent per-method phase since
// it writes method flags.
func markRecursive(methods []*ir.Method) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[*ir.Method]int, len(methods))
	var stack []*ir.Method
	var visit func(m *ir.Method)
	visit = func(m *ir.Method) {
		color[m] = gray
		stack = append(stack, m)
		for _, b := range m.Blocks() {
			for _, vid := range m.Block(b).Values {
				v := m.Value(vid)
				if v.IsDead() || v.Kind != ir.KindCall || v.Callee == nil {
					continue
				}
				switch color[v.Callee] {
				case white:
					visit(v.Callee)
				case gray:
					// Every method between the gray callee and here is on
					// the cycle.
					for i := len(stack) - 1; ; i-- {
						stack[i].Flags |= ir.FlagNoInlining
						if stack[i] == v.Callee {
							break
						}
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[m] = black
	}
	for _, m := range methods {
		if color[m] == white {
			visit(m)
		}
	}
}
