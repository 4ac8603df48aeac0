package velocity

import (
	"fmt"
	"strings"

	"github.com/lumen-gpu/lumen/internal/ir"
)

// TraceEmitter realizes the operation stream as readable text, one operation
// per line. It exists for golden tests and -dump-velocity output; the bytecode
// emitter must accept the exact same call sequence.
type TraceEmitter struct {
	buf    strings.Builder
	locals []*ir.TypeNode
	labels int
}

func NewTraceEmitter() *TraceEmitter {
	return &TraceEmitter{}
}

func (e *TraceEmitter) DeclareLocal(t *ir.TypeNode) Local {
	l := Local(len(e.locals))
	e.locals = append(e.locals, t)
	fmt.Fprintf(&e.buf, "  local %d: %s\n", l, t)
	return l
}

func (e *TraceEmitter) DeclareLabel() Label {
	l := Label(e.labels)
	e.labels++
	return l
}

func (e *TraceEmitter) MarkLabel(l Label) {
	fmt.Fprintf(&e.buf, "L%d:\n", l)
}

func (e *TraceEmitter) LoadLocal(l Local)  { fmt.Fprintf(&e.buf, "  ldloc %d\n", l) }
func (e *TraceEmitter) StoreLocal(l Local) { fmt.Fprintf(&e.buf, "  stloc %d\n", l) }
func (e *TraceEmitter) LoadArg(i int)      { fmt.Fprintf(&e.buf, "  ldarg %d\n", i) }
func (e *TraceEmitter) StoreArg(i int)     { fmt.Fprintf(&e.buf, "  starg %d\n", i) }

func (e *TraceEmitter) EmitCall(name string) { fmt.Fprintf(&e.buf, "  call %s\n", name) }

func (e *TraceEmitter) EmitConstInt32(v int32)     { fmt.Fprintf(&e.buf, "  const.i32 %d\n", v) }
func (e *TraceEmitter) EmitConstInt64(v int64)     { fmt.Fprintf(&e.buf, "  const.i64 %d\n", v) }
func (e *TraceEmitter) EmitConstFloat32(v float32) { fmt.Fprintf(&e.buf, "  const.f32 %g\n", v) }
func (e *TraceEmitter) EmitConstFloat64(v float64) { fmt.Fprintf(&e.buf, "  const.f64 %g\n", v) }
func (e *TraceEmitter) EmitConstString(s string)   { fmt.Fprintf(&e.buf, "  const.str %q\n", s) }

func (e *TraceEmitter) Emit(op Opcode) { fmt.Fprintf(&e.buf, "  %s\n", op) }

func (e *TraceEmitter) EmitBranch(op Opcode, target Label) {
	fmt.Fprintf(&e.buf, "  %s L%d\n", op, target)
}

func (e *TraceEmitter) EmitType(op Opcode, t *ir.TypeNode) {
	fmt.Fprintf(&e.buf, "  %s %s\n", op, t)
}

func (e *TraceEmitter) EmitField(op Opcode, field int) {
	fmt.Fprintf(&e.buf, "  %s .%d\n", op, field)
}

func (e *TraceEmitter) EmitSwitch(targets []Label) {
	e.buf.WriteString("  switch")
	for _, t := range targets {
		fmt.Fprintf(&e.buf, " L%d", t)
	}
	e.buf.WriteByte('\n')
}

func (e *TraceEmitter) Finish() error { return nil }

// String returns the trace accumulated so far.
func (e *TraceEmitter) String() string { return e.buf.String() }
