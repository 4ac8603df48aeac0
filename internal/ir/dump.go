package ir

import (
	"fmt"
	"strings"
)

// String renders the method in a readable listing, mirroring the style used
// by the textual backends. Intended for tests and diagnostics.
func (m *Method) String() string {
	if m == nil {
		return "<nil-method>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "method %s(", m.Name)
	for i, p := range m.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "v%d %s", p, m.Value(p).Type)
	}
	fmt.Fprintf(&b, ") %s {\n", m.ReturnType)
	for _, bid := range m.Blocks() {
		blk := m.Block(bid)
		fmt.Fprintf(&b, "%s:", blk.Name)
		if len(blk.Preds) > 0 {
			parts := make([]string, len(blk.Preds))
			for i, p := range blk.Preds {
				parts[i] = m.Block(p).Name
			}
			fmt.Fprintf(&b, " ; preds %s", strings.Join(parts, ", "))
		}
		b.WriteByte('\n')
		for _, vid := range blk.Values {
			fmt.Fprintf(&b, "  %s\n", m.valueString(vid))
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func (m *Method) valueString(id ValueID) string {
	v := m.Value(id)
	var b strings.Builder
	if v.Type != nil && v.Type.Kind != TypeVoid {
		fmt.Fprintf(&b, "v%d = ", id)
	}
	b.WriteString(v.Kind.String())
	switch v.Kind {
	case KindConstInt:
		fmt.Fprintf(&b, " %d", v.Int)
	case KindConstFloat:
		fmt.Fprintf(&b, " %g", v.Float)
	case KindBinary:
		fmt.Fprintf(&b, ".%s", v.Op)
	case KindCompare:
		fmt.Fprintf(&b, ".%s", v.Pred)
	case KindGetField, KindSetField:
		fmt.Fprintf(&b, " #%d", v.Int)
	case KindLoadFieldAddress:
		fmt.Fprintf(&b, " #%d", v.Field)
	case KindAlloca, KindAddressSpaceCast, KindViewCast:
		fmt.Fprintf(&b, " %s", v.Space)
	case KindCall:
		fmt.Fprintf(&b, " @%s", v.Callee.Name)
	case KindDebugAssert:
		fmt.Fprintf(&b, " %q", v.Msg)
	}
	for i, op := range v.Operands {
		if i == 0 {
			b.WriteString(" ")
		} else {
			b.WriteString(", ")
		}
		if op == InvalidValue {
			b.WriteString("<none>")
		} else {
			fmt.Fprintf(&b, "v%d", op)
		}
	}
	if v.Kind == KindPhi {
		for i, pred := range v.Incoming {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, " [%s]", m.Block(pred).Name)
		}
	}
	if len(v.Targets) > 0 {
		parts := make([]string, len(v.Targets))
		for i, t := range v.Targets {
			parts[i] = m.Block(t).Name
		}
		fmt.Fprintf(&b, " -> %s", strings.Join(parts, ", "))
	}
	if v.Type != nil && v.Type.Kind != TypeVoid {
		fmt.Fprintf(&b, " : %s", v.Type)
	}
	return b.String()
}
