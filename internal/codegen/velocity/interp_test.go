package velocity

import (
	"encoding/binary"
	"testing"

	"github.com/lumen-gpu/lumen/internal/ir"
)

// vm executes assembled warp bytecode over a small lane count. It fixes the
// runtime semantics the generated streams assume: vectors are int lanes,
// lane-bool vectors are Masks, masked merges select per lane.
type vm struct {
	prog   *Program
	lanes  int
	args   []any
	locals []any
	stack  []any
}

func execProgram(t *testing.T, p *Program, lanes int, args ...any) any {
	t.Helper()
	v := &vm{prog: p, lanes: lanes, args: args, locals: make([]any, len(p.Locals))}
	return v.run(t)
}

func (v *vm) push(x any) { v.stack = append(v.stack, x) }

func (v *vm) pop() any {
	x := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return x
}

func (v *vm) popMask(t *testing.T) Mask {
	switch x := v.pop().(type) {
	case Mask:
		return x
	case []int64:
		var m Mask
		for i, e := range x {
			if e != 0 {
				m |= 1 << i
			}
		}
		return m
	default:
		t.Fatalf("not a mask: %T", x)
		return 0
	}
}

func (v *vm) popVec(t *testing.T) []int64 {
	switch x := v.pop().(type) {
	case []int64:
		return x
	case Mask:
		out := make([]int64, v.lanes)
		for i := range out {
			if x.Lane(i) {
				out[i] = 1
			}
		}
		return out
	default:
		t.Fatalf("not a vector: %T", x)
		return nil
	}
}

func (v *vm) run(t *testing.T) any {
	t.Helper()
	code := v.prog.Code
	pc := 0
	for pc < len(code) {
		op := code[pc]
		switch op {
		case prefixLdloc:
			v.push(v.locals[binary.LittleEndian.Uint16(code[pc+1:])])
			pc += 3
		case prefixStloc:
			v.locals[binary.LittleEndian.Uint16(code[pc+1:])] = v.pop()
			pc += 3
		case prefixLdarg:
			v.push(v.args[code[pc+1]])
			pc += 2
		case prefixConstI32:
			v.push(int64(int32(binary.LittleEndian.Uint32(code[pc+1:]))))
			pc += 5
		case prefixConstI64:
			v.push(int64(binary.LittleEndian.Uint64(code[pc+1:])))
			pc += 9
		case prefixConstStr:
			v.push(v.prog.Names[binary.LittleEndian.Uint16(code[pc+1:])])
			pc += 3
		case prefixTyped:
			inner := Opcode(code[pc+1])
			typ := v.prog.Types[binary.LittleEndian.Uint16(code[pc+2:])]
			switch inner {
			case OpNull:
				if typ.Kind == ir.TypeBool {
					v.push(Mask(0))
				} else {
					v.push(make([]int64, v.lanes))
				}
			case OpConvert:
				// Int widths only; lanes pass through.
			default:
				t.Fatalf("vm: typed op %s unsupported", inner)
			}
			pc += 4
		case prefixBranch:
			inner := Opcode(code[pc+1])
			off := int(binary.LittleEndian.Uint32(code[pc+2:]))
			pc += 6
			switch inner {
			case OpJump:
				pc = off
			case OpBrTrue:
				if v.pop().(bool) {
					pc = off
				}
			default:
				t.Fatalf("vm: branch op %s unsupported", inner)
			}
		default:
			if op >= prefixBase {
				t.Fatalf("vm: prefix %#x unsupported", op)
			}
			halt := v.step(t, Opcode(op))
			pc++
			if halt {
				if len(v.stack) > 0 {
					return v.pop()
				}
				return nil
			}
		}
	}
	t.Fatalf("vm: ran off the end of the code")
	return nil
}

func (v *vm) step(t *testing.T, op Opcode) bool {
	switch op {
	case OpNop:

	case OpLaneIndex:
		idx := make([]int64, v.lanes)
		for i := range idx {
			idx[i] = int64(i)
		}
		v.push(idx)

	case OpBroadcast:
		s := v.pop().(int64)
		out := make([]int64, v.lanes)
		for i := range out {
			out[i] = s
		}
		v.push(out)

	case OpMaskAnd:
		b := v.popMask(t)
		v.push(v.popMask(t).Intersect(b))
	case OpMaskOr:
		b := v.popMask(t)
		v.push(v.popMask(t).Unify(b))
	case OpMaskNot:
		v.push(v.popMask(t).Invert(v.lanes))
	case OpMaskAndNot:
		b := v.popMask(t)
		v.push(v.popMask(t).Disable(b))
	case OpMaskAny:
		v.push(v.popMask(t).HasActive())
	case OpMaskCount:
		v.push(int64(v.popMask(t).Count()))

	case OpMaskedMerge:
		old := v.pop()
		nw := v.pop()
		m := v.popMask(t)
		if om, ok := old.(Mask); ok {
			v.push(om.Disable(m).Unify(maskOf(nw).Intersect(m)))
			break
		}
		ov := old.([]int64)
		v.push(nw)
		nv := v.popVec(t)
		out := make([]int64, v.lanes)
		for i := range out {
			if m.Lane(i) {
				out[i] = nv[i]
			} else {
				out[i] = ov[i]
			}
		}
		v.push(out)

	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpAnd, OpOr, OpXor, OpShl, OpShr:
		b := v.popVec(t)
		a := v.popVec(t)
		out := make([]int64, v.lanes)
		for i := range out {
			out[i] = scalarBin(op, a[i], b[i])
		}
		v.push(out)

	case OpCmpEQ, OpCmpNE, OpCmpLT, OpCmpLE, OpCmpGT, OpCmpGE:
		b := v.pop()
		a := v.pop()
		as, aok := a.(int64)
		bs, bok := b.(int64)
		if aok && bok {
			v.push(scalarCmp(op, as, bs))
			break
		}
		v.push(a)
		av := v.popVec(t)
		v.push(b)
		bv := v.popVec(t)
		var m Mask
		for i := 0; i < v.lanes; i++ {
			if scalarCmp(op, av[i], bv[i]) {
				m |= 1 << i
			}
		}
		v.push(m)

	case OpSelect:
		f := v.popVec(t)
		tr := v.popVec(t)
		cond := v.popMask(t)
		out := make([]int64, v.lanes)
		for i := range out {
			if cond.Lane(i) {
				out[i] = tr[i]
			} else {
				out[i] = f[i]
			}
		}
		v.push(out)

	case OpAssert:
		msg := v.pop().(string)
		cond := v.popMask(t)
		m := v.popMask(t)
		if bad := m.Disable(cond); bad.HasActive() {
			t.Fatalf("vm: assert failed for lanes %b: %s", uint64(bad), msg)
		}

	case OpReturn:
		return true

	default:
		t.Fatalf("vm: opcode %s unsupported", op)
	}
	return false
}

func maskOf(x any) Mask {
	switch v := x.(type) {
	case Mask:
		return v
	case []int64:
		var m Mask
		for i, e := range v {
			if e != 0 {
				m |= 1 << i
			}
		}
		return m
	}
	return 0
}

func scalarBin(op Opcode, a, b int64) int64 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	case OpDiv:
		if b == 0 {
			return 0
		}
		return a / b
	case OpRem:
		if b == 0 {
			return 0
		}
		return a % b
	case OpAnd:
		return a & b
	case OpOr:
		return a | b
	case OpXor:
		return a ^ b
	case OpShl:
		return a << uint(b)
	case OpShr:
		return a >> uint(b)
	}
	return 0
}

func scalarCmp(op Opcode, a, b int64) bool {
	switch op {
	case OpCmpEQ:
		return a == b
	case OpCmpNE:
		return a != b
	case OpCmpLT:
		return a < b
	case OpCmpLE:
		return a <= b
	case OpCmpGT:
		return a > b
	case OpCmpGE:
		return a >= b
	}
	return false
}
