package velocity

import (
	"encoding/binary"
	"math"

	"github.com/lumen-gpu/lumen/internal/errors"
	"github.com/lumen-gpu/lumen/internal/ir"
)

// Prefix bytes distinguishing the operand-carrying encodings from plain
// opcodes. A plain opcode is a single byte below prefixBase.
const (
	prefixBase      byte = 0xE0
	prefixLdloc          = prefixBase + 0 // u16 local
	prefixStloc          = prefixBase + 1 // u16 local
	prefixLdarg          = prefixBase + 2 // u8 arg
	prefixStarg          = prefixBase + 3 // u8 arg
	prefixCall           = prefixBase + 4 // u16 name pool index
	prefixConstI32       = prefixBase + 5 // i32
	prefixConstI64       = prefixBase + 6 // i64
	prefixConstF32       = prefixBase + 7 // f32 bits
	prefixConstF64       = prefixBase + 8 // f64 bits
	prefixConstStr       = prefixBase + 9 // u16 name pool index
	prefixTyped          = prefixBase + 10 // opcode, u16 type pool index
	prefixField          = prefixBase + 11 // opcode, u16 field index
	prefixBranch         = prefixBase + 12 // opcode, u32 code offset
	prefixSwitch         = prefixBase + 13 // u16 count, u32 offsets
)

// Program is an assembled warp bytecode function, ready for the interpreter
// or the kernel cache.
type Program struct {
	Code   []byte
	Locals []*ir.TypeNode
	Types  []*ir.TypeNode // type pool referenced by typed operations
	Names  []string       // name pool for calls and assert messages
}

// BytecodeEmitter assembles the operation stream into a Program. Forward
// branch targets are recorded as fixups and patched in Finish.
type BytecodeEmitter struct {
	code   []byte
	locals []*ir.TypeNode
	types  []*ir.TypeNode
	typeIx map[*ir.TypeNode]int
	names  []string
	nameIx map[string]int

	labels  []int // label -> code offset, -1 until marked
	fixups  []fixup
	labelsN int
}

type fixup struct {
	at    int // offset of the u32 placeholder
	label Label
}

func NewBytecodeEmitter() *BytecodeEmitter {
	return &BytecodeEmitter{
		typeIx: make(map[*ir.TypeNode]int),
		nameIx: make(map[string]int),
	}
}

func (e *BytecodeEmitter) DeclareLocal(t *ir.TypeNode) Local {
	l := Local(len(e.locals))
	e.locals = append(e.locals, t)
	return l
}

func (e *BytecodeEmitter) DeclareLabel() Label {
	l := Label(len(e.labels))
	e.labels = append(e.labels, -1)
	return l
}

func (e *BytecodeEmitter) MarkLabel(l Label) {
	if e.labels[l] != -1 {
		panic(errors.Internal("LABEL_REMARK", "label placed twice"))
	}
	e.labels[l] = len(e.code)
}

func (e *BytecodeEmitter) u8(v byte)  { e.code = append(e.code, v) }
func (e *BytecodeEmitter) u16(v int) {
	if v > math.MaxUint16 {
		panic(errors.Internal("POOL_OVERFLOW", "operand pool exceeds u16 range"))
	}
	e.code = binary.LittleEndian.AppendUint16(e.code, uint16(v))
}
func (e *BytecodeEmitter) u32(v uint32) { e.code = binary.LittleEndian.AppendUint32(e.code, v) }
func (e *BytecodeEmitter) u64(v uint64) { e.code = binary.LittleEndian.AppendUint64(e.code, v) }

func (e *BytecodeEmitter) typeIndex(t *ir.TypeNode) int {
	if i, ok := e.typeIx[t]; ok {
		return i
	}
	i := len(e.types)
	e.types = append(e.types, t)
	e.typeIx[t] = i
	return i
}

func (e *BytecodeEmitter) nameIndex(s string) int {
	if i, ok := e.nameIx[s]; ok {
		return i
	}
	i := len(e.names)
	e.names = append(e.names, s)
	e.nameIx[s] = i
	return i
}

func (e *BytecodeEmitter) LoadLocal(l Local) {
	e.u8(prefixLdloc)
	e.u16(int(l))
}

func (e *BytecodeEmitter) StoreLocal(l Local) {
	e.u8(prefixStloc)
	e.u16(int(l))
}

func (e *BytecodeEmitter) LoadArg(i int) {
	e.u8(prefixLdarg)
	e.u8(byte(i))
}

func (e *BytecodeEmitter) StoreArg(i int) {
	e.u8(prefixStarg)
	e.u8(byte(i))
}

func (e *BytecodeEmitter) EmitCall(name string) {
	e.u8(prefixCall)
	e.u16(e.nameIndex(name))
}

func (e *BytecodeEmitter) EmitConstInt32(v int32) {
	e.u8(prefixConstI32)
	e.u32(uint32(v))
}

func (e *BytecodeEmitter) EmitConstInt64(v int64) {
	e.u8(prefixConstI64)
	e.u64(uint64(v))
}

func (e *BytecodeEmitter) EmitConstFloat32(v float32) {
	e.u8(prefixConstF32)
	e.u32(math.Float32bits(v))
}

func (e *BytecodeEmitter) EmitConstFloat64(v float64) {
	e.u8(prefixConstF64)
	e.u64(math.Float64bits(v))
}

func (e *BytecodeEmitter) EmitConstString(s string) {
	e.u8(prefixConstStr)
	e.u16(e.nameIndex(s))
}

func (e *BytecodeEmitter) Emit(op Opcode) {
	e.u8(byte(op))
}

func (e *BytecodeEmitter) EmitBranch(op Opcode, target Label) {
	e.u8(prefixBranch)
	e.u8(byte(op))
	e.fixups = append(e.fixups, fixup{at: len(e.code), label: target})
	e.u32(0)
}

func (e *BytecodeEmitter) EmitType(op Opcode, t *ir.TypeNode) {
	e.u8(prefixTyped)
	e.u8(byte(op))
	e.u16(e.typeIndex(t))
}

func (e *BytecodeEmitter) EmitField(op Opcode, field int) {
	e.u8(prefixField)
	e.u8(byte(op))
	e.u16(field)
}

func (e *BytecodeEmitter) EmitSwitch(targets []Label) {
	e.u8(prefixSwitch)
	e.u16(len(targets))
	for _, t := range targets {
		e.fixups = append(e.fixups, fixup{at: len(e.code), label: t})
		e.u32(0)
	}
}

// Finish patches all recorded branch placeholders with the final label
// offsets. Every referenced label must have been marked.
func (e *BytecodeEmitter) Finish() error {
	for _, f := range e.fixups {
		off := e.labels[f.label]
		if off < 0 {
			return errors.Internal("LABEL_UNPLACED", "branch targets an unmarked label")
		}
		binary.LittleEndian.PutUint32(e.code[f.at:], uint32(off))
	}
	e.fixups = e.fixups[:0]
	return nil
}

// Program returns the assembled function. Call after Finish.
func (e *BytecodeEmitter) Program() *Program {
	return &Program{Code: e.code, Locals: e.locals, Types: e.types, Names: e.names}
}
