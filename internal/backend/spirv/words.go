// Package spirv assembles binary shader-intermediate modules. It is a
// boundary layer: it lays out the word stream, header and a representative
// enumerant subset, and never interprets enumerant semantics beyond that.
package spirv

import "encoding/binary"

// Module header layout constants.
const (
	magicNumber  = 0x07230203
	versionWord  = 0x00010300 // 1.3
	generatorTag = 0
	schemaWord   = 0
)

// Op is a shader-intermediate opcode word. The values are opaque to the
// rest of the compiler.
type Op uint32

const (
	OpName          Op = 5
	OpMemoryModel   Op = 14
	OpEntryPoint    Op = 15
	OpExecutionMode Op = 16
	OpCapability    Op = 17
	OpTypeVoid      Op = 19
	OpTypeBool      Op = 20
	OpTypeInt       Op = 21
	OpTypeFloat     Op = 22
	OpTypeVector    Op = 23
	OpTypeStruct    Op = 30
	OpTypePointer   Op = 32
	OpTypeFunction  Op = 33
	OpConstant      Op = 43
	OpFunction      Op = 54
	OpFunctionParam Op = 55
	OpFunctionEnd   Op = 56
	OpLabel         Op = 248
	OpBranch        Op = 249
	OpReturn        Op = 253
	OpUnreachable   Op = 255
)

// Enumerant operand values used by the emitted subset.
const (
	capabilityShader     = 1
	addressingLogical    = 0
	memoryGLSL450        = 1
	executionModelGLComp = 5
	functionControlNone  = 0
)

// writer accumulates the module word stream.
type writer struct {
	words []uint32
}

// instr appends one instruction: word count and opcode packed in the first
// word, operands following.
func (w *writer) instr(op Op, operands ...uint32) {
	w.words = append(w.words, uint32(len(operands)+1)<<16|uint32(op))
	w.words = append(w.words, operands...)
}

// str packs a string literal into operand words: UTF-8 bytes little-endian,
// nul-terminated, padded to a word boundary.
func str(s string) []uint32 {
	raw := append([]byte(s), 0)
	for len(raw)%4 != 0 {
		raw = append(raw, 0)
	}
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out
}

// bytes serializes the stream little-endian.
func (w *writer) bytes() []byte {
	out := make([]byte, len(w.words)*4)
	for i, word := range w.words {
		binary.LittleEndian.PutUint32(out[i*4:], word)
	}
	return out
}
