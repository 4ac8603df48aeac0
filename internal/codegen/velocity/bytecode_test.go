package velocity

import (
	"encoding/binary"
	"testing"

	"github.com/lumen-gpu/lumen/internal/ir"
)

func TestBytecodeForwardLabelPatching(t *testing.T) {
	e := NewBytecodeEmitter()
	l := e.DeclareLabel()
	e.Emit(OpNop)
	e.EmitBranch(OpBrTrue, l)
	e.Emit(OpNop)
	e.MarkLabel(l)
	e.Emit(OpReturn)
	if err := e.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	p := e.Program()
	// nop(1) + brtrue(1+1+4) + nop(1) puts the label at offset 8.
	off := binary.LittleEndian.Uint32(p.Code[3:])
	if off != 8 {
		t.Fatalf("patched offset = %d, want 8", off)
	}
	if p.Code[8] != byte(OpReturn) {
		t.Fatalf("label does not land on the return opcode")
	}
}

func TestBytecodeUnplacedLabel(t *testing.T) {
	e := NewBytecodeEmitter()
	l := e.DeclareLabel()
	e.EmitBranch(OpJump, l)
	if err := e.Finish(); err == nil {
		t.Fatalf("finish accepted a branch to an unmarked label")
	}
}

func TestBytecodePools(t *testing.T) {
	tc := ir.NewTypeContext()
	e := NewBytecodeEmitter()
	e.EmitType(OpNull, tc.Int32())
	e.EmitType(OpNull, tc.Int32())
	e.EmitCall("helper")
	e.EmitCall("helper")
	if err := e.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	p := e.Program()
	if len(p.Types) != 1 {
		t.Fatalf("type pool has %d entries, want deduped 1", len(p.Types))
	}
	if len(p.Names) != 1 {
		t.Fatalf("name pool has %d entries, want deduped 1", len(p.Names))
	}
}
