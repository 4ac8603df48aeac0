package ir

import (
	"sync"
	"testing"
)

func TestTypeInterning(t *testing.T) {
	tc := NewTypeContext()
	if tc.Int32() != tc.Primitive(TypeInt32) {
		t.Fatalf("primitive accessors disagree")
	}
	p1 := tc.Pointer(tc.Float32(), SpaceGlobal)
	p2 := tc.Pointer(tc.Float32(), SpaceGlobal)
	if p1 != p2 {
		t.Fatalf("identical pointer types not interned")
	}
	if p1 == tc.Pointer(tc.Float32(), SpaceShared) {
		t.Fatalf("address space ignored by interning")
	}
	a1 := tc.Array(tc.Int32(), 3, 4)
	a2 := tc.Array(tc.Int32(), 3, 4)
	if a1 != a2 {
		t.Fatalf("identical array types not interned")
	}
	if a1 == tc.Array(tc.Int32(), 4, 3) {
		t.Fatalf("dimension order ignored by interning")
	}
	s1 := tc.Struct(Field{Name: "a", Type: tc.Int32()}, Field{Name: "b", Type: tc.Float64()})
	s2 := tc.Struct(Field{Name: "a", Type: tc.Int32()}, Field{Name: "b", Type: tc.Float64()})
	if s1 != s2 {
		t.Fatalf("identical struct types not interned")
	}
}

func TestStructLayout(t *testing.T) {
	tc := NewTypeContext()
	s := tc.Struct(
		Field{Name: "flag", Type: tc.Bool()},
		Field{Name: "x", Type: tc.Float64()},
		Field{Name: "n", Type: tc.Int32()},
	)
	if s.Fields[0].Offset != 0 || s.Fields[1].Offset != 8 || s.Fields[2].Offset != 16 {
		t.Fatalf("offsets: %d %d %d", s.Fields[0].Offset, s.Fields[1].Offset, s.Fields[2].Offset)
	}
	// trailing pad to the widest member
	if s.Size() != 24 || s.Align() != 8 {
		t.Fatalf("size %d align %d", s.Size(), s.Align())
	}
}

func TestArrayMetrics(t *testing.T) {
	tc := NewTypeContext()
	a := tc.Array(tc.Float32(), 3, 4)
	if a.ElementCount() != 12 || a.Size() != 48 {
		t.Fatalf("count %d size %d", a.ElementCount(), a.Size())
	}
	if !a.ContainsArray() {
		t.Fatalf("array does not contain itself")
	}
	s := tc.Struct(Field{Name: "inner", Type: a})
	if !s.ContainsArray() {
		t.Fatalf("struct over array not detected")
	}
	if tc.Pointer(tc.Int32(), SpaceGeneric).ContainsArray() {
		t.Fatalf("scalar pointer flagged as array-bearing")
	}
}

func TestTypeContextConcurrentIntern(t *testing.T) {
	tc := NewTypeContext()
	var wg sync.WaitGroup
	results := make([]*TypeNode, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = tc.View(tc.Struct(Field{Name: "v", Type: tc.Int64()}), SpaceGlobal)
		}(i)
	}
	wg.Wait()
	for _, r := range results[1:] {
		if r != results[0] {
			t.Fatalf("concurrent interning produced distinct nodes")
		}
	}
}
