package ir

import (
	"fmt"
	"strings"
	"sync"
)

// TypeKind classifies a TypeNode.
type TypeKind uint8

const (
	TypeInvalid TypeKind = iota
	TypeVoid
	TypeBool
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFloat16
	TypeFloat32
	TypeFloat64
	TypePointer
	TypeView
	TypeArray
	TypeStruct
)

func (k TypeKind) String() string {
	switch k {
	case TypeVoid:
		return "void"
	case TypeBool:
		return "bool"
	case TypeInt8:
		return "i8"
	case TypeInt16:
		return "i16"
	case TypeInt32:
		return "i32"
	case TypeInt64:
		return "i64"
	case TypeFloat16:
		return "f16"
	case TypeFloat32:
		return "f32"
	case TypeFloat64:
		return "f64"
	case TypePointer:
		return "ptr"
	case TypeView:
		return "view"
	case TypeArray:
		return "array"
	case TypeStruct:
		return "struct"
	default:
		return "type?"
	}
}

// AddressSpace identifies the memory space a pointer or view refers to.
type AddressSpace uint8

const (
	SpaceGeneric AddressSpace = iota
	SpaceGlobal
	SpaceShared
	SpaceLocal
)

func (s AddressSpace) String() string {
	switch s {
	case SpaceGeneric:
		return "generic"
	case SpaceGlobal:
		return "global"
	case SpaceShared:
		return "shared"
	case SpaceLocal:
		return "local"
	default:
		return "space?"
	}
}

// Field is one member of a structure type with its computed byte offset.
type Field struct {
	Name   string
	Type   *TypeNode
	Offset int64
}

// TypeNode is a structural type. Nodes are interned by a TypeContext:
// two structurally identical types are the same pointer.
type TypeNode struct {
	Kind   TypeKind
	Elem   *TypeNode    // element type for Pointer, View, Array
	Space  AddressSpace // Pointer, View
	Dims   []int64      // Array dimension lengths, all compile-time constants
	Fields []Field      // Struct members, offsets precomputed

	size  int64
	align int64
}

// Size returns the byte size of the type.
func (t *TypeNode) Size() int64 { return t.size }

// Align returns the byte alignment of the type.
func (t *TypeNode) Align() int64 { return t.align }

// IsPrimitive reports whether t is a scalar value type.
func (t *TypeNode) IsPrimitive() bool {
	return t.Kind >= TypeBool && t.Kind <= TypeFloat64
}

// IsInteger reports whether t is a (signed) integer type.
func (t *TypeNode) IsInteger() bool {
	return t.Kind >= TypeInt8 && t.Kind <= TypeInt64
}

// IsFloat reports whether t is a floating-point type.
func (t *TypeNode) IsFloat() bool {
	return t.Kind >= TypeFloat16 && t.Kind <= TypeFloat64
}

// ContainsArray reports whether t structurally contains an array type.
// Drives the type-driven queueing in array lowering.
func (t *TypeNode) ContainsArray() bool {
	switch t.Kind {
	case TypeArray:
		return true
	case TypeStruct:
		for i := range t.Fields {
			if t.Fields[i].Type.ContainsArray() {
				return true
			}
		}
	case TypePointer, TypeView:
		return t.Elem.ContainsArray()
	}
	return false
}

// ElementCount returns the product of all array dimensions.
func (t *TypeNode) ElementCount() int64 {
	total := int64(1)
	for _, d := range t.Dims {
		total *= d
	}
	return total
}

func (t *TypeNode) String() string {
	switch t.Kind {
	case TypePointer:
		return fmt.Sprintf("%s*%s", t.Elem, t.Space)
	case TypeView:
		return fmt.Sprintf("%s[]%s", t.Elem, t.Space)
	case TypeArray:
		var b strings.Builder
		b.WriteString(t.Elem.String())
		for _, d := range t.Dims {
			fmt.Fprintf(&b, "[%d]", d)
		}
		return b.String()
	case TypeStruct:
		var b strings.Builder
		b.WriteString("{")
		for i := range t.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(t.Fields[i].Type.String())
		}
		b.WriteString("}")
		return b.String()
	default:
		return t.Kind.String()
	}
}

// typeKey builds the structural interning key.
func typeKey(t *TypeNode) string {
	var b strings.Builder
	writeTypeKey(&b, t)
	return b.String()
}

func writeTypeKey(b *strings.Builder, t *TypeNode) {
	fmt.Fprintf(b, "%d", t.Kind)
	switch t.Kind {
	case TypePointer, TypeView:
		fmt.Fprintf(b, ":%d(", t.Space)
		writeTypeKey(b, t.Elem)
		b.WriteString(")")
	case TypeArray:
		b.WriteString("(")
		writeTypeKey(b, t.Elem)
		b.WriteString(")")
		for _, d := range t.Dims {
			fmt.Fprintf(b, "[%d]", d)
		}
	case TypeStruct:
		b.WriteString("{")
		for i := range t.Fields {
			if i > 0 {
				b.WriteString(",")
			}
			writeTypeKey(b, t.Fields[i].Type)
		}
		b.WriteString("}")
	}
}

// TypeContext interns structural types. Lookups are read-heavy and shared
// across concurrent per-method compilations; insertion of a newly seen type
// takes the write lock with a re-check, every other access holds the read
// lock only.
type TypeContext struct {
	mu    sync.RWMutex
	types map[string]*TypeNode

	void *TypeNode
	prim [TypeFloat64 + 1]*TypeNode
}

// NewTypeContext creates an empty type context with primitives preinterned.
func NewTypeContext() *TypeContext {
	c := &TypeContext{types: make(map[string]*TypeNode)}
	c.void = c.intern(&TypeNode{Kind: TypeVoid})
	sizes := map[TypeKind]int64{
		TypeBool: 1, TypeInt8: 1, TypeInt16: 2, TypeInt32: 4, TypeInt64: 8,
		TypeFloat16: 2, TypeFloat32: 4, TypeFloat64: 8,
	}
	for k := TypeBool; k <= TypeFloat64; k++ {
		c.prim[k] = c.intern(&TypeNode{Kind: k, size: sizes[k], align: sizes[k]})
	}
	return c
}

func (c *TypeContext) intern(t *TypeNode) *TypeNode {
	key := typeKey(t)

	c.mu.RLock()
	existing, ok := c.types[key]
	c.mu.RUnlock()
	if ok {
		return existing
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.types[key]; ok {
		return existing
	}
	c.types[key] = t
	return t
}

// Void returns the void type.
func (c *TypeContext) Void() *TypeNode { return c.void }

// Bool returns the boolean type.
func (c *TypeContext) Bool() *TypeNode { return c.prim[TypeBool] }

// Int32 returns the 32-bit integer type.
func (c *TypeContext) Int32() *TypeNode { return c.prim[TypeInt32] }

// Int64 returns the 64-bit integer type.
func (c *TypeContext) Int64() *TypeNode { return c.prim[TypeInt64] }

// Float16 returns the 16-bit float type.
func (c *TypeContext) Float16() *TypeNode { return c.prim[TypeFloat16] }

// Float32 returns the 32-bit float type.
func (c *TypeContext) Float32() *TypeNode { return c.prim[TypeFloat32] }

// Float64 returns the 64-bit float type.
func (c *TypeContext) Float64() *TypeNode { return c.prim[TypeFloat64] }

// Primitive returns the interned primitive of the given kind.
func (c *TypeContext) Primitive(k TypeKind) *TypeNode { return c.prim[k] }

// Pointer returns the interned pointer type to elem in the given space.
func (c *TypeContext) Pointer(elem *TypeNode, space AddressSpace) *TypeNode {
	return c.intern(&TypeNode{Kind: TypePointer, Elem: elem, Space: space, size: 8, align: 8})
}

// View returns the interned view (pointer + length) type over elem.
func (c *TypeContext) View(elem *TypeNode, space AddressSpace) *TypeNode {
	return c.intern(&TypeNode{Kind: TypeView, Elem: elem, Space: space, size: 16, align: 8})
}

// Array returns the interned array type with the given constant dimensions.
func (c *TypeContext) Array(elem *TypeNode, dims ...int64) *TypeNode {
	t := &TypeNode{Kind: TypeArray, Elem: elem, Dims: dims, align: elem.align}
	t.size = elem.size * t.ElementCount()
	return c.intern(t)
}

// Struct returns the interned structure type over the given members,
// computing natural-alignment byte offsets.
func (c *TypeContext) Struct(fields ...Field) *TypeNode {
	offset := int64(0)
	align := int64(1)
	out := make([]Field, len(fields))
	for i, f := range fields {
		a := f.Type.align
		if a < 1 {
			a = 1
		}
		if rem := offset % a; rem != 0 {
			offset += a - rem
		}
		out[i] = Field{Name: f.Name, Type: f.Type, Offset: offset}
		offset += f.Type.size
		if a > align {
			align = a
		}
	}
	if rem := offset % align; rem != 0 {
		offset += align - rem
	}
	return c.intern(&TypeNode{Kind: TypeStruct, Fields: out, size: offset, align: align})
}
