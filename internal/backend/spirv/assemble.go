package spirv

import (
	"github.com/lumen-gpu/lumen/internal/errors"
	"github.com/lumen-gpu/lumen/internal/ir"
)

// assembler interns type ids and builds the module sections in the order the
// format requires: capabilities, memory model, entry points, names, types,
// then function bodies.
type assembler struct {
	head  writer // capabilities through names
	types writer // type and constant declarations
	body  writer // function definitions

	next    uint32
	typeIDs map[*ir.TypeNode]uint32
	i32     uint32
}

func (a *assembler) int32ID() uint32 {
	if a.i32 == 0 {
		a.i32 = a.id()
		a.types.instr(OpTypeInt, a.i32, 32, 1)
	}
	return a.i32
}

// Assemble serializes the method into a binary shader-intermediate module:
// header, capability and memory model words, the method's signature types,
// and a function skeleton with one label per reachable block. Value-level
// translation belongs to a shader lowering stage outside this boundary.
func Assemble(m *ir.Method) ([]byte, error) {
	a := &assembler{next: 1, typeIDs: make(map[*ir.TypeNode]uint32)}

	a.head.instr(OpCapability, capabilityShader)
	a.head.instr(OpMemoryModel, addressingLogical, memoryGLSL450)

	retID, err := a.typeID(m.ReturnType)
	if err != nil {
		return nil, err
	}
	paramIDs := make([]uint32, 0, len(m.Params))
	for _, p := range m.Params {
		id, err := a.typeID(m.Value(p).Type)
		if err != nil {
			return nil, err
		}
		paramIDs = append(paramIDs, id)
	}
	fnType := a.id()
	a.types.instr(OpTypeFunction, append([]uint32{fnType, retID}, paramIDs...)...)

	fn := a.id()
	a.head.instr(OpName, append([]uint32{fn}, str(m.Name)...)...)
	if m.HasFlags(ir.FlagEntryPoint) {
		a.head.instr(OpEntryPoint, append([]uint32{executionModelGLComp, fn}, str(m.Name)...)...)
	}

	a.body.instr(OpFunction, retID, fn, functionControlNone, fnType)
	for _, pid := range paramIDs {
		a.body.instr(OpFunctionParam, pid, a.id())
	}
	for range m.Blocks() {
		a.body.instr(OpLabel, a.id())
		a.body.instr(OpUnreachable)
	}
	a.body.instr(OpFunctionEnd)

	var out writer
	out.words = append(out.words, magicNumber, versionWord, generatorTag, a.next, schemaWord)
	out.words = append(out.words, a.head.words...)
	out.words = append(out.words, a.types.words...)
	out.words = append(out.words, a.body.words...)
	return out.bytes(), nil
}

func (a *assembler) id() uint32 {
	id := a.next
	a.next++
	return id
}

func (a *assembler) typeID(t *ir.TypeNode) (uint32, error) {
	if id, ok := a.typeIDs[t]; ok {
		return id, nil
	}
	var id uint32
	switch t.Kind {
	case ir.TypeVoid:
		id = a.id()
		a.types.instr(OpTypeVoid, id)
	case ir.TypeBool:
		id = a.id()
		a.types.instr(OpTypeBool, id)
	case ir.TypeInt32:
		id = a.int32ID()
	case ir.TypeInt64:
		id = a.id()
		a.types.instr(OpTypeInt, id, 64, 1)
	case ir.TypeFloat16:
		id = a.id()
		a.types.instr(OpTypeFloat, id, 16)
	case ir.TypeFloat32:
		id = a.id()
		a.types.instr(OpTypeFloat, id, 32)
	case ir.TypeFloat64:
		id = a.id()
		a.types.instr(OpTypeFloat, id, 64)
	case ir.TypeView:
		// A view is a pointer plus a 32-bit length.
		elem, err := a.typeID(t.Elem)
		if err != nil {
			return 0, err
		}
		ptr := a.id()
		a.types.instr(OpTypePointer, ptr, storageClass(t.Space), elem)
		id = a.id()
		a.types.instr(OpTypeStruct, id, ptr, a.int32ID())
	case ir.TypeStruct:
		members := make([]uint32, 0, len(t.Fields)+1)
		for _, f := range t.Fields {
			mid, err := a.typeID(f.Type)
			if err != nil {
				return 0, err
			}
			members = append(members, mid)
		}
		id = a.id()
		a.types.instr(OpTypeStruct, append([]uint32{id}, members...)...)
	case ir.TypePointer:
		elem, err := a.typeID(t.Elem)
		if err != nil {
			return 0, err
		}
		id = a.id()
		a.types.instr(OpTypePointer, id, storageClass(t.Space), elem)
	default:
		return 0, errors.UnsupportedType("SHADER_TYPE", t.String())
	}
	a.typeIDs[t] = id
	return id, nil
}

// storageClass maps IR address spaces onto the format's storage enumerants.
func storageClass(s ir.AddressSpace) uint32 {
	switch s {
	case ir.SpaceGlobal:
		return 12 // StorageBuffer
	case ir.SpaceShared:
		return 4 // Workgroup
	case ir.SpaceLocal:
		return 7 // Function
	default:
		return 8 // Generic
	}
}
