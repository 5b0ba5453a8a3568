// Package dist serializes compiled programs for storage and transport.
package dist

import (
	"fmt"

	"github.com/chazu/fable/vm"
)

// ImageVersion is the current wire format version. Decoders reject
// images with a different version rather than guessing.
const ImageVersion = 1

// ProgramImage is the serializable form of a compiled program. Object
// pool handles are plain indices, so the pool is stored as an ordered
// slice and handles survive the round trip unchanged.
type ProgramImage struct {
	Version   int                    `cbor:"1,keyasint"`
	Objects   []ObjectImage          `cbor:"2,keyasint"`
	Globals   []ValueImage           `cbor:"3,keyasint"`
	Functions map[string]FunctionRef `cbor:"4,keyasint"`
	Classes   map[string]uint32      `cbor:"5,keyasint"`
	Enums     map[string]uint32      `cbor:"6,keyasint"`
}

// FunctionRef mirrors the program's name table entry.
type FunctionRef struct {
	Index uint32 `cbor:"1,keyasint"`
	Kind  uint8  `cbor:"2,keyasint"`
}

// ValueImage is one encoded value: the kind tag plus the payload bits.
// Object payloads are pool indices.
type ValueImage struct {
	Kind uint8  `cbor:"1,keyasint"`
	Bits uint64 `cbor:"2,keyasint"`
}

// Object type tags in images. These are wire constants, independent of
// the VM's internal type enum.
const (
	tagString uint8 = iota + 1
	tagFunction
	tagClass
	tagEnum
	tagDescriptor
)

// ObjectImage is one encoded pool object. Only compile-time object
// kinds appear in images; runtime-only objects (arrays, maps,
// instances, futures, media) never survive a call and are rejected by
// the encoder.
type ObjectImage struct {
	Tag uint8 `cbor:"1,keyasint"`

	// Str is the payload for strings and descriptors.
	Str string `cbor:"2,keyasint,omitempty"`

	// Name is the symbol name for functions, classes and enums.
	Name string `cbor:"3,keyasint,omitempty"`

	// Members holds class field names or enum variant names.
	Members []string `cbor:"4,keyasint,omitempty"`

	// Function payload.
	Arity int            `cbor:"5,keyasint,omitempty"`
	Kind  uint8          `cbor:"6,keyasint,omitempty"`
	Code  *BytecodeImage `cbor:"7,keyasint,omitempty"`
	Viz   []VizNodeImage `cbor:"8,keyasint,omitempty"`
}

// BytecodeImage is an encoded function body.
type BytecodeImage struct {
	Instructions []InstrImage `cbor:"1,keyasint"`
	Constants    []ValueImage `cbor:"2,keyasint"`
	SourceLines  []int32      `cbor:"3,keyasint"`
	Names        []string     `cbor:"4,keyasint,omitempty"`
}

// InstrImage is one encoded instruction.
type InstrImage struct {
	Op uint8 `cbor:"1,keyasint"`
	A  int32 `cbor:"2,keyasint,omitempty"`
	B  int32 `cbor:"3,keyasint,omitempty"`
}

// VizNodeImage is one encoded visualization node.
type VizNodeImage struct {
	NodeID      int64  `cbor:"1,keyasint"`
	NodeType    string `cbor:"2,keyasint,omitempty"`
	Label       string `cbor:"3,keyasint,omitempty"`
	HeaderLevel int    `cbor:"4,keyasint,omitempty"`
	Path        string `cbor:"5,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Program -> image
// ---------------------------------------------------------------------------

// ImageFromProgram encodes a loaded program as an image.
func ImageFromProgram(p *vm.Program) (*ProgramImage, error) {
	image := &ProgramImage{
		Version:   ImageVersion,
		Functions: make(map[string]FunctionRef, len(p.Functions)),
		Classes:   make(map[string]uint32, len(p.Classes)),
		Enums:     make(map[string]uint32, len(p.Enums)),
	}

	for i := 0; i < p.Objects.Len(); i++ {
		encoded, err := encodeObject(p.Objects.Get(vm.ObjectIndex(i)))
		if err != nil {
			return nil, fmt.Errorf("dist: object %d: %w", i, err)
		}
		image.Objects = append(image.Objects, encoded)
	}

	for _, g := range p.Globals {
		image.Globals = append(image.Globals, encodeValue(g))
	}
	for name, ref := range p.Functions {
		image.Functions[name] = FunctionRef{Index: uint32(ref.Index), Kind: uint8(ref.Kind)}
	}
	for name, index := range p.Classes {
		image.Classes[name] = uint32(index)
	}
	for name, index := range p.Enums {
		image.Enums[name] = uint32(index)
	}
	return image, nil
}

func encodeValue(v vm.Value) ValueImage {
	switch v.Kind() {
	case vm.KindNull:
		return ValueImage{Kind: uint8(vm.KindNull)}
	case vm.KindBool:
		bits := uint64(0)
		if v.Bool() {
			bits = 1
		}
		return ValueImage{Kind: uint8(vm.KindBool), Bits: bits}
	case vm.KindInt:
		return ValueImage{Kind: uint8(vm.KindInt), Bits: uint64(v.Int())}
	case vm.KindFloat:
		return ValueImage{Kind: uint8(vm.KindFloat), Bits: floatBits(v.Float())}
	default:
		return ValueImage{Kind: uint8(vm.KindObject), Bits: uint64(v.Object())}
	}
}

func encodeObject(obj vm.Object) (ObjectImage, error) {
	switch o := obj.(type) {
	case *vm.StringObject:
		return ObjectImage{Tag: tagString, Str: o.Value}, nil

	case *vm.FunctionObject:
		image := ObjectImage{
			Tag:   tagFunction,
			Name:  o.Name,
			Arity: o.Arity,
			Kind:  uint8(o.Kind),
		}
		if o.Kind == vm.FunctionExec {
			image.Code = encodeBytecode(&o.Code)
		}
		for _, node := range o.VizNodes {
			image.Viz = append(image.Viz, VizNodeImage{
				NodeID:      node.NodeID,
				NodeType:    node.NodeType,
				Label:       node.Label,
				HeaderLevel: node.HeaderLevel,
				Path:        node.Path,
			})
		}
		return image, nil

	case *vm.ClassObject:
		return ObjectImage{Tag: tagClass, Name: o.Name, Members: o.FieldNames}, nil

	case *vm.EnumObject:
		return ObjectImage{Tag: tagEnum, Name: o.Name, Members: o.VariantNames}, nil

	case *vm.DescriptorObject:
		return ObjectImage{Tag: tagDescriptor, Str: o.Name}, nil

	default:
		return ObjectImage{}, fmt.Errorf("object type %T is not serializable", obj)
	}
}

func encodeBytecode(code *vm.Bytecode) *BytecodeImage {
	image := &BytecodeImage{
		SourceLines: code.SourceLines,
		Names:       code.Names,
	}
	for _, instr := range code.Instructions {
		image.Instructions = append(image.Instructions, InstrImage{
			Op: uint8(instr.Op),
			A:  instr.A,
			B:  instr.B,
		})
	}
	for _, c := range code.Constants {
		image.Constants = append(image.Constants, encodeValue(c))
	}
	return image
}

// ---------------------------------------------------------------------------
// Image -> program
// ---------------------------------------------------------------------------

// ProgramFromImage decodes an image back into a runnable program.
// Native function bodies are not serialized; they are reconnected by
// name from the builtin registry, and a missing native is an error.
func ProgramFromImage(image *ProgramImage) (*vm.Program, error) {
	if image.Version != ImageVersion {
		return nil, fmt.Errorf("dist: unsupported image version %d (supported: %d)", image.Version, ImageVersion)
	}

	natives := vm.NativeFunctions()

	p := vm.NewProgram()
	for i, encoded := range image.Objects {
		obj, err := decodeObject(encoded, natives)
		if err != nil {
			return nil, fmt.Errorf("dist: object %d: %w", i, err)
		}
		p.Objects.Insert(obj)
	}

	for _, g := range image.Globals {
		p.Globals = append(p.Globals, decodeValue(g))
	}
	for name, ref := range image.Functions {
		p.Functions[name] = vm.FunctionRef{
			Index: vm.ObjectIndex(ref.Index),
			Kind:  vm.FunctionKind(ref.Kind),
		}
	}
	for name, index := range image.Classes {
		p.Classes[name] = vm.ObjectIndex(index)
	}
	for name, index := range image.Enums {
		p.Enums[name] = vm.ObjectIndex(index)
	}
	return p, nil
}

func decodeValue(v ValueImage) vm.Value {
	switch vm.ValueKind(v.Kind) {
	case vm.KindNull:
		return vm.Null
	case vm.KindBool:
		return vm.FromBool(v.Bits != 0)
	case vm.KindInt:
		return vm.FromInt(int64(v.Bits))
	case vm.KindFloat:
		return vm.FromFloat(floatFromBits(v.Bits))
	default:
		return vm.FromObject(vm.ObjectIndex(v.Bits))
	}
}

func decodeObject(image ObjectImage, natives map[string]vm.NativeEntry) (vm.Object, error) {
	switch image.Tag {
	case tagString:
		return &vm.StringObject{Value: image.Str}, nil

	case tagFunction:
		fn := &vm.FunctionObject{
			Name:  image.Name,
			Arity: image.Arity,
			Kind:  vm.FunctionKind(image.Kind),
		}
		for _, node := range image.Viz {
			fn.VizNodes = append(fn.VizNodes, vm.VizNode{
				NodeID:      node.NodeID,
				NodeType:    node.NodeType,
				Label:       node.Label,
				HeaderLevel: node.HeaderLevel,
				Path:        node.Path,
			})
		}
		switch fn.Kind {
		case vm.FunctionExec:
			if image.Code == nil {
				return nil, fmt.Errorf("function %q has no body", fn.Name)
			}
			fn.Code = decodeBytecode(image.Code)
		case vm.FunctionNative:
			entry, ok := natives[fn.Name]
			if !ok {
				return nil, fmt.Errorf("native function %q is not registered in this build", fn.Name)
			}
			if entry.Arity != fn.Arity {
				return nil, fmt.Errorf("native function %q arity mismatch: image %d, registry %d", fn.Name, fn.Arity, entry.Arity)
			}
			fn.Native = entry.Func
		}
		return fn, nil

	case tagClass:
		return &vm.ClassObject{Name: image.Name, FieldNames: image.Members}, nil

	case tagEnum:
		return &vm.EnumObject{Name: image.Name, VariantNames: image.Members}, nil

	case tagDescriptor:
		return &vm.DescriptorObject{Name: image.Str}, nil

	default:
		return nil, fmt.Errorf("unknown object tag %d", image.Tag)
	}
}

func decodeBytecode(image *BytecodeImage) vm.Bytecode {
	code := vm.Bytecode{
		SourceLines: image.SourceLines,
		Names:       image.Names,
	}
	for _, instr := range image.Instructions {
		code.Instructions = append(code.Instructions, vm.Instr{
			Op: vm.Opcode(instr.Op),
			A:  instr.A,
			B:  instr.B,
		})
	}
	for _, c := range image.Constants {
		code.Constants = append(code.Constants, decodeValue(c))
	}
	return code
}
