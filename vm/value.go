package vm

import "math"

// Value represents a Fable value as a small tagged word.
//
// Values never own heap content. Scalars (null, bool, int, float) are
// carried inline in the payload bits; everything else lives in the VM's
// object pool and is referenced by an ObjectIndex. This keeps Values
// trivially copyable: the eval stack, locals and constants all hold
// Values by value.
//
// Encoding scheme:
//   - Null:   kind tag only, payload zero
//   - Bool:   payload 0 or 1
//   - Int:    payload holds the int64 bit pattern
//   - Float:  payload holds the IEEE 754 bit pattern
//   - Object: payload holds the ObjectIndex
type Value struct {
	kind ValueKind
	bits uint64
}

// ValueKind discriminates the Value variants.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// ObjectIndex is a stable handle into the object pool. Handles stay
// valid for the lifetime of one VM instance: objects are appended or
// bulk-truncated, never moved.
type ObjectIndex uint32

// Null is the null value.
var Null = Value{kind: KindNull}

// FromBool boxes a bool.
func FromBool(b bool) Value {
	if b {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool, bits: 0}
}

// FromInt boxes an int64.
func FromInt(i int64) Value {
	return Value{kind: KindInt, bits: uint64(i)}
}

// FromFloat boxes a float64.
func FromFloat(f float64) Value {
	return Value{kind: KindFloat, bits: math.Float64bits(f)}
}

// FromObject boxes an object pool handle.
func FromObject(index ObjectIndex) Value {
	return Value{kind: KindObject, bits: uint64(index)}
}

// Kind returns the value's kind tag.
func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsBool() bool   { return v.kind == KindBool }
func (v Value) IsInt() bool    { return v.kind == KindInt }
func (v Value) IsFloat() bool  { return v.kind == KindFloat }
func (v Value) IsObject() bool { return v.kind == KindObject }

// Bool unboxes a bool value. Only valid if IsBool.
func (v Value) Bool() bool { return v.bits != 0 }

// Int unboxes an int value. Only valid if IsInt.
func (v Value) Int() int64 { return int64(v.bits) }

// Float unboxes a float value. Only valid if IsFloat.
func (v Value) Float() float64 { return math.Float64frombits(v.bits) }

// Object unboxes an object handle. Only valid if IsObject.
func (v Value) Object() ObjectIndex { return ObjectIndex(v.bits) }

// Equal reports shallow value equality: same kind and same payload.
// For objects this is handle identity, not structural equality; two
// distinct strings with the same content are not Equal. Float NaN
// payloads compare bitwise, so NaN == NaN here.
func (v Value) Equal(other Value) bool {
	return v.kind == other.kind && v.bits == other.bits
}
