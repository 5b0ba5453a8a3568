package vm

// Object is a heap-allocated payload living in the object pool.
// Concrete object types are pointers so in-place mutation through a
// pool handle is visible to every Value referencing it.
type Object interface {
	// Type returns the runtime type tag used in error reporting and
	// typed pool accessors.
	Type() Type
}

// Type tags every value shape the VM knows about, scalars and heap
// objects alike. Used in type mismatch errors.
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeArray
	TypeMap
	TypeInstance
	TypeVariant
	TypeFunction
	TypeClass
	TypeEnum
	TypeFuture
	TypeMedia
	TypeDescriptor
)

var typeNames = [...]string{
	TypeNull:       "null",
	TypeBool:       "bool",
	TypeInt:        "int",
	TypeFloat:      "float",
	TypeString:     "string",
	TypeArray:      "array",
	TypeMap:        "map",
	TypeInstance:   "instance",
	TypeVariant:    "variant",
	TypeFunction:   "function",
	TypeClass:      "class",
	TypeEnum:       "enum",
	TypeFuture:     "future",
	TypeMedia:      "media",
	TypeDescriptor: "type",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// StringObject is an immutable heap string.
type StringObject struct {
	Value string
}

func (o *StringObject) Type() Type { return TypeString }

// ArrayObject is a mutable ordered sequence of values.
type ArrayObject struct {
	Elements []Value
}

func (o *ArrayObject) Type() Type { return TypeArray }

// MapObject is a mutable string-keyed map preserving insertion order.
// Keys holds the order; Entries holds the values.
type MapObject struct {
	Keys    []string
	Entries map[string]Value
}

func (o *MapObject) Type() Type { return TypeMap }

// NewMapObject creates an empty map object.
func NewMapObject() *MapObject {
	return &MapObject{Entries: make(map[string]Value)}
}

// Get looks up a key.
func (o *MapObject) Get(key string) (Value, bool) {
	v, ok := o.Entries[key]
	return v, ok
}

// Set inserts or overwrites a key, preserving first-insertion order.
func (o *MapObject) Set(key string, value Value) {
	if _, exists := o.Entries[key]; !exists {
		o.Keys = append(o.Keys, key)
	}
	o.Entries[key] = value
}

// Delete removes a key. Reports whether it was present.
func (o *MapObject) Delete(key string) bool {
	if _, exists := o.Entries[key]; !exists {
		return false
	}
	delete(o.Entries, key)
	for i, k := range o.Keys {
		if k == key {
			o.Keys = append(o.Keys[:i], o.Keys[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of entries.
func (o *MapObject) Len() int { return len(o.Keys) }

// InstanceObject is a class instance with positional fields.
type InstanceObject struct {
	Class  ObjectIndex
	Fields []Value
}

func (o *InstanceObject) Type() Type { return TypeInstance }

// VariantObject is one variant of an enum.
type VariantObject struct {
	Enum  ObjectIndex
	Index int
}

func (o *VariantObject) Type() Type { return TypeVariant }

// ClassObject is a class definition loaded from a compiled program.
type ClassObject struct {
	Name       string
	FieldNames []string
}

func (o *ClassObject) Type() Type { return TypeClass }

// EnumObject is an enum definition loaded from a compiled program.
type EnumObject struct {
	Name         string
	VariantNames []string
}

func (o *EnumObject) Type() Type { return TypeEnum }

// FutureObject is a deferred async result. A future starts pending,
// carrying the request the embedder must perform, and becomes ready
// when the embedder fulfils it.
type FutureObject struct {
	Ready   bool
	Pending *PendingFuture
	Result  Value
}

func (o *FutureObject) Type() Type { return TypeFuture }

// PendingFuture records a request for the embedder: the target
// function's name, the already-evaluated arguments, and how the
// embedder should dispatch it. The VM never performs the call itself.
type PendingFuture struct {
	Function string
	Args     []Value
	Kind     FutureKind
}

// FutureKind tells the embedder how to dispatch a pending future.
type FutureKind uint8

const (
	// FutureLlm is dispatched to a model endpoint.
	FutureLlm FutureKind = iota
	// FutureNet is dispatched as a network fetch.
	FutureNet
)

func (k FutureKind) String() string {
	if k == FutureLlm {
		return "llm"
	}
	return "net"
}

// MediaKind discriminates how a media object carries its payload.
type MediaKind uint8

const (
	MediaURL MediaKind = iota
	MediaBase64
)

// MediaObject is an opaque media value (image, audio, file) passed
// through to model calls.
type MediaObject struct {
	Kind     MediaKind
	MimeType string
	// URL when Kind == MediaURL, base64 payload when Kind == MediaBase64.
	Content string
}

func (o *MediaObject) Type() Type { return TypeMedia }

// DescriptorObject names a language-level type, used as a runtime
// argument to fetch-style futures that deserialize into a target type.
type DescriptorObject struct {
	Name string
}

func (o *DescriptorObject) Type() Type { return TypeDescriptor }
