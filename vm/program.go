package vm

// FunctionKind distinguishes how a function object is dispatched.
type FunctionKind uint8

const (
	// FunctionExec is plain bytecode, run by pushing a frame.
	FunctionExec FunctionKind = iota
	// FunctionNative is a host Go function, called synchronously.
	FunctionNative
	// FunctionLlm is a model call; only reachable via OpDispatchFuture.
	FunctionLlm
	// FunctionNet is a network fetch; only reachable via OpDispatchFuture.
	FunctionNet
)

func (k FunctionKind) String() string {
	switch k {
	case FunctionExec:
		return "exec"
	case FunctionNative:
		return "native"
	case FunctionLlm:
		return "llm"
	case FunctionNet:
		return "net"
	}
	return "unknown"
}

// NativeFunc is the signature of host functions. Arguments arrive
// already evaluated; the function may allocate through the VM's pool.
type NativeFunc func(v *VM, args []Value) (Value, error)

// FunctionObject is a callable loaded from a compiled program or
// registered by the host.
type FunctionObject struct {
	Name  string
	Arity int
	Kind  FunctionKind

	// Code is the body when Kind == FunctionExec.
	Code Bytecode

	// Native is the host implementation when Kind == FunctionNative.
	Native NativeFunc

	// VizNodes referenced by OpVizEnter/OpVizExit.
	VizNodes []VizNode
}

func (o *FunctionObject) Type() Type { return TypeFunction }

// VizNode is compile-time metadata for one visualization event site.
type VizNode struct {
	NodeID      int64
	NodeType    string
	Label       string
	HeaderLevel int
	// Path is the "|"-separated location of the node inside its
	// function; the last segment identifies the node itself.
	Path string
}

// VizDelta is the direction of a visualization event.
type VizDelta uint8

const (
	VizEnter VizDelta = iota
	VizExit
)

func (d VizDelta) String() string {
	if d == VizEnter {
		return "enter"
	}
	return "exit"
}

// VizEvent is a visualization event handed to an external consumer
// through a Notify suspension.
type VizEvent struct {
	Delta       VizDelta
	NodeID      int64
	NodeType    string
	Label       string
	HeaderLevel int
	PathSegment string
}

// FunctionRef resolves a function name to its pool handle and kind.
type FunctionRef struct {
	Index ObjectIndex
	Kind  FunctionKind
}

// Program is a compiled unit: the object pool contents produced at
// compile time (functions, classes, enums, interned constants),
// global slots, and name resolution tables for embedders.
//
// A Program is loaded once and shared read-only; each top-level call
// constructs its own VM over a clone of the pool.
type Program struct {
	Objects *Pool
	Globals []Value

	Functions map[string]FunctionRef
	Classes   map[string]ObjectIndex
	Enums     map[string]ObjectIndex
}

// NewProgram creates an empty program.
func NewProgram() *Program {
	return &Program{
		Objects:   NewPool(),
		Functions: make(map[string]FunctionRef),
		Classes:   make(map[string]ObjectIndex),
		Enums:     make(map[string]ObjectIndex),
	}
}

// AddFunction inserts a function object and records it in the name
// table. Returns the pool handle.
func (p *Program) AddFunction(fn *FunctionObject) ObjectIndex {
	index := p.Objects.Insert(fn)
	p.Functions[fn.Name] = FunctionRef{Index: index, Kind: fn.Kind}
	return index
}

// AddClass inserts a class object and records it in the name table.
func (p *Program) AddClass(class *ClassObject) ObjectIndex {
	index := p.Objects.Insert(class)
	p.Classes[class.Name] = index
	return index
}

// AddEnum inserts an enum object and records it in the name table.
func (p *Program) AddEnum(enum *EnumObject) ObjectIndex {
	index := p.Objects.Insert(enum)
	p.Enums[enum.Name] = index
	return index
}
