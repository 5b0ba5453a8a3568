package vm

// Pool is the VM's object arena: an append-only slot array of heap
// objects addressed by stable ObjectIndex handles.
//
// There is no tracing collector. Objects allocated while a program
// runs are reclaimed in bulk by truncating the pool back to the
// recorded checkpoint between compile-time objects (functions,
// classes, enums, constants) and runtime allocations. Correctness
// relies on one VM instance per top-level call: no heap object ever
// outlives its call.
type Pool struct {
	objects []Object
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Insert appends an object and returns its handle.
func (p *Pool) Insert(obj Object) ObjectIndex {
	p.objects = append(p.objects, obj)
	return ObjectIndex(len(p.objects) - 1)
}

// Get returns the object at the given handle. The handle must be in
// bounds; out-of-range handles indicate corrupted bytecode.
func (p *Pool) Get(index ObjectIndex) Object {
	return p.objects[index]
}

// Len returns the number of live objects.
func (p *Pool) Len() int {
	return len(p.objects)
}

// Truncate drops every object at or after the given offset.
func (p *Pool) Truncate(offset ObjectIndex) {
	if int(offset) < len(p.objects) {
		// Zero the tail so dropped objects are collectable by the Go
		// runtime even while the backing array is reused.
		for i := int(offset); i < len(p.objects); i++ {
			p.objects[i] = nil
		}
		p.objects = p.objects[:offset]
	}
}

// Clone returns a shallow copy of the pool: a new slot array sharing
// the object pointers. Used to hand each VM instance its own arena
// over a single loaded program.
func (p *Pool) Clone() *Pool {
	objects := make([]Object, len(p.objects))
	copy(objects, p.objects)
	return &Pool{objects: objects}
}

// TypeOf returns the runtime type of a value, resolving object
// handles through the pool.
func (p *Pool) TypeOf(v Value) Type {
	switch v.Kind() {
	case KindNull:
		return TypeNull
	case KindBool:
		return TypeBool
	case KindInt:
		return TypeInt
	case KindFloat:
		return TypeFloat
	default:
		return p.objects[v.Object()].Type()
	}
}

// AsObject checks that v is a handle to an object of the wanted type
// and returns the handle.
func (p *Pool) AsObject(v Value, want Type) (ObjectIndex, error) {
	if !v.IsObject() {
		return 0, &TypeError{Expected: want, Got: p.TypeOf(v)}
	}
	index := v.Object()
	if got := p.objects[index].Type(); got != want {
		return 0, &TypeError{Expected: want, Got: got}
	}
	return index, nil
}

// AsString resolves v to the string it references.
func (p *Pool) AsString(v Value) (string, error) {
	index, err := p.AsObject(v, TypeString)
	if err != nil {
		return "", err
	}
	return p.objects[index].(*StringObject).Value, nil
}

// AsFunction resolves a pool handle to a function object.
func (p *Pool) AsFunction(index ObjectIndex) (*FunctionObject, error) {
	fn, ok := p.objects[index].(*FunctionObject)
	if !ok {
		return nil, &TypeError{Expected: TypeFunction, Got: p.objects[index].Type()}
	}
	return fn, nil
}

// AsArray resolves v to the array object it references.
func (p *Pool) AsArray(v Value) (*ArrayObject, error) {
	index, err := p.AsObject(v, TypeArray)
	if err != nil {
		return nil, err
	}
	return p.objects[index].(*ArrayObject), nil
}

// AsMap resolves v to the map object it references.
func (p *Pool) AsMap(v Value) (*MapObject, error) {
	index, err := p.AsObject(v, TypeMap)
	if err != nil {
		return nil, err
	}
	return p.objects[index].(*MapObject), nil
}
