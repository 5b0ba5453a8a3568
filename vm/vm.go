package vm

import (
	"fmt"
	"sort"
)

// MaxFrames is the call stack depth limit.
const MaxFrames = 256

// Frame is one call-stack entry. Frames never own heap content; the
// running function is referenced through the pool.
type Frame struct {
	// Function is the pool handle of the running function.
	Function ObjectIndex

	// IP points at the next instruction to execute. It is signed
	// because jump arithmetic can transiently produce negative
	// values; executing at a negative IP is an internal error.
	IP int64

	// LocalsOffset is the eval stack index where this call's callee
	// and locals begin.
	LocalsOffset int
}

// StateKind discriminates ExecState.
type StateKind uint8

const (
	// StateAwait: execution cannot proceed until the future on top
	// of the stack is fulfilled.
	StateAwait StateKind = iota
	// StateSchedule: a new pending future must be scheduled by the
	// embedder; execution continues when control returns.
	StateSchedule
	// StateComplete: all bytecode ran; Value holds the result.
	StateComplete
	// StateNotify: watched variables changed, or a viz event fired.
	StateNotify
)

func (k StateKind) String() string {
	switch k {
	case StateAwait:
		return "await"
	case StateSchedule:
		return "schedule"
	case StateComplete:
		return "complete"
	case StateNotify:
		return "notify"
	}
	return "unknown"
}

// ExecState is what Exec returns when it yields control. The VM
// cannot perform async work itself: it suspends at exactly these
// points and the embedder resumes it.
type ExecState struct {
	Kind StateKind

	// Future is the pending future's handle for Await and Schedule.
	Future ObjectIndex

	// Value is the program result for Complete.
	Value Value

	// Notification is set for Notify.
	Notification *Notification
}

func awaitState(future ObjectIndex) ExecState {
	return ExecState{Kind: StateAwait, Future: future}
}

func scheduleState(future ObjectIndex) ExecState {
	return ExecState{Kind: StateSchedule, Future: future}
}

func completeState(value Value) ExecState {
	return ExecState{Kind: StateComplete, Value: value}
}

func notifyState(n *Notification) ExecState {
	return ExecState{Kind: StateNotify, Notification: n}
}

// Notification is the payload of a Notify suspension: either a set of
// watched variables that changed, or a visualization event.
type Notification struct {
	// Variables holds the node IDs of roots that passed their
	// filters, in deterministic order. nil for viz notifications.
	Variables []NodeID

	// Viz is set for visualization events.
	Viz *VizNotification
}

// VizNotification carries one visualization event and the function it
// fired in.
type VizNotification struct {
	FunctionName string
	Event        VizEvent
}

// watchedVar records the source-level identity of a watched local so
// scope exit can unregister it.
type watchedVar struct {
	varName      string
	functionName string
}

// VM executes compiled bytecode for a single top-level call.
//
// The VM is strictly single-threaded and synchronous: Exec never
// blocks and never spawns. One instance is constructed per top-level
// invocation and discarded (or Finalized) afterwards; many instances
// may run concurrently as long as each is owned by one goroutine.
type VM struct {
	// frames is the call stack.
	frames []Frame

	// stack is the shared operand/locals evaluation stack.
	stack []Value

	// objects is the arena. Compile-time objects sit below
	// runtimeAllocsOffset; everything above is per-call garbage.
	objects *Pool

	// globals holds functions and globally declared values.
	globals []Value

	// runtimeAllocsOffset is the pool length right after program
	// load; CollectGarbage truncates back to it.
	runtimeAllocsOffset ObjectIndex

	// envVars are environment variables visible to native functions.
	envVars map[string]string

	// watch is the reactive dependency graph.
	watch *Watch

	// watchedVars maps absolute stack indexes of watched locals to
	// their source identity.
	watchedVars map[int]watchedVar

	// interruptFrame, when set, records the frame depth at which a
	// nested filter invocation began, so Return knows where to stop
	// unwinding. Negative when no interrupt is active.
	interruptFrame int
}

// New creates a VM over a loaded program. The pool is cloned so the
// instance can allocate and truncate freely without touching the
// shared program.
func New(program *Program, envVars map[string]string) *VM {
	pool := program.Objects.Clone()
	globals := make([]Value, len(program.Globals))
	copy(globals, program.Globals)

	if envVars == nil {
		envVars = make(map[string]string)
	}

	return &VM{
		objects:             pool,
		globals:             globals,
		runtimeAllocsOffset: ObjectIndex(pool.Len()),
		envVars:             envVars,
		watch:               NewWatch(),
		watchedVars:         make(map[int]watchedVar),
		interruptFrame:      -1,
	}
}

// Objects exposes the VM's pool to native functions and embedders.
func (v *VM) Objects() *Pool { return v.objects }

// Watch exposes the dependency graph, for embedders that render
// notification payloads.
func (v *VM) Watch() *Watch { return v.watch }

// WatchedVarName returns the source-level name of a watched local
// variable, or the empty string if the node is not a watched local.
func (v *VM) WatchedVarName(node NodeID) string {
	if node.Kind != NodeLocalVar {
		return ""
	}
	if wv, ok := v.watchedVars[node.Index]; ok {
		return wv.varName
	}
	return ""
}

// Env returns the value of an environment variable.
func (v *VM) Env(name string) (string, bool) {
	value, ok := v.envVars[name]
	return value, ok
}

// SetEntryPoint bootstraps the VM to run the given function: the
// callee and its arguments are pushed as frame zero's locals.
func (v *VM) SetEntryPoint(function ObjectIndex, args []Value) {
	v.stack = append(v.stack, FromObject(function))
	v.stack = append(v.stack, args...)

	v.frames = append(v.frames, Frame{
		Function:     function,
		IP:           0,
		LocalsOffset: 0,
	})
}

// Finalize restores the VM for a next execution: stack and frames are
// dropped and the arena resets to its checkpoint.
func (v *VM) Finalize() {
	v.stack = v.stack[:0]
	v.frames = v.frames[:0]
	v.CollectGarbage()
}

// CollectGarbage drops every object allocated since program load.
func (v *VM) CollectGarbage() {
	v.objects.Truncate(v.runtimeAllocsOffset)
}

// PendingFuture returns the recorded request of a pending future.
func (v *VM) PendingFuture(future ObjectIndex) (*PendingFuture, error) {
	obj, ok := v.objects.Get(future).(*FutureObject)
	if !ok {
		return nil, &TypeError{Expected: TypeFuture, Got: v.objects.Get(future).Type()}
	}
	if obj.Ready {
		return nil, internalFaultf("future %d is already fulfilled", future)
	}
	return obj.Pending, nil
}

// FulfilFuture transitions a future to ready. If the fulfilled handle
// is the value currently on top of the stack, the ready value is
// swapped in place so a subsequent await continues immediately.
func (v *VM) FulfilFuture(future ObjectIndex, value Value) error {
	obj, ok := v.objects.Get(future).(*FutureObject)
	if !ok {
		return &TypeError{Expected: TypeFuture, Got: v.objects.Get(future).Type()}
	}

	obj.Ready = true
	obj.Pending = nil
	obj.Result = value

	if top := len(v.stack) - 1; top >= 0 {
		if t := v.stack[top]; t.IsObject() && t.Object() == future {
			v.stack[top] = value
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Allocation helpers for embedders and native functions
// ---------------------------------------------------------------------------

// AllocString allocates a heap string.
func (v *VM) AllocString(s string) Value {
	return FromObject(v.objects.Insert(&StringObject{Value: s}))
}

// AllocArray allocates a heap array owning the given elements.
func (v *VM) AllocArray(elements []Value) Value {
	return FromObject(v.objects.Insert(&ArrayObject{Elements: elements}))
}

// AllocMap allocates a heap map.
func (v *VM) AllocMap(m *MapObject) Value {
	if m == nil {
		m = NewMapObject()
	} else if m.Entries == nil {
		m.Entries = make(map[string]Value)
	}
	return FromObject(v.objects.Insert(m))
}

// AllocInstance allocates an instance of a class.
func (v *VM) AllocInstance(class ObjectIndex, fields []Value) Value {
	return FromObject(v.objects.Insert(&InstanceObject{Class: class, Fields: fields}))
}

// AllocVariant allocates an enum variant.
func (v *VM) AllocVariant(enum ObjectIndex, index int) Value {
	return FromObject(v.objects.Insert(&VariantObject{Enum: enum, Index: index}))
}

// AllocMedia allocates a media value.
func (v *VM) AllocMedia(media *MediaObject) Value {
	return FromObject(v.objects.Insert(media))
}

// ---------------------------------------------------------------------------
// Eval stack
// ---------------------------------------------------------------------------

func (v *VM) push(value Value) {
	v.stack = append(v.stack, value)
}

// pop removes and returns the top of stack, failing on underflow.
func (v *VM) pop() (Value, error) {
	if len(v.stack) == 0 {
		return Null, &StackUnderflowError{}
	}
	top := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return top, nil
}

// top returns the index of the top slot, failing on an empty stack.
func (v *VM) top() (int, error) {
	if len(v.stack) == 0 {
		return 0, &StackUnderflowError{}
	}
	return len(v.stack) - 1, nil
}

// slotFromTop returns the absolute index of the slot `offset`
// positions below the top.
func (v *VM) slotFromTop(offset int) (int, error) {
	index := len(v.stack) - 1 - offset
	if index < 0 {
		return 0, &StackUnderflowError{}
	}
	return index, nil
}

// truncateStack drops every slot at or above start.
func (v *VM) truncateStack(start int) {
	v.stack = v.stack[:start]
}

// ---------------------------------------------------------------------------
// Stack traces
// ---------------------------------------------------------------------------

// StackTrace reconstructs the call-stack locations for an error that
// aborted execution, outermost frame first. The IP advances as soon
// as an instruction is read, so the faulting instruction is the one
// before each frame's IP.
func (v *VM) StackTrace(err error) *StackTrace {
	trace := &StackTrace{Err: err}
	for _, frame := range v.frames {
		fn, fnErr := v.objects.AsFunction(frame.Function)
		if fnErr != nil {
			return &StackTrace{Err: fmt.Errorf("building stack trace: %w (original error: %v)", fnErr, err)}
		}

		last := frame.IP - 1
		if last < 0 {
			last = 0
		}

		var line int32
		if int(last) < len(fn.Code.SourceLines) {
			line = fn.Code.SourceLines[last]
		}

		trace.Frames = append(trace.Frames, ErrorLocation{
			FunctionName: fn.Name,
			Line:         line,
		})
	}
	return trace
}

// ---------------------------------------------------------------------------
// Interrupts and watch bookkeeping
// ---------------------------------------------------------------------------

// interrupt suspends the current bytecode in favor of the given
// function, running it to completion through the same step function.
// The frame depth at entry is recorded so Return stops unwinding at
// the boundary.
func (v *VM) interrupt(function ObjectIndex, args []Value) (ExecState, error) {
	if _, ok := v.objects.Get(function).(*FunctionObject); !ok {
		return ExecState{}, runtimeFaultf("invalid interrupt function")
	}

	v.interruptFrame = len(v.frames)

	localsOffset := len(v.stack)
	v.push(FromObject(function))
	v.stack = append(v.stack, args...)

	v.frames = append(v.frames, Frame{
		Function:     function,
		IP:           0,
		LocalsOffset: localsOffset,
	})

	return v.Exec()
}

// processNotifications collects the roots reaching the mutated node,
// orders them deterministically, applies each root's filter, and
// returns the survivors.
func (v *VM) processNotifications(node NodeID) ([]NodeID, error) {
	notifications := v.watch.RootsReaching(node)

	sort.Slice(notifications, func(i, j int) bool {
		return notifications[i].less(notifications[j])
	})

	var filtered []NodeID

	for _, notification := range notifications {
		state := v.watch.RootState(notification)
		if state == nil {
			continue
		}

		switch state.Filter.Mode {
		case FilterManual, FilterPaused:
			continue

		case FilterDefault:
			if state.LastAssigned == nil {
				filtered = append(filtered, notification)
				continue
			}
			equal, err := v.deepEquals(*state.LastAssigned, state.Value)
			if err != nil {
				return nil, err
			}
			if !equal {
				filtered = append(filtered, notification)
			}

		case FilterFunction:
			notify, err := v.runFilterFunction(state.Filter.Function, state.Value)
			if err != nil {
				return nil, err
			}
			if notify {
				filtered = append(filtered, notification)
			}
		}
	}

	return filtered, nil
}

// runFilterFunction runs a watch filter through a nested interrupt.
// Notifications raised inside the filter are consumed, not
// propagated, to prevent notification storms.
func (v *VM) runFilterFunction(filter ObjectIndex, value Value) (bool, error) {
	state, err := v.interrupt(filter, []Value{value})
	for {
		if err != nil {
			return false, err
		}
		switch state.Kind {
		case StateComplete:
			if !state.Value.IsBool() {
				return false, runtimeFaultf("watch filter returned %s, want bool", v.objects.TypeOf(state.Value))
			}
			return state.Value.Bool(), nil
		case StateNotify:
			state, err = v.Exec()
		default:
			return false, runtimeFaultf("watch filter suspended with %s", state.Kind)
		}
	}
}

// updateWatchedNode rewires the graph for a mutation of watched_node
// through path: the old referenced object is unlinked, the new one
// linked, and every root currently reaching the node snapshots its
// pre-mutation value for later diffing.
func (v *VM) updateWatchedNode(node NodeID, path Path, oldValue, newValue Value) error {
	if oldValue.IsObject() {
		v.watch.UnlinkEdge(node, path, HeapObjectNode(oldValue.Object()))
	}
	if newValue.IsObject() {
		v.watch.LinkEdge(node, path, HeapObjectNode(newValue.Object()), v.objects)
	}

	roots := v.watch.RootsReaching(node)
	copies := make([]Value, 0, len(roots))
	for _, root := range roots {
		state := v.watch.RootState(root)
		if state == nil {
			copies = append(copies, Null)
			continue
		}
		copied, err := v.deepCopy(state.Value)
		if err != nil {
			return err
		}
		copies = append(copies, copied)
	}

	for i, root := range roots {
		if state := v.watch.RootState(root); state != nil {
			snapshot := copies[i]
			state.LastAssigned = &snapshot
			// The current value itself has not changed; the top
			// level object is the same.
		}
	}
	return nil
}

// dropWatchedRange unregisters watch roots for any watched local in
// stack slots [start, len); used by Pop, PopReplace and Return when
// locals leave scope.
func (v *VM) dropWatchedRange(start int) {
	for i := start; i < len(v.stack); i++ {
		if _, watched := v.watchedVars[i]; !watched {
			continue
		}
		delete(v.watchedVars, i)

		node := LocalVarNode(i)
		v.watch.UnregisterRoot(node)

		if value := v.stack[i]; value.IsObject() {
			v.watch.UnlinkEdge(node, BindingPath(), HeapObjectNode(value.Object()))
		}
	}
}
