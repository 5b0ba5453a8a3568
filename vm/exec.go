package vm

import (
	"math"
	"strings"
)

// Exec is the main execution loop. Each iteration executes a single
// instruction. It runs until the program completes, a suspension
// point yields control to the embedder, or an instruction fails.
//
// Exec never blocks and never spawns; every pause is one of the four
// ExecState variants.
func (v *VM) Exec() (ExecState, error) {
	if len(v.frames) == 0 {
		return completeState(Null), nil
	}

	// The frame pointer and function are re-derived whenever the
	// frame stack or the pool changes shape (calls, returns, nested
	// interrupts).
	frame := &v.frames[len(v.frames)-1]
	fn, err := v.objects.AsFunction(frame.Function)
	if err != nil {
		return ExecState{}, err
	}

	for {
		ip := frame.IP

		// Advance to the next instruction up front; jumps reassign.
		frame.IP++

		if ip < 0 {
			return ExecState{}, &NegativeInstructionPtrError{Ptr: ip}
		}
		if int(ip) >= len(fn.Code.Instructions) {
			return ExecState{}, internalFaultf("instruction pointer %d out of bounds for %q (%d instructions)",
				ip, fn.Name, len(fn.Code.Instructions))
		}

		instr := fn.Code.Instructions[ip]

		switch instr.Op {

		// -------------------------------------------------------
		// Load/store
		// -------------------------------------------------------

		case OpLoadConst:
			v.push(fn.Code.Constants[instr.A])

		case OpLoadVar:
			v.push(v.stack[frame.LocalsOffset+int(instr.A)])

		case OpStoreVar:
			localVarIndex := frame.LocalsOffset + int(instr.A)

			value, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}

			oldValue := v.stack[localVarIndex]
			v.stack[localVarIndex] = value

			if _, watched := v.watchedVars[localVarIndex]; watched {
				node := LocalVarNode(localVarIndex)

				// Rebind the root's edge: the previous object stops
				// emitting through this root, the new one starts.
				if oldValue.IsObject() {
					v.watch.UnlinkEdge(node, BindingPath(), HeapObjectNode(oldValue.Object()))
				}
				if value.IsObject() {
					v.watch.LinkEdge(node, BindingPath(), HeapObjectNode(value.Object()), v.objects)
				}

				oldCopy, err := v.deepCopy(oldValue)
				if err != nil {
					return ExecState{}, err
				}
				if state := v.watch.RootState(node); state != nil {
					state.LastAssigned = &oldCopy
					state.Value = value
				}

				notifications, err := v.processNotifications(node)
				if err != nil {
					return ExecState{}, err
				}

				// Filter functions may have pushed and popped
				// frames; re-derive.
				frame = &v.frames[len(v.frames)-1]
				if fn, err = v.objects.AsFunction(frame.Function); err != nil {
					return ExecState{}, err
				}

				if len(notifications) > 0 {
					return notifyState(&Notification{Variables: notifications}), nil
				}
			}

		case OpLoadGlobal:
			v.push(v.globals[instr.A])

		case OpStoreGlobal:
			value, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			v.globals[instr.A] = value

		case OpLoadField:
			top, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			index, err := v.objects.AsObject(top, TypeInstance)
			if err != nil {
				return ExecState{}, err
			}
			instance := v.objects.Get(index).(*InstanceObject)
			v.push(instance.Fields[instr.A])

		case OpStoreField:
			newValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			instanceValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			instanceIndex, err := v.objects.AsObject(instanceValue, TypeInstance)
			if err != nil {
				return ExecState{}, err
			}

			instance := v.objects.Get(instanceIndex).(*InstanceObject)
			oldValue := instance.Fields[instr.A]

			node := HeapObjectNode(instanceIndex)
			if err := v.updateWatchedNode(node, FieldPath(int(instr.A)), oldValue, newValue); err != nil {
				return ExecState{}, err
			}

			instance.Fields[instr.A] = newValue

			notifications, err := v.processNotifications(node)
			if err != nil {
				return ExecState{}, err
			}

			frame = &v.frames[len(v.frames)-1]
			if fn, err = v.objects.AsFunction(frame.Function); err != nil {
				return ExecState{}, err
			}

			if len(notifications) > 0 {
				return notifyState(&Notification{Variables: notifications}), nil
			}

		// -------------------------------------------------------
		// Stack hygiene
		// -------------------------------------------------------

		case OpPop:
			drainStart := len(v.stack) - int(instr.A)
			v.dropWatchedRange(drainStart)
			v.truncateStack(drainStart)

		case OpCopy:
			index, err := v.slotFromTop(int(instr.A))
			if err != nil {
				return ExecState{}, err
			}
			v.push(v.stack[index])

		case OpPopReplace:
			value, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			drainStart := len(v.stack) - int(instr.A)
			v.dropWatchedRange(drainStart)
			v.truncateStack(drainStart)
			v.push(value)

		// -------------------------------------------------------
		// Control
		// -------------------------------------------------------

		case OpJump:
			// Offsets are relative to the current instruction and
			// may be negative for backward loops.
			frame.IP = ip + int64(instr.A)

		case OpJumpIfFalse:
			top, err := v.top()
			if err != nil {
				return ExecState{}, err
			}
			condition := v.stack[top]
			if !condition.IsBool() {
				// No truthiness in the language; the condition must
				// be an actual bool.
				return ExecState{}, &TypeError{Expected: TypeBool, Got: v.objects.TypeOf(condition)}
			}
			if !condition.Bool() {
				frame.IP = ip + int64(instr.A)
			}

		// -------------------------------------------------------
		// Arithmetic/comparison
		// -------------------------------------------------------

		case OpBinOp:
			right, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			left, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}

			result, err := v.applyBinOp(BinOp(instr.A), left, right)
			if err != nil {
				return ExecState{}, err
			}
			v.push(result)

		case OpCmpOp:
			right, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			left, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}

			result, err := v.applyCmpOp(CmpOp(instr.A), left, right)
			if err != nil {
				return ExecState{}, err
			}
			v.push(FromBool(result))

		case OpUnaryOp:
			value, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}

			op := UnaryOp(instr.A)
			switch {
			case op == UnaryNot && value.IsBool():
				v.push(FromBool(!value.Bool()))
			case op == UnaryNeg && value.IsInt():
				v.push(FromInt(-value.Int()))
			case op == UnaryNeg && value.IsFloat():
				v.push(FromFloat(-value.Float()))
			default:
				return ExecState{}, &CannotApplyUnaryOpError{Op: op, Value: v.objects.TypeOf(value)}
			}

		// -------------------------------------------------------
		// Aggregate construction
		// -------------------------------------------------------

		case OpAllocArray:
			size := int(instr.A)
			start := len(v.stack) - size
			if start < 0 {
				return ExecState{}, &StackUnderflowError{}
			}

			elements := make([]Value, size)
			copy(elements, v.stack[start:])
			v.truncateStack(start)

			v.push(v.AllocArray(elements))

		case OpAllocMap:
			n := int(instr.A)
			m := NewMapObject()

			if n > 0 {
				// Stack layout: n values pushed first, then n keys.
				endOfValues, err := v.slotFromTop(2*n - 1)
				if err != nil {
					return ExecState{}, err
				}
				endOfKeys := endOfValues + n

				for i := 0; i < n; i++ {
					key, err := v.objects.AsString(v.stack[endOfKeys+i])
					if err != nil {
						return ExecState{}, err
					}
					m.Set(key, v.stack[endOfValues+i])
				}
				v.truncateStack(endOfValues)
			}

			v.push(v.AllocMap(m))

		case OpAllocInstance:
			classIndex := ObjectIndex(instr.A)
			class, ok := v.objects.Get(classIndex).(*ClassObject)
			if !ok {
				return ExecState{}, &TypeError{Expected: TypeClass, Got: v.objects.Get(classIndex).Type()}
			}

			fields := make([]Value, len(class.FieldNames))
			for i := range fields {
				fields[i] = Null
			}

			v.push(v.AllocInstance(classIndex, fields))

		case OpAllocVariant:
			enumIndex := ObjectIndex(instr.A)
			enum, ok := v.objects.Get(enumIndex).(*EnumObject)
			if !ok {
				return ExecState{}, &TypeError{Expected: TypeEnum, Got: v.objects.Get(enumIndex).Type()}
			}

			variant, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			if !variant.IsInt() {
				return ExecState{}, &TypeError{Expected: TypeInt, Got: v.objects.TypeOf(variant)}
			}

			variantIndex := variant.Int()
			if variantIndex < 0 {
				return ExecState{}, &ArrayIndexNegativeError{Index: variantIndex}
			}
			if int(variantIndex) >= len(enum.VariantNames) {
				return ExecState{}, &ArrayIndexOutOfBoundsError{Index: int(variantIndex), Length: len(enum.VariantNames)}
			}

			v.push(v.AllocVariant(enumIndex, int(variantIndex)))

		// -------------------------------------------------------
		// Indexed access
		// -------------------------------------------------------

		case OpLoadArrayElement:
			indexValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			arrayValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			array, err := v.objects.AsArray(arrayValue)
			if err != nil {
				return ExecState{}, err
			}

			index, err := v.arrayIndex(indexValue, len(array.Elements))
			if err != nil {
				return ExecState{}, err
			}
			v.push(array.Elements[index])

		case OpLoadMapElement:
			keyValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			mapValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			m, err := v.objects.AsMap(mapValue)
			if err != nil {
				return ExecState{}, err
			}
			key, err := v.objects.AsString(keyValue)
			if err != nil {
				return ExecState{}, err
			}

			value, ok := m.Get(key)
			if !ok {
				return ExecState{}, &NoSuchKeyInMapError{Key: key}
			}
			v.push(value)

		case OpStoreArrayElement:
			newValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			indexValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			arrayValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			arrayIndex, err := v.objects.AsObject(arrayValue, TypeArray)
			if err != nil {
				return ExecState{}, err
			}
			array := v.objects.Get(arrayIndex).(*ArrayObject)

			index, err := v.arrayIndex(indexValue, len(array.Elements))
			if err != nil {
				return ExecState{}, err
			}
			oldValue := array.Elements[index]

			node := HeapObjectNode(arrayIndex)
			if err := v.updateWatchedNode(node, IndexPath(index), oldValue, newValue); err != nil {
				return ExecState{}, err
			}

			array.Elements[index] = newValue

			notifications, err := v.processNotifications(node)
			if err != nil {
				return ExecState{}, err
			}

			frame = &v.frames[len(v.frames)-1]
			if fn, err = v.objects.AsFunction(frame.Function); err != nil {
				return ExecState{}, err
			}

			if len(notifications) > 0 {
				return notifyState(&Notification{Variables: notifications}), nil
			}

		case OpStoreMapElement:
			newValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			keyValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			mapValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}

			key, err := v.objects.AsString(keyValue)
			if err != nil {
				return ExecState{}, err
			}
			mapIndex, err := v.objects.AsObject(mapValue, TypeMap)
			if err != nil {
				return ExecState{}, err
			}
			m := v.objects.Get(mapIndex).(*MapObject)

			// Absent keys have no edge to rewire; treat the old
			// value as null.
			oldValue, _ := m.Get(key)

			node := HeapObjectNode(mapIndex)
			if err := v.updateWatchedNode(node, KeyPath(key), oldValue, newValue); err != nil {
				return ExecState{}, err
			}

			m.Set(key, newValue)

			notifications, err := v.processNotifications(node)
			if err != nil {
				return ExecState{}, err
			}

			frame = &v.frames[len(v.frames)-1]
			if fn, err = v.objects.AsFunction(frame.Function); err != nil {
				return ExecState{}, err
			}

			if len(notifications) > 0 {
				return notifyState(&Notification{Variables: notifications}), nil
			}

		// -------------------------------------------------------
		// Futures
		// -------------------------------------------------------

		case OpDispatchFuture:
			argCount := int(instr.A)
			argsOffset, err := v.slotFromTop(argCount)
			if err != nil {
				return ExecState{}, err
			}

			calleeIndex, err := v.objects.AsObject(v.stack[argsOffset], TypeFunction)
			if err != nil {
				return ExecState{}, err
			}
			callee := v.objects.Get(calleeIndex).(*FunctionObject)

			if argCount != callee.Arity {
				return ExecState{}, &InvalidArgumentCountError{Expected: callee.Arity, Got: argCount}
			}

			var kind FutureKind
			switch callee.Kind {
			case FunctionLlm:
				kind = FutureLlm
			case FunctionNet:
				kind = FutureNet
			default:
				return ExecState{}, internalFaultf("cannot dispatch %s function %q as a future", callee.Kind, callee.Name)
			}

			args := make([]Value, argCount)
			copy(args, v.stack[argsOffset+1:])
			v.truncateStack(argsOffset)

			futureIndex := v.objects.Insert(&FutureObject{
				Pending: &PendingFuture{
					Function: callee.Name,
					Args:     args,
					Kind:     kind,
				},
			})

			// The future stays on the stack; a later await picks it
			// up. The embedder performs the actual call.
			v.push(FromObject(futureIndex))

			return scheduleState(futureIndex), nil

		case OpAwait:
			top, err := v.top()
			if err != nil {
				return ExecState{}, err
			}
			index, err := v.objects.AsObject(v.stack[top], TypeFuture)
			if err != nil {
				return ExecState{}, err
			}
			future := v.objects.Get(index).(*FutureObject)

			if !future.Ready {
				// Leave the future on the stack and hand control to
				// the embedder.
				return awaitState(index), nil
			}

			// Replace the future reference with the ready value and
			// keep running.
			v.stack[top] = future.Result

		// -------------------------------------------------------
		// Watch
		// -------------------------------------------------------

		case OpWatch:
			// Stack: [channel, filter].
			filterValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}

			var filter WatchFilter
			switch {
			case filterValue.IsNull():
				filter = WatchFilter{Mode: FilterDefault}
			case filterValue.IsObject():
				switch obj := v.objects.Get(filterValue.Object()).(type) {
				case *FunctionObject:
					filter = WatchFilter{Mode: FilterFunction, Function: filterValue.Object()}
				case *StringObject:
					switch obj.Value {
					case "manual":
						filter = WatchFilter{Mode: FilterManual}
					case "never":
						filter = WatchFilter{Mode: FilterPaused}
					default:
						return ExecState{}, runtimeFaultf("invalid watch filter %q", obj.Value)
					}
				default:
					return ExecState{}, runtimeFaultf("invalid watch filter")
				}
			default:
				return ExecState{}, runtimeFaultf("invalid watch filter")
			}

			channelValue, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}
			channel, err := v.objects.AsString(channelValue)
			if err != nil {
				return ExecState{}, err
			}

			localVarIndex := frame.LocalsOffset + int(instr.A)
			value := v.stack[localVarIndex]

			node := LocalVarNode(localVarIndex)
			v.watch.RegisterRoot(node, &RootState{
				Channel: channel,
				Value:   value,
				Filter:  filter,
			})

			varName := ""
			if int(instr.B) < len(fn.Code.Names) {
				varName = fn.Code.Names[instr.B]
			}
			v.watchedVars[localVarIndex] = watchedVar{
				varName:      varName,
				functionName: fn.Name,
			}

			// If the variable holds an object, build the whole
			// dependency graph under it.
			if value.IsObject() {
				v.watch.LinkEdge(node, BindingPath(), HeapObjectNode(value.Object()), v.objects)
			}

		case OpNotifyWatch:
			localVarIndex := frame.LocalsOffset + int(instr.A)
			node := LocalVarNode(localVarIndex)

			notifications := v.watch.RootsReaching(node)
			if len(notifications) != 1 || notifications[0] != node {
				return ExecState{}, runtimeFaultf("invalid manual notify")
			}

			return notifyState(&Notification{Variables: notifications}), nil

		// -------------------------------------------------------
		// Visualization events
		// -------------------------------------------------------

		case OpVizEnter, OpVizExit:
			delta := VizEnter
			if instr.Op == OpVizExit {
				delta = VizExit
			}

			event, err := buildVizEvent(fn, int(instr.A), delta)
			if err != nil {
				return ExecState{}, err
			}

			return notifyState(&Notification{
				Viz: &VizNotification{FunctionName: fn.Name, Event: event},
			}), nil

		// -------------------------------------------------------
		// Calls
		// -------------------------------------------------------

		case OpCall:
			// Call layout: [callee, arg1, ..., argN]. The callee
			// slot becomes the new frame's locals offset.
			argCount := int(instr.A)
			localsOffset, err := v.slotFromTop(argCount)
			if err != nil {
				return ExecState{}, err
			}

			calleeIndex, err := v.objects.AsObject(v.stack[localsOffset], TypeFunction)
			if err != nil {
				return ExecState{}, err
			}
			callee := v.objects.Get(calleeIndex).(*FunctionObject)

			if argCount != callee.Arity {
				return ExecState{}, &InvalidArgumentCountError{Expected: callee.Arity, Got: argCount}
			}

			if len(v.frames) >= MaxFrames {
				return ExecState{}, &StackOverflowError{}
			}

			switch callee.Kind {
			case FunctionNative:
				args := make([]Value, argCount)
				copy(args, v.stack[localsOffset+1:])

				result, err := callee.Native(v, args)
				if err != nil {
					return ExecState{}, err
				}

				v.truncateStack(localsOffset)
				v.push(result)

				frame = &v.frames[len(v.frames)-1]
				if fn, err = v.objects.AsFunction(frame.Function); err != nil {
					return ExecState{}, err
				}

			case FunctionExec:
				v.frames = append(v.frames, Frame{
					Function:     calleeIndex,
					IP:           0,
					LocalsOffset: localsOffset,
				})

				frame = &v.frames[len(v.frames)-1]
				fn = callee

			default:
				// Llm/net functions are only reachable through
				// DispatchFuture.
				return ExecState{}, internalFaultf("cannot call %s function %q directly", callee.Kind, callee.Name)
			}

		case OpReturn:
			result, err := v.pop()
			if err != nil {
				return ExecState{}, err
			}

			// Watched locals in this call's scope are going away.
			v.dropWatchedRange(frame.LocalsOffset)

			// Restore the eval stack to its pre-call state and leave
			// the result on top.
			v.truncateStack(frame.LocalsOffset)
			v.push(result)

			v.frames = v.frames[:len(v.frames)-1]

			// Returning across an interrupt boundary completes the
			// nested invocation, not the whole program.
			if v.interruptFrame == len(v.frames) {
				v.interruptFrame = -1
				value, err := v.pop()
				if err != nil {
					return ExecState{}, err
				}
				return completeState(value), nil
			}

			if len(v.frames) == 0 {
				value, err := v.pop()
				if err != nil {
					return ExecState{}, err
				}
				return completeState(value), nil
			}

			frame = &v.frames[len(v.frames)-1]
			if fn, err = v.objects.AsFunction(frame.Function); err != nil {
				return ExecState{}, err
			}

		case OpAssert:
			value, err := v.pop()
			if err != nil {
				return ExecState{}, &AssertionError{}
			}
			if !value.IsBool() {
				return ExecState{}, &TypeError{Expected: TypeBool, Got: v.objects.TypeOf(value)}
			}
			if !value.Bool() {
				return ExecState{}, &AssertionError{}
			}

		default:
			return ExecState{}, internalFaultf("unknown opcode %d", instr.Op)
		}
	}
}

// arrayIndex validates an index value against an array length.
// Negative and out-of-bounds indices are distinct errors.
func (v *VM) arrayIndex(indexValue Value, length int) (int, error) {
	if !indexValue.IsInt() {
		return 0, &TypeError{Expected: TypeInt, Got: v.objects.TypeOf(indexValue)}
	}
	index := indexValue.Int()
	if index < 0 {
		return 0, &ArrayIndexNegativeError{Index: index}
	}
	if int(index) >= length {
		return 0, &ArrayIndexOutOfBoundsError{Index: int(index), Length: length}
	}
	return int(index), nil
}

// applyBinOp evaluates a binary operation. Integer and float
// arithmetic never mix at this level; promotion is the compiler's
// job. String concatenation is the only object-level operation.
func (v *VM) applyBinOp(op BinOp, left, right Value) (Value, error) {
	switch {
	case left.IsInt() && right.IsInt():
		l, r := left.Int(), right.Int()
		switch op {
		case BinAdd:
			return FromInt(l + r), nil
		case BinSub:
			return FromInt(l - r), nil
		case BinMul:
			return FromInt(l * r), nil
		case BinDiv, BinMod:
			if r == 0 {
				return Null, &DivisionByZeroError{Left: left, Right: right}
			}
			if op == BinDiv {
				return FromInt(l / r), nil
			}
			return FromInt(l % r), nil
		case BinBitAnd:
			return FromInt(l & r), nil
		case BinBitOr:
			return FromInt(l | r), nil
		case BinBitXor:
			return FromInt(l ^ r), nil
		case BinShl:
			return FromInt(l << (uint64(r) & 63)), nil
		case BinShr:
			return FromInt(l >> (uint64(r) & 63)), nil
		}

	case left.IsFloat() && right.IsFloat():
		l, r := left.Float(), right.Float()
		switch op {
		case BinAdd:
			return FromFloat(l + r), nil
		case BinSub:
			return FromFloat(l - r), nil
		case BinMul:
			return FromFloat(l * r), nil
		case BinDiv:
			if r == 0 {
				return Null, &DivisionByZeroError{Left: left, Right: right}
			}
			return FromFloat(l / r), nil
		case BinMod:
			return FromFloat(math.Mod(l, r)), nil
		default:
			// Bitwise ops are not applicable to floats.
			return Null, &CannotApplyBinOpError{Left: TypeFloat, Right: TypeFloat, Op: op}
		}

	case left.IsObject() && right.IsObject() && op == BinAdd:
		l, err := v.objects.AsString(left)
		if err != nil {
			return Null, err
		}
		r, err := v.objects.AsString(right)
		if err != nil {
			return Null, err
		}
		return v.AllocString(l + r), nil
	}

	return Null, &CannotApplyBinOpError{
		Left:  v.objects.TypeOf(left),
		Right: v.objects.TypeOf(right),
		Op:    op,
	}
}

// applyCmpOp evaluates a comparison.
func (v *VM) applyCmpOp(op CmpOp, left, right Value) (bool, error) {
	switch {
	case left.IsInt() && right.IsInt():
		return orderedCmp(op, left.Int(), right.Int(), func() error {
			return &CannotApplyCmpOpError{Left: TypeInt, Right: TypeInt, Op: op}
		})

	case left.IsFloat() && right.IsFloat():
		return orderedCmp(op, left.Float(), right.Float(), func() error {
			return &CannotApplyCmpOpError{Left: TypeFloat, Right: TypeFloat, Op: op}
		})

	case v.bothStrings(left, right):
		l, _ := v.objects.AsString(left)
		r, _ := v.objects.AsString(right)
		return orderedCmp(op, l, r, func() error {
			return &CannotApplyCmpOpError{Left: TypeString, Right: TypeString, Op: op}
		})

	default:
		switch op {
		case CmpEq:
			return left.Equal(right), nil
		case CmpNotEq:
			return !left.Equal(right), nil
		case CmpInstanceOf:
			// Exact class identity; no subtyping.
			instanceIndex, err := v.objects.AsObject(left, TypeInstance)
			if err != nil {
				return false, err
			}
			instance := v.objects.Get(instanceIndex).(*InstanceObject)

			classIndex, err := v.objects.AsObject(right, TypeClass)
			if err != nil {
				return false, err
			}
			return instance.Class == classIndex, nil
		default:
			return false, &CannotApplyCmpOpError{
				Left:  v.objects.TypeOf(left),
				Right: v.objects.TypeOf(right),
				Op:    op,
			}
		}
	}
}

func (v *VM) bothStrings(left, right Value) bool {
	if !left.IsObject() || !right.IsObject() {
		return false
	}
	_, lok := v.objects.Get(left.Object()).(*StringObject)
	_, rok := v.objects.Get(right.Object()).(*StringObject)
	return lok && rok
}

// orderedCmp applies an ordering comparison to any ordered pair.
func orderedCmp[T int64 | float64 | string](op CmpOp, l, r T, fail func() error) (bool, error) {
	switch op {
	case CmpEq:
		return l == r, nil
	case CmpNotEq:
		return l != r, nil
	case CmpLt:
		return l < r, nil
	case CmpLtEq:
		return l <= r, nil
	case CmpGt:
		return l > r, nil
	case CmpGtEq:
		return l >= r, nil
	default:
		return false, fail()
	}
}

// buildVizEvent resolves a viz node reference into an event.
func buildVizEvent(fn *FunctionObject, index int, delta VizDelta) (VizEvent, error) {
	if index >= len(fn.VizNodes) {
		return VizEvent{}, &ArrayIndexOutOfBoundsError{Index: index, Length: len(fn.VizNodes)}
	}
	node := fn.VizNodes[index]

	// The path is "|"-separated; the last segment identifies the
	// node itself.
	segment := node.Path
	if i := strings.LastIndexByte(segment, '|'); i >= 0 {
		segment = segment[i+1:]
	}

	return VizEvent{
		Delta:       delta,
		NodeID:      node.NodeID,
		NodeType:    node.NodeType,
		Label:       node.Label,
		HeaderLevel: node.HeaderLevel,
		PathSegment: segment,
	}, nil
}
