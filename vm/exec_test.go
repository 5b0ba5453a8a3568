package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// buildFunc registers an empty exec function and returns it together
// with its handle, so bodies can reference their own index.
func buildFunc(p *Program, name string, arity int) (*FunctionObject, ObjectIndex) {
	fn := &FunctionObject{Name: name, Arity: arity, Kind: FunctionExec}
	index := p.AddFunction(fn)
	return fn, index
}

// run executes a zero-argument entry function until completion,
// failing the test on any suspension other than Complete.
func run(t *testing.T, p *Program, entry ObjectIndex, args ...Value) Value {
	t.Helper()

	v := New(p, nil)
	v.SetEntryPoint(entry, args)

	state, err := v.Exec()
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if state.Kind != StateComplete {
		t.Fatalf("Exec() state = %s, want complete", state.Kind)
	}
	return state.Value
}

// ---------------------------------------------------------------------------
// Basic execution
// ---------------------------------------------------------------------------

func TestExecReturnConstant(t *testing.T) {
	p := NewProgram()
	fn, entry := buildFunc(p, "answer", 0)

	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromInt(42)))
	b.Emit(OpReturn)
	fn.Code = b.Build()

	result := run(t, p, entry)
	if !result.Equal(FromInt(42)) {
		t.Errorf("result = %v, want 42", result)
	}
}

func TestExecArithmetic(t *testing.T) {
	tests := []struct {
		name  string
		op    BinOp
		left  Value
		right Value
		want  Value
	}{
		{"int add", BinAdd, FromInt(2), FromInt(3), FromInt(5)},
		{"int sub", BinSub, FromInt(2), FromInt(3), FromInt(-1)},
		{"int mul", BinMul, FromInt(4), FromInt(3), FromInt(12)},
		{"int div", BinDiv, FromInt(7), FromInt(2), FromInt(3)},
		{"int mod", BinMod, FromInt(7), FromInt(2), FromInt(1)},
		{"float add", BinAdd, FromFloat(1.5), FromFloat(2.25), FromFloat(3.75)},
		{"float div", BinDiv, FromFloat(1), FromFloat(2), FromFloat(0.5)},
		{"bit and", BinBitAnd, FromInt(6), FromInt(3), FromInt(2)},
		{"shl", BinShl, FromInt(1), FromInt(4), FromInt(16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProgram()
			fn, entry := buildFunc(p, "binop", 0)

			b := NewBuilder()
			b.Emit1(OpLoadConst, b.Const(tt.left))
			b.Emit1(OpLoadConst, b.Const(tt.right))
			b.Emit1(OpBinOp, int32(tt.op))
			b.Emit(OpReturn)
			fn.Code = b.Build()

			result := run(t, p, entry)
			if !result.Equal(tt.want) {
				t.Errorf("result = %v, want %v", result, tt.want)
			}
		})
	}
}

func TestExecDeterministic(t *testing.T) {
	// A program free of futures and watches completes with the same
	// value on every execution.
	p := NewProgram()
	fn, entry := buildFunc(p, "det", 0)

	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromInt(10)))
	b.Emit1(OpLoadConst, b.Const(FromInt(4)))
	b.Emit1(OpBinOp, int32(BinSub))
	b.Emit1(OpLoadConst, b.Const(FromInt(7)))
	b.Emit1(OpBinOp, int32(BinMul))
	b.Emit(OpReturn)
	fn.Code = b.Build()

	first := run(t, p, entry)
	for i := 0; i < 5; i++ {
		if got := run(t, p, entry); !got.Equal(first) {
			t.Fatalf("run %d: result = %v, want %v", i, got, first)
		}
	}
	if !first.Equal(FromInt(42)) {
		t.Errorf("result = %v, want 42", first)
	}
}

func TestExecDivisionByZero(t *testing.T) {
	p := NewProgram()
	fn, entry := buildFunc(p, "divzero", 0)

	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromInt(6)))
	b.Emit1(OpLoadConst, b.Const(FromInt(0)))
	b.Emit1(OpBinOp, int32(BinDiv))
	b.Emit(OpReturn)
	fn.Code = b.Build()

	v := New(p, nil)
	v.SetEntryPoint(entry, nil)

	_, err := v.Exec()
	var dbz *DivisionByZeroError
	if !errors.As(err, &dbz) {
		t.Fatalf("Exec() error = %v, want DivisionByZeroError", err)
	}
	if !dbz.Left.Equal(FromInt(6)) || !dbz.Right.Equal(FromInt(0)) {
		t.Errorf("operands = %v / %v, want 6 / 0", dbz.Left, dbz.Right)
	}
	if !IsRuntime(err) {
		t.Errorf("IsRuntime(err) = false, want true")
	}
}

func TestExecJumpBackwardLoop(t *testing.T) {
	// sum = 0; i = 5; while i > 0 { sum += i; i -= 1 }; return sum
	p := NewProgram()
	fn, entry := buildFunc(p, "loop", 0)

	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromInt(0))) // local 1: sum
	b.Emit1(OpLoadConst, b.Const(FromInt(5))) // local 2: i

	top := b.NewLabel()
	done := b.NewLabel()

	b.Bind(top)
	b.Emit1(OpLoadVar, 2)
	b.Emit1(OpLoadConst, b.Const(FromInt(0)))
	b.Emit1(OpCmpOp, int32(CmpGt))
	b.EmitJump(OpJumpIfFalse, done)
	b.Emit1(OpPop, 1) // drop the condition

	b.Emit1(OpLoadVar, 1)
	b.Emit1(OpLoadVar, 2)
	b.Emit1(OpBinOp, int32(BinAdd))
	b.Emit1(OpStoreVar, 1)

	b.Emit1(OpLoadVar, 2)
	b.Emit1(OpLoadConst, b.Const(FromInt(1)))
	b.Emit1(OpBinOp, int32(BinSub))
	b.Emit1(OpStoreVar, 2)

	b.EmitJump(OpJump, top)

	b.Bind(done)
	b.Emit1(OpPop, 1) // drop the condition
	b.Emit1(OpLoadVar, 1)
	b.Emit(OpReturn)
	fn.Code = b.Build()

	result := run(t, p, entry)
	if !result.Equal(FromInt(15)) {
		t.Errorf("result = %v, want 15", result)
	}
}

func TestExecJumpIfFalseRequiresBool(t *testing.T) {
	p := NewProgram()
	fn, entry := buildFunc(p, "truthy", 0)

	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromInt(1)))
	label := b.NewLabel()
	b.EmitJump(OpJumpIfFalse, label)
	b.Bind(label)
	b.Emit(OpReturn)
	fn.Code = b.Build()

	v := New(p, nil)
	v.SetEntryPoint(entry, nil)

	_, err := v.Exec()
	var te *TypeError
	if !errors.As(err, &te) {
		t.Fatalf("Exec() error = %v, want TypeError", err)
	}
	if te.Expected != TypeBool || te.Got != TypeInt {
		t.Errorf("TypeError = %v, want bool/int", te)
	}
}

func TestExecStringConcat(t *testing.T) {
	p := NewProgram()
	hello := p.Objects.Insert(&StringObject{Value: "hello, "})
	world := p.Objects.Insert(&StringObject{Value: "world"})

	fn, entry := buildFunc(p, "concat", 0)

	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromObject(hello)))
	b.Emit1(OpLoadConst, b.Const(FromObject(world)))
	b.Emit1(OpBinOp, int32(BinAdd))
	b.Emit(OpReturn)
	fn.Code = b.Build()

	v := New(p, nil)
	v.SetEntryPoint(entry, nil)

	state, err := v.Exec()
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	got, err := v.Objects().AsString(state.Value)
	if err != nil {
		t.Fatalf("result is not a string: %v", err)
	}
	if got != "hello, world" {
		t.Errorf("result = %q, want %q", got, "hello, world")
	}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func TestExecCallAndReturn(t *testing.T) {
	p := NewProgram()

	double, doubleIndex := buildFunc(p, "double", 1)
	db := NewBuilder()
	db.Emit1(OpLoadVar, 1)
	db.Emit1(OpLoadConst, db.Const(FromInt(2)))
	db.Emit1(OpBinOp, int32(BinMul))
	db.Emit(OpReturn)
	double.Code = db.Build()

	entry, entryIndex := buildFunc(p, "main", 0)
	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromObject(doubleIndex)))
	b.Emit1(OpLoadConst, b.Const(FromInt(21)))
	b.Emit1(OpCall, 1)
	b.Emit(OpReturn)
	entry.Code = b.Build()

	result := run(t, p, entryIndex)
	if !result.Equal(FromInt(42)) {
		t.Errorf("result = %v, want 42", result)
	}
}

func TestExecCallWrongArgumentCount(t *testing.T) {
	p := NewProgram()

	// The callee would fail an assertion if it ever executed.
	callee, calleeIndex := buildFunc(p, "strict", 0)
	cb := NewBuilder()
	cb.Emit1(OpLoadConst, cb.Const(FromBool(false)))
	cb.Emit(OpAssert)
	callee.Code = cb.Build()

	entry, entryIndex := buildFunc(p, "main", 0)
	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromObject(calleeIndex)))
	b.Emit1(OpLoadConst, b.Const(FromInt(1)))
	b.Emit1(OpCall, 1)
	b.Emit(OpReturn)
	entry.Code = b.Build()

	v := New(p, nil)
	v.SetEntryPoint(entryIndex, nil)

	_, err := v.Exec()
	var iac *InvalidArgumentCountError
	if !errors.As(err, &iac) {
		t.Fatalf("Exec() error = %v, want InvalidArgumentCountError", err)
	}
	if iac.Expected != 0 || iac.Got != 1 {
		t.Errorf("counts = %d/%d, want 0/1", iac.Expected, iac.Got)
	}
}

func TestExecStackOverflow(t *testing.T) {
	p := NewProgram()
	fn, entry := buildFunc(p, "recurse", 0)

	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromObject(entry)))
	b.Emit1(OpCall, 0)
	b.Emit(OpReturn)
	fn.Code = b.Build()

	v := New(p, nil)
	v.SetEntryPoint(entry, nil)

	_, err := v.Exec()
	var so *StackOverflowError
	if !errors.As(err, &so) {
		t.Fatalf("Exec() error = %v, want StackOverflowError", err)
	}

	// The frame stack stopped at the limit; the 257th callee never
	// started.
	if len(v.frames) != MaxFrames {
		t.Errorf("frame count = %d, want %d", len(v.frames), MaxFrames)
	}
}

func TestExecCallNonCallable(t *testing.T) {
	p := NewProgram()
	fn, entry := buildFunc(p, "main", 0)

	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromInt(3)))
	b.Emit1(OpCall, 0)
	b.Emit(OpReturn)
	fn.Code = b.Build()

	v := New(p, nil)
	v.SetEntryPoint(entry, nil)

	_, err := v.Exec()
	var te *TypeError
	if !errors.As(err, &te) {
		t.Fatalf("Exec() error = %v, want TypeError", err)
	}
	if !IsInternal(err) {
		t.Errorf("IsInternal(err) = false, want true")
	}
}

func TestExecNativeCall(t *testing.T) {
	p := NewProgram()

	nativeIndex := p.AddFunction(&FunctionObject{
		Name:  "host.add",
		Arity: 2,
		Kind:  FunctionNative,
		Native: func(v *VM, args []Value) (Value, error) {
			return FromInt(args[0].Int() + args[1].Int()), nil
		},
	})

	fn, entry := buildFunc(p, "main", 0)
	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromObject(nativeIndex)))
	b.Emit1(OpLoadConst, b.Const(FromInt(40)))
	b.Emit1(OpLoadConst, b.Const(FromInt(2)))
	b.Emit1(OpCall, 2)
	b.Emit(OpReturn)
	fn.Code = b.Build()

	result := run(t, p, entry)
	if !result.Equal(FromInt(42)) {
		t.Errorf("result = %v, want 42", result)
	}
}

// ---------------------------------------------------------------------------
// Aggregates and indexed access
// ---------------------------------------------------------------------------

func TestExecAllocMapAndLookup(t *testing.T) {
	p := NewProgram()
	keyA := p.Objects.Insert(&StringObject{Value: "a"})
	keyB := p.Objects.Insert(&StringObject{Value: "b"})

	fn, entry := buildFunc(p, "mapfn", 0)

	// Values pushed first, then keys.
	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromInt(1)))
	b.Emit1(OpLoadConst, b.Const(FromInt(2)))
	b.Emit1(OpLoadConst, b.Const(FromObject(keyA)))
	b.Emit1(OpLoadConst, b.Const(FromObject(keyB)))
	b.Emit1(OpAllocMap, 2)
	b.Emit1(OpCopy, 0)
	b.Emit1(OpLoadConst, b.Const(FromObject(keyB)))
	b.Emit(OpLoadMapElement)
	b.Emit(OpReturn)
	fn.Code = b.Build()

	result := run(t, p, entry)
	if !result.Equal(FromInt(2)) {
		t.Errorf(`map["b"] = %v, want 2`, result)
	}
}

func TestExecMapMissingKey(t *testing.T) {
	p := NewProgram()
	keyA := p.Objects.Insert(&StringObject{Value: "a"})
	keyC := p.Objects.Insert(&StringObject{Value: "c"})

	fn, entry := buildFunc(p, "mapfn", 0)

	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromInt(1)))
	b.Emit1(OpLoadConst, b.Const(FromObject(keyA)))
	b.Emit1(OpAllocMap, 1)
	b.Emit1(OpLoadConst, b.Const(FromObject(keyC)))
	b.Emit(OpLoadMapElement)
	b.Emit(OpReturn)
	fn.Code = b.Build()

	v := New(p, nil)
	v.SetEntryPoint(entry, nil)

	_, err := v.Exec()
	var missing *NoSuchKeyInMapError
	if !errors.As(err, &missing) {
		t.Fatalf("Exec() error = %v, want NoSuchKeyInMapError", err)
	}
	if missing.Key != "c" {
		t.Errorf("key = %q, want %q", missing.Key, "c")
	}
}

func TestExecArrayIndexErrors(t *testing.T) {
	build := func(index int64) (*VM, error) {
		p := NewProgram()
		fn, entry := buildFunc(p, "arr", 0)

		b := NewBuilder()
		b.Emit1(OpLoadConst, b.Const(FromInt(10)))
		b.Emit1(OpAllocArray, 1)
		b.Emit1(OpLoadConst, b.Const(FromInt(index)))
		b.Emit(OpLoadArrayElement)
		b.Emit(OpReturn)
		fn.Code = b.Build()

		v := New(p, nil)
		v.SetEntryPoint(entry, nil)
		_, err := v.Exec()
		return v, err
	}

	// Negative and out-of-bounds are distinct error kinds.
	_, err := build(-1)
	var neg *ArrayIndexNegativeError
	if !errors.As(err, &neg) {
		t.Fatalf("index -1: error = %v, want ArrayIndexNegativeError", err)
	}

	_, err = build(3)
	var oob *ArrayIndexOutOfBoundsError
	if !errors.As(err, &oob) {
		t.Fatalf("index 3: error = %v, want ArrayIndexOutOfBoundsError", err)
	}
	if oob.Index != 3 || oob.Length != 1 {
		t.Errorf("oob = %d/%d, want 3/1", oob.Index, oob.Length)
	}
}

func TestExecInstanceFields(t *testing.T) {
	p := NewProgram()
	classIndex := p.AddClass(&ClassObject{Name: "Point", FieldNames: []string{"x", "y"}})

	fn, entry := buildFunc(p, "mkpoint", 0)

	b := NewBuilder()
	b.Emit1(OpAllocInstance, int32(classIndex))
	b.Emit1(OpCopy, 0)
	b.Emit1(OpLoadConst, b.Const(FromInt(7)))
	b.Emit1(OpStoreField, 0)
	b.Emit1(OpLoadField, 0)
	b.Emit(OpReturn)
	fn.Code = b.Build()

	result := run(t, p, entry)
	if !result.Equal(FromInt(7)) {
		t.Errorf("point.x = %v, want 7", result)
	}
}

func TestExecInstanceOf(t *testing.T) {
	p := NewProgram()
	pointClass := p.AddClass(&ClassObject{Name: "Point", FieldNames: []string{"x"}})
	otherClass := p.AddClass(&ClassObject{Name: "Other"})

	build := func(class ObjectIndex) Value {
		fn := &FunctionObject{Name: "iof", Kind: FunctionExec}
		entry := p.AddFunction(fn)

		b := NewBuilder()
		b.Emit1(OpAllocInstance, int32(pointClass))
		b.Emit1(OpLoadConst, b.Const(FromObject(class)))
		b.Emit1(OpCmpOp, int32(CmpInstanceOf))
		b.Emit(OpReturn)
		fn.Code = b.Build()

		return run(t, p, entry)
	}

	if got := build(pointClass); !got.Equal(FromBool(true)) {
		t.Errorf("instanceof same class = %v, want true", got)
	}
	if got := build(otherClass); !got.Equal(FromBool(false)) {
		t.Errorf("instanceof other class = %v, want false", got)
	}
}

func TestExecAllocVariantBounds(t *testing.T) {
	p := NewProgram()
	enumIndex := p.AddEnum(&EnumObject{Name: "Color", VariantNames: []string{"Red", "Green"}})

	fn, entry := buildFunc(p, "variant", 0)
	b := NewBuilder()
	b.Emit1(OpLoadConst, b.Const(FromInt(5)))
	b.Emit1(OpAllocVariant, int32(enumIndex))
	b.Emit(OpReturn)
	fn.Code = b.Build()

	v := New(p, nil)
	v.SetEntryPoint(entry, nil)

	_, err := v.Exec()
	var oob *ArrayIndexOutOfBoundsError
	if !errors.As(err, &oob) {
		t.Fatalf("Exec() error = %v, want ArrayIndexOutOfBoundsError", err)
	}
}

// ---------------------------------------------------------------------------
// Assert
// ---------------------------------------------------------------------------

func TestExecAssert(t *testing.T) {
	build := func(condition Value) error {
		p := NewProgram()
		fn, entry := buildFunc(p, "check", 0)

		b := NewBuilder()
		b.Emit1(OpLoadConst, b.Const(condition))
		b.Emit(OpAssert)
		b.Emit1(OpLoadConst, b.Const(Null))
		b.Emit(OpReturn)
		fn.Code = b.Build()

		v := New(p, nil)
		v.SetEntryPoint(entry, nil)
		_, err := v.Exec()
		return err
	}

	if err := build(FromBool(true)); err != nil {
		t.Errorf("assert true: error = %v, want nil", err)
	}

	var ae *AssertionError
	if err := build(FromBool(false)); !errors.As(err, &ae) {
		t.Errorf("assert false: error = %v, want AssertionError", err)
	}

	var te *TypeError
	if err := build(FromInt(1)); !errors.As(err, &te) {
		t.Errorf("assert int: error = %v, want TypeError", err)
	}
}

// ---------------------------------------------------------------------------
// Stack traces
// ---------------------------------------------------------------------------

func TestStackTraceLines(t *testing.T) {
	p := NewProgram()

	inner, innerIndex := buildFunc(p, "inner", 0)
	ib := NewBuilder()
	ib.SetLine(12)
	ib.Emit1(OpLoadConst, ib.Const(FromInt(1)))
	ib.Emit1(OpLoadConst, ib.Const(FromInt(0)))
	ib.SetLine(13)
	ib.Emit1(OpBinOp, int32(BinDiv))
	ib.Emit(OpReturn)
	inner.Code = ib.Build()

	outer, outerIndex := buildFunc(p, "outer", 0)
	ob := NewBuilder()
	ob.SetLine(3)
	ob.Emit1(OpLoadConst, ob.Const(FromObject(innerIndex)))
	ob.Emit1(OpCall, 0)
	ob.Emit(OpReturn)
	outer.Code = ob.Build()

	v := New(p, nil)
	v.SetEntryPoint(outerIndex, nil)

	_, err := v.Exec()
	if err == nil {
		t.Fatal("Exec() error = nil, want DivisionByZeroError")
	}

	trace := v.StackTrace(err)
	if len(trace.Frames) != 2 {
		t.Fatalf("trace has %d frames, want 2", len(trace.Frames))
	}
	if trace.Frames[0].FunctionName != "outer" || trace.Frames[0].Line != 3 {
		t.Errorf("outer frame = %+v, want outer line 3", trace.Frames[0])
	}
	if trace.Frames[1].FunctionName != "inner" || trace.Frames[1].Line != 13 {
		t.Errorf("inner frame = %+v, want inner line 13", trace.Frames[1])
	}
}
