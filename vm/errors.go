package vm

import (
	"errors"
	"fmt"
	"strings"
)

// The VM distinguishes two error families.
//
// Internal errors are invariant violations: the bytecode and the VM
// disagree about the program's shape (type mismatches, bad argument
// counts, out-of-range indexing of VM structures). They signal a
// compiler or codegen bug, not a condition user code can reach on
// purpose. The host can still recover from them; they abort the call,
// never the process.
//
// Runtime errors are legitimately reachable by user programs:
// division by zero, stack overflow, failed assertions, missing map
// keys, bad array indices.

// internalError marks the internal family.
type internalError interface {
	error
	internalVMError()
}

// runtimeError marks the runtime family.
type runtimeError interface {
	error
	runtimeVMError()
}

// IsInternal reports whether err belongs to the internal error family.
func IsInternal(err error) bool {
	var ie internalError
	return errors.As(err, &ie)
}

// IsRuntime reports whether err belongs to the runtime error family.
func IsRuntime(err error) bool {
	var re runtimeError
	return errors.As(err, &re)
}

// ---------------------------------------------------------------------------
// Internal errors
// ---------------------------------------------------------------------------

// TypeError is a mismatch between the type the bytecode expects and
// the runtime type it found.
type TypeError struct {
	Expected Type
	Got      Type
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("type error: expected %s, got %s", e.Expected, e.Got)
}

func (e *TypeError) internalVMError() {}

// NegativeInstructionPtrError reports a frame whose instruction
// pointer went negative, which only a miscompiled backward jump can
// produce.
type NegativeInstructionPtrError struct {
	Ptr int64
}

func (e *NegativeInstructionPtrError) Error() string {
	return fmt.Sprintf("negative instruction pointer: %d", e.Ptr)
}

func (e *NegativeInstructionPtrError) internalVMError() {}

// ArrayIndexNegativeError reports a negative array index.
type ArrayIndexNegativeError struct {
	Index int64
}

func (e *ArrayIndexNegativeError) Error() string {
	return fmt.Sprintf("array index is negative: %d", e.Index)
}

func (e *ArrayIndexNegativeError) internalVMError() {}

// ArrayIndexOutOfBoundsError reports an index at or past the end of
// an array (or variant table).
type ArrayIndexOutOfBoundsError struct {
	Index  int
	Length int
}

func (e *ArrayIndexOutOfBoundsError) Error() string {
	return fmt.Sprintf("array index %d out of bounds for length %d", e.Index, e.Length)
}

func (e *ArrayIndexOutOfBoundsError) internalVMError() {}

// InvalidArgumentCountError reports a call whose argument count does
// not match the callee's arity. The callee body never runs.
type InvalidArgumentCountError struct {
	Expected int
	Got      int
}

func (e *InvalidArgumentCountError) Error() string {
	return fmt.Sprintf("invalid argument count: expected %d, got %d", e.Expected, e.Got)
}

func (e *InvalidArgumentCountError) internalVMError() {}

// CannotApplyBinOpError reports a binary operation over operand types
// it is not defined for.
type CannotApplyBinOpError struct {
	Left  Type
	Right Type
	Op    BinOp
}

func (e *CannotApplyBinOpError) Error() string {
	return fmt.Sprintf("cannot apply %s to %s and %s", e.Op, e.Left, e.Right)
}

func (e *CannotApplyBinOpError) internalVMError() {}

// CannotApplyCmpOpError reports a comparison over operand types it is
// not defined for.
type CannotApplyCmpOpError struct {
	Left  Type
	Right Type
	Op    CmpOp
}

func (e *CannotApplyCmpOpError) Error() string {
	return fmt.Sprintf("cannot apply %s to %s and %s", e.Op, e.Left, e.Right)
}

func (e *CannotApplyCmpOpError) internalVMError() {}

// CannotApplyUnaryOpError reports a unary operation over an operand
// type it is not defined for.
type CannotApplyUnaryOpError struct {
	Op    UnaryOp
	Value Type
}

func (e *CannotApplyUnaryOpError) Error() string {
	return fmt.Sprintf("cannot apply %s to %s", e.Op, e.Value)
}

func (e *CannotApplyUnaryOpError) internalVMError() {}

// StackUnderflowError reports a pop from an empty eval stack.
type StackUnderflowError struct{}

func (e *StackUnderflowError) Error() string {
	return "eval stack underflow"
}

func (e *StackUnderflowError) internalVMError() {}

// InternalFault is an internal error with a free-form message, for
// invariant violations that have no dedicated type.
type InternalFault struct {
	Message string
}

func (e *InternalFault) Error() string {
	return e.Message
}

func (e *InternalFault) internalVMError() {}

func internalFaultf(format string, args ...any) *InternalFault {
	return &InternalFault{Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

// DivisionByZeroError carries both operands of the failing division.
type DivisionByZeroError struct {
	Left  Value
	Right Value
}

func (e *DivisionByZeroError) Error() string {
	return "division by zero"
}

func (e *DivisionByZeroError) runtimeVMError() {}

// StackOverflowError reports call-frame depth reaching MaxFrames.
type StackOverflowError struct{}

func (e *StackOverflowError) Error() string {
	return fmt.Sprintf("stack overflow: call depth exceeds %d frames", MaxFrames)
}

func (e *StackOverflowError) runtimeVMError() {}

// AssertionError reports a failed assert.
type AssertionError struct{}

func (e *AssertionError) Error() string {
	return "assertion failed"
}

func (e *AssertionError) runtimeVMError() {}

// NoSuchKeyInMapError reports a map lookup for an absent key. Missing
// keys are an error, never a silent null.
type NoSuchKeyInMapError struct {
	Key string
}

func (e *NoSuchKeyInMapError) Error() string {
	return fmt.Sprintf("no such key in map: %q", e.Key)
}

func (e *NoSuchKeyInMapError) runtimeVMError() {}

// RuntimeFault is a runtime error with a free-form message, used for
// conditions like invalid watch filters or native function failures.
type RuntimeFault struct {
	Message string
}

func (e *RuntimeFault) Error() string {
	return e.Message
}

func (e *RuntimeFault) runtimeVMError() {}

// runtimeFaultf builds a RuntimeFault with a formatted message.
func runtimeFaultf(format string, args ...any) *RuntimeFault {
	return &RuntimeFault{Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Stack traces
// ---------------------------------------------------------------------------

// ErrorLocation is one frame of a reconstructed stack trace.
type ErrorLocation struct {
	FunctionName string
	Line         int32
}

// StackTrace wraps a VM error with the call-stack locations active
// when it occurred, outermost frame first.
type StackTrace struct {
	Err    error
	Frames []ErrorLocation
}

func (t *StackTrace) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v", t.Err)
	for _, loc := range t.Frames {
		fmt.Fprintf(&b, "\n  at %s (line %d)", loc.FunctionName, loc.Line)
	}
	return b.String()
}

func (t *StackTrace) Unwrap() error { return t.Err }
