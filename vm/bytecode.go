package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction set
// ---------------------------------------------------------------------------

// Opcode identifies one VM instruction.
type Opcode uint8

const (
	// Load/store
	OpLoadConst   Opcode = iota // A: constant index
	OpLoadVar                   // A: local slot (relative to frame locals offset)
	OpStoreVar                  // A: local slot
	OpLoadGlobal                // A: global index
	OpStoreGlobal               // A: global index
	OpLoadField                 // A: field index
	OpStoreField                // A: field index

	// Stack hygiene
	OpPop        // A: number of slots to drop
	OpCopy       // A: offset from top of stack
	OpPopReplace // A: number of slots to drop below the top value

	// Control
	OpJump        // A: signed offset relative to this instruction
	OpJumpIfFalse // A: signed offset; requires Bool on top of stack

	// Arithmetic/comparison
	OpBinOp   // A: BinOp
	OpCmpOp   // A: CmpOp
	OpUnaryOp // A: UnaryOp

	// Aggregate construction
	OpAllocArray    // A: element count
	OpAllocMap      // A: entry count (pops 2n: values then keys)
	OpAllocInstance // A: class object index
	OpAllocVariant  // A: enum object index (pops variant index)

	// Indexed access
	OpLoadArrayElement
	OpLoadMapElement
	OpStoreArrayElement
	OpStoreMapElement

	// Futures
	OpDispatchFuture // A: argument count
	OpAwait

	// Watch
	OpWatch       // A: local slot, B: variable name index
	OpNotifyWatch // A: local slot

	// Visualization events
	OpVizEnter // A: viz node index
	OpVizExit  // A: viz node index

	// Calls
	OpCall // A: argument count
	OpReturn

	OpAssert
)

// OpcodeInfo describes an opcode for the disassembler and the builder.
type OpcodeInfo struct {
	Name     string
	Operands int // number of operands the instruction carries (0-2)
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpLoadConst:         {"LOAD_CONST", 1},
	OpLoadVar:           {"LOAD_VAR", 1},
	OpStoreVar:          {"STORE_VAR", 1},
	OpLoadGlobal:        {"LOAD_GLOBAL", 1},
	OpStoreGlobal:       {"STORE_GLOBAL", 1},
	OpLoadField:         {"LOAD_FIELD", 1},
	OpStoreField:        {"STORE_FIELD", 1},
	OpPop:               {"POP", 1},
	OpCopy:              {"COPY", 1},
	OpPopReplace:        {"POP_REPLACE", 1},
	OpJump:              {"JUMP", 1},
	OpJumpIfFalse:       {"JUMP_IF_FALSE", 1},
	OpBinOp:             {"BIN_OP", 1},
	OpCmpOp:             {"CMP_OP", 1},
	OpUnaryOp:           {"UNARY_OP", 1},
	OpAllocArray:        {"ALLOC_ARRAY", 1},
	OpAllocMap:          {"ALLOC_MAP", 1},
	OpAllocInstance:     {"ALLOC_INSTANCE", 1},
	OpAllocVariant:      {"ALLOC_VARIANT", 1},
	OpLoadArrayElement:  {"LOAD_ARRAY_ELEMENT", 0},
	OpLoadMapElement:    {"LOAD_MAP_ELEMENT", 0},
	OpStoreArrayElement: {"STORE_ARRAY_ELEMENT", 0},
	OpStoreMapElement:   {"STORE_MAP_ELEMENT", 0},
	OpDispatchFuture:    {"DISPATCH_FUTURE", 1},
	OpAwait:             {"AWAIT", 0},
	OpWatch:             {"WATCH", 2},
	OpNotifyWatch:       {"NOTIFY", 1},
	OpVizEnter:          {"VIZ_ENTER", 1},
	OpVizExit:           {"VIZ_EXIT", 1},
	OpCall:              {"CALL", 1},
	OpReturn:            {"RETURN", 0},
	OpAssert:            {"ASSERT", 0},
}

// Info returns metadata for the opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(%d)", op)}
}

func (op Opcode) String() string { return op.Info().Name }

// Instr is one fixed-width instruction. Operand meaning depends on
// the opcode; unused operands are zero.
type Instr struct {
	Op Opcode
	A  int32
	B  int32
}

// BinOp selects the operation of an OpBinOp instruction.
type BinOp int32

const (
	BinAdd BinOp = iota
	BinSub
	BinMul
	BinDiv
	BinMod
	BinBitAnd
	BinBitOr
	BinBitXor
	BinShl
	BinShr
)

var binOpNames = [...]string{"+", "-", "*", "/", "%", "&", "|", "^", "<<", ">>"}

func (op BinOp) String() string {
	if int(op) < len(binOpNames) {
		return binOpNames[op]
	}
	return "?"
}

// CmpOp selects the operation of an OpCmpOp instruction.
type CmpOp int32

const (
	CmpEq CmpOp = iota
	CmpNotEq
	CmpLt
	CmpLtEq
	CmpGt
	CmpGtEq
	CmpInstanceOf
)

var cmpOpNames = [...]string{"==", "!=", "<", "<=", ">", ">=", "instanceof"}

func (op CmpOp) String() string {
	if int(op) < len(cmpOpNames) {
		return cmpOpNames[op]
	}
	return "?"
}

// UnaryOp selects the operation of an OpUnaryOp instruction.
type UnaryOp int32

const (
	UnaryNot UnaryOp = iota
	UnaryNeg
)

func (op UnaryOp) String() string {
	if op == UnaryNot {
		return "!"
	}
	return "-"
}

// ---------------------------------------------------------------------------
// Bytecode
// ---------------------------------------------------------------------------

// Bytecode is the executable body of one function.
type Bytecode struct {
	Instructions []Instr

	// Constants referenced by OpLoadConst.
	Constants []Value

	// SourceLines maps each instruction to the source line it was
	// compiled from, for stack trace reconstruction. Always the same
	// length as Instructions.
	SourceLines []int32

	// Names referenced by OpWatch operand B: the source-level names
	// of watched variables.
	Names []string
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

// Label marks a jump target to be resolved later. Forward references
// are patched when the label is bound.
type Label struct {
	position int // instruction index, -1 if unbound
	patches  []int
}

// Builder assembles function bytecode, tracking jump labels and
// source lines so tests and embedders can construct programs without
// a front-end.
type Builder struct {
	instructions []Instr
	constants    []Value
	sourceLines  []int32
	names        []string
	line         int32
}

// NewBuilder creates an empty bytecode builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// SetLine sets the source line recorded for subsequently emitted
// instructions.
func (b *Builder) SetLine(line int32) {
	b.line = line
}

// Const appends a constant and returns its index.
func (b *Builder) Const(v Value) int32 {
	b.constants = append(b.constants, v)
	return int32(len(b.constants) - 1)
}

// Name interns a watch variable name and returns its index.
func (b *Builder) Name(name string) int32 {
	for i, n := range b.names {
		if n == name {
			return int32(i)
		}
	}
	b.names = append(b.names, name)
	return int32(len(b.names) - 1)
}

// Emit appends an instruction without operands.
func (b *Builder) Emit(op Opcode) int {
	return b.emit(Instr{Op: op})
}

// Emit1 appends an instruction with one operand.
func (b *Builder) Emit1(op Opcode, a int32) int {
	return b.emit(Instr{Op: op, A: a})
}

// Emit2 appends an instruction with two operands.
func (b *Builder) Emit2(op Opcode, a, a2 int32) int {
	return b.emit(Instr{Op: op, A: a, B: a2})
}

func (b *Builder) emit(instr Instr) int {
	b.instructions = append(b.instructions, instr)
	b.sourceLines = append(b.sourceLines, b.line)
	return len(b.instructions) - 1
}

// NewLabel creates an unbound label.
func (b *Builder) NewLabel() *Label {
	return &Label{position: -1}
}

// EmitJump appends a jump to the given label. If the label is not yet
// bound, the offset is patched when Bind runs.
func (b *Builder) EmitJump(op Opcode, label *Label) int {
	index := b.emit(Instr{Op: op})
	if label.position >= 0 {
		b.instructions[index].A = int32(label.position - index)
	} else {
		label.patches = append(label.patches, index)
	}
	return index
}

// Bind fixes the label at the next instruction position and patches
// every pending jump to it.
func (b *Builder) Bind(label *Label) {
	label.position = len(b.instructions)
	for _, index := range label.patches {
		b.instructions[index].A = int32(label.position - index)
	}
	label.patches = nil
}

// Build returns the assembled bytecode.
func (b *Builder) Build() Bytecode {
	return Bytecode{
		Instructions: b.instructions,
		Constants:    b.constants,
		SourceLines:  b.sourceLines,
		Names:        b.names,
	}
}

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// DisassembleInstruction formats one instruction at the given index.
func DisassembleInstruction(code *Bytecode, index int) string {
	instr := code.Instructions[index]
	info := instr.Op.Info()

	switch instr.Op {
	case OpJump, OpJumpIfFalse:
		return fmt.Sprintf("%04d  %-20s %d (-> %04d)", index, info.Name, instr.A, index+int(instr.A))
	case OpBinOp:
		return fmt.Sprintf("%04d  %-20s %s", index, info.Name, BinOp(instr.A))
	case OpCmpOp:
		return fmt.Sprintf("%04d  %-20s %s", index, info.Name, CmpOp(instr.A))
	case OpUnaryOp:
		return fmt.Sprintf("%04d  %-20s %s", index, info.Name, UnaryOp(instr.A))
	case OpWatch:
		name := ""
		if int(instr.B) < len(code.Names) {
			name = code.Names[instr.B]
		}
		return fmt.Sprintf("%04d  %-20s %d %q", index, info.Name, instr.A, name)
	default:
		switch info.Operands {
		case 0:
			return fmt.Sprintf("%04d  %s", index, info.Name)
		case 1:
			return fmt.Sprintf("%04d  %-20s %d", index, info.Name, instr.A)
		default:
			return fmt.Sprintf("%04d  %-20s %d %d", index, info.Name, instr.A, instr.B)
		}
	}
}

// Disassemble formats a whole function body, one instruction per line.
func Disassemble(code *Bytecode) string {
	var sb strings.Builder
	for i := range code.Instructions {
		sb.WriteString(DisassembleInstruction(code, i))
		sb.WriteByte('\n')
	}
	return sb.String()
}
