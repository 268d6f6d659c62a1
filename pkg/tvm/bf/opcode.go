package bf

// Opcode is a single tape machine instruction.
type Opcode uint8

// Opcodes, one per source operator.
const (
	OpIncCell       Opcode = iota // + : current cell += 1
	OpDecCell                     // - : current cell -= 1
	OpMoveRight                   // > : data pointer += 1
	OpMoveLeft                    // < : data pointer -= 1
	OpJumpIfZero                  // [ : jump past matching ] if cell == 0
	OpJumpIfNotZero               // ] : jump back to matching [ if cell != 0
	OpOutput                      // . : emit cell as a byte
	OpInput                       // , : read a byte into cell

	numOpcodes
)

// Operators lists the source characters in opcode order.
const Operators = "+-><[].,"

var opcodeNames = [numOpcodes]string{
	OpIncCell:       "IncCell",
	OpDecCell:       "DecCell",
	OpMoveRight:     "MoveRight",
	OpMoveLeft:      "MoveLeft",
	OpJumpIfZero:    "JumpIfZero",
	OpJumpIfNotZero: "JumpIfNotZero",
	OpOutput:        "Output",
	OpInput:         "Input",
}

// charToOpcode maps source bytes to opcodes. Entries for non-operator
// bytes are numOpcodes.
var charToOpcode [256]Opcode

func init() {
	for i := range charToOpcode {
		charToOpcode[i] = numOpcodes
	}
	for i := 0; i < len(Operators); i++ {
		charToOpcode[Operators[i]] = Opcode(i)
	}
}

// OpcodeFromChar returns the opcode for a source character. The second
// result is false for characters that are not operators.
func OpcodeFromChar(c byte) (Opcode, bool) {
	op := charToOpcode[c]
	return op, op != numOpcodes
}

// Valid reports whether op is one of the eight opcodes.
func (op Opcode) Valid() bool {
	return op < numOpcodes
}

// Char returns the source character for op.
func (op Opcode) Char() byte {
	if !op.Valid() {
		return '?'
	}
	return Operators[op]
}

// String returns the opcode name.
func (op Opcode) String() string {
	if !op.Valid() {
		return "Invalid"
	}
	return opcodeNames[op]
}

// IsJump reports whether op is a conditional jump.
func (op Opcode) IsJump() bool {
	return op == OpJumpIfZero || op == OpJumpIfNotZero
}
