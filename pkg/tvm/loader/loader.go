// Package loader turns tape machine source text into executable programs.
//
// Loading is a pure function of the source:
// - every byte that is not one of the eight operators is dropped
// - the number of [ must equal the number of ]
// - each bracket is paired with its nesting-matched counterpart
//
// The resulting bf.Program carries the jump table, so the interpreter
// never scans for brackets at run time.
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fortiblox/tapevm/pkg/tvm/bf"
)

// Loader errors.
var (
	ErrUnbalancedControlFlow = errors.New("unbalanced control flow")
	ErrUnmatchedBracket      = errors.New("unmatched bracket")
	ErrTooLarge              = errors.New("source too large")
)

// MaxSourceSize bounds LoadFile and LoadReader.
const MaxSourceSize = 16 * 1024 * 1024

// UnmatchedBracketError reports a bracket with no partner. Index is the
// position in the cleaned opcode sequence.
type UnmatchedBracketError struct {
	Index int
	Op    bf.Opcode
}

func (e *UnmatchedBracketError) Error() string {
	return fmt.Sprintf("%v: %c at %d", ErrUnmatchedBracket, e.Op.Char(), e.Index)
}

// Is matches ErrUnmatchedBracket.
func (e *UnmatchedBracketError) Is(target error) bool {
	return target == ErrUnmatchedBracket
}

// Load cleans and validates source and returns the program.
func Load(source string) (*bf.Program, error) {
	ops := Parse(source)

	opens, closes := 0, 0
	for _, op := range ops {
		switch op {
		case bf.OpJumpIfZero:
			opens++
		case bf.OpJumpIfNotZero:
			closes++
		}
	}
	if opens != closes {
		return nil, fmt.Errorf("%w: %d '[' and %d ']'", ErrUnbalancedControlFlow, opens, closes)
	}

	jumps, err := ResolveJumps(ops)
	if err != nil {
		return nil, err
	}
	return bf.NewProgram(ops, jumps)
}

// LoadBytes is Load for a byte slice.
func LoadBytes(source []byte) (*bf.Program, error) {
	return Load(string(source))
}

// LoadReader reads at most MaxSourceSize bytes from r and loads them.
func LoadReader(r io.Reader) (*bf.Program, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSourceSize+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if len(data) > MaxSourceSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxSourceSize)
	}
	return LoadBytes(data)
}

// LoadFile loads the program stored at path.
func LoadFile(path string) (*bf.Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	return LoadReader(f)
}

// Parse returns the opcodes of source in order, ignoring every other byte.
func Parse(source string) []bf.Opcode {
	ops := make([]bf.Opcode, 0, len(source))
	for i := 0; i < len(source); i++ {
		if op, ok := bf.OpcodeFromChar(source[i]); ok {
			ops = append(ops, op)
		}
	}
	return ops
}

// Clean returns source with every non-operator byte removed.
func Clean(source string) string {
	buf := make([]byte, 0, len(source))
	for i := 0; i < len(source); i++ {
		if _, ok := bf.OpcodeFromChar(source[i]); ok {
			buf = append(buf, source[i])
		}
	}
	return string(buf)
}
