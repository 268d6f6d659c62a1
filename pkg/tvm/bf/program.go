package bf

import (
	"errors"
	"fmt"
)

// ErrInvalidProgram is returned by NewProgram when the jump table does not
// describe a valid bracket pairing for the opcode sequence.
var ErrInvalidProgram = errors.New("invalid program")

// NoJump marks jump table entries of non-jump opcodes.
const NoJump = -1

// Program is a validated opcode sequence plus its jump table.
//
// A Program is immutable once built and may be shared by any number of
// concurrent runs.
type Program struct {
	ops   []Opcode
	jumps []int
}

// NewProgram builds a Program from opcodes and a jump table indexed like
// ops. Both slices are copied. Each [ and its nesting-matched ] must map to
// each other; all other entries must be NoJump.
func NewProgram(ops []Opcode, jumps []int) (*Program, error) {
	if len(ops) != len(jumps) {
		return nil, fmt.Errorf("%w: %d opcodes but %d jump entries", ErrInvalidProgram, len(ops), len(jumps))
	}

	var open []int
	for i, op := range ops {
		if !op.Valid() {
			return nil, fmt.Errorf("%w: opcode %d at %d", ErrInvalidProgram, op, i)
		}
		switch op {
		case OpJumpIfZero:
			open = append(open, i)
		case OpJumpIfNotZero:
			if len(open) == 0 {
				return nil, fmt.Errorf("%w: ] at %d has no matching [", ErrInvalidProgram, i)
			}
			start := open[len(open)-1]
			open = open[:len(open)-1]
			if jumps[start] != i || jumps[i] != start {
				return nil, fmt.Errorf("%w: jump pair %d <-> %d does not nest", ErrInvalidProgram, start, i)
			}
		default:
			if jumps[i] != NoJump {
				return nil, fmt.Errorf("%w: jump entry on %s at %d", ErrInvalidProgram, op, i)
			}
		}
	}
	if len(open) > 0 {
		return nil, fmt.Errorf("%w: [ at %d has no matching ]", ErrInvalidProgram, open[len(open)-1])
	}

	p := &Program{
		ops:   make([]Opcode, len(ops)),
		jumps: make([]int, len(jumps)),
	}
	copy(p.ops, ops)
	copy(p.jumps, jumps)
	return p, nil
}

// Len returns the number of opcodes.
func (p *Program) Len() int {
	return len(p.ops)
}

// At returns the opcode at index i.
func (p *Program) At(i int) Opcode {
	return p.ops[i]
}

// Jump returns the paired index for the jump opcode at i, or NoJump.
func (p *Program) Jump(i int) int {
	return p.jumps[i]
}

// Loops returns the number of bracket pairs.
func (p *Program) Loops() int {
	n := 0
	for _, op := range p.ops {
		if op == OpJumpIfZero {
			n++
		}
	}
	return n
}

// Opcodes returns a copy of the opcode sequence.
func (p *Program) Opcodes() []Opcode {
	out := make([]Opcode, len(p.ops))
	copy(out, p.ops)
	return out
}

// JumpTable returns a copy of the jump table.
func (p *Program) JumpTable() []int {
	out := make([]int, len(p.jumps))
	copy(out, p.jumps)
	return out
}

// Code returns the cleaned source text of the program.
func (p *Program) Code() string {
	buf := make([]byte, len(p.ops))
	for i, op := range p.ops {
		buf[i] = op.Char()
	}
	return string(buf)
}
