package loader

import "github.com/fortiblox/tapevm/pkg/tvm/bf"

// ResolveJumps pairs every [ with its nesting-matched ] in one pass. The
// result is indexed like ops: bracket entries hold the partner's index and
// all other entries hold bf.NoJump.
func ResolveJumps(ops []bf.Opcode) ([]int, error) {
	jumps := make([]int, len(ops))
	var open []int

	for i, op := range ops {
		jumps[i] = bf.NoJump
		switch op {
		case bf.OpJumpIfZero:
			open = append(open, i)
		case bf.OpJumpIfNotZero:
			if len(open) == 0 {
				return nil, &UnmatchedBracketError{Index: i, Op: op}
			}
			start := open[len(open)-1]
			open = open[:len(open)-1]
			jumps[start] = i
			jumps[i] = start
		}
	}

	if len(open) > 0 {
		// Report the outermost unclosed bracket.
		return nil, &UnmatchedBracketError{Index: open[0], Op: bf.OpJumpIfZero}
	}
	return jumps, nil
}
