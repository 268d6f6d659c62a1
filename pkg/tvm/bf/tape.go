package bf

import "fmt"

// Tape is the flat cell memory of one run. It is not a ring: the data
// pointer must stay within [0, Len()).
type Tape struct {
	cells []int64
	maxDP int
}

// NewTape returns a zeroed tape of size cells.
func NewTape(size int) *Tape {
	return &Tape{cells: make([]int64, size)}
}

// Len returns the number of cells.
func (t *Tape) Len() int {
	return len(t.cells)
}

// Cell returns the value at dp. dp must be in range.
func (t *Tape) Cell(dp int) int64 {
	return t.cells[dp]
}

// Set stores v at dp. dp must be in range.
func (t *Tape) Set(dp int, v int64) {
	t.cells[dp] = v
}

// Move returns dp+delta, or ErrTapeBoundsExceeded if that falls outside the
// tape.
func (t *Tape) Move(dp, delta int) (int, error) {
	next := dp + delta
	if next < 0 || next >= len(t.cells) {
		return dp, fmt.Errorf("%w: data pointer %d outside [0, %d)", ErrTapeBoundsExceeded, next, len(t.cells))
	}
	if next > t.maxDP {
		t.maxDP = next
	}
	return next, nil
}

// MaxDataPointer returns the highest index the data pointer has reached.
func (t *Tape) MaxDataPointer() int {
	return t.maxDP
}

// Populated returns the cells from 0 through MaxDataPointer. The slice
// aliases the tape.
func (t *Tape) Populated() []int64 {
	return t.cells[:t.maxDP+1]
}
