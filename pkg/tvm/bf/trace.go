package bf

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Snapshot is the machine state after one step, before the instruction
// pointer advances. Tape aliases live memory and is only valid for the
// duration of the Tracer call.
type Snapshot struct {
	IP   int
	DP   int
	Code string
	Tape []int64
}

// Tracer observes execution one step at a time. It cannot affect the run.
type Tracer interface {
	Step(s Snapshot)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(s Snapshot)

// Step implements Tracer.
func (f TracerFunc) Step(s Snapshot) {
	f(s)
}

// TextTracer renders each step as the code, the populated tape and a caret
// line marking the instruction and data pointers:
//
//	+>+    001 001
//	  ^        ^^^
type TextTracer struct {
	w   *bufio.Writer
	err error
}

// NewTextTracer returns a TextTracer writing to w. Call Flush when the run
// is over.
func NewTextTracer(w io.Writer) *TextTracer {
	return &TextTracer{w: bufio.NewWriter(w)}
}

// Step implements Tracer.
func (t *TextTracer) Step(s Snapshot) {
	if t.err != nil {
		return
	}
	var b strings.Builder
	b.WriteString(s.Code)
	b.WriteString("    ")
	for _, c := range s.Tape {
		fmt.Fprintf(&b, "%03d ", c)
	}
	b.WriteByte('\n')

	b.WriteString(strings.Repeat(" ", s.IP))
	b.WriteByte('^')
	b.WriteString(strings.Repeat(" ", len(s.Code)-s.IP))
	b.WriteString("   ")
	b.WriteString(strings.Repeat("    ", s.DP))
	b.WriteString("^^^\n\n")

	_, t.err = t.w.WriteString(b.String())
}

// Flush writes any buffered trace output.
func (t *TextTracer) Flush() error {
	if t.err != nil {
		return t.err
	}
	return t.w.Flush()
}

// Err returns the first write error, if any.
func (t *TextTracer) Err() error {
	return t.err
}
