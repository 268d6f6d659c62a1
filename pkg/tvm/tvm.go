// Package tvm is the entry point to the tape virtual machine.
//
// A Machine couples a loaded program with an input source and an optional
// output sink:
// - source text is loaded and validated once, in New
// - every Run starts from a fresh tape and instruction counter
// - without an output sink, Run returns the program output as a string
//
// The building blocks live in sub-packages: loader (source to program) and
// bf (program, interpreter, I/O adapters, tracing).
package tvm

import (
	"errors"
	"io"
	"os"

	"github.com/fortiblox/tapevm/pkg/tvm/bf"
	"github.com/fortiblox/tapevm/pkg/tvm/loader"
)

// Error kinds as reported in logs, run records and RPC responses.
const (
	KindNone                  = ""
	KindUnbalancedControlFlow = "UnbalancedControlFlow"
	KindUnmatchedBracket      = "UnmatchedBracket"
	KindInstructionBudget     = "InstructionBudgetExceeded"
	KindTapeBounds            = "TapeBoundsExceeded"
	KindOutputRange           = "OutputValueOutOfRange"
	KindInput                 = "InputFailed"
	KindOutput                = "OutputFailed"
	KindInternal              = "Internal"
)

// ErrorKind classifies err into one of the Kind constants.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, loader.ErrUnbalancedControlFlow):
		return KindUnbalancedControlFlow
	case errors.Is(err, loader.ErrUnmatchedBracket):
		return KindUnmatchedBracket
	case errors.Is(err, bf.ErrInstructionBudgetExceeded):
		return KindInstructionBudget
	case errors.Is(err, bf.ErrTapeBoundsExceeded):
		return KindTapeBounds
	case errors.Is(err, bf.ErrOutputValueOutOfRange):
		return KindOutputRange
	case errors.Is(err, bf.ErrInputFailed):
		return KindInput
	case errors.Is(err, bf.ErrOutputFailed):
		return KindOutput
	default:
		return KindInternal
	}
}

// IsLoadError reports whether err came from loading source text.
func IsLoadError(err error) bool {
	k := ErrorKind(err)
	return k == KindUnbalancedControlFlow || k == KindUnmatchedBracket
}

// RunConfig holds the per-run limits.
type RunConfig struct {
	// TapeSize is the number of cells.
	TapeSize int

	// MaxInstructions is the instruction ceiling.
	MaxInstructions uint64

	// Trace enables the step trace.
	Trace bool

	// TraceWriter receives the trace. Defaults to os.Stderr.
	TraceWriter io.Writer
}

// DefaultRunConfig returns the standard limits: 30000 cells and one
// million instructions, no trace.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		TapeSize:        bf.DefaultTapeSize,
		MaxInstructions: bf.DefaultMaxInstructions,
	}
}

// Option configures a Machine.
type Option func(*Machine)

// WithInput reads program input from r.
func WithInput(r io.Reader) Option {
	return func(m *Machine) {
		m.input = r
		m.inputString = nil
	}
}

// WithInputString feeds s as program input. Each Run sees all of s.
func WithInputString(s string) Option {
	return func(m *Machine) {
		m.input = nil
		m.inputString = &s
	}
}

// WithOutput writes program output to w instead of returning it.
func WithOutput(w io.Writer) Option {
	return func(m *Machine) {
		m.output = w
	}
}

// Machine is a loaded program bound to its I/O.
type Machine struct {
	program     *bf.Program
	input       io.Reader
	inputString *string
	output      io.Writer
}

// New loads source and returns a Machine reading from stdin with no output
// sink, unless options say otherwise.
func New(source string, opts ...Option) (*Machine, error) {
	prog, err := loader.Load(source)
	if err != nil {
		return nil, err
	}
	return NewFromProgram(prog, opts...), nil
}

// NewFromProgram binds an already loaded program.
func NewFromProgram(prog *bf.Program, opts ...Option) *Machine {
	m := &Machine{
		program: prog,
		input:   os.Stdin,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Program returns the loaded program.
func (m *Machine) Program() *bf.Program {
	return m.program
}

// Run executes the program. When the Machine has no output sink the output
// is returned; otherwise it is written to the sink and the returned string
// is empty. On failure the output produced before the failing step is still
// returned or written.
func (m *Machine) Run(cfg RunConfig) (string, error) {
	opts := bf.InterpreterOpts{
		TapeSize:        cfg.TapeSize,
		MaxInstructions: cfg.MaxInstructions,
	}

	switch {
	case m.inputString != nil:
		opts.Input = bf.NewStringSource(*m.inputString)
	case m.input != nil:
		opts.Input = bf.NewStreamSource(m.input)
	}

	if m.output != nil {
		opts.Output = bf.NewStreamSink(m.output)
	}

	var tracer *bf.TextTracer
	if cfg.Trace {
		w := cfg.TraceWriter
		if w == nil {
			w = os.Stderr
		}
		tracer = bf.NewTextTracer(w)
		opts.Tracer = tracer
	}

	vm, err := bf.NewInterpreter(m.program, opts)
	if err != nil {
		return "", err
	}
	res, runErr := vm.Run()
	if tracer != nil {
		// Trace output is diagnostic; its failures never change the result.
		_ = tracer.Flush()
	}

	if m.output != nil {
		return "", runErr
	}
	return string(res.Output), runErr
}

// Run loads source and runs it once with input and the default limits,
// returning the output.
func Run(source, input string) (string, error) {
	m, err := New(source, WithInputString(input))
	if err != nil {
		return "", err
	}
	return m.Run(DefaultRunConfig())
}
