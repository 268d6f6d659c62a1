// Package bf implements the tape machine interpreter.
//
// The machine has a flat tape of integer cells, a data pointer into the
// tape and an instruction pointer into a Program. Execution is a single
// iterative fetch-decode-execute loop; loops are resolved through the
// Program's precomputed jump table, so the interpreter never recurses and
// never rescans the code.
//
// Every run is bounded by an instruction ceiling and a bounds-checked tape.
package bf

import (
	"errors"
	"fmt"
	"io"
)

// Defaults.
const (
	DefaultTapeSize        = 30000
	DefaultMaxInstructions = uint64(1_000_000)
)

// EOFSentinel is stored in the current cell when Input finds the source
// exhausted.
const EOFSentinel = int64(-1)

// Errors.
var (
	ErrInstructionBudgetExceeded = errors.New("instruction budget exceeded")
	ErrTapeBoundsExceeded        = errors.New("tape bounds exceeded")
	ErrOutputValueOutOfRange     = errors.New("output value out of range")
	ErrInputFailed               = errors.New("input read failed")
	ErrOutputFailed              = errors.New("output write failed")
	ErrInvalidTapeSize           = errors.New("invalid tape size")
	ErrNilProgram                = errors.New("nil program")
)

// ExecError reports a run that stopped on a failure. Kind is one of the
// package sentinels and is what errors.Is matches against.
type ExecError struct {
	Kind error
	IP   int // instruction pointer of the failing step
	DP   int // data pointer at the time of failure
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%v (ip=%d dp=%d)", e.Err, e.IP, e.DP)
}

// Unwrap returns the detailed error, which itself wraps Kind.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the failure kind.
func (e *ExecError) Is(target error) bool {
	return target == e.Kind
}

// InstructionMeter counts executed instructions against a ceiling.
type InstructionMeter struct {
	count uint64
	limit uint64
}

// NewInstructionMeter creates a meter that allows limit instructions.
func NewInstructionMeter(limit uint64) *InstructionMeter {
	return &InstructionMeter{limit: limit}
}

// Tick records one executed instruction. It fails once the count passes
// the ceiling.
func (m *InstructionMeter) Tick() error {
	m.count++
	if m.count > m.limit {
		return fmt.Errorf("%w: %d instructions, ceiling %d", ErrInstructionBudgetExceeded, m.count, m.limit)
	}
	return nil
}

// Count returns the number of instructions executed.
func (m *InstructionMeter) Count() uint64 {
	return m.count
}

// Remaining returns how many more instructions fit under the ceiling.
func (m *InstructionMeter) Remaining() uint64 {
	if m.count >= m.limit {
		return 0
	}
	return m.limit - m.count
}

// InterpreterOpts configures a run.
type InterpreterOpts struct {
	// TapeSize is the number of cells. Zero selects DefaultTapeSize.
	TapeSize int

	// MaxInstructions is the instruction ceiling. Zero is a real ceiling:
	// the first instruction runs and the run then fails.
	MaxInstructions uint64

	// Input feeds the Input instruction. Nil behaves as an empty source.
	Input ByteSource

	// Output receives the program output once the run stops. Nil discards
	// it; the bytes are still returned in Result.Output.
	Output ByteSink

	// Tracer, if set, observes every step.
	Tracer Tracer
}

// Result describes a finished run. It is returned on failure as well, with
// the output produced before the failing step.
type Result struct {
	Output         []byte
	Instructions   uint64
	MaxDataPointer int
}

// Interpreter executes one Program. The interpreter holds configuration
// only; each call to Run starts from a zeroed tape.
type Interpreter struct {
	program *Program
	opts    InterpreterOpts
	code    string // cached for the tracer
}

// NewInterpreter creates an interpreter for program.
func NewInterpreter(program *Program, opts InterpreterOpts) (*Interpreter, error) {
	if program == nil {
		return nil, ErrNilProgram
	}
	if opts.TapeSize == 0 {
		opts.TapeSize = DefaultTapeSize
	}
	if opts.TapeSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTapeSize, opts.TapeSize)
	}
	ip := &Interpreter{
		program: program,
		opts:    opts,
	}
	if opts.Tracer != nil {
		ip.code = program.Code()
	}
	return ip, nil
}

// machine is the state of a single run.
type machine struct {
	tape  *Tape
	meter *InstructionMeter
	out   []byte
	ip    int
	dp    int
}

// Run executes the program until the instruction pointer passes the last
// opcode or a step fails.
func (ip *Interpreter) Run() (*Result, error) {
	m := &machine{
		tape:  NewTape(ip.opts.TapeSize),
		meter: NewInstructionMeter(ip.opts.MaxInstructions),
	}

	runErr := ip.exec(m)

	res := &Result{
		Output:         m.out,
		Instructions:   m.meter.Count(),
		MaxDataPointer: m.tape.MaxDataPointer(),
	}

	if ip.opts.Output != nil && len(m.out) > 0 {
		if err := ip.opts.Output.WriteBytes(m.out); err != nil && runErr == nil {
			runErr = &ExecError{
				Kind: ErrOutputFailed,
				IP:   m.ip,
				DP:   m.dp,
				Err:  fmt.Errorf("%w: %v", ErrOutputFailed, err),
			}
		}
	}
	return res, runErr
}

func (ip *Interpreter) exec(m *machine) error {
	prog := ip.program
	tape := m.tape
	in := ip.opts.Input
	tracer := ip.opts.Tracer
	n := prog.Len()

	fail := func(kind, err error) error {
		return &ExecError{Kind: kind, IP: m.ip, DP: m.dp, Err: err}
	}

	for m.ip < n {
		pc := m.ip
		switch prog.ops[pc] {
		case OpIncCell:
			tape.cells[m.dp]++
		case OpDecCell:
			tape.cells[m.dp]--
		case OpMoveRight:
			dp, err := tape.Move(m.dp, 1)
			if err != nil {
				return fail(ErrTapeBoundsExceeded, err)
			}
			m.dp = dp
		case OpMoveLeft:
			dp, err := tape.Move(m.dp, -1)
			if err != nil {
				return fail(ErrTapeBoundsExceeded, err)
			}
			m.dp = dp
		case OpJumpIfZero:
			if tape.cells[m.dp] == 0 {
				m.ip = prog.jumps[m.ip]
			}
		case OpJumpIfNotZero:
			if tape.cells[m.dp] != 0 {
				m.ip = prog.jumps[m.ip]
			}
		case OpOutput:
			v := tape.cells[m.dp]
			if v < 0 || v > 255 {
				return fail(ErrOutputValueOutOfRange, fmt.Errorf("%w: cell %d holds %d", ErrOutputValueOutOfRange, m.dp, v))
			}
			m.out = append(m.out, byte(v))
		case OpInput:
			v, err := readCell(in)
			if err != nil {
				return fail(ErrInputFailed, fmt.Errorf("%w: %v", ErrInputFailed, err))
			}
			tape.cells[m.dp] = v
		}

		if tracer != nil {
			tracer.Step(Snapshot{
				IP:   m.ip,
				DP:   m.dp,
				Code: ip.code,
				Tape: tape.Populated(),
			})
		}

		m.ip++
		if err := m.meter.Tick(); err != nil {
			return &ExecError{Kind: ErrInstructionBudgetExceeded, IP: pc, DP: m.dp, Err: err}
		}
	}
	return nil
}

// readCell reads one input byte, mapping end of input to EOFSentinel.
func readCell(in ByteSource) (int64, error) {
	if in == nil {
		return EOFSentinel, nil
	}
	b, err := in.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return EOFSentinel, nil
		}
		return 0, err
	}
	return int64(b), nil
}
