package bf

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// compile builds a Program without the loader package.
func compile(t *testing.T, code string) *Program {
	t.Helper()
	var ops []Opcode
	for i := 0; i < len(code); i++ {
		if op, ok := OpcodeFromChar(code[i]); ok {
			ops = append(ops, op)
		}
	}
	jumps := make([]int, len(ops))
	var open []int
	for i, op := range ops {
		jumps[i] = NoJump
		switch op {
		case OpJumpIfZero:
			open = append(open, i)
		case OpJumpIfNotZero:
			start := open[len(open)-1]
			open = open[:len(open)-1]
			jumps[start], jumps[i] = i, start
		}
	}
	prog, err := NewProgram(ops, jumps)
	if err != nil {
		t.Fatalf("NewProgram(%q) failed: %v", code, err)
	}
	return prog
}

func run(t *testing.T, code, input string, opts InterpreterOpts) (*Result, error) {
	t.Helper()
	if opts.Input == nil {
		opts.Input = NewStringSource(input)
	}
	if opts.MaxInstructions == 0 {
		opts.MaxInstructions = DefaultMaxInstructions
	}
	vm, err := NewInterpreter(compile(t, code), opts)
	if err != nil {
		t.Fatalf("NewInterpreter failed: %v", err)
	}
	return vm.Run()
}

// TestInstructionMeter tests the instruction meter.
func TestInstructionMeter(t *testing.T) {
	m := NewInstructionMeter(2)

	if m.Remaining() != 2 {
		t.Errorf("Remaining() = %d, want 2", m.Remaining())
	}
	if err := m.Tick(); err != nil {
		t.Errorf("Tick() 1 failed: %v", err)
	}
	if err := m.Tick(); err != nil {
		t.Errorf("Tick() 2 failed: %v", err)
	}
	if m.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", m.Remaining())
	}
	if err := m.Tick(); !errors.Is(err, ErrInstructionBudgetExceeded) {
		t.Errorf("Tick() 3 = %v, want ErrInstructionBudgetExceeded", err)
	}
	if m.Count() != 3 {
		t.Errorf("Count() = %d, want 3", m.Count())
	}
}

// TestTape tests tape bounds.
func TestTape(t *testing.T) {
	tape := NewTape(3)

	dp, err := tape.Move(0, 1)
	if err != nil || dp != 1 {
		t.Fatalf("Move(0, 1) = %d, %v", dp, err)
	}
	dp, err = tape.Move(dp, 1)
	if err != nil || dp != 2 {
		t.Fatalf("Move(1, 1) = %d, %v", dp, err)
	}
	if _, err := tape.Move(dp, 1); !errors.Is(err, ErrTapeBoundsExceeded) {
		t.Errorf("Move(2, 1) = %v, want ErrTapeBoundsExceeded", err)
	}
	if _, err := tape.Move(0, -1); !errors.Is(err, ErrTapeBoundsExceeded) {
		t.Errorf("Move(0, -1) = %v, want ErrTapeBoundsExceeded", err)
	}
	if tape.MaxDataPointer() != 2 {
		t.Errorf("MaxDataPointer() = %d, want 2", tape.MaxDataPointer())
	}
	if len(tape.Populated()) != 3 {
		t.Errorf("len(Populated()) = %d, want 3", len(tape.Populated()))
	}
}

// TestOpcodes tests the character mapping.
func TestOpcodes(t *testing.T) {
	for i := 0; i < len(Operators); i++ {
		op, ok := OpcodeFromChar(Operators[i])
		if !ok {
			t.Fatalf("OpcodeFromChar(%q) not an operator", Operators[i])
		}
		if op.Char() != Operators[i] {
			t.Errorf("Char() = %q, want %q", op.Char(), Operators[i])
		}
	}
	if _, ok := OpcodeFromChar('a'); ok {
		t.Error("OpcodeFromChar('a') reported an operator")
	}
	if OpJumpIfZero.String() != "JumpIfZero" {
		t.Errorf("String() = %q", OpJumpIfZero.String())
	}
	if !OpJumpIfNotZero.IsJump() || OpOutput.IsJump() {
		t.Error("IsJump() mismatch")
	}
}

// TestNewProgramRejectsBadTables tests jump table validation.
func TestNewProgramRejectsBadTables(t *testing.T) {
	ops := []Opcode{OpJumpIfZero, OpJumpIfZero, OpJumpIfNotZero, OpJumpIfNotZero}
	tests := []struct {
		name  string
		ops   []Opcode
		jumps []int
	}{
		{"length mismatch", ops, []int{3, 2, 1}},
		{"crossed pairs", ops, []int{2, 3, 0, 1}},
		{"asymmetric", ops, []int{3, 2, 1, 1}},
		{"jump on plain op", []Opcode{OpIncCell}, []int{0}},
		{"invalid opcode", []Opcode{numOpcodes}, []int{NoJump}},
		{"unclosed", []Opcode{OpJumpIfZero}, []int{NoJump}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProgram(tt.ops, tt.jumps); !errors.Is(err, ErrInvalidProgram) {
				t.Errorf("NewProgram() = %v, want ErrInvalidProgram", err)
			}
		})
	}
}

// TestInterpreterOps tests each opcode.
func TestInterpreterOps(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		input string
		want  string
	}{
		{"inc and output", strings.Repeat("+", 65) + ".", "", "A"},
		{"dec", strings.Repeat("+", 66) + "-.", "", "A"},
		{"move", "+>++<.>.", "", "\x01\x02"},
		{"skip loop on zero", "[+++.]+.", "", "\x01"},
		{"loop", "+++[>++<-]>.", "", "\x06"},
		{"nested loop", "++[>++[>++<-]<-]>>.", "", "\x08"},
		{"echo", ",.,.", "hi", "hi"},
		{"echo until eof", ",+[-.,+]", "abc", "abc"},
		{"empty program", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := run(t, tt.code, tt.input, InterpreterOpts{})
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if string(res.Output) != tt.want {
				t.Errorf("Output = %q, want %q", res.Output, tt.want)
			}
		})
	}
}

// TestInputEOFSentinel tests that exhausted input stores -1.
func TestInputEOFSentinel(t *testing.T) {
	var last int64
	tracer := TracerFunc(func(s Snapshot) {
		last = s.Tape[s.DP]
	})

	if _, err := run(t, ",", "", InterpreterOpts{Tracer: tracer}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if last != EOFSentinel {
		t.Errorf("cell after EOF = %d, want %d", last, EOFSentinel)
	}

	// A nil source behaves as empty input.
	vm, err := NewInterpreter(compile(t, ",+."), InterpreterOpts{MaxInstructions: 10})
	if err != nil {
		t.Fatalf("NewInterpreter failed: %v", err)
	}
	res, err := vm.Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !bytes.Equal(res.Output, []byte{0}) {
		t.Errorf("Output = %v, want [0]", res.Output)
	}
}

type failingSource struct{}

func (failingSource) ReadByte() (byte, error) {
	return 0, io.ErrUnexpectedEOF
}

// TestInputError tests that read failures other than EOF are reported.
func TestInputError(t *testing.T) {
	_, err := run(t, ",", "", InterpreterOpts{Input: failingSource{}})
	if !errors.Is(err, ErrInputFailed) {
		t.Errorf("Run() = %v, want ErrInputFailed", err)
	}
}

// TestInstructionBudget tests the ceiling.
func TestInstructionBudget(t *testing.T) {
	t.Run("zero ceiling", func(t *testing.T) {
		sink := &StringSink{}
		vm, err := NewInterpreter(compile(t, "+."), InterpreterOpts{MaxInstructions: 0, Output: sink})
		if err != nil {
			t.Fatalf("NewInterpreter failed: %v", err)
		}
		res, err := vm.Run()
		if !errors.Is(err, ErrInstructionBudgetExceeded) {
			t.Fatalf("Run() = %v, want ErrInstructionBudgetExceeded", err)
		}
		if len(res.Output) != 0 || sink.String() != "" {
			t.Errorf("output produced before budget failure: %q", res.Output)
		}
	})

	t.Run("exact ceiling", func(t *testing.T) {
		vm, _ := NewInterpreter(compile(t, "+++"), InterpreterOpts{MaxInstructions: 3})
		res, err := vm.Run()
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
		if res.Instructions != 3 {
			t.Errorf("Instructions = %d, want 3", res.Instructions)
		}

		vm, _ = NewInterpreter(compile(t, "+++"), InterpreterOpts{MaxInstructions: 2})
		_, err = vm.Run()
		if !errors.Is(err, ErrInstructionBudgetExceeded) {
			t.Fatalf("Run() = %v, want ErrInstructionBudgetExceeded", err)
		}
		var ee *ExecError
		if !errors.As(err, &ee) || ee.IP != 1 {
			t.Errorf("budget failure reported at %v, want ip=1", err)
		}
	})

	t.Run("infinite loop", func(t *testing.T) {
		res, err := run(t, "+[]", "", InterpreterOpts{MaxInstructions: 1000})
		if !errors.Is(err, ErrInstructionBudgetExceeded) {
			t.Fatalf("Run() = %v, want ErrInstructionBudgetExceeded", err)
		}
		if res.Instructions != 1001 {
			t.Errorf("Instructions = %d, want 1001", res.Instructions)
		}
		var ee *ExecError
		if !errors.As(err, &ee) || ee.IP != 2 {
			t.Errorf("budget failure reported at %v, want ip=2", err)
		}
	})

	t.Run("partial output kept", func(t *testing.T) {
		sink := &StringSink{}
		res, err := run(t, "+++++++++++++++++++++++++++++++++.+[]", "", InterpreterOpts{MaxInstructions: 100, Output: sink})
		if !errors.Is(err, ErrInstructionBudgetExceeded) {
			t.Fatalf("Run() = %v, want ErrInstructionBudgetExceeded", err)
		}
		if string(res.Output) != "!" || sink.String() != "!" {
			t.Errorf("partial output = %q / %q, want %q", res.Output, sink.String(), "!")
		}
	})
}

// TestTapeBounds tests that the data pointer cannot leave the tape.
func TestTapeBounds(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		size   int
		wantIP int
		wantDP int
	}{
		{"below zero", "<+", 10, 0, 0},
		{"at size", ">>>+", 3, 2, 2},
		{"after work", "+>+>+<<<+", 5, 7, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var steps int
			tracer := TracerFunc(func(Snapshot) { steps++ })
			res, err := run(t, tt.code, "", InterpreterOpts{TapeSize: tt.size, Tracer: tracer})
			if !errors.Is(err, ErrTapeBoundsExceeded) {
				t.Fatalf("Run() = %v, want ErrTapeBoundsExceeded", err)
			}
			var ee *ExecError
			if !errors.As(err, &ee) {
				t.Fatalf("error %T is not *ExecError", err)
			}
			if ee.IP != tt.wantIP || ee.DP != tt.wantDP {
				t.Errorf("failed at ip=%d dp=%d, want ip=%d dp=%d", ee.IP, ee.DP, tt.wantIP, tt.wantDP)
			}
			if uint64(steps) != res.Instructions || res.Instructions != uint64(tt.wantIP) {
				t.Errorf("executed %d steps (%d counted), want %d", steps, res.Instructions, tt.wantIP)
			}
		})
	}
}

// TestOutputRange tests that only byte values can be output.
func TestOutputRange(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"negative", "-."},
		{"eof sentinel", ",."},
		{"too large", strings.Repeat("+", 256) + "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.code, "", InterpreterOpts{})
			if !errors.Is(err, ErrOutputValueOutOfRange) {
				t.Errorf("Run() = %v, want ErrOutputValueOutOfRange", err)
			}
		})
	}

	res, err := run(t, strings.Repeat("+", 255)+".", "", InterpreterOpts{})
	if err != nil {
		t.Fatalf("Run() with 255 failed: %v", err)
	}
	if !bytes.Equal(res.Output, []byte{255}) {
		t.Errorf("Output = %v, want [255]", res.Output)
	}
}

// TestRunIsRepeatable tests that runs do not share state.
func TestRunIsRepeatable(t *testing.T) {
	vm, err := NewInterpreter(compile(t, "+++++[>+++++++++++++<-]>."), InterpreterOpts{MaxInstructions: 1000})
	if err != nil {
		t.Fatalf("NewInterpreter failed: %v", err)
	}
	first, err := vm.Run()
	if err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	second, err := vm.Run()
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if !bytes.Equal(first.Output, second.Output) || first.Instructions != second.Instructions {
		t.Errorf("runs differ: %q/%d vs %q/%d", first.Output, first.Instructions, second.Output, second.Instructions)
	}
	if string(first.Output) != "A" {
		t.Errorf("Output = %q, want %q", first.Output, "A")
	}
}

// TestOutputBufferedUntilEnd tests that the sink sees one write.
func TestOutputBufferedUntilEnd(t *testing.T) {
	var writes int
	sink := sinkFunc(func(p []byte) error {
		writes++
		return nil
	})
	if _, err := run(t, "+.+.+.", "", InterpreterOpts{Output: sink}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if writes != 1 {
		t.Errorf("sink writes = %d, want 1", writes)
	}
}

type sinkFunc func(p []byte) error

func (f sinkFunc) WriteBytes(p []byte) error { return f(p) }

// TestOutputError tests that sink failures are reported.
func TestOutputError(t *testing.T) {
	sink := sinkFunc(func(p []byte) error { return io.ErrClosedPipe })
	if _, err := run(t, "+.", "", InterpreterOpts{Output: sink}); !errors.Is(err, ErrOutputFailed) {
		t.Errorf("Run() = %v, want ErrOutputFailed", err)
	}
}

// TestNewInterpreterValidation tests constructor checks.
func TestNewInterpreterValidation(t *testing.T) {
	if _, err := NewInterpreter(nil, InterpreterOpts{}); !errors.Is(err, ErrNilProgram) {
		t.Errorf("NewInterpreter(nil) = %v, want ErrNilProgram", err)
	}
	if _, err := NewInterpreter(compile(t, "+"), InterpreterOpts{TapeSize: -1}); !errors.Is(err, ErrInvalidTapeSize) {
		t.Errorf("NewInterpreter(TapeSize -1) = %v, want ErrInvalidTapeSize", err)
	}
}

// TestTextTracer tests the trace layout.
func TestTextTracer(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewTextTracer(&buf)
	if _, err := run(t, "+>+", "", InterpreterOpts{Tracer: tracer}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if err := tracer.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	want := "" +
		"+>+    001 \n" +
		"^      ^^^\n" +
		"\n" +
		"+>+    001 000 \n" +
		" ^         ^^^\n" +
		"\n" +
		"+>+    001 001 \n" +
		"  ^        ^^^\n" +
		"\n"
	if buf.String() != want {
		t.Errorf("trace =\n%s\nwant\n%s", buf.String(), want)
	}
}
