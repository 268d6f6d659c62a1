package tvm

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/fortiblox/tapevm/pkg/tvm/bf"
	"github.com/fortiblox/tapevm/pkg/tvm/loader"
)

// TestHelloWorld tests the canonical greeting.
func TestHelloWorld(t *testing.T) {
	m, err := New(HelloWorld, WithInputString(""))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	out, err := m.Run(DefaultRunConfig())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if out != "Hello World!\n" {
		t.Errorf("output = %q, want %q", out, "Hello World!\n")
	}
}

// TestDivide tests the two-digit division program.
func TestDivide(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"62", "3"},
		{"92", "4"},
		{"84", "2"},
		{"93", "3"},
	}

	for _, tt := range tests {
		out, err := Run(Divide, tt.input)
		if err != nil {
			t.Fatalf("Run(divide, %q) failed: %v", tt.input, err)
		}
		if out != tt.want {
			t.Errorf("Run(divide, %q) = %q, want %q", tt.input, out, tt.want)
		}
	}
}

// TestSelfTests tests the built-in table.
func TestSelfTests(t *testing.T) {
	for _, r := range RunSelfTests() {
		if !r.Passed() {
			t.Errorf("self test %s: output %q, err %v, want %q", r.Test.Name, r.Output, r.Err, r.Test.Want)
		}
	}
}

// TestOutputSink tests that output goes to the sink when one is given.
func TestOutputSink(t *testing.T) {
	var buf bytes.Buffer
	m, err := New(HelloWorld, WithInputString(""), WithOutput(&buf))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	out, err := m.Run(DefaultRunConfig())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if out != "" {
		t.Errorf("Run() returned %q with a sink configured", out)
	}
	if buf.String() != "Hello World!\n" {
		t.Errorf("sink = %q, want %q", buf.String(), "Hello World!\n")
	}
}

// TestStreamInput tests reading input from an io.Reader.
func TestStreamInput(t *testing.T) {
	m, err := New(Divide, WithInput(strings.NewReader("62")))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	out, err := m.Run(DefaultRunConfig())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if out != "3" {
		t.Errorf("output = %q, want %q", out, "3")
	}
}

// TestRunIdempotent tests that one Machine gives the same answer twice.
func TestRunIdempotent(t *testing.T) {
	m, err := New(Divide, WithInputString("92"))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	first, err := m.Run(DefaultRunConfig())
	if err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	second, err := m.Run(DefaultRunConfig())
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if first != second || first != "4" {
		t.Errorf("runs = %q, %q, want %q twice", first, second, "4")
	}
}

// TestSharedProgram tests concurrent runs of one program.
func TestSharedProgram(t *testing.T) {
	prog, err := loader.Load(Divide)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	inputs := map[string]string{"62": "3", "92": "4", "84": "2", "21": "2"}
	var wg sync.WaitGroup
	errs := make(chan error, len(inputs)*4)
	for i := 0; i < 4; i++ {
		for in, want := range inputs {
			wg.Add(1)
			go func(in, want string) {
				defer wg.Done()
				out, err := NewFromProgram(prog, WithInputString(in)).Run(DefaultRunConfig())
				if err != nil {
					errs <- err
					return
				}
				if out != want {
					errs <- fmt.Errorf("input %q: got %q, want %q", in, out, want)
				}
			}(in, want)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// TestLoadErrors tests that New reports load failures.
func TestLoadErrors(t *testing.T) {
	if _, err := New("[[]"); !errors.Is(err, loader.ErrUnbalancedControlFlow) {
		t.Errorf("New(\"[[]\") = %v, want ErrUnbalancedControlFlow", err)
	}
	if _, err := New("]["); !errors.Is(err, loader.ErrUnmatchedBracket) {
		t.Errorf("New(\"][\") = %v, want ErrUnmatchedBracket", err)
	}
}

// TestRunLimits tests failures surfaced through Run.
func TestRunLimits(t *testing.T) {
	tests := []struct {
		name   string
		source string
		cfg    RunConfig
		kind   string
		output string
	}{
		{"zero ceiling", "+.", RunConfig{TapeSize: 10}, KindInstructionBudget, ""},
		{"left edge", "<", DefaultRunConfig(), KindTapeBounds, ""},
		{"right edge", "+.>>>", RunConfig{TapeSize: 3, MaxInstructions: 100}, KindTapeBounds, "\x01"},
		{"output range", "--.", DefaultRunConfig(), KindOutputRange, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.source, WithInputString(""))
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			out, err := m.Run(tt.cfg)
			if got := ErrorKind(err); got != tt.kind {
				t.Errorf("ErrorKind = %q, want %q (err %v)", got, tt.kind, err)
			}
			if out != tt.output {
				t.Errorf("partial output = %q, want %q", out, tt.output)
			}
		})
	}
}

// TestTrace tests that tracing does not change the result.
func TestTrace(t *testing.T) {
	var trace bytes.Buffer
	m, err := New("++>+.", WithInputString(""))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	cfg := DefaultRunConfig()
	cfg.Trace = true
	cfg.TraceWriter = &trace

	out, err := m.Run(cfg)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if out != "\x01" {
		t.Errorf("output = %q, want %q", out, "\x01")
	}
	if got := strings.Count(trace.String(), "^^^"); got != 5 {
		t.Errorf("trace has %d steps, want 5", got)
	}
}

// TestErrorKind tests classification of wrapped errors.
func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, KindNone},
		{fmt.Errorf("load: %w", loader.ErrUnbalancedControlFlow), KindUnbalancedControlFlow},
		{&loader.UnmatchedBracketError{Index: 3, Op: bf.OpJumpIfNotZero}, KindUnmatchedBracket},
		{&bf.ExecError{Kind: bf.ErrTapeBoundsExceeded, Err: bf.ErrTapeBoundsExceeded}, KindTapeBounds},
		{bf.ErrInstructionBudgetExceeded, KindInstructionBudget},
		{errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
	if !IsLoadError(loader.ErrUnmatchedBracket) || IsLoadError(bf.ErrTapeBoundsExceeded) {
		t.Error("IsLoadError mismatch")
	}
}
