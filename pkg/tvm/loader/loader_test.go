package loader

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fortiblox/tapevm/pkg/tvm/bf"
)

// scanJumps pairs brackets by scanning outward from each one with a depth
// counter. It is quadratic but obviously correct, which makes it a good
// reference for ResolveJumps.
func scanJumps(ops []bf.Opcode) []int {
	jumps := make([]int, len(ops))
	for i := range jumps {
		jumps[i] = bf.NoJump
	}
	for i, op := range ops {
		switch op {
		case bf.OpJumpIfZero:
			depth := 0
			for j := i + 1; j < len(ops); j++ {
				if ops[j] == bf.OpJumpIfZero {
					depth++
				} else if ops[j] == bf.OpJumpIfNotZero {
					if depth == 0 {
						jumps[i] = j
						break
					}
					depth--
				}
			}
		case bf.OpJumpIfNotZero:
			depth := 0
			for j := i - 1; j >= 0; j-- {
				if ops[j] == bf.OpJumpIfNotZero {
					depth++
				} else if ops[j] == bf.OpJumpIfZero {
					if depth == 0 {
						jumps[i] = j
						break
					}
					depth--
				}
			}
		}
	}
	return jumps
}

// TestClean tests that non-operators are dropped and order is kept.
func TestClean(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"empty", "", ""},
		{"comments only", "hello world\n", ""},
		{"mixed", "+ add one\n> move [ loop ] . out , in", "+>[].,"},
		{"all operators", "+-><[].,", "+-><[].,"},
		{"utf8 noise", "→+←-", "+-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.source); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.source, got, tt.want)
			}
			if got := len(Parse(tt.source)); got != len(tt.want) {
				t.Errorf("len(Parse(%q)) = %d, want %d", tt.source, got, len(tt.want))
			}
		})
	}
}

// TestLoadUnbalanced tests that unequal bracket counts are rejected.
func TestLoadUnbalanced(t *testing.T) {
	tests := []string{
		"[",
		"]",
		"[[]",
		"[]]",
		"+[-[+]",
		"]]][[",
	}

	for _, src := range tests {
		prog, err := Load(src)
		if !errors.Is(err, ErrUnbalancedControlFlow) {
			t.Errorf("Load(%q) error = %v, want ErrUnbalancedControlFlow", src, err)
		}
		if prog != nil {
			t.Errorf("Load(%q) returned a program on error", src)
		}
	}
}

// TestLoadUnmatched tests balanced counts in the wrong order.
func TestLoadUnmatched(t *testing.T) {
	tests := []struct {
		source string
		index  int
	}{
		{"][", 0},
		{"+]+[", 1},
		{"[]][", 2},
	}

	for _, tt := range tests {
		prog, err := Load(tt.source)
		if !errors.Is(err, ErrUnmatchedBracket) {
			t.Fatalf("Load(%q) error = %v, want ErrUnmatchedBracket", tt.source, err)
		}
		if prog != nil {
			t.Errorf("Load(%q) returned a program on error", tt.source)
		}
		var ube *UnmatchedBracketError
		if !errors.As(err, &ube) {
			t.Fatalf("Load(%q) error %T is not *UnmatchedBracketError", tt.source, err)
		}
		if ube.Index != tt.index {
			t.Errorf("Load(%q) index = %d, want %d", tt.source, ube.Index, tt.index)
		}
	}
}

// TestResolveJumps tests pairing against hand-checked tables.
func TestResolveJumps(t *testing.T) {
	tests := []struct {
		source string
		want   []int
	}{
		{"", []int{}},
		{"+-", []int{-1, -1}},
		{"[]", []int{1, 0}},
		{"[[]]", []int{3, 2, 1, 0}},
		{"[][]", []int{1, 0, 3, 2}},
		{"+[>[-]<]", []int{-1, 7, -1, 5, -1, 3, -1, 1}},
	}

	for _, tt := range tests {
		got, err := ResolveJumps(Parse(tt.source))
		if err != nil {
			t.Fatalf("ResolveJumps(%q) failed: %v", tt.source, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("ResolveJumps(%q) len = %d, want %d", tt.source, len(got), len(tt.want))
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ResolveJumps(%q)[%d] = %d, want %d", tt.source, i, got[i], tt.want[i])
			}
		}
	}
}

// TestResolveJumpsMatchesScan checks the stack pairing against the depth
// scan on random balanced programs, and that pairs are a bijection.
func TestResolveJumpsMatchesScan(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for n := 0; n < 200; n++ {
		var b strings.Builder
		depth := 0
		for i := 0; i < 64; i++ {
			switch r := rng.Intn(4); {
			case r == 0:
				b.WriteByte('[')
				depth++
			case r == 1 && depth > 0:
				b.WriteByte(']')
				depth--
			default:
				b.WriteByte("+-<>.,"[rng.Intn(6)])
			}
		}
		b.WriteString(strings.Repeat("]", depth))
		src := b.String()

		ops := Parse(src)
		got, err := ResolveJumps(ops)
		if err != nil {
			t.Fatalf("ResolveJumps(%q) failed: %v", src, err)
		}
		want := scanJumps(ops)
		for i := range ops {
			if got[i] != want[i] {
				t.Fatalf("ResolveJumps(%q)[%d] = %d, scan gives %d", src, i, got[i], want[i])
			}
			if ops[i].IsJump() && got[got[i]] != i {
				t.Fatalf("pair %d -> %d is not symmetric in %q", i, got[i], src)
			}
		}

		prog, err := Load(src)
		if err != nil {
			t.Fatalf("Load(%q) failed: %v", src, err)
		}
		if prog.Code() != src {
			t.Fatalf("Code() = %q, want %q", prog.Code(), src)
		}
	}
}

// TestLoadFile tests loading from disk.
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.b")
	if err := os.WriteFile(path, []byte("echo: ,[.,]\n"), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	prog, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if prog.Code() != ",[.,]" {
		t.Errorf("Code() = %q, want %q", prog.Code(), ",[.,]")
	}
	if prog.Loops() != 1 {
		t.Errorf("Loops() = %d, want 1", prog.Loops())
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.b")); err == nil {
		t.Error("LoadFile of a missing file succeeded")
	}
}

// TestLoadReaderTooLarge tests the size limit.
func TestLoadReaderTooLarge(t *testing.T) {
	r := strings.NewReader(strings.Repeat(" ", MaxSourceSize+1))
	if _, err := LoadReader(r); !errors.Is(err, ErrTooLarge) {
		t.Errorf("LoadReader error = %v, want ErrTooLarge", err)
	}
}
