package tvm

// SelfTest is a program with known output.
type SelfTest struct {
	Name   string
	Source string
	Input  string
	Want   string
}

// Divide reads two digits and prints their integer quotient as a digit.
const Divide = ",>,>++++++[-<--------<-------->>]<<[>[->+>+<<]>[-<<-[>]>>>[<[>>>-<<<[-]]>>]<<]>>>+<<[-<<+>>]<<<]>[-]>>>>[-<<<<<+>>>>>]<<<<++++++[-<++++++++>]<."

// HelloWorld prints "Hello World!\n".
const HelloWorld = "++++++++++[>+++++++>++++++++++>+++>+<<<<-]>++.>+.+++++++..+++.>++.<<+++++++++++++++.>.+++.------.--------.>+.>."

// SelfTests is the built-in regression table.
var SelfTests = []SelfTest{
	{Name: "helloworld", Source: HelloWorld, Input: "", Want: "Hello World!\n"},
	{Name: "divide1", Source: Divide, Input: "62", Want: "3"},
	{Name: "divide2", Source: Divide, Input: "92", Want: "4"},
}

// SelfTestResult is the outcome of one SelfTest.
type SelfTestResult struct {
	Test   SelfTest
	Output string
	Err    error
}

// Passed reports whether the run succeeded with the expected output.
func (r SelfTestResult) Passed() bool {
	return r.Err == nil && r.Output == r.Test.Want
}

// RunSelfTests runs every entry of SelfTests with the default limits.
func RunSelfTests() []SelfTestResult {
	results := make([]SelfTestResult, 0, len(SelfTests))
	for _, st := range SelfTests {
		out, err := Run(st.Source, st.Input)
		results = append(results, SelfTestResult{Test: st, Output: out, Err: err})
	}
	return results
}
