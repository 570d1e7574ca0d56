package main

import (
	"strings"
	"testing"
)

func parseProgram(t *testing.T, source string) *CProgram {
	t.Helper()
	prog, err := ParseC(source)
	if err != nil {
		t.Fatalf("ParseC failed: %v\nsource:\n%s", err, source)
	}
	return prog
}

func TestFunctionHeaderProducesNothing(t *testing.T) {
	prog := parseProgram(t, "int main(void){return 0;}")
	if len(prog.Stmts) != 1 {
		t.Fatalf("want 1 statement (the block), got %d", len(prog.Stmts))
	}
	if prog.Stmts[0].Kind != NodeBlock {
		t.Errorf("top statement is %s, want block", prog.Stmts[0].Kind)
	}
}

func TestLocalSlotAllocation(t *testing.T) {
	prog := parseProgram(t, "int a; int b; int c;")
	want := map[string]int{"a": -8, "b": -16, "c": -24}
	for name, off := range want {
		if prog.Locals[name] != off {
			t.Errorf("offset of %s = %d, want %d", name, prog.Locals[name], off)
		}
	}
	// three 8-byte slots round up to 32
	if prog.FrameSize != 32 {
		t.Errorf("frame size = %d, want 32", prog.FrameSize)
	}
}

func TestFrameSizeRounding(t *testing.T) {
	cases := []struct {
		src  string
		want int
	}{
		{"", 0},
		{"int a;", 16},
		{"int a; int b;", 16},
		{"int a; int b; int c;", 32},
	}
	for _, c := range cases {
		if got := parseProgram(t, c.src).FrameSize; got != c.want {
			t.Errorf("frame for %q = %d, want %d", c.src, got, c.want)
		}
	}
}

func TestPointerDeclarationAccepted(t *testing.T) {
	prog := parseProgram(t, "int *p = 0;")
	if _, ok := prog.Locals["p"]; !ok {
		t.Error("pointer declaration did not register a local")
	}
}

func TestPrecedence(t *testing.T) {
	prog := parseProgram(t, "int a = 1 + 2 * 3;")
	assign := prog.Stmts[0]
	if assign.Kind != NodeAssign {
		t.Fatalf("statement is %s", assign.Kind)
	}
	add := assign.Expr
	if add.Kind != NodeBinary || add.Op != "+" {
		t.Fatalf("root op = %q", add.Op)
	}
	if add.RHS.Kind != NodeBinary || add.RHS.Op != "*" {
		t.Errorf("rhs op = %q, want * bound tighter", add.RHS.Op)
	}
}

func TestComparisonChain(t *testing.T) {
	prog := parseProgram(t, "int a = 1; int b = a + 1 <= 2 == 0;")
	eq := prog.Stmts[1].Expr
	if eq.Op != "==" {
		t.Fatalf("root = %q, want ==", eq.Op)
	}
	if eq.LHS.Op != "<=" {
		t.Errorf("lhs = %q, want <=", eq.LHS.Op)
	}
	if eq.LHS.LHS.Op != "+" {
		t.Errorf("inner = %q, want +", eq.LHS.LHS.Op)
	}
}

func TestUnaryMinusDesugarsToSubtraction(t *testing.T) {
	prog := parseProgram(t, "int x = -7;")
	n := prog.Stmts[0].Expr
	if n.Kind != NodeBinary || n.Op != "-" || n.LHS.Value != 0 || n.RHS.Value != 7 {
		t.Errorf("unexpected lowering: %+v", n)
	}
}

func TestStringKeepsRawQuotedForm(t *testing.T) {
	prog := parseProgram(t, `printf("a\n");`)
	call := prog.Stmts[0]
	if call.Kind != NodeCall || call.Name != "printf" {
		t.Fatalf("statement: %+v", call)
	}
	if got := call.Args[0].Raw; got != `"a\n"` {
		t.Errorf("raw literal = %q, escape sequence not preserved", got)
	}
}

func TestIfElseShape(t *testing.T) {
	prog := parseProgram(t, "int c = 1; if (c > 0) c = 2; else c = 3;")
	n := prog.Stmts[1]
	if n.Kind != NodeIf || n.Cond.Op != ">" || n.Then == nil || n.Else == nil {
		t.Errorf("if shape: %+v", n)
	}
}

func TestPositionsRecorded(t *testing.T) {
	prog := parseProgram(t, "int a = 1;\nint b = 2;")
	if prog.Stmts[1].Line != 2 {
		t.Errorf("second statement line = %d, want 2", prog.Stmts[1].Line)
	}
}

func TestPreprocessorLinesDropped(t *testing.T) {
	prog := parseProgram(t, "#include <stdio.h>\nint main(){return 0;}")
	if len(prog.Stmts) != 1 {
		t.Fatalf("statements = %d", len(prog.Stmts))
	}
	// the blanked #include line still counts for positions
	if prog.Stmts[0].Line != 2 {
		t.Errorf("line = %d, want 2", prog.Stmts[0].Line)
	}
}

func TestCommentsDiscarded(t *testing.T) {
	parseProgram(t, "// line comment\nint a = /* inline */ 1;")
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		frag string
	}{
		{"undeclared variable", "x = 1;", "undeclared"},
		{"redeclaration", "int a; int a;", "redeclared"},
		{"missing semicolon", "int a = 1", `";"`},
		{"bad assign target", "int a; 1 = a;", "assignment target"},
		{"unterminated block", "{ int a;", "unterminated"},
		{"unterminated string", `printf("oops`, "unterminated"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseC(c.src)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), c.frag) {
				t.Errorf("error %q does not mention %q", err, c.frag)
			}
		})
	}
}

func TestErrorCarriesPosition(t *testing.T) {
	_, err := ParseC("int a = 1;\nx = 2;")
	if err == nil {
		t.Fatal("expected error")
	}
	te, ok := err.(*ToolchainError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if te.Line != 2 || te.Col != 1 {
		t.Errorf("position = %d:%d, want 2:1", te.Line, te.Col)
	}
}
