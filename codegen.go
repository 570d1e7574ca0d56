// Completion: 100% - C code generator complete
package main

import (
	"fmt"
	"os"
	"strings"
)

// codegen.go - C subset code generator
//
// Emits AT&T/GAS text using a stack-machine discipline: every
// expression leaves its value on the machine stack, operators pop
// their operands and push the result. The generated module is fully
// self-contained; printf calls target a runtime emitted into the same
// .text section.

// System V AMD64 integer argument registers
var argRegisters = []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"}

var cmpSetcc = map[string]string{
	"==": "sete", "!=": "setne",
	"<": "setl", "<=": "setle",
	">": "setg", ">=": "setge",
}

// stringPool interns string literals by their raw quoted form and
// hands out stable .L.str.<n> labels in insertion order.
type stringPool struct {
	labels map[string]string
	order  []string
}

func newStringPool() *stringPool {
	return &stringPool{labels: make(map[string]string)}
}

func (sp *stringPool) intern(raw string) string {
	if label, ok := sp.labels[raw]; ok {
		return label
	}
	label := fmt.Sprintf(".L.str.%d", len(sp.order))
	sp.labels[raw] = label
	sp.order = append(sp.order, raw)
	return label
}

// Codegen owns the emission state: output lines, the label counter,
// the string pool and the source-map records.
type Codegen struct {
	lines      []string
	labelCount int
	stmtCount  int
	strs       *stringPool
	records    []SourceRecord
	locals     map[string]int
	usesPrintf bool
}

// CompileC runs the whole front end: tokenize, parse, generate. It
// returns the assembly text and the source-map records (one per
// top-level statement, labels not yet resolved to addresses).
func CompileC(source string) (string, []SourceRecord, error) {
	prog, err := ParseC(source)
	if err != nil {
		return "", nil, err
	}
	cg := &Codegen{strs: newStringPool(), locals: prog.Locals}

	cg.raw(".text")
	cg.raw(".global _start")
	cg.raw("_start:")
	cg.emit("pushq %%rbp")
	cg.emit("movq %%rsp, %%rbp")
	cg.emit("subq $%d, %%rsp", prog.FrameSize)

	for _, stmt := range prog.Stmts {
		label := fmt.Sprintf(".L.stmt.%d", cg.stmtCount)
		cg.stmtCount++
		cg.raw(label + ":")
		cg.records = append(cg.records, SourceRecord{Label: label, Line: stmt.Line, Col: stmt.Col})
		if err := cg.genStmt(stmt); err != nil {
			return "", nil, err
		}
	}

	// single epilogue: the program always leaves through exit(0),
	// never through a ret
	cg.raw(".L.exit:")
	cg.emit("movq %%rbp, %%rsp")
	cg.emit("popq %%rbp")
	cg.emit("movq $60, %%rax")
	cg.emit("xorq %%rdi, %%rdi")
	cg.emit("syscall")

	if cg.usesPrintf {
		cg.lines = append(cg.lines, printfRuntime()...)
	}

	if len(cg.strs.order) > 0 {
		cg.raw(".data")
		for i, raw := range cg.strs.order {
			cg.raw(fmt.Sprintf(".L.str.%d:", i))
			cg.emit(".ascii %s", raw)
			cg.emit(".byte 0")
		}
	}

	text := strings.Join(cg.lines, "\n") + "\n"
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "frontend: %d top-level statements, %d string literals, frame %d bytes\n",
			cg.stmtCount, len(cg.strs.order), prog.FrameSize)
	}
	return text, cg.records, nil
}

func (cg *Codegen) raw(line string) { cg.lines = append(cg.lines, line) }

func (cg *Codegen) emit(format string, args ...interface{}) {
	cg.lines = append(cg.lines, "  "+fmt.Sprintf(format, args...))
}

func (cg *Codegen) newLabel() int {
	cg.labelCount++
	return cg.labelCount
}

func (cg *Codegen) genStmt(n *AstNode) error {
	switch n.Kind {
	case NodeIf:
		seq := cg.newLabel()
		if err := cg.genExpr(n.Cond); err != nil {
			return err
		}
		cg.emit("popq %%rax")
		cg.emit("cmpq $0, %%rax")
		if n.Else != nil {
			cg.emit("je .L.else.%d", seq)
			if err := cg.genStmt(n.Then); err != nil {
				return err
			}
			cg.emit("jmp .L.end.%d", seq)
			cg.raw(fmt.Sprintf(".L.else.%d:", seq))
			if err := cg.genStmt(n.Else); err != nil {
				return err
			}
		} else {
			cg.emit("je .L.end.%d", seq)
			if err := cg.genStmt(n.Then); err != nil {
				return err
			}
		}
		cg.raw(fmt.Sprintf(".L.end.%d:", seq))
		return nil

	case NodeWhile:
		seq := cg.newLabel()
		cg.raw(fmt.Sprintf(".L.begin.%d:", seq))
		if err := cg.genExpr(n.Cond); err != nil {
			return err
		}
		cg.emit("popq %%rax")
		cg.emit("cmpq $0, %%rax")
		cg.emit("je .L.end.%d", seq)
		if err := cg.genStmt(n.Body); err != nil {
			return err
		}
		cg.emit("jmp .L.begin.%d", seq)
		cg.raw(fmt.Sprintf(".L.end.%d:", seq))
		return nil

	case NodeBlock:
		for _, s := range n.Stmts {
			if err := cg.genStmt(s); err != nil {
				return err
			}
		}
		return nil

	case NodeReturn:
		if err := cg.genExpr(n.Expr); err != nil {
			return err
		}
		cg.emit("popq %%rax")
		cg.emit("jmp .L.exit")
		return nil

	case NodeNop:
		return nil
	}

	// expression statement: evaluate, then drop the value to keep the
	// stack balanced
	if err := cg.genExpr(n); err != nil {
		return err
	}
	cg.emit("popq %%rax")
	return nil
}

func (cg *Codegen) genExpr(n *AstNode) error {
	switch n.Kind {
	case NodeNum:
		if fitsInt32(n.Value) {
			cg.emit("pushq $%d", n.Value)
		} else {
			cg.emit("movq $%d, %%rax", n.Value)
			cg.emit("pushq %%rax")
		}
		return nil

	case NodeStr:
		label := cg.strs.intern(n.Raw)
		cg.emit("leaq %s(%%rip), %%rax", label)
		cg.emit("pushq %%rax")
		return nil

	case NodeVar:
		cg.emit("movq %d(%%rbp), %%rax", cg.locals[n.Name])
		cg.emit("pushq %%rax")
		return nil

	case NodeAssign:
		if err := cg.genExpr(n.Expr); err != nil {
			return err
		}
		cg.emit("popq %%rax")
		cg.emit("movq %%rax, %d(%%rbp)", cg.locals[n.Name])
		cg.emit("pushq %%rax")
		return nil

	case NodeBinary:
		if err := cg.genExpr(n.LHS); err != nil {
			return err
		}
		if err := cg.genExpr(n.RHS); err != nil {
			return err
		}
		cg.emit("popq %%rdi")
		cg.emit("popq %%rax")
		switch n.Op {
		case "+":
			cg.emit("addq %%rdi, %%rax")
		case "-":
			cg.emit("subq %%rdi, %%rax")
		case "*":
			cg.emit("imulq %%rdi, %%rax")
		case "/":
			cg.emit("cqo")
			cg.emit("idivq %%rdi")
		default:
			setcc, ok := cmpSetcc[n.Op]
			if !ok {
				return unsupportedErr(n.Line, n.Col, "operator %s", n.Op)
			}
			cg.emit("cmpq %%rdi, %%rax")
			cg.emit("%s %%al", setcc)
			cg.emit("movzbq %%al, %%rax")
		}
		cg.emit("pushq %%rax")
		return nil

	case NodeCall:
		if len(n.Args) > len(argRegisters) {
			return unsupportedErr(n.Line, n.Col, "call with more than %d arguments", len(argRegisters))
		}
		for _, arg := range n.Args {
			if err := cg.genExpr(arg); err != nil {
				return err
			}
		}
		for i := len(n.Args) - 1; i >= 0; i-- {
			cg.emit("popq %%%s", argRegisters[i])
		}
		if n.Name == "printf" {
			// variadic ABI: zero SSE register count
			cg.usesPrintf = true
			cg.emit("xorq %%rax, %%rax")
			cg.emit("call __printf")
		} else {
			cg.emit("call %s", n.Name)
		}
		cg.emit("pushq %%rax")
		return nil
	}
	return unsupportedErr(n.Line, n.Col, "cannot generate code for %s node", n.Kind)
}
