// Completion: 100% - Instruction implementation complete
package main

// LEA - load effective address.
// This is how string literals reach registers:
//   leaq .L.str.0(%rip), %rax
// and how the printf runtime addresses its digit buffer:
//   leaq -64(%rbp), %rsi

func encodeLeaq(a *Assembler, ops []Operand) error {
	if len(ops) != 2 {
		return operandCountErr("leaq", 2)
	}
	src, dst := ops[0], ops[1]
	if !src.isMem() || dst.Kind != OpReg {
		return operandFormErr("leaq")
	}
	// REX.W 8D /r
	return a.encodeOpRM(true, []byte{0x8D}, dst.Reg, src, 0)
}
