// Completion: 100% - Instruction implementation complete
package main

// IMUL instruction encoder. Two forms:
//   imulq %rdi, %rax     (two-operand, result in dst)
//   imulq %rdi           (one-operand, rdx:rax = rax * src)

func encodeImulq(a *Assembler, ops []Operand) error {
	switch len(ops) {
	case 2:
		src, dst := ops[0], ops[1]
		if dst.Kind != OpReg || (src.Kind != OpReg && !src.isMem()) {
			return operandFormErr("imulq")
		}
		// REX.W 0F AF /r
		return a.encodeOpRM(true, []byte{0x0F, 0xAF}, dst.Reg, src, 0)
	case 1:
		// REX.W F7 /5
		return a.encodeGroup("imulq", 0xF7, 5, ops)
	}
	return operandCountErr("imulq", 2)
}
