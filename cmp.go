// Completion: 100% - Instruction implementation complete
package main

// CMP/TEST/SETcc encoders. These implement the comparison operators:
//   cmpq %rdi, %rax
//   setl %al
//   movzbq %al, %rax
// and the zero checks before every conditional branch:
//   cmpq $0, %rax
//   je .L.end.3

func encodeCmpq(a *Assembler, ops []Operand) error {
	// REX.W 39 /r, REX.W 3B /r, REX.W 81 /7 id
	return a.encodeALU("cmpq", ops, 0x39, 0x3B, 7)
}

func encodeTestq(a *Assembler, ops []Operand) error {
	if len(ops) != 2 {
		return operandCountErr("testq", 2)
	}
	src, dst := ops[0], ops[1]
	switch {
	case src.Kind == OpImm && (dst.Kind == OpReg || dst.isMem()):
		if src.HasSym {
			return unsupportedErr(0, 0, "testq cannot take a symbol immediate")
		}
		if !fitsInt32(src.Imm) {
			return relocationOverflowErr(a.cur.offset(), src.Imm)
		}
		// REX.W F7 /0 id
		if err := a.encodeOpRM(true, []byte{0xF7}, 0, dst, 4); err != nil {
			return err
		}
		a.emitLE(uint64(src.Imm), 4)
		return nil
	case src.Kind == OpReg && (dst.Kind == OpReg || dst.isMem()):
		// REX.W 85 /r
		return a.encodeOpRM(true, []byte{0x85}, src.Reg, dst, 0)
	}
	return operandFormErr("testq")
}

// encodeSetcc emits 0F 9x /0 into an 8-bit register.
func encodeSetcc(a *Assembler, cc byte, ops []Operand) error {
	if len(ops) != 1 {
		return operandCountErr("setcc", 1)
	}
	op := ops[0]
	if op.Kind != OpReg8 && !op.isMem() {
		return operandFormErr("setcc")
	}
	return a.encodeOpRM(false, []byte{0x0F, 0x90 | cc}, 0, op, 0)
}
