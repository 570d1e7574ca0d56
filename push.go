// Completion: 100% - Instruction implementation complete
package main

// PUSH/POP instructions for stack management.
// The expression stack discipline makes these the most frequent
// instructions in generated code: every operand value is pushed, every
// operator pops.

func encodePushq(a *Assembler, ops []Operand) error {
	if len(ops) != 1 {
		return operandCountErr("pushq", 1)
	}
	op := ops[0]
	switch {
	case op.Kind == OpReg:
		// 50+rd, REX.B for r8-r15
		if op.Reg >= 8 {
			a.emitBytes(0x41)
		}
		a.emitBytes(0x50 | (op.Reg & 7))
		return nil
	case op.Kind == OpImm:
		if op.HasSym {
			return unsupportedErr(0, 0, "pushq cannot take a symbol immediate")
		}
		if !fitsInt32(op.Imm) {
			return relocationOverflowErr(a.cur.offset(), op.Imm)
		}
		// 68 id, sign-extended to 64 bits
		a.emitBytes(0x68)
		a.emitLE(uint64(op.Imm), 4)
		return nil
	case op.isMem():
		// FF /6 (no REX.W: push defaults to 64-bit)
		return a.encodeOpRM(false, []byte{0xFF}, 6, op, 0)
	}
	return operandFormErr("pushq")
}

func encodePopq(a *Assembler, ops []Operand) error {
	if len(ops) != 1 {
		return operandCountErr("popq", 1)
	}
	op := ops[0]
	switch {
	case op.Kind == OpReg:
		if op.Reg >= 8 {
			a.emitBytes(0x41)
		}
		a.emitBytes(0x58 | (op.Reg & 7))
		return nil
	case op.isMem():
		// 8F /0
		return a.encodeOpRM(false, []byte{0x8F}, 0, op, 0)
	}
	return operandFormErr("popq")
}
