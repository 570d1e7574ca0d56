// Completion: 100% - Module complete
package main

// CALL/RET/SYSCALL encoders. Calls only ever target labels (there is
// one callee in generated code, the printf runtime); syscall is the
// only doorway out of the guest.

func encodeCall(a *Assembler, ops []Operand) error {
	target, err := branchTarget("call", ops)
	if err != nil {
		return err
	}
	// E8 cd
	a.emitBytes(0xE8)
	a.addReloc(4, true, target, 0)
	a.emitLE(0, 4)
	return nil
}

func encodeRet(a *Assembler, ops []Operand) error {
	if len(ops) != 0 {
		return operandCountErr("ret", 0)
	}
	a.emitBytes(0xC3)
	return nil
}

func encodeSyscall(a *Assembler, ops []Operand) error {
	if len(ops) != 0 {
		return operandCountErr("syscall", 0)
	}
	a.emitBytes(0x0F, 0x05)
	return nil
}
