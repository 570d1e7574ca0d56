// Completion: 100% - Instruction implementation complete
package main

// MOV instruction encoders.
// The C front end leans on these for every load, store and constant:
//   movq $10, %rax
//   movq -8(%rbp), %rax
//   movq %rax, -16(%rbp)

// encodeMovq encodes movq src, dst for the imm->reg, imm->mem,
// reg->reg/mem and mem->reg forms.
func encodeMovq(a *Assembler, ops []Operand) error {
	if len(ops) != 2 {
		return operandCountErr("movq", 2)
	}
	src, dst := ops[0], ops[1]
	switch {
	case src.Kind == OpImm && dst.Kind == OpReg:
		if src.HasSym {
			// symbol immediates always take the movabs form so the
			// full 64-bit address fits
			return encodeMovabs(a, src, dst)
		}
		if !fitsInt32(src.Imm) {
			return encodeMovabs(a, src, dst)
		}
		// REX.W C7 /0 id, imm32 sign-extended to 64 bits
		if err := a.encodeOpRM(true, []byte{0xC7}, 0, dst, 4); err != nil {
			return err
		}
		a.emitLE(uint64(src.Imm), 4)
		return nil
	case src.Kind == OpImm && dst.isMem():
		if src.HasSym {
			return unsupportedErr(0, 0, "movq $symbol to memory is not encodable in 32 bits")
		}
		if !fitsInt32(src.Imm) {
			return relocationOverflowErr(a.cur.offset(), src.Imm)
		}
		if err := a.encodeOpRM(true, []byte{0xC7}, 0, dst, 4); err != nil {
			return err
		}
		a.emitLE(uint64(src.Imm), 4)
		return nil
	case src.Kind == OpReg && (dst.Kind == OpReg || dst.isMem()):
		// REX.W 89 /r
		return a.encodeOpRM(true, []byte{0x89}, src.Reg, dst, 0)
	case src.isMem() && dst.Kind == OpReg:
		// REX.W 8B /r
		return a.encodeOpRM(true, []byte{0x8B}, dst.Reg, src, 0)
	}
	return operandFormErr("movq")
}

// encodeMovabs emits REX.W B8+rd io with a full 64-bit immediate.
// Symbol immediates get an 8-byte absolute relocation over the
// immediate field.
func encodeMovabs(a *Assembler, src, dst Operand) error {
	rex := byte(0x48)
	if dst.Reg >= 8 {
		rex |= 0x01
	}
	a.emitBytes(rex, 0xB8|(dst.Reg&7))
	if src.HasSym {
		a.addReloc(8, false, src.Sym, src.Imm)
		a.emitLE(0, 8)
	} else {
		a.emitLE(uint64(src.Imm), 8)
	}
	return nil
}
