// Completion: 100% - Instruction implementation complete
package main

// ADD instruction encoder.
// The stack-machine lowering of `a + b` pops into registers and adds:
//   popq %rdi
//   popq %rax
//   addq %rdi, %rax

func encodeAddq(a *Assembler, ops []Operand) error {
	// REX.W 01 /r, REX.W 03 /r, REX.W 81 /0 id
	return a.encodeALU("addq", ops, 0x01, 0x03, 0)
}
