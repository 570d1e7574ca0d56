// Completion: 100% - Instruction implementation complete
package main

// SUB instruction encoder.
// Besides `a - b`, every frame setup subtracts from %rsp:
//   subq $16, %rsp

func encodeSubq(a *Assembler, ops []Operand) error {
	// REX.W 29 /r, REX.W 2B /r, REX.W 81 /5 id
	return a.encodeALU("subq", ops, 0x29, 0x2B, 5)
}
