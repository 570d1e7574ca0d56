// Completion: 100% - Instruction implementation complete
package main

// XOR instruction encoder. The idiomatic register zeroing form shows up
// in every epilogue:
//   xorq %rdi, %rdi

func encodeXorq(a *Assembler, ops []Operand) error {
	// REX.W 31 /r, REX.W 33 /r, REX.W 81 /6 id
	return a.encodeALU("xorq", ops, 0x31, 0x33, 6)
}
