// Completion: 100% - Instruction implementation complete
package main

// NEG - two's complement negation.
// The printf runtime negates %rax to get the magnitude of a negative
// value before digit extraction.

func encodeNegq(a *Assembler, ops []Operand) error {
	// REX.W F7 /3
	return a.encodeGroup("negq", 0xF7, 3, ops)
}
