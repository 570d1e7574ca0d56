// Completion: 100% - Instruction implementation complete
package main

// INC - increment by 1. Used by the printf runtime's cursor and digit
// counters.

func encodeIncq(a *Assembler, ops []Operand) error {
	// REX.W FF /0
	return a.encodeGroup("incq", 0xFF, 0, ops)
}
