// Completion: 100% - Instruction implementation complete
package main

// DEC - decrement by 1.

func encodeDecq(a *Assembler, ops []Operand) error {
	// REX.W FF /1
	return a.encodeGroup("decq", 0xFF, 1, ops)
}
