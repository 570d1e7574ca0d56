// Printf runtime for generated programs.
//
// A single copy of __printf is appended to .text whenever a program
// calls printf. It is pure syscall code: literal bytes go out through
// write(1, &byte, 1) one at a time, a %d conversion is formatted into
// a buffer and sent with a single write. It depends on nothing but the
// write syscall, so the generated object stays self-contained.
package main

// Contract:
//
//	rdi = null-terminated format bytes
//	rsi = the (single) 64-bit integer argument
//
// Only %d is converted. Any other byte after '%' is dropped together
// with the '%'. Returns 0 in rax with callee-saved registers intact.
//
// The digit loop extracts least-significant-first with unsigned divq
// and pushes each digit, then pops them into the buffer in print
// order. Byte stores are movq stores (the low byte is the digit, the
// zeroed tail is overwritten by the next ascending store), which keeps
// the runtime inside the assembler's instruction subset. The unsigned
// divide also makes the INT64_MIN magnitude come out right after negq.
func printfRuntime() []string {
	return []string{
		"__printf:",
		"  pushq %rbp",
		"  movq %rsp, %rbp",
		"  subq $96, %rsp",
		"  pushq %rbx",
		"  pushq %r12",
		"  pushq %r13",
		"  pushq %r14",
		"  movq %rsi, -8(%rbp)",
		"  movq %rdi, %rbx",
		".L.pf.loop:",
		"  movzbq 0(%rbx), %rax",
		"  testq %rax, %rax",
		"  je .L.pf.done",
		"  cmpq $37, %rax", // '%'
		"  je .L.pf.conv",
		"  movq %rax, -96(%rbp)",
		"  movq $1, %rax",
		"  movq $1, %rdi",
		"  leaq -96(%rbp), %rsi",
		"  movq $1, %rdx",
		"  syscall",
		"  incq %rbx",
		"  jmp .L.pf.loop",
		".L.pf.conv:",
		"  incq %rbx",
		"  movzbq 0(%rbx), %rax",
		"  testq %rax, %rax",
		"  je .L.pf.done",   // lone '%' at end of format
		"  cmpq $100, %rax", // 'd'
		"  jne .L.pf.skip",
		"  movq -8(%rbp), %rax",
		"  leaq -96(%rbp), %r13",
		"  testq %rax, %rax",
		"  jns .L.pf.digits",
		"  movq $45, %rdx", // '-'
		"  movq %rdx, 0(%r13)",
		"  incq %r13",
		"  negq %rax",
		".L.pf.digits:",
		"  xorq %r12, %r12",
		"  movq $10, %r8",
		".L.pf.divloop:",
		"  xorq %rdx, %rdx",
		"  divq %r8",
		"  addq $48, %rdx", // '0'
		"  pushq %rdx",
		"  incq %r12",
		"  testq %rax, %rax",
		"  jne .L.pf.divloop",
		"  movq %r12, %r14",
		".L.pf.fill:",
		"  popq %rax",
		"  movq %rax, 0(%r13)",
		"  incq %r13",
		"  decq %r14",
		"  jne .L.pf.fill",
		"  movq %r13, %rdx",
		"  leaq -96(%rbp), %rsi",
		"  subq %rsi, %rdx",
		"  movq $1, %rax",
		"  movq $1, %rdi",
		"  syscall",
		"  incq %rbx",
		"  jmp .L.pf.loop",
		".L.pf.skip:",
		"  incq %rbx",
		"  jmp .L.pf.loop",
		".L.pf.done:",
		"  popq %r14",
		"  popq %r13",
		"  popq %r12",
		"  popq %rbx",
		"  xorq %rax, %rax",
		"  movq %rbp, %rsp",
		"  popq %rbp",
		"  ret",
	}
}
