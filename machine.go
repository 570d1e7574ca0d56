// Completion: 100% - Emulator collaborator contract complete
package main

// The emulator is a replaceable collaborator. The host adapter and the
// orchestrator only ever talk to this interface, so an alternative
// backend (or a mock for tests) can be dropped in.

// SyscallAction tells the emulator what to do after the syscall hook
// has handled an intercepted instruction.
type SyscallAction int

const (
	// SyscallCommit: the handler wrote the result into %rax; advance
	// past the syscall instruction and keep executing.
	SyscallCommit SyscallAction = iota
	// SyscallStop: halt emulation and record the exit code.
	SyscallStop
)

// SyscallResult is the outcome of one hook invocation.
type SyscallResult struct {
	Action   SyscallAction
	ExitCode int
}

// SyscallHandler runs before each syscall instruction executes. The
// handler reads argument registers and guest memory through the
// Machine it was installed on.
type SyscallHandler func() (SyscallResult, error)

// Machine is the x86-64 user-mode emulator surface the core depends
// on.
type Machine interface {
	// InitStackProgramStart lays out a System V AMD64 process stack
	// (argc, argv, envp, terminators) and points %rsp at argc.
	InitStackProgramStart(argv, envp []string) error

	// HookBeforeSyscall installs the pre-instruction hook fired for
	// every syscall instruction.
	HookBeforeSyscall(h SyscallHandler)

	// Step executes one instruction. done is true once the machine
	// has stopped.
	Step() (done bool, err error)

	// Execute steps until the machine stops or faults.
	Execute() error

	RegRead64(name string) uint64
	RegWrite64(name string, val uint64)

	MemReadBytes(va uint64, n int) ([]byte, error)
	MemWriteBytes(va uint64, data []byte) error

	// MemInitZeroNamed maps a zero-filled named region at va.
	MemInitZeroNamed(va uint64, n int, name string) error
	// MemResizeSection grows (or shrinks) the region based at va.
	MemResizeSection(va uint64, newLen int) error
	// MemInitZeroAnywhere maps a zero-filled region at an
	// emulator-chosen address and returns it.
	MemInitZeroAnywhere(n int) (uint64, error)
	// MemProt sets protection bits on the region based at va.
	MemProt(va uint64, prot int) error

	InstructionCount() uint64
	ExitCode() int
	Stopped() bool
}

// guestFault is an unrecoverable emulator condition. It carries the
// faulting instruction pointer so the orchestrator can annotate it
// with a source position.
type guestFault struct {
	RIP     uint64
	Message string
}

func (f *guestFault) Error() string {
	return "guest fault at 0x" + hex16(f.RIP) + ": " + f.Message
}

const hexDigits = "0123456789abcdef"

// hex16 formats v as 16 lower-case hex digits, zero padded.
func hex16(v uint64) string {
	var b [16]byte
	for i := 15; i >= 0; i-- {
		b[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return string(b[:])
}
