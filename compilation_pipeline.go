// compilation_pipeline.go - The orchestrator: source to running guest
package main

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Language selects the front end applied to the source text.
type Language int

const (
	LangC Language = iota
	LangASM
)

func ParseLanguage(s string) (Language, error) {
	switch s {
	case "c":
		return LangC, nil
	case "asm", "s", "gas":
		return LangASM, nil
	}
	return 0, fmt.Errorf("unknown language %q (supported: c, asm)", s)
}

// RunResult is what a completed run reports back to the caller.
type RunResult struct {
	ExitCode         int
	WallMS           int64
	InstructionCount uint64
	Registers        map[string]string // rax..rip as 0x-prefixed 16-digit hex
}

// Toolchain pipes source text through the front end (for C), the
// assembler, the ELF writer and the emulator. Sinks must be set before
// Run; they receive output while the guest executes. One Toolchain
// serves one run at a time - callers serialize.
type Toolchain struct {
	Store  *FileStore
	Stdout Sink
	Stderr Sink

	// NewMachine builds the emulator backend from an ELF image. Left
	// nil, the built-in CPU is used; tests substitute mocks here.
	NewMachine func(elf []byte) (Machine, error)

	stop atomic.Bool
}

func NewToolchain(store *FileStore) *Toolchain {
	return &Toolchain{Store: store}
}

// RequestStop makes the run short-circuit to exit code 130 at the next
// syscall or step boundary. Output already delivered is not retracted.
func (tc *Toolchain) RequestStop() { tc.stop.Store(true) }

// Compile runs the front-end stages only and returns the ELF image
// plus everything needed for symbol and source lookups.
func (tc *Toolchain) Compile(lang Language, source string) (*Image, *Assembly, *SourceMap, error) {
	asmText := source
	var records []SourceRecord
	if lang == LangC {
		var err error
		asmText, records, err = CompileC(source)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	asm, err := Assemble(asmText)
	if err != nil {
		return nil, nil, nil, err
	}
	img, err := WriteELF(asm)
	if err != nil {
		return nil, nil, nil, err
	}
	var srcMap *SourceMap
	if records != nil {
		srcMap = NewSourceMap(records, asm, img)
	}
	return img, asm, srcMap, nil
}

// EmitAssembly exposes the C front end's output for inspection.
func (tc *Toolchain) EmitAssembly(source string) (string, error) {
	text, _, err := CompileC(source)
	return text, err
}

// Run executes source end to end and reports the guest's exit status,
// wall time, instruction count and final register file.
func (tc *Toolchain) Run(lang Language, source string) (*RunResult, error) {
	tc.stop.Store(false)

	img, _, srcMap, err := tc.Compile(lang, source)
	if err != nil {
		return nil, err
	}

	newMachine := tc.NewMachine
	if newMachine == nil {
		newMachine = func(elf []byte) (Machine, error) { return NewCPU(elf) }
	}
	machine, err := newMachine(img.Bytes)
	if err != nil {
		return nil, err
	}
	if err := machine.InitStackProgramStart(
		[]string{"/bin/program"},
		[]string{"PATH=/bin:/usr/bin", "HOME=/"},
	); err != nil {
		return nil, err
	}

	adapter := NewHostAdapter(machine, tc.Store, tc.Stdout, tc.Stderr)
	adapter.SetStopCheck(tc.stop.Load)
	machine.HookBeforeSyscall(adapter.Handle)

	start := time.Now()
	stopped := false
	var runErr error
	for !machine.Stopped() {
		if tc.stop.Load() {
			stopped = true
			break
		}
		if machine.InstructionCount() >= maxInstructions {
			runErr = &guestFault{RIP: machine.RegRead64("rip"), Message: "instruction limit exceeded"}
			break
		}
		done, err := machine.Step()
		if err != nil {
			runErr = err
			break
		}
		if done {
			break
		}
	}
	wall := time.Since(start).Milliseconds()

	if runErr != nil {
		return nil, tc.annotateFault(runErr, srcMap)
	}

	result := &RunResult{
		ExitCode:         machine.ExitCode(),
		WallMS:           wall,
		InstructionCount: machine.InstructionCount(),
		Registers:        make(map[string]string, len(snapshotRegisters)),
	}
	if stopped {
		result.ExitCode = 130
	}
	for _, name := range snapshotRegisters {
		result.Registers[name] = "0x" + hex16(machine.RegRead64(name))
	}
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "run: exit=%d instructions=%d wall=%dms\n",
			result.ExitCode, result.InstructionCount, result.WallMS)
	}
	return result, nil
}

// annotateFault attaches a source position to a guest fault when the
// source map covers the faulting address.
func (tc *Toolchain) annotateFault(err error, srcMap *SourceMap) error {
	fault, ok := err.(*guestFault)
	if !ok {
		return err
	}
	te := &ToolchainError{Category: CategoryGuestFault, Message: fault.Error()}
	if entry, found := srcMap.Lookup(fault.RIP); found {
		te.Line = entry.Line
		te.Col = entry.Col
	}
	return te
}
