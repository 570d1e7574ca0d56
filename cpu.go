// Completion: 100% - x86-64 user-mode CPU complete
package main

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Register indices match the hardware encoding.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regIndex = map[string]int{
	"rax": RAX, "rcx": RCX, "rdx": RDX, "rbx": RBX,
	"rsp": RSP, "rbp": RBP, "rsi": RSI, "rdi": RDI,
	"r8": R8, "r9": R9, "r10": R10, "r11": R11,
	"r12": R12, "r13": R13, "r14": R14, "r15": R15,
}

const (
	stackTop  = 0x80000000 // guest stack grows down from here
	stackSize = 1 << 20

	anonMmapBase = 0x10000000 // first address handed out for anonymous mmap

	// runaway guard for Execute; a tight guest loop hits this long
	// after any reasonable program has finished
	maxInstructions = 200_000_000
)

// memRegion is one contiguous named mapping.
type memRegion struct {
	name string
	base uint64
	data []byte
	prot int
}

func (r *memRegion) contains(va uint64) bool {
	return va >= r.base && va < r.base+uint64(len(r.data))
}

// Memory is a sparse set of named regions, kept sorted by base.
type Memory struct {
	regions []*memRegion
}

func (m *Memory) insert(r *memRegion) {
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })
}

func (m *Memory) find(va uint64) *memRegion {
	for _, r := range m.regions {
		if r.contains(va) {
			return r
		}
	}
	return nil
}

// slice returns the backing bytes for [va, va+n). Accesses that are
// not fully inside one region fault.
func (m *Memory) slice(va uint64, n int) ([]byte, error) {
	r := m.find(va)
	if r == nil || va+uint64(n) > r.base+uint64(len(r.data)) {
		return nil, fmt.Errorf("unmapped memory access at 0x%x (%d bytes)", va, n)
	}
	off := va - r.base
	return r.data[off : off+uint64(n)], nil
}

// CPU is the reference Machine backend: a user-mode x86-64 interpreter
// covering the instruction subset the assembler emits.
type CPU struct {
	regs  [16]uint64
	rip   uint64
	zf    bool
	sf    bool
	of    bool
	cf    bool
	mem   Memory
	hook  SyscallHandler
	count uint64

	stopped  bool
	exitCode int

	nextAnon uint64
}

// NewCPU builds a machine from an ET_EXEC ELF64 image: every PT_LOAD
// segment is mapped at its vaddr with p_memsz zero-extended past
// p_filesz, and %rip starts at the entry point.
func NewCPU(elf []byte) (*CPU, error) {
	if len(elf) < elfHeaderSize {
		return nil, &ToolchainError{Category: CategoryGuestFault, Message: "truncated ELF header"}
	}
	if elf[0] != 0x7F || elf[1] != 'E' || elf[2] != 'L' || elf[3] != 'F' {
		return nil, &ToolchainError{Category: CategoryGuestFault, Message: "bad ELF magic"}
	}
	c := &CPU{nextAnon: anonMmapBase}
	entry := binary.LittleEndian.Uint64(elf[24:])
	phoff := binary.LittleEndian.Uint64(elf[32:])
	phentsize := binary.LittleEndian.Uint16(elf[54:])
	phnum := binary.LittleEndian.Uint16(elf[56:])

	for i := 0; i < int(phnum); i++ {
		ph := elf[phoff+uint64(i)*uint64(phentsize):]
		ptype := binary.LittleEndian.Uint32(ph[0:])
		if ptype != 1 { // PT_LOAD
			continue
		}
		offset := binary.LittleEndian.Uint64(ph[8:])
		vaddr := binary.LittleEndian.Uint64(ph[16:])
		filesz := binary.LittleEndian.Uint64(ph[32:])
		memsz := binary.LittleEndian.Uint64(ph[40:])
		if offset+filesz > uint64(len(elf)) || memsz < filesz {
			return nil, &ToolchainError{Category: CategoryGuestFault, Message: "malformed PT_LOAD segment"}
		}
		data := make([]byte, memsz)
		copy(data, elf[offset:offset+filesz])
		c.mem.insert(&memRegion{name: "load", base: vaddr, data: data, prot: 7})
	}
	c.rip = entry

	c.mem.insert(&memRegion{
		name: "stack",
		base: stackTop - stackSize,
		data: make([]byte, stackSize),
		prot: 6,
	})
	c.regs[RSP] = stackTop
	return c, nil
}

// InitStackProgramStart writes argument and environment strings at the
// top of the stack, then the System V process entry block: argc, the
// argv pointers with a NULL terminator, the envp pointers with a NULL
// terminator, and an empty auxv. %rsp ends 16-byte aligned pointing at
// argc.
func (c *CPU) InitStackProgramStart(argv, envp []string) error {
	sp := c.regs[RSP]

	place := func(s string) (uint64, error) {
		n := uint64(len(s) + 1)
		sp -= n
		if err := c.MemWriteBytes(sp, append([]byte(s), 0)); err != nil {
			return 0, err
		}
		return sp, nil
	}

	argPtrs := make([]uint64, len(argv))
	for i, s := range argv {
		p, err := place(s)
		if err != nil {
			return err
		}
		argPtrs[i] = p
	}
	envPtrs := make([]uint64, len(envp))
	for i, s := range envp {
		p, err := place(s)
		if err != nil {
			return err
		}
		envPtrs[i] = p
	}

	// qwords below the strings: argc + argv + NULL + envp + NULL + auxv NULL pair
	words := 1 + len(argv) + 1 + len(envp) + 1 + 2
	sp &^= 0xF
	if words%2 == 1 {
		sp -= 8
	}
	sp -= uint64(words) * 8

	w := sp
	put := func(v uint64) error {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		if err := c.MemWriteBytes(w, b[:]); err != nil {
			return err
		}
		w += 8
		return nil
	}
	if err := put(uint64(len(argv))); err != nil {
		return err
	}
	for _, p := range argPtrs {
		if err := put(p); err != nil {
			return err
		}
	}
	if err := put(0); err != nil {
		return err
	}
	for _, p := range envPtrs {
		if err := put(p); err != nil {
			return err
		}
	}
	if err := put(0); err != nil {
		return err
	}
	if err := put(0); err != nil { // AT_NULL
		return err
	}
	if err := put(0); err != nil {
		return err
	}

	c.regs[RSP] = sp
	return nil
}

func (c *CPU) HookBeforeSyscall(h SyscallHandler) { c.hook = h }

func (c *CPU) RegRead64(name string) uint64 {
	if name == "rip" {
		return c.rip
	}
	return c.regs[regIndex[name]]
}

func (c *CPU) RegWrite64(name string, val uint64) {
	if name == "rip" {
		c.rip = val
		return
	}
	c.regs[regIndex[name]] = val
}

func (c *CPU) MemReadBytes(va uint64, n int) ([]byte, error) {
	src, err := c.mem.slice(va, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, src)
	return out, nil
}

func (c *CPU) MemWriteBytes(va uint64, data []byte) error {
	dst, err := c.mem.slice(va, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func (c *CPU) MemInitZeroNamed(va uint64, n int, name string) error {
	if c.mem.find(va) != nil {
		return fmt.Errorf("region overlap at 0x%x", va)
	}
	c.mem.insert(&memRegion{name: name, base: va, data: make([]byte, n), prot: 6})
	return nil
}

func (c *CPU) MemResizeSection(va uint64, newLen int) error {
	for _, r := range c.mem.regions {
		if r.base == va {
			if newLen <= len(r.data) {
				r.data = r.data[:newLen]
				return nil
			}
			grown := make([]byte, newLen)
			copy(grown, r.data)
			r.data = grown
			return nil
		}
	}
	return fmt.Errorf("no region based at 0x%x", va)
}

func (c *CPU) MemInitZeroAnywhere(n int) (uint64, error) {
	va := c.nextAnon
	size := (uint64(n) + pageSize - 1) &^ uint64(pageSize-1)
	c.nextAnon += size + pageSize // leave a guard gap between mappings
	if err := c.MemInitZeroNamed(va, int(size), "anon"); err != nil {
		return 0, err
	}
	return va, nil
}

func (c *CPU) MemProt(va uint64, prot int) error {
	for _, r := range c.mem.regions {
		if r.base == va {
			r.prot = prot
			return nil
		}
	}
	return fmt.Errorf("no region based at 0x%x", va)
}

func (c *CPU) InstructionCount() uint64 { return c.count }
func (c *CPU) ExitCode() int            { return c.exitCode }
func (c *CPU) Stopped() bool            { return c.stopped }

// Execute steps until the guest stops. The instruction cap turns a
// runaway guest into a guest fault instead of a hung host.
func (c *CPU) Execute() error {
	for !c.stopped {
		if c.count >= maxInstructions {
			return &guestFault{RIP: c.rip, Message: "instruction limit exceeded"}
		}
		done, err := c.Step()
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return nil
}

// register byte helpers for movzbq/setcc on 8-bit registers

func (c *CPU) readReg8(idx int) uint8 { return uint8(c.regs[idx]) }

func (c *CPU) writeReg8(idx int, v uint8) {
	c.regs[idx] = (c.regs[idx] &^ 0xFF) | uint64(v)
}
