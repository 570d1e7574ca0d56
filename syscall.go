// Completion: 100% - Linux syscall layer complete
package main

import (
	"fmt"
	"os"
)

// Linux x86-64 syscall numbers handled by the host adapter.
const (
	sysRead      = 0
	sysWrite     = 1
	sysOpen      = 2
	sysClose     = 3
	sysStat      = 4
	sysFstat     = 5
	sysMmap      = 9
	sysBrk       = 12
	sysExit      = 60
	sysExitGroup = 231
)

// errno values, returned to the guest as two's-complement in %rax.
const (
	ENOENT = 2
	EIO    = 5
	EBADF  = 9
	EINVAL = 22
	ENOSYS = 38
)

const (
	heapBase = 0x800000 // fixed program-break floor
	heapMax  = 16 << 20 // hard brk ceiling above heapBase
	mapAnon  = 0x20      // MAP_ANONYMOUS
)

var regularMode uint32 = 0o100755 // st_mode reported for every store file

type fdKind int

const (
	fdStdin fdKind = iota
	fdStdout
	fdStderr
	fdRegular
)

type fdEntry struct {
	kind   fdKind
	path   string
	offset int64
}

// Sink receives one contiguous chunk of guest output per write
// syscall, in syscall order.
type Sink func(data []byte)

// HostAdapter implements the Linux syscall surface over a Machine, a
// virtual file store and a pair of output sinks. All of its state is
// per-run: Reset reinstalls descriptors 0/1/2 and drops the heap.
type HostAdapter struct {
	machine Machine
	store   *FileStore
	stdout  Sink
	stderr  Sink

	fds    map[int]*fdEntry
	nextFD int

	programBreak uint64
	heapMapped   bool

	// stopRequested asks the next hook invocation to short-circuit
	// to exit(130)
	stopRequested func() bool
}

// NewHostAdapter builds a fresh adapter for one run.
func NewHostAdapter(machine Machine, store *FileStore, stdout, stderr Sink) *HostAdapter {
	h := &HostAdapter{
		machine: machine,
		store:   store,
		stdout:  stdout,
		stderr:  stderr,
	}
	h.Reset()
	return h
}

// Reset clears the FD table, reinstalls descriptors 0/1/2, and rewinds
// the program break. Called once before the first instruction runs.
func (h *HostAdapter) Reset() {
	h.fds = map[int]*fdEntry{
		0: {kind: fdStdin},
		1: {kind: fdStdout},
		2: {kind: fdStderr},
	}
	h.nextFD = 3
	h.programBreak = heapBase
	h.heapMapped = false
}

// SetStopCheck installs the cancellation probe consulted at every hook
// invocation.
func (h *HostAdapter) SetStopCheck(f func() bool) { h.stopRequested = f }

func errnoResult(errno int64) uint64 { return uint64(-errno) }

// Handle is the pre-instruction hook for syscall instructions. It
// dispatches on %rax, commits the result into %rax, and decides
// whether emulation continues.
func (h *HostAdapter) Handle() (SyscallResult, error) {
	if h.stopRequested != nil && h.stopRequested() {
		return SyscallResult{Action: SyscallStop, ExitCode: 130}, nil
	}

	m := h.machine
	nr := m.RegRead64("rax")
	a1 := m.RegRead64("rdi")
	a2 := m.RegRead64("rsi")
	a3 := m.RegRead64("rdx")

	var ret uint64
	switch nr {
	case sysRead:
		ret = h.sysRead(int(int64(a1)), a2, int(int64(a3)))
	case sysWrite:
		ret = h.sysWrite(int(int64(a1)), a2, int(int64(a3)))
	case sysOpen:
		ret = h.sysOpen(a1)
	case sysClose:
		ret = h.sysClose(int(int64(a1)))
	case sysStat:
		ret = h.sysStat(a1, a2)
	case sysFstat:
		ret = h.sysFstat(int(int64(a1)), a2)
	case sysMmap:
		ret = h.sysMmap(int(int64(a2)), int(int64(a3)), m.RegRead64("r10"))
	case sysBrk:
		ret = h.sysBrk(a1)
	case sysExit, sysExitGroup:
		return SyscallResult{Action: SyscallStop, ExitCode: int(a1 & 0xFF)}, nil
	default:
		if VerboseMode {
			fmt.Fprintf(os.Stderr, "syscall: unimplemented nr=%d\n", nr)
		}
		ret = errnoResult(ENOSYS)
	}

	m.RegWrite64("rax", ret)
	return SyscallResult{Action: SyscallCommit}, nil
}

func (h *HostAdapter) sysRead(fd int, buf uint64, count int) uint64 {
	entry, ok := h.fds[fd]
	if !ok || entry.kind == fdStdout || entry.kind == fdStderr {
		return errnoResult(EBADF)
	}
	if entry.kind == fdStdin {
		// no interactive input in this environment
		return 0
	}
	data, ok := h.store.Read(entry.path)
	if !ok {
		return errnoResult(EIO)
	}
	if entry.offset >= int64(len(data)) {
		return 0
	}
	chunk := data[entry.offset:]
	if len(chunk) > count {
		chunk = chunk[:count]
	}
	if err := h.machine.MemWriteBytes(buf, chunk); err != nil {
		return errnoResult(EIO)
	}
	entry.offset += int64(len(chunk))
	return uint64(len(chunk))
}

// sysWrite delivers fd 1/2 to the sinks, one sink call per syscall.
// Writes to regular descriptors overwrite the store file at the
// descriptor's offset, extending it as needed.
func (h *HostAdapter) sysWrite(fd int, buf uint64, count int) uint64 {
	entry, ok := h.fds[fd]
	if !ok || entry.kind == fdStdin {
		return errnoResult(EBADF)
	}
	data, err := h.machine.MemReadBytes(buf, count)
	if err != nil {
		return errnoResult(EIO)
	}
	switch entry.kind {
	case fdStdout:
		if h.stdout != nil {
			h.stdout(data)
		}
	case fdStderr:
		if h.stderr != nil {
			h.stderr(data)
		}
	case fdRegular:
		existing, _ := h.store.Read(entry.path)
		end := entry.offset + int64(len(data))
		if int64(len(existing)) < end {
			grown := make([]byte, end)
			copy(grown, existing)
			existing = grown
		}
		copy(existing[entry.offset:], data)
		h.store.Write(entry.path, existing)
		entry.offset = end
	}
	return uint64(count)
}

func (h *HostAdapter) sysOpen(pathPtr uint64) uint64 {
	path, err := h.readCString(pathPtr)
	if err != nil {
		return errnoResult(EIO)
	}
	if _, ok := h.store.Size(path); !ok {
		return errnoResult(ENOENT)
	}
	fd := h.nextFD
	h.nextFD++
	h.fds[fd] = &fdEntry{kind: fdRegular, path: path}
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "open %q -> fd %d\n", path, fd)
	}
	return uint64(fd)
}

func (h *HostAdapter) sysClose(fd int) uint64 {
	if _, ok := h.fds[fd]; !ok {
		return errnoResult(EBADF)
	}
	delete(h.fds, fd)
	return 0
}

func (h *HostAdapter) sysStat(pathPtr, statBuf uint64) uint64 {
	path, err := h.readCString(pathPtr)
	if err != nil {
		return errnoResult(EIO)
	}
	size, ok := h.store.Size(path)
	if !ok {
		return errnoResult(ENOENT)
	}
	return h.fillStat(statBuf, size)
}

func (h *HostAdapter) sysFstat(fd int, statBuf uint64) uint64 {
	entry, ok := h.fds[fd]
	if !ok {
		return errnoResult(EBADF)
	}
	size := 0
	if entry.kind == fdRegular {
		size, ok = h.store.Size(entry.path)
		if !ok {
			return errnoResult(EIO)
		}
	}
	return h.fillStat(statBuf, size)
}

// fillStat writes the two struct stat fields the guest cares about:
// st_mode at offset 16 and st_size at offset 48.
func (h *HostAdapter) fillStat(statBuf uint64, size int) uint64 {
	var mode [4]byte
	mode[0] = byte(regularMode)
	mode[1] = byte(regularMode >> 8)
	mode[2] = byte(regularMode >> 16)
	mode[3] = byte(regularMode >> 24)
	if err := h.machine.MemWriteBytes(statBuf+16, mode[:]); err != nil {
		return errnoResult(EIO)
	}
	var sz [8]byte
	for i := 0; i < 8; i++ {
		sz[i] = byte(uint64(size) >> (8 * i))
	}
	if err := h.machine.MemWriteBytes(statBuf+48, sz[:]); err != nil {
		return errnoResult(EIO)
	}
	return 0
}

func (h *HostAdapter) sysMmap(length, prot int, flags uint64) uint64 {
	if flags&mapAnon == 0 {
		return errnoResult(EINVAL)
	}
	if length <= 0 {
		return errnoResult(EINVAL)
	}
	va, err := h.machine.MemInitZeroAnywhere(length)
	if err != nil {
		return errnoResult(EINVAL)
	}
	if err := h.machine.MemProt(va, prot); err != nil {
		return errnoResult(EINVAL)
	}
	return va
}

// sysBrk implements the program-break contract: query with 0, move
// within [heapBase, heapBase+16MiB), and silently refuse anything out
// of range by returning the current break.
func (h *HostAdapter) sysBrk(addr uint64) uint64 {
	if addr == 0 {
		return h.programBreak
	}
	if addr < heapBase || addr >= heapBase+heapMax {
		return h.programBreak
	}
	want := int((addr - heapBase + pageSize - 1) &^ uint64(pageSize-1))
	if !h.heapMapped {
		size := want
		if size < pageSize {
			size = pageSize
		}
		if err := h.machine.MemInitZeroNamed(heapBase, size, "heap"); err != nil {
			return h.programBreak
		}
		h.heapMapped = true
	} else if err := h.machine.MemResizeSection(heapBase, want); err != nil {
		return h.programBreak
	}
	h.programBreak = addr
	return h.programBreak
}

// readCString walks guest memory byte by byte from ptr to the NUL
// terminator.
func (h *HostAdapter) readCString(ptr uint64) (string, error) {
	var out []byte
	for {
		b, err := h.machine.MemReadBytes(ptr, 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
		ptr++
		if len(out) > 4096 {
			return "", fmt.Errorf("unterminated path string")
		}
	}
}
