package main

import (
	"bytes"
	"testing"
)

// newTestMachine builds a bare CPU with one scratch region so adapter
// tests can place guest buffers without running any code.
func newTestMachine() *CPU {
	c := &CPU{nextAnon: anonMmapBase}
	c.mem.insert(&memRegion{name: "scratch", base: 0x1000, data: make([]byte, 0x10000), prot: 6})
	return c
}

// syscall invokes the adapter the way the emulator hook would.
func doSyscall(t *testing.T, h *HostAdapter, m *CPU, nr uint64, args ...uint64) (SyscallResult, uint64) {
	t.Helper()
	regs := []string{"rdi", "rsi", "rdx", "r10", "r8"}
	m.RegWrite64("rax", nr)
	for i, v := range args {
		m.RegWrite64(regs[i], v)
	}
	res, err := h.Handle()
	if err != nil {
		t.Fatalf("syscall %d: %v", nr, err)
	}
	return res, m.RegRead64("rax")
}

func putCString(t *testing.T, m *CPU, va uint64, s string) {
	t.Helper()
	if err := m.MemWriteBytes(va, append([]byte(s), 0)); err != nil {
		t.Fatal(err)
	}
}

func TestOpenReturnsMonotonicFDs(t *testing.T) {
	m := newTestMachine()
	h := NewHostAdapter(m, NewFileStore(nil), nil, nil)
	putCString(t, m, 0x1000, "/etc/hostname")

	_, fd1 := doSyscall(t, h, m, sysOpen, 0x1000)
	_, fd2 := doSyscall(t, h, m, sysOpen, 0x1000)
	if fd1 != 3 || fd2 != 4 {
		t.Fatalf("fds = %d, %d; want 3, 4", fd1, fd2)
	}
	// closing must not recycle numbers within a run
	if _, ret := doSyscall(t, h, m, sysClose, fd1); ret != 0 {
		t.Fatalf("close = %d", ret)
	}
	_, fd3 := doSyscall(t, h, m, sysOpen, 0x1000)
	if fd3 != 5 {
		t.Errorf("fd after close = %d, want 5", fd3)
	}
}

func TestOpenMissingPath(t *testing.T) {
	m := newTestMachine()
	h := NewHostAdapter(m, NewFileStore(nil), nil, nil)
	putCString(t, m, 0x1000, "/nonexistent")
	_, ret := doSyscall(t, h, m, sysOpen, 0x1000)
	if ret != 0xFFFFFFFFFFFFFFFE { // -ENOENT
		t.Errorf("open = %#x, want -ENOENT", ret)
	}
}

func TestReadSeededFile(t *testing.T) {
	m := newTestMachine()
	h := NewHostAdapter(m, NewFileStore(nil), nil, nil)
	putCString(t, m, 0x1000, "/etc/hostname")
	_, fd := doSyscall(t, h, m, sysOpen, 0x1000)

	_, n := doSyscall(t, h, m, sysRead, fd, 0x2000, 4)
	if n != 4 {
		t.Fatalf("read = %d", n)
	}
	buf, _ := m.MemReadBytes(0x2000, 4)
	if string(buf) != "heli" {
		t.Errorf("buffer = %q", buf)
	}
	// the offset advances: the rest of the file comes next
	_, n = doSyscall(t, h, m, sysRead, fd, 0x2000, 64)
	if n != 6 {
		t.Fatalf("second read = %d, want 6", n)
	}
	buf, _ = m.MemReadBytes(0x2000, 6)
	if string(buf) != "xcore\n" {
		t.Errorf("second buffer = %q", buf)
	}
	// and then EOF
	if _, n = doSyscall(t, h, m, sysRead, fd, 0x2000, 64); n != 0 {
		t.Errorf("read at EOF = %d", n)
	}
}

func TestReadBadFD(t *testing.T) {
	m := newTestMachine()
	h := NewHostAdapter(m, NewFileStore(nil), nil, nil)
	if _, ret := doSyscall(t, h, m, sysRead, 7, 0x2000, 8); int64(ret) != -EBADF {
		t.Errorf("read on absent fd = %d", int64(ret))
	}
	// reading the write side of the world is EBADF too
	if _, ret := doSyscall(t, h, m, sysRead, 1, 0x2000, 8); int64(ret) != -EBADF {
		t.Errorf("read on stdout = %d", int64(ret))
	}
	if _, ret := doSyscall(t, h, m, sysClose, 9); int64(ret) != -EBADF {
		t.Errorf("close on absent fd = %d", int64(ret))
	}
}

func TestWriteSinksOncePerSyscall(t *testing.T) {
	m := newTestMachine()
	var outCalls, errCalls [][]byte
	h := NewHostAdapter(m, NewFileStore(nil),
		func(b []byte) { outCalls = append(outCalls, b) },
		func(b []byte) { errCalls = append(errCalls, b) })

	m.MemWriteBytes(0x3000, []byte("hello\n"))
	_, n := doSyscall(t, h, m, sysWrite, 1, 0x3000, 6)
	if n != 6 {
		t.Fatalf("write = %d", n)
	}
	doSyscall(t, h, m, sysWrite, 2, 0x3000, 5)

	if len(outCalls) != 1 || string(outCalls[0]) != "hello\n" {
		t.Errorf("stdout calls = %q", outCalls)
	}
	if len(errCalls) != 1 || string(errCalls[0]) != "hello" {
		t.Errorf("stderr calls = %q", errCalls)
	}
	if _, ret := doSyscall(t, h, m, sysWrite, 42, 0x3000, 1); int64(ret) != -EBADF {
		t.Errorf("write on absent fd = %d", int64(ret))
	}
}

func TestWriteRegularFileAtOffset(t *testing.T) {
	m := newTestMachine()
	store := NewFileStore(nil)
	store.Write("/out.txt", []byte("0123456789"))
	h := NewHostAdapter(m, store, nil, nil)
	putCString(t, m, 0x1000, "/out.txt")
	_, fd := doSyscall(t, h, m, sysOpen, 0x1000)

	m.MemWriteBytes(0x3000, []byte("AB"))
	doSyscall(t, h, m, sysWrite, fd, 0x3000, 2)
	doSyscall(t, h, m, sysWrite, fd, 0x3000, 2)
	data, _ := store.Read("/out.txt")
	if string(data) != "ABAB456789" {
		t.Errorf("overwrite at offset: %q", data)
	}
	// writing past the end extends the file
	m.MemWriteBytes(0x3000, []byte("XXXXXXXX"))
	doSyscall(t, h, m, sysWrite, fd, 0x3000, 8)
	data, _ = store.Read("/out.txt")
	if string(data) != "ABAB"+"XXXXXXXX" {
		t.Errorf("extended write: %q", data)
	}
}

func TestStatFields(t *testing.T) {
	m := newTestMachine()
	h := NewHostAdapter(m, NewFileStore(nil), nil, nil)
	putCString(t, m, 0x1000, "/etc/hostname")

	_, ret := doSyscall(t, h, m, sysStat, 0x1000, 0x4000)
	if ret != 0 {
		t.Fatalf("stat = %d", int64(ret))
	}
	buf, _ := m.MemReadBytes(0x4000, 144)
	mode := uint32(buf[16]) | uint32(buf[17])<<8 | uint32(buf[18])<<16 | uint32(buf[19])<<24
	if mode != 0o100755 {
		t.Errorf("st_mode = %#o", mode)
	}
	var size uint64
	for i := 0; i < 8; i++ {
		size |= uint64(buf[48+i]) << (8 * i)
	}
	if size != uint64(len("helixcore\n")) {
		t.Errorf("st_size = %d", size)
	}

	putCString(t, m, 0x1100, "/absent")
	if _, ret := doSyscall(t, h, m, sysStat, 0x1100, 0x4000); int64(ret) != -ENOENT {
		t.Errorf("stat absent = %d", int64(ret))
	}

	// fstat goes through the descriptor's path
	_, fd := doSyscall(t, h, m, sysOpen, 0x1000)
	if _, ret := doSyscall(t, h, m, sysFstat, fd, 0x4100); ret != 0 {
		t.Errorf("fstat = %d", int64(ret))
	}
	if _, ret := doSyscall(t, h, m, sysFstat, 99, 0x4100); int64(ret) != -EBADF {
		t.Errorf("fstat bad fd = %d", int64(ret))
	}
}

func TestBrkContract(t *testing.T) {
	m := newTestMachine()
	h := NewHostAdapter(m, NewFileStore(nil), nil, nil)

	if _, brk := doSyscall(t, h, m, sysBrk, 0); brk != heapBase {
		t.Fatalf("brk(0) = %#x, want %#x", brk, uint64(heapBase))
	}
	// moving to the base itself is a legal no-op
	if _, brk := doSyscall(t, h, m, sysBrk, heapBase); brk != heapBase {
		t.Errorf("brk(base) = %#x", brk)
	}
	// grow by 100 bytes; the first heap page appears zeroed and
	// writable
	_, brk := doSyscall(t, h, m, sysBrk, heapBase+100)
	if brk != heapBase+100 {
		t.Fatalf("brk(base+100) = %#x", brk)
	}
	data, err := m.MemReadBytes(heapBase, 100)
	if err != nil {
		t.Fatalf("heap not mapped: %v", err)
	}
	if !bytes.Equal(data, make([]byte, 100)) {
		t.Error("heap pages not zero-initialized")
	}
	if err := m.MemWriteBytes(heapBase+50, []byte{1, 2, 3}); err != nil {
		t.Errorf("heap not writable: %v", err)
	}

	// the ceiling: one byte below the limit is accepted, the limit
	// itself is refused with the break unchanged
	if _, brk := doSyscall(t, h, m, sysBrk, heapBase+heapMax-1); brk != heapBase+heapMax-1 {
		t.Errorf("brk(limit-1) = %#x", brk)
	}
	if _, brk := doSyscall(t, h, m, sysBrk, heapBase+heapMax); brk != heapBase+heapMax-1 {
		t.Errorf("brk(limit) = %#x, want unchanged break", brk)
	}
	if _, brk := doSyscall(t, h, m, sysBrk, 0x10); brk != heapBase+heapMax-1 {
		t.Errorf("brk(below base) = %#x, want unchanged break", brk)
	}
}

func TestMmapAnonymous(t *testing.T) {
	m := newTestMachine()
	h := NewHostAdapter(m, NewFileStore(nil), nil, nil)

	_, va := doSyscall(t, h, m, sysMmap, 0, 8192, 3, mapAnon|0x02)
	if int64(va) < 0x10000 {
		t.Fatalf("mmap = %#x", va)
	}
	data, err := m.MemReadBytes(va, 8192)
	if err != nil {
		t.Fatalf("mapping unreadable: %v", err)
	}
	for _, b := range data {
		if b != 0 {
			t.Fatal("mapping not zeroed")
		}
	}
	// a second mapping lands elsewhere
	_, va2 := doSyscall(t, h, m, sysMmap, 0, 4096, 3, mapAnon)
	if va2 == va {
		t.Error("mappings overlap")
	}
	// file-backed mappings are out of scope
	if _, ret := doSyscall(t, h, m, sysMmap, 0, 4096, 3, 0x01); int64(ret) != -EINVAL {
		t.Errorf("non-anonymous mmap = %d", int64(ret))
	}
}

func TestUnknownSyscallIsENOSYS(t *testing.T) {
	m := newTestMachine()
	h := NewHostAdapter(m, NewFileStore(nil), nil, nil)
	res, ret := doSyscall(t, h, m, 318, 0) // getrandom
	if res.Action != SyscallCommit {
		t.Error("unknown syscall must continue execution")
	}
	if ret != 0xFFFFFFFFFFFFFFDA { // -38
		t.Errorf("rax = %#x, want -ENOSYS", ret)
	}
}

func TestExitMasksCode(t *testing.T) {
	m := newTestMachine()
	h := NewHostAdapter(m, NewFileStore(nil), nil, nil)
	res, _ := doSyscall(t, h, m, sysExit, 300)
	if res.Action != SyscallStop || res.ExitCode != 300&0xFF {
		t.Errorf("exit(300) -> %+v", res)
	}
	res, _ = doSyscall(t, h, m, sysExitGroup, 42)
	if res.Action != SyscallStop || res.ExitCode != 42 {
		t.Errorf("exit_group(42) -> %+v", res)
	}
}

func TestStopRequestShortCircuits(t *testing.T) {
	m := newTestMachine()
	h := NewHostAdapter(m, NewFileStore(nil), nil, nil)
	h.SetStopCheck(func() bool { return true })
	res, _ := doSyscall(t, h, m, sysBrk, 0)
	if res.Action != SyscallStop || res.ExitCode != 130 {
		t.Errorf("stop request -> %+v", res)
	}
}

func TestResetReinstallsStandardFDs(t *testing.T) {
	m := newTestMachine()
	h := NewHostAdapter(m, NewFileStore(nil), nil, nil)
	putCString(t, m, 0x1000, "/etc/hostname")
	doSyscall(t, h, m, sysOpen, 0x1000)
	doSyscall(t, h, m, sysBrk, heapBase+4096)

	h.Reset()
	if len(h.fds) != 3 {
		t.Errorf("fd table after reset: %d entries", len(h.fds))
	}
	if h.programBreak != heapBase || h.heapMapped {
		t.Errorf("heap after reset: break=%#x mapped=%v", h.programBreak, h.heapMapped)
	}
	if h.nextFD != 3 {
		t.Errorf("nextFD after reset = %d", h.nextFD)
	}
}
