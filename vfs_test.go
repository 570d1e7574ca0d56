package main

import (
	"bytes"
	"errors"
	"sort"
	"testing"
)

func TestStoreSeededFiles(t *testing.T) {
	fs := NewFileStore(nil)
	cases := map[string]string{
		"/proc/version":   "Linux 4.5 blink-1.0 x86_64 GNU/Linux\n",
		"/proc/cpuinfo":   "model name : Blink x86-64 Virtual CPU\n",
		"/etc/hostname":   "helixcore\n",
		"/etc/os-release": "NAME=\"HelixCore OS\"\nVERSION=\"0.1\"\n",
	}
	for path, want := range cases {
		data, ok := fs.Read(path)
		if !ok {
			t.Errorf("seeded path %s missing", path)
			continue
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", path, data, want)
		}
	}
}

func TestStoreReadWriteDelete(t *testing.T) {
	fs := NewFileStore(nil)
	if _, ok := fs.Read("/tmp/x"); ok {
		t.Fatal("read of absent path succeeded")
	}
	fs.Write("/tmp/x", []byte("hello"))
	data, ok := fs.Read("/tmp/x")
	if !ok || string(data) != "hello" {
		t.Fatalf("read-after-write = %q, %v", data, ok)
	}
	// the returned slice is a copy; mutating it must not corrupt the store
	data[0] = 'X'
	again, _ := fs.Read("/tmp/x")
	if string(again) != "hello" {
		t.Error("store aliases caller memory")
	}
	fs.Delete("/tmp/x")
	if _, ok := fs.Read("/tmp/x"); ok {
		t.Error("read after delete succeeded")
	}
	fs.Delete("/tmp/x") // deleting twice is a no-op
}

func TestStoreList(t *testing.T) {
	fs := NewFileStore(nil)
	fs.Write("/src/main.c", []byte("a"))
	fs.Write("/src/lib/util.c", []byte("b"))
	fs.Write("/src/lib/io.c", []byte("c"))

	entries := fs.List("/src")
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = e.IsDir
	}
	if isDir, ok := names["main.c"]; !ok || isDir {
		t.Errorf("main.c entry = %v, %v", isDir, ok)
	}
	if isDir, ok := names["lib"]; !ok || !isDir {
		t.Errorf("lib entry = %v, %v", isDir, ok)
	}
	if len(entries) != 2 {
		t.Errorf("entries = %+v, want exactly main.c and lib", entries)
	}
	if !sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name }) {
		t.Error("listing not sorted")
	}
}

// failingBacking always errors; the in-memory map must be unaffected.
type failingBacking struct{}

func (failingBacking) Put(string, []byte) error         { return errors.New("disk on fire") }
func (failingBacking) Delete(string) error              { return errors.New("disk on fire") }
func (failingBacking) Load() (map[string][]byte, error) { return nil, errors.New("disk on fire") }

func TestBackingFailureNeverBlocksReads(t *testing.T) {
	fs := NewFileStore(failingBacking{})
	fs.Write("/a", []byte("1"))
	if data, ok := fs.Read("/a"); !ok || string(data) != "1" {
		t.Fatalf("read-after-write with failing backing = %q, %v", data, ok)
	}
	fs.Delete("/a")
	if _, ok := fs.Read("/a"); ok {
		t.Error("delete with failing backing did not take effect in memory")
	}
}

// memBacking persists into a plain map so construction-time loading is
// testable.
type memBacking struct{ m map[string][]byte }

func (b *memBacking) Put(p string, d []byte) error { b.m[p] = d; return nil }
func (b *memBacking) Delete(p string) error        { delete(b.m, p); return nil }
func (b *memBacking) Load() (map[string][]byte, error) {
	out := make(map[string][]byte, len(b.m))
	for k, v := range b.m {
		out[k] = v
	}
	return out, nil
}

func TestBackingRoundTrip(t *testing.T) {
	backing := &memBacking{m: map[string][]byte{}}
	fs := NewFileStore(backing)
	fs.Write("/persisted", []byte("keep me"))

	fs2 := NewFileStore(backing)
	data, ok := fs2.Read("/persisted")
	if !ok || !bytes.Equal(data, []byte("keep me")) {
		t.Fatalf("persisted read = %q, %v", data, ok)
	}
	// seeds win over stale persisted entries
	if data, _ := fs2.Read("/etc/hostname"); string(data) != "helixcore\n" {
		t.Errorf("seed overridden: %q", data)
	}
}
