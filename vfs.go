// Completion: 100% - Virtual file store complete
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Backing is an optional durable key-value store behind the in-memory
// file map. Failures on the backing store never block the read path;
// Put and Delete are fire-and-forget from the caller's perspective.
type Backing interface {
	Put(path string, data []byte) error
	Delete(path string) error
	Load() (map[string][]byte, error)
}

// DirEntry is one result of FileStore.List.
type DirEntry struct {
	Name  string
	IsDir bool
}

// FileStore is a path-keyed map of byte blobs. The in-memory map is
// authoritative; a subsequent Read that follows a Write always reflects
// the Write even if the backing store has not caught up.
type FileStore struct {
	mu      sync.Mutex
	files   map[string][]byte
	backing Backing
}

// Paths seeded read-only at construction. The guest sees these through
// the open/read/stat syscalls.
var seededFiles = map[string]string{
	"/proc/version":   "Linux 4.5 blink-1.0 x86_64 GNU/Linux\n",
	"/proc/cpuinfo":   "model name : Blink x86-64 Virtual CPU\n",
	"/etc/hostname":   "helixcore\n",
	"/etc/os-release": "NAME=\"HelixCore OS\"\nVERSION=\"0.1\"\n",
}

// NewFileStore creates a store seeded with the fixed /proc and /etc
// entries. backing may be nil for a purely in-memory store.
func NewFileStore(backing Backing) *FileStore {
	fs := &FileStore{
		files:   make(map[string][]byte),
		backing: backing,
	}
	if backing != nil {
		if persisted, err := backing.Load(); err == nil {
			for path, data := range persisted {
				fs.files[path] = data
			}
		} else if VerboseMode {
			fmt.Fprintf(os.Stderr, "file store: backing load failed: %v\n", err)
		}
	}
	for path, content := range seededFiles {
		fs.files[path] = []byte(content)
	}
	return fs
}

// Read returns the file's bytes, or nil and false when the path is
// absent. The returned slice is a copy.
func (fs *FileStore) Read(path string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.files[path]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// Size returns the file's length without copying its contents.
func (fs *FileStore) Size(path string) (int, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.files[path]
	return len(data), ok
}

// Write stores a copy of data at path and forwards it to the backing
// store. A backing failure is logged and otherwise ignored.
func (fs *FileStore) Write(path string, data []byte) {
	stored := make([]byte, len(data))
	copy(stored, data)
	fs.mu.Lock()
	fs.files[path] = stored
	fs.mu.Unlock()
	if fs.backing != nil {
		if err := fs.backing.Put(path, stored); err != nil && VerboseMode {
			fmt.Fprintf(os.Stderr, "file store: persist of %s failed: %v\n", path, err)
		}
	}
}

// Delete removes path from the store. Deleting an absent path is a
// no-op.
func (fs *FileStore) Delete(path string) {
	fs.mu.Lock()
	delete(fs.files, path)
	fs.mu.Unlock()
	if fs.backing != nil {
		if err := fs.backing.Delete(path); err != nil && VerboseMode {
			fmt.Fprintf(os.Stderr, "file store: delete of %s failed: %v\n", path, err)
		}
	}
}

// List synthesizes a directory listing: for every stored path with
// dir+"/" as prefix it reports the first component after the prefix,
// flagged as a directory when more path components follow.
func (fs *FileStore) List(dir string) []DirEntry {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	if dir == "" || dir == "/" {
		prefix = "/"
	}
	seen := make(map[string]bool)
	var entries []DirEntry
	fs.mu.Lock()
	for path := range fs.files {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := path[len(prefix):]
		if rest == "" {
			continue
		}
		name := rest
		isDir := false
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			name = rest[:idx]
			isDir = true
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		entries = append(entries, DirEntry{Name: name, IsDir: isDir})
	}
	fs.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
