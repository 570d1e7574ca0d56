// Completion: 100% - Platform-specific module complete
//go:build linux
// +build linux

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// WatchSource backs `helix run --watch`: it blocks and invokes rerun
// every time the watched source file is written.
//
// One watcher, one file. A watch run rebuilds a single translation
// unit, so there is no watch table and no per-path timer machinery: a
// timestamp check coalesces the burst of inotify events an editor save
// produces, and a vanished watch is re-armed on the path, since
// editors that save by rename replace the inode out from under the
// original watch descriptor.
func WatchSource(path string, rerun func(string)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify_init failed: %v", err)
	}
	defer unix.Close(fd)

	const mask = unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_MOVE_SELF | unix.IN_DELETE_SELF
	if _, err := unix.InotifyAddWatch(fd, absPath, mask); err != nil {
		return fmt.Errorf("failed to watch %s: %v", absPath, err)
	}

	buf := make([]byte, unix.SizeofInotifyEvent*16)
	var lastRun time.Time
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reading inotify events: %v", err)
		}

		changed := false
		rearm := false
		for offset := 0; offset < n; {
			event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			offset += unix.SizeofInotifyEvent + int(event.Len)
			if event.Mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE) != 0 {
				changed = true
			}
			if event.Mask&(unix.IN_MOVE_SELF|unix.IN_DELETE_SELF|unix.IN_IGNORED) != 0 {
				rearm = true
			}
		}

		if rearm {
			// wait for the renamed-over file to land, then watch the
			// new inode
			for i := 0; i < 20; i++ {
				if _, err := unix.InotifyAddWatch(fd, absPath, mask); err == nil {
					changed = true
					break
				}
				time.Sleep(50 * time.Millisecond)
			}
			if VerboseMode {
				fmt.Fprintf(os.Stderr, "watch: re-armed %s\n", absPath)
			}
		}

		if changed && time.Since(lastRun) > 200*time.Millisecond {
			lastRun = time.Now()
			rerun(absPath)
		}
	}
}
