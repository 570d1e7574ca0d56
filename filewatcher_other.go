// Completion: 100% - Platform-specific module complete
//go:build !linux
// +build !linux

package main

import (
	"os"
	"path/filepath"
	"time"
)

// Polling fallback for platforms without inotify: same surface as the
// Linux WatchSource, driven by mtime comparison on the one watched
// source file.
func WatchSource(path string, rerun func(string)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return err
	}
	seen := info.ModTime()
	for {
		time.Sleep(500 * time.Millisecond)
		info, err := os.Stat(absPath)
		if err != nil {
			// the file may be mid-rename during an editor save
			continue
		}
		if info.ModTime().After(seen) {
			seen = info.ModTime()
			rerun(absPath)
		}
	}
}
