// Package fsx provides crash-safe filesystem primitives shared by the
// storage packages: atomic whole-file writes, durable line appends, and
// validation for store-relative paths.
//
// Every durable write follows the same discipline: write to a temp file
// in the destination directory, fsync the temp file, rename it over the
// destination, then fsync the parent directory. A crash at any point
// leaves either the old content or the new content, never a torn file.
package fsx

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrConflict reports that a write-once destination already exists with
// different content.
var ErrConflict = errors.New("destination exists with different content")

// WriteFileAtomic writes content to path atomically. The temp file is
// created in the destination directory so the final rename never
// crosses a filesystem boundary.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// Windows cannot rename over an existing file.
		if runtime.GOOS == "windows" {
			_ = os.Remove(path)
			if err2 := os.Rename(tmpPath, path); err2 != nil {
				return fmt.Errorf("rename temp file: %w", err2)
			}
		} else {
			return fmt.Errorf("rename temp file: %w", err)
		}
	}

	return SyncDir(dir)
}

// AppendLineAtomic appends a single line to the file at path, creating
// it if absent. The whole file is rewritten through a temp file so the
// append carries the same crash guarantee as WriteFileAtomic: callers
// keep appended files small and rotate them once they grow.
//
// A trailing newline is added to line when missing. Lines containing
// interior newlines are rejected.
func AppendLineAtomic(path string, line string, mode os.FileMode) error {
	trimmed := strings.TrimSuffix(line, "\n")
	if strings.ContainsRune(trimmed, '\n') {
		return fmt.Errorf("append line: interior newline in record")
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s before append: %w", path, err)
	}
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		return fmt.Errorf("append line: %s is not newline-terminated", path)
	}

	next := make([]byte, 0, len(existing)+len(trimmed)+1)
	next = append(next, existing...)
	next = append(next, trimmed...)
	next = append(next, '\n')

	return WriteFileAtomic(path, next, mode)
}

// WriteFileOnce writes content to path unless the path already holds
// identical bytes. It reports whether this call created the file; a
// repeat write of the same content is a no-op. Existing content that
// differs fails with ErrConflict and the original bytes stay in place.
func WriteFileOnce(path string, content []byte, mode os.FileMode) (bool, error) {
	existing, err := os.ReadFile(path)
	if err == nil {
		if bytes.Equal(existing, content) {
			return false, nil
		}
		return false, fmt.Errorf("write once %s: %w", path, ErrConflict)
	}
	if !os.IsNotExist(err) {
		return false, fmt.Errorf("read %s before write-once: %w", path, err)
	}
	if err := WriteFileAtomic(path, content, mode); err != nil {
		return false, err
	}
	return true, nil
}

// SyncDir fsyncs the directory at dir so a preceding rename or create
// within it is durable. Directory fsync is unsupported on Windows and
// is skipped there.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer func() {
		_ = d.Close()
	}()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// ValidateRelPath checks that rel is a clean, store-relative path: no
// absolute paths, no volume names, no "." or ".." segments, and forward
// slashes only. It returns the validated path unchanged so callers can
// record it verbatim.
func ValidateRelPath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("relative path is empty")
	}
	if strings.ContainsRune(rel, '\\') {
		return "", fmt.Errorf("relative path %q contains backslash", rel)
	}
	if strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("path %q is absolute", rel)
	}
	if filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("path %q carries a volume name", rel)
	}
	for _, seg := range strings.Split(rel, "/") {
		switch seg {
		case "":
			return "", fmt.Errorf("relative path %q contains empty segment", rel)
		case ".", "..":
			return "", fmt.Errorf("relative path %q contains %q segment", rel, seg)
		}
	}
	return rel, nil
}

// TempFilePattern reports whether name looks like an orphaned temp file
// left behind by an interrupted WriteFileAtomic.
func TempFilePattern(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}
