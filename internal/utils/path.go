// Package utils holds small filesystem helpers shared by the document
// store and the incremental state file.
package utils

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ResolveForWrite returns the path to write to, resolving symlinks.
// A path that does not exist yet is returned unchanged.
func ResolveForWrite(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return path, nil
		}
		return "", err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return filepath.EvalSymlinks(path)
	}
	return path, nil
}

// CanonicalizePath returns the absolute, symlink-resolved form of path,
// falling back to the best form available when a step fails.
func CanonicalizePath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	canonical, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return absPath
	}
	return canonical
}

// NormalizePathForComparison canonicalizes path and lowercases it on
// case-insensitive filesystems (darwin, windows). Use it for comparisons
// only, never for display or storage.
func NormalizePathForComparison(path string) string {
	if path == "" {
		return ""
	}
	canonical := CanonicalizePath(path)
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		canonical = strings.ToLower(canonical)
	}
	return canonical
}

// PathsEqual reports whether two paths name the same file location.
func PathsEqual(path1, path2 string) bool {
	return NormalizePathForComparison(path1) == NormalizePathForComparison(path2)
}
