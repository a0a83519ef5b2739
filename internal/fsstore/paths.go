package fsstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func cleanPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return filepath.Clean(path), nil
}

// EnsureDir creates path and its parents with perm (owner-only when zero).
func EnsureDir(path string, perm os.FileMode) error {
	dir, err := cleanPath(path)
	if err != nil {
		return err
	}
	if perm == 0 {
		perm = defaultDirPerm
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("fsstore ensure dir %s: %w", dir, err)
	}
	return nil
}

// SafeName reports whether name can be used as a single path element. It
// rejects separators and dot-only names so ids coming over HTTP can never
// escape their directory.
func SafeName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return filepath.Base(name) == name
}

// Remove deletes a file and reports whether it existed.
func Remove(path string) (bool, error) {
	p, err := cleanPath(path)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("fsstore remove %s: %w", p, err)
	}
	return true, nil
}

// RemoveTree deletes a directory tree and reports whether it existed.
func RemoveTree(path string) (bool, error) {
	p, err := cleanPath(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("fsstore stat %s: %w", p, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return false, fmt.Errorf("fsstore remove tree %s: %w", p, err)
	}
	return true, nil
}
