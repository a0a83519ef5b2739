package fsstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeAtomic replaces path with content via a synced temp file and rename,
// so readers never observe a partially written session record.
func writeAtomic(path string, content []byte, opts FileOptions) error {
	target, err := cleanPath(path)
	if err != nil {
		return err
	}
	opts = opts.withDefaults()

	dir := filepath.Dir(target)
	if err := EnsureDir(dir, opts.DirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrAtomicWriteFailed, target, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"write", func() error { _, err := tmp.Write(content); return err }},
		{"sync", tmp.Sync},
		{"chmod", func() error { return tmp.Chmod(opts.FilePerm) }},
		{"close", tmp.Close},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("%w: %s temp for %s: %v", ErrAtomicWriteFailed, step.name, target, err)
		}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("%w: rename temp for %s: %v", ErrAtomicWriteFailed, target, err)
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
