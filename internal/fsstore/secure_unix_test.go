//go:build !windows

package fsstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureSecureDirTightensMode(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "creds")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := EnsureSecureDir(dir); err != nil {
		t.Fatalf("EnsureSecureDir() error = %v", err)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if fi.Mode().Perm() != 0o700 {
		t.Fatalf("mode = %#o, want 0700", fi.Mode().Perm())
	}
}

func TestEnsureSecureDirRejectsSymlink(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real")
	if err := os.Mkdir(target, 0o700); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}
	if err := EnsureSecureDir(link); err == nil {
		t.Fatalf("EnsureSecureDir(symlink) error = nil")
	}
}
