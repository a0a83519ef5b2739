//go:build !windows

package fsstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// EnsureSecureDir is EnsureDir for directories holding credentials: the
// path must not be a symlink, must be owned by the current user and ends
// up mode 0700.
func EnsureSecureDir(path string) error {
	dir, err := cleanPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("fsstore ensure secure dir %s: %w", dir, err)
	}
	var st unix.Stat_t
	if err := unix.Lstat(dir, &st); err != nil {
		return fmt.Errorf("fsstore stat %s: %w", dir, err)
	}
	switch {
	case st.Mode&unix.S_IFMT == unix.S_IFLNK:
		return fmt.Errorf("fsstore refusing symlink dir: %s", dir)
	case st.Mode&unix.S_IFMT != unix.S_IFDIR:
		return fmt.Errorf("fsstore not a directory: %s", dir)
	case int(st.Uid) != os.Getuid():
		return fmt.Errorf("fsstore dir %s owned by uid %d, not %d", dir, st.Uid, os.Getuid())
	}
	if perm := os.FileMode(st.Mode).Perm(); perm != 0o700 {
		if err := os.Chmod(dir, 0o700); err != nil {
			return fmt.Errorf("fsstore dir %s has mode %#o: %w", dir, perm, err)
		}
	}
	return nil
}
