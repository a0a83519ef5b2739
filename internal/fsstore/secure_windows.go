//go:build windows

package fsstore

// EnsureSecureDir falls back to EnsureDir; ownership is left to the ACLs.
func EnsureSecureDir(path string) error {
	return EnsureDir(path, 0o700)
}
