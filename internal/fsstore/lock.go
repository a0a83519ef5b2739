package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	lockKeyMaxLen = 120
	lockRetryWait = 25 * time.Millisecond
)

// LockKey derives a valid lock key from a namespace and a free-form id such as
// a session id. Characters outside [a-z0-9_-] are replaced with '_'.
func LockKey(namespace, id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(id)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	key := strings.ToLower(strings.TrimSpace(namespace)) + "." + b.String()
	if len(key) > lockKeyMaxLen {
		key = key[:lockKeyMaxLen]
	}
	return strings.Trim(key, ".")
}

func BuildLockPath(lockRoot string, lockKey string) (string, error) {
	root, err := cleanPath(lockRoot)
	if err != nil {
		return "", err
	}
	key, err := validateLockKey(lockKey)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, key+".lck"), nil
}

// WithLock runs fn while holding an exclusive advisory lock on lockPath. It
// waits for the lock until ctx is done.
func WithLock(ctx context.Context, lockPath string, fn func() error) error {
	p, err := cleanPath(lockPath)
	if err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := EnsureDir(filepath.Dir(p), defaultDirPerm); err != nil {
		return err
	}
	return withLockFile(ctx, p, fn)
}

func validateLockKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return "", fmt.Errorf("%w: empty lock key", ErrInvalidPath)
	case len(key) > lockKeyMaxLen:
		return "", fmt.Errorf("%w: lock key too long", ErrInvalidPath)
	case strings.ToLower(key) != key:
		return "", fmt.Errorf("%w: lock key must be lowercase", ErrInvalidPath)
	case strings.HasPrefix(key, ".") || strings.HasSuffix(key, "."):
		return "", fmt.Errorf("%w: lock key cannot start or end with dot", ErrInvalidPath)
	}
	for _, r := range key {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return "", fmt.Errorf("%w: invalid lock key character %q", ErrInvalidPath, r)
	}
	return key, nil
}

func stampLockOwner(file *os.File, lockPath string) {
	if file == nil {
		return
	}
	host, _ := os.Hostname()
	data, err := json.Marshal(map[string]any{
		"lock_path":   lockPath,
		"pid":         os.Getpid(),
		"hostname":    host,
		"acquired_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	_ = file.Truncate(0)
	_, _ = file.Seek(0, 0)
	_, _ = file.Write(append(data, '\n'))
}

func waitForLockRetry(ctx context.Context, lockPath string) error {
	timer := time.NewTimer(lockRetryWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, lockPath, ctx.Err())
	case <-timer.C:
		return nil
	}
}
