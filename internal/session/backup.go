package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/fsstore"
)

const BackupVersion = "1.0"

var ErrInvalidBackup = errors.New("invalid backup file")

// Backup is the on-disk backup envelope. Only metadata is included; the
// transport credentials are never copied.
type Backup struct {
	SessionData Session   `json:"sessionData"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
}

// BackupSession writes the record of id to the backup directory and returns
// the file path.
func (r *Registry) BackupSession(ctx context.Context, id string) (string, error) {
	rec, ok := r.Session(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, strings.TrimSpace(id))
	}
	now := r.clock.Now()
	path := filepath.Join(r.opts.BackupDir, fmt.Sprintf("%s_%d.json", rec.ID, now.UnixMilli()))
	b := Backup{SessionData: rec, Timestamp: now, Version: BackupVersion}
	err := r.withSessionLock(ctx, rec.ID, func() error {
		return fsstore.WriteJSONAtomic(path, b, fsstore.FileOptions{})
	})
	if err != nil {
		return "", fmt.Errorf("backup session %s: %w", rec.ID, err)
	}
	r.logger.Info("session_backed_up", "session_id", rec.ID, "path", path)
	return path, nil
}

// RestoreSession recreates a session from a backup file. Relative paths are
// resolved against the backup directory and no path may leave it. It
// returns the restored id.
func (r *Registry) RestoreSession(ctx context.Context, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidBackup)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.opts.BackupDir, path)
	}
	if !withinDir(r.opts.BackupDir, path) {
		return "", fmt.Errorf("%w: %s is outside the backup directory", ErrInvalidBackup, filepath.Base(path))
	}
	var b Backup
	ok, err := fsstore.ReadJSON(path, &b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s is missing or empty", ErrInvalidBackup, path)
	}
	id := strings.TrimSpace(b.SessionData.ID)
	if id == "" {
		return "", fmt.Errorf("%w: missing sessionData.id", ErrInvalidBackup)
	}
	cfg := b.SessionData.Config
	cfg.SessionID = id
	if _, err := r.CreateSession(ctx, id, cfg); err != nil {
		return "", err
	}
	if !b.SessionData.Metadata.IsZero() {
		meta := b.SessionData.Metadata
		r.UpdateSession(ctx, id, Patch{Metadata: &meta})
	}
	r.logger.Info("session_restored_from_backup", "session_id", id, "path", path)
	return id, nil
}

func withinDir(dir, path string) bool {
	base, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
