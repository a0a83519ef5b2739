package session

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/errclass"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/fsstore"
)

const lockWait = 5 * time.Second

func (r *Registry) recordPath(id string) string {
	return filepath.Join(r.opts.Dir, id+".json")
}

// CredentialDir is where the transport keeps the credentials of id.
func (r *Registry) CredentialDir(id string) string {
	return filepath.Join(r.opts.Dir, id)
}

func (r *Registry) withSessionLock(ctx context.Context, id string, fn func() error) error {
	lockPath, err := fsstore.BuildLockPath(r.opts.LockDir, fsstore.LockKey("session", id))
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	return fsstore.WithLock(ctx, lockPath, fn)
}

// persist writes the record atomically. Failures are logged and counted;
// the in-memory record stays authoritative.
func (r *Registry) persist(ctx context.Context, rec Session) {
	err := r.withSessionLock(ctx, rec.ID, func() error {
		return fsstore.WriteJSONAtomic(r.recordPath(rec.ID), rec, fsstore.FileOptions{})
	})
	if err != nil {
		err = errclass.Wrap(errclass.PersistenceFailure, "session", "persist", err)
		r.opts.Metrics.PersistenceFailure()
		r.logger.Warn("session_persist_failed", "session_id", rec.ID, "error", err)
	}
}

func (r *Registry) removeFiles(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := r.withSessionLock(ctx, id, func() error {
		ok, err := fsstore.Remove(r.recordPath(id))
		if err != nil {
			return err
		}
		creds, err := fsstore.RemoveTree(r.CredentialDir(id))
		if err != nil {
			return err
		}
		removed = ok || creds
		return nil
	})
	return removed, err
}

// load reads every persisted record into memory. Unreadable files are
// skipped with a warning.
func (r *Registry) load() error {
	files, err := fsstore.ListJSON(r.opts.Dir)
	if err != nil {
		return err
	}
	loaded := 0
	for _, f := range files {
		var rec Session
		ok, err := fsstore.ReadJSON(f.Path, &rec)
		if err != nil {
			r.logger.Warn("session_load_failed", "path", f.Path, "error", err)
			continue
		}
		if !ok {
			continue
		}
		rec.ID = strings.TrimSpace(rec.ID)
		if rec.ID == "" || rec.ID != f.Name {
			r.logger.Warn("session_load_skipped", "path", f.Path, "reason", "id mismatch")
			continue
		}
		rec.Config.SessionID = rec.ID
		if rec.Status == "" {
			rec.Status = StatusInactive
		}
		r.records[rec.ID] = &rec
		loaded++
	}
	if loaded > 0 {
		r.logger.Info("sessions_loaded", "count", loaded)
	}
	r.publishCounts()
	return nil
}
