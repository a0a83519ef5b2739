package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/connection"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/fsstore"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/schedule"
)

// Start runs one pre-warm pass, resumes active sessions when configured and
// schedules the periodic pre-warm, cleanup and health tasks.
func (r *Registry) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if len(r.tasks) > 0 {
		return fmt.Errorf("session registry already started")
	}

	r.Prewarm(ctx)
	if r.opts.ResumeActive {
		for _, s := range r.ActiveSessions() {
			id := s.ID
			r.goBackground(func(ctx context.Context) {
				ctrl, ok := r.GetSession(ctx, id)
				if !ok {
					return
				}
				if err := ctrl.Initialize(ctx); err != nil {
					r.logger.Warn("session_resume_failed", "session_id", id, "error", err)
				}
			})
		}
	}

	opts := func(name string) schedule.Options {
		return schedule.Options{Name: name, Clock: r.clock, Logger: r.logger}
	}
	r.tasks = append(r.tasks,
		schedule.Every(opts("session_prewarm"), r.opts.PrewarmInterval, func(ctx context.Context) error {
			r.Prewarm(ctx)
			return nil
		}),
		schedule.Every(opts("session_cleanup"), r.opts.CleanupInterval, func(ctx context.Context) error {
			_, err := r.Cleanup(ctx)
			return err
		}),
		schedule.Every(opts("session_health"), r.opts.HealthInterval, func(context.Context) error {
			r.logHealth()
			return nil
		}),
	)
	r.logger.Info("session_registry_started",
		"sessions", len(r.ListSessions()),
		"prewarm_ids", strings.Join(r.opts.PrewarmIDs, ","),
		"resume_active", r.opts.ResumeActive,
	)
	return nil
}

// Shutdown stops maintenance and closes every connection without logging
// the devices out.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.lifecycleMu.Lock()
	for _, t := range r.tasks {
		t.Stop()
	}
	r.tasks = nil
	r.lifecycleMu.Unlock()

	r.bgCancel()

	r.mu.Lock()
	ctrls := make([]*connection.Controller, 0, len(r.controllers)+len(r.prewarmed))
	for _, c := range r.controllers {
		ctrls = append(ctrls, c)
	}
	for id, c := range r.prewarmed {
		ctrls = append(ctrls, c)
		delete(r.prewarmed, id)
	}
	r.mu.Unlock()
	for _, c := range ctrls {
		c.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("session_registry_stopped", "controllers", len(ctrls))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prewarm prepares a controller for each well-known id that has no resident
// controller yet, so the first pairing request skips the preparation.
func (r *Registry) Prewarm(ctx context.Context) {
	for _, raw := range r.opts.PrewarmIDs {
		id, err := normalizeID(raw)
		if err != nil {
			continue
		}
		r.mu.Lock()
		if r.controllers[id] != nil || r.prewarmed[id] != nil {
			r.mu.Unlock()
			continue
		}
		cfg := r.DefaultConfig(id)
		if rec := r.records[id]; rec != nil {
			cfg = rec.clone().Config
		}
		r.mu.Unlock()

		ctrl, err := r.newController(cfg)
		if err != nil {
			r.logger.Warn("session_prewarm_failed", "session_id", id, "error", err)
			continue
		}
		r.mu.Lock()
		if r.controllers[id] != nil || r.prewarmed[id] != nil {
			r.mu.Unlock()
			continue
		}
		r.prewarmed[id] = ctrl
		r.mu.Unlock()

		if err := ctrl.PreInitialize(ctx); err != nil {
			r.mu.Lock()
			if r.prewarmed[id] == ctrl {
				delete(r.prewarmed, id)
			}
			r.mu.Unlock()
			ctrl.Stop()
			r.logger.Warn("session_prewarm_failed", "session_id", id, "error", err)
			continue
		}
		r.logger.Debug("session_prewarmed", "session_id", id)
	}
}

// Prewarmed reports whether a prepared, unclaimed controller exists for id.
func (r *Registry) Prewarmed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prewarmed[strings.TrimSpace(id)] != nil
}

// CleanupResult counts what one cleanup pass removed.
type CleanupResult struct {
	Sessions int
	Backups  int
	QRCodes  int
}

// Cleanup reaps inactive sessions idle past the retention period, backups
// older than the retention period and expired pairing codes.
func (r *Registry) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	cutoff := r.clock.Now().Add(-r.opts.Retention)

	var stale []string
	r.mu.RLock()
	for id, rec := range r.records {
		if rec.Status == StatusInactive && rec.LastActive.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range stale {
		if r.DeleteSession(ctx, id) {
			res.Sessions++
		}
	}

	files, err := fsstore.ListJSON(r.opts.BackupDir)
	if err != nil {
		return res, err
	}
	for _, f := range files {
		if !f.ModTime.Before(cutoff) {
			continue
		}
		if ok, err := fsstore.Remove(f.Path); err != nil {
			r.logger.Warn("backup_remove_failed", "path", f.Path, "error", err)
		} else if ok {
			res.Backups++
		}
	}
	if r.opts.Hub != nil {
		res.QRCodes = r.opts.Hub.Sweep()
	}
	if res.Sessions > 0 || res.Backups > 0 {
		r.logger.Info("session_cleanup", "sessions", res.Sessions, "backups", res.Backups, "qr_codes", res.QRCodes)
	}
	return res, nil
}

func (r *Registry) logHealth() {
	results := r.HealthCheck()
	unhealthy := 0
	for _, h := range results {
		if h.Healthy {
			continue
		}
		unhealthy++
		r.logger.Warn("session_unhealthy", "session_id", h.SessionID, "reason", h.Reason)
	}
	r.logger.Info("session_health", "sessions", len(results), "unhealthy", unhealthy)
}

// Stats summarises the persisted sessions.
type Stats struct {
	Total         int        `json:"total"`
	Active        int        `json:"active"`
	Inactive      int        `json:"inactive"`
	Error         int        `json:"error"`
	Resident      int        `json:"resident"`
	Prewarmed     int        `json:"prewarmed"`
	OldestSession *time.Time `json:"oldestSession"`
	NewestSession *time.Time `json:"newestSession"`
}

func (r *Registry) SessionStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Total: len(r.records), Resident: len(r.controllers), Prewarmed: len(r.prewarmed)}
	for _, rec := range r.records {
		switch rec.Status {
		case StatusActive:
			st.Active++
		case StatusInactive:
			st.Inactive++
		case StatusError:
			st.Error++
		}
		created := rec.CreatedAt
		if st.OldestSession == nil || created.Before(*st.OldestSession) {
			st.OldestSession = &created
		}
		if st.NewestSession == nil || created.After(*st.NewestSession) {
			st.NewestSession = &created
		}
	}
	return st
}

type HealthResult struct {
	SessionID string           `json:"sessionId"`
	Healthy   bool             `json:"healthy"`
	Status    Status           `json:"status,omitempty"`
	State     connection.State `json:"state"`
	Reason    string           `json:"reason,omitempty"`
}

// HealthCheck reports on every resident or persisted session. A session is
// healthy only when its controller is connected.
func (r *Registry) HealthCheck() []HealthResult {
	type entry struct {
		id     string
		status Status
		ctrl   *connection.Controller
	}
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.records)+len(r.controllers))
	for id, rec := range r.records {
		entries[id] = &entry{id: id, status: rec.Status}
	}
	for id, c := range r.controllers {
		e := entries[id]
		if e == nil {
			e = &entry{id: id, status: StatusActive}
			entries[id] = e
		}
		e.ctrl = c
	}
	r.mu.RUnlock()

	out := make([]HealthResult, 0, len(entries))
	for _, e := range entries {
		state := connection.StateUninitialized
		if e.ctrl != nil {
			state = e.ctrl.State()
		}
		res := HealthResult{SessionID: e.id, Status: e.status, State: state}
		switch {
		case e.status == StatusError:
			res.Reason = "session in error state"
		case e.status != StatusActive:
			res.Reason = "session not active"
		case state != connection.StateConnected:
			res.Reason = "not connected: " + string(state)
		default:
			res.Healthy = true
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
