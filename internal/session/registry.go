// Package session owns the connection controllers of every session, the
// persisted session records and the background maintenance around them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/connection"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/fsstore"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/metrics"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/qrhub"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/schedule"
	"github.com/cornmankl/whatsapp-qr-optimizer/transport"
)

var (
	ErrSessionExists    = errors.New("session already exists")
	ErrSessionNotFound  = errors.New("session not found")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrInvalidSessionID = errors.New("invalid session id")
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Session is the persisted record of one pairing identity.
type Session struct {
	ID         string              `json:"id"`
	Config     connection.Config   `json:"config"`
	Status     Status              `json:"status"`
	LastActive time.Time           `json:"lastActive"`
	CreatedAt  time.Time           `json:"createdAt"`
	Metadata   connection.Metadata `json:"metadata"`
}

func (s Session) clone() Session {
	s.Config.AuthorizedNumbers = append([]string(nil), s.Config.AuthorizedNumbers...)
	return s
}

// Patch is a partial update applied by UpdateSession.
type Patch struct {
	Status   *Status
	Metadata *connection.Metadata
}

type Options struct {
	// Dir holds <id>.json records and the <id>/ credential directories.
	Dir        string
	BackupDir  string
	LockDir    string
	Dialer     transport.Dialer
	Hub        *qrhub.Hub
	Dispatcher connection.Dispatcher

	Defaults        connection.Config
	PrewarmIDs      []string
	ResumeActive    bool
	PrewarmInterval time.Duration
	CleanupInterval time.Duration
	HealthInterval  time.Duration
	Retention       time.Duration

	ReconnectDelay   time.Duration
	HandlerTimeout   time.Duration
	DialOptions      transport.DialOptions
	ForceDialOptions transport.DialOptions

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

const (
	DefaultPrewarmInterval = 30 * time.Second
	DefaultCleanupInterval = 24 * time.Hour
	DefaultHealthInterval  = time.Hour
	DefaultRetention       = 30 * 24 * time.Hour
)

// Registry is the single owner of session controllers. Controller
// callbacks take the registry lock, so the registry never calls into a
// controller while holding it.
type Registry struct {
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger

	group singleflight.Group

	mu          sync.RWMutex
	controllers map[string]*connection.Controller
	prewarmed   map[string]*connection.Controller
	records     map[string]*Session

	lifecycleMu sync.Mutex
	tasks       []*schedule.Task
	wg          sync.WaitGroup
	bgCtx       context.Context
	bgCancel    context.CancelFunc
}

func New(opts Options) (*Registry, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("session dir is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if opts.BackupDir == "" {
		opts.BackupDir = opts.Dir + "/backups"
	}
	if opts.LockDir == "" {
		opts.LockDir = opts.Dir + "/.fslocks"
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PrewarmInterval <= 0 {
		opts.PrewarmInterval = DefaultPrewarmInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if err := fsstore.EnsureDir(opts.Dir, 0); err != nil {
		return nil, err
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:        opts,
		clock:       opts.Clock,
		logger:      opts.Logger,
		controllers: make(map[string]*connection.Controller),
		prewarmed:   make(map[string]*connection.Controller),
		records:     make(map[string]*Session),
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
	}
	if err := r.load(); err != nil {
		bgCancel()
		return nil, err
	}
	return r, nil
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if !fsstore.SafeName(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return id, nil
}

// DefaultConfig is the configuration used for sessions created without an
// explicit one.
func (r *Registry) DefaultConfig(id string) connection.Config {
	cfg := r.opts.Defaults
	cfg.SessionID = id
	cfg.AuthorizedNumbers = append([]string(nil), r.opts.Defaults.AuthorizedNumbers...)
	return cfg
}

func (r *Registry) newController(cfg connection.Config) (*connection.Controller, error) {
	var ctrl *connection.Controller
	ctrl, err := connection.New(connection.Options{
		Config:     cfg,
		Dialer:     r.opts.Dialer,
		Publisher:  r.publisher(),
		Dispatcher: r.opts.Dispatcher,
		OnLifecycle: func(ev connection.LifecycleEvent) {
			r.onLifecycle(ctrl, ev)
		},
		DialOptions:      r.opts.DialOptions,
		ForceDialOptions: r.opts.ForceDialOptions,
		ReconnectDelay:   r.opts.ReconnectDelay,
		HandlerTimeout:   r.opts.HandlerTimeout,
		Clock:            r.clock,
		Logger:           r.logger,
		Metrics:          r.opts.Metrics,
	})
	return ctrl, err
}

func (r *Registry) publisher() connection.Publisher {
	if r.opts.Hub == nil {
		return nil
	}
	return r.opts.Hub
}

// CreateSession registers a new session, prepares its controller and starts
// pairing in the background. A pre-warmed controller for id is adopted.
func (r *Registry) CreateSession(ctx context.Context, id string, cfg connection.Config) (*connection.Controller, error) {
	ctrl, err := r.create(ctx, id, cfg)
	if err != nil {
		return nil, err
	}
	r.goBackground(func(ctx context.Context) {
		if err := ctrl.Initialize(ctx); err != nil {
			r.logger.Warn("session_initialize_failed", "session_id", ctrl.SessionID(), "error", err)
		}
	})
	return ctrl, nil
}

func (r *Registry) create(ctx context.Context, id string, cfg connection.Config) (*connection.Controller, error) {
	id, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	cfg.SessionID = id

	r.mu.Lock()
	if r.controllers[id] != nil || r.records[id] != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	ctrl := r.prewarmed[id]
	delete(r.prewarmed, id)
	r.mu.Unlock()

	if ctrl != nil && !ctrl.Adopt(cfg) {
		ctrl.Stop()
		ctrl = nil
	}
	if ctrl == nil {
		if ctrl, err = r.newController(cfg); err != nil {
			return nil, err
		}
	}

	now := r.clock.Now()
	rec := &Session{ID: id, Config: cfg, Status: StatusActive, CreatedAt: now, LastActive: now}
	r.mu.Lock()
	if r.controllers[id] != nil || r.records[id] != nil {
		r.mu.Unlock()
		ctrl.Stop()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.controllers[id] = ctrl
	r.records[id] = rec
	snapshot := rec.clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.publishCounts()
	r.logger.Info("session_created", "session_id", id, "auto_reply", cfg.AutoReply, "ai_enabled", cfg.AIEnabled)

	if err := ctrl.PreInitialize(ctx); err != nil {
		r.evict(id, ctrl)
		ctrl.Stop()
		r.markStatus(ctx, id, StatusError)
		return nil, err
	}
	return ctrl, nil
}

// GetSession returns the resident controller for id, building and preparing
// one from the persisted record when needed. Concurrent callers for the same
// id share one construction.
func (r *Registry) GetSession(ctx context.Context, id string) (*connection.Controller, bool) {
	id = strings.TrimSpace(id)
	r.mu.RLock()
	ctrl := r.controllers[id]
	_, persisted := r.records[id]
	r.mu.RUnlock()
	if ctrl != nil {
		return ctrl, true
	}
	if !persisted {
		return nil, false
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		r.mu.Lock()
		if existing := r.controllers[id]; existing != nil {
			r.mu.Unlock()
			return existing, nil
		}
		rec := r.records[id]
		if rec == nil {
			r.mu.Unlock()
			return nil, ErrSessionNotFound
		}
		cfg := rec.clone().Config
		ctrl := r.prewarmed[id]
		delete(r.prewarmed, id)
		r.mu.Unlock()

		if ctrl != nil && !ctrl.Adopt(cfg) {
			ctrl.Stop()
			ctrl = nil
		}
		if ctrl == nil {
			var err error
			if ctrl, err = r.newController(cfg); err != nil {
				r.markStatus(ctx, id, StatusError)
				return nil, err
			}
		}
		if err := ctrl.PreInitialize(ctx); err != nil {
			ctrl.Stop()
			r.markStatus(ctx, id, StatusError)
			return nil, err
		}
		r.mu.Lock()
		if existing := r.controllers[id]; existing != nil || r.records[id] == nil {
			r.mu.Unlock()
			ctrl.Stop()
			if existing == nil {
				return nil, ErrSessionNotFound
			}
			return existing, nil
		}
		r.controllers[id] = ctrl
		recovered := r.records[id].Status == StatusError
		r.mu.Unlock()
		if recovered {
			// PRE_INITIALIZED fired before the controller was registered.
			r.markStatus(ctx, id, StatusActive)
		}
		r.logger.Info("session_restored", "session_id", id)
		return ctrl, nil
	})
	if err != nil {
		r.logger.Warn("session_get_failed", "session_id", id, "error", err)
		return nil, false
	}
	return v.(*connection.Controller), true
}

func (r *Registry) evict(id string, ctrl *connection.Controller) {
	r.mu.Lock()
	if r.controllers[id] == ctrl {
		delete(r.controllers, id)
	}
	r.mu.Unlock()
}

// DeleteSession disconnects the session and removes its record and
// credentials. It reports whether anything existed.
func (r *Registry) DeleteSession(ctx context.Context, id string) bool {
	id, err := normalizeID(id)
	if err != nil {
		return false
	}
	r.mu.Lock()
	ctrl := r.controllers[id]
	warm := r.prewarmed[id]
	rec := r.records[id]
	delete(r.controllers, id)
	delete(r.prewarmed, id)
	delete(r.records, id)
	r.mu.Unlock()

	existed := ctrl != nil || warm != nil || rec != nil
	if ctrl != nil {
		if err := ctrl.Disconnect(ctx); err != nil {
			r.logger.Warn("session_disconnect_failed", "session_id", id, "error", err)
		}
	}
	if warm != nil {
		warm.Stop()
	}
	removed, err := r.removeFiles(ctx, id)
	if err != nil {
		r.logger.Warn("session_remove_failed", "session_id", id, "error", err)
	}
	if r.opts.Hub != nil {
		r.opts.Hub.ClearPairingCode(id)
	}
	existed = existed || removed
	if existed {
		r.publishCounts()
		r.logger.Info("session_deleted", "session_id", id)
	}
	return existed
}

// UpdateSession merges patch into the record and bumps lastActive.
func (r *Registry) UpdateSession(ctx context.Context, id string, patch Patch) bool {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	rec := r.records[id]
	if rec == nil {
		r.mu.Unlock()
		return false
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.Metadata != nil && !patch.Metadata.IsZero() {
		rec.Metadata = mergeMetadata(rec.Metadata, *patch.Metadata)
	}
	rec.LastActive = r.clock.Now()
	snapshot := rec.clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	if patch.Status != nil {
		r.publishCounts()
	}
	return true
}

func mergeMetadata(base, patch connection.Metadata) connection.Metadata {
	if patch.PhoneNumber != "" {
		base.PhoneNumber = patch.PhoneNumber
	}
	if patch.DeviceName != "" {
		base.DeviceName = patch.DeviceName
	}
	if patch.Platform != "" {
		base.Platform = patch.Platform
	}
	return base
}

func (r *Registry) markStatus(ctx context.Context, id string, status Status) {
	r.UpdateSession(ctx, id, Patch{Status: &status})
}

// Session returns a copy of the record for id.
func (r *Registry) Session(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.records[strings.TrimSpace(id)]
	if rec == nil {
		return Session{}, false
	}
	return rec.clone(), true
}

// ListSessions returns every record, oldest first.
func (r *Registry) ListSessions() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) ActiveSessions() []Session {
	all := r.ListSessions()
	out := all[:0]
	for _, s := range all {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out
}

// Initialize creates id, replacing a stale session that is not connected.
// It fails with ErrAlreadyConnected when the session is live.
func (r *Registry) Initialize(ctx context.Context, id string, cfg connection.Config) (*connection.Controller, error) {
	id = strings.TrimSpace(id)
	r.mu.RLock()
	ctrl := r.controllers[id]
	r.mu.RUnlock()
	if ctrl != nil && ctrl.Connected() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, id)
	}
	r.DeleteSession(ctx, id)
	return r.CreateSession(ctx, id, cfg)
}

// Reinitialize always drops the existing session before creating it again.
func (r *Registry) Reinitialize(ctx context.Context, id string, cfg connection.Config) (*connection.Controller, error) {
	r.DeleteSession(ctx, id)
	return r.CreateSession(ctx, id, cfg)
}

// ForcePairing asks the session for a fresh pairing code, creating the
// session with the default configuration when it does not exist.
func (r *Registry) ForcePairing(ctx context.Context, id string) bool {
	ctrl, ok := r.GetSession(ctx, id)
	if !ok {
		var err error
		ctrl, err = r.create(ctx, id, r.DefaultConfig(strings.TrimSpace(id)))
		if err != nil {
			r.logger.Warn("force_pairing_failed", "session_id", id, "error", err)
			return false
		}
	}
	if err := ctrl.ForceReconnect(ctx); err != nil {
		r.logger.Warn("force_pairing_failed", "session_id", id, "error", err)
		return false
	}
	return true
}

func (r *Registry) LatestPairingCode(id string) (string, bool) {
	if r.opts.Hub == nil {
		return "", false
	}
	e, ok := r.opts.Hub.LatestPairingCode(strings.TrimSpace(id))
	if !ok {
		return "", false
	}
	return e.Payload, true
}

// onLifecycle keeps the persisted status in line with controller
// transitions. It runs under the controller lock.
func (r *Registry) onLifecycle(ctrl *connection.Controller, ev connection.LifecycleEvent) {
	if ev.To == connection.StateClosed && ev.Reason == connection.ReasonShutdown {
		return
	}
	r.mu.Lock()
	if ctrl == nil || r.controllers[ev.SessionID] != ctrl {
		r.mu.Unlock()
		return
	}
	rec := r.records[ev.SessionID]
	if rec == nil {
		r.mu.Unlock()
		return
	}
	prev := rec.Status
	switch ev.To {
	case connection.StateConnected:
		rec.Status = StatusActive
		rec.Metadata = mergeMetadata(rec.Metadata, ev.Metadata)
	case connection.StateClosed:
		rec.Status = StatusInactive
	case connection.StatePreInitialized, connection.StateConnecting, connection.StateQRPending:
		rec.Status = StatusActive
	case connection.StateDisconnected:
		// Still retrying; the coarse status is unchanged.
	}
	rec.LastActive = r.clock.Now()
	snapshot := rec.clone()
	r.mu.Unlock()

	r.persist(context.Background(), snapshot)
	if prev != snapshot.Status {
		r.publishCounts()
	}
}

func (r *Registry) publishCounts() {
	if r.opts.Metrics == nil {
		return
	}
	counts := map[string]int{
		string(StatusActive):   0,
		string(StatusInactive): 0,
		string(StatusError):    0,
	}
	r.mu.RLock()
	for _, rec := range r.records {
		counts[string(rec.Status)]++
	}
	r.mu.RUnlock()
	r.opts.Metrics.SetSessionCounts(counts)
}

func (r *Registry) goBackground(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.bgCtx)
	}()
}
