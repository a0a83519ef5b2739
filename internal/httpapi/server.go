// Package httpapi exposes the session registry and the pairing-code hub over
// HTTP: a query-action control surface, a polling endpoint, server-sent
// events and a websocket feed.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/connection"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/metrics"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/qrhub"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/session"
)

const (
	DefaultSessionID = "default"
	maxBodyBytes     = 1 << 20
	// StatusNotInitialized is reported for sessions without a controller.
	StatusNotInitialized = "Not initialized"
)

type Options struct {
	Registry *session.Registry
	Hub      *qrhub.Hub
	Metrics  *metrics.Metrics
	// AuthToken, when set, is required as a bearer token on every endpoint
	// except /health. Streaming endpoints also accept it as ?token=.
	AuthToken string
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

type Server struct {
	reg     *session.Registry
	hub     *qrhub.Hub
	metrics *metrics.Metrics
	token   string
	clock   clockwork.Clock
	logger  *slog.Logger
	mux     *http.ServeMux
}

func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		reg:     opts.Registry,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		token:   strings.TrimSpace(opts.AuthToken),
		clock:   opts.Clock,
		logger:  opts.Logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/whatsapp", s.requireAuth(false, s.handleWhatsApp))
	s.mux.HandleFunc("/api/whatsapp-qr/poll", s.requireAuth(false, s.handlePoll))
	s.mux.Handle("/api/whatsapp-qr/sse", s.requireAuth(true, qrhub.NewSSEHandler(s.hub, s.logger).ServeHTTP))
	s.mux.Handle("/ws", s.requireAuth(true, qrhub.NewWSHandler(s.hub, s.logger).ServeHTTP))
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.requireAuth(false, s.metrics.Handler().ServeHTTP))
	}
}

func (s *Server) requireAuth(allowQuery bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && !checkAuth(r, s.token, allowQuery) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func checkAuth(r *http.Request, token string, allowQuery bool) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	want := "Bearer " + token
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
		return true
	}
	if !allowQuery {
		return false
	}
	q := strings.TrimSpace(r.URL.Query().Get("token"))
	return q != "" && subtle.ConstantTimeCompare([]byte(q), []byte(token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	SessionID string `json:"sessionId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func sessionIDOrDefault(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultSessionID
	}
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"time":     s.clock.Now().Format(time.RFC3339Nano),
		"sessions": s.reg.SessionStats(),
		"hub":      s.hub.Stats(),
	})
}

func (s *Server) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimSpace(r.URL.Query().Get("action"))
	switch r.Method {
	case http.MethodGet:
		s.handleRead(w, r, action)
	case http.MethodPost:
		s.handleWrite(w, r, action)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, action string) {
	ctx := r.Context()
	id := sessionIDOrDefault(r.URL.Query().Get("sessionId"))
	switch action {
	case "status":
		status, connected := StatusNotInitialized, false
		if ctrl, ok := s.reg.GetSession(ctx, id); ok {
			status, connected = string(ctrl.State()), ctrl.Connected()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"connected": connected,
			"status":    status,
			"sessionId": id,
		})

	case "sessions":
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"sessions": s.reg.ListSessions(),
			"stats":    s.reg.SessionStats(),
		})

	case "health":
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"health":  s.reg.HealthCheck(),
		})

	case "qr":
		if _, ok := s.reg.GetSession(ctx, id); !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "Session not found", SessionID: id})
			return
		}
		if code, ok := s.reg.LatestPairingCode(id); ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":   true,
				"qr":        code,
				"timestamp": s.clock.Now(),
			})
			return
		}
		if !s.reg.ForcePairing(ctx, id) {
			writeError(w, http.StatusInternalServerError, "Failed to force QR generation")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "QR code generation forced, waiting for QR code...",
		})

	case "force-qr":
		if !s.reg.ForcePairing(ctx, id) {
			writeError(w, http.StatusInternalServerError, "Failed to force QR generation")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "QR code generation forced successfully",
		})

	default:
		writeError(w, http.StatusBadRequest, "Invalid action")
	}
}

type writeRequest struct {
	SessionID         string   `json:"sessionId"`
	AutoReply         *bool    `json:"autoReply"`
	AIEnabled         *bool    `json:"aiEnabled"`
	AuthorizedNumbers []string `json:"authorizedNumbers"`
	JID               string   `json:"jid"`
	Message           string   `json:"message"`
	Title             string   `json:"title"`
	Content           string   `json:"content"`
	BackupFile        string   `json:"backupFile"`
}

func (s *Server) configFor(req writeRequest, id string) connection.Config {
	cfg := s.reg.DefaultConfig(id)
	if req.AutoReply != nil {
		cfg.AutoReply = *req.AutoReply
	}
	if req.AIEnabled != nil {
		cfg.AIEnabled = *req.AIEnabled
	}
	if req.AuthorizedNumbers != nil {
		cfg.AuthorizedNumbers = req.AuthorizedNumbers
	}
	return cfg
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, action string) {
	var req writeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx := r.Context()
	id := sessionIDOrDefault(req.SessionID)

	switch action {
	case "initialize", "reinitialize":
		build := s.reg.Initialize
		msg := "Bot initialized successfully"
		if action == "reinitialize" {
			build = s.reg.Reinitialize
			msg = "Bot reinitialized successfully"
		}
		if _, err := build(ctx, id, s.configFor(req, id)); err != nil {
			s.logger.Warn("api_initialize_failed", "session_id", id, "action", action, "error", err)
			switch {
			case errors.Is(err, session.ErrAlreadyConnected):
				writeError(w, http.StatusBadRequest, "Session already exists and is connected. Please disconnect first or use a different session ID.")
			case errors.Is(err, session.ErrInvalidSessionID), errors.Is(err, session.ErrSessionExists):
				writeError(w, http.StatusBadRequest, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "Failed to initialize session")
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg, "sessionId": id})

	case "send":
		ctrl, ok := s.connected(ctx, id)
		if !ok {
			writeError(w, http.StatusBadRequest, "Bot not connected")
			return
		}
		if strings.TrimSpace(req.JID) == "" || strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, "JID and message are required")
			return
		}
		if err := ctrl.Send(ctx, req.JID, req.Message); err != nil {
			s.logger.Warn("api_send_failed", "session_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to send message")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Message sent"})

	case "notification":
		ctrl, ok := s.connected(ctx, id)
		if !ok {
			writeError(w, http.StatusBadRequest, "Bot not connected")
			return
		}
		if strings.TrimSpace(req.JID) == "" || strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, "JID, title, and content are required")
			return
		}
		if err := ctrl.SendNotification(ctx, req.JID, req.Title, req.Content); err != nil {
			s.logger.Warn("api_notification_failed", "session_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to send notification")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Notification sent"})

	case "disconnect":
		if !s.reg.DeleteSession(ctx, id) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Session disconnected"})

	case "backup":
		path, err := s.reg.BackupSession(ctx, id)
		if err != nil {
			s.logger.Warn("api_backup_failed", "session_id", id, "error", err)
			if errors.Is(err, session.ErrSessionNotFound) {
				writeError(w, http.StatusNotFound, "Session not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to backup session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Session backed up successfully", "backupFile": path})

	case "restore":
		if strings.TrimSpace(req.BackupFile) == "" {
			writeError(w, http.StatusBadRequest, "Backup file is required")
			return
		}
		restored, err := s.reg.RestoreSession(ctx, req.BackupFile)
		if err != nil {
			s.logger.Warn("api_restore_failed", "backup_file", req.BackupFile, "error", err)
			if errors.Is(err, session.ErrInvalidBackup) || errors.Is(err, session.ErrSessionExists) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to restore session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Session restored successfully", "sessionId": restored})

	default:
		writeError(w, http.StatusBadRequest, "Invalid action")
	}
}

func (s *Server) connected(ctx context.Context, id string) (*connection.Controller, bool) {
	ctrl, ok := s.reg.GetSession(ctx, id)
	if !ok || !ctrl.Connected() {
		return nil, false
	}
	return ctrl, true
}

type pollResponse struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"sessionId"`
	Connected bool      `json:"connected"`
	Status    string    `json:"status"`
	QR        *string   `json:"qr"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := sessionIDOrDefault(r.URL.Query().Get("sessionId"))
	ctrl, ok := s.reg.GetSession(r.Context(), id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Session not found", SessionID: id})
		return
	}
	resp := pollResponse{
		Success:   true,
		SessionID: id,
		Connected: ctrl.Connected(),
		Status:    string(ctrl.State()),
		Timestamp: s.clock.Now(),
	}
	if code, ok := s.reg.LatestPairingCode(id); ok {
		resp.QR = &code
	}
	writeJSON(w, http.StatusOK, resp)
}
