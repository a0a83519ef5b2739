package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/connection"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/metrics"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/qrhub"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/session"
	"github.com/cornmankl/whatsapp-qr-optimizer/transport"
	"github.com/cornmankl/whatsapp-qr-optimizer/transport/transporttest"
)

const (
	testToken = "s3cret"
	waitFor   = 2 * time.Second
)

type fixture struct {
	srv    *httptest.Server
	reg    *session.Registry
	dialer *transporttest.Dialer
	hub    *qrhub.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	clock := clockwork.NewFakeClock()
	m := metrics.New()
	hub := qrhub.New(qrhub.Options{Clock: clock, Metrics: m})
	dialer := transporttest.NewDialer()
	reg, err := session.New(session.Options{
		Dir:      filepath.Join(dir, "sessions"),
		LockDir:  filepath.Join(dir, ".fslocks"),
		Dialer:   dialer,
		Hub:      hub,
		Defaults: connection.Config{AutoReply: true, AIEnabled: true},
		Clock:    clock,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	api, err := New(Options{Registry: reg, Hub: hub, Metrics: m, AuthToken: testToken, Clock: clock})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = reg.Shutdown(ctx)
		hub.Close()
	})
	return &fixture{srv: srv, reg: reg, dialer: dialer, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do(%s %s) error = %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

// initialize creates a session over the API and returns its first dial.
func (f *fixture) initialize(t *testing.T, id string) *transporttest.Conn {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/api/whatsapp?action=initialize", map[string]any{"sessionId": id})
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("initialize = %d %v", code, body)
	}
	return f.dialer.NextConn(t, waitFor)
}

func TestAuthIsRequiredExceptHealth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health status = %d", resp.StatusCode)
	}

	for _, path := range []string{"/api/whatsapp?action=sessions", "/api/whatsapp-qr/poll", "/metrics"} {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("GET %s status = %d, want 401", path, resp.StatusCode)
		}
	}

	resp, err = http.Get(f.srv.URL + "/metrics?token=" + testToken)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("query token accepted on /metrics: %d", resp.StatusCode)
	}
}

func TestStatusOfUnknownSession(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/whatsapp?action=status&sessionId=ghost", nil)
	if code != http.StatusOK || body["status"] != StatusNotInitialized || body["connected"] != false {
		t.Fatalf("status = %d %v", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/api/whatsapp-qr/poll?sessionId=ghost", nil)
	if code != http.StatusNotFound || body["error"] != "Session not found" || body["sessionId"] != "ghost" {
		t.Fatalf("poll = %d %v", code, body)
	}
}

func TestInitializePollAndSend(t *testing.T) {
	f := newFixture(t)
	conn := f.initialize(t, "alpha")

	conn.EmitPairingCode("2@pair")
	var body map[string]any
	require.Eventually(t, func() bool {
		_, body = f.do(t, http.MethodGet, "/api/whatsapp-qr/poll?sessionId=alpha", nil)
		return body["status"] == string(connection.StateQRPending)
	}, waitFor, 5*time.Millisecond)
	if body["qr"] != "2@pair" || body["connected"] != false {
		t.Fatalf("poll = %v", body)
	}

	code, body := f.do(t, http.MethodPost, "/api/whatsapp?action=send", map[string]any{"sessionId": "alpha", "jid": "60222", "message": "hi"})
	if code != http.StatusBadRequest || body["error"] != "Bot not connected" {
		t.Fatalf("send before open = %d %v", code, body)
	}

	conn.EmitOpen(&transport.Identity{PhoneNumber: "60111"})
	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/whatsapp?action=status&sessionId=alpha", nil)
		return body["connected"] == true
	}, waitFor, 5*time.Millisecond)

	code, body = f.do(t, http.MethodGet, "/api/whatsapp-qr/poll?sessionId=alpha", nil)
	if code != http.StatusOK || body["qr"] != nil {
		t.Fatalf("poll after open = %d %v, want cleared qr", code, body)
	}

	code, body = f.do(t, http.MethodPost, "/api/whatsapp?action=send", map[string]any{"sessionId": "alpha", "jid": "60222"})
	if code != http.StatusBadRequest || body["error"] != "JID and message are required" {
		t.Fatalf("send without message = %d %v", code, body)
	}
	code, _ = f.do(t, http.MethodPost, "/api/whatsapp?action=send", map[string]any{"sessionId": "alpha", "jid": "60222", "message": "hi"})
	if code != http.StatusOK {
		t.Fatalf("send status = %d", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/whatsapp?action=notification", map[string]any{"sessionId": "alpha", "jid": "60222", "title": "Ping", "content": "Body"})
	if code != http.StatusOK {
		t.Fatalf("notification status = %d", code)
	}
	sent := conn.WaitSent(t, 2, waitFor)
	if sent[0].To != "60222@s.whatsapp.net" || sent[0].Text != "hi" {
		t.Fatalf("sent[0] = %+v", sent[0])
	}
	if !strings.HasPrefix(sent[1].Text, "🔔 *Ping*") {
		t.Fatalf("sent[1] = %+v", sent[1])
	}

	code, body = f.do(t, http.MethodPost, "/api/whatsapp?action=initialize", map[string]any{"sessionId": "alpha"})
	if code != http.StatusBadRequest || !strings.Contains(body["error"].(string), "already exists and is connected") {
		t.Fatalf("initialize connected = %d %v", code, body)
	}
}

func TestDisconnectAndBackupRestore(t *testing.T) {
	f := newFixture(t)
	f.initialize(t, "alpha")

	code, body := f.do(t, http.MethodPost, "/api/whatsapp?action=backup", map[string]any{"sessionId": "alpha"})
	if code != http.StatusOK {
		t.Fatalf("backup = %d %v", code, body)
	}
	backupFile, _ := body["backupFile"].(string)
	if backupFile == "" {
		t.Fatalf("backup response = %v", body)
	}

	code, _ = f.do(t, http.MethodPost, "/api/whatsapp?action=disconnect", map[string]any{"sessionId": "alpha"})
	if code != http.StatusOK {
		t.Fatalf("disconnect status = %d", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/whatsapp?action=disconnect", map[string]any{"sessionId": "alpha"})
	if code != http.StatusNotFound {
		t.Fatalf("second disconnect status = %d, want 404", code)
	}

	code, body = f.do(t, http.MethodPost, "/api/whatsapp?action=restore", map[string]any{"backupFile": filepath.Base(backupFile)})
	if code != http.StatusOK || body["sessionId"] != "alpha" {
		t.Fatalf("restore = %d %v", code, body)
	}
	if _, ok := f.reg.Session("alpha"); !ok {
		t.Fatalf("restored session missing")
	}

	code, _ = f.do(t, http.MethodPost, "/api/whatsapp?action=restore", map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("restore without file = %d, want 400", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/whatsapp?action=restore", map[string]any{"backupFile": "missing.json"})
	if code != http.StatusBadRequest {
		t.Fatalf("restore missing file = %d, want 400", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/whatsapp?action=backup", map[string]any{"sessionId": "ghost"})
	if code != http.StatusNotFound {
		t.Fatalf("backup unknown = %d, want 404", code)
	}
}

func TestSessionsAndHealthListing(t *testing.T) {
	f := newFixture(t)
	f.initialize(t, "alpha")

	code, body := f.do(t, http.MethodGet, "/api/whatsapp?action=sessions", nil)
	if code != http.StatusOK {
		t.Fatalf("sessions = %d %v", code, body)
	}
	sessions, _ := body["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %v", body["sessions"])
	}
	stats, _ := body["stats"].(map[string]any)
	if stats["total"] != float64(1) {
		t.Fatalf("stats = %v", stats)
	}

	code, body = f.do(t, http.MethodGet, "/api/whatsapp?action=health", nil)
	health, _ := body["health"].([]any)
	if code != http.StatusOK || len(health) != 1 {
		t.Fatalf("health = %d %v", code, body)
	}
}

func TestForcePairingUsesAggressiveDial(t *testing.T) {
	f := newFixture(t)
	conn := f.initialize(t, "alpha")
	conn.EmitClose(transport.ReasonConnectionLost)

	code, body := f.do(t, http.MethodGet, "/api/whatsapp?action=force-qr&sessionId=alpha", nil)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("force-qr = %d %v", code, body)
	}
	f.dialer.NextConn(t, waitFor)
	opts := f.dialer.Options()
	if got := opts[len(opts)-1]; got.PairingTimeout != transport.AggressiveDialOptions().PairingTimeout {
		t.Fatalf("last dial options = %+v, want aggressive", got)
	}
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/whatsapp?action=nope", nil)
	if code != http.StatusBadRequest || body["error"] != "Invalid action" {
		t.Fatalf("GET invalid = %d %v", code, body)
	}
	code, _ = f.do(t, http.MethodPost, "/api/whatsapp?action=nope", map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("POST invalid = %d", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/whatsapp?action=initialize", map[string]any{"sessionId": "../x"})
	if code != http.StatusBadRequest {
		t.Fatalf("unsafe id = %d, want 400", code)
	}
	code, _ = f.do(t, http.MethodGet, "/api/whatsapp?action=qr&sessionId=ghost", nil)
	if code != http.StatusNotFound {
		t.Fatalf("qr unknown = %d, want 404", code)
	}
}
