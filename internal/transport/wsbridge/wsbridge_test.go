package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cornmankl/whatsapp-qr-optimizer/transport"
)

// gateway is a scripted stand-in for the protocol gateway. Each accepted
// socket receives the frames in script after the hello frame arrives.
type gateway struct {
	t      *testing.T
	script []frame
	hellos chan frame
	client chan frame
}

func newGateway(t *testing.T, script ...frame) (*gateway, *httptest.Server) {
	t.Helper()
	g := &gateway{t: t, script: script, hellos: make(chan frame, 4), client: make(chan frame, 16)}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/version", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"version":"2.3000.1"}`))
	})
	mux.HandleFunc("/v1/sessions/{id}/connect", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var hello frame
		if err := ws.ReadJSON(&hello); err != nil {
			return
		}
		g.hellos <- hello
		for _, f := range g.script {
			if err := ws.WriteJSON(f); err != nil {
				return
			}
		}
		for {
			var f frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			g.client <- f
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return g, srv
}

func newDialer(t *testing.T, srv *httptest.Server) (*Dialer, string) {
	t.Helper()
	dir := t.TempDir()
	d, err := New(Options{BaseURL: srv.URL, CredentialsDir: dir, Token: "secret"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d, dir
}

func collect(t *testing.T, conn transport.Conn, n int) []transport.Event {
	t.Helper()
	var out []transport.Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				t.Fatalf("events closed after %d of %d", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{CredentialsDir: t.TempDir()}); err == nil {
		t.Fatalf("New() without url should fail")
	}
	if _, err := New(Options{BaseURL: "ftp://host", CredentialsDir: t.TempDir()}); err == nil {
		t.Fatalf("New() with ftp url should fail")
	}
	if _, err := New(Options{BaseURL: "http://host"}); err == nil {
		t.Fatalf("New() without credentials dir should fail")
	}
}

func TestPrepareReadsVersionAndCredentials(t *testing.T) {
	_, srv := newGateway(t)
	d, dir := newDialer(t, srv)

	hs, err := d.Prepare(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if hs.Version != "2.3000.1" || hs.Registered || hs.AuthDir != filepath.Join(dir, "alpha") {
		t.Fatalf("Prepare() = %+v", hs)
	}

	if err := os.WriteFile(filepath.Join(dir, "alpha", credsFilename), []byte(`{"me":"60111"}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	hs, err = d.Prepare(context.Background(), "alpha")
	if err != nil || !hs.Registered {
		t.Fatalf("Prepare() = %+v, %v, want registered", hs, err)
	}

	if _, err := d.Prepare(context.Background(), "../escape"); err == nil {
		t.Fatalf("Prepare() accepted an unsafe id")
	}
}

func TestPrepareRejectsBadToken(t *testing.T) {
	_, srv := newGateway(t)
	d, err := New(Options{BaseURL: srv.URL, CredentialsDir: t.TempDir(), Token: "wrong"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = d.Prepare(context.Background(), "alpha")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("Prepare() error = %v, want http 401", err)
	}
}

func TestDialRelaysGatewayFrames(t *testing.T) {
	g, srv := newGateway(t,
		frame{Type: "connection", State: "connecting"},
		frame{Type: "qr", QR: "2@abc"},
		frame{Type: "creds.update", Creds: json.RawMessage(`{"me":"60111"}`)},
		frame{Type: "bogus"},
		frame{Type: "connection", State: "open", Self: &selfFrame{PhoneNumber: "60111", DeviceName: "Pixel", Platform: "android"}},
		frame{Type: "message", Message: &messageFrame{
			ID: "m1", ChatID: "60222@s.whatsapp.net", Text: "/help", Timestamp: 1_700_000_000_000,
			Media: &mediaFrame{Kind: "image", MimeType: "image/png"},
		}},
	)
	d, dir := newDialer(t, srv)
	ctx := context.Background()
	hs, err := d.Prepare(ctx, "alpha")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	opts := transport.AggressiveDialOptions()
	conn, err := d.Dial(ctx, hs, opts)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	hello := <-g.hellos
	if hello.Type != "hello" || hello.SessionID != "alpha" || hello.PairingMS != opts.PairingTimeout.Milliseconds() {
		t.Fatalf("hello = %+v", hello)
	}

	events := collect(t, conn, 4)
	if events[0].Kind != transport.EventConnection || events[0].Connection.State != transport.StateConnecting {
		t.Fatalf("event[0] = %+v", events[0])
	}
	if events[1].Kind != transport.EventPairingCode || events[1].PairingCode != "2@abc" {
		t.Fatalf("event[1] = %+v", events[1])
	}
	if self := events[2].Connection.Self; events[2].Connection.State != transport.StateOpen || self == nil || self.DeviceName != "Pixel" {
		t.Fatalf("event[2] = %+v", events[2])
	}
	msg := events[3].Message
	if msg == nil || msg.SenderNumber() != "60222" || msg.Media == nil || msg.Media.Extension() != "png" {
		t.Fatalf("event[3] = %+v", events[3])
	}
	if !msg.Timestamp.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Fatalf("timestamp = %v", msg.Timestamp)
	}

	data, err := os.ReadFile(filepath.Join(dir, "alpha", credsFilename))
	if err != nil || !strings.Contains(string(data), "60111") {
		t.Fatalf("stored creds = %q, %v", data, err)
	}
}

func TestSendAndLogoutReachGateway(t *testing.T) {
	g, srv := newGateway(t)
	d, dir := newDialer(t, srv)
	ctx := context.Background()
	hs, err := d.Prepare(ctx, "alpha")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	credsPath := filepath.Join(dir, "alpha", credsFilename)
	if err := os.WriteFile(credsPath, []byte(`{"me":"60111"}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	conn, err := d.Dial(ctx, hs, transport.DefaultDialOptions())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	hello := <-g.hellos
	if !strings.Contains(string(hello.Creds), "60111") {
		t.Fatalf("hello creds = %s", hello.Creds)
	}

	if err := conn.Send(ctx, "60222@s.whatsapp.net", "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	sent := <-g.client
	if sent.Type != "send" || sent.To != "60222@s.whatsapp.net" || sent.Text != "hi" || sent.ID == "" {
		t.Fatalf("send frame = %+v", sent)
	}

	if err := conn.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if f := <-g.client; f.Type != "logout" {
		t.Fatalf("logout frame = %+v", f)
	}
	if _, err := os.Stat(credsPath); !os.IsNotExist(err) {
		t.Fatalf("creds still present after logout: %v", err)
	}
}

func TestCloseEndsEventStream(t *testing.T) {
	_, srv := newGateway(t)
	d, _ := newDialer(t, srv)
	ctx := context.Background()
	hs, _ := d.Prepare(ctx, "alpha")
	conn, err := d.Dial(ctx, hs, transport.DefaultDialOptions())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = conn.Close()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-conn.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	if err := conn.Send(ctx, "60222", "late"); err != transport.ErrClosed {
		t.Fatalf("Send() after close error = %v, want ErrClosed", err)
	}
}

func TestGatewayDropEmitsConnectionLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/version" {
			_, _ = w.Write([]byte(`{"version":"1"}`))
			return
		}
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var hello frame
		_ = ws.ReadJSON(&hello)
		_ = ws.Close()
	}))
	t.Cleanup(srv.Close)
	d, err := New(Options{BaseURL: srv.URL, CredentialsDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	hs, err := d.Prepare(ctx, "alpha")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	conn, err := d.Dial(ctx, hs, transport.DefaultDialOptions())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	ev := collect(t, conn, 1)[0]
	if ev.Connection.State != transport.StateClose || ev.Connection.Reason != transport.ReasonConnectionLost {
		t.Fatalf("event = %+v, want connection_lost close", ev)
	}
}

func TestDialRetriesServerErrorsButNotRejections(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	reject := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n, rej := attempts, reject
		mu.Unlock()
		if rej {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if n < 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var f frame
		for ws.ReadJSON(&f) == nil {
		}
	}))
	t.Cleanup(srv.Close)
	d, err := New(Options{BaseURL: srv.URL, CredentialsDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	opts := transport.DefaultDialOptions()
	opts.RetryDelay = time.Millisecond
	hs := transport.Handshake{SessionID: "alpha"}

	conn, err := d.Dial(context.Background(), hs, opts)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	_ = conn.Close()
	mu.Lock()
	if attempts != 2 {
		mu.Unlock()
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	mu.Unlock()

	mu.Lock()
	attempts, reject = 0, true
	mu.Unlock()
	if _, err := d.Dial(context.Background(), hs, opts); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("Dial() error = %v, want http 401", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("rejected dial attempted %d times, want 1", attempts)
	}
}
