// Package wsbridge implements transport.Dialer against an external protocol
// gateway that speaks JSON frames over a websocket. The gateway owns the
// messaging protocol; the bridge only relays events, sends and credential
// updates.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/fsstore"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/retryutil"
	"github.com/cornmankl/whatsapp-qr-optimizer/transport"
)

const (
	credsFilename = "creds.json"
	eventBuffer   = 64
	writeWait     = 10 * time.Second
	maxFrameSize  = 1 << 20
)

type Options struct {
	// BaseURL is the gateway root, for example http://127.0.0.1:3100.
	BaseURL string
	// CredentialsDir holds one <session>/creds.json per session.
	CredentialsDir string
	Token          string
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

type Dialer struct {
	base   *url.URL
	creds  string
	token  string
	http   *http.Client
	logger *slog.Logger
}

func New(opts Options) (*Dialer, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("gateway url must be http or https, got %q", base.Scheme)
	}
	if strings.TrimSpace(opts.CredentialsDir) == "" {
		return nil, fmt.Errorf("credentials dir is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dialer{
		base:   base,
		creds:  opts.CredentialsDir,
		token:  strings.TrimSpace(opts.Token),
		http:   opts.HTTPClient,
		logger: opts.Logger,
	}, nil
}

func (d *Dialer) authDir(sessionID string) string {
	return filepath.Join(d.creds, sessionID)
}

type versionResponse struct {
	Version string `json:"version"`
}

// Prepare negotiates the protocol version with the gateway and loads the
// stored credentials of the session.
func (d *Dialer) Prepare(ctx context.Context, sessionID string) (transport.Handshake, error) {
	if !fsstore.SafeName(sessionID) {
		return transport.Handshake{}, fmt.Errorf("invalid session id %q", sessionID)
	}
	dir := d.authDir(sessionID)
	if err := fsstore.EnsureSecureDir(dir); err != nil {
		return transport.Handshake{}, err
	}

	endpoint := d.base.JoinPath("v1", "version")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return transport.Handshake{}, err
	}
	d.authorize(req.Header)
	resp, err := d.http.Do(req)
	if err != nil {
		return transport.Handshake{}, fmt.Errorf("gateway version: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return transport.Handshake{}, fmt.Errorf("gateway version: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var v versionResponse
	if err := json.Unmarshal(body, &v); err != nil {
		return transport.Handshake{}, fmt.Errorf("gateway version: decode: %w", err)
	}

	var creds json.RawMessage
	registered, err := fsstore.ReadJSON(filepath.Join(dir, credsFilename), &creds)
	if err != nil {
		return transport.Handshake{}, fmt.Errorf("load credentials: %w", err)
	}
	return transport.Handshake{
		SessionID:  sessionID,
		Version:    strings.TrimSpace(v.Version),
		AuthDir:    dir,
		Registered: registered,
	}, nil
}

func (d *Dialer) authorize(h http.Header) {
	if d.token != "" {
		h.Set("Authorization", "Bearer "+d.token)
	}
}

func (d *Dialer) wsURL(sessionID string) string {
	u := d.base.JoinPath("v1", "sessions", sessionID, "connect")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// Frames exchanged with the gateway.
type frame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	Version     string          `json:"version,omitempty"`
	Browser     []string        `json:"browser,omitempty"`
	PairingMS   int64           `json:"pairingTimeoutMs,omitempty"`
	QueryMS     int64           `json:"queryTimeoutMs,omitempty"`
	KeepAliveMS int64           `json:"keepAliveMs,omitempty"`
	RetryMS     int64           `json:"retryDelayMs,omitempty"`
	MaxRetries  int             `json:"maxRetries,omitempty"`
	Creds       json.RawMessage `json:"creds,omitempty"`
	QR          string          `json:"qr,omitempty"`
	State       string          `json:"state,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	Self        *selfFrame      `json:"self,omitempty"`
	Message     *messageFrame   `json:"message,omitempty"`
	To          string          `json:"to,omitempty"`
	Text        string          `json:"text,omitempty"`
}

type selfFrame struct {
	PhoneNumber string `json:"phoneNumber"`
	DeviceName  string `json:"deviceName"`
	Platform    string `json:"platform"`
}

type messageFrame struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chatId"`
	PushName  string      `json:"pushName"`
	Text      string      `json:"text"`
	FromMe    bool        `json:"fromMe"`
	Timestamp int64       `json:"timestamp"`
	Media     *mediaFrame `json:"media,omitempty"`
}

type mediaFrame struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	Caption  string `json:"caption"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// Dial opens the gateway websocket and sends the hello frame carrying the
// dial options and any stored credentials. ctx bounds the dial only.
func (d *Dialer) Dial(ctx context.Context, hs transport.Handshake, opts transport.DialOptions) (transport.Conn, error) {
	ws := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.ConnectTimeout,
	}
	header := http.Header{}
	d.authorize(header)
	var conn *websocket.Conn
	err := retryutil.Do(ctx, d.logger, "gateway_dial", opts.MaxRetries, opts.RetryDelay, func(ctx context.Context) error {
		c, resp, err := ws.DialContext(ctx, d.wsURL(hs.SessionID), header)
		if err != nil {
			if resp != nil {
				err = fmt.Errorf("gateway dial: http %d: %w", resp.StatusCode, err)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return &retryutil.Permanent{Err: err}
				}
				return err
			}
			return fmt.Errorf("gateway dial: %w", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	var creds json.RawMessage
	if hs.AuthDir != "" {
		if _, err := fsstore.ReadJSON(filepath.Join(hs.AuthDir, credsFilename), &creds); err != nil {
			d.logger.Warn("credentials_unreadable", "session_id", hs.SessionID, "error", err)
			creds = nil
		}
	}
	hello := frame{
		Type:        "hello",
		SessionID:   hs.SessionID,
		Version:     hs.Version,
		Browser:     opts.Browser,
		PairingMS:   opts.PairingTimeout.Milliseconds(),
		QueryMS:     opts.QueryTimeout.Milliseconds(),
		KeepAliveMS: opts.KeepAlive.Milliseconds(),
		RetryMS:     opts.RetryDelay.Milliseconds(),
		MaxRetries:  opts.MaxRetries,
		Creds:       creds,
	}
	c := newConn(conn, hs, opts, d.logger)
	if err := c.write(hello, opts.ConnectTimeout); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway hello: %w", err)
	}
	go c.readPump()
	go c.pingPump()
	return c, nil
}

type conn struct {
	ws        *websocket.Conn
	sessionID string
	authDir   string
	keepAlive time.Duration
	query     time.Duration
	logger    *slog.Logger

	events chan transport.Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	sawClose  bool
}

func newConn(ws *websocket.Conn, hs transport.Handshake, opts transport.DialOptions, logger *slog.Logger) *conn {
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 20 * time.Second
	}
	query := opts.QueryTimeout
	if query <= 0 {
		query = writeWait
	}
	return &conn{
		ws:        ws,
		sessionID: hs.SessionID,
		authDir:   hs.AuthDir,
		keepAlive: keepAlive,
		query:     query,
		logger:    logger.With("session_id", hs.SessionID),
		events:    make(chan transport.Event, eventBuffer),
		done:      make(chan struct{}),
	}
}

func (c *conn) Events() <-chan transport.Event { return c.events }

func (c *conn) write(f frame, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = writeWait
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) Send(ctx context.Context, to, text string) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	timeout := c.query
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(frame{Type: "send", ID: uuid.NewString(), To: to, Text: text}, timeout)
}

func (c *conn) Logout(ctx context.Context) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.write(frame{Type: "logout"}, c.query); err != nil {
		return err
	}
	if c.authDir != "" {
		if _, err := fsstore.Remove(filepath.Join(c.authDir, credsFilename)); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the socket down. The read pump closes the event channel once
// it observes the closed socket.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *conn) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) readPump() {
	defer close(c.events)
	pongWait := 2 * c.keepAlive
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				reason := transport.ReasonConnectionLost
				if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
					reason = transport.ReasonTimedOut
				}
				c.logger.Debug("gateway_read_failed", "error", err.Error())
				c.mu.Lock()
				saw := c.sawClose
				c.mu.Unlock()
				if !saw {
					c.emit(transport.Event{Kind: transport.EventConnection, Connection: transport.ConnectionUpdate{
						State: transport.StateClose, Reason: reason, Err: err.Error(),
					}})
				}
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("gateway_frame_invalid", "error", err.Error())
			continue
		}
		ev, ok := c.translate(f)
		if !ok {
			continue
		}
		if !c.emit(ev) {
			return
		}
	}
}

// translate maps a gateway frame to a transport event. Credential updates
// are persisted and produce no event.
func (c *conn) translate(f frame) (transport.Event, bool) {
	switch f.Type {
	case "qr":
		return transport.Event{Kind: transport.EventPairingCode, PairingCode: f.QR}, f.QR != ""
	case "connection":
		u := transport.ConnectionUpdate{
			State:  transport.ConnectionState(f.State),
			Reason: transport.DisconnectReason(f.Reason),
			Err:    f.Error,
		}
		if f.Self != nil {
			u.Self = &transport.Identity{PhoneNumber: f.Self.PhoneNumber, DeviceName: f.Self.DeviceName, Platform: f.Self.Platform}
		}
		if u.State == transport.StateClose {
			c.mu.Lock()
			c.sawClose = true
			c.mu.Unlock()
		}
		return transport.Event{Kind: transport.EventConnection, Connection: u}, true
	case "message":
		if f.Message == nil {
			return transport.Event{}, false
		}
		m := f.Message
		msg := &transport.Message{
			ID:       m.ID,
			ChatID:   m.ChatID,
			PushName: m.PushName,
			Text:     m.Text,
			FromMe:   m.FromMe,
		}
		if m.Timestamp > 0 {
			msg.Timestamp = time.UnixMilli(m.Timestamp)
		}
		if m.Media != nil {
			msg.Media = &transport.Media{
				Kind:     transport.MediaKind(m.Media.Kind),
				MimeType: m.Media.MimeType,
				FileName: m.Media.FileName,
				Caption:  m.Media.Caption,
				Size:     m.Media.Size,
				URL:      m.Media.URL,
			}
		}
		return transport.Event{Kind: transport.EventMessage, Message: msg}, true
	case "creds.update":
		if c.authDir != "" && len(f.Creds) > 0 {
			path := filepath.Join(c.authDir, credsFilename)
			if err := fsstore.WriteJSONAtomic(path, f.Creds, fsstore.FileOptions{FilePerm: os.FileMode(0o600)}); err != nil {
				c.logger.Warn("credentials_save_failed", "error", err)
			}
		}
		return transport.Event{}, false
	default:
		return transport.Event{}, false
	}
}

func (c *conn) pingPump() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
