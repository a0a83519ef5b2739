// Package connection supervises one pairable messaging connection per
// session: preparation, dialing, pairing codes, reconnect backoff and the
// inbound message path.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/command"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/errclass"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/metrics"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/outputfmt"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/schedule"
	"github.com/cornmankl/whatsapp-qr-optimizer/transport"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultHandlerTimeout = 2 * time.Minute

	ReplyUnauthorized = "Maaf, anda tidak diizinkan menggunakan bot ini."
	ReplyApology      = "Maaf, terjadi kesalahan. Sila cuba lagi."
)

// Reasons attached to CLOSED transitions that did not come from the transport.
const (
	ReasonDisconnect transport.DisconnectReason = "disconnect"
	ReasonShutdown   transport.DisconnectReason = "shutdown"
)

var ErrClosed = errors.New("connection: controller closed")

type State string

const (
	StateUninitialized  State = "UNINITIALIZED"
	StatePreInitialized State = "PRE_INITIALIZED"
	StateConnecting     State = "CONNECTING"
	StateQRPending      State = "QR_PENDING"
	StateConnected      State = "CONNECTED"
	StateDisconnected   State = "DISCONNECTED"
	StateClosed         State = "CLOSED"
)

// Config is the per-session behaviour fixed at creation time.
type Config struct {
	SessionID         string   `json:"sessionId"`
	AutoReply         bool     `json:"autoReply"`
	AIEnabled         bool     `json:"aiEnabled"`
	AuthorizedNumbers []string `json:"authorizedNumbers,omitempty"`
}

// Authorized reports whether number may use the bot. An empty allow-list
// admits no one.
func (c Config) Authorized(number string) bool {
	number = strings.TrimPrefix(strings.TrimSpace(number), "+")
	for _, allowed := range c.AuthorizedNumbers {
		if strings.TrimPrefix(strings.TrimSpace(allowed), "+") == number {
			return true
		}
	}
	return false
}

type Metadata struct {
	PhoneNumber string `json:"phoneNumber,omitempty"`
	DeviceName  string `json:"deviceName,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// LifecycleEvent describes one state transition.
type LifecycleEvent struct {
	SessionID string
	From      State
	To        State
	Reason    transport.DisconnectReason
	Metadata  Metadata
	Err       error
}

// Publisher receives pairing codes and coarse connection status for fan-out.
type Publisher interface {
	PublishPairingCode(sessionID, code string) int
	PublishStatus(sessionID, connection string) int
	PublishError(sessionID, message string) int
	ClearPairingCode(sessionID string)
}

// Dispatcher answers authorised inbound messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, in command.Inbound) (string, error)
	HandleMedia(ctx context.Context, in command.Inbound, media transport.Media) (string, error)
}

type Options struct {
	Config     Config
	Dialer     transport.Dialer
	Publisher  Publisher
	Dispatcher Dispatcher
	// OnLifecycle runs with the controller lock held, in transition order.
	// It must not call back into the controller.
	OnLifecycle func(LifecycleEvent)

	DialOptions      transport.DialOptions
	ForceDialOptions transport.DialOptions
	ReconnectDelay   time.Duration
	HandlerTimeout   time.Duration
	Clock            clockwork.Clock
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Controller is the state machine around a single transport connection.
type Controller struct {
	id         string
	dialer     transport.Dialer
	publisher  Publisher
	dispatcher Dispatcher
	onEvent    func(LifecycleEvent)

	dialOpts       transport.DialOptions
	forceDialOpts  transport.DialOptions
	reconnectDelay time.Duration
	handlerTimeout time.Duration
	clock          clockwork.Clock
	logger         *slog.Logger
	metrics        *metrics.Metrics

	prepare singleflight.Group

	mu             sync.Mutex
	cfg            Config
	state          State
	handshake      *transport.Handshake
	conn           transport.Conn
	gen            uint64
	reconnect      *schedule.Task
	dialStarted    time.Time
	awaitingFirst  bool
	pairingLatency time.Duration
	meta           Metadata
	lastErr        string
	createdAt      time.Time
}

func New(opts Options) (*Controller, error) {
	id := strings.TrimSpace(opts.Config.SessionID)
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	opts.Config.SessionID = id
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.DialOptions.ConnectTimeout <= 0 {
		opts.DialOptions = transport.DefaultDialOptions()
	}
	if opts.ForceDialOptions.ConnectTimeout <= 0 {
		opts.ForceDialOptions = transport.AggressiveDialOptions()
	}
	return &Controller{
		id:             id,
		cfg:            opts.Config,
		dialer:         opts.Dialer,
		publisher:      opts.Publisher,
		dispatcher:     opts.Dispatcher,
		onEvent:        opts.OnLifecycle,
		dialOpts:       opts.DialOptions,
		forceDialOpts:  opts.ForceDialOptions,
		reconnectDelay: opts.ReconnectDelay,
		handlerTimeout: opts.HandlerTimeout,
		clock:          opts.Clock,
		logger:         opts.Logger.With("session_id", id),
		metrics:        opts.Metrics,
		state:          StateUninitialized,
		createdAt:      opts.Clock.Now(),
	}, nil
}

func (c *Controller) SessionID() string { return c.id }

func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.cfg
	cfg.AuthorizedNumbers = append([]string(nil), c.cfg.AuthorizedNumbers...)
	return cfg
}

// Adopt replaces the configuration of a controller that has not dialed yet,
// so a pre-warmed controller can be handed to a newly created session. It
// reports false once a connection has been attempted.
func (c *Controller) Adopt(cfg Config) bool {
	cfg.SessionID = strings.TrimSpace(cfg.SessionID)
	if cfg.SessionID != c.id {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUninitialized && c.state != StatePreInitialized {
		return false
	}
	cfg.AuthorizedNumbers = append([]string(nil), cfg.AuthorizedNumbers...)
	c.cfg = cfg
	return true
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Connected() bool {
	return c.State() == StateConnected
}

// Status is a point-in-time view of the controller.
type Status struct {
	SessionID      string        `json:"sessionId"`
	State          State         `json:"state"`
	Connected      bool          `json:"connected"`
	Prepared       bool          `json:"prepared"`
	Metadata       Metadata      `json:"metadata"`
	LastError      string        `json:"lastError,omitempty"`
	PairingLatency time.Duration `json:"pairingLatencyNs,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		SessionID:      c.id,
		State:          c.state,
		Connected:      c.state == StateConnected,
		Prepared:       c.handshake != nil,
		Metadata:       c.meta,
		LastError:      c.lastErr,
		PairingLatency: c.pairingLatency,
		CreatedAt:      c.createdAt,
	}
}

// PreInitialize runs the transport preparation once. Concurrent callers
// share the same attempt; a failed attempt is forgotten so a later call
// retries.
func (c *Controller) PreInitialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.handshake != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ch := c.prepare.DoChan("prepare", func() (any, error) {
		start := c.clock.Now()
		hs, err := c.dialer.Prepare(ctx, c.id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.handshake == nil {
			c.handshake = &hs
		}
		c.setStateLocked(StatePreInitialized, transport.ReasonUnknown, nil)
		c.logger.Info("session_prepared", "version", hs.Version, "registered", hs.Registered, "duration_ms", c.clock.Since(start).Milliseconds())
		return hs, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			err := errclass.Wrap(errclass.InitializationFailure, "connection", "prepare", res.Err)
			c.recordError(err)
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize prepares the session if needed and dials with the normal
// timeouts. It is a no-op when a connection is already live.
func (c *Controller) Initialize(ctx context.Context) error {
	if err := c.PreInitialize(ctx); err != nil {
		return err
	}
	return c.dial(ctx, c.dialOpts, false)
}

// ForceReconnect drops the current connection and redials with aggressive
// timeouts to obtain a fresh pairing code quickly. A connected session is
// left alone.
func (c *Controller) ForceReconnect(ctx context.Context) error {
	if err := c.PreInitialize(ctx); err != nil {
		return err
	}
	if c.State() == StateConnected {
		return nil
	}
	c.logger.Info("force_reconnect")
	return c.dial(ctx, c.forceDialOpts, true)
}

func (c *Controller) dial(ctx context.Context, opts transport.DialOptions, force bool) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !force && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.handshake == nil {
		c.mu.Unlock()
		return errclass.Wrapf(errclass.InitializationFailure, "connection", "dial", "session %s is not prepared", c.id)
	}
	old := c.conn
	c.conn = nil
	c.gen++
	gen := c.gen
	c.stopReconnectLocked()
	hs := *c.handshake
	c.dialStarted = c.clock.Now()
	c.awaitingFirst = true
	c.setStateLocked(StateConnecting, transport.ReasonUnknown, nil)
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	conn, err := c.dialer.Dial(ctx, hs, opts)

	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed {
		closed := c.state == StateClosed
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if closed {
			return ErrClosed
		}
		return nil
	}
	if err != nil {
		err = errclass.Wrap(errclass.TransientDisconnect, "connection", "dial", err)
		c.lastErr = err.Error()
		c.setStateLocked(StateDisconnected, transport.ReasonConnectionLost, err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.Warn("dial_failed", "error", err)
		if c.publisher != nil {
			c.publisher.PublishError(c.id, outputfmt.ForDisplay(err))
		}
		return err
	}
	c.conn = conn
	c.mu.Unlock()

	go c.run(gen, conn)
	return nil
}

// Disconnect logs the device out, closes the connection and cancels any
// pending reconnect. The controller is unusable afterwards.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.terminate(ctx, ReasonDisconnect, true)
}

// Stop closes the connection without logging out so the stored credentials
// stay valid for the next process.
func (c *Controller) Stop() {
	_ = c.terminate(context.Background(), ReasonShutdown, false)
}

func (c *Controller) terminate(ctx context.Context, reason transport.DisconnectReason, logout bool) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.state == StateConnected
	conn := c.conn
	c.conn = nil
	c.gen++
	c.stopReconnectLocked()
	c.setStateLocked(StateClosed, reason, nil)
	c.mu.Unlock()

	if c.publisher != nil {
		c.publisher.ClearPairingCode(c.id)
		c.publisher.PublishStatus(c.id, string(transport.StateClose))
	}
	if conn == nil {
		return nil
	}
	var err error
	if logout && wasConnected {
		if lerr := conn.Logout(ctx); lerr != nil {
			c.logger.Warn("logout_failed", "error", lerr)
			err = lerr
		}
	}
	if cerr := conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Send delivers text when the session is connected. It returns
// transport.ErrNotConnected otherwise.
func (c *Controller) Send(ctx context.Context, to, text string) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		c.logger.Debug("send_skipped", "reason", "not_connected")
		return transport.ErrNotConnected
	}
	return conn.Send(ctx, transport.ChatID(to), text)
}

// FormatNotification renders the notification envelope.
func FormatNotification(title, body string) string {
	return fmt.Sprintf("🔔 *%s*\n\n%s", title, body)
}

func (c *Controller) SendNotification(ctx context.Context, to, title, body string) error {
	return c.Send(ctx, to, FormatNotification(title, body))
}

func (c *Controller) run(gen uint64, conn transport.Conn) {
	for ev := range conn.Events() {
		if !c.current(gen) {
			return
		}
		switch ev.Kind {
		case transport.EventPairingCode:
			c.onPairingCode(gen, ev.PairingCode)
		case transport.EventConnection:
			if !c.onConnection(gen, conn, ev.Connection) {
				return
			}
		case transport.EventMessage:
			if ev.Message != nil {
				c.onMessage(*ev.Message)
			}
		}
	}
	// The stream ended without a close event.
	c.onConnection(gen, conn, transport.ConnectionUpdate{State: transport.StateClose, Reason: transport.ReasonConnectionLost})
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && c.state != StateClosed
}

func (c *Controller) onPairingCode(gen uint64, code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state == StateClosed {
		return
	}
	if c.publisher != nil {
		c.publisher.PublishPairingCode(c.id, code)
	}
	if c.awaitingFirst {
		c.awaitingFirst = false
		c.pairingLatency = c.clock.Since(c.dialStarted)
		c.metrics.ObservePairingCode(c.pairingLatency)
	}
	c.setStateLocked(StateQRPending, transport.ReasonUnknown, nil)
}

// onConnection applies a connection update and reports whether the event
// loop should keep reading.
func (c *Controller) onConnection(gen uint64, conn transport.Conn, u transport.ConnectionUpdate) bool {
	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	switch u.State {
	case transport.StateConnecting:
		if c.state != StateQRPending {
			c.setStateLocked(StateConnecting, transport.ReasonUnknown, nil)
		}
		c.mu.Unlock()
		if c.publisher != nil {
			c.publisher.PublishStatus(c.id, string(transport.StateConnecting))
		}
		return true

	case transport.StateOpen:
		if u.Self != nil {
			c.meta = Metadata{PhoneNumber: u.Self.PhoneNumber, DeviceName: u.Self.DeviceName, Platform: u.Self.Platform}
		}
		c.lastErr = ""
		if c.publisher != nil {
			c.publisher.ClearPairingCode(c.id)
		}
		c.setStateLocked(StateConnected, transport.ReasonUnknown, nil)
		c.mu.Unlock()
		c.logger.Info("session_connected", "phone_number", c.meta.PhoneNumber)
		if c.publisher != nil {
			c.publisher.PublishStatus(c.id, string(transport.StateOpen))
		}
		return true

	case transport.StateClose:
		c.conn = nil
		var err error
		if u.Err != "" {
			err = errors.New(u.Err)
			c.lastErr = u.Err
		}
		if u.Reason.Terminal() {
			c.gen++
			c.stopReconnectLocked()
			c.setStateLocked(StateClosed, u.Reason, errclass.Wrap(errclass.AuthFailure, "connection", "close", errOr(err, "logged out")))
			c.logger.Warn("session_logged_out")
		} else {
			c.setStateLocked(StateDisconnected, u.Reason, errclass.Wrap(errclass.TransientDisconnect, "connection", "close", errOr(err, string(u.Reason))))
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		if c.publisher != nil {
			c.publisher.PublishStatus(c.id, string(transport.StateClose))
		}
		_ = conn.Close()
		return false
	}
	c.mu.Unlock()
	return true
}

func errOr(err error, fallback string) error {
	if err != nil {
		return err
	}
	if fallback == "" {
		fallback = "connection closed"
	}
	return errors.New(fallback)
}

func (c *Controller) scheduleReconnectLocked() {
	c.stopReconnectLocked()
	c.metrics.Reconnect()
	c.logger.Info("reconnect_scheduled", "delay", c.reconnectDelay.String())
	var task *schedule.Task
	task = schedule.After(schedule.Options{
		Name:   "reconnect",
		Clock:  c.clock,
		Logger: c.logger,
	}, c.reconnectDelay, func(ctx context.Context) error {
		c.mu.Lock()
		if c.reconnect == task {
			c.reconnect = nil
		}
		if c.state != StateDisconnected {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return c.dial(ctx, c.dialOpts, true)
	})
	c.reconnect = task
}

func (c *Controller) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// setStateLocked records a transition; CLOSED is absorbing.
func (c *Controller) setStateLocked(to State, reason transport.DisconnectReason, err error) {
	from := c.state
	if from == to || from == StateClosed {
		return
	}
	if to == StatePreInitialized && from != StateUninitialized {
		return
	}
	c.state = to
	c.metrics.Transition(string(to))
	attrs := []any{"from", string(from), "to", string(to)}
	if reason != "" {
		attrs = append(attrs, "reason", string(reason))
	}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}
	c.logger.Info("connection_state", attrs...)
	if c.onEvent != nil {
		c.onEvent(LifecycleEvent{
			SessionID: c.id,
			From:      from,
			To:        to,
			Reason:    reason,
			Metadata:  c.meta,
			Err:       err,
		})
	}
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	c.logger.Error("session_prepare_failed", "error", err)
	if c.publisher != nil {
		c.publisher.PublishError(c.id, outputfmt.ForDisplay(err))
	}
}

func (c *Controller) onMessage(msg transport.Message) {
	if msg.FromMe {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" && msg.Media == nil {
		return
	}
	sender := msg.SenderNumber()
	cfg := c.Config()
	ctx, cancel := context.WithTimeout(context.Background(), c.handlerTimeout)
	defer cancel()

	if !cfg.Authorized(sender) {
		c.logger.Warn("message_rejected", "sender", sender)
		c.reply(ctx, msg.ChatID, ReplyUnauthorized)
		return
	}
	if c.dispatcher == nil {
		return
	}
	in := command.Inbound{
		SessionID: c.id,
		ChatID:    msg.ChatID,
		Sender:    sender,
		PushName:  msg.PushName,
		Text:      text,
		AIEnabled: cfg.AIEnabled,
		Connected: c.Connected(),
	}
	reply, err := c.handle(ctx, in, msg.Media)
	if err != nil {
		// Failures are always answered, autoReply or not.
		c.logger.Warn("message_failed", "sender", sender, "error", err)
		c.reply(ctx, msg.ChatID, ReplyApology)
		return
	}
	if reply == "" || !cfg.AutoReply {
		return
	}
	c.reply(ctx, msg.ChatID, reply)
}

func (c *Controller) handle(ctx context.Context, in command.Inbound, media *transport.Media) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message_panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			reply = ""
			err = errclass.Wrapf(errclass.HandlerFailure, "connection", "message", "panic: %v", r)
		}
	}()
	if media != nil {
		return c.dispatcher.HandleMedia(ctx, in, *media)
	}
	return c.dispatcher.Dispatch(ctx, in)
}

func (c *Controller) reply(ctx context.Context, chatID, text string) {
	if err := c.Send(ctx, chatID, text); err != nil {
		c.logger.Warn("reply_failed", "error", err)
	}
}
