// Package transporttest provides an in-memory transport for tests. Tests
// script the remote side by emitting events on the fake connection.
package transporttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cornmankl/whatsapp-qr-optimizer/transport"
)

type Sent struct {
	To   string
	Text string
}

type Dialer struct {
	mu         sync.Mutex
	prepareErr error
	dialErr    error
	prepares   int
	conns      []*Conn
	options    []transport.DialOptions
	dialed     chan *Conn
	gate       chan struct{}
}

func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Conn, 64)}
}

func (d *Dialer) FailPrepare(err error) {
	d.mu.Lock()
	d.prepareErr = err
	d.mu.Unlock()
}

func (d *Dialer) FailDial(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

// HoldPrepare makes Prepare block until the returned release func is called.
func (d *Dialer) HoldPrepare() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (d *Dialer) Prepare(ctx context.Context, sessionID string) (transport.Handshake, error) {
	d.mu.Lock()
	d.prepares++
	gate := d.gate
	err := d.prepareErr
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return transport.Handshake{}, ctx.Err()
		}
	}
	if err != nil {
		return transport.Handshake{}, err
	}
	return transport.Handshake{SessionID: sessionID, Version: "fake-1"}, nil
}

func (d *Dialer) Dial(_ context.Context, hs transport.Handshake, opts transport.DialOptions) (transport.Conn, error) {
	d.mu.Lock()
	if d.dialErr != nil {
		err := d.dialErr
		d.mu.Unlock()
		return nil, err
	}
	c := &Conn{SessionID: hs.SessionID, events: make(chan transport.Event, 256)}
	d.conns = append(d.conns, c)
	d.options = append(d.options, opts)
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

func (d *Dialer) Prepares() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prepares
}

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

func (d *Dialer) Options() []transport.DialOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.DialOptions(nil), d.options...)
}

// NextConn waits for the next Dial.
func (d *Dialer) NextConn(t testing.TB, timeout time.Duration) *Conn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(timeout):
		t.Fatalf("no dial within %s", timeout)
		return nil
	}
}

// ExpectNoDial fails the test if a Dial happens within wait.
func (d *Dialer) ExpectNoDial(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case <-d.dialed:
		t.Fatalf("unexpected dial")
	case <-time.After(wait):
	}
}

type Conn struct {
	SessionID string

	mu        sync.Mutex
	events    chan transport.Event
	sent      []Sent
	sendErr   error
	closed    bool
	loggedOut bool
}

func (c *Conn) Events() <-chan transport.Event { return c.events }

func (c *Conn) Send(_ context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, Sent{To: to, Text: text})
	return nil
}

func (c *Conn) Logout(context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *Conn) FailSend(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Emit queues an event for the consumer. It reports false once the
// connection is closed.
func (c *Conn) Emit(ev transport.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Conn) EmitPairingCode(code string) bool {
	return c.Emit(transport.Event{Kind: transport.EventPairingCode, PairingCode: code})
}

func (c *Conn) EmitConnecting() bool {
	return c.Emit(transport.Event{Kind: transport.EventConnection, Connection: transport.ConnectionUpdate{State: transport.StateConnecting}})
}

func (c *Conn) EmitOpen(self *transport.Identity) bool {
	return c.Emit(transport.Event{Kind: transport.EventConnection, Connection: transport.ConnectionUpdate{State: transport.StateOpen, Self: self}})
}

func (c *Conn) EmitClose(reason transport.DisconnectReason) bool {
	return c.Emit(transport.Event{Kind: transport.EventConnection, Connection: transport.ConnectionUpdate{State: transport.StateClose, Reason: reason}})
}

func (c *Conn) EmitMessage(msg transport.Message) bool {
	return c.Emit(transport.Event{Kind: transport.EventMessage, Message: &msg})
}

func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// WaitSent polls until at least n messages were sent.
func (c *Conn) WaitSent(t testing.TB, n int, timeout time.Duration) []Sent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if sent := c.Sent(); len(sent) >= n {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent %d messages, want %d", len(c.Sent()), n)
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}
