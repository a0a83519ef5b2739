// Package transport describes the wire-level messaging connection that a
// session controller drives. Implementations own the protocol; callers only
// see an ordered stream of events and a small set of outbound operations.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: connection closed")
)

// Handshake is the result of the expensive preparation step: negotiated
// protocol version plus loaded credentials. It is reused across dials.
type Handshake struct {
	SessionID string
	Version   string
	AuthDir   string
	// Registered reports whether stored credentials already belong to a paired
	// device, in which case a dial is expected to open without a pairing code.
	Registered bool
}

type DialOptions struct {
	ConnectTimeout time.Duration
	PairingTimeout time.Duration
	QueryTimeout   time.Duration
	KeepAlive      time.Duration
	RetryDelay     time.Duration
	MaxRetries     int
	Browser        []string
}

func DefaultDialOptions() DialOptions {
	return DialOptions{
		ConnectTimeout: 10 * time.Second,
		PairingTimeout: 8 * time.Second,
		QueryTimeout:   10 * time.Second,
		KeepAlive:      20 * time.Second,
		RetryDelay:     time.Second,
		MaxRetries:     3,
		Browser:        []string{"Second Brain Bot", "Chrome", "120.0.0.0"},
	}
}

// AggressiveDialOptions trades robustness for a faster first pairing code.
func AggressiveDialOptions() DialOptions {
	return DialOptions{
		ConnectTimeout: 5 * time.Second,
		PairingTimeout: 3 * time.Second,
		QueryTimeout:   5 * time.Second,
		KeepAlive:      15 * time.Second,
		RetryDelay:     500 * time.Millisecond,
		MaxRetries:     2,
		Browser:        []string{"Second Brain Bot", "Chrome", "120.0.0.0"},
	}
}

type Dialer interface {
	Prepare(ctx context.Context, sessionID string) (Handshake, error)
	Dial(ctx context.Context, hs Handshake, opts DialOptions) (Conn, error)
}

// Conn is one physical connection. Events is closed after the connection
// has delivered its final close event or Close was called.
type Conn interface {
	Events() <-chan Event
	Send(ctx context.Context, to, text string) error
	Logout(ctx context.Context) error
	Close() error
}

type EventKind string

const (
	EventPairingCode EventKind = "pairing_code"
	EventConnection  EventKind = "connection"
	EventMessage     EventKind = "message"
)

type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
)

type DisconnectReason string

const (
	ReasonUnknown         DisconnectReason = ""
	ReasonLoggedOut       DisconnectReason = "logged_out"
	ReasonConnectionLost  DisconnectReason = "connection_lost"
	ReasonTimedOut        DisconnectReason = "timed_out"
	ReasonReplaced        DisconnectReason = "connection_replaced"
	ReasonRestartRequired DisconnectReason = "restart_required"
)

// Terminal reports whether a close with this reason must not be retried.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut
}

type Event struct {
	Kind        EventKind
	PairingCode string
	Connection  ConnectionUpdate
	Message     *Message
}

type ConnectionUpdate struct {
	State  ConnectionState
	Reason DisconnectReason
	Err    string
	Self   *Identity
}

type Identity struct {
	PhoneNumber string
	DeviceName  string
	Platform    string
}

type Message struct {
	ID        string
	ChatID    string
	PushName  string
	Text      string
	FromMe    bool
	Timestamp time.Time
	Media     *Media
}

// SenderNumber strips the network suffix and device part from the chat id,
// "60123456789:12@s.whatsapp.net" becomes "60123456789".
func (m Message) SenderNumber() string {
	id := m.ChatID
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	return id
}

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Media describes an attachment. Content is never downloaded by the core.
type Media struct {
	Kind     MediaKind
	MimeType string
	FileName string
	Caption  string
	Size     int64
	URL      string
}

// Extension derives a file extension from the mime subtype with a per-kind
// fallback.
func (m Media) Extension() string {
	if _, sub, ok := strings.Cut(m.MimeType, "/"); ok && sub != "" {
		if i := strings.IndexByte(sub, ';'); i >= 0 {
			sub = sub[:i]
		}
		return strings.TrimSpace(sub)
	}
	switch m.Kind {
	case MediaImage:
		return "jpg"
	case MediaDocument:
		return "pdf"
	case MediaAudio:
		return "mp3"
	case MediaVideo:
		return "mp4"
	default:
		return "bin"
	}
}

// ChatID turns a bare phone number into an addressable chat id. Values that
// already carry a network suffix are returned unchanged.
func ChatID(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.Contains(number, "@") {
		return number
	}
	number = strings.TrimPrefix(number, "+")
	return number + "@s.whatsapp.net"
}
