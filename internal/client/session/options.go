// Package session is the device-side coordinator of a chat session. It owns
// the websocket to the relay server, mirrors presence and typing state,
// debounces outgoing typing signals, and moves messages between the wire
// (encrypted per conversation) and the local encrypted ledger.
package session

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Defaults for Options.
const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 1000 * time.Millisecond
	DefaultConnectTimeout    = 20000 * time.Millisecond
	DefaultTypingTimeout     = 3000 * time.Millisecond
	DefaultKeyTimeout        = 5 * time.Second
)

// Dialer opens the websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configure a Coordinator. Zero values take the defaults above.
type Options struct {
	// URL is the relay's websocket endpoint, e.g. wss://host:8080/ws.
	URL string
	// UserID is the identity this device joins as.
	UserID string

	// ReconnectAttempts bounds consecutive failed connection attempts after
	// the first one; a successful connection resets the budget.
	ReconnectAttempts int
	// ReconnectDelay is the fixed wait between attempts.
	ReconnectDelay time.Duration
	// ConnectTimeout bounds a single dial.
	ConnectTimeout time.Duration
	// TypingTimeout is both the outgoing inactivity timer and the expiry of
	// a received typing_start with no matching stop.
	TypingTimeout time.Duration
	// KeyTimeout bounds the wait for a peer's public key before a send.
	KeyTimeout time.Duration

	Dialer Dialer
	Header http.Header
	Logger *zap.Logger
	// Now is the clock used to timestamp outgoing messages.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = DefaultTypingTimeout
	}
	if o.KeyTimeout <= 0 {
		o.KeyTimeout = DefaultKeyTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
