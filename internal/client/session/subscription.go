package session

import (
	"sync"

	"github.com/atinyakov/GophChat/internal/models"
	"go.uber.org/zap"
)

// EventKind classifies an Event.
type EventKind int

const (
	// MessageReceived carries a decrypted inbound message, already stored.
	MessageReceived EventKind = iota
	// PresenceChanged reports a user going on- or offline. An empty UserID
	// means the whole mirror was replaced.
	PresenceChanged
	// TypingChanged reports a peer starting or stopping typing.
	TypingChanged
	// ConnectionChanged reports the transport going up or down.
	ConnectionChanged
)

// Event is one item of a Subscription stream.
type Event struct {
	Kind    EventKind
	Message models.StoredMessage
	UserID  string
	// Active is the online, typing or connected flag, depending on Kind.
	Active bool
}

// DefaultSubscriptionBuffer is used when Subscribe is given a non-positive
// buffer.
const DefaultSubscriptionBuffer = 64

// Subscription is an ordered stream of session events. Events that do not
// fit in the buffer are dropped; the ledger remains the source of truth for
// messages.
type Subscription struct {
	ch   chan Event
	hub  *subscribers
	once sync.Once
}

// Events returns the stream. It is closed by Cancel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel detaches the subscription and closes its stream. Safe to call more
// than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.hub.remove(s) })
}

type subscribers struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	log  *zap.Logger
}

func newSubscribers(log *zap.Logger) *subscribers {
	return &subscribers{subs: make(map[*Subscription]struct{}), log: log}
}

func (h *subscribers) add(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	s := &Subscription{ch: make(chan Event, buffer), hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *subscribers) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// publish never blocks. It holds the lock while sending so a concurrent
// Cancel cannot close a channel mid-send.
func (h *subscribers) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.log.Warn("subscriber lagging, event dropped", zap.Int("kind", int(ev.Kind)))
		}
	}
}

func (h *subscribers) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}
