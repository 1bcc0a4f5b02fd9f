// Package relay implements the presence directory and the fire-and-forget
// forwarding of opaque payloads between connected users. All state is held in
// memory and is rebuilt from scratch as clients rejoin after a restart.
package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/atinyakov/GophChat/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrInvalidUserID is returned for an empty user or recipient id.
	ErrInvalidUserID = errors.New("relay: invalid user id")
	// ErrNotJoined is returned when a connection acts before joining.
	ErrNotJoined = errors.New("relay: connection has not joined")
)

// Hub is the connection table. Mutations are serialized by a single write
// lock; relay lookups share a read lock so unrelated deliveries proceed
// concurrently.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	byUser  map[string]*Client

	now      func() time.Time
	log      *zap.Logger
	observer PresenceObserver
}

// PresenceObserver is told about every presence transition, in table order.
// It is called with the hub's write lock held and must not block.
type PresenceObserver interface {
	UserOnline(userID string)
	UserOffline(userID string)
}

// Option customizes a Hub.
type Option func(*Hub)

// WithClock overrides the server clock used for relay timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithPresenceObserver reports presence transitions to o.
func WithPresenceObserver(o PresenceObserver) Option {
	return func(h *Hub) { h.observer = o }
}

// NewHub returns an empty Hub.
func NewHub(log *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		byUser:  make(map[string]*Client),
		now:     time.Now,
		log:     log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register attaches a freshly accepted connection so that it receives
// presence broadcasts even before it joins.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// Join binds c to the user id in j, replacing any earlier connection of the
// same user. The joiner receives the full presence snapshot and every other
// connection receives one online delta. The replaced connection is not
// closed; it simply stops being addressable. Joining again on the same
// connection under the same id is not a presence transition.
func (h *Hub) Join(c *Client, j protocol.Join) error {
	j.Normalize()
	if j.UserID == "" {
		return ErrInvalidUserID
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	if c.userID != "" && c.userID != j.UserID {
		h.detachLocked(c)
	}
	rejoin := h.byUser[j.UserID] == c
	keyChanged := c.publicKey != j.PublicKey

	if prev, ok := h.byUser[j.UserID]; ok && prev != c {
		prev.userID = ""
		prev.publicKey = ""
		h.log.Info("connection superseded", zap.String("user", j.UserID), zap.String("conn", prev.ID()))
	}
	c.userID = j.UserID
	c.publicKey = j.PublicKey
	h.byUser[j.UserID] = c

	h.deliver(c, protocol.EventOnlineUsers, h.onlineLocked())
	if rejoin {
		// Presence is unchanged. A new key is still announced so that peers
		// drop the one they cached.
		if keyChanged {
			h.broadcastLocked(c, protocol.EventUserStatus, protocol.UserStatus{UserID: j.UserID, IsOnline: true})
		}
		return nil
	}
	h.broadcastLocked(c, protocol.EventUserStatus, protocol.UserStatus{UserID: j.UserID, IsOnline: true})
	if h.observer != nil {
		h.observer.UserOnline(j.UserID)
	}

	h.log.Info("user joined", zap.String("user", j.UserID), zap.String("conn", c.ID()), zap.Int("online", len(h.byUser)))
	return nil
}

// Leave detaches c after a transport disconnect. The user's record is removed
// only if it still points at c, so a stale socket closing never evicts a newer
// join of the same user.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.detachLocked(c)
	h.mu.Unlock()

	c.Close()
}

func (h *Hub) detachLocked(c *Client) {
	userID := c.userID
	c.userID = ""
	c.publicKey = ""
	if userID == "" || h.byUser[userID] != c {
		return
	}
	delete(h.byUser, userID)
	h.broadcastLocked(c, protocol.EventUserStatus, protocol.UserStatus{UserID: userID, IsOnline: false})
	if h.observer != nil {
		h.observer.UserOffline(userID)
	}
	h.log.Info("user left", zap.String("user", userID), zap.String("conn", c.ID()), zap.Int("online", len(h.byUser)))
}

// Relay forwards an opaque payload from the sender to the recipient's live
// connection, stamped with the sender id and the server clock. A recipient
// that is not connected makes this a silent no-op; the result reports
// whether a frame was queued.
func (h *Hub) Relay(sender *Client, m protocol.OutboundMessage) (bool, error) {
	m.RecipientID = protocol.NormalizeUserID(m.RecipientID)
	if m.RecipientID == "" {
		return false, ErrInvalidUserID
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}

	h.mu.RLock()
	senderID, senderKey := sender.userID, sender.publicKey
	recipient := h.byUser[m.RecipientID]
	h.mu.RUnlock()

	if senderID == "" {
		return false, ErrNotJoined
	}
	if recipient == nil {
		h.log.Debug("relay miss", zap.String("from", senderID), zap.String("to", m.RecipientID))
		return false, nil
	}

	return h.deliver(recipient, protocol.EventPrivateMessage, protocol.InboundMessage{
		SenderID:         senderID,
		EncryptedMessage: m.EncryptedMessage,
		MessageType:      m.MessageType,
		Timestamp:        h.now().UnixMilli(),
		SenderKey:        senderKey,
	}), nil
}

// Typing forwards a typing_start (start=true) or typing_stop signal carrying
// only the sender's id.
func (h *Hub) Typing(sender *Client, recipientID string, start bool) (bool, error) {
	recipientID = protocol.NormalizeUserID(recipientID)
	if recipientID == "" {
		return false, ErrInvalidUserID
	}

	h.mu.RLock()
	senderID := sender.userID
	recipient := h.byUser[recipientID]
	h.mu.RUnlock()

	if senderID == "" {
		return false, ErrNotJoined
	}
	if recipient == nil {
		return false, nil
	}

	event := protocol.EventTypingStop
	if start {
		event = protocol.EventTypingStart
	}
	return h.deliver(recipient, event, senderID), nil
}

// PublicKey answers a key request on the asking connection with the public
// key the user published at join, or an empty key when the user is offline.
func (h *Hub) PublicKey(asker *Client, userID string) error {
	userID = protocol.NormalizeUserID(userID)
	if userID == "" {
		return ErrInvalidUserID
	}

	h.mu.RLock()
	var key string
	if rec, ok := h.byUser[userID]; ok {
		key = rec.publicKey
	}
	h.mu.RUnlock()

	h.deliver(asker, protocol.EventPublicKey, protocol.PublicKey{UserID: userID, PublicKey: key})
	return nil
}

// Reject reports a protocol error to c alone. The connection stays open.
func (h *Hub) Reject(c *Client, code, message string) {
	h.deliver(c, protocol.EventError, protocol.Error{Code: code, Message: message})
}

// Online returns the sorted presence set.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked()
}

// UserOf returns the user id c has joined as, or "".
func (h *Hub) UserOf(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.userID
}

func (h *Hub) onlineLocked() []string {
	users := make([]string, 0, len(h.byUser))
	for id := range h.byUser {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// broadcastLocked queues a frame for every registered connection except
// origin. It runs under the write lock so every connection observes presence
// events in table order.
func (h *Hub) broadcastLocked(origin *Client, event string, data any) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		h.log.Error("failed to encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	for c := range h.clients {
		if c == origin {
			continue
		}
		h.logDrop(c, event, c.enqueue(frame))
	}
}

func (h *Hub) deliver(c *Client, event string, data any) bool {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		h.log.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
		return false
	}
	res := c.enqueue(frame)
	h.logDrop(c, event, res)
	return res == queued
}

func (h *Hub) logDrop(c *Client, event string, res enqueueResult) {
	switch res {
	case evicted:
		h.log.Warn("dropping slow connection", zap.String("conn", c.ID()), zap.String("event", event))
	case alreadyClosed:
		h.log.Debug("frame for closed connection discarded", zap.String("conn", c.ID()), zap.String("event", event))
	}
}
