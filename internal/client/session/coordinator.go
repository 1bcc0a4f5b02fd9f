package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/GophChat/internal/client/crypt"
	"github.com/atinyakov/GophChat/internal/client/storage"
	"github.com/atinyakov/GophChat/internal/models"
	"github.com/atinyakov/GophChat/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	outboundBuffer = 64
	writeWait      = 10 * time.Second
	// readWait must exceed the server's ping period.
	readWait = 70 * time.Second
)

var (
	// ErrClosed is returned by operations on a closed Coordinator.
	ErrClosed = errors.New("session: coordinator closed")
	// ErrNoRecipient is returned by Send without a recipient id.
	ErrNoRecipient = errors.New("session: recipient id is required")
)

// State is the transport lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateExhausted means the reconnect budget ran out; Reconnect restarts it.
	StateExhausted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateExhausted:
		return "exhausted"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Deps are the device-local collaborators of a Coordinator.
type Deps struct {
	Store    *storage.MessageStore
	Settings *storage.Settings
	// SessionKeys is the volatile store holding the ledger key; SignOut
	// clears it. Optional.
	SessionKeys storage.KeyValue
}

type conversation struct {
	peerKey string
	cipher  *crypt.Service
}

type typer struct {
	timer *time.Timer
}

// Coordinator runs one device session against the relay.
type Coordinator struct {
	opts     Options
	store    *storage.MessageStore
	settings *storage.Settings
	session  storage.KeyValue
	keys     *crypt.KeyPair
	log      *zap.Logger
	typing   *TypingDebouncer
	subs     *subscribers

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	state      State
	loopDone   chan struct{}
	out        chan []byte
	online     map[string]struct{}
	typers     map[string]*typer
	peerKeys   map[string]string
	convs      map[string]conversation
	keyWaiters map[string][]chan string
}

// New builds a Coordinator with a fresh key pair for this device session.
// It does not connect until Start.
func New(opts Options, deps Deps) (*Coordinator, error) {
	if opts.UserID == "" {
		return nil, errors.New("session: user id is required")
	}
	if deps.Store == nil || deps.Settings == nil {
		return nil, errors.New("session: store and settings are required")
	}
	opts = opts.withDefaults()

	keys, err := crypt.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		opts:       opts,
		store:      deps.Store,
		settings:   deps.Settings,
		session:    deps.SessionKeys,
		keys:       keys,
		log:        opts.Logger.With(zap.String("user", opts.UserID)),
		online:     make(map[string]struct{}),
		typers:     make(map[string]*typer),
		peerKeys:   make(map[string]string),
		convs:      make(map[string]conversation),
		keyWaiters: make(map[string][]chan string),
	}
	c.subs = newSubscribers(c.log)
	c.typing = NewTypingDebouncer(opts.TypingTimeout, c.emitTyping)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// UserID is the identity this session joins as.
func (c *Coordinator) UserID() string { return c.opts.UserID }

// PublicKey is this session's key-agreement public key.
func (c *Coordinator) PublicKey() string { return c.keys.PublicKey() }

// Start launches the connection loop. It returns immediately; connectivity is
// observable through State, IsConnected and ConnectionChanged events.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked()
}

// Reconnect restarts the connection loop after the retry budget was
// exhausted. It is a no-op while the loop is running.
func (c *Coordinator) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateExhausted || c.state == StateIdle {
		c.startLocked()
	}
}

func (c *Coordinator) startLocked() {
	if c.loopDone != nil || c.state == StateClosed {
		return
	}
	done := make(chan struct{})
	c.loopDone = done
	c.state = StateConnecting
	go c.run(done)
}

func (c *Coordinator) run(done chan struct{}) {
	exhausted := false
	defer func() {
		// Reconnect may restart the loop as soon as the state says so.
		c.mu.Lock()
		c.loopDone = nil
		if exhausted && c.state != StateClosed {
			c.state = StateExhausted
		}
		c.mu.Unlock()
		close(done)
	}()

	failures := 0
	for {
		served, err := c.connectAndServe()
		if c.ctx.Err() != nil {
			return
		}
		if served {
			failures = 0
		}
		if err != nil {
			c.log.Debug("connection attempt failed", zap.Error(err))
		}

		failures++
		if failures > c.opts.ReconnectAttempts {
			exhausted = true
			c.log.Warn("reconnect attempts exhausted", zap.Int("attempts", c.opts.ReconnectAttempts))
			return
		}
		c.setState(StateReconnecting)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Coordinator) connectAndServe() (bool, error) {
	dctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	conn, _, err := c.opts.Dialer.DialContext(dctx, c.opts.URL, c.opts.Header)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return true, c.serve(conn)
}

func (c *Coordinator) serve(conn *websocket.Conn) error {
	out := make(chan []byte, outboundBuffer)
	c.mu.Lock()
	c.out = out
	if c.state != StateClosed {
		c.state = StateConnected
	}
	c.mu.Unlock()

	c.log.Info("connected", zap.String("url", c.opts.URL))
	c.subs.publish(Event{Kind: ConnectionChanged, Active: true})
	c.enqueue(protocol.EventJoin, protocol.Join{UserID: c.opts.UserID, PublicKey: c.keys.PublicKey()})

	writerDone := make(chan struct{})
	go c.writeLoop(conn, out, writerDone)
	stop := context.AfterFunc(c.ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	var err error
	for {
		var frame []byte
		if _, frame, err = conn.ReadMessage(); err != nil {
			break
		}
		c.handleFrame(frame)
	}

	c.disconnect(out)
	_ = conn.Close()
	<-writerDone
	c.log.Info("disconnected", zap.Error(err))
	return err
}

func (c *Coordinator) writeLoop(conn *websocket.Conn, out <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for frame := range out {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("write failed", zap.Error(err))
			_ = conn.Close()
			// Drain until disconnect closes the queue.
			for range out {
			}
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// disconnect clears every mirror so stale presence is never shown.
func (c *Coordinator) disconnect(out chan []byte) {
	c.mu.Lock()
	close(out)
	c.out = nil
	if c.state == StateConnected {
		c.state = StateReconnecting
	}
	c.online = make(map[string]struct{})
	for _, t := range c.typers {
		t.timer.Stop()
	}
	c.typers = make(map[string]*typer)
	c.peerKeys = make(map[string]string)
	waiters := c.keyWaiters
	c.keyWaiters = make(map[string][]chan string)
	c.mu.Unlock()

	for _, chs := range waiters {
		for _, ch := range chs {
			ch <- ""
		}
	}
	c.typing.CancelAll()
	c.subs.publish(Event{Kind: ConnectionChanged, Active: false})
	c.subs.publish(Event{Kind: PresenceChanged})
}

// enqueue hands a frame to the writer. Without a connection, or with a full
// queue, the frame is dropped: relay calls are never retried.
func (c *Coordinator) enqueue(event string, data any) bool {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		c.log.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.out == nil {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		c.log.Warn("outbound queue full, frame dropped", zap.String("event", event))
		return false
	}
}

func (c *Coordinator) emitTyping(recipientID string, start bool) {
	event := protocol.EventTypingStop
	if start {
		event = protocol.EventTypingStart
	}
	c.enqueue(event, recipientID)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = s
	}
}

func (c *Coordinator) handleFrame(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.log.Warn("malformed frame from server", zap.Error(err))
		return
	}

	switch env.Event {
	case protocol.EventOnlineUsers:
		var users []string
		if err := json.Unmarshal(env.Data, &users); err != nil {
			c.log.Warn("malformed online_users", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.online = make(map[string]struct{}, len(users))
		for _, u := range users {
			c.online[u] = struct{}{}
		}
		c.mu.Unlock()
		c.subs.publish(Event{Kind: PresenceChanged})

	case protocol.EventUserStatus:
		var st protocol.UserStatus
		if err := json.Unmarshal(env.Data, &st); err != nil {
			c.log.Warn("malformed user_status", zap.Error(err))
			return
		}
		c.mu.Lock()
		// A rejoin carries a new device key; drop the cached one either way.
		delete(c.peerKeys, st.UserID)
		if st.IsOnline {
			c.online[st.UserID] = struct{}{}
		} else {
			delete(c.online, st.UserID)
		}
		stoppedTyping := !st.IsOnline && c.clearTyperLocked(st.UserID)
		c.mu.Unlock()
		c.subs.publish(Event{Kind: PresenceChanged, UserID: st.UserID, Active: st.IsOnline})
		if stoppedTyping {
			c.subs.publish(Event{Kind: TypingChanged, UserID: st.UserID})
		}

	case protocol.EventPrivateMessage:
		var m protocol.InboundMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			c.log.Warn("malformed private_message", zap.Error(err))
			return
		}
		c.receive(m)

	case protocol.EventTypingStart, protocol.EventTypingStop:
		var sender string
		if err := json.Unmarshal(env.Data, &sender); err != nil || sender == "" {
			c.log.Warn("malformed typing event", zap.String("event", env.Event))
			return
		}
		if env.Event == protocol.EventTypingStart {
			c.markTyping(sender)
		} else {
			c.mu.Lock()
			changed := c.clearTyperLocked(sender)
			c.mu.Unlock()
			if changed {
				c.subs.publish(Event{Kind: TypingChanged, UserID: sender})
			}
		}

	case protocol.EventPublicKey:
		var pk protocol.PublicKey
		if err := json.Unmarshal(env.Data, &pk); err != nil {
			c.log.Warn("malformed public_key", zap.Error(err))
			return
		}
		c.mu.Lock()
		if pk.PublicKey != "" {
			c.peerKeys[pk.UserID] = pk.PublicKey
		}
		waiters := c.keyWaiters[pk.UserID]
		delete(c.keyWaiters, pk.UserID)
		c.mu.Unlock()
		for _, ch := range waiters {
			ch <- pk.PublicKey
		}

	case protocol.EventError:
		var e protocol.Error
		_ = json.Unmarshal(env.Data, &e)
		c.log.Warn("server rejected frame", zap.String("code", e.Code), zap.String("message", e.Message))

	default:
		c.log.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
}

// markTyping records sender as typing until a stop arrives or TypingTimeout
// passes, whichever is first.
func (c *Coordinator) markTyping(sender string) {
	c.mu.Lock()
	prev, wasTyping := c.typers[sender]
	if wasTyping {
		prev.timer.Stop()
	}
	t := &typer{}
	t.timer = time.AfterFunc(c.opts.TypingTimeout, func() { c.expireTyper(sender, t) })
	c.typers[sender] = t
	c.mu.Unlock()

	if !wasTyping {
		c.subs.publish(Event{Kind: TypingChanged, UserID: sender, Active: true})
	}
}

func (c *Coordinator) expireTyper(sender string, t *typer) {
	c.mu.Lock()
	if c.typers[sender] != t {
		c.mu.Unlock()
		return
	}
	delete(c.typers, sender)
	c.mu.Unlock()
	c.subs.publish(Event{Kind: TypingChanged, UserID: sender})
}

func (c *Coordinator) clearTyperLocked(sender string) bool {
	t, ok := c.typers[sender]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(c.typers, sender)
	return true
}

// receive decrypts an inbound relay payload with the conversation key and
// stores it. Payloads that cannot be decrypted are logged and dropped.
func (c *Coordinator) receive(m protocol.InboundMessage) {
	log := c.log.With(zap.String("from", m.SenderID))

	key := m.SenderKey
	c.mu.Lock()
	if key == "" {
		key = c.peerKeys[m.SenderID]
	} else {
		c.peerKeys[m.SenderID] = key
	}
	stoppedTyping := c.clearTyperLocked(m.SenderID)
	c.mu.Unlock()
	if stoppedTyping {
		c.subs.publish(Event{Kind: TypingChanged, UserID: m.SenderID})
	}

	if key == "" {
		log.Warn("message without sender key dropped")
		return
	}
	conv, err := c.conversation(m.SenderID, key)
	if err != nil {
		log.Warn("cannot derive conversation key, message dropped", zap.Error(err))
		return
	}
	content, err := conv.Decrypt(m.EncryptedMessage)
	if err != nil {
		log.Warn("undecryptable message dropped", zap.Error(err))
		return
	}

	typ := models.MessageType(m.MessageType)
	if !typ.Valid() {
		typ = models.TextMessage
	}
	ts := m.Timestamp
	if ts == 0 {
		ts = c.opts.Now().UnixMilli()
	}
	msg := models.StoredMessage{
		ID:           uuid.NewString(),
		SenderID:     m.SenderID,
		RecipientID:  c.opts.UserID,
		Content:      content,
		Type:         typ,
		Timestamp:    ts,
		AutoDeleteAt: c.expiry(ts),
	}
	if err := c.store.Append(msg); err != nil {
		log.Error("failed to store inbound message", zap.Error(err))
	}
	c.subs.publish(Event{Kind: MessageReceived, Message: msg, UserID: m.SenderID})
}

func (c *Coordinator) conversation(peerID, peerKey string) (*crypt.Service, error) {
	c.mu.RLock()
	conv, ok := c.convs[peerID]
	c.mu.RUnlock()
	if ok && conv.peerKey == peerKey {
		return conv.cipher, nil
	}

	svc, err := c.keys.Conversation(c.opts.UserID, peerID, peerKey)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.convs[peerID] = conversation{peerKey: peerKey, cipher: svc}
	c.mu.Unlock()
	return svc, nil
}

// peerKey returns the recipient's published key, asking the server when it is
// not cached. An empty result means the peer is offline or did not answer.
func (c *Coordinator) peerKey(ctx context.Context, peerID string) (string, error) {
	c.mu.Lock()
	if k := c.peerKeys[peerID]; k != "" {
		c.mu.Unlock()
		return k, nil
	}
	if c.out == nil {
		c.mu.Unlock()
		return "", nil
	}
	ch := make(chan string, 1)
	c.keyWaiters[peerID] = append(c.keyWaiters[peerID], ch)
	first := len(c.keyWaiters[peerID]) == 1
	c.mu.Unlock()

	if first {
		c.enqueue(protocol.EventKeyRequest, protocol.KeyRequest{UserID: peerID})
	}

	timer := time.NewTimer(c.opts.KeyTimeout)
	defer timer.Stop()
	select {
	case k := <-ch:
		return k, nil
	case <-timer.C:
		c.dropWaiter(peerID, ch)
		return "", nil
	case <-ctx.Done():
		c.dropWaiter(peerID, ch)
		return "", ctx.Err()
	}
}

func (c *Coordinator) dropWaiter(peerID string, ch chan string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.keyWaiters[peerID]
	for i, w := range ws {
		if w == ch {
			c.keyWaiters[peerID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(c.keyWaiters[peerID]) == 0 {
		delete(c.keyWaiters, peerID)
	}
}

func (c *Coordinator) expiry(ts int64) *int64 {
	minutes, err := c.settings.RetentionMinutes()
	if err != nil {
		c.log.Warn("failed to read retention, keeping message", zap.Error(err))
		return nil
	}
	return storage.ExpiryFor(ts, minutes)
}

// Send stores a text message locally and relays it, encrypted for the
// recipient, when connected. See SendImage.
func (c *Coordinator) Send(ctx context.Context, recipientID, text string) (models.StoredMessage, error) {
	return c.send(ctx, recipientID, text, models.TextMessage)
}

// SendImage is Send for a base64 data URL.
func (c *Coordinator) SendImage(ctx context.Context, recipientID, dataURL string) (models.StoredMessage, error) {
	return c.send(ctx, recipientID, dataURL, models.ImageMessage)
}

// send writes the plaintext copy first so the sender always has its own
// history. The relay call is best effort: disconnected, offline recipient and
// missing key all leave the message stored but unsent.
func (c *Coordinator) send(ctx context.Context, recipientID, content string, typ models.MessageType) (models.StoredMessage, error) {
	if c.State() == StateClosed {
		return models.StoredMessage{}, ErrClosed
	}
	if recipientID == "" {
		return models.StoredMessage{}, ErrNoRecipient
	}

	ts := c.opts.Now().UnixMilli()
	msg := models.StoredMessage{
		ID:           uuid.NewString(),
		SenderID:     c.opts.UserID,
		RecipientID:  recipientID,
		Content:      content,
		Type:         typ,
		Timestamp:    ts,
		AutoDeleteAt: c.expiry(ts),
	}
	if err := c.store.Append(msg); err != nil {
		return models.StoredMessage{}, err
	}
	c.typing.Sent(recipientID)

	log := c.log.With(zap.String("to", recipientID), zap.String("id", msg.ID))
	if !c.IsConnected() {
		log.Debug("offline, message kept locally")
		return msg, nil
	}
	key, err := c.peerKey(ctx, recipientID)
	if err != nil {
		return msg, err
	}
	if key == "" {
		log.Debug("recipient key unavailable, message kept locally")
		return msg, nil
	}
	conv, err := c.conversation(recipientID, key)
	if err != nil {
		log.Warn("cannot derive conversation key", zap.Error(err))
		return msg, nil
	}
	sealed, err := conv.Encrypt(content)
	if err != nil {
		return msg, fmt.Errorf("encrypt message: %w", err)
	}
	c.enqueue(protocol.EventPrivateMessage, protocol.OutboundMessage{
		RecipientID:      recipientID,
		EncryptedMessage: sealed,
		MessageType:      string(typ),
	})
	return msg, nil
}

// Keystroke feeds the typing debouncer for the conversation with recipientID.
func (c *Coordinator) Keystroke(recipientID string) {
	c.typing.Keystroke(recipientID)
}

// CloseConversation cancels the pending typing-stop timer for recipientID.
// The transport is unaffected.
func (c *Coordinator) CloseConversation(recipientID string) {
	c.typing.Cancel(recipientID)
}

// Subscribe attaches a new event stream. Callers must Cancel it when done.
func (c *Coordinator) Subscribe(buffer int) *Subscription {
	return c.subs.add(buffer)
}

// Conversation returns the local history with peerID, oldest first.
func (c *Coordinator) Conversation(peerID string) ([]models.StoredMessage, error) {
	return c.store.ReadConversation(c.opts.UserID, peerID)
}

// Conversations lists every peer in the local ledger with its latest
// message, newest first. A non-empty query keeps only peers whose id contains
// it, ignoring case.
func (c *Coordinator) Conversations(query string) ([]storage.Conversation, error) {
	convs, err := c.store.Conversations(c.opts.UserID)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return convs, nil
	}
	out := convs[:0]
	for _, conv := range convs {
		if strings.Contains(strings.ToLower(conv.Peer), q) {
			out = append(out, conv)
		}
	}
	return out, nil
}

// Search finds text messages containing query, ignoring case.
func (c *Coordinator) Search(query string) ([]models.StoredMessage, error) {
	return c.store.Search(query)
}

// DeleteMessage removes one message from the local ledger.
func (c *Coordinator) DeleteMessage(id string) (bool, error) {
	return c.store.Delete(id)
}

// ClearHistory drops the local ledger.
func (c *Coordinator) ClearHistory() error {
	return c.store.Clear()
}

// Retention returns the auto-delete period in minutes; 0 disables it.
func (c *Coordinator) Retention() (int, error) {
	return c.settings.RetentionMinutes()
}

// SetRetention changes the auto-delete period for messages stored from now on.
func (c *Coordinator) SetRetention(minutes int) error {
	return c.settings.SetRetentionMinutes(minutes)
}

// State reports the transport lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the transport is up.
func (c *Coordinator) IsConnected() bool {
	return c.State() == StateConnected
}

// Online returns the mirrored presence set, sorted.
func (c *Coordinator) Online() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.online)
}

// IsOnline reports whether userID is in the presence mirror.
func (c *Coordinator) IsOnline(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.online[userID]
	return ok
}

// Typing returns the peers currently typing to this user, sorted.
func (c *Coordinator) Typing() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.typers)
}

// IsTyping reports whether userID is typing to this user.
func (c *Coordinator) IsTyping(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.typers[userID]
	return ok
}

// Close stops the connection loop, waits for it to finish and closes every
// subscription. It is idempotent.
func (c *Coordinator) Close() {
	c.cancel()
	c.mu.Lock()
	c.state = StateClosed
	done := c.loopDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	c.typing.CancelAll()
	c.subs.closeAll()
}

// SignOut closes the session and erases the device's local state: the ledger
// and the session key.
func (c *Coordinator) SignOut() error {
	c.Close()
	if err := c.store.Clear(); err != nil {
		return err
	}
	if c.session != nil {
		if err := c.session.Remove(crypt.SessionKeyName); err != nil {
			return fmt.Errorf("remove session key: %w", err)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
