package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atinyakov/GophChat/internal/client/crypt"
	"github.com/atinyakov/GophChat/internal/client/storage"
	"github.com/atinyakov/GophChat/internal/models"
	"github.com/atinyakov/GophChat/internal/protocol"
	"github.com/atinyakov/GophChat/internal/relay"
	handler "github.com/atinyakov/GophChat/internal/server/handler/http"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const waitTimeout = 3 * time.Second

func newRelay(t *testing.T) string {
	t.Helper()
	hub := relay.NewHub(zap.NewNop())
	srv := httptest.NewServer(handler.NewWSHandler(hub, nil, zap.NewNop()))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type device struct {
	*Coordinator
	store   *storage.MessageStore
	session *storage.MemoryKV
}

func newDevice(t *testing.T, url, user string, mutate func(*Options)) *device {
	t.Helper()
	session := storage.NewMemoryKV()
	cipher, err := crypt.NewSessionService(session)
	require.NoError(t, err)
	kv := storage.NewMemoryKV()
	store := storage.NewMessageStore(kv, cipher)

	opts := Options{
		URL:            url,
		UserID:         user,
		ReconnectDelay: 20 * time.Millisecond,
		TypingTimeout:  100 * time.Millisecond,
		KeyTimeout:     time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts, Deps{Store: store, Settings: storage.NewSettings(kv), SessionKeys: session})
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Close)
	return &device{Coordinator: c, store: store, session: session}
}

func waitFor(t *testing.T, sub *Subscription, kind EventKind) Event {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed")
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no event of kind %d within %v", kind, waitTimeout)
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 10*time.Millisecond, msg)
}

// rawPeer is a bare websocket client speaking the wire protocol directly.
type rawPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRaw(t *testing.T, url, user, publicKey string) *rawPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	p := &rawPeer{t: t, conn: conn}
	p.send(protocol.EventJoin, protocol.Join{UserID: user, PublicKey: publicKey})
	return p
}

func (p *rawPeer) send(event string, data any) {
	frame, err := protocol.Encode(event, data)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, frame))
}

func TestNew_Validates(t *testing.T) {
	kv := storage.NewMemoryKV()
	key, err := crypt.GenerateKey()
	require.NoError(t, err)
	cipher, err := crypt.NewService(key)
	require.NoError(t, err)
	deps := Deps{Store: storage.NewMessageStore(kv, cipher), Settings: storage.NewSettings(kv)}

	_, err = New(Options{}, deps)
	assert.Error(t, err)
	_, err = New(Options{UserID: "u1"}, Deps{})
	assert.Error(t, err)

	c, err := New(Options{UserID: "u1"}, deps)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, DefaultReconnectAttempts, c.opts.ReconnectAttempts)
	assert.Equal(t, DefaultReconnectDelay, c.opts.ReconnectDelay)
	assert.Equal(t, DefaultConnectTimeout, c.opts.ConnectTimeout)
	assert.Equal(t, DefaultTypingTimeout, c.opts.TypingTimeout)
	assert.NotEmpty(t, c.PublicKey())
}

func TestRelayBetweenDevices(t *testing.T) {
	url := newRelay(t)
	a := newDevice(t, url, "u1", nil)
	eventually(t, a.IsConnected, "u1 connects")
	b := newDevice(t, url, "u2", nil)
	sub := b.Subscribe(32)
	defer sub.Cancel()

	eventually(t, func() bool { return a.IsOnline("u2") && b.IsOnline("u1") }, "presence mirrored")
	assert.Equal(t, []string{"u1", "u2"}, a.Online())

	sent, err := a.Send(context.Background(), "u2", "hello, u2")
	require.NoError(t, err)

	ev := waitFor(t, sub, MessageReceived)
	assert.Equal(t, "u1", ev.Message.SenderID)
	assert.Equal(t, "u2", ev.Message.RecipientID)
	assert.Equal(t, "hello, u2", ev.Message.Content)
	assert.Equal(t, models.TextMessage, ev.Message.Type)
	assert.InDelta(t, sent.Timestamp, ev.Message.Timestamp, float64(waitTimeout.Milliseconds()))

	mine, err := a.store.ReadAll()
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "u2", mine[0].RecipientID)
	assert.Equal(t, "hello, u2", mine[0].Content)

	theirs, err := b.Conversation("u1")
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "hello, u2", theirs[0].Content)

	// And back, reusing the cached key on the other side.
	subA := a.Subscribe(8)
	defer subA.Cancel()
	_, err = b.SendImage(context.Background(), "u1", "data:image/png;base64,AAAA")
	require.NoError(t, err)
	ev = waitFor(t, subA, MessageReceived)
	assert.Equal(t, models.ImageMessage, ev.Message.Type)

	conv, err := a.Conversation("u2")
	require.NoError(t, err)
	assert.Len(t, conv, 2)
}

func TestPresenceFollowsLeave(t *testing.T) {
	url := newRelay(t)
	a := newDevice(t, url, "u1", nil)
	b := newDevice(t, url, "u2", nil)
	eventually(t, func() bool { return a.IsOnline("u2") }, "u2 online")

	b.Close()
	eventually(t, func() bool { return !a.IsOnline("u2") }, "u2 offline after close")
	assert.Equal(t, []string{"u1"}, a.Online())
}

func TestSend_WhileDisconnectedIsStoredOnly(t *testing.T) {
	d := newDevice(t, "ws://127.0.0.1:1/ws", "u1", func(o *Options) {
		o.ReconnectAttempts = 1
		o.ReconnectDelay = 10 * time.Millisecond
	})

	msg, err := d.Send(context.Background(), "u2", "queued nowhere")
	require.NoError(t, err)
	assert.False(t, d.IsConnected())
	assert.NotEmpty(t, msg.ID)

	all, err := d.store.ReadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, msg, all[0])

	_, err = d.Send(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestConversations_NewestFirstAndFiltered(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	d := newDevice(t, "ws://127.0.0.1:1/ws", "u1", func(o *Options) {
		o.ReconnectAttempts = 1
		o.Now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(time.Second)
			return now
		}
	})

	_, err := d.Send(context.Background(), "alice", "first")
	require.NoError(t, err)
	_, err = d.Send(context.Background(), "bob", "second")
	require.NoError(t, err)
	_, err = d.Send(context.Background(), "alice", "third")
	require.NoError(t, err)

	convs, err := d.Conversations("")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "alice", convs[0].Peer)
	assert.Equal(t, "third", convs[0].Last.Content)
	assert.Equal(t, "bob", convs[1].Peer)

	convs, err = d.Conversations(" BO ")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "bob", convs[0].Peer)

	convs, err = d.Conversations("zz")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSend_RetentionAndSearch(t *testing.T) {
	now := time.Now()
	d := newDevice(t, "ws://127.0.0.1:1/ws", "u1", func(o *Options) {
		o.ReconnectAttempts = 1
		o.Now = func() time.Time { return now }
	})

	require.NoError(t, d.SetRetention(5))
	minutes, err := d.Retention()
	require.NoError(t, err)
	assert.Equal(t, 5, minutes)

	text, err := d.Send(context.Background(), "u2", "Foo fighters")
	require.NoError(t, err)
	require.NotNil(t, text.AutoDeleteAt)
	assert.Equal(t, now.UnixMilli()+5*60_000, *text.AutoDeleteAt)

	require.NoError(t, d.SetRetention(0))
	img, err := d.SendImage(context.Background(), "u2", "data:image/png;base64,foo")
	require.NoError(t, err)
	assert.Nil(t, img.AutoDeleteAt)

	found, err := d.Search("FOO")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, text.ID, found[0].ID)

	deleted, err := d.DeleteMessage(text.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	require.NoError(t, d.ClearHistory())
	all, err := d.store.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

type failingDialer struct {
	calls atomic.Int32
}

func (d *failingDialer) DialContext(context.Context, string, http.Header) (*websocket.Conn, *http.Response, error) {
	d.calls.Add(1)
	return nil, nil, errors.New("connection refused")
}

func TestReconnect_BudgetExhausted(t *testing.T) {
	dialer := &failingDialer{}
	d := newDevice(t, "ws://unused/ws", "u1", func(o *Options) {
		o.Dialer = dialer
		o.ReconnectAttempts = 2
		o.ReconnectDelay = 5 * time.Millisecond
	})

	eventually(t, func() bool { return d.State() == StateExhausted }, "budget runs out")
	assert.Equal(t, int32(3), dialer.calls.Load(), "first attempt plus two retries")
	assert.False(t, d.IsConnected())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), dialer.calls.Load(), "no retries once exhausted")

	d.Reconnect()
	eventually(t, func() bool { return dialer.calls.Load() == 6 && d.State() == StateExhausted }, "explicit retrigger")
}

// recordingDialer remembers every connection so a test can sever it.
type recordingDialer struct {
	mu    sync.Mutex
	conns []*websocket.Conn
}

func (d *recordingDialer) DialContext(ctx context.Context, url string, h http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, h)
	if err == nil {
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
	}
	return conn, resp, err
}

func (d *recordingDialer) sever() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		_ = c.Close()
	}
}

func TestDisconnect_ClearsMirrorsThenReconnects(t *testing.T) {
	url := newRelay(t)
	dialer := &recordingDialer{}
	a := newDevice(t, url, "u1", func(o *Options) {
		o.Dialer = dialer
		o.ReconnectDelay = 300 * time.Millisecond
	})
	newDevice(t, url, "u2", nil)
	eventually(t, func() bool { return a.IsOnline("u2") }, "u2 online")

	sub := a.Subscribe(32)
	defer sub.Cancel()
	dialer.sever()

	ev := waitFor(t, sub, ConnectionChanged)
	assert.False(t, ev.Active)
	assert.False(t, a.IsConnected())
	assert.Empty(t, a.Online(), "presence is under-reported while disconnected")

	eventually(t, func() bool { return a.IsConnected() && a.IsOnline("u2") }, "reconnected and rejoined")
}

func TestTyping_ReceivedExpiresWithoutStop(t *testing.T) {
	url := newRelay(t)
	b := newDevice(t, url, "u2", nil)
	eventually(t, b.IsConnected, "u2 connects")

	peer := dialRaw(t, url, "raw", "")
	eventually(t, func() bool { return b.IsOnline("raw") }, "raw online")

	peer.send(protocol.EventTypingStart, "u2")
	eventually(t, func() bool { return b.IsTyping("raw") }, "typing shown")
	assert.Equal(t, []string{"raw"}, b.Typing())
	eventually(t, func() bool { return !b.IsTyping("raw") }, "typing expires after the inactivity timeout")

	peer.send(protocol.EventTypingStart, "u2")
	eventually(t, func() bool { return b.IsTyping("raw") }, "typing shown again")
	peer.send(protocol.EventTypingStop, "u2")
	eventually(t, func() bool { return !b.IsTyping("raw") }, "explicit stop")
}

func TestTyping_DebouncedAcrossDevices(t *testing.T) {
	url := newRelay(t)
	a := newDevice(t, url, "u1", func(o *Options) { o.TypingTimeout = time.Second })
	b := newDevice(t, url, "u2", func(o *Options) { o.TypingTimeout = time.Second })
	eventually(t, func() bool { return a.IsOnline("u2") && b.IsOnline("u1") }, "both online")

	sub := b.Subscribe(32)
	defer sub.Cancel()

	a.Keystroke("u2")
	a.Keystroke("u2")
	a.Keystroke("u2")
	ev := waitFor(t, sub, TypingChanged)
	assert.Equal(t, "u1", ev.UserID)
	assert.True(t, ev.Active)

	_, err := a.Send(context.Background(), "u2", "done typing")
	require.NoError(t, err)
	ev = waitFor(t, sub, TypingChanged)
	assert.False(t, ev.Active)
	assert.False(t, b.IsTyping("u1"))

	a.Keystroke("u2")
	a.CloseConversation("u2")
	assert.False(t, a.typing.Typing("u2"))
}

func TestInbound_UndecryptableIsDropped(t *testing.T) {
	url := newRelay(t)
	core, logs := observer.New(zap.WarnLevel)
	b := newDevice(t, url, "u2", func(o *Options) { o.Logger = zap.New(core) })
	eventually(t, b.IsConnected, "u2 connects")

	kp, err := crypt.GenerateKeyPair()
	require.NoError(t, err)
	peer := dialRaw(t, url, "raw", kp.PublicKey())
	eventually(t, func() bool { return b.IsOnline("raw") }, "raw online")

	peer.send(protocol.EventPrivateMessage, protocol.OutboundMessage{RecipientID: "u2", EncryptedMessage: "garbage"})
	eventually(t, func() bool {
		return logs.FilterMessage("undecryptable message dropped").Len() == 1
	}, "drop is logged")

	all, err := b.store.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, all)

	// A correctly sealed payload from the same peer is accepted.
	conv, err := kp.Conversation("raw", "u2", b.PublicKey())
	require.NoError(t, err)
	sealed, err := conv.Encrypt("hi from raw")
	require.NoError(t, err)
	sub := b.Subscribe(8)
	defer sub.Cancel()
	peer.send(protocol.EventPrivateMessage, protocol.OutboundMessage{RecipientID: "u2", EncryptedMessage: sealed})
	ev := waitFor(t, sub, MessageReceived)
	assert.Equal(t, "hi from raw", ev.Message.Content)
}

func TestSubscription_Cancel(t *testing.T) {
	subs := newSubscribers(zap.NewNop())
	s := subs.add(1)

	subs.publish(Event{Kind: PresenceChanged})
	subs.publish(Event{Kind: TypingChanged}) // dropped, buffer full

	ev, ok := <-s.Events()
	require.True(t, ok)
	assert.Equal(t, PresenceChanged, ev.Kind)

	s.Cancel()
	s.Cancel()
	_, ok = <-s.Events()
	assert.False(t, ok)

	subs.publish(Event{Kind: PresenceChanged}) // no panic after cancel
}

func TestSignOut(t *testing.T) {
	d := newDevice(t, "ws://127.0.0.1:1/ws", "u1", func(o *Options) { o.ReconnectAttempts = 1 })
	sub := d.Subscribe(4)

	_, err := d.Send(context.Background(), "u2", "secret")
	require.NoError(t, err)
	_, ok, _ := d.session.Get(crypt.SessionKeyName)
	require.True(t, ok)

	require.NoError(t, d.SignOut())
	assert.Equal(t, StateClosed, d.State())

	all, err := d.store.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, all)
	_, ok, _ = d.session.Get(crypt.SessionKeyName)
	assert.False(t, ok, "session key erased")

	for range sub.Events() {
		// Close ends every subscription.
	}

	_, err = d.Send(context.Background(), "u2", "late")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "exhausted", StateExhausted.String())
	assert.Equal(t, "state(42)", State(42).String())
}
