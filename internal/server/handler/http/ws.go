package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/atinyakov/GophChat/internal/middleware"
	"github.com/atinyakov/GophChat/internal/protocol"
	"github.com/atinyakov/GophChat/internal/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// DefaultMaxFrameBytes applies when WSHandler.MaxFrameBytes is unset.
const DefaultMaxFrameBytes = 8 << 20

// WSHandler upgrades /ws requests and bridges each socket to the relay hub.
type WSHandler struct {
	Hub *relay.Hub
	// Directory is consulted on join when RequireRegistered is set.
	Directory         DirectoryService
	RequireRegistered bool
	MaxFrameBytes     int64
	Upgrader          websocket.Upgrader
	Log               *zap.Logger
}

// NewWSHandler returns a handler accepting connections from any origin;
// identity is established by the join event and pinned by a client
// certificate or login ticket when the request carries one.
func NewWSHandler(hub *relay.Hub, dir DirectoryService, log *zap.Logger) *WSHandler {
	return &WSHandler{
		Hub:           hub,
		Directory:     dir,
		MaxFrameBytes: DefaultMaxFrameBytes,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		Log: log,
	}
}

// wsConn is one upgraded socket.
type wsConn struct {
	h      *WSHandler
	conn   *websocket.Conn
	client *relay.Client
	// pinnedUser is the certificate or ticket identity, if any.
	pinnedUser string
	log        *zap.Logger
}

// ServeHTTP handles GET /ws.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := relay.NewClient(relay.DefaultBuffer)
	c := &wsConn{
		h:          h,
		conn:       conn,
		client:     client,
		pinnedUser: middleware.GetUserIDFromContext(r.Context()),
		log:        h.Log.With(zap.String("conn", client.ID())),
	}
	h.Hub.Register(client)
	c.log.Debug("connection opened", zap.String("remote", r.RemoteAddr))

	go c.writePump()
	c.readPump()
}

func (c *wsConn) readPump() {
	defer func() {
		c.h.Hub.Leave(c.client)
		_ = c.conn.Close()
		c.log.Debug("connection closed")
	}()

	limit := c.h.MaxFrameBytes
	if limit <= 0 {
		limit = DefaultMaxFrameBytes
	}
	c.conn.SetReadLimit(limit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}
		c.dispatch(raw)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.client.Outbound():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the queue
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) dispatch(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.reject(protocol.CodeBadEnvelope, "malformed envelope")
		return
	}

	switch env.Event {
	case protocol.EventJoin:
		var j protocol.Join
		if err := json.Unmarshal(env.Data, &j); err != nil {
			c.reject(protocol.CodeBadPayload, "join expects a user id")
			return
		}
		c.join(j)

	case protocol.EventPrivateMessage:
		var m protocol.OutboundMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			c.reject(protocol.CodeBadPayload, "malformed private_message")
			return
		}
		_, err := c.h.Hub.Relay(c.client, m)
		c.hubError(err)

	case protocol.EventTypingStart, protocol.EventTypingStop:
		var recipient string
		if err := json.Unmarshal(env.Data, &recipient); err != nil {
			c.reject(protocol.CodeBadPayload, "typing expects a recipient id")
			return
		}
		_, err := c.h.Hub.Typing(c.client, recipient, env.Event == protocol.EventTypingStart)
		c.hubError(err)

	case protocol.EventKeyRequest:
		var req protocol.KeyRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.reject(protocol.CodeBadPayload, "malformed key_request")
			return
		}
		c.hubError(c.h.Hub.PublicKey(c.client, req.UserID))

	default:
		c.reject(protocol.CodeUnknownEvent, "unsupported event "+env.Event)
	}
}

func (c *wsConn) join(j protocol.Join) {
	j.Normalize()
	if c.pinnedUser != "" && j.UserID != c.pinnedUser {
		c.log.Warn("join does not match authenticated identity", zap.String("user", j.UserID), zap.String("pinned", c.pinnedUser))
		c.reject(protocol.CodeIdentityMismatch, "user id does not match authenticated identity")
		return
	}

	if c.h.RequireRegistered && c.h.Directory != nil && j.UserID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		exists, err := c.h.Directory.UserExists(ctx, j.UserID)
		cancel()
		if err != nil {
			c.log.Error("failed to check user", zap.String("user", j.UserID), zap.Error(err))
			c.reject(protocol.CodeInternal, "directory unavailable")
			return
		}
		if !exists {
			c.reject(protocol.CodeUnknownUser, "user is not registered")
			return
		}
	}

	c.hubError(c.h.Hub.Join(c.client, j))
}

func (c *wsConn) hubError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrNotJoined):
		c.reject(protocol.CodeNotJoined, "join first")
	case errors.Is(err, relay.ErrInvalidUserID):
		c.reject(protocol.CodeBadPayload, "user id is required")
	default:
		c.log.Error("relay failure", zap.Error(err))
		c.reject(protocol.CodeInternal, "relay failure")
	}
}

func (c *wsConn) reject(code, message string) {
	c.h.Hub.Reject(c.client, code, message)
}
