// Package protocol defines the JSON event envelope exchanged over the relay
// websocket and the payload of every event.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event names.
const (
	EventJoin           = "join"
	EventPrivateMessage = "private_message"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventKeyRequest     = "key_request"
	EventOnlineUsers    = "online_users"
	EventUserStatus     = "user_status"
	EventPublicKey      = "public_key"
	EventError          = "error"
)

// Error codes carried by EventError.
const (
	CodeBadEnvelope      = "bad_envelope"
	CodeBadPayload       = "bad_payload"
	CodeUnknownEvent     = "unknown_event"
	CodeNotJoined        = "not_joined"
	CodeIdentityMismatch = "identity_mismatch"
	CodeUnknownUser      = "unknown_user"
	CodeInternal         = "internal"
)

// Envelope is one websocket text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals data into an envelope frame for event.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode parses a frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// Join is the client's registration. On the wire it is either a bare user id
// string or an object carrying the device's public key.
type Join struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey,omitempty"`
}

// UnmarshalJSON accepts both the bare-string and the object form.
func (j *Join) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*j = Join{UserID: id}
		return nil
	}
	type plain Join
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*j = Join(p)
	return nil
}

// Normalize trims the user id.
func (j *Join) Normalize() {
	j.UserID = NormalizeUserID(j.UserID)
}

// NormalizeUserID is the canonical form of a user id as joined and addressed.
func NormalizeUserID(id string) string {
	return strings.TrimSpace(id)
}

// OutboundMessage is a client's private_message.
type OutboundMessage struct {
	RecipientID      string `json:"recipientId"`
	EncryptedMessage string `json:"encryptedMessage"`
	MessageType      string `json:"messageType,omitempty"`
}

// InboundMessage is a relayed private_message as delivered to the recipient.
type InboundMessage struct {
	SenderID         string `json:"senderId"`
	EncryptedMessage string `json:"encryptedMessage"`
	MessageType      string `json:"messageType"`
	Timestamp        int64  `json:"timestamp"`
	SenderKey        string `json:"senderKey,omitempty"`
}

// UserStatus is a presence delta.
type UserStatus struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// KeyRequest asks the server for a connected user's public key.
type KeyRequest struct {
	UserID string `json:"userId"`
}

// PublicKey answers a KeyRequest. PublicKey is empty when the user is offline.
type PublicKey struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

// Error reports a protocol violation back to the offending connection.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
