// Package models defines the data structures shared by the relay server,
// the identity directory and the client-side message ledger.
package models

import "time"

// User is a directory entry. ID is the opaque, globally unique identifier
// used as the addressing key for presence and relay.
type User struct {
	// ID is the user's login, also the CommonName of issued client certificates.
	ID string `json:"id"`
	// CreatedAt is when the directory first saw the user.
	CreatedAt time.Time `json:"createdAt"`
}

// MessageType distinguishes how a message payload is interpreted.
type MessageType string

const (
	// TextMessage carries UTF-8 text.
	TextMessage MessageType = "text"
	// ImageMessage carries a base64 data URL.
	ImageMessage MessageType = "image"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	return t == TextMessage || t == ImageMessage
}

// StoredMessage is one entry of a device's local ledger. Content is plaintext
// in the decrypted view; the persisted form is always the encrypted ledger.
type StoredMessage struct {
	// ID is unique within the ledger.
	ID string `json:"id"`
	// SenderID is the author's user id.
	SenderID string `json:"senderId"`
	// RecipientID is the addressee's user id.
	RecipientID string `json:"recipientId"`
	// Content is the message text or base64 image data.
	Content string `json:"content"`
	// Type is text or image.
	Type MessageType `json:"type"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
	// AutoDeleteAt, when set, is the millisecond instant the message expires.
	AutoDeleteAt *int64 `json:"autoDeleteAt,omitempty"`
}

// Expired reports whether the message must no longer be visible at now.
func (m StoredMessage) Expired(now time.Time) bool {
	return m.AutoDeleteAt != nil && *m.AutoDeleteAt <= now.UnixMilli()
}

// Between reports whether the message belongs to the conversation of a and b.
func (m StoredMessage) Between(a, b string) bool {
	return (m.SenderID == a && m.RecipientID == b) ||
		(m.SenderID == b && m.RecipientID == a)
}
