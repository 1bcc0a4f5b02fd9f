package crypt

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const conversationInfo = "gophchat conversation v1"

// KeyPair is a device's X25519 identity for one session. Only the public half
// ever leaves the process.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicKey returns the base64 encoded public key.
func (kp *KeyPair) PublicKey() string {
	return base64.StdEncoding.EncodeToString(kp.priv.PublicKey().Bytes())
}

// ConversationKey derives the symmetric key shared by selfID and peerID.
// Both sides derive the same key because the salt orders the ids.
func (kp *KeyPair) ConversationKey(selfID, peerID, peerPublic string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("decode peer key: %w", err)
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse peer key: %w", err)
	}
	shared, err := kp.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	lo, hi := selfID, peerID
	if hi < lo {
		lo, hi = hi, lo
	}
	salt := []byte(lo + "\x00" + hi)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(conversationInfo)), key); err != nil {
		return nil, fmt.Errorf("derive conversation key: %w", err)
	}
	return key, nil
}

// Conversation returns a Service keyed for the selfID/peerID conversation.
func (kp *KeyPair) Conversation(selfID, peerID, peerPublic string) (*Service, error) {
	key, err := kp.ConversationKey(selfID, peerID, peerPublic)
	if err != nil {
		return nil, err
	}
	return NewService(key)
}
