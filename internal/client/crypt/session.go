package crypt

import (
	"encoding/hex"
	"fmt"
)

// SessionKeyName is the volatile storage key holding the device session key.
const SessionKeyName = "session_key"

// KeyStore is the subset of a key-value store the session key lives in. It
// must be session-scoped memory, never durable storage.
type KeyStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// LoadOrCreateSessionKey returns the session key held in ks, generating and
// storing a new one when absent or unreadable.
func LoadOrCreateSessionKey(ks KeyStore) ([]byte, error) {
	stored, ok, err := ks.Get(SessionKeyName)
	if err != nil {
		return nil, fmt.Errorf("load session key: %w", err)
	}
	if ok {
		if key, err := hex.DecodeString(stored); err == nil && len(key) == KeySize {
			return key, nil
		}
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := ks.Set(SessionKeyName, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("store session key: %w", err)
	}
	return key, nil
}

// NewSessionService loads or creates the session key in ks and wraps it.
func NewSessionService(ks KeyStore) (*Service, error) {
	key, err := LoadOrCreateSessionKey(ks)
	if err != nil {
		return nil, err
	}
	return NewService(key)
}
