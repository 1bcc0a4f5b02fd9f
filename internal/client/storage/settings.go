package storage

import (
	"errors"
	"fmt"
	"strconv"
)

// RetentionKey is the storage key of the auto-delete retention setting.
const RetentionKey = "autoDeleteMinutes"

// ErrNegativeRetention is returned when a negative retention is configured.
var ErrNegativeRetention = errors.New("retention minutes must not be negative")

// Settings persists device preferences in durable storage.
type Settings struct {
	kv KeyValue
}

// NewSettings returns Settings backed by kv.
func NewSettings(kv KeyValue) *Settings {
	return &Settings{kv: kv}
}

// RetentionMinutes returns the configured auto-delete retention. Zero means
// messages never expire; an absent or unparseable value reads as zero.
func (s *Settings) RetentionMinutes() (int, error) {
	v, ok, err := s.kv.Get(RetentionKey)
	if err != nil {
		return 0, fmt.Errorf("read retention: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

// SetRetentionMinutes persists the auto-delete retention.
func (s *Settings) SetRetentionMinutes(minutes int) error {
	if minutes < 0 {
		return ErrNegativeRetention
	}
	if err := s.kv.Set(RetentionKey, strconv.Itoa(minutes)); err != nil {
		return fmt.Errorf("write retention: %w", err)
	}
	return nil
}

// ExpiryFor returns timestamp + minutes·60000, or nil when retention is off.
func ExpiryFor(timestamp int64, minutes int) *int64 {
	if minutes <= 0 {
		return nil
	}
	at := timestamp + int64(minutes)*60_000
	return &at
}
