// Package storage is the device-local, ephemeral message ledger. The whole
// ledger is persisted as a single encrypted blob under one key, bounded in
// size and filtered by per-message expiry on every read and write.
package storage

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/GophChat/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// LedgerKey is the storage key of the encrypted ledger blob.
	LedgerKey = "encrypted_messages"
	// MaxMessages bounds the ledger; the oldest entries are evicted first.
	MaxMessages = 1000
)

// Cipher seals the serialized ledger.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// MessageStore is the encrypted ledger. Every mutating call is a critical
// section over the single storage key, so concurrent sends never lose updates.
type MessageStore struct {
	mu     sync.Mutex
	kv     KeyValue
	cipher Cipher
	max    int
	now    func() time.Time
	log    *zap.Logger
}

// Option customizes a MessageStore.
type Option func(*MessageStore)

// WithCapacity overrides MaxMessages.
func WithCapacity(n int) Option {
	return func(s *MessageStore) {
		if n > 0 {
			s.max = n
		}
	}
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *MessageStore) { s.now = now }
}

// WithLogger sets the logger used for fail-closed reads.
func WithLogger(l *zap.Logger) Option {
	return func(s *MessageStore) { s.log = l }
}

// NewMessageStore returns a ledger persisted in kv and sealed by c.
func NewMessageStore(kv KeyValue, c Cipher, opts ...Option) *MessageStore {
	s := &MessageStore{
		kv:     kv,
		cipher: c,
		max:    MaxMessages,
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// load decrypts the full ledger. A missing, undecryptable or unparseable blob
// is an empty ledger; only storage I/O errors are returned.
func (s *MessageStore) load() ([]models.StoredMessage, error) {
	blob, ok, err := s.kv.Get(LedgerKey)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if !ok || blob == "" {
		return []models.StoredMessage{}, nil
	}

	plain, err := s.cipher.Decrypt(blob)
	if err != nil {
		s.log.Warn("ledger undecryptable, treating as empty", zap.Error(err))
		return []models.StoredMessage{}, nil
	}

	var msgs []models.StoredMessage
	if err := json.Unmarshal([]byte(plain), &msgs); err != nil {
		s.log.Warn("ledger corrupt, treating as empty", zap.Error(err))
		return []models.StoredMessage{}, nil
	}
	return msgs, nil
}

func (s *MessageStore) save(msgs []models.StoredMessage) error {
	if msgs == nil {
		msgs = []models.StoredMessage{}
	}
	plain, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	blob, err := s.cipher.Encrypt(string(plain))
	if err != nil {
		return fmt.Errorf("encrypt ledger: %w", err)
	}
	if err := s.kv.Set(LedgerKey, blob); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

func (s *MessageStore) live(msgs []models.StoredMessage) []models.StoredMessage {
	now := s.now()
	out := make([]models.StoredMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.Expired(now) {
			out = append(out, m)
		}
	}
	return out
}

// Append adds msg to the ledger, purging expired entries and evicting the
// oldest ones beyond capacity. An empty ID is filled with a random UUID.
func (s *MessageStore) Append(msg models.StoredMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.load()
	if err != nil {
		return err
	}
	msgs = s.live(append(msgs, msg))
	if len(msgs) > s.max {
		msgs = msgs[len(msgs)-s.max:]
	}
	return s.save(msgs)
}

// ReadAll returns every unexpired message in insertion order. When expired
// entries were found the ledger is rewritten without them.
func (s *MessageStore) ReadAll() ([]models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, _, err := s.compact()
	return live, err
}

// Compact drops expired entries from the persisted ledger and reports how
// many were removed.
func (s *MessageStore) Compact() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, removed, err := s.compact()
	return removed, err
}

func (s *MessageStore) compact() ([]models.StoredMessage, int, error) {
	msgs, err := s.load()
	if err != nil {
		return nil, 0, err
	}
	live := s.live(msgs)
	removed := len(msgs) - len(live)
	if removed > 0 {
		if err := s.save(live); err != nil {
			s.log.Warn("failed to rewrite ledger after expiry", zap.Error(err))
		}
	}
	return live, removed, nil
}

// ReadConversation returns the messages exchanged between a and b ordered by
// timestamp ascending.
func (s *MessageStore) ReadConversation(a, b string) ([]models.StoredMessage, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]models.StoredMessage, 0, len(all))
	for _, m := range all {
		if m.Between(a, b) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// Search returns text messages whose content contains query, ignoring case.
// Image messages never match.
func (s *MessageStore) Search(query string) ([]models.StoredMessage, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	out := make([]models.StoredMessage, 0)
	for _, m := range all {
		if m.Type == models.TextMessage && strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Conversation summarizes the exchange with one peer.
type Conversation struct {
	// Peer is the other party's user id.
	Peer string
	// Last is the newest unexpired message by timestamp.
	Last models.StoredMessage
}

// Conversations groups the ledger of self by peer, newest conversation first.
// Entries not involving self are ignored.
func (s *MessageStore) Conversations(self string) ([]Conversation, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	last := make(map[string]models.StoredMessage)
	for _, m := range all {
		var peer string
		switch {
		case m.SenderID == self:
			peer = m.RecipientID
		case m.RecipientID == self:
			peer = m.SenderID
		default:
			continue
		}
		// later insertion wins a timestamp tie
		if prev, ok := last[peer]; !ok || m.Timestamp >= prev.Timestamp {
			last[peer] = m
		}
	}

	out := make([]Conversation, 0, len(last))
	for peer, m := range last {
		out = append(out, Conversation{Peer: peer, Last: m})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Last.Timestamp != out[j].Last.Timestamp {
			return out[i].Last.Timestamp > out[j].Last.Timestamp
		}
		return out[i].Peer < out[j].Peer
	})
	return out, nil
}

// Delete removes the message with id and reports whether it was present.
func (s *MessageStore) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.load()
	if err != nil {
		return false, err
	}
	msgs := s.live(loaded)
	idx := slices.IndexFunc(msgs, func(m models.StoredMessage) bool { return m.ID == id })
	if idx < 0 {
		if len(msgs) != len(loaded) {
			return false, s.save(msgs)
		}
		return false, nil
	}
	msgs = slices.Delete(msgs, idx, idx+1)
	return true, s.save(msgs)
}

// Clear drops the persisted ledger entirely.
func (s *MessageStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Remove(LedgerKey); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	return nil
}
