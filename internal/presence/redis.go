// Package presence mirrors the relay's in-memory presence set into Redis so
// that other processes can see who is reachable. The relay table stays the
// source of truth; the mirror is written asynchronously and may lag it.
package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// OnlineSetKey is the Redis set holding the ids of connected users.
	OnlineSetKey = "gophchat:online_users"
	// DefaultTTL bounds how long a crashed relay's mirror stays visible.
	DefaultTTL = 2 * time.Minute
	// DefaultQueue is the number of changes buffered for the writer.
	DefaultQueue = 1024
)

// NewRedisClient parses url (redis://[:password@]host:port/db) and pings the
// server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type change struct {
	userID string
	online bool
}

// RedisMirror implements relay.PresenceObserver. UserOnline and UserOffline
// never block; Run applies the changes in order.
type RedisMirror struct {
	rdb     *redis.Client
	ttl     time.Duration
	changes chan change
	log     *zap.Logger
}

// NewRedisMirror returns a mirror writing to rdb. A zero ttl means DefaultTTL.
func NewRedisMirror(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisMirror{
		rdb:     rdb,
		ttl:     ttl,
		changes: make(chan change, DefaultQueue),
		log:     log,
	}
}

// UserOnline queues userID for addition.
func (m *RedisMirror) UserOnline(userID string) { m.push(change{userID: userID, online: true}) }

// UserOffline queues userID for removal.
func (m *RedisMirror) UserOffline(userID string) { m.push(change{userID: userID}) }

func (m *RedisMirror) push(c change) {
	select {
	case m.changes <- c:
	default:
		m.log.Warn("presence mirror lagging, change dropped", zap.String("user", c.userID), zap.Bool("online", c.online))
	}
}

// Run clears any set left by a previous process, then applies queued changes
// and refreshes the set's TTL until ctx is done. The set is removed on exit.
func (m *RedisMirror) Run(ctx context.Context) error {
	if err := m.rdb.Del(ctx, OnlineSetKey).Err(); err != nil {
		return fmt.Errorf("reset presence mirror: %w", err)
	}

	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.clear()
			return nil
		case c := <-m.changes:
			if err := m.apply(ctx, c); err != nil {
				m.log.Warn("presence mirror write failed", zap.String("user", c.userID), zap.Error(err))
			}
		case <-ticker.C:
			if err := m.rdb.Expire(ctx, OnlineSetKey, m.ttl).Err(); err != nil {
				m.log.Warn("presence mirror refresh failed", zap.Error(err))
			}
		}
	}
}

func (m *RedisMirror) clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.rdb.Del(ctx, OnlineSetKey).Err(); err != nil {
		m.log.Warn("failed to clear presence mirror", zap.Error(err))
	}
}

func (m *RedisMirror) apply(ctx context.Context, c change) error {
	pipe := m.rdb.Pipeline()
	if c.online {
		pipe.SAdd(ctx, OnlineSetKey, c.userID)
	} else {
		pipe.SRem(ctx, OnlineSetKey, c.userID)
	}
	pipe.Expire(ctx, OnlineSetKey, m.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// OnlineUsers reads the mirrored presence set, sorted.
func OnlineUsers(ctx context.Context, rdb *redis.Client) ([]string, error) {
	users, err := rdb.SMembers(ctx, OnlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence mirror: %w", err)
	}
	sort.Strings(users)
	return users, nil
}
