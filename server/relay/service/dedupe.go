package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"chat_relay/server/relay/protocol"
)

const (
	DefaultDedupeTTL   = 24 * time.Hour
	dedupePendingValue = "pending"
)

// DedupePendingTTL bounds how long an unfinished reservation blocks replays.
// It covers a save with its one retry, so a relay that died mid-save stops
// swallowing the client's resend soon after.
func DedupePendingTTL(storeTimeout time.Duration) time.Duration {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	return 3 * storeTimeout
}

func sendDedupeKey(roomID, userID, clientMessageID string) string {
	return fmt.Sprintf("chatrelay:dedupe:%s:%s:%s", roomID, userID, clientMessageID)
}

// RedisDeduper reserves a clientMessageId with SETNX and later stores the
// durable message under the same key.
// The pending marker expires after pendingTTL; the committed message keeps
// the full ttl.
type RedisDeduper struct {
	client     *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl, pendingTTL time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if pendingTTL <= 0 || pendingTTL > ttl {
		pendingTTL = DedupePendingTTL(0)
	}
	return &RedisDeduper{client: client, ttl: ttl, pendingTTL: pendingTTL}
}

func (d *RedisDeduper) Reserve(ctx context.Context, key string) (DedupeState, protocol.ChatMessage, error) {
	ok, err := d.client.SetNX(ctx, key, dedupePendingValue, d.pendingTTL).Result()
	if err != nil {
		return DedupeNew, protocol.ChatMessage{}, err
	}
	if ok {
		return DedupeNew, protocol.ChatMessage{}, nil
	}
	raw, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return d.Reserve(ctx, key)
	}
	if err != nil {
		return DedupeNew, protocol.ChatMessage{}, err
	}
	if raw == dedupePendingValue {
		return DedupePending, protocol.ChatMessage{}, nil
	}
	var msg protocol.ChatMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return DedupePending, protocol.ChatMessage{}, nil
	}
	return DedupeCommitted, msg, nil
}

func (d *RedisDeduper) Commit(ctx context.Context, key string, msg protocol.ChatMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return d.client.Set(ctx, key, b, d.ttl).Err()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) {
	_, _ = d.client.Del(ctx, key).Result()
}

type dedupeEntry struct {
	committed  bool
	msg        protocol.ChatMessage
	reservedAt time.Time
}

// LocalDeduper keeps reservations in an expiring LRU. A pending entry older
// than pendingTTL counts as absent.
type LocalDeduper struct {
	mu         sync.Mutex
	entries    *expirable.LRU[string, dedupeEntry]
	pendingTTL time.Duration
	now        func() time.Time
}

func NewLocalDeduper(capacity int, ttl, pendingTTL time.Duration) *LocalDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if pendingTTL <= 0 || pendingTTL > ttl {
		pendingTTL = DedupePendingTTL(0)
	}
	return &LocalDeduper{
		entries:    expirable.NewLRU[string, dedupeEntry](capacity, nil, ttl),
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
}

func (d *LocalDeduper) Reserve(ctx context.Context, key string) (DedupeState, protocol.ChatMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if entry, ok := d.entries.Get(key); ok {
		if entry.committed {
			return DedupeCommitted, entry.msg, nil
		}
		if now.Sub(entry.reservedAt) < d.pendingTTL {
			return DedupePending, protocol.ChatMessage{}, nil
		}
	}
	d.entries.Add(key, dedupeEntry{reservedAt: now})
	return DedupeNew, protocol.ChatMessage{}, nil
}

func (d *LocalDeduper) Commit(ctx context.Context, key string, msg protocol.ChatMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries.Add(key, dedupeEntry{committed: true, msg: msg})
	return nil
}

func (d *LocalDeduper) Release(ctx context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries.Remove(key)
}
