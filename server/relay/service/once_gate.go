package service

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const onceGateTTL = 30 * 24 * time.Hour

func mailedGateKey(roomID string) string {
	return "chatrelay:mailed:" + roomID
}

type RedisOnceGate struct {
	client *redis.Client
}

func NewRedisOnceGate(client *redis.Client) *RedisOnceGate {
	return &RedisOnceGate{client: client}
}

func (g *RedisOnceGate) Acquire(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), onceGateTTL).Result()
}

type LocalOnceGate struct {
	mu   sync.Mutex
	keys *expirable.LRU[string, struct{}]
}

func NewLocalOnceGate(capacity int) *LocalOnceGate {
	return &LocalOnceGate{keys: expirable.NewLRU[string, struct{}](capacity, nil, onceGateTTL)}
}

func (g *LocalOnceGate) Acquire(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys.Contains(key) {
		return false, nil
	}
	g.keys.Add(key, struct{}{})
	return true, nil
}
