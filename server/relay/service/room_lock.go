package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	commonlog "chat_relay/server/common/log"
)

const (
	lockReleaseTimeout = 2 * time.Second
	lockReleaseScript  = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
)

var errRoomLockHeld = errors.New("room lock held")

func roomLockKey(roomID string) string {
	return "chatrelay:lock:" + roomID
}

// RoomLocker serializes live-mode decisions for a room across relay
// instances: toggles and the apply step of AI replies run under it.
type RoomLocker interface {
	Lock(ctx context.Context, roomID string) (release func(), err error)
}

// RedisRoomLocker is a SETNX lock with a random token; release deletes the
// key only while it still holds that token.
type RedisRoomLocker struct {
	client *redis.Client
	ttl    time.Duration
	script *redis.Script
}

func NewRedisRoomLocker(client *redis.Client, ttl time.Duration) *RedisRoomLocker {
	if ttl <= 0 {
		ttl = 3 * DefaultStoreTimeout
	}
	return &RedisRoomLocker{client: client, ttl: ttl, script: redis.NewScript(lockReleaseScript)}
}

// Lock waits until the lock is free or ctx ends.
func (l *RedisRoomLocker) Lock(ctx context.Context, roomID string) (func(), error) {
	key := roomLockKey(roomID)
	token := uuid.NewString()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, errRoomLockHeld
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
	if err != nil {
		return nil, err
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer cancel()
		if err := l.script.Run(rctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			commonlog.Warnf("event=room_lock action=release status=failed room_id=%s error=%v", roomID, err)
		}
	}, nil
}
