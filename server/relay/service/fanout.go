package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/protocol"
)

const roomChannelPrefix = "chatrelay:room:"

const (
	remoteKindMessage  = "message"
	remoteKindLive     = "live"
	remoteKindPresence = "presence"
)

// RemoteEvent is a room event published by one relay instance for the others.
// Frame is delivered verbatim to local peers.
type RemoteEvent struct {
	Origin  string                `json:"origin"`
	RoomID  string                `json:"roomId"`
	Kind    string                `json:"kind"`
	Live    bool                  `json:"live,omitempty"`
	Message *protocol.ChatMessage `json:"message,omitempty"`
	Frame   json.RawMessage       `json:"frame"`
}

type Fanout interface {
	Publish(ctx context.Context, ev RemoteEvent) error
	// Run delivers events from other instances until ctx is done.
	Run(ctx context.Context, deliver func(RemoteEvent)) error
}

type RedisFanout struct {
	client     *redis.Client
	instanceID string
}

func NewRedisFanout(client *redis.Client, instanceID string) *RedisFanout {
	return &RedisFanout{client: client, instanceID: instanceID}
}

func roomChannel(roomID string) string {
	return roomChannelPrefix + roomID
}

func (f *RedisFanout) Publish(ctx context.Context, ev RemoteEvent) error {
	ev.Origin = f.instanceID
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, roomChannel(ev.RoomID), b).Err()
}

func (f *RedisFanout) Run(ctx context.Context, deliver func(RemoteEvent)) error {
	pubsub := f.client.PSubscribe(ctx, roomChannelPrefix+"*")
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return nil
			}
			return err
		}
		var ev RemoteEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			commonlog.Warnf("event=room_fanout action=decode status=failed channel=%s error=%v", msg.Channel, err)
			continue
		}
		if ev.Origin == f.instanceID {
			continue
		}
		if ev.RoomID == "" {
			ev.RoomID = strings.TrimPrefix(msg.Channel, roomChannelPrefix)
		}
		deliver(ev)
	}
}

// LocalFanout is used by single-instance deployments.
type LocalFanout struct{}

func (LocalFanout) Publish(context.Context, RemoteEvent) error { return nil }

func (LocalFanout) Run(ctx context.Context, _ func(RemoteEvent)) error {
	<-ctx.Done()
	return nil
}
