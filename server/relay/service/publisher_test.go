package service

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_relay/server/relay/protocol"
)

type publishedFrame struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	published []publishedFrame
	closed    bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.published = append(f.published, publishedFrame{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisherRoutesByDomain(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{channel: ch}

	require.NoError(t, p.LiveRequested(context.Background(), LiveRequestNotice{DomainID: "d1", RoomID: "r1", Trigger: "toggle"}))
	require.NoError(t, p.MessageCreated(context.Background(), "d1", protocol.ChatMessage{ID: "m1", RoomID: "r1"}))
	p.Close()

	require.Len(t, ch.published, 2)
	assert.Equal(t, "chat.events", ch.published[0].exchange)
	assert.Equal(t, "d1.room.live_requested", ch.published[0].key)
	assert.Equal(t, "d1.message.created", ch.published[1].key)
	assert.Equal(t, "application/json", ch.published[0].msg.ContentType)

	var notice LiveRequestNotice
	require.NoError(t, json.Unmarshal(ch.published[0].msg.Body, &notice))
	assert.Equal(t, "r1", notice.RoomID)
	assert.True(t, ch.closed)
}
