package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat_relay/server/common/infra/mq"
	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/protocol"
)

const (
	routingKeyLiveRequested  = "room.live_requested"
	routingKeyMessageCreated = "message.created"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes relay events to the chat.events topic exchange.
// Routing keys are prefixed with the domain id.
type AMQPPublisher struct {
	mu      sync.Mutex
	channel amqpChannel
}

func NewAMQPPublisher(conn *amqp.Connection) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := mq.DeclareChatExchange(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &AMQPPublisher{channel: ch}, nil
}

func (p *AMQPPublisher) LiveRequested(ctx context.Context, notice LiveRequestNotice) error {
	return p.publish(ctx, notice.DomainID, routingKeyLiveRequested, notice)
}

type messageCreatedEvent struct {
	DomainID string               `json:"domainId"`
	Message  protocol.ChatMessage `json:"message"`
}

func (p *AMQPPublisher) MessageCreated(ctx context.Context, domainID string, msg protocol.ChatMessage) error {
	return p.publish(ctx, domainID, routingKeyMessageCreated, messageCreatedEvent{DomainID: domainID, Message: msg})
}

func (p *AMQPPublisher) publish(ctx context.Context, domainID, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	routingKey := key
	if strings.TrimSpace(domainID) != "" {
		routingKey = domainID + "." + key
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, mq.ExchangeChatEvents, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
}

// LogNotifier only logs. It is used when CHAT_USE_MQ is off.
type LogNotifier struct{}

func (LogNotifier) LiveRequested(ctx context.Context, notice LiveRequestNotice) error {
	commonlog.Infof("event=live_requested action=notify status=logged domain_id=%s room_id=%s trigger=%s owner_email_present=%t", notice.DomainID, notice.RoomID, notice.Trigger, notice.OwnerEmail != "")
	return nil
}

func (LogNotifier) MessageCreated(ctx context.Context, domainID string, msg protocol.ChatMessage) error {
	commonlog.Debugf("event=message_created action=notify status=logged domain_id=%s room_id=%s message_id=%s", domainID, msg.RoomID, msg.ID)
	return nil
}
