package mq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const ExchangeChatEvents = "chat.events"

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "chat-relay",
		},
	})
}

// DeclareChatExchange declares the durable topic exchange relay events go to.
func DeclareChatExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(ExchangeChatEvents, "topic", true, false, false, false, nil)
}
