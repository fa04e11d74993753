package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/SimelweN/rebooked-orders/internal/order/domain"
	"github.com/SimelweN/rebooked-orders/pkg/tracing"
)

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type message struct {
	RecipientID string    `json:"recipient_id"`
	Kind        string    `json:"kind"`
	OrderID     string    `json:"order_id"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// Publisher is the kafka implementation of the notification sink.
// Delivery is best effort: callers log a returned error and move on,
// a dropped notification never affects the order transition.
type Publisher struct {
	log      *slog.Logger
	producer Producer
	topic    string
	now      func() time.Time
}

func NewPublisher(log *slog.Logger, producer Producer, topic string) *Publisher {
	return &Publisher{log: log, producer: producer, topic: topic, now: time.Now}
}

func (p *Publisher) Notify(ctx context.Context, userID string, kind domain.NotificationKind, orderID, msg string) error {
	payload, err := json.Marshal(message{
		RecipientID: userID,
		Kind:        string(kind),
		OrderID:     orderID,
		Message:     msg,
		CreatedAt:   p.now().UTC(),
	})
	if err != nil {
		return err
	}

	return p.producer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(userID),
		Value:   payload,
		Headers: tracing.InjectKafkaHeaders(ctx, []kafka.Header{{Key: "kind", Value: []byte(kind)}}),
	})
}
