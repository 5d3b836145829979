package push

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaGateway enqueues notifications on a topic keyed by user id, so the
// notifications of one user stay ordered within a partition.
type KafkaGateway struct {
	producer messageWriter
	log      *zap.Logger
}

func NewKafkaGateway(brokers []string, topic string, log *zap.Logger) *KafkaGateway {
	producer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error("push enqueue failed", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
		ErrorLogger: kafka.LoggerFunc(log.Sugar().Errorf),
	}
	return &KafkaGateway{producer: producer, log: log}
}

func (g *KafkaGateway) Deliver(ctx context.Context, sub model.Subscription, payload Payload) {
	value, err := json.Marshal(Notification{Subscription: sub, Payload: payload})
	if err != nil {
		g.log.Error("failed to marshal notification", zap.String("user", sub.UserID), zap.Error(err))
		return
	}

	err = g.producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sub.UserID),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		g.log.Error("failed to enqueue notification", zap.String("user", sub.UserID), zap.Error(err))
		return
	}
	g.log.Debug("notification enqueued", zap.String("user", sub.UserID), zap.String("chat", payload.Data.ChatID))
}

func (g *KafkaGateway) Close() error {
	return g.producer.Close()
}
