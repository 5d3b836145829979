package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/push"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type notificationSender interface {
	Send(ctx context.Context, n push.Notification) error
}

// Consumer drains the push topic. Each notification is attempted once and
// committed whatever the outcome; push is best effort.
type Consumer struct {
	reader     messageReader
	sender     notificationSender
	retryDelay time.Duration
	log        *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, sender notificationSender, retryDelay time.Duration, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		ErrorLogger: kafka.LoggerFunc(log.Sugar().Errorf),
	})
	return &Consumer{reader: r, sender: sender, retryDelay: retryDelay, log: log}
}

// Consume blocks until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context) {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("error reading message, retrying", zap.Duration("delay", c.retryDelay), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
			continue
		}

		c.handle(ctx, m)
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.log.Error("failed to commit offset", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var n push.Notification
	if err := json.Unmarshal(m.Value, &n); err != nil {
		c.log.Error("failed to unmarshal notification", zap.Int64("offset", m.Offset), zap.Error(err))
		return
	}

	err := c.sender.Send(ctx, n)
	switch {
	case errors.Is(err, push.ErrSubscriptionGone):
		c.log.Info("push subscription expired", zap.String("user", n.Subscription.UserID))
	case err != nil:
		c.log.Error("push delivery failed", zap.String("user", n.Subscription.UserID), zap.Error(err))
	default:
		c.log.Debug("push delivered", zap.String("user", n.Subscription.UserID), zap.String("chat", n.Payload.Data.ChatID))
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
