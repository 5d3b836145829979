package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/logging"
	"github.com/mahaj/chatcore/pkg/push"
)

func main() {
	cfg, err := config.Parse[config.Notifier]()
	if err != nil {
		log.Fatalf("Cannot parse env config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Output...)
	if err != nil {
		log.Fatalf("Cannot build logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	sender := push.NewWebPushSender(push.VAPID{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subscriber: cfg.VAPIDSubscriber,
		TTL:        cfg.PushTTL,
	}, nil)

	consumer := NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.PushTopic, cfg.GroupID, sender, cfg.RetryDelay, logger.Named("consumer"))
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infof("Starting push notifier on topic %s", cfg.Kafka.PushTopic)
	consumer.Consume(ctx)
	sugar.Info("Push notifier stopped")
}
