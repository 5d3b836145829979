package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/ai"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/fanout"
	"github.com/mahaj/chatcore/pkg/gateway"
	"github.com/mahaj/chatcore/pkg/logging"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/push"
	"github.com/mahaj/chatcore/pkg/signaling"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store/backend"
)

func main() {
	cfg, err := config.Parse[config.Gateway]()
	if err != nil {
		log.Fatalf("Cannot parse env config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Output...)
	if err != nil {
		log.Fatalf("Cannot build logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	st, err := backend.Open(cfg.Store, logger)
	if err != nil {
		sugar.Fatalf("Cannot open %s store: %v", cfg.Store.Driver, err)
	}

	// Node ids must be unique per gateway instance.
	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		sugar.Fatalf("Failed to initialize snowflake node: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	pushGateway := push.NewKafkaGateway(cfg.Kafka.Brokers, cfg.Kafka.PushTopic, logger.Named("push"))
	defer pushGateway.Close()

	hub := gateway.NewHub(presence.NewRedisRooms(rdb), logger.Named("hub"))
	registry := presence.NewRegistry(st, logger.Named("presence"))

	engineOpts := []fanout.Option{
		fanout.WithParallelism(cfg.FanoutParallel),
		fanout.WithRooms(hub),
	}
	if cfg.AIUserID != "" && cfg.OpenAIKey != "" {
		responder := ai.NewOpenAIResponder(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
		engineOpts = append(engineOpts, fanout.WithAI(responder, cfg.AIUserID))
		sugar.Infof("AI replies enabled for %s", cfg.AIUserID)
	}
	engine := fanout.New(st, registry, pushGateway, ids, logger.Named("fanout"), engineOpts...)
	relay := signaling.New(st, registry, ids, logger.Named("signaling"))

	server := gateway.NewServer(hub, auth.NewTokens(cfg.JWTSecret, 0), registry, engine, relay, cfg.SendBuffer, logger.Named("gateway"))
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Handler(),
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		sugar.Info("Shutting down gateway")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Errorf("httpServer.Shutdown: %v", err)
		}
		server.Shutdown()
		close(idleConnsClosed)
	}()

	sugar.Infow("Gateway Service Starting", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store.Driver))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		sugar.Fatalf("ListenAndServe: %v", err)
	}
	<-idleConnsClosed

	if err := st.Close(); err != nil {
		sugar.Errorf("Closing store: %v", err)
	}
	sugar.Info("Gateway stopped")
}
