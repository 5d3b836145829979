package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/logging"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/store"
	"github.com/mahaj/chatcore/pkg/store/backend"
)

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

type api struct {
	store    store.Store
	tokens   *auth.Tokens
	online   OnlineLister
	validate *validator.Validate
	log      *zap.Logger
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()

	// Public endpoint
	mux.HandleFunc("POST /login", a.login)

	// Protected endpoints
	mux.Handle("GET /history", a.tokens.Middleware(http.HandlerFunc(a.history)))
	mux.Handle("GET /calls", a.tokens.Middleware(http.HandlerFunc(a.calls)))
	mux.Handle("GET /chats", a.tokens.Middleware(http.HandlerFunc(a.conversations)))
	mux.Handle("POST /chats", a.tokens.Middleware(http.HandlerFunc(a.createChat)))
	mux.Handle("GET /chats/{id}", a.tokens.Middleware(http.HandlerFunc(a.chat)))
	mux.Handle("POST /chats/{id}/read", a.tokens.Middleware(http.HandlerFunc(a.read)))
	mux.Handle("GET /chats/{id}/online", a.tokens.Middleware(http.HandlerFunc(a.presence)))
	mux.Handle("POST /subscriptions", a.tokens.Middleware(http.HandlerFunc(a.subscribe)))

	return CORSMiddleware(mux)
}

func main() {
	cfg, err := config.Parse[config.API]()
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
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	a := &api{
		store:    st,
		tokens:   auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL),
		online:   presence.NewRedisRooms(rdb),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger.Named("api"),
	}
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: a.routes(),
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		sugar.Info("Shutting down HTTP server")
		if err := httpServer.Shutdown(context.Background()); err != nil {
			sugar.Errorf("httpServer.Shutdown: %v", err)
		}
		close(idleConnsClosed)
	}()

	sugar.Infof("API Service Starting on %s...", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		sugar.Fatalf("ListenAndServe: %v", err)
	}
	<-idleConnsClosed
}
