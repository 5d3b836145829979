// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store selects the persistence backend.
type Store struct {
	Driver      string        `env:"STORE_DRIVER" envDefault:"scylla"`
	ScyllaHosts []string      `env:"SCYLLA_HOSTS" envDefault:"localhost:9042" envSeparator:","`
	Keyspace    string        `env:"SCYLLA_KEYSPACE" envDefault:"chat"`
	Timeout     time.Duration `env:"SCYLLA_TIMEOUT" envDefault:"5s"`
	BadgerPath  string        `env:"BADGER_PATH"`
}

type Log struct {
	Level  string   `env:"LOG_LEVEL" envDefault:"info"`
	Output []string `env:"LOG_OUTPUT" envDefault:"stderr" envSeparator:","`
}

type Kafka struct {
	Brokers   []string `env:"KAFKA_BROKERS" envDefault:"localhost:19092" envSeparator:","`
	PushTopic string   `env:"PUSH_TOPIC" envDefault:"push-notifications"`
}

type Gateway struct {
	Addr           string        `env:"GATEWAY_ADDR" envDefault:":8080"`
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	JWTSecret      string        `env:"JWT_SECRET,required,notEmpty"`
	NodeID         int64         `env:"NODE_ID" envDefault:"1"`
	SendBuffer     int           `env:"SEND_BUFFER" envDefault:"256"`
	FanoutParallel int           `env:"FANOUT_PARALLELISM" envDefault:"16"`
	AIUserID       string        `env:"AI_USER_ID"`
	OpenAIKey      string        `env:"OPENAI_API_KEY"`
	OpenAIModel    string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL  string        `env:"OPENAI_BASE_URL"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
	Store          Store
	Log            Log
	Kafka          Kafka
}

type API struct {
	Addr      string        `env:"API_ADDR" envDefault:":8081"`
	RedisAddr string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	JWTSecret string        `env:"JWT_SECRET,required,notEmpty"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	Store     Store
	Log       Log
}

type Notifier struct {
	GroupID         string        `env:"NOTIFIER_GROUP_ID" envDefault:"push-notifier"`
	VAPIDPublicKey  string        `env:"VAPID_PUBLIC_KEY,required,notEmpty"`
	VAPIDPrivateKey string        `env:"VAPID_PRIVATE_KEY,required,notEmpty"`
	VAPIDSubscriber string        `env:"VAPID_SUBSCRIBER" envDefault:"admin@example.com"`
	PushTTL         int           `env:"PUSH_TTL_SECONDS" envDefault:"3600"`
	RetryDelay      time.Duration `env:"RETRY_DELAY" envDefault:"1s"`
	Kafka           Kafka
	Log             Log
}

// Parse fills target from the environment.
func Parse[T any]() (T, error) {
	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
