package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	// RabbitMQURL is optional; without it batch events stay in-process.
	RabbitMQURL string `env:"RABBITMQ_URL"`

	ProbeTargetURL      string `env:"PROBE_TARGET_URL,default=https://www.gstatic.com/generate_204"`
	ProbeTimeoutSeconds int    `env:"PROBE_TIMEOUT_SECONDS,default=10"`
	ProxyMaxFailures    int    `env:"PROXY_MAX_FAILURES,default=3"`
	SweepIntervalSec    int    `env:"SWEEP_INTERVAL_SEC,default=300"`
	SweepConcurrency    int    `env:"SWEEP_CONCURRENCY,default=10"`

	CallTimeoutSeconds int `env:"CALL_TIMEOUT_SECONDS,default=30"`
	LockTTLSeconds     int `env:"LOCK_TTL_SECONDS,default=900"`
	EventBufferSize    int `env:"EVENT_BUFFER_SIZE,default=256"`

	OpsPort  int    `env:"OPS_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
