package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config aggregates server configuration loaded from environment variables.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"dev"`
	ServerAddr  string `env:"SERVER_URL" envDefault:":3003"`
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Kafka event mirror is disabled when no brokers are configured.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"chat.events"`

	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
}

// Load parses configuration from the current environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
