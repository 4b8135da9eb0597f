// internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jason-s-yu/rally/internal/auth"
	"github.com/sirupsen/logrus"
)

// Config holds the process settings shared by the server and the historian.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	DatabaseURL      string `env:"DATABASE_URL"`
	PostgresUser     string `env:"POSTGRES_USER"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PGHost           string `env:"PG_HOST" envDefault:"localhost"`
	PGPort           string `env:"PG_PORT" envDefault:"5432"`
	PGDatabase       string `env:"PG_DATABASE"`

	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	HistorianQueue       string `env:"HISTORIAN_QUEUE_NAME" envDefault:"rally_actions"`
	HistorianBatchSize   int    `env:"HISTORIAN_BATCH_SIZE" envDefault:"20"`
	HistorianFlushMS     int    `env:"HISTORIAN_FLUSH_MS" envDefault:"500"`
	InactivityTimeoutSec int    `env:"MATCH_INACTIVITY_TIMEOUT_SEC" envDefault:"600"`

	ServesPerTurn      int `env:"SERVES_PER_TURN" envDefault:"2"`
	ServeResetDelayMS  int `env:"SERVE_RESET_DELAY_MS" envDefault:"3000"`
	FinalizeTimeoutSec int `env:"FINALIZE_TIMEOUT_SEC" envDefault:"10"`

	TokenExpireTime string `env:"TOKEN_EXPIRE_TIME" envDefault:"never"`

	// Raw ed25519 key files shared with the token issuer. The private key is
	// optional: without it the process only verifies tokens.
	AuthPrivateKeyPath string `env:"AUTH_PRIVATE_KEY_PATH"`
	AuthPublicKeyPath  string `env:"AUTH_PUBLIC_KEY_PATH"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"text"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`

	// OtelEndpoint is an OTLP/HTTP traces URL; empty disables tracing.
	OtelEndpoint string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
}

// Load parses the environment into a Config and checks the numeric settings.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.ServesPerTurn < 1:
		return fmt.Errorf("SERVES_PER_TURN must be positive, got %d", c.ServesPerTurn)
	case c.ServeResetDelayMS < 1:
		return fmt.Errorf("SERVE_RESET_DELAY_MS must be positive, got %d", c.ServeResetDelayMS)
	case c.FinalizeTimeoutSec < 1:
		return fmt.Errorf("FINALIZE_TIMEOUT_SEC must be positive, got %d", c.FinalizeTimeoutSec)
	case c.HistorianBatchSize < 1:
		return fmt.Errorf("HISTORIAN_BATCH_SIZE must be positive, got %d", c.HistorianBatchSize)
	case c.AuthPrivateKeyPath != "" && c.AuthPublicKeyPath == "":
		return fmt.Errorf("AUTH_PRIVATE_KEY_PATH requires AUTH_PUBLIC_KEY_PATH")
	}
	if _, err := auth.ParseLifetime(c.TokenExpireTime); err != nil {
		return fmt.Errorf("TOKEN_EXPIRE_TIME: %w", err)
	}
	return nil
}

// InitAuth loads the token keys from AUTH_*_KEY_PATH. Without a public key
// path it generates a throwaway pair and reports ephemeral; tokens signed
// by any other process will then fail verification.
func (c Config) InitAuth() (ephemeral bool, err error) {
	lifetime, err := auth.ParseLifetime(c.TokenExpireTime)
	if err != nil {
		return false, err
	}
	if c.AuthPublicKeyPath == "" {
		return true, auth.Init(lifetime)
	}
	return false, auth.InitFromPath(c.AuthPrivateKeyPath, c.AuthPublicKeyPath, lifetime)
}

// DSN returns DATABASE_URL, or a postgres URL assembled from the PG_* variables.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   c.PGHost + ":" + c.PGPort,
		Path:   "/" + c.PGDatabase,
	}
	if c.PostgresUser != "" {
		u.User = url.UserPassword(c.PostgresUser, c.PostgresPassword)
	}
	return u.String()
}

func (c Config) Addr() string {
	return ":" + c.Port
}

func (c Config) ServeResetDelay() time.Duration {
	return time.Duration(c.ServeResetDelayMS) * time.Millisecond
}

func (c Config) FinalizeTimeout() time.Duration {
	return time.Duration(c.FinalizeTimeoutSec) * time.Second
}

func (c Config) HistorianFlushInterval() time.Duration {
	return time.Duration(c.HistorianFlushMS) * time.Millisecond
}

func (c Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSec) * time.Second
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logger.WithError(err).Warnf("unknown LOG_LEVEL %q, using info", c.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if strings.EqualFold(c.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
