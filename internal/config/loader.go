package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentry.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTRY_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTRY_CORS_ORIGIN")
	setFloat(&cfg.Server.RateRPS, "AGENTRY_RATE_RPS")
	setInt(&cfg.Server.RateBurst, "AGENTRY_RATE_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTRY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTRY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTRY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTRY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTRY_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setDuration(&cfg.NATS.AckWait, "AGENTRY_NATS_ACK_WAIT")
	setInt(&cfg.NATS.MaxDeliver, "AGENTRY_NATS_MAX_DELIVER")
	setString(&cfg.Engine.URL, "AGENTRY_ENGINE_URL")
	setString(&cfg.Engine.APIKey, "AGENTRY_ENGINE_API_KEY")
	setString(&cfg.Engine.KeyFile, "AGENTRY_ENGINE_KEY_FILE")
	setBool(&cfg.Auth.Enabled, "AGENTRY_AUTH_ENABLED")
	setString(&cfg.Auth.JWTSecret, "AGENTRY_JWT_SECRET")
	setStrings(&cfg.Auth.APIKeyHash, "AGENTRY_API_KEY_HASHES")
	setDuration(&cfg.WS.HandshakeWindow, "AGENTRY_WS_HANDSHAKE_WINDOW")
	setInt64(&cfg.WS.MaxMessageBytes, "AGENTRY_WS_MAX_MESSAGE_BYTES")
	setInt(&cfg.WS.SendBuffer, "AGENTRY_WS_SEND_BUFFER")
	setInt(&cfg.Worker.Concurrency, "AGENTRY_WORKER_CONCURRENCY")
	setDuration(&cfg.Worker.SoftTimeout, "AGENTRY_WORKER_SOFT_TIMEOUT")
	setDuration(&cfg.Worker.HardTimeout, "AGENTRY_WORKER_HARD_TIMEOUT")
	setDuration(&cfg.Sweep.Interval, "AGENTRY_SWEEP_INTERVAL")
	setDuration(&cfg.Sweep.StaleAfter, "AGENTRY_SWEEP_STALE_AFTER")
	setDuration(&cfg.Sweep.RequeueAfter, "AGENTRY_SWEEP_REQUEUE_AFTER")
	setDuration(&cfg.Sweep.Retention, "AGENTRY_SWEEP_RETENTION")
	setDuration(&cfg.Scheduler.Interval, "AGENTRY_SCHEDULER_INTERVAL")
	setInt64(&cfg.Cache.MaxSizeMB, "AGENTRY_CACHE_MAX_SIZE_MB")
	setDuration(&cfg.Cache.AgentTTL, "AGENTRY_CACHE_AGENT_TTL")
	setString(&cfg.Logging.Level, "AGENTRY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTRY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTRY_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "AGENTRY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTRY_BREAKER_TIMEOUT")
	setBool(&cfg.Telemetry.Enabled, "AGENTRY_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "AGENTRY_OTEL_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth is enabled")
	}
	if cfg.WS.HandshakeWindow <= 0 {
		return errors.New("ws.handshake_window must be positive")
	}
	if cfg.WS.MaxMessageBytes < 1024 {
		return errors.New("ws.max_message_bytes must be >= 1024")
	}
	if cfg.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be >= 1")
	}
	if cfg.Worker.HardTimeout < cfg.Worker.SoftTimeout {
		return errors.New("worker.hard_timeout must be >= worker.soft_timeout")
	}
	if cfg.Sweep.StaleAfter < cfg.Worker.HardTimeout {
		return errors.New("sweep.stale_after must be >= worker.hard_timeout")
	}
	if cfg.Sweep.Retention <= 0 {
		return errors.New("sweep.retention must be positive")
	}
	if cfg.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	if cfg.Server.RateRPS <= 0 || cfg.Server.RateBurst < 1 {
		return errors.New("server.rate_rps and server.rate_burst must be positive")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
