/*
Package config loads service configuration from TOML with environment
overrides.

PRECEDENCE:
  Default() < TOML file < PUNCH_* environment variables

ENVIRONMENT:
  PUNCH_DB_DRIVER      database.driver (memory | sqlite | postgres)
  PUNCH_DB_DSN         database.dsn
  PUNCH_LISTEN_ADDR    server.addr
  PUNCH_JWT_SECRET     auth.jwt_secret
  PUNCH_KAFKA_BROKERS  kafka.brokers, comma separated
  PUNCH_S3_BUCKET      export.s3_bucket
  PUNCH_LOG_LEVEL      log.level
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/warp/punch-ledger/production"
)

// Duration is a time.Duration written as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Recovery RecoveryConfig `toml:"recovery"`
	Auth     AuthConfig     `toml:"auth"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Export   ExportConfig   `toml:"export"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	EnableFixtures  bool     `toml:"enable_fixtures"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // memory | sqlite | postgres
	DSN    string `toml:"dsn"`
}

type EngineConfig struct {
	LockTimeout         Duration `toml:"lock_timeout"`
	ConservativePending bool     `toml:"conservative_pending"`
	CompletionRule      string   `toml:"completion_rule"` // exact | force | disabled
	CompletionRollup    bool     `toml:"completion_rollup"`
	MinEntryInterval    Duration `toml:"min_entry_interval"`
}

type RecoveryConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
	Grace    Duration `toml:"grace"`
	Mode     string   `toml:"mode"` // compensate | replay
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"` // empty: tokens are employee numbers
	Issuer    string `toml:"issuer"`
}

type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type ExportConfig struct {
	S3Bucket string `toml:"s3_bucket"`
	S3Prefix string `toml:"s3_prefix"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | logfmt | json
}

func Default() Config {
	engine := production.DefaultEngineConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{30 * time.Second},
			AllowedOrigins:  []string{"http://localhost:*", "http://127.0.0.1:*"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "./punch.db",
		},
		Engine: EngineConfig{
			LockTimeout:      Duration{engine.LockTimeout},
			CompletionRule:   string(engine.CompletionRule),
			CompletionRollup: engine.RollupOnComplete,
			MinEntryInterval: Duration{engine.MinEntryInterval},
		},
		Recovery: RecoveryConfig{
			Enabled:  true,
			Interval: Duration{time.Minute},
			Grace:    Duration{2 * time.Minute},
			Mode:     string(production.RecoverCompensate),
		},
		Kafka: KafkaConfig{
			Topic: "punch-events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over defaults, applies the environment and validates.
// A missing or empty file is not an error.
func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		case len(content) > 0:
			if err := toml.Unmarshal(content, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode toml: %w", err)
			}
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("PUNCH_DB_DRIVER", &c.Database.Driver)
	set("PUNCH_DB_DSN", &c.Database.DSN)
	set("PUNCH_LISTEN_ADDR", &c.Server.Addr)
	set("PUNCH_JWT_SECRET", &c.Auth.JWTSecret)
	set("PUNCH_S3_BUCKET", &c.Export.S3Bucket)
	set("PUNCH_LOG_LEVEL", &c.Log.Level)

	var brokers string
	set("PUNCH_KAFKA_BROKERS", &brokers)
	if brokers != "" {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("invalid database.driver: %q", c.Database.Driver)
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Engine.LockTimeout.Duration <= 0 {
		return errors.New("engine.lock_timeout must be > 0")
	}
	if c.Engine.MinEntryInterval.Duration < 0 {
		return errors.New("engine.min_entry_interval must be >= 0")
	}
	if !production.CompletionRule(c.Engine.CompletionRule).Valid() {
		return fmt.Errorf("invalid engine.completion_rule: %q", c.Engine.CompletionRule)
	}

	if !production.RecoveryMode(c.Recovery.Mode).Valid() {
		return fmt.Errorf("invalid recovery.mode: %q", c.Recovery.Mode)
	}
	if c.Recovery.Enabled && c.Recovery.Interval.Duration <= 0 {
		return errors.New("recovery.interval must be > 0 when recovery is enabled")
	}
	if c.Recovery.Grace.Duration < 0 {
		return errors.New("recovery.grace must be >= 0")
	}

	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "logfmt", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	return nil
}

// EngineConfig converts the engine section.
func (c Config) EngineConfig() production.EngineConfig {
	return production.EngineConfig{
		LockTimeout:         c.Engine.LockTimeout.Duration,
		ConservativePending: c.Engine.ConservativePending,
		CompletionRule:      production.CompletionRule(c.Engine.CompletionRule),
		RollupOnComplete:    c.Engine.CompletionRollup,
		MinEntryInterval:    c.Engine.MinEntryInterval.Duration,
	}
}

// NewLogger builds the service logger.
func (c LogConfig) NewLogger(w io.Writer) *log.Logger {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		level = log.InfoLevel
	}
	formatter := log.TextFormatter
	switch c.Format {
	case "logfmt":
		formatter = log.LogfmtFormatter
	case "json":
		formatter = log.JSONFormatter
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          "punch",
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	})
}
