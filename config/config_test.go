package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/punch-ledger/production"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "punch.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"), Default())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EmptyPathAndEmptyFile(t *testing.T) {
	cfg, err := Load("", Default())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(writeFile(t, ""), Default())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// GIVEN: A file that sets a subset of keys
	path := writeFile(t, `
[server]
addr = ":9090"

[database]
driver = "postgres"
dsn = "postgres://punch@localhost/punch"

[engine]
lock_timeout = "750ms"
conservative_pending = true
completion_rule = "force"
completion_rollup = false
min_entry_interval = "30s"

[recovery]
mode = "replay"
grace = "10m"

[kafka]
brokers = ["k1:9092", "k2:9092"]
`)

	// WHEN: Loading
	cfg, err := Load(path, Default())

	// THEN: File values win, the rest keep defaults
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout.Duration)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Recovery.Grace.Duration)
	assert.Equal(t, time.Minute, cfg.Recovery.Interval.Duration)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "punch-events", cfg.Kafka.Topic)

	engine := cfg.EngineConfig()
	assert.Equal(t, 750*time.Millisecond, engine.LockTimeout)
	assert.True(t, engine.ConservativePending)
	assert.Equal(t, production.CompletionForce, engine.CompletionRule)
	assert.False(t, engine.RollupOnComplete)
	assert.Equal(t, 30*time.Second, engine.MinEntryInterval)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeFile(t, "[database]\ndriver = \"sqlite\"\ndsn = \"file.db\"\n")
	t.Setenv("PUNCH_DB_DRIVER", "memory")
	t.Setenv("PUNCH_LISTEN_ADDR", "127.0.0.1:7000")
	t.Setenv("PUNCH_KAFKA_BROKERS", " a:1, ,b:2 ")
	t.Setenv("PUNCH_JWT_SECRET", "s3cret")
	t.Setenv("PUNCH_S3_BUCKET", "reports")
	t.Setenv("PUNCH_LOG_LEVEL", "debug")

	cfg, err := Load(path, Default())

	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "file.db", cfg.Database.DSN)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Kafka.Brokers)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "reports", cfg.Export.S3Bucket)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"bad toml", "[server\n", "decode toml"},
		{"bad duration", "[engine]\nlock_timeout = \"soon\"\n", "decode toml"},
		{"bad driver", "[database]\ndriver = \"mysql\"\n", "invalid database.driver"},
		{"missing dsn", "[database]\ndriver = \"postgres\"\ndsn = \"\"\n", "database.dsn is required"},
		{"zero lock timeout", "[engine]\nlock_timeout = \"0s\"\n", "engine.lock_timeout"},
		{"bad completion rule", "[engine]\ncompletion_rule = \"maybe\"\n", "invalid engine.completion_rule"},
		{"bad recovery mode", "[recovery]\nmode = \"ignore\"\n", "invalid recovery.mode"},
		{"kafka without topic", "[kafka]\nbrokers = [\"k:1\"]\ntopic = \"\"\n", "kafka.topic is required"},
		{"bad log level", "[log]\nlevel = \"loud\"\n", "invalid log.level"},
		{"bad log format", "[log]\nformat = \"xml\"\n", "invalid log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content), Default())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	assert.Equal(t, production.DefaultEngineConfig(), Default().EngineConfig())
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "logfmt"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "order", "WO-1")

	assert.Equal(t, log.WarnLevel, logger.GetLevel())
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "order=WO-1")
}
