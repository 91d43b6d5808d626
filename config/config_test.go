package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAILKB_CHUNK_SIZE", "500")
	t.Setenv("MAILKB_CHUNK_OVERLAP", "50")
	t.Setenv("MAILKB_POOL_SIZE", "8")
	t.Setenv("MAILKB_JOB_TIMEOUT", "15m")
	t.Setenv("MAILKB_EMBEDDING_PROVIDER", "OLLAMA")
	t.Setenv("MAILKB_UPLOAD_ROOT", "/srv/uploads")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Chunking.Size)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
	assert.Equal(t, 8, cfg.Jobs.PoolSize)
	assert.Equal(t, 15*time.Minute, cfg.Jobs.Timeout)
	assert.Equal(t, ProviderOllama, cfg.Embedding.Provider)
	assert.Equal(t, "/srv/uploads", cfg.Storage.UploadRoot)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailkb.yaml")
	content := `
storage:
  databaseUrl: /var/lib/mailkb/kb.db
embedding:
  model: text-embedding-3-small
chunking:
  size: 800
  overlap: 80
jobs:
  maxRetries: 5
  retryBaseDelay: 1s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mailkb/kb.db", cfg.Storage.DatabaseURL)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 800, cfg.Chunking.Size)
	assert.Equal(t, 5, cfg.Jobs.MaxRetries)
	assert.Equal(t, time.Second, cfg.Jobs.RetryBaseDelay)
	// Untouched keys keep their defaults
	assert.Equal(t, Default().Jobs.PoolSize, cfg.Jobs.PoolSize)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailkb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs:\n  poolSize: 3\n"), 0644))
	t.Setenv("MAILKB_POOL_SIZE", "6")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Jobs.PoolSize)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Run("malformed integer", func(t *testing.T) {
		t.Setenv("MAILKB_POOL_SIZE", "many")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MAILKB_POOL_SIZE")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"overlap equals size", func(c *Config) { c.Chunking.Overlap = c.Chunking.Size }, "overlap"},
		{"zero chunk size", func(c *Config) { c.Chunking.Size = 0 }, "chunking.size"},
		{"zero pool", func(c *Config) { c.Jobs.PoolSize = 0 }, "poolSize"},
		{"negative retries", func(c *Config) { c.Jobs.MaxRetries = -1 }, "maxRetries"},
		{"zero timeout", func(c *Config) { c.Jobs.Timeout = 0 }, "jobs.timeout"},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "bedrock" }, "provider"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLogLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("job finished", "job", "j1")
	logger.Debug("hidden")

	assert.Contains(t, stderr.String(), "job finished")
	assert.Contains(t, file.String(), `"msg":"job finished"`)
	assert.NotContains(t, stderr.String(), "hidden")
}

func TestSetupLogger_File(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "mailkb.log")
	logger, cleanup := SetupLogger(logFile, slog.LevelInfo)
	logger.Info("hello")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
