// Package config builds the process-wide configuration once at startup.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Embedding providers understood by NewEmbedder.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

const configPathEnv = "MAILKB_CONFIG"

// Config holds every tunable of the ingestion pipeline.
// It is a value type: components receive a copy and never mutate it.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig locates the relational store, vector store and blob roots.
type StorageConfig struct {
	// DatabaseURL is a postgres DSN or a sqlite file path.
	DatabaseURL string `yaml:"databaseUrl"`
	VectorPath  string `yaml:"vectorPath"`
	UploadRoot  string `yaml:"uploadRoot"`
	BlobRoot    string `yaml:"blobRoot"`
}

// EmbeddingConfig describes how to reach the embedding provider.
type EmbeddingConfig struct {
	Provider    string        `yaml:"provider"`
	Host        string        `yaml:"host"`
	Model       string        `yaml:"model"`
	Token       string        `yaml:"token"`
	CallTimeout time.Duration `yaml:"callTimeout"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// ChunkingConfig bounds the text spans sent to the embedder.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// JobsConfig controls the job engine.
type JobsConfig struct {
	MaxRetries     int           `yaml:"maxRetries"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay"`
	Timeout        time.Duration `yaml:"timeout"`
	PoolSize       int           `yaml:"poolSize"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	StaleAfter     time.Duration `yaml:"staleAfter"`
}

// LoggingConfig selects log level and an optional JSON log file.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the documented defaults.
func Default() Config {
	const uploadRoot = "/uploads"
	return Config{
		Storage: StorageConfig{
			DatabaseURL: "mailkb.db",
			VectorPath:  "vectors",
			UploadRoot:  uploadRoot,
			BlobRoot:    filepath.Join(uploadRoot, "attachments"),
		},
		Embedding: EmbeddingConfig{
			Provider:    ProviderOpenAI,
			Host:        "http://localhost:11434/v1",
			Model:       "nomic-embed-text",
			CallTimeout: 30 * time.Second,
			MaxAttempts: 3,
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 100,
		},
		Jobs: JobsConfig{
			MaxRetries:     3,
			RetryBaseDelay: 30 * time.Second,
			RetryMaxDelay:  10 * time.Minute,
			Timeout:        2 * time.Hour,
			PoolSize:       2,
			PollInterval:   2 * time.Second,
			StaleAfter:     5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, a .env file and
// the environment, in that order. path may be empty, in which case
// MAILKB_CONFIG is consulted.
func Load(path string) (Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	cfg.Storage.DatabaseURL = getEnv("MAILKB_DATABASE_URL", cfg.Storage.DatabaseURL)
	cfg.Storage.VectorPath = getEnv("MAILKB_VECTOR_PATH", cfg.Storage.VectorPath)
	cfg.Storage.UploadRoot = getEnv("MAILKB_UPLOAD_ROOT", cfg.Storage.UploadRoot)
	cfg.Storage.BlobRoot = getEnv("MAILKB_BLOB_ROOT", cfg.Storage.BlobRoot)

	cfg.Embedding.Provider = strings.ToLower(getEnv("MAILKB_EMBEDDING_PROVIDER", cfg.Embedding.Provider))
	cfg.Embedding.Host = getEnv("MAILKB_EMBEDDING_HOST", cfg.Embedding.Host)
	cfg.Embedding.Model = getEnv("MAILKB_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Token = getEnv("MAILKB_EMBEDDING_TOKEN", cfg.Embedding.Token)
	cfg.Embedding.CallTimeout = getDuration("MAILKB_EMBEDDING_TIMEOUT", cfg.Embedding.CallTimeout, &errs)
	cfg.Embedding.MaxAttempts = getInt("MAILKB_EMBEDDING_RETRIES", cfg.Embedding.MaxAttempts, &errs)

	cfg.Chunking.Size = getInt("MAILKB_CHUNK_SIZE", cfg.Chunking.Size, &errs)
	cfg.Chunking.Overlap = getInt("MAILKB_CHUNK_OVERLAP", cfg.Chunking.Overlap, &errs)

	cfg.Jobs.MaxRetries = getInt("MAILKB_MAX_RETRIES", cfg.Jobs.MaxRetries, &errs)
	cfg.Jobs.RetryBaseDelay = getDuration("MAILKB_RETRY_BASE_DELAY", cfg.Jobs.RetryBaseDelay, &errs)
	cfg.Jobs.RetryMaxDelay = getDuration("MAILKB_RETRY_MAX_DELAY", cfg.Jobs.RetryMaxDelay, &errs)
	cfg.Jobs.Timeout = getDuration("MAILKB_JOB_TIMEOUT", cfg.Jobs.Timeout, &errs)
	cfg.Jobs.PoolSize = getInt("MAILKB_POOL_SIZE", cfg.Jobs.PoolSize, &errs)
	cfg.Jobs.PollInterval = getDuration("MAILKB_POLL_INTERVAL", cfg.Jobs.PollInterval, &errs)
	cfg.Jobs.StaleAfter = getDuration("MAILKB_STALE_AFTER", cfg.Jobs.StaleAfter, &errs)

	cfg.Logging.Level = getEnv("MAILKB_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.File = getEnv("MAILKB_LOG_FILE", cfg.Logging.File)

	return errors.Join(errs...)
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.DatabaseURL == "" {
		errs = append(errs, errors.New("config: storage.databaseUrl is required"))
	}
	if c.Storage.VectorPath == "" {
		errs = append(errs, errors.New("config: storage.vectorPath is required"))
	}
	if c.Storage.UploadRoot == "" {
		errs = append(errs, errors.New("config: storage.uploadRoot is required"))
	}
	if c.Embedding.Provider != ProviderOpenAI && c.Embedding.Provider != ProviderOllama {
		errs = append(errs, fmt.Errorf("config: unsupported embedding provider %q", c.Embedding.Provider))
	}
	if c.Embedding.Model == "" {
		errs = append(errs, errors.New("config: embedding.model is required"))
	}
	if c.Embedding.CallTimeout <= 0 {
		errs = append(errs, errors.New("config: embedding.callTimeout must be positive"))
	}
	if c.Embedding.MaxAttempts < 1 {
		errs = append(errs, errors.New("config: embedding.maxAttempts must be at least 1"))
	}
	if c.Chunking.Size <= 0 {
		errs = append(errs, errors.New("config: chunking.size must be positive"))
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		errs = append(errs, errors.New("config: chunking.overlap must be in [0, size)"))
	}
	if c.Jobs.MaxRetries < 0 {
		errs = append(errs, errors.New("config: jobs.maxRetries cannot be negative"))
	}
	if c.Jobs.RetryBaseDelay <= 0 {
		errs = append(errs, errors.New("config: jobs.retryBaseDelay must be positive"))
	}
	if c.Jobs.Timeout <= 0 {
		errs = append(errs, errors.New("config: jobs.timeout must be positive"))
	}
	if c.Jobs.PoolSize < 1 {
		errs = append(errs, errors.New("config: jobs.poolSize must be at least 1"))
	}
	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, errors.New("config: jobs.pollInterval must be positive"))
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int, errs *[]error) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return defaultVal
	}
	return n
}

func getDuration(key string, defaultVal time.Duration, errs *[]error) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return defaultVal
	}
	return d
}

// ParseLogLevel maps debug, info, warn and error to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", s)
	}
}
