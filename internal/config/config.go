// Package config reads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/UniSketch/UniSketch7-sub001/internal/sketch"
)

// Config holds every tunable the server reads at startup.
type Config struct {
	Port      string
	DBPath    string
	LogLevel  string
	LogFormat string

	BatchSize        int
	BatchInterval    time.Duration
	AutosaveInterval time.Duration
	ChatHistorySize  int
	ChatReplay       sketch.ChatReplay

	// AllowedOrigins is empty to accept any websocket origin.
	AllowedOrigins   []string
	ClientSendBuffer int
}

// LoadEnvFile merges variables from a dotenv file into the environment.
// Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from the environment, applying defaults for
// unset variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:       getEnv("PORT", "8080"),
		DBPath:     getEnv("DB_PATH", "data/sketches.db"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "json"),
		ChatReplay: sketch.ChatReplay(getEnv("CHAT_REPLAY", string(sketch.ChatReplayOwn))),
	}

	var err error
	if cfg.BatchSize, err = getInt("SKETCH_BATCH_SIZE", sketch.DefaultBatchSize); err != nil {
		return nil, err
	}
	if cfg.BatchInterval, err = getDuration("SKETCH_BATCH_INTERVAL", 50*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.AutosaveInterval, err = getDuration("AUTOSAVE_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ChatHistorySize, err = getInt("CHAT_HISTORY_SIZE", sketch.DefaultChatHistorySize); err != nil {
		return nil, err
	}
	if cfg.ClientSendBuffer, err = getInt("CLIENT_SEND_BUFFER", 1024); err != nil {
		return nil, err
	}

	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("SKETCH_BATCH_SIZE must be positive")
	}
	if c.BatchInterval < 0 {
		return fmt.Errorf("SKETCH_BATCH_INTERVAL must not be negative")
	}
	if c.AutosaveInterval < 0 {
		return fmt.Errorf("AUTOSAVE_INTERVAL must not be negative")
	}
	if c.ChatHistorySize <= 0 {
		return fmt.Errorf("CHAT_HISTORY_SIZE must be positive")
	}
	if c.ClientSendBuffer <= 0 {
		return fmt.Errorf("CLIENT_SEND_BUFFER must be positive")
	}
	switch c.ChatReplay {
	case sketch.ChatReplayOwn, sketch.ChatReplayAll:
	default:
		return fmt.Errorf("CHAT_REPLAY must be %q or %q", sketch.ChatReplayOwn, sketch.ChatReplayAll)
	}
	return nil
}

// SessionOptions returns the per-session settings.
func (c *Config) SessionOptions() sketch.Options {
	return sketch.Options{
		BatchSize:       c.BatchSize,
		ChatHistorySize: c.ChatHistorySize,
		ChatReplay:      c.ChatReplay,
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
