// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/trna-workbench/backend/internal/model"
)

// Config holds all server settings.
type Config struct {
	App    AppConfig
	Store  StoreConfig
	Auth   AuthConfig
	Worker WorkerConfig
	Tools  ToolsConfig
}

// AppConfig holds process and HTTP settings.
type AppConfig struct {
	Port           string
	Environment    string
	LogFilePath    string
	AllowedOrigins []string
}

// StoreConfig holds Record Store settings.
type StoreConfig struct {
	DBPath          string
	MappingFile     string
	ExternalBaseURL string
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Secret   string
	TokenTTL time.Duration
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	PoolSize int
}

// ToolsConfig holds the annotation programs the server can run, one command
// line per tool slot. An empty command leaves the slot without an annotator.
type ToolsConfig struct {
	Structure      string
	PositionMap    string
	TertiaryBlocks string
}

// Commands returns the configured command lines split into program and
// arguments, keyed by tool slot.
func (t ToolsConfig) Commands() map[model.ToolSlot][]string {
	out := make(map[model.ToolSlot][]string)
	for slot, line := range map[model.ToolSlot]string{
		model.ToolSlotStructure:      t.Structure,
		model.ToolSlotPositionMap:    t.PositionMap,
		model.ToolSlotTertiaryBlocks: t.TertiaryBlocks,
	} {
		if fields := strings.Fields(line); len(fields) > 0 {
			out[slot] = fields
		}
	}
	return out
}

// IsProduction reports whether GO_ENV is "production".
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Environment, "production")
}

// Load reads settings from .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	ttl, err := getEnvAsDuration("TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	poolSize, err := getEnvAsInt("WORKER_POOL_SIZE", 4)
	if err != nil {
		return nil, err
	}

	return &Config{
		App: AppConfig{
			Port:           getEnv("PORT", "8765"),
			Environment:    getEnv("GO_ENV", "development"),
			LogFilePath:    getEnv("LOG_FILE_PATH", "data/logs/server.log"),
			AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		},
		Store: StoreConfig{
			DBPath:          getEnv("DB_PATH", "data/sequence_cache.db"),
			MappingFile:     getEnv("MAPPING_FILE", ""),
			ExternalBaseURL: getEnv("EXTERNAL_BASE_URL", "https://rnacentral.org/rna"),
		},
		Auth: AuthConfig{
			Secret:   os.Getenv("AUTH_SECRET"),
			TokenTTL: ttl,
		},
		Worker: WorkerConfig{
			PoolSize: poolSize,
		},
		Tools: ToolsConfig{
			Structure:      os.Getenv("ANNOTATOR_STRUCTURE"),
			PositionMap:    os.Getenv("ANNOTATOR_POSITION_MAP"),
			TertiaryBlocks: os.Getenv("ANNOTATOR_TERTIARY_BLOCKS"),
		},
	}, nil
}

// ValidateServe checks the settings required to run the server.
func (c *Config) ValidateServe() error {
	if c.Auth.Secret == "" {
		return errors.New("AUTH_SECRET must be set")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}
	if c.Worker.PoolSize <= 0 {
		return errors.New("WORKER_POOL_SIZE must be positive")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
