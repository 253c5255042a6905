package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultAllowedOrigins admits browser extension pages only.
const DefaultAllowedOrigins = "chrome-extension://*,moz-extension://*"

// Config holds server settings read from the environment.
type Config struct {
	HTTPPort       string
	DatabasePath   string
	LogLevel       string
	ContextWindow  int
	AllowedOrigins []string

	// Model is seeded into the store at startup when ModelName is set.
	Model ModelSeed

	// EnvFileLoaded reports whether a .env file was found.
	EnvFileLoaded bool
}

type ModelSeed struct {
	ID      string
	Name    string
	BaseURL string
	APIKey  string
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	loaded := godotenv.Load() == nil

	window, err := getEnvAsInt("CONTEXT_WINDOW", 32)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		return nil, fmt.Errorf("CONTEXT_WINDOW must be positive, got %d", window)
	}

	cfg := &Config{
		HTTPPort:       getEnv("HTTP_PORT", "8100"),
		DatabasePath:   getEnv("DATABASE_PATH", "focus-fox.db"),
		LogLevel:       strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		ContextWindow:  window,
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", DefaultAllowedOrigins)),
		Model: ModelSeed{
			ID:      getEnv("MODEL_ID", "default"),
			Name:    getEnv("MODEL_NAME", ""),
			BaseURL: getEnv("MODEL_BASE_URL", "http://localhost:11434/v1/"),
			APIKey:  getEnv("OPENAI_API_KEY", ""),
		},
		EnvFileLoaded: loaded,
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) (int, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, valueStr, err)
	}
	return value, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
