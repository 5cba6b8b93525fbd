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
)

// ErrEnvFileNotFound is returned when the .env file is missing.
var ErrEnvFileNotFound = errors.New(".env file not found")

// Backend names accepted by CLASSIFIER_BACKEND.
const (
	BackendGemini = "gemini"
	BackendGRPC   = "grpc"
)

// Config holds the process-wide settings read at startup.
type Config struct {
	HTTPAddr           string
	ShutdownTimeout    time.Duration
	Backend            string
	GeminiEndpoint     string
	GeminiModel        string
	GeminiTimeout      time.Duration
	GRPCAddr           string
	RedisAddr          string
	CacheTTL           time.Duration
	SessionIdleTimeout time.Duration
	MaxPixels          int
	Development        bool
}

// Load reads the configuration from the environment. A missing .env file
// is not an error.
func Load() (*Config, error) {
	if err := LoadEnvFile(".env"); err != nil && !errors.Is(err, ErrEnvFileNotFound) {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:           Get("HTTP_ADDR", ":8080"),
		ShutdownTimeout:    GetDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		Backend:            strings.ToLower(Get("CLASSIFIER_BACKEND", BackendGemini)),
		GeminiEndpoint:     Get("GEMINI_ENDPOINT", ""),
		GeminiModel:        Get("GEMINI_MODEL", ""),
		GeminiTimeout:      GetDuration("GEMINI_TIMEOUT", 60*time.Second),
		GRPCAddr:           Get("CLASSIFIER_GRPC_ADDR", "classifier:50051"),
		RedisAddr:          Get("REDIS_ADDR", ""),
		CacheTTL:           GetDuration("CACHE_TTL", 10*time.Minute),
		SessionIdleTimeout: GetDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		MaxPixels:          GetInt("IMAGE_MAX_PIXELS", 40_000_000),
		Development:        GetBool("DEV_LOGGING", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendGemini, BackendGRPC:
	default:
		return fmt.Errorf("unsupported CLASSIFIER_BACKEND %q", c.Backend)
	}
	if c.Backend == BackendGRPC && c.GRPCAddr == "" {
		return errors.New("CLASSIFIER_GRPC_ADDR is required for the grpc backend")
	}
	if c.MaxPixels <= 0 {
		return errors.New("IMAGE_MAX_PIXELS must be positive")
	}
	return nil
}

// APIKey returns the classifier credential. It is read on every call so a
// rotated key takes effect without a restart.
func APIKey() string {
	if key := Get("API_KEY", ""); key != "" {
		return key
	}
	return Get("GEMINI_API_KEY", "")
}

// LoadEnvFile sets variables from a dotenv file without overriding ones
// already present in the environment.
func LoadEnvFile(filename string) error {
	if err := godotenv.Load(filename); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrEnvFileNotFound
		}
		return fmt.Errorf("error loading %s: %w", filename, err)
	}
	return nil
}

// Get retrieves an environment variable with a fallback value.
func Get(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

// GetInt retrieves an integer environment variable with a fallback value.
func GetInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if result, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return fallback
}

// GetBool retrieves a boolean environment variable with a fallback value.
func GetBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "y":
			return true
		case "false", "0", "no", "n":
			return false
		}
	}
	return fallback
}

// GetDuration parses values such as "90s" or "5m".
func GetDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}
