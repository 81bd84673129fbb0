package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all configuration for the application. The env tag names
// the variable each field is read from and is used in validation errors.
type Config struct {
	Port             string        `env:"PORT" validate:"required,numeric"`
	LedgerBackend    string        `env:"LEDGER_BACKEND" validate:"oneof=postgres memory"`
	DatabaseURL      string        `env:"DATABASE_URL" validate:"required_if=LedgerBackend postgres"`
	RedisURL         string        `env:"REDIS_URL" validate:"required"`
	WebhookSecret    string        `env:"WEBHOOK_SECRET"`
	AdminToken       string        `env:"ADMIN_TOKEN"`
	NotifyURL        string        `env:"NOTIFY_URL" validate:"omitempty,url"`
	NotifySecret     string        `env:"NOTIFY_SECRET" validate:"required_with=NotifyURL"`
	NotifyRateLimit  int           `env:"NOTIFY_RATE_LIMIT" validate:"min=0"`
	NumWorkers       int           `env:"NUM_WORKERS" validate:"min=1,max=1000"`
	EventCacheTTL    time.Duration `env:"EVENT_CACHE_TTL" validate:"min=0"`
	IngressRateLimit int           `env:"INGRESS_RATE_LIMIT" validate:"min=0"`
	LogLevel         string        `env:"LOG_LEVEL"`
	LogFormat        string        `env:"LOG_FORMAT" validate:"oneof=json console"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" validate:"min=0"`
}

var validate = newValidator()

// newValidator reports fields by their env tag so errors name the variable
// to fix.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("env"), ",", 2)[0]
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Load reads configuration from the environment. If envFile exists its
// values are loaded first without overriding variables already set.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	var errs []string
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		LedgerBackend:    strings.ToLower(getEnv("LEDGER_BACKEND", BackendPostgres)),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		WebhookSecret:    strings.TrimSpace(getEnv("WEBHOOK_SECRET", "")),
		AdminToken:       getEnv("ADMIN_TOKEN", ""),
		NotifyURL:        getEnv("NOTIFY_URL", ""),
		NotifySecret:     getEnv("NOTIFY_SECRET", ""),
		NotifyRateLimit:  getEnvInt("NOTIFY_RATE_LIMIT", 10, &errs),
		NumWorkers:       getEnvInt("NUM_WORKERS", 10, &errs),
		EventCacheTTL:    getEnvDuration("EVENT_CACHE_TTL", 24*time.Hour, &errs),
		IngressRateLimit: getEnvInt("INGRESS_RATE_LIMIT", 0, &errs),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "json")),
		ShutdownTimeout:  getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second, &errs),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, describe(err)
	}
	return cfg, nil
}

// NotificationsEnabled reports whether outbound notifications are configured.
func (c *Config) NotificationsEnabled() bool {
	return c.NotifyURL != ""
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]string) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer", key))
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration, errs *[]string) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a duration like 30s", key))
		return fallback
	}
	return d
}
