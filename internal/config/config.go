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

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	QuotaBackendDatabase = "database"
	QuotaBackendRedis    = "redis"
)

// Config holds the service settings read from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	DatabasePath   string

	QuotaBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	WhatsAppAppSecret       string
	WhatsAppVerifyToken     string
	WhatsAppGraphBaseURL    string
	WhatsAppGraphAPIVersion string
	WhatsAppTimeout         time.Duration

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAITimeout time.Duration

	PromptsConfigPath string
	Prompts           Prompts

	FreeDailyLimit int
	AdminAPIToken  string
}

// Prompts overrides the reply texts. Empty fields keep the built-in text.
type Prompts struct {
	System        string `yaml:"system_prompt"`
	FallbackReply string `yaml:"fallback_reply"`
	EmptyReply    string `yaml:"empty_reply"`
	LimitReply    string `yaml:"limit_reply"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var errs []error

	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "text")),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   getEnv("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "wa_autoreply"),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "")),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", ""),
		DatabasePath:   getEnv("DATABASE_PATH", ""),

		QuotaBackend:  strings.ToLower(getEnv("QUOTA_BACKEND", QuotaBackendDatabase)),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		WhatsAppAppSecret:       getEnv("WHATSAPP_APP_SECRET", ""),
		WhatsAppVerifyToken:     getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppGraphBaseURL:    getEnv("WHATSAPP_GRAPH_BASE_URL", "https://graph.facebook.com"),
		WhatsAppGraphAPIVersion: getEnv("WHATSAPP_GRAPH_API_VERSION", "v22.0"),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		PromptsConfigPath: getEnv("PROMPTS_CONFIG_PATH", ""),
		AdminAPIToken:     getEnv("ADMIN_API_TOKEN", ""),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.RedisTLS, err = getBool("REDIS_TLS", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.WhatsAppTimeout, err = getDuration("WHATSAPP_TIMEOUT", 15*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.OpenAITimeout, err = getDuration("OPENAI_TIMEOUT", 15*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.FreeDailyLimit, err = getInt("FREE_DAILY_LIMIT", 30); err != nil {
		errs = append(errs, err)
	} else if cfg.FreeDailyLimit <= 0 {
		errs = append(errs, fmt.Errorf("FREE_DAILY_LIMIT must be positive, got %d", cfg.FreeDailyLimit))
	}

	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = DriverPostgres
		if cfg.DatabaseURL == "" && cfg.DatabasePath != "" {
			cfg.DatabaseDriver = DriverSQLite
		}
	}
	switch cfg.DatabaseDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if cfg.DatabasePath == "" {
			errs = append(errs, errors.New("DATABASE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.DatabaseDriver))
	}

	switch cfg.QuotaBackend {
	case QuotaBackendDatabase:
	case QuotaBackendRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis quota backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("QUOTA_BACKEND must be %q or %q, got %q", QuotaBackendDatabase, QuotaBackendRedis, cfg.QuotaBackend))
	}

	if cfg.PromptsConfigPath != "" {
		prompts, err := LoadPrompts(cfg.PromptsConfigPath)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Prompts = prompts
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// LoadPrompts reads prompt overrides from a YAML file.
func LoadPrompts(path string) (Prompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("read prompts config: %w", err)
	}
	var prompts Prompts
	if err := yaml.Unmarshal(data, &prompts); err != nil {
		return Prompts{}, fmt.Errorf("parse prompts config %s: %w", path, err)
	}
	prompts.System = strings.TrimSpace(prompts.System)
	prompts.FallbackReply = strings.TrimSpace(prompts.FallbackReply)
	prompts.EmptyReply = strings.TrimSpace(prompts.EmptyReply)
	prompts.LimitReply = strings.TrimSpace(prompts.LimitReply)
	return prompts, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return val, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return val, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return val, nil
}
