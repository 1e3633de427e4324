// Package config loads and validates parley's runtime configuration.
//
// Sources, highest priority first:
//  1. Environment variables (PARLEY_* plus DATABASE_URL)
//  2. Config file (config.yaml in the working directory or ~/.parley/)
//  3. Defaults
//
// Sensitive values (the postgres password) are masked by MarshalJSON and
// String; never log the struct through anything else.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidListenAddr indicates the HTTP listen address is invalid.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidProvider indicates the model provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidOllamaHost indicates the Ollama host is invalid.
	ErrInvalidOllamaHost = errors.New("invalid Ollama host")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidHistoryWindow indicates the context history window is out of range.
	ErrInvalidHistoryWindow = errors.New("invalid history window")

	// ErrInvalidIdleTimeout indicates the stream idle timeout is out of range.
	ErrInvalidIdleTimeout = errors.New("invalid stream idle timeout")
)

// Model provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderGoogleAI = "googleai"
)

const (
	// DefaultHistoryWindow is the number of prior turns included in the
	// model context when history_window is not configured.
	DefaultHistoryWindow = 20

	// MaxHistoryWindow bounds history_window to keep prompts small.
	MaxHistoryWindow = 200

	// DefaultStreamIdleTimeout is how long a model stream may go without
	// producing a chunk before the call is treated as failed.
	DefaultStreamIdleTimeout = 60 * time.Second
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON; when adding a
// secret field, extend that method.
type Config struct {
	// HTTP server
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`

	// Model provider configuration
	Provider   string `mapstructure:"provider" json:"provider"`     // "gemini" (default) or "ollama"
	ModelName  string `mapstructure:"model_name" json:"model_name"` // e.g. "gemini-2.5-flash", "llama3.3"
	OllamaHost string `mapstructure:"ollama_host" json:"ollama_host"`

	// Orchestration policy
	HistoryWindow     int           `mapstructure:"history_window" json:"history_window"`
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout" json:"stream_idle_timeout"`

	// Model call rate limit (requests per second; 0 disables)
	ModelRPS float64 `mapstructure:"model_rps" json:"model_rps"`

	// Storage (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Tracing (OTLP HTTP; empty endpoint disables export)
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" json:"service_name"`
	Environment  string `mapstructure:"environment" json:"environment"`
}

// Load reads configuration with the priority env > file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".parley")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath(configDir)

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env carry the config.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("no config file found, using defaults",
			"search_paths", []string{".", configDir})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL wins over individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every default value.
func setDefaults() {
	viper.SetDefault("listen_addr", ":8080")

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)

	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("ollama_host", "http://localhost:11434")

	viper.SetDefault("history_window", DefaultHistoryWindow)
	viper.SetDefault("stream_idle_timeout", DefaultStreamIdleTimeout)
	viper.SetDefault("model_rps", 0.0)

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "parley")
	viper.SetDefault("postgres_password", "parley_dev_password")
	viper.SetDefault("postgres_db_name", "parley")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("otlp_endpoint", "")
	viper.SetDefault("service_name", "parley")
	viper.SetDefault("environment", "dev")
}

// bindEnvVariables binds the PARLEY_* environment overrides explicitly.
// GEMINI_API_KEY is read by Genkit itself, not through viper; Validate
// checks its presence when the gemini provider is selected.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a failure here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("listen_addr", "PARLEY_LISTEN_ADDR")
	mustBind("log_level", "PARLEY_LOG_LEVEL")
	mustBind("log_json", "PARLEY_LOG_JSON")
	mustBind("provider", "PARLEY_PROVIDER")
	mustBind("model_name", "PARLEY_MODEL_NAME")
	mustBind("ollama_host", "PARLEY_OLLAMA_HOST")
	mustBind("history_window", "PARLEY_HISTORY_WINDOW")
	mustBind("stream_idle_timeout", "PARLEY_STREAM_IDLE_TIMEOUT")
	mustBind("model_rps", "PARLEY_MODEL_RPS")
	mustBind("postgres_password", "PARLEY_POSTGRES_PASSWORD")
	mustBind("otlp_endpoint", "PARLEY_OTLP_ENDPOINT")
	mustBind("service_name", "PARLEY_SERVICE_NAME")
	mustBind("environment", "PARLEY_ENVIRONMENT")
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid accidental substring matches against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Secrets of eight bytes or
// fewer are fully masked; longer ones keep two characters on each end
// for debugging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON masks sensitive fields. Currently only PostgresPassword.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified model name for Genkit,
// e.g. "googleai/gemini-2.5-flash" or "ollama/llama3.3". A name that
// already carries a provider prefix is returned unchanged.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	if c.Provider == ProviderOllama {
		return ProviderOllama + "/" + c.ModelName
	}
	return ProviderGoogleAI + "/" + c.ModelName
}

// String implements Stringer so accidental printing never leaks secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
