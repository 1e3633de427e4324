package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
)

// Validate checks configuration values. Returns sentinel errors usable
// with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%w: listen_addr cannot be empty", ErrInvalidListenAddr)
	}

	switch c.Provider {
	case ProviderGemini:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required for the gemini provider",
				ErrInvalidProvider)
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			return fmt.Errorf("%w: ollama_host cannot be empty", ErrInvalidOllamaHost)
		}
	default:
		return fmt.Errorf("%w: %q (supported: gemini, ollama)", ErrInvalidProvider, c.Provider)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	if c.HistoryWindow < 1 || c.HistoryWindow > MaxHistoryWindow {
		return fmt.Errorf("%w: must be between 1 and %d, got %d",
			ErrInvalidHistoryWindow, MaxHistoryWindow, c.HistoryWindow)
	}

	if c.StreamIdleTimeout <= 0 {
		return fmt.Errorf("%w: must be positive, got %s", ErrInvalidIdleTimeout, c.StreamIdleTimeout)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q (valid: %s)",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, strings.Join(validSSLModes, ", "))
	}

	return nil
}
