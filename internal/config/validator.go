package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a full configuration for consistency
func (v *Validator) Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1..65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.AdminPort == cfg.Server.Port {
		return fmt.Errorf("admin port must differ from server port")
	}
	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend base URL cannot be empty")
	}
	if cfg.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend timeout must be positive")
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate limit requests per minute must be positive")
	}
	if cfg.History.RetentionDays < 0 {
		return fmt.Errorf("history retention days cannot be negative")
	}
	if cfg.History.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(cfg.History.CleanupSchedule); err != nil {
			return fmt.Errorf("invalid history cleanup schedule: %w", err)
		}
	}
	for tier, model := range map[string]string{
		"router":     cfg.Models.Router,
		"specialist": cfg.Models.Specialist,
		"max":        cfg.Models.Max,
	} {
		if model == "" {
			return fmt.Errorf("model for tier %q cannot be empty", tier)
		}
	}
	return nil
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}
