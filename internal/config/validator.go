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

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a janitor cron schedule
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil // Use default
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Validate provider profiles
	for i, profile := range cfg.Providers {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errors = append(errors, fmt.Errorf("provider profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	// Validate thread profile
	if err := v.ValidateModel(cfg.Thread.Model); err != nil {
		errors = append(errors, fmt.Errorf("thread: %w", err))
	}
	if cfg.Thread.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Thread.Temperature); err != nil {
			errors = append(errors, fmt.Errorf("thread: %w", err))
		}
	}
	if cfg.Thread.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Thread.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("thread: %w", err))
		}
	}

	if cfg.Spawn.Concurrency < 1 {
		errors = append(errors, fmt.Errorf("spawn.concurrency must be >= 1"))
	}

	if cfg.Janitor.RetentionMinutes < 0 {
		errors = append(errors, fmt.Errorf("janitor.retention_minutes must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Janitor.Schedule); err != nil {
		errors = append(errors, err)
	}

	if cfg.ContextFiles.StabilityMs < 0 {
		errors = append(errors, fmt.Errorf("context_files.stability_ms must be >= 0"))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
