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
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a cron schedule or descriptor like @hourly
func (v *Validator) ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := cfg.Validate(); err != nil {
		errors = append(errors, err)
	}

	if cfg.Upstream.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Upstream.APIKey, cfg.Upstream.Provider); err != nil {
			errors = append(errors, fmt.Errorf("upstream: %w", err))
		}
	}
	if err := v.ValidateTemperature(cfg.Upstream.Temperature); err != nil {
		errors = append(errors, fmt.Errorf("upstream: %w", err))
	}
	if err := v.ValidateMaxTokens(cfg.Upstream.MaxTokens); err != nil {
		errors = append(errors, fmt.Errorf("upstream: %w", err))
	}

	if cfg.Generation.QueueSize < 0 {
		errors = append(errors, fmt.Errorf("generation queue_size must be >= 0"))
	}

	if cfg.Janitor.Enabled {
		if err := v.ValidateSchedule(cfg.Janitor.Schedule); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Notify.Enabled && cfg.Notify.NATSURL == "" && !cfg.Notify.Embedded {
		errors = append(errors, fmt.Errorf("notify requires nats_url or embedded"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
