package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	validProviders = []string{"anthropic", "openai"}
	validDrivers   = []string{"file", "sqlite", "memory"}
	validLevels    = []string{"debug", "info", "warn", "error"}
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(field, value string, allowed []string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", field, value, strings.Join(allowed, ", "))
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
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
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

func positiveDuration(field string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %v", field, d)
	}
	return nil
}

func positiveInt(field string, n int) error {
	if n <= 0 {
		return fmt.Errorf("%s must be positive, got %d", field, n)
	}
	return nil
}

// ValidateSchedule checks a retention cron expression, descriptors such as @daily included
func (v *Validator) ValidateSchedule(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateConfig returns every problem found in cfg. The API key is not
// required here: commands that never call a model still work without one.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(oneOf("llm.provider", cfg.LLM.Provider, validProviders))
	if cfg.LLM.Model == "" {
		add(fmt.Errorf("llm.model is required"))
	}
	if cfg.LLM.APIKey != "" {
		add(v.ValidateAPIKey(cfg.LLM.APIKey, cfg.LLM.Provider))
	}
	add(positiveDuration("llm.timeout", cfg.LLM.Timeout))
	add(v.ValidateMaxTokens(cfg.LLM.MaxTokens))
	add(v.ValidateTemperature(cfg.LLM.Temperature))

	add(positiveInt("retry.max_attempts", cfg.Retry.MaxAttempts))
	add(positiveDuration("retry.initial_delay", cfg.Retry.InitialDelay))
	if cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		add(fmt.Errorf("retry.max_delay must be >= retry.initial_delay"))
	}
	if cfg.Retry.Multiplier < 1 {
		add(fmt.Errorf("retry.multiplier must be >= 1, got %v", cfg.Retry.Multiplier))
	}

	add(positiveInt("agent.max_turns", cfg.Agent.MaxTurns))
	add(positiveDuration("agent.tool_timeout", cfg.Agent.ToolTimeout))

	add(positiveInt("loop_detection.window_size", cfg.LoopDetection.WindowSize))
	add(positiveDuration("loop_detection.time_window", cfg.LoopDetection.TimeWindow))
	if cfg.LoopDetection.Threshold < 2 {
		add(fmt.Errorf("loop_detection.threshold must be >= 2, got %d", cfg.LoopDetection.Threshold))
	}

	add(positiveDuration("stream_buffer.flush_delay", cfg.StreamBuffer.FlushDelay))
	add(positiveInt("stream_buffer.max_size", cfg.StreamBuffer.MaxSize))

	add(positiveInt("conversation.cache_size", cfg.Conversation.CacheSize))
	add(positiveDuration("conversation.cache_ttl", cfg.Conversation.CacheTTL))
	if cfg.Conversation.CompressThreshold < 0 {
		add(fmt.Errorf("conversation.compress_threshold must be >= 0"))
	}
	if cfg.Conversation.CompressThreshold > 0 && cfg.Conversation.KeepRecent >= cfg.Conversation.CompressThreshold {
		add(fmt.Errorf("conversation.keep_recent must be smaller than conversation.compress_threshold"))
	}

	add(oneOf("storage.driver", cfg.Storage.Driver, validDrivers))

	if cfg.Retention.Enabled {
		add(v.ValidateSchedule(cfg.Retention.Schedule))
		add(positiveDuration("retention.max_age", cfg.Retention.MaxAge))
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		add(fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}

	add(oneOf("log level", cfg.Logging.Level, validLevels))

	return errs
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
