package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "ORBIT"
	defaultDirName = ".orbit"
	defaultFile    = "orbit.yaml"
)

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultDirName, defaultFile)
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.system_prompt", "")

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)

	v.SetDefault("agent.max_turns", d.Agent.MaxTurns)
	v.SetDefault("agent.tool_timeout", d.Agent.ToolTimeout)

	v.SetDefault("tools.enabled", d.Tools.Enabled)
	v.SetDefault("tools.workspace", "")
	v.SetDefault("tools.read_only", d.Tools.ReadOnly)
	v.SetDefault("tools.allow", d.Tools.Allow)
	v.SetDefault("tools.deny", []string{})

	v.SetDefault("loop_detection.window_size", d.LoopDetection.WindowSize)
	v.SetDefault("loop_detection.time_window", d.LoopDetection.TimeWindow)
	v.SetDefault("loop_detection.threshold", d.LoopDetection.Threshold)

	v.SetDefault("stream_buffer.flush_delay", d.StreamBuffer.FlushDelay)
	v.SetDefault("stream_buffer.max_size", d.StreamBuffer.MaxSize)

	v.SetDefault("conversation.cache_size", d.Conversation.CacheSize)
	v.SetDefault("conversation.cache_ttl", d.Conversation.CacheTTL)
	v.SetDefault("conversation.compress_threshold", d.Conversation.CompressThreshold)
	v.SetDefault("conversation.keep_recent", d.Conversation.KeepRecent)
	v.SetDefault("conversation.summarize", d.Conversation.Summarize)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", "")

	v.SetDefault("retention.enabled", d.Retention.Enabled)
	v.SetDefault("retention.schedule", d.Retention.Schedule)
	v.SetDefault("retention.max_age", d.Retention.MaxAge)

	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("gateway.host", d.Gateway.Host)
	v.SetDefault("gateway.shared_secret", "")
	v.SetDefault("gateway.tick_interval", d.Gateway.TickInterval)
	v.SetDefault("gateway.requests_per_minute", d.Gateway.RequestsPerMinute)
	v.SetDefault("gateway.max_concurrent", d.Gateway.MaxConcurrent)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.redaction", d.Logging.Redaction)
	v.SetDefault("logging.audit_file", "")

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)

	v.SetDefault("data_dir", "")
}

func (l *Loader) newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file if present, then applies ORBIT_* environment
// overrides. A missing file yields defaults plus environment.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	v := l.newViper()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()

	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := applyDerived(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerived fills values that depend on other values or on provider env vars
func applyDerived(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, defaultDirName)
	}

	if cfg.Storage.Path == "" {
		switch cfg.Storage.Driver {
		case "sqlite":
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "sessions.db")
		case "file":
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "sessions")
		}
	}

	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	return nil
}

// Watch calls fn with the reloaded config every time the loaded file changes.
// Load must have read a file first.
func (l *Loader) Watch(fn func(*Config, error)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()

	if v == nil || v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file loaded to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		log.Debug().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config file changed")
		fn(decode(v))
	})
	v.WatchConfig()
	return nil
}

// Save writes cfg to the config path. The format follows the file extension.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("llm", cfg.LLM)
	v.Set("retry", cfg.Retry)
	v.Set("agent", cfg.Agent)
	v.Set("tools", cfg.Tools)
	v.Set("loop_detection", cfg.LoopDetection)
	v.Set("stream_buffer", cfg.StreamBuffer)
	v.Set("conversation", cfg.Conversation)
	v.Set("storage", cfg.Storage)
	v.Set("retention", cfg.Retention)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
