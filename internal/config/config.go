package config

import (
	"encoding/json"
	"time"
)

// Config is the orbit runtime configuration
type Config struct {
	LLM           LLMConfig           `json:"llm" yaml:"llm" mapstructure:"llm"`
	Retry         RetryConfig         `json:"retry" yaml:"retry" mapstructure:"retry"`
	Agent         AgentConfig         `json:"agent" yaml:"agent" mapstructure:"agent"`
	Tools         ToolsConfig         `json:"tools" yaml:"tools" mapstructure:"tools"`
	LoopDetection LoopDetectionConfig `json:"loop_detection" yaml:"loop_detection" mapstructure:"loop_detection"`
	StreamBuffer  StreamBufferConfig  `json:"stream_buffer" yaml:"stream_buffer" mapstructure:"stream_buffer"`
	Conversation  ConversationConfig  `json:"conversation" yaml:"conversation" mapstructure:"conversation"`
	Storage       StorageConfig       `json:"storage" yaml:"storage" mapstructure:"storage"`
	Retention     RetentionConfig     `json:"retention" yaml:"retention" mapstructure:"retention"`
	Gateway       GatewayConfig       `json:"gateway" yaml:"gateway" mapstructure:"gateway"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging" mapstructure:"logging"`
	Tracing       TracingConfig       `json:"tracing" yaml:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
}

// LLMConfig selects and parameterizes the language-model provider
type LLMConfig struct {
	Provider     string        `json:"provider" yaml:"provider" mapstructure:"provider"` // anthropic, openai
	Model        string        `json:"model" yaml:"model" mapstructure:"model"`
	APIKey       string        `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	BaseURL      string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxTokens    int           `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64       `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	SystemPrompt string        `json:"system_prompt" yaml:"system_prompt" mapstructure:"system_prompt"`
}

// RetryConfig holds backoff settings for model requests
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`
}

// AgentConfig bounds a single run
type AgentConfig struct {
	MaxTurns    int           `json:"max_turns" yaml:"max_turns" mapstructure:"max_turns"`
	ToolTimeout time.Duration `json:"tool_timeout" yaml:"tool_timeout" mapstructure:"tool_timeout"`
}

// ToolsConfig controls the built-in workspace tools
type ToolsConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Workspace string   `json:"workspace" yaml:"workspace" mapstructure:"workspace"` // defaults to the working directory
	ReadOnly  bool     `json:"read_only" yaml:"read_only" mapstructure:"read_only"`
	Allow     []string `json:"allow" yaml:"allow" mapstructure:"allow"`
	Deny      []string `json:"deny" yaml:"deny" mapstructure:"deny"`
}

type LoopDetectionConfig struct {
	WindowSize int           `json:"window_size" yaml:"window_size" mapstructure:"window_size"`
	TimeWindow time.Duration `json:"time_window" yaml:"time_window" mapstructure:"time_window"`
	Threshold  int           `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
}

type StreamBufferConfig struct {
	FlushDelay time.Duration `json:"flush_delay" yaml:"flush_delay" mapstructure:"flush_delay"`
	MaxSize    int           `json:"max_size" yaml:"max_size" mapstructure:"max_size"`
}

// ConversationConfig sizes the session cache and the compression window
type ConversationConfig struct {
	CacheSize         int           `json:"cache_size" yaml:"cache_size" mapstructure:"cache_size"`
	CacheTTL          time.Duration `json:"cache_ttl" yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CompressThreshold int           `json:"compress_threshold" yaml:"compress_threshold" mapstructure:"compress_threshold"`
	KeepRecent        int           `json:"keep_recent" yaml:"keep_recent" mapstructure:"keep_recent"`
	// Summarize asks the model to summarize dropped items instead of counting them
	Summarize         bool          `json:"summarize" yaml:"summarize" mapstructure:"summarize"`
}

// StorageConfig selects the session storage adapter
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"` // file, sqlite, memory
	Path   string `json:"path" yaml:"path" mapstructure:"path"`
}

// RetentionConfig schedules deletion of idle sessions
type RetentionConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Schedule string        `json:"schedule" yaml:"schedule" mapstructure:"schedule"`
	MaxAge   time.Duration `json:"max_age" yaml:"max_age" mapstructure:"max_age"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int           `json:"port" yaml:"port" mapstructure:"port"`
	Host              string        `json:"host" yaml:"host" mapstructure:"host"`
	SharedSecret      string        `json:"shared_secret" yaml:"shared_secret" mapstructure:"shared_secret"`
	TickInterval      time.Duration `json:"tick_interval" yaml:"tick_interval" mapstructure:"tick_interval"`
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int           `json:"max_concurrent" yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" mapstructure:"level"`
	File       string `json:"file" yaml:"file" mapstructure:"file"`
	Console    bool   `json:"console" yaml:"console" mapstructure:"console"`
	Pretty     bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
	MaxSize    int    `json:"max_size" yaml:"max_size" mapstructure:"max_size"` // MB
	MaxAge     int    `json:"max_age" yaml:"max_age" mapstructure:"max_age"`    // days
	MaxBackups int    `json:"max_backups" yaml:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" yaml:"redaction" mapstructure:"redaction"`
	AuditFile  string `json:"audit_file" yaml:"audit_file" mapstructure:"audit_file"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5",
			Timeout:     30 * time.Second,
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
		Agent: AgentConfig{
			MaxTurns:    10,
			ToolTimeout: 30 * time.Second,
		},
		Tools: ToolsConfig{
			Enabled: true,
			Allow:   []string{"*"},
		},
		LoopDetection: LoopDetectionConfig{
			WindowSize: 5,
			TimeWindow: 60 * time.Second,
			Threshold:  3,
		},
		StreamBuffer: StreamBufferConfig{
			FlushDelay: 50 * time.Millisecond,
			MaxSize:    1024,
		},
		Conversation: ConversationConfig{
			CacheSize:         100,
			CacheTTL:          30 * time.Minute,
			CompressThreshold: 100,
			KeepRecent:        20,
		},
		Storage: StorageConfig{
			Driver: "file",
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Schedule: "@daily",
			MaxAge:   30 * 24 * time.Hour,
		},
		Gateway: GatewayConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			TickInterval:      30 * time.Second,
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			Pretty:     true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
			Redaction:  true,
		},
		Tracing: TracingConfig{
			ServiceName: "orbit",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with the API key masked
func (c *Config) String() string {
	masked := *c
	if masked.LLM.APIKey != "" {
		masked.LLM.APIKey = "****"
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
