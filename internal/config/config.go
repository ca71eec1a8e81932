package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Config represents the main appgen configuration
type Config struct {
	// Upstream completion service
	Upstream UpstreamConfig `json:"upstream" mapstructure:"upstream"`

	// Generation sessions
	Generation GenerationConfig `json:"generation" mapstructure:"generation"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Credentials
	Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`

	// Notify mirrors session notifications to NATS
	Notify NotifyConfig `json:"notify" mapstructure:"notify"`

	// Janitor prunes old output
	Janitor JanitorConfig `json:"janitor" mapstructure:"janitor"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// UpstreamConfig selects the completion provider and model
type UpstreamConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model       string  `json:"model" mapstructure:"model"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	// APIKey is used when neither the request nor the credential store has one
	APIKey string `json:"api_key" mapstructure:"api_key"`
}

// GenerationConfig bounds generation sessions
type GenerationConfig struct {
	MaxTurns      int           `json:"max_turns" mapstructure:"max_turns"` // 0 disables the ceiling
	RetryDelay    time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	OutputDir     string        `json:"output_dir" mapstructure:"output_dir"`
	MaxConcurrent int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	QueueSize     int           `json:"queue_size" mapstructure:"queue_size"` // per-consumer notification queue
	PostProcess   bool          `json:"post_process" mapstructure:"post_process"`
	Bundle        bool          `json:"bundle" mapstructure:"bundle"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port           int      `json:"port" mapstructure:"port"`
	Host           string   `json:"host" mapstructure:"host"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// StorageConfig holds persistence paths
type StorageConfig struct {
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	TranscriptDir string `json:"transcript_dir" mapstructure:"transcript_dir"`
}

// CredentialsConfig locates the credential files
type CredentialsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// NotifyConfig configures the NATS notification sink
type NotifyConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	NATSURL       string `json:"nats_url" mapstructure:"nats_url"`
	SubjectPrefix string `json:"subject_prefix" mapstructure:"subject_prefix"`
	// Embedded starts an in-process NATS server when NATSURL is empty
	Embedded bool `json:"embedded" mapstructure:"embedded"`
}

// JanitorConfig configures output pruning
type JanitorConfig struct {
	Enabled   bool          `json:"enabled" mapstructure:"enabled"`
	Schedule  string        `json:"schedule" mapstructure:"schedule"`
	Retention time.Duration `json:"retention" mapstructure:"retention"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			Provider:    "anthropic",
			Model:       "claude-3-opus-20240229",
			MaxTokens:   4096,
			Temperature: 0,
		},
		Generation: GenerationConfig{
			MaxTurns:      100,
			RetryDelay:    time.Second,
			MaxConcurrent: 4,
			QueueSize:     256,
			PostProcess:   true,
			Bundle:        true,
		},
		Gateway: GatewayConfig{
			Port: 8001,
			Host: "0.0.0.0",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Credentials: CredentialsConfig{
			Watch: true,
		},
		Notify: NotifyConfig{
			SubjectPrefix: "appgen",
		},
		Janitor: JanitorConfig{
			Enabled:   true,
			Schedule:  "@hourly",
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// ApplyDataDir fills unset paths relative to the data directory
func (c *Config) ApplyDataDir() {
	if c.DataDir == "" {
		return
	}
	if c.Generation.OutputDir == "" {
		c.Generation.OutputDir = filepath.Join(c.DataDir, "generated_apps")
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.DataDir, "appgen.db")
	}
	if c.Storage.TranscriptDir == "" {
		c.Storage.TranscriptDir = filepath.Join(c.DataDir, "transcripts")
	}
	if c.Credentials.Dir == "" {
		c.Credentials.Dir = filepath.Join(c.DataDir, "credentials")
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Upstream.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("invalid upstream provider %q (must be: anthropic, openai)", c.Upstream.Provider)
	}
	if c.Upstream.Model == "" {
		return fmt.Errorf("upstream model is required")
	}
	if c.Upstream.MaxTokens <= 0 {
		return fmt.Errorf("upstream max_tokens must be positive")
	}
	if c.Generation.MaxTurns < 0 {
		return fmt.Errorf("generation max_turns must be >= 0")
	}
	if c.Generation.RetryDelay < 0 {
		return fmt.Errorf("generation retry_delay must be >= 0")
	}
	if c.Generation.MaxConcurrent <= 0 {
		return fmt.Errorf("generation max_concurrent must be positive")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}
	if c.Janitor.Enabled && c.Janitor.Retention <= 0 {
		return fmt.Errorf("janitor retention must be positive")
	}
	return nil
}
