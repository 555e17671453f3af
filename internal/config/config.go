package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main loom configuration
type Config struct {
	// Provider credential profiles, tried in priority order
	Providers []ProviderProfile `json:"providers" mapstructure:"providers"`

	// Default thread profile
	Thread ThreadConfig `json:"thread" mapstructure:"thread"`

	// Subagent spawning
	Spawn SpawnConfig `json:"spawn" mapstructure:"spawn"`

	// Registry janitor
	Janitor JanitorConfig `json:"janitor" mapstructure:"janitor"`

	// Notification broadcaster
	Notify NotifyConfig `json:"notify" mapstructure:"notify"`

	// Transcript archive
	Transcript TranscriptConfig `json:"transcript" mapstructure:"transcript"`

	// Context file tracking
	ContextFiles ContextFilesConfig `json:"context_files" mapstructure:"context_files"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProviderProfile holds credentials for one model provider
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ThreadConfig is the profile new threads are created with
type ThreadConfig struct {
	Model        string  `json:"model" mapstructure:"model"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
}

// SpawnConfig bounds subagent creation
type SpawnConfig struct {
	// Concurrency caps in-flight spawns per parent thread; spawns
	// beyond the cap queue in arrival order.
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`
}

// JanitorConfig controls pruning of terminal thread wrappers
type JanitorConfig struct {
	RetentionMinutes int    `json:"retention_minutes" mapstructure:"retention_minutes"`
	Schedule         string `json:"schedule" mapstructure:"schedule"` // cron expression or @every descriptor
}

// NotifyConfig holds websocket broadcaster settings
type NotifyConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
	Buffer  int    `json:"buffer" mapstructure:"buffer"`
}

// TranscriptConfig holds transcript archive settings
type TranscriptConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	DBPath  string `json:"db_path" mapstructure:"db_path"`
}

// ContextFilesConfig holds context file tracking settings
type ContextFilesConfig struct {
	StabilityMs int `json:"stability_ms" mapstructure:"stability_ms"` // write-debounce window
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	// SampleRatio is the fraction of root turn spans that are sampled
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Providers: []ProviderProfile{},
		Thread: ThreadConfig{
			Model:       "claude-sonnet-4",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Spawn: SpawnConfig{
			Concurrency: 3,
		},
		Janitor: JanitorConfig{
			RetentionMinutes: 60,
			Schedule:         "@every 1m",
		},
		Notify: NotifyConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8087",
			Buffer:  64,
		},
		Transcript: TranscriptConfig{
			Enabled: false,
		},
		ContextFiles: ContextFilesConfig{
			StabilityMs: 100,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1.0,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Require at least one provider profile
	if len(c.Providers) == 0 {
		return fmt.Errorf("no provider credentials configured: at least one provider profile is required")
	}

	for i, profile := range c.Providers {
		if profile.ID == "" {
			return fmt.Errorf("provider profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("provider profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("provider profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("provider profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Thread.Model == "" {
		return fmt.Errorf("thread: model is required")
	}
	if c.Thread.MaxTokens <= 0 {
		return fmt.Errorf("thread: max_tokens must be positive, got %d", c.Thread.MaxTokens)
	}
	if c.Thread.Temperature < 0 || c.Thread.Temperature > 1 {
		return fmt.Errorf("thread: temperature must be between 0 and 1, got %f", c.Thread.Temperature)
	}

	if c.Spawn.Concurrency < 1 {
		return fmt.Errorf("spawn: concurrency must be at least 1, got %d", c.Spawn.Concurrency)
	}

	if c.Janitor.RetentionMinutes < 0 {
		return fmt.Errorf("janitor: retention_minutes must be >= 0")
	}

	if c.Notify.Enabled {
		if c.Notify.Addr == "" {
			return fmt.Errorf("notify: addr is required when the broadcaster is enabled")
		}
		if c.Notify.Buffer <= 0 {
			return fmt.Errorf("notify: buffer must be positive, got %d", c.Notify.Buffer)
		}
	}

	if c.Transcript.Enabled && c.Transcript.DBPath == "" {
		return fmt.Errorf("transcript: db_path is required when the archive is enabled")
	}

	if c.ContextFiles.StabilityMs < 0 {
		return fmt.Errorf("context_files: stability_ms must be >= 0")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing: sample_ratio must be between 0 and 1, got %f", c.Tracing.SampleRatio)
	}

	return nil
}
