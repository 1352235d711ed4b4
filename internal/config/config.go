package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Config is the daemon configuration loaded from deskchat.json.
type Config struct {
	// Data directory holding profiles, the journal and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Chat        ChatConfig        `json:"chat" mapstructure:"chat"`
	Backend     BackendConfig     `json:"backend" mapstructure:"backend"`
	Tools       ToolsConfig       `json:"tools" mapstructure:"tools"`
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	// Requests per second and burst allowed per client
	RateLimit     float64 `json:"rate_limit" mapstructure:"rate_limit"`
	RateBurst     int     `json:"rate_burst" mapstructure:"rate_burst"`
	MaxConcurrent int     `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// ChatConfig bounds the generation of one send.
type ChatConfig struct {
	DefaultProfile    string `json:"default_profile" mapstructure:"default_profile"`
	MaxSteps          int    `json:"max_steps" mapstructure:"max_steps"`
	HistoryWindow     int    `json:"history_window" mapstructure:"history_window"`
	PersistThrottleMs int    `json:"persist_throttle_ms" mapstructure:"persist_throttle_ms"`
	ShutdownTimeoutS  int    `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
}

// BackendConfig holds process-wide backend settings. The backend kind and
// model of a chat come from the profile settings.
type BackendConfig struct {
	DefaultKind      string         `json:"default_kind" mapstructure:"default_kind"`
	TimeoutSeconds   int            `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	AgentTimeoutS    int            `json:"agent_timeout_seconds" mapstructure:"agent_timeout_seconds"`
	StaleLockRetries int            `json:"stale_lock_retries" mapstructure:"stale_lock_retries"`
	StaleLockDelayMs int            `json:"stale_lock_delay_ms" mapstructure:"stale_lock_delay_ms"`
	MaxTokens        int            `json:"max_tokens" mapstructure:"max_tokens"`
	OpenAI           ProviderConfig `json:"openai" mapstructure:"openai"`
	Anthropic        ProviderConfig `json:"anthropic" mapstructure:"anthropic"`
}

// ProviderConfig holds credentials for an SDK backed provider.
type ProviderConfig struct {
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
}

// ToolsConfig configures the exec and web_get tools.
type ToolsConfig struct {
	Shell              string `json:"shell" mapstructure:"shell"`
	ExecTimeoutSeconds int    `json:"exec_timeout_seconds" mapstructure:"exec_timeout_seconds"`
	WebTimeoutSeconds  int    `json:"web_timeout_seconds" mapstructure:"web_timeout_seconds"`
	MaxOutputBytes     int    `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// MaintenanceConfig schedules the store janitor.
type MaintenanceConfig struct {
	Enabled              bool   `json:"enabled" mapstructure:"enabled"`
	Schedule             string `json:"schedule" mapstructure:"schedule"` // 5-field cron expression
	TempFileMaxAgeMin    int    `json:"temp_file_max_age_minutes" mapstructure:"temp_file_max_age_minutes"`
	JournalRetentionDays int    `json:"journal_retention_days" mapstructure:"journal_retention_days"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// Backend kinds understood by the backend factory.
const (
	BackendChat      = "chat"
	BackendOllama    = "ollama"
	BackendAgent     = "agent"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
)

// BackendKinds lists every accepted backend kind.
var BackendKinds = []string{BackendChat, BackendOllama, BackendAgent, BackendOpenAI, BackendAnthropic}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Host:          "127.0.0.1",
			Port:          7788,
			RateLimit:     20,
			RateBurst:     40,
			MaxConcurrent: 8,
		},
		Chat: ChatConfig{
			DefaultProfile:    "default",
			MaxSteps:          6,
			HistoryWindow:     16,
			PersistThrottleMs: 250,
			ShutdownTimeoutS:  30,
		},
		Backend: BackendConfig{
			DefaultKind:      BackendChat,
			TimeoutSeconds:   120,
			AgentTimeoutS:    120,
			StaleLockRetries: 2,
			StaleLockDelayMs: 650,
			MaxTokens:        4096,
		},
		Tools: ToolsConfig{
			ExecTimeoutSeconds: 120,
			WebTimeoutSeconds:  30,
			MaxOutputBytes:     64 * 1024,
		},
		Maintenance: MaintenanceConfig{
			Enabled:              true,
			Schedule:             "17 * * * *",
			TempFileMaxAgeMin:    60,
			JournalRetentionDays: 30,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "deskchat",
			SampleRatio: 1,
		},
	}
}

// ProfilesDir returns the directory holding one subdirectory per profile.
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.DataDir, "profiles")
}

// JournalPath returns the SQLite run journal path.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.db")
}

// PIDPath returns the daemon PID file path.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "deskchat.pid")
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)
	masked.Backend.OpenAI.APIKey = mask(c.Backend.OpenAI.APIKey)
	masked.Backend.Anthropic.APIKey = mask(c.Backend.Anthropic.APIKey)
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
