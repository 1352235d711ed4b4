package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. DESKCHAT_GATEWAY_PORT.
const EnvPrefix = "DESKCHAT"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// DefaultDataDir returns ~/.deskchat.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".deskchat"), nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	dir, err := DefaultDataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "deskchat.json")
}

// Load reads the config file, applies environment overrides and fills derived paths.
// A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "deskchat.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}

	return cfg, nil
}

// bindDefaults registers every key so AutomaticEnv can override keys that
// are absent from the file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]any{
		"data_dir":                   cfg.DataDir,
		"logging.level":              cfg.Logging.Level,
		"logging.file":               cfg.Logging.File,
		"logging.console":            cfg.Logging.Console,
		"logging.pretty":             cfg.Logging.Pretty,
		"gateway.host":               cfg.Gateway.Host,
		"gateway.port":               cfg.Gateway.Port,
		"gateway.shared_secret":      cfg.Gateway.SharedSecret,
		"chat.default_profile":       cfg.Chat.DefaultProfile,
		"chat.max_steps":             cfg.Chat.MaxSteps,
		"chat.history_window":        cfg.Chat.HistoryWindow,
		"chat.persist_throttle_ms":   cfg.Chat.PersistThrottleMs,
		"backend.default_kind":       cfg.Backend.DefaultKind,
		"backend.openai.api_key":     cfg.Backend.OpenAI.APIKey,
		"backend.openai.base_url":    cfg.Backend.OpenAI.BaseURL,
		"backend.anthropic.api_key":  cfg.Backend.Anthropic.APIKey,
		"backend.anthropic.base_url": cfg.Backend.Anthropic.BaseURL,
		"tools.shell":                cfg.Tools.Shell,
		"maintenance.enabled":        cfg.Maintenance.Enabled,
		"maintenance.schedule":       cfg.Maintenance.Schedule,
		"tracing.enabled":            cfg.Tracing.Enabled,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Save writes cfg to the config path.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("chat", cfg.Chat)
	v.Set("backend", cfg.Backend)
	v.Set("tools", cfg.Tools)
	v.Set("maintenance", cfg.Maintenance)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
