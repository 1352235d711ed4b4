package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 6, cfg.Chat.MaxSteps)
	assert.Equal(t, 16, cfg.Chat.HistoryWindow)
	assert.Equal(t, 250, cfg.Chat.PersistThrottleMs)
	assert.Equal(t, 2, cfg.Backend.StaleLockRetries)
	assert.Equal(t, 650, cfg.Backend.StaleLockDelayMs)
	assert.Equal(t, BackendChat, cfg.Backend.DefaultKind)
	assert.Equal(t, "127.0.0.1:7788", cfg.Gateway.Addr())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad port", func(c *Config) { c.Gateway.Port = 0 }, "port must be"},
		{"zero steps", func(c *Config) { c.Chat.MaxSteps = 0 }, "chat.max_steps"},
		{"zero window", func(c *Config) { c.Chat.HistoryWindow = 0 }, "chat.history_window"},
		{"unknown backend", func(c *Config) { c.Backend.DefaultKind = "gemini" }, "invalid backend kind"},
		{"bad schedule", func(c *Config) { c.Maintenance.Schedule = "every day" }, "invalid schedule"},
		{"bad schedule ignored when disabled", func(c *Config) {
			c.Maintenance.Enabled = false
			c.Maintenance.Schedule = "nope"
		}, ""},
		{"path in default profile", func(c *Config) { c.Chat.DefaultProfile = "../x" }, "invalid profile id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.SharedSecret = "hunter2"
	cfg.Backend.OpenAI.APIKey = "sk-live"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "sk-live")
	assert.Equal(t, "hunter2", cfg.Gateway.SharedSecret)
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	assert.Equal(t, "/data/profiles", cfg.ProfilesDir())
	assert.Equal(t, "/data/journal.db", cfg.JournalPath())
	assert.Equal(t, "/data/deskchat.pid", cfg.PIDPath())
}
