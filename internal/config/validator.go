package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if slices.Contains(validLevels, level) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateBackendKind validates a backend kind. Empty means the default.
func (v *Validator) ValidateBackendKind(kind string) error {
	if kind == "" || slices.Contains(BackendKinds, kind) {
		return nil
	}
	return fmt.Errorf("invalid backend kind: %s (must be one of: %s)", kind, strings.Join(BackendKinds, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSchedule validates a 5-field cron expression.
func (v *Validator) ValidateSchedule(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateProfileID validates a profile identifier used as a directory name.
func (v *Validator) ValidateProfileID(id string) error {
	if id == "" {
		return fmt.Errorf("profile id cannot be empty")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid profile id: %q", id)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	if cfg.Gateway.RateLimit < 0 || cfg.Gateway.RateBurst < 0 {
		errors = append(errors, fmt.Errorf("gateway rate_limit and rate_burst must be >= 0"))
	}
	if err := v.ValidateProfileID(cfg.Chat.DefaultProfile); err != nil {
		errors = append(errors, fmt.Errorf("chat.default_profile: %w", err))
	}
	if cfg.Chat.MaxSteps <= 0 {
		errors = append(errors, fmt.Errorf("chat.max_steps must be > 0"))
	}
	if cfg.Chat.HistoryWindow <= 0 {
		errors = append(errors, fmt.Errorf("chat.history_window must be > 0"))
	}
	if cfg.Chat.PersistThrottleMs < 0 {
		errors = append(errors, fmt.Errorf("chat.persist_throttle_ms must be >= 0"))
	}
	if err := v.ValidateBackendKind(cfg.Backend.DefaultKind); err != nil {
		errors = append(errors, err)
	}
	if cfg.Backend.StaleLockRetries < 0 || cfg.Backend.StaleLockDelayMs < 0 {
		errors = append(errors, fmt.Errorf("backend stale lock retries and delay must be >= 0"))
	}
	if cfg.Tools.MaxOutputBytes < 0 {
		errors = append(errors, fmt.Errorf("tools.max_output_bytes must be >= 0"))
	}
	if cfg.Maintenance.Enabled {
		if err := v.ValidateSchedule(cfg.Maintenance.Schedule); err != nil {
			errors = append(errors, fmt.Errorf("maintenance: %w", err))
		}
	}

	return errors
}
