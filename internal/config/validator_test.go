package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	v := NewValidator()

	t.Run("log level", func(t *testing.T) {
		assert.NoError(t, v.ValidateLogLevel("debug"))
		assert.Error(t, v.ValidateLogLevel("trace"))
	})

	t.Run("backend kind", func(t *testing.T) {
		for _, k := range BackendKinds {
			assert.NoError(t, v.ValidateBackendKind(k))
		}
		assert.NoError(t, v.ValidateBackendKind(""))
		assert.Error(t, v.ValidateBackendKind("gemini"))
	})

	t.Run("port", func(t *testing.T) {
		assert.NoError(t, v.ValidatePort(7788))
		assert.Error(t, v.ValidatePort(70000))
	})

	t.Run("schedule", func(t *testing.T) {
		assert.NoError(t, v.ValidateSchedule("*/5 * * * *"))
		assert.NoError(t, v.ValidateSchedule("@hourly"))
		assert.Error(t, v.ValidateSchedule("* * *"))
	})

	t.Run("profile id", func(t *testing.T) {
		assert.NoError(t, v.ValidateProfileID("default"))
		assert.NoError(t, v.ValidateProfileID("work profile"))
		for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
			assert.Error(t, v.ValidateProfileID(bad), bad)
		}
	})
}
