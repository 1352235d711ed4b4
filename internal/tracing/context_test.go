package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
	assert.NotEqual(t, NewRunID(), NewRunID())
	assert.NotEmpty(t, NewRunID())
}

func TestContextRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		with func(context.Context) context.Context
		get  func(context.Context) string
		want string
	}{
		{"trace", func(c context.Context) context.Context { return WithTraceID(c, "t1") }, GetTraceID, "t1"},
		{"run", func(c context.Context) context.Context { return WithRunID(c, "r1") }, GetRunID, "r1"},
		{"profile", func(c context.Context) context.Context { return WithProfileID(c, "p1") }, GetProfileID, "p1"},
		{"chat", func(c context.Context) context.Context { return WithChatID(c, "c1") }, GetChatID, "c1"},
		{"request", func(c context.Context) context.Context { return WithRequestID(c, "q1") }, GetRequestID, "q1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.with(context.Background())
			assert.Equal(t, tt.want, tt.get(ctx))
			assert.Empty(t, tt.get(context.Background()))
		})
	}
}

func TestNewSendContextKeepsTrace(t *testing.T) {
	parent := WithTraceID(context.Background(), "trace-1")
	ctx := NewSendContext(parent, "default", "c_1_1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.NotEmpty(t, GetRunID(ctx))
	assert.Equal(t, "default", GetProfileID(ctx))
	assert.Equal(t, "c_1_1", GetChatID(ctx))

	fresh := NewSendContext(context.Background(), "p", "c")
	assert.NotEmpty(t, GetTraceID(fresh))
}

func TestDetachSurvivesCancel(t *testing.T) {
	parent, cancel := context.WithCancel(NewSendContext(context.Background(), "p", "c"))
	detached := Detach(parent)
	cancel()

	assert.Error(t, parent.Err())
	assert.NoError(t, detached.Err())
	assert.Equal(t, GetRunID(parent), GetRunID(detached))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewSendContext(context.Background(), "work", "c_9_9")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("Send started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "work", entry["profile_id"])
	assert.Equal(t, "c_9_9", entry["chat_id"])
	assert.NotEmpty(t, entry["run_id"])
	assert.NotEmpty(t, entry["trace_id"])
}
