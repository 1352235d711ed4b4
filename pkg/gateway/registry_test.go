package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSet(t *testing.T) {
	set := NewClientSet()
	now := time.Now()
	set.Add(&Client{ID: "late", ConnectedAt: now, LastActivity: now.Add(-10 * time.Minute)})
	set.Add(&Client{ID: "early", ConnectedAt: now.Add(-time.Hour), LastActivity: now, Authenticated: true})

	assert.Equal(t, 2, set.Len())
	assert.Len(t, set.All(), 2)

	authed := set.Authenticated()
	require.Len(t, authed, 1)
	assert.Equal(t, "early", authed[0].ID)

	infos := set.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "early", infos[0].ID)
	assert.False(t, infos[0].Idle)
	assert.True(t, infos[1].Idle)

	set.Touch("late")
	assert.False(t, set.Infos()[1].Idle)
	set.Touch("missing")

	set.Remove("late")
	set.Remove("missing")
	assert.Equal(t, 1, set.Len())
}

func TestCallerFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"websocket", withCaller(context.Background(), caller{transport: "ws", id: "abc"}), "ws:abc"},
		{"http", withCaller(context.Background(), caller{transport: "http", id: "127.0.0.1:5000"}), "http:127.0.0.1:5000"},
		{"unset", context.Background(), "local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, callerFrom(tt.ctx).String())
		})
	}
}
