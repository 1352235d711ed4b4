package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRoutesByKey(t *testing.T) {
	h := NewHub()
	chat, cancelChat := h.Subscribe(Key("p1", "c1"), 4)
	defer cancelChat()
	all, cancelAll := h.Subscribe("", 4)
	defer cancelAll()
	other, cancelOther := h.Subscribe(Key("p1", "c2"), 4)
	defer cancelOther()

	evt := ChatStreamEvent{ProfileID: "p1", ChatID: "c1", MessageID: "m1", Delta: "hi"}
	h.Publish(evt)

	require.Len(t, chat, 1)
	assert.Equal(t, evt, <-chat)
	require.Len(t, all, 1)
	assert.Equal(t, evt, <-all)
	assert.Len(t, other, 0)
	assert.Equal(t, 3, h.Subscribers())
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("", 1)
	defer cancel()

	h.Publish(ChatStreamEvent{Delta: "a"})
	h.Publish(ChatStreamEvent{Delta: "b"})

	assert.Equal(t, "a", (<-ch).Delta)
	assert.Len(t, ch, 0)
}

func TestHubCancelClosesOnce(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("k", 1)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())

	h.Publish(ChatStreamEvent{ProfileID: "k"})
}

func TestSinkFunc(t *testing.T) {
	var got []ChatStreamEvent
	var s Sink = SinkFunc(func(e ChatStreamEvent) { got = append(got, e) })
	s.Publish(ChatStreamEvent{Done: true})
	Nop.Publish(ChatStreamEvent{})
	require.Len(t, got, 1)
	assert.True(t, got[0].Done)
}
