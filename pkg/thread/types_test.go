package thread

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDFormatAndUniqueness(t *testing.T) {
	re := regexp.MustCompile(`^m_\d+_\d+$`)
	seen := make(map[string]bool)
	for range 1000 {
		id := NewID("m")
		require.Regexp(t, re, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNewMessagePrefixes(t *testing.T) {
	assert.Regexp(t, `^m_`, NewMessage(RoleUser, "x").ID)
	assert.Regexp(t, `^m_`, NewMessage(RoleAssistant, "x").ID)
	assert.Regexp(t, `^t_`, NewMessage(RoleTool, "x").ID)
}

func TestNewChatDefaults(t *testing.T) {
	c := NewChat("")
	assert.Regexp(t, `^c_\d+_\d+$`, c.ID)
	assert.Equal(t, "New chat", c.Title)
	assert.Equal(t, "desktop-"+c.ID, c.SessionID)
	require.NotNil(t, c.Thinking)
	assert.Equal(t, "low", *c.Thinking)
	assert.Equal(t, "default", c.WorkerName())
	assert.Nil(t, c.AgentID)
	assert.Equal(t, c.CreatedAtMs, c.UpdatedAtMs)
}

func TestThreadHelpers(t *testing.T) {
	th := NewThread("c")
	assert.Nil(t, th.Last())

	a := NewMessage(RoleAssistant, "")
	th.Append(NewMessage(RoleUser, "hi"))
	th.Append(a)

	assert.True(t, th.SetText(a.ID, "done"))
	assert.False(t, th.SetText("missing", "x"))
	assert.Equal(t, "done", th.Last().Text)

	clone := th.Clone()
	clone.Messages[0].Text = "changed"
	assert.Equal(t, "hi", th.Messages[0].Text)
}

func TestIndexHelpers(t *testing.T) {
	idx := NewIndex()
	a, b := NewChat("a"), NewChat("b")
	idx.Prepend(a)
	idx.Prepend(b)

	assert.Equal(t, b.ID, idx.Chats[0].ID)
	assert.NotNil(t, idx.Find(a.ID))
	assert.True(t, idx.Remove(a.ID))
	assert.False(t, idx.Remove(a.ID))
	assert.Len(t, idx.Chats, 1)

	empty := ""
	c := NewChat("c")
	c.Worker = &empty
	assert.Equal(t, "default", c.WorkerName())
}
