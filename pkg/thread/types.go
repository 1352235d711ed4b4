package thread

import "time"

// Role of a message in a chat log.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	// DocVersion is written into every index and thread document.
	DocVersion = 1

	DefaultTitle    = "New chat"
	DefaultThinking = "low"
	DefaultWorker   = "default"
)

// Message is one entry of a chat log.
type Message struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	Text        string `json:"text"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// NewMessage creates a message with a fresh id. Tool messages use the "t"
// prefix, everything else "m".
func NewMessage(role Role, text string) Message {
	prefix := "m"
	if role == RoleTool {
		prefix = "t"
	}
	return Message{ID: NewID(prefix), Role: role, Text: text, CreatedAtMs: NowMs()}
}

// Thread is the ordered message log of one chat.
type Thread struct {
	Version  int       `json:"version"`
	ChatID   string    `json:"chat_id"`
	Messages []Message `json:"messages"`
}

// NewThread returns an empty log for chatID.
func NewThread(chatID string) *Thread {
	return &Thread{Version: DocVersion, ChatID: chatID, Messages: []Message{}}
}

// Append adds m to the end of the log.
func (t *Thread) Append(m Message) {
	t.Messages = append(t.Messages, m)
}

// Find returns the message with id, or nil.
func (t *Thread) Find(id string) *Message {
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			return &t.Messages[i]
		}
	}
	return nil
}

// SetText replaces the text of message id. It reports whether the message exists.
func (t *Thread) SetText(id, text string) bool {
	m := t.Find(id)
	if m == nil {
		return false
	}
	m.Text = text
	return true
}

// Last returns the newest message, or nil for an empty log.
func (t *Thread) Last() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[len(t.Messages)-1]
}

// Clone returns a deep copy.
func (t *Thread) Clone() *Thread {
	c := *t
	c.Messages = append([]Message(nil), t.Messages...)
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return &c
}

// Chat is one entry of the chat index.
type Chat struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	SessionID   string  `json:"session_id"`
	CreatedAtMs int64   `json:"created_at_ms"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
	AgentID     *string `json:"agent_id,omitempty"`
	Thinking    *string `json:"thinking,omitempty"`
	Worker      *string `json:"worker,omitempty"`
}

// NewChat creates a chat with defaults. An empty title becomes "New chat".
func NewChat(title string) Chat {
	if title == "" {
		title = DefaultTitle
	}
	id := NewID("c")
	now := NowMs()
	thinking := DefaultThinking
	worker := DefaultWorker
	return Chat{
		ID:          id,
		Title:       title,
		SessionID:   "desktop-" + id,
		CreatedAtMs: now,
		UpdatedAtMs: now,
		Thinking:    &thinking,
		Worker:      &worker,
	}
}

// WorkerName returns the worker of the chat, falling back to "default".
func (c Chat) WorkerName() string {
	if c.Worker == nil || *c.Worker == "" {
		return DefaultWorker
	}
	return *c.Worker
}

// Index lists the chats of one profile, newest first.
type Index struct {
	Version int    `json:"version"`
	Chats   []Chat `json:"chats"`
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{Version: DocVersion, Chats: []Chat{}}
}

// Find returns the chat with id, or nil.
func (idx *Index) Find(id string) *Chat {
	for i := range idx.Chats {
		if idx.Chats[i].ID == id {
			return &idx.Chats[i]
		}
	}
	return nil
}

// Prepend inserts c at the front.
func (idx *Index) Prepend(c Chat) {
	idx.Chats = append([]Chat{c}, idx.Chats...)
}

// Remove deletes the chat with id and reports whether it was present.
func (idx *Index) Remove(id string) bool {
	for i := range idx.Chats {
		if idx.Chats[i].ID == id {
			idx.Chats = append(idx.Chats[:i], idx.Chats[i+1:]...)
			return true
		}
	}
	return false
}

// Touch sets the chat's updated_at to now.
func (idx *Index) Touch(id string) bool {
	c := idx.Find(id)
	if c == nil {
		return false
	}
	c.UpdatedAtMs = NowMs()
	return true
}

// NowMs returns the current Unix time in milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
