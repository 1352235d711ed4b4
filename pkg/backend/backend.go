package backend

import (
	"context"
	"errors"
	"strings"
)

// Role of a message sent to a backend.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation handed to a backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Synthetic marks instructions injected by the prompt builder rather
	// than written by the user.
	Synthetic bool `json:"-"`
}

// Request is a single generation request.
type Request struct {
	Model    string
	Messages []Message

	// Agent backend only
	SessionID string
	AgentID   string
	Thinking  string
}

// LastContent returns the content of the newest message, or "" when empty.
func (r Request) LastContent() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// UserContent returns the newest user message that is not synthetic,
// falling back to LastContent when there is none.
func (r Request) UserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role == RoleUser && !m.Synthetic {
			return m.Content
		}
	}
	return r.LastContent()
}

// SystemPrompt joins the contents of all system messages.
func (r Request) SystemPrompt() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Chunk is one element of a streamed response. Exactly one of Delta, Done or
// Err is meaningful per chunk, except that a final chunk may carry both a
// delta and Done.
type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Backend generates assistant text for a conversation.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

var (
	// ErrNoMessages is returned for a request without messages.
	ErrNoMessages = errors.New("request has no messages")
	// ErrUnknownKind is returned by the factory for an unsupported backend kind.
	ErrUnknownKind = errors.New("unknown backend kind")
)

// Collect drains a stream into its full text. A Done chunk or a closed channel
// ends the stream; an error chunk aborts it.
func Collect(ctx context.Context, ch <-chan Chunk) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return b.String(), nil
			}
			if c.Err != nil {
				return b.String(), c.Err
			}
			b.WriteString(c.Delta)
			if c.Done {
				return b.String(), nil
			}
		}
	}
}

// emit sends c unless ctx is done first.
func emit(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// single returns a closed stream holding text as one delta followed by done.
func single(text string) <-chan Chunk {
	ch := make(chan Chunk, 2)
	if text != "" {
		ch <- Chunk{Delta: text}
	}
	ch <- Chunk{Done: true}
	close(ch)
	return ch
}
