package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/deskchat/internal/observability"
	"github.com/harun/deskchat/internal/tracing"
	"github.com/harun/deskchat/pkg/thread"
	"github.com/rs/zerolog/log"
)

// ChatPatch changes chat options. A nil field is left alone; a blank value
// clears the option.
type ChatPatch struct {
	Thinking *string `json:"thinking,omitempty"`
	AgentID  *string `json:"agent_id,omitempty"`
	Worker   *string `json:"worker,omitempty"`
}

// ListChats returns the chat index of a profile, empty when none exists.
func (o *Orchestrator) ListChats(ctx context.Context, profileID string) (*thread.Index, error) {
	return o.store.LoadIndex(ctx, profileID)
}

// Thread returns the message log of a chat, empty when none exists.
func (o *Orchestrator) Thread(ctx context.Context, profileID, chatID string) (*thread.Thread, error) {
	return o.store.LoadThread(ctx, profileID, chatID)
}

// CreateChat adds a chat at the front of the index and writes its empty log.
func (o *Orchestrator) CreateChat(ctx context.Context, profileID, title string) (thread.Chat, error) {
	chat := thread.NewChat(strings.TrimSpace(title))

	if err := o.store.SaveThread(ctx, profileID, thread.NewThread(chat.ID)); err != nil {
		return thread.Chat{}, fmt.Errorf("failed to create chat: %w", err)
	}
	_, err := o.store.UpdateIndex(ctx, profileID, func(idx *thread.Index) error {
		idx.Prepend(chat)
		return nil
	})
	if err != nil {
		return thread.Chat{}, fmt.Errorf("failed to create chat: %w", err)
	}

	log.Info().Str("profile_id", profileID).Str("chat_id", chat.ID).Msg("Chat created")
	return chat, nil
}

// RenameChat sets the title of a chat.
func (o *Orchestrator) RenameChat(ctx context.Context, profileID, chatID, title string) (thread.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return thread.Chat{}, ErrTitleRequired
	}
	return o.updateChat(ctx, profileID, chatID, func(c *thread.Chat) {
		c.Title = title
	})
}

// UpdateChat applies patch to the options of a chat.
func (o *Orchestrator) UpdateChat(ctx context.Context, profileID, chatID string, patch ChatPatch) (thread.Chat, error) {
	return o.updateChat(ctx, profileID, chatID, func(c *thread.Chat) {
		if patch.Thinking != nil {
			c.Thinking = optional(*patch.Thinking)
		}
		if patch.AgentID != nil {
			c.AgentID = optional(*patch.AgentID)
		}
		if patch.Worker != nil {
			c.Worker = optional(*patch.Worker)
		}
	})
}

func (o *Orchestrator) updateChat(ctx context.Context, profileID, chatID string, apply func(*thread.Chat)) (thread.Chat, error) {
	var updated thread.Chat
	_, err := o.store.UpdateIndex(ctx, profileID, func(idx *thread.Index) error {
		c := idx.Find(chatID)
		if c == nil {
			return ErrChatNotFound
		}
		apply(c)
		c.UpdatedAtMs = thread.NowMs()
		updated = *c
		return nil
	})
	if err != nil {
		return thread.Chat{}, err
	}
	return updated, nil
}

// DeleteChat removes a chat from the index and deletes its log. It is refused
// while the chat has a send in flight.
func (o *Orchestrator) DeleteChat(ctx context.Context, profileID, chatID string) error {
	if err := o.acquire(profileID, chatID); err != nil {
		return err
	}
	defer o.release(profileID, chatID)

	_, err := o.store.UpdateIndex(ctx, profileID, func(idx *thread.Index) error {
		if !idx.Remove(chatID) {
			return ErrChatNotFound
		}
		return nil
	})
	meta := map[string]any{"profile_id": profileID, "chat_id": chatID}
	if err != nil {
		observability.RecordChatAudit(ctx, "delete", profileID, "error", meta)
		return err
	}

	if err := o.store.DeleteThread(ctx, profileID, chatID); err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).
			Str("chat_id", chatID).Msg("Failed to delete thread file")
	}
	observability.RecordChatAudit(ctx, "delete", profileID, "success", meta)
	log.Info().Str("profile_id", profileID).Str("chat_id", chatID).Msg("Chat deleted")
	return nil
}

// ResetChat replaces the log of a chat with an empty one. It is refused while
// the chat has a send in flight.
func (o *Orchestrator) ResetChat(ctx context.Context, profileID, chatID string) (*thread.Thread, error) {
	if err := o.acquire(profileID, chatID); err != nil {
		return nil, err
	}
	defer o.release(profileID, chatID)

	meta := map[string]any{"profile_id": profileID, "chat_id": chatID}
	_, err := o.updateChat(ctx, profileID, chatID, func(*thread.Chat) {})
	if err != nil {
		observability.RecordChatAudit(ctx, "reset", profileID, "error", meta)
		return nil, err
	}

	t := thread.NewThread(chatID)
	if err := o.store.SaveThread(ctx, profileID, t); err != nil {
		observability.RecordChatAudit(ctx, "reset", profileID, "error", meta)
		return nil, fmt.Errorf("failed to reset chat: %w", err)
	}
	observability.RecordChatAudit(ctx, "reset", profileID, "success", meta)
	return t, nil
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
