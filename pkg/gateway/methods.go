package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/harun/deskchat/internal/tracing"
	"github.com/harun/deskchat/pkg/journal"
	"github.com/harun/deskchat/pkg/orchestrator"
	"github.com/harun/deskchat/pkg/thread"
	"github.com/rs/zerolog/log"
)

// ChatService is the orchestrator surface exposed over RPC.
type ChatService interface {
	ListChats(ctx context.Context, profileID string) (*thread.Index, error)
	Thread(ctx context.Context, profileID, chatID string) (*thread.Thread, error)
	CreateChat(ctx context.Context, profileID, title string) (thread.Chat, error)
	RenameChat(ctx context.Context, profileID, chatID, title string) (thread.Chat, error)
	UpdateChat(ctx context.Context, profileID, chatID string, patch orchestrator.ChatPatch) (thread.Chat, error)
	DeleteChat(ctx context.Context, profileID, chatID string) error
	ResetChat(ctx context.Context, profileID, chatID string) (*thread.Thread, error)
	Send(ctx context.Context, profileID, chatID, text string) (*thread.Thread, error)
	SendStream(ctx context.Context, profileID, chatID, text string) (*orchestrator.StreamAck, error)
	Stats() orchestrator.Stats
}

// RunLister reads the run journal.
type RunLister interface {
	List(ctx context.Context, f journal.Filter) ([]journal.Run, error)
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("chats.list", s.handleChatsList)
	_ = s.RegisterMethod("chats.create", s.handleChatsCreate)
	_ = s.RegisterMethod("chats.rename", s.handleChatsRename)
	_ = s.RegisterMethod("chats.update", s.handleChatsUpdate)
	_ = s.RegisterMethod("chats.delete", s.handleChatsDelete)
	_ = s.RegisterMethod("chat.thread", s.handleChatThread)
	_ = s.RegisterMethod("chat.reset", s.handleChatReset)
	_ = s.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.RegisterMethod("chat.send_stream", s.handleChatSendStream)
	_ = s.RegisterMethod("gateway.status", s.handleGatewayStatus)

	if s.runs != nil {
		_ = s.RegisterMethod("runs.list", s.handleRunsList)
	}
}

// classifyError maps orchestrator errors to RPC error codes.
func classifyError(err error) *RPCError {
	switch {
	case errors.Is(err, orchestrator.ErrChatBusy):
		return &RPCError{Code: ChatBusy, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrChatNotFound):
		return &RPCError{Code: ChatNotFound, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return &RPCError{Code: ShuttingDown, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrTitleRequired),
		errors.Is(err, orchestrator.ErrEmptyMessage),
		errors.Is(err, thread.ErrInvalidKey):
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return nil
}

type profileParams struct {
	ProfileID string `json:"profile_id"`
}

type chatParams struct {
	ProfileID string `json:"profile_id"`
	ChatID    string `json:"chat_id"`
}

type createParams struct {
	ProfileID string `json:"profile_id"`
	Title     string `json:"title"`
}

type renameParams struct {
	ProfileID string `json:"profile_id"`
	ChatID    string `json:"chat_id"`
	Title     string `json:"title"`
}

type updateParams struct {
	ProfileID string  `json:"profile_id"`
	ChatID    string  `json:"chat_id"`
	Thinking  *string `json:"thinking"`
	AgentID   *string `json:"agent_id"`
	Worker    *string `json:"worker"`
}

type sendParams struct {
	ProfileID string `json:"profile_id"`
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
}

type runsParams struct {
	ProfileID string `json:"profile_id"`
	ChatID    string `json:"chat_id"`
	Limit     int    `json:"limit"`
}

// decodeParams strictly decodes params into v. Missing params decode as {}.
func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "invalid params", Data: err.Error()}
	}
	return nil
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return &RPCError{Code: InvalidParams, Message: name + " parameter is required"}
	}
	return nil
}

func (s *Server) profile(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return s.defaultProfile
}

func (s *Server) handleChatsList(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p profileParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.chats.ListChats(ctx, s.profile(p.ProfileID))
}

func (s *Server) handleChatsCreate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p createParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.chats.CreateChat(ctx, s.profile(p.ProfileID), p.Title)
}

func (s *Server) handleChatsRename(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p renameParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := required("chat_id", p.ChatID); err != nil {
		return nil, err
	}
	return s.chats.RenameChat(ctx, s.profile(p.ProfileID), p.ChatID, p.Title)
}

func (s *Server) handleChatsUpdate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p updateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := required("chat_id", p.ChatID); err != nil {
		return nil, err
	}
	return s.chats.UpdateChat(ctx, s.profile(p.ProfileID), p.ChatID, orchestrator.ChatPatch{
		Thinking: p.Thinking,
		AgentID:  p.AgentID,
		Worker:   p.Worker,
	})
}

func (s *Server) handleChatsDelete(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p chatParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := required("chat_id", p.ChatID); err != nil {
		return nil, err
	}
	if err := s.chats.DeleteChat(ctx, s.profile(p.ProfileID), p.ChatID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}

func (s *Server) handleChatThread(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p chatParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := required("chat_id", p.ChatID); err != nil {
		return nil, err
	}
	return s.chats.Thread(ctx, s.profile(p.ProfileID), p.ChatID)
}

func (s *Server) handleChatReset(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p chatParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := required("chat_id", p.ChatID); err != nil {
		return nil, err
	}
	return s.chats.ResetChat(ctx, s.profile(p.ProfileID), p.ChatID)
}

func (s *Server) handleChatSend(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p sendParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := required("chat_id", p.ChatID); err != nil {
		return nil, err
	}

	t, err := s.chats.Send(ctx, s.profile(p.ProfileID), p.ChatID, p.Text)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"thread": t}, nil
}

func (s *Server) handleChatSendStream(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p sendParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := required("chat_id", p.ChatID); err != nil {
		return nil, err
	}

	ack, err := s.chats.SendStream(ctx, s.profile(p.ProfileID), p.ChatID, p.Text)
	if err != nil {
		return nil, err
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Stringer("caller", callerFrom(ctx)).
		Str("chat_id", p.ChatID).
		Str("message_id", ack.AssistantMessageID).
		Msg("Streaming send accepted")
	return ack, nil
}

func (s *Server) handleRunsList(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p runsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Limit < 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "limit must not be negative"}
	}
	runs, err := s.runs.List(ctx, journal.Filter{
		ProfileID: strings.TrimSpace(p.ProfileID),
		ChatID:    strings.TrimSpace(p.ChatID),
		Limit:     p.Limit,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"runs": runs}, nil
}

func (s *Server) handleGatewayStatus(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"clients":        s.clients.Len(),
		"methods":        s.router.GetMethods(),
		"orchestrator":   s.chats.Stats(),
	}, nil
}
