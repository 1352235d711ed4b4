package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harun/deskchat/internal/config"
	"github.com/harun/deskchat/internal/observability"
	"github.com/harun/deskchat/internal/tracing"
	"github.com/harun/deskchat/pkg/backend"
	"github.com/harun/deskchat/pkg/events"
	"github.com/harun/deskchat/pkg/stream"
	"github.com/harun/deskchat/pkg/tasks"
	"github.com/harun/deskchat/pkg/thread"
	"github.com/harun/deskchat/pkg/toolloop"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// StreamAck is returned by SendStream before generation starts.
type StreamAck struct {
	Thread             *thread.Thread `json:"thread"`
	AssistantMessageID string         `json:"assistant_message_id"`
	Worker             string         `json:"worker"`
	RunID              string         `json:"run_id"`
	// Joins the background send
	Handle *tasks.Handle `json:"-"`
}

// generation is everything resolved for one send before dispatching.
type generation struct {
	backend  backend.Backend
	base     backend.Request
	settings config.ProfileSettings
	workDir  string
}

// Send runs a send inline and returns the resulting log. Backend and loop
// failures are stored as an assistant "[error] ..." message rather than
// returned.
func (o *Orchestrator) Send(ctx context.Context, profileID, chatID, text string) (*thread.Thread, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if err := o.acquire(profileID, chatID); err != nil {
		return nil, err
	}
	defer o.release(profileID, chatID)

	ctx = tracing.NewSendContext(ctx, profileID, chatID)
	ctx, span := tracing.StartSpan(ctx, "deskchat.orchestrator", "orchestrator.send",
		attribute.String("profile_id", profileID),
		attribute.String("chat_id", chatID),
	)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()

	chat, t, err := o.appendUser(ctx, profileID, chatID, text, false)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	unlock, err := o.gate.Workers.Lock(ctx, profileID, chat.WorkerName())
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, fmt.Errorf("failed to wait for worker %s: %w", chat.WorkerName(), err)
	}
	defer unlock()

	var (
		out         toolloop.Outcome
		runErr      error
		backendName = "unknown"
	)
	gen, err := o.prepare(profileID, chat)
	if err != nil {
		runErr = err
	} else {
		backendName = gen.backend.Name()
		runID := o.beginRun(ctx, profileID, chatID, ModeSync, backendName)
		out, runErr = o.runSync(ctx, profileID, chatID, t, gen)
		o.finishRun(ctx, runID, out.Steps, runErr)
	}

	reply := out.Text
	if runErr != nil {
		logger.Warn().Err(runErr).Str("backend", backendName).Msg("Send failed")
		reply = "[error] " + runErr.Error()
	}

	final, err := o.store.UpdateThread(ctx, profileID, chatID, func(t *thread.Thread) error {
		t.Append(thread.NewMessage(thread.RoleAssistant, reply))
		return nil
	})
	if err == nil {
		o.touch(ctx, profileID, chatID)
	}

	observability.RecordSend(ModeSync, time.Since(start), out.Steps, runErr == nil)
	tracing.EndSpan(span, firstErr(err, runErr))
	if err != nil {
		return nil, fmt.Errorf("failed to save reply: %w", err)
	}
	return final, nil
}

func (o *Orchestrator) runSync(ctx context.Context, profileID, chatID string, t *thread.Thread, gen generation) (toolloop.Outcome, error) {
	msgs := toolloop.BuildMessages(t.Messages, toolloop.PromptOptions{
		UnrestrictedExec: gen.settings.UnrestrictedExec,
		AutoAct:          gen.settings.AutoAct,
		Window:           o.window,
	})

	step := func(ctx context.Context, msgs []backend.Message) (string, error) {
		req := gen.base
		req.Messages = msgs
		return gen.backend.Complete(ctx, req)
	}

	record := toolloop.ObserverFunc(func(ctx context.Context, rec toolloop.ExecRecord) {
		_, err := o.store.UpdateThread(ctx, profileID, chatID, func(t *thread.Thread) error {
			t.Append(thread.NewMessage(thread.RoleTool, rec.ToolMessage()))
			return nil
		})
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, log.Logger)
			logger.Warn().Err(err).Msg("Failed to record tool message")
		}
	})

	return o.loop.Run(ctx, toolloop.Request{
		Messages:         msgs,
		UnrestrictedExec: gen.settings.UnrestrictedExec,
		WorkingDir:       gen.workDir,
		ProfileID:        profileID,
		ChatID:           chatID,
	}, step, record)
}

// SendStream appends the user message and an empty assistant placeholder,
// then streams the reply into the placeholder on a background task. Progress
// is published as chat_stream events.
func (o *Orchestrator) SendStream(ctx context.Context, profileID, chatID, text string) (*StreamAck, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if err := o.acquire(profileID, chatID); err != nil {
		return nil, err
	}
	released := false
	defer func() {
		if !released {
			o.release(profileID, chatID)
		}
	}()

	ctx = tracing.NewSendContext(ctx, profileID, chatID)
	chat, t, err := o.appendUser(ctx, profileID, chatID, text, true)
	if err != nil {
		return nil, err
	}
	placeholder := t.Last()
	worker := chat.WorkerName()

	handle := o.tasks.Go(ctx, "send-stream", func(taskCtx context.Context) error {
		defer o.release(profileID, chatID)
		return o.runStream(taskCtx, profileID, chat, t, placeholder.ID)
	})
	if errors.Is(handle.Err(), tasks.ErrClosed) {
		o.publishFailure(profileID, chatID, placeholder.ID, ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	released = true

	return &StreamAck{
		Thread:             t,
		AssistantMessageID: placeholder.ID,
		Worker:             worker,
		RunID:              tracing.GetRunID(ctx),
		Handle:             handle,
	}, nil
}

func (o *Orchestrator) runStream(ctx context.Context, profileID string, chat thread.Chat, t *thread.Thread, placeholderID string) (err error) {
	chatID := chat.ID
	ctx, span := tracing.StartSpan(ctx, "deskchat.orchestrator", "orchestrator.send_stream",
		attribute.String("profile_id", profileID),
		attribute.String("chat_id", chatID),
	)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	steps := 0
	defer func() {
		if r := recover(); r != nil {
			o.publishFailure(profileID, chatID, placeholderID, fmt.Errorf("send panicked: %v", r))
			tracing.EndSpan(span, fmt.Errorf("send panicked: %v", r))
			panic(r)
		}
		observability.RecordSend(ModeStream, time.Since(start), steps, err == nil)
		tracing.EndSpan(span, err)
	}()

	unlock, err := o.gate.Workers.Lock(ctx, profileID, chat.WorkerName())
	if err != nil {
		err = fmt.Errorf("failed to wait for worker %s: %w", chat.WorkerName(), err)
		o.publishFailure(profileID, chatID, placeholderID, err)
		return err
	}
	defer unlock()

	gen, err := o.prepare(profileID, chat)
	if err != nil {
		o.publishFailure(profileID, chatID, placeholderID, err)
		return err
	}

	runID := o.beginRun(ctx, profileID, chatID, ModeStream, gen.backend.Name())
	res, err := o.pipeline.Run(ctx, stream.Request{
		ProfileID:     profileID,
		ChatID:        chatID,
		PlaceholderID: placeholderID,
		Backend:       gen.backend,
		Base:          gen.base,
		Loop: toolloop.Request{
			Messages: toolloop.BuildMessages(t.Messages, toolloop.PromptOptions{
				UnrestrictedExec: gen.settings.UnrestrictedExec,
				AutoAct:          gen.settings.AutoAct,
				Window:           o.window,
				SkipID:           placeholderID,
			}),
			UnrestrictedExec: gen.settings.UnrestrictedExec,
			WorkingDir:       gen.workDir,
			ProfileID:        profileID,
			ChatID:           chatID,
		},
	})
	steps = res.Steps
	o.finishRun(ctx, runID, steps, err)
	o.touch(tracing.Detach(ctx), profileID, chatID)

	if err != nil {
		logger.Warn().Err(err).Str("backend", gen.backend.Name()).Msg("Streaming send failed")
		return err
	}
	logger.Debug().Int("steps", steps).Int("chars", len(res.Text)).Msg("Streaming send finished")
	return nil
}

// appendUser checks the chat exists, then durably appends the user message
// and, for streaming, the empty assistant placeholder.
func (o *Orchestrator) appendUser(ctx context.Context, profileID, chatID, text string, placeholder bool) (thread.Chat, *thread.Thread, error) {
	idx, err := o.store.LoadIndex(ctx, profileID)
	if err != nil {
		return thread.Chat{}, nil, fmt.Errorf("failed to load chat index: %w", err)
	}
	c := idx.Find(chatID)
	if c == nil {
		return thread.Chat{}, nil, ErrChatNotFound
	}
	chat := *c

	t, err := o.store.UpdateThread(ctx, profileID, chatID, func(t *thread.Thread) error {
		t.Append(thread.NewMessage(thread.RoleUser, text))
		if placeholder {
			t.Append(thread.NewMessage(thread.RoleAssistant, ""))
		}
		return nil
	})
	if err != nil {
		return thread.Chat{}, nil, fmt.Errorf("failed to save user message: %w", err)
	}
	o.touch(ctx, profileID, chatID)
	return chat, t, nil
}

func (o *Orchestrator) prepare(profileID string, chat thread.Chat) (generation, error) {
	settings, err := o.settings.Get(profileID)
	if err != nil {
		return generation{}, err
	}
	b, model, err := o.backends.ForProfile(profileID, settings)
	if err != nil {
		return generation{}, err
	}

	workDir, err := o.store.ProfileDir(profileID)
	if err != nil {
		workDir = os.TempDir()
	}

	base := backend.Request{Model: model, SessionID: chat.SessionID}
	if chat.AgentID != nil {
		base.AgentID = *chat.AgentID
	}
	if chat.Thinking != nil {
		base.Thinking = *chat.Thinking
	}
	return generation{backend: b, base: base, settings: settings, workDir: workDir}, nil
}

func (o *Orchestrator) touch(ctx context.Context, profileID, chatID string) {
	_, err := o.store.UpdateIndex(ctx, profileID, func(idx *thread.Index) error {
		if !idx.Touch(chatID) {
			return ErrChatNotFound
		}
		return nil
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Debug().Err(err).Msg("Failed to bump chat updated_at")
	}
}

func (o *Orchestrator) publishFailure(profileID, chatID, messageID string, err error) {
	o.sink.Publish(events.ChatStreamEvent{
		ProfileID: profileID,
		ChatID:    chatID,
		MessageID: messageID,
		Done:      true,
		Error:     err.Error(),
	})
}

func (o *Orchestrator) beginRun(ctx context.Context, profileID, chatID, mode, backendName string) string {
	if o.journal == nil {
		return ""
	}
	runID, err := o.journal.Begin(ctx, tracing.GetRunID(ctx), profileID, chatID, mode, backendName)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Failed to journal run start")
		return ""
	}
	return runID
}

func (o *Orchestrator) finishRun(ctx context.Context, runID string, steps int, runErr error) {
	if o.journal == nil || runID == "" {
		return
	}
	if err := o.journal.Finish(tracing.Detach(ctx), runID, steps, runErr); err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Failed to journal run end")
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
