package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/harun/deskchat/internal/observability"
	"github.com/harun/deskchat/internal/tracing"
	"github.com/harun/deskchat/pkg/backend"
	"github.com/harun/deskchat/pkg/events"
	"github.com/harun/deskchat/pkg/thread"
	"github.com/harun/deskchat/pkg/toolloop"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultPersistInterval is the minimum spacing of throttled persists.
const DefaultPersistInterval = 250 * time.Millisecond

// Store is the part of the thread store the pipeline writes through.
type Store interface {
	UpdateThread(ctx context.Context, profileID, chatID string, fn func(*thread.Thread) error) (*thread.Thread, error)
}

// Options configures a Pipeline.
type Options struct {
	PersistInterval time.Duration
}

// Pipeline streams sends into the thread store.
type Pipeline struct {
	store    Store
	sink     events.Sink
	loop     *toolloop.Loop
	interval time.Duration
}

// New creates a pipeline. sink may be nil.
func New(store Store, sink events.Sink, loop *toolloop.Loop, opts Options) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("thread store is required")
	}
	if loop == nil {
		return nil, errors.New("tool loop is required")
	}
	if sink == nil {
		sink = events.Nop
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = DefaultPersistInterval
	}
	return &Pipeline{store: store, sink: sink, loop: loop, interval: opts.PersistInterval}, nil
}

// Request is one streaming send.
type Request struct {
	ProfileID     string
	ChatID        string
	PlaceholderID string
	Backend       backend.Backend
	// Model, session, agent and thinking for every step; Messages is set per step
	Base backend.Request
	Loop toolloop.Request
}

// Result describes a finished streaming send.
type Result struct {
	// Assistant message that received the last step
	MessageID string
	Text      string
	Steps     int
}

// run holds the state of one Pipeline.Run.
type run struct {
	p   *Pipeline
	req Request

	messageID string
	// set after a tool message; the next step opens a new placeholder
	needPlaceholder bool
	// the current placeholder has not been announced yet
	announce  bool
	createdAt int64

	buf strings.Builder
	// holds one token per interval; drained whenever the placeholder is
	// written so the next throttled persist waits a full interval
	window *rate.Limiter
}

// Run executes the tool loop, streaming every step into the thread.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	if req.Backend == nil {
		return Result{}, errors.New("backend is required")
	}

	r := &run{
		p:         p,
		req:       req,
		messageID: req.PlaceholderID,
	}
	r.resetWindow()

	out, err := p.loop.Run(ctx, req.Loop, r.step, r)
	if err != nil {
		r.fail(ctx, err)
		return Result{MessageID: r.messageID, Text: r.buf.String(), Steps: out.Steps}, err
	}

	if out.Final {
		r.persist(ctx, out.Text, true)
	}
	return Result{MessageID: r.messageID, Text: out.Text, Steps: out.Steps}, nil
}

func (r *run) step(ctx context.Context, msgs []backend.Message) (string, error) {
	if r.needPlaceholder {
		if err := r.openPlaceholder(ctx); err != nil {
			return "", err
		}
	}
	r.buf.Reset()

	breq := r.req.Base
	breq.Messages = msgs

	ch, err := r.req.Backend.Stream(ctx, breq)
	if err != nil {
		return "", err
	}

	for {
		select {
		case <-ctx.Done():
			return r.buf.String(), ctx.Err()
		case c, ok := <-ch:
			if !ok {
				r.complete(ctx)
				return r.buf.String(), nil
			}
			if c.Err != nil {
				return r.buf.String(), c.Err
			}
			if c.Delta != "" {
				r.delta(ctx, c.Delta)
			}
			if c.Done {
				r.complete(ctx)
				return r.buf.String(), nil
			}
		}
	}
}

func (r *run) event(evt events.ChatStreamEvent) events.ChatStreamEvent {
	evt.ProfileID = r.req.ProfileID
	evt.ChatID = r.req.ChatID
	if evt.MessageID == "" {
		evt.MessageID = r.messageID
	}
	if r.announce && evt.MessageID == r.messageID {
		evt.NewRole = string(thread.RoleAssistant)
		evt.NewCreatedAtMs = r.createdAt
		r.announce = false
	}
	return evt
}

func (r *run) delta(ctx context.Context, d string) {
	r.buf.WriteString(d)
	r.p.sink.Publish(r.event(events.ChatStreamEvent{Delta: d}))

	if r.window.Allow() {
		r.persist(ctx, r.buf.String(), false)
	}
}

func (r *run) resetWindow() {
	r.window = rate.NewLimiter(rate.Every(r.p.interval), 1)
	r.window.Allow()
}

// complete ends a step: done event, then a full persist.
func (r *run) complete(ctx context.Context) {
	r.p.sink.Publish(r.event(events.ChatStreamEvent{Done: true}))
	if r.buf.Len() > 0 {
		r.persist(ctx, r.buf.String(), true)
	}
}

// fail keeps the partial text and reports the error once.
func (r *run) fail(ctx context.Context, err error) {
	if r.buf.Len() > 0 {
		r.persist(ctx, r.buf.String(), true)
	}
	r.p.sink.Publish(r.event(events.ChatStreamEvent{Done: true, Error: err.Error()}))
}

// persist replaces the placeholder's text. Failures are logged; the stream
// goes on.
func (r *run) persist(ctx context.Context, text string, forced bool) {
	id := r.messageID
	_, err := r.p.store.UpdateThread(tracing.Detach(ctx), r.req.ProfileID, r.req.ChatID, func(t *thread.Thread) error {
		if !t.SetText(id, text) {
			return errPlaceholderGone
		}
		return nil
	})
	observability.RecordStreamPersist(forced)
	if forced {
		r.resetWindow()
	}
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().
			Err(err).
			Str("message_id", id).
			Bool("forced", forced).
			Msg("Failed to persist streamed text")
	}
}

var errPlaceholderGone = errors.New("placeholder message not found")

func (r *run) openPlaceholder(ctx context.Context) error {
	msg := thread.NewMessage(thread.RoleAssistant, "")
	if _, err := r.p.store.UpdateThread(ctx, r.req.ProfileID, r.req.ChatID, func(t *thread.Thread) error {
		t.Append(msg)
		return nil
	}); err != nil {
		return err
	}

	r.messageID = msg.ID
	r.createdAt = msg.CreatedAtMs
	r.announce = true
	r.needPlaceholder = false
	r.resetWindow()
	return nil
}

// ExecRecorded stores the exec tool message, announces it, and makes the next
// step stream into a fresh placeholder.
func (r *run) ExecRecorded(ctx context.Context, rec toolloop.ExecRecord) {
	msg := thread.NewMessage(thread.RoleTool, rec.ToolMessage())
	if _, err := r.p.store.UpdateThread(ctx, r.req.ProfileID, r.req.ChatID, func(t *thread.Thread) error {
		t.Append(msg)
		return nil
	}); err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Failed to record tool message")
	}

	r.p.sink.Publish(events.ChatStreamEvent{
		ProfileID:      r.req.ProfileID,
		ChatID:         r.req.ChatID,
		MessageID:      msg.ID,
		Delta:          msg.Text,
		Done:           true,
		NewRole:        string(thread.RoleTool),
		NewCreatedAtMs: msg.CreatedAtMs,
	})
	r.needPlaceholder = true
}
