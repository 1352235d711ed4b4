package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/harun/deskchat/internal/config"
	"github.com/harun/deskchat/pkg/backend"
	"github.com/harun/deskchat/pkg/events"
	"github.com/harun/deskchat/pkg/gate"
	"github.com/harun/deskchat/pkg/stream"
	"github.com/harun/deskchat/pkg/tasks"
	"github.com/harun/deskchat/pkg/thread"
	"github.com/harun/deskchat/pkg/toolexecutor"
	"github.com/harun/deskchat/pkg/toolloop"
	"github.com/rs/zerolog/log"
)

var (
	// ErrChatBusy is returned when the chat already has a send in flight.
	ErrChatBusy = errors.New("chat is busy (inflight)")
	// ErrChatNotFound is returned for a chat missing from the profile index.
	ErrChatNotFound = errors.New("chat not found")
	// ErrTitleRequired is returned by RenameChat for a blank title.
	ErrTitleRequired = errors.New("title required")
	// ErrEmptyMessage is returned for a blank send.
	ErrEmptyMessage = errors.New("message text required")
	// ErrShuttingDown is returned once Shutdown has started.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Send modes, also used as journal modes and metric labels.
const (
	ModeSync   = "sync"
	ModeStream = "stream"
)

// Store is the thread store the orchestrator reads and writes.
type Store interface {
	LoadIndex(ctx context.Context, profileID string) (*thread.Index, error)
	UpdateIndex(ctx context.Context, profileID string, fn func(*thread.Index) error) (*thread.Index, error)
	LoadThread(ctx context.Context, profileID, chatID string) (*thread.Thread, error)
	SaveThread(ctx context.Context, profileID string, t *thread.Thread) error
	UpdateThread(ctx context.Context, profileID, chatID string, fn func(*thread.Thread) error) (*thread.Thread, error)
	DeleteThread(ctx context.Context, profileID, chatID string) error
	ProfileDir(profileID string) (string, error)
}

// Settings resolves per-profile settings.
type Settings interface {
	Get(profileID string) (config.ProfileSettings, error)
}

// Backends resolves the backend of a profile.
type Backends interface {
	ForProfile(profileID string, s config.ProfileSettings) (backend.Backend, string, error)
}

// Journal records sends. Failures are logged and never fail a send.
type Journal interface {
	Begin(ctx context.Context, runID, profileID, chatID, mode, backend string) (string, error)
	Finish(ctx context.Context, runID string, steps int, runErr error) error
}

// Deps are the required collaborators.
type Deps struct {
	Store    Store
	Settings Settings
	Backends Backends
	Tools    *toolexecutor.ToolExecutor
}

// Orchestrator owns the concurrency gate and the background sends.
type Orchestrator struct {
	store    Store
	settings Settings
	backends Backends
	gate     *gate.Gate
	loop     *toolloop.Loop
	pipeline *stream.Pipeline
	tasks    *tasks.Supervisor
	journal  Journal
	sink     events.Sink

	maxSteps        int
	window          int
	persistInterval time.Duration

	shutting atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventSink sets where streaming events are published.
func WithEventSink(sink events.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithJournal records every send in j.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

// WithGate injects the inflight registry and worker locks.
func WithGate(g *gate.Gate) Option {
	return func(o *Orchestrator) {
		o.gate = g
	}
}

// WithSupervisor injects the supervisor that owns background sends.
func WithSupervisor(s *tasks.Supervisor) Option {
	return func(o *Orchestrator) {
		o.tasks = s
	}
}

// WithMaxSteps bounds the tool loop.
func WithMaxSteps(n int) Option {
	return func(o *Orchestrator) {
		o.maxSteps = n
	}
}

// WithHistoryWindow sets how many log messages are sent to the backend.
func WithHistoryWindow(n int) Option {
	return func(o *Orchestrator) {
		o.window = n
	}
}

// WithPersistInterval sets the streaming persist throttle.
func WithPersistInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.persistInterval = d
	}
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("thread store is required")
	}
	if deps.Settings == nil {
		return nil, fmt.Errorf("settings store is required")
	}
	if deps.Backends == nil {
		return nil, fmt.Errorf("backend registry is required")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("tool executor is required")
	}

	o := &Orchestrator{
		store:    deps.Store,
		settings: deps.Settings,
		backends: deps.Backends,
		sink:     events.Nop,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.gate == nil {
		o.gate = gate.New()
	}
	if o.tasks == nil {
		o.tasks = tasks.New()
	}

	loop, err := toolloop.New(deps.Tools, toolloop.Options{MaxSteps: o.maxSteps})
	if err != nil {
		return nil, fmt.Errorf("failed to create tool loop: %w", err)
	}
	o.loop = loop

	pipeline, err := stream.New(o.store, o.sink, loop, stream.Options{PersistInterval: o.persistInterval})
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming pipeline: %w", err)
	}
	o.pipeline = pipeline

	return o, nil
}

// Stats is a point-in-time view of the orchestrator.
type Stats struct {
	Inflight        []string `json:"inflight"`
	BackgroundSends int      `json:"background_sends"`
	MaxSteps        int      `json:"max_steps"`
	ShuttingDown    bool     `json:"shutting_down"`
}

// Stats returns the current inflight chats and background sends.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Inflight:        o.gate.Inflight.Keys(),
		BackgroundSends: o.tasks.Active(),
		MaxSteps:        o.loop.MaxSteps(),
		ShuttingDown:    o.shutting.Load(),
	}
}

// IsInflight reports whether the chat has a send in flight.
func (o *Orchestrator) IsInflight(profileID, chatID string) bool {
	return o.gate.Inflight.IsInflight(profileID, chatID)
}

// Shutdown refuses new sends and waits for background sends. When ctx ends
// first the remaining sends are cancelled and joined, and ctx.Err is returned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.shutting.CompareAndSwap(false, true) {
		return nil
	}
	log.Info().Int("active", o.tasks.Active()).Msg("Draining background sends")

	o.tasks.Stop()
	if o.tasks.WaitForActive(ctx) {
		return nil
	}

	o.tasks.Cancel()
	_ = o.tasks.Close()
	return ctx.Err()
}

func (o *Orchestrator) acquire(profileID, chatID string) error {
	if o.shutting.Load() {
		return ErrShuttingDown
	}
	if !o.gate.Inflight.Acquire(profileID, chatID) {
		return ErrChatBusy
	}
	return nil
}

func (o *Orchestrator) release(profileID, chatID string) {
	o.gate.Inflight.Release(profileID, chatID)
}
