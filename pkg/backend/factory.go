package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/deskchat/internal/config"
	"github.com/harun/deskchat/internal/observability"
	"github.com/harun/deskchat/internal/tracing"
	"github.com/harun/deskchat/pkg/retry"
	"github.com/harun/deskchat/pkg/sandbox"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultAgentBin is looked up on PATH when a profile sets no agent path.
const DefaultAgentBin = "openclaw"

type registryKey struct {
	kind     string
	model    string
	endpoint string
	profile  string
}

// Registry builds backends from profile settings and caches one instance per
// kind, model, endpoint and profile.
type Registry struct {
	cfg          config.BackendConfig
	runner       sandbox.Runner
	workspaceDir func(profileID string) string

	mu       sync.Mutex
	backends map[registryKey]Backend
}

// NewRegistry creates a registry. workspaceDir maps a profile to the agent
// workspace directory and may be nil.
func NewRegistry(cfg config.BackendConfig, runner sandbox.Runner, workspaceDir func(string) string) *Registry {
	return &Registry{
		cfg:          cfg,
		runner:       runner,
		workspaceDir: workspaceDir,
		backends:     make(map[registryKey]Backend),
	}
}

func (r *Registry) key(profileID string, s config.ProfileSettings) registryKey {
	kind := strings.ToLower(strings.TrimSpace(s.Backend))
	if kind == "" {
		kind = r.cfg.DefaultKind
	}
	if kind == config.BackendOllama {
		kind = config.BackendChat
	}

	k := registryKey{kind: kind, model: s.ResolvedModel()}
	switch kind {
	case config.BackendChat:
		k.endpoint = s.OllamaBaseURL
	case config.BackendAgent:
		k.endpoint = s.AgentPath + "|" + s.AgentProfile
		k.profile = profileID
		k.model = s.Model
	case config.BackendOpenAI:
		k.endpoint = r.cfg.OpenAI.BaseURL
	case config.BackendAnthropic:
		k.endpoint = r.cfg.Anthropic.BaseURL
	}
	return k
}

// ForProfile returns the backend serving a profile with the given settings,
// plus the model name to put in requests.
func (r *Registry) ForProfile(profileID string, s config.ProfileSettings) (Backend, string, error) {
	k := r.key(profileID, s)

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[k]; ok {
		return b, k.model, nil
	}

	b, err := r.build(k, profileID, s)
	if err != nil {
		return nil, "", err
	}
	b = Instrument(b)
	r.backends[k] = b
	return b, k.model, nil
}

func (r *Registry) build(k registryKey, profileID string, s config.ProfileSettings) (Backend, error) {
	timeout := time.Duration(r.cfg.TimeoutSeconds) * time.Second

	switch k.kind {
	case config.BackendChat:
		return NewOllama(s.OllamaBaseURL, timeout), nil
	case config.BackendAgent:
		bin := strings.TrimSpace(s.AgentPath)
		if bin == "" {
			bin = DefaultAgentBin
		}
		ws := ""
		if r.workspaceDir != nil {
			ws = r.workspaceDir(profileID)
		}
		return NewAgent(AgentConfig{
			Bin:          bin,
			ProfileID:    profileID,
			AgentProfile: strings.TrimSpace(s.AgentProfile),
			WorkspaceDir: ws,
			Model:        s.Model,
			Timeout:      time.Duration(r.cfg.AgentTimeoutS) * time.Second,
			Retry: retry.StaleLockPolicy(
				r.cfg.StaleLockRetries,
				time.Duration(r.cfg.StaleLockDelayMs)*time.Millisecond,
			),
		}, r.runner)
	case config.BackendOpenAI:
		return NewOpenAI(r.cfg.OpenAI.APIKey, r.cfg.OpenAI.BaseURL, r.cfg.MaxTokens), nil
	case config.BackendAnthropic:
		return NewAnthropic(r.cfg.Anthropic.APIKey, r.cfg.Anthropic.BaseURL, r.cfg.MaxTokens), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k.kind)
	}
}

// Len returns the number of cached backends.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backends)
}

// instrumented records a span and call metrics around another backend.
type instrumented struct {
	Backend
}

// Instrument wraps b with tracing and metrics.
func Instrument(b Backend) Backend {
	if _, ok := b.(instrumented); ok {
		return b
	}
	return instrumented{Backend: b}
}

func (i instrumented) Complete(ctx context.Context, req Request) (text string, err error) {
	ctx, span := tracing.StartSpan(ctx, "deskchat.backend", "backend.complete",
		attribute.String("backend.name", i.Name()),
		attribute.String("backend.model", req.Model),
		attribute.Int("backend.messages", len(req.Messages)),
	)
	start := time.Now()
	defer func() {
		observability.RecordBackendCall(i.Name(), time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()

	return i.Backend.Complete(ctx, req)
}

// Stream records the time to an open stream; chunk delivery is not timed.
func (i instrumented) Stream(ctx context.Context, req Request) (ch <-chan Chunk, err error) {
	spanCtx, span := tracing.StartSpan(ctx, "deskchat.backend", "backend.stream",
		attribute.String("backend.name", i.Name()),
		attribute.String("backend.model", req.Model),
		attribute.Int("backend.messages", len(req.Messages)),
	)
	start := time.Now()
	defer func() {
		observability.RecordBackendCall(i.Name(), time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()

	return i.Backend.Stream(spanCtx, req)
}
