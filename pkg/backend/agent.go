package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/deskchat/internal/config"
	"github.com/harun/deskchat/internal/observability"
	"github.com/harun/deskchat/pkg/retry"
	"github.com/harun/deskchat/pkg/sandbox"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const noTextPayload = "(no text payload)"

// AgentConfig configures the agent CLI backend.
type AgentConfig struct {
	// Path to the agent CLI binary or node script
	Bin string
	// App profile the backend serves
	ProfileID string
	// Agent-side profile; empty means "ocd-<profile>"
	AgentProfile string
	// Directory the minimal workspace is created in
	WorkspaceDir string
	// Model registered for newly created agents
	Model string
	// Per-turn timeout passed to the CLI
	Timeout time.Duration
	// Interpreter for .js/.mjs/.cjs scripts; empty means "node" from PATH
	NodeBin string
	Retry   retry.Policy
}

type agentsList struct {
	Agents []struct {
		ID string `json:"id"`
	} `json:"agents"`
}

type agentEnvelope struct {
	Result *struct {
		Payloads []struct {
			Text *string `json:"text"`
		} `json:"payloads"`
	} `json:"result"`
}

// AgentBackend runs one agent CLI invocation per turn.
type AgentBackend struct {
	cfg    AgentConfig
	runner sandbox.Runner

	ensureGroup singleflight.Group
	mu          sync.Mutex
	ensured     map[string]bool
}

// NewAgent creates an agent backend executing through runner.
func NewAgent(cfg AgentConfig, runner sandbox.Runner) (*AgentBackend, error) {
	if strings.TrimSpace(cfg.Bin) == "" {
		return nil, errors.New("agent binary is required")
	}
	if runner == nil {
		return nil, errors.New("process runner is required")
	}
	if cfg.AgentProfile == "" {
		cfg.AgentProfile = DefaultAgentProfile(cfg.ProfileID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultStaleLockPolicy()
	}
	prev := cfg.Retry.OnRetry
	cfg.Retry.OnRetry = func(attempt int, err error) {
		observability.RecordBackendRetry("agent")
		if prev != nil {
			prev(attempt, err)
		}
	}

	return &AgentBackend{
		cfg:     cfg,
		runner:  runner,
		ensured: make(map[string]bool),
	}, nil
}

func safeName(profileID string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, profileID)
}

// DefaultAgentID is the per-profile desktop agent used when a chat names none.
func DefaultAgentID(profileID string) string {
	return "desktop-" + safeName(profileID)
}

// DefaultAgentProfile isolates each app profile in its own agent-side profile.
func DefaultAgentProfile(profileID string) string {
	return "ocd-" + safeName(profileID)
}

// Name returns "agent".
func (a *AgentBackend) Name() string {
	return "agent"
}

// Complete sends the newest user message to the agent and returns its reply text.
// The agent keeps its own session history keyed by the session id.
func (a *AgentBackend) Complete(ctx context.Context, req Request) (string, error) {
	if len(req.Messages) == 0 {
		return "", ErrNoMessages
	}

	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = DefaultAgentID(a.cfg.ProfileID)
	}

	if err := a.ensureAgent(ctx, agentID); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to ensure agent")
	}

	args := []string{
		"agent", "--local",
		"--session-id", req.SessionID,
		"--message", req.UserContent(),
		"--json",
		"--channel", "last",
		"--timeout", strconv.Itoa(int(a.cfg.Timeout / time.Second)),
	}
	if t := strings.TrimSpace(req.Thinking); t != "" {
		args = append(args, "--thinking", t)
	}
	args = append(args, "--agent", agentID)

	return retry.Do(ctx, a.cfg.Retry, func(ctx context.Context) (string, error) {
		return a.turn(ctx, args)
	})
}

// Stream runs Complete and delivers its text as a single delta.
func (a *AgentBackend) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	text, err := a.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return single(text), nil
}

func (a *AgentBackend) turn(ctx context.Context, args []string) (string, error) {
	res, err := a.run(ctx, args)
	if err != nil {
		return "", fmt.Errorf("failed to run agent: %w", err)
	}
	if !res.Success() {
		return "", processError(res)
	}

	var env agentEnvelope
	if err := json.Unmarshal(res.Stdout, &env); err != nil {
		return "", fmt.Errorf("failed to parse agent JSON: %w", err)
	}
	if env.Result != nil {
		for _, p := range env.Result.Payloads {
			if p.Text != nil {
				return *p.Text, nil
			}
		}
	}
	return noTextPayload, nil
}

func processError(res sandbox.Result) error {
	msg := strings.TrimSpace(string(res.Stderr))
	if msg == "" {
		msg = fmt.Sprintf("agent exited with code %d", res.ExitCode)
	}
	return errors.New(msg)
}

// run invokes the CLI under the configured agent profile.
func (a *AgentBackend) run(ctx context.Context, args []string) (sandbox.Result, error) {
	full := append([]string{"--profile", a.cfg.AgentProfile}, args...)

	req := sandbox.Request{
		Command: a.cfg.Bin,
		Args:    full,
		Env: map[string]string{
			"NODE_NO_WARNINGS": "1",
			"NODE_OPTIONS":     "--no-deprecation",
		},
		Timeout: a.cfg.Timeout + 30*time.Second,
	}

	node := a.cfg.NodeBin
	if isNodeScript(a.cfg.Bin) {
		if node == "" {
			node = "node"
		}
		req.Command = node
		req.Args = append([]string{a.cfg.Bin}, full...)
	} else if node != "" && filepath.IsAbs(node) {
		req.Env["PATH"] = filepath.Dir(node) + string(os.PathListSeparator) + os.Getenv("PATH")
	}

	return a.runner.Run(ctx, req)
}

func isNodeScript(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".mjs", ".cjs":
		return true
	}
	return false
}

// ensureAgent registers agentID with the CLI unless it is already listed.
// Concurrent callers for the same id share one registration.
func (a *AgentBackend) ensureAgent(ctx context.Context, agentID string) error {
	a.mu.Lock()
	done := a.ensured[agentID]
	a.mu.Unlock()
	if done {
		return nil
	}

	_, err, _ := a.ensureGroup.Do(agentID, func() (any, error) {
		a.mu.Lock()
		done := a.ensured[agentID]
		a.mu.Unlock()
		if done {
			return nil, nil
		}
		if err := a.registerAgent(ctx, agentID); err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.ensured[agentID] = true
		a.mu.Unlock()
		return nil, nil
	})
	return err
}

func (a *AgentBackend) registerAgent(ctx context.Context, agentID string) error {
	ws := a.cfg.WorkspaceDir
	if ws == "" {
		ws = filepath.Join(os.TempDir(), "deskchat-workspace")
	}
	if err := EnsureWorkspace(ws); err != nil {
		log.Warn().Err(err).Str("dir", ws).Msg("Failed to prepare agent workspace")
	}

	res, err := a.run(ctx, []string{"agents", "list", "--json"})
	if err != nil {
		return fmt.Errorf("agents list: %w", err)
	}
	if res.Success() {
		var list agentsList
		if json.Unmarshal(res.Stdout, &list) == nil {
			for _, ag := range list.Agents {
				if ag.ID == agentID {
					return nil
				}
			}
		}
	}

	model := a.cfg.Model
	if model == "" {
		model = config.DefaultModel
	}
	res, err = a.run(ctx, []string{
		"agents", "add", "--non-interactive",
		"--workspace", ws,
		"--model", model,
		agentID,
	})
	if err != nil {
		return fmt.Errorf("agents add: %w", err)
	}
	if !res.Success() {
		return processError(res)
	}

	log.Info().Str("agent_id", agentID).Str("workspace", ws).Msg("Agent registered")
	return nil
}

var workspaceFiles = []struct {
	name    string
	content string
}{
	{"SOUL.md", "# SOUL\n\nYou are a local-first desktop assistant. Be direct, concise, and helpful.\n"},
	{"USER.md", "# USER\n\nNotes: prefers local-first behavior.\n"},
	{"MEMORY.md", "# MEMORY\n\n(Desktop profile memory)\n"},
	{"AGENTS.md", "# AGENTS\n\nThis is the desktop workspace. Prefer small context.\n"},
}

// EnsureWorkspace creates dir and writes the minimal workspace files that do
// not exist yet. Existing files are never modified.
func EnsureWorkspace(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace dir: %w", err)
	}
	for _, f := range workspaceFiles {
		path := filepath.Join(dir, f.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}
