package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/deskchat/pkg/retry"
	"github.com/harun/deskchat/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	mu    sync.Mutex
	calls []sandbox.Request
	// answers agent turns in order; the last one repeats
	turns  []sandbox.Result
	listed string
}

func (f *fakeAgent) Run(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	args := strings.Join(req.Args, " ")
	switch {
	case strings.Contains(args, "agents list"):
		return sandbox.Result{Stdout: []byte(f.listed)}, nil
	case strings.Contains(args, "agents add"):
		return sandbox.Result{}, nil
	}

	res := f.turns[0]
	if len(f.turns) > 1 {
		f.turns = f.turns[1:]
	}
	return res, nil
}

func (f *fakeAgent) turnCalls() []sandbox.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sandbox.Request
	for _, c := range f.calls {
		if strings.Contains(strings.Join(c.Args, " "), " agent --local") {
			out = append(out, c)
		}
	}
	return out
}

func newTestAgent(t *testing.T, f *fakeAgent) *AgentBackend {
	t.Helper()
	b, err := NewAgent(AgentConfig{
		Bin:          "/usr/local/bin/agentcli",
		ProfileID:    "work profile",
		WorkspaceDir: filepath.Join(t.TempDir(), "workspace"),
		Timeout:      120 * time.Second,
		Retry:        retry.StaleLockPolicy(2, time.Millisecond),
	}, f)
	require.NoError(t, err)
	return b
}

func ok(stdout string) sandbox.Result {
	return sandbox.Result{Stdout: []byte(stdout)}
}

func TestAgentDefaults(t *testing.T) {
	assert.Equal(t, "desktop-work-profile", DefaultAgentID("work profile"))
	assert.Equal(t, "ocd-p-1", DefaultAgentProfile("p_1"))
	assert.Equal(t, "ocd-a-b", DefaultAgentProfile("a.b"))
}

func TestAgentCompleteArgs(t *testing.T) {
	f := &fakeAgent{turns: []sandbox.Result{ok(`{"result":{"payloads":[{"text":null},{"text":"hi there"}]}}`)}}
	b := newTestAgent(t, f)

	text, err := b.Complete(context.Background(), Request{
		SessionID: "desktop-c1",
		Thinking:  "low",
		Messages: []Message{
			{Role: RoleUser, Content: "first"},
			{Role: RoleUser, Content: "second"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)

	turns := f.turnCalls()
	require.Len(t, turns, 1)
	assert.Equal(t, "/usr/local/bin/agentcli", turns[0].Command)
	assert.Equal(t, []string{
		"--profile", "ocd-work-profile",
		"agent", "--local",
		"--session-id", "desktop-c1",
		"--message", "second",
		"--json",
		"--channel", "last",
		"--timeout", "120",
		"--thinking", "low",
		"--agent", "desktop-work-profile",
	}, turns[0].Args)
	assert.Equal(t, "1", turns[0].Env["NODE_NO_WARNINGS"])
	assert.Equal(t, "--no-deprecation", turns[0].Env["NODE_OPTIONS"])
}

func TestAgentSkipsSyntheticInstruction(t *testing.T) {
	f := &fakeAgent{turns: []sandbox.Result{ok(`{"result":{"payloads":[{"text":"done"}]}}`)}}
	b := newTestAgent(t, f)

	_, err := b.Complete(context.Background(), Request{
		SessionID: "desktop-c1",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are a local assistant."},
			{Role: RoleUser, Content: "please install the package"},
			{Role: RoleUser, Content: "Reply with a single tool JSON.", Synthetic: true},
		},
	})
	require.NoError(t, err)

	turns := f.turnCalls()
	require.Len(t, turns, 1)
	args := turns[0].Args
	idx := indexOf(args, "--message")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "please install the package", args[idx+1])
}

func indexOf(args []string, flag string) int {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return i
		}
	}
	return -1
}

func TestRequestUserContent(t *testing.T) {
	tests := []struct {
		name string
		msgs []Message
		want string
	}{
		{"empty", nil, ""},
		{"newest user", []Message{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}, {Role: RoleUser, Content: "c"}}, "c"},
		{"skips synthetic", []Message{{Role: RoleUser, Content: "a"}, {Role: RoleUser, Content: "forced", Synthetic: true}}, "a"},
		{"only synthetic falls back", []Message{{Role: RoleUser, Content: "forced", Synthetic: true}}, "forced"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Request{Messages: tt.msgs}.UserContent())
		})
	}
}

func TestAgentNoTextPayload(t *testing.T) {
	f := &fakeAgent{turns: []sandbox.Result{ok(`{"result":{"payloads":[]}}`)}}
	b := newTestAgent(t, f)

	text, err := b.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "(no text payload)", text)
}

func TestAgentNonZeroExit(t *testing.T) {
	f := &fakeAgent{turns: []sandbox.Result{{ExitCode: 1, Stderr: []byte("  boom\n")}}}
	b := newTestAgent(t, f)

	_, err := b.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
	assert.Len(t, f.turnCalls(), 1)
}

func TestAgentRetriesStaleLock(t *testing.T) {
	locked := sandbox.Result{ExitCode: 1, Stderr: []byte("error: session file locked")}

	t.Run("succeeds on third attempt", func(t *testing.T) {
		f := &fakeAgent{turns: []sandbox.Result{locked, locked, ok(`{"result":{"payloads":[{"text":"done"}]}}`)}}
		b := newTestAgent(t, f)

		text, err := b.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		require.NoError(t, err)
		assert.Equal(t, "done", text)
		assert.Len(t, f.turnCalls(), 3)
	})

	t.Run("gives up after three attempts", func(t *testing.T) {
		f := &fakeAgent{turns: []sandbox.Result{locked}}
		b := newTestAgent(t, f)

		_, err := b.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		require.Error(t, err)
		assert.True(t, retry.IsStaleLock(err))
		assert.Len(t, f.turnCalls(), 3)
	})
}

func TestAgentEnsureRegistersOnce(t *testing.T) {
	f := &fakeAgent{
		listed: `{"agents":[{"id":"other"}]}`,
		turns:  []sandbox.Result{ok(`{"result":{"payloads":[{"text":"a"}]}}`)},
	}
	b := newTestAgent(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		}()
	}
	wg.Wait()

	adds := 0
	f.mu.Lock()
	for _, c := range f.calls {
		if strings.Contains(strings.Join(c.Args, " "), "agents add") {
			adds++
			assert.Contains(t, c.Args, "desktop-work-profile")
			assert.Contains(t, c.Args, "--non-interactive")
		}
	}
	f.mu.Unlock()
	assert.Equal(t, 1, adds)

	for _, name := range []string{"SOUL.md", "USER.md", "MEMORY.md", "AGENTS.md"} {
		assert.FileExists(t, filepath.Join(b.cfg.WorkspaceDir, name))
	}
}

func TestAgentEnsureSkipsListedAgent(t *testing.T) {
	f := &fakeAgent{
		listed: `{"agents":[{"id":"custom"}]}`,
		turns:  []sandbox.Result{ok(`{"result":{"payloads":[{"text":"a"}]}}`)},
	}
	b := newTestAgent(t, f)

	_, err := b.Complete(context.Background(), Request{AgentID: "custom", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)

	for _, c := range f.calls {
		assert.NotContains(t, strings.Join(c.Args, " "), "agents add")
	}
}

func TestAgentEnsureFailureIsNotFatal(t *testing.T) {
	runner := sandbox.RunnerFunc(func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
		if strings.Contains(strings.Join(req.Args, " "), "agents") {
			return sandbox.Result{}, errors.New("spawn failed")
		}
		return ok(`{"result":{"payloads":[{"text":"still works"}]}}`), nil
	})
	b, err := NewAgent(AgentConfig{Bin: "agentcli", ProfileID: "p", WorkspaceDir: t.TempDir()}, runner)
	require.NoError(t, err)

	text, err := b.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "still works", text)
}

func TestAgentNodeScript(t *testing.T) {
	var got sandbox.Request
	runner := sandbox.RunnerFunc(func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
		got = req
		return ok(`{"result":{"payloads":[{"text":"x"}]}}`), nil
	})
	b, err := NewAgent(AgentConfig{Bin: "/opt/cli/main.mjs", ProfileID: "p", NodeBin: "/opt/node/bin/node"}, runner)
	require.NoError(t, err)

	_, err = b.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "/opt/node/bin/node", got.Command)
	assert.Equal(t, "/opt/cli/main.mjs", got.Args[0])
	assert.Equal(t, "--profile", got.Args[1])
}

func TestAgentStreamSingleDelta(t *testing.T) {
	f := &fakeAgent{turns: []sandbox.Result{ok(`{"result":{"payloads":[{"text":"whole answer"}]}}`)}}
	b := newTestAgent(t, f)

	ch, err := b.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "whole answer", chunks[0].Delta)
	assert.True(t, chunks[1].Done)
}

func TestEnsureWorkspaceKeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, "USER.md")
	require.NoError(t, os.WriteFile(custom, []byte("mine"), 0o644))

	require.NoError(t, EnsureWorkspace(dir))

	data, err := os.ReadFile(custom)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))
	assert.FileExists(t, filepath.Join(dir, "SOUL.md"))
}
