package toolexecutor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harun/deskchat/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo input",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return params["text"].(string), nil
		},
	}
}

func TestToolExecutor_RegisterTool(t *testing.T) {
	te := New(Options{})
	require.NoError(t, te.RegisterTool(echoTool()))

	tool := te.GetTool("echo")
	require.NotNil(t, tool)
	assert.Equal(t, "echo", tool.Name)
	assert.Equal(t, []string{"echo"}, te.ListTools())

	te.UnregisterTool("echo")
	assert.Nil(t, te.GetTool("echo"))
}

func TestToolExecutor_RegisterTool_InvalidDefinition(t *testing.T) {
	te := New(Options{})
	noop := func(ctx context.Context, params map[string]interface{}) (string, error) { return "", nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{name: "empty name", def: ToolDefinition{Description: "Test", Handler: noop}},
		{name: "empty description", def: ToolDefinition{Name: "test", Handler: noop}},
		{name: "nil handler", def: ToolDefinition{Name: "test", Description: "Test"}},
		{
			name: "bad parameter type",
			def: ToolDefinition{
				Name: "test", Description: "Test", Handler: noop,
				Parameters: []ToolParameter{{Name: "x", Type: "date", Description: "x"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, te.RegisterTool(tt.def))
		})
	}
}

func TestToolExecutor_Execute(t *testing.T) {
	te := New(Options{})
	require.NoError(t, te.RegisterTool(echoTool()))

	tests := []struct {
		name    string
		tool    string
		params  map[string]interface{}
		success bool
		errText string
	}{
		{name: "success", tool: "echo", params: map[string]interface{}{"text": "hi"}, success: true},
		{name: "unknown tool", tool: "nope", params: nil, errText: "tool not found"},
		{name: "missing param", tool: "echo", params: map[string]interface{}{}, errText: "parameter validation failed"},
		{name: "empty param", tool: "echo", params: map[string]interface{}{"text": ""}, errText: "parameter validation failed"},
		{name: "extra param", tool: "echo", params: map[string]interface{}{"text": "a", "b": 1}, errText: "parameter validation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := te.Execute(context.Background(), tt.tool, tt.params, nil)
			assert.Equal(t, tt.success, res.Success)
			if tt.success {
				assert.Equal(t, "hi", res.Output)
				assert.NoError(t, res.Err())
			} else {
				assert.Contains(t, res.Error, tt.errText)
			}
		})
	}
}

func TestToolExecutor_Policy(t *testing.T) {
	te := New(Options{})
	require.NoError(t, te.RegisterTool(echoTool()))

	res := te.Execute(context.Background(), "echo", map[string]interface{}{"text": "x"}, &ExecutionContext{
		ToolPolicy: &ToolPolicy{Allow: []string{"*"}, Deny: []string{"echo"}},
	})
	assert.False(t, res.Success)
	assert.True(t, res.Denied)
	assert.ErrorIs(t, res.Err(), ErrToolNotAllowed)

	var nilPolicy *ToolPolicy
	assert.True(t, nilPolicy.IsToolAllowed("anything"))
	assert.False(t, (&ToolPolicy{}).IsToolAllowed("echo"))
}

func TestToolExecutor_Timeout(t *testing.T) {
	te := New(Options{})
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "slow",
		Description: "Sleeps",
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return "late", nil
		},
	}))

	res := te.Execute(context.Background(), "slow", nil, &ExecutionContext{Timeout: 20 * time.Millisecond})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timeout")
}

func TestToolExecutor_Truncation(t *testing.T) {
	te := New(Options{MaxOutputBytes: 8})
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "big",
		Description: "Big output",
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return strings.Repeat("x", 100), nil
		},
	}))

	res := te.Execute(context.Background(), "big", nil, nil)
	require.True(t, res.Success)
	assert.True(t, res.Truncated)
	assert.True(t, strings.HasPrefix(res.Output, "xxxxxxxx\n"))
	assert.Contains(t, res.Output, "[output truncated]")
}

func TestBuiltinExec(t *testing.T) {
	var got sandbox.Request
	results := map[string]sandbox.Result{
		"ok":   {Stdout: []byte("out\n")},
		"fail": {ExitCode: 2, Stderr: []byte("  no such file \n")},
	}
	runner := sandbox.RunnerFunc(func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
		got = req
		if req.Args[1] == "spawn" {
			return sandbox.Result{}, errors.New("boom")
		}
		return results[req.Args[1]], nil
	})

	te := New(Options{})
	require.NoError(t, RegisterBuiltins(te, BuiltinOptions{Runner: runner, Shell: "/bin/sh"}))
	execCtx := &ExecutionContext{ProfileID: "p1", WorkingDir: "/tmp/p1"}

	res := te.Execute(context.Background(), ToolExec, map[string]interface{}{"cmd": "ok"}, execCtx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "out\n", res.Output)
	assert.Equal(t, "/bin/sh", got.Command)
	assert.Equal(t, []string{"-lc", "ok"}, got.Args)
	assert.Equal(t, "/tmp/p1", got.Dir)

	res = te.Execute(context.Background(), ToolExec, map[string]interface{}{"cmd": "fail"}, execCtx)
	assert.False(t, res.Success)
	assert.Equal(t, "exec failed (code 2): no such file", res.Error)

	res = te.Execute(context.Background(), ToolExec, map[string]interface{}{"cmd": "spawn"}, execCtx)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "failed to spawn shell")
}

func TestBuiltinWebGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, "gone")
			return
		}
		_, _ = io.WriteString(w, "page body")
	}))
	defer srv.Close()

	te := New(Options{})
	require.NoError(t, RegisterBuiltins(te, BuiltinOptions{Runner: sandbox.RunnerFunc(func(context.Context, sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{}, nil
	})}))

	res := te.Execute(context.Background(), ToolWebGet, map[string]interface{}{"url": srv.URL + "/ok"}, nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "page body", res.Output)

	res = te.Execute(context.Background(), ToolWebGet, map[string]interface{}{"url": srv.URL + "/missing"}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, "web_get 404 Not Found: gone", res.Error)
}

func TestRegisterBuiltinsRequiresRunner(t *testing.T) {
	assert.Error(t, RegisterBuiltins(New(Options{}), BuiltinOptions{}))
}

func TestScope(t *testing.T) {
	te := New(Options{})
	var seen ExecutionContext
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "where",
		Description: "Report the working directory",
		Handler: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			seen = Scope(ctx)
			return seen.WorkingDir, nil
		},
	}))

	res := te.Execute(context.Background(), "where", nil, &ExecutionContext{ProfileID: "p1", ChatID: "c1", WorkingDir: "/data/p1"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "/data/p1", res.Output)
	assert.Equal(t, "c1", seen.ChatID)

	assert.Equal(t, ExecutionContext{}, Scope(context.Background()))
}
