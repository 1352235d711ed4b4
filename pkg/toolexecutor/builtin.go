package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/harun/deskchat/internal/observability"
	"github.com/harun/deskchat/pkg/sandbox"
)

// Built-in tool names.
const (
	ToolExec   = "exec"
	ToolWebGet = "web_get"
)

const maxWebBodyBytes = 8 << 20

// BuiltinOptions configures the exec and web_get tools.
type BuiltinOptions struct {
	Runner sandbox.Runner
	// Shell for exec; empty picks /bin/zsh when present, else /bin/sh
	Shell       string
	ExecTimeout time.Duration
	WebTimeout  time.Duration
	HTTPClient  *http.Client
}

// RegisterBuiltins registers exec and web_get on te.
func RegisterBuiltins(te *ToolExecutor, opts BuiltinOptions) error {
	if opts.Runner == nil {
		return errors.New("process runner is required")
	}
	if opts.Shell == "" {
		opts.Shell = DefaultShell()
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 2 * time.Minute
	}
	if opts.WebTimeout <= 0 {
		opts.WebTimeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.WebTimeout}
	}

	if err := te.RegisterTool(ToolDefinition{
		Name:        ToolExec,
		Description: "Run a shell command in the profile directory",
		Parameters: []ToolParameter{
			{Name: "cmd", Type: "string", Description: "Shell command line", Required: true},
		},
		Handler: execHandler(opts),
	}); err != nil {
		return err
	}

	return te.RegisterTool(ToolDefinition{
		Name:        ToolWebGet,
		Description: "Fetch a URL with HTTP GET",
		Parameters: []ToolParameter{
			{Name: "url", Type: "string", Description: "Absolute URL", Required: true},
		},
		Handler: webGetHandler(opts),
	})
}

// DefaultShell returns /bin/zsh when it exists, else /bin/sh.
func DefaultShell() string {
	if _, err := os.Stat("/bin/zsh"); err == nil {
		return "/bin/zsh"
	}
	return "/bin/sh"
}

func execHandler(opts BuiltinOptions) ToolHandler {
	return func(ctx context.Context, params map[string]interface{}) (string, error) {
		cmd, _ := params["cmd"].(string)

		scope := Scope(ctx)
		profileID, dir := scope.ProfileID, scope.WorkingDir

		res, err := opts.Runner.Run(ctx, sandbox.Request{
			Command: opts.Shell,
			Args:    []string{"-lc", cmd},
			Dir:     dir,
			Timeout: opts.ExecTimeout,
		})

		meta := map[string]any{"cmd": cmd, "dir": dir}
		if err != nil {
			meta["error"] = err.Error()
			observability.RecordToolAudit(ctx, ToolExec, profileID, "error", meta)
			return "", fmt.Errorf("failed to spawn shell: %w", err)
		}

		meta["exit_code"] = res.ExitCode
		meta["duration_ms"] = res.Duration.Milliseconds()
		if !res.Success() {
			observability.RecordToolAudit(ctx, ToolExec, profileID, "failed", meta)
			return "", fmt.Errorf("exec failed (code %d): %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
		}

		observability.RecordToolAudit(ctx, ToolExec, profileID, "success", meta)
		return string(res.Stdout), nil
	}
}

func webGetHandler(opts BuiltinOptions) ToolHandler {
	return func(ctx context.Context, params map[string]interface{}) (string, error) {
		url, _ := params["url"].(string)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("web_get failed: %w", err)
		}

		resp, err := opts.HTTPClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("web_get failed: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebBodyBytes))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", fmt.Errorf("web_get %s: %s", resp.Status, string(body))
		}
		return string(body), nil
	}
}
