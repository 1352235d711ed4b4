package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HostRunner runs processes directly on the host.
type HostRunner struct {
	config Config
}

// NewHostRunner creates a host runner.
func NewHostRunner(config Config) *HostRunner {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	return &HostRunner{config: config}
}

// Run executes req and waits for it to exit.
func (h *HostRunner) Run(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return Result{}, ErrCommandRequired
	}
	if err := h.checkFilesystemAccess(req.Dir); err != nil {
		return Result{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.config.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = h.buildEnvironment(req.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: duration,
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.ExitCode = -1
		return result, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("%w: %s: %v", ErrStartFailed, req.Command, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	log.Debug().
		Str("command", req.Command).
		Int("args", len(req.Args)).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Process finished")

	return result, nil
}

func (h *HostRunner) checkFilesystemAccess(path string) error {
	if path == "" {
		return nil
	}
	clean := filepath.Clean(path)
	for _, denied := range h.config.DeniedPaths {
		if clean == denied || strings.HasPrefix(clean, strings.TrimSuffix(denied, "/")+"/") {
			return fmt.Errorf("%w: %s", ErrFilesystemAccessDenied, path)
		}
	}
	return nil
}

func (h *HostRunner) buildEnvironment(extra map[string]string) []string {
	var env []string
	if h.config.InheritEnv {
		env = os.Environ()
	} else {
		env = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + os.TempDir()}
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
