// Package sandbox runs external processes on behalf of backends and tools.
package sandbox

import (
	"context"
	"time"
)

// Request describes one process invocation.
type Request struct {
	Command string
	Args    []string
	Dir     string
	// Extra environment entries, added on top of the runner's base environment
	Env     map[string]string
	Stdin   []byte
	Timeout time.Duration
}

// Result is the outcome of a process that ran to completion. A non-zero exit
// is reported through ExitCode, not as an error.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Success reports whether the process exited with status 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes processes.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Config configures a HostRunner.
type Config struct {
	// Timeout applied when a request sets none
	DefaultTimeout time.Duration `json:"default_timeout"`
	// Working directories under these prefixes are refused
	DeniedPaths []string `json:"denied_paths"`
	// Start from the daemon's environment instead of a minimal one
	InheritEnv bool `json:"inherit_env"`
}

// DefaultConfig returns the configuration used by the daemon.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 2 * time.Minute,
		InheritEnv:     true,
	}
}
