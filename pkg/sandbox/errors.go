package sandbox

import "errors"

var (
	// ErrCommandRequired is returned when a request has no command
	ErrCommandRequired = errors.New("command is required")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrFilesystemAccessDenied is returned when the working directory is denied
	ErrFilesystemAccessDenied = errors.New("filesystem access denied")

	// ErrStartFailed is returned when the process could not be started
	ErrStartFailed = errors.New("failed to start process")
)
