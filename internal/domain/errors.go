package domain

import "errors"

var (
	// ErrModuleNotFound is returned when a module directory does not exist.
	ErrModuleNotFound = errors.New("module not found")

	// ErrOperationInFlight is reported when an operation on the same module id is already running.
	ErrOperationInFlight = errors.New("operation already in progress")

	// ErrNotSupported is returned by managers for operations the platform lacks.
	ErrNotSupported = errors.New("not supported on this platform")

	// ErrJobNotFound is returned when a job id is unknown or already reaped.
	ErrJobNotFound = errors.New("job not found")

	// ErrShellClosed is returned when a command is sent to a closed shell.
	ErrShellClosed = errors.New("shell is closed")
)
