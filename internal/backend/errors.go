package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrEntryNotFound means the backend entry script does not exist.
	ErrEntryNotFound = errors.New("backend entry not found")
	// ErrSpawn means the OS refused to start the backend.
	ErrSpawn = errors.New("failed to spawn backend")
	// ErrPortInUse is matched by *PortInUseError.
	ErrPortInUse = errors.New("backend port already in use")
	// ErrStarting is returned when Start is called during another Start.
	ErrStarting = errors.New("backend start already in progress")
)

// PortInUseError reports the bind-conflict line the backend printed.
type PortInUseError struct {
	Port int
	Line string
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %d already in use: %s", e.Port, e.Line)
}

func (e *PortInUseError) Unwrap() error { return ErrPortInUse }

// ExitError reports a backend that exited before becoming ready. Code 0 is
// still an error at that point.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("backend exited with code %d before becoming ready", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }
