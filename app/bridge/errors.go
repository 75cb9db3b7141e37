package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable returned by Start when the pre-flight check fails, no process is spawned
	ErrUnavailable = errors.New("inference engine unavailable")
	// ErrStartupTimeout means a spawned process didn't become healthy in time
	ErrStartupTimeout = errors.New("startup timeout")
	// ErrStartupFailed returned by Start when every port in the range failed
	ErrStartupFailed = errors.New("inference engine failed to start")
	// ErrNotRunning returned by engine calls made while the bridge is not running
	ErrNotRunning = errors.New("inference engine is not running")
	// ErrGenerationTimeout returned when an engine call exceeds its time budget
	ErrGenerationTimeout = errors.New("generation timeout")
	// ErrInvalidPayload returned for requests rejected before any network call
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrPathTraversal returned for download paths escaping the engine output directory
	ErrPathTraversal = errors.New("path traversal rejected")
)

// ProtocolError is a non-success answer from the engine
type ProtocolError struct {
	Endpoint string
	Status   int
	Message  string // engine's own error text
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engine %s returned %d: %s", e.Endpoint, e.Status, e.Message)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}
