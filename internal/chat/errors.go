package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConfig is reported when a turn starts before a team configuration
	// was uploaded.
	ErrNoConfig = errors.New("no team configuration loaded")
	// ErrRunnerTimeout is reported when the runner exceeds its deadline.
	ErrRunnerTimeout = errors.New("team runner timed out")
)

// RunnerError wraps a failure raised while consuming the runner's stream.
type RunnerError struct {
	Err error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("team chat error: %v", e.Err)
}

func (e *RunnerError) Unwrap() error {
	return e.Err
}
