package registry

import (
	"errors"
	"fmt"
)

var (
	ErrNotRunning      = errors.New("registry: bot is not running")
	ErrUnknownPlatform = errors.New("registry: unknown platform")
	ErrShutdown        = errors.New("registry: shutting down")
	ErrEmptyMessage    = errors.New("registry: empty broadcast message")
)

type StartOutcome string

const (
	Started StartOutcome = "started"
	// AlreadyRunning means a previous poller was stopped and replaced.
	AlreadyRunning StartOutcome = "already_running"
	Failed         StartOutcome = "failed"
)

type StopOutcome string

const (
	Stopped    StopOutcome = "stopped"
	NotRunning StopOutcome = "not_running"
)

// StartError explains why a bot could not be started.
type StartError struct {
	BotID  string
	Reason string
	Err    error
}

func (e *StartError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("start bot %s: %s", e.BotID, e.Reason)
	}
	return fmt.Sprintf("start bot %s: %s: %v", e.BotID, e.Reason, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
