package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEntityGone reports that the entity an operation targets no longer
	// exists remotely.
	ErrEntityGone = errors.New("entity no longer exists")
	// ErrNotReady reports that an operation cannot be attempted yet. The
	// scheduler defers it without spending a retry.
	ErrNotReady = errors.New("operation not ready")
)

// RemoteError is returned by executors for failed remote calls.
type RemoteError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("remote %d %s: %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("remote %d: %s", e.Status, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }
