package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/openclaude/acpcode/internal/permission"
)

var (
	// ErrNotConnected is returned before Connect succeeds.
	ErrNotConnected = errors.New("not connected; call Connect first")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("client already connected")
	// ErrClosed is returned once Close has been called or Connect failed.
	ErrClosed = errors.New("client closed")
	// ErrSessionCancelled is returned for prompts on a cancelled session.
	ErrSessionCancelled = errors.New("session was cancelled")
	// ErrConnectionTimeout matches *ConnectionTimeoutError.
	ErrConnectionTimeout = errors.New("acp connection timed out")
	// ErrSessionNotFound matches *SessionNotFoundError.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPermissionDenied matches *PermissionDeniedError.
	ErrPermissionDenied = errors.New("permission denied")
)

// ConnectionTimeoutError reports a round trip that exceeded its deadline.
// The client is unusable afterwards.
type ConnectionTimeoutError struct {
	Operation string
	Timeout   time.Duration
}

// Error implements error.
func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection to ACP server timed out after %s (%s)", e.Timeout, e.Operation)
}

// Is matches ErrConnectionTimeout.
func (e *ConnectionTimeoutError) Is(target error) bool {
	return target == ErrConnectionTimeout
}

// SessionNotFoundError reports a session id the agent does not know.
type SessionNotFoundError struct {
	SessionID string
	Err       error
}

// Error implements error.
func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// Is matches ErrSessionNotFound.
func (e *SessionNotFoundError) Is(target error) bool {
	return target == ErrSessionNotFound
}

// Unwrap returns the agent's error.
func (e *SessionNotFoundError) Unwrap() error {
	return e.Err
}

// PermissionDeniedError is returned after a turn in which a tool permission
// was denied, when the client is configured to treat denial as failure.
type PermissionDeniedError struct {
	ToolName string
	Denials  []permission.Denial
}

// Error implements error.
func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied for tool: %s", e.ToolName)
}

// Is matches ErrPermissionDenied.
func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}
