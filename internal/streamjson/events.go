// Package streamjson writes acpcode output as JSON Lines for scripting.
package streamjson

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaude/acpcode/internal/events"
	"github.com/openclaude/acpcode/internal/permission"
)

// Record types.
const (
	TypeSystem = "system"
	TypeEvent  = "event"
	TypeResult = "result"
)

// Result subtypes.
const (
	SubtypeSuccess     = "success"
	SubtypeError       = "error_during_execution"
	SubtypeNotVerified = "error_not_verified"
)

// SystemEvent announces the session a stream belongs to.
type SystemEvent struct {
	// Type is always "system".
	Type string `json:"type"`
	// Subtype is "init".
	Subtype string `json:"subtype"`
	// SessionID scopes the stream.
	SessionID string `json:"session_id"`
	// Cwd is the session working directory.
	Cwd string `json:"cwd"`
	// PermissionMode reflects the agent permission mode, when set.
	PermissionMode string `json:"permissionMode,omitempty"`
	// UUID uniquely identifies the record.
	UUID string `json:"uuid"`
}

// EventRecord carries one normalized session event.
type EventRecord struct {
	// Type is always "event".
	Type string `json:"type"`
	// Event is the normalized event.
	Event events.Event `json:"event"`
	// SessionID scopes the event.
	SessionID string `json:"session_id"`
	// UUID uniquely identifies the record.
	UUID string `json:"uuid"`
}

// ResultEvent is the terminal record of a run.
type ResultEvent struct {
	// Type is always "result".
	Type string `json:"type"`
	// Subtype is SubtypeSuccess or one of the error subtypes.
	Subtype string `json:"subtype"`
	// IsError reports whether the run failed.
	IsError bool `json:"is_error"`
	// DurationMS is the total runtime in milliseconds.
	DurationMS int64 `json:"duration_ms"`
	// Result contains the final assistant text.
	Result string `json:"result"`
	// StopReason is the agent's reason for ending the last turn.
	StopReason string `json:"stop_reason,omitempty"`
	// SessionID scopes the result.
	SessionID string `json:"session_id"`
	// PermissionDenials lists denied tool uses.
	PermissionDenials []permission.Denial `json:"permission_denials"`
	// VerifiedFiles and MissingFiles are set by verified runs.
	VerifiedFiles []string `json:"verified_files,omitempty"`
	MissingFiles  []string `json:"missing_files,omitempty"`
	// UUID uniquely identifies the record.
	UUID string `json:"uuid"`
	// Errors holds error messages for error subtypes.
	Errors []string `json:"errors,omitempty"`
}

// Writer emits records as JSON Lines. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	writer io.Writer
	err    error
}

// NewWriter constructs a stream-json writer.
func NewWriter(writer io.Writer) *Writer {
	return &Writer{writer: writer}
}

// Write emits a single record as a JSON line.
func (w *Writer) Write(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal stream-json record: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		err = fmt.Errorf("write stream-json record: %w", err)
		if w.err == nil {
			w.err = err
		}
		return err
	}
	return nil
}

// Err returns the first write failure seen by a Listener.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Listener returns an events.Listener that writes every event for
// sessionID. The terminal done event is skipped; Result ends the stream.
func (w *Writer) Listener(sessionID string) events.Listener {
	return func(event events.Event) {
		if event.Type == events.TypeDone {
			return
		}
		_ = w.Write(NewEventRecord(sessionID, event))
	}
}

// NewUUID returns a new UUID string for stream-json records.
func NewUUID() string {
	return uuid.NewString()
}

// NewSystemInit builds the init record.
func NewSystemInit(sessionID string, cwd string, permissionMode string) SystemEvent {
	return SystemEvent{
		Type:           TypeSystem,
		Subtype:        "init",
		SessionID:      sessionID,
		Cwd:            cwd,
		PermissionMode: permissionMode,
		UUID:           NewUUID(),
	}
}

// NewEventRecord wraps event for output.
func NewEventRecord(sessionID string, event events.Event) EventRecord {
	return EventRecord{Type: TypeEvent, Event: event, SessionID: sessionID, UUID: NewUUID()}
}

// NewResult builds the terminal record. A non-nil runErr marks the result as
// an error.
func NewResult(sessionID string, text string, stopReason string, denials []permission.Denial, duration time.Duration, runErr error) ResultEvent {
	if denials == nil {
		denials = []permission.Denial{}
	}
	result := ResultEvent{
		Type:              TypeResult,
		Subtype:           SubtypeSuccess,
		DurationMS:        duration.Milliseconds(),
		Result:            text,
		StopReason:        stopReason,
		SessionID:         sessionID,
		PermissionDenials: denials,
		UUID:              NewUUID(),
	}
	if runErr != nil {
		result.Subtype = SubtypeError
		result.IsError = true
		result.Errors = []string{runErr.Error()}
	}
	return result
}
