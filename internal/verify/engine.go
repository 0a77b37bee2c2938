package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openclaude/acpcode/internal/permission"
)

var (
	// ErrNoExpectedFiles is returned when Run is given an empty file list.
	ErrNoExpectedFiles = errors.New("verified prompt needs at least one expected file")
	// ErrNegativeRetries is returned for a negative retry bound.
	ErrNegativeRetries = errors.New("max retries must not be negative")
)

// Turn is the outcome of one prompt. Denials may be set alongside an error.
type Turn struct {
	Text       string
	SessionID  string
	StopReason string
	Denials    []permission.Denial
}

// Prompter sends a prompt. An empty sessionID asks for a new session.
type Prompter interface {
	Prompt(ctx context.Context, message string, sessionID string) (Turn, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, message string, sessionID string) (Turn, error)

// Prompt calls f.
func (f PrompterFunc) Prompt(ctx context.Context, message string, sessionID string) (Turn, error) {
	return f(ctx, message, sessionID)
}

// Options tunes Run.
type Options struct {
	// MaxRetries bounds remediation prompts. Zero means a single
	// verification pass with no retry.
	MaxRetries int
	// SessionID continues an existing session instead of creating one.
	SessionID string
	// Logger receives progress records. Nil discards them.
	Logger *slog.Logger
}

// Result is the terminal state of a verified run. A run that ends with
// missing files is a result, not an error.
type Result struct {
	// Text is the reply to the last task or retry prompt.
	Text       string `json:"text"`
	SessionID  string `json:"session_id"`
	StopReason string `json:"stop_reason"`
	Verified   bool   `json:"verified"`
	// VerifiedFiles and MissingFiles partition the expected files as of the
	// last verification pass.
	VerifiedFiles []string `json:"verified_files"`
	MissingFiles  []string `json:"missing_files"`
	// Attempts counts task and retry prompts, not verification prompts.
	Attempts int `json:"attempts"`
	// Checks counts verification prompts.
	Checks int `json:"checks"`
	// PermissionDenials collects rejected tool calls from every prompt of
	// the run, including a prompt that failed.
	PermissionDenials []permission.Denial `json:"permission_denials,omitempty"`
}

// Run sends message with write rules attached, then alternates verification
// and retry prompts on the same session until every expected file is
// confirmed or MaxRetries retries have been spent. Prompt failures abort
// the run and are returned; the partial result is returned alongside.
func Run(ctx context.Context, prompter Prompter, message string, expectedFiles []string, opts Options) (Result, error) {
	if len(expectedFiles) == 0 {
		return Result{}, ErrNoExpectedFiles
	}
	if opts.MaxRetries < 0 {
		return Result{}, fmt.Errorf("%w: %d", ErrNegativeRetries, opts.MaxRetries)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	last, err := prompter.Prompt(ctx, GuardedPrompt(message, expectedFiles), opts.SessionID)
	if err != nil {
		return Result{PermissionDenials: last.Denials}, fmt.Errorf("task prompt: %w", err)
	}
	result := Result{SessionID: last.SessionID, Attempts: 1, PermissionDenials: last.Denials}
	if result.SessionID == "" {
		result.SessionID = opts.SessionID
	}
	logger = logger.With("session_id", result.SessionID)

	for retry := 0; ; retry++ {
		result.Text = last.Text
		result.StopReason = last.StopReason

		check, err := prompter.Prompt(ctx, VerificationPrompt(expectedFiles), result.SessionID)
		result.PermissionDenials = append(result.PermissionDenials, check.Denials...)
		if err != nil {
			return result, fmt.Errorf("verification prompt: %w", err)
		}
		result.Checks++
		outcome := Classify(check.Text, expectedFiles)
		result.VerifiedFiles = outcome.Verified
		result.MissingFiles = outcome.Missing
		logger.Info("verification pass",
			"attempt", result.Attempts,
			"verified", len(outcome.Verified),
			"missing", len(outcome.Missing))

		if len(outcome.Missing) == 0 {
			result.Verified = true
			return result, nil
		}
		if retry == opts.MaxRetries {
			logger.Warn("files still missing after retries", "missing", outcome.Missing)
			return result, nil
		}

		logger.Info("retrying missing files", "missing", outcome.Missing)
		last, err = prompter.Prompt(ctx, RetryPrompt(outcome.Missing), result.SessionID)
		result.PermissionDenials = append(result.PermissionDenials, last.Denials...)
		if err != nil {
			return result, fmt.Errorf("retry prompt: %w", err)
		}
		result.Attempts++
	}
}
