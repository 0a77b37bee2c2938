package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaude/acpcode/internal/events"
	"github.com/openclaude/acpcode/internal/session"
	"github.com/openclaude/acpcode/internal/streamjson"
	"github.com/openclaude/acpcode/internal/verify"
)

// verifyOptions holds the verify command flags.
type verifyOptions struct {
	// Files lists the paths the agent must write.
	Files []string
	// MaxRetries overrides max_retries from config when set.
	MaxRetries int
	// SessionID resumes an agent session instead of creating one.
	SessionID string
	// OutputFormat is text or stream-json.
	OutputFormat string
}

func verifyCommand(opts *options) *cobra.Command {
	verifyOpts := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify [message] --file PATH...",
		Short: "Run a write task and confirm the agent created every file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			if len(verifyOpts.Files) == 0 {
				return fmt.Errorf("at least one --file is required")
			}
			if !cmd.Flags().Changed("max-retries") {
				verifyOpts.MaxRetries = a.cfg.MaxRetries
			}
			if verifyOpts.MaxRetries < 0 {
				return fmt.Errorf("--max-retries must not be negative")
			}
			message, err := readMessage(args, a.stdin)
			if err != nil {
				return err
			}
			return runVerify(cmd.Context(), a, message, verifyOpts)
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVarP(&verifyOpts.Files, "file", "f", nil, "Expected file, repeatable")
	flags.IntVar(&verifyOpts.MaxRetries, "max-retries", 0, "Remediation prompts after a failed check (default from config)")
	flags.StringVar(&verifyOpts.SessionID, "session", "", "Resume the agent session with this id")
	flags.StringVar(&verifyOpts.OutputFormat, "output-format", formatText, "Output format (text|stream-json)")
	return cmd
}

// eventRecorder collects every event of a multi-turn run for the transcript.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
	next   events.Listener
}

func (r *eventRecorder) Handle(event events.Event) {
	if event.Type != events.TypeDone {
		r.mu.Lock()
		r.events = append(r.events, event)
		r.mu.Unlock()
	}
	if r.next != nil {
		r.next(event)
	}
}

func (r *eventRecorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// runVerify drives verify.Run over a connected client and reports the
// verified and missing files.
func runVerify(ctx context.Context, a *app, message string, verifyOpts *verifyOptions) error {
	switch verifyOpts.OutputFormat {
	case formatText, formatStreamJSON:
	default:
		return fmt.Errorf("invalid --output-format %q (want text or stream-json)", verifyOpts.OutputFormat)
	}

	acpClient, err := a.newClient(nil)
	if err != nil {
		return err
	}
	defer acpClient.Close()

	ctx, stop := withInterrupt(ctx, func() {
		fmt.Fprintln(a.stderr, "Cancelling...")
	})
	defer stop()

	started := time.Now()
	if err := acpClient.Connect(ctx); err != nil {
		return err
	}
	sessionID, err := openSession(ctx, acpClient, verifyOpts.SessionID)
	if err != nil {
		return err
	}

	recorder := &eventRecorder{}
	var writer *streamjson.Writer
	if verifyOpts.OutputFormat == formatStreamJSON {
		writer = streamjson.NewWriter(a.stdout)
		if err := writer.Write(streamjson.NewSystemInit(sessionID, a.cwd, string(a.cfg.PermissionMode))); err != nil {
			return err
		}
		recorder.next = writer.Listener(sessionID)
	} else {
		recorder.next = newStreamPrinter(io.Discard, a.stderr, a.opts.Verbose).Handle
	}

	result, runErr := acpClient.RunVerified(ctx, message, verifyOpts.Files, verify.Options{
		MaxRetries: verifyOpts.MaxRetries,
		SessionID:  sessionID,
		Logger:     a.logger,
	}, recorder.Handle)

	if a.store != nil {
		turn := session.Turn{
			SessionID:  sessionID,
			Prompt:     message,
			Events:     recorder.Events(),
			StopReason: result.StopReason,
		}
		if err := a.store.AppendTurn(turn); err != nil {
			a.logger.Warn("persist transcript failed", "session_id", sessionID, "error", err)
		}
		a.rememberSession(sessionID)
	}

	if writer != nil {
		if err := writeVerifyResult(writer, sessionID, result, time.Since(started), runErr); err != nil {
			return err
		}
		if runErr != nil {
			return &exitError{code: 1}
		}
	} else {
		if runErr != nil {
			return runErr
		}
		printVerifyResult(a.stdout, result)
	}

	if !result.Verified {
		return &exitError{code: exitNotVerified}
	}
	return nil
}

// writeVerifyResult ends a stream-json verify run. It also reports a write
// failure from any earlier record of the run.
func writeVerifyResult(writer *streamjson.Writer, sessionID string, result verify.Result, elapsed time.Duration, runErr error) error {
	record := streamjson.NewResult(sessionID, result.Text, result.StopReason, result.PermissionDenials, elapsed, runErr)
	record.VerifiedFiles = result.VerifiedFiles
	record.MissingFiles = result.MissingFiles
	if runErr == nil && !result.Verified {
		record.Subtype = streamjson.SubtypeNotVerified
		record.IsError = true
	}
	if err := writer.Write(record); err != nil {
		return err
	}
	return writer.Err()
}

// printVerifyResult writes the file partition and the agent's last reply.
func printVerifyResult(out io.Writer, result verify.Result) {
	if text := strings.TrimSpace(result.Text); text != "" {
		fmt.Fprintln(out, text)
		fmt.Fprintln(out)
	}
	for _, path := range result.VerifiedFiles {
		fmt.Fprintf(out, "verified  %s\n", path)
	}
	for _, path := range result.MissingFiles {
		fmt.Fprintf(out, "missing   %s\n", path)
	}
	status := "verified"
	if !result.Verified {
		status = "not verified"
	}
	fmt.Fprintf(out, "%s after %d attempt(s), %d check(s)\n", status, result.Attempts, result.Checks)
}
