package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaude/acpcode/internal/client"
	"github.com/openclaude/acpcode/internal/session"
	"github.com/openclaude/acpcode/internal/streamjson"
)

// Output formats.
const (
	formatText       = "text"
	formatStreamJSON = "stream-json"
)

// promptOptions holds the prompt command flags.
type promptOptions struct {
	// SessionID resumes an agent session by id.
	SessionID string
	// Continue resumes the last session used in this project.
	Continue bool
	// Stream prints text as it arrives instead of after the turn.
	Stream bool
	// TUI starts the full-screen interface.
	TUI bool
	// OutputFormat is text or stream-json.
	OutputFormat string
	// Render formats the final text as markdown on a terminal.
	Render bool
}

func promptCommand(opts *options) *cobra.Command {
	promptOpts := &promptOptions{}
	cmd := &cobra.Command{
		Use:   "prompt [message]",
		Short: "Send one prompt to the agent",
		Long:  "Send one prompt to the agent. Without a message argument the prompt is read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			if promptOpts.TUI {
				sessionID, err := a.resolveSessionID(promptOpts)
				if err != nil {
					return err
				}
				return runTUI(cmd.Context(), a, sessionID)
			}
			message, err := readMessage(args, a.stdin)
			if err != nil {
				return err
			}
			return runPrompt(cmd.Context(), a, message, promptOpts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&promptOpts.SessionID, "session", "", "Resume the agent session with this id")
	flags.BoolVarP(&promptOpts.Continue, "continue", "c", false, "Resume the last session used in this project")
	flags.BoolVar(&promptOpts.Stream, "stream", true, "Print text as it arrives")
	flags.BoolVar(&promptOpts.TUI, "tui", false, "Start the interactive terminal UI")
	flags.StringVar(&promptOpts.OutputFormat, "output-format", formatText, "Output format (text|stream-json)")
	flags.BoolVar(&promptOpts.Render, "render", false, "Render the final reply as markdown when stdout is a terminal")
	return cmd
}

// readMessage joins args into a prompt, or reads stdin when args is empty.
func readMessage(args []string, stdin io.Reader) (string, error) {
	message := strings.TrimSpace(strings.Join(args, " "))
	if message == "" && stdin != nil {
		input, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		message = strings.TrimSpace(string(input))
	}
	if message == "" {
		return "", errors.New("prompt is required")
	}
	return message, nil
}

// resolveSessionID returns the session named by --session or --continue,
// or "" for a new session.
func (a *app) resolveSessionID(promptOpts *promptOptions) (string, error) {
	if promptOpts.SessionID != "" {
		return promptOpts.SessionID, nil
	}
	if !promptOpts.Continue {
		return "", nil
	}
	if a.store == nil {
		return "", errors.New("--continue needs session persistence")
	}
	lastID, err := a.store.LoadLastSession(session.ProjectHash(a.cwd))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if lastID == "" {
		return "", fmt.Errorf("no previous session for %s", a.cwd)
	}
	return lastID, nil
}

// openSession resumes sessionID, or creates a session when it is empty.
func openSession(ctx context.Context, acpClient *client.Client, sessionID string) (string, error) {
	if sessionID == "" {
		return acpClient.NewSession(ctx, "")
	}
	return acpClient.ResumeSession(ctx, sessionID, client.SessionOptions{})
}

// runPrompt connects, runs one turn and prints it in the chosen format.
func runPrompt(ctx context.Context, a *app, message string, promptOpts *promptOptions) error {
	switch promptOpts.OutputFormat {
	case formatText, formatStreamJSON:
	default:
		return fmt.Errorf("invalid --output-format %q (want text or stream-json)", promptOpts.OutputFormat)
	}
	sessionID, err := a.resolveSessionID(promptOpts)
	if err != nil {
		return err
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
	sessionID, err = openSession(ctx, acpClient, sessionID)
	if err != nil {
		return err
	}

	if promptOpts.OutputFormat == formatStreamJSON {
		return a.promptStreamJSON(ctx, acpClient, message, sessionID, started)
	}

	printer := newStreamPrinter(a.stdout, a.stderr, a.opts.Verbose)
	render := promptOpts.Render && isTerminal(a.stdout)
	printer.bufferText = render || !promptOpts.Stream
	result, err := acpClient.PromptStream(ctx, message, printer.Handle, client.PromptOptions{SessionID: sessionID})
	a.persistTurn(message, result)
	if err != nil {
		return err
	}
	switch {
	case render:
		fmt.Fprint(a.stdout, newMarkdownRenderer(terminalWidth(a.stdout, 80)).Render(result.Text))
	case printer.bufferText && result.Text != "":
		fmt.Fprintln(a.stdout, result.Text)
	}
	return nil
}

// promptStreamJSON runs one turn and writes it as JSON Lines.
func (a *app) promptStreamJSON(ctx context.Context, acpClient *client.Client, message string, sessionID string, started time.Time) error {
	writer := streamjson.NewWriter(a.stdout)
	if err := writer.Write(streamjson.NewSystemInit(sessionID, a.cwd, string(a.cfg.PermissionMode))); err != nil {
		return err
	}
	result, runErr := acpClient.PromptStream(ctx, message, writer.Listener(sessionID), client.PromptOptions{SessionID: sessionID})
	a.persistTurn(message, result)
	record := streamjson.NewResult(sessionID, result.Text, result.StopReason, result.PermissionDenials, time.Since(started), runErr)
	if err := writer.Write(record); err != nil {
		return err
	}
	if err := writer.Err(); err != nil {
		return err
	}
	if runErr != nil {
		// The result record already carries the error.
		return &exitError{code: 1}
	}
	return nil
}
