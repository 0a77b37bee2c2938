package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/openclaude/acpcode/internal/acp"
	"github.com/openclaude/acpcode/internal/client"
	"github.com/openclaude/acpcode/internal/events"
	"github.com/openclaude/acpcode/internal/session"
)

func sessionsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, resume and fork agent sessions",
	}
	cmd.AddCommand(sessionsListCommand(opts))
	cmd.AddCommand(sessionsResumeCommand(opts))
	cmd.AddCommand(sessionsForkCommand(opts))
	cmd.AddCommand(sessionsLocalCommand(opts))
	cmd.AddCommand(sessionsShowCommand(opts))
	return cmd
}

// withConnectedClient connects a client for a control operation and closes
// it when fn returns.
func withConnectedClient(ctx context.Context, a *app, fn func(ctx context.Context, acpClient *client.Client) error) error {
	acpClient, err := a.newClient(nil)
	if err != nil {
		return err
	}
	defer acpClient.Close()

	ctx, stop := withInterrupt(ctx, nil)
	defer stop()
	if err := acpClient.Connect(ctx); err != nil {
		return err
	}
	return fn(ctx, acpClient)
}

func sessionsListCommand(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions known to the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			cwd := a.cwd
			if all {
				cwd = ""
			}
			return withConnectedClient(cmd.Context(), a, func(ctx context.Context, acpClient *client.Client) error {
				infos, err := acpClient.ListSessions(ctx, cwd)
				if err != nil {
					return err
				}
				printAgentSessions(a.stdout, infos)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List sessions from every working directory")
	return cmd
}

func sessionsResumeCommand(opts *options) *cobra.Command {
	promptOpts := &promptOptions{OutputFormat: formatText, Stream: true}
	cmd := &cobra.Command{
		Use:   "resume <session-id> [message]",
		Short: "Reattach to a session, optionally sending a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			promptOpts.SessionID = args[0]
			if len(args) > 1 {
				message, err := readMessage(args[1:], nil)
				if err != nil {
					return err
				}
				return runPrompt(cmd.Context(), a, message, promptOpts)
			}
			return withConnectedClient(cmd.Context(), a, func(ctx context.Context, acpClient *client.Client) error {
				sessionID, err := acpClient.ResumeSession(ctx, promptOpts.SessionID, client.SessionOptions{})
				if err != nil {
					return err
				}
				a.rememberSession(sessionID)
				fmt.Fprintf(a.stdout, "Resumed %s; continue with `acpcode prompt --continue`.\n", sessionID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&promptOpts.OutputFormat, "output-format", formatText, "Output format (text|stream-json)")
	return cmd
}

func sessionsForkCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fork <session-id>",
		Short: "Branch a session into a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			return withConnectedClient(cmd.Context(), a, func(ctx context.Context, acpClient *client.Client) error {
				forkID, err := acpClient.ForkSession(ctx, args[0], client.SessionOptions{})
				if err != nil {
					return err
				}
				if a.store != nil {
					if err := a.store.CloneSession(args[0], forkID); err != nil {
						a.logger.Warn("copy transcript failed", "from", args[0], "to", forkID, "error", err)
					}
				}
				a.rememberSession(forkID)
				fmt.Fprintln(a.stdout, forkID)
				return nil
			})
		},
	}
}

func sessionsLocalCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "local",
		Short: "List transcripts saved on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			if a.store == nil {
				return errors.New("session persistence is disabled")
			}
			summaries, err := a.store.ListSessions(limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(summaries))
			for _, summary := range summaries {
				rows = append(rows, []string{summary.SessionID, summary.UpdatedAt.Local().Format(time.DateTime)})
			}
			printTable(a.stdout, []string{"SESSION", "UPDATED"}, rows, "No local transcripts.")
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum transcripts to list (0 for all)")
	return cmd
}

func sessionsShowCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a local transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			if a.store == nil {
				return errors.New("session persistence is disabled")
			}
			records, err := a.store.LoadRecords(args[0])
			if err != nil {
				return err
			}
			printer := newStreamPrinter(a.stdout, a.stdout, a.opts.Verbose)
			for _, record := range records {
				switch record.Kind {
				case session.KindPrompt:
					printer.EnsureNewline()
					fmt.Fprintf(a.stdout, "> %s\n", record.Prompt)
				case session.KindEvent:
					if record.Event != nil {
						printer.Handle(*record.Event)
					}
				case session.KindResult:
					printer.Handle(events.Event{Type: events.TypeDone, StopReason: record.StopReason})
				}
			}
			printer.EnsureNewline()
			return nil
		},
	}
}

// printAgentSessions renders the agent's session list.
func printAgentSessions(out io.Writer, infos []acp.SessionInfo) {
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		title := ""
		if info.Title != nil {
			title = truncateForDisplay(compactWhitespace(*info.Title), 48)
		}
		updated := ""
		if info.UpdatedAt != nil {
			updated = *info.UpdatedAt
		}
		rows = append(rows, []string{info.SessionID, title, updated, info.Cwd})
	}
	printTable(out, []string{"SESSION", "TITLE", "UPDATED", "CWD"}, rows, "No sessions.")
}

// printTable writes rows under headers, or empty when there are none.
func printTable(out io.Writer, headers []string, rows [][]string, empty string) {
	if len(rows) == 0 {
		fmt.Fprintln(out, empty)
		return
	}
	renderer := lipgloss.NewRenderer(out)
	headerStyle := renderer.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := renderer.NewStyle().Padding(0, 1)
	rendered := table.New().
		Border(asciiBorder()).
		BorderStyle(renderer.NewStyle().Faint(true)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
	fmt.Fprintln(out, rendered)
}

// asciiBorder keeps tables and panes readable on terminals without box
// drawing glyphs.
func asciiBorder() lipgloss.Border {
	return lipgloss.Border{
		Top:          "-",
		Bottom:       "-",
		Left:         "|",
		Right:        "|",
		TopLeft:      "+",
		TopRight:     "+",
		BottomLeft:   "+",
		BottomRight:  "+",
		MiddleLeft:   "+",
		MiddleRight:  "+",
		Middle:       "+",
		MiddleTop:    "+",
		MiddleBottom: "+",
	}
}
