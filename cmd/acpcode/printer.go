package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/openclaude/acpcode/internal/acp"
	"github.com/openclaude/acpcode/internal/client"
	"github.com/openclaude/acpcode/internal/events"
	"github.com/openclaude/acpcode/internal/permission"
	"github.com/openclaude/acpcode/internal/server"
)

// streamPrinter renders normalized events for text output. Assistant text
// goes to out; tool, plan and permission lines go to errOut so out stays
// pipeable.
type streamPrinter struct {
	// out receives assistant text.
	out io.Writer
	// errOut receives activity lines.
	errOut io.Writer
	// verbose adds thinking and tool output.
	verbose bool
	// bufferText holds text back for a final markdown render.
	bufferText bool
	// lineOpen tracks whether a streaming text line is in progress.
	lineOpen bool
	// titles remembers tool titles by call id for progress lines.
	titles map[string]string

	toolStyle   lipgloss.Style
	dimStyle    lipgloss.Style
	warnStyle   lipgloss.Style
	statusStyle lipgloss.Style
}

// newStreamPrinter constructs a printer. Styles degrade to plain text when
// errOut is not a terminal.
func newStreamPrinter(out io.Writer, errOut io.Writer, verbose bool) *streamPrinter {
	renderer := lipgloss.NewRenderer(errOut)
	return &streamPrinter{
		out:         out,
		errOut:      errOut,
		verbose:     verbose,
		titles:      map[string]string{},
		toolStyle:   renderer.NewStyle().Foreground(lipgloss.Color("13")),
		dimStyle:    renderer.NewStyle().Faint(true),
		warnStyle:   renderer.NewStyle().Foreground(lipgloss.Color("3")),
		statusStyle: renderer.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// EnsureNewline terminates a streaming line if one is active.
func (p *streamPrinter) EnsureNewline() {
	if !p.lineOpen {
		return
	}
	fmt.Fprintln(p.out)
	p.lineOpen = false
}

// Handle prints one event. It is used as an events.Listener.
func (p *streamPrinter) Handle(event events.Event) {
	switch event.Type {
	case events.TypeText:
		if p.bufferText || event.Text == "" {
			return
		}
		fmt.Fprint(p.out, event.Text)
		p.lineOpen = !strings.HasSuffix(event.Text, "\n")
	case events.TypeThinking:
		if !p.verbose {
			return
		}
		p.EnsureNewline()
		fmt.Fprintln(p.errOut, p.dimStyle.Render("thinking: "+truncateForDisplay(compactWhitespace(event.Text), 240)))
	case events.TypeToolCall:
		p.titles[event.ToolCallID] = event.Title
		p.EnsureNewline()
		line := fmt.Sprintf("-> tool %s %s", displayTitle(event.Title, event.ToolCallID), statusOr(event.Status, "started"))
		fmt.Fprintln(p.errOut, p.toolStyle.Render(line))
	case events.TypeToolResult:
		if event.Status == "" && !p.verbose {
			return
		}
		p.EnsureNewline()
		title := displayTitle(p.titles[event.ToolCallID], event.ToolCallID)
		fmt.Fprintln(p.errOut, p.toolStyle.Render(fmt.Sprintf("-> tool %s %s", title, statusOr(event.Status, "updated"))))
		if event.Content != nil && (p.verbose || event.Status == "failed") {
			if summary := truncateForDisplay(compactWhitespace(*event.Content), 240); summary != "" {
				fmt.Fprintf(p.errOut, "   output: %s\n", summary)
			}
		}
	case events.TypePlan:
		p.EnsureNewline()
		fmt.Fprintln(p.errOut, p.statusStyle.Render("plan:"))
		for _, entry := range event.Entries {
			fmt.Fprintf(p.errOut, "   [%s] %s\n", statusOr(entry.Status, "pending"), entry.Title)
		}
	case events.TypePermissionRequest:
		p.EnsureNewline()
		choice := optionName(event.Options, event.SelectedOptionID)
		line := fmt.Sprintf("-> permission %s: %s", displayTitle(event.Title, event.ToolCallID), choice)
		style := p.toolStyle
		if !selectedAllows(event.Options, event.SelectedOptionID) {
			style = p.warnStyle
		}
		fmt.Fprintln(p.errOut, style.Render(line))
	case events.TypeDone:
		p.EnsureNewline()
		if event.StopReason != "" && event.StopReason != acp.StopReasonEndTurn {
			fmt.Fprintln(p.errOut, p.warnStyle.Render("(stopped: "+event.StopReason+")"))
		}
	}
}

func displayTitle(title string, toolCallID string) string {
	if title != "" {
		return title
	}
	if toolCallID != "" {
		return toolCallID
	}
	return "(untitled)"
}

func statusOr(status string, fallback string) string {
	if status == "" {
		return fallback
	}
	return status
}

func optionName(options []acp.PermissionOption, optionID string) string {
	for _, option := range options {
		if option.OptionID == optionID {
			return option.Name
		}
	}
	return optionID
}

func selectedAllows(options []acp.PermissionOption, optionID string) bool {
	for _, option := range options {
		if option.OptionID == optionID {
			return option.IsAllow()
		}
	}
	return false
}

// promptDecider asks on the terminal before allowing a tool.
type promptDecider struct {
	mu     sync.Mutex
	reader *bufio.Reader
	out    io.Writer
}

func newPromptDecider(in io.Reader, out io.Writer) *promptDecider {
	return &promptDecider{reader: bufio.NewReader(in), out: out}
}

// Decide implements permission.Decider.
func (d *promptDecider) Decide(ctx context.Context, title string, options []acp.PermissionOption) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "Allow tool %s? [y/N]: ", displayTitle(title, ""))
	line, err := d.reader.ReadString('\n')
	if err != nil && line == "" {
		// No answer means no.
		return permission.AutoReject{}.Decide(ctx, title, options)
	}
	switch strings.TrimSpace(strings.ToLower(line)) {
	case "y", "yes":
		return permission.FirstAllow(options)
	default:
		return permission.AutoReject{}.Decide(ctx, title, options)
	}
}

// compactWhitespace collapses internal whitespace into single spaces.
func compactWhitespace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// truncateForDisplay shortens long strings without breaking runes.
func truncateForDisplay(value string, max int) string {
	if max <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max]) + "...(truncated)"
}

// withInterrupt builds a context that is cancelled on SIGINT.
func withInterrupt(parent context.Context, onInterrupt func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	done := make(chan struct{})

	go func() {
		select {
		case <-interrupt:
			if onInterrupt != nil {
				onInterrupt()
			}
			cancel()
		case <-done:
			return
		}
	}()

	return ctx, func() {
		close(done)
		signal.Stop(interrupt)
		cancel()
	}
}

// formatError turns client errors into one-line terminal messages.
func formatError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "Request cancelled."
	case errors.Is(err, server.ErrServerNotFound):
		return err.Error()
	case errors.Is(err, server.ErrServerCrashed):
		return err.Error() + "; check the agent's stderr above"
	case errors.Is(err, client.ErrConnectionTimeout):
		return err.Error() + "; raise --timeout or --prompt-timeout"
	case errors.Is(err, client.ErrSessionNotFound):
		return err.Error() + "; see `acpcode sessions list`"
	case errors.Is(err, client.ErrSessionCancelled):
		return err.Error() + "; start a new session"
	default:
		return err.Error()
	}
}
