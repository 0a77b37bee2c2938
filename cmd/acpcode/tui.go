package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openclaude/acpcode/internal/acp"
	"github.com/openclaude/acpcode/internal/client"
	"github.com/openclaude/acpcode/internal/events"
	"github.com/openclaude/acpcode/internal/permission"
	"github.com/openclaude/acpcode/internal/session"
)

// tuiMessage is a rendered chat entry in the interactive UI.
type tuiMessage struct {
	// Role labels the message origin (user, assistant, system).
	Role string
	// Content is the message text displayed in the chat viewport.
	Content string
}

// streamEventMsg carries one normalized session event into the UI loop.
type streamEventMsg struct {
	Event events.Event
}

// streamDoneMsg signals a completed turn.
type streamDoneMsg struct {
	Prompt string
	Result client.PromptResult
}

// streamErrorMsg reports a failed turn.
type streamErrorMsg struct {
	Err error
}

// permissionRequest is a permission prompt waiting on the user.
type permissionRequest struct {
	// Title is the tool call title.
	Title string
	// Options are the agent's choices.
	Options []acp.PermissionOption
	// Response returns the user's decision.
	Response chan bool
}

// permissionRequestMsg delivers a permission prompt to the UI loop.
type permissionRequestMsg struct {
	Request *permissionRequest
}

// channelDecider forwards permission requests into the UI loop and waits
// for the user's answer.
type channelDecider struct {
	msgs chan<- tea.Msg
}

// Decide implements permission.Decider.
func (d channelDecider) Decide(ctx context.Context, title string, options []acp.PermissionOption) (string, error) {
	request := &permissionRequest{
		Title:    title,
		Options:  options,
		Response: make(chan bool, 1),
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case d.msgs <- permissionRequestMsg{Request: request}:
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case allowed := <-request.Response:
		if allowed {
			return permission.FirstAllow(options)
		}
		return permission.AutoReject{}.Decide(ctx, title, options)
	}
}

// tuiModel drives the interactive terminal UI.
type tuiModel struct {
	// app provides the store and config for persistence and status.
	app *app
	// client runs prompts; nil in tests that only drive the UI.
	client *client.Client
	// sessionID identifies the current session; empty until the first turn.
	sessionID string
	// chatMessages holds display-friendly message entries.
	chatMessages []tuiMessage
	// toolLines keeps a rolling log of tool activity.
	toolLines []string
	// titles maps tool call ids to titles for progress lines.
	titles map[string]string
	// inputHistory stores prior user inputs for recall.
	inputHistory []string
	// historyIndex tracks the active position in inputHistory.
	historyIndex int
	// historyDraft preserves the in-progress input when browsing history.
	historyDraft string
	chatView     viewport.Model
	toolView     viewport.Model
	input        textarea.Model
	spinner      spinner.Model
	markdown     *markdownRenderer
	// statusText is the bottom status line.
	statusText     string
	chatAutoScroll bool
	toolAutoScroll bool
	width          int
	height         int
	// activePane identifies which pane is focused.
	activePane string
	// running indicates an in-flight turn.
	running bool
	// streamBuffer accumulates streamed assistant text.
	streamBuffer strings.Builder
	// msgs delivers stream and permission messages into the update loop.
	msgs chan tea.Msg
	// cancel cancels the current turn when present.
	cancel context.CancelFunc
	// pendingPermission is the active permission prompt, when any.
	pendingPermission *permissionRequest
	quitting          bool
}

// runTUI connects a client and runs the full-screen UI until the user quits.
func runTUI(ctx context.Context, a *app, sessionID string) error {
	if !isTerminal(os.Stdin) || !isTerminal(a.stdout) {
		return errors.New("interactive TUI requires a TTY")
	}
	msgs := make(chan tea.Msg, 256)
	acpClient, err := a.newClient(channelDecider{msgs: msgs})
	if err != nil {
		return err
	}
	defer acpClient.Close()

	if err := acpClient.Connect(ctx); err != nil {
		return err
	}
	if sessionID != "" {
		if _, err := acpClient.ResumeSession(ctx, sessionID, client.SessionOptions{}); err != nil {
			return err
		}
	}

	model := newTUIModel(a, acpClient, sessionID, msgs)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// newTUIModel constructs the initial TUI model state.
func newTUIModel(a *app, acpClient *client.Client, sessionID string, msgs chan tea.Msg) *tuiModel {
	input := textarea.New()
	input.Placeholder = "Type a message..."
	input.Focus()
	input.CharLimit = 0
	input.Prompt = "> "
	input.SetHeight(3)
	input.SetWidth(20)

	chatView := viewport.New(20, 10)
	toolView := viewport.New(20, 10)
	toolView.SetContent("No tool activity yet.")

	m := &tuiModel{
		app:            a,
		client:         acpClient,
		sessionID:      sessionID,
		titles:         map[string]string{},
		chatView:       chatView,
		toolView:       toolView,
		input:          input,
		spinner:        spinner.New(spinner.WithSpinner(spinner.Line)),
		markdown:       newMarkdownRenderer(0),
		statusText:     "Enter: send | Alt+Enter: newline | Ctrl+P/N: history | Tab: panes | Ctrl+C: cancel | Ctrl+Q: quit",
		activePane:     "input",
		chatAutoScroll: true,
		toolAutoScroll: true,
		msgs:           msgs,
	}
	m.bootstrapHistory()
	return m
}

// Init starts the cursor blink and the stream listener.
func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.listenStream())
}

// Update handles UI events and streaming updates.
func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.applyWindowSize(typed)
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(typed)
	case spinner.TickMsg:
		if !m.running {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case streamEventMsg:
		m.handleEvent(typed.Event)
		return m, m.listenStream()
	case permissionRequestMsg:
		m.handlePermissionRequest(typed.Request)
		return m, m.listenStream()
	case streamDoneMsg:
		m.finishRun(typed.Prompt, typed.Result)
		return m, m.listenStream()
	case streamErrorMsg:
		m.finishError(typed.Err)
		return m, m.listenStream()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the full UI layout.
func (m *tuiModel) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "Initializing..."
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), m.renderBody(), m.renderInput(), m.renderStatus())
}

// handleKey routes keyboard input and prompt submission.
func (m *tuiModel) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.pendingPermission != nil {
		switch strings.ToLower(key.String()) {
		case "y":
			m.resolvePermission(true)
			return m, nil
		case "n", "esc", "enter":
			m.resolvePermission(false)
			return m, nil
		}
	}

	switch key.String() {
	case "ctrl+c":
		if m.running {
			m.cancelRun("Cancelling...")
			return m, nil
		}
		m.quitting = true
		return m, tea.Quit
	case "ctrl+q":
		if m.running {
			m.cancelRun("Cancelling...")
		}
		m.quitting = true
		return m, tea.Quit
	case "tab":
		m.cyclePane(1)
		return m, nil
	case "shift+tab":
		m.cyclePane(-1)
		return m, nil
	case "esc":
		m.setActivePane("input")
		return m, nil
	case "pgup":
		m.scrollActivePane(-10)
		return m, nil
	case "pgdown":
		m.scrollActivePane(10)
		return m, nil
	case "ctrl+p":
		if m.activePane == "input" {
			m.cycleInputHistory(-1)
			return m, nil
		}
	case "ctrl+n":
		if m.activePane == "input" {
			m.cycleInputHistory(1)
			return m, nil
		}
	}

	if key.Type == tea.KeyEnter {
		if key.Alt {
			m.input.InsertString("\n")
			return m, nil
		}
		return m.submitInput()
	}

	if m.activePane != "input" {
		switch key.String() {
		case "up":
			m.scrollActivePane(-1)
			return m, nil
		case "down":
			m.scrollActivePane(1)
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(key)
	return m, cmd
}

// submitInput sends the current input as a new turn.
func (m *tuiModel) submitInput() (tea.Model, tea.Cmd) {
	if m.running {
		m.statusText = "Wait for the current response or cancel with Ctrl+C."
		return m, nil
	}
	value := strings.TrimSpace(m.input.Value())
	if value == "" {
		return m, nil
	}
	m.input.SetValue("")
	m.appendInputHistory(value)
	m.appendMessage("user", value)

	m.running = true
	m.streamBuffer.Reset()
	m.toolLines = nil
	m.refreshTools()
	m.refreshChat()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.statusText = "Thinking..."
	return m, tea.Batch(m.startPrompt(ctx, value), m.spinner.Tick)
}

// startPrompt runs the turn off the UI loop and feeds its events into msgs.
func (m *tuiModel) startPrompt(ctx context.Context, prompt string) tea.Cmd {
	acpClient := m.client
	sessionID := m.sessionID
	msgs := m.msgs
	return func() tea.Msg {
		if acpClient == nil {
			msgs <- streamErrorMsg{Err: errors.New("client is required")}
			return nil
		}
		listener := func(event events.Event) {
			msgs <- streamEventMsg{Event: event}
		}
		result, err := acpClient.PromptStream(ctx, prompt, listener, client.PromptOptions{SessionID: sessionID})
		if err != nil {
			msgs <- streamErrorMsg{Err: err}
			return nil
		}
		msgs <- streamDoneMsg{Prompt: prompt, Result: result}
		return nil
	}
}

// listenStream waits for the next stream or permission message.
func (m *tuiModel) listenStream() tea.Cmd {
	if m.msgs == nil {
		return nil
	}
	msgs := m.msgs
	return func() tea.Msg {
		return <-msgs
	}
}

// handleEvent folds one session event into the chat or tool pane.
func (m *tuiModel) handleEvent(event events.Event) {
	switch event.Type {
	case events.TypeText:
		m.streamBuffer.WriteString(event.Text)
		m.refreshChat()
		return
	case events.TypeToolCall:
		m.titles[event.ToolCallID] = event.Title
		m.appendToolLine(fmt.Sprintf("%s: %s", displayTitle(event.Title, event.ToolCallID), statusOr(event.Status, "started")))
	case events.TypeToolResult:
		if event.Status == "" {
			return
		}
		title := displayTitle(m.titles[event.ToolCallID], event.ToolCallID)
		m.appendToolLine(fmt.Sprintf("%s: %s", title, event.Status))
		if event.Content != nil {
			if summary := truncateForDisplay(compactWhitespace(*event.Content), 160); summary != "" {
				m.appendToolLine("  " + summary)
			}
		}
	case events.TypePlan:
		m.appendToolLine("plan:")
		for _, entry := range event.Entries {
			m.appendToolLine(fmt.Sprintf("  [%s] %s", statusOr(entry.Status, "pending"), entry.Title))
		}
	case events.TypePermissionRequest:
		m.appendToolLine(fmt.Sprintf("permission %s: %s", displayTitle(event.Title, event.ToolCallID), optionName(event.Options, event.SelectedOptionID)))
	default:
		return
	}
	m.refreshTools()
}

// finishRun records the completed turn.
func (m *tuiModel) finishRun(prompt string, result client.PromptResult) {
	m.running = false
	m.cancel = nil
	m.pendingPermission = nil
	m.input.Focus()
	text := result.Text
	if text == "" {
		text = m.streamBuffer.String()
	}
	if text != "" {
		m.appendMessage("assistant", text)
	}
	m.streamBuffer.Reset()
	if m.app != nil {
		m.app.persistTurn(prompt, result)
	}
	m.sessionID = result.SessionID
	m.statusText = ""
	if calls := events.ToolCalls(result.Events); calls > 0 {
		m.statusText = fmt.Sprintf("Done. %d tool call(s) this turn.", calls)
	}
	if result.StopReason == acp.StopReasonCancelled {
		// A cancelled session accepts no further prompts.
		m.sessionID = ""
		m.statusText = "Cancelled. The next prompt starts a new session."
	}
	m.refreshChat()
}

// finishError handles a failed turn.
func (m *tuiModel) finishError(err error) {
	m.running = false
	m.statusText = formatError(err)
	m.cancel = nil
	m.pendingPermission = nil
	m.input.Focus()
	m.streamBuffer.Reset()
	m.refreshChat()
}

// cancelRun cancels an in-flight turn and updates status.
func (m *tuiModel) cancelRun(reason string) {
	if m.cancel != nil {
		m.cancel()
	}
	if m.pendingPermission != nil {
		m.resolvePermission(false)
	}
	m.statusText = reason
}

// handlePermissionRequest stores the prompt and updates UI state.
func (m *tuiModel) handlePermissionRequest(request *permissionRequest) {
	if request == nil {
		return
	}
	m.pendingPermission = request
	m.input.Blur()
	m.statusText = fmt.Sprintf("Allow tool %s? [y/N]", displayTitle(request.Title, ""))
}

// resolvePermission sends the user's decision back to the decider.
func (m *tuiModel) resolvePermission(allowed bool) {
	request := m.pendingPermission
	m.pendingPermission = nil
	if request != nil {
		select {
		case request.Response <- allowed:
		default:
		}
	}
	m.input.Focus()
	if allowed {
		m.statusText = "Tool allowed."
	} else {
		m.statusText = "Tool denied."
	}
}

// appendInputHistory records an input line for history navigation.
func (m *tuiModel) appendInputHistory(value string) {
	m.inputHistory = append(m.inputHistory, value)
	if len(m.inputHistory) > 200 {
		m.inputHistory = m.inputHistory[len(m.inputHistory)-200:]
	}
	m.historyIndex = len(m.inputHistory)
	m.historyDraft = ""
}

// cycleInputHistory moves the input buffer through stored history entries.
func (m *tuiModel) cycleInputHistory(delta int) {
	if len(m.inputHistory) == 0 {
		return
	}
	if m.historyIndex == len(m.inputHistory) {
		m.historyDraft = m.input.Value()
	}
	next := min(max(m.historyIndex+delta, 0), len(m.inputHistory))
	m.historyIndex = next
	if m.historyIndex == len(m.inputHistory) {
		m.input.SetValue(m.historyDraft)
		return
	}
	m.input.SetValue(m.inputHistory[m.historyIndex])
}

func (m *tuiModel) appendMessage(role string, content string) {
	m.chatMessages = append(m.chatMessages, tuiMessage{Role: role, Content: content})
}

func (m *tuiModel) appendToolLine(line string) {
	m.toolLines = append(m.toolLines, line)
	if len(m.toolLines) > 200 {
		m.toolLines = m.toolLines[len(m.toolLines)-200:]
	}
}

// bootstrapHistory seeds the chat view from the local transcript of a
// resumed session.
func (m *tuiModel) bootstrapHistory() {
	if m.app == nil || m.app.store == nil || m.sessionID == "" {
		return
	}
	records, err := m.app.store.LoadRecords(m.sessionID)
	if err != nil {
		m.statusText = err.Error()
		return
	}
	var reply strings.Builder
	for _, record := range records {
		switch record.Kind {
		case session.KindPrompt:
			m.appendMessage("user", record.Prompt)
		case session.KindEvent:
			if record.Event != nil && record.Event.Type == events.TypeText {
				reply.WriteString(record.Event.Text)
			}
		case session.KindResult:
			if reply.Len() > 0 {
				m.appendMessage("assistant", reply.String())
				reply.Reset()
			}
		}
	}
	m.refreshChat()
}

// refreshChat rebuilds the chat viewport content.
func (m *tuiModel) refreshChat() {
	var builder strings.Builder
	for _, msg := range m.chatMessages {
		builder.WriteString(m.renderMessage(msg, false))
		builder.WriteString("\n\n")
	}
	if m.running && m.streamBuffer.Len() > 0 {
		builder.WriteString(m.renderMessage(tuiMessage{Role: "assistant", Content: m.streamBuffer.String()}, true))
		builder.WriteString("\n\n")
	}
	m.chatView.SetContent(builder.String())
	if m.chatAutoScroll {
		m.chatView.GotoBottom()
	}
}

// refreshTools rebuilds the tool viewport content.
func (m *tuiModel) refreshTools() {
	if len(m.toolLines) == 0 {
		m.toolView.SetContent("No tool activity yet.")
		return
	}
	m.toolView.SetContent(strings.Join(m.toolLines, "\n"))
	if m.toolAutoScroll {
		m.toolView.GotoBottom()
	}
}

// applyWindowSize recalculates the layout for a new window size.
func (m *tuiModel) applyWindowSize(msg tea.WindowSizeMsg) {
	m.width = msg.Width
	m.height = msg.Height

	bodyHeight := max(m.height-2-m.input.Height()-2, 4)
	toolWidth := min(max(24, m.width/3), 60)
	chatWidth := m.width - toolWidth - 3
	if chatWidth < 20 {
		chatWidth = 20
		toolWidth = max(20, m.width-chatWidth-3)
	}

	m.chatView.Width = chatWidth - 2
	m.chatView.Height = bodyHeight - 2
	m.toolView.Width = toolWidth - 2
	m.toolView.Height = bodyHeight - 2
	m.input.SetWidth(m.width - 4)
	m.markdown = newMarkdownRenderer(m.chatView.Width - 2)

	m.refreshChat()
	m.refreshTools()
}

func (m *tuiModel) renderHeader() string {
	sessionLabel := m.sessionID
	if sessionLabel == "" {
		sessionLabel = "(new)"
	}
	header := fmt.Sprintf("acpcode | session %s", sessionLabel)
	if m.app != nil {
		header += " | " + m.app.cwd
	}
	if m.running {
		header += " | " + m.spinner.View()
	}
	return lipgloss.NewStyle().Bold(true).Render(padRight(header, m.width))
}

func (m *tuiModel) renderBody() string {
	chat := m.renderPane("Conversation", m.chatView.View(), m.chatView.Width+2)
	tools := m.renderPane("Activity", m.toolView.View(), m.toolView.Width+2)
	return lipgloss.JoinHorizontal(lipgloss.Top, chat, tools)
}

// setActivePane updates focus and input state for the requested pane.
func (m *tuiModel) setActivePane(pane string) {
	switch pane {
	case "chat", "tools":
		m.activePane = pane
		m.input.Blur()
	default:
		m.activePane = "input"
		m.input.Focus()
	}
}

// cyclePane moves focus between input, chat and tools.
func (m *tuiModel) cyclePane(delta int) {
	order := []string{"input", "chat", "tools"}
	index := 0
	for i, name := range order {
		if name == m.activePane {
			index = i
			break
		}
	}
	next := (index + delta) % len(order)
	if next < 0 {
		next += len(order)
	}
	m.setActivePane(order[next])
}

// scrollActivePane scrolls the focused pane and unpins it from the bottom.
func (m *tuiModel) scrollActivePane(delta int) {
	var view *viewport.Model
	switch m.activePane {
	case "tools":
		m.toolAutoScroll = false
		view = &m.toolView
	case "chat":
		m.chatAutoScroll = false
		view = &m.chatView
	default:
		return
	}
	if delta > 0 {
		view.LineDown(delta)
	} else {
		view.LineUp(-delta)
	}
}

func (m *tuiModel) renderInput() string {
	style := lipgloss.NewStyle().Border(asciiBorder()).Padding(0, 1)
	return style.Render(m.input.View())
}

func (m *tuiModel) renderStatus() string {
	text := m.statusText
	if text == "" {
		text = "Ready"
	}
	parts := []string{text}
	if m.app != nil && m.app.cfg != nil && m.app.cfg.PermissionMode != "" {
		parts = append(parts, "perm:"+string(m.app.cfg.PermissionMode))
	}
	parts = append(parts, "focus:"+m.activePane)
	style := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	return style.Render(padRight(strings.Join(parts, " | "), m.width))
}

// renderPane formats a bordered pane with a title.
func (m *tuiModel) renderPane(title string, content string, width int) string {
	style := lipgloss.NewStyle().Border(asciiBorder()).Padding(0, 1)
	pane := lipgloss.JoinVertical(lipgloss.Left, fmt.Sprintf("[%s]", title), content)
	return style.Width(width).Render(pane)
}

// renderMessage formats a chat message for display. Streaming text is shown
// raw until the turn ends.
func (m *tuiModel) renderMessage(message tuiMessage, streaming bool) string {
	label := strings.ToUpper(message.Role)
	content := message.Content
	style := lipgloss.NewStyle()
	switch message.Role {
	case "user":
		style = style.Foreground(lipgloss.Color("39")).Bold(true)
		label = "YOU"
	case "assistant":
		style = style.Foreground(lipgloss.Color("10")).Bold(true)
	case "system":
		style = style.Foreground(lipgloss.Color("3"))
	}
	if !streaming && message.Role == "assistant" {
		content = m.markdown.Render(content)
	}
	return fmt.Sprintf("%s\n%s", style.Render(label+":"), content)
}

// padRight pads a string with spaces to the target width.
func padRight(value string, width int) string {
	runes := []rune(value)
	if len(runes) >= width {
		return value
	}
	return value + strings.Repeat(" ", width-len(runes))
}
