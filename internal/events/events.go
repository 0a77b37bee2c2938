// Package events normalizes ACP session updates into a stable, ordered event
// stream with live subscribers and a per-turn buffer.
package events

import (
	"strings"
	"sync"

	"github.com/openclaude/acpcode/internal/acp"
)

// Event types.
const (
	TypeText              = "text"
	TypeThinking          = "thinking"
	TypeToolCall          = "tool_call"
	TypeToolResult        = "tool_result"
	TypePlan              = "plan"
	TypePermissionRequest = "permission_request"
	TypeDone              = "done"
)

// Event is one normalized session event. Which fields are set depends on Type.
type Event struct {
	// Type is one of the Type* constants.
	Type string `json:"type"`
	// Text carries text and thinking chunks.
	Text string `json:"text,omitempty"`
	// ToolCallID links tool_call, tool_result and permission_request events.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Title is the human-readable tool call or permission title.
	Title string `json:"title,omitempty"`
	// Kind is the tool category reported by the agent (read, edit, execute...).
	Kind string `json:"kind,omitempty"`
	// Status is the tool call status.
	Status string `json:"status,omitempty"`
	// Content is tool output, when the agent reported any.
	Content *string `json:"content,omitempty"`
	// Entries is the full plan for plan events.
	Entries []acp.PlanEntry `json:"entries,omitempty"`
	// Options lists the choices offered for a permission request.
	Options []acp.PermissionOption `json:"options,omitempty"`
	// SelectedOptionID is the option chosen for a permission request.
	SelectedOptionID string `json:"selected_option_id,omitempty"`
	// StopReason ends a turn on done events.
	StopReason string `json:"stop_reason,omitempty"`
}

// Listener receives events synchronously, in arrival order.
type Listener func(Event)

type subscription struct {
	id       uint64
	listener Listener
}

// Normalizer converts updates into events, buffers them and fans them out.
// It is safe for concurrent use; dispatch of a single event runs on the
// caller's goroutine.
type Normalizer struct {
	mu        sync.Mutex
	log       []Event
	listeners []subscription
	nextID    uint64
}

// NewNormalizer returns an empty normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// HandleUpdate normalizes one update. Update kinds without an event mapping
// are dropped.
func (n *Normalizer) HandleUpdate(update acp.Update) {
	event, ok := Normalize(update)
	if !ok {
		return
	}
	n.Emit(event)
}

// Normalize maps an update onto its event, reporting false for updates that
// produce nothing.
func Normalize(update acp.Update) (Event, bool) {
	switch u := update.(type) {
	case acp.AgentMessageChunk:
		if u.Content.Type != "text" {
			return Event{}, false
		}
		return Event{Type: TypeText, Text: u.Content.Text}, true
	case acp.AgentThoughtChunk:
		if !u.HasText {
			return Event{}, false
		}
		return Event{Type: TypeThinking, Text: u.Text}, true
	case acp.ToolCallStarted:
		return Event{Type: TypeToolCall, ToolCallID: u.ToolCallID, Title: u.Title, Kind: u.Kind, Status: u.Status}, true
	case acp.ToolCallProgress:
		return Event{Type: TypeToolResult, ToolCallID: u.ToolCallID, Status: u.Status, Content: u.Content}, true
	case acp.PlanUpdate:
		return Event{Type: TypePlan, Entries: append([]acp.PlanEntry(nil), u.Entries...)}, true
	case acp.UnknownUpdate:
		return Event{}, false
	default:
		return Event{}, false
	}
}

// Emit appends event to the buffer and delivers it to every listener
// subscribed at the time of the call, in subscription order, before
// returning.
func (n *Normalizer) Emit(event Event) {
	n.mu.Lock()
	n.log = append(n.log, event)
	snapshot := make([]subscription, len(n.listeners))
	copy(snapshot, n.listeners)
	n.mu.Unlock()

	for _, sub := range snapshot {
		sub.listener(event)
	}
}

// Subscribe registers listener and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (n *Normalizer) Subscribe(listener Listener) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.listeners = append(n.listeners, subscription{id: id, listener: listener})
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, sub := range n.listeners {
			if sub.id == id {
				n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
				return
			}
		}
	}
}

// Events returns a copy of the buffered events.
func (n *Normalizer) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.log...)
}

// Drain returns the buffered events and clears the buffer.
func (n *Normalizer) Drain() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	drained := n.log
	n.log = nil
	return drained
}

// Reset clears the buffer. Subscriptions are untouched.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	n.log = nil
	n.mu.Unlock()
}

// Text concatenates the text events in order. Thinking is excluded.
func Text(events []Event) string {
	var builder strings.Builder
	for _, event := range events {
		if event.Type == TypeText {
			builder.WriteString(event.Text)
		}
	}
	return builder.String()
}

// ToolCalls counts tool_call events.
func ToolCalls(events []Event) int {
	count := 0
	for _, event := range events {
		if event.Type == TypeToolCall {
			count++
		}
	}
	return count
}
