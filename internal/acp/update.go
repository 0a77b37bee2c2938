package acp

import (
	"encoding/json"
	"fmt"
)

// Session update discriminators.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// Update is one decoded session/update payload. The set of implementations
// is closed: AgentMessageChunk, AgentThoughtChunk, ToolCallStarted,
// ToolCallProgress, PlanUpdate and UnknownUpdate.
type Update interface {
	updateKind() string
}

// AgentMessageChunk is a piece of the agent's visible reply.
type AgentMessageChunk struct {
	Content ContentBlock
}

// AgentThoughtChunk is a piece of the agent's reasoning.
type AgentThoughtChunk struct {
	// Text is empty when the chunk carried no text content.
	Text    string
	HasText bool
}

// ToolCallStarted announces a new tool call.
type ToolCallStarted struct {
	ToolCallID string
	Title      string
	Status     string
	Kind       string
}

// ToolCallProgress reports a status change or output for a tool call.
type ToolCallProgress struct {
	ToolCallID string
	Status     string
	// Content is the first text content item, when present.
	Content *string
}

// PlanEntry is one step of an agent plan.
type PlanEntry struct {
	Title  string `json:"title"`
	Status string `json:"status"`
}

// PlanUpdate replaces the agent's current plan.
type PlanUpdate struct {
	Entries []PlanEntry
}

// UnknownUpdate is any update kind this client does not model.
type UnknownUpdate struct {
	Kind string
	Raw  json.RawMessage
}

func (AgentMessageChunk) updateKind() string { return UpdateAgentMessageChunk }
func (AgentThoughtChunk) updateKind() string { return UpdateAgentThoughtChunk }
func (ToolCallStarted) updateKind() string   { return UpdateToolCall }
func (ToolCallProgress) updateKind() string  { return UpdateToolCallUpdate }
func (PlanUpdate) updateKind() string        { return UpdatePlan }
func (u UnknownUpdate) updateKind() string   { return u.Kind }

// UpdateKind returns the wire discriminator of an update.
func UpdateKind(update Update) string {
	if update == nil {
		return ""
	}
	return update.updateKind()
}

// rawUpdate mirrors every field the modelled variants read.
type rawUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content"`
	ToolCallID    string          `json:"toolCallId"`
	Title         *string         `json:"title"`
	Status        *string         `json:"status"`
	Kind          string          `json:"kind"`
	Entries       []rawPlanEntry  `json:"entries"`
}

type rawPlanEntry struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

type rawToolCallContent struct {
	Type    string       `json:"type"`
	Content ContentBlock `json:"content"`
}

// DecodeUpdate parses the update object of a session/update notification.
// Unrecognized discriminators decode to UnknownUpdate rather than an error.
func DecodeUpdate(data json.RawMessage) (Update, error) {
	var raw rawUpdate
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode session update: %w", err)
	}

	switch raw.SessionUpdate {
	case UpdateAgentMessageChunk:
		var block ContentBlock
		if len(raw.Content) > 0 {
			if err := json.Unmarshal(raw.Content, &block); err != nil {
				return nil, fmt.Errorf("decode %s content: %w", raw.SessionUpdate, err)
			}
		}
		return AgentMessageChunk{Content: block}, nil
	case UpdateAgentThoughtChunk:
		var content struct {
			Text *string `json:"text"`
		}
		if len(raw.Content) > 0 {
			// Thought content is not always a text block; tolerate other shapes.
			_ = json.Unmarshal(raw.Content, &content)
		}
		if content.Text == nil {
			return AgentThoughtChunk{}, nil
		}
		return AgentThoughtChunk{Text: *content.Text, HasText: true}, nil
	case UpdateToolCall:
		return ToolCallStarted{
			ToolCallID: raw.ToolCallID,
			Title:      deref(raw.Title),
			Status:     deref(raw.Status),
			Kind:       raw.Kind,
		}, nil
	case UpdateToolCallUpdate:
		progress := ToolCallProgress{
			ToolCallID: raw.ToolCallID,
			Status:     deref(raw.Status),
		}
		var items []rawToolCallContent
		if len(raw.Content) > 0 && json.Unmarshal(raw.Content, &items) == nil && len(items) > 0 {
			first := items[0]
			if first.Type == "content" && first.Content.Type == "text" {
				text := first.Content.Text
				progress.Content = &text
			}
		}
		return progress, nil
	case UpdatePlan:
		entries := make([]PlanEntry, 0, len(raw.Entries))
		for _, entry := range raw.Entries {
			title := entry.Title
			if title == "" {
				title = entry.Content
			}
			entries = append(entries, PlanEntry{Title: title, Status: entry.Status})
		}
		return PlanUpdate{Entries: entries}, nil
	default:
		return UnknownUpdate{Kind: raw.SessionUpdate, Raw: data}, nil
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
