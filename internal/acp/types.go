// Package acp implements the client side of the Agent Client Protocol:
// JSON-RPC 2.0 messages framed as newline-delimited JSON over the agent's stdio.
package acp

import "encoding/json"

// ProtocolVersion is the protocol revision this client negotiates.
const ProtocolVersion = 1

// Method names used on the wire.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionResume     = "session/resume"
	MethodSessionFork       = "session/fork"
	MethodSessionList       = "session/list"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
)

// ClientCapabilities advertises what the client can do for the agent.
type ClientCapabilities struct {
	// FS lists filesystem operations served by the client.
	FS FileSystemCapability `json:"fs"`
	// Terminal reports whether terminal methods are supported.
	Terminal bool `json:"terminal"`
}

// FileSystemCapability toggles the fs/* methods.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeRequest opens the protocol handshake.
type InitializeRequest struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// InitializeResponse carries the agent's negotiated version and capabilities.
type InitializeResponse struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AuthMethods       json.RawMessage `json:"authMethods,omitempty"`
}

// EnvVariable is a name/value pair passed to an MCP server process.
type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// McpServer describes a stdio MCP server the agent should attach to a session.
type McpServer struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Env     []EnvVariable `json:"env"`
}

// NewSessionRequest creates a session rooted at Cwd.
type NewSessionRequest struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// NewSessionResponse returns the created session id.
type NewSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is a prompt or message content block. Only text is produced
// by this client.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// PromptRequest sends a user turn to a session.
type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResponse is the terminal response of a turn.
type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

// Stop reasons reported by agents.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
	StopReasonRefusal   = "refusal"
	StopReasonCancelled = "cancelled"
)

// CancelNotification asks the agent to stop the in-flight turn of a session.
type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

// ResumeSessionRequest reattaches to an existing session without replay.
type ResumeSessionRequest struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// ForkSessionRequest branches an existing session.
type ForkSessionRequest struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// ForkSessionResponse returns the id of the new branch.
type ForkSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ListSessionsRequest filters sessions by working directory when Cwd is set.
type ListSessionsRequest struct {
	Cwd *string `json:"cwd"`
}

// SessionInfo describes a session known to the agent.
type SessionInfo struct {
	SessionID string  `json:"sessionId"`
	Cwd       string  `json:"cwd"`
	Title     *string `json:"title,omitempty"`
	UpdatedAt *string `json:"updatedAt,omitempty"`
}

// ListSessionsResponse lists sessions.
type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// Permission option kinds.
const (
	PermissionAllowOnce    = "allow_once"
	PermissionAllowAlways  = "allow_always"
	PermissionRejectOnce   = "reject_once"
	PermissionRejectAlways = "reject_always"
)

// PermissionOption is one choice offered in a permission request.
type PermissionOption struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	OptionID string `json:"optionId"`
}

// IsAllow reports whether the option grants the permission.
func (o PermissionOption) IsAllow() bool {
	return o.Kind == PermissionAllowOnce || o.Kind == PermissionAllowAlways
}

// PermissionToolCall identifies the tool call the agent wants to run.
type PermissionToolCall struct {
	ToolCallID string  `json:"toolCallId"`
	Title      *string `json:"title,omitempty"`
	Kind       *string `json:"kind,omitempty"`
}

// RequestPermissionRequest asks the client to pick one of Options.
type RequestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  PermissionToolCall `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// Permission outcomes.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// PermissionOutcome is the client's answer to a permission request.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResponse wraps the chosen outcome.
type RequestPermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// Selected builds a response selecting optionID.
func Selected(optionID string) RequestPermissionResponse {
	return RequestPermissionResponse{Outcome: PermissionOutcome{Outcome: OutcomeSelected, OptionID: optionID}}
}

// ReadTextFileRequest reads a file, optionally a window of lines.
type ReadTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	// Line is the 1-based first line to return.
	Line *int `json:"line,omitempty"`
	// Limit caps the number of lines returned.
	Limit *int `json:"limit,omitempty"`
}

// ReadTextFileResponse returns file content.
type ReadTextFileResponse struct {
	Content string `json:"content"`
}

// WriteTextFileRequest writes full file content.
type WriteTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// WriteTextFileResponse is empty on success.
type WriteTextFileResponse struct{}

// SessionNotification is the params payload of session/update.
type SessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}
