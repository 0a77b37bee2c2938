// Package client drives an ACP coding agent: it owns the agent process and
// the connection, creates sessions and turns prompts into results.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openclaude/acpcode/internal/acp"
	"github.com/openclaude/acpcode/internal/events"
	"github.com/openclaude/acpcode/internal/permission"
	"github.com/openclaude/acpcode/internal/server"
	"github.com/openclaude/acpcode/internal/verify"
)

const (
	// DefaultTimeout bounds control round trips such as initialize and session/new.
	DefaultTimeout = 30 * time.Second
	// DefaultPromptTimeout bounds one prompt turn.
	DefaultPromptTimeout = 10 * time.Minute
	// exitGrace is how long a closed stream waits for the process exit status.
	exitGrace = time.Second
)

// Transport is the agent process. *server.Server implements it.
type Transport interface {
	Start() error
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Running() bool
	Exited() <-chan struct{}
	ExitErr() error
	Stop() error
}

var _ Transport = (*server.Server)(nil)

// Options configures a Client.
type Options struct {
	// Cwd is the session working directory and the file access root.
	// Defaults to the process working directory.
	Cwd string
	// ServerCommand, ServerArgs, Env and PermissionMode configure the agent process.
	ServerCommand  string
	ServerArgs     []string
	Env            map[string]string
	PermissionMode string
	// Stderr receives the agent's stderr.
	Stderr io.Writer
	// Timeout bounds control operations; DefaultTimeout when zero.
	Timeout time.Duration
	// PromptTimeout bounds prompt turns; DefaultPromptTimeout when zero.
	PromptTimeout time.Duration
	// AllowOutsideCwd disables the path guard.
	AllowOutsideCwd bool
	// FailOnPermissionDenied makes a turn with a denied permission return
	// *PermissionDeniedError.
	FailOnPermissionDenied bool
	// McpServers are attached to every new, resumed or forked session.
	McpServers []acp.McpServer
	// Decider answers permission requests; permission.AutoAllow when nil.
	Decider permission.Decider
	// Transport replaces the spawned agent process.
	Transport Transport
	// Logger receives client diagnostics.
	Logger *slog.Logger
}

// PromptOptions selects the session of a prompt.
type PromptOptions struct {
	// SessionID continues a session; a new one is created when empty.
	SessionID string
	// Cwd overrides the working directory of a new session.
	Cwd string
}

// SessionOptions applies to resume and fork.
type SessionOptions struct {
	Cwd        string
	McpServers []acp.McpServer
}

// PromptResult is the outcome of one turn.
type PromptResult struct {
	Text              string              `json:"text"`
	SessionID         string              `json:"session_id"`
	StopReason        string              `json:"stop_reason"`
	PermissionDenials []permission.Denial `json:"permission_denials,omitempty"`
	// Events holds this turn's normalized events.
	Events []events.Event `json:"-"`
}

// Client owns one agent process and one connection.
type Client struct {
	opts      Options
	logger    *slog.Logger
	transport Transport
	session   *SessionClient

	mu        sync.Mutex
	conn      *acp.Conn
	closed    bool
	broken    error
	cancelled map[string]bool

	// promptMu serializes turns so each turn's event buffer is its own.
	promptMu sync.Mutex
}

// New builds an unconnected client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = DefaultPromptTimeout
	}
	if opts.Cwd == "" {
		if cwd, err := os.Getwd(); err == nil {
			opts.Cwd = cwd
		}
	}
	if abs, err := filepath.Abs(opts.Cwd); err == nil {
		opts.Cwd = abs
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	transport := opts.Transport
	if transport == nil {
		transport = server.New(server.Options{
			Command:        opts.ServerCommand,
			Args:           opts.ServerArgs,
			Env:            opts.Env,
			PermissionMode: opts.PermissionMode,
			Dir:            opts.Cwd,
			Stderr:         opts.Stderr,
			Logger:         logger,
		})
	}
	return &Client{
		opts:      opts,
		logger:    logger,
		transport: transport,
		session:   NewSessionClient(opts.Cwd, opts.AllowOutsideCwd, opts.Decider, logger),
		cancelled: map[string]bool{},
	}
}

// Cwd returns the resolved working directory.
func (c *Client) Cwd() string {
	return c.opts.Cwd
}

// Events exposes the normalizer so callers can subscribe across turns.
func (c *Client) Events() *events.Normalizer {
	return c.session.Events()
}

// Connect starts the agent and performs the initialize handshake. A failed
// Connect closes the client.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if err := c.transport.Start(); err != nil {
		c.closed = true
		c.mu.Unlock()
		return err
	}
	conn := acp.NewConn(c.session, c.transport.Stdin(), c.transport.Stdout(), acp.WithLogger(c.logger))
	c.conn = conn
	c.mu.Unlock()

	go func() {
		select {
		case <-c.transport.Exited():
			_ = conn.Close()
		case <-conn.Done():
		}
	}()

	var response acp.InitializeResponse
	err := c.call(ctx, c.opts.Timeout, acp.MethodInitialize, "", acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersion,
		ClientCapabilities: acp.ClientCapabilities{
			FS: acp.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	}, &response)
	if err != nil {
		_ = c.Close()
		return err
	}
	c.logger.Info("connected to acp server", "protocol_version", response.ProtocolVersion)
	return nil
}

// Connected reports whether the client can issue calls.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed && c.broken == nil && c.transport.Running()
}

// Close tears down the connection and stops the agent. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed && c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return c.transport.Stop()
}

// Prompt runs one turn and returns its aggregated text.
func (c *Client) Prompt(ctx context.Context, message string, opts PromptOptions) (PromptResult, error) {
	return c.runPrompt(ctx, message, nil, opts)
}

// PromptStream runs one turn, delivering events to listener as they arrive
// and a final done event to listener alone.
func (c *Client) PromptStream(ctx context.Context, message string, listener events.Listener, opts PromptOptions) (PromptResult, error) {
	return c.runPrompt(ctx, message, listener, opts)
}

func (c *Client) runPrompt(ctx context.Context, message string, listener events.Listener, opts PromptOptions) (PromptResult, error) {
	if err := ctx.Err(); err != nil {
		return PromptResult{}, err
	}
	c.promptMu.Lock()
	defer c.promptMu.Unlock()

	conn, err := c.activeConn()
	if err != nil {
		return PromptResult{}, err
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		cwd := opts.Cwd
		if cwd == "" {
			cwd = c.opts.Cwd
		}
		sessionID, err = c.newSession(ctx, cwd)
		if err != nil {
			return PromptResult{}, err
		}
	} else if c.isCancelled(sessionID) {
		return PromptResult{}, fmt.Errorf("%w: %s", ErrSessionCancelled, sessionID)
	}

	normalizer := c.session.Events()
	negotiator := c.session.Negotiator()
	normalizer.Reset()
	negotiator.TakeDenials()
	if listener != nil {
		unsubscribe := normalizer.Subscribe(listener)
		defer unsubscribe()
	}

	// The turn outlives ctx: cancellation is a request to the agent, and the
	// terminal response still has to be read.
	turnCtx, cancelTurn := context.WithTimeout(context.Background(), c.opts.PromptTimeout)
	defer cancelTurn()
	stopWatch := context.AfterFunc(ctx, func() {
		c.markCancelled(sessionID)
		c.logger.Info("cancelling turn", "session_id", sessionID)
		if err := conn.Notify(acp.MethodSessionCancel, acp.CancelNotification{SessionID: sessionID}); err != nil {
			c.logger.Warn("cancel notification failed", "session_id", sessionID, "error", err)
		}
	})
	defer stopWatch()

	c.logger.Debug("sending prompt", "session_id", sessionID, "bytes", len(message))
	var response acp.PromptResponse
	err = conn.Call(turnCtx, acp.MethodSessionPrompt, acp.PromptRequest{
		SessionID: sessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(message)},
	}, &response)
	if err != nil {
		return PromptResult{}, c.mapError(err, turnCtx, context.Background(), c.opts.PromptTimeout, acp.MethodSessionPrompt, sessionID)
	}

	turnEvents := normalizer.Drain()
	if listener != nil {
		listener(events.Event{Type: events.TypeDone, StopReason: response.StopReason})
	}
	result := PromptResult{
		Text:              events.Text(turnEvents),
		SessionID:         sessionID,
		StopReason:        response.StopReason,
		PermissionDenials: negotiator.TakeDenials(),
		Events:            turnEvents,
	}
	c.logger.Debug("prompt finished", "session_id", sessionID, "stop_reason", response.StopReason, "events", len(turnEvents), "tool_calls", events.ToolCalls(turnEvents))

	if c.opts.FailOnPermissionDenied && len(result.PermissionDenials) > 0 {
		return result, &PermissionDeniedError{
			ToolName: result.PermissionDenials[0].Title,
			Denials:  result.PermissionDenials,
		}
	}
	return result, nil
}

// ResumeSession reattaches to sessionID without replaying its history.
func (c *Client) ResumeSession(ctx context.Context, sessionID string, opts SessionOptions) (string, error) {
	request := acp.ResumeSessionRequest{
		SessionID:  sessionID,
		Cwd:        c.sessionCwd(opts.Cwd),
		McpServers: c.mcpServers(opts.McpServers),
	}
	if err := c.call(ctx, c.opts.Timeout, acp.MethodSessionResume, sessionID, request, nil); err != nil {
		return "", err
	}
	return sessionID, nil
}

// ForkSession branches sessionID and returns the new session id.
func (c *Client) ForkSession(ctx context.Context, sessionID string, opts SessionOptions) (string, error) {
	request := acp.ForkSessionRequest{
		SessionID:  sessionID,
		Cwd:        c.sessionCwd(opts.Cwd),
		McpServers: c.mcpServers(opts.McpServers),
	}
	var response acp.ForkSessionResponse
	if err := c.call(ctx, c.opts.Timeout, acp.MethodSessionFork, sessionID, request, &response); err != nil {
		return "", err
	}
	return response.SessionID, nil
}

// ListSessions lists the agent's sessions, filtered by cwd when non-empty.
func (c *Client) ListSessions(ctx context.Context, cwd string) ([]acp.SessionInfo, error) {
	request := acp.ListSessionsRequest{}
	if cwd != "" {
		request.Cwd = &cwd
	}
	var response acp.ListSessionsResponse
	if err := c.call(ctx, c.opts.Timeout, acp.MethodSessionList, "", request, &response); err != nil {
		return nil, err
	}
	if response.Sessions == nil {
		return []acp.SessionInfo{}, nil
	}
	return response.Sessions, nil
}

// RunVerified runs a verified write workflow over this client's prompts.
// listener, when set, receives every turn's events.
func (c *Client) RunVerified(ctx context.Context, message string, expectedFiles []string, opts verify.Options, listener events.Listener) (verify.Result, error) {
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	prompter := verify.PrompterFunc(func(ctx context.Context, message string, sessionID string) (verify.Turn, error) {
		result, err := c.runPrompt(ctx, message, listener, PromptOptions{SessionID: sessionID})
		if err != nil {
			return verify.Turn{Denials: result.PermissionDenials}, err
		}
		return verify.Turn{
			Text:       result.Text,
			SessionID:  result.SessionID,
			StopReason: result.StopReason,
			Denials:    result.PermissionDenials,
		}, nil
	})
	return verify.Run(ctx, prompter, message, expectedFiles, opts)
}

// NewSession creates a session rooted at cwd, or at the client's working
// directory when cwd is empty.
func (c *Client) NewSession(ctx context.Context, cwd string) (string, error) {
	return c.newSession(ctx, c.sessionCwd(cwd))
}

func (c *Client) newSession(ctx context.Context, cwd string) (string, error) {
	var response acp.NewSessionResponse
	request := acp.NewSessionRequest{Cwd: cwd, McpServers: c.mcpServers(nil)}
	if err := c.call(ctx, c.opts.Timeout, acp.MethodSessionNew, "", request, &response); err != nil {
		return "", err
	}
	c.logger.Info("created session", "session_id", response.SessionID, "cwd", cwd)
	return response.SessionID, nil
}

// call performs a bounded round trip and maps failures onto client errors.
func (c *Client) call(ctx context.Context, timeout time.Duration, method string, sessionID string, params any, result any) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Call(callCtx, method, params, result); err != nil {
		return c.mapError(err, callCtx, ctx, timeout, method, sessionID)
	}
	return nil
}

func (c *Client) mapError(err error, callCtx context.Context, parent context.Context, timeout time.Duration, method string, sessionID string) error {
	if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil && parent.Err() == nil {
		timeoutErr := &ConnectionTimeoutError{Operation: method, Timeout: timeout}
		c.mu.Lock()
		if c.broken == nil {
			c.broken = timeoutErr
		}
		c.mu.Unlock()
		c.logger.Error("acp call timed out", "method", method, "timeout", timeout)
		return timeoutErr
	}

	if errors.Is(err, acp.ErrConnectionClosed) {
		if c.isClosed() {
			return ErrClosed
		}
		select {
		case <-c.transport.Exited():
		case <-time.After(exitGrace):
		}
		if exitErr := c.transport.ExitErr(); exitErr != nil {
			return exitErr
		}
		return fmt.Errorf("%s: %w", method, err)
	}

	var rpcErr *acp.RPCError
	if sessionID != "" && errors.As(err, &rpcErr) && namesUnknownSession(rpcErr) {
		return &SessionNotFoundError{SessionID: sessionID, Err: rpcErr}
	}
	return fmt.Errorf("%s: %w", method, err)
}

func namesUnknownSession(err *acp.RPCError) bool {
	if err.Code == acp.CodeResourceNotFound {
		return true
	}
	return strings.Contains(strings.ToLower(err.Message), "session not found")
}

func (c *Client) activeConn() (*acp.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.broken != nil:
		return nil, fmt.Errorf("client unusable after earlier failure: %w", c.broken)
	case c.closed:
		return nil, ErrClosed
	case c.conn == nil:
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) markCancelled(sessionID string) {
	c.mu.Lock()
	c.cancelled[sessionID] = true
	c.mu.Unlock()
}

func (c *Client) isCancelled(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[sessionID]
}

func (c *Client) sessionCwd(cwd string) string {
	if cwd != "" {
		return cwd
	}
	return c.opts.Cwd
}

func (c *Client) mcpServers(override []acp.McpServer) []acp.McpServer {
	servers := override
	if servers == nil {
		servers = c.opts.McpServers
	}
	// The wire format wants arrays, never null.
	normalized := make([]acp.McpServer, 0, len(servers))
	for _, mcp := range servers {
		if mcp.Args == nil {
			mcp.Args = []string{}
		}
		if mcp.Env == nil {
			mcp.Env = []acp.EnvVariable{}
		}
		normalized = append(normalized, mcp)
	}
	return normalized
}
