package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openclaude/acpcode/internal/acp"
	"github.com/openclaude/acpcode/internal/events"
	"github.com/openclaude/acpcode/internal/permission"
	"github.com/openclaude/acpcode/internal/server"
	"github.com/openclaude/acpcode/internal/testutil"
	"github.com/openclaude/acpcode/internal/verify"
)

// wireMessage mirrors a JSON-RPC message on the agent side.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *acp.RPCError   `json:"error,omitempty"`
}

// fakeAgent is an in-memory ACP agent behind a Transport.
type fakeAgent struct {
	t *testing.T

	stdinReader  *io.PipeReader
	stdinWriter  *io.PipeWriter
	stdoutReader *io.PipeReader
	stdoutWriter *io.PipeWriter
	lines        *bufio.Scanner

	writeMu sync.Mutex

	// onPrompt answers session/prompt; the default replies end_turn.
	onPrompt func(agent *fakeAgent, msg wireMessage, request acp.PromptRequest)

	mu        sync.Mutex
	started   bool
	sessions  int
	cancelled []string

	exited        chan struct{}
	exitErr       error
	terminateOnce sync.Once
	startErr      error
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	agent := &fakeAgent{
		t:            t,
		stdinReader:  stdinReader,
		stdinWriter:  stdinWriter,
		stdoutReader: stdoutReader,
		stdoutWriter: stdoutWriter,
		lines:        bufio.NewScanner(stdinReader),
		exited:       make(chan struct{}),
	}
	agent.lines.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return agent
}

func (a *fakeAgent) Start() error {
	if a.startErr != nil {
		return a.startErr
	}
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	go a.serve()
	return nil
}

func (a *fakeAgent) Stdin() io.WriteCloser { return a.stdinWriter }
func (a *fakeAgent) Stdout() io.Reader     { return a.stdoutReader }
func (a *fakeAgent) Exited() <-chan struct{} {
	return a.exited
}
func (a *fakeAgent) ExitErr() error {
	select {
	case <-a.exited:
		return a.exitErr
	default:
		return nil
	}
}

func (a *fakeAgent) Running() bool {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	select {
	case <-a.exited:
		return false
	default:
		return started
	}
}

func (a *fakeAgent) Stop() error {
	a.terminate(nil)
	return nil
}

// crash simulates the agent process dying with code.
func (a *fakeAgent) crash(code int) {
	a.terminate(&server.ServerCrashedError{ExitCode: &code})
}

func (a *fakeAgent) terminate(exitErr error) {
	a.terminateOnce.Do(func() {
		a.exitErr = exitErr
		close(a.exited)
		_ = a.stdoutWriter.Close()
		_ = a.stdinReader.Close()
	})
}

func (a *fakeAgent) next() (wireMessage, bool) {
	var msg wireMessage
	if !a.lines.Scan() {
		return msg, false
	}
	if err := json.Unmarshal(a.lines.Bytes(), &msg); err != nil {
		a.t.Errorf("fake agent decode: %v", err)
		return msg, false
	}
	a.mu.Lock()
	if msg.Method == acp.MethodSessionCancel {
		var cancel acp.CancelNotification
		_ = json.Unmarshal(msg.Params, &cancel)
		a.cancelled = append(a.cancelled, cancel.SessionID)
	}
	a.mu.Unlock()
	return msg, true
}

func (a *fakeAgent) write(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		a.t.Errorf("fake agent encode: %v", err)
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, _ = a.stdoutWriter.Write(append(data, '\n'))
}

func (a *fakeAgent) reply(msg wireMessage, result any) {
	raw, _ := json.Marshal(result)
	a.write(wireMessage{JSONRPC: "2.0", ID: msg.ID, Result: raw})
}

func (a *fakeAgent) fail(msg wireMessage, code int, message string) {
	a.write(wireMessage{JSONRPC: "2.0", ID: msg.ID, Error: &acp.RPCError{Code: code, Message: message}})
}

func (a *fakeAgent) update(sessionID string, update string) {
	params := fmt.Sprintf(`{"sessionId":%q,"update":%s}`, sessionID, update)
	a.write(wireMessage{JSONRPC: "2.0", Method: acp.MethodSessionUpdate, Params: json.RawMessage(params)})
}

func (a *fakeAgent) text(sessionID string, text string) {
	a.update(sessionID, fmt.Sprintf(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":%q}}`, text))
}

// request sends an agent-to-client request and waits for its response.
func (a *fakeAgent) request(method string, params any) wireMessage {
	id := uuid.NewString()
	raw, _ := json.Marshal(params)
	a.write(wireMessage{JSONRPC: "2.0", ID: json.RawMessage(fmt.Sprintf("%q", id)), Method: method, Params: raw})
	for {
		msg, ok := a.next()
		if !ok {
			return wireMessage{}
		}
		if msg.Method == "" && string(msg.ID) == fmt.Sprintf("%q", id) {
			return msg
		}
	}
}

// waitFor reads until a message with method arrives.
func (a *fakeAgent) waitFor(method string) bool {
	for {
		msg, ok := a.next()
		if !ok {
			return false
		}
		if msg.Method == method {
			return true
		}
	}
}

// drain reads until the client closes its side.
func (a *fakeAgent) drain() {
	for {
		if _, ok := a.next(); !ok {
			return
		}
	}
}

func (a *fakeAgent) serve() {
	for {
		msg, ok := a.next()
		if !ok {
			return
		}
		switch msg.Method {
		case acp.MethodInitialize:
			a.reply(msg, acp.InitializeResponse{ProtocolVersion: acp.ProtocolVersion})
		case acp.MethodSessionNew:
			a.mu.Lock()
			a.sessions++
			id := fmt.Sprintf("sess-%d", a.sessions)
			a.mu.Unlock()
			a.reply(msg, acp.NewSessionResponse{SessionID: id})
		case acp.MethodSessionPrompt:
			var request acp.PromptRequest
			_ = json.Unmarshal(msg.Params, &request)
			if a.onPrompt != nil {
				a.onPrompt(a, msg, request)
			} else {
				a.reply(msg, acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
			}
		case acp.MethodSessionResume:
			var request acp.ResumeSessionRequest
			_ = json.Unmarshal(msg.Params, &request)
			if request.SessionID == "missing" {
				a.fail(msg, acp.CodeResourceNotFound, "Session not found: missing")
				continue
			}
			a.reply(msg, struct{}{})
		case acp.MethodSessionFork:
			var request acp.ForkSessionRequest
			_ = json.Unmarshal(msg.Params, &request)
			a.reply(msg, acp.ForkSessionResponse{SessionID: "fork-of-" + request.SessionID})
		case acp.MethodSessionList:
			var request acp.ListSessionsRequest
			_ = json.Unmarshal(msg.Params, &request)
			cwd := "/anywhere"
			if request.Cwd != nil {
				cwd = *request.Cwd
			}
			title := "first"
			a.reply(msg, acp.ListSessionsResponse{Sessions: []acp.SessionInfo{{SessionID: "sess-old", Cwd: cwd, Title: &title}}})
		case acp.MethodSessionCancel:
		default:
			if len(msg.ID) > 0 {
				a.fail(msg, acp.CodeMethodNotFound, "method not found")
			}
		}
	}
}

func (a *fakeAgent) cancelledSessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}

func connectedClient(t *testing.T, agent *fakeAgent, opts Options) *Client {
	t.Helper()
	opts.Transport = agent
	if opts.Cwd == "" {
		opts.Cwd = t.TempDir()
	}
	client := New(opts)
	testutil.RequireNoError(t, client.Connect(context.Background()), "connect")
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPromptCollectsText(t *testing.T) {
	// Arrange an agent that streams text around a thought.
	agent := newFakeAgent(t)
	agent.onPrompt = func(a *fakeAgent, msg wireMessage, request acp.PromptRequest) {
		a.text(request.SessionID, "Hel")
		a.update(request.SessionID, `{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"hmm"}}`)
		a.text(request.SessionID, "lo")
		a.reply(msg, acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
	}
	client := connectedClient(t, agent, Options{})

	// Act.
	result, err := client.Prompt(context.Background(), "say hello", PromptOptions{})

	// Assert.
	testutil.RequireNoError(t, err, "prompt")
	testutil.RequireEqual(t, result.Text, "Hello", "aggregated text")
	testutil.RequireEqual(t, result.SessionID, "sess-1", "new session")
	testutil.RequireEqual(t, result.StopReason, acp.StopReasonEndTurn, "stop reason")
	testutil.RequireEqual(t, len(result.Events), 3, "turn events")
	testutil.RequireTrue(t, client.Connected(), "still connected")
}

func TestPromptReusesSessionAndScopesEvents(t *testing.T) {
	agent := newFakeAgent(t)
	turn := 0
	agent.onPrompt = func(a *fakeAgent, msg wireMessage, request acp.PromptRequest) {
		turn++
		a.text(request.SessionID, fmt.Sprintf("turn %d", turn))
		a.reply(msg, acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
	}
	client := connectedClient(t, agent, Options{})

	first, err := client.Prompt(context.Background(), "one", PromptOptions{})
	testutil.RequireNoError(t, err, "first prompt")
	second, err := client.Prompt(context.Background(), "two", PromptOptions{SessionID: first.SessionID})
	testutil.RequireNoError(t, err, "second prompt")

	testutil.RequireEqual(t, second.SessionID, first.SessionID, "session reused")
	testutil.RequireEqual(t, second.Text, "turn 2", "second turn text only")
}

func TestPromptStreamDeliversDoneToListenerOnly(t *testing.T) {
	// Arrange.
	agent := newFakeAgent(t)
	agent.onPrompt = func(a *fakeAgent, msg wireMessage, request acp.PromptRequest) {
		a.update(request.SessionID, `{"sessionUpdate":"tool_call","toolCallId":"t1","title":"ls","status":"pending","kind":"execute"}`)
		a.text(request.SessionID, "ok")
		a.reply(msg, acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
	}
	client := connectedClient(t, agent, Options{})
	var seen []events.Event
	var other []events.Event
	client.Events().Subscribe(func(event events.Event) { other = append(other, event) })

	// Act.
	result, err := client.PromptStream(context.Background(), "go", func(event events.Event) {
		seen = append(seen, event)
	}, PromptOptions{})

	// Assert.
	testutil.RequireNoError(t, err, "prompt stream")
	types := make([]string, 0, len(seen))
	for _, event := range seen {
		types = append(types, event.Type)
	}
	testutil.RequireEqual(t, types, []string{events.TypeToolCall, events.TypeText, events.TypeDone}, "stream order")
	testutil.RequireEqual(t, seen[2].StopReason, acp.StopReasonEndTurn, "done stop reason")
	testutil.RequireEqual(t, len(other), 2, "other subscribers never see done")
	testutil.RequireEqual(t, len(result.Events), 2, "done is not buffered")
}

func TestAgentFileAccessAndPermissions(t *testing.T) {
	// Arrange an agent that asks permission, writes, reads and tries to escape.
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	inside := filepath.Join(root, "nested", "out.txt")
	var permissionReply, writeReply, readReply, escapeReply wireMessage
	agent := newFakeAgent(t)
	agent.onPrompt = func(a *fakeAgent, msg wireMessage, request acp.PromptRequest) {
		title := "Write out.txt"
		permissionReply = a.request(acp.MethodRequestPermission, acp.RequestPermissionRequest{
			SessionID: request.SessionID,
			ToolCall:  acp.PermissionToolCall{ToolCallID: "t1", Title: &title},
			Options: []acp.PermissionOption{
				{Name: "Reject", Kind: acp.PermissionRejectOnce, OptionID: "no"},
				{Name: "Allow", Kind: acp.PermissionAllowOnce, OptionID: "yes"},
			},
		})
		writeReply = a.request(acp.MethodWriteTextFile, acp.WriteTextFileRequest{SessionID: request.SessionID, Path: inside, Content: "l1\nl2\nl3\n"})
		line, limit := 2, 1
		readReply = a.request(acp.MethodReadTextFile, acp.ReadTextFileRequest{SessionID: request.SessionID, Path: inside, Line: &line, Limit: &limit})
		escapeReply = a.request(acp.MethodWriteTextFile, acp.WriteTextFileRequest{SessionID: request.SessionID, Path: outside, Content: "x"})
		a.reply(msg, acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
	}
	client := connectedClient(t, agent, Options{Cwd: root})

	// Act.
	result, err := client.Prompt(context.Background(), "write it", PromptOptions{})

	// Assert.
	testutil.RequireNoError(t, err, "prompt")
	var decision acp.RequestPermissionResponse
	testutil.RequireNoError(t, json.Unmarshal(permissionReply.Result, &decision), "decode permission")
	testutil.RequireEqual(t, decision, acp.Selected("yes"), "auto-allow decision")
	testutil.RequireTrue(t, writeReply.Error == nil, "write inside root succeeds")
	written, err := os.ReadFile(inside)
	testutil.RequireNoError(t, err, "read written file")
	testutil.RequireEqual(t, string(written), "l1\nl2\nl3\n", "written content")
	var window acp.ReadTextFileResponse
	testutil.RequireNoError(t, json.Unmarshal(readReply.Result, &window), "decode read")
	testutil.RequireEqual(t, window.Content, "l2\n", "line window")
	testutil.RequireTrue(t, escapeReply.Error != nil, "escape rejected in band")
	testutil.RequireStringContains(t, escapeReply.Error.Message, "outside the allowed working directory", "escape message")
	_, statErr := os.Stat(outside)
	testutil.RequireTrue(t, errors.Is(statErr, os.ErrNotExist), "nothing written outside root")
	testutil.RequireEqual(t, result.Events[0].Type, events.TypePermissionRequest, "permission event recorded")
	testutil.RequireEqual(t, len(result.PermissionDenials), 0, "no denials")
}

func TestFailOnPermissionDenied(t *testing.T) {
	agent := newFakeAgent(t)
	agent.onPrompt = func(a *fakeAgent, msg wireMessage, request acp.PromptRequest) {
		title := "rm -rf build"
		a.request(acp.MethodRequestPermission, acp.RequestPermissionRequest{
			SessionID: request.SessionID,
			ToolCall:  acp.PermissionToolCall{ToolCallID: "t9", Title: &title},
			Options: []acp.PermissionOption{
				{Name: "Allow", Kind: acp.PermissionAllowOnce, OptionID: "yes"},
				{Name: "Reject", Kind: acp.PermissionRejectOnce, OptionID: "no"},
			},
		})
		a.reply(msg, acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
	}
	client := connectedClient(t, agent, Options{Decider: permission.AutoReject{}, FailOnPermissionDenied: true})

	result, err := client.Prompt(context.Background(), "clean", PromptOptions{})

	denied := testutil.RequireErrorAs[*PermissionDeniedError](t, err, "denied prompt")
	testutil.RequireEqual(t, denied.ToolName, "rm -rf build", "denied tool")
	testutil.RequireErrorIs(t, err, ErrPermissionDenied, "sentinel match")
	testutil.RequireEqual(t, result.StopReason, acp.StopReasonEndTurn, "turn completed first")
	testutil.RequireEqual(t, len(result.PermissionDenials), 1, "denials reported")
}

func TestCancelIsCooperative(t *testing.T) {
	// Arrange an agent that keeps working until it is told to cancel.
	agent := newFakeAgent(t)
	agent.onPrompt = func(a *fakeAgent, msg wireMessage, request acp.PromptRequest) {
		a.text(request.SessionID, "working")
		if !a.waitFor(acp.MethodSessionCancel) {
			return
		}
		a.reply(msg, acp.PromptResponse{StopReason: acp.StopReasonCancelled})
	}
	client := connectedClient(t, agent, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Act: cancel as soon as the first chunk arrives.
	result, err := client.PromptStream(ctx, "long task", func(event events.Event) {
		if event.Type == events.TypeText {
			cancel()
		}
	}, PromptOptions{})

	// Assert.
	testutil.RequireNoError(t, err, "cancelled prompt still completes")
	testutil.RequireEqual(t, result.StopReason, acp.StopReasonCancelled, "stop reason")
	testutil.RequireEqual(t, agent.cancelledSessions(), []string{result.SessionID}, "cancel sent")
	_, err = client.Prompt(context.Background(), "again", PromptOptions{SessionID: result.SessionID})
	testutil.RequireErrorIs(t, err, ErrSessionCancelled, "cancelled session refuses prompts")
}

func TestPromptTimeoutLeavesClientUnusable(t *testing.T) {
	agent := newFakeAgent(t)
	agent.onPrompt = func(a *fakeAgent, _ wireMessage, _ acp.PromptRequest) {
		a.drain()
	}
	client := connectedClient(t, agent, Options{PromptTimeout: 50 * time.Millisecond})

	_, err := client.Prompt(context.Background(), "hang", PromptOptions{})

	timeout := testutil.RequireErrorAs[*ConnectionTimeoutError](t, err, "prompt timeout")
	testutil.RequireEqual(t, timeout.Timeout, 50*time.Millisecond, "reported timeout")
	testutil.RequireTrue(t, !client.Connected(), "client unusable")
	_, err = client.ListSessions(context.Background(), "")
	testutil.RequireErrorIs(t, err, ErrConnectionTimeout, "later calls fail fast")
}

func TestCrashDuringPrompt(t *testing.T) {
	agent := newFakeAgent(t)
	agent.onPrompt = func(a *fakeAgent, _ wireMessage, _ acp.PromptRequest) {
		a.crash(2)
	}
	client := connectedClient(t, agent, Options{})

	_, err := client.Prompt(context.Background(), "boom", PromptOptions{})

	crashed := testutil.RequireErrorAs[*server.ServerCrashedError](t, err, "crashed prompt")
	testutil.RequireEqual(t, *crashed.ExitCode, 2, "exit code")
	testutil.RequireTrue(t, !client.Connected(), "not connected after crash")
}

func TestSessionManagement(t *testing.T) {
	agent := newFakeAgent(t)
	client := connectedClient(t, agent, Options{Cwd: "/work/project"})

	resumed, err := client.ResumeSession(context.Background(), "sess-old", SessionOptions{})
	testutil.RequireNoError(t, err, "resume")
	testutil.RequireEqual(t, resumed, "sess-old", "resumed id")

	_, err = client.ResumeSession(context.Background(), "missing", SessionOptions{})
	notFound := testutil.RequireErrorAs[*SessionNotFoundError](t, err, "resume unknown session")
	testutil.RequireEqual(t, notFound.SessionID, "missing", "unknown session id")

	created, err := client.NewSession(context.Background(), "")
	testutil.RequireNoError(t, err, "new session")
	testutil.RequireEqual(t, created, "sess-1", "created id")

	forked, err := client.ForkSession(context.Background(), "sess-old", SessionOptions{})
	testutil.RequireNoError(t, err, "fork")
	testutil.RequireEqual(t, forked, "fork-of-sess-old", "forked id")

	sessions, err := client.ListSessions(context.Background(), "/work/project")
	testutil.RequireNoError(t, err, "list")
	testutil.RequireEqual(t, len(sessions), 1, "sessions")
	testutil.RequireEqual(t, sessions[0].Cwd, "/work/project", "cwd filter passed through")
}

func TestLifecycleErrors(t *testing.T) {
	// Arrange.
	agent := newFakeAgent(t)
	client := New(Options{Transport: agent, Cwd: t.TempDir()})

	// Act and assert.
	_, err := client.Prompt(context.Background(), "early", PromptOptions{})
	testutil.RequireErrorIs(t, err, ErrNotConnected, "prompt before connect")
	testutil.RequireNoError(t, client.Connect(context.Background()), "connect")
	testutil.RequireErrorIs(t, client.Connect(context.Background()), ErrAlreadyConnected, "second connect")
	testutil.RequireNoError(t, client.Close(), "close")
	testutil.RequireNoError(t, client.Close(), "close twice")
	testutil.RequireTrue(t, !client.Connected(), "closed client")
	_, err = client.Prompt(context.Background(), "late", PromptOptions{})
	testutil.RequireErrorIs(t, err, ErrClosed, "prompt after close")
	testutil.RequireErrorIs(t, client.Connect(context.Background()), ErrClosed, "no reconnect")
}

func TestConnectReportsMissingServer(t *testing.T) {
	agent := newFakeAgent(t)
	agent.startErr = &server.ServerNotFoundError{Command: "nope"}
	client := New(Options{Transport: agent})

	err := client.Connect(context.Background())

	testutil.RequireErrorIs(t, err, server.ErrServerNotFound, "server not found")
}

func TestRunVerifiedOverClient(t *testing.T) {
	// Arrange an agent that writes the file on the task prompt and reports
	// with ls on the verification prompt.
	root := t.TempDir()
	agent := newFakeAgent(t)
	agent.onPrompt = func(a *fakeAgent, msg wireMessage, request acp.PromptRequest) {
		prompt := request.Prompt[0].Text
		switch {
		case strings.HasPrefix(prompt, "VERIFICATION STEP"):
			info, err := os.Stat(filepath.Join(root, "out.txt"))
			if err != nil {
				a.text(request.SessionID, "MISSING: out.txt")
			} else {
				a.text(request.SessionID, fmt.Sprintf("EXISTS: out.txt (%d bytes)", info.Size()))
			}
		default:
			a.request(acp.MethodWriteTextFile, acp.WriteTextFileRequest{SessionID: request.SessionID, Path: filepath.Join(root, "out.txt"), Content: "hello"})
			a.text(request.SessionID, "Wrote out.txt")
		}
		a.reply(msg, acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
	}
	client := connectedClient(t, agent, Options{Cwd: root})

	// Act.
	result, err := client.RunVerified(context.Background(), "write out.txt", []string{"out.txt"}, verify.Options{MaxRetries: 1}, nil)

	// Assert.
	testutil.RequireNoError(t, err, "verified run")
	testutil.RequireTrue(t, result.Verified, "file verified")
	testutil.RequireEqual(t, result.Attempts, 1, "attempts")
	testutil.RequireEqual(t, result.Text, "Wrote out.txt", "task text")
	testutil.RequireEqual(t, result.SessionID, "sess-1", "single session")
}
