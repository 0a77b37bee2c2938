package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// maxMessageSize caps a single JSON line; file contents travel inline.
const maxMessageSize = 16 * 1024 * 1024

// JSON-RPC error codes.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeAuthRequired     = -32000
	CodeResourceNotFound = -32002
)

// ErrConnectionClosed is returned for calls that cannot complete because the
// stream ended or Close was called.
var ErrConnectionClosed = errors.New("acp connection closed")

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements error.
func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Handler serves the agent-to-client side of the protocol. The connection
// invokes it from its single read loop, one message at a time, in arrival
// order.
type Handler interface {
	SessionUpdate(ctx context.Context, sessionID string, update Update) error
	RequestPermission(ctx context.Context, request RequestPermissionRequest) (RequestPermissionResponse, error)
	ReadTextFile(ctx context.Context, request ReadTextFileRequest) (ReadTextFileResponse, error)
	WriteTextFile(ctx context.Context, request WriteTextFileRequest) (WriteTextFileResponse, error)
}

// message is the union of JSON-RPC request, notification and response.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Conn is a bidirectional JSON-RPC connection to an agent.
type Conn struct {
	// handler serves incoming requests and notifications.
	handler Handler
	// logger records protocol-level anomalies.
	logger *slog.Logger

	// writeMu serializes line writes.
	writeMu sync.Mutex
	writer  io.Writer
	reader  io.Reader

	nextID atomic.Int64

	// mu guards pending.
	mu      sync.Mutex
	pending map[int64]chan *message

	// ctx is cancelled when the connection shuts down.
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option customizes a Conn.
type Option func(*Conn)

// WithLogger sets the connection logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConn starts a connection that writes requests to writer and reads
// agent messages from reader until EOF.
func NewConn(handler Handler, writer io.Writer, reader io.Reader, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		handler: handler,
		logger:  slog.New(slog.DiscardHandler),
		writer:  writer,
		reader:  reader,
		pending: map[int64]chan *message{},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(conn)
	}
	go conn.readLoop()
	return conn
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection shut down, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Close shuts the connection down and fails pending calls.
func (c *Conn) Close() error {
	c.shutdown(ErrConnectionClosed)
	if closer, ok := c.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Call sends a request and decodes the response result into result, which
// may be nil. It returns when the response arrives, ctx is done or the
// connection closes.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)
	responses := make(chan *message, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return c.closeErr
	default:
	}
	c.pending[id] = responses
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	if err := c.write(&message{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  rawParams,
	}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case response := <-responses:
		if response.Error != nil {
			return response.Error
		}
		if result == nil || len(response.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closeErr
	}
}

// Notify sends a notification; no response is expected.
func (c *Conn) Notify(method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	if err := c.write(&message{JSONRPC: "2.0", Method: method, Params: rawParams}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

// write emits one message as a JSON line.
func (c *Conn) write(msg *message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// readLoop consumes agent messages until the stream ends.
func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("discarding malformed acp message", "error", err)
			continue
		}
		c.dispatch(&msg)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
}

// dispatch routes a decoded message.
func (c *Conn) dispatch(msg *message) {
	switch {
	case msg.Method != "" && len(msg.ID) > 0:
		c.serveRequest(msg)
	case msg.Method != "":
		c.serveNotification(msg)
	case len(msg.ID) > 0:
		c.deliverResponse(msg)
	default:
		c.logger.Warn("discarding acp message without method or id")
	}
}

func (c *Conn) deliverResponse(msg *message) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		c.logger.Warn("discarding response with foreign id", "id", string(msg.ID))
		return
	}
	c.mu.Lock()
	responses, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("discarding response for abandoned call", "id", id)
		return
	}
	select {
	case responses <- msg:
	default:
		c.logger.Warn("discarding duplicate response", "id", id)
	}
}

func (c *Conn) serveNotification(msg *message) {
	switch msg.Method {
	case MethodSessionUpdate:
		var params SessionNotification
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("discarding malformed session update", "error", err)
			return
		}
		update, err := DecodeUpdate(params.Update)
		if err != nil {
			c.logger.Warn("discarding malformed session update", "error", err)
			return
		}
		if err := c.handler.SessionUpdate(c.ctx, params.SessionID, update); err != nil {
			c.logger.Warn("session update handler failed", "kind", UpdateKind(update), "error", err)
		}
	default:
		c.logger.Debug("ignoring notification", "method", msg.Method)
	}
}

func (c *Conn) serveRequest(msg *message) {
	result, err := c.handleRequest(msg.Method, msg.Params)
	response := &message{JSONRPC: "2.0", ID: msg.ID}
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: CodeInternalError, Message: err.Error()}
		}
		response.Error = rpcErr
	} else {
		raw, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			response.Error = &RPCError{Code: CodeInternalError, Message: marshalErr.Error()}
		} else {
			response.Result = raw
		}
	}
	if err := c.write(response); err != nil {
		c.logger.Warn("failed to answer agent request", "method", msg.Method, "error", err)
	}
}

func (c *Conn) handleRequest(method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodRequestPermission:
		var request RequestPermissionRequest
		if err := json.Unmarshal(params, &request); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		return c.handler.RequestPermission(c.ctx, request)
	case MethodReadTextFile:
		var request ReadTextFileRequest
		if err := json.Unmarshal(params, &request); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		return c.handler.ReadTextFile(c.ctx, request)
	case MethodWriteTextFile:
		var request WriteTextFileRequest
		if err := json.Unmarshal(params, &request); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		return c.handler.WriteTextFile(c.ctx, request)
	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + method}
	}
}

// shutdown records the first close reason and releases waiters.
func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		close(c.done)
		c.mu.Unlock()
		c.cancel()
	})
}
