// Package server runs the ACP agent as a child process speaking over stdio.
package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultCommand is the agent binary used when none is configured.
const DefaultCommand = "claude-code-acp"

// DefaultStopTimeout is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopTimeout = 5 * time.Second

var (
	// ErrServerNotFound matches *ServerNotFoundError.
	ErrServerNotFound = errors.New("acp server not found")
	// ErrServerCrashed matches *ServerCrashedError.
	ErrServerCrashed = errors.New("acp server crashed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("acp server already started")
)

// ServerNotFoundError reports a command that could not be executed.
type ServerNotFoundError struct {
	Command string
	Err     error
}

// Error implements error.
func (e *ServerNotFoundError) Error() string {
	return fmt.Sprintf("could not find %q on PATH; install an ACP server or set server_command to a valid one", e.Command)
}

// Is matches ErrServerNotFound.
func (e *ServerNotFoundError) Is(target error) bool {
	return target == ErrServerNotFound
}

// Unwrap returns the exec error.
func (e *ServerNotFoundError) Unwrap() error {
	return e.Err
}

// ServerCrashedError reports an exit that Stop did not ask for.
type ServerCrashedError struct {
	// ExitCode is nil when the process was killed by a signal.
	ExitCode *int
	// Signal names the terminating signal, if any.
	Signal string
}

// Error implements error.
func (e *ServerCrashedError) Error() string {
	message := "acp server crashed"
	if e.ExitCode != nil {
		message += fmt.Sprintf(" with exit code %d", *e.ExitCode)
	}
	if e.Signal != "" {
		message += fmt.Sprintf(" (signal: %s)", e.Signal)
	}
	return message
}

// Is matches ErrServerCrashed.
func (e *ServerCrashedError) Is(target error) bool {
	return target == ErrServerCrashed
}

// Options configures the agent process.
type Options struct {
	// Command is the executable; DefaultCommand when empty.
	Command string
	// Args precede the permission-mode flag.
	Args []string
	// Env overrides entries of the current process environment.
	Env map[string]string
	// PermissionMode is passed as --permission-mode when set.
	PermissionMode string
	// Dir is the working directory of the process.
	Dir string
	// Stderr receives the agent's stderr; os.Stderr when nil.
	Stderr io.Writer
	// StopTimeout overrides DefaultStopTimeout.
	StopTimeout time.Duration
	// Logger records lifecycle events.
	Logger *slog.Logger
}

// Server owns one agent process.
type Server struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stopping bool

	exited  chan struct{}
	exitErr error
}

// New prepares a server; nothing runs until Start.
func New(opts Options) *Server {
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{opts: opts, logger: logger, exited: make(chan struct{})}
}

// Command returns the configured executable.
func (s *Server) Command() string {
	return s.opts.Command
}

// CommandArgs returns the arguments Start passes to the command.
func (s *Server) CommandArgs() []string {
	args := append([]string(nil), s.opts.Args...)
	if s.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", s.opts.PermissionMode)
	}
	return args
}

// Start spawns the process with piped stdin and stdout.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(s.opts.Command, s.CommandArgs()...)
	cmd.Dir = s.opts.Dir
	cmd.Env = mergeEnv(os.Environ(), s.opts.Env)
	cmd.Stderr = s.opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// Plain os pipes keep Wait from closing stdout under the reader before
	// the last line has been consumed.
	stdinReader, stdin, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("acp server stdin: %w", err)
	}
	stdout, stdoutWriter, err := os.Pipe()
	if err != nil {
		_ = stdinReader.Close()
		_ = stdin.Close()
		return fmt.Errorf("acp server stdout: %w", err)
	}
	cmd.Stdin = stdinReader
	cmd.Stdout = stdoutWriter
	startErr := cmd.Start()
	_ = stdinReader.Close()
	_ = stdoutWriter.Close()
	if startErr != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		if errors.Is(startErr, exec.ErrNotFound) || errors.Is(startErr, fs.ErrNotExist) {
			return &ServerNotFoundError{Command: s.opts.Command, Err: startErr}
		}
		return fmt.Errorf("start acp server %s: %w", s.opts.Command, startErr)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.logger.Debug("acp server started", "command", s.opts.Command, "pid", cmd.Process.Pid)
	go s.wait()
	return nil
}

// Stdin is the agent's input; valid after Start.
func (s *Server) Stdin() io.WriteCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin
}

// Stdout is the agent's output; valid after Start.
func (s *Server) Stdout() io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout
}

// Running reports whether the process has started and not exited.
func (s *Server) Running() bool {
	s.mu.Lock()
	started := s.cmd != nil
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Exited is closed when the process exits.
func (s *Server) Exited() <-chan struct{} {
	return s.exited
}

// ExitErr is a *ServerCrashedError when the process exited without Stop,
// and nil otherwise. It is meaningful once Exited is closed.
func (s *Server) ExitErr() error {
	select {
	case <-s.exited:
		return s.exitErr
	default:
		return nil
	}
}

// Stop closes stdin, sends SIGTERM and escalates to SIGKILL after the stop
// timeout. It blocks until the process is gone and is safe to call again.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopping {
		s.mu.Unlock()
		<-s.exited
		return nil
	}
	s.stopping = true
	cmd := s.cmd
	stdin := s.stdin
	stdout := s.stdout
	s.mu.Unlock()
	defer stdout.Close()

	_ = stdin.Close()
	select {
	case <-s.exited:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = cmd.Process.Kill()
	}
	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-s.exited:
	case <-timer.C:
		s.logger.Warn("acp server ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-s.exited
	}
	return nil
}

func (s *Server) wait() {
	err := s.cmd.Wait()

	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	if !stopping {
		crash := exitDetails(s.cmd.ProcessState)
		s.exitErr = crash
		s.logger.Error("acp server exited unexpectedly", "error", crash, "wait_error", err)
	} else {
		s.logger.Debug("acp server stopped")
	}
	close(s.exited)
}

func exitDetails(state *os.ProcessState) *ServerCrashedError {
	crash := &ServerCrashedError{}
	if state == nil {
		return crash
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		crash.Signal = status.Signal().String()
		return crash
	}
	code := state.ExitCode()
	crash.ExitCode = &code
	return crash
}

// mergeEnv applies overrides to a KEY=VALUE environment list.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if _, overridden := overrides[key]; overridden {
			continue
		}
		merged = append(merged, entry)
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+overrides[key])
	}
	return merged
}
