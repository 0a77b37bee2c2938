package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openclaude/acpcode/internal/acp"
	"github.com/openclaude/acpcode/internal/events"
	"github.com/openclaude/acpcode/internal/pathguard"
	"github.com/openclaude/acpcode/internal/permission"
)

// maxTextFileBytes caps file content moved over the connection.
const maxTextFileBytes = 8 * 1024 * 1024

// SessionClient serves the agent's requests: session updates go to the
// event normalizer, permission requests to the negotiator and file access
// through the path guard.
type SessionClient struct {
	normalizer   *events.Normalizer
	negotiator   *permission.Negotiator
	root         string
	allowOutside bool
	logger       *slog.Logger
}

var _ acp.Handler = (*SessionClient)(nil)

// NewSessionClient builds a handler rooted at root. A nil decider auto-allows.
func NewSessionClient(root string, allowOutside bool, decider permission.Decider, logger *slog.Logger) *SessionClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	normalizer := events.NewNormalizer()
	return &SessionClient{
		normalizer:   normalizer,
		negotiator:   permission.NewNegotiator(decider, normalizer),
		root:         root,
		allowOutside: allowOutside,
		logger:       logger,
	}
}

// Events returns the normalizer fed by this handler.
func (s *SessionClient) Events() *events.Normalizer {
	return s.normalizer
}

// Negotiator returns the permission negotiator.
func (s *SessionClient) Negotiator() *permission.Negotiator {
	return s.negotiator
}

// SessionUpdate implements acp.Handler.
func (s *SessionClient) SessionUpdate(_ context.Context, sessionID string, update acp.Update) error {
	if unknown, ok := update.(acp.UnknownUpdate); ok {
		s.logger.Debug("ignoring session update", "session_id", sessionID, "kind", unknown.Kind)
	}
	s.normalizer.HandleUpdate(update)
	return nil
}

// RequestPermission implements acp.Handler.
func (s *SessionClient) RequestPermission(ctx context.Context, request acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	response, err := s.negotiator.Negotiate(ctx, request)
	if err != nil {
		s.logger.Warn("permission request failed", "session_id", request.SessionID, "error", err)
		return acp.RequestPermissionResponse{}, &acp.RPCError{Code: acp.CodeInternalError, Message: err.Error()}
	}
	s.logger.Debug("permission decided", "session_id", request.SessionID, "option_id", response.Outcome.OptionID)
	return response, nil
}

// ReadTextFile implements acp.Handler.
func (s *SessionClient) ReadTextFile(_ context.Context, request acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	resolved, err := s.guard(request.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	if request.Line != nil && *request.Line < 1 {
		return acp.ReadTextFileResponse{}, invalidParams("invalid line number %d (must be >= 1)", *request.Line)
	}
	if request.Limit != nil && *request.Limit < 0 {
		return acp.ReadTextFileResponse{}, invalidParams("invalid limit %d (must be >= 0)", *request.Limit)
	}

	start := 0
	if request.Line != nil {
		start = *request.Line - 1
	}
	content, err := readWindow(resolved, start, request.Limit)
	if err != nil {
		s.logger.Debug("read failed", "path", resolved, "error", err)
		return acp.ReadTextFileResponse{}, fileError("read", resolved, err)
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile implements acp.Handler.
func (s *SessionClient) WriteTextFile(_ context.Context, request acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	resolved, err := s.guard(request.Path)
	if err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	if len(request.Content) > maxTextFileBytes {
		return acp.WriteTextFileResponse{}, invalidParams("content too large: %d bytes (max %d)", len(request.Content), maxTextFileBytes)
	}
	if err := writeAtomically(resolved, []byte(request.Content)); err != nil {
		s.logger.Warn("write failed", "path", resolved, "error", err)
		return acp.WriteTextFileResponse{}, fileError("write", resolved, err)
	}
	s.logger.Debug("wrote file", "path", resolved, "bytes", len(request.Content))
	return acp.WriteTextFileResponse{}, nil
}

func (s *SessionClient) guard(path string) (string, error) {
	if path == "" {
		return "", invalidParams("path cannot be empty")
	}
	check := pathguard.Validate(path, s.root, s.allowOutside)
	if !check.Valid {
		s.logger.Warn("rejected path outside working directory", "path", path)
		return "", &acp.RPCError{Code: acp.CodeInvalidParams, Message: check.Error}
	}
	return check.Resolved, nil
}

func invalidParams(format string, args ...any) error {
	return &acp.RPCError{Code: acp.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func fileError(operation string, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &acp.RPCError{Code: acp.CodeResourceNotFound, Message: fmt.Sprintf("file not found: %s", path)}
	}
	return &acp.RPCError{Code: acp.CodeInternalError, Message: fmt.Sprintf("failed to %s %s: %v", operation, path, err)}
}

// readWindow returns limit lines starting at the 0-based start line, or the
// rest of the file when limit is nil. Line terminators are preserved.
func readWindow(path string, start int, limit *int) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var out strings.Builder
	selected := 0
	for line := 0; ; line++ {
		if limit != nil && selected >= *limit {
			break
		}
		chunk, readErr := reader.ReadString('\n')
		if line >= start && chunk != "" {
			if out.Len()+len(chunk) > maxTextFileBytes {
				return "", fmt.Errorf("file content too large: exceeds max %d bytes", maxTextFileBytes)
			}
			out.WriteString(chunk)
			selected++
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}
	return out.String(), nil
}

// writeAtomically creates parent directories, writes a sibling temp file and
// renames it over path. An existing file keeps its permission bits.
func writeAtomically(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}
		mode = info.Mode().Perm()
	}

	temp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".acpcode-*")
	if err != nil {
		return err
	}
	tempName := temp.Name()
	cleanup := func() { _ = os.Remove(tempName) }
	if _, err := temp.Write(content); err != nil {
		_ = temp.Close()
		cleanup()
		return err
	}
	if err := temp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tempName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tempName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
