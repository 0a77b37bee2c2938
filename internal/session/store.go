package session

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openclaude/acpcode/internal/events"
)

var (
	// ErrSessionIDRequired is returned for an empty session id.
	ErrSessionIDRequired = errors.New("session id required")
	// ErrInvalidSessionID is returned for ids that cannot name a file.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Record kinds stored in a transcript.
const (
	KindPrompt = "prompt"
	KindEvent  = "event"
	KindResult = "result"
)

// Record is one transcript line.
type Record struct {
	// Kind is KindPrompt, KindEvent or KindResult.
	Kind string `json:"kind"`
	// Time is when the record was written.
	Time time.Time `json:"time"`
	// Prompt is the user message for KindPrompt.
	Prompt string `json:"prompt,omitempty"`
	// Event is the normalized event for KindEvent.
	Event *events.Event `json:"event,omitempty"`
	// StopReason ends a turn for KindResult.
	StopReason string `json:"stop_reason,omitempty"`
}

// Turn is a completed prompt exchange.
type Turn struct {
	SessionID  string
	Prompt     string
	Events     []events.Event
	StopReason string
}

// Summary describes a local transcript.
type Summary struct {
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps session transcripts under ~/.acpcode.
type Store struct {
	// BaseDir is the root for all persisted data.
	BaseDir string
	// now stamps records; time.Now when nil.
	now func() time.Time
}

// NewStore constructs a Store using the default base directory.
func NewStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return &Store{BaseDir: filepath.Join(home, ".acpcode")}, nil
}

// ProjectHash returns a stable hash for a workspace path.
func ProjectHash(path string) string {
	clean := filepath.Clean(path)
	sum := sha256.Sum256([]byte(clean))
	return hex.EncodeToString(sum[:8])
}

// checkSessionID rejects ids that would escape the sessions directory.
func checkSessionID(sessionID string) error {
	if sessionID == "" {
		return ErrSessionIDRequired
	}
	if sessionID == "." || sessionID == ".." || strings.ContainsAny(sessionID, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return nil
}

// SessionPath returns the JSONL path for a session.
func (s *Store) SessionPath(sessionID string) string {
	return filepath.Join(s.BaseDir, "sessions", sessionID+".jsonl")
}

func (s *Store) stamp() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// AppendTurn writes the prompt, its events and the stop reason in one file
// write, so a reader never sees half a turn from this process.
func (s *Store) AppendTurn(turn Turn) error {
	at := s.stamp()
	records := make([]Record, 0, len(turn.Events)+2)
	records = append(records, Record{Kind: KindPrompt, Time: at, Prompt: turn.Prompt})
	for i := range turn.Events {
		event := turn.Events[i]
		records = append(records, Record{Kind: KindEvent, Time: at, Event: &event})
	}
	records = append(records, Record{Kind: KindResult, Time: at, StopReason: turn.StopReason})
	return s.appendRecords(turn.SessionID, records)
}

// AppendEvent writes a single event record.
func (s *Store) AppendEvent(sessionID string, event events.Event) error {
	return s.appendRecords(sessionID, []Record{{Kind: KindEvent, Time: s.stamp(), Event: &event}})
}

func (s *Store) appendRecords(sessionID string, records []Record) error {
	if err := checkSessionID(sessionID); err != nil {
		return err
	}
	var buf strings.Builder
	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal session record: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return s.appendRaw(sessionID, buf.String())
}

func (s *Store) appendRaw(sessionID string, data string) error {
	path := s.SessionPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(data); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}
	return nil
}

// LoadRecords reads a transcript in order. Malformed lines are skipped so a
// torn final write does not hide the rest of the history.
func (s *Store) LoadRecords(sessionID string) ([]Record, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	file, err := os.Open(s.SessionPath(sessionID))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	// Tool output can make a single event line large.
	const maxRecordSize = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return records, nil
}

// LoadEvents returns only the event records of a transcript.
func (s *Store) LoadEvents(sessionID string) ([]events.Event, error) {
	records, err := s.LoadRecords(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(records))
	for _, record := range records {
		if record.Kind == KindEvent && record.Event != nil {
			out = append(out, *record.Event)
		}
	}
	return out, nil
}

// CloneSession copies a transcript to a forked session id.
func (s *Store) CloneSession(fromSessionID string, toSessionID string) error {
	if err := checkSessionID(fromSessionID); err != nil {
		return err
	}
	if err := checkSessionID(toSessionID); err != nil {
		return err
	}
	if fromSessionID == toSessionID {
		return nil
	}
	raw, err := os.ReadFile(s.SessionPath(fromSessionID))
	if err != nil {
		return err
	}
	return s.appendRaw(toSessionID, string(raw))
}

func (s *Store) lastSessionPath(projectHash string) string {
	return filepath.Join(s.BaseDir, "projects", projectHash, "last_session")
}

// SaveLastSession stores the last session id for a project hash.
func (s *Store) SaveLastSession(projectHash string, sessionID string) error {
	if err := checkSessionID(sessionID); err != nil {
		return err
	}
	path := s.lastSessionPath(projectHash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(sessionID), 0o600); err != nil {
		return fmt.Errorf("write last session: %w", err)
	}
	return nil
}

// LoadLastSession returns the last session id for a project hash.
func (s *Store) LoadLastSession(projectHash string) (string, error) {
	raw, err := os.ReadFile(s.lastSessionPath(projectHash))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// ListSessions returns local transcripts, most recently updated first. A
// store with no sessions directory lists nothing.
func (s *Store) ListSessions(limit int) ([]Summary, error) {
	dir := filepath.Join(s.BaseDir, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Summary{}, nil
		}
		return nil, err
	}

	list := make([]Summary, 0, len(entries))
	for _, item := range entries {
		if item.IsDir() || filepath.Ext(item.Name()) != ".jsonl" {
			continue
		}
		info, err := item.Info()
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(item.Name(), filepath.Ext(item.Name()))
		list = append(list, Summary{SessionID: name, UpdatedAt: info.ModTime()})
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].SessionID < list[j].SessionID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}
