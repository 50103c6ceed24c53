// Package session provides conversation history and persistence.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/chatty/internal/action"
)

// Status constants for sessions.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// ErrTurnClosed is returned when appending to a turn that has been closed.
var ErrTurnClosed = errors.New("turn is closed")

// ErrNoTurn is returned when a turn sequence number does not exist.
var ErrNoTurn = errors.New("no such turn")

// Batch is one model response that carried actions, with the results fed
// back for it.
type Batch struct {
	Step       int             `json:"step"`
	Response   string          `json:"response,omitempty"`
	Actions    []action.Action `json:"actions"`
	Results    []action.Result `json:"results"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Turn is one user input and everything the kernel did for it.
type Turn struct {
	Seq     uint64    `json:"seq"`
	Agent   string    `json:"agent,omitempty"`
	Input   string    `json:"input"`
	Batches []Batch   `json:"batches,omitempty"`
	Answer  string    `json:"answer,omitempty"`
	Error   string    `json:"error,omitempty"`
	Closed  bool      `json:"closed"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended,omitempty"`
}

// Session is an append-only record of a conversation. Turns are only ever
// appended, and a closed turn is never rewritten.
type Session struct {
	ID        string    `json:"id"`
	Model     string    `json:"model,omitempty"`
	Workspace string    `json:"workspace,omitempty"`
	Status    string    `json:"status"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	mu sync.Mutex
}

// New creates an empty running session with a fresh id.
func New(model, workspace string) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		Model:     model,
		Workspace: workspace,
		Status:    StatusRunning,
		Turns:     []Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// BeginTurn appends a new open turn and returns its sequence number.
func (s *Session) BeginTurn(agent, input string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := uint64(len(s.Turns)) + 1
	s.Turns = append(s.Turns, Turn{
		Seq:     seq,
		Agent:   agent,
		Input:   input,
		Started: time.Now(),
	})
	s.UpdatedAt = time.Now()
	return seq
}

// AddBatch appends a batch to an open turn.
func (s *Session) AddBatch(seq uint64, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.openTurn(seq)
	if err != nil {
		return err
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now()
	}
	t.Batches = append(t.Batches, b)
	s.UpdatedAt = time.Now()
	return nil
}

// CloseTurn records the final answer (or error) and closes the turn.
func (s *Session) CloseTurn(seq uint64, answer string, turnErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.openTurn(seq)
	if err != nil {
		return err
	}
	t.Answer = answer
	if turnErr != nil {
		t.Error = turnErr.Error()
	}
	t.Closed = true
	t.Ended = time.Now()
	s.UpdatedAt = t.Ended
	return nil
}

func (s *Session) openTurn(seq uint64) (*Turn, error) {
	if seq == 0 || seq > uint64(len(s.Turns)) {
		return nil, fmt.Errorf("turn %d: %w", seq, ErrNoTurn)
	}
	t := &s.Turns[seq-1]
	if t.Closed {
		return nil, fmt.Errorf("turn %d: %w", seq, ErrTurnClosed)
	}
	return t, nil
}

// Finish marks the session complete or failed.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusComplete
	if err != nil {
		s.Status = StatusFailed
	}
	s.UpdatedAt = time.Now()
}

// Snapshot returns a copy that is safe to read or persist while the
// session keeps changing.
func (s *Session) Snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := &Session{
		ID:        s.ID,
		Model:     s.Model,
		Workspace: s.Workspace,
		Status:    s.Status,
		Turns:     make([]Turn, len(s.Turns)),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	for i, t := range s.Turns {
		t.Batches = append([]Batch(nil), t.Batches...)
		cp.Turns[i] = t
	}
	return cp
}

// Store is the interface for session persistence.
type Store interface {
	Save(sess *Session) error
	Load(id string) (*Session, error)
}

// Manager manages sessions.
type Manager struct {
	store Store
	mu    sync.Mutex
}

// NewManager creates a new session manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Create creates and persists a new session.
func (m *Manager) Create(model, workspace string) (*Session, error) {
	sess := New(model, workspace)
	if err := m.Update(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	return m.store.Load(id)
}

// Update saves a snapshot of sess.
func (m *Manager) Update(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save(sess.Snapshot())
}

// JSONL record types for streaming format
const (
	RecordTypeHeader = "header" // Session metadata (first line)
	RecordTypeTurn   = "turn"   // One turn
	RecordTypeFooter = "footer" // Final state (last line)
)

// JSONLRecord is a wrapper for JSONL lines with type discrimination.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// Header fields
	ID        string    `json:"id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Workspace string    `json:"workspace,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Turn fields
	Turn *Turn `json:"turn,omitempty"`

	// Footer fields
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// FileStore implements Store as one JSONL file per session.
type FileStore struct {
	dir string
}

// NewFileStore creates a new file-based store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory sessions are stored in.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the file a session is stored at.
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Save writes the session to disk, replacing the previous file atomically.
func (s *FileStore) Save(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, sess); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, sess.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.Path(sess.ID))
}

// Load reads a session by id.
func (s *FileStore) Load(id string) (*Session, error) {
	return LoadFile(s.Path(id))
}

// List returns stored session ids, most recently modified first.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	type item struct {
		id  string
		mod time.Time
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{id: strings.TrimSuffix(e.Name(), ".jsonl"), mod: info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mod.After(items[j].mod) })
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

// Encode writes sess as JSONL: a header, one line per turn and a footer.
func Encode(w io.Writer, sess *Session) error {
	enc := json.NewEncoder(w)
	records := []JSONLRecord{{
		RecordType: RecordTypeHeader,
		ID:         sess.ID,
		Model:      sess.Model,
		Workspace:  sess.Workspace,
		CreatedAt:  sess.CreatedAt,
	}}
	for i := range sess.Turns {
		records = append(records, JSONLRecord{RecordType: RecordTypeTurn, Turn: &sess.Turns[i]})
	}
	records = append(records, JSONLRecord{
		RecordType: RecordTypeFooter,
		Status:     sess.Status,
		UpdatedAt:  sess.UpdatedAt,
	})
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
	}
	return nil
}

// LoadFile reads a session from a JSONL file.
func LoadFile(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a session in the format Encode writes.
func Decode(r io.Reader) (*Session, error) {
	sess := &Session{Turns: []Turn{}}

	// bufio.Reader has no line length limit, unlike Scanner.
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if perr := parseJSONLLine(trimmed, sess); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			break
		}
	}
	if sess.ID == "" {
		return nil, fmt.Errorf("session file has no header")
	}
	return sess, nil
}

func parseJSONLLine(line []byte, sess *Session) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		sess.ID = record.ID
		sess.Model = record.Model
		sess.Workspace = record.Workspace
		sess.CreatedAt = record.CreatedAt
	case RecordTypeTurn:
		if record.Turn != nil {
			sess.Turns = append(sess.Turns, *record.Turn)
		}
	case RecordTypeFooter:
		sess.Status = record.Status
		sess.UpdatedAt = record.UpdatedAt
	}
	return nil
}
