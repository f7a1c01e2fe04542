// Package session persists runs and their chronological event logs.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/planlock/internal/plan"
)

// Status constants for runs.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusRejected = "rejected"
	StatusHalted   = "halted"
)

// Event types for the run log.
const (
	EventRoute          = "route"
	EventPlanCommitted  = "plan_committed"
	EventGateVerdict    = "gate_verdict"
	EventLeafVerified   = "leaf_verified"
	EventToolCall       = "tool_call"
	EventToolResult     = "tool_result"
	EventRecordAppended = "record_appended"
	EventRootVerified   = "root_verified"
	EventHalt           = "halt"
	EventSynthesis      = "synthesis"
)

// Run is one execution from prompt to outcome, with everything needed to
// reconstruct what happened: the commitment, the verified records, and the
// chronological event log.
type Run struct {
	ID         string                 `json:"id"`
	Prompt     string                 `json:"prompt"`
	Status     string                 `json:"status"`
	Response   string                 `json:"response,omitempty"`
	Root       string                 `json:"root,omitempty"`
	Leaves     []string               `json:"leaves,omitempty"`
	Records    []plan.ExecutionRecord `json:"records,omitempty"`
	HaltReason string                 `json:"halt_reason,omitempty"`
	HaltDetail string                 `json:"halt_detail,omitempty"`
	Events     []Event                `json:"events"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Event is a single entry in a run's chronological log.
type Event struct {
	Type       string                 `json:"type"`
	Step       int                    `json:"step"`
	Tool       string                 `json:"tool,omitempty"`
	Content    string                 `json:"content,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Hash       string                 `json:"hash,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// AddEvent appends an event to the run log, stamping it.
func (r *Run) AddEvent(ev Event) {
	ev.Timestamp = time.Now()
	r.Events = append(r.Events, ev)
}

// Store is the interface for run persistence.
type Store interface {
	Save(run *Run) error
	Load(id string) (*Run, error)
}

// Manager mediates run creation and updates over a store.
type Manager struct {
	store Store
	mu    sync.Mutex
}

// NewManager creates a run manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Create creates and persists a new running run.
func (m *Manager) Create(prompt string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	run := &Run{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Status:    StatusRunning,
		Events:    []Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.Save(run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}
	return run, nil
}

// Update persists the current state of a run.
func (m *Manager) Update(run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run.UpdatedAt = time.Now()
	return m.store.Save(run)
}

// Get retrieves a run by ID.
func (m *Manager) Get(id string) (*Run, error) {
	return m.store.Load(id)
}

// --- FileStore ---

// FileStore stores runs as JSON files, one per run.
type FileStore struct {
	dir string
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) *FileStore {
	os.MkdirAll(dir, 0755)
	return &FileStore{dir: dir}
}

// Save writes the run atomically via a temp file and rename.
func (s *FileStore) Save(run *Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	filename := filepath.Join(s.dir, run.ID+".json")
	tmpFile := filename + ".tmp"

	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpFile, filename); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Load reads a run from its JSON file.
func (s *FileStore) Load(id string) (*Run, error) {
	filename := filepath.Join(s.dir, id+".json")

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// LoadFile reads a run from an arbitrary JSON file path, for replaying
// exported runs.
func LoadFile(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// OpenStore opens a store by kind: "file" or "sqlite".
func OpenStore(kind, path string) (Store, error) {
	switch kind {
	case "", "file":
		return NewFileStore(path), nil
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store kind: %s", kind)
	}
}
