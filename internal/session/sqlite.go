package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openclaw/planlock/internal/plan"
)

// SQLiteStore stores runs in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path. A path without a
// .db suffix is treated as a directory holding runs.db.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if !strings.HasSuffix(path, ".db") {
		os.MkdirAll(path, 0755)
		path = filepath.Join(path, "runs.db")
	} else {
		os.MkdirAll(filepath.Dir(path), 0755)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// init creates the database schema.
func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		response TEXT,
		root TEXT,
		leaves TEXT,
		records TEXT,
		halt_reason TEXT,
		halt_detail TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		type TEXT NOT NULL,
		step INTEGER,
		tool TEXT,
		content TEXT,
		args TEXT,
		hash TEXT,
		detail TEXT,
		duration_ms INTEGER,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save upserts the run row and replaces its events.
func (s *SQLiteStore) Save(run *Run) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	leavesJSON, _ := json.Marshal(run.Leaves)
	recordsJSON, _ := json.Marshal(run.Records)

	_, err = tx.Exec(`
		INSERT INTO runs (id, prompt, status, response, root, leaves, records, halt_reason, halt_detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			response = excluded.response,
			root = excluded.root,
			leaves = excluded.leaves,
			records = excluded.records,
			halt_reason = excluded.halt_reason,
			halt_detail = excluded.halt_detail,
			updated_at = excluded.updated_at
	`, run.ID, run.Prompt, run.Status, run.Response, run.Root, string(leavesJSON),
		string(recordsJSON), run.HaltReason, run.HaltDetail, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	// Full event replacement keeps the log consistent with the run struct.
	if _, err = tx.Exec("DELETE FROM events WHERE run_id = ?", run.ID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	for _, ev := range run.Events {
		argsJSON, _ := json.Marshal(ev.Args)
		_, err = tx.Exec(`
			INSERT INTO events (run_id, type, step, tool, content, args, hash, detail, duration_ms, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, ev.Type, ev.Step, ev.Tool, ev.Content,
			string(argsJSON), ev.Hash, ev.Detail, ev.DurationMs, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
	}

	return tx.Commit()
}

// Load reads a run and its events from the database.
func (s *SQLiteStore) Load(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, prompt, status, response, root, leaves, records, halt_reason, halt_detail, created_at, updated_at
		FROM runs WHERE id = ?
	`, id)

	var run Run
	var response, root, leavesJSON, recordsJSON, haltReason, haltDetail sql.NullString

	err := row.Scan(&run.ID, &run.Prompt, &run.Status, &response, &root, &leavesJSON,
		&recordsJSON, &haltReason, &haltDetail, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run not found: %s", id)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	run.Response = response.String
	run.Root = root.String
	run.HaltReason = haltReason.String
	run.HaltDetail = haltDetail.String
	if leavesJSON.Valid && leavesJSON.String != "" && leavesJSON.String != "null" {
		json.Unmarshal([]byte(leavesJSON.String), &run.Leaves)
	}
	if recordsJSON.Valid && recordsJSON.String != "" && recordsJSON.String != "null" {
		run.Records = []plan.ExecutionRecord{}
		json.Unmarshal([]byte(recordsJSON.String), &run.Records)
	}

	rows, err := s.db.Query(`
		SELECT type, step, tool, content, args, hash, detail, duration_ms, timestamp
		FROM events WHERE run_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	run.Events = []Event{}
	for rows.Next() {
		var ev Event
		var step, durationMs sql.NullInt64
		var tool, content, argsJSON, hash, detail sql.NullString
		err := rows.Scan(&ev.Type, &step, &tool, &content, &argsJSON, &hash, &detail, &durationMs, &ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Step = int(step.Int64)
		ev.Tool = tool.String
		ev.Content = content.String
		ev.Hash = hash.String
		ev.Detail = detail.String
		ev.DurationMs = durationMs.Int64
		if argsJSON.Valid && argsJSON.String != "" && argsJSON.String != "null" {
			json.Unmarshal([]byte(argsJSON.String), &ev.Args)
		}
		run.Events = append(run.Events, ev)
	}

	return &run, nil
}
