package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/planexec/planexec/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists run histories in a single SQLite database. Records
// are stored as JSON rows ordered by an autoincrement sequence, so append
// order survives restarts.
type SQLiteStore struct {
	db *sql.DB

	// mu serializes writers; SQLite allows a single writer at a time and
	// the store promises per-run append ordering.
	mu sync.Mutex
}

// NewSQLiteStore opens (and initializes) the database at path. Use
// ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_records_run ON run_records(run_id, seq)`,
		`CREATE TABLE IF NOT EXISTS run_meta (
			run_id TEXT PRIMARY KEY,
			plan TEXT,
			summary TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init history schema: %w", err)
		}
	}
	return nil
}

// Append adds one record to the run's log.
func (s *SQLiteStore) Append(ctx context.Context, runID string, rec models.RunEvent) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_records (run_id, type, payload) VALUES (?, ?, ?)`,
		runID, string(rec.Type), string(payload))
	if err != nil {
		return fmt.Errorf("append history record: %w", err)
	}
	return nil
}

// List returns all records of the run in append order.
func (s *SQLiteStore) List(ctx context.Context, runID string) ([]models.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM run_records WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list history records: %w", err)
	}
	defer rows.Close()

	var out []models.RunEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec models.RunEvent
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode history record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrRunNotFound
	}
	return out, nil
}

// SetPlan stores the current plan snapshot for the run.
func (s *SQLiteStore) SetPlan(ctx context.Context, runID string, plan *models.Plan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_meta (run_id, plan) VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET plan = excluded.plan, updated_at = CURRENT_TIMESTAMP`,
		runID, string(payload))
	return err
}

// Plan returns the stored plan snapshot, or nil.
func (s *SQLiteStore) Plan(ctx context.Context, runID string) (*models.Plan, error) {
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT plan FROM run_meta WHERE run_id = ?`, runID).Scan(&payload)
	if err == sql.ErrNoRows || !payload.Valid {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var plan models.Plan
	if err := json.Unmarshal([]byte(payload.String), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

// SetSummary stores the run's final summary text.
func (s *SQLiteStore) SetSummary(ctx context.Context, runID string, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_meta (run_id, summary) VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET summary = excluded.summary, updated_at = CURRENT_TIMESTAMP`,
		runID, summary)
	return err
}

// Summary returns the stored summary, or "".
func (s *SQLiteStore) Summary(ctx context.Context, runID string) (string, error) {
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT summary FROM run_meta WHERE run_id = ?`, runID).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return summary.String, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
