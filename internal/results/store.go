package results

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		source TEXT,
		model TEXT,
		created_at TEXT,
		error TEXT,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_source ON results(source);
`

// Store aggregates result records into one SQLite table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) an aggregation database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert adds one record. A record with a duplicate run_id is
// rejected by the unique constraint.
func (s *Store) Insert(r Result) error {
	runID := r.RunID()
	if runID == "" {
		return fmt.Errorf("result has no run_id")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result %s: %w", runID, err)
	}

	source, _ := r["source"].(string)
	model, _ := r["model"].(string)
	createdAt, _ := r["created_at"].(string)
	errMsg, _ := r["error"].(string)

	query := `
		INSERT INTO results (run_id, source, model, created_at, error, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	err = retryOnBusy(func() error {
		_, err := s.db.Exec(query, runID, source, model, createdAt,
			nullStr(errMsg), string(payload))
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting result %s: %w", runID, err)
	}
	return nil
}

// Get returns a single record by run identifier, or nil when absent.
func (s *Store) Get(runID string) (Result, error) {
	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM results WHERE run_id = ?`, runID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying result %s: %w", runID, err)
	}
	var r Result
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decoding result %s: %w", runID, err)
	}
	return r, nil
}

// Summary is a lightweight row for list views, omitting the payload.
type Summary struct {
	RunID     string
	Source    string
	Model     string
	CreatedAt string
	Error     string
}

// List returns the most recent records, newest first.
func (s *Store) List(limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, source, model, created_at, error
		FROM results
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var rec Summary
		var errMsg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Source, &rec.Model,
			&rec.CreatedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of aggregated records.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting results: %w", err)
	}
	return n, nil
}

const busyRetries = 5

// retryOnBusy retries a write that failed with SQLITE_BUSY, backing
// off a little more each attempt. Other errors return immediately.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked")
}

// nullStr returns nil for empty strings so they land as NULL.
func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
