// Package history keeps the outcomes of past runs in a sqlite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Run is one stored outcome.
type Run struct {
	ID       string        `json:"id"`
	Case     string        `json:"case"`
	Status   string        `json:"status"`
	Score    int           `json:"score"`
	Reason   string        `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	PID      int           `json:"pid,omitempty"`
	ExitCode int           `json:"exit_code"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Flake is a case whose runs did not all score the same.
type Flake struct {
	Case   string `json:"case"`
	Runs   int    `json:"runs"`
	Scores int    `json:"scores"`
	Passed int    `json:"passed"`
}

// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to history: %w", err)
	}
	// sqlite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying history schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting history version: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Save stores run, assigning an id when it has none.
func (s *Store) Save(ctx context.Context, run Run) (Run, error) {
	if run.ID == "" {
		run.ID = xid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, case_id, status, score, reason, detail, pid, exit_code, started, duration_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Case, run.Status, run.Score, run.Reason, run.Detail,
		run.PID, run.ExitCode, run.Started.UnixNano(), int64(run.Duration),
	)
	if err != nil {
		return Run{}, fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return run, nil
}

// Runs returns the latest runs, newest first. An empty caseID selects all
// cases, limit <= 0 means no limit.
func (s *Store) Runs(ctx context.Context, caseID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, case_id, status, score, reason, detail, pid, exit_code, started, duration_ns
FROM runs
WHERE ? = '' OR case_id = ?
ORDER BY started DESC, id DESC
LIMIT ?`, caseID, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var ret []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			duration int64
		)
		if err := rows.Scan(&r.ID, &r.Case, &r.Status, &r.Score, &r.Reason, &r.Detail,
			&r.PID, &r.ExitCode, &started, &duration); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Started = time.Unix(0, started).UTC()
		r.Duration = time.Duration(duration)
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// Get returns one run by id.
func (s *Store) Get(ctx context.Context, id string) (Run, bool, error) {
	var (
		r        Run
		started  int64
		duration int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, case_id, status, score, reason, detail, pid, exit_code, started, duration_ns
FROM runs WHERE id = ?`, id).Scan(&r.ID, &r.Case, &r.Status, &r.Score, &r.Reason, &r.Detail,
		&r.PID, &r.ExitCode, &started, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("getting run %s: %w", id, err)
	}
	r.Started = time.Unix(0, started).UTC()
	r.Duration = time.Duration(duration)
	return r, true, nil
}

// Flaky returns the cases whose runs scored differently. Identical
// deterministic runs must always score the same.
func (s *Store) Flaky(ctx context.Context) ([]Flake, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT case_id, COUNT(*), COUNT(DISTINCT score), SUM(CASE WHEN score = 100 THEN 1 ELSE 0 END)
FROM runs
GROUP BY case_id
HAVING COUNT(DISTINCT score) > 1
ORDER BY case_id`)
	if err != nil {
		return nil, fmt.Errorf("querying flaky cases: %w", err)
	}
	defer rows.Close()

	var ret []Flake
	for rows.Next() {
		var f Flake
		if err := rows.Scan(&f.Case, &f.Runs, &f.Scores, &f.Passed); err != nil {
			return nil, fmt.Errorf("scanning flaky case: %w", err)
		}
		ret = append(ret, f)
	}
	return ret, rows.Err()
}
