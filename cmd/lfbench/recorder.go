// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// recorder stores benchmark results in a SQLite database. Results are buffered
// and written in one transaction by Flush, which also runs at exit.
type recorder struct {
	db        *sql.DB
	statement *sql.Stmt
	runID     string

	mu      sync.Mutex
	pending []result
	closed  bool
}

// newRecorder opens (or creates) the database at path and starts a new run.
func newRecorder(path string) (*recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS results (
		run_id      TEXT NOT NULL,
		workload    TEXT NOT NULL,
		goroutines  INTEGER NOT NULL,
		ops         INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		ops_per_sec REAL NOT NULL,
		errors      INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating results table: %w", err)
	}

	statement, err := db.Prepare(`INSERT INTO results
		(run_id, workload, goroutines, ops, duration_ns, ops_per_sec, errors, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing insert: %w", err)
	}

	r := &recorder{
		db:        db,
		statement: statement,
		runID:     xid.New().String(),
	}

	atexit.Register(func() { _ = r.Close() })

	return r, nil
}

// RunID identifies the results of this invocation.
func (r *recorder) RunID() string {
	return r.runID
}

// Add buffers a result.
func (r *recorder) Add(res result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, res)
}

// Flush writes all buffered results.
func (r *recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || len(r.pending) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	now := time.Now().UnixNano()
	stmt := tx.Stmt(r.statement)
	for _, res := range r.pending {
		_, err := stmt.Exec(
			r.runID,
			res.Workload,
			res.Goroutines,
			res.Ops,
			res.Duration.Nanoseconds(),
			res.OpsPerSec(),
			res.Errors,
			now,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("inserting %s result: %w", res.Workload, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	r.pending = nil
	return nil
}

// Close flushes and closes the database. It is safe to call more than once.
func (r *recorder) Close() error {
	err := r.Flush()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return err
	}
	r.closed = true
	r.statement.Close()
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// count returns how many results of this run are stored.
func (r *recorder) count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM results WHERE run_id = ?`, r.runID).Scan(&n)
	return n, err
}
