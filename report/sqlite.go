package report

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)

	"github.com/chazu/tiered/vm"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS reports (
	run_id     TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	taken      INTEGER NOT NULL,
	final      INTEGER NOT NULL,
	installed  INTEGER NOT NULL,
	bailouts   INTEGER NOT NULL,
	discarded  INTEGER NOT NULL,
	inlined    INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS target_stats (
	run_id             TEXT    NOT NULL,
	seq                INTEGER NOT NULL,
	target_id          INTEGER NOT NULL,
	name               TEXT    NOT NULL,
	calls              INTEGER NOT NULL,
	calls_since_report INTEGER NOT NULL,
	nodes              INTEGER NOT NULL,
	compiled           INTEGER NOT NULL,
	invalidations      INTEGER NOT NULL,
	node_replaces      INTEGER NOT NULL,
	state              TEXT    NOT NULL,
	inlined_sites      INTEGER NOT NULL,
	call_sites         INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq, target_id)
);`

// SQLiteReporter appends reports to a SQLite database, one reports row and
// one target_stats row per live target.
type SQLiteReporter struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// OpenSQLite opens (creating if needed) the statistics database at path.
func OpenSQLite(path string) (*SQLiteReporter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &SQLiteReporter{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *SQLiteReporter) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteReporter) Report(ctx context.Context, r vm.Report) error {
	rec := NewRecord(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning report transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM reports WHERE run_id = ?", rec.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("reading report sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reports (run_id, seq, taken, final, installed, bailouts, discarded, inlined)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, seq, rec.Taken, rec.Final,
		int64(rec.Compile.Installed), int64(rec.Compile.Bailouts), int64(rec.Compile.Discarded), int64(rec.Inlined),
	)
	if err != nil {
		return fmt.Errorf("saving report: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO target_stats (run_id, seq, target_id, name, calls, calls_since_report,
		 nodes, compiled, invalidations, node_replaces, state, inlined_sites, call_sites)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing target insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range rec.Targets {
		_, err := stmt.ExecContext(ctx,
			rec.RunID, seq, int64(t.ID), t.Name, t.Calls, t.CallsSinceReport,
			t.Nodes, t.Compiled, t.Invalidations, t.NodeReplaces, t.State, t.InlinedSites, t.CallSites)
		if err != nil {
			return fmt.Errorf("saving target %s: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

// Run summarises one run stored in the database.
type Run struct {
	RunID   string
	Reports int
	Last    time.Time
	Final   bool
}

// Runs lists the stored runs, most recent first.
func (s *SQLiteReporter) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, COUNT(*), MAX(taken), MAX(final)
		FROM reports GROUP BY run_id ORDER BY MAX(taken) DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var taken int64
		if err := rows.Scan(&run.RunID, &run.Reports, &taken, &run.Final); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		run.Last = time.Unix(0, taken)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestTargets returns the target rows of the most recent report of a run,
// ordered by target id.
func (s *SQLiteReporter) LatestTargets(ctx context.Context, runID string) ([]TargetRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id, name, calls, calls_since_report, nodes, compiled,
		       invalidations, node_replaces, state, inlined_sites, call_sites
		FROM target_stats
		WHERE run_id = ? AND seq = (SELECT MAX(seq) FROM reports WHERE run_id = ?)
		ORDER BY target_id`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("querying targets: %w", err)
	}
	defer rows.Close()

	var targets []TargetRecord
	for rows.Next() {
		var t TargetRecord
		var id int64
		err := rows.Scan(&id, &t.Name, &t.Calls, &t.CallsSinceReport, &t.Nodes, &t.Compiled,
			&t.Invalidations, &t.NodeReplaces, &t.State, &t.InlinedSites, &t.CallSites)
		if err != nil {
			return nil, fmt.Errorf("scanning target: %w", err)
		}
		t.ID = uint64(id)
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// LatestRecord rebuilds the most recent report of a run. Compile statistics
// the database does not keep are left zero.
func (s *SQLiteReporter) LatestRecord(ctx context.Context, runID string) (*Record, error) {
	rec := &Record{RunID: runID}
	var installed, bailouts, discarded, inlined int64
	err := s.db.QueryRowContext(ctx, `
		SELECT taken, final, installed, bailouts, discarded, inlined
		FROM reports WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, runID,
	).Scan(&rec.Taken, &rec.Final, &installed, &bailouts, &discarded, &inlined)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no reports for run %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying report: %w", err)
	}
	rec.Compile.Installed = uint64(installed)
	rec.Compile.Bailouts = uint64(bailouts)
	rec.Compile.Discarded = uint64(discarded)
	rec.Inlined = uint64(inlined)

	if rec.Targets, err = s.LatestTargets(ctx, runID); err != nil {
		return nil, err
	}
	return rec, nil
}
