// Package history keeps every run's rates in SQLite so a report can show
// how each group moved since the previous statistics date.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"irrcontract/internal/logging"
	"irrcontract/internal/rollup"

	_ "modernc.org/sqlite"
)

// Store is the rate history database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.HistoryWarn("Failed to set sqlite busy_timeout: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.HistoryDebug("Opened history database at %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rates (
		stat_date TEXT NOT NULL,
		level TEXT NOT NULL,
		org_key TEXT NOT NULL,
		total INTEGER NOT NULL,
		assessed INTEGER NOT NULL,
		irregular INTEGER NOT NULL,
		rate REAL NOT NULL,
		no_base INTEGER NOT NULL DEFAULT 0,
		run_id TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		PRIMARY KEY (stat_date, level, org_key)
	);
	CREATE INDEX IF NOT EXISTS idx_rates_run ON rates(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addColumn("rates", "no_base", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn adds a column that older databases were created without.
func (s *Store) addColumn(table, column, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	logging.History("Adding %s.%s", table, column)
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// Record upserts the company row and every table row for a statistics
// date in one transaction. Rerunning a date replaces its rows.
func (s *Store) Record(ctx context.Context, runID string, stat time.Time, company rollup.Row, tables []rollup.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	key := stat.Format(dateKey)
	if _, err := tx.ExecContext(ctx, `DELETE FROM rates WHERE stat_date = ?`, key); err != nil {
		return fmt.Errorf("failed to clear %s: %w", key, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rates (stat_date, level, org_key, total, assessed, irregular, rate, no_base, run_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	insert := func(r rollup.Row) error {
		_, err := stmt.ExecContext(ctx, key, r.Level.String(), r.PathKey(), r.Total, r.Assessed, r.Irregular, r.Rate, r.NoBase, runID, now)
		return err
	}

	if err := insert(company); err != nil {
		return fmt.Errorf("failed to record company rate: %w", err)
	}
	count := 1
	for _, t := range tables {
		for _, r := range t.Rows {
			if err := insert(r); err != nil {
				return fmt.Errorf("failed to record %s %q: %w", t.Level, r.OrgKey(), err)
			}
			count++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	logging.History("Recorded %d rates for %s (run %s)", count, key, runID)
	return nil
}

const dateKey = "2006-01-02"

// Rates returns rollup.PathKey → rate for one level on a statistics date.
// Groups with nothing assessed had no rate and are left out. The map is
// empty when the date was never recorded.
func (s *Store) Rates(ctx context.Context, stat time.Time, level rollup.Level) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_key, rate FROM rates WHERE stat_date = ? AND level = ? AND no_base = 0`,
		stat.Format(dateKey), level.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query rates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			key  string
			rate float64
		)
		if err := rows.Scan(&key, &rate); err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		out[key] = rate
	}
	return out, rows.Err()
}

// Summary is the company-level record of one statistics date.
type Summary struct {
	StatDate  time.Time
	Total     int
	Assessed  int
	Irregular int
	Rate      float64
	NoBase    bool
	RunID     string
}

// Summaries lists the company rows, newest statistics date first.
func (s *Store) Summaries(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT stat_date, total, assessed, irregular, rate, no_base, run_id
		FROM rates WHERE level = ?
		ORDER BY stat_date DESC LIMIT ?`, rollup.Company.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sm   Summary
			date string
		)
		if err := rows.Scan(&date, &sm.Total, &sm.Assessed, &sm.Irregular, &sm.Rate, &sm.NoBase, &sm.RunID); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sm.StatDate, err = time.Parse(dateKey, date)
		if err != nil {
			return nil, fmt.Errorf("bad stat_date %q: %w", date, err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}
