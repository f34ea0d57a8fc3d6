package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the event inbox and the run journal.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "b24sync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Event inbox ---

// EnqueueEvent persists an inbound event as pending. Events are claimed
// in insertion order.
func (s *Store) EnqueueEvent(ev InboxEvent) error {
	now := time.Now().UTC()
	received := ev.ReceivedAt
	if received.IsZero() {
		received = now
	}
	_, err := s.db.Exec(`
		INSERT INTO events (id, event, entity_type_id, item_id, payload, status, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		ev.ID, ev.Event, ev.EntityTypeID, ev.ItemID, ev.Payload,
		received.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", ev.ID, err)
	}
	return nil
}

// ClaimNextEvent marks the oldest pending event as running and returns it,
// or nil when the inbox is empty.
func (s *Store) ClaimNextEvent() (*InboxEvent, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var ev InboxEvent
	var receivedAt, updatedAt string
	err = tx.QueryRow(`
		SELECT seq, id, event, entity_type_id, item_id, payload, status, received_at, updated_at
		FROM events WHERE status = 'pending'
		ORDER BY seq ASC LIMIT 1`,
	).Scan(&ev.Seq, &ev.ID, &ev.Event, &ev.EntityTypeID, &ev.ItemID, &ev.Payload, &ev.Status, &receivedAt, &updatedAt)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next event: %w", err)
	}

	res, err := tx.Exec(`UPDATE events SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, ev.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating event status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated event rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	ev.Status = StatusRunning
	if ev.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt); err != nil {
		return nil, fmt.Errorf("parsing received_at for event %s: %w", ev.ID, err)
	}
	if ev.UpdatedAt, err = time.Parse(time.RFC3339Nano, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for event %s: %w", ev.ID, err)
	}
	return &ev, nil
}

// CompleteEvent marks an event as done. Failed reconciliations are done
// too: the next delivery for the item retries the whole pipeline.
func (s *Store) CompleteEvent(id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE events SET status = 'done', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueRunning returns events left running by a previous process to
// the pending state and reports how many there were.
func (s *Store) RequeueRunning() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE events SET status = 'pending', updated_at = ? WHERE status = 'running'`, now)
	if err != nil {
		return 0, fmt.Errorf("requeueing running events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountEvents returns the number of events with the given status.
func (s *Store) CountEvents(status string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE status = ?`, status).Scan(&n)
	return n, err
}

// PruneEvents deletes done events received before cutoff.
func (s *Store) PruneEvents(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE status = 'done' AND received_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Run journal ---

func (s *Store) SaveRun(r Run) error {
	ok := 0
	if r.OK {
		ok = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, event_id, event, entity_type_id, item_id, ok, action, error, result_json, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.EventID, r.Event, r.EntityTypeID, r.ItemID, ok, r.Action, r.Error, r.ResultJSON,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", r.RunID, err)
	}
	return nil
}

const runColumns = `run_id, event_id, event, entity_type_id, item_id, ok, action, error, result_json, started_at, duration_ms`

func (s *Store) GetRun(runID string) (Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

// RecentRuns returns journaled runs, newest first.
func (s *Store) RecentRuns(f RunFilter) ([]Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var where []string
	var args []any
	if f.EntityTypeID != 0 {
		where = append(where, "entity_type_id = ?")
		args = append(args, f.EntityTypeID)
	}
	if f.ItemID != 0 {
		where = append(where, "item_id = ?")
		args = append(args, f.ItemID)
	}
	if f.FailedOnly {
		where = append(where, "ok = 0")
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var ok int
	var startedAt string
	if err := sc.Scan(&r.RunID, &r.EventID, &r.Event, &r.EntityTypeID, &r.ItemID, &ok, &r.Action, &r.Error, &r.ResultJSON, &startedAt, &r.DurationMs); err != nil {
		return Run{}, err
	}
	r.OK = ok == 1
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	r.StartedAt = t
	return r, nil
}
