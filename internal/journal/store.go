// Package journal keeps an optional local record of capture cycles. It
// is off by default; a camera that only publishes stays stateless. When
// enabled it answers "what has this camera been doing" from the device
// itself, even while the broker is unreachable.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/camrelay/internal/capture"
)

const (
	// pruneEvery is how many inserts pass between prunes.
	pruneEvery = 50

	// timeLayout is fixed width so started_at sorts as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Store is an append-only SQLite journal of cycle outcomes bounded to
// the newest keep rows. All public methods are safe for concurrent use
// (SQLite serializes writes).
type Store struct {
	db      *sql.DB
	keep    int
	inserts atomic.Uint64
}

// Open opens (creating if needed) the journal database at path.
func Open(path string, keep int) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	s, err := NewStore(db, keep)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a journal on an open database. The schema is created
// automatically on first use. keep <= 0 disables pruning.
func NewStore(db *sql.DB, keep int) (*Store, error) {
	s := &Store{db: db, keep: keep}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS capture_cycles (
		cycle_id      TEXT PRIMARY KEY,
		started_at    TEXT NOT NULL,
		duration_ms   INTEGER NOT NULL,
		result        TEXT NOT NULL,
		frame_bytes   INTEGER NOT NULL DEFAULT 0,
		payload_bytes INTEGER NOT NULL DEFAULT 0,
		error         TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_capture_cycles_started ON capture_cycles(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one outcome. It satisfies [capture.Recorder].
func (s *Store) Record(ctx context.Context, o capture.Outcome) error {
	var errText sql.NullString
	if o.Err != "" {
		errText = sql.NullString{String: o.Err, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capture_cycles
		 (cycle_id, started_at, duration_ms, result, frame_bytes, payload_bytes, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.CycleID,
		o.StartedAt.UTC().Format(timeLayout),
		o.Duration.Milliseconds(),
		string(o.Result),
		o.FrameBytes,
		o.PayloadBytes,
		errText,
	)
	if err != nil {
		return fmt.Errorf("record cycle %s: %w", o.CycleID, err)
	}

	if s.keep > 0 && s.inserts.Add(1)%pruneEvery == 0 {
		if _, err := s.Prune(ctx, s.keep); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to n outcomes, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]capture.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle_id, started_at, duration_ms, result, frame_bytes, payload_bytes, error
		 FROM capture_cycles ORDER BY started_at DESC LIMIT ?`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent cycles: %w", err)
	}
	defer rows.Close()

	var out []capture.Outcome
	for rows.Next() {
		var (
			o          capture.Outcome
			startedAt  string
			durationMs int64
			result     string
			errText    sql.NullString
		)
		if err := rows.Scan(&o.CycleID, &startedAt, &durationMs, &result,
			&o.FrameBytes, &o.PayloadBytes, &errText); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		o.StartedAt, err = time.Parse(timeLayout, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
		}
		o.Duration = time.Duration(durationMs) * time.Millisecond
		o.Result = capture.Result(result)
		o.Err = errText.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// Summary counts journaled cycles by result.
func (s *Store) Summary(ctx context.Context) (map[capture.Result]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result, COUNT(*) FROM capture_cycles GROUP BY result`)
	if err != nil {
		return nil, fmt.Errorf("summarize cycles: %w", err)
	}
	defer rows.Close()

	counts := make(map[capture.Result]int)
	for rows.Next() {
		var (
			result string
			n      int
		)
		if err := rows.Scan(&result, &n); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		counts[capture.Result(result)] = n
	}
	return counts, rows.Err()
}

// Prune deletes all but the newest keep rows and reports how many were
// removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM capture_cycles WHERE cycle_id NOT IN (
			SELECT cycle_id FROM capture_cycles ORDER BY started_at DESC LIMIT ?
		)`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}
