// Package history persists engine events to SQLite (WAL mode) for later
// inspection.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store wraps *sql.DB with the event tables.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &Store{raw}, nil
}

// Migrate creates the event tables. It is idempotent.
func (s *Store) Migrate() error {
	for _, stmt := range []string{ddlStateEvents, ddlTaskEvents} {
		if _, err := s.Exec(stmt); err != nil {
			return fmt.Errorf("history: migrate: %w", err)
		}
	}
	return nil
}

const ddlStateEvents = `
CREATE TABLE IF NOT EXISTS state_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    node       TEXT    NOT NULL,
    node_kind  TEXT    NOT NULL,
    old_state  TEXT    NOT NULL,
    new_state  TEXT    NOT NULL,
    at         INTEGER NOT NULL,          -- Unix milliseconds
    detail     BLOB
);
CREATE INDEX IF NOT EXISTS idx_state_events_at ON state_events (at DESC);
CREATE INDEX IF NOT EXISTS idx_state_events_node ON state_events (node);
`

const ddlTaskEvents = `
CREATE TABLE IF NOT EXISTS task_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id     TEXT    NOT NULL,
    node        TEXT    NOT NULL,
    op          TEXT    NOT NULL,
    reason      TEXT    NOT NULL DEFAULT 'none',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    at          INTEGER NOT NULL,         -- Unix milliseconds
    detail      BLOB
);
CREATE INDEX IF NOT EXISTS idx_task_events_at ON task_events (at DESC);
CREATE INDEX IF NOT EXISTS idx_task_events_node ON task_events (node);
`

// StateRow is one stored state change.
type StateRow struct {
	Node     string
	NodeKind string
	Old      string
	New      string
	At       time.Time
	Detail   Detail
}

// TaskRow is one stored task outcome.
type TaskRow struct {
	TaskID   string
	Node     string
	Op       string
	Reason   string
	Duration time.Duration
	At       time.Time
	Detail   Detail
}

// InsertState stores a state change.
func (s *Store) InsertState(ctx context.Context, r StateRow) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO state_events (node, node_kind, old_state, new_state, at, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Node, r.NodeKind, r.Old, r.New, r.At.UnixMilli(), MarshalDetail(r.Detail))
	if err != nil {
		return fmt.Errorf("history: insert state event: %w", err)
	}
	return nil
}

// InsertTask stores a task outcome.
func (s *Store) InsertTask(ctx context.Context, r TaskRow) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO task_events (task_id, node, op, reason, duration_ms, at, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Node, r.Op, r.Reason, r.Duration.Milliseconds(), r.At.UnixMilli(), MarshalDetail(r.Detail))
	if err != nil {
		return fmt.Errorf("history: insert task event: %w", err)
	}
	return nil
}

// Entry is one row of the merged event log.
type Entry struct {
	Type    string // "state" or "task"
	Node    string
	At      time.Time
	Summary string
	Detail  Detail
}

// Recent returns up to limit events across both tables, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.QueryContext(ctx, `
SELECT 'state', node, at, old_state || ' -> ' || new_state, detail, id FROM state_events
UNION ALL
SELECT 'task', node, at, op || ' ' || reason, detail, id FROM task_events
ORDER BY 3 DESC, 6 DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			at, id int64
			blob   []byte
		)
		if err := rows.Scan(&e.Type, &e.Node, &at, &e.Summary, &blob, &id); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.At = time.UnixMilli(at)
		if e.Detail, err = DecodeDetail(blob); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return out, nil
}

// NodeStats summarises task outcomes for one node.
type NodeStats struct {
	Node      string
	Tasks     int
	Failures  int
	AvgMillis float64
}

// Stats returns per-node task counts, ordered by node.
func (s *Store) Stats(ctx context.Context) ([]NodeStats, error) {
	rows, err := s.QueryContext(ctx, `
SELECT node, COUNT(*), SUM(CASE WHEN reason = 'none' THEN 0 ELSE 1 END), AVG(duration_ms)
FROM task_events
GROUP BY node
ORDER BY node`)
	if err != nil {
		return nil, fmt.Errorf("history: query stats: %w", err)
	}
	defer rows.Close()

	var out []NodeStats
	for rows.Next() {
		var ns NodeStats
		if err := rows.Scan(&ns.Node, &ns.Tasks, &ns.Failures, &ns.AvgMillis); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return out, nil
}
