// Package store provides SQLite-backed persistence for the action runtime:
// the queue's reload-survival snapshot, per-tick metrics, resumable
// snapshot-export progress, and crafting tracking state (spec.md §5's
// "storage.*" tables: walk_to_jobs, mine_resource_jobs, craft_in_progress,
// walk_intents — here queued_actions/tick_metrics/snapshot_runs/
// craft_tracking). Grounded on the teacher's internal/store/store.go:
// WAL-pragma open and defensive ALTER-TABLE migration, same shape, new
// domain schema.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/factoryverse/internal/queue"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection used by the orchestrator and queue.
// It implements queue.Persister.
type Store struct {
	db *sql.DB
}

var _ queue.Persister = (*Store)(nil)

// TickMetricRow records one tick's load for observability (queue depth and
// per-engine active-job counts), sampled by the orchestrator (C13).
type TickMetricRow struct {
	ID           int64
	Tick         int64
	QueueDepth   int
	WalkActive   int
	MineActive   int
	CraftActive  int
	DurationMS   float64
	RecordedAt   time.Time
}

// SnapshotRun tracks progress of one chunked snapshot export pass (C10),
// so an export interrupted mid-run (host restart) can resume instead of
// restarting from chunk zero.
type SnapshotRun struct {
	ID          int64
	StartTick   int64
	Category    string
	ChunksTotal int
	ChunksDone  int
	Status      string // running, completed, failed
	StartedAt   time.Time
	CompletedAt sql.NullTime
}

// CraftTrackingRow is the persisted form of one in-flight craftjob.Tracking
// entry, keyed by agent, so an async craft survives a host reload without
// losing its start-of-craft product baseline.
type CraftTrackingRow struct {
	AgentID        uint64
	ActionID       string
	RCONTick       int64
	Recipe         string
	CountRequested int
	CountQueued    int
	StartQueueSize int
	StartProducts  string // json-encoded map[string]int
	Products       string // json-encoded map[string]int
	Cancelled      bool
	CancelTick     int64
	CountCancelled int
}

const schema = `
CREATE TABLE IF NOT EXISTS queued_actions (
	seq INTEGER PRIMARY KEY,
	action_name TEXT NOT NULL,
	params_json TEXT NOT NULL DEFAULT '{}',
	key TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	enqueue_tick INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tick_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tick INTEGER NOT NULL,
	queue_depth INTEGER NOT NULL DEFAULT 0,
	walk_active INTEGER NOT NULL DEFAULT 0,
	mine_active INTEGER NOT NULL DEFAULT 0,
	craft_active INTEGER NOT NULL DEFAULT 0,
	duration_ms REAL NOT NULL DEFAULT 0,
	recorded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS snapshot_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	start_tick INTEGER NOT NULL,
	category TEXT NOT NULL,
	chunks_total INTEGER NOT NULL DEFAULT 0,
	chunks_done INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'running',
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS craft_tracking (
	agent_id INTEGER PRIMARY KEY,
	action_id TEXT NOT NULL,
	rcon_tick INTEGER NOT NULL,
	recipe TEXT NOT NULL,
	count_requested INTEGER NOT NULL DEFAULT 0,
	count_queued INTEGER NOT NULL DEFAULT 0,
	start_queue_size INTEGER NOT NULL DEFAULT 0,
	start_products TEXT NOT NULL DEFAULT '{}',
	products TEXT NOT NULL DEFAULT '{}',
	cancelled BOOLEAN NOT NULL DEFAULT 0,
	cancel_tick INTEGER NOT NULL DEFAULT 0,
	count_cancelled INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tick_metrics_tick ON tick_metrics(tick);
CREATE INDEX IF NOT EXISTS idx_snapshot_runs_status ON snapshot_runs(status);
`

// Open creates or opens a SQLite database at dbPath and ensures the schema
// exists, matching the teacher's WAL + busy-timeout pragma string.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies incremental schema migrations for databases created
// before a column existed, following the teacher's pragma_table_info +
// conditional ALTER TABLE pattern.
func migrate(db *sql.DB) error {
	var count int

	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('tick_metrics') WHERE name = 'duration_ms'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check duration_ms column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE tick_metrics ADD COLUMN duration_ms REAL NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add duration_ms column: %w", err)
		}
	}

	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('craft_tracking') WHERE name = 'count_cancelled'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check count_cancelled column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE craft_tracking ADD COLUMN count_cancelled INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add count_cancelled column: %w", err)
		}
	}

	return nil
}

// SaveQueue replaces the persisted queue snapshot wholesale, implementing
// queue.Persister. Called after every enqueue/drain under the queue's own
// lock, so this runs inside a transaction to stay atomic against a crash
// mid-write.
func (s *Store) SaveQueue(items []queue.Intent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin save queue: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM queued_actions`); err != nil {
		return fmt.Errorf("store: clear queued_actions: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO queued_actions (seq, action_name, params_json, key, priority, enqueue_tick) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare insert queued_actions: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		paramsJSON, err := json.Marshal(it.Params)
		if err != nil {
			return fmt.Errorf("store: encode params for seq %d: %w", it.Seq, err)
		}
		if _, err := stmt.Exec(it.Seq, it.ActionName, string(paramsJSON), it.Key, it.Priority, it.EnqueueTick); err != nil {
			return fmt.Errorf("store: insert queued_actions seq %d: %w", it.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit save queue: %w", err)
	}
	return nil
}

// LoadQueue reads back the persisted queue snapshot in enqueue order,
// implementing queue.Persister.
func (s *Store) LoadQueue() ([]queue.Intent, error) {
	rows, err := s.db.Query(`SELECT seq, action_name, params_json, key, priority, enqueue_tick FROM queued_actions ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query queued_actions: %w", err)
	}
	defer rows.Close()

	var out []queue.Intent
	for rows.Next() {
		var seq uint64
		var actionName, paramsJSON, key string
		var priority int
		var enqueueTick int64
		if err := rows.Scan(&seq, &actionName, &paramsJSON, &key, &priority, &enqueueTick); err != nil {
			return nil, fmt.Errorf("store: scan queued_actions: %w", err)
		}
		var params any
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return nil, fmt.Errorf("store: decode params for seq %d: %w", seq, err)
		}
		out = append(out, queue.Intent{
			Seq: seq, ActionName: actionName, Params: params,
			Key: key, Priority: priority, EnqueueTick: enqueueTick,
		})
	}
	return out, rows.Err()
}

// RecordTickMetrics inserts one per-tick load sample.
func (s *Store) RecordTickMetrics(m TickMetricRow) error {
	_, err := s.db.Exec(`
		INSERT INTO tick_metrics (tick, queue_depth, walk_active, mine_active, craft_active, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Tick, m.QueueDepth, m.WalkActive, m.MineActive, m.CraftActive, m.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("store: record tick metrics: %w", err)
	}
	return nil
}

// StartSnapshotRun records the beginning of a chunked export pass.
func (s *Store) StartSnapshotRun(startTick int64, category string, chunksTotal int) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO snapshot_runs (start_tick, category, chunks_total, chunks_done, status)
		VALUES (?, ?, ?, 0, 'running')`,
		startTick, category, chunksTotal,
	)
	if err != nil {
		return 0, fmt.Errorf("store: start snapshot run: %w", err)
	}
	return res.LastInsertId()
}

// AdvanceSnapshotRun records progress made on a snapshot run this tick,
// allowing an interrupted export to resume at chunksDone on next init.
func (s *Store) AdvanceSnapshotRun(id int64, chunksDone int) error {
	_, err := s.db.Exec(`UPDATE snapshot_runs SET chunks_done = ? WHERE id = ?`, chunksDone, id)
	if err != nil {
		return fmt.Errorf("store: advance snapshot run: %w", err)
	}
	return nil
}

// CompleteSnapshotRun marks a snapshot run finished (or failed).
func (s *Store) CompleteSnapshotRun(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE snapshot_runs SET status = ?, completed_at = datetime('now') WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("store: complete snapshot run: %w", err)
	}
	return nil
}

// GetLatestIncompleteSnapshotRun returns the most recent still-running run
// for a category, or nil if none exists — consulted at orchestrator init
// to resume a chunked export interrupted by a host restart.
func (s *Store) GetLatestIncompleteSnapshotRun(category string) (*SnapshotRun, error) {
	var r SnapshotRun
	err := s.db.QueryRow(`
		SELECT id, start_tick, category, chunks_total, chunks_done, status, started_at
		FROM snapshot_runs
		WHERE category = ? AND status = 'running'
		ORDER BY started_at DESC LIMIT 1`,
		category,
	).Scan(&r.ID, &r.StartTick, &r.Category, &r.ChunksTotal, &r.ChunksDone, &r.Status, &r.StartedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get incomplete snapshot run: %w", err)
	}
	return &r, nil
}

// UpsertCraftTracking persists one agent's in-flight craft so it survives
// a reload; craftjob.Engine calls this on Enqueue and clears it on
// completion via DeleteCraftTracking.
func (s *Store) UpsertCraftTracking(row CraftTrackingRow) error {
	_, err := s.db.Exec(`
		INSERT INTO craft_tracking (agent_id, action_id, rcon_tick, recipe, count_requested,
			count_queued, start_queue_size, start_products, products, cancelled, cancel_tick, count_cancelled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			action_id = excluded.action_id,
			rcon_tick = excluded.rcon_tick,
			recipe = excluded.recipe,
			count_requested = excluded.count_requested,
			count_queued = excluded.count_queued,
			start_queue_size = excluded.start_queue_size,
			start_products = excluded.start_products,
			products = excluded.products,
			cancelled = excluded.cancelled,
			cancel_tick = excluded.cancel_tick,
			count_cancelled = excluded.count_cancelled`,
		row.AgentID, row.ActionID, row.RCONTick, row.Recipe, row.CountRequested,
		row.CountQueued, row.StartQueueSize, row.StartProducts, row.Products,
		row.Cancelled, row.CancelTick, row.CountCancelled,
	)
	if err != nil {
		return fmt.Errorf("store: upsert craft tracking: %w", err)
	}
	return nil
}

// DeleteCraftTracking clears one agent's craft tracking row on completion.
func (s *Store) DeleteCraftTracking(agentID uint64) error {
	_, err := s.db.Exec(`DELETE FROM craft_tracking WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("store: delete craft tracking: %w", err)
	}
	return nil
}

// LoadCraftTracking restores every persisted in-flight craft at
// orchestrator init.
func (s *Store) LoadCraftTracking() ([]CraftTrackingRow, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, action_id, rcon_tick, recipe, count_requested, count_queued,
			start_queue_size, start_products, products, cancelled, cancel_tick, count_cancelled
		FROM craft_tracking`)
	if err != nil {
		return nil, fmt.Errorf("store: query craft_tracking: %w", err)
	}
	defer rows.Close()

	var out []CraftTrackingRow
	for rows.Next() {
		var r CraftTrackingRow
		if err := rows.Scan(&r.AgentID, &r.ActionID, &r.RCONTick, &r.Recipe, &r.CountRequested,
			&r.CountQueued, &r.StartQueueSize, &r.StartProducts, &r.Products,
			&r.Cancelled, &r.CancelTick, &r.CountCancelled); err != nil {
			return nil, fmt.Errorf("store: scan craft_tracking: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneTickMetrics deletes tick_metrics rows older than olderThanTick,
// bounding the table's growth on long-running hosts. Called periodically
// by the daemon's housekeeping schedule rather than every tick, since a
// tick-metrics row is written on every single tick.
func (s *Store) PruneTickMetrics(olderThanTick int64) error {
	_, err := s.db.Exec(`DELETE FROM tick_metrics WHERE tick < ?`, olderThanTick)
	if err != nil {
		return fmt.Errorf("store: prune tick_metrics: %w", err)
	}
	return nil
}

// Vacuum reclaims space freed by PruneTickMetrics/DeleteCraftTracking.
// SQLite does not do this automatically; like PruneTickMetrics this is a
// housekeeping operation, not a per-tick one.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}
	return nil
}
