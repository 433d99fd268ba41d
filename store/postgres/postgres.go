// Package postgres persists loop transcripts to PostgreSQL.
//
// The Recorder accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	tandem "github.com/tandemloop/tandem"
)

// Recorder persists every message published by a loop into PostgreSQL.
type Recorder struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds recorder configuration set via Option functions.
type pgConfig struct {
	table string
}

// Option configures a PostgreSQL Recorder.
type Option func(*pgConfig)

// WithTable overrides the transcript table name. Useful when several loops
// share one database and want separate tables. Default: "transcript".
func WithTable(name string) Option {
	return func(c *pgConfig) { c.table = name }
}

// New creates a Recorder using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Recorder {
	cfg := pgConfig{table: "transcript"}
	for _, o := range opts {
		o(&cfg)
	}
	return &Recorder{pool: pool, cfg: cfg}
}

// Init creates the transcript table and its indexes.
// Safe to call multiple times (all statements are idempotent).
func (r *Recorder) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			generation_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			from_agent TEXT NOT NULL DEFAULT '',
			order_idx BIGINT NOT NULL DEFAULT 0,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`, r.cfg.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_thread_idx ON %s(thread_id, order_idx)`, r.cfg.table, r.cfg.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_run_idx ON %s(run_id)`, r.cfg.table, r.cfg.table),
	}

	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Record inserts one message. The full message is kept as a JSONB payload
// alongside the indexed columns.
func (r *Recorder) Record(ctx context.Context, m tandem.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("postgres: marshal message: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
		 (id, thread_id, run_id, generation_id, type, role, from_agent, order_idx, tool_call_id, tool_name, content, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13)
		 ON CONFLICT (id) DO NOTHING`, r.cfg.table),
		tandem.NewID(), m.ThreadID, m.RunID, m.GenerationID, string(m.Type), m.Role, m.FromAgent,
		m.OrderIdx, m.ToolCallID, m.ToolName, m.Content, string(payload), tandem.NowUnix())
	if err != nil {
		return fmt.Errorf("postgres: record message: %w", err)
	}
	return nil
}

// Follow drains a loop subscription channel, recording every message until
// the channel closes or ctx is cancelled. Insert failures are dropped so a
// transient database error never stalls the hub's delivery.
func (r *Recorder) Follow(ctx context.Context, ch <-chan tandem.Message) {
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			_ = r.Record(ctx, m)
		case <-ctx.Done():
			return
		}
	}
}

// Messages returns the recorded messages of a thread in publish order
// (oldest first). A limit of 0 returns everything.
func (r *Recorder) Messages(ctx context.Context, threadID string, limit int) ([]tandem.Message, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE thread_id = $1 ORDER BY order_idx, created_at, id`, r.cfg.table)
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()
	return scanPayloads(rows)
}

// RunMessages returns the recorded messages of one run in publish order.
func (r *Recorder) RunMessages(ctx context.Context, runID string) ([]tandem.Message, error) {
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT payload FROM %s WHERE run_id = $1 ORDER BY order_idx, created_at, id`, r.cfg.table),
		runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get run messages: %w", err)
	}
	defer rows.Close()
	return scanPayloads(rows)
}

// Runs returns the run ids recorded for a thread, oldest first.
func (r *Recorder) Runs(ctx context.Context, threadID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT run_id, MIN(created_at) AS first_seen
		 FROM %s
		 WHERE thread_id = $1 AND run_id != ''
		 GROUP BY run_id
		 ORDER BY first_seen, run_id`, r.cfg.table),
		threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		var firstSeen int64
		if err := rows.Scan(&id, &firstSeen); err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (r *Recorder) Close() error {
	return nil
}

func scanPayloads(rows pgx.Rows) ([]tandem.Message, error) {
	var messages []tandem.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		var m tandem.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("postgres: decode message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
