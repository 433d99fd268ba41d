// Package sqlite persists loop transcripts to a local SQLite file using a
// pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	tandem "github.com/tandemloop/tandem"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a SQLite Recorder.
type Option func(*Recorder)

// WithLogger sets a structured logger for the recorder. When set, the
// recorder emits debug logs for every operation including timing and row
// counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// Recorder persists every message published by a loop into a local SQLite
// file. Attach it to a loop subscription with Follow, or insert messages
// directly with Record.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Recorder backed by a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...Option) *Recorder {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	r := &Recorder{db: db, logger: nopLogger}
	for _, o := range opts {
		o(r)
	}
	r.logger.Debug("sqlite: recorder opened", "path", dbPath)
	return r
}

// Init creates the transcript table and its indexes.
func (r *Recorder) Init(ctx context.Context) error {
	start := time.Now()
	r.logger.Debug("sqlite: init started")

	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS transcript (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		generation_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		from_agent TEXT NOT NULL DEFAULT '',
		order_idx INTEGER NOT NULL DEFAULT 0,
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_transcript_thread ON transcript(thread_id, order_idx)`)
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_transcript_run ON transcript(run_id)`)

	r.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Record inserts one message. The full message is kept as a JSON payload
// alongside the indexed columns, so variants with nested fields (run
// assignments, completions, usage) round-trip losslessly.
func (r *Recorder) Record(ctx context.Context, m tandem.Message) error {
	start := time.Now()

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transcript
		 (id, thread_id, run_id, generation_id, type, role, from_agent, order_idx, tool_call_id, tool_name, content, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tandem.NewID(), m.ThreadID, m.RunID, m.GenerationID, string(m.Type), m.Role, m.FromAgent,
		m.OrderIdx, m.ToolCallID, m.ToolName, m.Content, string(payload), tandem.NowUnix(),
	)
	if err != nil {
		r.logger.Error("sqlite: record failed", "run_id", m.RunID, "type", m.Type, "error", err, "duration", time.Since(start))
		return fmt.Errorf("record message: %w", err)
	}
	r.logger.Debug("sqlite: record ok", "run_id", m.RunID, "type", m.Type, "duration", time.Since(start))
	return nil
}

// Follow drains a loop subscription channel, recording every message until
// the channel closes or ctx is cancelled. Insert failures are logged and
// skipped so a transient database error never stalls the hub's delivery.
func (r *Recorder) Follow(ctx context.Context, ch <-chan tandem.Message) {
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Record(ctx, m); err != nil {
				r.logger.Warn("sqlite: follow insert skipped", "run_id", m.RunID, "type", m.Type, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Messages returns the recorded messages of a thread in publish order
// (oldest first). A limit of 0 returns everything.
func (r *Recorder) Messages(ctx context.Context, threadID string, limit int) ([]tandem.Message, error) {
	start := time.Now()
	r.logger.Debug("sqlite: get messages", "thread_id", threadID, "limit", limit)

	query := `SELECT payload FROM transcript WHERE thread_id = ? ORDER BY order_idx, created_at, id`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("sqlite: get messages failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanPayloads(rows)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("sqlite: get messages ok", "thread_id", threadID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// RunMessages returns the recorded messages of one run in publish order.
func (r *Recorder) RunMessages(ctx context.Context, runID string) ([]tandem.Message, error) {
	start := time.Now()
	r.logger.Debug("sqlite: get run messages", "run_id", runID)

	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM transcript WHERE run_id = ? ORDER BY order_idx, created_at, id`, runID)
	if err != nil {
		r.logger.Error("sqlite: get run messages failed", "run_id", runID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get run messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanPayloads(rows)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("sqlite: get run messages ok", "run_id", runID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// Runs returns the run ids recorded for a thread, oldest first.
func (r *Recorder) Runs(ctx context.Context, threadID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, MIN(created_at) AS first_seen
		 FROM transcript
		 WHERE thread_id = ? AND run_id != ''
		 GROUP BY run_id
		 ORDER BY first_seen, run_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		var firstSeen int64
		if err := rows.Scan(&id, &firstSeen); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

// DB returns the underlying *sql.DB for sharing with other components.
func (r *Recorder) DB() *sql.DB {
	return r.db
}

// Close closes the underlying database connection.
func (r *Recorder) Close() error {
	r.logger.Debug("sqlite: closing recorder")
	err := r.db.Close()
	if err != nil {
		r.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func scanPayloads(rows *sql.Rows) ([]tandem.Message, error) {
	var messages []tandem.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m tandem.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
