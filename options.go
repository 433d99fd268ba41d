package tandem

import (
	"io"
	"log/slog"
	"time"
)

const (
	defaultMaxTurns      = 50
	defaultInputCapacity = 100
	defaultStopTimeout   = 30 * time.Second
)

// nopLogger discards all records. Used when no logger is configured so
// components never need nil checks before logging.
var nopLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// loopConfig holds construction-time settings for a Loop.
type loopConfig struct {
	maxTurns       int
	inputCapacity  int
	outputCapacity int
	stopTimeout    time.Duration
	defaults       TurnOptions
	transform      Middleware
	stitcher       Middleware
	joiner         Middleware
	logger         *slog.Logger
	tracer         Tracer
}

// Option configures a Loop at construction time.
type Option func(*loopConfig)

// WithMaxTurns caps the number of turns per run. Default 50. When the cap is
// hit the run terminates without fork and a warning is logged.
func WithMaxTurns(n int) Option {
	return func(c *loopConfig) { c.maxTurns = n }
}

// WithInputCapacity bounds the input queue. Default 100. Senders block when
// the queue is full.
func WithInputCapacity(n int) Option {
	return func(c *loopConfig) { c.inputCapacity = n }
}

// WithOutputCapacity bounds each subscriber's queue. Default 1000.
// Publishing blocks per subscriber when that subscriber's queue is full.
func WithOutputCapacity(n int) Option {
	return func(c *loopConfig) { c.outputCapacity = n }
}

// WithStopTimeout sets how long Stop waits for the driver to finish before
// giving up with a warning. Default 30s.
func WithStopTimeout(d time.Duration) Option {
	return func(c *loopConfig) { c.stopTimeout = d }
}

// WithDefaultOptions sets the per-turn options template. The loop overlays
// RunID, GenerationID, and ThreadID before every pipeline invocation; the
// remaining fields pass through as given.
func WithDefaultOptions(opts TurnOptions) Option {
	return func(c *loopConfig) { c.defaults = opts }
}

// WithTransform sets the message-transformation stage (order-index
// assignment, aggregate normalization). Nil skips the stage.
func WithTransform(mw Middleware) Option {
	return func(c *loopConfig) { c.transform = mw }
}

// WithStitcher sets the JSON fragment stitcher stage. Nil skips the stage.
func WithStitcher(mw Middleware) Option {
	return func(c *loopConfig) { c.stitcher = mw }
}

// WithJoiner sets the message joiner stage that coalesces streamed chunks
// into aggregated messages for history. Nil skips the stage.
func WithJoiner(mw Middleware) Option {
	return func(c *loopConfig) { c.joiner = mw }
}

// WithLogger sets the structured logger for loop lifecycle and delivery
// events.
func WithLogger(l *slog.Logger) Option {
	return func(c *loopConfig) { c.logger = l }
}

// WithTracer enables span creation for runs, turns, and tool executions.
func WithTracer(t Tracer) Option {
	return func(c *loopConfig) { c.tracer = t }
}
