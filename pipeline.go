package tandem

import (
	"context"
	"sync"
)

// Stream is a lazy, cancellable sequence of messages. The producer sends
// with Send and calls Close exactly once; consumers range over C and check
// Err once C is closed. Err is nil for a normal end-of-response, or carries
// the provider/stage failure (including context errors on cancellation).
type Stream struct {
	c chan Message

	mu   sync.Mutex
	err  error
	once sync.Once
}

// NewStream creates a stream with the given channel capacity.
func NewStream(capacity int) *Stream {
	return &Stream{c: make(chan Message, capacity)}
}

// C returns the receive side of the stream.
func (s *Stream) C() <-chan Message { return s.c }

// Send delivers m to the consumer, blocking until accepted or ctx is
// cancelled. Returns ctx.Err() on cancellation.
func (s *Stream) Send(ctx context.Context, m Message) error {
	select {
	case s.c <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream with the given terminal error (nil for normal
// completion). Idempotent; only the first call records its error.
func (s *Stream) Close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.c)
	})
}

// Err reports why the stream ended. Meaningful only after C is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StreamFunc produces a message stream from the conversation history and
// per-turn options. The returned stream honors ctx: producers stop sending
// and close with the context error once ctx is cancelled.
type StreamFunc func(ctx context.Context, history []Message, opts TurnOptions) *Stream

// Middleware wraps a StreamFunc, transforming its input, its output stream,
// or both. Stages must forward the terminal error of the inner stream.
type Middleware func(next StreamFunc) StreamFunc

// Chain composes stages over base. Stages apply innermost-first: the first
// stage sees the base stream, the second sees the first's output, and so on.
// Nil stages are skipped.
func Chain(base StreamFunc, stages ...Middleware) StreamFunc {
	for _, stage := range stages {
		if stage != nil {
			base = stage(base)
		}
	}
	return base
}

// publishStage forwards every message downstream unchanged while publishing
// it to the hub as a side effect. It sits upstream of the joiner so that
// chunk-level updates reach subscribers before aggregation.
func publishStage(hub *Hub) Middleware {
	return func(next StreamFunc) StreamFunc {
		return func(ctx context.Context, history []Message, opts TurnOptions) *Stream {
			in := next(ctx, history, opts)
			out := NewStream(cap(in.c))
			go func() {
				for m := range in.C() {
					hub.Publish(ctx, m)
					if err := out.Send(ctx, m); err != nil {
						out.Close(err)
						drainStream(in)
						return
					}
				}
				out.Close(in.Err())
			}()
			return out
		}
	}
}

// drainStream discards remaining messages so an abandoned inner producer
// can finish and release its goroutine.
func drainStream(s *Stream) {
	for range s.C() {
	}
}

// StreamingAgent is the external collaborator the pipeline wraps: a provider
// or agent capable of producing a lazy, cancellable sequence of messages
// from a prompt.
type StreamingAgent interface {
	// GenerateStreaming starts one model call over the conversation history.
	// The returned stream terminates normally at end-of-response or closes
	// with the context error when ctx is cancelled.
	GenerateStreaming(ctx context.Context, history []Message, opts TurnOptions) *Stream
	// Name identifies the provider (e.g. "openai", "cliagent").
	Name() string
}
