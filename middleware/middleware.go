// Package middleware provides the standard pipeline stages composed around
// a streaming agent: order-index assignment, JSON fragment stitching, and
// chunk joining. Each stage is a tandem.Middleware that transforms the
// message stream without reordering what it forwards.
package middleware

import (
	"context"
	"sync/atomic"

	tandem "github.com/tandemloop/tandem"
)

// Order returns the message-transformation stage. It assigns a monotonic
// order index to every message flowing through the pipeline (monotonic for
// the lifetime of the stage, across runs) and normalizes attribution:
// messages missing run, generation, or thread ids inherit them from the
// per-turn options, and messages without a role default to "assistant".
func Order() tandem.Middleware {
	var counter atomic.Int64
	return func(next tandem.StreamFunc) tandem.StreamFunc {
		return func(ctx context.Context, history []tandem.Message, opts tandem.TurnOptions) *tandem.Stream {
			in := next(ctx, history, opts)
			out := tandem.NewStream(0)
			go func() {
				for m := range in.C() {
					m.OrderIdx = counter.Add(1)
					if m.RunID == "" {
						m.RunID = opts.RunID
					}
					if m.GenerationID == "" {
						m.GenerationID = opts.GenerationID
					}
					if m.ThreadID == "" {
						m.ThreadID = opts.ThreadID
					}
					if m.Role == "" {
						m.Role = "assistant"
					}
					if err := out.Send(ctx, m); err != nil {
						out.Close(err)
						drain(in)
						return
					}
				}
				out.Close(in.Err())
			}()
			return out
		}
	}
}

// drain discards the rest of an abandoned inner stream so its producer can
// finish.
func drain(s *tandem.Stream) {
	for range s.C() {
	}
}
