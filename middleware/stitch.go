package middleware

import (
	"context"
	"encoding/json"

	tandem "github.com/tandemloop/tandem"
)

// Stitch returns the JSON fragment stitcher stage. Providers that stream
// tool-call arguments emit a tool-call message per argument fragment, all
// sharing one tool_call_id. Stitch accumulates those fragments until the
// buffered argument string parses as JSON, then emits a single complete
// tool-call message. Calls whose arguments are already valid (or empty, for
// niladic calls) pass straight through, as does every non-tool-call message.
//
// A fragment sequence still incomplete when the stream ends is emitted
// as-is; downstream validation decides what to do with it.
func Stitch() tandem.Middleware {
	return func(next tandem.StreamFunc) tandem.StreamFunc {
		return func(ctx context.Context, history []tandem.Message, opts tandem.TurnOptions) *tandem.Stream {
			in := next(ctx, history, opts)
			out := tandem.NewStream(0)
			go func() {
				// partial holds the fragment buffer per tool_call_id, in
				// arrival order.
				partial := make(map[string]*tandem.Message)
				var order []string

				flush := func() error {
					for _, id := range order {
						m := partial[id]
						if m == nil {
							continue
						}
						if err := out.Send(ctx, *m); err != nil {
							return err
						}
						delete(partial, id)
					}
					order = order[:0]
					return nil
				}

				for m := range in.C() {
					if m.Type != tandem.TypeToolCall {
						if err := out.Send(ctx, m); err != nil {
							out.Close(err)
							drain(in)
							return
						}
						continue
					}
					buf, seen := partial[m.ToolCallID]
					if !seen {
						if m.ToolArgs == "" || json.Valid([]byte(m.ToolArgs)) {
							if err := out.Send(ctx, m); err != nil {
								out.Close(err)
								drain(in)
								return
							}
							continue
						}
						first := m
						partial[m.ToolCallID] = &first
						order = append(order, m.ToolCallID)
						continue
					}
					buf.ToolArgs += m.ToolArgs
					if m.ToolName != "" {
						buf.ToolName = m.ToolName
					}
					if json.Valid([]byte(buf.ToolArgs)) {
						if err := out.Send(ctx, *buf); err != nil {
							out.Close(err)
							drain(in)
							return
						}
						delete(partial, m.ToolCallID)
						for i, id := range order {
							if id == m.ToolCallID {
								order = append(order[:i], order[i+1:]...)
								break
							}
						}
					}
				}
				if err := flush(); err != nil {
					out.Close(err)
					return
				}
				out.Close(in.Err())
			}()
			return out
		}
	}
}
