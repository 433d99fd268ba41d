package middleware

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"

	tandem "github.com/tandemloop/tandem"
)

// Join returns the message joiner stage: it coalesces streamed text chunks
// into aggregated messages so the conversation history carries whole
// messages rather than fragments. Chunks are absorbed; when a non-chunk
// message arrives or the stream ends, the absorbed text is emitted as one
// aggregate message. Providers that emit their own aggregate immediately
// after the chunks (same content) are detected and the provider's message
// is used instead of a synthesized duplicate.
//
// Aggregated text is NFC-normalized, so chunk boundaries that split
// combining sequences do not leak into history.
//
// Join sits downstream of the publishing stage by construction: subscribers
// observe the raw chunks, history receives the aggregates.
func Join() tandem.Middleware {
	return func(next tandem.StreamFunc) tandem.StreamFunc {
		return func(ctx context.Context, history []tandem.Message, opts tandem.TurnOptions) *tandem.Stream {
			in := next(ctx, history, opts)
			out := tandem.NewStream(0)
			go func() {
				var text strings.Builder
				var reasoning strings.Builder
				var last tandem.Message // attribution template for synthesized aggregates

				emit := func(b *strings.Builder, t tandem.MessageType) error {
					if b.Len() == 0 {
						return nil
					}
					m := last
					m.Type = t
					m.Content = norm.NFC.String(b.String())
					m.ToolCallID, m.ToolName, m.ToolArgs = "", "", ""
					b.Reset()
					return out.Send(ctx, m)
				}
				flush := func() error {
					if err := emit(&reasoning, tandem.TypeReasoningChunk); err != nil {
						return err
					}
					return emit(&text, tandem.TypeTextMessage)
				}

				for m := range in.C() {
					switch m.Type {
					case tandem.TypeTextChunk:
						text.WriteString(m.Content)
						last = m
						continue
					case tandem.TypeReasoningChunk:
						reasoning.WriteString(m.Content)
						last = m
						continue
					case tandem.TypeTextMessage:
						// Provider-emitted aggregate for the chunks just
						// absorbed: prefer it over a synthesized copy.
						if norm.NFC.String(text.String()) == norm.NFC.String(m.Content) {
							text.Reset()
						}
					}
					if err := flush(); err != nil {
						out.Close(err)
						drain(in)
						return
					}
					if err := out.Send(ctx, m); err != nil {
						out.Close(err)
						drain(in)
						return
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
