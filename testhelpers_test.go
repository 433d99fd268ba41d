package tandem

import (
	"context"
	"sync"
	"testing"
	"time"
)

const testTimeout = 3 * time.Second

// scriptedAgent replays a fixed script: call n streams the messages produced
// by turns[n]. Calls past the end of the script stream nothing.
type scriptedAgent struct {
	mu    sync.Mutex
	turns []func(history []Message, opts TurnOptions) []Message
	calls int
}

func (a *scriptedAgent) Name() string { return "scripted" }

func (a *scriptedAgent) GenerateStreaming(ctx context.Context, history []Message, opts TurnOptions) *Stream {
	a.mu.Lock()
	idx := a.calls
	a.calls++
	a.mu.Unlock()

	out := NewStream(16)
	go func() {
		if idx < len(a.turns) {
			for _, m := range a.turns[idx](history, opts) {
				if err := out.Send(ctx, m); err != nil {
					out.Close(err)
					return
				}
			}
		}
		out.Close(nil)
	}()
	return out
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// textTurn scripts a turn that streams two chunks and their aggregate.
func textTurn(text string) func([]Message, TurnOptions) []Message {
	return func(_ []Message, _ TurnOptions) []Message {
		half := len(text) / 2
		return []Message{
			TextChunk(text[:half]),
			TextChunk(text[half:]),
			TextMessage(text),
		}
	}
}

// toolTurn scripts a turn that requests the given calls.
func toolTurn(calls ...Message) func([]Message, TurnOptions) []Message {
	return func(_ []Message, _ TurnOptions) []Message {
		return calls
	}
}

// failingAgent closes every stream with err after streaming prefix messages.
type failingAgent struct {
	prefix []Message
	err    error
}

func (a *failingAgent) Name() string { return "failing" }

func (a *failingAgent) GenerateStreaming(ctx context.Context, _ []Message, _ TurnOptions) *Stream {
	out := NewStream(16)
	go func() {
		for _, m := range a.prefix {
			if err := out.Send(ctx, m); err != nil {
				out.Close(err)
				return
			}
		}
		out.Close(a.err)
	}()
	return out
}

// recvType drains ch until a message of the wanted type arrives.
func recvType(t *testing.T, ch <-chan Message, want MessageType) Message {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before %s arrived", want)
			}
			if m.Type == want {
				return m
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

// collect drains ch to exhaustion, failing the test if it never closes.
func collect(t *testing.T, ch <-chan Message) []Message {
	t.Helper()
	var out []Message
	deadline := time.After(testTimeout)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, m)
		case <-deadline:
			t.Fatalf("timeout draining stream, got %d messages", len(out))
		}
	}
}

// startLoop builds and starts a loop with the standard stage order and test
// cleanup registered.
func startLoop(t *testing.T, agent StreamingAgent, tools ToolSource, opts ...Option) *Loop {
	t.Helper()
	l := NewLoop("test-thread", agent, tools, opts...)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(l.Dispose)
	return l
}
