package tandem

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func newDispatcher(handlers map[string]Handler) *dispatcher {
	return &dispatcher{handlers: handlers, logger: nopLogger}
}

func TestDispatchExecutesHandler(t *testing.T) {
	d := newDispatcher(map[string]Handler{
		"echo": func(_ context.Context, args string) (string, error) { return args, nil },
	})

	call := ToolCallMessage("c1", "echo", `{"x":1}`)
	call.RunID = "r1"
	call.GenerationID = "g1"
	call.FromAgent = "scripted"

	f := d.start(context.Background(), call)
	result, err := f.await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if result.Type != TypeToolResult || result.ToolCallID != "c1" {
		t.Errorf("bad result correlation: %+v", result)
	}
	if result.Content != `{"x":1}` {
		t.Errorf("result content = %q", result.Content)
	}
	if result.RunID != "r1" || result.GenerationID != "g1" || result.FromAgent != "scripted" {
		t.Errorf("attribution not copied: %+v", result)
	}
	if result.Role != "user" {
		t.Errorf("tool result role = %q, want user", result.Role)
	}
}

func TestDispatchEmptyArgsDefaultToObject(t *testing.T) {
	var seen string
	d := newDispatcher(map[string]Handler{
		"ping": func(_ context.Context, args string) (string, error) { seen = args; return "pong", nil },
	})

	f := d.start(context.Background(), ToolCallMessage("c1", "ping", ""))
	if _, err := f.await(context.Background()); err != nil {
		t.Fatalf("await: %v", err)
	}
	if seen != "{}" {
		t.Errorf("handler saw args %q, want {}", seen)
	}
}

func TestDispatchUnknownFunction(t *testing.T) {
	d := newDispatcher(map[string]Handler{
		"alpha": func(context.Context, string) (string, error) { return "", nil },
		"beta":  func(context.Context, string) (string, error) { return "", nil },
	})

	f := d.start(context.Background(), ToolCallMessage("c1", "gamma", "{}"))
	result, err := f.await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}

	var payload struct {
		Error     string   `json:"error"`
		Available []string `json:"available_functions"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if !strings.Contains(payload.Error, "gamma") {
		t.Errorf("error payload missing function name: %q", payload.Error)
	}
	if len(payload.Available) != 2 || payload.Available[0] != "alpha" || payload.Available[1] != "beta" {
		t.Errorf("available functions = %v", payload.Available)
	}
}

func TestDispatchHandlerErrorBecomesPayload(t *testing.T) {
	d := newDispatcher(map[string]Handler{
		"broken": func(context.Context, string) (string, error) { return "", errors.New("disk full") },
	})

	f := d.start(context.Background(), ToolCallMessage("c1", "broken", "{}"))
	result, err := f.await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["error"] != "disk full" {
		t.Errorf("payload = %v", payload)
	}
}

func TestDispatchPanicRecovery(t *testing.T) {
	d := newDispatcher(map[string]Handler{
		"bomb": func(context.Context, string) (string, error) { panic("kaboom") },
	})

	f := d.start(context.Background(), ToolCallMessage("c1", "bomb", "{}"))
	result, err := f.await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !strings.Contains(result.Content, "kaboom") {
		t.Errorf("panic not surfaced in payload: %q", result.Content)
	}
}

func TestDispatchRunsCallsInParallel(t *testing.T) {
	barrier := make(chan struct{})
	d := newDispatcher(map[string]Handler{
		// Each call waits for its peer; serial execution would deadlock.
		"pair": func(ctx context.Context, _ string) (string, error) {
			select {
			case barrier <- struct{}{}:
			case <-barrier:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return "met", nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	f1 := d.start(ctx, ToolCallMessage("c1", "pair", "{}"))
	f2 := d.start(ctx, ToolCallMessage("c2", "pair", "{}"))

	for _, f := range []*toolFuture{f1, f2} {
		result, err := f.await(ctx)
		if err != nil {
			t.Fatalf("await %s: %v", f.callID, err)
		}
		if result.Content != "met" {
			t.Errorf("call %s did not rendezvous: %q", f.callID, result.Content)
		}
	}
}

func TestDispatchAwaitCancellation(t *testing.T) {
	release := make(chan struct{})
	d := newDispatcher(map[string]Handler{
		"slow": func(context.Context, string) (string, error) { <-release; return "late", nil },
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	f := d.start(context.Background(), ToolCallMessage("c1", "slow", "{}"))
	cancel()

	start := time.Now()
	if _, err := f.await(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("await = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("await did not return promptly on cancellation")
	}
}
