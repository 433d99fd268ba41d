package tandem

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoopSingleTurnRun(t *testing.T) {
	agent := &scriptedAgent{turns: []func([]Message, TurnOptions) []Message{
		textTurn("hello there"),
	}}
	l := startLoop(t, agent, nil)

	assignment, stream, err := l.ExecuteRun(context.Background(), UserInput{
		Messages: []Message{UserMessage("hi")},
		InputID:  "in-1",
	})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if assignment.RunID == "" || assignment.GenerationID == "" {
		t.Errorf("assignment missing ids: %+v", assignment)
	}
	if assignment.InputID != "in-1" || assignment.WasInjected {
		t.Errorf("unexpected assignment: %+v", assignment)
	}

	msgs := collect(t, stream)
	var sawAssignment, sawChunk bool
	var completion *RunCompletion
	for _, m := range msgs {
		switch m.Type {
		case TypeRunAssignment:
			sawAssignment = true
		case TypeTextChunk:
			sawChunk = true
		case TypeRunCompleted:
			completion = m.Completion
		}
	}
	if !sawAssignment {
		t.Error("assignment event not delivered")
	}
	if !sawChunk {
		t.Error("streamed chunks not delivered")
	}
	if completion == nil {
		t.Fatal("no completion event")
	}
	if completion.RunID != assignment.RunID || completion.WasForked || completion.Error != "" {
		t.Errorf("unexpected completion: %+v", completion)
	}
	if agent.callCount() != 1 {
		t.Errorf("agent called %d times, want 1", agent.callCount())
	}
}

func TestLoopParentChainsAcrossRuns(t *testing.T) {
	agent := &scriptedAgent{turns: []func([]Message, TurnOptions) []Message{
		textTurn("first"),
		textTurn("second"),
	}}
	l := startLoop(t, agent, nil)

	first, stream, err := l.ExecuteRun(context.Background(), UserInput{Messages: []Message{UserMessage("one")}})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if first.ParentRunID != "" {
		t.Errorf("first run has parent %q", first.ParentRunID)
	}
	collect(t, stream)

	second, stream, err := l.ExecuteRun(context.Background(), UserInput{Messages: []Message{UserMessage("two")}})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	collect(t, stream)
	if second.ParentRunID != first.RunID {
		t.Errorf("second run parent = %q, want %q", second.ParentRunID, first.RunID)
	}
}

func TestLoopParallelToolCalls(t *testing.T) {
	barrier := make(chan struct{})
	reg := NewRegistry()
	// Each call waits for its peer; serial execution would deadlock.
	reg.Add(ToolDefinition{Name: "pair"}, func(ctx context.Context, _ string) (string, error) {
		select {
		case barrier <- struct{}{}:
		case <-barrier:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "met", nil
	})

	agent := &scriptedAgent{turns: []func([]Message, TurnOptions) []Message{
		toolTurn(
			ToolCallMessage("c1", "pair", "{}"),
			ToolCallMessage("c2", "pair", "{}"),
		),
		textTurn("both done"),
	}}
	l := startLoop(t, agent, reg)

	_, stream, err := l.ExecuteRun(context.Background(), UserInput{Messages: []Message{UserMessage("go")}})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	results := map[string]string{}
	var completion *RunCompletion
	for _, m := range collect(t, stream) {
		switch m.Type {
		case TypeToolResult:
			results[m.ToolCallID] = m.Content
		case TypeRunCompleted:
			completion = m.Completion
		}
	}
	if results["c1"] != "met" || results["c2"] != "met" {
		t.Errorf("tool results = %v", results)
	}
	if completion == nil || completion.Error != "" {
		t.Errorf("completion = %+v", completion)
	}
	if agent.callCount() != 2 {
		t.Errorf("agent called %d times, want 2", agent.callCount())
	}
}

func TestLoopUnknownToolRecovers(t *testing.T) {
	reg := NewRegistry()
	reg.Add(ToolDefinition{Name: "real"}, func(context.Context, string) (string, error) { return "ok", nil })

	agent := &scriptedAgent{turns: []func([]Message, TurnOptions) []Message{
		toolTurn(ToolCallMessage("c1", "imaginary", "{}")),
		textTurn("recovered"),
	}}
	l := startLoop(t, agent, reg)

	_, stream, err := l.ExecuteRun(context.Background(), UserInput{Messages: []Message{UserMessage("go")}})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	var resultPayload string
	var completion *RunCompletion
	for _, m := range collect(t, stream) {
		switch m.Type {
		case TypeToolResult:
			resultPayload = m.Content
		case TypeRunCompleted:
			completion = m.Completion
		}
	}
	if !strings.Contains(resultPayload, "Unknown function") || !strings.Contains(resultPayload, "real") {
		t.Errorf("unknown-function payload = %q", resultPayload)
	}
	if completion == nil || completion.Error != "" {
		t.Errorf("run should end cleanly after self-correction: %+v", completion)
	}
}

func TestLoopMissingToolCallIDFailsRun(t *testing.T) {
	agent := &scriptedAgent{turns: []func([]Message, TurnOptions) []Message{
		toolTurn(ToolCallMessage("", "orphan", "{}")),
	}}
	l := startLoop(t, agent, NewRegistry())

	_, stream, err := l.ExecuteRun(context.Background(), UserInput{Messages: []Message{UserMessage("go")}})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	completion := recvType(t, stream, TypeRunCompleted).Completion
	if completion == nil || !strings.Contains(completion.Error, "tool_call_id") {
		t.Errorf("completion = %+v, want tool_call_id error", completion)
	}
}

func TestLoopStreamFailureEndsRunKeepsDriver(t *testing.T) {
	agent := &failingAgent{
		prefix: []Message{TextChunk("partial")},
		err:    errors.New("connection reset"),
	}
	l := startLoop(t, agent, nil)

	assignment, stream, err := l.ExecuteRun(context.Background(), UserInput{Messages: []Message{UserMessage("go")}})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	completion := recvType(t, stream, TypeRunCompleted).Completion
	if completion == nil || !strings.Contains(completion.Error, "connection reset") {
		t.Errorf("completion = %+v", completion)
	}
	if completion.RunID != assignment.RunID {
		t.Errorf("completion run %q, want %q", completion.RunID, assignment.RunID)
	}

	// The driver survives a failed run and serves the next one.
	_, stream, err = l.ExecuteRun(context.Background(), UserInput{Messages: []Message{UserMessage("again")}})
	if err != nil {
		t.Fatalf("ExecuteRun after failure: %v", err)
	}
	if c := recvType(t, stream, TypeRunCompleted).Completion; c == nil || c.Error == "" {
		t.Errorf("second run completion = %+v", c)
	}
}

func TestLoopInjectionForksRun(t *testing.T) {
	var l *Loop
	injected := make(chan RunAssignment, 1)

	reg := NewRegistry()
	// The tool injects new input while its own run is still in flight.
	reg.Add(ToolDefinition{Name: "interrupt"}, func(ctx context.Context, _ string) (string, error) {
		a, err := l.Send(context.Background(), UserInput{
			Messages: []Message{UserMessage("change of plans")},
		})
		if err != nil {
			return "", err
		}
		injected <- a
		return "noted", nil
	})

	agent := &scriptedAgent{turns: []func([]Message, TurnOptions) []Message{
		toolTurn(ToolCallMessage("c1", "interrupt", "{}")),
		textTurn("child run output"),
	}}
	l = startLoop(t, agent, reg)

	_, stream, err := l.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	parent, err := l.Send(context.Background(), UserInput{Messages: []Message{UserMessage("start")}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var child RunAssignment
	select {
	case child = <-injected:
	case <-time.After(testTimeout):
		t.Fatal("injection never assigned")
	}
	if !child.WasInjected {
		t.Errorf("injected assignment not marked: %+v", child)
	}
	if child.ParentRunID != parent.RunID {
		t.Errorf("child parent = %q, want %q", child.ParentRunID, parent.RunID)
	}

	first := recvType(t, stream, TypeRunCompleted).Completion
	if first.RunID != parent.RunID {
		t.Fatalf("first completion for %q, want parent %q", first.RunID, parent.RunID)
	}
	if !first.WasForked || first.ForkedToRunID != child.RunID {
		t.Errorf("parent completion = %+v, want fork to %q", first, child.RunID)
	}

	second := recvType(t, stream, TypeRunCompleted).Completion
	if second.RunID != child.RunID || second.Error != "" {
		t.Errorf("child completion = %+v", second)
	}
	if agent.callCount() != 2 {
		t.Errorf("agent called %d times, want 2", agent.callCount())
	}
}

func TestLoopInjectionDuringFinalTurnForks(t *testing.T) {
	// The parent's only turn holds its stream open with no tool calls, so
	// the injection lands during a turn after which the turn loop ends.
	started := make(chan struct{})
	release := make(chan struct{})
	agent := &scriptedAgent{turns: []func([]Message, TurnOptions) []Message{
		func(_ []Message, _ TurnOptions) []Message {
			close(started)
			<-release
			return []Message{TextChunk("parent output")}
		},
		textTurn("child output"),
	}}
	l := startLoop(t, agent, nil)

	_, stream, err := l.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	parent, err := l.Send(context.Background(), UserInput{Messages: []Message{UserMessage("start")}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-started:
	case <-time.After(testTimeout):
		t.Fatal("parent turn never started")
	}
	child, err := l.Send(context.Background(), UserInput{Messages: []Message{UserMessage("interrupt")}})
	if err != nil {
		t.Fatalf("Send injection: %v", err)
	}
	if !child.WasInjected {
		t.Errorf("injected assignment not marked: %+v", child)
	}
	if child.ParentRunID != parent.RunID {
		t.Errorf("child parent = %q, want %q", child.ParentRunID, parent.RunID)
	}
	close(release)

	first := recvType(t, stream, TypeRunCompleted).Completion
	if first.RunID != parent.RunID {
		t.Fatalf("first completion for %q, want parent %q", first.RunID, parent.RunID)
	}
	if !first.WasForked || first.ForkedToRunID != child.RunID {
		t.Errorf("parent completion = %+v, want fork to %q", first, child.RunID)
	}

	second := recvType(t, stream, TypeRunCompleted).Completion
	if second.RunID != child.RunID || second.Error != "" {
		t.Errorf("child completion = %+v", second)
	}
	if agent.callCount() != 2 {
		t.Errorf("agent called %d times, want 2", agent.callCount())
	}
}

func TestLoopMaxTurnsEndsRun(t *testing.T) {
	reg := NewRegistry()
	reg.Add(ToolDefinition{Name: "again"}, func(context.Context, string) (string, error) { return "more", nil })

	loopTurn := toolTurn(ToolCallMessage("c", "again", "{}"))
	agent := &scriptedAgent{turns: []func([]Message, TurnOptions) []Message{
		loopTurn, loopTurn, loopTurn, loopTurn, loopTurn,
	}}
	l := startLoop(t, agent, reg, WithMaxTurns(3))

	_, stream, err := l.ExecuteRun(context.Background(), UserInput{Messages: []Message{UserMessage("go")}})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	completion := recvType(t, stream, TypeRunCompleted).Completion
	if completion.Error != "" || completion.WasForked {
		t.Errorf("completion = %+v", completion)
	}
	if agent.callCount() != 3 {
		t.Errorf("agent called %d times, want 3", agent.callCount())
	}
}

func TestLoopSendValidation(t *testing.T) {
	agent := &scriptedAgent{}
	l := NewLoop("test-thread", agent, nil)

	if _, err := l.Send(context.Background(), UserInput{}); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("empty input: %v, want ErrEmptyInput", err)
	}
	input := UserInput{Messages: []Message{UserMessage("hi")}}
	if _, err := l.Send(context.Background(), input); !errors.Is(err, ErrNotRunning) {
		t.Errorf("not started: %v, want ErrNotRunning", err)
	}

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("double start: %v, want ErrAlreadyRunning", err)
	}

	l.Dispose()
	if _, err := l.Send(context.Background(), input); !errors.Is(err, ErrDisposed) {
		t.Errorf("after dispose: %v, want ErrDisposed", err)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Errorf("start after dispose: %v, want ErrDisposed", err)
	}
	if _, _, err := l.Subscribe(); !errors.Is(err, ErrDisposed) {
		t.Errorf("subscribe after dispose: %v, want ErrDisposed", err)
	}
	l.Dispose() // idempotent
}

func TestLoopStopRejectsNewWork(t *testing.T) {
	agent := &scriptedAgent{turns: []func([]Message, TurnOptions) []Message{
		textTurn("done"),
	}}
	l := startLoop(t, agent, nil)

	_, stream, err := l.ExecuteRun(context.Background(), UserInput{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	collect(t, stream)

	l.Stop(testTimeout)
	if l.IsRunning() {
		t.Error("loop still running after Stop")
	}
	if _, err := l.Send(context.Background(), UserInput{Messages: []Message{UserMessage("late")}}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("send after stop: %v, want ErrNotRunning", err)
	}
}

func TestLoopDisposeClosesSubscribers(t *testing.T) {
	agent := &scriptedAgent{}
	l := startLoop(t, agent, nil)

	_, stream, err := l.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	l.Dispose()

	select {
	case _, ok := <-stream:
		if ok {
			t.Error("subscriber stream yielded a message after dispose")
		}
	case <-time.After(testTimeout):
		t.Fatal("subscriber stream not closed on dispose")
	}
}
