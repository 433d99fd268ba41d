package tandem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
)

// dispatcher maps tool-call messages to handlers and produces correlated
// tool-result messages. Failures never propagate: unknown functions and
// handler errors come back as error payloads so the model can self-correct.
type dispatcher struct {
	handlers map[string]Handler
	logger   *slog.Logger
	tracer   Tracer
}

// toolFuture tracks one in-flight tool execution. The result is valid after
// done is closed.
type toolFuture struct {
	callID string
	done   chan struct{}
	result Message
}

// await blocks until the execution finishes or ctx is cancelled. Results of
// executions that outlive ctx are discarded by the caller.
func (f *toolFuture) await(ctx context.Context) (Message, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// start launches the handler for call in its own goroutine and returns a
// future keyed by the call's tool_call_id. Tool calls emitted within the
// same turn therefore execute in parallel. The handler runs to completion
// even if ctx is cancelled mid-flight, unless it honors ctx itself.
func (d *dispatcher) start(ctx context.Context, call Message) *toolFuture {
	f := &toolFuture{callID: call.ToolCallID, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.result = d.execute(ctx, call)
	}()
	return f
}

// execute runs one tool call synchronously and synthesizes the result
// message, copying tool_call_id, from_agent, and generation_id from the
// originating call.
func (d *dispatcher) execute(ctx context.Context, call Message) Message {
	args := call.ToolArgs
	if args == "" {
		args = "{}"
	}

	var payload string
	handler, ok := d.handlers[call.ToolName]
	switch {
	case !ok:
		d.logger.Warn("unknown function requested", "tool", call.ToolName, "tool_call_id", call.ToolCallID)
		payload = unknownFunctionPayload(call.ToolName, d.handlers)
	default:
		out, err := d.run(ctx, handler, args, call.ToolName)
		if err != nil {
			d.logger.Error("tool handler failed", "tool", call.ToolName, "tool_call_id", call.ToolCallID, "error", err)
			payload = errorPayload(err.Error())
		} else {
			payload = out
		}
	}

	result := ToolResultMessage(call.ToolCallID, payload)
	result.RunID = call.RunID
	result.GenerationID = call.GenerationID
	result.FromAgent = call.FromAgent
	return result
}

// run invokes the handler with panic recovery so a misbehaving tool cannot
// take down the driver.
func (d *dispatcher) run(ctx context.Context, h Handler, args, name string) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %q panic: %v", name, p)
		}
	}()
	if d.tracer != nil {
		var span Span
		ctx, span = d.tracer.Start(ctx, "loop.tool.execute", StringAttr("tool.name", name))
		defer span.End()
		out, err = h(ctx, args)
		if err != nil {
			span.Error(err)
		}
		return out, err
	}
	return h(ctx, args)
}

// unknownFunctionPayload builds the recoverable error payload for a function
// the handler table does not know, listing what is available so the model
// can retry with a valid name.
func unknownFunctionPayload(name string, handlers map[string]Handler) string {
	available := make([]string, 0, len(handlers))
	for n := range handlers {
		available = append(available, n)
	}
	sort.Strings(available)
	b, err := json.Marshal(map[string]any{
		"error":               "Unknown function: " + name,
		"available_functions": available,
	})
	if err != nil {
		return `{"error":"Unknown function: ` + name + `"}`
	}
	return string(b)
}

// errorPayload wraps a handler failure message as a JSON error object.
func errorPayload(msg string) string {
	b, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(b)
}
