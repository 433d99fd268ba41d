package tandem

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Loop is a long-lived, concurrency-safe engine that drives an interactive
// conversation between a user and a streaming agent. It accepts user inputs
// concurrently, assigns them to runs, drives per-run turns (model call plus
// parallel tool execution), fans every observable event out to subscribers
// through its hub, and forks to a child run when new input arrives while a
// run is in flight.
//
// One Loop serves one thread. Construct with NewLoop, call Start, submit
// work with Send or ExecuteRun, observe with Subscribe, and shut down with
// Stop or Dispose.
type Loop struct {
	threadID string
	agent    StreamingAgent
	hub      *Hub
	pipeline StreamFunc
	dispatch *dispatcher

	maxTurns    int
	stopTimeout time.Duration
	defaults    TurnOptions
	logger      *slog.Logger
	tracer      Tracer

	inputCh chan *submission

	// history is the conversation transcript seeding each pipeline call.
	// Mutated exclusively by the driver goroutine.
	history []Message

	// mu guards the run state and the pending-injection queue.
	mu           sync.Mutex
	currentRunID string
	latestRunID  string
	running      bool
	disposed     bool
	pending      []pendingInjection
	cancel       context.CancelFunc
	done         chan struct{}
}

// submission pairs a queued input with the promise its sender awaits.
type submission struct {
	input  UserInput
	result chan submissionResult
}

type submissionResult struct {
	assignment RunAssignment
	err        error
}

// pendingInjection is speculative work captured while a run was in flight,
// together with its pre-assigned assignment. announced closes once the
// submitter has published the assignment event, so the driver can hold the
// child run's first turn until subscribers have seen its assignment.
type pendingInjection struct {
	input      UserInput
	assignment RunAssignment
	announced  chan struct{}
}

// NewLoop assembles a loop over the given streaming agent and tool source.
// The pipeline is composed in fixed stage order: transform, stitcher, the
// loop's own publishing stage, joiner, then the tool-contract injector
// supplied by tools. Nil stages are skipped.
func NewLoop(threadID string, agent StreamingAgent, tools ToolSource, opts ...Option) *Loop {
	cfg := loopConfig{
		maxTurns:      defaultMaxTurns,
		inputCapacity: defaultInputCapacity,
		stopTimeout:   defaultStopTimeout,
		logger:        nopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	hub := NewHub(cfg.outputCapacity, cfg.logger)

	var contract Middleware
	handlers := map[string]Handler{}
	if tools != nil {
		contract, handlers = tools.BuildToolComponents(agent.Name())
	}

	l := &Loop{
		threadID:    threadID,
		agent:       agent,
		hub:         hub,
		maxTurns:    cfg.maxTurns,
		stopTimeout: cfg.stopTimeout,
		defaults:    cfg.defaults,
		logger:      cfg.logger,
		tracer:      cfg.tracer,
		inputCh:     make(chan *submission, cfg.inputCapacity),
		dispatch: &dispatcher{
			handlers: handlers,
			logger:   cfg.logger,
			tracer:   cfg.tracer,
		},
	}
	l.pipeline = Chain(agent.GenerateStreaming,
		cfg.transform,
		cfg.stitcher,
		publishStage(hub),
		cfg.joiner,
		contract,
	)
	return l
}

// ThreadID returns the thread this loop serves.
func (l *Loop) ThreadID() string { return l.threadID }

// CurrentRunID returns the run currently in flight, or "" when idle.
func (l *Loop) CurrentRunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRunID
}

// IsRunning reports whether the driver is consuming the input queue.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Subscribe registers a hub subscriber and returns its id and message
// stream. The stream is hot: it yields only messages published after
// registration.
func (l *Loop) Subscribe() (string, <-chan Message, error) {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return "", nil, ErrDisposed
	}
	l.mu.Unlock()
	id, ch := l.hub.Subscribe()
	return id, ch, nil
}

// Unsubscribe removes a hub subscriber. Idempotent.
func (l *Loop) Unsubscribe(id string) {
	l.hub.Unsubscribe(id)
}

// Start launches the driver goroutine. The loop runs until ctx is cancelled
// or Stop is called. Returns ErrAlreadyRunning if the loop is running and
// ErrDisposed after Dispose.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return ErrDisposed
	}
	if l.running {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	go l.run(runCtx)
	l.logger.Info("loop started", "thread_id", l.threadID)
	return nil
}

// Stop cancels the driver and waits up to timeout for it to finish
// (timeout <= 0 selects the configured default, 30s). Logs a warning when
// the driver does not finish in time. Idempotent.
func (l *Loop) Stop(timeout time.Duration) {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if timeout <= 0 {
		timeout = l.stopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		l.logger.Warn("loop stop timed out", "thread_id", l.threadID, "timeout", timeout)
	}
}

// Dispose stops the driver, closes every subscriber stream, and marks the
// loop unusable. Further public calls fail with ErrDisposed. Idempotent.
func (l *Loop) Dispose() {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return
	}
	l.disposed = true
	l.mu.Unlock()
	l.Stop(0)
	l.hub.Close()
	l.logger.Info("loop disposed", "thread_id", l.threadID)
}

// Send submits user input. When the loop is idle the input is queued and
// Send blocks until the driver accepts it and assigns a run (or ctx is
// cancelled; queue-full back-pressure also blocks here). When a run is in
// flight the input becomes an injection: a child-run assignment is created
// and published immediately, and the injected run starts as soon as the
// current run finishes its turn.
func (l *Loop) Send(ctx context.Context, input UserInput) (RunAssignment, error) {
	if len(input.Messages) == 0 {
		return RunAssignment{}, ErrEmptyInput
	}

	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return RunAssignment{}, ErrDisposed
	}
	if !l.running {
		l.mu.Unlock()
		return RunAssignment{}, ErrNotRunning
	}
	done := l.done
	if l.currentRunID != "" {
		parent := input.ParentRunID
		if parent == "" {
			parent = l.currentRunID
		}
		a := RunAssignment{
			RunID:        NewID(),
			GenerationID: NewID(),
			InputID:      input.InputID,
			ParentRunID:  parent,
			WasInjected:  true,
		}
		p := pendingInjection{input: input, assignment: a, announced: make(chan struct{})}
		l.pending = append(l.pending, p)
		l.mu.Unlock()
		l.hub.Publish(ctx, l.assignmentMessage(a))
		close(p.announced)
		l.logger.Info("input injected", "thread_id", l.threadID, "run_id", a.RunID, "parent_run_id", parent)
		return a, nil
	}
	l.mu.Unlock()

	sub := &submission{input: input, result: make(chan submissionResult, 1)}
	select {
	case l.inputCh <- sub:
	case <-ctx.Done():
		return RunAssignment{}, ctx.Err()
	}
	select {
	case r := <-sub.result:
		return r.assignment, r.err
	case <-ctx.Done():
		return RunAssignment{}, ctx.Err()
	case <-done:
		return RunAssignment{}, ErrNotRunning
	}
}

// ExecuteRun is the one-shot convenience wrapper: it subscribes before
// submitting (guaranteeing delivery of the run's assignment event), sends
// the input, and returns the assignment with a stream filtered to the run's
// messages. The stream ends after the run's completion event, on ctx
// cancellation, or when the hub closes; the subscription is released on
// every exit path.
func (l *Loop) ExecuteRun(ctx context.Context, input UserInput) (RunAssignment, <-chan Message, error) {
	subID, stream, err := l.Subscribe()
	if err != nil {
		return RunAssignment{}, nil, err
	}
	assignment, err := l.Send(ctx, input)
	if err != nil {
		l.Unsubscribe(subID)
		return RunAssignment{}, nil, err
	}

	out := make(chan Message, l.hub.capacity)
	go func() {
		defer l.Unsubscribe(subID)
		defer close(out)
		for {
			select {
			case m, ok := <-stream:
				if !ok {
					return
				}
				// Messages without run attribution pass through for
				// backwards compatibility with providers that do not stamp.
				if m.RunID != "" && m.RunID != assignment.RunID {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
				if m.Type == TypeRunCompleted && m.Completion != nil && m.Completion.RunID == assignment.RunID {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return assignment, out, nil
}

// run is the driver: the single consumer of the input queue.
func (l *Loop) run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.running = false
		done := l.done
		l.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			l.failQueued(ctx.Err())
			l.logger.Info("loop driver exiting", "thread_id", l.threadID, "reason", ctx.Err())
			return
		case sub := <-l.inputCh:
			l.process(ctx, sub.input, nil, sub.result)
		}
	}
}

// failQueued cancels every promise still sitting in the input queue.
func (l *Loop) failQueued(err error) {
	for {
		select {
		case sub := <-l.inputCh:
			sub.result <- submissionResult{err: err}
		default:
			return
		}
	}
}

// process drives one submission to completion, then chains directly into
// any pending injection so the injected run immediately follows its parent.
// assign is nil for queued submissions (fresh ids are generated) and
// pre-assigned for injections.
func (l *Loop) process(ctx context.Context, input UserInput, assign *RunAssignment, promise chan submissionResult) {
	var announced chan struct{}
	for {
		var a RunAssignment
		if assign != nil {
			a = *assign
		} else {
			parent := input.ParentRunID
			if parent == "" {
				l.mu.Lock()
				parent = l.latestRunID
				l.mu.Unlock()
			}
			a = RunAssignment{
				RunID:        NewID(),
				GenerationID: NewID(),
				InputID:      input.InputID,
				ParentRunID:  parent,
			}
		}

		// Resolve the submitter's promise before any model work so the
		// caller can correlate subsequent streaming events.
		if promise != nil {
			promise <- submissionResult{assignment: a}
		}

		l.mu.Lock()
		l.currentRunID = a.RunID
		l.mu.Unlock()

		// Queued submissions publish their assignment here. Injections are
		// published by the submitter; wait for that publish so the child's
		// first streamed message cannot precede its assignment event.
		if a.WasInjected {
			if announced != nil {
				select {
				case <-announced:
				case <-ctx.Done():
				}
			}
		} else {
			l.hub.Publish(ctx, l.assignmentMessage(a))
		}

		l.history = append(l.history, input.Messages...)

		_, runErr := l.turnLoop(ctx, a)

		// Close the injection window and decide the fork in one critical
		// section: once currentRunID clears, new input queues instead of
		// injecting, so an injection accepted at any point during the run,
		// the final turn included, is either dequeued here or impossible.
		l.mu.Lock()
		l.latestRunID = a.RunID
		l.currentRunID = ""
		var next pendingInjection
		var hasNext bool
		if len(l.pending) > 0 {
			next = l.pending[0]
			l.pending = l.pending[1:]
			hasNext = true
		}
		l.mu.Unlock()

		completion := RunCompletion{RunID: a.RunID, WasForked: hasNext}
		if hasNext {
			completion.ForkedToRunID = next.assignment.RunID
		}
		if runErr != nil {
			completion.Error = runErr.Error()
			l.logger.Error("run failed", "thread_id", l.threadID, "run_id", a.RunID, "error", runErr)
		}
		l.hub.Publish(ctx, l.completionMessage(completion))
		l.logger.Info("run completed", "thread_id", l.threadID, "run_id", a.RunID,
			"was_forked", hasNext, "forked_to", completion.ForkedToRunID)

		if !hasNext {
			return
		}
		input, assign, promise, announced = next.input, &next.assignment, nil, next.announced
	}
}

// turnLoop repeats turns until the model stops calling tools, a pending
// injection preempts the run between turns, the turn cap is hit, or the run
// fails. The caller owns the fork decision: an injection accepted during the
// final turn is picked up there even when no preemption happened here.
func (l *Loop) turnLoop(ctx context.Context, a RunAssignment) (preempted bool, err error) {
	runCtx := ctx
	if l.tracer != nil {
		var span Span
		runCtx, span = l.tracer.Start(ctx, "loop.run",
			StringAttr("run.id", a.RunID),
			StringAttr("thread.id", l.threadID),
			BoolAttr("run.injected", a.WasInjected))
		defer func() {
			span.SetAttr(BoolAttr("run.preempted", preempted))
			if err != nil {
				span.Error(err)
			}
			span.End()
		}()
	}

	turnCount := 0
	for {
		if runCtx.Err() != nil {
			return false, runCtx.Err()
		}
		l.mu.Lock()
		injected := len(l.pending) > 0
		l.mu.Unlock()
		if injected {
			return true, nil
		}
		turnCount++
		if turnCount > l.maxTurns {
			l.logger.Warn("max turns reached, ending run", "run_id", a.RunID, "max_turns", l.maxTurns)
			return false, nil
		}
		hadToolCalls, err := l.turn(runCtx, a, turnCount)
		if err != nil {
			return false, err
		}
		if !hadToolCalls {
			return false, nil
		}
	}
}

// turn executes one model call plus the parallel execution of every tool it
// requested. Tool executions start the moment their call arrives on the
// stream; results are collected after the stream ends, appended to history,
// and published (the pipeline never sees tool results the loop injects).
func (l *Loop) turn(ctx context.Context, a RunAssignment, turnCount int) (bool, error) {
	opts := l.defaults
	opts.RunID = a.RunID
	opts.GenerationID = a.GenerationID
	opts.ThreadID = l.threadID

	turnCtx := ctx
	if l.tracer != nil {
		var span Span
		turnCtx, span = l.tracer.Start(ctx, "loop.turn",
			StringAttr("run.id", a.RunID),
			IntAttr("turn", turnCount))
		defer span.End()
	}

	stream := l.pipeline(turnCtx, l.history, opts)

	var futures []*toolFuture
	for m := range stream.C() {
		l.history = append(l.history, m)
		if m.Type != TypeToolCall {
			continue
		}
		if m.ToolCallID == "" {
			go drainStream(stream)
			return false, &ErrMissingToolCallID{ToolName: m.ToolName}
		}
		futures = append(futures, l.dispatch.start(turnCtx, m))
	}
	if err := stream.Err(); err != nil {
		return false, &ErrStreamFailed{RunID: a.RunID, Err: err}
	}

	for _, f := range futures {
		result, err := f.await(turnCtx)
		if err != nil {
			// Cancellation fired before the handler finished; the handler
			// runs to completion on its own but the result is discarded.
			return false, err
		}
		result.ThreadID = l.threadID
		l.history = append(l.history, result)
		l.hub.Publish(turnCtx, result)
	}
	return len(futures) > 0, nil
}

// assignmentMessage wraps an assignment as a system message on this thread.
func (l *Loop) assignmentMessage(a RunAssignment) Message {
	return Message{
		Type:         TypeRunAssignment,
		RunID:        a.RunID,
		GenerationID: a.GenerationID,
		ThreadID:     l.threadID,
		Role:         "system",
		Assignment:   &a,
	}
}

// completionMessage wraps a completion as a system message on this thread.
func (l *Loop) completionMessage(c RunCompletion) Message {
	return Message{
		Type:       TypeRunCompleted,
		RunID:      c.RunID,
		ThreadID:   l.threadID,
		Role:       "system",
		Completion: &c,
	}
}
