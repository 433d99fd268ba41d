// Package tandem is a background agentic loop for Go: a long-lived,
// concurrency-safe engine that drives an interactive conversation between a
// user and a language-model agent, executes the tools the agent requests,
// and streams every intermediate event to any number of independent
// subscribers in real time.
//
// # Quick Start
//
//	registry := tandem.NewRegistry()
//	registry.Add(tandem.ToolDefinition{Name: "get_time", Description: "Current time"},
//		func(ctx context.Context, args string) (string, error) {
//			return time.Now().Format(time.RFC3339), nil
//		})
//
//	loop := tandem.NewLoop("thread-1", openai.New(apiKey, model), registry,
//		tandem.WithTransform(middleware.Order()),
//		tandem.WithStitcher(middleware.Stitch()),
//		tandem.WithJoiner(middleware.Join()),
//	)
//	if err := loop.Start(ctx); err != nil {
//		return err
//	}
//	defer loop.Dispose()
//
//	_, events, err := loop.ExecuteRun(ctx, tandem.UserInput{
//		Messages: []tandem.Message{tandem.UserMessage("what time is it?")},
//	})
//	for m := range events {
//		// render m
//	}
//
// # Runs, Turns, and Forks
//
// Every accepted input becomes a run: an ordered sequence of turns, each one
// model call plus the parallel execution of every tool it requested. Exactly
// one run is current at any time. Input submitted while a run is in flight
// does not queue behind it: it is injected as a child run that starts the
// moment the current run finishes its turn, and the parent's completion
// event records the fork.
//
// # Core Interfaces
//
//   - [StreamingAgent] is the wrapped provider (see provider/openai, provider/cliagent)
//   - [ToolSource] supplies the tool-contract stage and handler table ([Registry] is the basic implementation)
//   - [Middleware] is a pipeline stage (see the middleware package for the standard set)
//   - [Tracer] is the span facade (see the observer package for the OTEL implementation)
//
// Subscribers receive a per-consumer FIFO copy of every published message;
// a slow subscriber back-pressures only its own queue. The store/sqlite and
// store/postgres packages provide transcript recorders built on plain hub
// subscriptions.
package tandem
