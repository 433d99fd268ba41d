// Command tandem runs an interactive agent loop on a single thread. Each
// stdin line becomes a run; streamed output, tool activity, and run events
// are printed as they are published. Configuration comes from tandem.toml
// (override with TANDEM_CONFIG) and TANDEM_* env vars.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	tandem "github.com/tandemloop/tandem"
	"github.com/tandemloop/tandem/internal/config"
	"github.com/tandemloop/tandem/middleware"
	"github.com/tandemloop/tandem/observer"
	"github.com/tandemloop/tandem/provider/cliagent"
	"github.com/tandemloop/tandem/provider/openai"
	"github.com/tandemloop/tandem/store/postgres"
	"github.com/tandemloop/tandem/store/sqlite"
	"github.com/tandemloop/tandem/tools/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("TANDEM_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// 2. Create the provider
	agent := newAgent(cfg, logger)

	// 3. Observer (optional)
	opts := []tandem.Option{
		tandem.WithLogger(logger),
		tandem.WithMaxTurns(cfg.Loop.MaxTurns),
		tandem.WithInputCapacity(cfg.Loop.InputCapacity),
		tandem.WithOutputCapacity(cfg.Loop.OutputCapacity),
		tandem.WithTransform(middleware.Order()),
		tandem.WithStitcher(middleware.Stitch()),
		tandem.WithJoiner(middleware.Join()),
		tandem.WithDefaultOptions(tandem.TurnOptions{
			Model:       cfg.Provider.Model,
			MaxTokens:   cfg.Provider.MaxTokens,
			Temperature: cfg.Provider.Temperature,
		}),
	}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutCtx)
		}()
		agent = observer.WrapAgent(agent, inst)
		opts = append(opts, tandem.WithTracer(observer.NewTracer()))
	}

	// 4. Register tools
	registry := tandem.NewRegistry()
	web.New().Register(registry)

	// 5. Create the loop
	threadID := cfg.Loop.ThreadID
	if threadID == "" {
		threadID = tandem.NewID()
	}
	loop := tandem.NewLoop(threadID, agent, registry, opts...)
	defer loop.Dispose()

	// 6. Attach the transcript recorder
	if err := attachRecorder(ctx, cfg, loop, logger); err != nil {
		log.Fatalf("transcript recorder: %v", err)
	}

	// 7. Run
	if err := loop.Start(ctx); err != nil {
		log.Fatalf("start loop: %v", err)
	}
	fmt.Printf("thread %s ready (ctrl-d to exit)\n", threadID)

	repl(ctx, loop)
}

// newAgent builds the configured provider adapter.
func newAgent(cfg config.Config, logger *slog.Logger) tandem.StreamingAgent {
	switch cfg.Provider.Kind {
	case "cli":
		return cliagent.New(cfg.Provider.Bin,
			cliagent.WithArgs(cfg.Provider.Args...),
			cliagent.WithLogger(logger))
	default:
		if cfg.Provider.BaseURL != "" {
			return openai.NewWithBaseURL(cfg.Provider.APIKey, cfg.Provider.Model, cfg.Provider.BaseURL)
		}
		return openai.New(cfg.Provider.APIKey, cfg.Provider.Model)
	}
}

// attachRecorder subscribes the configured transcript backend to the loop.
func attachRecorder(ctx context.Context, cfg config.Config, loop *tandem.Loop, logger *slog.Logger) error {
	switch cfg.Transcript.Backend {
	case "sqlite":
		rec := sqlite.New(cfg.Transcript.Path, sqlite.WithLogger(logger))
		if err := rec.Init(ctx); err != nil {
			return err
		}
		_, ch, err := loop.Subscribe()
		if err != nil {
			return err
		}
		go rec.Follow(ctx, ch)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Transcript.PostgresURL)
		if err != nil {
			return err
		}
		rec := postgres.New(pool)
		if err := rec.Init(ctx); err != nil {
			return err
		}
		_, ch, err := loop.Subscribe()
		if err != nil {
			return err
		}
		go rec.Follow(ctx, ch)
	case "":
		// transcript disabled
	default:
		return fmt.Errorf("unknown transcript backend %q", cfg.Transcript.Backend)
	}
	return nil
}

// repl reads stdin lines and drives one run per line.
func repl(ctx context.Context, loop *tandem.Loop) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		_, stream, err := loop.ExecuteRun(ctx, tandem.UserInput{
			Messages: []tandem.Message{tandem.UserMessage(line)},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		printRun(stream)
	}
}

// printRun renders one run's event stream: streamed text as it arrives, tool
// activity one line each, and the completion status.
func printRun(stream <-chan tandem.Message) {
	streaming := false
	for m := range stream {
		switch m.Type {
		case tandem.TypeTextChunk:
			fmt.Print(m.Content)
			streaming = true
		case tandem.TypeToolCall:
			if streaming {
				fmt.Println()
				streaming = false
			}
			fmt.Printf("[tool] %s(%s)\n", m.ToolName, m.ToolArgs)
		case tandem.TypeToolResult:
			preview := m.Content
			if len(preview) > 120 {
				preview = preview[:120] + "..."
			}
			fmt.Printf("[tool] %s -> %s\n", m.ToolCallID, preview)
		case tandem.TypeRunCompleted:
			if streaming {
				fmt.Println()
			}
			if m.Completion != nil && m.Completion.Error != "" {
				fmt.Fprintf(os.Stderr, "run failed: %s\n", m.Completion.Error)
			}
			if m.Completion != nil && m.Completion.WasForked {
				fmt.Printf("(forked to %s)\n", m.Completion.ForkedToRunID)
			}
		}
	}
}
