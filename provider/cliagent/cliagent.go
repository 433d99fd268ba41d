// Package cliagent adapts an external agent CLI to the
// tandem.StreamingAgent contract. The CLI receives one JSON request on
// stdin (conversation history plus per-turn options) and writes one JSON
// message per line to stdout until it exits. Tools, if any, are executed by
// the CLI itself; tool-call and tool-result events it reports are forwarded
// as ordinary messages.
package cliagent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	tandem "github.com/tandemloop/tandem"
)

const (
	defaultStreamCapacity = 64
	// maxLineBytes bounds a single protocol line. Oversized tool output
	// should be truncated by the CLI, not buffered here.
	maxLineBytes = 4 * 1024 * 1024
)

// request is the JSON document written to the CLI's stdin.
type request struct {
	ThreadID     string           `json:"thread_id,omitempty"`
	RunID        string           `json:"run_id,omitempty"`
	GenerationID string           `json:"generation_id,omitempty"`
	Model        string           `json:"model,omitempty"`
	Messages     []tandem.Message `json:"messages"`
}

// Agent runs an external agent binary per turn.
type Agent struct {
	bin    string
	args   []string
	logger *slog.Logger
}

var _ tandem.StreamingAgent = (*Agent)(nil)

// Option configures an Agent.
type Option func(*Agent)

// WithArgs sets extra arguments passed to the binary on every invocation.
func WithArgs(args ...string) Option {
	return func(a *Agent) { a.args = args }
}

// WithLogger sets the structured logger for subprocess diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an agent that invokes bin once per turn.
func New(bin string, opts ...Option) *Agent {
	a := &Agent{bin: bin, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name identifies the provider by its binary name.
func (a *Agent) Name() string { return "cliagent:" + a.bin }

// GenerateStreaming spawns the CLI, feeds it the request, and streams its
// line-delimited JSON output. Unparsable lines are logged and skipped so a
// stray diagnostic on stdout cannot poison the turn. The stream closes with
// the subprocess error if the CLI exits non-zero.
func (a *Agent) GenerateStreaming(ctx context.Context, history []tandem.Message, opts tandem.TurnOptions) *tandem.Stream {
	out := tandem.NewStream(defaultStreamCapacity)
	go func() {
		cmd := exec.CommandContext(ctx, a.bin, a.args...)

		var stderr strings.Builder
		cmd.Stderr = &stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			out.Close(fmt.Errorf("cliagent: stdin pipe: %w", err))
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			out.Close(fmt.Errorf("cliagent: stdout pipe: %w", err))
			return
		}
		if err := cmd.Start(); err != nil {
			out.Close(fmt.Errorf("cliagent: start %s: %w", a.bin, err))
			return
		}

		req := request{
			ThreadID:     opts.ThreadID,
			RunID:        opts.RunID,
			GenerationID: opts.GenerationID,
			Model:        opts.Model,
			Messages:     history,
		}
		enc := json.NewEncoder(stdin)
		if err := enc.Encode(req); err != nil {
			stdin.Close()
			cmd.Wait()
			out.Close(fmt.Errorf("cliagent: write request: %w", err))
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var m tandem.Message
			if err := json.Unmarshal([]byte(line), &m); err != nil {
				a.logger.Warn("cliagent: skipping unparsable line", "bin", a.bin, "error", err)
				continue
			}
			if m.RunID == "" {
				m.RunID = opts.RunID
			}
			if m.GenerationID == "" {
				m.GenerationID = opts.GenerationID
			}
			if m.ThreadID == "" {
				m.ThreadID = opts.ThreadID
			}
			if m.FromAgent == "" {
				m.FromAgent = a.Name()
			}
			if err := out.Send(ctx, m); err != nil {
				cmd.Wait()
				out.Close(err)
				return
			}
		}
		scanErr := scanner.Err()
		waitErr := cmd.Wait()

		switch {
		case ctx.Err() != nil:
			out.Close(ctx.Err())
		case scanErr != nil:
			out.Close(fmt.Errorf("cliagent: read stream: %w", scanErr))
		case waitErr != nil:
			out.Close(fmt.Errorf("cliagent: %s: %w (stderr: %s)", a.bin, waitErr, firstLine(stderr.String())))
		default:
			out.Close(nil)
		}
	}()
	return out
}

// firstLine clips stderr to its first line for error messages.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
