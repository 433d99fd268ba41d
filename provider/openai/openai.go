// Package openai adapts an OpenAI-compatible chat-completion API to the
// tandem.StreamingAgent contract: one GenerateStreaming call per turn,
// content and tool-call argument deltas streamed as they arrive, completed
// tool calls emitted once their arguments are whole.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	tandem "github.com/tandemloop/tandem"
)

const defaultStreamCapacity = 64

// Agent is a tandem.StreamingAgent over an OpenAI-style provider.
type Agent struct {
	client *openai.Client
	model  string
}

var _ tandem.StreamingAgent = (*Agent)(nil)

// New creates an agent for the given API key and default model. The model
// can be overridden per turn via TurnOptions.Model.
func New(apiKey, model string) *Agent {
	return &Agent{client: openai.NewClient(apiKey), model: model}
}

// NewWithBaseURL creates an agent against a custom OpenAI-compatible
// endpoint (local inference servers, proxies).
func NewWithBaseURL(apiKey, model, baseURL string) *Agent {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &Agent{client: openai.NewClientWithConfig(cfg), model: model}
}

// Name identifies the provider.
func (a *Agent) Name() string { return "openai" }

// GenerateStreaming starts one chat completion over the history and streams
// the response: text-chunk messages per content delta, a final aggregated
// text message, then one tool-call message per completed call, then a usage
// message. The stream closes with the transport error on failure and with
// ctx.Err() on cancellation.
func (a *Agent) GenerateStreaming(ctx context.Context, history []tandem.Message, opts tandem.TurnOptions) *tandem.Stream {
	out := tandem.NewStream(defaultStreamCapacity)

	req := openai.ChatCompletionRequest{
		Model:         a.model,
		Messages:      toChatMessages(history),
		Tools:         toTools(opts.Tools),
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}

	go func() {
		stream, err := a.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			out.Close(err)
			return
		}
		defer stream.Close()

		var content string
		var reasoning string
		var usage *openai.Usage
		calls := make(map[int]*openai.ToolCall)

		send := func(m tandem.Message) bool {
			m.RunID = opts.RunID
			m.GenerationID = opts.GenerationID
			m.ThreadID = opts.ThreadID
			m.FromAgent = a.Name()
			return out.Send(ctx, m) == nil
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					out.Close(ctx.Err())
				} else {
					out.Close(err)
				}
				return
			}
			if resp.Usage != nil {
				usage = resp.Usage
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.ReasoningContent != "" {
				reasoning += delta.ReasoningContent
				if !send(tandem.ReasoningChunk(delta.ReasoningContent)) {
					out.Close(ctx.Err())
					return
				}
			}
			if delta.Content != "" {
				content += delta.Content
				if !send(tandem.TextChunk(delta.Content)) {
					out.Close(ctx.Err())
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := calls[idx]
				if !ok {
					acc = &openai.ToolCall{}
					calls[idx] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
				acc.Function.Arguments += tc.Function.Arguments
			}
		}

		if content != "" {
			if !send(tandem.TextMessage(content)) {
				out.Close(ctx.Err())
				return
			}
		}
		indexes := make([]int, 0, len(calls))
		for idx := range calls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			acc := calls[idx]
			if !send(tandem.ToolCallMessage(acc.ID, acc.Function.Name, acc.Function.Arguments)) {
				out.Close(ctx.Err())
				return
			}
		}
		if usage != nil {
			m := tandem.Message{Type: tandem.TypeUsage, Role: "assistant", Usage: &tandem.Usage{
				InputTokens:  usage.PromptTokens,
				OutputTokens: usage.CompletionTokens,
			}}
			if !send(m) {
				out.Close(ctx.Err())
				return
			}
		}
		out.Close(nil)
	}()
	return out
}

// toChatMessages converts a tandem history into the wire shape. Chunk
// variants are skipped: the joiner already folded them into aggregates, and
// raw chunk leftovers would duplicate content.
func toChatMessages(history []tandem.Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		switch m.Type {
		case tandem.TypeTextMessage:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: roleOf(m), Content: m.Content})
		case tandem.TypeToolCall:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       m.ToolCallID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: m.ToolName, Arguments: m.ToolArgs},
				}},
			})
		case tandem.TypeToolResult:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return msgs
}

func roleOf(m tandem.Message) string {
	switch m.Role {
	case "user":
		return openai.ChatMessageRoleUser
	case "system":
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleAssistant
	}
}

// toTools converts tool definitions to function contracts. Definitions
// without a parameter schema advertise an empty object schema so strict
// providers accept them.
func toTools(defs []tandem.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		params := json.RawMessage(d.Parameters)
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}
