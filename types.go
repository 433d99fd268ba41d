package tandem

// MessageType identifies the variant of a Message.
type MessageType string

const (
	// TypeTextChunk carries an incremental fragment of assistant text.
	TypeTextChunk MessageType = "text-chunk"
	// TypeReasoningChunk carries an incremental fragment of reasoning text.
	TypeReasoningChunk MessageType = "reasoning-chunk"
	// TypeTextMessage carries a complete assistant text message, typically
	// produced by the joiner stage from a sequence of chunks.
	TypeTextMessage MessageType = "text"
	// TypeToolCall is a completed request to invoke a named function.
	TypeToolCall MessageType = "tool-call"
	// TypeToolResult is the outcome of a tool call, correlated by ToolCallID.
	TypeToolResult MessageType = "tool-result"
	// TypeRunAssignment is emitted by the loop when an input is accepted.
	TypeRunAssignment MessageType = "run-assignment"
	// TypeRunCompleted is emitted by the loop when a run ends.
	TypeRunCompleted MessageType = "run-completed"
	// TypeUsage carries provider token accounting. Forwarded unchanged.
	TypeUsage MessageType = "usage"
)

// Message is the single value type flowing through the pipeline, the hub,
// and the conversation history. Only the fields relevant to a given variant
// are set; everything else is left at its zero value.
type Message struct {
	// Type identifies the variant.
	Type MessageType `json:"type"`
	// RunID groups all messages of one run. Empty on messages emitted
	// before run attribution.
	RunID string `json:"run_id,omitempty"`
	// GenerationID is a stable id attached to every message of one run so
	// downstream consumers can group them.
	GenerationID string `json:"generation_id,omitempty"`
	// ThreadID identifies the long-lived conversation stream.
	ThreadID string `json:"thread_id,omitempty"`
	// OrderIdx is a monotonic index assigned by the ordering stage.
	OrderIdx int64 `json:"order_idx,omitempty"`
	// Role is the sender role: "user", "assistant", or "system".
	Role string `json:"role,omitempty"`
	// FromAgent identifies the provider or agent that produced the message.
	FromAgent string `json:"from_agent,omitempty"`

	// Content carries text for chunk, text, reasoning, and tool-result variants.
	Content string `json:"content,omitempty"`

	// ToolCallID correlates a tool call with its result. Required and unique
	// within a turn for tool-call messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is the function name of a tool call.
	ToolName string `json:"tool_name,omitempty"`
	// ToolArgs is the raw argument string of a tool call, typically JSON.
	// May be empty for niladic calls.
	ToolArgs string `json:"tool_args,omitempty"`

	// Assignment is set on run-assignment messages.
	Assignment *RunAssignment `json:"assignment,omitempty"`
	// Completion is set on run-completed messages.
	Completion *RunCompletion `json:"completion,omitempty"`
	// Usage is set on usage messages.
	Usage *Usage `json:"usage,omitempty"`
}

// RunAssignment records the acceptance of a user input as a run.
type RunAssignment struct {
	// RunID is the freshly generated run identifier.
	RunID string `json:"run_id"`
	// GenerationID is the freshly generated generation identifier.
	GenerationID string `json:"generation_id"`
	// InputID is the client-supplied correlation id, if any.
	InputID string `json:"input_id,omitempty"`
	// ParentRunID is the run this one follows: the explicit caller value,
	// else the run current at submission time (injection), else the last
	// completed run.
	ParentRunID string `json:"parent_run_id,omitempty"`
	// WasInjected reports whether the input arrived while a run was in
	// flight. When true, ParentRunID is always set.
	WasInjected bool `json:"was_injected"`
}

// RunCompletion records the end of a run.
type RunCompletion struct {
	// RunID is the completed run.
	RunID string `json:"run_id"`
	// WasForked reports that new input arrived during the run and a child
	// run begins immediately after this completion.
	WasForked bool `json:"was_forked"`
	// ForkedToRunID is the run id of the pending injection that caused the
	// fork. Set only when WasForked is true.
	ForkedToRunID string `json:"forked_to_run_id,omitempty"`
	// Error carries the failure message when the run ended abnormally.
	Error string `json:"error,omitempty"`
}

// Usage carries provider token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UserInput is an ordered sequence of messages submitted as one unit.
type UserInput struct {
	// Messages are appended verbatim to the conversation history.
	Messages []Message
	// InputID is an optional client-supplied correlation id, echoed on the
	// resulting RunAssignment.
	InputID string
	// ParentRunID optionally overrides the parent attribution of the run.
	ParentRunID string
}

// ToolDefinition describes a callable function exposed to the provider.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Parameters is a JSON Schema document describing the arguments.
	Parameters string `json:"parameters,omitempty"`
}

// TurnOptions carries per-turn generation settings. The loop overlays RunID,
// GenerationID, and ThreadID onto the configured default template before each
// pipeline invocation; all other fields pass through as configured.
type TurnOptions struct {
	RunID        string
	GenerationID string
	ThreadID     string
	Model        string
	MaxTokens    int
	Temperature  float32
	// Tools is populated by the tool-contract injector stage.
	Tools []ToolDefinition
}

// --- Message constructors ---

// UserMessage returns a user-role text message.
func UserMessage(text string) Message {
	return Message{Type: TypeTextMessage, Role: "user", Content: text}
}

// TextChunk returns an assistant text fragment.
func TextChunk(text string) Message {
	return Message{Type: TypeTextChunk, Role: "assistant", Content: text}
}

// ReasoningChunk returns an assistant reasoning fragment.
func ReasoningChunk(text string) Message {
	return Message{Type: TypeReasoningChunk, Role: "assistant", Content: text}
}

// TextMessage returns a complete assistant text message.
func TextMessage(text string) Message {
	return Message{Type: TypeTextMessage, Role: "assistant", Content: text}
}

// ToolCallMessage returns a tool invocation request.
func ToolCallMessage(callID, name, args string) Message {
	return Message{Type: TypeToolCall, Role: "assistant", ToolCallID: callID, ToolName: name, ToolArgs: args}
}

// ToolResultMessage returns a tool outcome correlated to callID. The result
// is attributed to the user role so the next turn sees it as a user-side
// contribution.
func ToolResultMessage(callID, content string) Message {
	return Message{Type: TypeToolResult, Role: "user", ToolCallID: callID, Content: content}
}
