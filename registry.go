package tandem

import "context"

// Handler executes one tool call. It receives the raw argument string from
// the tool-call message (the literal "{}" when the call carried no args) and
// returns a string payload, typically JSON-encoded.
type Handler func(ctx context.Context, args string) (string, error)

// ToolSource supplies the two tool components the loop consumes: the
// tool-contract injector stage plugged into the pipeline, and the handler
// table consulted by the dispatcher. The registry contents and argument
// schemas are the caller's business; the loop only correlates names.
type ToolSource interface {
	BuildToolComponents(agent string) (Middleware, map[string]Handler)
}

// Registry is a basic ToolSource backed by an in-memory table. Register all
// tools before handing the registry to the loop; the handler map is built
// once per BuildToolComponents call.
type Registry struct {
	defs     []ToolDefinition
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Add registers a tool definition with its handler. Re-registering a name
// replaces the previous handler.
func (r *Registry) Add(def ToolDefinition, h Handler) {
	if _, ok := r.handlers[def.Name]; !ok {
		r.defs = append(r.defs, def)
	}
	r.handlers[def.Name] = h
}

// BuildToolComponents returns the contract-injector middleware and a copy of
// the handler table. The middleware exposes every registered definition to
// the provider by overlaying TurnOptions.Tools before each call.
func (r *Registry) BuildToolComponents(_ string) (Middleware, map[string]Handler) {
	defs := make([]ToolDefinition, len(r.defs))
	copy(defs, r.defs)
	handlers := make(map[string]Handler, len(r.handlers))
	for name, h := range r.handlers {
		handlers[name] = h
	}
	mw := func(next StreamFunc) StreamFunc {
		return func(ctx context.Context, history []Message, opts TurnOptions) *Stream {
			opts.Tools = defs
			return next(ctx, history, opts)
		}
	}
	return mw, handlers
}

var _ ToolSource = (*Registry)(nil)
