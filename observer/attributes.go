package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for loop observability spans and metrics.
var (
	AttrModel    = attribute.Key("gen.model")
	AttrProvider = attribute.Key("gen.provider")

	AttrTokensInput  = attribute.Key("gen.tokens.input")
	AttrTokensOutput = attribute.Key("gen.tokens.output")

	AttrStreamChunks = attribute.Key("gen.stream_chunks")

	AttrThreadID     = attribute.Key("loop.thread_id")
	AttrRunID        = attribute.Key("loop.run_id")
	AttrGenerationID = attribute.Key("loop.generation_id")
	AttrWasInjected  = attribute.Key("loop.was_injected")
	AttrWasForked    = attribute.Key("loop.was_forked")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolCallID = attribute.Key("tool.call_id")
	AttrToolStatus = attribute.Key("tool.status")
)
