package observer

import (
	"context"
	"time"

	tandem "github.com/tandemloop/tandem"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedAgent wraps a tandem.StreamingAgent with OTEL instrumentation.
// Each GenerateStreaming call becomes a gen.stream span that ends when the
// provider's stream closes, carrying chunk and token counts. Run, turn, and
// tool spans created by the loop (via NewTracer) nest under it through
// context propagation.
type ObservedAgent struct {
	inner tandem.StreamingAgent
	inst  *Instruments
}

// WrapAgent returns an instrumented agent that emits traces, metrics, and logs.
func WrapAgent(inner tandem.StreamingAgent, inst *Instruments) *ObservedAgent {
	return &ObservedAgent{inner: inner, inst: inst}
}

func (o *ObservedAgent) Name() string { return o.inner.Name() }

// GenerateStreaming forwards the inner agent's stream while counting its
// messages and capturing token usage. The span ends only after the inner
// stream closes, so its duration covers the full generation.
func (o *ObservedAgent) GenerateStreaming(ctx context.Context, history []tandem.Message, opts tandem.TurnOptions) *tandem.Stream {
	ctx, span := o.inst.Tracer.Start(ctx, "gen.stream", trace.WithAttributes(
		AttrModel.String(opts.Model),
		AttrProvider.String(o.inner.Name()),
		AttrRunID.String(opts.RunID),
	))
	start := time.Now()

	in := o.inner.GenerateStreaming(ctx, history, opts)
	out := tandem.NewStream(0)
	go func() {
		defer span.End()

		chunks := 0
		var usage tandem.Usage
		for m := range in.C() {
			chunks++
			if m.Usage != nil {
				usage = *m.Usage
			}
			if err := out.Send(ctx, m); err != nil {
				out.Close(err)
				for range in.C() {
				}
				break
			}
		}

		err := in.Err()
		out.Close(err)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			AttrStreamChunks.Int(chunks),
			AttrTokensInput.Int(usage.InputTokens),
			AttrTokensOutput.Int(usage.OutputTokens),
		)
		o.record(ctx, status, durationMs, chunks, usage)
	}()
	return out
}

func (o *ObservedAgent) record(ctx context.Context, status string, durationMs float64, chunks int, usage tandem.Usage) {
	attrs := metric.WithAttributes(
		AttrProvider.String(o.inner.Name()),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.GenRequests.Add(ctx, 1, metric.WithAttributes(
		AttrProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.GenDuration.Record(ctx, durationMs, attrs)
	o.inst.StreamChunks.Record(ctx, int64(chunks), attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("generation completed"))
	rec.AddAttributes(
		otellog.String("gen.provider", o.inner.Name()),
		otellog.String("status", status),
		otellog.Int("gen.stream_chunks", chunks),
		otellog.Int("gen.tokens.input", usage.InputTokens),
		otellog.Int("gen.tokens.output", usage.OutputTokens),
		otellog.Float64("gen.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ tandem.StreamingAgent = (*ObservedAgent)(nil)
