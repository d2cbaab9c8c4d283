package luminara

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/luminara-io/luminara"

// TracingPlugin records each attempt as an OpenTelemetry span. Spans
// carry the call ID, attempt number, and HTTP attributes; hedged and
// retried attempts each get their own span under the caller's parent.
//
// The tracer provider is resolved lazily through the otel global, so
// registering the plugin before provider setup is safe.
func TracingPlugin() Plugin {
	const metaKey = "otel-span"
	tracer := otel.Tracer(tracerName)

	return Plugin{
		Name: "otel-tracing",
		OnRequest: func(c *Context) error {
			_, span := tracer.Start(c.StdContext(), c.Req.Method,
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					attribute.String("http.request.method", c.Req.Method),
					attribute.String("url.full", c.Req.URL),
					attribute.String("luminara.call_id", c.CallID()),
					attribute.Int("luminara.attempt", c.Attempt),
				),
			)
			c.Meta[metaKey] = span
			return nil
		},
		OnResponse: func(c *Context) error {
			span, ok := c.Meta[metaKey].(trace.Span)
			if !ok {
				return nil
			}
			span.SetAttributes(attribute.Int("http.response.status_code", c.Res.Status))
			if c.Hedging != nil {
				span.SetAttributes(
					attribute.String("luminara.hedge.winner", c.Hedging.Winner),
					attribute.Int("luminara.hedge.attempts", c.Hedging.AttemptsLaunched),
				)
			}
			span.SetStatus(codes.Ok, "")
			span.End()
			delete(c.Meta, metaKey)
			return nil
		},
		OnResponseError: func(c *Context) error {
			span, ok := c.Meta[metaKey].(trace.Span)
			if !ok {
				return nil
			}
			if c.Err != nil {
				span.RecordError(c.Err)
				span.SetAttributes(attribute.String("error.type", string(c.Err.Kind)))
				if c.Err.Status > 0 {
					span.SetAttributes(attribute.Int("http.response.status_code", c.Err.Status))
				}
				span.SetStatus(codes.Error, c.Err.Message)
			}
			span.End()
			delete(c.Meta, metaKey)
			return nil
		},
	}
}
