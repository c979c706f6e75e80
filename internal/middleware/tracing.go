package middleware

import (
	"strings"

	"loom/internal/observability"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDHeader echoes the request's trace id back to the client.
const TraceIDHeader = "X-Trace-ID"

// TracingMiddleware opens a server span per API request, named after the
// route template so ids do not explode span cardinality. Probe and scrape
// routes are not traced.
func TracingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if untraced(c.Path()) {
			return c.Next()
		}
		ctx := otel.GetTextMapPropagator().Extract(c.UserContext(), propagation.HeaderCarrier(c.GetReqHeaders()))
		ctx, span := observability.Tracer.Start(ctx, c.Method()+" "+c.Path(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.target", c.OriginalURL()),
			),
		)
		defer span.End()

		traceID := span.SpanContext().TraceID().String()
		c.Set(TraceIDHeader, traceID)
		c.SetUserContext(ctx)

		err := c.Next()

		// the route is only resolved once the chain has run
		span.SetName(c.Method() + " " + c.Route().Path)
		status := c.Response().StatusCode()
		span.SetAttributes(attribute.Int("http.status_code", status))
		for _, p := range []struct {
			param string
			key   attribute.Key
		}{
			{"id", observability.AttrConversationID},
			{"messageId", "message.id"},
			{"rootId", "thread.root_id"},
		} {
			if v := c.Params(p.param); v != "" {
				span.SetAttributes(p.key.String(v))
			}
		}
		if uid := UserID(c); uid != 0 {
			span.SetAttributes(attribute.Int64("user.id", int64(uid)))
		}
		if err != nil {
			span.RecordError(err)
		}
		if status >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, "server error")
		}
		return err
	}
}

func untraced(path string) bool {
	return path == "/metrics" || strings.HasPrefix(path, "/health")
}
