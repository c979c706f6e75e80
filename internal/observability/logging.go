// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// GlobalLogger is the default logger instance for the application.
var GlobalLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// Context keys for logging
const (
	CorrelationID   LogContextKey = "correlation_id"
	ConversationKey LogContextKey = "conversation_id"
)

// LogSink builds the writer log records go to. When path is set, records are
// teed to a rotating file as well as stdout.
func LogSink(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	})
}

// WithCorrelationID returns a new context with the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// ExtractCorrelationID retrieves the correlation ID from the context.
func ExtractCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationID).(string); ok {
		return id
	}
	return ""
}

// WithConversation tags ctx with the conversation its work concerns.
func WithConversation(ctx context.Context, conversationID uint) context.Context {
	return context.WithValue(ctx, ConversationKey, conversationID)
}

// ConversationFromContext returns the conversation ctx was tagged with, or 0.
func ConversationFromContext(ctx context.Context) uint {
	id, _ := ctx.Value(ConversationKey).(uint)
	return id
}

// StreamLogger provides structured logging for event stream subscribers.
type StreamLogger struct {
	hubName string
	logger  *slog.Logger
}

// NewStreamLogger creates a new StreamLogger for the given hub.
func NewStreamLogger(hubName string) *StreamLogger {
	return &StreamLogger{hubName: hubName, logger: GlobalLogger}
}

// LogSubscribe logs a new subscriber.
func (l *StreamLogger) LogSubscribe(ctx context.Context, userID, conversationID uint, since *int64) {
	attrs := []any{
		slog.String("hub", l.hubName),
		slog.Uint64("user_id", uint64(userID)),
		slog.Uint64("conversation_id", uint64(conversationID)),
	}
	if since != nil {
		attrs = append(attrs, slog.Int64("since", *since))
	}
	l.logger.InfoContext(ctx, "stream subscribed", attrs...)
}

// LogUnsubscribe logs a subscriber leaving the hub.
func (l *StreamLogger) LogUnsubscribe(ctx context.Context, userID, conversationID uint, reason string) {
	l.logger.InfoContext(ctx, "stream unsubscribed",
		slog.String("hub", l.hubName),
		slog.Uint64("user_id", uint64(userID)),
		slog.Uint64("conversation_id", uint64(conversationID)),
		slog.String("reason", reason),
	)
}

// LogBackpressure logs a queue crossing its warning threshold or dropping events.
func (l *StreamLogger) LogBackpressure(ctx context.Context, userID, conversationID uint, depth, capacity int, action string) {
	l.logger.WarnContext(ctx, "stream backpressure",
		slog.String("hub", l.hubName),
		slog.Uint64("user_id", uint64(userID)),
		slog.Uint64("conversation_id", uint64(conversationID)),
		slog.Int("depth", depth),
		slog.Int("capacity", capacity),
		slog.String("action", action),
	)
}

// LogError logs a stream error event.
func (l *StreamLogger) LogError(ctx context.Context, conversationID uint, err error, operation string) {
	l.logger.ErrorContext(ctx, "stream error",
		slog.String("hub", l.hubName),
		slog.Uint64("conversation_id", uint64(conversationID)),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// LogAsyncOperationError logs an error in an asynchronous operation.
func LogAsyncOperationError(ctx context.Context, operation string, err error, fields map[string]interface{}) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("type", "async_error"),
		slog.String("error", err.Error()),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	GlobalLogger.ErrorContext(ctx, "async operation failed", attrs...)
}
