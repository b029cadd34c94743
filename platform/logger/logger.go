// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Context key types for storing values in context
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// CallIDKey is the context key for the internal call ID
	CallIDKey contextKey = "call_id"
	// ExternalCallIDKey is the context key for the provider call ID
	ExternalCallIDKey contextKey = "external_call_id"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// New creates a new logger based on environment
func New(env string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if strings.EqualFold(env, "development") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithContext returns a logger with correlation values extracted from context.
// Supports request_id, call_id, and external_call_id.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}

	newLogger := l

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		newLogger = &Logger{Logger: newLogger.With(slog.String("request_id", requestID))}
	}

	if callID, ok := ctx.Value(CallIDKey).(string); ok && callID != "" {
		newLogger = newLogger.WithCallID(callID)
	}

	if externalID, ok := ctx.Value(ExternalCallIDKey).(string); ok && externalID != "" {
		newLogger = newLogger.WithExternalCallID(externalID)
	}

	return newLogger
}

// WithCallID returns a logger with the internal call ID attached.
func (l *Logger) WithCallID(callID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("call_id", callID)),
	}
}

// WithExternalCallID returns a logger with the provider call ID attached.
func (l *Logger) WithExternalCallID(externalID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("external_call_id", externalID)),
	}
}

// HTTPRequest logs an HTTP request
func (l *Logger) HTTPRequest(method, path string, status int, latencyMs float64, clientIP string) {
	l.Info("http_request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("latency_ms", latencyMs),
		slog.String("client_ip", clientIP),
	)
}

// HTTPError logs an HTTP error
func (l *Logger) HTTPError(method, path string, status int, err error, clientIP string) {
	l.Error("http_error",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.String("client_ip", clientIP),
	)
}

// StatusTransition logs a reconciled call status change.
func (l *Logger) StatusTransition(callID, externalID, oldStatus, newStatus, source string) {
	l.Info("call_status_transition",
		slog.String("call_id", callID),
		slog.String("external_call_id", externalID),
		slog.String("old_status", oldStatus),
		slog.String("new_status", newStatus),
		slog.String("source", source),
	)
}

// PollSessionEvent logs poll session lifecycle events (started, stopped, abandoned).
func (l *Logger) PollSessionEvent(event, externalID string, attempts int, reason string) {
	l.Info("poll_session",
		slog.String("event", event),
		slog.String("external_call_id", externalID),
		slog.Int("attempts", attempts),
		slog.String("reason", reason),
	)
}

// DatabaseError logs database errors
func (l *Logger) DatabaseError(operation string, err error) {
	l.Error("database_error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// RateLimitExceeded logs rate limit events
func (l *Logger) RateLimitExceeded(clientIP, path string) {
	l.Warn("rate_limit_exceeded",
		slog.String("client_ip", clientIP),
		slog.String("path", path),
	)
}
