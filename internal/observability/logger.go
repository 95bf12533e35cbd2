package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every record logged with a context carrying them.
type LogFields struct {
	JobID      string
	ProjectID  string
	ProviderID string
	WorkerID   string
	Component  string
	RequestID  string
}

// WithLogFields returns ctx enriched with fields. Non-empty values override
// fields already present.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := GetLogFields(ctx)
	if fields.JobID != "" {
		merged.JobID = fields.JobID
	}
	if fields.ProjectID != "" {
		merged.ProjectID = fields.ProjectID
	}
	if fields.ProviderID != "" {
		merged.ProviderID = fields.ProviderID
	}
	if fields.WorkerID != "" {
		merged.WorkerID = fields.WorkerID
	}
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	if fields.RequestID != "" {
		merged.RequestID = fields.RequestID
	}
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields stored in ctx, or zero fields.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// ContextHandler copies LogFields from the record's context onto the record.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps h.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// Handle implements slog.Handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := GetLogFields(ctx)
	if fields.JobID != "" {
		r.AddAttrs(slog.String("jobId", fields.JobID))
	}
	if fields.ProjectID != "" {
		r.AddAttrs(slog.String("projectId", fields.ProjectID))
	}
	if fields.ProviderID != "" {
		r.AddAttrs(slog.String("providerId", fields.ProviderID))
	}
	if fields.WorkerID != "" {
		r.AddAttrs(slog.String("workerId", fields.WorkerID))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}
	if fields.RequestID != "" {
		r.AddAttrs(slog.String("requestId", fields.RequestID))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// NewLogger builds the service logger: JSON in production, text in
// development, both wrapped in a ContextHandler.
func NewLogger(w io.Writer, env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if env == "development" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewContextHandler(handler))
}

// SetupLogger installs NewLogger as the default logger.
func SetupLogger(w io.Writer, env, level string) {
	slog.SetDefault(NewLogger(w, env, level))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
