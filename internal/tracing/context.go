package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RequestIDKey is the context key for the inbound request ID
	RequestIDKey ContextKey = "request_id"
	// ProjectIDKey is the context key for the project being served
	ProjectIDKey ContextKey = "project_id"
	// JobIDKey is the context key for an enrichment job ID
	JobIDKey ContextKey = "job_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	RequestID string
	ProjectID string
	JobID     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithProjectID adds a project ID to the context
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, ProjectIDKey, projectID)
}

// WithJobID adds an enrichment job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// GetProjectID retrieves the project ID from the context
func GetProjectID(ctx context.Context) string {
	return stringValue(ctx, ProjectIDKey)
}

// GetJobID retrieves the job ID from the context
func GetJobID(ctx context.Context) string {
	return stringValue(ctx, JobIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RequestID: GetRequestID(ctx),
		ProjectID: GetProjectID(ctx),
		JobID:     GetJobID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.ProjectID != "" {
		ctx = WithProjectID(ctx, tc.ProjectID)
	}
	if tc.JobID != "" {
		ctx = WithJobID(ctx, tc.JobID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID.
// An existing request ID (for example from an X-Request-ID header) is kept.
func NewRequestContext(ctx context.Context, requestID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	if requestID != "" {
		ctx = WithRequestID(ctx, requestID)
	}
	return ctx
}
