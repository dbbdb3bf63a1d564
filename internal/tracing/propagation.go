package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.RequestID != "" {
		logger = logger.With().Str("request_id", tc.RequestID).Logger()
	}
	if tc.ProjectID != "" {
		logger = logger.With().Str("project_id", tc.ProjectID).Logger()
	}
	if tc.JobID != "" {
		logger = logger.With().Str("job_id", tc.JobID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// PropagateToJob derives the context for a background job from the request
// that enqueued it. The trace ID is kept, cancellation is not.
func PropagateToJob(ctx context.Context, jobID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	jobCtx := WithTraceID(context.Background(), traceID)
	jobCtx = WithJobID(jobCtx, jobID)
	if projectID := GetProjectID(ctx); projectID != "" {
		jobCtx = WithProjectID(jobCtx, projectID)
	}
	return jobCtx
}

// MergeContext merges tracing information from source context into target context
// Useful when you need to combine contexts from different sources
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RequestID != "" && GetRequestID(target) == "" {
		target = WithRequestID(target, tc.RequestID)
	}
	if tc.ProjectID != "" && GetProjectID(target) == "" {
		target = WithProjectID(target, tc.ProjectID)
	}
	if tc.JobID != "" && GetJobID(target) == "" {
		target = WithJobID(target, tc.JobID)
	}

	return target
}

// CloneContext creates a new context with the same tracing information
func CloneContext(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	return NewContext(context.Background(), tc)
}
