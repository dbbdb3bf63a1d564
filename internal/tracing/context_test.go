package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithProjectID(ctx, "42")
	ctx = WithJobID(ctx, "job-1")

	if got := GetTraceID(ctx); got != "trace-1" {
		t.Errorf("Expected trace ID trace-1, got %s", got)
	}
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("Expected request ID req-1, got %s", got)
	}
	if got := GetProjectID(ctx); got != "42" {
		t.Errorf("Expected project ID 42, got %s", got)
	}
	if got := GetJobID(ctx); got != "job-1" {
		t.Errorf("Expected job ID job-1, got %s", got)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	tc := FromContext(ctx)
	if tc.TraceID != "" || tc.RequestID != "" || tc.ProjectID != "" || tc.JobID != "" {
		t.Errorf("Expected empty trace context, got %+v", tc)
	}
}

func TestNewContextRoundTrip(t *testing.T) {
	tc := &TraceContext{TraceID: "t", RequestID: "r", ProjectID: "p"}
	ctx := NewContext(context.Background(), tc)

	got := FromContext(ctx)
	if *got != *tc {
		t.Errorf("Expected %+v, got %+v", tc, got)
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background(), "req-9")

	if GetTraceID(ctx) == "" {
		t.Error("Trace ID not generated")
	}
	if GetRequestID(ctx) != "req-9" {
		t.Errorf("Expected request ID req-9, got %s", GetRequestID(ctx))
	}

	ctx = NewRequestContext(context.Background(), "")
	if GetRequestID(ctx) != "" {
		t.Error("Request ID should stay empty")
	}
}
