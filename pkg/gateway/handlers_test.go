package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/smartpm/pkg/enrichment"
	"github.com/harun/smartpm/pkg/index"
	"github.com/harun/smartpm/pkg/retrieval"
)

// MockMemory is a mock implementation of Memory
type MockMemory struct {
	mock.Mock
}

func (m *MockMemory) IndexProject(ctx context.Context, in retrieval.ProjectInput) (retrieval.IndexResult, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(retrieval.IndexResult), args.Error(1)
}

func (m *MockMemory) IndexTask(ctx context.Context, in retrieval.TaskInput) (retrieval.IndexResult, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(retrieval.IndexResult), args.Error(1)
}

func (m *MockMemory) RetrieveSemantic(ctx context.Context, req retrieval.RetrieveRequest) (*retrieval.RetrieveResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*retrieval.RetrieveResponse)
	return resp, args.Error(1)
}

func (m *MockMemory) GetProjectByID(ctx context.Context, projectID string) (string, error) {
	args := m.Called(ctx, projectID)
	return args.String(0), args.Error(1)
}

func (m *MockMemory) GetPreviousTasks(ctx context.Context, projectID string) ([]string, error) {
	args := m.Called(ctx, projectID)
	tasks, _ := args.Get(0).([]string)
	return tasks, args.Error(1)
}

func (m *MockMemory) DeleteTask(ctx context.Context, projectID, taskID string) (int, error) {
	args := m.Called(ctx, projectID, taskID)
	return args.Int(0), args.Error(1)
}

func (m *MockMemory) DeleteProject(ctx context.Context, projectID string) error {
	return m.Called(ctx, projectID).Error(0)
}

func (m *MockMemory) Stats(ctx context.Context) (index.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(index.Stats), args.Error(1)
}

// MockEnricher is a mock implementation of Enricher
type MockEnricher struct {
	mock.Mock
}

func (m *MockEnricher) Enqueue(ctx context.Context, req enrichment.Request, expectedVersion int64) (string, error) {
	args := m.Called(ctx, req, expectedVersion)
	return args.String(0), args.Error(1)
}

func (m *MockEnricher) Status(id string) (enrichment.JobRecord, bool) {
	args := m.Called(id)
	return args.Get(0).(enrichment.JobRecord), args.Bool(1)
}

func TestServiceErrorMapping(t *testing.T) {
	backendErr := func(backend string, cause error) error {
		return &retrieval.BackendError{Backend: backend, Op: "query", Err: cause}
	}

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"invalid input", fmt.Errorf("%w: project id is required", retrieval.ErrInvalidInput), http.StatusBadRequest},
		{"index unavailable", backendErr("index", errors.New("disk I/O error")), http.StatusServiceUnavailable},
		{"cache unavailable", backendErr("cache", errors.New("connection refused")), http.StatusServiceUnavailable},
		{"index timeout", backendErr("index", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := &MockMemory{}
			mem.On("RetrieveSemantic", mock.Anything, mock.Anything).Return(nil, tt.err)
			h := createTestServer(t, ServerOptions{}, mem, nil).Handler()

			rec := doJSON(t, h, http.MethodPost, "/rag/retrieve", retrieval.RetrieveRequest{ProjectID: "p1"})

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decode[ErrorResponse](t, rec)
			assert.False(t, body.OK)
			assert.Equal(t, tt.err.Error(), body.Detail)
			mem.AssertExpectations(t)
		})
	}
}

func TestServiceErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	mem := &MockMemory{}
	mem.On("RetrieveSemantic", mock.Anything, mock.Anything).
		Return(nil, &retrieval.BackendError{Backend: "index", Op: "query", Err: errors.New("disk I/O error")})

	s, err := NewServer(ServerOptions{}, mem, nil, zerolog.New(&buf))
	require.NoError(t, err)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/rag/retrieve", retrieval.RetrieveRequest{ProjectID: "p1"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	out := buf.String()
	assert.Contains(t, out, `"message":"Request failed"`)
	assert.Contains(t, out, `"path":"/rag/retrieve"`)
	assert.Contains(t, out, "disk I/O error")
}

func TestStatusForEnrichmentErrors(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(enrichment.ErrQueueFull))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(enrichment.ErrWorkerStopped))
}

func TestInvalidBody(t *testing.T) {
	mem := &MockMemory{}
	h := createTestServer(t, ServerOptions{MaxBodyBytes: 64}, mem, nil).Handler()

	req := httptest.NewRequest(http.MethodPost, "/rag/index/project", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Detail, "invalid JSON body")

	big := `{"projectId":"p1","description":"` + strings.Repeat("x", 128) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/rag/index/project", strings.NewReader(big))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	mem.AssertNotCalled(t, "IndexProject", mock.Anything, mock.Anything)
}

func TestIndexTaskPassesInput(t *testing.T) {
	mem := &MockMemory{}
	in := retrieval.TaskInput{ProjectID: "p1", TaskID: "t1", Title: "Login", Status: "todo", Epic: "Auth"}
	mem.On("IndexTask", mock.Anything, in).Return(retrieval.IndexResult{ChunksIndexed: 2}, nil)
	h := createTestServer(t, ServerOptions{}, mem, nil).Handler()

	rec := doJSON(t, h, http.MethodPost, "/rag/index/task", in)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"chunksIndexed":2,"skipped":0}`, rec.Body.String())
	mem.AssertExpectations(t)
}

func TestIndexPartialFailure(t *testing.T) {
	mem := &MockMemory{}
	mem.On("IndexProject", mock.Anything, mock.Anything).
		Return(retrieval.IndexResult{ChunksIndexed: 1}, &retrieval.BackendError{Backend: "cache", Op: "delete", Err: errors.New("down")})
	h := createTestServer(t, ServerOptions{}, mem, nil).Handler()

	rec := doJSON(t, h, http.MethodPost, "/rag/index/project", retrieval.ProjectInput{ProjectID: "p1", Name: "Shop"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Detail, "cache delete failed")
}

func TestHealthDegraded(t *testing.T) {
	mem := &MockMemory{}
	mem.On("Stats", mock.Anything).Return(index.Stats{}, errors.New("database is locked"))
	h := createTestServer(t, ServerOptions{}, mem, nil).Handler()

	rec := doJSON(t, h, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "database is locked", health.Error)
}

func TestEnrich(t *testing.T) {
	t.Run("expected version defaults to version", func(t *testing.T) {
		enr := &MockEnricher{}
		enr.On("Enqueue", mock.Anything, mock.MatchedBy(func(req enrichment.Request) bool {
			return req.ProjectID == "p1" && req.TaskID == "t1" && req.Version == 3
		}), int64(3)).Return("job-1", nil)
		h := createTestServer(t, ServerOptions{}, &MockMemory{}, enr).Handler()

		rec := doJSON(t, h, http.MethodPost, "/rag/enrich", map[string]any{
			"projectId": "p1",
			"taskId":    "t1",
			"title":     "Login",
			"version":   3,
		})

		require.Equal(t, http.StatusAccepted, rec.Code)
		accepted := decode[EnrichAccepted](t, rec)
		assert.True(t, accepted.OK)
		assert.Equal(t, "job-1", accepted.JobID)
		enr.AssertExpectations(t)
	})

	t.Run("explicit expected version", func(t *testing.T) {
		enr := &MockEnricher{}
		enr.On("Enqueue", mock.Anything, mock.Anything, int64(2)).Return("job-2", nil)
		h := createTestServer(t, ServerOptions{}, &MockMemory{}, enr).Handler()

		rec := doJSON(t, h, http.MethodPost, "/rag/enrich", map[string]any{
			"projectId":       "p1",
			"taskId":          "t1",
			"version":         3,
			"expectedVersion": 2,
		})

		require.Equal(t, http.StatusAccepted, rec.Code)
		enr.AssertExpectations(t)
	})

	t.Run("queue full", func(t *testing.T) {
		enr := &MockEnricher{}
		enr.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return("", enrichment.ErrQueueFull)
		h := createTestServer(t, ServerOptions{}, &MockMemory{}, enr).Handler()

		rec := doJSON(t, h, http.MethodPost, "/rag/enrich", map[string]any{"projectId": "p1", "taskId": "t1"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("job status", func(t *testing.T) {
		enr := &MockEnricher{}
		enr.On("Status", "job-1").Return(enrichment.JobRecord{
			ID:        "job-1",
			ProjectID: "p1",
			TaskID:    "t1",
			Status:    enrichment.JobDone,
			UpdatedAt: time.Now(),
		}, true)
		enr.On("Status", "missing").Return(enrichment.JobRecord{}, false)
		h := createTestServer(t, ServerOptions{}, &MockMemory{}, enr).Handler()

		rec := doJSON(t, h, http.MethodGet, "/rag/enrich/job-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, enrichment.JobDone, decode[enrichment.JobRecord](t, rec).Status)

		rec = doJSON(t, h, http.MethodGet, "/rag/enrich/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("disabled", func(t *testing.T) {
		h := createTestServer(t, ServerOptions{}, &MockMemory{}, nil).Handler()

		rec := doJSON(t, h, http.MethodPost, "/rag/enrich", map[string]any{"projectId": "p1", "taskId": "t1"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = doJSON(t, h, http.MethodGet, "/rag/enrich/job-1", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.3")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}
