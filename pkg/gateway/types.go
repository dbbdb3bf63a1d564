package gateway

import (
	"context"
	"time"

	"github.com/harun/smartpm/pkg/enrichment"
	"github.com/harun/smartpm/pkg/index"
	"github.com/harun/smartpm/pkg/retrieval"
)

// Memory is the retrieval surface served over HTTP. *retrieval.Service
// satisfies it.
type Memory interface {
	IndexProject(ctx context.Context, in retrieval.ProjectInput) (retrieval.IndexResult, error)
	IndexTask(ctx context.Context, in retrieval.TaskInput) (retrieval.IndexResult, error)
	RetrieveSemantic(ctx context.Context, req retrieval.RetrieveRequest) (*retrieval.RetrieveResponse, error)
	GetProjectByID(ctx context.Context, projectID string) (string, error)
	GetPreviousTasks(ctx context.Context, projectID string) ([]string, error)
	DeleteTask(ctx context.Context, projectID, taskID string) (int, error)
	DeleteProject(ctx context.Context, projectID string) error
	Stats(ctx context.Context) (index.Stats, error)
}

// Enricher schedules background enrichment. *enrichment.Worker satisfies it.
type Enricher interface {
	Enqueue(ctx context.Context, req enrichment.Request, expectedVersion int64) (string, error)
	Status(id string) (enrichment.JobRecord, bool)
}

// ServerOptions configures the HTTP server
type ServerOptions struct {
	Host               string
	Port               int
	SharedSecret       string        // bearer token required on /rag routes when set
	RateLimitPerMinute int           // per client IP, 0 disables limiting
	RequestTimeout     time.Duration // upper bound for a single request
	ShutdownTimeout    time.Duration // how long Stop waits for in-flight requests
	MaxBodyBytes       int64
}

// EnrichRequest is the body of POST /rag/enrich. ExpectedVersion defaults
// to Version when omitted.
type EnrichRequest struct {
	enrichment.Request
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// EnrichAccepted is returned when an enrichment job has been queued.
type EnrichAccepted struct {
	OK    bool   `json:"ok"`
	JobID string `json:"jobId"`
}

// IndexResponse is returned by the index routes.
type IndexResponse struct {
	OK bool `json:"ok"`
	retrieval.IndexResult
}

// ProjectContextResponse is returned by GET /rag/projects/{projectId}/context.
type ProjectContextResponse struct {
	ProjectID string `json:"projectId"`
	Context   string `json:"context"`
}

// ProjectTasksResponse is returned by GET /rag/projects/{projectId}/tasks.
type ProjectTasksResponse struct {
	ProjectID string   `json:"projectId"`
	Tasks     []string `json:"tasks"`
}

// DeleteResponse is returned by the delete routes.
type DeleteResponse struct {
	OK      bool `json:"ok"`
	Deleted int  `json:"deleted"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string  `json:"status"`
	Uptime      float64 `json:"uptime"`
	Collections int     `json:"collections"`
	Chunks      int     `json:"chunks"`
	Timestamp   int64   `json:"timestamp"`
	Error       string  `json:"error,omitempty"`
}
