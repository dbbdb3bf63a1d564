package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/harun/smartpm/internal/tracing"
	"github.com/harun/smartpm/pkg/enrichment"
	"github.com/harun/smartpm/pkg/retrieval"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(s.startTime).Seconds(),
		Timestamp: time.Now().UnixMilli(),
	}
	status := http.StatusOK

	stats, err := s.memory.Stats(ctx)
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp.Collections = stats.Collections
		resp.Chunks = stats.Chunks
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleIndexProject(w http.ResponseWriter, r *http.Request) {
	var in retrieval.ProjectInput
	if !decodeBody(w, r, &in) {
		return
	}

	ctx := tracing.WithProjectID(r.Context(), in.ProjectID)
	result, err := s.memory.IndexProject(ctx, in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IndexResponse{OK: true, IndexResult: result})
}

func (s *Server) handleIndexTask(w http.ResponseWriter, r *http.Request) {
	var in retrieval.TaskInput
	if !decodeBody(w, r, &in) {
		return
	}

	ctx := tracing.WithProjectID(r.Context(), in.ProjectID)
	result, err := s.memory.IndexTask(ctx, in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IndexResponse{OK: true, IndexResult: result})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieval.RetrieveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := tracing.WithProjectID(r.Context(), req.ProjectID)
	resp, err := s.memory.RetrieveSemantic(ctx, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	if s.enricher == nil {
		writeError(w, http.StatusServiceUnavailable, "enrichment is disabled")
		return
	}

	var req EnrichRequest
	if !decodeBody(w, r, &req) {
		return
	}

	expected := req.Version
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
	}

	ctx := tracing.WithProjectID(r.Context(), req.ProjectID)
	id, err := s.enricher.Enqueue(ctx, req.Request, expected)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, EnrichAccepted{OK: true, JobID: id})
}

func (s *Server) handleEnrichStatus(w http.ResponseWriter, r *http.Request) {
	if s.enricher == nil {
		writeError(w, http.StatusServiceUnavailable, "enrichment is disabled")
		return
	}

	rec, ok := s.enricher.Status(r.PathValue("jobId"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleProjectContext(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	ctx := tracing.WithProjectID(r.Context(), projectID)

	text, err := s.memory.GetProjectByID(ctx, projectID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProjectContextResponse{ProjectID: projectID, Context: text})
}

func (s *Server) handleProjectTasks(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	ctx := tracing.WithProjectID(r.Context(), projectID)

	tasks, err := s.memory.GetPreviousTasks(ctx, projectID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []string{}
	}
	writeJSON(w, http.StatusOK, ProjectTasksResponse{ProjectID: projectID, Tasks: tasks})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	ctx := tracing.WithProjectID(r.Context(), projectID)

	n, err := s.memory.DeleteTask(ctx, projectID, r.PathValue("taskId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{OK: true, Deleted: n})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	ctx := tracing.WithProjectID(r.Context(), projectID)

	if err := s.memory.DeleteProject(ctx, projectID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{OK: true})
}

// decodeBody parses a JSON request body into v, answering 400 on failure
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// statusFor maps a service error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, retrieval.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, retrieval.ErrIndexUnavailable),
		errors.Is(err, retrieval.ErrCacheUnavailable),
		errors.Is(err, enrichment.ErrQueueFull),
		errors.Is(err, enrichment.ErrWorkerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{OK: false, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
