package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/smartpm/internal/observability"
	"github.com/harun/smartpm/internal/tracing"
	"github.com/harun/smartpm/pkg/retrieval"
)

var (
	// ErrQueueFull is returned by Enqueue when no queue slot is free.
	ErrQueueFull = errors.New("enrichment queue is full")
	// ErrWorkerStopped is returned by Enqueue after Stop.
	ErrWorkerStopped = errors.New("enrichment worker stopped")
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobSkipped JobStatus = "skipped"
	JobFailed  JobStatus = "failed"
)

const (
	DefaultWorkers    = 2
	DefaultQueueSize  = 64
	DefaultJobTimeout = 60 * time.Second

	maxJobRecords = 1024
)

// Memory is the part of the retrieval service the worker needs.
type Memory interface {
	RetrieveSemantic(ctx context.Context, req retrieval.RetrieveRequest) (*retrieval.RetrieveResponse, error)
	IndexTask(ctx context.Context, in retrieval.TaskInput) (retrieval.IndexResult, error)
}

// JobRecord is the observable state of a job.
type JobRecord struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	TaskID    string    `json:"taskId"`
	Status    JobStatus `json:"status"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type job struct {
	id              string
	ctx             context.Context
	req             Request
	expectedVersion int64
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Memory     Memory
	Model      Model
	Logger     zerolog.Logger
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// Worker runs enrichment jobs on a fixed pool of goroutines.
type Worker struct {
	memory     Memory
	model      Model
	logger     zerolog.Logger
	workers    int
	jobTimeout time.Duration

	queue chan *job
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
	records map[string]*JobRecord
	order   []string
}

// NewWorker creates a worker. Call Start to begin processing.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	observability.EnsureRegistered()

	if cfg.Memory == nil {
		return nil, errors.New("retrieval memory is required")
	}
	if cfg.Model == nil {
		cfg.Model = HeuristicModel{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}

	return &Worker{
		memory:     cfg.Memory,
		model:      cfg.Model,
		logger:     cfg.Logger,
		workers:    cfg.Workers,
		jobTimeout: cfg.JobTimeout,
		queue:      make(chan *job, cfg.QueueSize),
		records:    make(map[string]*JobRecord),
	}, nil
}

// Start launches the worker goroutines. It is a no-op when already started.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	w.logger.Info().
		Int("workers", w.workers).
		Int("queue_size", cap(w.queue)).
		Str("model", w.model.Name()).
		Msg("Enrichment worker started")
}

func (w *Worker) run() {
	defer w.wg.Done()
	for j := range w.queue {
		observability.SetEnrichmentQueueLength(len(w.queue))
		w.process(j)
	}
}

// Enqueue schedules enrichment of req. The job is skipped when
// expectedVersion no longer matches req.Version by the time it runs.
func (w *Worker) Enqueue(ctx context.Context, req Request, expectedVersion int64) (string, error) {
	if req.ProjectID == "" || req.TaskID == "" {
		return "", fmt.Errorf("%w: project id and task id are required", retrieval.ErrInvalidInput)
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate job ID: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return "", ErrWorkerStopped
	}

	j := &job{
		id:              id,
		ctx:             tracing.PropagateToJob(ctx, id),
		req:             req,
		expectedVersion: expectedVersion,
	}
	select {
	case w.queue <- j:
	default:
		return "", ErrQueueFull
	}

	w.recordLocked(&JobRecord{
		ID:        id,
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		Status:    JobQueued,
		UpdatedAt: time.Now(),
	})
	observability.SetEnrichmentQueueLength(len(w.queue))
	return id, nil
}

// Status returns the last known state of a job.
func (w *Worker) Status(id string) (JobRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.records[id]
	if !ok {
		return JobRecord{}, false
	}
	return *rec, true
}

// Stop stops accepting jobs and waits for queued jobs to finish or ctx to expire.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.queue)
	started := w.started
	w.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info().Msg("Enrichment worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) recordLocked(rec *JobRecord) {
	if _, exists := w.records[rec.ID]; !exists {
		w.order = append(w.order, rec.ID)
		if len(w.order) > maxJobRecords {
			delete(w.records, w.order[0])
			w.order = w.order[1:]
		}
	}
	w.records[rec.ID] = rec
}

func (w *Worker) update(j *job, status JobStatus, result *Result, err error) {
	rec := &JobRecord{
		ID:        j.id,
		ProjectID: j.req.ProjectID,
		TaskID:    j.req.TaskID,
		Status:    status,
		Result:    result,
		UpdatedAt: time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	w.mu.Lock()
	w.recordLocked(rec)
	w.mu.Unlock()
}

func (w *Worker) process(j *job) {
	ctx, cancel := context.WithTimeout(j.ctx, w.jobTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "smartpm.enrichment", "enrichment.run",
		attribute.String("job_id", j.id),
		attribute.String("project_id", j.req.ProjectID),
		attribute.String("task_id", j.req.TaskID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, w.logger).With().Str("task_id", j.req.TaskID).Logger()
	start := time.Now()
	w.update(j, JobRunning, nil, nil)

	status, result, err := w.execute(ctx, j)

	observability.RecordEnrichmentJob(w.model.Name(), string(status), time.Since(start))
	w.update(j, status, result, err)

	meta := map[string]interface{}{"project_id": j.req.ProjectID, "model": w.model.Name()}
	switch status {
	case JobFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Enrichment failed")
		meta["error"] = err.Error()
		observability.RecordEnrichmentAudit(ctx, j.id, j.req.TaskID, "failure", meta)
	case JobSkipped:
		logger.Info().
			Int64("version", j.req.Version).
			Int64("expected_version", j.expectedVersion).
			Msg("Enrichment skipped for outdated task version")
		observability.RecordEnrichmentAudit(ctx, j.id, j.req.TaskID, "skipped", meta)
	default:
		meta["story_points"] = result.StoryPoints
		meta["used_context_ids"] = result.UsedContextIDs
		logger.Info().
			Int("story_points", result.StoryPoints).
			Dur("took", time.Since(start)).
			Msg("Task enriched")
		observability.RecordEnrichmentAudit(ctx, j.id, j.req.TaskID, "success", meta)
	}
}

func (w *Worker) execute(ctx context.Context, j *job) (status JobStatus, result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, result, err = JobFailed, nil, fmt.Errorf("model panic: %v", r)
		}
	}()

	if j.expectedVersion != j.req.Version {
		return JobSkipped, nil, nil
	}

	resp, err := w.memory.RetrieveSemantic(ctx, retrieval.RetrieveRequest{
		ProjectID:       j.req.ProjectID,
		Title:           j.req.Title,
		UserDescription: j.req.UserDescription,
		Epic:            j.req.Epic,
	})
	if err != nil {
		return JobFailed, nil, fmt.Errorf("retrieve context: %w", err)
	}

	result, err = w.model.Enrich(ctx, j.req, resp.Contexts)
	if err != nil {
		return JobFailed, nil, fmt.Errorf("model: %w", err)
	}

	if _, err := w.memory.IndexTask(ctx, retrieval.TaskInput{
		ProjectID:       j.req.ProjectID,
		TaskID:          j.req.TaskID,
		Title:           j.req.Title,
		UserDescription: j.req.UserDescription,
		AIDescription:   result.AIDescription,
		Status:          j.req.Status,
		Epic:            j.req.Epic,
	}); err != nil {
		return JobFailed, result, fmt.Errorf("index enriched task: %w", err)
	}

	return JobDone, result, nil
}
