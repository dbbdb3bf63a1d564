// Package retrieval indexes projects and tasks into per-project similarity
// collections and serves semantic and deterministic reads, with a
// read-through cache in front of the deterministic ones.
//
// Cache entries are removed only after the index mutation that made them
// stale has succeeded. Readers never hold a lock across backend calls; a
// per-key generation counter stops a reader from repopulating an entry that
// was invalidated while it was scanning.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/smartpm/internal/observability"
	"github.com/harun/smartpm/internal/tracing"
	"github.com/harun/smartpm/pkg/cache"
	"github.com/harun/smartpm/pkg/chunking"
	"github.com/harun/smartpm/pkg/index"
)

const (
	// SemanticFetchK is how many candidates are requested from the index.
	SemanticFetchK = 12
	// SemanticReturnK caps the context handed downstream.
	SemanticReturnK = 6
	// ScanLimit bounds deterministic project and task reads.
	ScanLimit = 50
	// DefaultTimeout bounds every index and cache call.
	DefaultTimeout = 5 * time.Second

	// StatusArchived chunks are excluded from semantic retrieval.
	StatusArchived = "archived"

	queryGoal = "Goal: estimate story points & expand acceptance criteria."

	tracerName = "smartpm.retrieval"
)

// Config wires a Service.
type Config struct {
	Index    index.Index
	Cache    cache.Cache
	Logger   zerolog.Logger
	CacheTTL time.Duration
	Timeout  time.Duration
	Chunking chunking.Options
}

// Service is the retrieval memory. It is safe for concurrent use.
type Service struct {
	index    index.Index
	cache    cache.Cache
	logger   zerolog.Logger
	ttl      time.Duration
	timeout  time.Duration
	chunking chunking.Options

	generations sync.Map // cache key -> *atomic.Uint64
}

// NewService creates the retrieval service.
func NewService(cfg Config) (*Service, error) {
	observability.EnsureRegistered()

	if cfg.Index == nil {
		return nil, errors.New("index is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Service{
		index:    cfg.Index,
		cache:    cfg.Cache,
		logger:   cfg.Logger,
		ttl:      cfg.CacheTTL,
		timeout:  cfg.Timeout,
		chunking: cfg.Chunking,
	}, nil
}

// IndexProject chunks "{name}. {description}" into proj-{id}-{n} chunks,
// writes them, prunes ordinals left over from a longer previous version and
// invalidates the cached project context.
func (s *Service) IndexProject(ctx context.Context, in ProjectInput) (IndexResult, error) {
	if in.ProjectID == "" {
		return IndexResult{}, invalidInput("project id is required")
	}

	ctx, span, logger := s.startSpan(ctx, "retrieval.index_project", in.ProjectID)
	defer span.End()

	pieces := chunking.Chunk(in.Name+". "+in.Description, s.chunking)
	chunks := make([]index.Chunk, len(pieces))
	for i, text := range pieces {
		chunks[i] = index.Chunk{
			ID:          fmt.Sprintf("proj-%s-%d", in.ProjectID, i),
			Text:        text,
			ContentHash: chunking.Fingerprint(text),
			Metadata: index.Metadata{
				OwnerProjectID: in.ProjectID,
				Kind:           index.KindProject,
				Title:          in.Name,
				Status:         in.Status,
			},
		}
	}

	result, err := s.write(ctx, "index_project", in.ProjectID, index.KindProject, "", chunks, cache.ProjectContextKey(in.ProjectID))
	finishSpan(span, err)
	if err != nil {
		logger.Error().Err(err).Msg("Project indexing failed")
		return result, err
	}

	logger.Info().Int("chunks", result.ChunksIndexed).Msg("Project indexed")
	return result, nil
}

// IndexTask chunks the non-empty title, user description and AI
// description into task-{id}-{n} chunks, writes them, prunes stale
// ordinals and invalidates the cached task list.
func (s *Service) IndexTask(ctx context.Context, in TaskInput) (IndexResult, error) {
	if in.ProjectID == "" {
		return IndexResult{}, invalidInput("project id is required")
	}
	if in.TaskID == "" {
		return IndexResult{}, invalidInput("task id is required")
	}

	ctx, span, logger := s.startSpan(ctx, "retrieval.index_task", in.ProjectID, attribute.String("task_id", in.TaskID))
	defer span.End()
	logger = logger.With().Str("task_id", in.TaskID).Logger()

	parts := make([]string, 0, 3)
	for _, p := range []string{in.Title, in.UserDescription, in.AIDescription} {
		if p != "" {
			parts = append(parts, p)
		}
	}

	pieces := chunking.Chunk(strings.Join(parts, " \n"), s.chunking)
	chunks := make([]index.Chunk, len(pieces))
	for i, text := range pieces {
		chunks[i] = index.Chunk{
			ID:          fmt.Sprintf("task-%s-%d", in.TaskID, i),
			Text:        text,
			ContentHash: chunking.Fingerprint(text),
			Metadata: index.Metadata{
				OwnerProjectID: in.ProjectID,
				Kind:           index.KindTask,
				EntityID:       in.TaskID,
				Title:          in.Title,
				Status:         in.Status,
				Epic:           in.Epic,
				AIDescription:  in.AIDescription,
			},
		}
	}

	result, err := s.write(ctx, "index_task", in.ProjectID, index.KindTask, in.TaskID, chunks, cache.ProjectTasksKey(in.ProjectID))
	finishSpan(span, err)
	if err != nil {
		logger.Error().Err(err).Msg("Task indexing failed")
		return result, err
	}

	logger.Info().Int("chunks", result.ChunksIndexed).Msg("Task indexed")
	return result, nil
}

// write upserts chunks, prunes stale ordinals of the same owner and
// invalidates key. Nothing is invalidated when the upsert fails. A failed
// prune or invalidation is returned together with the successful result.
func (s *Service) write(ctx context.Context, action, projectID string, kind index.Kind, entityID string, chunks []index.Chunk, key string) (IndexResult, error) {
	var written int
	err := s.indexCall(ctx, "upsert", func(ctx context.Context) error {
		var err error
		written, err = s.index.Upsert(ctx, projectID, chunks)
		return err
	})
	if err != nil {
		observability.RecordIndexAudit(ctx, action, projectID, "failure", map[string]interface{}{"error": err.Error()})
		return IndexResult{}, err
	}
	result := IndexResult{ChunksIndexed: written}

	keep := make([]string, len(chunks))
	for i, ch := range chunks {
		keep[i] = ch.ID
	}
	var pruned int
	pruneErr := s.indexCall(ctx, "delete_stale", func(ctx context.Context) error {
		var err error
		pruned, err = s.index.DeleteStale(ctx, projectID, kind, entityID, keep)
		return err
	})

	invalidateErr := s.invalidate(ctx, key)

	observability.RecordIndexAudit(ctx, action, projectID, "success", map[string]interface{}{
		"entity_id": entityID,
		"chunks":    written,
		"pruned":    pruned,
	})
	return result, errors.Join(pruneErr, invalidateErr)
}

// RetrieveSemantic returns up to six context chunks most similar to the
// described task, excluding archived chunks.
func (s *Service) RetrieveSemantic(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	if req.ProjectID == "" {
		return nil, invalidInput("project id is required")
	}

	ctx, span, logger := s.startSpan(ctx, "retrieval.retrieve_semantic", req.ProjectID)
	defer span.End()
	start := time.Now()

	epicLine := ""
	if req.Epic != "" {
		epicLine = "Epic: " + req.Epic
	}
	query := chunking.Normalize(strings.Join([]string{req.Title, req.UserDescription, epicLine, queryGoal}, "\n"))

	var results []index.Result
	err := s.indexCall(ctx, "query", func(ctx context.Context) error {
		var err error
		results, err = s.index.Query(ctx, req.ProjectID, query, SemanticFetchK, index.NotEquals(index.FieldStatus, StatusArchived))
		return err
	})
	finishSpan(span, err)
	if err != nil {
		logger.Error().Err(err).Msg("Semantic retrieval failed")
		return nil, err
	}

	if len(results) > SemanticReturnK {
		results = results[:SemanticReturnK]
	}
	contexts := make([]ContextChunk, len(results))
	for i, r := range results {
		md := r.Chunk.Metadata
		contexts[i] = ContextChunk{
			DocID:    r.Chunk.ID,
			Text:     r.Chunk.Text,
			Kind:     string(md.Kind),
			EntityID: md.EntityID,
			Status:   md.Status,
			Epic:     md.Epic,
			Title:    md.Title,
			Score:    r.Score,
		}
	}

	took := time.Since(start)
	observability.RecordRetrieval(took, len(contexts))
	span.SetAttributes(attribute.Int("results", len(contexts)))
	logger.Debug().
		Int("results", len(contexts)).
		Dur("took", took).
		Msg("Semantic retrieval completed")

	return &RetrieveResponse{
		Contexts: contexts,
		Stats: RetrieveStats{
			K:          len(contexts),
			Collection: index.CollectionName(req.ProjectID),
			TookMs:     took.Milliseconds(),
		},
	}, nil
}

// GetProjectByID returns the project's chunks joined by newlines, or ""
// when nothing is indexed. Reads go through the cache.
func (s *Service) GetProjectByID(ctx context.Context, projectID string) (string, error) {
	if projectID == "" {
		return "", invalidInput("project id is required")
	}

	ctx, span, _ := s.startSpan(ctx, "retrieval.get_project", projectID)
	defer span.End()

	text, err := s.readThrough(ctx, cache.ProjectContextKey(projectID), "context", func(ctx context.Context) (string, error) {
		chunks, err := s.scan(ctx, projectID, index.KindProject)
		if err != nil {
			return "", err
		}
		return strings.Join(chunkTexts(chunks), "\n"), nil
	})
	finishSpan(span, err)
	return text, err
}

// GetPreviousTasks returns the texts of the project's task chunks in
// insertion order. Reads go through the cache.
func (s *Service) GetPreviousTasks(ctx context.Context, projectID string) ([]string, error) {
	if projectID == "" {
		return nil, invalidInput("project id is required")
	}

	ctx, span, logger := s.startSpan(ctx, "retrieval.get_tasks", projectID)
	defer span.End()

	load := func(ctx context.Context) (string, error) {
		chunks, err := s.scan(ctx, projectID, index.KindTask)
		if err != nil {
			return "", err
		}
		encoded, err := json.Marshal(chunkTexts(chunks))
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}

	raw, err := s.readThrough(ctx, cache.ProjectTasksKey(projectID), "tasks", load)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}

	var tasks []string
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
		logger.Warn().Err(err).Msg("Cached task list is corrupt, reading index")
		if raw, err = load(ctx); err != nil {
			finishSpan(span, err)
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
			finishSpan(span, err)
			return nil, err
		}
	}
	if tasks == nil {
		tasks = []string{}
	}
	return tasks, nil
}

// DeleteTask removes every chunk of a task and invalidates the cached task list.
func (s *Service) DeleteTask(ctx context.Context, projectID, taskID string) (int, error) {
	if projectID == "" {
		return 0, invalidInput("project id is required")
	}
	if taskID == "" {
		return 0, invalidInput("task id is required")
	}

	ctx, span, logger := s.startSpan(ctx, "retrieval.delete_task", projectID, attribute.String("task_id", taskID))
	defer span.End()

	var deleted int
	err := s.indexCall(ctx, "delete_entity", func(ctx context.Context) error {
		var err error
		deleted, err = s.index.DeleteByEntity(ctx, projectID, taskID)
		return err
	})
	if err != nil {
		finishSpan(span, err)
		observability.RecordIndexAudit(ctx, "delete_task", projectID, "failure", map[string]interface{}{"task_id": taskID})
		return 0, err
	}

	err = s.invalidate(ctx, cache.ProjectTasksKey(projectID))
	finishSpan(span, err)
	observability.RecordIndexAudit(ctx, "delete_task", projectID, "success", map[string]interface{}{
		"task_id": taskID,
		"deleted": deleted,
	})
	logger.Info().Str("task_id", taskID).Int("deleted", deleted).Msg("Task removed from index")
	return deleted, err
}

// DeleteProject drops the project's collection and both cached entries.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return invalidInput("project id is required")
	}

	ctx, span, logger := s.startSpan(ctx, "retrieval.delete_project", projectID)
	defer span.End()

	err := s.indexCall(ctx, "delete_collection", func(ctx context.Context) error {
		return s.index.DeleteCollection(ctx, projectID)
	})
	if err != nil {
		finishSpan(span, err)
		observability.RecordIndexAudit(ctx, "delete_project", projectID, "failure", nil)
		return err
	}

	err = s.invalidate(ctx, cache.ProjectKeys(projectID)...)
	finishSpan(span, err)
	observability.RecordIndexAudit(ctx, "delete_project", projectID, "success", nil)
	logger.Info().Msg("Project collection deleted")
	return err
}

// Stats reports index contents and refreshes the indexed chunks gauge.
func (s *Service) Stats(ctx context.Context) (index.Stats, error) {
	var stats index.Stats
	err := s.indexCall(ctx, "stats", func(ctx context.Context) error {
		var err error
		stats, err = s.index.Stats(ctx)
		return err
	})
	if err != nil {
		return index.Stats{}, err
	}
	observability.SetIndexedChunks(stats.Chunks)
	return stats, nil
}

func (s *Service) scan(ctx context.Context, projectID string, kind index.Kind) ([]index.Chunk, error) {
	var chunks []index.Chunk
	err := s.indexCall(ctx, "scan", func(ctx context.Context) error {
		var err error
		chunks, err = s.index.Scan(ctx, projectID, ScanLimit, index.Equals(index.FieldKind, string(kind)))
		return err
	})
	return chunks, err
}

func chunkTexts(chunks []index.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	return texts
}

// readThrough serves key from the cache or loads and caches it. Cache
// failures degrade to a direct load; index failures are returned.
func (s *Service) readThrough(ctx context.Context, key, kind string, load func(ctx context.Context) (string, error)) (string, error) {
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("key", key).Logger()

	var cached string
	err := s.cacheCall(ctx, "get", func(ctx context.Context) error {
		var err error
		cached, err = s.cache.Get(ctx, key)
		return err
	})
	switch {
	case err == nil:
		observability.RecordCacheLookup(kind, "hit")
		return cached, nil
	case errors.Is(err, cache.ErrMiss):
		observability.RecordCacheLookup(kind, "miss")
	default:
		observability.RecordCacheLookup(kind, "error")
		logger.Warn().Err(err).Msg("Cache read failed, falling back to index")
	}

	gen := s.generation(key)
	before := gen.Load()

	value, err := load(ctx)
	if err != nil {
		return "", err
	}

	if gen.Load() != before {
		logger.Debug().Msg("Key invalidated during load, not caching")
		return value, nil
	}
	if err := s.cacheCall(ctx, "set", func(ctx context.Context) error {
		return s.cache.Set(ctx, key, value, s.ttl)
	}); err != nil {
		logger.Warn().Err(err).Msg("Cache populate failed")
	}
	return value, nil
}

// invalidate bumps the generation of every key, then deletes them.
func (s *Service) invalidate(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		s.generation(key).Add(1)
	}
	err := s.cacheCall(ctx, "delete", func(ctx context.Context) error {
		return s.cache.Delete(ctx, keys...)
	})
	observability.RecordCacheInvalidation(err == nil)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().
			Err(err).
			Strs("keys", keys).
			Msg("Cache invalidation failed")
	}
	return err
}

func (s *Service) generation(key string) *atomic.Uint64 {
	if g, ok := s.generations.Load(key); ok {
		return g.(*atomic.Uint64)
	}
	g, _ := s.generations.LoadOrStore(key, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

func (s *Service) indexCall(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	observability.RecordIndexOperation(op, time.Since(start), err == nil)
	if err != nil {
		return &BackendError{Backend: backendIndex, Op: op, Err: err}
	}
	return nil
}

func (s *Service) cacheCall(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil || errors.Is(err, cache.ErrMiss) {
		return err
	}
	return &BackendError{Backend: backendCache, Op: op, Err: err}
}

func (s *Service) startSpan(ctx context.Context, name, projectID string, attrs ...attribute.KeyValue) (context.Context, trace.Span, zerolog.Logger) {
	ctx = tracing.WithProjectID(ctx, projectID)
	ctx, span := tracing.StartSpan(ctx, tracerName, name, append(attrs, attribute.String("project_id", projectID))...)
	return ctx, span, tracing.LoggerFromContext(ctx, s.logger)
}

func finishSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
