package index

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/smartpm/pkg/chunking"
	"github.com/harun/smartpm/pkg/embedding"
)

// countingEmbedder records how many texts were embedded.
type countingEmbedder struct {
	*embedding.HashingProvider
	embedded atomic.Int64
}

func newCountingEmbedder() *countingEmbedder {
	return &countingEmbedder{HashingProvider: embedding.NewHashingProvider(64)}
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.embedded.Add(int64(len(texts)))
	return c.HashingProvider.EmbedBatch(ctx, texts)
}

type adapterFactory func(t *testing.T, embedder embedding.Provider) Index

func adapters() map[string]adapterFactory {
	return map[string]adapterFactory{
		"memory": func(t *testing.T, embedder embedding.Provider) Index {
			return NewMemoryIndex(embedder)
		},
		"sqlite": func(t *testing.T, embedder embedding.Provider) Index {
			idx, err := NewSQLiteIndex(SQLiteConfig{
				DBPath:   filepath.Join(t.TempDir(), "index.db"),
				Logger:   zerolog.Nop(),
				Embedder: embedder,
			})
			require.NoError(t, err)
			t.Cleanup(func() { idx.Close() })
			return idx
		},
	}
}

func taskChunk(projectID, taskID string, n int, text, status string) Chunk {
	return Chunk{
		ID:          fmt.Sprintf("task-%s-%d", taskID, n),
		Text:        text,
		ContentHash: chunking.Fingerprint(text),
		Metadata: Metadata{
			OwnerProjectID: projectID,
			Kind:           KindTask,
			EntityID:       taskID,
			Title:          "Task " + taskID,
			Status:         status,
		},
	}
}

func projectChunk(projectID string, n int, text string) Chunk {
	return Chunk{
		ID:          fmt.Sprintf("proj-%s-%d", projectID, n),
		Text:        text,
		ContentHash: chunking.Fingerprint(text),
		Metadata: Metadata{
			OwnerProjectID: projectID,
			Kind:           KindProject,
			Title:          "Project " + projectID,
			Status:         "active",
		},
	}
}

func ids(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}

func resultIDs(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Chunk.ID
	}
	return out
}

func TestIndexAdapters(t *testing.T) {
	for name, factory := range adapters() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("UpsertEmpty", func(t *testing.T) {
				idx := factory(t, nil)
				n, err := idx.Upsert(context.Background(), "1", nil)
				require.NoError(t, err)
				assert.Equal(t, 0, n)
			})

			t.Run("UpsertRejectsEmptyID", func(t *testing.T) {
				idx := factory(t, nil)
				_, err := idx.Upsert(context.Background(), "1", []Chunk{{Text: "x"}})
				assert.ErrorIs(t, err, ErrInvalidChunk)
			})

			t.Run("ScanInsertionOrder", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				_, err := idx.Upsert(ctx, "1", []Chunk{
					projectChunk("1", 0, "Payments platform."),
					taskChunk("1", "10", 0, "Add checkout page", "open"),
					taskChunk("1", "11", 0, "Refund endpoint", "open"),
				})
				require.NoError(t, err)
				_, err = idx.Upsert(ctx, "1", []Chunk{taskChunk("1", "12", 0, "Invoice export", "done")})
				require.NoError(t, err)

				all, err := idx.Scan(ctx, "1", 0, nil)
				require.NoError(t, err)
				assert.Equal(t, []string{"proj-1-0", "task-10-0", "task-11-0", "task-12-0"}, ids(all))

				tasks, err := idx.Scan(ctx, "1", 2, Equals(FieldKind, string(KindTask)))
				require.NoError(t, err)
				assert.Equal(t, []string{"task-10-0", "task-11-0"}, ids(tasks))
			})

			t.Run("ReupsertKeepsPosition", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				_, err := idx.Upsert(ctx, "1", []Chunk{
					taskChunk("1", "10", 0, "first", "open"),
					taskChunk("1", "11", 0, "second", "open"),
				})
				require.NoError(t, err)
				_, err = idx.Upsert(ctx, "1", []Chunk{taskChunk("1", "10", 0, "first rewritten", "done")})
				require.NoError(t, err)

				all, err := idx.Scan(ctx, "1", 0, nil)
				require.NoError(t, err)
				require.Len(t, all, 2)
				assert.Equal(t, "task-10-0", all[0].ID)
				assert.Equal(t, "first rewritten", all[0].Text)
				assert.Equal(t, "done", all[0].Metadata.Status)
			})

			t.Run("MetadataRoundTrip", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				ch := taskChunk("1", "10", 0, "Fix login", "open")
				ch.Metadata.Epic = "Auth"
				ch.Metadata.AIDescription = "Generated text"
				_, err := idx.Upsert(ctx, "1", []Chunk{ch, projectChunk("1", 0, "Project text.")})
				require.NoError(t, err)

				all, err := idx.Scan(ctx, "1", 0, nil)
				require.NoError(t, err)
				require.Len(t, all, 2)
				assert.Equal(t, ch, all[0])
				assert.Equal(t, "", all[1].Metadata.EntityID)
				assert.Equal(t, "", all[1].Metadata.Epic)
			})

			t.Run("MissingCollection", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				chunks, err := idx.Scan(ctx, "missing", 10, nil)
				require.NoError(t, err)
				assert.Empty(t, chunks)

				results, err := idx.Query(ctx, "missing", "anything", 10, nil)
				require.NoError(t, err)
				assert.Empty(t, results)

				n, err := idx.DeleteByEntity(ctx, "missing", "7")
				require.NoError(t, err)
				assert.Equal(t, 0, n)

				require.NoError(t, idx.DeleteCollection(ctx, "missing"))
			})

			t.Run("QueryRanksAndFilters", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				_, err := idx.Upsert(ctx, "1", []Chunk{
					taskChunk("1", "10", 0, "Users cannot reset their password from the login page", "open"),
					taskChunk("1", "11", 0, "Export monthly invoices as CSV files", "open"),
					taskChunk("1", "12", 0, "Login page password reset email is never sent", "archived"),
					taskChunk("1", "13", 0, "Dark mode for the dashboard", "open"),
				})
				require.NoError(t, err)

				results, err := idx.Query(ctx, "1", "password reset on login page", 2, NotEquals(FieldStatus, "archived"))
				require.NoError(t, err)
				require.Len(t, results, 2)
				assert.Equal(t, "task-10-0", results[0].Chunk.ID)
				assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
				for _, r := range results {
					assert.NotEqual(t, "archived", r.Chunk.Metadata.Status)
				}
			})

			t.Run("QueryEmptyTextScans", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				_, err := idx.Upsert(ctx, "1", []Chunk{
					projectChunk("1", 0, "Project one."),
					taskChunk("1", "10", 0, "Task ten", "open"),
				})
				require.NoError(t, err)

				results, err := idx.Query(ctx, "1", "", 50, Equals(FieldKind, string(KindProject)))
				require.NoError(t, err)
				assert.Equal(t, []string{"proj-1-0"}, resultIDs(results))
				assert.Zero(t, results[0].Score)
			})

			t.Run("QueryZeroVectorChunk", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				_, err := idx.Upsert(ctx, "1", []Chunk{
					taskChunk("1", "1", 0, "Fix login bug", "open"),
					taskChunk("1", "2", 0, "🚀", "open"),
					projectChunk("1", 0, "."),
				})
				require.NoError(t, err)

				results, err := idx.Query(ctx, "1", "login", 10, nil)
				require.NoError(t, err)
				require.Len(t, results, 3)
				assert.Equal(t, "task-1-0", results[0].Chunk.ID)
				assert.Greater(t, results[0].Score, 0.0)
				assert.Equal(t, []string{"task-2-0", "proj-1-0"}, resultIDs(results[1:]))
				assert.Zero(t, results[1].Score)
				assert.Zero(t, results[2].Score)

				results, err = idx.Query(ctx, "1", "🚀", 10, nil)
				require.NoError(t, err)
				assert.Equal(t, []string{"task-1-0", "task-2-0", "proj-1-0"}, resultIDs(results))
				for _, r := range results {
					assert.Zero(t, r.Score)
				}
			})

			t.Run("UnknownFieldRejected", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				_, err := idx.Scan(ctx, "1", 10, Equals("priority", "high"))
				assert.ErrorIs(t, err, ErrUnknownField)

				_, err = idx.Query(ctx, "1", "text", 10, NotEquals("priority", "high"))
				assert.ErrorIs(t, err, ErrUnknownField)
			})

			t.Run("ProjectIsolation", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				_, err := idx.Upsert(ctx, "1", []Chunk{taskChunk("1", "10", 0, "shared words here", "open")})
				require.NoError(t, err)
				_, err = idx.Upsert(ctx, "2", []Chunk{taskChunk("2", "20", 0, "shared words here", "open")})
				require.NoError(t, err)

				results, err := idx.Query(ctx, "1", "shared words", 10, nil)
				require.NoError(t, err)
				assert.Equal(t, []string{"task-10-0"}, resultIDs(results))
			})

			t.Run("DeleteByEntity", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				_, err := idx.Upsert(ctx, "1", []Chunk{
					taskChunk("1", "7", 0, "part one", "open"),
					taskChunk("1", "7", 1, "part two", "open"),
					taskChunk("1", "8", 0, "other task", "open"),
				})
				require.NoError(t, err)

				n, err := idx.DeleteByEntity(ctx, "1", "7")
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				n, err = idx.DeleteByEntity(ctx, "1", "7")
				require.NoError(t, err)
				assert.Equal(t, 0, n)

				left, err := idx.Scan(ctx, "1", 0, nil)
				require.NoError(t, err)
				assert.Equal(t, []string{"task-8-0"}, ids(left))
			})

			t.Run("DeleteStale", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				_, err := idx.Upsert(ctx, "1", []Chunk{
					taskChunk("1", "7", 0, "part one", "open"),
					taskChunk("1", "7", 1, "part two", "open"),
					taskChunk("1", "7", 2, "part three", "open"),
					taskChunk("1", "8", 1, "other task", "open"),
				})
				require.NoError(t, err)

				n, err := idx.DeleteStale(ctx, "1", KindTask, "7", []string{"task-7-0"})
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				left, err := idx.Scan(ctx, "1", 0, nil)
				require.NoError(t, err)
				assert.Equal(t, []string{"task-7-0", "task-8-1"}, ids(left))
			})

			t.Run("DeleteCollection", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				_, err := idx.Upsert(ctx, "1", []Chunk{projectChunk("1", 0, "Project.")})
				require.NoError(t, err)
				_, err = idx.Upsert(ctx, "2", []Chunk{projectChunk("2", 0, "Other.")})
				require.NoError(t, err)

				require.NoError(t, idx.DeleteCollection(ctx, "1"))

				left, err := idx.Scan(ctx, "1", 0, nil)
				require.NoError(t, err)
				assert.Empty(t, left)

				stats, err := idx.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, Stats{Collections: 1, Chunks: 1}, stats)
			})

			t.Run("UnchangedContentNotReembedded", func(t *testing.T) {
				embedder := newCountingEmbedder()
				idx := factory(t, embedder)
				ctx := context.Background()

				chunks := []Chunk{
					taskChunk("1", "7", 0, "part one", "open"),
					taskChunk("1", "7", 1, "part two", "open"),
				}
				_, err := idx.Upsert(ctx, "1", chunks)
				require.NoError(t, err)
				assert.EqualValues(t, 2, embedder.embedded.Load())

				chunks[1] = taskChunk("1", "7", 1, "part two changed", "open")
				_, err = idx.Upsert(ctx, "1", chunks)
				require.NoError(t, err)
				assert.EqualValues(t, 3, embedder.embedded.Load())
			})

			t.Run("ConcurrentProjects", func(t *testing.T) {
				idx := factory(t, nil)
				ctx := context.Background()

				var wg sync.WaitGroup
				for p := 0; p < 4; p++ {
					wg.Add(1)
					go func(p int) {
						defer wg.Done()
						pid := fmt.Sprintf("%d", p)
						for i := 0; i < 5; i++ {
							_, err := idx.Upsert(ctx, pid, []Chunk{taskChunk(pid, fmt.Sprintf("%d", i), 0, "concurrent text", "open")})
							assert.NoError(t, err)
						}
					}(p)
				}
				wg.Wait()

				for p := 0; p < 4; p++ {
					chunks, err := idx.Scan(ctx, fmt.Sprintf("%d", p), 0, nil)
					require.NoError(t, err)
					assert.Len(t, chunks, 5)
				}
			})
		})
	}
}

func TestSQLiteIndex_EmbeddingCacheFollowsDimension(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()
	chunks := []Chunk{taskChunk("1", "1", 0, "Fix login bug", "open")}

	small, err := NewSQLiteIndex(SQLiteConfig{DBPath: dbPath, Logger: zerolog.Nop(), Embedder: embedding.NewHashingProvider(64)})
	require.NoError(t, err)
	_, err = small.Upsert(ctx, "1", chunks)
	require.NoError(t, err)
	require.NoError(t, small.DeleteCollection(ctx, "1"))
	require.NoError(t, small.Close())

	large := &countingEmbedder{HashingProvider: embedding.NewHashingProvider(128)}
	idx, err := NewSQLiteIndex(SQLiteConfig{DBPath: dbPath, Logger: zerolog.Nop(), Embedder: large})
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Upsert(ctx, "1", chunks)
	require.NoError(t, err)
	assert.EqualValues(t, 1, large.embedded.Load(), "vectors of another dimension are not reused")

	results, err := idx.Query(ctx, "1", "login", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Greater(t, results[0].Score, 0.0)
}
