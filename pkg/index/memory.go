package index

import (
	"context"
	"sort"
	"sync"

	"github.com/harun/smartpm/pkg/embedding"
)

type memoryEntry struct {
	chunk  Chunk
	vector []float32
	seq    uint64
}

type memoryCollection struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	nextSeq uint64
}

// MemoryIndex is an in-process Index. Each collection has its own lock so
// writers to different projects never contend.
type MemoryIndex struct {
	embedder embedding.Provider

	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

// NewMemoryIndex creates an in-memory index. A nil embedder falls back to
// the hashing provider.
func NewMemoryIndex(embedder embedding.Provider) *MemoryIndex {
	if embedder == nil {
		embedder = embedding.NewHashingProvider(0)
	}
	return &MemoryIndex{
		embedder:    embedder,
		collections: make(map[string]*memoryCollection),
	}
}

func (m *MemoryIndex) collection(projectID string, create bool) *memoryCollection {
	name := CollectionName(projectID)

	m.mu.RLock()
	c := m.collections[name]
	m.mu.RUnlock()
	if c != nil || !create {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c = m.collections[name]; c == nil {
		c = &memoryCollection{entries: make(map[string]*memoryEntry)}
		m.collections[name] = c
	}
	return c
}

func (m *MemoryIndex) Upsert(ctx context.Context, projectID string, chunks []Chunk) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := validateChunks(chunks); err != nil {
		return 0, err
	}

	c := m.collection(projectID, true)

	// Reuse vectors for unchanged content.
	vectors := make([][]float32, len(chunks))
	var missing []int
	c.mu.RLock()
	for i, ch := range chunks {
		if e, ok := c.entries[ch.ID]; ok && ch.ContentHash != "" && e.chunk.ContentHash == ch.ContentHash {
			vectors[i] = e.vector
			continue
		}
		missing = append(missing, i)
	}
	c.mu.RUnlock()

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = chunks[i].Text
		}
		embedded, err := m.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, err
		}
		for j, i := range missing {
			vectors[i] = embedded[j]
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range chunks {
		if e, ok := c.entries[ch.ID]; ok {
			e.chunk = ch
			e.vector = vectors[i]
			continue
		}
		c.entries[ch.ID] = &memoryEntry{chunk: ch, vector: vectors[i], seq: c.nextSeq}
		c.nextSeq++
	}
	return len(chunks), nil
}

// snapshot returns matching entries in insertion order.
func (c *memoryCollection) snapshot(filter Filter) []memoryEntry {
	c.mu.RLock()
	out := make([]memoryEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if matches(filter, e.chunk.Metadata) {
			out = append(out, *e)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (m *MemoryIndex) Query(ctx context.Context, projectID, queryText string, k int, filter Filter) ([]Result, error) {
	if queryText == "" {
		chunks, err := m.Scan(ctx, projectID, k, filter)
		if err != nil {
			return nil, err
		}
		results := make([]Result, len(chunks))
		for i, ch := range chunks {
			results[i] = Result{Chunk: ch}
		}
		return results, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	c := m.collection(projectID, false)
	if c == nil {
		return []Result{}, nil
	}

	queryVec, err := m.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}

	entries := c.snapshot(filter)
	results := make([]Result, len(entries))
	for i, e := range entries {
		results[i] = Result{Chunk: e.chunk, Score: embedding.CosineSimilarity(queryVec, e.vector)}
	}
	// Stable sort keeps insertion order among equal scores.
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *MemoryIndex) Scan(ctx context.Context, projectID string, k int, filter Filter) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	c := m.collection(projectID, false)
	if c == nil {
		return []Chunk{}, nil
	}

	entries := c.snapshot(filter)
	if k > 0 && len(entries) > k {
		entries = entries[:k]
	}
	chunks := make([]Chunk, len(entries))
	for i, e := range entries {
		chunks[i] = e.chunk
	}
	return chunks, nil
}

func (m *MemoryIndex) DeleteByEntity(ctx context.Context, projectID, entityID string) (int, error) {
	return m.deleteWhere(ctx, projectID, func(ch Chunk) bool {
		return ch.Metadata.EntityID == entityID
	})
}

func (m *MemoryIndex) DeleteStale(ctx context.Context, projectID string, kind Kind, entityID string, keepIDs []string) (int, error) {
	keep := make(map[string]bool, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = true
	}
	return m.deleteWhere(ctx, projectID, func(ch Chunk) bool {
		return ch.Metadata.Kind == kind && ch.Metadata.EntityID == entityID && !keep[ch.ID]
	})
}

func (m *MemoryIndex) deleteWhere(ctx context.Context, projectID string, pred func(Chunk) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c := m.collection(projectID, false)
	if c == nil {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	deleted := 0
	for id, e := range c.entries {
		if pred(e.chunk) {
			delete(c.entries, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryIndex) DeleteCollection(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.collections, CollectionName(projectID))
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Collections: len(m.collections)}
	for _, c := range m.collections {
		c.mu.RLock()
		stats.Chunks += len(c.entries)
		c.mu.RUnlock()
	}
	return stats, nil
}

func (m *MemoryIndex) Close() error { return nil }
