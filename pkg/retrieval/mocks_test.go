package retrieval

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/harun/smartpm/pkg/index"
)

// MockIndex is a mock implementation of index.Index
type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Upsert(ctx context.Context, projectID string, chunks []index.Chunk) (int, error) {
	args := m.Called(ctx, projectID, chunks)
	return args.Int(0), args.Error(1)
}

func (m *MockIndex) Query(ctx context.Context, projectID, queryText string, k int, filter index.Filter) ([]index.Result, error) {
	args := m.Called(ctx, projectID, queryText, k, filter)
	results, _ := args.Get(0).([]index.Result)
	return results, args.Error(1)
}

func (m *MockIndex) Scan(ctx context.Context, projectID string, k int, filter index.Filter) ([]index.Chunk, error) {
	args := m.Called(ctx, projectID, k, filter)
	chunks, _ := args.Get(0).([]index.Chunk)
	return chunks, args.Error(1)
}

func (m *MockIndex) DeleteByEntity(ctx context.Context, projectID, entityID string) (int, error) {
	args := m.Called(ctx, projectID, entityID)
	return args.Int(0), args.Error(1)
}

func (m *MockIndex) DeleteStale(ctx context.Context, projectID string, kind index.Kind, entityID string, keepIDs []string) (int, error) {
	args := m.Called(ctx, projectID, kind, entityID, keepIDs)
	return args.Int(0), args.Error(1)
}

func (m *MockIndex) DeleteCollection(ctx context.Context, projectID string) error {
	args := m.Called(ctx, projectID)
	return args.Error(0)
}

func (m *MockIndex) Stats(ctx context.Context) (index.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(index.Stats), args.Error(1)
}

func (m *MockIndex) Close() error {
	return m.Called().Error(0)
}

// MockCache is a mock implementation of cache.Cache
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *MockCache) Delete(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

func (m *MockCache) Close() error {
	return m.Called().Error(0)
}

// gatedIndex blocks Scan until release is closed.
type gatedIndex struct {
	index.Index
	scanning chan struct{}
	release  chan struct{}
}

func (g *gatedIndex) Scan(ctx context.Context, projectID string, k int, filter index.Filter) ([]index.Chunk, error) {
	chunks, err := g.Index.Scan(ctx, projectID, k, filter)
	close(g.scanning)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return chunks, err
}

// slowIndex never answers before the context expires.
type slowIndex struct {
	index.Index
}

func (s *slowIndex) Scan(ctx context.Context, projectID string, k int, filter index.Filter) ([]index.Chunk, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *slowIndex) Query(ctx context.Context, projectID, queryText string, k int, filter index.Filter) ([]index.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
