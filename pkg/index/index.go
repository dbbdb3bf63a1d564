package index

import "context"

// Index is a per-project similarity index of chunks.
//
// Every method is scoped to the collection of projectID. All methods are
// safe for concurrent use and idempotent with respect to final state.
type Index interface {
	// Upsert writes or overwrites chunks by id and returns the number written.
	Upsert(ctx context.Context, projectID string, chunks []Chunk) (int, error)

	// Query returns up to k chunks ranked by similarity to queryText.
	// An empty queryText performs a deterministic Scan instead.
	Query(ctx context.Context, projectID, queryText string, k int, filter Filter) ([]Result, error)

	// Scan returns up to k chunks matching filter in insertion order.
	// k <= 0 means no limit.
	Scan(ctx context.Context, projectID string, k int, filter Filter) ([]Chunk, error)

	// DeleteByEntity removes every chunk whose entity id matches.
	DeleteByEntity(ctx context.Context, projectID, entityID string) (int, error)

	// DeleteStale removes chunks of one logical owner (kind + entity id)
	// whose id is not listed in keepIDs.
	DeleteStale(ctx context.Context, projectID string, kind Kind, entityID string, keepIDs []string) (int, error)

	// DeleteCollection drops the project's namespace.
	DeleteCollection(ctx context.Context, projectID string) error

	// Stats reports the number of collections and chunks.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
