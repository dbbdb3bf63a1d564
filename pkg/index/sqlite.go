package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/smartpm/pkg/embedding"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

var filterColumns = map[string]string{
	FieldOwnerProjectID: "owner_project_id",
	FieldKind:           "kind",
	FieldEntityID:       "entity_id",
	FieldTitle:          "title",
	FieldStatus:         "status",
	FieldEpic:           "epic",
	FieldAIDescription:  "ai_description",
}

const chunkColumns = `id, text, content_hash, owner_project_id, kind, entity_id, title, status, epic, ai_description`

// SQLiteConfig configures a SQLiteIndex.
type SQLiteConfig struct {
	DBPath   string
	Logger   zerolog.Logger
	Embedder embedding.Provider
}

// SQLiteIndex persists collections in a single SQLite database and ranks
// with sqlite-vec's vec_distance_cosine.
type SQLiteIndex struct {
	db       *sql.DB
	logger   zerolog.Logger
	embedder embedding.Provider
}

// NewSQLiteIndex opens (or creates) the index database.
func NewSQLiteIndex(cfg SQLiteConfig) (*SQLiteIndex, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Embedder == nil {
		cfg.Embedder = embedding.NewHashingProvider(0)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	idx := &SQLiteIndex{
		db:       db,
		logger:   cfg.Logger,
		embedder: cfg.Embedder,
	}

	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	idx.logger.Info().
		Str("path", cfg.DBPath).
		Str("embedder", cfg.Embedder.Name()).
		Msg("Similarity index initialized")
	return idx, nil
}

func (s *SQLiteIndex) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			text TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			owner_project_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			entity_id TEXT,
			title TEXT,
			status TEXT,
			epic TEXT,
			ai_description TEXT,
			embedding TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_entity ON chunks(collection, entity_id);
		CREATE INDEX IF NOT EXISTS idx_chunks_kind ON chunks(collection, kind);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT NOT NULL,
			model TEXT NOT NULL,
			embedding TEXT NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (content_hash, model)
		);
		CREATE INDEX IF NOT EXISTS idx_cache_created ON embedding_cache(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (s *SQLiteIndex) Upsert(ctx context.Context, projectID string, chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, ctx.Err()
	}
	if err := validateChunks(chunks); err != nil {
		return 0, err
	}

	vectors, err := s.resolveEmbeddings(ctx, chunks)
	if err != nil {
		return 0, err
	}

	collection := CollectionName(projectID)
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, project_id, created_at) VALUES (?, ?, ?)",
		collection, projectID, now,
	); err != nil {
		return 0, fmt.Errorf("failed to create collection: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (collection, `+chunkColumns+`, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			text = excluded.text,
			content_hash = excluded.content_hash,
			owner_project_id = excluded.owner_project_id,
			kind = excluded.kind,
			entity_id = excluded.entity_id,
			title = excluded.title,
			status = excluded.status,
			epic = excluded.epic,
			ai_description = excluded.ai_description,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i, ch := range chunks {
		md := ch.Metadata
		if _, err := stmt.ExecContext(ctx,
			collection, ch.ID, ch.Text, ch.ContentHash,
			md.OwnerProjectID, string(md.Kind), nullable(md.EntityID),
			md.Title, md.Status, nullable(md.Epic), nullable(md.AIDescription),
			vectors[i], now,
		); err != nil {
			return 0, fmt.Errorf("failed to upsert chunk %s: %w", ch.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert: %w", err)
	}

	s.logger.Debug().
		Str("collection", collection).
		Int("chunks", len(chunks)).
		Msg("Chunks upserted")
	return len(chunks), nil
}

// resolveEmbeddings returns JSON encoded vectors for chunks, consulting the
// embedding cache by content hash before calling the embedder.
func (s *SQLiteIndex) resolveEmbeddings(ctx context.Context, chunks []Chunk) ([]string, error) {
	model := s.embedder.Name()
	vectors := make([]string, len(chunks))

	var missing []int
	for i, ch := range chunks {
		if ch.ContentHash == "" {
			missing = append(missing, i)
			continue
		}
		var cached string
		err := s.db.QueryRowContext(ctx,
			"SELECT embedding FROM embedding_cache WHERE content_hash = ? AND model = ? AND dimension = ?",
			ch.ContentHash, model, s.embedder.Dimension(),
		).Scan(&cached)
		switch {
		case err == nil:
			vectors[i] = cached
		case errors.Is(err, sql.ErrNoRows):
			missing = append(missing, i)
		default:
			return nil, fmt.Errorf("failed to read embedding cache: %w", err)
		}
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	texts := make([]string, len(missing))
	for j, i := range missing {
		texts[j] = chunks[i].Text
	}
	embedded, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	now := time.Now().Unix()
	for j, i := range missing {
		encoded, err := json.Marshal(embedded[j])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal embedding: %w", err)
		}
		vectors[i] = string(encoded)

		if chunks[i].ContentHash == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, model, embedding, dimension, created_at) VALUES (?, ?, ?, ?, ?)",
			chunks[i].ContentHash, model, vectors[i], len(embedded[j]), now,
		); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to cache embedding")
		}
	}

	s.logger.Debug().
		Int("cached", len(chunks)-len(missing)).
		Int("generated", len(missing)).
		Msg("Embeddings resolved")
	return vectors, nil
}

// filterSQL translates a filter into a WHERE fragment. Null columns compare as "".
func filterSQL(f Filter) (string, []interface{}, error) {
	switch f := f.(type) {
	case nil:
		return "1=1", nil, nil
	case equalsFilter:
		col, ok := filterColumns[f.field]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownField, f.field)
		}
		return "COALESCE(" + col + ", '') = ?", []interface{}{f.value}, nil
	case notEqualsFilter:
		col, ok := filterColumns[f.field]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownField, f.field)
		}
		return "COALESCE(" + col + ", '') != ?", []interface{}{f.value}, nil
	case andFilter:
		if len(f.filters) == 0 {
			return "1=1", nil, nil
		}
		parts := make([]string, 0, len(f.filters))
		var args []interface{}
		for _, sub := range f.filters {
			clause, subArgs, err := filterSQL(sub)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+clause+")")
			args = append(args, subArgs...)
		}
		return strings.Join(parts, " AND "), args, nil
	default:
		return "", nil, fmt.Errorf("unsupported filter type %T", f)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row rowScanner, extra ...interface{}) (Chunk, error) {
	var (
		ch                                Chunk
		kind                              string
		entityID, title, status, epic, ai sql.NullString
	)
	dest := []interface{}{
		&ch.ID, &ch.Text, &ch.ContentHash, &ch.Metadata.OwnerProjectID, &kind,
		&entityID, &title, &status, &epic, &ai,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Chunk{}, err
	}
	ch.Metadata.Kind = Kind(kind)
	ch.Metadata.EntityID = entityID.String
	ch.Metadata.Title = title.String
	ch.Metadata.Status = status.String
	ch.Metadata.Epic = epic.String
	ch.Metadata.AIDescription = ai.String
	return ch, nil
}

func sqlLimit(k int) int {
	if k <= 0 {
		return -1
	}
	return k
}

func (s *SQLiteIndex) Query(ctx context.Context, projectID, queryText string, k int, filter Filter) ([]Result, error) {
	if queryText == "" {
		chunks, err := s.Scan(ctx, projectID, k, filter)
		if err != nil {
			return nil, err
		}
		results := make([]Result, len(chunks))
		for i, ch := range chunks {
			results[i] = Result{Chunk: ch}
		}
		return results, nil
	}

	where, args, err := filterSQL(filter)
	if err != nil {
		return nil, err
	}

	queryVec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	queryJSON, err := json.Marshal(queryVec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	// A zero vector has no cosine distance; it scores 0 like in MemoryIndex.
	query := `
		SELECT ` + chunkColumns + `,
			COALESCE(vec_distance_cosine(embedding, ?), 1.0) AS distance
		FROM chunks
		WHERE collection = ? AND ` + where + `
		ORDER BY distance ASC, rowid ASC
		LIMIT ?
	`
	params := append([]interface{}{string(queryJSON), CollectionName(projectID)}, args...)
	params = append(params, sqlLimit(k))

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Result{}
	for rows.Next() {
		var distance float64
		ch, err := scanChunk(rows, &distance)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{Chunk: ch, Score: 1.0 - distance})
	}
	return results, rows.Err()
}

func (s *SQLiteIndex) Scan(ctx context.Context, projectID string, k int, filter Filter) ([]Chunk, error) {
	where, args, err := filterSQL(filter)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + chunkColumns + `
		FROM chunks
		WHERE collection = ? AND ` + where + `
		ORDER BY rowid ASC
		LIMIT ?
	`
	params := append([]interface{}{CollectionName(projectID)}, args...)
	params = append(params, sqlLimit(k))

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks := []Chunk{}
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

func (s *SQLiteIndex) DeleteByEntity(ctx context.Context, projectID, entityID string) (int, error) {
	return s.deleteWhere(ctx, projectID, func(ch Chunk) bool {
		return ch.Metadata.EntityID == entityID
	})
}

func (s *SQLiteIndex) DeleteStale(ctx context.Context, projectID string, kind Kind, entityID string, keepIDs []string) (int, error) {
	keep := make(map[string]bool, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = true
	}
	return s.deleteWhere(ctx, projectID, func(ch Chunk) bool {
		return ch.Metadata.Kind == kind && ch.Metadata.EntityID == entityID && !keep[ch.ID]
	})
}

// deleteWhere scans the collection and deletes the chunks pred selects in one transaction.
func (s *SQLiteIndex) deleteWhere(ctx context.Context, projectID string, pred func(Chunk) bool) (int, error) {
	collection := CollectionName(projectID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks WHERE collection = ? ORDER BY rowid ASC",
		collection,
	)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if pred(ch) {
			ids = append(ids, ch.ID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE collection = ? AND id = ?", collection, id); err != nil {
			return 0, fmt.Errorf("failed to delete chunk %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return len(ids), nil
}

func (s *SQLiteIndex) DeleteCollection(ctx context.Context, projectID string) error {
	collection := CollectionName(projectID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE collection = ?", collection); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.logger.Info().Str("collection", collection).Msg("Collection deleted")
	return nil
}

func (s *SQLiteIndex) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections").Scan(&stats.Collections); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&stats.Chunks); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
