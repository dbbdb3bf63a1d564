// Package index stores retrieval chunks in per-project collections and
// serves ranked similarity queries and deterministic filtered scans.
//
// Invariants:
// - A chunk id is unique within its collection; upserting an existing id
//   overwrites it in place and keeps its original scan position.
// - Missing collections are never an error: writes create them lazily and
//   reads return empty results.
// - Scan returns chunks in stable insertion order and never ranks by text.
//
// Usage:
//
//	idx, _ := index.NewSQLiteIndex(index.SQLiteConfig{DBPath: "/data/index.db", Embedder: embedder})
//	defer idx.Close()
//	_, _ = idx.Upsert(ctx, "42", chunks)
//	results, _ := idx.Query(ctx, "42", "login bug", 12, index.NotEquals(index.FieldStatus, "archived"))
//	_ = results
package index
