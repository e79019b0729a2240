// Package sqlitevec is the embedded vectorstore.Store backend: one
// sqlite table per collection, embeddings stored as JSON-encoded float
// arrays, cosine similarity scored in Go. Grounded directly on
// original_source/src/infrastructure/vector_store.py's sqlite3 branch
// (same table shape, same json_extract-equivalent metadata filter, same
// score-then-sort-then-truncate query strategy) and on the teacher's
// store/sqlite.go for the modernc.org/sqlite + sync.RWMutex idiom.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ghiac/emperor/model"
	"github.com/ghiac/emperor/vectorstore"
)

// Store is the sqlite-backed vectorstore.Store implementation.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	embedder vectorstore.Embedder
}

// Open creates (if needed) the sqlite file at path, one table per fixed
// collection, and returns a Store using embedder for records added
// without an explicit embedding.
func Open(path string, embedder vectorstore.Embedder) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlitevec: create data dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if embedder == nil {
		embedder = vectorstore.LocalEmbedder()
	}
	s := &Store{db: db, embedder: embedder}
	if err := s.ensureCollections(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollections() error {
	for _, c := range model.AllCollections {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_%s (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			embedding TEXT,
			metadata TEXT,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`, tableSuffix(c))
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("sqlitevec: create collection %s: %w", c, err)
		}
	}
	return nil
}

// tableSuffix is the collection name itself: all four are valid bare
// SQL identifiers, so no escaping is required beyond the fixed
// whitelist in model.AllCollections.
func tableSuffix(c model.VectorCollection) string { return string(c) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Add(ctx context.Context, collection model.VectorCollection, records []model.VectorRecord) error {
	if err := vectorstore.FillEmbeddings(ctx, s.embedder, records); err != nil {
		return fmt.Errorf("sqlitevec: embed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitevec: begin: %w", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO vector_%s (id, document, embedding, metadata)
		VALUES (?, ?, ?, ?)`, tableSuffix(collection))
	for _, r := range records {
		embJSON, err := json.Marshal(r.Embedding)
		if err != nil {
			return fmt.Errorf("sqlitevec: marshal embedding: %w", err)
		}
		metaJSON, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("sqlitevec: marshal metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, stmt, r.ID, r.Document, string(embJSON), string(metaJSON)); err != nil {
			return fmt.Errorf("sqlitevec: insert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

type rawRow struct {
	id, document, embedding, metadata string
}

func (s *Store) scanAll(ctx context.Context, collection model.VectorCollection, where map[string]string) ([]rawRow, error) {
	query := fmt.Sprintf(`SELECT id, document, embedding, metadata FROM vector_%s`, tableSuffix(collection))
	clause, args := whereClause(where)
	rows, err := s.db.QueryContext(ctx, query+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []rawRow
	for rows.Next() {
		var (
			r      rawRow
			emb    sql.NullString
			meta   sql.NullString
		)
		if err := rows.Scan(&r.id, &r.document, &emb, &meta); err != nil {
			return nil, fmt.Errorf("sqlitevec: scan row: %w", err)
		}
		r.embedding = emb.String
		r.metadata = meta.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// whereClause builds an equality-predicate filter over the metadata JSON
// blob using json_extract, matching the teacher source's
// `json_extract(metadata, '$.key') = ?` idiom.
func whereClause(where map[string]string) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	clause := " WHERE "
	args := make([]any, 0, len(where))
	first := true
	for k, v := range where {
		if !first {
			clause += " AND "
		}
		first = false
		clause += fmt.Sprintf(`json_extract(metadata, '$.%s') = ?`, k)
		args = append(args, v)
	}
	return clause, args
}

func (s *Store) Query(ctx context.Context, collection model.VectorCollection, queryEmbedding []float32, n int, where map[string]string) (*model.VectorQueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.scanAll(ctx, collection, where)
	if err != nil {
		return nil, err
	}

	type scored struct {
		row rawRow
		sim float64
	}
	var candidates []scored
	for _, r := range rows {
		if r.embedding == "" {
			continue
		}
		var emb []float32
		if err := json.Unmarshal([]byte(r.embedding), &emb); err != nil {
			continue
		}
		candidates = append(candidates, scored{row: r, sim: vectorstore.CosineSimilarity(queryEmbedding, emb)})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}

	res := &model.VectorQueryResult{}
	for _, c := range candidates {
		res.IDs = append(res.IDs, c.row.id)
		res.Documents = append(res.Documents, c.row.document)
		meta := map[string]string{}
		if c.row.metadata != "" {
			_ = json.Unmarshal([]byte(c.row.metadata), &meta)
		}
		res.Metadatas = append(res.Metadatas, meta)
		res.Distances = append(res.Distances, 1-c.sim)
	}
	return res, nil
}

func (s *Store) Get(ctx context.Context, collection model.VectorCollection, ids []string, where map[string]string, limit int) ([]model.VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`SELECT id, document, embedding, metadata FROM vector_%s`, tableSuffix(collection))
	var (
		clause string
		args   []any
	)
	switch {
	case len(ids) > 0:
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		clause = " WHERE id IN (" + joinStrings(placeholders, ",") + ")"
	case len(where) > 0:
		clause, args = whereClause(where)
	}
	if limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: get %s: %w", collection, err)
	}
	defer rows.Close()

	var out []model.VectorRecord
	for rows.Next() {
		var (
			rec  model.VectorRecord
			emb  sql.NullString
			meta sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Document, &emb, &meta); err != nil {
			return nil, fmt.Errorf("sqlitevec: scan get row: %w", err)
		}
		if emb.Valid && emb.String != "" {
			_ = json.Unmarshal([]byte(emb.String), &rec.Embedding)
		}
		rec.Metadata = map[string]string{}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, collection model.VectorCollection, ids []string, where map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`DELETE FROM vector_%s`, tableSuffix(collection))
	var (
		clause string
		args   []any
	)
	switch {
	case len(ids) > 0:
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		clause = " WHERE id IN (" + joinStrings(placeholders, ",") + ")"
	case len(where) > 0:
		clause, args = whereClause(where)
	}

	if _, err := s.db.ExecContext(ctx, query+clause, args...); err != nil {
		return fmt.Errorf("sqlitevec: delete %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, collection model.VectorCollection) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM vector_%s`, tableSuffix(collection))
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlitevec: count %s: %w", collection, err)
	}
	return count, nil
}

func joinStrings(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

var _ vectorstore.Store = (*Store)(nil)
