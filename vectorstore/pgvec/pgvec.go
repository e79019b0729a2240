// Package pgvec is the server-based vectorstore.Store backend: one
// postgres table per collection with a native pgvector(384) column,
// distance scored by the `<=>` cosine-distance operator. Grounded on
// original_source/src/infrastructure/vector_store.py's psycopg2+pgvector
// branch (same `CREATE EXTENSION vector`, same metadata->>'key' equality
// filter, same ORDER BY embedding <=> query LIMIT n shape), reusing
// jackc/pgx/v5 (the same driver as store/pgstore).
package pgvec

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ghiac/emperor/model"
	"github.com/ghiac/emperor/vectorstore"
)

// Store is the postgres-backed vectorstore.Store implementation.
type Store struct {
	pool     *pgxpool.Pool
	embedder vectorstore.Embedder
}

// Open connects to url, enables the pgvector extension, creates one
// table per fixed collection if missing, and returns a Store.
func Open(ctx context.Context, url string, embedder vectorstore.Embedder) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("pgvec: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvec: ping: %w", err)
	}

	if embedder == nil {
		embedder = vectorstore.LocalEmbedder()
	}
	s := &Store{pool: pool, embedder: embedder}
	if err := s.ensureCollections(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollections(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("pgvec: create extension: %w", err)
	}
	for _, c := range model.AllCollections {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_%s (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			embedding vector(%d),
			metadata JSONB,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`, string(c), vectorstore.EmbeddingDims)
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("pgvec: create collection %s: %w", c, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// vectorLiteral renders an embedding as pgvector's textual input format,
// e.g. "[0.1,0.2,0.3]".
func vectorLiteral(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func (s *Store) Add(ctx context.Context, collection model.VectorCollection, records []model.VectorRecord) error {
	if err := vectorstore.FillEmbeddings(ctx, s.embedder, records); err != nil {
		return fmt.Errorf("pgvec: embed: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgvec: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`INSERT INTO vector_%s (id, document, embedding, metadata)
		VALUES ($1, $2, $3::vector, $4)
		ON CONFLICT (id) DO UPDATE
		SET document = EXCLUDED.document, embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`,
		string(collection))

	for _, r := range records {
		metaJSON, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("pgvec: marshal metadata: %w", err)
		}
		if _, err := tx.Exec(ctx, stmt, r.ID, r.Document, vectorLiteral(r.Embedding), metaJSON); err != nil {
			return fmt.Errorf("pgvec: insert %s: %w", r.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func metadataWhere(where map[string]string, startParam int) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	var (
		conditions []string
		args       []any
	)
	i := startParam
	for k, v := range where {
		conditions = append(conditions, fmt.Sprintf(`metadata->>'%s' = $%d`, k, i))
		args = append(args, v)
		i++
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (s *Store) Query(ctx context.Context, collection model.VectorCollection, queryEmbedding []float32, n int, where map[string]string) (*model.VectorQueryResult, error) {
	lit := vectorLiteral(queryEmbedding)
	clause, whereArgs := metadataWhere(where, 3)

	query := fmt.Sprintf(`SELECT id, document, metadata, 1 - (embedding <=> $1::vector) AS similarity
		FROM vector_%s%s ORDER BY embedding <=> $1::vector LIMIT $2`, string(collection), clause)

	args := append([]any{lit, n}, whereArgs...)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvec: query %s: %w", collection, err)
	}
	defer rows.Close()

	res := &model.VectorQueryResult{}
	for rows.Next() {
		var (
			id, document string
			metaJSON     []byte
			similarity   float64
		)
		if err := rows.Scan(&id, &document, &metaJSON, &similarity); err != nil {
			return nil, fmt.Errorf("pgvec: scan query row: %w", err)
		}
		meta := map[string]string{}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &meta)
		}
		res.IDs = append(res.IDs, id)
		res.Documents = append(res.Documents, document)
		res.Metadatas = append(res.Metadatas, meta)
		res.Distances = append(res.Distances, 1-similarity)
	}
	return res, rows.Err()
}

func (s *Store) Get(ctx context.Context, collection model.VectorCollection, ids []string, where map[string]string, limit int) ([]model.VectorRecord, error) {
	var (
		clause string
		args   []any
	)
	switch {
	case len(ids) > 0:
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, id)
		}
		clause = " WHERE id IN (" + strings.Join(placeholders, ",") + ")"
	case len(where) > 0:
		clause, args = metadataWhere(where, 1)
	}
	if limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", limit)
	}

	query := fmt.Sprintf(`SELECT id, document, embedding, metadata FROM vector_%s%s`, string(collection), clause)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvec: get %s: %w", collection, err)
	}
	defer rows.Close()

	var out []model.VectorRecord
	for rows.Next() {
		var (
			rec       model.VectorRecord
			embedding *string
			metaJSON  []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Document, &embedding, &metaJSON); err != nil {
			return nil, fmt.Errorf("pgvec: scan get row: %w", err)
		}
		if embedding != nil {
			rec.Embedding = parseVectorLiteral(*embedding)
		}
		rec.Metadata = map[string]string{}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func parseVectorLiteral(s string) []float32 {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, _ := strconv.ParseFloat(strings.TrimSpace(p), 32)
		out[i] = float32(v)
	}
	return out
}

func (s *Store) Delete(ctx context.Context, collection model.VectorCollection, ids []string, where map[string]string) error {
	var (
		clause string
		args   []any
	)
	switch {
	case len(ids) > 0:
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, id)
		}
		clause = " WHERE id IN (" + strings.Join(placeholders, ",") + ")"
	case len(where) > 0:
		clause, args = metadataWhere(where, 1)
	}

	query := fmt.Sprintf(`DELETE FROM vector_%s%s`, string(collection), clause)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("pgvec: delete %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, collection model.VectorCollection) (int, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM vector_%s`, string(collection))
	if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("pgvec: count %s: %w", collection, err)
	}
	return count, nil
}

var _ vectorstore.Store = (*Store)(nil)
