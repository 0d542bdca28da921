package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-tagger/internal/database"
)

// VectorRepository is a database.VectorIndex backed by pgvector.
type VectorRepository struct {
	pool *Pool
}

// NewVectorRepository creates a new pgvector-backed index.
func NewVectorRepository(pool *Pool) *VectorRepository {
	return &VectorRepository{pool: pool}
}

// EnsureDimension pins the embedding column to dim and builds the HNSW
// cosine index. Safe to call on every start.
func (r *VectorRepository) EnsureDimension(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}
	if _, err := r.pool.Exec(ctx, fmt.Sprintf(
		"ALTER TABLE face_vectors ALTER COLUMN embedding TYPE vector(%d)", dim)); err != nil {
		return fmt.Errorf("set embedding dimension: %w", err)
	}
	if _, err := r.pool.Exec(ctx, fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS face_vectors_embedding_idx
		ON face_vectors USING hnsw (embedding vector_cosine_ops)
		WITH (m = %d, ef_construction = 64)`, database.HNSWMaxNeighbors)); err != nil {
		return fmt.Errorf("create embedding index: %w", err)
	}
	return nil
}

// Query returns the topK nearest vectors. Score is 1 - cosine distance.
func (r *VectorRepository) Query(ctx context.Context, vector []float32, topK int, includeValues bool) ([]database.VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}

	// Use transaction to set ef_search for better recall.
	tx, err := r.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", database.HNSWEfSearch)); err != nil {
		return nil, fmt.Errorf("set ef_search: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, embedding, image_key, created_at, embedding <=> $1::vector AS distance
		FROM face_vectors
		ORDER BY embedding <=> $1::vector, id
		LIMIT $2
	`, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("query similar vectors: %w", err)
	}
	defer rows.Close()

	var matches []database.VectorMatch
	for rows.Next() {
		var (
			m        database.VectorMatch
			vec      pgvector.Vector
			distance float64
		)
		if err := rows.Scan(&m.ID, &vec, &m.Metadata.ImageKey, &m.Metadata.CreatedAt, &distance); err != nil {
			return nil, fmt.Errorf("scan vector match: %w", err)
		}
		m.Score = 1 - distance
		if includeValues {
			m.Values = vec.Slice()
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector matches: %w", err)
	}
	return matches, nil
}

// Upsert writes all entries in one transaction.
func (r *VectorRepository) Upsert(ctx context.Context, entries []database.VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO face_vectors (id, embedding, image_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			image_key = EXCLUDED.image_key,
			created_at = EXCLUDED.created_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.ID == "" || len(e.Values) == 0 {
			return fmt.Errorf("invalid vector entry %q", e.ID)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, pgvector.NewVector(e.Values), e.Metadata.ImageKey, e.Metadata.CreatedAt); err != nil {
			return fmt.Errorf("upsert vector %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vectors: %w", err)
	}
	return nil
}

func (r *VectorRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, "DELETE FROM face_vectors WHERE id = ANY($1)", pq.Array(ids)); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return nil
}

func (r *VectorRepository) List(ctx context.Context) ([]database.VectorEntry, error) {
	rows, err := r.pool.Query(ctx, "SELECT id, embedding, image_key, created_at FROM face_vectors ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list vectors: %w", err)
	}
	defer rows.Close()

	var out []database.VectorEntry
	for rows.Next() {
		var (
			e   database.VectorEntry
			vec pgvector.Vector
		)
		if err := rows.Scan(&e.ID, &vec, &e.Metadata.ImageKey, &e.Metadata.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		e.Values = vec.Slice()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}
	return out, nil
}

// Count returns the number of stored vectors.
func (r *VectorRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM face_vectors").Scan(&count); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return count, nil
}
