package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-tagger/internal/database"
)

// RecordRepository is a database.RecordWriter over the records table.
type RecordRepository struct {
	pool *Pool
}

// NewRecordRepository creates a new PostgreSQL record repository.
func NewRecordRepository(pool *Pool) *RecordRepository {
	return &RecordRepository{pool: pool}
}

const recordColumns = `pk, sk, entity_type, display_name, s3_key, images, person_id, counter_limit, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (database.Record, error) {
	var rec database.Record
	var images []byte
	err := row.Scan(&rec.PK, &rec.SK, &rec.EntityType, &rec.DisplayName, &rec.S3Key, &images,
		&rec.PersonID, &rec.Limit, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &rec.Images); err != nil {
			return rec, fmt.Errorf("decode images of %s/%s: %w", rec.PK, rec.SK, err)
		}
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]database.Record, error) {
	defer rows.Close()
	var out []database.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func encodeImages(images map[string]string) (any, error) {
	if images == nil {
		return nil, nil
	}
	b, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("encode images: %w", err)
	}
	return b, nil
}

// GetItem returns nil when the record does not exist.
func (r *RecordRepository) GetItem(ctx context.Context, pk, sk string) (*database.Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE pk = $1 AND sk = $2`, pk, sk)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", pk, sk, err)
	}
	return &rec, nil
}

func (r *RecordRepository) QueryByEntityType(ctx context.Context, entityType, pk string) ([]database.Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records WHERE entity_type = $1 AND pk = $2 ORDER BY sk`, entityType, pk)
	if err != nil {
		return nil, fmt.Errorf("query %s records: %w", entityType, err)
	}
	return scanRecords(rows)
}

func (r *RecordRepository) ListByEntityType(ctx context.Context, entityType string) ([]database.Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records WHERE entity_type = $1 ORDER BY pk, sk`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", entityType, err)
	}
	return scanRecords(rows)
}

// PutItem replaces the whole record.
func (r *RecordRepository) PutItem(ctx context.Context, rec database.Record) error {
	images, err := encodeImages(rec.Images)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pk, sk) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			display_name = EXCLUDED.display_name,
			s3_key = EXCLUDED.s3_key,
			images = EXCLUDED.images,
			person_id = EXCLUDED.person_id,
			counter_limit = EXCLUDED.counter_limit,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
	`, rec.PK, rec.SK, rec.EntityType, rec.DisplayName, rec.S3Key, images,
		rec.PersonID, rec.Limit, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", rec.PK, rec.SK, err)
	}
	return nil
}

// CreateItem inserts rec unless a record with the same key exists.
func (r *RecordRepository) CreateItem(ctx context.Context, rec database.Record) (bool, error) {
	images, err := encodeImages(rec.Images)
	if err != nil {
		return false, err
	}
	res, err := r.pool.Exec(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pk, sk) DO NOTHING
	`, rec.PK, rec.SK, rec.EntityType, rec.DisplayName, rec.S3Key, images,
		rec.PersonID, rec.Limit, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("create record %s/%s: %w", rec.PK, rec.SK, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create record %s/%s: %w", rec.PK, rec.SK, err)
	}
	return n == 1, nil
}

// IncrementCounter is a single upsert; the row lock taken by ON CONFLICT
// serializes concurrent callers.
func (r *RecordRepository) IncrementCounter(ctx context.Context, pk, sk, entityType string) (int64, error) {
	var limit int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO records (pk, sk, entity_type, counter_limit)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (pk, sk) DO UPDATE SET counter_limit = records.counter_limit + 1
		RETURNING counter_limit
	`, pk, sk, entityType).Scan(&limit)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", pk, err)
	}
	return limit, nil
}

func (r *RecordRepository) LinkUserPerson(ctx context.Context, email, personID string, updatedAt int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO records (pk, sk, entity_type, person_id, updated_at)
		VALUES ($1, $1, $2, $3, $4)
		ON CONFLICT (pk, sk) DO UPDATE SET person_id = EXCLUDED.person_id, updated_at = EXCLUDED.updated_at
	`, email, database.EntityUser, personID, updatedAt)
	if err != nil {
		return fmt.Errorf("link user %s: %w", email, err)
	}
	return nil
}
