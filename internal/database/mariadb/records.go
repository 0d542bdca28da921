package mariadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-tagger/internal/database"
)

// RecordRepository is a database.RecordWriter over a MariaDB records table.
type RecordRepository struct {
	pool *Pool
}

func NewRecordRepository(pool *Pool) *RecordRepository {
	return &RecordRepository{pool: pool}
}

const recordColumns = `pk, sk, entity_type, display_name, s3_key, images, person_id, counter_limit, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (database.Record, error) {
	var rec database.Record
	var images sql.NullString
	err := row.Scan(&rec.PK, &rec.SK, &rec.EntityType, &rec.DisplayName, &rec.S3Key, &images,
		&rec.PersonID, &rec.Limit, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &rec.Images); err != nil {
			return rec, fmt.Errorf("decode images of %s/%s: %w", rec.PK, rec.SK, err)
		}
	}
	return rec, nil
}

func (r *RecordRepository) list(ctx context.Context, query string, args ...any) ([]database.Record, error) {
	rows, err := r.pool.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
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
	return string(b), nil
}

func (r *RecordRepository) GetItem(ctx context.Context, pk, sk string) (*database.Record, error) {
	row := r.pool.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE pk = ? AND sk = ?`, pk, sk)
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
	out, err := r.list(ctx, `SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND pk = ? ORDER BY sk`, entityType, pk)
	if err != nil {
		return nil, fmt.Errorf("query %s records: %w", entityType, err)
	}
	return out, nil
}

func (r *RecordRepository) ListByEntityType(ctx context.Context, entityType string) ([]database.Record, error) {
	out, err := r.list(ctx, `SELECT `+recordColumns+` FROM records WHERE entity_type = ? ORDER BY pk, sk`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", entityType, err)
	}
	return out, nil
}

func (r *RecordRepository) PutItem(ctx context.Context, rec database.Record) error {
	images, err := encodeImages(rec.Images)
	if err != nil {
		return err
	}
	_, err = r.pool.db.ExecContext(ctx, `
		REPLACE INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.PK, rec.SK, rec.EntityType, rec.DisplayName, rec.S3Key, images,
		rec.PersonID, rec.Limit, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", rec.PK, rec.SK, err)
	}
	return nil
}

func (r *RecordRepository) CreateItem(ctx context.Context, rec database.Record) (bool, error) {
	images, err := encodeImages(rec.Images)
	if err != nil {
		return false, err
	}
	res, err := r.pool.db.ExecContext(ctx, `
		INSERT IGNORE INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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

// IncrementCounter relies on LAST_INSERT_ID(expr): the new value comes back
// in the statement's OK packet, so no second read is needed.
func (r *RecordRepository) IncrementCounter(ctx context.Context, pk, sk, entityType string) (int64, error) {
	res, err := r.pool.db.ExecContext(ctx, `
		INSERT INTO records (pk, sk, entity_type, counter_limit)
		VALUES (?, ?, ?, LAST_INSERT_ID(1))
		ON DUPLICATE KEY UPDATE counter_limit = LAST_INSERT_ID(counter_limit + 1)
	`, pk, sk, entityType)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", pk, err)
	}
	limit, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", pk, err)
	}
	return limit, nil
}

func (r *RecordRepository) LinkUserPerson(ctx context.Context, email, personID string, updatedAt int64) error {
	_, err := r.pool.db.ExecContext(ctx, `
		INSERT INTO records (pk, sk, entity_type, person_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE person_id = VALUES(person_id), updated_at = VALUES(updated_at)
	`, email, email, database.EntityUser, personID, updatedAt)
	if err != nil {
		return fmt.Errorf("link user %s: %w", email, err)
	}
	return nil
}
