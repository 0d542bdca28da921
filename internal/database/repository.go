package database

import (
	"context"
)

// RecordReader provides read-only access to the metadata store
type RecordReader interface {
	// GetItem fetches a record by its primary key, returns nil if not found
	GetItem(ctx context.Context, pk, sk string) (*Record, error)
	// QueryByEntityType queries the entityType+PK secondary index
	QueryByEntityType(ctx context.Context, entityType, pk string) ([]Record, error)
	// ListByEntityType returns every record of one entity type
	ListByEntityType(ctx context.Context, entityType string) ([]Record, error)
}

// RecordWriter provides write access to the metadata store
type RecordWriter interface {
	RecordReader

	// PutItem writes a record, replacing any record with the same key
	PutItem(ctx context.Context, rec Record) error

	// CreateItem writes a record only if no record with the same key exists.
	// Returns false when the record was already present.
	CreateItem(ctx context.Context, rec Record) (bool, error)

	// IncrementCounter atomically performs limit = if_not_exists(limit, 0) + 1
	// on the record (pk, sk) and returns the new value. It must never be
	// implemented as read-then-write.
	IncrementCounter(ctx context.Context, pk, sk, entityType string) (int64, error)

	// LinkUserPerson sets personId and updatedAt on the user record keyed by
	// email, creating it if needed.
	LinkUserPerson(ctx context.Context, email, personID string, updatedAt int64) error
}

// VectorIndex is a nearest-neighbor store keyed by identity name
type VectorIndex interface {
	// Query returns up to topK matches ordered by descending score
	Query(ctx context.Context, vector []float32, topK int, includeValues bool) ([]VectorMatch, error)
	// Upsert inserts or replaces vectors by ID
	Upsert(ctx context.Context, entries []VectorEntry) error
	// Delete removes vectors by ID; unknown IDs are ignored
	Delete(ctx context.Context, ids []string) error
	// List returns every stored entry, used by reconciliation
	List(ctx context.Context) ([]VectorEntry, error)
}
