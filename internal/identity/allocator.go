package identity

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-tagger/internal/database"
)

// Allocator hands out identity IDs from the shared counter record.
type Allocator struct {
	store database.RecordWriter
}

func NewAllocator(store database.RecordWriter) *Allocator {
	return &Allocator{store: store}
}

// NextID performs a single atomic increment and returns the new value.
// An ID that is never used afterwards is simply burned.
func (a *Allocator) NextID(ctx context.Context) (int64, error) {
	id, err := a.store.IncrementCounter(ctx, database.CounterKey, database.CounterKey, database.EntityCounter)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: counter returned %d", ErrAllocation, id)
	}
	return id, nil
}

// EnsureCounter creates the counter record if it does not exist. It never
// resets an existing counter.
func (a *Allocator) EnsureCounter(ctx context.Context) (bool, error) {
	created, err := a.store.CreateItem(ctx, database.CounterRecord())
	if err != nil {
		return false, fmt.Errorf("ensuring allocation counter: %w", err)
	}
	return created, nil
}

// Current returns the last issued ID, zero if none.
func (a *Allocator) Current(ctx context.Context) (int64, error) {
	rec, err := a.store.GetItem(ctx, database.CounterKey, database.CounterKey)
	if err != nil {
		return 0, fmt.Errorf("reading allocation counter: %w", err)
	}
	if rec == nil {
		return 0, nil
	}
	return rec.Limit, nil
}
