// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/face-tagger/internal/database"
)

// MockRecordStore is an in-memory database.RecordWriter
type MockRecordStore struct {
	mu      sync.RWMutex
	records map[string]database.Record

	// Error injection
	GetError       error
	PutError       error
	CreateError    error
	IncrementError error
	QueryError     error
	ListError      error
	LinkError      error

	// PutHook, when set, runs before every PutItem and can fail selected writes.
	PutHook func(rec database.Record) error

	puts atomic.Int64
}

// NewMockRecordStore creates an empty record store
func NewMockRecordStore() *MockRecordStore {
	return &MockRecordStore{records: make(map[string]database.Record)}
}

func recordKey(pk, sk string) string {
	return pk + "\x00" + sk
}

// AddRecord seeds a record without going through error injection
func (m *MockRecordStore) AddRecord(rec database.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[recordKey(rec.PK, rec.SK)] = rec
}

// Records returns a snapshot of all records sorted by PK, SK
func (m *MockRecordStore) Records() []database.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PK != out[j].PK {
			return out[i].PK < out[j].PK
		}
		return out[i].SK < out[j].SK
	})
	return out
}

// PutCount returns how many PutItem calls succeeded
func (m *MockRecordStore) PutCount() int {
	return int(m.puts.Load())
}

// GetItem retrieves a record by key
func (m *MockRecordStore) GetItem(ctx context.Context, pk, sk string) (*database.Record, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey(pk, sk)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// QueryByEntityType emulates the entityType-PK secondary index
func (m *MockRecordStore) QueryByEntityType(ctx context.Context, entityType, pk string) ([]database.Record, error) {
	if m.QueryError != nil {
		return nil, m.QueryError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Record
	for _, r := range m.records {
		if r.EntityType == entityType && r.PK == pk {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SK < out[j].SK })
	return out, nil
}

// ListByEntityType returns all records of one type
func (m *MockRecordStore) ListByEntityType(ctx context.Context, entityType string) ([]database.Record, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Record
	for _, r := range m.records {
		if r.EntityType == entityType {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PK < out[j].PK })
	return out, nil
}

// PutItem stores a record
func (m *MockRecordStore) PutItem(ctx context.Context, rec database.Record) error {
	if m.PutError != nil {
		return m.PutError
	}
	if m.PutHook != nil {
		if err := m.PutHook(rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[recordKey(rec.PK, rec.SK)] = rec
	m.puts.Add(1)
	return nil
}

// CreateItem stores a record only if absent
func (m *MockRecordStore) CreateItem(ctx context.Context, rec database.Record) (bool, error) {
	if m.CreateError != nil {
		return false, m.CreateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey(rec.PK, rec.SK)
	if _, ok := m.records[k]; ok {
		return false, nil
	}
	m.records[k] = rec
	return true, nil
}

// IncrementCounter atomically bumps limit under the store lock
func (m *MockRecordStore) IncrementCounter(ctx context.Context, pk, sk, entityType string) (int64, error) {
	if m.IncrementError != nil {
		return 0, m.IncrementError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey(pk, sk)
	rec, ok := m.records[k]
	if !ok {
		rec = database.Record{PK: pk, SK: sk, EntityType: entityType}
	}
	rec.Limit++
	m.records[k] = rec
	return rec.Limit, nil
}

// LinkUserPerson updates or creates a user record
func (m *MockRecordStore) LinkUserPerson(ctx context.Context, email, personID string, updatedAt int64) error {
	if m.LinkError != nil {
		return m.LinkError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey(email, email)
	rec, ok := m.records[k]
	if !ok {
		rec = database.Record{PK: email, SK: email, EntityType: database.EntityUser}
	}
	rec.PersonID = personID
	rec.UpdatedAt = updatedAt
	m.records[k] = rec
	return nil
}

// MockVectorIndex is a brute-force database.VectorIndex
type MockVectorIndex struct {
	mu      sync.RWMutex
	entries map[string]database.VectorEntry
	order   []string

	// Error injection
	QueryError  error
	UpsertError error
	DeleteError error
	ListError   error

	// QueryHook, when set, replaces the brute-force search. call is 1-based.
	QueryHook func(call int, vector []float32, topK int) ([]database.VectorMatch, error)

	queries atomic.Int64
	upserts atomic.Int64
}

// NewMockVectorIndex creates an empty index
func NewMockVectorIndex() *MockVectorIndex {
	return &MockVectorIndex{entries: make(map[string]database.VectorEntry)}
}

// QueryCount returns the number of Query calls
func (m *MockVectorIndex) QueryCount() int {
	return int(m.queries.Load())
}

// UpsertCount returns the number of successful Upsert calls
func (m *MockVectorIndex) UpsertCount() int {
	return int(m.upserts.Load())
}

// Query scores every entry with cosine similarity
func (m *MockVectorIndex) Query(ctx context.Context, vector []float32, topK int, includeValues bool) ([]database.VectorMatch, error) {
	call := int(m.queries.Add(1))
	if m.QueryError != nil {
		return nil, m.QueryError
	}
	if m.QueryHook != nil {
		return m.QueryHook(call, vector, topK)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]database.VectorMatch, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		vm := database.VectorMatch{
			ID:       id,
			Score:    database.CosineSimilarity(vector, e.Values),
			Metadata: e.Metadata,
		}
		if includeValues {
			vm.Values = append([]float32(nil), e.Values...)
		}
		matches = append(matches, vm)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Upsert stores entries
func (m *MockVectorIndex) Upsert(ctx context.Context, entries []database.VectorEntry) error {
	if m.UpsertError != nil {
		return m.UpsertError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.entries[e.ID]; !ok {
			m.order = append(m.order, e.ID)
		}
		e.Values = append([]float32(nil), e.Values...)
		m.entries[e.ID] = e
	}
	m.upserts.Add(1)
	return nil
}

// Delete removes entries
func (m *MockVectorIndex) Delete(ctx context.Context, ids []string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.entries[id]; ok {
			kept = append(kept, id)
		}
	}
	m.order = kept
	return nil
}

// List returns all entries sorted by ID
func (m *MockVectorIndex) List(ctx context.Context) ([]database.VectorEntry, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.VectorEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

// Has reports whether an entry exists
func (m *MockVectorIndex) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}
