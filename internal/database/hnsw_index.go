package database

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex is an in-process VectorIndex over a coder/hnsw graph.
//
// The graph has no reliable removal, so deleted IDs are dropped from the
// entry map and filtered out of search results; Save compacts the graph
// when anything was deleted.
type HNSWIndex struct {
	graph   *hnsw.Graph[string]
	entries map[string]*VectorEntry
	deleted int
	mu      sync.RWMutex
	path    string // Path to save/load index
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		graph:   newGraph(),
		entries: make(map[string]*VectorEntry),
	}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.Distance = hnsw.CosineDistance
	return g
}

// Query returns the topK nearest entries by cosine similarity.
func (h *HNSWIndex) Query(ctx context.Context, vector []float32, topK int, includeValues bool) ([]VectorMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.entries) == 0 {
		return nil, nil
	}
	if dims := h.graph.Dims(); dims != 0 && dims != len(vector) {
		return nil, fmt.Errorf("query has %d dimensions, index has %d", len(vector), dims)
	}

	neighbors := h.graph.Search(vector, topK*HNSWSearchMultiplier)

	matches := make([]VectorMatch, 0, min(topK, len(neighbors)))
	for _, n := range neighbors {
		entry, ok := h.entries[n.Key]
		if !ok {
			continue // deleted
		}
		m := VectorMatch{
			ID:       n.Key,
			Score:    CosineSimilarity(vector, entry.Values),
			Metadata: entry.Metadata,
		}
		if includeValues {
			m.Values = append([]float32(nil), entry.Values...)
		}
		matches = append(matches, m)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Upsert adds entries, replacing existing ones with the same ID.
func (h *HNSWIndex) Upsert(ctx context.Context, entries []VectorEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range entries {
		e := entries[i]
		if e.ID == "" {
			return errors.New("vector entry without ID")
		}
		if len(e.Values) == 0 {
			return fmt.Errorf("vector entry %s has no values", e.ID)
		}
		if dims := h.graph.Dims(); dims != 0 && dims != len(e.Values) {
			return fmt.Errorf("vector entry %s has %d dimensions, index has %d", e.ID, len(e.Values), dims)
		}
		e.Values = append([]float32(nil), e.Values...)
		if _, ok := h.graph.Lookup(e.ID); ok {
			// Graph.Add panics on a key it already holds, live or deleted.
			delete(h.entries, e.ID)
			h.compact()
		}
		h.graph.Add(hnsw.MakeNode(e.ID, e.Values))
		h.entries[e.ID] = &e
	}
	return nil
}

// Delete removes entries from search results.
func (h *HNSWIndex) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range ids {
		if _, ok := h.entries[id]; ok {
			delete(h.entries, id)
			h.deleted++
		}
	}
	return nil
}

// List returns all live entries ordered by ID.
func (h *HNSWIndex) List(ctx context.Context) ([]VectorEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]VectorEntry, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Count returns the number of live entries.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// SetPath sets the path for saving/loading the index.
func (h *HNSWIndex) SetPath(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.path = path
}

// Save persists the graph and its entries to disk. No-op without a path.
func (h *HNSWIndex) Save() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.path == "" {
		return nil // No path set
	}

	if len(h.entries) == 0 {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(h.path)
		_ = os.Remove(h.path + ".entries")
		return nil
	}

	if h.deleted > 0 {
		h.compact()
	}

	f, err := os.Create(h.path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	if err := h.graph.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("exporting HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing HNSW index file: %w", err)
	}

	entries := make([]VectorEntry, 0, len(h.entries))
	for _, e := range h.entries {
		entries = append(entries, *e)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}
	if err := os.WriteFile(h.path+".entries", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write entries file: %w", err)
	}
	return nil
}

// compact rebuilds the graph from live entries. Caller holds the write lock.
func (h *HNSWIndex) compact() {
	g := newGraph()
	for id, e := range h.entries {
		g.Add(hnsw.MakeNode(id, e.Values))
	}
	h.graph = g
	h.deleted = 0
}

// Load restores the index from disk. A missing file leaves the index empty.
func (h *HNSWIndex) Load(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path + ".entries") //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to read entries file: %w", err)
	}
	var entries []VectorEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return fmt.Errorf("failed to decode entries: %w", err)
	}

	saved, err := hnsw.LoadSavedGraph[string](path)
	if err != nil {
		return fmt.Errorf("failed to load HNSW index: %w", err)
	}

	h.graph = saved.Graph
	h.entries = make(map[string]*VectorEntry, len(entries))
	for i := range entries {
		h.entries[entries[i].ID] = &entries[i]
	}
	h.deleted = 0

	// The graph and the entry file are written separately; trust the entries.
	if h.graph.Len() != len(h.entries) {
		h.compact()
	}
	return nil
}
