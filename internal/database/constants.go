package database

// Graph parameters shared by the in-process HNSW index and the pgvector index.
const (
	HNSWMaxNeighbors = 16  // M
	HNSWEfSearch     = 100 // candidate list size during search

	// Search over-fetches by this factor because the in-process graph
	// still returns tombstoned ids.
	HNSWSearchMultiplier = 3
)

// EntityIndexName is the default secondary index over (entityType, PK).
const EntityIndexName = "entityType-PK-index"
