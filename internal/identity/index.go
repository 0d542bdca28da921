package identity

import (
	"context"

	"github.com/kozaktomas/face-tagger/internal/database"
)

// VectorFaceIndex matches faces by embedding against a database.VectorIndex.
type VectorFaceIndex struct {
	index database.VectorIndex
}

func NewVectorFaceIndex(index database.VectorIndex) *VectorFaceIndex {
	return &VectorFaceIndex{index: index}
}

func (v *VectorFaceIndex) Search(ctx context.Context, face *FaceObservation, topK int) ([]MatchCandidate, error) {
	matches, err := v.index.Query(ctx, face.Embedding, topK, true)
	if err != nil {
		return nil, err
	}
	out := make([]MatchCandidate, len(matches))
	for i, m := range matches {
		out[i] = MatchCandidate{Person: m.ID, Score: m.Score, Values: m.Values}
	}
	return out, nil
}

func (v *VectorFaceIndex) Add(ctx context.Context, face *FaceObservation, name string, meta database.VectorMetadata) error {
	return v.index.Upsert(ctx, []database.VectorEntry{{
		ID:       name,
		Values:   face.Embedding,
		Metadata: meta,
	}})
}

func (v *VectorFaceIndex) List(ctx context.Context) ([]database.VectorEntry, error) {
	return v.index.List(ctx)
}

func (v *VectorFaceIndex) Delete(ctx context.Context, ids []string) error {
	return v.index.Delete(ctx, ids)
}
