package identity

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/kozaktomas/face-tagger/internal/config"
	"github.com/kozaktomas/face-tagger/internal/database"
	"github.com/kozaktomas/face-tagger/internal/database/mock"
)

var query = []float32{1, 0, 0, 0}

// at returns a vector at Euclidean distance d from query.
func at(d float32) []float32 {
	return []float32{1, d, 0, 0}
}

func defaultStages() []Stage {
	return StagesFromConfig(config.MatchingConfig{
		MultiStage: true,
		Strict:     config.StageConfig{SimilarityThreshold: 0.85, Tolerance: 0.4},
		Relaxed:    config.StageConfig{SimilarityThreshold: 0.75, Tolerance: 0.6},
	})
}

func engineWith(t *testing.T, matches []database.VectorMatch) (*Engine, *mock.MockVectorIndex) {
	t.Helper()
	idx := mock.NewMockVectorIndex()
	idx.QueryHook = func(call int, vector []float32, topK int) ([]database.VectorMatch, error) {
		return matches, nil
	}
	e, err := NewEngine(NewVectorFaceIndex(idx), EngineOptions{Stages: defaultStages(), Dim: 4})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e, idx
}

func TestEngine_Resolve(t *testing.T) {
	tests := []struct {
		name       string
		candidates []database.VectorMatch
		wantPerson string
		wantStage  string
	}{
		{
			name:       "no candidates",
			candidates: nil,
			wantStage:  StageNone,
		},
		{
			name:       "strict match",
			candidates: []database.VectorMatch{{ID: "person1", Score: 0.9, Values: at(0.1)}},
			wantPerson: "person1",
			wantStage:  StageStrict,
		},
		{
			name:       "score at threshold does not pass",
			candidates: []database.VectorMatch{{ID: "person1", Score: 0.75, Values: at(0)}},
			wantStage:  StageNone,
		},
		{
			name:       "high score but too far for strict",
			candidates: []database.VectorMatch{{ID: "person1", Score: 0.95, Values: at(0.5)}},
			wantPerson: "person1",
			wantStage:  StageRelaxed,
		},
		{
			name:       "relaxed only",
			candidates: []database.VectorMatch{{ID: "person4", Score: 0.8, Values: at(0.5)}},
			wantPerson: "person4",
			wantStage:  StageRelaxed,
		},
		{
			name:       "too far for every stage",
			candidates: []database.VectorMatch{{ID: "person1", Score: 0.99, Values: at(0.75)}},
			wantStage:  StageNone,
		},
		{
			name:       "candidate without values cannot be confirmed",
			candidates: []database.VectorMatch{{ID: "person1", Score: 0.99}},
			wantStage:  StageNone,
		},
		{
			name: "strict candidate later in the list beats relaxed candidate earlier",
			candidates: []database.VectorMatch{
				{ID: "person7", Score: 0.8, Values: at(0.5)},
				{ID: "person3", Score: 0.9, Values: at(0.2)},
			},
			wantPerson: "person3",
			wantStage:  StageStrict,
		},
		{
			name: "strict score too far for both stages falls through to relaxed candidate",
			candidates: []database.VectorMatch{
				{ID: "person1", Score: 0.95, Values: at(0.7)},
				{ID: "person2", Score: 0.8, Values: at(0.5)},
			},
			wantPerson: "person2",
			wantStage:  StageRelaxed,
		},
		{
			name: "earlier candidate within relaxed tolerance wins the relaxed stage",
			candidates: []database.VectorMatch{
				{ID: "person1", Score: 0.95, Values: at(0.5)},
				{ID: "person2", Score: 0.8, Values: at(0.55)},
			},
			wantPerson: "person1",
			wantStage:  StageRelaxed,
		},
		{
			name: "first qualifying candidate wins over a better one",
			candidates: []database.VectorMatch{
				{ID: "person2", Score: 0.86, Values: at(0.3)},
				{ID: "person1", Score: 0.99, Values: at(0)},
			},
			wantPerson: "person2",
			wantStage:  StageStrict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, idx := engineWith(t, tt.candidates)

			got, err := e.Resolve(context.Background(), &FaceObservation{Embedding: query})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got.Stage != tt.wantStage {
				t.Errorf("Stage = %q, want %q", got.Stage, tt.wantStage)
			}
			if got.Person != tt.wantPerson {
				t.Errorf("Person = %q, want %q", got.Person, tt.wantPerson)
			}
			if got.Matched != (tt.wantPerson != "") {
				t.Errorf("Matched = %v", got.Matched)
			}
			if idx.QueryCount() != 1 {
				t.Errorf("index queried %d times, want 1", idx.QueryCount())
			}
		})
	}
}

func TestEngine_ResolveDecisionFields(t *testing.T) {
	e, _ := engineWith(t, []database.VectorMatch{{ID: "person42", Score: 0.91, Values: at(0.25)}})

	got, err := e.Resolve(context.Background(), &FaceObservation{Embedding: query})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.IdentityID != 42 {
		t.Errorf("IdentityID = %d, want 42", got.IdentityID)
	}
	if got.Confidence != 0.91 {
		t.Errorf("Confidence = %f, want 0.91", got.Confidence)
	}
	if math.Abs(got.Distance-0.25) > 1e-6 {
		t.Errorf("Distance = %f, want 0.25", got.Distance)
	}
}

func TestEngine_SingleStage(t *testing.T) {
	stages := StagesFromConfig(config.MatchingConfig{
		MultiStage: false,
		Strict:     config.StageConfig{SimilarityThreshold: 0.85, Tolerance: 0.4},
		Relaxed:    config.StageConfig{SimilarityThreshold: 0.75, Tolerance: 0.6},
	})
	if len(stages) != 1 || stages[0].Label != StageSingle {
		t.Fatalf("stages = %+v, want one single stage", stages)
	}

	idx := mock.NewMockVectorIndex()
	idx.QueryHook = func(int, []float32, int) ([]database.VectorMatch, error) {
		return []database.VectorMatch{{ID: "person1", Score: 0.8, Values: at(0.5)}}, nil
	}
	e, err := NewEngine(NewVectorFaceIndex(idx), EngineOptions{Stages: stages, Dim: 4})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	got, err := e.Resolve(context.Background(), &FaceObservation{Embedding: query})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Matched {
		t.Errorf("relaxed-only candidate matched with a single stage: %+v", got)
	}
}

func TestEngine_MalformedEmbedding(t *testing.T) {
	tests := []struct {
		name string
		vec  []float32
	}{
		{"empty", nil},
		{"wrong dimension", []float32{1, 0, 0}},
		{"NaN", []float32{1, float32(math.NaN()), 0, 0}},
		{"Inf", []float32{1, 0, float32(math.Inf(-1)), 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, idx := engineWith(t, nil)

			_, err := e.Resolve(context.Background(), &FaceObservation{Embedding: tt.vec})
			if !errors.Is(err, ErrMalformedEmbedding) {
				t.Fatalf("Resolve() error = %v, want ErrMalformedEmbedding", err)
			}
			if idx.QueryCount() != 0 {
				t.Error("index queried for a malformed embedding")
			}
		})
	}
}

func TestEngine_QueryFailure(t *testing.T) {
	idx := mock.NewMockVectorIndex()
	idx.QueryError = errors.New("connection reset")
	e, err := NewEngine(NewVectorFaceIndex(idx), EngineOptions{Stages: defaultStages(), Dim: 4})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	got, err := e.Resolve(context.Background(), &FaceObservation{Embedding: query})
	if !errors.Is(err, ErrMatchEngine) {
		t.Fatalf("Resolve() error = %v, want ErrMatchEngine", err)
	}
	if got.Matched || got.Stage != StageNone {
		t.Errorf("decision = %+v, want no match", got)
	}
}

type cropIndex struct {
	candidates []MatchCandidate
}

func (c *cropIndex) Search(ctx context.Context, face *FaceObservation, topK int) ([]MatchCandidate, error) {
	return c.candidates, nil
}

func (c *cropIndex) Add(ctx context.Context, face *FaceObservation, name string, meta database.VectorMetadata) error {
	return nil
}

func TestEngine_CropMatching(t *testing.T) {
	idx := &cropIndex{candidates: []MatchCandidate{{Person: "person5", Score: 0.97}}}
	e, err := NewEngine(idx, EngineOptions{
		Stages: []Stage{{Label: "rekognition", SimilarityThreshold: 0.9}},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	if _, err := e.Resolve(context.Background(), &FaceObservation{}); !errors.Is(err, ErrMalformedEmbedding) {
		t.Errorf("Resolve() without crop error = %v, want ErrMalformedEmbedding", err)
	}

	got, err := e.Resolve(context.Background(), &FaceObservation{Crop: []byte("jpeg")})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Person != "person5" || got.Stage != "rekognition" {
		t.Errorf("decision = %+v, want person5 via rekognition", got)
	}
}

func TestEngine_CheckDuplicates(t *testing.T) {
	idx := mock.NewMockVectorIndex()
	var gotTopK int
	idx.QueryHook = func(call int, vector []float32, topK int) ([]database.VectorMatch, error) {
		gotTopK = topK
		return []database.VectorMatch{
			{ID: "person1", Score: 0.95, Values: at(0.1)},
			{ID: "person2", Score: 0.95, Values: at(0.5)},
			{ID: "person3", Score: 0.85, Values: at(0)},
			{ID: "person4", Score: 0.92, Values: at(0.2)},
		}, nil
	}
	dup := &DuplicateCheck{Stage: Stage{Label: "duplicate", SimilarityThreshold: 0.9, Tolerance: 0.3, CheckDistance: true}}
	e, err := NewEngine(NewVectorFaceIndex(idx), EngineOptions{Stages: defaultStages(), Dim: 4, Duplicate: dup})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if dup.TopK != 0 {
		t.Error("NewEngine modified the caller's duplicate options")
	}

	got, err := e.CheckDuplicates(context.Background(), &FaceObservation{Embedding: query})
	if err != nil {
		t.Fatalf("CheckDuplicates() error = %v", err)
	}
	if gotTopK != 10 {
		t.Errorf("duplicate query topK = %d, want 10", gotTopK)
	}
	if len(got) != 2 || got[0].Person != "person1" || got[1].Person != "person4" {
		t.Errorf("CheckDuplicates() = %+v, want person1 and person4", got)
	}
}

func TestEngine_CheckDuplicatesDisabled(t *testing.T) {
	e, idx := engineWith(t, nil)
	if e.DuplicateCheckEnabled() {
		t.Fatal("duplicate check enabled without options")
	}
	got, err := e.CheckDuplicates(context.Background(), &FaceObservation{Embedding: query})
	if err != nil || got != nil {
		t.Errorf("CheckDuplicates() = %v, %v", got, err)
	}
	if idx.QueryCount() != 0 {
		t.Error("disabled duplicate check queried the index")
	}
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(nil, EngineOptions{Stages: defaultStages()}); err == nil {
		t.Error("NewEngine(nil index) succeeded")
	}
	if _, err := NewEngine(&cropIndex{}, EngineOptions{}); err == nil {
		t.Error("NewEngine without stages succeeded")
	}
}
