package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-tagger/internal/config"
	"github.com/kozaktomas/face-tagger/internal/database"
)

// Stage is one confidence tier. A candidate passes when its score is strictly
// above SimilarityThreshold and, if CheckDistance is set, its stored vector is
// within Tolerance (Euclidean) of the query.
type Stage struct {
	Label               string  `json:"label"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	Tolerance           float64 `json:"tolerance,omitempty"`
	CheckDistance       bool    `json:"check_distance"`
}

// StagesFromConfig returns strict then relaxed when multi-stage matching is on,
// and a single stage with the strict thresholds otherwise.
func StagesFromConfig(cfg config.MatchingConfig) []Stage {
	if !cfg.MultiStage {
		return []Stage{{
			Label:               StageSingle,
			SimilarityThreshold: cfg.Strict.SimilarityThreshold,
			Tolerance:           cfg.Strict.Tolerance,
			CheckDistance:       true,
		}}
	}
	return []Stage{
		{
			Label:               StageStrict,
			SimilarityThreshold: cfg.Strict.SimilarityThreshold,
			Tolerance:           cfg.Strict.Tolerance,
			CheckDistance:       true,
		},
		{
			Label:               StageRelaxed,
			SimilarityThreshold: cfg.Relaxed.SimilarityThreshold,
			Tolerance:           cfg.Relaxed.Tolerance,
			CheckDistance:       true,
		},
	}
}

// DuplicateCheck configures the advisory near-duplicate query.
type DuplicateCheck struct {
	Stage Stage
	TopK  int
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Stages []Stage
	TopK   int
	// Dim is the required embedding length. Zero means faces are matched by
	// crop and carry no embedding.
	Dim       int
	Duplicate *DuplicateCheck
}

// Engine decides whether a face belongs to an already registered identity.
type Engine struct {
	index     FaceIndex
	stages    []Stage
	topK      int
	dim       int
	duplicate *DuplicateCheck
}

// NewEngine validates the options and builds an Engine.
func NewEngine(index FaceIndex, opts EngineOptions) (*Engine, error) {
	if index == nil {
		return nil, errors.New("face index is required")
	}
	if len(opts.Stages) == 0 {
		return nil, errors.New("at least one match stage is required")
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	var dup *DuplicateCheck
	if opts.Duplicate != nil {
		d := *opts.Duplicate
		if d.TopK <= 0 {
			d.TopK = 10
		}
		dup = &d
	}
	return &Engine{
		index:     index,
		stages:    append([]Stage(nil), opts.Stages...),
		topK:      opts.TopK,
		dim:       opts.Dim,
		duplicate: dup,
	}, nil
}

// Stages returns the configured stages in evaluation order.
func (e *Engine) Stages() []Stage {
	return append([]Stage(nil), e.stages...)
}

func (e *Engine) validate(face *FaceObservation) error {
	if face == nil {
		return fmt.Errorf("%w: nil face", ErrMalformedEmbedding)
	}
	if e.dim == 0 {
		if len(face.Crop) == 0 {
			return fmt.Errorf("%w: face %d has no crop to match", ErrMalformedEmbedding, face.Index)
		}
		return nil
	}
	return ValidateEmbedding(face.Embedding, e.dim)
}

// Resolve queries the index once and walks the stages in order, testing the
// candidates of each stage in the order the index returned them. The first
// candidate to pass wins.
//
// A matched person may not have a PERSON record yet: a registration that
// failed after indexing leaves its vector matchable until Reconciler writes
// the record.
func (e *Engine) Resolve(ctx context.Context, face *FaceObservation) (MatchDecision, error) {
	none := MatchDecision{Stage: StageNone}

	if err := e.validate(face); err != nil {
		return none, err
	}

	candidates, err := e.index.Search(ctx, face, e.topK)
	if err != nil {
		return none, fmt.Errorf("%w: %w", ErrMatchEngine, err)
	}

	for _, stage := range e.stages {
		for _, c := range candidates {
			dist, ok := passes(stage, face, c)
			if !ok {
				continue
			}
			id, _ := database.ParsePersonName(c.Person)
			return MatchDecision{
				Matched:    true,
				IdentityID: id,
				Person:     c.Person,
				Confidence: c.Score,
				Distance:   dist,
				Stage:      stage.Label,
			}, nil
		}
	}
	return none, nil
}

func passes(stage Stage, face *FaceObservation, c MatchCandidate) (float64, bool) {
	if c.Person == "" || c.Score <= stage.SimilarityThreshold {
		return 0, false
	}
	if !stage.CheckDistance {
		return 0, true
	}
	// A candidate without stored values cannot be confirmed.
	if len(c.Values) == 0 || len(c.Values) != len(face.Embedding) {
		return 0, false
	}
	dist := EuclideanDistance(face.Embedding, c.Values)
	return dist, dist <= stage.Tolerance
}

// DuplicateCheckEnabled reports whether CheckDuplicates does anything.
func (e *Engine) DuplicateCheckEnabled() bool {
	return e.duplicate != nil
}

// CheckDuplicates lists registered identities that look like near-duplicates
// of face. The result is advisory and never changes a registration.
func (e *Engine) CheckDuplicates(ctx context.Context, face *FaceObservation) ([]MatchCandidate, error) {
	if e.duplicate == nil {
		return nil, nil
	}
	candidates, err := e.index.Search(ctx, face, e.duplicate.TopK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMatchEngine, err)
	}
	var dups []MatchCandidate
	for _, c := range candidates {
		if _, ok := passes(e.duplicate.Stage, face, c); ok {
			dups = append(dups, c)
		}
	}
	return dups, nil
}
