package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/face-tagger/internal/database"
	"github.com/kozaktomas/face-tagger/internal/logger"
	"github.com/kozaktomas/face-tagger/internal/metrics"
)

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// CompletedMessage is the message of every batch response.
const CompletedMessage = "Face recognition processing completed"

// MatchDetail describes one face that matched a registered identity.
type MatchDetail struct {
	Person     string   `json:"person"`
	Confidence float64  `json:"confidence"`
	Stage      string   `json:"stage"`
	FaceSize   FaceSize `json:"face_size"`
}

// FaceError records a face that could not be resolved.
type FaceError struct {
	Face      int    `json:"face"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// ImageResult is the outcome of processing one image.
type ImageResult struct {
	ObjectKey          string        `json:"object_key"`
	PersonsFound       []string      `json:"persons_found"`
	NewPersons         []string      `json:"new_persons"`
	MatchingDetails    []MatchDetail `json:"matching_details"`
	PotentialDuplicate []string      `json:"potential_duplicates,omitempty"`
	FacesDetected      int           `json:"faces_detected"`
	EncodingsGenerated int           `json:"encodings_generated"`
	TimeTaken          float64       `json:"time_taken"`
	DetectionTime      float64       `json:"detection_time"`
	EncodingTime       float64       `json:"encoding_time"`
	ProcessedImageType string        `json:"processed_image_type"`
	DetectionModel     string        `json:"detection_model"`
	Status             string        `json:"status"`
	FaceErrors         []FaceError   `json:"face_errors,omitempty"`
	TaggingErrors      []string      `json:"tagging_errors,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// MarshalJSON reduces a failed result to its error fields.
func (r ImageResult) MarshalJSON() ([]byte, error) {
	if r.Status == StatusFailed {
		return json.Marshal(struct {
			ObjectKey string `json:"object_key"`
			Error     string `json:"error"`
			Status    string `json:"status"`
			ErrorType string `json:"error_type"`
		}{r.ObjectKey, r.Error, r.Status, r.ErrorType})
	}
	type plain ImageResult
	return json.Marshal(plain(r))
}

// BatchBody is the body of a batch response.
type BatchBody struct {
	Message       string         `json:"message"`
	InvocationID  string         `json:"invocation_id"`
	Results       []ImageResult  `json:"results"`
	Configuration map[string]any `json:"configuration"`
}

// BatchResult is the envelope returned for a batch.
type BatchResult struct {
	StatusCode int       `json:"statusCode"`
	Body       BatchBody `json:"body"`
}

// Dependencies are the collaborators a Service is built from.
type Dependencies struct {
	Detector Detector
	Index    FaceIndex
	Records  database.RecordWriter
	Images   ImageStore
	Metrics  *metrics.Recorder
	// Preflight checks run before every batch next to the counter check.
	Preflight []func(ctx context.Context) error
}

// Options tune a Service.
type Options struct {
	Stages        []Stage
	TopK          int
	EmbeddingDim  int
	Duplicate     *DuplicateCheck
	SaveFaces     bool
	Concurrency   int
	Configuration map[string]any
}

// Service runs the whole pipeline for images: detect, resolve, register, tag.
type Service struct {
	detector  Detector
	index     FaceIndex
	records   database.RecordWriter
	images    ImageStore
	metrics   *metrics.Recorder
	preflight []func(ctx context.Context) error
	engine    *Engine
	allocator *Allocator
	registrar *Registrar
	tagger    *Tagger
	opts      Options
}

// NewService wires the pipeline. Detector, Index and Records are required.
func NewService(deps Dependencies, opts Options) (*Service, error) {
	if deps.Detector == nil {
		return nil, errors.New("detector is required")
	}
	if deps.Records == nil {
		return nil, errors.New("record store is required")
	}
	engine, err := NewEngine(deps.Index, EngineOptions{
		Stages:    opts.Stages,
		TopK:      opts.TopK,
		Dim:       opts.EmbeddingDim,
		Duplicate: opts.Duplicate,
	})
	if err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	allocator := NewAllocator(deps.Records)
	return &Service{
		detector:  deps.Detector,
		index:     deps.Index,
		records:   deps.Records,
		images:    deps.Images,
		metrics:   deps.Metrics,
		preflight: deps.Preflight,
		engine:    engine,
		allocator: allocator,
		registrar: NewRegistrar(allocator, deps.Index, deps.Records, deps.Images, opts.SaveFaces),
		tagger:    NewTagger(deps.Records),
		opts:      opts,
	}, nil
}

func (s *Service) Engine() *Engine       { return s.engine }
func (s *Service) Allocator() *Allocator { return s.allocator }

// Reconciler returns a sweeper for the service's stores, or nil when the
// face index cannot be listed.
func (s *Service) Reconciler() *Reconciler {
	lister, ok := s.index.(VectorLister)
	if !ok {
		return nil
	}
	return NewReconciler(lister, s.records)
}

// GetPerson returns the identity record for name, or nil if there is none.
func (s *Service) GetPerson(ctx context.Context, name string) (*database.Record, error) {
	if _, ok := database.ParsePersonName(name); !ok {
		return nil, fmt.Errorf("invalid person name %q", name)
	}
	return s.records.GetItem(ctx, database.PersonPK(name), name)
}

// Preflight makes sure the batch can run at all. Its failure fails the
// whole invocation.
func (s *Service) Preflight(ctx context.Context) error {
	created, err := s.allocator.EnsureCounter(ctx)
	if err != nil {
		return err
	}
	if created {
		logger.C(ctx).Info().Msg("allocation counter initialized")
	}
	for _, check := range s.preflight {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBatch runs every job concurrently, bounded by Options.Concurrency.
// Results keep the order of jobs. An error is returned only when the
// pre-flight fails.
func (s *Service) ProcessBatch(ctx context.Context, jobs []Job) (*BatchResult, error) {
	invocationID := uuid.NewString()
	ctx = logger.WithInvocation(ctx, invocationID)
	log := logger.C(ctx)

	if err := s.Preflight(ctx); err != nil {
		log.Error().Err(err).Msg("pre-flight failed")
		s.metrics.Error(ErrorType(err))
		return nil, fmt.Errorf("pre-flight: %w", err)
	}

	log.Info().Int("images", len(jobs)).Int("concurrency", s.opts.Concurrency).Msg("processing batch")

	results := make([]ImageResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = s.ProcessJob(gctx, job)
			return nil
		})
	}
	_ = g.Wait()

	return &BatchResult{
		StatusCode: 200,
		Body: BatchBody{
			Message:       CompletedMessage,
			InvocationID:  invocationID,
			Results:       results,
			Configuration: s.Configuration(),
		},
	}, nil
}

// Configuration is echoed in every batch response.
func (s *Service) Configuration() map[string]any {
	out := map[string]any{
		"stages":                      s.engine.Stages(),
		"top_k":                       s.engine.topK,
		"duplicate_detection_enabled": s.engine.DuplicateCheckEnabled(),
		"save_detected_faces":         s.opts.SaveFaces,
	}
	for k, v := range s.opts.Configuration {
		out[k] = v
	}
	return out
}

// ProcessJob processes one batch entry. A job that failed to decode becomes
// a failed result without touching storage.
func (s *Service) ProcessJob(ctx context.Context, job Job) ImageResult {
	if job.Err != nil {
		return s.failed(ctx, job.Ref, job.Err)
	}
	return s.ProcessImage(ctx, job.Ref)
}

// ProcessImage resolves every face of one stored image. Face failures are
// recorded on the result; image failures produce a failed result.
func (s *Service) ProcessImage(ctx context.Context, ref ImageRef) ImageResult {
	start := time.Now()
	ctx = logger.WithImage(ctx, ref.ObjectKey)
	log := logger.C(ctx)

	if s.images == nil {
		return s.failed(ctx, ref, fmt.Errorf("%w: no image store configured", ErrImageLoad))
	}
	data, err := s.images.Get(ctx, ref.Bucket, ref.ObjectKey)
	if err != nil {
		return s.failed(ctx, ref, fmt.Errorf("%w: %s/%s: %w", ErrImageLoad, ref.Bucket, ref.ObjectKey, err))
	}

	det, err := s.detector.Detect(ctx, data)
	if err != nil {
		if !errors.Is(err, ErrDetection) && !errors.Is(err, ErrImageLoad) {
			err = fmt.Errorf("%w: %w", ErrDetection, err)
		}
		return s.failed(ctx, ref, err)
	}

	res := ImageResult{
		ObjectKey:          ref.ObjectKey,
		PersonsFound:       []string{},
		NewPersons:         []string{},
		MatchingDetails:    []MatchDetail{},
		FacesDetected:      len(det.Faces),
		DetectionTime:      det.DetectionTime.Seconds(),
		EncodingTime:       det.EncodingTime.Seconds(),
		ProcessedImageType: processedImageType(ref),
		DetectionModel:     det.Model,
		Status:             StatusCompleted,
	}
	for i := range det.Faces {
		if len(det.Faces[i].Embedding) > 0 || len(det.Faces[i].Crop) > 0 {
			res.EncodingsGenerated++
		}
	}

	for i := range det.Faces {
		face := &det.Faces[i]
		if err := ctx.Err(); err != nil {
			res.FaceErrors = append(res.FaceErrors, faceError(face.Index, err))
			s.metrics.Error(ErrorType(err))
			break
		}
		if err := s.resolveFace(ctx, face, ref, &res); err != nil {
			log.Error().Err(err).Int("face", face.Index).Msg("face could not be resolved")
			res.FaceErrors = append(res.FaceErrors, faceError(face.Index, err))
			s.metrics.Error(ErrorType(err))
		}
	}

	if ref.ProfilePicture {
		s.linkProfile(ctx, ref, &res)
	} else {
		for _, err := range s.tagger.Record(ctx, ref, res.PersonsFound) {
			res.TaggingErrors = append(res.TaggingErrors, err.Error())
			s.metrics.Error(ErrorType(err))
		}
	}

	if len(res.FaceErrors) > 0 || len(res.TaggingErrors) > 0 {
		res.Status = StatusPartial
	}
	elapsed := time.Since(start)
	res.TimeTaken = elapsed.Seconds()
	s.metrics.Observe("process_image", start)
	s.metrics.ImageProcessed(res.Status)

	log.Info().
		Int("faces_detected", res.FacesDetected).
		Int("encodings_generated", res.EncodingsGenerated).
		Strs("persons_found", res.PersonsFound).
		Strs("new_persons", res.NewPersons).
		Float64("time_taken", res.TimeTaken).
		Str("status", res.Status).
		Msg("image processed")
	return res
}

func (s *Service) resolveFace(ctx context.Context, face *FaceObservation, ref ImageRef, res *ImageResult) error {
	start := time.Now()
	decision, err := s.engine.Resolve(ctx, face)
	s.metrics.Observe("resolve", start)
	if err != nil {
		return err
	}

	if decision.Matched {
		logger.C(ctx).Info().
			Str("person", decision.Person).
			Float64("confidence", decision.Confidence).
			Str("stage", decision.Stage).
			Msg("face matched")
		s.metrics.FaceResolved(decision.Stage)
		res.PersonsFound = append(res.PersonsFound, decision.Person)
		res.MatchingDetails = append(res.MatchingDetails, MatchDetail{
			Person:     decision.Person,
			Confidence: decision.Confidence,
			Stage:      decision.Stage,
			FaceSize:   face.Size(),
		})
		return nil
	}

	if s.engine.DuplicateCheckEnabled() {
		dups, err := s.engine.CheckDuplicates(ctx, face)
		switch {
		case err != nil:
			logger.C(ctx).Warn().Err(err).Int("face", face.Index).Msg("duplicate check failed")
		case len(dups) > 0:
			names := make([]string, len(dups))
			for i, d := range dups {
				names[i] = d.Person
			}
			logger.C(ctx).Warn().Strs("candidates", names).Int("face", face.Index).
				Msg("possible duplicate of an existing identity")
			s.metrics.DuplicateCandidates(len(dups))
			res.PotentialDuplicate = append(res.PotentialDuplicate, names...)
		}
	}

	start = time.Now()
	id, err := s.registrar.Register(ctx, face, ref)
	s.metrics.Observe("register", start)
	if err != nil {
		return err
	}
	s.metrics.FaceResolved(StageNone)
	s.metrics.IdentityRegistered()
	res.PersonsFound = append(res.PersonsFound, id.Name)
	res.NewPersons = append(res.NewPersons, id.Name)
	return nil
}

func (s *Service) linkProfile(ctx context.Context, ref ImageRef, res *ImageResult) {
	if len(res.PersonsFound) == 0 {
		logger.C(ctx).Warn().Msg("no face found in profile picture")
		return
	}
	if ref.UserEmail == "" {
		res.TaggingErrors = append(res.TaggingErrors, fmt.Sprintf("%v: profile picture without user email", ErrTagging))
		return
	}
	if len(res.PersonsFound) > 1 {
		logger.C(ctx).Warn().Int("faces", len(res.PersonsFound)).Msg("several faces in profile picture, linking the first")
	}
	if err := s.tagger.LinkProfile(ctx, ref.UserEmail, res.PersonsFound[0]); err != nil {
		res.TaggingErrors = append(res.TaggingErrors, err.Error())
		s.metrics.Error(ErrorType(err))
	}
}

func (s *Service) failed(ctx context.Context, ref ImageRef, err error) ImageResult {
	logger.C(ctx).Error().Err(err).Str("object_key", ref.ObjectKey).Msg("image processing failed")
	s.metrics.Error(ErrorType(err))
	s.metrics.ImageProcessed(StatusFailed)
	return ImageResult{
		ObjectKey: ref.ObjectKey,
		Status:    StatusFailed,
		Error:     err.Error(),
		ErrorType: ErrorType(err),
	}
}

func faceError(index int, err error) FaceError {
	return FaceError{Face: index, Error: err.Error(), ErrorType: ErrorType(err)}
}

func processedImageType(ref ImageRef) string {
	if ref.Processed {
		return "large"
	}
	return "original"
}
