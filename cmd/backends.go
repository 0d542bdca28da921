package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsrekognition "github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kozaktomas/face-tagger/internal/config"
	"github.com/kozaktomas/face-tagger/internal/constants"
	"github.com/kozaktomas/face-tagger/internal/database"
	"github.com/kozaktomas/face-tagger/internal/database/dynamo"
	"github.com/kozaktomas/face-tagger/internal/database/mariadb"
	"github.com/kozaktomas/face-tagger/internal/database/postgres"
	"github.com/kozaktomas/face-tagger/internal/embedding"
	"github.com/kozaktomas/face-tagger/internal/facematch"
	"github.com/kozaktomas/face-tagger/internal/identity"
	"github.com/kozaktomas/face-tagger/internal/logger"
	"github.com/kozaktomas/face-tagger/internal/metrics"
	"github.com/kozaktomas/face-tagger/internal/rekognition"
	"github.com/kozaktomas/face-tagger/internal/storage"
)

// app is the fully wired pipeline shared by every command.
type app struct {
	cfg     *config.Config
	service *identity.Service
	metrics *metrics.Recorder
	hnsw    *database.HNSWIndex
	closers []func() error
}

// Close saves the in-process index and releases connections.
func (a *app) Close() {
	log := logger.Named("cmd")
	if a.hnsw != nil {
		if err := a.hnsw.Save(); err != nil {
			log.Warn().Err(err).Msg("failed to save HNSW index")
		} else {
			log.Info().Int("vectors", a.hnsw.Count()).Msg("HNSW index saved")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
}

// backendBuilder opens shared connections at most once.
type backendBuilder struct {
	cfg    *config.Config
	app    *app
	awsCfg *aws.Config
	pgPool *postgres.Pool
}

func (b *backendBuilder) loadAWS(ctx context.Context) (aws.Config, error) {
	if b.awsCfg != nil {
		return *b.awsCfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(b.cfg.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if b.cfg.AWS.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(b.cfg.AWS.Endpoint)
	}
	b.awsCfg = &cfg
	return cfg, nil
}

func (b *backendBuilder) openPostgres(ctx context.Context) (*postgres.Pool, error) {
	if b.pgPool != nil {
		return b.pgPool, nil
	}
	logger.Named("cmd").Info().Msg("connecting to PostgreSQL")
	pool, err := postgres.Open(ctx, &b.cfg.Database)
	if err != nil {
		return nil, err
	}
	b.pgPool = pool
	b.app.closers = append(b.app.closers, pool.Close)
	return pool, nil
}

func (b *backendBuilder) records(ctx context.Context) (database.RecordWriter, error) {
	switch b.cfg.Backend.Metadata {
	case config.MetadataDynamo:
		awsCfg, err := b.loadAWS(ctx)
		if err != nil {
			return nil, err
		}
		return dynamo.NewStore(dynamodb.NewFromConfig(awsCfg), b.cfg.AWS.TableName, b.cfg.AWS.EntityIndex), nil
	case config.MetadataPostgres:
		pool, err := b.openPostgres(ctx)
		if err != nil {
			return nil, err
		}
		return postgres.NewRecordRepository(pool), nil
	case config.MetadataMariaDB:
		pool, err := mariadb.NewPool(b.cfg.MariaDB.DSN)
		if err != nil {
			return nil, err
		}
		b.app.closers = append(b.app.closers, pool.Close)
		if err := pool.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return mariadb.NewRecordRepository(pool), nil
	}
	return nil, fmt.Errorf("unknown metadata backend %q", b.cfg.Backend.Metadata)
}

func (b *backendBuilder) images(ctx context.Context) (identity.ImageStore, error) {
	switch b.cfg.Backend.ImageStore {
	case config.ImageStoreS3:
		awsCfg, err := b.loadAWS(ctx)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = b.cfg.AWS.Endpoint != ""
		})
		return storage.NewS3Store(client, b.cfg.AWS.Bucket), nil
	case config.ImageStoreMinio:
		st := b.cfg.Storage
		client, err := storage.NewMinioClient(st.MinioEndpoint, st.MinioAccessKey, st.MinioSecretKey, st.MinioUseSSL)
		if err != nil {
			return nil, err
		}
		store := storage.NewMinioStore(client, b.cfg.AWS.Bucket)
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.ImageStoreFile:
		return storage.NewFileStore(b.cfg.Storage.LocalDir), nil
	}
	return nil, fmt.Errorf("unknown image store %q", b.cfg.Backend.ImageStore)
}

func (b *backendBuilder) vectorIndex(ctx context.Context) (database.VectorIndex, error) {
	switch b.cfg.Backend.Vector {
	case config.VectorHNSW:
		idx := database.NewHNSWIndex()
		if path := b.cfg.Database.HNSWIndexPath; path != "" {
			if err := idx.Load(path); err != nil {
				return nil, fmt.Errorf("loading HNSW index from %s: %w", path, err)
			}
		}
		logger.Named("cmd").Info().Int("vectors", idx.Count()).Str("path", b.cfg.Database.HNSWIndexPath).Msg("HNSW index ready")
		b.app.hnsw = idx
		return idx, nil
	case config.VectorPgvector:
		pool, err := b.openPostgres(ctx)
		if err != nil {
			return nil, err
		}
		repo := postgres.NewVectorRepository(pool)
		if err := repo.EnsureDimension(ctx, b.cfg.Embedding.Dim); err != nil {
			return nil, err
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unknown vector backend %q", b.cfg.Backend.Vector)
}

func (b *backendBuilder) filter() facematch.FilterOptions {
	d := b.cfg.Detection
	return facematch.FilterOptions{
		MinFaceSize:   d.MinFaceSize,
		SizeFiltering: d.SizeFiltering,
		MaxFaces:      d.MaxFacesPerImage,
		OverlapIoU:    d.OverlapIoU,
	}
}

// snapshotIndex saves a persisted HNSW index every few registrations so a
// crash loses at most that many vectors.
type snapshotIndex struct {
	*identity.VectorFaceIndex
	hnsw  *database.HNSWIndex
	added atomic.Int64
}

func (s *snapshotIndex) Add(ctx context.Context, face *identity.FaceObservation, name string, meta database.VectorMetadata) error {
	if err := s.VectorFaceIndex.Add(ctx, face, name, meta); err != nil {
		return err
	}
	if s.added.Add(1)%constants.HNSWSaveInterval == 0 {
		if err := s.hnsw.Save(); err != nil {
			logger.C(ctx).Warn().Err(err).Msg("HNSW snapshot failed")
		}
	}
	return nil
}

// buildApp wires detector, index, stores and stages from cfg.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a := &app{cfg: cfg, metrics: metrics.New()}
	b := &backendBuilder{cfg: cfg, app: a}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	records, err := b.records(ctx)
	if err != nil {
		return nil, err
	}

	images, err := b.images(ctx)
	if err != nil {
		return nil, err
	}

	deps := identity.Dependencies{Records: records, Images: images, Metrics: a.metrics}
	opts := identity.Options{
		SaveFaces:   cfg.Storage.SaveFaces,
		Concurrency: cfg.Processing.Concurrency,
		Configuration: map[string]any{
			"recognition_backend": cfg.Backend.Recognition,
			"metadata_backend":    cfg.Backend.Metadata,
			"image_store":         cfg.Backend.ImageStore,
		},
	}

	switch cfg.Backend.Recognition {
	case config.RecognitionLocal:
		deps.Detector = embedding.NewClient(embedding.Options{
			BaseURL:      cfg.Embedding.URL,
			Model:        cfg.Embedding.Model,
			MaxImageSize: cfg.Processing.MaxImageSize,
			Padding:      cfg.Detection.Padding,
			Filter:       b.filter(),
		})
		vi, err := b.vectorIndex(ctx)
		if err != nil {
			return nil, err
		}
		index := identity.NewVectorFaceIndex(vi)
		if a.hnsw != nil && cfg.Database.HNSWIndexPath != "" {
			deps.Index = &snapshotIndex{VectorFaceIndex: index, hnsw: a.hnsw}
		} else {
			deps.Index = index
		}
		opts.Stages = identity.StagesFromConfig(cfg.Matching)
		opts.TopK = cfg.Matching.TopK
		opts.EmbeddingDim = cfg.Embedding.Dim
		opts.Configuration["vector_backend"] = cfg.Backend.Vector
		if dup := cfg.Matching.Duplicate; dup.Enabled {
			opts.Duplicate = &identity.DuplicateCheck{
				Stage: identity.Stage{
					Label:               "duplicate",
					SimilarityThreshold: dup.SimilarityThreshold,
					Tolerance:           dup.Tolerance,
					CheckDistance:       true,
				},
				TopK: dup.TopK,
			}
		}

	case config.RecognitionRekognition:
		awsCfg, err := b.loadAWS(ctx)
		if err != nil {
			return nil, err
		}
		rc := cfg.Rekognition
		backend, err := rekognition.New(awsrekognition.NewFromConfig(awsCfg), rekognition.Options{
			CollectionID:       rc.CollectionID,
			FaceMatchThreshold: rc.FaceMatchThreshold,
			QualityFilter:      rc.QualityFilter,
			RequestsPerSecond:  rc.RequestsPerSecond,
			MaxImageSize:       cfg.Processing.MaxImageSize,
			MaxImageBytes:      rc.MaxImageBytes,
			Padding:            cfg.Detection.Padding,
			Filter:             b.filter(),
		})
		if err != nil {
			return nil, err
		}
		deps.Detector = backend
		deps.Index = backend
		deps.Preflight = append(deps.Preflight, backend.EnsureCollection)
		opts.Stages = []identity.Stage{backend.Stage()}
		opts.TopK = rc.MaxFaces
		opts.Configuration["collection_id"] = rc.CollectionID
		opts.Configuration["face_match_threshold"] = rc.FaceMatchThreshold

	default:
		return nil, errors.New("unknown recognition backend " + cfg.Backend.Recognition)
	}

	svc, err := identity.NewService(deps, opts)
	if err != nil {
		return nil, err
	}
	a.service = svc
	ok = true
	return a, nil
}
