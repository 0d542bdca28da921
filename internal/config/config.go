package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/face-tagger/internal/constants"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Backend identifiers.
const (
	RecognitionLocal       = "local"
	RecognitionRekognition = "rekognition"

	VectorHNSW     = "hnsw"
	VectorPgvector = "pgvector"

	MetadataDynamo   = "dynamodb"
	MetadataPostgres = "postgres"
	MetadataMariaDB  = "mariadb"

	ImageStoreS3    = "s3"
	ImageStoreMinio = "minio"
	ImageStoreFile  = "file"
)

type Config struct {
	Matching    MatchingConfig    `yaml:"matching"`
	Detection   DetectionConfig   `yaml:"detection"`
	Rekognition RekognitionConfig `yaml:"rekognition"`
	Backend     BackendConfig     `yaml:"-"`
	Embedding   EmbeddingConfig   `yaml:"-"`
	AWS         AWSConfig         `yaml:"-"`
	Database    DatabaseConfig    `yaml:"-"`
	MariaDB     MariaDBConfig     `yaml:"-"`
	Storage     StorageConfig     `yaml:"-"`
	MQTT        MQTTConfig        `yaml:"-"`
	Processing  ProcessingConfig  `yaml:"-"`
}

// MatchingConfig drives the staged identity matcher.
type MatchingConfig struct {
	TopK       int             `yaml:"top_k"`
	MultiStage bool            `yaml:"multi_stage"`
	Strict     StageConfig     `yaml:"strict"`
	Relaxed    StageConfig     `yaml:"relaxed"`
	Duplicate  DuplicateConfig `yaml:"duplicate"`
}

type StageConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	Tolerance           float64 `yaml:"tolerance"`
}

type DuplicateConfig struct {
	Enabled             bool    `yaml:"enabled"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	Tolerance           float64 `yaml:"tolerance"`
	TopK                int     `yaml:"top_k"`
}

type DetectionConfig struct {
	MinFaceSize      int     `yaml:"min_face_size"`
	SizeFiltering    bool    `yaml:"size_filtering"`
	MaxFacesPerImage int     `yaml:"max_faces_per_image"`
	Padding          int     `yaml:"padding"`
	OverlapIoU       float64 `yaml:"overlap_iou"` // detections overlapping more than this are merged
}

type RekognitionConfig struct {
	CollectionID       string  `yaml:"-"`
	FaceMatchThreshold float64 `yaml:"face_match_threshold"` // percent, 0-100
	MaxFaces           int     `yaml:"max_faces"`
	QualityFilter      string  `yaml:"quality_filter"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	MaxImageBytes      int     `yaml:"max_image_bytes"`
}

type BackendConfig struct {
	Recognition string // local | rekognition
	Vector      string // hnsw | pgvector
	Metadata    string // dynamodb | postgres | mariadb
	ImageStore  string // s3 | minio | file
}

type EmbeddingConfig struct {
	URL   string // defaults to http://localhost:8000
	Dim   int    // defaults to 128
	Model string // reported as detection_model in results
}

type AWSConfig struct {
	Region      string
	Endpoint    string // optional override for localstack and friends
	TableName   string
	EntityIndex string // secondary index keyed by entityType + PK
	Bucket      string // default bucket when an event omits one
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist the in-process face index (optional)
}

type MariaDBConfig struct {
	DSN string // e.g. tagger:tagger@tcp(mariadb:3306)/tagger
}

type StorageConfig struct {
	SaveFaces      bool
	LocalDir       string // root of the file image store; buckets are subdirectories
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
}

type MQTTConfig struct {
	Broker        string
	RequestTopic  string
	ResponseTopic string
	QoS           int
}

type ProcessingConfig struct {
	Concurrency  int // images processed in parallel within one batch
	MaxImageSize int // longest edge after downscaling, in pixels
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a non-negative float from the environment.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envBool accepts the usual strconv spellings; anything else keeps the default.
func envBool(key string, defaultVal bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	m := &cfg.Matching
	m.TopK = envInt("MATCH_TOP_K", m.TopK)
	m.MultiStage = envBool("ENABLE_MULTI_STAGE_MATCHING", m.MultiStage)
	m.Strict.SimilarityThreshold = envFloat("MATCH_SIMILARITY_THRESHOLD", m.Strict.SimilarityThreshold)
	m.Strict.Tolerance = envFloat("FACE_RECOGNITION_TOLERANCE", m.Strict.Tolerance)
	m.Relaxed.SimilarityThreshold = envFloat("RELAXED_SIMILARITY_THRESHOLD", m.Relaxed.SimilarityThreshold)
	m.Relaxed.Tolerance = envFloat("RELAXED_TOLERANCE", m.Relaxed.Tolerance)
	m.Duplicate.Enabled = envBool("ENABLE_DUPLICATE_DETECTION", m.Duplicate.Enabled)
	m.Duplicate.SimilarityThreshold = envFloat("DUPLICATE_SIMILARITY_THRESHOLD", m.Duplicate.SimilarityThreshold)
	m.Duplicate.Tolerance = envFloat("DUPLICATE_TOLERANCE", m.Duplicate.Tolerance)
	m.Duplicate.TopK = envInt("DUPLICATE_TOP_K", m.Duplicate.TopK)

	d := &cfg.Detection
	d.MinFaceSize = envInt("MIN_FACE_SIZE", d.MinFaceSize)
	d.SizeFiltering = envBool("ENABLE_SIZE_FILTERING", d.SizeFiltering)
	d.MaxFacesPerImage = envInt("MAX_FACES_PER_IMAGE", d.MaxFacesPerImage)
	d.Padding = envInt("FACE_PADDING", d.Padding)
	d.OverlapIoU = envFloat("FACE_OVERLAP_IOU", d.OverlapIoU)

	r := &cfg.Rekognition
	r.CollectionID = envString("REKOGNITION_COLLECTION_ID", "face-tagger")
	r.FaceMatchThreshold = envFloat("REKOGNITION_FACE_MATCH_THRESHOLD", r.FaceMatchThreshold)
	r.MaxFaces = envInt("REKOGNITION_MAX_FACES", r.MaxFaces)
	r.QualityFilter = envString("REKOGNITION_QUALITY_FILTER", r.QualityFilter)
	r.RequestsPerSecond = envFloat("REKOGNITION_RPS", r.RequestsPerSecond)
	r.MaxImageBytes = envInt("REKOGNITION_MAX_IMAGE_BYTES", r.MaxImageBytes)

	cfg.Backend = BackendConfig{
		Recognition: strings.ToLower(envString("RECOGNITION_BACKEND", RecognitionLocal)),
		Vector:      strings.ToLower(envString("VECTOR_BACKEND", VectorHNSW)),
		Metadata:    strings.ToLower(envString("METADATA_BACKEND", MetadataDynamo)),
		ImageStore:  strings.ToLower(envString("IMAGE_STORE", ImageStoreS3)),
	}
	cfg.Embedding = EmbeddingConfig{
		URL:   os.Getenv("EMBEDDING_URL"),
		Dim:   envInt("EMBEDDING_DIM", 128),
		Model: envString("DETECTION_MODEL", "hog"),
	}
	cfg.AWS = AWSConfig{
		Region:      envString("AWS_REGION", "us-east-1"),
		Endpoint:    os.Getenv("AWS_ENDPOINT_URL"),
		TableName:   envString("DYNAMODB_TABLE_NAME", "face-tagger"),
		EntityIndex: envString("DYNAMODB_ENTITY_INDEX", "entityType-PK-index"),
		Bucket:      os.Getenv("S3_BUCKET"),
	}
	cfg.Database = DatabaseConfig{
		URL:           os.Getenv("DATABASE_URL"),
		MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
		HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
	}
	cfg.MariaDB = MariaDBConfig{
		DSN: os.Getenv("MARIADB_DSN"),
	}
	cfg.Storage = StorageConfig{
		SaveFaces:      envBool("SAVE_DETECTED_FACES", true),
		LocalDir:       envString("IMAGE_DIR", "."),
		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioUseSSL:    envBool("MINIO_USE_SSL", false),
	}
	cfg.MQTT = MQTTConfig{
		Broker:        envString("MQTT_BROKER", "tcp://localhost:1883"),
		RequestTopic:  envString("MQTT_REQUEST_TOPIC", "face-tagger/events"),
		ResponseTopic: envString("MQTT_RESPONSE_TOPIC", "face-tagger/results"),
		QoS:           envInt("MQTT_QOS", 1),
	}
	cfg.Processing = ProcessingConfig{
		Concurrency:  envInt("PROCESSING_CONCURRENCY", 4),
		MaxImageSize: envInt("MAX_IMAGE_SIZE", constants.MaxImageSize),
	}

	return &cfg
}

// Validate rejects threshold combinations the matcher cannot honor.
func (c *Config) Validate() error {
	var errs []error

	m := c.Matching
	if m.TopK <= 0 {
		errs = append(errs, fmt.Errorf("top_k must be positive, got %d", m.TopK))
	}
	for name, s := range map[string]StageConfig{"strict": m.Strict, "relaxed": m.Relaxed} {
		if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
			errs = append(errs, fmt.Errorf("%s similarity threshold %.3f outside [0,1]", name, s.SimilarityThreshold))
		}
		if s.Tolerance <= 0 {
			errs = append(errs, fmt.Errorf("%s tolerance must be positive, got %.3f", name, s.Tolerance))
		}
	}
	if m.MultiStage && m.Relaxed.SimilarityThreshold > m.Strict.SimilarityThreshold {
		errs = append(errs, fmt.Errorf("relaxed similarity threshold %.3f is stricter than strict %.3f",
			m.Relaxed.SimilarityThreshold, m.Strict.SimilarityThreshold))
	}
	if m.Duplicate.Enabled && m.Duplicate.TopK <= 0 {
		errs = append(errs, errors.New("duplicate top_k must be positive"))
	}

	if c.Rekognition.FaceMatchThreshold < 0 || c.Rekognition.FaceMatchThreshold > 100 {
		errs = append(errs, fmt.Errorf("rekognition face match threshold %.1f outside [0,100]",
			c.Rekognition.FaceMatchThreshold))
	}

	switch c.Backend.Recognition {
	case RecognitionLocal, RecognitionRekognition:
	default:
		errs = append(errs, fmt.Errorf("unknown recognition backend %q", c.Backend.Recognition))
	}
	switch c.Backend.Vector {
	case VectorHNSW, VectorPgvector:
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.Backend.Vector))
	}
	switch c.Backend.Metadata {
	case MetadataDynamo, MetadataPostgres, MetadataMariaDB:
	default:
		errs = append(errs, fmt.Errorf("unknown metadata backend %q", c.Backend.Metadata))
	}
	switch c.Backend.ImageStore {
	case ImageStoreS3, ImageStoreMinio, ImageStoreFile:
	default:
		errs = append(errs, fmt.Errorf("unknown image store %q", c.Backend.ImageStore))
	}

	return errors.Join(errs...)
}
