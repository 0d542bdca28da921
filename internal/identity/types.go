// Package identity resolves detected faces to known identities, registering a
// new identity when no stored face is close enough.
package identity

import (
	"context"
	"time"

	"github.com/kozaktomas/face-tagger/internal/database"
)

// BoundingBox is a face rectangle in source-image pixels.
type BoundingBox struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (b BoundingBox) Width() int  { return b.Right - b.Left }
func (b BoundingBox) Height() int { return b.Bottom - b.Top }

// FaceSize is reported per match in results.
type FaceSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FaceObservation is one detected face. Embedding is empty for backends that
// match on the face crop instead.
type FaceObservation struct {
	Index      int
	Embedding  []float32
	Box        BoundingBox
	Confidence float64
	Crop       []byte // encoded face image, padded around Box
	CropExt    string // file extension of Crop, without the dot
}

func (f *FaceObservation) Size() FaceSize {
	return FaceSize{Width: f.Box.Width(), Height: f.Box.Height()}
}

// Detection is the output of a Detector for one image.
type Detection struct {
	Faces         []FaceObservation
	Model         string
	DetectionTime time.Duration
	EncodingTime  time.Duration
}

// Detector finds faces in an encoded image and prepares them for matching.
type Detector interface {
	Detect(ctx context.Context, image []byte) (*Detection, error)
}

// MatchCandidate is one nearest-neighbor hit as returned by the index.
type MatchCandidate struct {
	Person string
	Score  float64
	Values []float32
}

// FaceIndex is the similarity store the engine matches against.
type FaceIndex interface {
	// Search returns up to topK candidates in the index's own order.
	Search(ctx context.Context, face *FaceObservation, topK int) ([]MatchCandidate, error)
	// Add stores the face under the given identity name.
	Add(ctx context.Context, face *FaceObservation, name string, meta database.VectorMetadata) error
}

// VectorLister is implemented by indexes that can be swept for reconciliation.
type VectorLister interface {
	List(ctx context.Context) ([]database.VectorEntry, error)
	Delete(ctx context.Context, ids []string) error
}

// ImageStore reads source images and stores representative face crops.
// An empty bucket selects the store's default bucket.
type ImageStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// Match stage labels.
const (
	StageStrict  = "strict"
	StageRelaxed = "relaxed"
	StageSingle  = "single"
	StageNone    = "none"
)

// MatchDecision is the outcome of resolving one face.
type MatchDecision struct {
	Matched    bool
	IdentityID int64
	Person     string
	Confidence float64
	Distance   float64
	Stage      string
}

// Identity is a registered person.
type Identity struct {
	ID        int64
	Name      string
	ImageKey  string
	CreatedAt time.Time
}

// ImageRef identifies one image to process.
type ImageRef struct {
	Bucket         string
	ObjectKey      string
	CorrelationKey string // tagging partition key, usually the file name without extension
	Processed      bool   // a processed derivative rather than the original upload
	ProfilePicture bool
	UserEmail      string
}

// Job is one unit of a batch. Err carries a decoding failure for the record.
type Job struct {
	Ref ImageRef
	Err error
}
