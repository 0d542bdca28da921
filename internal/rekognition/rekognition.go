// Package rekognition implements face detection and matching on an Amazon
// Rekognition collection. Faces are matched by their crop; no embedding ever
// leaves the service.
package rekognition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"golang.org/x/time/rate"

	"github.com/kozaktomas/face-tagger/internal/constants"
	"github.com/kozaktomas/face-tagger/internal/database"
	"github.com/kozaktomas/face-tagger/internal/facematch"
	"github.com/kozaktomas/face-tagger/internal/identity"
	"github.com/kozaktomas/face-tagger/internal/logger"
)

// StageLabel is the match stage reported for every Rekognition match.
const StageLabel = "rekognition"

// ModelName is reported as detection_model.
const ModelName = "rekognition"

const (
	maxDeleteBatch = 4096
	minShrinkEdge  = 64
)

// API is the subset of the Rekognition client the backend uses.
type API interface {
	DetectFaces(ctx context.Context, params *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error)
	SearchFacesByImage(ctx context.Context, params *rekognition.SearchFacesByImageInput, optFns ...func(*rekognition.Options)) (*rekognition.SearchFacesByImageOutput, error)
	IndexFaces(ctx context.Context, params *rekognition.IndexFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error)
	ListFaces(ctx context.Context, params *rekognition.ListFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.ListFacesOutput, error)
	DeleteFaces(ctx context.Context, params *rekognition.DeleteFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DeleteFacesOutput, error)
	DescribeCollection(ctx context.Context, params *rekognition.DescribeCollectionInput, optFns ...func(*rekognition.Options)) (*rekognition.DescribeCollectionOutput, error)
	CreateCollection(ctx context.Context, params *rekognition.CreateCollectionInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateCollectionOutput, error)
}

// Options configures a Backend.
type Options struct {
	CollectionID       string
	FaceMatchThreshold float64 // percent
	QualityFilter      string
	RequestsPerSecond  float64 // 0 disables client-side throttling
	MaxImageSize       int     // longest edge sent to DetectFaces
	MaxImageBytes      int     // images are shrunk until their JPEG fits
	Padding            int
	Filter             facematch.FilterOptions
}

// Backend is an identity.Detector, identity.FaceIndex and identity.VectorLister.
type Backend struct {
	client  API
	opts    Options
	limiter *rate.Limiter
}

func New(client API, opts Options) (*Backend, error) {
	if client == nil {
		return nil, errors.New("rekognition client is required")
	}
	if opts.CollectionID == "" {
		return nil, errors.New("collection id is required")
	}
	if opts.QualityFilter == "" {
		opts.QualityFilter = string(types.QualityFilterAuto)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(1, int(opts.RequestsPerSecond)))
	}
	return &Backend{client: client, opts: opts, limiter: limiter}, nil
}

// Stage is the single match stage for this backend. Rekognition already drops
// matches below FaceMatchThreshold, so any returned match qualifies.
func (b *Backend) Stage() identity.Stage {
	return identity.Stage{Label: StageLabel}
}

func (b *Backend) wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// EnsureCollection creates the collection if it does not exist yet.
func (b *Backend) EnsureCollection(ctx context.Context) error {
	log := logger.Named("rekognition")
	if err := b.wait(ctx); err != nil {
		return err
	}
	_, err := b.client.DescribeCollection(ctx, &rekognition.DescribeCollectionInput{
		CollectionId: aws.String(b.opts.CollectionID),
	})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe collection %s: %w", b.opts.CollectionID, err)
	}

	if err := b.wait(ctx); err != nil {
		return err
	}
	_, err = b.client.CreateCollection(ctx, &rekognition.CreateCollectionInput{
		CollectionId: aws.String(b.opts.CollectionID),
	})
	var exists *types.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("create collection %s: %w", b.opts.CollectionID, err)
	}
	log.Info().Str("collection", b.opts.CollectionID).Msg("created face collection")
	return nil
}

// Detect runs DetectFaces on a JPEG re-encoding of the image and crops every
// face that survives filtering.
func (b *Backend) Detect(ctx context.Context, data []byte) (*identity.Detection, error) {
	log := logger.C(ctx)

	img, _, err := facematch.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrImageLoad, err)
	}
	img = facematch.Downscale(img, b.opts.MaxImageSize)
	jpegBytes, err := facematch.EncodeJPEG(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrImageLoad, err)
	}
	for b.opts.MaxImageBytes > 0 && len(jpegBytes) > b.opts.MaxImageBytes {
		edge := max(img.Bounds().Dx(), img.Bounds().Dy()) * 3 / 4
		if edge < minShrinkEdge {
			return nil, fmt.Errorf("%w: image does not fit in %d bytes", identity.ErrImageLoad, b.opts.MaxImageBytes)
		}
		img = facematch.Downscale(img, edge)
		if jpegBytes, err = facematch.EncodeJPEG(img); err != nil {
			return nil, fmt.Errorf("%w: %w", identity.ErrImageLoad, err)
		}
	}

	if err := b.wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrDetection, err)
	}
	start := time.Now()
	out, err := b.client.DetectFaces(ctx, &rekognition.DetectFacesInput{
		Image:      &types.Image{Bytes: jpegBytes},
		Attributes: []types.Attribute{types.AttributeDefault},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrDetection, err)
	}
	detectionTime := time.Since(start)

	bounds := img.Bounds()
	cands := make([]facematch.Candidate, len(out.FaceDetails))
	for i, fd := range out.FaceDetails {
		if fd.BoundingBox == nil {
			continue
		}
		bb := fd.BoundingBox
		cands[i] = facematch.Candidate{
			BBox: facematch.RelativeToPixelBBox(
				float64(aws.ToFloat32(bb.Left)), float64(aws.ToFloat32(bb.Top)),
				float64(aws.ToFloat32(bb.Width)), float64(aws.ToFloat32(bb.Height)),
				bounds.Dx(), bounds.Dy()),
			Score: float64(aws.ToFloat32(fd.Confidence)) / 100,
		}
	}
	kept, rejected := facematch.Filter(cands, b.opts.Filter)
	for _, r := range rejected {
		log.Debug().Int("face", r.Index).Str("reason", r.Reason).Msg("skipping detected face")
	}

	encStart := time.Now()
	det := &identity.Detection{Model: ModelName, DetectionTime: detectionTime}
	for n, i := range kept {
		c := cands[i]
		crop, err := facematch.CropFace(img, c.BBox, b.opts.Padding)
		if err != nil {
			log.Warn().Err(err).Int("face", n).Msg("face crop failed, skipping face")
			continue
		}
		cropBytes, err := facematch.EncodeJPEG(crop)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding face %d: %w", identity.ErrDetection, n, err)
		}
		det.Faces = append(det.Faces, identity.FaceObservation{
			Index: n,
			Box: identity.BoundingBox{
				Left: int(c.BBox[0]), Top: int(c.BBox[1]),
				Right: int(c.BBox[2]), Bottom: int(c.BBox[3]),
			},
			Confidence: c.Score,
			Crop:       cropBytes,
			CropExt:    "jpg",
		})
	}
	det.EncodingTime = time.Since(encStart)
	return det, nil
}

// Search returns the collection faces similar to the crop. Scores are the
// service's similarity scaled to 0-1.
func (b *Backend) Search(ctx context.Context, face *identity.FaceObservation, topK int) ([]identity.MatchCandidate, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	out, err := b.client.SearchFacesByImage(ctx, &rekognition.SearchFacesByImageInput{
		CollectionId:       aws.String(b.opts.CollectionID),
		Image:              &types.Image{Bytes: face.Crop},
		FaceMatchThreshold: aws.Float32(float32(b.opts.FaceMatchThreshold)),
		MaxFaces:           aws.Int32(int32(topK)),
		QualityFilter:      types.QualityFilter(b.opts.QualityFilter),
	})
	if err != nil {
		// A crop the service cannot search would also fail IndexFaces, so it
		// must not fall through to registration.
		var invalid *types.InvalidParameterException
		if errors.As(err, &invalid) {
			return nil, fmt.Errorf("face %d rejected by face search: %w", face.Index, err)
		}
		return nil, err
	}

	cands := make([]identity.MatchCandidate, 0, len(out.FaceMatches))
	for _, m := range out.FaceMatches {
		if m.Face == nil || aws.ToString(m.Face.ExternalImageId) == "" {
			continue
		}
		cands = append(cands, identity.MatchCandidate{
			Person: aws.ToString(m.Face.ExternalImageId),
			Score:  float64(aws.ToFloat32(m.Similarity)) / 100,
		})
	}
	return cands, nil
}

// Add indexes the crop under the identity name.
func (b *Backend) Add(ctx context.Context, face *identity.FaceObservation, name string, _ database.VectorMetadata) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	out, err := b.client.IndexFaces(ctx, &rekognition.IndexFacesInput{
		CollectionId:        aws.String(b.opts.CollectionID),
		Image:               &types.Image{Bytes: face.Crop},
		ExternalImageId:     aws.String(name),
		MaxFaces:            aws.Int32(1),
		QualityFilter:       types.QualityFilter(b.opts.QualityFilter),
		DetectionAttributes: []types.Attribute{types.AttributeDefault},
	})
	if err != nil {
		return err
	}
	if len(out.FaceRecords) == 0 {
		return fmt.Errorf("no face indexed for %s (%d unindexed)", name, len(out.UnindexedFaces))
	}
	logger.C(ctx).Info().
		Str("person", name).
		Str("face_id", aws.ToString(out.FaceRecords[0].Face.FaceId)).
		Msg("indexed face")
	return nil
}

type collectionFace struct {
	faceID string
	name   string
}

func (b *Backend) listFaces(ctx context.Context) ([]collectionFace, error) {
	var faces []collectionFace
	var token *string
	for {
		if err := b.wait(ctx); err != nil {
			return nil, err
		}
		out, err := b.client.ListFaces(ctx, &rekognition.ListFacesInput{
			CollectionId: aws.String(b.opts.CollectionID),
			MaxResults:   aws.Int32(constants.DefaultPageSize),
			NextToken:    token,
		})
		if err != nil {
			return nil, fmt.Errorf("list faces: %w", err)
		}
		for _, f := range out.Faces {
			faces = append(faces, collectionFace{
				faceID: aws.ToString(f.FaceId),
				name:   aws.ToString(f.ExternalImageId),
			})
		}
		if aws.ToString(out.NextToken) == "" {
			return faces, nil
		}
		token = out.NextToken
	}
}

// List returns one entry per identity name in the collection. Entries carry
// no vector values or metadata.
func (b *Backend) List(ctx context.Context) ([]database.VectorEntry, error) {
	faces, err := b.listFaces(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(faces))
	var entries []database.VectorEntry
	for _, f := range faces {
		if f.name == "" || seen[f.name] {
			continue
		}
		seen[f.name] = true
		entries = append(entries, database.VectorEntry{ID: f.name})
	}
	return entries, nil
}

// Delete removes every face indexed under the given identity names.
func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	faces, err := b.listFaces(ctx)
	if err != nil {
		return err
	}
	var faceIDs []string
	for _, f := range faces {
		if want[f.name] {
			faceIDs = append(faceIDs, f.faceID)
		}
	}

	for start := 0; start < len(faceIDs); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(faceIDs))
		if err := b.wait(ctx); err != nil {
			return err
		}
		if _, err := b.client.DeleteFaces(ctx, &rekognition.DeleteFacesInput{
			CollectionId: aws.String(b.opts.CollectionID),
			FaceIds:      faceIDs[start:end],
		}); err != nil {
			return fmt.Errorf("delete faces: %w", err)
		}
	}
	return nil
}
