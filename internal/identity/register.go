package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/kozaktomas/face-tagger/internal/database"
	"github.com/kozaktomas/face-tagger/internal/logger"
)

// FaceImageKey is where the representative crop of an identity is stored.
func FaceImageKey(name, ext string) string {
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("persons/%s.%s", name, ext)
}

// Registrar creates new identities.
//
// Steps run in a fixed order: allocate ID, store face crop, index the vector,
// commit the identity record. The record is the commit point. A failure before
// it leaves a burned ID and possibly an unreferenced crop. A failure at the
// commit leaves an indexed vector without a record; that vector still matches
// on redelivery, and Reconciler writes the missing record.
type Registrar struct {
	allocator *Allocator
	index     FaceIndex
	records   database.RecordWriter
	images    ImageStore
	saveFaces bool
	now       func() time.Time
}

// NewRegistrar builds a Registrar. images may be nil when crops are not stored.
func NewRegistrar(allocator *Allocator, index FaceIndex, records database.RecordWriter, images ImageStore, saveFaces bool) *Registrar {
	return &Registrar{
		allocator: allocator,
		index:     index,
		records:   records,
		images:    images,
		saveFaces: saveFaces,
		now:       time.Now,
	}
}

// Register allocates an identity for a face that matched nothing.
func (r *Registrar) Register(ctx context.Context, face *FaceObservation, src ImageRef) (*Identity, error) {
	log := logger.C(ctx)

	id, err := r.allocator.NextID(ctx)
	if err != nil {
		return nil, err
	}
	name := database.PersonName(id)
	createdAt := r.now()

	imageKey := FaceImageKey(name, "jpg")
	if r.saveFaces && r.images != nil && len(face.Crop) > 0 {
		imageKey = FaceImageKey(name, face.CropExt)
		if err := r.images.Put(ctx, src.Bucket, imageKey, face.Crop, contentType(face.CropExt)); err != nil {
			return nil, fmt.Errorf("%w: storing face image for %s: %w", ErrRegistration, name, err)
		}
		log.Debug().Str("person", name).Str("key", imageKey).Msg("stored face image")
	} else if r.saveFaces {
		log.Warn().Str("person", name).Msg("no face crop available, recording placeholder image key")
	}

	meta := database.VectorMetadata{ImageKey: imageKey, CreatedAt: createdAt.Unix()}
	if err := r.index.Add(ctx, face, name, meta); err != nil {
		return nil, fmt.Errorf("%w: indexing vector for %s: %w", ErrRegistration, name, err)
	}

	if err := r.records.PutItem(ctx, database.PersonRecord(name, imageKey, createdAt.Unix())); err != nil {
		log.Error().Err(err).Str("person", name).Msg("identity vector indexed but record not committed")
		return nil, fmt.Errorf("%w: committing record for %s: %w", ErrRegistration, name, err)
	}

	log.Info().Str("person", name).Str("image_key", imageKey).Msg("registered new identity")
	return &Identity{ID: id, Name: name, ImageKey: imageKey, CreatedAt: createdAt}, nil
}

func contentType(ext string) string {
	switch ext {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
