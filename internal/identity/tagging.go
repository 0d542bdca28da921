package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/kozaktomas/face-tagger/internal/database"
	"github.com/kozaktomas/face-tagger/internal/logger"
)

// ProcessedImages returns the keys of the processed variants of an image.
func ProcessedImages(correlationKey string) map[string]string {
	return map[string]string{
		"large":  fmt.Sprintf("processed/%s_large.webp", correlationKey),
		"medium": fmt.Sprintf("processed/%s_medium.webp", correlationKey),
	}
}

// TaggingRecord builds the image-to-person association record.
func TaggingRecord(correlationKey, person, originalKey string, createdAt int64) database.Record {
	return database.Record{
		PK:         correlationKey,
		SK:         database.PersonPK(person),
		EntityType: database.EntityTagging + person,
		S3Key:      originalKey,
		Images:     ProcessedImages(correlationKey),
		CreatedAt:  createdAt,
	}
}

// Tagger persists which persons appear in which image.
type Tagger struct {
	records database.RecordWriter
	now     func() time.Time
}

func NewTagger(records database.RecordWriter) *Tagger {
	return &Tagger{records: records, now: time.Now}
}

// OriginalKey resolves the stored object key of the original upload through
// the entityType index, falling back to the key of the processed image.
func (t *Tagger) OriginalKey(ctx context.Context, img ImageRef) string {
	recs, err := t.records.QueryByEntityType(ctx, database.EntityImage, img.CorrelationKey)
	if err != nil {
		logger.C(ctx).Warn().Err(err).Str("correlation_key", img.CorrelationKey).
			Msg("original image lookup failed, using event key")
		return img.ObjectKey
	}
	for _, r := range recs {
		if r.S3Key != "" {
			return r.S3Key
		}
	}
	return img.ObjectKey
}

// Record writes one tagging record per distinct person. Every write is
// attempted; the failures are returned.
func (t *Tagger) Record(ctx context.Context, img ImageRef, persons []string) []error {
	if len(persons) == 0 {
		return nil
	}

	originalKey := t.OriginalKey(ctx, img)
	createdAt := t.now().Unix()

	var errs []error
	seen := make(map[string]bool, len(persons))
	for _, person := range persons {
		if seen[person] {
			continue
		}
		seen[person] = true

		rec := TaggingRecord(img.CorrelationKey, person, originalKey, createdAt)
		if err := t.records.PutItem(ctx, rec); err != nil {
			logger.C(ctx).Error().Err(err).Str("person", person).Msg("tagging record write failed")
			errs = append(errs, fmt.Errorf("%w: %s in %s: %w", ErrTagging, person, img.CorrelationKey, err))
		}
	}
	return errs
}

// LinkProfile associates a user with the person found in their profile picture.
func (t *Tagger) LinkProfile(ctx context.Context, email, person string) error {
	if err := t.records.LinkUserPerson(ctx, email, person, t.now().Unix()); err != nil {
		return fmt.Errorf("%w: linking %s to %s: %w", ErrTagging, email, person, err)
	}
	return nil
}
