// Package events decodes queue envelopes into identity jobs.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/kozaktomas/face-tagger/internal/identity"
)

// Envelope is an SQS-style batch: {"Records":[{"body":"<json>"}]}.
type Envelope struct {
	Records []Record `json:"Records" validate:"required"`
}

type Record struct {
	MessageID string `json:"messageId,omitempty"`
	Body      string `json:"body"`
}

// Message is the JSON carried in a record body. Either ObjectKey (an original
// upload) or LargeImageKey with FileNameWithoutExt (a processed derivative)
// must be set.
type Message struct {
	BucketName         string `json:"bucketName" validate:"required_with=LargeImageKey"`
	ObjectKey          string `json:"objectKey" validate:"required_without=LargeImageKey"`
	LargeImageKey      string `json:"largeImageKey"`
	FileNameWithoutExt string `json:"fileNameWithoutExt" validate:"required_with=LargeImageKey"`
	IsProfilePicture   bool   `json:"isProfilePicture"`
	UserEmail          string `json:"userEmail" validate:"omitempty,email"`
}

var (
	vOnce    sync.Once
	validate *validator.Validate
)

func getValidator() *validator.Validate {
	vOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Report json names so errors match the payload.
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			name, _, _ := strings.Cut(tag, ",")
			return name
		})
		validate = v
	})
	return validate
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// CorrelationKey is the object basename up to its first dot.
func CorrelationKey(objectKey string) string {
	base := path.Base(objectKey)
	key, _, _ := strings.Cut(base, ".")
	return key
}

// Ref turns a validated message into an image reference. defaultBucket is used
// when an original-upload message omits its bucket.
func (m Message) Ref(defaultBucket string) (identity.ImageRef, error) {
	ref := identity.ImageRef{
		Bucket:         m.BucketName,
		ProfilePicture: m.IsProfilePicture,
		UserEmail:      m.UserEmail,
	}
	if m.LargeImageKey != "" {
		ref.ObjectKey = m.LargeImageKey
		ref.CorrelationKey = m.FileNameWithoutExt
		ref.Processed = true
	} else {
		ref.ObjectKey = m.ObjectKey
		ref.CorrelationKey = CorrelationKey(m.ObjectKey)
		if ref.Bucket == "" {
			ref.Bucket = defaultBucket
		}
	}
	if ref.Bucket == "" {
		return ref, fmt.Errorf("%w: bucketName not provided and no default bucket configured", identity.ErrInvalidEvent)
	}
	if ref.CorrelationKey == "" {
		return ref, fmt.Errorf("%w: cannot derive an image key from %q", identity.ErrInvalidEvent, ref.ObjectKey)
	}
	return ref, nil
}

// ParseMessage decodes and validates a single message body.
func ParseMessage(body []byte, defaultBucket string) (identity.ImageRef, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return identity.ImageRef{}, fmt.Errorf("%w: decoding body: %w", identity.ErrInvalidEvent, err)
	}
	if err := getValidator().Struct(m); err != nil {
		ref := identity.ImageRef{ObjectKey: firstNonEmpty(m.LargeImageKey, m.ObjectKey)}
		return ref, fmt.Errorf("%w: %w", identity.ErrInvalidEvent, validationError(err))
	}
	return m.Ref(defaultBucket)
}

// Parse decodes an envelope. A malformed envelope is an error; a malformed
// record becomes a job carrying the error so the rest of the batch still runs.
func Parse(data []byte, defaultBucket string) ([]identity.Job, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %w", identity.ErrInvalidEvent, err)
	}
	if err := getValidator().Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrInvalidEvent, validationError(err))
	}

	jobs := make([]identity.Job, len(env.Records))
	for i, rec := range env.Records {
		ref, err := ParseMessage([]byte(rec.Body), defaultBucket)
		if err != nil {
			if ref.ObjectKey == "" {
				ref.ObjectKey = firstNonEmpty(rec.MessageID, fmt.Sprintf("record[%d]", i))
			}
			jobs[i] = identity.Job{Ref: ref, Err: err}
			continue
		}
		jobs[i] = identity.Job{Ref: ref}
	}
	return jobs, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
