package identity

import (
	"context"
	"errors"
)

var (
	ErrMalformedEmbedding = errors.New("malformed embedding")
	ErrMatchEngine        = errors.New("match engine query failed")
	ErrAllocation         = errors.New("identity allocation failed")
	ErrRegistration       = errors.New("identity registration failed")
	ErrTagging            = errors.New("tagging record write failed")
	ErrDetection          = errors.New("face detection failed")
	ErrImageLoad          = errors.New("image load failed")
	ErrInvalidEvent       = errors.New("invalid event")
)

// ErrorType maps an error onto the name reported in results and metrics.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedEmbedding):
		return "MalformedEmbedding"
	case errors.Is(err, ErrMatchEngine):
		return "MatchEngineError"
	case errors.Is(err, ErrAllocation):
		return "AllocationError"
	case errors.Is(err, ErrRegistration):
		return "RegistrationError"
	case errors.Is(err, ErrTagging):
		return "TaggingError"
	case errors.Is(err, ErrDetection):
		return "FaceDetectionError"
	case errors.Is(err, ErrImageLoad):
		return "ImageLoadError"
	case errors.Is(err, ErrInvalidEvent):
		return "InvalidEventError"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	default:
		return "UnexpectedError"
	}
}
