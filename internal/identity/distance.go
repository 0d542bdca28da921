package identity

import (
	"fmt"
	"math"
)

// EuclideanDistance returns the L2 distance between two equal-length vectors.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// ValidateEmbedding checks dimensionality and that every component is finite.
func ValidateEmbedding(v []float32, dim int) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrMalformedEmbedding)
	}
	if dim > 0 && len(v) != dim {
		return fmt.Errorf("%w: got %d dimensions, want %d", ErrMalformedEmbedding, len(v), dim)
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: component %d is %v", ErrMalformedEmbedding, i, x)
		}
	}
	return nil
}
