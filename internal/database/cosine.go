package database

import "math"

// CosineSimilarity returns the cosine of the angle between a and b, in [-1, 1].
// Mismatched, empty or zero vectors score -1 so they never pass a threshold.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}

	var dot, aa, bb float64
	for i, x := range a {
		y := float64(b[i])
		dot += float64(x) * y
		aa += float64(x) * float64(x)
		bb += y * y
	}
	if aa == 0 || bb == 0 {
		return -1
	}

	return max(-1, min(1, dot/math.Sqrt(aa*bb)))
}

// CosineDistance is 1 - CosineSimilarity: 0 for identical directions, 2 for opposite ones.
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}
