// Package metrics exposes Prometheus collectors for the resolution pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the collectors and the registry they live in.
type Recorder struct {
	registry *prometheus.Registry

	facesResolved   *prometheus.CounterVec
	identitiesAdded prometheus.Counter
	duplicateHints  prometheus.Counter
	errors          *prometheus.CounterVec
	imagesProcessed *prometheus.CounterVec
	opLatency       *prometheus.HistogramVec
}

// New creates a Recorder with its own registry so tests can build many.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		facesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "face_tagger",
			Name:      "faces_resolved_total",
			Help:      "Faces resolved, by the stage that decided them (none = registered as new).",
		}, []string{"stage"}),
		identitiesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "face_tagger",
			Name:      "identities_registered_total",
			Help:      "New identities committed.",
		}),
		duplicateHints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "face_tagger",
			Name:      "duplicate_candidates_total",
			Help:      "Near-duplicate identities reported by the advisory check.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "face_tagger",
			Name:      "errors_total",
			Help:      "Errors by taxonomy type.",
		}, []string{"type"}),
		imagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "face_tagger",
			Name:      "images_processed_total",
			Help:      "Images processed, by result status.",
		}, []string{"status"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "face_tagger",
			Name:      "operation_duration_seconds",
			Help:      "Latency of pipeline operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}

	r.registry.MustRegister(
		r.facesResolved,
		r.identitiesAdded,
		r.duplicateHints,
		r.errors,
		r.imagesProcessed,
		r.opLatency,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// The methods below are nil-safe so callers never need to check for a recorder.

func (r *Recorder) FaceResolved(stage string) {
	if r == nil {
		return
	}
	r.facesResolved.WithLabelValues(stage).Inc()
}

func (r *Recorder) IdentityRegistered() {
	if r == nil {
		return
	}
	r.identitiesAdded.Inc()
}

func (r *Recorder) DuplicateCandidates(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.duplicateHints.Add(float64(n))
}

func (r *Recorder) Error(errType string) {
	if r == nil {
		return
	}
	r.errors.WithLabelValues(errType).Inc()
}

func (r *Recorder) ImageProcessed(status string) {
	if r == nil {
		return
	}
	r.imagesProcessed.WithLabelValues(status).Inc()
}

// Observe records how long op took since start.
func (r *Recorder) Observe(op string, start time.Time) {
	if r == nil {
		return
	}
	r.opLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
