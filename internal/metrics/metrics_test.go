package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorder_ExposesCounters(t *testing.T) {
	r := New()
	r.FaceResolved("strict")
	r.FaceResolved("strict")
	r.FaceResolved("none")
	r.IdentityRegistered()
	r.Error("MatchEngineError")
	r.ImageProcessed("completed")
	r.DuplicateCandidates(2)
	r.Observe("resolve", time.Now())

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	for _, want := range []string{
		`face_tagger_faces_resolved_total{stage="strict"} 2`,
		`face_tagger_faces_resolved_total{stage="none"} 1`,
		`face_tagger_identities_registered_total 1`,
		`face_tagger_errors_total{type="MatchEngineError"} 1`,
		`face_tagger_images_processed_total{status="completed"} 1`,
		`face_tagger_duplicate_candidates_total 2`,
		`face_tagger_operation_duration_seconds_count{op="resolve"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	r.FaceResolved("strict")
	r.IdentityRegistered()
	r.Error("x")
	r.ImageProcessed("failed")
	r.DuplicateCandidates(1)
	r.Observe("op", time.Now())
}
