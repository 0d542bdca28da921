package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/kozaktomas/face-tagger/internal/database"
	"github.com/kozaktomas/face-tagger/internal/database/mock"
)

func reconcileFixture(t *testing.T) (*mock.MockVectorIndex, *mock.MockRecordStore) {
	t.Helper()
	idx := mock.NewMockVectorIndex()
	err := idx.Upsert(context.Background(), []database.VectorEntry{
		{ID: "person1", Values: []float32{1, 0}, Metadata: database.VectorMetadata{ImageKey: "persons/person1.png", CreatedAt: 111}},
		{ID: "person2", Values: []float32{0, 1}},
		{ID: "person3", Values: []float32{1, 1}},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	store := mock.NewMockRecordStore()
	store.AddRecord(database.PersonRecord("person3", "persons/person3.jpg", 1))
	store.AddRecord(database.PersonRecord("person4", "persons/person4.jpg", 1))
	return idx, store
}

func TestReconciler_Repair(t *testing.T) {
	ctx := context.Background()
	idx, store := reconcileFixture(t)
	r := NewReconciler(idx, store)

	var progress []int
	report, err := r.Run(ctx, ReconcileOptions{Progress: func(done, total int) { progress = append(progress, done) }})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Vectors != 3 || report.Records != 2 {
		t.Errorf("counts = %d vectors, %d records", report.Vectors, report.Records)
	}
	if len(report.Repaired) != 2 {
		t.Fatalf("Repaired = %v, want person1 and person2", report.Repaired)
	}
	if len(report.MissingVectors) != 1 || report.MissingVectors[0] != "person4" {
		t.Errorf("MissingVectors = %v, want [person4]", report.MissingVectors)
	}
	if len(progress) != 2 {
		t.Errorf("progress calls = %v", progress)
	}

	rec, _ := store.GetItem(ctx, "PERSON#person1", "person1")
	if rec == nil || rec.S3Key != "persons/person1.png" || rec.CreatedAt != 111 {
		t.Errorf("repaired record = %+v, want metadata from the vector", rec)
	}
	rec, _ = store.GetItem(ctx, "PERSON#person2", "person2")
	if rec == nil || rec.S3Key != "persons/person2.jpg" {
		t.Errorf("repaired record without metadata = %+v", rec)
	}

	again, err := r.Run(ctx, ReconcileOptions{})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(again.OrphanVectors) != 0 {
		t.Errorf("second run still sees orphans: %v", again.OrphanVectors)
	}
}

func TestReconciler_Purge(t *testing.T) {
	idx, store := reconcileFixture(t)

	report, err := NewReconciler(idx, store).Run(context.Background(), ReconcileOptions{Purge: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Purged) != 2 {
		t.Errorf("Purged = %v", report.Purged)
	}
	if idx.Has("person1") || idx.Has("person2") || !idx.Has("person3") {
		t.Error("purge removed the wrong vectors")
	}
}

func TestReconciler_DryRun(t *testing.T) {
	idx, store := reconcileFixture(t)

	report, err := NewReconciler(idx, store).Run(context.Background(), ReconcileOptions{DryRun: true, Purge: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.OrphanVectors) != 2 || len(report.Purged) != 0 || len(report.Repaired) != 0 {
		t.Errorf("dry run report = %+v", report)
	}
	if !idx.Has("person1") {
		t.Error("dry run deleted a vector")
	}
}

func TestReconciler_CollectsWriteErrors(t *testing.T) {
	idx, store := reconcileFixture(t)
	store.PutError = errors.New("throttled")

	report, err := NewReconciler(idx, store).Run(context.Background(), ReconcileOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Errors) != 2 || len(report.Repaired) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestReconciler_ListFailure(t *testing.T) {
	idx, store := reconcileFixture(t)
	idx.ListError = errors.New("unavailable")

	if _, err := NewReconciler(idx, store).Run(context.Background(), ReconcileOptions{}); err == nil {
		t.Error("Run() succeeded with a failing index")
	}
}
