package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kozaktomas/face-tagger/internal/database"
	"github.com/kozaktomas/face-tagger/internal/database/mock"
)

// fakeDetector returns the faces registered for the image content.
type fakeDetector struct {
	faces map[string][]FaceObservation
	err   error
}

func (d *fakeDetector) Detect(ctx context.Context, image []byte) (*Detection, error) {
	if d.err != nil {
		return nil, d.err
	}
	faces := d.faces[string(image)]
	out := make([]FaceObservation, len(faces))
	copy(out, faces)
	return &Detection{Faces: out, Model: "test"}, nil
}

// memImages stores objects under bucket/key; Get returns the key itself
// for unknown objects so the detector can be keyed by object name.
type memImages struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
}

func newMemImages() *memImages {
	return &memImages{objects: make(map[string][]byte)}
}

func (m *memImages) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.objects[bucket+"/"+key]; ok {
		return b, nil
	}
	return []byte(key), nil
}

func (m *memImages) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memImages) has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"/"+key]
	return ok
}

// journal records the order of index and record writes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

type journaledIndex struct {
	FaceIndex
	j *journal
}

func (ji *journaledIndex) Add(ctx context.Context, face *FaceObservation, name string, meta database.VectorMetadata) error {
	ji.j.add("vector " + name)
	return ji.FaceIndex.Add(ctx, face, name, meta)
}

type fixture struct {
	svc      *Service
	records  *mock.MockRecordStore
	index    *mock.MockVectorIndex
	images   *memImages
	detector *fakeDetector
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		records:  mock.NewMockRecordStore(),
		index:    mock.NewMockVectorIndex(),
		images:   newMemImages(),
		detector: &fakeDetector{faces: make(map[string][]FaceObservation)},
	}
	if opts.Stages == nil {
		opts.Stages = defaultStages()
	}
	if opts.EmbeddingDim == 0 {
		opts.EmbeddingDim = 4
	}
	svc, err := NewService(Dependencies{
		Detector: f.detector,
		Index:    NewVectorFaceIndex(f.index),
		Records:  f.records,
		Images:   f.images,
	}, opts)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	f.svc = svc
	return f
}

func face(i int, v ...float32) FaceObservation {
	return FaceObservation{
		Index:     i,
		Embedding: v,
		Box:       BoundingBox{Left: 10, Top: 10, Right: 110, Bottom: 130},
		Crop:      []byte(fmt.Sprintf("crop-%d", i)),
		CropExt:   "jpg",
	}
}

func ref(key string) ImageRef {
	return ImageRef{Bucket: "photos", ObjectKey: "uploads/" + key + ".jpg", CorrelationKey: key}
}

func (f *fixture) counter(t *testing.T) int64 {
	t.Helper()
	n, err := f.svc.Allocator().Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	return n
}

func TestService_NoMatchRegistersThenRematches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{SaveFaces: true})
	f.detector.faces["uploads/a.jpg"] = []FaceObservation{face(0, 1, 0, 0, 0)}
	f.detector.faces["uploads/b.jpg"] = []FaceObservation{face(0, 1, 0.05, 0, 0)}

	first := f.svc.ProcessImage(ctx, ref("a"))
	if first.Status != StatusCompleted {
		t.Fatalf("first image status = %s, errors = %+v", first.Status, first.FaceErrors)
	}
	if len(first.NewPersons) != 1 || first.NewPersons[0] != "person1" {
		t.Fatalf("NewPersons = %v, want [person1]", first.NewPersons)
	}
	if len(first.MatchingDetails) != 0 {
		t.Errorf("new identity reported in matching details: %+v", first.MatchingDetails)
	}

	rec, err := f.records.GetItem(ctx, "PERSON#person1", "person1")
	if err != nil || rec == nil {
		t.Fatalf("identity record missing: %v", err)
	}
	if rec.S3Key != "persons/person1.jpg" {
		t.Errorf("identity image key = %q", rec.S3Key)
	}
	if !f.images.has("photos", "persons/person1.jpg") {
		t.Error("face crop not stored")
	}
	if !f.index.Has("person1") {
		t.Error("vector not indexed")
	}

	second := f.svc.ProcessImage(ctx, ref("b"))
	if len(second.NewPersons) != 0 {
		t.Errorf("second image registered %v", second.NewPersons)
	}
	if len(second.MatchingDetails) != 1 {
		t.Fatalf("MatchingDetails = %+v, want one match", second.MatchingDetails)
	}
	md := second.MatchingDetails[0]
	if md.Person != "person1" || md.Stage != StageStrict {
		t.Errorf("match = %+v, want person1 strict", md)
	}
	if md.FaceSize != (FaceSize{Width: 100, Height: 120}) {
		t.Errorf("FaceSize = %+v", md.FaceSize)
	}
	if got := f.counter(t); got != 1 {
		t.Errorf("counter = %d, want 1", got)
	}
}

func TestService_IdempotentRematch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.detector.faces["uploads/a.jpg"] = []FaceObservation{face(0, 0, 1, 0, 0), face(1, 0, 0, 1, 0)}

	first := f.svc.ProcessImage(ctx, ref("a"))
	recordsAfterFirst := len(f.records.Records())
	second := f.svc.ProcessImage(ctx, ref("a"))

	if strings.Join(first.PersonsFound, ",") != strings.Join(second.PersonsFound, ",") {
		t.Errorf("persons differ: %v then %v", first.PersonsFound, second.PersonsFound)
	}
	if len(second.NewPersons) != 0 {
		t.Errorf("reprocessing registered %v", second.NewPersons)
	}
	if got := f.counter(t); got != 2 {
		t.Errorf("counter = %d, want 2", got)
	}
	if got := len(f.records.Records()); got != recordsAfterFirst {
		t.Errorf("records grew from %d to %d on reprocessing", recordsAfterFirst, got)
	}
}

func TestService_FaceFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.index.QueryHook = func(call int, vector []float32, topK int) ([]database.VectorMatch, error) {
		if call == 2 {
			return nil, errors.New("index unavailable")
		}
		return nil, nil
	}
	f.detector.faces["uploads/group.jpg"] = []FaceObservation{
		face(0, 1, 0, 0, 0),
		face(1, 0, 1, 0, 0),
		face(2, 0, 0, 1, 0),
	}

	res := f.svc.ProcessImage(ctx, ref("group"))

	if res.Status != StatusPartial {
		t.Errorf("Status = %s, want partial", res.Status)
	}
	if len(res.FaceErrors) != 1 {
		t.Fatalf("FaceErrors = %+v, want one", res.FaceErrors)
	}
	if res.FaceErrors[0].Face != 1 || res.FaceErrors[0].ErrorType != "MatchEngineError" {
		t.Errorf("face error = %+v", res.FaceErrors[0])
	}
	if strings.Join(res.NewPersons, ",") != "person1,person2" {
		t.Errorf("NewPersons = %v, want person1,person2", res.NewPersons)
	}
	if res.FacesDetected != 3 {
		t.Errorf("FacesDetected = %d", res.FacesDetected)
	}
	for _, p := range res.NewPersons {
		tag, err := f.records.GetItem(ctx, "group", "PERSON#"+p)
		if err != nil || tag == nil {
			t.Errorf("tagging record for %s missing", p)
		}
	}
}

func TestService_VectorIndexedBeforeRecordCommit(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	records := mock.NewMockRecordStore()
	records.PutHook = func(rec database.Record) error {
		j.add("record " + rec.PK)
		return nil
	}
	idx := mock.NewMockVectorIndex()
	det := &fakeDetector{faces: map[string][]FaceObservation{"uploads/a.jpg": {face(0, 1, 0, 0, 0)}}}
	svc, err := NewService(Dependencies{
		Detector: det,
		Index:    &journaledIndex{FaceIndex: NewVectorFaceIndex(idx), j: j},
		Records:  records,
		Images:   newMemImages(),
	}, Options{Stages: defaultStages(), EmbeddingDim: 4})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	svc.ProcessImage(ctx, ref("a"))

	want := []string{"vector person1", "record PERSON#person1", "record a"}
	if strings.Join(j.entries, "|") != strings.Join(want, "|") {
		t.Errorf("write order = %v, want %v", j.entries, want)
	}
}

func TestService_CommitFailureLeavesMatchableVector(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	failed := false
	f.records.PutHook = func(rec database.Record) error {
		if rec.EntityType == database.EntityPerson && !failed {
			failed = true
			return errors.New("conditional check failed")
		}
		return nil
	}
	f.detector.faces["uploads/a.jpg"] = []FaceObservation{face(0, 1, 0, 0, 0)}

	first := f.svc.ProcessImage(ctx, ref("a"))
	if len(first.FaceErrors) != 1 || first.FaceErrors[0].ErrorType != "RegistrationError" {
		t.Fatalf("FaceErrors = %+v, want one RegistrationError", first.FaceErrors)
	}
	if !f.index.Has("person1") {
		t.Fatal("vector should remain indexed after a failed commit")
	}

	redelivered := f.svc.ProcessImage(ctx, ref("a"))
	if len(redelivered.NewPersons) != 0 || len(redelivered.MatchingDetails) != 1 {
		t.Fatalf("redelivery = %+v, want a match on the orphan vector", redelivered)
	}
	if got := f.counter(t); got != 1 {
		t.Errorf("counter = %d, want 1", got)
	}

	report, err := f.svc.Reconciler().Run(ctx, ReconcileOptions{})
	if err != nil {
		t.Fatalf("Reconcile error = %v", err)
	}
	if len(report.Repaired) != 1 || report.Repaired[0] != "person1" {
		t.Errorf("Repaired = %v", report.Repaired)
	}
	if rec, _ := f.svc.GetPerson(ctx, "person1"); rec == nil {
		t.Error("identity record not repaired")
	}
}

func TestService_AllocationFailureIsNotRegistrationError(t *testing.T) {
	f := newFixture(t, Options{})
	f.records.IncrementError = errors.New("throttled")
	f.detector.faces["uploads/a.jpg"] = []FaceObservation{face(0, 1, 0, 0, 0)}

	res := f.svc.ProcessImage(context.Background(), ref("a"))
	if len(res.FaceErrors) != 1 || res.FaceErrors[0].ErrorType != "AllocationError" {
		t.Errorf("FaceErrors = %+v, want AllocationError", res.FaceErrors)
	}
	if f.index.UpsertCount() != 0 {
		t.Error("vector indexed without an allocated ID")
	}
}

func TestService_ImageFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fixture)
		wantType string
	}{
		{
			name:     "image load",
			setup:    func(f *fixture) { f.images.getErr = errors.New("NoSuchKey") },
			wantType: "ImageLoadError",
		},
		{
			name:     "detection",
			setup:    func(f *fixture) { f.detector.err = errors.New("embedding server down") },
			wantType: "FaceDetectionError",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			tt.setup(f)

			res := f.svc.ProcessImage(context.Background(), ref("a"))
			if res.Status != StatusFailed || res.ErrorType != tt.wantType {
				t.Fatalf("result = %+v, want failed %s", res, tt.wantType)
			}

			raw, err := json.Marshal(res)
			if err != nil {
				t.Fatalf("Marshal error = %v", err)
			}
			var fields map[string]any
			if err := json.Unmarshal(raw, &fields); err != nil {
				t.Fatalf("Unmarshal error = %v", err)
			}
			if len(fields) != 4 {
				t.Errorf("failed result fields = %v, want object_key, error, status, error_type", fields)
			}
		})
	}
}

func TestService_ProcessBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Concurrency: 4, Configuration: map[string]any{"detection_model": "test"}})
	jobs := make([]Job, 0, 6)
	for i := range 5 {
		key := fmt.Sprintf("img%d", i)
		f.detector.faces["uploads/"+key+".jpg"] = []FaceObservation{face(0, 1, 0, 0, float32(i))}
		jobs = append(jobs, Job{Ref: ref(key)})
	}
	jobs = append(jobs, Job{Err: fmt.Errorf("%w: missing bucketName", ErrInvalidEvent)})

	out, err := f.svc.ProcessBatch(ctx, jobs)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if out.StatusCode != 200 || out.Body.InvocationID == "" {
		t.Errorf("envelope = %d %q", out.StatusCode, out.Body.InvocationID)
	}
	if len(out.Body.Results) != len(jobs) {
		t.Fatalf("got %d results, want %d", len(out.Body.Results), len(jobs))
	}
	for i := range 5 {
		if want := fmt.Sprintf("uploads/img%d.jpg", i); out.Body.Results[i].ObjectKey != want {
			t.Errorf("result %d = %s, want %s", i, out.Body.Results[i].ObjectKey, want)
		}
	}
	if last := out.Body.Results[5]; last.ErrorType != "InvalidEventError" {
		t.Errorf("invalid job result = %+v", last)
	}
	if out.Body.Configuration["detection_model"] != "test" {
		t.Errorf("configuration = %v", out.Body.Configuration)
	}
}

func TestService_PreflightFailureFailsBatch(t *testing.T) {
	f := newFixture(t, Options{})
	f.records.CreateError = errors.New("table not found")

	if _, err := f.svc.ProcessBatch(context.Background(), []Job{{Ref: ref("a")}}); err == nil {
		t.Fatal("ProcessBatch() succeeded with a failing pre-flight")
	}
}

func TestService_PreflightChecks(t *testing.T) {
	f := newFixture(t, Options{})
	called := 0
	f.svc.preflight = append(f.svc.preflight, func(ctx context.Context) error {
		called++
		return errors.New("collection missing")
	})

	if _, err := f.svc.ProcessBatch(context.Background(), nil); err == nil {
		t.Fatal("ProcessBatch() ignored a failing pre-flight check")
	}
	if called != 1 {
		t.Errorf("pre-flight check called %d times", called)
	}
}

func TestService_ProfilePicture(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.detector.faces["uploads/me.jpg"] = []FaceObservation{face(0, 1, 0, 0, 0)}
	r := ref("me")
	r.ProfilePicture = true
	r.UserEmail = "jane@example.com"

	res := f.svc.ProcessImage(ctx, r)
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %s, tagging errors = %v", res.Status, res.TaggingErrors)
	}
	user, err := f.records.GetItem(ctx, "jane@example.com", "jane@example.com")
	if err != nil || user == nil {
		t.Fatalf("user record missing: %v", err)
	}
	if user.PersonID != "person1" {
		t.Errorf("PersonID = %q, want person1", user.PersonID)
	}
	if tag, _ := f.records.GetItem(ctx, "me", "PERSON#person1"); tag != nil {
		t.Error("profile picture produced a tagging record")
	}
}

func TestService_DuplicateHintsDoNotBlockRegistration(t *testing.T) {
	ctx := context.Background()
	dup := &DuplicateCheck{Stage: Stage{Label: "duplicate", SimilarityThreshold: 0.9, Tolerance: 0.3, CheckDistance: true}}
	f := newFixture(t, Options{Duplicate: dup})
	f.index.QueryHook = func(call int, vector []float32, topK int) ([]database.VectorMatch, error) {
		if topK == 10 {
			return []database.VectorMatch{{ID: "person9", Score: 0.95, Values: []float32{1, 0, 0, 0}}}, nil
		}
		return nil, nil
	}
	f.detector.faces["uploads/a.jpg"] = []FaceObservation{face(0, 1, 0, 0, 0)}

	res := f.svc.ProcessImage(ctx, ref("a"))
	if len(res.NewPersons) != 1 {
		t.Fatalf("NewPersons = %v, want one registration", res.NewPersons)
	}
	if len(res.PotentialDuplicate) != 1 || res.PotentialDuplicate[0] != "person9" {
		t.Errorf("PotentialDuplicate = %v", res.PotentialDuplicate)
	}
}

func TestService_GetPerson(t *testing.T) {
	f := newFixture(t, Options{})
	f.records.AddRecord(database.PersonRecord("person3", "persons/person3.jpg", 100))

	rec, err := f.svc.GetPerson(context.Background(), "person3")
	if err != nil || rec == nil || rec.S3Key != "persons/person3.jpg" {
		t.Errorf("GetPerson() = %+v, %v", rec, err)
	}
	if _, err := f.svc.GetPerson(context.Background(), "bob"); err == nil {
		t.Error("GetPerson() accepted an invalid name")
	}
}
