package database

import (
	"math"
	"testing"
)

func TestParsePersonName(t *testing.T) {
	tests := []struct {
		name   string
		wantID int64
		wantOK bool
	}{
		{"person1", 1, true},
		{"person42", 42, true},
		{"person0", 0, false},
		{"person-3", 0, false},
		{"person", 0, false},
		{"persona", 0, false},
		{"user12", 0, false},
		{"", 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := ParsePersonName(tc.name)
			if id != tc.wantID || ok != tc.wantOK {
				t.Errorf("ParsePersonName(%q) = (%d, %v), want (%d, %v)", tc.name, id, ok, tc.wantID, tc.wantOK)
			}
		})
	}
}

func TestPersonNameRoundTrip(t *testing.T) {
	for _, id := range []int64{1, 7, 1234567} {
		got, ok := ParsePersonName(PersonName(id))
		if !ok || got != id {
			t.Errorf("ParsePersonName(PersonName(%d)) = (%d, %v)", id, got, ok)
		}
	}
}

func TestPersonRecord(t *testing.T) {
	rec := PersonRecord("person5", "persons/person5.jpg", 1700000000)

	if rec.PK != "PERSON#person5" || rec.SK != "person5" {
		t.Errorf("unexpected keys: PK=%q SK=%q", rec.PK, rec.SK)
	}
	if rec.EntityType != EntityPerson || rec.DisplayName != "person5" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, -1},
		{"empty", nil, nil, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, -1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("CosineSimilarity(%v, %v) = %f, want %f", tc.a, tc.b, got, tc.want)
			}
			if d := CosineDistance(tc.a, tc.b); math.Abs(d-(1-tc.want)) > 1e-9 {
				t.Errorf("CosineDistance(%v, %v) = %f, want %f", tc.a, tc.b, d, 1-tc.want)
			}
		})
	}
}
