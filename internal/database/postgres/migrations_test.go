package postgres

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_b.sql":  {Data: []byte("CREATE TABLE b ();")},
		"migrations/001_a.sql":  {Data: []byte("CREATE TABLE a ();")},
		"migrations/003_c.sql":  {Data: []byte("  \n")},
		"migrations/README.txt": {Data: []byte("ignored")},
	}

	got, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d migrations, want 2", len(got))
	}
	if got[0].version != "001_a.sql" || got[1].version != "002_b.sql" {
		t.Errorf("order = %s, %s", got[0].version, got[1].version)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := loadMigrations(migrationsFS)
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d embedded migrations, want 2", len(got))
	}
	if got[0].version != "001_records.sql" {
		t.Errorf("first migration = %s", got[0].version)
	}
}
