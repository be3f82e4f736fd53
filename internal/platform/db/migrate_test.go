package db

import (
	"testing"
	"testing/fstest"

	"github.com/ehr/ledger/migrations"
)

func TestLoadMigrations_SortsByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migs, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 5, 10}
	if len(migs) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migs))
	}
	for i, v := range want {
		if migs[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migs[i].Version)
		}
	}
	if migs[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected SQL content: %s", migs[0].SQL)
	}
}

func TestLoadMigrations_SkipsNonMigrationFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"001_core.sql":     {Data: []byte("SELECT 1;")},
		"README.md":        {Data: []byte("docs")},
		"seed.sql":         {Data: []byte("SELECT 0;")},
		"abc_notnum.sql":   {Data: []byte("SELECT 0;")},
		"sub/002_nope.sql": {Data: []byte("SELECT 2;")},
	}

	migs, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 1 || migs[0].Name != "001_core.sql" {
		t.Fatalf("expected only 001_core.sql, got %+v", migs)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"01_b.sql":  {Data: []byte("SELECT 1;")},
	}
	if _, err := LoadMigrations(fsys); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_EmbeddedSchema(t *testing.T) {
	migs, err := LoadMigrations(migrations.FS)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) < 2 {
		t.Fatalf("expected at least 2 embedded migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 || migs[1].Version != 2 {
		t.Errorf("unexpected versions: %d, %d", migs[0].Version, migs[1].Version)
	}
}

func TestNewMigrator_DefaultSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{}, "")
	if m.schema != "public" {
		t.Errorf("expected public schema, got %s", m.schema)
	}
}
