package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func newTestMigrator(t *testing.T, files fstest.MapFS) *Migrator {
	t.Helper()
	m, err := NewMigrator(nil, files, "public")
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	return m
}

func TestLoadMigrations(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_scheduling.sql": {Data: []byte("CREATE TABLE doctor_calendar (doctor_id UUID PRIMARY KEY);")},
		"002_exceptions.sql": {Data: []byte("CREATE TABLE schedule_exception (id UUID PRIMARY KEY);")},
	})

	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_scheduling.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE doctor_calendar (doctor_id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migrations[1].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	})

	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 5, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsNonMigrationFiles(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_core.sql":      {Data: []byte("SELECT 1;")},
		"README.md":         {Data: []byte("docs")},
		"notes.sql":         {Data: []byte("SELECT 0;")},
		"abc_bad.sql":       {Data: []byte("SELECT 0;")},
		"sub/002_inner.sql": {Data: []byte("SELECT 2;")},
	})

	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d: %+v", len(migrations), migrations)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 1;")},
	})
	if _, err := m.LoadMigrations(); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{})
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		schema string
		ok     bool
	}{
		{"public", true},
		{"hms_scheduler", true},
		{"_private", true},
		{"", false},
		{"Public", false},
		{"1abc", false},
		{"public; DROP TABLE x", false},
		{`"quoted"`, false},
	}
	for _, tt := range tests {
		err := ValidateSchema(tt.schema)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateSchema(%q) error = %v, want ok=%v", tt.schema, err, tt.ok)
		}
	}
}

func TestNewMigrator_RejectsBadSchema(t *testing.T) {
	if _, err := NewMigrator(nil, fstest.MapFS{}, "bad schema"); err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{{Version: 1}, {Version: 2}, {Version: 3}, {Version: 4}}
	done := map[int]time.Time{1: time.Now(), 3: time.Now()}

	got := pending(migrations, done, 0)
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 4 {
		t.Errorf("pending all: got %+v", got)
	}

	got = pending(migrations, done, 3)
	if len(got) != 1 || got[0].Version != 2 {
		t.Errorf("pending up to 3: got %+v", got)
	}
}

func TestStatuses(t *testing.T) {
	at := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	got := statuses([]Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}, map[int]time.Time{1: at})
	if len(got) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(got))
	}
	if !got[0].Applied || got[0].AppliedAt == nil || !got[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %v, got %+v", at, got[0])
	}
	if got[1].Applied || got[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", got[1])
	}
}
