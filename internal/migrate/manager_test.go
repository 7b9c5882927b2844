package migrate

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestEmbeddedMigrationsAreGooseFiles(t *testing.T) {
	files, err := Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) == 0 {
		t.Fatalf("no embedded migrations")
	}
	for _, name := range files {
		body, err := fs.ReadFile(migrations, migrationsDir+"/"+name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		text := string(body)
		if !strings.Contains(text, "-- +goose Up") || !strings.Contains(text, "-- +goose Down") {
			t.Fatalf("%s lacks goose annotations", name)
		}
	}
}

func TestSchemaCarriesUniquenessConstraints(t *testing.T) {
	body, err := fs.ReadFile(migrations, migrationsDir+"/00001_init.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		"on users (lower(email)) where deleted_at is null",
		"event_id    text primary key",
		"replaced_by text references refresh_tokens (id)",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("schema lacks %q", want)
		}
	}
}

func TestNewManagerRequiresDB(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	m, err := NewManager(db, WithMigrationsTable("tc_migrations"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.migrationsTable != "tc_migrations" {
		t.Fatalf("table option ignored: %s", m.migrationsTable)
	}
}
