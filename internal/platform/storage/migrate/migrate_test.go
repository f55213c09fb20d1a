package migrate

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func TestApplyRecordsApplied(t *testing.T) {
	db := openInMemoryDB(t)

	migrations := fstest.MapFS{
		"001_events.sql": &fstest.MapFile{
			Data: []byte("-- +migrate Up\nCREATE TABLE events(seq INTEGER PRIMARY KEY);\n-- +migrate Down\nDROP TABLE events;"),
		},
	}

	if err := Apply(context.Background(), db, SQLite, migrations, ""); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	if rows := queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"); rows != 1 {
		t.Fatalf("migration rows = %d, want 1", rows)
	}
	if !tableExists(t, db, "events") {
		t.Fatal("expected applied table to exist")
	}
}

func TestApplySkipsAlreadyApplied(t *testing.T) {
	db := openInMemoryDB(t)

	migrations := fstest.MapFS{
		"001_events.sql": &fstest.MapFile{
			Data: []byte("-- +migrate Up\nCREATE TABLE events(seq INTEGER PRIMARY KEY);"),
		},
	}
	for i := 0; i < 2; i++ {
		if err := Apply(context.Background(), db, SQLite, migrations, ""); err != nil {
			t.Fatalf("apply migrations pass %d: %v", i, err)
		}
	}

	if rows := queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"); rows != 1 {
		t.Fatalf("migration rows after replay = %d, want 1", rows)
	}
}

func TestApplyDoesNotRecordFailedMigration(t *testing.T) {
	db := openInMemoryDB(t)

	bad := fstest.MapFS{
		"001_events.sql": &fstest.MapFile{
			Data: []byte("-- +migrate Up\nCREAT TABLE events(seq INT);"),
		},
	}
	if err := Apply(context.Background(), db, SQLite, bad, ""); err == nil {
		t.Fatal("expected bad migration to fail")
	}
	if rows := queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"); rows != 0 {
		t.Fatalf("migration rows = %d, want 0", rows)
	}

	good := fstest.MapFS{
		"001_events.sql": &fstest.MapFile{
			Data: []byte("-- +migrate Up\nCREATE TABLE events(seq INTEGER PRIMARY KEY);"),
		},
	}
	if err := Apply(context.Background(), db, SQLite, good, ""); err != nil {
		t.Fatalf("apply fixed migration: %v", err)
	}
	if rows := queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"); rows != 1 {
		t.Fatalf("migration rows = %d, want 1", rows)
	}
}

func TestApplyRespectsMigrationRoot(t *testing.T) {
	db := openInMemoryDB(t)

	migrations := fstest.MapFS{
		"sqlite/001_trackers.sql": &fstest.MapFile{
			Data: []byte("-- +migrate Up\nCREATE TABLE published_trackers(destination TEXT PRIMARY KEY);"),
		},
	}

	if err := Apply(context.Background(), db, SQLite, migrations, "sqlite"); err != nil {
		t.Fatalf("apply migrations with root: %v", err)
	}

	var key string
	if err := db.QueryRow("SELECT name FROM schema_migrations LIMIT 1").Scan(&key); err != nil {
		t.Fatalf("query key: %v", err)
	}
	if key != "sqlite/001_trackers.sql" {
		t.Fatalf("migration key = %q, want %q", key, "sqlite/001_trackers.sql")
	}
}

func TestApplyRejectsZeroDialect(t *testing.T) {
	db := openInMemoryDB(t)
	if err := Apply(context.Background(), db, Dialect{}, fstest.MapFS{}, ""); err == nil {
		t.Fatal("expected dialect error")
	}
}

func TestExtractUpMigration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "no markers", content: "CREATE TABLE a(x INT);", want: "CREATE TABLE a(x INT);"},
		{name: "up only", content: "-- +migrate Up\nCREATE TABLE a(x INT);", want: "\nCREATE TABLE a(x INT);"},
		{name: "up and down", content: "-- +migrate Up\nA;\n-- +migrate Down\nB;", want: "\nA;\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractUpMigration(tt.content); got != tt.want {
				t.Fatalf("ExtractUpMigration() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsAlreadyExistsError(t *testing.T) {
	if IsAlreadyExistsError(nil) {
		t.Fatal("nil should not be an already-exists error")
	}
	if !IsAlreadyExistsError(errors.New(`relation "events" already exists`)) {
		t.Fatal("expected postgres message to match")
	}
	if IsAlreadyExistsError(errors.New("syntax error")) {
		t.Fatal("syntax error should not match")
	}
}

func openInMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	// Each pooled connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
	})
	return db
}

func queryInt64(t *testing.T, db *sql.DB, query string) int64 {
	t.Helper()
	var value int64
	if err := db.QueryRow(query).Scan(&value); err != nil {
		t.Fatalf("query int value: %v", err)
	}
	return value
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	t.Helper()
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", tableName).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		t.Fatalf("check table exists: %v", err)
	}
	return name == tableName
}
