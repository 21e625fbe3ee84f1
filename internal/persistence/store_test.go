package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/turfbot/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "turfbot.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "connections", "sessions"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow("SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;").Scan(&version, &checksum); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if version != 1 || checksum == "" {
		t.Fatalf("ledger = (%d, %q)", version, checksum)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	if err := store.RecordConnectionOpened(ctx, "c-1", "127.0.0.1:1", "/", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = store.Close()

	again, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if _, err := again.GetConnection(ctx, "c-1"); err != nil {
		t.Fatalf("connection lost across reopen: %v", err)
	}
}

func TestStore_ChecksumMismatchRejected(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec("UPDATE schema_migrations SET checksum = 'other' WHERE version = 1;"); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(path)
	if !errors.Is(err, persistence.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestStore_OpenRejectsEmptyPath(t *testing.T) {
	if _, err := persistence.Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_Ping(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	_ = store.Close()
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected ping on closed store to fail")
	}
}
