package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStoreGetSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, ok, err := store.Get(ctx, "api_queue"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "api_queue", `{"items":[]}`); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, err := store.Get(ctx, "api_queue")
	if err != nil || !ok || value != `{"items":[]}` {
		t.Fatalf("unexpected get result %q ok=%v err=%v", value, ok, err)
	}
	if err := store.Set(ctx, " ", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank key, got %v", err)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "client-store.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	ctx := context.Background()
	if err := store.Set(ctx, "api_queue", "snapshot-1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "other", "value"); err != nil {
		t.Fatalf("set other failed: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen file store failed: %v", err)
	}
	value, ok, err := reopened.Get(ctx, "api_queue")
	if err != nil || !ok || value != "snapshot-1" {
		t.Fatalf("expected persisted snapshot-1, got %q ok=%v err=%v", value, ok, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat store file failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 store file, got %v", info.Mode().Perm())
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file failed: %v", err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Fatalf("expected corrupt store file to fail")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")
	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, ok, err := store.Get(ctx, "api_queue"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "api_queue", "v1"); err != nil {
		t.Fatalf("set v1 failed: %v", err)
	}
	if err := store.Set(ctx, "api_queue", "v2"); err != nil {
		t.Fatalf("set v2 failed: %v", err)
	}
	value, ok, err := store.Get(ctx, "api_queue")
	if err != nil || !ok || value != "v2" {
		t.Fatalf("expected upserted v2, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestPostgresStoreSurfacesOpenFailure(t *testing.T) {
	store, err := NewPostgresStore("postgres://user@localhost/clinic")
	if err != nil {
		t.Fatalf("new postgres store failed: %v", err)
	}
	openErr := errors.New("dial refused")
	store.openDB = func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "postgres" {
			t.Fatalf("expected postgres driver, got %s", driverName)
		}
		return nil, openErr
	}
	if err := store.Set(context.Background(), "api_queue", "x"); !errors.Is(err, openErr) {
		t.Fatalf("expected open error from Set, got %v", err)
	}
	if _, _, err := store.Get(context.Background(), "api_queue"); !errors.Is(err, openErr) {
		t.Fatalf("expected open error from Get, got %v", err)
	}
	if _, err := NewPostgresStore("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank dsn, got %v", err)
	}
}

func TestPostgresStoreRetriesConnectAfterFailure(t *testing.T) {
	store, err := NewPostgresStore("postgres://user@localhost/clinic")
	if err != nil {
		t.Fatalf("new postgres store failed: %v", err)
	}
	outage := errors.New("connection refused")
	var opens int
	store.openDB = func(driverName, dsn string) (*sql.DB, error) {
		opens++
		if opens == 1 {
			return nil, outage
		}
		return nil, errors.New("still starting")
	}
	if err := store.Set(context.Background(), "api_queue", "x"); !errors.Is(err, outage) {
		t.Fatalf("expected first connect error, got %v", err)
	}
	if err := store.Set(context.Background(), "api_queue", "x"); err == nil || errors.Is(err, outage) {
		t.Fatalf("expected a fresh connect attempt, got %v", err)
	}
	if opens != 2 {
		t.Fatalf("expected connect retried, got %d opens", opens)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close without a connection failed: %v", err)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`clinic"kv`); got != `"clinic""kv"` {
		t.Fatalf("unexpected quoted identifier %s", got)
	}
}
