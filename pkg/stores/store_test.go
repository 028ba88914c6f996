package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupFileStore(t *testing.T) *FileStore {
	t.Helper()

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	return store
}

func backends(t *testing.T) map[string]Backend {
	return map[string]Backend{
		"sqlite": setupTestStore(t),
		"file":   setupFileStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestBackend_CRUD(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Write(ctx, "a", []byte("one")); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if err := store.Write(ctx, "b", []byte("two")); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if err := store.Write(ctx, "a", []byte("uno")); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}

			data, err := store.Read(ctx, "a")
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if string(data) != "uno" {
				t.Errorf("Read = %q, want %q", data, "uno")
			}

			ids, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			sort.Strings(ids)
			if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
				t.Errorf("List = %v", ids)
			}

			if err := store.Delete(ctx, "a"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := store.Delete(ctx, "a"); err != nil {
				t.Errorf("second Delete should be a no-op, got %v", err)
			}
			if _, err := store.Read(ctx, "a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestBackend_RejectsInvalidIDs(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"", "../escape", "a/b", ".hidden", "sp ace"} {
				if err := store.Write(context.Background(), id, []byte("x")); !errors.Is(err, ErrInvalidID) {
					t.Errorf("Write(%q) = %v, want ErrInvalidID", id, err)
				}
			}
		})
	}
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := store.Write(ctx, "persisted", []byte("payload")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Simulate a write interrupted before rename.
	if err := os.WriteFile(filepath.Join(dir, tmpPrefix+"123"), []byte("partial"), 0o600); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	ids, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "persisted" {
		t.Errorf("List = %v, want [persisted]", ids)
	}
	if _, err := os.Stat(filepath.Join(dir, tmpPrefix+"123")); !os.IsNotExist(err) {
		t.Error("stale temp file was not removed")
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := Open(ctx, Config{Driver: DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Write(ctx, "persisted", []byte("payload")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(ctx, Config{Driver: DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	data, err := reopened.Read(ctx, "persisted")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("Read = %q", data)
	}
}

func TestSQLiteStore_HealthCheck(t *testing.T) {
	store := setupTestStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	uninitialized, _ := NewSQLiteStore(SQLiteConfig{Path: ":memory:"})
	if err := uninitialized.HealthCheck(context.Background()); err == nil {
		t.Error("expected error from uninitialized store")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "redis"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestMemoryStore_CopiesData(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")

	_ = store.Write(ctx, "k", buf)
	buf[0] = 'z'

	got, _ := store.Read(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored data aliased caller buffer: %q", got)
	}
}
