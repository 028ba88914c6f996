package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/crashrelay/pkg/stores"
)

func payload(i int) []byte {
	return []byte(fmt.Sprintf(`{"i":%d}`, i))
}

// sized returns a JSON payload of exactly n bytes.
func sized(n int) []byte {
	return []byte(`"` + strings.Repeat("x", n-2) + `"`)
}

func openTestQueue(t *testing.T, backend stores.Backend, opts Options) *Queue {
	t.Helper()

	q, err := Open(context.Background(), backend, opts)
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	return q
}

func appendN(t *testing.T, q *Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := q.Append(context.Background(), fmt.Sprintf("id-%03d", i), payload(i)); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTakeBatch_FIFO(t *testing.T) {
	q := openTestQueue(t, stores.NewMemoryStore(), Options{})
	appendN(t, q, 5)

	first := q.TakeBatch(2, 0)
	second := q.TakeBatch(10, 0)

	if got := strings.Join(ids(first), ","); got != "id-000,id-001" {
		t.Errorf("first batch = %s", got)
	}
	if got := strings.Join(ids(second), ","); got != "id-002,id-003,id-004" {
		t.Errorf("second batch = %s", got)
	}
	if extra := q.TakeBatch(10, 0); len(extra) != 0 {
		t.Errorf("expected no available entries, got %v", ids(extra))
	}
}

func TestTakeBatch_Limits(t *testing.T) {
	tests := []struct {
		name     string
		sizes    []int
		maxCount int
		maxBytes int64
		want     int
	}{
		{"count limit", []int{10, 10, 10}, 2, 0, 2},
		{"byte limit", []int{10, 10, 10}, 10, 25, 2},
		{"byte limit stops at first misfit", []int{10, 30, 5}, 10, 25, 1},
		{"oversized single entry", []int{100, 10}, 10, 50, 1},
		{"zero count", []int{10}, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := openTestQueue(t, stores.NewMemoryStore(), Options{})
			for i, size := range tt.sizes {
				if err := q.Append(context.Background(), fmt.Sprintf("e%d", i), sized(size)); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}

			batch := q.TakeBatch(tt.maxCount, tt.maxBytes)
			if len(batch) != tt.want {
				t.Errorf("batch size = %d, want %d", len(batch), tt.want)
			}
		})
	}
}

func TestTakeBatch_ConcurrentCallersNeverShareEntries(t *testing.T) {
	q := openTestQueue(t, stores.NewMemoryStore(), Options{})
	appendN(t, q, 200)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch := q.TakeBatch(7, 0)
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					seen[e.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 200 {
		t.Errorf("saw %d distinct entries, want 200", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("entry %s handed out %d times", id, n)
		}
	}
}

func TestConfirm_DeletesFromBackend(t *testing.T) {
	backend := stores.NewMemoryStore()
	q := openTestQueue(t, backend, Options{})
	appendN(t, q, 3)

	batch := q.TakeBatch(2, 0)
	q.Confirm(context.Background(), ids(batch)...)
	q.Confirm(context.Background(), ids(batch)...)

	stored, _ := backend.List(context.Background())
	if len(stored) != 1 {
		t.Errorf("backend holds %d entries, want 1", len(stored))
	}
	if stats := q.Stats(); stats.Len() != 1 || stats.InFlight != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRelease_ReturnsEntriesToHead(t *testing.T) {
	q := openTestQueue(t, stores.NewMemoryStore(), Options{})
	appendN(t, q, 3)

	batch := q.TakeBatch(2, 0)
	q.Release(context.Background(), ids(batch)...)

	again := q.TakeBatch(10, 0)
	if got := strings.Join(ids(again), ","); got != "id-000,id-001,id-002" {
		t.Errorf("order after release = %s", got)
	}
	if again[0].Attempts != 1 || again[2].Attempts != 0 {
		t.Errorf("attempts = %d, %d", again[0].Attempts, again[2].Attempts)
	}
}

func TestOpen_ReloadsUnconfirmedEntries(t *testing.T) {
	backend := stores.NewMemoryStore()
	ctx := context.Background()

	q := openTestQueue(t, backend, Options{})
	appendN(t, q, 4)
	q.Confirm(ctx, ids(q.TakeBatch(1, 0))...)
	inFlight := q.TakeBatch(1, 0)
	if len(inFlight) != 1 {
		t.Fatal("expected an in-flight entry")
	}
	// Process dies here without confirming or releasing.

	reopened := openTestQueue(t, backend, Options{})
	stats := reopened.Stats()
	if stats.Available != 3 || stats.InFlight != 0 {
		t.Fatalf("stats after reload = %+v", stats)
	}
	batch := reopened.TakeBatch(10, 0)
	if got := strings.Join(ids(batch), ","); got != "id-001,id-002,id-003" {
		t.Errorf("reloaded order = %s", got)
	}
	if string(batch[0].Bytes) != string(payload(1)) {
		t.Errorf("reloaded bytes = %s", batch[0].Bytes)
	}
}

func TestOpen_ReloadsFromFileStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	backend, err := stores.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	q := openTestQueue(t, backend, Options{})
	appendN(t, q, 3)
	_ = q.Close()

	backend2, err := stores.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	reopened := openTestQueue(t, backend2, Options{})
	if got := strings.Join(ids(reopened.TakeBatch(10, 0)), ","); got != "id-000,id-001,id-002" {
		t.Errorf("reloaded order = %s", got)
	}
	reopened.Confirm(ctx, "id-000")
}

func TestOpen_DeletesCorruptRecords(t *testing.T) {
	backend := stores.NewMemoryStore()
	ctx := context.Background()
	_ = backend.Write(ctx, "garbage", []byte("not json"))
	_ = backend.Write(ctx, "mismatch", []byte(`{"id":"other","item":{}}`))

	q := openTestQueue(t, backend, Options{})
	appendN(t, q, 1)

	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
	stored, _ := backend.List(ctx)
	if len(stored) != 1 {
		t.Errorf("corrupt records not deleted: %v", stored)
	}
}

// recordSize is the persisted length of an entry appended at the given
// sequence number.
func recordSize(t *testing.T, id string, data []byte, at time.Time, seq uint64) int64 {
	t.Helper()

	n := &node{entry: Entry{ID: id, Bytes: data, EnqueuedAt: at}, seq: seq}
	rec, err := n.encode()
	if err != nil {
		t.Fatal(err)
	}
	return int64(len(rec))
}

func TestEvictOverflow_ByteCap(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	size := recordSize(t, "e0", sized(30), clock.Now(), 1)
	limit := 3*size + size/2

	backend := stores.NewMemoryStore()
	var evicted int
	q := openTestQueue(t, backend, Options{
		MaxBytes: limit,
		Now:      clock.Now,
		OnEvict:  func(n int, _ string) { evicted += n },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Append(ctx, fmt.Sprintf("e%d", i), sized(30)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if stats := q.Stats(); stats.Bytes > limit {
			t.Fatalf("stored bytes %d exceed cap %d", stats.Bytes, limit)
		}
	}

	if evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}
	if got := strings.Join(ids(q.Entries()), ","); got != "e2,e3,e4" {
		t.Errorf("remaining = %s", got)
	}
	stored, _ := backend.List(ctx)
	if len(stored) != 3 {
		t.Errorf("backend holds %d entries, want 3", len(stored))
	}
}

func TestEvictOverflow_EvictsInFlight(t *testing.T) {
	q := openTestQueue(t, stores.NewMemoryStore(), Options{MaxEntries: 2})
	ctx := context.Background()
	appendN(t, q, 2)

	batch := q.TakeBatch(1, 0)
	if err := q.Append(ctx, "late", payload(9)); err != nil {
		t.Fatal(err)
	}

	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	// Acknowledging an evicted in-flight entry is a no-op.
	q.Confirm(ctx, ids(batch)...)
	q.Release(ctx, ids(batch)...)
	if got := strings.Join(ids(q.Entries()), ","); got != "id-001,late" {
		t.Errorf("remaining = %s", got)
	}
}

func TestEvictOverflow_MaxAge(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := openTestQueue(t, stores.NewMemoryStore(), Options{MaxAge: time.Hour, Now: clock.Now})
	appendN(t, q, 2)

	clock.Advance(30 * time.Minute)
	_ = q.Append(context.Background(), "fresh", payload(3))
	clock.Advance(45 * time.Minute)

	if n := q.EvictOverflow(context.Background()); n != 2 {
		t.Errorf("evicted %d, want 2", n)
	}
	if got := strings.Join(ids(q.Entries()), ","); got != "fresh" {
		t.Errorf("remaining = %s", got)
	}
}

func TestAppend_Rejections(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, stores.NewMemoryStore(), Options{MaxBytes: 200})

	if err := q.Append(ctx, "big", sized(201)); !errors.Is(err, ErrEntryTooLarge) {
		t.Errorf("expected ErrEntryTooLarge, got %v", err)
	}
	// The payload fits but the persisted record does not.
	if err := q.Append(ctx, "wrapped", sized(190)); !errors.Is(err, ErrEntryTooLarge) {
		t.Errorf("expected ErrEntryTooLarge, got %v", err)
	}
	if err := q.Append(ctx, "bad", []byte("{")); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if err := q.Append(ctx, "", payload(1)); err == nil {
		t.Error("expected error for empty id")
	}
	if err := q.Append(ctx, "dup", payload(1)); err != nil {
		t.Fatal(err)
	}
	if err := q.Append(ctx, "dup", payload(2)); err != nil {
		t.Errorf("duplicate append should be ignored, got %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}

	_ = q.Close()
	if err := q.Append(ctx, "late", payload(3)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

type failingBackend struct {
	*stores.MemoryStore
}

func (failingBackend) Write(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestAppend_StorageFailureDoesNotQueue(t *testing.T) {
	q := openTestQueue(t, failingBackend{stores.NewMemoryStore()}, Options{})

	if err := q.Append(context.Background(), "x", payload(1)); err == nil {
		t.Error("expected storage error")
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestPurge(t *testing.T) {
	backend := stores.NewMemoryStore()
	q := openTestQueue(t, backend, Options{})
	appendN(t, q, 3)

	if n := q.Purge(context.Background()); n != 3 {
		t.Errorf("Purge = %d, want 3", n)
	}
	stored, _ := backend.List(context.Background())
	if len(stored) != 0 || q.Stats().Bytes != 0 {
		t.Errorf("queue not empty after purge: %v", stored)
	}
}

func TestStats_BytesCountPersistedRecords(t *testing.T) {
	backend := stores.NewMemoryStore()
	ctx := context.Background()
	q := openTestQueue(t, backend, Options{})
	appendN(t, q, 3)

	// Release rewrites the record with a new attempt count.
	q.Release(ctx, ids(q.TakeBatch(1, 0))...)

	sum := func() int64 {
		keys, err := backend.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var total int64
		for _, key := range keys {
			data, err := backend.Read(ctx, key)
			if err != nil {
				t.Fatal(err)
			}
			total += int64(len(data))
		}
		return total
	}

	if got, want := q.Stats().Bytes, sum(); got != want {
		t.Errorf("Stats.Bytes = %d, backend holds %d", got, want)
	}
	if got, want := openTestQueue(t, backend, Options{}).Stats().Bytes, sum(); got != want {
		t.Errorf("reloaded Stats.Bytes = %d, backend holds %d", got, want)
	}

	q.Confirm(ctx, "id-000", "id-001", "id-002")
	if got := q.Stats().Bytes; got != 0 {
		t.Errorf("Stats.Bytes after confirm = %d", got)
	}
}

func TestAppend_IDsOutsideBackendCharset(t *testing.T) {
	backend := stores.NewMemoryStore()
	ctx := context.Background()
	want := []string{"crash/42", "order:17", "../escape", strings.Repeat("long", 50), "plain-id"}

	q := openTestQueue(t, backend, Options{})
	for i, id := range want {
		if err := q.Append(ctx, id, payload(i)); err != nil {
			t.Fatalf("Append(%q) failed: %v", id, err)
		}
	}
	keys, _ := backend.List(ctx)
	for _, key := range keys {
		if err := stores.ValidateID(key); err != nil {
			t.Errorf("backend key %q is invalid: %v", key, err)
		}
	}

	reopened := openTestQueue(t, backend, Options{})
	batch := reopened.TakeBatch(10, 0)
	if got := strings.Join(ids(batch), ","); got != strings.Join(want, ",") {
		t.Fatalf("reloaded ids = %s", got)
	}
	if string(batch[0].Bytes) != string(payload(0)) {
		t.Errorf("reloaded bytes = %s", batch[0].Bytes)
	}

	reopened.Confirm(ctx, ids(batch)...)
	if keys, _ := backend.List(ctx); len(keys) != 0 {
		t.Errorf("records left after confirm: %v", keys)
	}
}

func TestOpen_KeepsAppendOrderAcrossClockStep(t *testing.T) {
	backend := stores.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}

	q := openTestQueue(t, backend, Options{Now: clock.Now})
	if err := q.Append(context.Background(), "a", payload(1)); err != nil {
		t.Fatal(err)
	}
	// Wall clock steps backwards between appends.
	clock.Advance(-time.Minute)
	if err := q.Append(context.Background(), "b", payload(2)); err != nil {
		t.Fatal(err)
	}

	reopened := openTestQueue(t, backend, Options{Now: clock.Now})
	if got := strings.Join(ids(reopened.Entries()), ","); got != "a,b" {
		t.Errorf("reloaded order = %s, want a,b", got)
	}
}

func TestOpen_LegacyRecordsOrderByTime(t *testing.T) {
	backend := stores.NewMemoryStore()
	ctx := context.Background()
	_ = backend.Write(ctx, "late", []byte(`{"id":"late","enqueued_at":"2024-01-01T00:02:00Z","item":{}}`))
	_ = backend.Write(ctx, "early", []byte(`{"id":"early","enqueued_at":"2024-01-01T00:01:00Z","item":{}}`))

	q := openTestQueue(t, backend, Options{})
	if got := strings.Join(ids(q.Entries()), ","); got != "early,late" {
		t.Errorf("reloaded order = %s, want early,late", got)
	}
}
