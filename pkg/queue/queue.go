package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/crashrelay/pkg/stores"
)

// Default limits.
const (
	DefaultMaxBytes   int64 = 10 << 20
	DefaultMaxEntries       = 10000
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue is closed")

	// ErrEntryTooLarge is returned by Append for an entry that alone exceeds
	// the byte cap.
	ErrEntryTooLarge = errors.New("entry exceeds queue byte cap")
)

// Entry is one serialized telemetry item.
type Entry struct {
	// ID is the telemetry item id.
	ID string

	// Bytes is the serialized item.
	Bytes []byte

	// EnqueuedAt is when the entry was appended.
	EnqueuedAt time.Time

	// Attempts counts failed delivery attempts.
	Attempts int
}

// Size is the length of the serialized item.
func (e Entry) Size() int64 { return int64(len(e.Bytes)) }

// Options configures a queue.
type Options struct {
	// MaxBytes caps the total size of the persisted records, item plus
	// bookkeeping. Zero means DefaultMaxBytes.
	MaxBytes int64

	// MaxEntries caps the number of stored entries. Zero means
	// DefaultMaxEntries, negative disables the cap.
	MaxEntries int

	// MaxAge evicts entries older than this. Zero disables age eviction.
	MaxAge time.Duration

	// Logger receives storage errors, which are otherwise swallowed.
	Logger zerolog.Logger

	// OnEvict is called with the number of entries evicted by each pass.
	OnEvict func(n int, reason string)

	// Now overrides the clock.
	Now func() time.Time
}

// Stats is a snapshot of queue occupancy.
type Stats struct {
	Available int
	InFlight  int
	Bytes     int64
	MaxBytes  int64
}

// Len returns the total number of stored entries.
func (s Stats) Len() int { return s.Available + s.InFlight }

// record is the persisted form of an entry.
type record struct {
	ID         string          `json:"id"`
	Seq        uint64          `json:"seq"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	Item       json.RawMessage `json:"item"`
}

type node struct {
	entry    Entry
	key      string
	seq      uint64
	stored   int64
	inFlight bool
}

// storageKey maps an item id onto a backend key. Ids the backend accepts are
// used as is; anything else is stored under a hash and recovered from the
// record.
func storageKey(id string) string {
	if stores.ValidateID(id) == nil {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return "h-" + hex.EncodeToString(sum[:])
}

// Queue is a durable FIFO of serialized telemetry items. It is safe for
// concurrent use.
type Queue struct {
	mu      sync.Mutex
	backend stores.Backend
	opts    Options
	logger  zerolog.Logger

	order  []*node
	byID   map[string]*node
	bytes  int64
	seq    uint64
	closed bool
}

// Open loads every entry persisted in backend and returns a queue with all of
// them available. Records that cannot be decoded are deleted.
func Open(ctx context.Context, backend stores.Backend, opts Options) (*Queue, error) {
	if backend == nil {
		return nil, fmt.Errorf("queue backend is required")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	q := &Queue{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "queue").Logger(),
		byID:    make(map[string]*node),
	}

	if err := q.load(ctx); err != nil {
		return nil, err
	}
	q.EvictOverflow(ctx)
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	ids, err := q.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted entries: %w", err)
	}

	for _, key := range ids {
		data, err := q.backend.Read(ctx, key)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				continue
			}
			return fmt.Errorf("failed to read persisted entry: %w", err)
		}

		var rec record
		if err := json.Unmarshal(data, &rec); err != nil || rec.ID == "" || storageKey(rec.ID) != key || len(rec.Item) == 0 {
			q.logger.Warn().Str("key", key).Msg("Deleting corrupt queue record")
			if err := q.backend.Delete(ctx, key); err != nil {
				q.logger.Error().Err(err).Str("key", key).Msg("Failed to delete corrupt queue record")
			}
			continue
		}
		if _, dup := q.byID[rec.ID]; dup {
			continue
		}

		n := &node{
			entry: Entry{
				ID:         rec.ID,
				Bytes:      []byte(rec.Item),
				EnqueuedAt: rec.EnqueuedAt,
				Attempts:   rec.Attempts,
			},
			key:    key,
			seq:    rec.Seq,
			stored: int64(len(data)),
		}
		q.order = append(q.order, n)
		q.byID[rec.ID] = n
		q.bytes += n.stored
		if rec.Seq > q.seq {
			q.seq = rec.Seq
		}
	}

	// Sequence numbers are the append order. Records written without one
	// fall back to their timestamp.
	sort.SliceStable(q.order, func(i, j int) bool {
		a, b := q.order[i], q.order[j]
		if a.seq != 0 && b.seq != 0 {
			return a.seq < b.seq
		}
		if !a.entry.EnqueuedAt.Equal(b.entry.EnqueuedAt) {
			return a.entry.EnqueuedAt.Before(b.entry.EnqueuedAt)
		}
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.entry.ID < b.entry.ID
	})

	if len(q.order) > 0 {
		q.logger.Info().Int("entries", len(q.order)).Int64("bytes", q.bytes).Msg("Reloaded persisted entries")
	}
	return nil
}

// Append persists a new entry at the tail. An id already in the queue is
// ignored. Storage failures are logged and returned; the entry is not queued.
func (q *Queue) Append(ctx context.Context, id string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, exists := q.byID[id]; exists {
		return nil
	}
	if id == "" {
		return fmt.Errorf("entry id is required")
	}
	if !json.Valid(data) {
		return fmt.Errorf("entry %s is not valid JSON", id)
	}

	n := &node{
		entry: Entry{
			ID:         id,
			Bytes:      append([]byte(nil), data...),
			EnqueuedAt: q.opts.Now().UTC(),
		},
		key: storageKey(id),
		seq: q.seq + 1,
	}

	rec, err := n.encode()
	if err != nil {
		return err
	}
	if int64(len(rec)) > q.opts.MaxBytes {
		q.logger.Warn().Str("id", id).Int("bytes", len(rec)).Msg("Dropping entry larger than queue cap")
		return fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, len(rec))
	}
	if err := q.backend.Write(ctx, n.key, rec); err != nil {
		q.logger.Error().Err(err).Str("id", id).Msg("Failed to persist queue entry")
		return err
	}

	q.seq = n.seq
	n.stored = int64(len(rec))
	q.order = append(q.order, n)
	q.byID[id] = n
	q.bytes += n.stored

	q.evictLocked(ctx)
	return nil
}

func (n *node) encode() ([]byte, error) {
	data, err := json.Marshal(record{
		ID:         n.entry.ID,
		Seq:        n.seq,
		EnqueuedAt: n.entry.EnqueuedAt,
		Attempts:   n.entry.Attempts,
		Item:       json.RawMessage(n.entry.Bytes),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue record: %w", err)
	}
	return data, nil
}

// persist rewrites the record of a queued node and keeps the byte total in
// step with its new size.
func (q *Queue) persist(ctx context.Context, n *node) error {
	data, err := n.encode()
	if err != nil {
		return err
	}
	if err := q.backend.Write(ctx, n.key, data); err != nil {
		return err
	}
	q.bytes += int64(len(data)) - n.stored
	n.stored = int64(len(data))
	return nil
}

// TakeBatch marks up to maxCount of the oldest available entries in flight
// and returns them, stopping before the batch would exceed maxBytes. The
// batch holds at least one entry whenever an entry is available, even one
// larger than maxBytes. A non-positive maxBytes disables the byte limit.
func (q *Queue) TakeBatch(maxCount int, maxBytes int64) []Entry {
	if maxCount <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	var (
		batch []Entry
		total int64
	)
	for _, n := range q.order {
		if n.inFlight {
			continue
		}
		size := n.entry.Size()
		if len(batch) > 0 && maxBytes > 0 && total+size > maxBytes {
			break
		}
		n.inFlight = true
		batch = append(batch, n.entry)
		total += size
		if len(batch) >= maxCount {
			break
		}
	}
	return batch
}

// Confirm deletes delivered entries. Unknown ids are ignored.
func (q *Queue) Confirm(ctx context.Context, ids ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		n, ok := q.byID[id]
		if !ok {
			continue
		}
		q.removeLocked(ctx, n)
	}
}

// Release returns in-flight entries to the available set, keeping their
// original position, and records the failed attempt.
func (q *Queue) Release(ctx context.Context, ids ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		n, ok := q.byID[id]
		if !ok || !n.inFlight {
			continue
		}
		n.inFlight = false
		n.entry.Attempts++
		if q.closed {
			continue
		}
		if err := q.persist(ctx, n); err != nil {
			q.logger.Warn().Err(err).Str("id", id).Msg("Failed to persist attempt count")
		}
	}
}

// EvictOverflow removes the oldest entries until every bound holds and
// returns how many were removed.
func (q *Queue) EvictOverflow(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictLocked(ctx)
}

func (q *Queue) evictLocked(ctx context.Context) int {
	evicted := 0

	if q.opts.MaxAge > 0 {
		cutoff := q.opts.Now().Add(-q.opts.MaxAge)
		aged := 0
		for len(q.order) > 0 && q.order[0].entry.EnqueuedAt.Before(cutoff) {
			q.removeLocked(ctx, q.order[0])
			aged++
		}
		if aged > 0 {
			q.reportEviction(aged, "age")
			evicted += aged
		}
	}

	overflow := 0
	for len(q.order) > 0 && (q.bytes > q.opts.MaxBytes || (q.opts.MaxEntries > 0 && len(q.order) > q.opts.MaxEntries)) {
		q.removeLocked(ctx, q.order[0])
		overflow++
	}
	if overflow > 0 {
		q.reportEviction(overflow, "capacity")
		evicted += overflow
	}

	return evicted
}

func (q *Queue) reportEviction(n int, reason string) {
	q.logger.Warn().Int("evicted", n).Str("reason", reason).Msg("Evicted oldest queue entries")
	if q.opts.OnEvict != nil {
		q.opts.OnEvict(n, reason)
	}
}

func (q *Queue) removeLocked(ctx context.Context, n *node) {
	for i, candidate := range q.order {
		if candidate == n {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	delete(q.byID, n.entry.ID)
	q.bytes -= n.stored

	if err := q.backend.Delete(ctx, n.key); err != nil {
		q.logger.Error().Err(err).Str("id", n.entry.ID).Msg("Failed to delete queue entry")
	}
}

// Stats returns current occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Bytes: q.bytes, MaxBytes: q.opts.MaxBytes}
	for _, n := range q.order {
		if n.inFlight {
			s.InFlight++
		} else {
			s.Available++
		}
	}
	return s
}

// Len returns the number of stored entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Entries returns a snapshot of every stored entry in queue order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.order))
	for _, n := range q.order {
		out = append(out, n.entry)
	}
	return out
}

// Purge deletes every stored entry and returns how many were removed.
func (q *Queue) Purge(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.order)
	for len(q.order) > 0 {
		q.removeLocked(ctx, q.order[0])
	}
	return n
}

// Close stops accepting entries. Persisted entries stay in the backend; the
// backend itself is owned by the caller.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
