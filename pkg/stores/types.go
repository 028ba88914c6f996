package stores

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Read when no entry has the given id.
var ErrNotFound = errors.New("entry not found")

// ErrInvalidID is returned for ids that cannot be used as storage keys.
var ErrInvalidID = errors.New("invalid entry id")

// Backend stores opaque entry bytes keyed by id. Implementations must be safe
// for concurrent use. Delete of a missing id is not an error.
type Backend interface {
	// Write stores data under id, replacing any previous value.
	Write(ctx context.Context, id string, data []byte) error

	// Read returns the data stored under id or ErrNotFound.
	Read(ctx context.Context, id string) ([]byte, error)

	// Delete removes id.
	Delete(ctx context.Context, id string) error

	// List returns every stored id in no particular order.
	List(ctx context.Context) ([]string, error)

	// Close releases the backend's resources.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	// Driver is one of file, sqlite or memory.
	Driver string

	// Path is the directory for the file driver or the database file for
	// the sqlite driver.
	Path string
}

// Open creates, initializes and migrates the configured backend.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Driver {
	case DriverFile, "":
		return NewFileStore(cfg.Path)
	case DriverSQLite:
		store, err := NewSQLiteStore(SQLiteConfig{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// ValidateID reports whether id is usable as a key by every backend.
func ValidateID(id string) error {
	if id == "" || len(id) > 128 || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}
