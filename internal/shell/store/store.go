package store

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/dualdeploy/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store is the Artifact Store: the durable map from unit name to its last
// deployment record.
//
// Every method is safe for concurrent use. Writes are durable when the call
// returns.
type Store interface {
	// Get returns the record stored under name, or ErrNotFound.
	Get(ctx context.Context, name string) (*domain.DeploymentRecord, error)

	// Snapshot returns a consistent copy of every record keyed by name.
	Snapshot(ctx context.Context) (map[string]*domain.DeploymentRecord, error)

	// List returns every record sorted by name.
	List(ctx context.Context) ([]*domain.DeploymentRecord, error)

	// Put inserts or replaces the record under rec.Name.
	Put(ctx context.Context, rec *domain.DeploymentRecord) error

	// PutBatch writes several records atomically.
	PutBatch(ctx context.Context, recs []*domain.DeploymentRecord) error

	// Delete removes the record under name, or returns ErrNotFound.
	Delete(ctx context.Context, name string) error

	// AcquireLease takes the execute lease for owner. The lease expires
	// after ttl so a crashed owner does not block the store forever.
	// Re-acquiring as the current owner extends it. Any other live owner
	// yields ErrBusy.
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) error

	// ReleaseLease drops the lease if owner holds it.
	ReleaseLease(ctx context.Context, owner string) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"

	// DefaultLeaseTTL bounds how long a crashed session can hold the lease.
	DefaultLeaseTTL = 30 * time.Minute
)

// Options selects and configures a Store implementation.
type Options struct {
	Driver string // "sqlite" (default) or "file"
	DSN    string // SQLite data source, e.g. "dualdeploy.db" or ":memory:"
	Path   string // JSON file path for the file driver
}

// Open creates the store selected by opts.
func Open(opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		dsn := opts.DSN
		if dsn == "" {
			dsn = "dualdeploy.db"
		}
		return NewSQLiteStore(dsn)
	case DriverFile:
		return NewFileStore(opts.Path)
	default:
		return nil, NewStoreError("Open", "", "", fmt.Sprintf("driver %q", opts.Driver), ErrUnknownDriver)
	}
}

// validateRecord rejects records that cannot be persisted.
func validateRecord(op string, rec *domain.DeploymentRecord) error {
	if rec == nil {
		return NewStoreError(op, "record", "", "record is nil", ErrInvalidData)
	}
	if rec.Name == "" {
		return NewStoreError(op, "record", "", "record has no name", ErrInvalidData)
	}
	if !rec.Status.Valid() {
		return NewStoreError(op, "record", rec.Name, fmt.Sprintf("invalid status %q", rec.Status), ErrInvalidData)
	}
	return nil
}
