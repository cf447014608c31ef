package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// executeLease is the single lease row guarding Execute.
const executeLease = "execute"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	db, err := sqlx.Open("sqlite3", dsn+sep+"_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// One writer at a time; this also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Record Operations
// =============================================================================

// recordRow represents a deployment record row in the database.
type recordRow struct {
	Name                string  `db:"name"`
	Address             string  `db:"address"`
	ConstructorArgsHash string  `db:"constructor_args_hash"`
	ExecutionTxRef      string  `db:"execution_tx_ref"`
	AnchorTxRef         *string `db:"anchor_tx_ref"`
	Status              string  `db:"status"`
	CreatedAtHeight     int64   `db:"created_at_height"`
	Kind                string  `db:"kind"`
	BatchID             string  `db:"batch_id"`
	ErrorMessage        string  `db:"error_message"`
	UpdatedAt           string  `db:"updated_at"`
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (*domain.DeploymentRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM deployments WHERE name = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("Get", "record", name, "record not found", ErrNotFound)
		}
		return nil, NewStoreError("Get", "record", name, err.Error(), err)
	}
	return rowToRecord(&row)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*domain.DeploymentRecord, error) {
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM deployments ORDER BY name`); err != nil {
		return nil, NewStoreError("List", "record", "", err.Error(), err)
	}

	records := make([]*domain.DeploymentRecord, 0, len(rows))
	for i := range rows {
		rec, err := rowToRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context) (map[string]*domain.DeploymentRecord, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]*domain.DeploymentRecord, len(records))
	for _, rec := range records {
		snapshot[rec.Name] = rec
	}
	return snapshot, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec *domain.DeploymentRecord) error {
	if err := validateRecord("Put", rec); err != nil {
		return err
	}
	return putRecord(ctx, s.db, rec)
}

func (s *SQLiteStore) PutBatch(ctx context.Context, recs []*domain.DeploymentRecord) error {
	for _, rec := range recs {
		if err := validateRecord("PutBatch", rec); err != nil {
			return err
		}
	}
	return s.withTx(ctx, func(exec executor) error {
		for _, rec := range recs {
			if err := putRecord(ctx, exec, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE name = ?`, name)
	if err != nil {
		return NewStoreError("Delete", "record", name, err.Error(), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("Delete", "record", name, err.Error(), err)
	}
	if affected == 0 {
		return NewStoreError("Delete", "record", name, "record not found", ErrNotFound)
	}
	return nil
}

// =============================================================================
// Lease Operations
// =============================================================================

func (s *SQLiteStore) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	now := time.Now()

	// The conflict branch only takes over an expired lease or one we
	// already hold; otherwise no row changes.
	query := `
		INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE leases.expires_at < ? OR leases.owner = excluded.owner`

	result, err := s.db.ExecContext(ctx, query, executeLease, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return NewStoreError("AcquireLease", "lease", owner, err.Error(), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("AcquireLease", "lease", owner, err.Error(), err)
	}
	if affected == 0 {
		return NewStoreError("AcquireLease", "lease", owner, "lease held by another owner", ErrBusy)
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, executeLease, owner)
	if err != nil {
		return NewStoreError("ReleaseLease", "lease", owner, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) withTx(ctx context.Context, fn func(executor) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func putRecord(ctx context.Context, exec executor, rec *domain.DeploymentRecord) error {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO deployments (
			name, address, constructor_args_hash, execution_tx_ref, anchor_tx_ref,
			status, created_at_height, kind, batch_id, error_message, updated_at
		) VALUES (
			:name, :address, :constructor_args_hash, :execution_tx_ref, :anchor_tx_ref,
			:status, :created_at_height, :kind, :batch_id, :error_message, :updated_at
		)
		ON CONFLICT(name) DO UPDATE SET
			address = excluded.address,
			constructor_args_hash = excluded.constructor_args_hash,
			execution_tx_ref = excluded.execution_tx_ref,
			anchor_tx_ref = excluded.anchor_tx_ref,
			status = excluded.status,
			created_at_height = excluded.created_at_height,
			kind = excluded.kind,
			batch_id = excluded.batch_id,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"name":                  rec.Name,
		"address":               rec.Address,
		"constructor_args_hash": rec.ConstructorArgsHash,
		"execution_tx_ref":      rec.ExecutionTxRef,
		"anchor_tx_ref":         rec.AnchorTxRef,
		"status":                string(rec.Status),
		"created_at_height":     int64(rec.CreatedAtHeight),
		"kind":                  string(rec.Kind),
		"batch_id":              rec.BatchID,
		"error_message":         rec.Error,
		"updated_at":            updatedAt.Format(time.RFC3339Nano),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "CHECK constraint failed") {
			return NewStoreError("Put", "record", rec.Name, "invalid status", ErrInvalidData)
		}
		return NewStoreError("Put", "record", rec.Name, err.Error(), err)
	}
	return nil
}

// rowToRecord converts a database row to a domain.DeploymentRecord.
func rowToRecord(row *recordRow) (*domain.DeploymentRecord, error) {
	status := domain.RecordStatus(row.Status)
	if !status.Valid() {
		return nil, NewStoreError("rowToRecord", "record", row.Name, fmt.Sprintf("invalid status %q", row.Status), ErrInvalidData)
	}
	updatedAt, _ := time.Parse(time.RFC3339Nano, row.UpdatedAt)

	return &domain.DeploymentRecord{
		Name:                row.Name,
		Address:             row.Address,
		ConstructorArgsHash: row.ConstructorArgsHash,
		ExecutionTxRef:      row.ExecutionTxRef,
		AnchorTxRef:         row.AnchorTxRef,
		Status:              status,
		CreatedAtHeight:     uint64(row.CreatedAtHeight),
		Kind:                domain.UnitKind(row.Kind),
		BatchID:             row.BatchID,
		Error:               row.ErrorMessage,
		UpdatedAt:           updatedAt,
	}, nil
}
