package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// AuditSchemaVersion is the migration the audit repository reads and writes.
// The migrations directory must end at exactly this version.
const AuditSchemaVersion uint = 1

// ErrSchemaMismatch is returned when the audit schema is dirty or not at
// AuditSchemaVersion
var ErrSchemaMismatch = errors.New("audit schema version mismatch")

// SchemaStatus is the applied audit schema version against the expected one
type SchemaStatus struct {
	Current  uint `json:"current"`
	Expected uint `json:"expected"`
	Dirty    bool `json:"dirty"`
}

// Ready reports whether the audit repository can use the schema as applied
func (s SchemaStatus) Ready() bool {
	return !s.Dirty && s.Current == s.Expected
}

// Check returns ErrSchemaMismatch, with the versions, unless the schema is ready
func (s SchemaStatus) Check() error {
	if s.Ready() {
		return nil
	}
	if s.Dirty {
		return fmt.Errorf("%w: version %d is dirty, expected %d", ErrSchemaMismatch, s.Current, s.Expected)
	}
	return fmt.Errorf("%w: database at %d, expected %d", ErrSchemaMismatch, s.Current, s.Expected)
}

func sourceURL(migrationsPath string) string {
	if strings.Contains(migrationsPath, "://") {
		return migrationsPath
	}
	return "file://" + migrationsPath
}

// LatestVersion returns the highest migration version found under migrationsPath
func LatestVersion(migrationsPath string) (uint, error) {
	drv, err := source.Open(sourceURL(migrationsPath))
	if err != nil {
		return 0, fmt.Errorf("opening migrations %s: %w", migrationsPath, err)
	}
	defer drv.Close()

	version, err := drv.First()
	if err != nil {
		return 0, fmt.Errorf("reading first migration: %w", err)
	}
	for {
		next, err := drv.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return version, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading migration after %d: %w", version, err)
		}
		version = next
	}
}

// MigrationRunner applies the audit schema migrations up to AuditSchemaVersion
type MigrationRunner struct {
	migrate *migrate.Migrate
	log     *logrus.Logger
}

// NewMigrationRunner creates a runner over migrationsPath. The directory must
// end at AuditSchemaVersion, so a binary never applies a schema it cannot write.
func NewMigrationRunner(databaseURL, migrationsPath string, logger *logrus.Logger) (*MigrationRunner, error) {
	latest, err := LatestVersion(migrationsPath)
	if err != nil {
		return nil, err
	}
	if latest != AuditSchemaVersion {
		return nil, fmt.Errorf("%w: migrations in %s end at %d, expected %d",
			ErrSchemaMismatch, migrationsPath, latest, AuditSchemaVersion)
	}

	m, err := migrate.New(sourceURL(migrationsPath), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migration instance: %w", err)
	}
	return &MigrationRunner{migrate: m, log: logger}, nil
}

// Up migrates the audit schema to AuditSchemaVersion
func (mr *MigrationRunner) Up(ctx context.Context) error {
	mr.log.WithField("target", AuditSchemaVersion).Info("Migrating audit schema")

	if err := mr.migrate.Migrate(AuditSchemaVersion); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			mr.log.Info("Audit schema already current")
			return nil
		}
		return fmt.Errorf("migrating audit schema: %w", err)
	}
	mr.logStatus("Audit schema migrated")
	return nil
}

// Down rolls back one migration
func (mr *MigrationRunner) Down(ctx context.Context) error {
	mr.log.Info("Rolling back one audit schema migration")

	if err := mr.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, fs.ErrNotExist) {
			mr.log.Info("No migrations to roll back")
			return nil
		}
		return fmt.Errorf("rolling back migration: %w", err)
	}
	mr.logStatus("Audit schema rolled back")
	return nil
}

// Version returns the current migration version; a fresh database reports 0
func (mr *MigrationRunner) Version() (uint, bool, error) {
	version, dirty, err := mr.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Status compares the applied version with AuditSchemaVersion
func (mr *MigrationRunner) Status() (SchemaStatus, error) {
	version, dirty, err := mr.Version()
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("reading schema version: %w", err)
	}
	return SchemaStatus{Current: version, Expected: AuditSchemaVersion, Dirty: dirty}, nil
}

func (mr *MigrationRunner) logStatus(msg string) {
	status, err := mr.Status()
	if err != nil {
		mr.log.WithError(err).Warn("Could not read audit schema version")
		return
	}
	mr.log.WithFields(logrus.Fields{
		"version":  status.Current,
		"expected": status.Expected,
		"dirty":    status.Dirty,
	}).Info(msg)
}

// Close closes the migration runner
func (mr *MigrationRunner) Close() error {
	sourceErr, dbErr := mr.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("closing migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}
	return nil
}

// undefinedTable is the PostgreSQL error code for a missing relation
const undefinedTable = "42P01"

// SchemaStatus reads the version table golang-migrate maintains, without
// needing the migration files. A database never migrated reports version 0.
func (db *DB) SchemaStatus(ctx context.Context) (SchemaStatus, error) {
	status := SchemaStatus{Expected: AuditSchemaVersion}
	var version int64
	err := db.Pool.QueryRow(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &status.Dirty)
	var pgErr *pgconn.PgError
	if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == undefinedTable) {
		return status, nil
	}
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("reading schema_migrations: %w", err)
	}
	status.Current = uint(version)
	return status, nil
}
