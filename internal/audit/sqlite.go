package audit

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/trial-screening-engine/internal/domain"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a SQLite audit store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// createSchema creates the table, indexes and the triggers that keep it append-only
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		trial_id TEXT NOT NULL,
		criteria_version TEXT NOT NULL DEFAULT '',
		completion TEXT NOT NULL,
		decision TEXT NOT NULL,
		models TEXT NOT NULL,
		confidence TEXT NOT NULL,
		assessments TEXT NOT NULL,
		narrative TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_trial ON audit_records(trial_id);
	CREATE INDEX IF NOT EXISTS idx_audit_patient ON audit_records(patient_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_records(created_at);

	CREATE TRIGGER IF NOT EXISTS audit_records_no_update
	BEFORE UPDATE ON audit_records
	BEGIN
		SELECT RAISE(ABORT, 'audit records are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
	BEFORE DELETE ON audit_records
	BEGIN
		SELECT RAISE(ABORT, 'audit records are append-only');
	END;
	`

	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, record *domain.AuditRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	enc, err := encodeRecord(record)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.RequestID,
		record.PatientID,
		record.TrialID,
		record.CriteriaVersion,
		record.Completion,
		string(record.Decision),
		string(enc.models),
		string(enc.confidence),
		string(enc.assessments),
		record.Narrative,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%s: %w", record.ID, ErrDuplicateRecord)
		}
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit record %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return record, nil
}

func sqlitePlaceholder(int) string { return "?" }

// List returns matching records newest first
func (s *SQLiteStore) List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditRecord, error) {
	filter = normalizeFilter(filter)
	where, args := whereClause(filter, sqlitePlaceholder)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*domain.AuditRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, record)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, filter domain.AuditFilter) (int64, error) {
	where, args := whereClause(filter, sqlitePlaceholder)
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&count)
	return count, err
}

func (s *SQLiteStore) ExportJSON(ctx context.Context, w io.Writer) error {
	all, err := s.List(ctx, domain.AuditFilter{Limit: maxExportLimit})
	if err != nil {
		return fmt.Errorf("failed to list audit records: %w", err)
	}
	return writeExport(w, all)
}

func (s *SQLiteStore) ImportJSON(ctx context.Context, r io.Reader) (int, int, error) {
	return importRecords(ctx, r, s.Append)
}

// Close closes the store and releases resources
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
