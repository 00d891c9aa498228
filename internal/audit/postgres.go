package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/lib/pq"

	"github.com/trial-screening-engine/internal/domain"
)

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL through lib/pq.
// The audit_records table is created by the migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection and verifies it
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL opens a PostgreSQL audit store from a connection URL
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Append(ctx context.Context, record *domain.AuditRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	enc, err := encodeRecord(record)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
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
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%s: %w", record.ID, ErrDuplicateRecord)
		}
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE id = $1`, id)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit record %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return record, nil
}

func postgresPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// List returns matching records newest first
func (s *PostgresStore) List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditRecord, error) {
	filter = normalizeFilter(filter)
	where, args := whereClause(filter, postgresPlaceholder)
	query := fmt.Sprintf(`SELECT %s FROM audit_records%s ORDER BY created_at DESC, id LIMIT %s OFFSET %s`,
		recordColumns, where, postgresPlaceholder(len(args)+1), postgresPlaceholder(len(args)+2))
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var result []*domain.AuditRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		result = append(result, record)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, filter domain.AuditFilter) (int64, error) {
	where, args := whereClause(filter, postgresPlaceholder)
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ExportJSON(ctx context.Context, w io.Writer) error {
	all, err := s.List(ctx, domain.AuditFilter{Limit: maxExportLimit})
	if err != nil {
		return fmt.Errorf("failed to list audit records: %w", err)
	}
	return writeExport(w, all)
}

func (s *PostgresStore) ImportJSON(ctx context.Context, r io.Reader) (int, int, error) {
	return importRecords(ctx, r, s.Append)
}

// Close closes the store and releases resources
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
