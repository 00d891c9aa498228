package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/trial-screening-engine/internal/audit"
	"github.com/trial-screening-engine/internal/database"
	"github.com/trial-screening-engine/internal/domain"
)

const auditColumns = `id, request_id, patient_id, trial_id, criteria_version, completion,
	decision, models, confidence, assessments, narrative, created_at`

// AuditRepository handles audit record persistence over a pgx pool.
// The table is created by the migrations and rejects UPDATE and DELETE.
type AuditRepository struct {
	db    *pgxpool.Pool
	owner *database.DB
	log   *logrus.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *pgxpool.Pool, logger *logrus.Logger) *AuditRepository {
	return &AuditRepository{
		db:  db,
		log: logger,
	}
}

// NewAuditRepositoryFromDB creates a repository that owns the connection and closes it on Close
func NewAuditRepositoryFromDB(db *database.DB, logger *logrus.Logger) *AuditRepository {
	repo := NewAuditRepository(db.Pool, logger)
	repo.owner = db
	return repo
}

// Append inserts a new audit record
func (r *AuditRepository) Append(ctx context.Context, record *domain.AuditRecord) error {
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return domain.NewValidationError("id", "audit record id is required", nil)
	}
	if record.Completion != domain.CompletionSuccess && record.Completion != domain.CompletionPartial {
		return domain.NewValidationError("completion", "audit records are written only for completed or partial screenings", record.Completion)
	}

	modelsJSON, err := json.Marshal(record.Models)
	if err != nil {
		return fmt.Errorf("marshaling models: %w", err)
	}
	confidenceJSON, err := json.Marshal(record.Confidence)
	if err != nil {
		return fmt.Errorf("marshaling confidence: %w", err)
	}
	assessmentsJSON, err := json.Marshal(record.Assessments)
	if err != nil {
		return fmt.Errorf("marshaling assessments: %w", err)
	}

	query := `
		INSERT INTO audit_records (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = r.db.Exec(ctx, query,
		record.ID,
		record.RequestID,
		record.PatientID,
		record.TrialID,
		record.CriteriaVersion,
		record.Completion,
		string(record.Decision),
		modelsJSON,
		confidenceJSON,
		assessmentsJSON,
		record.Narrative,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%s: %w", record.ID, audit.ErrDuplicateRecord)
		}
		r.log.WithFields(logrus.Fields{
			"audit_id":   record.ID,
			"request_id": record.RequestID,
			"trial_id":   record.TrialID,
			"error":      err,
		}).Error("Failed to append audit record")
		return fmt.Errorf("appending audit record: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"audit_id": record.ID,
		"trial_id": record.TrialID,
		"decision": record.Decision,
	}).Debug("Audit record appended")

	return nil
}

func scanAudit(row pgx.Row) (*domain.AuditRecord, error) {
	var record domain.AuditRecord
	var decision string
	var modelsJSON, confidenceJSON, assessmentsJSON []byte
	var createdAt time.Time

	err := row.Scan(
		&record.ID,
		&record.RequestID,
		&record.PatientID,
		&record.TrialID,
		&record.CriteriaVersion,
		&record.Completion,
		&decision,
		&modelsJSON,
		&confidenceJSON,
		&assessmentsJSON,
		&record.Narrative,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	record.Decision = domain.Decision(decision)
	record.CreatedAt = createdAt.UTC()
	if err := json.Unmarshal(modelsJSON, &record.Models); err != nil {
		return nil, fmt.Errorf("unmarshaling models: %w", err)
	}
	if err := json.Unmarshal(confidenceJSON, &record.Confidence); err != nil {
		return nil, fmt.Errorf("unmarshaling confidence: %w", err)
	}
	if err := json.Unmarshal(assessmentsJSON, &record.Assessments); err != nil {
		return nil, fmt.Errorf("unmarshaling assessments: %w", err)
	}
	return &record, nil
}

// Get retrieves an audit record by its ID
func (r *AuditRepository) Get(ctx context.Context, id string) (*domain.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE id = $1`

	record, err := scanAudit(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("audit record %s: %w", id, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"audit_id": id,
			"error":    err,
		}).Error("Failed to get audit record")
		return nil, fmt.Errorf("getting audit record: %w", err)
	}
	return record, nil
}

func filterSQL(filter domain.AuditFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.TrialID != "" {
		add("trial_id", filter.TrialID)
	}
	if filter.PatientID != "" {
		add("patient_id", filter.PatientID)
	}
	if filter.Decision != "" {
		add("decision", string(filter.Decision))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List retrieves audit records newest first with pagination
func (r *AuditRepository) List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = audit.DefaultListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	where, args := filterSQL(filter)
	query := fmt.Sprintf(`SELECT %s FROM audit_records%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		auditColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"trial_id": filter.TrialID,
			"error":    err,
		}).Error("Failed to list audit records")
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	defer rows.Close()

	var records []*domain.AuditRecord
	for rows.Next() {
		record, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return records, nil
}

// Count returns the number of records matching the filter
func (r *AuditRepository) Count(ctx context.Context, filter domain.AuditFilter) (int64, error) {
	where, args := filterSQL(filter)
	var count int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting audit records: %w", err)
	}
	return count, nil
}

// ExportJSON writes every record in the audit export format
func (r *AuditRepository) ExportJSON(ctx context.Context, w io.Writer) error {
	count, err := r.Count(ctx, domain.AuditFilter{})
	if err != nil {
		return err
	}
	records, err := r.List(ctx, domain.AuditFilter{Limit: int(count) + 1})
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(&audit.Export{
		Version:    "1.0",
		ExportedAt: time.Now().UTC(),
		Count:      len(records),
		Records:    records,
	})
}

// ImportJSON appends exported records, skipping ids already present
func (r *AuditRepository) ImportJSON(ctx context.Context, in io.Reader) (int, int, error) {
	var export audit.Export
	if err := json.NewDecoder(in).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("decoding export: %w", err)
	}
	imported, skipped := 0, 0
	for _, record := range export.Records {
		err := r.Append(ctx, record)
		if errors.Is(err, audit.ErrDuplicateRecord) {
			skipped++
			continue
		}
		if err != nil {
			return imported, skipped, fmt.Errorf("importing record %s: %w", record.ID, err)
		}
		imported++
	}

	r.log.WithFields(logrus.Fields{
		"imported": imported,
		"skipped":  skipped,
	}).Info("Audit records imported")
	return imported, skipped, nil
}

// Close releases the pool when the repository owns it
func (r *AuditRepository) Close() error {
	if r.owner != nil {
		r.owner.Close()
	}
	return nil
}

var _ audit.Store = (*AuditRepository)(nil)
