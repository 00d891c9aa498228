// Package audit persists append-only screening audit records.
// Records are never updated or deleted once written.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/trial-screening-engine/internal/domain"
)

// ErrDuplicateRecord is returned when a record id was already appended
var ErrDuplicateRecord = errors.New("audit record already exists")

// DefaultListLimit caps listings when the filter gives no limit
const DefaultListLimit = 100

// Store is an audit log that can also be read back and exported
type Store interface {
	domain.AuditLog
	domain.AuditReader

	// Count returns the number of records matching the filter (limit/offset ignored)
	Count(ctx context.Context, filter domain.AuditFilter) (int64, error)

	// ExportJSON writes all records as one JSON document
	ExportJSON(ctx context.Context, w io.Writer) error

	// ImportJSON appends records from an export, skipping ids already present
	ImportJSON(ctx context.Context, r io.Reader) (imported int, skipped int, err error)

	Close() error
}

// Export is the JSON export format
type Export struct {
	Version    string                `json:"version"`
	ExportedAt time.Time             `json:"exported_at"`
	Count      int                   `json:"count"`
	Records    []*domain.AuditRecord `json:"records"`
}

// maxExportLimit is the maximum number of records exported at once
const maxExportLimit = 1000000

func validateRecord(record *domain.AuditRecord) error {
	if record == nil {
		return domain.NewValidationError("record", "audit record is required", nil)
	}
	if strings.TrimSpace(record.ID) == "" {
		return domain.NewValidationError("id", "audit record id is required", nil)
	}
	if record.Completion != domain.CompletionSuccess && record.Completion != domain.CompletionPartial {
		return domain.NewValidationError("completion", "audit records are written only for completed or partial screenings", record.Completion)
	}
	return nil
}

func normalizeFilter(filter domain.AuditFilter) domain.AuditFilter {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return filter
}

// whereClause builds the shared filter SQL; placeholder renders the n-th bind marker
func whereClause(filter domain.AuditFilter, placeholder func(n int) string) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(column string, value interface{}) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = %s", column, placeholder(len(args))))
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

// encodedRecord holds the JSON columns of a record
type encodedRecord struct {
	models      []byte
	confidence  []byte
	assessments []byte
}

func encodeRecord(record *domain.AuditRecord) (encodedRecord, error) {
	var (
		enc encodedRecord
		err error
	)
	if enc.models, err = json.Marshal(record.Models); err != nil {
		return enc, fmt.Errorf("failed to encode models: %w", err)
	}
	if enc.confidence, err = json.Marshal(record.Confidence); err != nil {
		return enc, fmt.Errorf("failed to encode confidence: %w", err)
	}
	if enc.assessments, err = json.Marshal(record.Assessments); err != nil {
		return enc, fmt.Errorf("failed to encode assessments: %w", err)
	}
	return enc, nil
}

func decodeRecord(record *domain.AuditRecord, decision string, models, confidence, assessments []byte) error {
	record.Decision = domain.Decision(decision)
	if err := json.Unmarshal(models, &record.Models); err != nil {
		return fmt.Errorf("failed to decode models: %w", err)
	}
	if err := json.Unmarshal(confidence, &record.Confidence); err != nil {
		return fmt.Errorf("failed to decode confidence: %w", err)
	}
	if err := json.Unmarshal(assessments, &record.Assessments); err != nil {
		return fmt.Errorf("failed to decode assessments: %w", err)
	}
	return nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

const recordColumns = `id, request_id, patient_id, trial_id, criteria_version, completion,
	decision, models, confidence, assessments, narrative, created_at`

func scanRecord(s scanner) (*domain.AuditRecord, error) {
	record := &domain.AuditRecord{}
	var (
		decision                         string
		models, confidence, assessments []byte
	)
	err := s.Scan(
		&record.ID, &record.RequestID, &record.PatientID, &record.TrialID,
		&record.CriteriaVersion, &record.Completion, &decision,
		&models, &confidence, &assessments, &record.Narrative, &record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeRecord(record, decision, models, confidence, assessments); err != nil {
		return nil, err
	}
	return record, nil
}

func writeExport(w io.Writer, records []*domain.AuditRecord) error {
	export := &Export{
		Version:    "1.0",
		ExportedAt: time.Now().UTC(),
		Count:      len(records),
		Records:    records,
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// importRecords appends each exported record through appendFn, counting duplicates as skipped
func importRecords(ctx context.Context, r io.Reader, appendFn func(context.Context, *domain.AuditRecord) error) (int, int, error) {
	var export Export
	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	imported, skipped := 0, 0
	for _, record := range export.Records {
		err := appendFn(ctx, record)
		if errors.Is(err, ErrDuplicateRecord) {
			skipped++
			continue
		}
		if err != nil {
			return imported, skipped, fmt.Errorf("failed to import record %s: %w", record.ID, err)
		}
		imported++
	}
	return imported, skipped, nil
}
