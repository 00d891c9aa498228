package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/trial-screening-engine/internal/domain"
)

// MemoryStore keeps audit records in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records []*domain.AuditRecord
	byID    map[string]int
}

// NewMemoryStore creates an empty in-memory audit store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]int{}}
}

// deepCopy isolates stored records from caller mutation
func deepCopy(record *domain.AuditRecord) (*domain.AuditRecord, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	out := &domain.AuditRecord{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, record *domain.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(record); err != nil {
		return err
	}
	stored, err := deepCopy(record)
	if err != nil {
		return fmt.Errorf("failed to copy audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[record.ID]; exists {
		return fmt.Errorf("%s: %w", record.ID, ErrDuplicateRecord)
	}
	s.byID[record.ID] = len(s.records)
	s.records = append(s.records, stored)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("audit record %s: %w", id, domain.ErrNotFound)
	}
	return deepCopy(s.records[i])
}

func (s *MemoryStore) matching(filter domain.AuditFilter) []*domain.AuditRecord {
	var out []*domain.AuditRecord
	for _, r := range s.records {
		if filter.TrialID != "" && r.TrialID != filter.TrialID {
			continue
		}
		if filter.PatientID != "" && r.PatientID != filter.PatientID {
			continue
		}
		if filter.Decision != "" && r.Decision != filter.Decision {
			continue
		}
		out = append(out, r)
	}
	return out
}

// List returns matching records newest first
func (s *MemoryStore) List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditRecord, error) {
	filter = normalizeFilter(filter)
	s.mu.RLock()
	matched := s.matching(filter)
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*domain.AuditRecord, 0, len(matched))
	for _, r := range matched {
		c, err := deepCopy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, filter domain.AuditFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.matching(filter))), nil
}

func (s *MemoryStore) ExportJSON(ctx context.Context, w io.Writer) error {
	all, err := s.List(ctx, domain.AuditFilter{Limit: maxExportLimit})
	if err != nil {
		return fmt.Errorf("failed to list audit records: %w", err)
	}
	return writeExport(w, all)
}

func (s *MemoryStore) ImportJSON(ctx context.Context, r io.Reader) (int, int, error) {
	return importRecords(ctx, r, s.Append)
}

func (s *MemoryStore) Close() error { return nil }
