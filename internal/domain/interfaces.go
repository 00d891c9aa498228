package domain

import "context"

// AuditLog is the append-only audit collaborator. Append is called at most once
// per screening request, and only at a terminal state.
type AuditLog interface {
	Append(ctx context.Context, record *AuditRecord) error
}

// AuditReader reads back audit records
type AuditReader interface {
	Get(ctx context.Context, id string) (*AuditRecord, error)
	List(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)
}

// CriteriaSource provides trial criteria sets by trial id
type CriteriaSource interface {
	Load(ctx context.Context, trialID string) (*TrialCriteria, error)
}
