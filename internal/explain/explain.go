// Package explain renders screening outcomes as an ordered explainability table
// and a fixed-template narrative, and appends the audit record.
package explain

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trial-screening-engine/internal/domain"
)

// Request carries everything needed to explain one terminal screening
type Request struct {
	RequestID   string
	PatientID   string
	Trial       *domain.TrialCriteria
	Assessments []domain.CriterionAssessment
	Decision    domain.Decision
	Confidence  domain.Confidence
	Models      map[string]string
	Completion  string
}

// Explanation is the rendered output
type Explanation struct {
	Rows          []domain.ExplainabilityRow
	Narrative     string
	Audit         domain.AuditMetadata
	AuditRecordID string
}

// Option configures an Explainer
type Option func(*Explainer)

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(e *Explainer) { e.now = now }
}

// WithIDGenerator overrides audit record id generation
func WithIDGenerator(newID func() string) Option {
	return func(e *Explainer) { e.newID = newID }
}

// Explainer builds explanations and writes audit records
type Explainer struct {
	audit  domain.AuditLog
	tmpl   *template.Template
	now    func() time.Time
	newID  func() string
	logger *logrus.Logger
}

// NewExplainer creates an explainer. audit may be nil, in which case nothing is persisted.
func NewExplainer(audit domain.AuditLog, logger *logrus.Logger, opts ...Option) *Explainer {
	e := &Explainer{
		audit:  audit,
		tmpl:   template.Must(template.New("narrative").Parse(narrativeTemplate)),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CanonicalOrder returns criteria inclusion first, then exclusion, each by
// protocol order then id
func CanonicalOrder(criteria []domain.Criterion) []domain.Criterion {
	out := append([]domain.Criterion(nil), criteria...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind == domain.INCLUSION
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
	return out
}

// Rows builds one row per criterion in canonical order, whatever order the
// assessments arrive in
func Rows(trial *domain.TrialCriteria, assessments []domain.CriterionAssessment) []domain.ExplainabilityRow {
	byID := make(map[string]domain.CriterionAssessment, len(assessments))
	for _, a := range assessments {
		byID[a.CriterionID] = a
	}

	ordered := CanonicalOrder(trial.Criteria)
	rows := make([]domain.ExplainabilityRow, 0, len(ordered))
	for _, c := range ordered {
		a, ok := byID[c.ID]
		if !ok {
			a = domain.CriterionAssessment{CriterionID: c.ID, Status: domain.StatusMissingData, Reasoning: "not evaluated"}
		}
		rows = append(rows, domain.ExplainabilityRow{
			CriterionID:  c.ID,
			Kind:         c.Kind,
			Text:         c.Text,
			PatientValue: a.PatientValue,
			Status:       a.Status,
			Confidence:   a.Confidence,
			Evidence:     append([]string{}, a.EvidenceIDs...),
			Reasoning:    a.Reasoning,
			Concerns:     append([]string(nil), a.Concerns...),
		})
	}
	return rows
}

// SortAssessments orders assessments canonically by their criteria
func SortAssessments(trial *domain.TrialCriteria, assessments []domain.CriterionAssessment) []domain.CriterionAssessment {
	pos := make(map[string]int, len(trial.Criteria))
	for i, c := range CanonicalOrder(trial.Criteria) {
		pos[c.ID] = i
	}
	out := append([]domain.CriterionAssessment(nil), assessments...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := pos[out[i].CriterionID]
		pj, jok := pos[out[j].CriterionID]
		if iok != jok {
			return iok
		}
		if pi != pj {
			return pi < pj
		}
		return out[i].CriterionID < out[j].CriterionID
	})
	return out
}

const narrativeTemplate = `Decision: {{.Decision}} (confidence {{printf "%.2f" .Confidence.Score}}, {{.Confidence.Level}}{{if not .Confidence.Calibrated}}, uncalibrated{{end}}).
{{- if .AllSatisfied}}
All {{.InclusionCount}} inclusion criteria met; no exclusion criteria apply.
{{- end}}
{{- if .InclusionsMet}}
Inclusion criteria met:
{{- range .InclusionsMet}}
  - {{.CriterionID}} {{.Text}}: {{.PatientValue}}
{{- end}}
{{- end}}
{{- if .ExclusionsMet}}
Exclusion criteria met:
{{- range .ExclusionsMet}}
  - {{.CriterionID}} {{.Text}}: {{.PatientValue}}
{{- end}}
{{- end}}
{{- if .InclusionsFailed}}
Inclusion criteria not met:
{{- range .InclusionsFailed}}
  - {{.CriterionID}} {{.Text}}: {{.PatientValue}}
{{- end}}
{{- end}}
{{- if .Missing}}
Missing data:
{{- range .Missing}}
  - {{.CriterionID}} {{.Text}}
{{- end}}
{{- end}}
{{- if .Uncertain}}
Uncertain:
{{- range .Uncertain}}
  - {{.CriterionID}} {{.Text}}{{if .Concerns}} ({{index .Concerns 0}}){{end}}
{{- end}}
{{- end}}
{{- if .Confidence.HumanReviewRequired}}
Human review required.
{{- end}}
`

type narrativeData struct {
	Decision         domain.Decision
	Confidence       domain.Confidence
	ExclusionsMet    []domain.ExplainabilityRow
	InclusionsFailed []domain.ExplainabilityRow
	InclusionsMet    []domain.ExplainabilityRow
	Missing          []domain.ExplainabilityRow
	Uncertain        []domain.ExplainabilityRow
	AllSatisfied     bool
	InclusionCount   int
}

// Narrative renders the decision summary citing the rows that drove it. An
// ELIGIBLE decision cites every satisfied inclusion with the patient's value.
func (e *Explainer) Narrative(decision domain.Decision, conf domain.Confidence, rows []domain.ExplainabilityRow) (string, error) {
	data := narrativeData{Decision: decision, Confidence: conf}
	for _, r := range rows {
		if r.Kind == domain.INCLUSION {
			data.InclusionCount++
		}
		switch {
		case r.Status == domain.StatusMissingData:
			data.Missing = append(data.Missing, r)
		case r.Status == domain.StatusUncertain:
			data.Uncertain = append(data.Uncertain, r)
		case r.Kind == domain.EXCLUSION && r.Status == domain.StatusMatch:
			data.ExclusionsMet = append(data.ExclusionsMet, r)
		case r.Kind == domain.INCLUSION && r.Status == domain.StatusNoMatch:
			data.InclusionsFailed = append(data.InclusionsFailed, r)
		case r.Kind == domain.INCLUSION && r.Status == domain.StatusMatch && decision == domain.DecisionEligible:
			data.InclusionsMet = append(data.InclusionsMet, r)
		}
	}
	data.AllSatisfied = decision == domain.DecisionEligible &&
		len(data.ExclusionsMet)+len(data.InclusionsFailed)+len(data.Missing)+len(data.Uncertain) == 0

	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render narrative: %w", err)
	}
	return buf.String(), nil
}

// Explain builds rows and narrative and appends one audit record. Call it only
// when screening reached a terminal state. An audit failure is returned together
// with the complete explanation.
func (e *Explainer) Explain(ctx context.Context, req Request) (Explanation, error) {
	if req.Trial == nil {
		return Explanation{}, domain.NewValidationError("trial", "criteria set is required", nil)
	}

	rows := Rows(req.Trial, req.Assessments)
	narrative, err := e.Narrative(req.Decision, req.Confidence, rows)
	if err != nil {
		return Explanation{}, err
	}

	meta := domain.AuditMetadata{
		Timestamp:       e.now(),
		CriteriaVersion: req.Trial.Version,
		Models:          copyModels(req.Models),
	}
	out := Explanation{Rows: rows, Narrative: narrative, Audit: meta}

	if e.audit == nil {
		return out, nil
	}

	completion := req.Completion
	if completion == "" {
		completion = domain.CompletionSuccess
	}
	record := &domain.AuditRecord{
		ID:              e.newID(),
		RequestID:       req.RequestID,
		PatientID:       req.PatientID,
		TrialID:         req.Trial.TrialID,
		CriteriaVersion: req.Trial.Version,
		Models:          copyModels(req.Models),
		Completion:      completion,
		Decision:        req.Decision,
		Confidence:      req.Confidence,
		Assessments:     SortAssessments(req.Trial, req.Assessments),
		Narrative:       narrative,
		CreatedAt:       meta.Timestamp,
	}
	if err := e.audit.Append(ctx, record); err != nil {
		e.logger.WithFields(logrus.Fields{
			"request_id": req.RequestID,
			"trial_id":   req.Trial.TrialID,
		}).WithError(err).Error("Failed to append audit record")
		return out, fmt.Errorf("audit append: %w", err)
	}

	out.AuditRecordID = record.ID
	e.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"audit_id":   record.ID,
		"decision":   req.Decision,
	}).Info("Audit record appended")
	return out, nil
}

func copyModels(models map[string]string) map[string]string {
	out := make(map[string]string, len(models))
	for k, v := range models {
		out[k] = v
	}
	return out
}
