// Package domain contains the core entities for clinical trial eligibility screening:
// trial criteria, patient profiles, retrieved evidence, per-criterion assessments and
// the final screening result with its audit record.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// CriterionKind separates inclusion rules from exclusion rules
type CriterionKind string

const (
	INCLUSION CriterionKind = "INCLUSION"
	EXCLUSION CriterionKind = "EXCLUSION"
)

// IsValid checks if the criterion kind is known
func (k CriterionKind) IsValid() bool {
	return k == INCLUSION || k == EXCLUSION
}

// Category groups criteria by the kind of patient data they examine.
// Matcher dispatch is keyed on this value.
type Category string

const (
	CategoryDemographic    Category = "DEMOGRAPHIC"
	CategoryClinical       Category = "CLINICAL"
	CategoryLaboratory     Category = "LABORATORY"
	CategoryMedication     Category = "MEDICATION"
	CategoryVital          Category = "VITAL"
	CategoryMedicalHistory Category = "MEDICAL_HISTORY"
	CategoryLifestyle      Category = "LIFESTYLE"
)

// Operator is the comparison a criterion applies to its target values
type Operator string

const (
	OpEq         Operator = "eq"
	OpRange      Operator = "range"
	OpMembership Operator = "membership"
	OpSemantic   Operator = "semantic"
)

// IsValid checks if the operator is known
func (o Operator) IsValid() bool {
	switch o {
	case OpEq, OpRange, OpMembership, OpSemantic:
		return true
	}
	return false
}

// Patient field names a structured criterion can reference
const (
	FieldAge         = "age"
	FieldSex         = "sex"
	FieldBMI         = "bmi"
	FieldDiagnoses   = "diagnoses"
	FieldMedications = "medications"
	FieldPregnancy   = "pregnancy_status"
	FieldSmoking     = "smoking_status"
	FieldHistory     = "history"

	// LabFieldPrefix prefixes lab fields, e.g. "lab:hba1c"
	LabFieldPrefix = "lab:"
)

// Criterion is one inclusion or exclusion rule of a trial protocol
type Criterion struct {
	ID       string        `json:"id" yaml:"id" toml:"id"`
	Kind     CriterionKind `json:"kind" yaml:"kind" toml:"kind"`
	Category Category      `json:"category" yaml:"category" toml:"category"`
	Text     string        `json:"text" yaml:"text" toml:"text"`
	Operator Operator      `json:"operator" yaml:"operator" toml:"operator"`
	Field    string        `json:"field,omitempty" yaml:"field,omitempty" toml:"field,omitempty"`
	Values   []string      `json:"values,omitempty" yaml:"values,omitempty" toml:"values,omitempty"`
	Min      *float64      `json:"min,omitempty" yaml:"min,omitempty" toml:"min,omitempty"`
	Max      *float64      `json:"max,omitempty" yaml:"max,omitempty" toml:"max,omitempty"`
	Unit     string        `json:"unit,omitempty" yaml:"unit,omitempty" toml:"unit,omitempty"`
	Critical bool          `json:"critical" yaml:"critical" toml:"critical"`
	Order    int           `json:"order" yaml:"order" toml:"order"`
}

// Validate checks the criterion for required fields
func (c *Criterion) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return NewValidationError("id", "criterion id is required", c.ID)
	}
	if !c.Kind.IsValid() {
		return NewValidationError("kind", fmt.Sprintf("criterion %s has invalid kind", c.ID), c.Kind)
	}
	if !c.Operator.IsValid() {
		return NewValidationError("operator", fmt.Sprintf("criterion %s has invalid operator", c.ID), c.Operator)
	}
	if strings.TrimSpace(c.Text) == "" {
		return NewValidationError("text", fmt.Sprintf("criterion %s has no text", c.ID), c.Text)
	}
	return nil
}

// IsLabField reports whether the criterion reads a lab value
func (c *Criterion) IsLabField() bool {
	return strings.HasPrefix(c.Field, LabFieldPrefix)
}

// LabName returns the lab test name for lab fields
func (c *Criterion) LabName() string {
	return strings.TrimPrefix(c.Field, LabFieldPrefix)
}

// TrialCriteria is the pre-extracted criteria set of one trial
type TrialCriteria struct {
	TrialID  string      `json:"trial_id" yaml:"trial_id" toml:"trial_id"`
	Version  string      `json:"version" yaml:"version" toml:"version"`
	Title    string      `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty"`
	Criteria []Criterion `json:"criteria" yaml:"criteria" toml:"criteria"`
}

// Validate checks the criteria set is usable for screening
func (t *TrialCriteria) Validate() error {
	if t == nil || len(t.Criteria) == 0 {
		return NewValidationError("criteria", "trial criteria set is required", nil)
	}
	seen := make(map[string]struct{}, len(t.Criteria))
	for i := range t.Criteria {
		if err := t.Criteria[i].Validate(); err != nil {
			return fmt.Errorf("criteria[%d]: %w", i, err)
		}
		if _, dup := seen[t.Criteria[i].ID]; dup {
			return NewValidationError("id", "duplicate criterion id", t.Criteria[i].ID)
		}
		seen[t.Criteria[i].ID] = struct{}{}
	}
	return nil
}

// Lookup returns the criterion with the given id
func (t *TrialCriteria) Lookup(id string) (Criterion, bool) {
	for _, c := range t.Criteria {
		if c.ID == id {
			return c, true
		}
	}
	return Criterion{}, false
}

// Demographics holds basic patient demographics
type Demographics struct {
	Age *float64 `json:"age,omitempty"`
	Sex string   `json:"sex,omitempty"`
}

// Diagnosis is a coded diagnosis (ICD-10 where available)
type Diagnosis struct {
	Code        string `json:"code,omitempty"`
	Display     string `json:"display"`
	Stage       string `json:"stage,omitempty"`
	DiagnosedOn string `json:"diagnosed_on,omitempty"`
}

// Medication is a current medication
type Medication struct {
	Name        string `json:"name"`
	GenericName string `json:"generic_name,omitempty"`
	Dose        string `json:"dose,omitempty"`
	Frequency   string `json:"frequency,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
}

// LabValue is one lab measurement
type LabValue struct {
	Value          float64 `json:"value"`
	Unit           string  `json:"unit"`
	Date           string  `json:"date,omitempty"`
	ReferenceRange string  `json:"reference_range,omitempty"`
}

// Vitals holds vital measurements
type Vitals struct {
	BMI *float64 `json:"bmi,omitempty"`
}

// Lifestyle holds lifestyle attributes
type Lifestyle struct {
	SmokingStatus   string `json:"smoking_status,omitempty"`
	AlcoholUse      string `json:"alcohol_use,omitempty"`
	PregnancyStatus string `json:"pregnancy_status,omitempty"`
}

// PatientProfile is the structured patient record screened against a trial.
// Present carries explicit presence flags; a false entry marks the field as
// missing even when the slice or value is empty, which distinguishes missing
// data from a true negative.
type PatientProfile struct {
	PatientID    string              `json:"patient_id"`
	Demographics Demographics        `json:"demographics"`
	Diagnoses    []Diagnosis         `json:"diagnoses,omitempty"`
	Medications  []Medication        `json:"medications,omitempty"`
	Labs         map[string]LabValue `json:"labs,omitempty"`
	Vitals       Vitals              `json:"vitals"`
	Lifestyle    Lifestyle           `json:"lifestyle"`
	History      []string            `json:"history,omitempty"`
	Present      map[string]bool     `json:"present,omitempty"`
}

// Validate checks the profile can be screened
func (p *PatientProfile) Validate() error {
	if p == nil || strings.TrimSpace(p.PatientID) == "" {
		return NewValidationError("patient_id", "patient identifier is required", nil)
	}
	return nil
}

// IsPresent reports whether a field was recorded for the patient.
// Explicit flags win; otherwise presence is inferred from the value.
func (p *PatientProfile) IsPresent(field string) bool {
	if flag, ok := p.Present[field]; ok {
		return flag
	}
	switch {
	case field == FieldAge:
		return p.Demographics.Age != nil
	case field == FieldSex:
		return p.Demographics.Sex != ""
	case field == FieldBMI:
		return p.Vitals.BMI != nil
	case field == FieldDiagnoses:
		return len(p.Diagnoses) > 0
	case field == FieldMedications:
		return len(p.Medications) > 0
	case field == FieldPregnancy:
		return p.Lifestyle.PregnancyStatus != ""
	case field == FieldSmoking:
		return p.Lifestyle.SmokingStatus != ""
	case field == FieldHistory:
		return len(p.History) > 0
	case strings.HasPrefix(field, LabFieldPrefix):
		_, ok := p.Lab(strings.TrimPrefix(field, LabFieldPrefix))
		return ok
	}
	return false
}

// Lab looks up a lab value by name, ignoring case and punctuation
func (p *PatientProfile) Lab(name string) (LabValue, bool) {
	want := NormalizeLabName(name)
	for k, v := range p.Labs {
		if NormalizeLabName(k) == want {
			return v, true
		}
	}
	return LabValue{}, false
}

// NormalizeLabName lowercases a lab name and strips everything but letters and digits
func NormalizeLabName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LogFields returns non-identifying fields for structured logging
func (p *PatientProfile) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"patient_id":  p.PatientID,
		"diagnoses":   len(p.Diagnoses),
		"medications": len(p.Medications),
		"labs":        len(p.Labs),
	}
}

// Channel identifies which retrieval channel produced evidence
type Channel string

const (
	ChannelLexical Channel = "lexical"
	ChannelDense   Channel = "dense"
	ChannelFused   Channel = "fused"
)

// RetrievedEvidence is one ranked snippet. It lives only for the duration of a
// criterion evaluation; only its document id is recorded afterwards.
type RetrievedEvidence struct {
	DocumentID   string  `json:"document_id"`
	Text         string  `json:"text"`
	Source       string  `json:"source,omitempty"`
	Score        float64 `json:"score"`
	Channel      Channel `json:"channel"`
	LexicalRank  int     `json:"lexical_rank,omitempty"`
	DenseRank    int     `json:"dense_rank,omitempty"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
}

// Knowledge document sources. Only patient record snippets are facts about the
// patient; reference snippets describe the condition in general.
const (
	SourcePatientHistory = "patient_history"
	SourceReference      = "reference"
)

// FromPatientRecord reports whether the snippet was taken from the patient's own record
func (e RetrievedEvidence) FromPatientRecord() bool {
	return e.Source == SourcePatientHistory
}

// InBothChannels reports whether both channels ranked the document
func (e RetrievedEvidence) InBothChannels() bool {
	return e.LexicalRank > 0 && e.DenseRank > 0
}

// MatchStatus is the terminal outcome of evaluating one criterion
type MatchStatus string

const (
	StatusMatch       MatchStatus = "MATCH"
	StatusNoMatch     MatchStatus = "NO_MATCH"
	StatusUncertain   MatchStatus = "UNCERTAIN"
	StatusMissingData MatchStatus = "MISSING_DATA"
)

// IsValid checks if the status is a known terminal status
func (s MatchStatus) IsValid() bool {
	switch s {
	case StatusMatch, StatusNoMatch, StatusUncertain, StatusMissingData:
		return true
	}
	return false
}

// CriterionAssessment is the immutable result for one criterion
type CriterionAssessment struct {
	CriterionID   string      `json:"criterion_id"`
	Status        MatchStatus `json:"status"`
	Confidence    float64     `json:"confidence"`
	EvidenceIDs   []string    `json:"evidence_ids"`
	Reasoning     string      `json:"reasoning"`
	Concerns      []string    `json:"concerns,omitempty"`
	PatientValue  string      `json:"patient_value"`
	Deterministic bool        `json:"deterministic"`
	Agreement     float64     `json:"agreement"`
}

// WithAgreement returns a copy with the confidence scaled by the agreement fraction
func (a CriterionAssessment) WithAgreement(agreement float64, concerns ...string) CriterionAssessment {
	out := a.clone()
	out.Agreement = agreement
	out.Confidence = ClampUnit(a.Confidence * agreement)
	out.Concerns = append(out.Concerns, concerns...)
	return out
}

// WithConcerns returns a copy with extra concern notes
func (a CriterionAssessment) WithConcerns(concerns ...string) CriterionAssessment {
	out := a.clone()
	out.Concerns = append(out.Concerns, concerns...)
	return out
}

// copyStrings keeps an empty slice empty rather than nil so it encodes as []
func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}

func (a CriterionAssessment) clone() CriterionAssessment {
	out := a
	out.EvidenceIDs = copyStrings(a.EvidenceIDs)
	out.Concerns = copyStrings(a.Concerns)
	return out
}

// Decision is the overall screening outcome
type Decision string

const (
	DecisionEligible   Decision = "ELIGIBLE"
	DecisionIneligible Decision = "INELIGIBLE"
	DecisionUncertain  Decision = "UNCERTAIN"
)

// ConfidenceLevel buckets the calibrated confidence score
type ConfidenceLevel string

const (
	LevelHigh     ConfidenceLevel = "HIGH"
	LevelModerate ConfidenceLevel = "MODERATE"
	LevelLow      ConfidenceLevel = "LOW"
	LevelVeryLow  ConfidenceLevel = "VERY_LOW"
)

// Confidence is the aggregated screening confidence
type Confidence struct {
	Raw                 float64         `json:"raw"`
	Score               float64         `json:"score"`
	Level               ConfidenceLevel `json:"level"`
	Calibrated          bool            `json:"calibrated"`
	Calibrator          string          `json:"calibrator,omitempty"`
	HumanReviewRequired bool            `json:"human_review_required"`
}

// ExplainabilityRow is one line of the explanation table
type ExplainabilityRow struct {
	CriterionID  string        `json:"criterion_id"`
	Kind         CriterionKind `json:"kind"`
	Text         string        `json:"text"`
	PatientValue string        `json:"patient_value"`
	Status       MatchStatus   `json:"status"`
	Confidence   float64       `json:"confidence"`
	Evidence     []string      `json:"evidence"`
	Reasoning    string        `json:"reasoning"`
	Concerns     []string      `json:"concerns,omitempty"`
}

// AuditMetadata identifies what produced a screening result
type AuditMetadata struct {
	Timestamp       time.Time         `json:"timestamp"`
	CriteriaVersion string            `json:"criteria_version"`
	Models          map[string]string `json:"models"`
}

// Completion states under which an audit record may be written
const (
	CompletionSuccess = "COMPLETED"
	CompletionPartial = "PARTIAL"
)

// AuditRecord is the append-only record of one completed screening
type AuditRecord struct {
	ID              string                `json:"id"`
	RequestID       string                `json:"request_id"`
	PatientID       string                `json:"patient_id"`
	TrialID         string                `json:"trial_id"`
	CriteriaVersion string                `json:"criteria_version"`
	Models          map[string]string     `json:"models"`
	Completion      string                `json:"completion"`
	Decision        Decision              `json:"decision"`
	Confidence      Confidence            `json:"confidence"`
	Assessments     []CriterionAssessment `json:"assessments"`
	Narrative       string                `json:"narrative"`
	CreatedAt       time.Time             `json:"created_at"`
}

// AuditFilter narrows audit listings
type AuditFilter struct {
	TrialID   string
	PatientID string
	Decision  Decision
	Limit     int
	Offset    int
}

// ScreeningResult is the outcome of screening one patient against one trial
type ScreeningResult struct {
	RequestID      string                `json:"request_id"`
	PatientID      string                `json:"patient_id"`
	TrialID        string                `json:"trial_id"`
	Decision       Decision              `json:"decision"`
	Confidence     Confidence            `json:"confidence"`
	Assessments    []CriterionAssessment `json:"assessments"`
	Rows           []ExplainabilityRow   `json:"rows"`
	Narrative      string                `json:"narrative"`
	Audit          AuditMetadata         `json:"audit"`
	AuditRecordID  string                `json:"audit_record_id,omitempty"`
	CompletedSteps []string              `json:"completed_steps"`
	Errors         []string              `json:"errors,omitempty"`

	// Err holds a fatal or terminal error (validation, cancellation, audit write)
	Err error `json:"-"`
}

// ClampUnit clamps v into [0,1]
func ClampUnit(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
