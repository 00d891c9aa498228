// Package matcher evaluates one trial criterion at a time against a patient
// profile, producing exactly one terminal assessment per criterion.
//
// Criteria are dispatched through a category lookup table: structured categories
// compare patient fields directly, while medical history and any criterion with
// the semantic operator are judged against retrieved evidence.
package matcher

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/trial-screening-engine/internal/domain"
	"github.com/trial-screening-engine/internal/retrieval"
)

// State is a step of the per-criterion state machine
type State string

const (
	StatePending    State = "PENDING"
	StateEvaluating State = "EVALUATING"
)

// TerminalState converts a match status into its terminal state
func TerminalState(status domain.MatchStatus) State {
	return State(status)
}

// IsTerminal reports whether the state is one of the terminal statuses
func (s State) IsTerminal() bool {
	return domain.MatchStatus(s).IsValid()
}

// tracker enforces PENDING -> EVALUATING -> terminal
type tracker struct {
	states []State
}

func newTracker() *tracker {
	return &tracker{states: []State{StatePending}}
}

func (t *tracker) current() State {
	return t.states[len(t.states)-1]
}

func (t *tracker) advance(next State) error {
	cur := t.current()
	switch {
	case cur == StatePending && next == StateEvaluating:
	case cur == StateEvaluating && next.IsTerminal():
	default:
		return fmt.Errorf("illegal criterion state transition %s -> %s", cur, next)
	}
	t.states = append(t.states, next)
	return nil
}

func (t *tracker) trace() []State {
	return append([]State(nil), t.states...)
}

// EvidenceSource returns fused evidence for a query
type EvidenceSource interface {
	Retrieve(ctx context.Context, q retrieval.Query, topK int) ([]domain.RetrievedEvidence, error)
}

// Evaluation is the outcome of evaluating one criterion. Evidence is kept only so
// that self-consistency sampling can resample it; it is never persisted.
type Evaluation struct {
	Criterion  domain.Criterion
	Assessment domain.CriterionAssessment
	Evidence   []domain.RetrievedEvidence
	Trace      []State
}

// IsTerminal reports whether the evaluation reached a terminal state
func (e Evaluation) IsTerminal() bool {
	return len(e.Trace) > 0 && e.Trace[len(e.Trace)-1].IsTerminal()
}

// Conclude finishes an evaluation that stopped in EVALUATING because of an error,
// recording the assessment chosen by the caller's failure policy
func Conclude(e Evaluation, a domain.CriterionAssessment) Evaluation {
	tr := &tracker{states: append([]State(nil), e.Trace...)}
	if len(tr.states) == 0 {
		tr.states = []State{StatePending}
	}
	if tr.current() == StatePending {
		_ = tr.advance(StateEvaluating)
	}
	if tr.current().IsTerminal() {
		return e
	}
	_ = tr.advance(TerminalState(a.Status))
	e.Assessment = a
	e.Trace = tr.trace()
	return e
}

// Config controls matching
type Config struct {
	TopK              int
	RRFConstant       int
	ConflictThreshold float64
}

// outcome is what a handler produces before it becomes an assessment
type outcome struct {
	status        domain.MatchStatus
	confidence    float64
	evidence      []domain.RetrievedEvidence
	evidenceIDs   []string
	patientValue  string
	reasoning     string
	concerns      []string
	deterministic bool
}

type handlerFunc func(ctx context.Context, c domain.Criterion, p *domain.PatientProfile) (outcome, error)

// semanticKey routes criteria with the semantic operator, whatever their category
const semanticKey domain.Category = "semantic"

// Matcher evaluates criteria
type Matcher struct {
	evidence    EvidenceSource
	judge       EvidenceJudge
	handlers    map[domain.Category]handlerFunc
	comparators map[domain.Operator]comparator
	config      Config
	logger      *logrus.Logger
}

// NewMatcher creates a matcher. evidence may be nil when no knowledge store is
// configured, in which case semantic criteria resolve to MISSING_DATA.
func NewMatcher(evidence EvidenceSource, judge EvidenceJudge, config Config, logger *logrus.Logger) *Matcher {
	if config.TopK <= 0 {
		config.TopK = retrieval.DefaultTopK
	}
	if config.RRFConstant <= 0 {
		config.RRFConstant = retrieval.DefaultRRFConstant
	}
	if judge == nil {
		judge = NewLexicalJudge(config.ConflictThreshold, config.RRFConstant)
	}

	m := &Matcher{
		evidence: evidence,
		judge:    judge,
		config:   config,
		logger:   logger,
	}
	m.handlers = map[domain.Category]handlerFunc{
		domain.CategoryDemographic:    m.evaluateStructured,
		domain.CategoryClinical:       m.evaluateStructured,
		domain.CategoryLaboratory:     m.evaluateStructured,
		domain.CategoryMedication:     m.evaluateStructured,
		domain.CategoryVital:          m.evaluateStructured,
		domain.CategoryLifestyle:      m.evaluateStructured,
		domain.CategoryMedicalHistory: m.evaluateSemantic,
		semanticKey:                   m.evaluateSemantic,
	}
	m.comparators = map[domain.Operator]comparator{
		domain.OpEq:         compareEq,
		domain.OpRange:      compareRange,
		domain.OpMembership: compareMembership,
	}
	return m
}

// Judge exposes the evidence judge for self-consistency sampling
func (m *Matcher) Judge() EvidenceJudge {
	return m.judge
}

// Handles reports whether the criterion has a handler
func (m *Matcher) Handles(c domain.Criterion) bool {
	_, ok := m.handlers[dispatchKey(c)]
	return ok
}

func dispatchKey(c domain.Criterion) domain.Category {
	if c.Operator == domain.OpSemantic {
		return semanticKey
	}
	return c.Category
}

// Evaluate runs the criterion through its handler. On success the evaluation is
// terminal. On error it stops in EVALUATING and the caller decides the terminal
// status: retrieval failures and *domain.AmbiguousCriterionError are returned
// as-is for the caller's failure policy.
func (m *Matcher) Evaluate(ctx context.Context, c domain.Criterion, p *domain.PatientProfile) (Evaluation, error) {
	tr := newTracker()
	eval := Evaluation{Criterion: c}

	if err := tr.advance(StateEvaluating); err != nil {
		return eval, err
	}
	eval.Trace = tr.trace()

	handler, ok := m.handlers[dispatchKey(c)]
	if !ok {
		return eval, domain.NewAmbiguousCriterionError(c.ID, fmt.Sprintf("no handler for category %q", c.Category))
	}

	out, err := handler(ctx, c, p)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"criterion_id": c.ID,
			"category":     c.Category,
		}).WithError(err).Debug("Criterion evaluation failed")
		return eval, err
	}

	if err := tr.advance(TerminalState(out.status)); err != nil {
		return eval, err
	}

	evidenceIDs := out.evidenceIDs
	if evidenceIDs == nil {
		evidenceIDs = []string{}
	}
	agreement := 1.0
	eval.Assessment = domain.CriterionAssessment{
		CriterionID:   c.ID,
		Status:        out.status,
		Confidence:    domain.ClampUnit(out.confidence),
		EvidenceIDs:   evidenceIDs,
		Reasoning:     out.reasoning,
		Concerns:      out.concerns,
		PatientValue:  out.patientValue,
		Deterministic: out.deterministic,
		Agreement:     agreement,
	}
	eval.Evidence = out.evidence
	eval.Trace = tr.trace()

	m.logger.WithFields(logrus.Fields{
		"criterion_id": c.ID,
		"status":       out.status,
		"confidence":   eval.Assessment.Confidence,
		"evidence":     len(evidenceIDs),
	}).Debug("Criterion evaluated")

	return eval, nil
}

// reasoningTrace renders criterion text -> patient value -> comparison -> result
func reasoningTrace(c domain.Criterion, patientValue, comparison string, status domain.MatchStatus) string {
	return fmt.Sprintf("%s -> patient: %s -> %s -> %s", c.Text, patientValue, comparison, status)
}
