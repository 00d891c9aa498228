// Package screening orchestrates one eligibility screening: validation, per-criterion
// matching, self-consistency, scoring, explanation and the audit write.
package screening

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/trial-screening-engine/internal/domain"
	"github.com/trial-screening-engine/internal/explain"
	"github.com/trial-screening-engine/internal/matcher"
	"github.com/trial-screening-engine/internal/scoring"
)

// Pipeline steps recorded in ScreeningResult.CompletedSteps
const (
	StepValidate    = "validate"
	StepMatch       = "match"
	StepConsistency = "consistency"
	StepScore       = "score"
	StepExplain     = "explain"
	StepAudit       = "audit"
)

// Concern notes attached by the failure policy
const (
	ConcernRetrievalFailed = "retrieval failed after retries"
	ConcernAmbiguous       = "criterion could not be evaluated as written"
	ConcernEvaluation      = "evaluation failed"
)

// Components are the pipeline stages a Service sequences
type Components struct {
	Matcher     *matcher.Matcher
	Consistency *scoring.Consistency
	Scorer      *scoring.Scorer
	Explainer   *explain.Explainer

	// Models identifies the judge, embedder and calibrator in audit metadata
	Models map[string]string
}

// Service screens patients against trial criteria
type Service struct {
	matcher     *matcher.Matcher
	consistency *scoring.Consistency
	scorer      *scoring.Scorer
	explainer   *explain.Explainer
	models      map[string]string
	config      domain.ScreeningConfig
	newID       func() string
	logger      *logrus.Logger
}

// NewService creates a screening service
func NewService(components Components, config domain.ScreeningConfig, logger *logrus.Logger) (*Service, error) {
	if components.Matcher == nil || components.Consistency == nil || components.Scorer == nil || components.Explainer == nil {
		return nil, fmt.Errorf("screening service requires matcher, consistency, scorer and explainer")
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	models := map[string]string{
		"judge":      components.Matcher.Judge().Name(),
		"calibrator": components.Scorer.CalibratorName(),
	}
	for k, v := range components.Models {
		models[k] = v
	}
	return &Service{
		matcher:     components.Matcher,
		consistency: components.Consistency,
		scorer:      components.Scorer,
		explainer:   components.Explainer,
		models:      models,
		config:      config,
		newID:       uuid.NewString,
		logger:      logger,
	}, nil
}

// Models returns the model identifiers written to audit metadata
func (s *Service) Models() map[string]string {
	out := make(map[string]string, len(s.models))
	for k, v := range s.models {
		out[k] = v
	}
	return out
}

// Screen runs the whole pipeline. It never returns an error: fatal problems
// (validation, cancellation, audit write failure) are reported in result.Err with
// an UNCERTAIN decision where no decision could be reached.
func (s *Service) Screen(ctx context.Context, patient *domain.PatientProfile, trial *domain.TrialCriteria) (result domain.ScreeningResult) {
	result = domain.ScreeningResult{
		RequestID:      s.newID(),
		Decision:       domain.DecisionUncertain,
		Confidence:     domain.Confidence{Level: domain.LevelVeryLow, HumanReviewRequired: true},
		CompletedSteps: []string{},
	}
	if patient != nil {
		result.PatientID = patient.PatientID
	}
	if trial != nil {
		result.TrialID = trial.TrialID
	}
	log := s.logger.WithFields(logrus.Fields{
		"request_id": result.RequestID,
		"patient_id": result.PatientID,
		"trial_id":   result.TrialID,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("Screening panicked: %v", r)
			result = abort(result, fmt.Errorf("screening panicked: %v", r))
		}
	}()

	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	if err := validate(patient, trial); err != nil {
		log.WithError(err).Warn("Screening request rejected")
		return abort(result, err)
	}
	result.CompletedSteps = append(result.CompletedSteps, StepValidate)
	log.WithField("criteria", len(trial.Criteria)).Info("Screening started")

	evals, partial, err := s.matchAll(ctx, patient, trial)
	if err != nil {
		log.WithError(err).Warn("Screening cancelled during matching")
		return abort(result, err)
	}
	result.CompletedSteps = append(result.CompletedSteps, StepMatch)

	assessments, err := s.consistency.Apply(ctx, evals)
	if err != nil {
		log.WithError(err).Warn("Screening cancelled during consistency sampling")
		return abort(result, err)
	}
	assessments = explain.SortAssessments(trial, assessments)
	result.CompletedSteps = append(result.CompletedSteps, StepConsistency)

	decision, conf := s.scorer.Evaluate(trial.Criteria, assessments)
	result.CompletedSteps = append(result.CompletedSteps, StepScore)

	if err := ctx.Err(); err != nil {
		log.WithError(err).Warn("Screening cancelled before explanation")
		return abort(result, err)
	}

	completion := domain.CompletionSuccess
	if partial {
		completion = domain.CompletionPartial
	}
	exp, err := s.explainer.Explain(ctx, explain.Request{
		RequestID:   result.RequestID,
		PatientID:   patient.PatientID,
		Trial:       trial,
		Assessments: assessments,
		Decision:    decision,
		Confidence:  conf,
		Models:      s.models,
		Completion:  completion,
	})
	if err != nil && exp.Narrative == "" {
		log.WithError(err).Error("Explanation failed")
		return abort(result, err)
	}
	result.CompletedSteps = append(result.CompletedSteps, StepExplain)

	result.Decision = decision
	result.Confidence = conf
	result.Assessments = assessments
	result.Rows = exp.Rows
	result.Narrative = exp.Narrative
	result.Audit = exp.Audit
	result.AuditRecordID = exp.AuditRecordID
	if err != nil {
		result.Err = err
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.CompletedSteps = append(result.CompletedSteps, StepAudit)
	}

	log.WithFields(logrus.Fields{
		"decision":   result.Decision,
		"score":      result.Confidence.Score,
		"level":      result.Confidence.Level,
		"review":     result.Confidence.HumanReviewRequired,
		"completion": completion,
	}).Info("Screening completed")

	return result
}

func validate(patient *domain.PatientProfile, trial *domain.TrialCriteria) error {
	if err := patient.Validate(); err != nil {
		return err
	}
	return trial.Validate()
}

// abort ends a screening that reached no decision
func abort(result domain.ScreeningResult, err error) domain.ScreeningResult {
	result.Decision = domain.DecisionUncertain
	result.Confidence = domain.Confidence{Level: domain.LevelVeryLow, HumanReviewRequired: true}
	result.Assessments = nil
	result.Rows = nil
	result.Narrative = ""
	result.Err = err
	result.Errors = append(result.Errors, err.Error())
	return result
}

// matchAll evaluates every criterion concurrently. Per-criterion failures are
// concluded by the failure policy; only cancellation of ctx is returned.
func (s *Service) matchAll(ctx context.Context, patient *domain.PatientProfile, trial *domain.TrialCriteria) ([]matcher.Evaluation, bool, error) {
	evals := make([]matcher.Evaluation, len(trial.Criteria))
	var partial atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrency)
	for i, c := range trial.Criteria {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			eval, err := s.evaluate(gctx, c, patient)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				partial.Store(true)
				eval = matcher.Conclude(eval, s.concludeFailed(c, err))
			}
			evals[i] = eval
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	return evals, partial.Load(), nil
}

// evaluate runs one criterion, turning a panic into an error
func (s *Service) evaluate(ctx context.Context, c domain.Criterion, patient *domain.PatientProfile) (eval matcher.Evaluation, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("criterion_id", c.ID).Errorf("Criterion evaluation panicked: %v", r)
			eval = matcher.Evaluation{Criterion: c, Trace: []matcher.State{matcher.StatePending, matcher.StateEvaluating}}
			err = fmt.Errorf("criterion %s panicked: %v", c.ID, r)
		}
	}()
	return s.matcher.Evaluate(ctx, c, patient)
}

// concludeFailed applies the partial-failure policy to a criterion whose evaluation
// returned an error
func (s *Service) concludeFailed(c domain.Criterion, err error) domain.CriterionAssessment {
	a := domain.CriterionAssessment{
		CriterionID:   c.ID,
		EvidenceIDs:   []string{},
		PatientValue:  "not evaluated",
		Deterministic: true,
		Agreement:     1,
	}

	var ambiguous *domain.AmbiguousCriterionError
	switch {
	case domain.IsRetrievalFailure(err):
		a.Status = domain.StatusMissingData
		a.Concerns = []string{fmt.Sprintf("%s: %v", ConcernRetrievalFailed, err)}
	case errors.As(err, &ambiguous):
		a.Status = domain.StatusUncertain
		a.Concerns = []string{fmt.Sprintf("%s: %s", ConcernAmbiguous, ambiguous.Reason)}
	default:
		a.Status = domain.StatusUncertain
		a.Concerns = []string{fmt.Sprintf("%s: %v", ConcernEvaluation, err)}
	}
	a.Reasoning = fmt.Sprintf("%s -> patient: not evaluated -> %s -> %s", c.Text, a.Concerns[0], a.Status)

	s.logger.WithFields(logrus.Fields{
		"criterion_id": c.ID,
		"status":       a.Status,
	}).WithError(err).Warn("Criterion concluded by failure policy")
	return a
}
