package scoring

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/trial-screening-engine/internal/domain"
)

// Scorer aggregates assessments into the screening decision and confidence
type Scorer struct {
	config     domain.ScoringConfig
	calibrator Calibrator
	logger     *logrus.Logger
}

// NewScorer creates a scorer. A nil calibrator means no calibration.
func NewScorer(config domain.ScoringConfig, calibrator Calibrator, logger *logrus.Logger) *Scorer {
	if calibrator == nil {
		calibrator = NoCalibrator{}
	}
	if config.CriticalWeight < 1 {
		config.CriticalWeight = 1
	}
	return &Scorer{config: config, calibrator: calibrator, logger: logger}
}

// CalibratorName identifies the calibrator for audit metadata
func (s *Scorer) CalibratorName() string {
	return s.calibrator.Name()
}

// index pairs each criterion with its assessment; criteria without one count as
// MISSING_DATA with zero confidence
func index(criteria []domain.Criterion, assessments []domain.CriterionAssessment) []pair {
	byID := make(map[string]domain.CriterionAssessment, len(assessments))
	for _, a := range assessments {
		byID[a.CriterionID] = a
	}
	out := make([]pair, len(criteria))
	for i, c := range criteria {
		a, ok := byID[c.ID]
		if !ok {
			a = domain.CriterionAssessment{CriterionID: c.ID, Status: domain.StatusMissingData}
		}
		out[i] = pair{criterion: c, assessment: a}
	}
	return out
}

type pair struct {
	criterion  domain.Criterion
	assessment domain.CriterionAssessment
}

// Raw is the weighted mean confidence minus critical penalties, clamped to [0,1]
func (s *Scorer) Raw(criteria []domain.Criterion, assessments []domain.CriterionAssessment) float64 {
	pairs := index(criteria, assessments)
	if len(pairs) == 0 {
		return 0
	}

	var sum, weights, penalty float64
	for _, p := range pairs {
		w := 1.0
		if p.criterion.Critical {
			w = s.config.CriticalWeight
			switch p.assessment.Status {
			case domain.StatusMissingData:
				penalty += s.config.MissingCriticalPenalty
			case domain.StatusUncertain:
				penalty += s.config.UncertainCriticalPenalty
			}
		}
		sum += w * domain.ClampUnit(p.assessment.Confidence)
		weights += w
	}
	return domain.ClampUnit(sum/weights - penalty)
}

// Level buckets a score by the configured thresholds
func (s *Scorer) Level(score float64) domain.ConfidenceLevel {
	switch {
	case score >= s.config.HighThreshold:
		return domain.LevelHigh
	case score >= s.config.ModerateThreshold:
		return domain.LevelModerate
	case score >= s.config.LowThreshold:
		return domain.LevelLow
	}
	return domain.LevelVeryLow
}

// Score computes raw, calibrated score, level and the score-based review flag
func (s *Scorer) Score(criteria []domain.Criterion, assessments []domain.CriterionAssessment) domain.Confidence {
	raw := s.Raw(criteria, assessments)
	conf := domain.Confidence{Raw: raw, Score: raw}

	calibrated, err := s.calibrator.Calibrate(raw)
	switch {
	case err == nil:
		conf.Score = domain.ClampUnit(calibrated)
		conf.Calibrated = true
		conf.Calibrator = s.calibrator.Name()
	case errors.Is(err, domain.ErrCalibrationUnavailable):
	default:
		s.logger.WithError(err).Warn("Calibration failed, using raw score")
	}

	conf.Level = s.Level(conf.Score)
	conf.HumanReviewRequired = conf.Score < s.config.ReviewThreshold
	return conf
}

// Decide applies the decision rule. An exclusion matched with enough confidence
// always wins.
func (s *Scorer) Decide(criteria []domain.Criterion, assessments []domain.CriterionAssessment) domain.Decision {
	pairs := index(criteria, assessments)

	for _, p := range pairs {
		if p.criterion.Kind == domain.EXCLUSION &&
			p.assessment.Status == domain.StatusMatch &&
			p.assessment.Confidence >= s.config.ExclusionConfidence {
			return domain.DecisionIneligible
		}
	}

	if s.config.StrictInclusion {
		for _, p := range pairs {
			if p.criterion.Kind == domain.INCLUSION &&
				p.assessment.Status == domain.StatusNoMatch &&
				p.assessment.Confidence >= s.config.ExclusionConfidence {
				return domain.DecisionIneligible
			}
		}
	}

	for _, p := range pairs {
		status := p.assessment.Status
		switch p.criterion.Kind {
		case domain.INCLUSION:
			if status != domain.StatusMatch {
				return domain.DecisionUncertain
			}
		case domain.EXCLUSION:
			if status == domain.StatusMatch {
				return domain.DecisionUncertain
			}
		}
		if p.criterion.Critical && (status == domain.StatusMissingData || status == domain.StatusUncertain) {
			return domain.DecisionUncertain
		}
	}
	return domain.DecisionEligible
}

// Evaluate decides and scores, flagging review for any UNCERTAIN decision
func (s *Scorer) Evaluate(criteria []domain.Criterion, assessments []domain.CriterionAssessment) (domain.Decision, domain.Confidence) {
	decision := s.Decide(criteria, assessments)
	conf := s.Score(criteria, assessments)
	if decision == domain.DecisionUncertain {
		conf.HumanReviewRequired = true
	}

	s.logger.WithFields(logrus.Fields{
		"decision":   decision,
		"raw":        conf.Raw,
		"score":      conf.Score,
		"level":      conf.Level,
		"calibrated": conf.Calibrated,
		"review":     conf.HumanReviewRequired,
	}).Debug("Screening scored")

	return decision, conf
}
