package retrieval

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/trial-screening-engine/internal/domain"
)

// Defaults for the refinement loop
const (
	DefaultMaxIterations    = 3
	DefaultQualityThreshold = 0.5
)

// Query is a retrieval query split into the criterion text and the patient
// entities appended to it
type Query struct {
	Criterion string
	Entities  []string
}

// String renders the query as sent to the channels
func (q Query) String() string {
	if len(q.Entities) == 0 {
		return q.Criterion
	}
	return q.Criterion + " " + strings.Join(q.Entities, " ")
}

// QueryRewriter produces the query for the next iteration. It returns false when
// it has nothing left to try.
type QueryRewriter func(original Query, iteration int) (string, bool)

// RefineResult reports what the refinement loop settled on
type RefineResult struct {
	Evidence   []domain.RetrievedEvidence
	Query      string
	Iterations int
	Quality    float64
}

// Refiner runs a bounded retrieve, evaluate, rewrite loop
type Refiner struct {
	retriever     Retriever
	rewrite       QueryRewriter
	maxIterations int
	threshold     float64
	rrfConstant   int
	logger        *logrus.Logger
}

// RefinerConfig controls the refinement loop
type RefinerConfig struct {
	MaxIterations    int
	QualityThreshold float64
	RRFConstant      int
}

// NewRefiner creates a refiner. A nil rewriter uses ExpandingRewriter.
func NewRefiner(retriever Retriever, rewrite QueryRewriter, config RefinerConfig, logger *logrus.Logger) *Refiner {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if config.QualityThreshold <= 0 {
		config.QualityThreshold = DefaultQualityThreshold
	}
	if rewrite == nil {
		rewrite = ExpandingRewriter
	}
	return &Refiner{
		retriever:     retriever,
		rewrite:       rewrite,
		maxIterations: config.MaxIterations,
		threshold:     config.QualityThreshold,
		rrfConstant:   config.RRFConstant,
		logger:        logger,
	}
}

// Retrieve runs the loop and returns the best evidence seen
func (r *Refiner) Retrieve(ctx context.Context, q Query, topK int) ([]domain.RetrievedEvidence, error) {
	res, err := r.RetrieveWithTrace(ctx, q, topK)
	if err != nil {
		return nil, err
	}
	return res.Evidence, nil
}

// RetrieveWithTrace runs at most maxIterations retrievals, stopping as soon as the
// best result reaches the quality threshold. Empty results move on to the next
// rewrite; any other error ends the loop.
func (r *Refiner) RetrieveWithTrace(ctx context.Context, q Query, topK int) (RefineResult, error) {
	var (
		best    RefineResult
		lastErr error
	)
	current := q.String()
	step := 0

loop:
	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		best.Iterations = iteration

		evidence, err := r.retriever.Retrieve(ctx, current, topK)
		switch {
		case errors.Is(err, domain.ErrNoEvidenceFound):
			lastErr = err
		case err != nil:
			if len(best.Evidence) > 0 {
				r.logger.WithError(err).WithField("iteration", iteration).Warn("Refinement aborted, keeping earlier evidence")
				break loop
			}
			return best, err
		default:
			quality := Quality(evidence, r.rrfConstant)
			if len(best.Evidence) == 0 || quality > best.Quality {
				best.Evidence = evidence
				best.Query = current
				best.Quality = quality
			}
			if quality >= r.threshold {
				break loop
			}
		}

		next, ok := r.nextQuery(q, current, &step)
		if !ok {
			break
		}
		current = next
	}

	if len(best.Evidence) == 0 {
		if lastErr == nil {
			lastErr = domain.ErrNoEvidenceFound
		}
		return best, lastErr
	}

	r.logger.WithFields(logrus.Fields{
		"iterations": best.Iterations,
		"quality":    best.Quality,
		"query":      best.Query,
	}).Debug("Refined retrieval completed")
	return best, nil
}

// nextQuery asks the rewriter for successive rewrites until one differs from the
// current query
func (r *Refiner) nextQuery(q Query, current string, step *int) (string, bool) {
	for *step < r.maxIterations {
		*step++
		next, ok := r.rewrite(q, *step)
		if !ok {
			return "", false
		}
		if next != current {
			return next, true
		}
	}
	return "", false
}

// abbreviations maps clinical acronyms to their expansions
var abbreviations = map[string]string{
	"t1d":   "type 1 diabetes",
	"t2d":   "type 2 diabetes",
	"t2dm":  "type 2 diabetes mellitus",
	"dka":   "diabetic ketoacidosis",
	"hba1c": "glycated hemoglobin hba1c",
	"egfr":  "estimated glomerular filtration rate egfr",
	"bmi":   "body mass index",
	"ckd":   "chronic kidney disease",
	"mi":    "myocardial infarction",
	"chf":   "congestive heart failure",
	"copd":  "chronic obstructive pulmonary disease",
	"htn":   "hypertension",
}

var wordPattern = regexp.MustCompile(`[A-Za-z0-9]+`)

// ExpandAbbreviations replaces known clinical acronyms with their expansions
func ExpandAbbreviations(text string) string {
	return wordPattern.ReplaceAllStringFunc(text, func(w string) string {
		if exp, ok := abbreviations[strings.ToLower(w)]; ok {
			return exp
		}
		return w
	})
}

// ExpandingRewriter first expands acronyms in the full query, then falls back to
// the expanded criterion text alone
func ExpandingRewriter(original Query, iteration int) (string, bool) {
	switch iteration {
	case 1:
		return ExpandAbbreviations(original.String()), true
	case 2:
		return ExpandAbbreviations(original.Criterion), true
	}
	return "", false
}
