// Package scoring turns per-criterion assessments into a decision and a calibrated
// confidence: self-consistency sampling, weighted aggregation with penalties,
// calibration and level bucketing.
package scoring

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/trial-screening-engine/internal/domain"
	"github.com/trial-screening-engine/internal/matcher"
)

// Consistency re-runs evidence judgments on bootstrap resamples and scales each
// assessment's confidence by the share of samples agreeing with the majority
type Consistency struct {
	judge   matcher.EvidenceJudge
	samples int
	min     int
	timeout time.Duration
	seed    int64
	logger  *logrus.Logger
}

// NewConsistency creates a sampler from scoring configuration
func NewConsistency(judge matcher.EvidenceJudge, config domain.ScoringConfig, logger *logrus.Logger) *Consistency {
	d := domain.DefaultScoringConfig()
	if config.Samples <= 0 {
		config.Samples = d.Samples
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 1
	}
	if config.MinSamples > config.Samples {
		config.MinSamples = config.Samples
	}
	if config.FanOutTimeout <= 0 {
		config.FanOutTimeout = d.FanOutTimeout
	}
	return &Consistency{
		judge:   judge,
		samples: config.Samples,
		min:     config.MinSamples,
		timeout: config.FanOutTimeout,
		seed:    config.Seed,
		logger:  logger,
	}
}

// samplesFor shrinks N in proportion to the time left in the fan-out budget
func (c *Consistency) samplesFor(remaining time.Duration) int {
	if remaining >= c.timeout {
		return c.samples
	}
	if remaining <= 0 {
		return c.min
	}
	n := int(math.Ceil(float64(c.samples) * float64(remaining) / float64(c.timeout)))
	return max(c.min, min(n, c.samples))
}

// sampleSeed derives an independent seed per (seed, criterion, sample index)
func sampleSeed(seed int64, criterionID string, index int) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(criterionID))
	return seed ^ int64(h.Sum64()) ^ int64(index+1)*0x5DEECE66D
}

// bootstrap draws len(evidence) items with replacement
func bootstrap(rng *rand.Rand, evidence []domain.RetrievedEvidence) []domain.RetrievedEvidence {
	out := make([]domain.RetrievedEvidence, len(evidence))
	for i := range out {
		out[i] = evidence[rng.Intn(len(evidence))]
	}
	return out
}

// Apply returns one assessment per evaluation, in the same order. Deterministic
// assessments and those without evidence keep factor 1.0. It fails only when ctx
// is cancelled.
func (c *Consistency) Apply(ctx context.Context, evals []matcher.Evaluation) ([]domain.CriterionAssessment, error) {
	fanCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n := c.samples
	if deadline, ok := fanCtx.Deadline(); ok {
		n = c.samplesFor(time.Until(deadline))
	}

	votes := make([][]domain.MatchStatus, len(evals))
	g, gctx := errgroup.WithContext(fanCtx)
	for i, e := range evals {
		if !c.needsSampling(e) {
			continue
		}
		votes[i] = make([]domain.MatchStatus, n)
		for s := 0; s < n; s++ {
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				rng := rand.New(rand.NewSource(sampleSeed(c.seed, e.Criterion.ID, s)))
				status := c.judge.Judge(e.Criterion, bootstrap(rng, e.Evidence)).Status
				if gctx.Err() != nil {
					return nil
				}
				votes[i][s] = status
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.CriterionAssessment, len(evals))
	for i, e := range evals {
		if votes[i] == nil {
			out[i] = e.Assessment.WithAgreement(1.0)
			continue
		}
		out[i] = c.agreement(e, votes[i], n)
	}
	return out, nil
}

func (c *Consistency) needsSampling(e matcher.Evaluation) bool {
	return !e.Assessment.Deterministic && len(e.Evidence) > 0
}

func (c *Consistency) agreement(e matcher.Evaluation, votes []domain.MatchStatus, planned int) domain.CriterionAssessment {
	counts := map[domain.MatchStatus]int{}
	completed := 0
	for _, v := range votes {
		if v == "" {
			continue
		}
		counts[v]++
		completed++
	}

	var concerns []string
	if completed < planned {
		concerns = append(concerns, fmt.Sprintf("%d of %d consistency samples missed the deadline", planned-completed, planned))
	}
	if completed == 0 {
		c.logger.WithField("criterion_id", e.Criterion.ID).Warn("No consistency samples completed")
		return e.Assessment.WithAgreement(1.0, concerns...)
	}

	majority := 0
	for _, k := range counts {
		majority = max(majority, k)
	}
	agreement := float64(majority) / float64(completed)
	if agreement < 1 {
		concerns = append(concerns, fmt.Sprintf("self-consistency agreement %d/%d", majority, completed))
	}

	c.logger.WithFields(logrus.Fields{
		"criterion_id": e.Criterion.ID,
		"samples":      completed,
		"agreement":    agreement,
	}).Debug("Self-consistency applied")

	return e.Assessment.WithAgreement(agreement, concerns...)
}
