// Package retrieval fuses lexical and dense search channels into ranked evidence
// using Reciprocal Rank Fusion.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/trial-screening-engine/internal/domain"
)

// Defaults for fusion
const (
	DefaultRRFConstant = 60
	DefaultTopK        = 10
	DefaultCallTimeout = 2 * time.Second
)

// scoreEpsilon treats fused scores closer than this as equal
const scoreEpsilon = 1e-12

// Searcher is one retrieval channel of the knowledge store
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]domain.RetrievedEvidence, error)
}

// SearcherFunc adapts a function to the Searcher interface
type SearcherFunc func(ctx context.Context, query string, topK int) ([]domain.RetrievedEvidence, error)

// Search calls f
func (f SearcherFunc) Search(ctx context.Context, query string, topK int) ([]domain.RetrievedEvidence, error) {
	return f(ctx, query, topK)
}

// Retriever returns fused evidence for a query
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]domain.RetrievedEvidence, error)
}

// Config controls fusion and channel timeouts
type Config struct {
	TopK        int
	RRFConstant int
	CallTimeout time.Duration
}

// ConfigFrom maps the application retrieval configuration
func ConfigFrom(c domain.RetrievalConfig) Config {
	return Config{TopK: c.TopK, RRFConstant: c.RRFConstant, CallTimeout: c.CallTimeout}
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = DefaultRRFConstant
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// HybridRetriever runs the lexical and dense channels in parallel and fuses them
type HybridRetriever struct {
	lexical Searcher
	dense   Searcher
	config  Config
	logger  *logrus.Logger
}

// NewHybridRetriever creates a hybrid retriever. Either channel may be nil, in which
// case it contributes no results.
func NewHybridRetriever(lexical, dense Searcher, config Config, logger *logrus.Logger) *HybridRetriever {
	return &HybridRetriever{
		lexical: lexical,
		dense:   dense,
		config:  config.withDefaults(),
		logger:  logger,
	}
}

// RRFConstant returns the fusion constant k
func (r *HybridRetriever) RRFConstant() int {
	return r.config.RRFConstant
}

// Retrieve searches both channels and returns the topK fused results.
// It returns domain.ErrNoEvidenceFound when both channels come back empty.
func (r *HybridRetriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.RetrievedEvidence, error) {
	if topK <= 0 {
		topK = r.config.TopK
	}

	var (
		lexResults, denseResults []domain.RetrievedEvidence
		lexErr, denseErr         error
	)

	// Channel failures are captured rather than returned so one channel cannot
	// cancel the other.
	var g errgroup.Group
	g.Go(func() error {
		lexResults, lexErr = r.searchChannel(ctx, r.lexical, query, topK)
		return nil
	})
	g.Go(func() error {
		denseResults, denseErr = r.searchChannel(ctx, r.dense, query, topK)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case lexErr != nil && denseErr != nil:
		return nil, classifyFailure(lexErr, denseErr)
	case lexErr != nil:
		r.logger.WithError(lexErr).WithField("query", query).Warn("Lexical channel failed, using dense results only")
	case denseErr != nil:
		r.logger.WithError(denseErr).WithField("query", query).Warn("Dense channel failed, using lexical results only")
	}

	fused := Fuse(lexResults, denseResults, r.config.RRFConstant)
	if len(fused) == 0 {
		return nil, domain.ErrNoEvidenceFound
	}
	if len(fused) > topK {
		fused = fused[:topK]
	}

	r.logger.WithFields(logrus.Fields{
		"query":   query,
		"lexical": len(lexResults),
		"dense":   len(denseResults),
		"fused":   len(fused),
	}).Debug("Hybrid retrieval completed")

	return fused, nil
}

type channelResult struct {
	results []domain.RetrievedEvidence
	err     error
}

// searchChannel bounds one channel call by the per-call timeout, even if the
// channel ignores its context
func (r *HybridRetriever) searchChannel(ctx context.Context, s Searcher, query string, topK int) ([]domain.RetrievedEvidence, error) {
	if s == nil {
		return nil, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()

	done := make(chan channelResult, 1)
	go func() {
		results, err := s.Search(callCtx, query, topK)
		done <- channelResult{results: results, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", domain.ErrRetrievalTimeout, res.err)
			}
			return nil, res.err
		}
		return res.results, nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: channel exceeded %s", domain.ErrRetrievalTimeout, r.config.CallTimeout)
		}
		return nil, callCtx.Err()
	}
}

func classifyFailure(lexErr, denseErr error) error {
	joined := errors.Join(lexErr, denseErr)
	if errors.Is(joined, domain.ErrRetrievalTimeout) || errors.Is(joined, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrRetrievalTimeout, joined)
	}
	if errors.Is(joined, domain.ErrRetrievalUnavailable) {
		return joined
	}
	return fmt.Errorf("%w: %v", domain.ErrRetrievalUnavailable, joined)
}

// Fuse merges two ranked lists with Reciprocal Rank Fusion. Ranks are the 1-based
// positions in each list; a document repeated within one list counts at its best
// rank. Ties on fused score go to documents found by both channels, then to the
// higher lexical score, then to the smaller document id.
func Fuse(lexical, dense []domain.RetrievedEvidence, k int) []domain.RetrievedEvidence {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	entries := make(map[string]*domain.RetrievedEvidence)
	order := make([]string, 0, len(lexical)+len(dense))
	get := func(ev domain.RetrievedEvidence) *domain.RetrievedEvidence {
		e, ok := entries[ev.DocumentID]
		if !ok {
			e = &domain.RetrievedEvidence{DocumentID: ev.DocumentID, Text: ev.Text, Source: ev.Source, Channel: domain.ChannelFused}
			entries[ev.DocumentID] = e
			order = append(order, ev.DocumentID)
		}
		if e.Text == "" {
			e.Text = ev.Text
		}
		if e.Source == "" {
			e.Source = ev.Source
		}
		return e
	}

	rank := 0
	for _, ev := range lexical {
		if ev.DocumentID == "" {
			continue
		}
		rank++
		e := get(ev)
		if e.LexicalRank != 0 {
			continue
		}
		e.LexicalRank = rank
		e.LexicalScore = ev.Score
		e.Score += 1 / float64(k+rank)
	}

	rank = 0
	for _, ev := range dense {
		if ev.DocumentID == "" {
			continue
		}
		rank++
		e := get(ev)
		if e.DenseRank != 0 {
			continue
		}
		e.DenseRank = rank
		e.Score += 1 / float64(k+rank)
	}

	fused := make([]domain.RetrievedEvidence, 0, len(order))
	for _, id := range order {
		fused = append(fused, *entries[id])
	}

	sort.SliceStable(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if math.Abs(a.Score-b.Score) > scoreEpsilon {
			return a.Score > b.Score
		}
		if a.InBothChannels() != b.InBothChannels() {
			return a.InBothChannels()
		}
		if a.LexicalScore != b.LexicalScore {
			return a.LexicalScore > b.LexicalScore
		}
		return a.DocumentID < b.DocumentID
	})
	return fused
}

// MaxFusedScore is the score of a document ranked first by both channels
func MaxFusedScore(k int) float64 {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return 2 / float64(k+1)
}

// NormalizedScore maps a fused score onto [0,1] relative to MaxFusedScore
func NormalizedScore(score float64, k int) float64 {
	return domain.ClampUnit(score / MaxFusedScore(k))
}

// Quality is the normalized score of the best fused result
func Quality(evidence []domain.RetrievedEvidence, k int) float64 {
	if len(evidence) == 0 {
		return 0
	}
	return NormalizedScore(evidence[0].Score, k)
}
