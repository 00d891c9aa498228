package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/trial-screening-engine/internal/domain"
)

// BreakerConfig represents circuit breaker and rate limit settings for one channel
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
	RateLimit    float64
	RateBurst    int
}

// BreakerConfigFrom maps the application retrieval configuration
func BreakerConfigFrom(c domain.RetrievalConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:  5,
		Interval:     30 * time.Second,
		Timeout:      c.BreakerOpenTimeout,
		FailureRatio: c.BreakerFailureRatio,
		MinRequests:  3,
		RateLimit:    c.RateLimit,
		RateBurst:    c.RateBurst,
	}
}

// ResilientSearcher wraps a channel with a circuit breaker and a rate limiter
type ResilientSearcher struct {
	name    string
	inner   Searcher
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewResilientSearcher creates a resilient wrapper around a channel
func NewResilientSearcher(name string, inner Searcher, config BreakerConfig, logger *logrus.Logger) *ResilientSearcher {
	if config.FailureRatio <= 0 {
		config.FailureRatio = 0.6
	}
	if config.MinRequests == 0 {
		config.MinRequests = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"channel": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Retrieval circuit breaker changed state")
		},
		// Empty results and caller cancellation are not channel failures
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &ResilientSearcher{
		name:    name,
		inner:   inner,
		breaker: breaker,
		limiter: limiter,
		logger:  logger,
	}
}

// Search waits for a rate limit token, then calls the channel through the breaker
func (s *ResilientSearcher) Search(ctx context.Context, query string, topK int) ([]domain.RetrievedEvidence, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s rate limit wait: %v", domain.ErrRetrievalTimeout, s.name, err)
		}
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.Search(ctx, query, topK)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s circuit open", domain.ErrRetrievalUnavailable, s.name)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrRetrievalTimeout, s.name, err)
		}
		return nil, err
	}

	evidence, _ := result.([]domain.RetrievedEvidence)
	return evidence, nil
}

// State returns the breaker state, for health reporting
func (s *ResilientSearcher) State() gobreaker.State {
	return s.breaker.State()
}
