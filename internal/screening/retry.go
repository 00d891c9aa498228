package screening

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/trial-screening-engine/internal/domain"
	"github.com/trial-screening-engine/internal/retrieval"
)

// RetryConfig bounds retries of transient retrieval failures
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryConfigFrom maps the screening configuration
func RetryConfigFrom(c domain.ScreeningConfig) RetryConfig {
	return RetryConfig{
		MaxRetries:      c.RetryMax,
		InitialInterval: c.RetryInitialInterval,
		MaxInterval:     c.RetryMaxInterval,
	}
}

// RetryingRetriever retries timeouts and unavailability with exponential backoff.
// Other errors, including domain.ErrNoEvidenceFound, are returned at once.
type RetryingRetriever struct {
	inner  retrieval.Retriever
	config RetryConfig
	logger *logrus.Logger
}

// NewRetryingRetriever wraps inner. A negative MaxRetries disables retrying.
func NewRetryingRetriever(inner retrieval.Retriever, config RetryConfig, logger *logrus.Logger) *RetryingRetriever {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 100 * time.Millisecond
	}
	if config.MaxInterval < config.InitialInterval {
		config.MaxInterval = config.InitialInterval
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &RetryingRetriever{inner: inner, config: config, logger: logger}
}

func (r *RetryingRetriever) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialInterval
	b.MaxInterval = r.config.MaxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.config.MaxRetries)), ctx)
}

// Retrieve calls the wrapped retriever, retrying recoverable failures
func (r *RetryingRetriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.RetrievedEvidence, error) {
	var (
		evidence []domain.RetrievedEvidence
		attempts int
	)
	operation := func() error {
		attempts++
		var err error
		evidence, err = r.inner.Retrieve(ctx, query, topK)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !domain.IsRetrievalFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.WithFields(logrus.Fields{
			"attempt": attempts,
			"wait":    wait,
		}).WithError(err).Warn("Retrieval failed, retrying")
	}

	err := backoff.RetryNotify(operation, r.newBackOff(ctx), notify)
	if err != nil {
		if domain.IsRetrievalFailure(err) && attempts > 1 {
			return nil, fmt.Errorf("retrieval failed after %d attempts: %w", attempts, err)
		}
		return nil, err
	}
	return evidence, nil
}
