// Package setup builds the screening pipeline and its collaborators from configuration.
package setup

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/trial-screening-engine/internal/audit"
	"github.com/trial-screening-engine/internal/criteria"
	"github.com/trial-screening-engine/internal/database"
	"github.com/trial-screening-engine/internal/domain"
	"github.com/trial-screening-engine/internal/explain"
	"github.com/trial-screening-engine/internal/knowledge"
	"github.com/trial-screening-engine/internal/matcher"
	"github.com/trial-screening-engine/internal/repository"
	"github.com/trial-screening-engine/internal/retrieval"
	"github.com/trial-screening-engine/internal/scoring"
	"github.com/trial-screening-engine/internal/screening"
)

// Audit backends
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendPgx      = "pgx"
)

// OpenAuditStore opens the audit backend named in the configuration
func OpenAuditStore(ctx context.Context, cfg domain.Config, logger *logrus.Logger) (audit.Store, error) {
	switch cfg.Audit.Backend {
	case "", BackendMemory:
		return audit.NewMemoryStore(), nil
	case BackendSQLite:
		return audit.NewSQLiteStore(cfg.Audit.SQLitePath)
	case BackendPostgres:
		if cfg.Audit.PostgresDSN == "" {
			return nil, domain.NewValidationError("audit.postgres_dsn", "postgres audit backend requires a DSN", nil)
		}
		return audit.NewPostgresStoreFromURL(cfg.Audit.PostgresDSN)
	case BackendPgx:
		db, err := database.NewConnection(ctx, database.ConfigFrom(cfg.Database), logger)
		if err != nil {
			return nil, err
		}
		status, err := db.SchemaStatus(ctx)
		if err == nil {
			err = status.Check()
		}
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("audit schema not ready, run migrate up: %w", err)
		}
		return repository.NewAuditRepositoryFromDB(db, logger), nil
	}
	return nil, domain.NewValidationError("audit.backend", "unknown audit backend", cfg.Audit.Backend)
}

// OpenCriteria returns a cached criteria source over the files in dir. The
// returned close function releases the Redis client when one is configured.
func OpenCriteria(ctx context.Context, cfg domain.Config, dir string, logger *logrus.Logger) (*criteria.Cache, func() error, error) {
	closeFn := func() error { return nil }
	loader := criteria.NewLoader(dir, logger)

	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		client, err := criteria.NewRedisClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, using memory cache only")
		} else {
			redisClient = client
			closeFn = client.Close
		}
	}

	cache, err := criteria.NewCache(loader, criteria.CacheConfig{
		MaxMemorySize: cfg.Cache.CriteriaCacheSize,
		RedisTTL:      cfg.Cache.RedisTTL,
	}, redisClient, logger)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return cache, closeFn, nil
}

// BuildIndex loads the corpus (if configured) and indexes it together with extra
// documents such as patient history
func BuildIndex(cfg domain.Config, extra []knowledge.Document) (*knowledge.Index, knowledge.Embedder, error) {
	var docs []knowledge.Document
	if cfg.Knowledge.CorpusPath != "" {
		corpus, err := knowledge.LoadCorpus(cfg.Knowledge.CorpusPath)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, corpus...)
	}
	docs = append(docs, extra...)

	embedder, err := knowledge.NewHashingEmbedder(cfg.Knowledge.EmbeddingDims, cfg.Cache.EmbeddingCacheSize)
	if err != nil {
		return nil, nil, err
	}
	return knowledge.NewIndex(docs, embedder), embedder, nil
}

// NewService wires retrieval, matching, scoring and explanation into a screening
// service over the given index
func NewService(cfg domain.Config, index *knowledge.Index, embedder knowledge.Embedder, auditLog domain.AuditLog, logger *logrus.Logger, opts ...explain.Option) (*screening.Service, error) {
	if index == nil {
		return nil, errors.New("knowledge index is required")
	}

	breaker := retrieval.BreakerConfigFrom(cfg.Retrieval)
	hybrid := retrieval.NewHybridRetriever(
		retrieval.NewResilientSearcher("lexical", index.Lexical, breaker, logger),
		retrieval.NewResilientSearcher("dense", index.Dense, breaker, logger),
		retrieval.ConfigFrom(cfg.Retrieval),
		logger,
	)
	retrying := screening.NewRetryingRetriever(hybrid, screening.RetryConfigFrom(cfg.Screening), logger)
	refiner := retrieval.NewRefiner(retrying, nil, retrieval.RefinerConfig{
		MaxIterations:    cfg.Retrieval.RefineMaxIterations,
		QualityThreshold: cfg.Retrieval.RefineQualityThreshold,
		RRFConstant:      hybrid.RRFConstant(),
	}, logger)

	m := matcher.NewMatcher(refiner, nil, matcher.Config{
		TopK:              cfg.Retrieval.TopK,
		RRFConstant:       hybrid.RRFConstant(),
		ConflictThreshold: cfg.Matcher.ConflictThreshold,
	}, logger)

	calibrator, err := scoring.NewCalibrator(cfg.Scoring.Calibration)
	if err != nil {
		return nil, fmt.Errorf("failed to create calibrator: %w", err)
	}

	models := map[string]string{}
	if embedder != nil {
		models["embedder"] = embedder.Name()
	}

	return screening.NewService(screening.Components{
		Matcher:     m,
		Consistency: scoring.NewConsistency(m.Judge(), cfg.Scoring, logger),
		Scorer:      scoring.NewScorer(cfg.Scoring, calibrator, logger),
		Explainer:   explain.NewExplainer(auditLog, logger, opts...),
		Models:      models,
	}, cfg.Screening, logger)
}
