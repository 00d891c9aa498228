package domain

import "time"

// Config represents the application configuration
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Matcher   MatcherConfig   `mapstructure:"matcher"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Screening ScreeningConfig `mapstructure:"screening"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RetrievalConfig contains hybrid retrieval configuration
type RetrievalConfig struct {
	TopK                   int           `mapstructure:"top_k"`
	RRFConstant            int           `mapstructure:"rrf_constant"`
	CallTimeout            time.Duration `mapstructure:"call_timeout"`
	RefineMaxIterations    int           `mapstructure:"refine_max_iterations"`
	RefineQualityThreshold float64       `mapstructure:"refine_quality_threshold"`
	BreakerFailureRatio    float64       `mapstructure:"breaker_failure_ratio"`
	BreakerOpenTimeout     time.Duration `mapstructure:"breaker_open_timeout"`
	RateLimit              float64       `mapstructure:"rate_limit"`
	RateBurst              int           `mapstructure:"rate_burst"`
}

// MatcherConfig contains criterion matcher configuration
type MatcherConfig struct {
	// ConflictThreshold is the minimum share of evidence on each side for a conflict
	ConflictThreshold float64 `mapstructure:"conflict_threshold"`
}

// CalibrationConfig selects and parameterizes the score calibrator
type CalibrationConfig struct {
	Method      string    `mapstructure:"method"` // none, temperature, isotonic
	Temperature float64   `mapstructure:"temperature"`
	IsotonicX   []float64 `mapstructure:"isotonic_x"`
	IsotonicY   []float64 `mapstructure:"isotonic_y"`
}

// ScoringConfig holds the scorer's thresholds, weights and penalties
type ScoringConfig struct {
	Samples                  int               `mapstructure:"samples"`
	MinSamples               int               `mapstructure:"min_samples"`
	FanOutTimeout            time.Duration     `mapstructure:"fan_out_timeout"`
	Seed                     int64             `mapstructure:"seed"`
	CriticalWeight           float64           `mapstructure:"critical_weight"`
	MissingCriticalPenalty   float64           `mapstructure:"missing_critical_penalty"`
	UncertainCriticalPenalty float64           `mapstructure:"uncertain_critical_penalty"`
	HighThreshold            float64           `mapstructure:"high_threshold"`
	ModerateThreshold        float64           `mapstructure:"moderate_threshold"`
	LowThreshold             float64           `mapstructure:"low_threshold"`
	ReviewThreshold          float64           `mapstructure:"review_threshold"`
	ExclusionConfidence      float64           `mapstructure:"exclusion_confidence"`
	StrictInclusion          bool              `mapstructure:"strict_inclusion"`
	Calibration              CalibrationConfig `mapstructure:"calibration"`
}

// ScreeningConfig contains orchestrator configuration
type ScreeningConfig struct {
	MaxConcurrency       int           `mapstructure:"max_concurrency"`
	RetryMax             int           `mapstructure:"retry_max"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
}

// KnowledgeConfig points at the in-process reference knowledge index
type KnowledgeConfig struct {
	CorpusPath    string `mapstructure:"corpus_path"`
	EmbeddingDims int    `mapstructure:"embedding_dims"`
}

// CacheConfig contains cache configuration
type CacheConfig struct {
	CriteriaCacheSize  int           `mapstructure:"criteria_cache_size"`
	EmbeddingCacheSize int           `mapstructure:"embedding_cache_size"`
	RedisURL           string        `mapstructure:"redis_url"`
	RedisTTL           time.Duration `mapstructure:"redis_ttl"`
}

// AuditConfig selects the audit log backend
type AuditConfig struct {
	Backend     string `mapstructure:"backend"` // memory, sqlite, postgres, pgx
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// DatabaseConfig contains the pgx pool configuration for the pgx audit backend
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Retrieval: RetrievalConfig{
			TopK:                   10,
			RRFConstant:            60,
			CallTimeout:            2 * time.Second,
			RefineMaxIterations:    3,
			RefineQualityThreshold: 0.5,
			BreakerFailureRatio:    0.6,
			BreakerOpenTimeout:     60 * time.Second,
			RateLimit:              50,
			RateBurst:              10,
		},
		Matcher: MatcherConfig{ConflictThreshold: 0.3},
		Scoring: DefaultScoringConfig(),
		Screening: ScreeningConfig{
			MaxConcurrency:       4,
			RetryMax:             2,
			RetryInitialInterval: 100 * time.Millisecond,
			RetryMaxInterval:     time.Second,
			RequestTimeout:       60 * time.Second,
		},
		Knowledge: KnowledgeConfig{EmbeddingDims: 256},
		Cache: CacheConfig{
			CriteriaCacheSize:  128,
			EmbeddingCacheSize: 4096,
			RedisTTL:           time.Hour,
		},
		Audit: AuditConfig{Backend: "memory", SQLitePath: "screening_audit.db"},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
			MigrationsPath:  "migrations",
		},
	}
}

// DefaultScoringConfig returns the default scoring thresholds
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Samples:                  5,
		MinSamples:               1,
		FanOutTimeout:            15 * time.Second,
		Seed:                     42,
		CriticalWeight:           2.0,
		MissingCriticalPenalty:   0.05,
		UncertainCriticalPenalty: 0.10,
		HighThreshold:            0.90,
		ModerateThreshold:        0.80,
		LowThreshold:             0.70,
		ReviewThreshold:          0.80,
		ExclusionConfidence:      0.5,
		Calibration:              CalibrationConfig{Method: "none", Temperature: 1.0},
	}
}
