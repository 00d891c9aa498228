package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/trial-screening-engine/internal/domain"
)

// EnvPrefix is the prefix of environment overrides, e.g. TRIAL_SCREENER_SCORING_SAMPLES
const EnvPrefix = "TRIAL_SCREENER"

// Manager loads the screening configuration from file, environment and defaults using Viper
type Manager struct {
	v      *viper.Viper
	mu     sync.RWMutex
	config *domain.Config
}

// NewManager creates a configuration manager that searches the standard config paths
func NewManager() (*Manager, error) {
	return NewManagerWithFile("")
}

// NewManagerWithFile creates a configuration manager reading an explicit config file.
// An empty path falls back to the standard search paths.
func NewManagerWithFile(path string) (*Manager, error) {
	m := &Manager{v: viper.New()}
	if path != "" {
		m.v.SetConfigFile(path)
	} else {
		m.v.SetConfigName("config")
		m.v.AddConfigPath(".")
		m.v.AddConfigPath("./config")
		m.v.AddConfigPath("/etc/trial-screener/")
	}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	m.v.SetEnvPrefix(EnvPrefix)
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and environment variables cover everything
	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := m.v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	d := domain.DefaultConfig()

	// Logging defaults
	m.v.SetDefault("logging.level", d.Logging.Level)
	m.v.SetDefault("logging.format", d.Logging.Format)

	// Retrieval defaults
	m.v.SetDefault("retrieval.top_k", d.Retrieval.TopK)
	m.v.SetDefault("retrieval.rrf_constant", d.Retrieval.RRFConstant)
	m.v.SetDefault("retrieval.call_timeout", d.Retrieval.CallTimeout)
	m.v.SetDefault("retrieval.refine_max_iterations", d.Retrieval.RefineMaxIterations)
	m.v.SetDefault("retrieval.refine_quality_threshold", d.Retrieval.RefineQualityThreshold)
	m.v.SetDefault("retrieval.breaker_failure_ratio", d.Retrieval.BreakerFailureRatio)
	m.v.SetDefault("retrieval.breaker_open_timeout", d.Retrieval.BreakerOpenTimeout)
	m.v.SetDefault("retrieval.rate_limit", d.Retrieval.RateLimit)
	m.v.SetDefault("retrieval.rate_burst", d.Retrieval.RateBurst)

	// Matcher defaults
	m.v.SetDefault("matcher.conflict_threshold", d.Matcher.ConflictThreshold)

	// Scoring defaults
	m.v.SetDefault("scoring.samples", d.Scoring.Samples)
	m.v.SetDefault("scoring.min_samples", d.Scoring.MinSamples)
	m.v.SetDefault("scoring.fan_out_timeout", d.Scoring.FanOutTimeout)
	m.v.SetDefault("scoring.seed", d.Scoring.Seed)
	m.v.SetDefault("scoring.critical_weight", d.Scoring.CriticalWeight)
	m.v.SetDefault("scoring.missing_critical_penalty", d.Scoring.MissingCriticalPenalty)
	m.v.SetDefault("scoring.uncertain_critical_penalty", d.Scoring.UncertainCriticalPenalty)
	m.v.SetDefault("scoring.high_threshold", d.Scoring.HighThreshold)
	m.v.SetDefault("scoring.moderate_threshold", d.Scoring.ModerateThreshold)
	m.v.SetDefault("scoring.low_threshold", d.Scoring.LowThreshold)
	m.v.SetDefault("scoring.review_threshold", d.Scoring.ReviewThreshold)
	m.v.SetDefault("scoring.exclusion_confidence", d.Scoring.ExclusionConfidence)
	m.v.SetDefault("scoring.strict_inclusion", d.Scoring.StrictInclusion)
	m.v.SetDefault("scoring.calibration.method", d.Scoring.Calibration.Method)
	m.v.SetDefault("scoring.calibration.temperature", d.Scoring.Calibration.Temperature)

	// Screening defaults
	m.v.SetDefault("screening.max_concurrency", d.Screening.MaxConcurrency)
	m.v.SetDefault("screening.retry_max", d.Screening.RetryMax)
	m.v.SetDefault("screening.retry_initial_interval", d.Screening.RetryInitialInterval)
	m.v.SetDefault("screening.retry_max_interval", d.Screening.RetryMaxInterval)
	m.v.SetDefault("screening.request_timeout", d.Screening.RequestTimeout)

	// Knowledge and cache defaults
	m.v.SetDefault("knowledge.corpus_path", d.Knowledge.CorpusPath)
	m.v.SetDefault("knowledge.embedding_dims", d.Knowledge.EmbeddingDims)
	m.v.SetDefault("cache.criteria_cache_size", d.Cache.CriteriaCacheSize)
	m.v.SetDefault("cache.embedding_cache_size", d.Cache.EmbeddingCacheSize)
	m.v.SetDefault("cache.redis_url", d.Cache.RedisURL)
	m.v.SetDefault("cache.redis_ttl", d.Cache.RedisTTL)

	// Audit and database defaults
	m.v.SetDefault("audit.backend", d.Audit.Backend)
	m.v.SetDefault("audit.sqlite_path", d.Audit.SQLitePath)
	m.v.SetDefault("audit.postgres_dsn", d.Audit.PostgresDSN)
	m.v.SetDefault("database.url", d.Database.URL)
	m.v.SetDefault("database.max_conns", d.Database.MaxConns)
	m.v.SetDefault("database.min_conns", d.Database.MinConns)
	m.v.SetDefault("database.max_conn_lifetime", d.Database.MaxConnLifetime)
	m.v.SetDefault("database.max_conn_idle_time", d.Database.MaxConnIdleTime)
	m.v.SetDefault("database.migrations_path", d.Database.MigrationsPath)
}

// GetConfig returns a copy of the complete configuration
func (m *Manager) GetConfig() domain.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

// Set overrides a single key, e.g. from a CLI flag, and re-unmarshals
func (m *Manager) Set(key string, value interface{}) error {
	m.v.Set(key, value)
	config := &domain.Config{}
	if err := m.v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	return nil
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Watch reloads the configuration when the config file changes and passes the new
// configuration to onChange. Invalid configurations are logged and ignored.
func (m *Manager) Watch(logger *logrus.Logger, onChange func(domain.Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if err := m.loadConfig(); err != nil {
			logger.WithError(err).WithField("file", e.Name).Warn("Config reload failed")
			return
		}
		if err := m.Validate(); err != nil {
			logger.WithError(err).WithField("file", e.Name).Warn("Reloaded config is invalid")
			return
		}
		logger.WithField("file", e.Name).Info("Configuration reloaded")
		if onChange != nil {
			onChange(m.GetConfig())
		}
	})
	m.v.WatchConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	return Validate(m.GetConfig())
}

// Validate checks a configuration for inconsistent thresholds
func Validate(config domain.Config) error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	if config.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval top_k must be positive: %d", config.Retrieval.TopK)
	}
	if config.Retrieval.RRFConstant <= 0 {
		return fmt.Errorf("retrieval rrf_constant must be positive: %d", config.Retrieval.RRFConstant)
	}
	if config.Retrieval.RefineMaxIterations < 1 {
		return fmt.Errorf("retrieval refine_max_iterations must be at least 1")
	}

	s := config.Scoring
	if s.Samples < 1 {
		return fmt.Errorf("scoring samples must be at least 1: %d", s.Samples)
	}
	if !(s.LowThreshold <= s.ModerateThreshold && s.ModerateThreshold <= s.HighThreshold) {
		return fmt.Errorf("confidence level thresholds must be ordered low <= moderate <= high")
	}
	for name, v := range map[string]float64{
		"high_threshold":             s.HighThreshold,
		"review_threshold":           s.ReviewThreshold,
		"exclusion_confidence":       s.ExclusionConfidence,
		"missing_critical_penalty":   s.MissingCriticalPenalty,
		"uncertain_critical_penalty": s.UncertainCriticalPenalty,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("scoring %s must lie in [0,1]: %v", name, v)
		}
	}
	if s.CriticalWeight < 1 {
		return fmt.Errorf("scoring critical_weight must be at least 1: %v", s.CriticalWeight)
	}

	switch config.Scoring.Calibration.Method {
	case "", "none":
	case "temperature":
		if config.Scoring.Calibration.Temperature <= 0 {
			return fmt.Errorf("calibration temperature must be positive")
		}
	case "isotonic":
		if len(s.Calibration.IsotonicX) != len(s.Calibration.IsotonicY) || len(s.Calibration.IsotonicX) < 2 {
			return fmt.Errorf("isotonic calibration needs matching x/y breakpoints")
		}
	default:
		return fmt.Errorf("unknown calibration method: %s", config.Scoring.Calibration.Method)
	}

	switch config.Audit.Backend {
	case "memory", "sqlite":
	case "postgres":
		if config.Audit.PostgresDSN == "" {
			return fmt.Errorf("audit postgres_dsn is required for the postgres backend")
		}
	case "pgx":
		if config.Database.URL == "" {
			return fmt.Errorf("database url is required for the pgx audit backend")
		}
	default:
		return fmt.Errorf("unknown audit backend: %s", config.Audit.Backend)
	}

	return nil
}

// NewLogger builds a logrus logger from the logging configuration
func NewLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if strings.ToLower(cfg.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.SetOutput(os.Stderr)
	return logger
}
