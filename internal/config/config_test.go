package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-screening-engine/internal/domain"
)

func TestManager_Defaults(t *testing.T) {
	m, err := NewManagerWithFile(writeConfig(t, "config.yaml", "logging:\n  level: info\n"))
	require.NoError(t, err)

	cfg := m.GetConfig()
	assert.Equal(t, 10, cfg.Retrieval.TopK)
	assert.Equal(t, 60, cfg.Retrieval.RRFConstant)
	assert.Equal(t, 2*time.Second, cfg.Retrieval.CallTimeout)
	assert.Equal(t, 5, cfg.Scoring.Samples)
	assert.Equal(t, 15*time.Second, cfg.Scoring.FanOutTimeout)
	assert.Equal(t, 0.90, cfg.Scoring.HighThreshold)
	assert.Equal(t, 0.80, cfg.Scoring.ReviewThreshold)
	assert.Equal(t, 0.05, cfg.Scoring.MissingCriticalPenalty)
	assert.Equal(t, 0.10, cfg.Scoring.UncertainCriticalPenalty)
	assert.Equal(t, 2, cfg.Screening.RetryMax)
	assert.Equal(t, "memory", cfg.Audit.Backend)
	assert.NoError(t, m.Validate())
}

func TestManager_FileOverrides(t *testing.T) {
	path := writeConfig(t, "screener.yaml", `
scoring:
  moderate_threshold: 0.85
  samples: 9
  calibration:
    method: temperature
    temperature: 1.5
retrieval:
  call_timeout: 500ms
`)

	m, err := NewManagerWithFile(path)
	require.NoError(t, err)

	cfg := m.GetConfig()
	assert.Equal(t, 0.85, cfg.Scoring.ModerateThreshold)
	assert.Equal(t, 9, cfg.Scoring.Samples)
	assert.Equal(t, "temperature", cfg.Scoring.Calibration.Method)
	assert.Equal(t, 1.5, cfg.Scoring.Calibration.Temperature)
	assert.Equal(t, 500*time.Millisecond, cfg.Retrieval.CallTimeout)
	// untouched keys keep defaults
	assert.Equal(t, 0.90, cfg.Scoring.HighThreshold)
}

func TestManager_EnvironmentOverrides(t *testing.T) {
	t.Setenv("TRIAL_SCREENER_SCORING_REVIEW_THRESHOLD", "0.75")
	t.Setenv("TRIAL_SCREENER_AUDIT_BACKEND", "sqlite")

	m, err := NewManagerWithFile(writeConfig(t, "config.toml", "[logging]\nlevel = \"debug\"\n"))
	require.NoError(t, err)

	cfg := m.GetConfig()
	assert.Equal(t, 0.75, cfg.Scoring.ReviewThreshold)
	assert.Equal(t, "sqlite", cfg.Audit.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestManager_Set(t *testing.T) {
	m, err := NewManagerWithFile(writeConfig(t, "config.yaml", "{}\n"))
	require.NoError(t, err)

	require.NoError(t, m.Set("scoring.seed", 7))
	assert.Equal(t, int64(7), m.GetConfig().Scoring.Seed)
}

func TestManager_Watch(t *testing.T) {
	path := writeConfig(t, "config.yaml", "scoring:\n  samples: 3\n")
	m, err := NewManagerWithFile(path)
	require.NoError(t, err)

	logger := NewLogger(domain.LoggingConfig{Level: "error"})
	changed := make(chan domain.Config, 4)
	m.Watch(logger, func(cfg domain.Config) { changed <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("scoring:\n  samples: 8\n"), 0644))
	select {
	case cfg := <-changed:
		assert.Equal(t, 8, cfg.Scoring.Samples)
		assert.Equal(t, 8, m.GetConfig().Scoring.Samples)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestManager_MissingExplicitFile(t *testing.T) {
	_, err := NewManagerWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *domain.Config)
		wantErr string
	}{
		{"Defaults_Are_Valid", func(c *domain.Config) {}, ""},
		{"Bad_Log_Level", func(c *domain.Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"Zero_TopK", func(c *domain.Config) { c.Retrieval.TopK = 0 }, "top_k"},
		{"Unordered_Levels", func(c *domain.Config) { c.Scoring.LowThreshold = 0.95 }, "ordered"},
		{"Penalty_Out_Of_Range", func(c *domain.Config) { c.Scoring.MissingCriticalPenalty = 2 }, "missing_critical_penalty"},
		{"Unknown_Calibration", func(c *domain.Config) { c.Scoring.Calibration.Method = "platt" }, "unknown calibration"},
		{"Isotonic_Without_Points", func(c *domain.Config) { c.Scoring.Calibration.Method = "isotonic" }, "breakpoints"},
		{"Postgres_Without_DSN", func(c *domain.Config) { c.Audit.Backend = "postgres" }, "postgres_dsn"},
		{"Pgx_Without_URL", func(c *domain.Config) { c.Audit.Backend = "pgx" }, "database url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(domain.LoggingConfig{Level: "debug", Format: "text"})
	assert.Equal(t, "debug", logger.GetLevel().String())

	fallback := NewLogger(domain.LoggingConfig{Level: "nonsense"})
	assert.Equal(t, "info", fallback.GetLevel().String())
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
