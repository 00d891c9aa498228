package setup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-screening-engine/internal/audit"
	"github.com/trial-screening-engine/internal/domain"
	"github.com/trial-screening-engine/internal/knowledge"
)

const testdata = "../../testdata"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func loadPatient(t *testing.T, name string) *domain.PatientProfile {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(testdata, "patients", name))
	require.NoError(t, err)
	var p domain.PatientProfile
	require.NoError(t, json.Unmarshal(data, &p))
	return &p
}

func testConfig(t *testing.T) domain.Config {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.Knowledge.CorpusPath = filepath.Join(testdata, "corpus.json")
	cfg.Audit.Backend = BackendMemory
	return cfg
}

func screen(t *testing.T, cfg domain.Config, store audit.Store, patientFile string) domain.ScreeningResult {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()

	source, closeCriteria, err := OpenCriteria(ctx, cfg, filepath.Join(testdata, "criteria"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeCriteria() })

	trial, err := source.Load(ctx, "NCT-T2D-001")
	require.NoError(t, err)
	require.Len(t, trial.Criteria, 10)

	return screenPatient(t, cfg, store, trial, loadPatient(t, patientFile))
}

func screenPatient(t *testing.T, cfg domain.Config, store audit.Store, trial *domain.TrialCriteria, patient *domain.PatientProfile) domain.ScreeningResult {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()

	index, embedder, err := BuildIndex(cfg, knowledge.HistoryDocuments(patient.PatientID, patient.History))
	require.NoError(t, err)

	svc, err := NewService(cfg, index, embedder, store, logger)
	require.NoError(t, err)
	return svc.Screen(ctx, patient, trial)
}

func TestScreen_EndToEnd(t *testing.T) {
	t.Run("Eligible", func(t *testing.T) {
		cfg := testConfig(t)
		store := audit.NewMemoryStore()
		result := screen(t, cfg, store, "PT-A.json")

		require.NoError(t, result.Err)
		assert.Equal(t, domain.DecisionEligible, result.Decision)
		assert.Len(t, result.Assessments, 10)
		assert.Len(t, result.Rows, 10)
		assert.NotEmpty(t, result.Narrative)

		record, err := store.Get(context.Background(), result.AuditRecordID)
		require.NoError(t, err)
		assert.Equal(t, "PT-A", record.PatientID)
		assert.Equal(t, "NCT-T2D-001", record.TrialID)
		assert.Contains(t, record.Models, "embedder")
		assert.Contains(t, record.Models, "judge")
	})

	t.Run("Ineligible", func(t *testing.T) {
		result := screen(t, testConfig(t), audit.NewMemoryStore(), "PT-B.json")

		require.NoError(t, result.Err)
		assert.Equal(t, domain.DecisionIneligible, result.Decision)
	})

	t.Run("SQLiteAudit", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Audit.Backend = BackendSQLite
		cfg.Audit.SQLitePath = filepath.Join(t.TempDir(), "audit.db")

		store, err := OpenAuditStore(context.Background(), cfg, quietLogger())
		require.NoError(t, err)
		defer store.Close()

		result := screen(t, cfg, store, "PT-A.json")
		require.NoError(t, result.Err)

		n, err := store.Count(context.Background(), domain.AuditFilter{TrialID: "NCT-T2D-001"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func assessmentFor(t *testing.T, result domain.ScreeningResult, id string) domain.CriterionAssessment {
	t.Helper()
	for _, a := range result.Assessments {
		if a.CriterionID == id {
			return a
		}
	}
	require.Failf(t, "assessment not found", "criterion %s", id)
	return domain.CriterionAssessment{}
}

func TestScreen_ReferenceCorpusIsNotPatientFact(t *testing.T) {
	ctx := context.Background()
	data, err := os.ReadFile(filepath.Join(testdata, "corpus.json"))
	require.NoError(t, err)
	var docs []map[string]string
	require.NoError(t, json.Unmarshal(data, &docs))
	// unlabelled, like most third-party corpora
	docs = append(docs, map[string]string{
		"id":   "ref-panc",
		"text": "Acute pancreatitis has been reported in patients treated with GLP-1 receptor agonists",
	})
	corpus := filepath.Join(t.TempDir(), "corpus.json")
	out, err := json.Marshal(docs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(corpus, out, 0644))

	cfg := testConfig(t)
	cfg.Knowledge.CorpusPath = corpus

	source, closeCriteria, err := OpenCriteria(ctx, cfg, filepath.Join(testdata, "criteria"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeCriteria() })
	trial, err := source.Load(ctx, "NCT-T2D-001")
	require.NoError(t, err)

	patient := loadPatient(t, "PT-A.json")
	patient.History = []string{
		"Hypertension since 2015",
		"Patient denies any history of diabetic ketoacidosis",
	}

	result := screenPatient(t, cfg, audit.NewMemoryStore(), trial, patient)
	require.NoError(t, result.Err)

	panc := assessmentFor(t, result, "EXC-4")
	assert.Equal(t, domain.StatusMissingData, panc.Status)
	assert.NotContains(t, panc.EvidenceIDs, "ref-panc")
	assert.Equal(t, domain.DecisionEligible, result.Decision)
}

func TestOpenAuditStore(t *testing.T) {
	ctx := context.Background()
	logger := quietLogger()

	t.Run("DefaultsToMemory", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Audit.Backend = ""
		store, err := OpenAuditStore(ctx, cfg, logger)
		require.NoError(t, err)
		assert.IsType(t, &audit.MemoryStore{}, store)
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Audit.Backend = "mongo"
		_, err := OpenAuditStore(ctx, cfg, logger)
		require.Error(t, err)
		var verr *domain.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("PostgresRequiresDSN", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Audit.Backend = BackendPostgres
		_, err := OpenAuditStore(ctx, cfg, logger)
		require.Error(t, err)
	})
}

func TestBuildIndex(t *testing.T) {
	t.Run("MissingCorpus", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Knowledge.CorpusPath = filepath.Join(t.TempDir(), "missing.json")
		_, _, err := BuildIndex(cfg, nil)
		require.Error(t, err)
	})

	t.Run("HistoryOnly", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		index, embedder, err := BuildIndex(cfg, knowledge.HistoryDocuments("PT-1", []string{"No history of pancreatitis"}))
		require.NoError(t, err)
		assert.Equal(t, 1, index.Lexical.Len())
		assert.NotEmpty(t, embedder.Name())

		hits, err := index.Lexical.Search(context.Background(), "pancreatitis", 5)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "PT-1-history-1", hits[0].DocumentID)
		assert.True(t, hits[0].FromPatientRecord())
	})

	t.Run("CorpusIsReference", func(t *testing.T) {
		cfg := testConfig(t)
		index, _, err := BuildIndex(cfg, nil)
		require.NoError(t, err)

		hits, err := index.Lexical.Search(context.Background(), "metformin", 5)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		for _, h := range hits {
			assert.Equal(t, domain.SourceReference, h.Source)
			assert.False(t, h.FromPatientRecord())
		}
	})
}

func TestNewService_RequiresIndex(t *testing.T) {
	_, err := NewService(domain.DefaultConfig(), nil, nil, audit.NewMemoryStore(), quietLogger())
	require.Error(t, err)
}
