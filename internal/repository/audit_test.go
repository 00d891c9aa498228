package repository

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/trial-screening-engine/internal/audit"
	"github.com/trial-screening-engine/internal/database"
	"github.com/trial-screening-engine/internal/domain"
)

// generateTestPassword creates a random password for test databases
func generateTestPassword() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "test_fallback_password_123"
	}
	return "test_" + hex.EncodeToString(bytes)
}

func setupTestDB(t *testing.T) (*database.DB, func()) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	testPassword := generateTestPassword()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	databaseURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := database.NewConnection(ctx, database.Config{URL: databaseURL, MaxConns: 4}, logger)
	if err != nil {
		t.Fatalf("Failed to create database connection: %v", err)
	}

	migrationRunner, err := database.NewMigrationRunner(databaseURL, "../../migrations", logger)
	if err != nil {
		t.Fatalf("Failed to create migration runner: %v", err)
	}

	if err := migrationRunner.Up(ctx); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		migrationRunner.Close()
		db.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}

	return db, cleanup
}

func newRecord(trialID string, decision domain.Decision, createdAt time.Time) *domain.AuditRecord {
	return &domain.AuditRecord{
		ID:              uuid.NewString(),
		RequestID:       uuid.NewString(),
		PatientID:       "PT-001",
		TrialID:         trialID,
		CriteriaVersion: "2.1",
		Models:          map[string]string{"judge": "lexical-negation-judge"},
		Completion:      domain.CompletionSuccess,
		Decision:        decision,
		Confidence:      domain.Confidence{Raw: 0.93, Score: 0.93, Level: domain.LevelHigh},
		Assessments: []domain.CriterionAssessment{
			{CriterionID: "INC-1", Status: domain.StatusMatch, Confidence: 1, EvidenceIDs: []string{}, Deterministic: true, Agreement: 1},
		},
		Narrative: "Decision: " + string(decision),
		CreatedAt: createdAt,
	}
}

func TestAuditRepository_AppendAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewAuditRepository(db.Pool, logger)

	ctx := context.Background()
	record := newRecord("NCT-1", domain.DecisionEligible, time.Now().UTC().Truncate(time.Microsecond))
	if err := repo.Append(ctx, record); err != nil {
		t.Fatalf("Failed to append audit record: %v", err)
	}

	retrieved, err := repo.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Failed to get audit record: %v", err)
	}
	if retrieved.Decision != record.Decision {
		t.Errorf("Expected decision %s, got %s", record.Decision, retrieved.Decision)
	}
	if len(retrieved.Assessments) != 1 || retrieved.Assessments[0].CriterionID != "INC-1" {
		t.Errorf("Assessments not preserved: %+v", retrieved.Assessments)
	}
	if !retrieved.CreatedAt.Equal(record.CreatedAt) {
		t.Errorf("Expected created_at %v, got %v", record.CreatedAt, retrieved.CreatedAt)
	}

	if err := repo.Append(ctx, record); !errors.Is(err, audit.ErrDuplicateRecord) {
		t.Errorf("Expected duplicate error, got %v", err)
	}

	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestAuditRepository_AppendOnly(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewAuditRepository(db.Pool, logger)

	ctx := context.Background()
	record := newRecord("NCT-1", domain.DecisionIneligible, time.Now().UTC())
	if err := repo.Append(ctx, record); err != nil {
		t.Fatalf("Failed to append audit record: %v", err)
	}

	if _, err := db.Pool.Exec(ctx, "UPDATE audit_records SET decision = 'ELIGIBLE' WHERE id = $1", record.ID); err == nil {
		t.Error("Expected update to be rejected")
	}
	if _, err := db.Pool.Exec(ctx, "DELETE FROM audit_records WHERE id = $1", record.ID); err == nil {
		t.Error("Expected delete to be rejected")
	}
}

func TestAuditRepository_ListAndExport(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewAuditRepository(db.Pool, logger)

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	records := []*domain.AuditRecord{
		newRecord("NCT-1", domain.DecisionEligible, base),
		newRecord("NCT-1", domain.DecisionUncertain, base.Add(time.Minute)),
		newRecord("NCT-2", domain.DecisionEligible, base.Add(2*time.Minute)),
	}
	for _, record := range records {
		if err := repo.Append(ctx, record); err != nil {
			t.Fatalf("Failed to append audit record: %v", err)
		}
	}

	listed, err := repo.List(ctx, domain.AuditFilter{TrialID: "NCT-1"})
	if err != nil {
		t.Fatalf("Failed to list audit records: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(listed))
	}
	if listed[0].ID != records[1].ID {
		t.Errorf("Expected newest record first")
	}

	count, err := repo.Count(ctx, domain.AuditFilter{Decision: domain.DecisionEligible})
	if err != nil {
		t.Fatalf("Failed to count audit records: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 eligible records, got %d", count)
	}

	var buf bytes.Buffer
	if err := repo.ExportJSON(ctx, &buf); err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	imported, skipped, err := repo.ImportJSON(ctx, &buf)
	if err != nil {
		t.Fatalf("Failed to import: %v", err)
	}
	if imported != 0 || skipped != 3 {
		t.Errorf("Expected 0 imported and 3 skipped, got %d and %d", imported, skipped)
	}
}
