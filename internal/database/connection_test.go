package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/trial-screening-engine/internal/domain"
)

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(domain.DatabaseConfig{
		URL:             "postgres://u:p@localhost:5432/screening",
		MaxConns:        8,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: time.Minute,
	})
	if cfg.URL != "postgres://u:p@localhost:5432/screening" || cfg.MaxConns != 8 || cfg.MinConns != 1 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.MaxConnLife != time.Hour || cfg.MaxConnIdle != time.Minute {
		t.Errorf("unexpected lifetimes: %+v", cfg)
	}
}

func TestNewConnection_RequiresURL(t *testing.T) {
	_, err := NewConnection(context.Background(), Config{}, logrus.New())
	if !domain.IsValidationError(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestLatestVersion(t *testing.T) {
	latest, err := LatestVersion("../../migrations")
	if err != nil {
		t.Fatalf("Failed to read migrations: %v", err)
	}
	if latest != AuditSchemaVersion {
		t.Fatalf("migrations end at %d, audit schema expects %d", latest, AuditSchemaVersion)
	}
}

func TestNewMigrationRunner_RejectsUnexpectedSchema(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000001_create_audit_records.up.sql", "000001_create_audit_records.down.sql",
		"000002_add_reviewer.up.sql", "000002_add_reviewer.down.sql",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	_, err := NewMigrationRunner("postgres://u:p@localhost:1/unused?sslmode=disable", dir, logrus.New())
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("Expected ErrSchemaMismatch, got %v", err)
	}
}

func TestSchemaStatus_Check(t *testing.T) {
	tests := []struct {
		name   string
		status SchemaStatus
		ok     bool
	}{
		{"Current", SchemaStatus{Current: 1, Expected: 1}, true},
		{"Behind", SchemaStatus{Current: 0, Expected: 1}, false},
		{"Ahead", SchemaStatus{Current: 2, Expected: 1}, false},
		{"Dirty", SchemaStatus{Current: 1, Expected: 1, Dirty: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.status.Check()
			if tt.ok && err != nil {
				t.Fatalf("Expected ready, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrSchemaMismatch) {
				t.Fatalf("Expected ErrSchemaMismatch, got %v", err)
			}
		})
	}
}

func TestDatabaseConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	databaseURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	config := Config{
		URL:         databaseURL,
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: time.Minute * 30,
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := NewConnection(ctx, config, logger)
	if err != nil {
		t.Fatalf("Failed to create database connection: %v", err)
	}
	defer db.Close()

	if err := db.Health(ctx); err != nil {
		t.Fatalf("Database health check failed: %v", err)
	}

	stats := db.Stats()
	if stats.TotalConns() == 0 {
		t.Error("Expected at least one connection in pool")
	}

	runner, err := NewMigrationRunner(databaseURL, "../../migrations", logger)
	if err != nil {
		t.Fatalf("Failed to create migration runner: %v", err)
	}
	defer runner.Close()

	if version, _, err := runner.Version(); err != nil || version != 0 {
		t.Fatalf("Expected fresh database at version 0, got %d (%v)", version, err)
	}
	if status, err := db.SchemaStatus(ctx); err != nil || status.Ready() {
		t.Fatalf("Expected unmigrated schema to be behind, got %+v (%v)", status, err)
	}
	if err := runner.Up(ctx); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	if err := runner.Up(ctx); err != nil {
		t.Fatalf("Second up should be a no-op: %v", err)
	}
	if version, dirty, err := runner.Version(); err != nil || version != AuditSchemaVersion || dirty {
		t.Fatalf("Expected version %d, got %d dirty=%v (%v)", AuditSchemaVersion, version, dirty, err)
	}
	status, err := db.SchemaStatus(ctx)
	if err != nil {
		t.Fatalf("Failed to read schema status: %v", err)
	}
	if err := status.Check(); err != nil {
		t.Fatalf("Expected migrated schema to be ready: %v", err)
	}
	if err := runner.Down(ctx); err != nil {
		t.Fatalf("Failed to roll back: %v", err)
	}
}
