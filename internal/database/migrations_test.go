package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/deals"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestOpenSeedsDefaultPipeline(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "dealflow.db")

	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	var stages []deals.Stage
	if err := database.Where("pipeline_id = ?", defaultPipelineID).Order("position ASC").Find(&stages).Error; err != nil {
		testContext.Fatalf("failed to load stages: %v", err)
	}
	names := make([]string, 0, len(stages))
	for _, stage := range stages {
		names = append(names, stage.Name)
	}
	expected := []string{"Lead", "Qualified", "Proposal", "Won", "Lost"}
	if len(names) != len(expected) {
		testContext.Fatalf("expected stages %v, got %v", expected, names)
	}
	for index := range expected {
		if names[index] != expected[index] {
			testContext.Fatalf("expected stages %v, got %v", expected, names)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationSeedDefaultPipeline).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestMigrationsRunOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "dealflow.db")

	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.Where("pipeline_id = ?", defaultPipelineID).Delete(&deals.Stage{}).Error; err != nil {
		testContext.Fatalf("failed to delete stages: %v", err)
	}
	if err := Migrate(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-run migrations: %v", err)
	}

	var count int64
	if err := database.Model(&deals.Stage{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count stages: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected seed not to be reapplied, found %d stages", count)
	}
}

func TestBackfillAlignsOutcomesWithTerminalStages(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "backfill.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&deals.Pipeline{}, &deals.Stage{}, &deals.Deal{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := seedDefaultPipeline(database); err != nil {
		testContext.Fatalf("failed to seed: %v", err)
	}

	stale := []deals.Deal{
		{DealID: "deal-won", PipelineID: defaultPipelineID, StageID: "sales-won", Title: "Won", Currency: "USD", Outcome: deals.OutcomeOpen, CreatedAtMillis: 1, UpdatedAtMillis: 1},
		{DealID: "deal-open", PipelineID: defaultPipelineID, StageID: "sales-lead", Title: "Open", Currency: "USD", Outcome: deals.OutcomeOpen, CreatedAtMillis: 1, UpdatedAtMillis: 1},
	}
	if err := database.Create(&stale).Error; err != nil {
		testContext.Fatalf("failed to insert deals: %v", err)
	}

	if err := backfillTerminalStageOutcomes(database); err != nil {
		testContext.Fatalf("backfill failed: %v", err)
	}

	var won deals.Deal
	if err := database.Where("deal_id = ?", "deal-won").Take(&won).Error; err != nil {
		testContext.Fatalf("failed to reload deal: %v", err)
	}
	if won.Outcome != deals.OutcomeWon {
		testContext.Fatalf("expected won outcome, got %s", won.Outcome)
	}
	var open deals.Deal
	if err := database.Where("deal_id = ?", "deal-open").Take(&open).Error; err != nil {
		testContext.Fatalf("failed to reload deal: %v", err)
	}
	if open.Outcome != deals.OutcomeOpen {
		testContext.Fatalf("expected open outcome untouched, got %s", open.Outcome)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("oracle", "dsn", zap.NewNop()); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
