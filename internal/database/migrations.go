package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/deals"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSeedDefaultPipeline   = "2026-09-02_seed_default_pipeline"
	migrationBackfillStageOutcomes = "2026-09-20_backfill_terminal_stage_outcomes"

	defaultPipelineID = "sales"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedDefaultPipeline, apply: seedDefaultPipeline},
		{name: migrationBackfillStageOutcomes, apply: backfillTerminalStageOutcomes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedDefaultPipeline creates the Sales pipeline unless pipelines already exist.
func seedDefaultPipeline(db *gorm.DB) error {
	var count int64
	if err := db.Model(&deals.Pipeline{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if err := db.Create(&deals.Pipeline{PipelineID: defaultPipelineID, Name: "Sales", Position: 0}).Error; err != nil {
		return err
	}
	stages := []deals.Stage{
		{StageID: "sales-lead", PipelineID: defaultPipelineID, Name: "Lead", Position: 0, Kind: deals.StageKindOpen},
		{StageID: "sales-qualified", PipelineID: defaultPipelineID, Name: "Qualified", Position: 1, Kind: deals.StageKindOpen},
		{StageID: "sales-proposal", PipelineID: defaultPipelineID, Name: "Proposal", Position: 2, Kind: deals.StageKindOpen},
		{StageID: "sales-won", PipelineID: defaultPipelineID, Name: "Won", Position: 3, Kind: deals.StageKindWon},
		{StageID: "sales-lost", PipelineID: defaultPipelineID, Name: "Lost", Position: 4, Kind: deals.StageKindLost},
	}
	return db.Create(&stages).Error
}

// backfillTerminalStageOutcomes aligns deal outcomes with the kind of the stage they sit in.
func backfillTerminalStageOutcomes(db *gorm.DB) error {
	for _, kind := range []deals.StageKind{deals.StageKindWon, deals.StageKindLost} {
		terminal := db.Model(&deals.Stage{}).Select("stage_id").Where("kind = ?", string(kind))
		err := db.Model(&deals.Deal{}).
			Where("stage_id IN (?) AND outcome <> ?", terminal, string(kind.Outcome())).
			Update("outcome", string(kind.Outcome())).Error
		if err != nil {
			return err
		}
	}
	return nil
}
