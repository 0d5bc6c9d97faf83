package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Type enumerates the audit entries derived from deal mutations.
type Type string

const (
	TypeStageChanged     Type = "stage_changed"
	TypePipelineChanged  Type = "pipeline_changed"
	TypeOutcomeChanged   Type = "outcome_changed"
	TypeQuoteItemAdded   Type = "quote_item_added"
	TypeQuoteItemUpdated Type = "quote_item_updated"
	TypeQuoteItemRemoved Type = "quote_item_removed"
)

var (
	// ErrNotFound reports a missing activity record.
	ErrNotFound = errors.New("activity: not found")
	// ErrInvalidRecord reports a record missing required fields.
	ErrInvalidRecord = errors.New("activity: invalid record")

	errMissingDatabase = errors.New("database handle is required")
)

// Record is an append-only audit entry. A nil CreatedBy marks a system change.
type Record struct {
	ActivityID      string `gorm:"column:activity_id;primaryKey;size:190;not null"`
	DealID          string `gorm:"column:deal_id;size:190;not null;index:idx_activities_deal_created,priority:1"`
	ActivityType    Type   `gorm:"column:activity_type;size:64;not null"`
	Description     string `gorm:"column:description;type:text;not null"`
	CreatedBy       *int64 `gorm:"column:created_by"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_activities_deal_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "deal_activities"
}

// StoreError carries a dotted operation code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew  = "activity.store.new"
	opAppend    = "activity.append"
	opList      = "activity.list"
	opDelete    = "activity.delete"
	pageMaximum = 200
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}

type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists activity records.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Append stores a record, assigning its identifier and timestamp when absent.
func (s *Store) Append(ctx context.Context, record Record) (Record, error) {
	record.DealID = strings.TrimSpace(record.DealID)
	if record.DealID == "" || record.ActivityType == "" {
		return Record{}, newStoreError(opAppend, "validation_failed", ErrInvalidRecord)
	}
	if record.ActivityID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Record{}, newStoreError(opAppend, "id_generation_failed", err)
		}
		record.ActivityID = id.String()
	}
	if record.CreatedAtMillis == 0 {
		record.CreatedAtMillis = s.clock().UTC().UnixMilli()
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("activity store error",
			zap.String("operation", opAppend),
			zap.String("reason", "save_failed"),
			zap.String("deal_id", record.DealID),
			zap.Error(err))
		return Record{}, newStoreError(opAppend, "save_failed", err)
	}
	return record, nil
}

// ListForDeal returns up to limit records of a deal, newest first.
func (s *Store) ListForDeal(ctx context.Context, dealID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > pageMaximum {
		limit = pageMaximum
	}
	records := make([]Record, 0)
	err := s.db.WithContext(ctx).
		Where("deal_id = ?", strings.TrimSpace(dealID)).
		Order("created_at_ms DESC, activity_id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		s.logger.Error("activity store error",
			zap.String("operation", opList),
			zap.String("reason", "query_failed"),
			zap.String("deal_id", dealID),
			zap.Error(err))
		return nil, newStoreError(opList, "query_failed", err)
	}
	return records, nil
}

// Delete removes a single record. Callers enforce the administrator check.
func (s *Store) Delete(ctx context.Context, activityID string) error {
	result := s.db.WithContext(ctx).Where("activity_id = ?", strings.TrimSpace(activityID)).Delete(&Record{})
	if result.Error != nil {
		s.logger.Error("activity store error",
			zap.String("operation", opDelete),
			zap.String("reason", "delete_failed"),
			zap.String("activity_id", activityID),
			zap.Error(result.Error))
		return newStoreError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opDelete, "not_found", ErrNotFound)
	}
	return nil
}
