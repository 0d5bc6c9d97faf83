package deals

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

const (
	queryDealID      = "deal_id = ?"
	queryItemOfDeal  = "deal_id = ? AND item_id = ?"
	orderUpdatedDesc = "updated_at_ms DESC"
	orderPosition    = "position ASC"
)

// ChangeNotifier observes committed mutations.
type ChangeNotifier interface {
	Notify(ctx context.Context, mutation Mutation)
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Notifier   ChangeNotifier
	Logger     *zap.Logger
}

// Service is the mutation store for deals. Each mutation of one deal, including its
// notification, completes before the next mutation of the same deal starts.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	notifier   ChangeNotifier
	logger     *zap.Logger
	locks      *keyedMutex
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		notifier:   cfg.Notifier,
		logger:     logger,
		locks:      newKeyedMutex(),
	}, nil
}

// SetNotifier attaches the change notifier after construction.
func (s *Service) SetNotifier(notifier ChangeNotifier) {
	s.notifier = notifier
}

// ListFilter narrows deal list queries. Empty fields are ignored.
type ListFilter struct {
	PipelineID string
	StageID    string
	OwnerID    *int64
	Outcome    Outcome
}

// PipelineWithStages bundles a pipeline with its ordered stages.
type PipelineWithStages struct {
	Pipeline Pipeline
	Stages   []Stage
}

// Get returns the deal with the provided identifier.
func (s *Service) Get(ctx context.Context, dealID DealID) (Deal, error) {
	if s.db == nil {
		s.logError(opGetDeal, reasonMissingDatabase, errMissingDatabase)
		return Deal{}, newServiceError(opGetDeal, reasonMissingDatabase, errMissingDatabase)
	}
	deal, err := s.loadDeal(s.db.WithContext(ctx), opGetDeal, dealID, false)
	if err != nil {
		return Deal{}, err
	}
	return *deal, nil
}

// List returns deals matching the filter, most recently updated first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Deal, error) {
	if s.db == nil {
		s.logError(opListDeals, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListDeals, reasonMissingDatabase, errMissingDatabase)
	}

	query := s.db.WithContext(ctx).Model(&Deal{})
	if filter.PipelineID != "" {
		query = query.Where("pipeline_id = ?", filter.PipelineID)
	}
	if filter.StageID != "" {
		query = query.Where("stage_id = ?", filter.StageID)
	}
	if filter.OwnerID != nil {
		query = query.Where("owner_id = ?", *filter.OwnerID)
	}
	if filter.Outcome != "" {
		query = query.Where("outcome = ?", string(filter.Outcome))
	}

	deals := make([]Deal, 0)
	if err := query.Order(orderUpdatedDesc).Find(&deals).Error; err != nil {
		s.logError(opListDeals, reasonQueryFailed, err)
		return nil, persistence(opListDeals, reasonQueryFailed, err)
	}
	return deals, nil
}

// Create inserts a new deal and returns the stored record.
func (s *Service) Create(ctx context.Context, actor SubjectID, input NewDealInput) (Deal, error) {
	if s.db == nil {
		s.logError(opCreateDeal, reasonMissingDatabase, errMissingDatabase)
		return Deal{}, newServiceError(opCreateDeal, reasonMissingDatabase, errMissingDatabase)
	}
	if err := input.validate(); err != nil {
		return Deal{}, invalid(opCreateDeal, err)
	}

	dealID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDeal, reasonIDFailed, err)
		return Deal{}, persistence(opCreateDeal, reasonIDFailed, err)
	}

	unlock := s.locks.lock(dealID)
	defer unlock()

	var created Deal
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stage, err := s.resolveInitialStage(tx, input)
		if err != nil {
			return err
		}
		now := s.clock().UTC().UnixMilli()
		currency := strings.ToUpper(strings.TrimSpace(input.Currency))
		if currency == "" {
			currency = "USD"
		}
		created = Deal{
			DealID:          dealID,
			PipelineID:      stage.PipelineID,
			StageID:         stage.StageID,
			Title:           strings.TrimSpace(input.Title),
			ValueCents:      input.ValueCents,
			Currency:        currency,
			ContactID:       strings.TrimSpace(input.ContactID),
			OwnerID:         copyInt64(input.OwnerID),
			Outcome:         stage.Kind.Outcome(),
			Notes:           input.Notes,
			CreatedAtMillis: now,
			UpdatedAtMillis: now,
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opCreateDeal, reasonSaveFailed, err, zap.String("deal_id", dealID))
			return persistence(opCreateDeal, reasonSaveFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Deal{}, txErr
	}

	s.notify(ctx, Mutation{
		Kind:  MutationCreated,
		Actor: actor,
		After: copyDeal(&created),
	})
	return created, nil
}

// Update applies a partial update and returns the authoritative post-mutation deal.
// A patch that changes nothing returns the stored deal without notifying observers.
func (s *Service) Update(ctx context.Context, actor SubjectID, dealID DealID, patch DealPatch) (Deal, error) {
	if s.db == nil {
		s.logError(opUpdateDeal, reasonMissingDatabase, errMissingDatabase)
		return Deal{}, newServiceError(opUpdateDeal, reasonMissingDatabase, errMissingDatabase)
	}
	if patch.IsEmpty() {
		return Deal{}, invalid(opUpdateDeal, errors.New("patch carries no fields"))
	}
	if err := patch.validate(); err != nil {
		return Deal{}, invalid(opUpdateDeal, err)
	}

	unlock := s.locks.lock(dealID.String())
	defer unlock()

	var mutation *Mutation
	var result Deal
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.loadDeal(tx, opUpdateDeal, dealID, true)
		if err != nil {
			return err
		}
		before := copyDeal(existing)
		changed := patch.apply(existing)
		if len(changed) == 0 {
			result = *existing
			return nil
		}
		existing.UpdatedAtMillis = s.nextVersion(before.UpdatedAtMillis)
		if err := tx.Save(existing).Error; err != nil {
			s.logError(opUpdateDeal, reasonSaveFailed, err, zap.String("deal_id", dealID.String()))
			return persistence(opUpdateDeal, reasonSaveFailed, err)
		}
		result = *existing
		mutation = &Mutation{
			Kind:          MutationUpdated,
			Actor:         actor,
			Before:        before,
			After:         copyDeal(existing),
			ChangedFields: changed,
		}
		return nil
	})
	if txErr != nil {
		return Deal{}, txErr
	}

	if mutation != nil {
		s.notify(ctx, *mutation)
	}
	return result, nil
}

// Move places the deal in another stage, possibly of another pipeline. Entering a terminal
// stage sets the matching outcome; entering an open stage reopens the deal.
func (s *Service) Move(ctx context.Context, actor SubjectID, dealID DealID, stageID string) (Deal, error) {
	if s.db == nil {
		s.logError(opMoveDeal, reasonMissingDatabase, errMissingDatabase)
		return Deal{}, newServiceError(opMoveDeal, reasonMissingDatabase, errMissingDatabase)
	}
	stageID = strings.TrimSpace(stageID)
	if stageID == "" {
		return Deal{}, invalid(opMoveDeal, errors.New("stage_id is required"))
	}

	unlock := s.locks.lock(dealID.String())
	defer unlock()

	var mutation *Mutation
	var result Deal
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.loadDeal(tx, opMoveDeal, dealID, true)
		if err != nil {
			return err
		}
		stage, err := s.loadStage(tx, opMoveDeal, stageID)
		if err != nil {
			return err
		}
		before := copyDeal(existing)
		changed := make([]string, 0, 3)
		if existing.StageID != stage.StageID {
			existing.StageID = stage.StageID
			changed = append(changed, FieldStageID)
		}
		if existing.PipelineID != stage.PipelineID {
			existing.PipelineID = stage.PipelineID
			changed = append(changed, FieldPipelineID)
		}
		if outcome := stage.Kind.Outcome(); outcome != existing.Outcome {
			existing.Outcome = outcome
			changed = append(changed, FieldOutcome)
		}
		if len(changed) == 0 {
			result = *existing
			return nil
		}
		existing.UpdatedAtMillis = s.nextVersion(before.UpdatedAtMillis)
		if err := tx.Save(existing).Error; err != nil {
			s.logError(opMoveDeal, reasonSaveFailed, err, zap.String("deal_id", dealID.String()))
			return persistence(opMoveDeal, reasonSaveFailed, err)
		}
		result = *existing
		mutation = &Mutation{
			Kind:          MutationMoved,
			Actor:         actor,
			Before:        before,
			After:         copyDeal(existing),
			ChangedFields: changed,
		}
		return nil
	})
	if txErr != nil {
		return Deal{}, txErr
	}

	if mutation != nil {
		s.notify(ctx, *mutation)
	}
	return result, nil
}

// Delete removes the deal with its quote items and returns the final snapshot.
func (s *Service) Delete(ctx context.Context, actor SubjectID, dealID DealID) (Deal, error) {
	if s.db == nil {
		s.logError(opDeleteDeal, reasonMissingDatabase, errMissingDatabase)
		return Deal{}, newServiceError(opDeleteDeal, reasonMissingDatabase, errMissingDatabase)
	}

	unlock := s.locks.lock(dealID.String())
	defer unlock()

	var removed Deal
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.loadDeal(tx, opDeleteDeal, dealID, true)
		if err != nil {
			return err
		}
		if err := tx.Where(queryDealID, dealID.String()).Delete(&QuoteItem{}).Error; err != nil {
			s.logError(opDeleteDeal, reasonDeleteFailed, err, zap.String("deal_id", dealID.String()))
			return persistence(opDeleteDeal, reasonDeleteFailed, err)
		}
		if err := tx.Where(queryDealID, dealID.String()).Delete(&Deal{}).Error; err != nil {
			s.logError(opDeleteDeal, reasonDeleteFailed, err, zap.String("deal_id", dealID.String()))
			return persistence(opDeleteDeal, reasonDeleteFailed, err)
		}
		removed = *existing
		removed.UpdatedAtMillis = s.nextVersion(existing.UpdatedAtMillis)
		return nil
	})
	if txErr != nil {
		return Deal{}, txErr
	}

	s.notify(ctx, Mutation{
		Kind:   MutationDeleted,
		Actor:  actor,
		Before: copyDeal(&removed),
		After:  copyDeal(&removed),
	})
	return removed, nil
}

// ListPipelines returns every pipeline with its stages in display order.
func (s *Service) ListPipelines(ctx context.Context) ([]PipelineWithStages, error) {
	if s.db == nil {
		s.logError(opListPipelines, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListPipelines, reasonMissingDatabase, errMissingDatabase)
	}

	var pipelines []Pipeline
	if err := s.db.WithContext(ctx).Order(orderPosition).Find(&pipelines).Error; err != nil {
		s.logError(opListPipelines, reasonQueryFailed, err)
		return nil, persistence(opListPipelines, reasonQueryFailed, err)
	}
	var stages []Stage
	if err := s.db.WithContext(ctx).Order(orderPosition).Find(&stages).Error; err != nil {
		s.logError(opListPipelines, reasonQueryFailed, err)
		return nil, persistence(opListPipelines, reasonQueryFailed, err)
	}

	byPipeline := make(map[string][]Stage, len(pipelines))
	for _, stage := range stages {
		byPipeline[stage.PipelineID] = append(byPipeline[stage.PipelineID], stage)
	}
	result := make([]PipelineWithStages, 0, len(pipelines))
	for _, pipeline := range pipelines {
		result = append(result, PipelineWithStages{Pipeline: pipeline, Stages: byPipeline[pipeline.PipelineID]})
	}
	return result, nil
}

// StageName resolves a stage display name, falling back to the identifier.
func (s *Service) StageName(ctx context.Context, stageID string) string {
	var stage Stage
	if s.db == nil || s.db.WithContext(ctx).Where("stage_id = ?", stageID).Take(&stage).Error != nil {
		return stageID
	}
	return stage.Name
}

// PipelineName resolves a pipeline display name, falling back to the identifier.
func (s *Service) PipelineName(ctx context.Context, pipelineID string) string {
	var pipeline Pipeline
	if s.db == nil || s.db.WithContext(ctx).Where("pipeline_id = ?", pipelineID).Take(&pipeline).Error != nil {
		return pipelineID
	}
	return pipeline.Name
}

func (s *Service) resolveInitialStage(tx *gorm.DB, input NewDealInput) (*Stage, error) {
	stageID := strings.TrimSpace(input.StageID)
	pipelineID := strings.TrimSpace(input.PipelineID)
	if stageID != "" {
		stage, err := s.loadStage(tx, opCreateDeal, stageID)
		if err != nil {
			return nil, err
		}
		if pipelineID != "" && stage.PipelineID != pipelineID {
			return nil, invalid(opCreateDeal, errors.New("stage does not belong to pipeline"))
		}
		return stage, nil
	}

	var stage Stage
	err := tx.Where("pipeline_id = ?", pipelineID).Order(orderPosition).Take(&stage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invalid(opCreateDeal, errors.New("pipeline has no stages"))
	}
	if err != nil {
		s.logError(opCreateDeal, reasonQueryFailed, err, zap.String("pipeline_id", pipelineID))
		return nil, persistence(opCreateDeal, reasonQueryFailed, err)
	}
	return &stage, nil
}

func (s *Service) loadDeal(tx *gorm.DB, operation string, dealID DealID, forUpdate bool) (*Deal, error) {
	query := tx
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var deal Deal
	err := query.Where(queryDealID, dealID.String()).Take(&deal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(operation, "deal "+dealID.String())
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String("deal_id", dealID.String()))
		return nil, persistence(operation, reasonQueryFailed, err)
	}
	return &deal, nil
}

func (s *Service) loadStage(tx *gorm.DB, operation string, stageID string) (*Stage, error) {
	var stage Stage
	err := tx.Where("stage_id = ?", stageID).Take(&stage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(operation, "stage "+stageID)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String("stage_id", stageID))
		return nil, persistence(operation, reasonQueryFailed, err)
	}
	return &stage, nil
}

// nextVersion returns a timestamp strictly greater than previous.
func (s *Service) nextVersion(previous int64) int64 {
	now := s.clock().UTC().UnixMilli()
	if now <= previous {
		return previous + 1
	}
	return now
}

func (s *Service) notify(ctx context.Context, mutation Mutation) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, mutation)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("deals service error", attrs...)
}

func copyDeal(deal *Deal) *Deal {
	if deal == nil {
		return nil
	}
	clone := *deal
	clone.OwnerID = copyInt64(deal.OwnerID)
	return &clone
}

func copyInt64(value *int64) *int64 {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
