package deals

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ListQuoteItems returns the quote lines of a deal in creation order.
func (s *Service) ListQuoteItems(ctx context.Context, dealID DealID) ([]QuoteItem, error) {
	if s.db == nil {
		s.logError(opListQuoteItems, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListQuoteItems, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	if _, err := s.loadDeal(db, opListQuoteItems, dealID, false); err != nil {
		return nil, err
	}
	items := make([]QuoteItem, 0)
	if err := db.Where(queryDealID, dealID.String()).Order("created_at_ms ASC, item_id ASC").Find(&items).Error; err != nil {
		s.logError(opListQuoteItems, reasonQueryFailed, err, zap.String("deal_id", dealID.String()))
		return nil, persistence(opListQuoteItems, reasonQueryFailed, err)
	}
	return items, nil
}

// AddQuoteItem appends a quote line and bumps the deal version.
func (s *Service) AddQuoteItem(ctx context.Context, actor SubjectID, dealID DealID, input QuoteItemInput) (Deal, QuoteItem, error) {
	if s.db == nil {
		s.logError(opAddQuoteItem, reasonMissingDatabase, errMissingDatabase)
		return Deal{}, QuoteItem{}, newServiceError(opAddQuoteItem, reasonMissingDatabase, errMissingDatabase)
	}
	if err := input.validate(true); err != nil {
		return Deal{}, QuoteItem{}, invalid(opAddQuoteItem, err)
	}
	itemID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddQuoteItem, reasonIDFailed, err)
		return Deal{}, QuoteItem{}, persistence(opAddQuoteItem, reasonIDFailed, err)
	}

	item := QuoteItem{
		ItemID:         itemID,
		DealID:         dealID.String(),
		Description:    strings.TrimSpace(*input.Description),
		Quantity:       *input.Quantity,
		UnitPriceCents: *input.UnitPriceCents,
	}
	return s.mutateQuote(ctx, opAddQuoteItem, actor, dealID, func(tx *gorm.DB, deal *Deal) (*QuoteChange, error) {
		item.CreatedAtMillis = s.clock().UTC().UnixMilli()
		if err := tx.Create(&item).Error; err != nil {
			return nil, err
		}
		return &QuoteChange{Action: QuoteItemAdded, Item: item}, nil
	})
}

// UpdateQuoteItem edits an existing quote line.
func (s *Service) UpdateQuoteItem(ctx context.Context, actor SubjectID, dealID DealID, itemID string, input QuoteItemInput) (Deal, QuoteItem, error) {
	if s.db == nil {
		s.logError(opUpdateQuote, reasonMissingDatabase, errMissingDatabase)
		return Deal{}, QuoteItem{}, newServiceError(opUpdateQuote, reasonMissingDatabase, errMissingDatabase)
	}
	if err := input.validate(false); err != nil {
		return Deal{}, QuoteItem{}, invalid(opUpdateQuote, err)
	}
	return s.mutateQuote(ctx, opUpdateQuote, actor, dealID, func(tx *gorm.DB, deal *Deal) (*QuoteChange, error) {
		item, err := s.loadQuoteItem(tx, opUpdateQuote, dealID, itemID)
		if err != nil {
			return nil, err
		}
		changed := false
		if input.Description != nil {
			if description := strings.TrimSpace(*input.Description); description != item.Description {
				item.Description = description
				changed = true
			}
		}
		if input.Quantity != nil && *input.Quantity != item.Quantity {
			item.Quantity = *input.Quantity
			changed = true
		}
		if input.UnitPriceCents != nil && *input.UnitPriceCents != item.UnitPriceCents {
			item.UnitPriceCents = *input.UnitPriceCents
			changed = true
		}
		if !changed {
			return &QuoteChange{Action: QuoteItemUpdated, Item: *item}, errQuoteUnchanged
		}
		if err := tx.Save(item).Error; err != nil {
			return nil, err
		}
		return &QuoteChange{Action: QuoteItemUpdated, Item: *item}, nil
	})
}

// RemoveQuoteItem deletes a quote line.
func (s *Service) RemoveQuoteItem(ctx context.Context, actor SubjectID, dealID DealID, itemID string) (Deal, QuoteItem, error) {
	if s.db == nil {
		s.logError(opRemoveQuote, reasonMissingDatabase, errMissingDatabase)
		return Deal{}, QuoteItem{}, newServiceError(opRemoveQuote, reasonMissingDatabase, errMissingDatabase)
	}
	return s.mutateQuote(ctx, opRemoveQuote, actor, dealID, func(tx *gorm.DB, deal *Deal) (*QuoteChange, error) {
		item, err := s.loadQuoteItem(tx, opRemoveQuote, dealID, itemID)
		if err != nil {
			return nil, err
		}
		if err := tx.Where(queryItemOfDeal, dealID.String(), item.ItemID).Delete(&QuoteItem{}).Error; err != nil {
			return nil, err
		}
		return &QuoteChange{Action: QuoteItemRemoved, Item: *item}, nil
	})
}

var errQuoteUnchanged = errors.New("quote item unchanged")

type quoteMutator func(tx *gorm.DB, deal *Deal) (*QuoteChange, error)

// mutateQuote runs a quote item change and the deal version bump in one transaction.
func (s *Service) mutateQuote(ctx context.Context, operation string, actor SubjectID, dealID DealID, mutate quoteMutator) (Deal, QuoteItem, error) {
	unlock := s.locks.lock(dealID.String())
	defer unlock()

	var (
		result   Deal
		change   *QuoteChange
		mutation *Mutation
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.loadDeal(tx, operation, dealID, true)
		if err != nil {
			return err
		}
		before := copyDeal(existing)
		change, err = mutate(tx, existing)
		if errors.Is(err, errQuoteUnchanged) {
			result = *existing
			return nil
		}
		if err != nil {
			var serviceErr *ServiceError
			if errors.As(err, &serviceErr) {
				return err
			}
			s.logError(operation, reasonSaveFailed, err, zap.String("deal_id", dealID.String()))
			return persistence(operation, reasonSaveFailed, err)
		}
		existing.UpdatedAtMillis = s.nextVersion(before.UpdatedAtMillis)
		if err := tx.Model(&Deal{}).Where(queryDealID, dealID.String()).Update("updated_at_ms", existing.UpdatedAtMillis).Error; err != nil {
			s.logError(operation, reasonSaveFailed, err, zap.String("deal_id", dealID.String()))
			return persistence(operation, reasonSaveFailed, err)
		}
		result = *existing
		mutation = &Mutation{
			Kind:          MutationUpdated,
			Actor:         actor,
			Before:        before,
			After:         copyDeal(existing),
			ChangedFields: []string{FieldQuote},
			QuoteChange:   change,
		}
		return nil
	})
	if txErr != nil {
		return Deal{}, QuoteItem{}, txErr
	}
	if mutation != nil {
		s.notify(ctx, *mutation)
	}
	if change == nil {
		return result, QuoteItem{}, nil
	}
	return result, change.Item, nil
}

func (s *Service) loadQuoteItem(tx *gorm.DB, operation string, dealID DealID, itemID string) (*QuoteItem, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil, invalid(operation, errors.New("item_id is required"))
	}
	var item QuoteItem
	err := tx.Where(queryItemOfDeal, dealID.String(), itemID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(operation, "quote item "+itemID)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String("deal_id", dealID.String()), zap.String("item_id", itemID))
		return nil, persistence(operation, reasonQueryFailed, err)
	}
	return &item, nil
}
