package deals

import (
	"fmt"
	"strings"
)

// Field names reported in Mutation.ChangedFields.
const (
	FieldTitle      = "title"
	FieldValueCents = "value_cents"
	FieldCurrency   = "currency"
	FieldContactID  = "contact_id"
	FieldOwnerID    = "owner_id"
	FieldOutcome    = "outcome"
	FieldNotes      = "notes"
	FieldStageID    = "stage_id"
	FieldPipelineID = "pipeline_id"
	FieldQuote      = "quote"
)

const (
	maxTitleLength = 320
	maxNotesLength = 64 * 1024
)

// DealPatch is a partial update. Nil fields are left untouched.
// ClearOwner unassigns the deal and takes precedence over OwnerID.
type DealPatch struct {
	Title      *string
	ValueCents *int64
	Currency   *string
	ContactID  *string
	OwnerID    *int64
	ClearOwner bool
	Outcome    *Outcome
	Notes      *string
}

// IsEmpty reports whether the patch carries no change.
func (p DealPatch) IsEmpty() bool {
	return p.Title == nil && p.ValueCents == nil && p.Currency == nil && p.ContactID == nil &&
		p.OwnerID == nil && !p.ClearOwner && p.Outcome == nil && p.Notes == nil
}

func (p DealPatch) validate() error {
	if p.Title != nil {
		if err := validateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.ValueCents != nil && *p.ValueCents < 0 {
		return fmt.Errorf("%w: value_cents must not be negative", ErrValidation)
	}
	if p.Currency != nil {
		if err := validateCurrency(*p.Currency); err != nil {
			return err
		}
	}
	if p.OwnerID != nil && *p.OwnerID <= 0 {
		return fmt.Errorf("%w: owner_id must be positive", ErrValidation)
	}
	if p.Notes != nil && len(*p.Notes) > maxNotesLength {
		return fmt.Errorf("%w: notes exceed %d bytes", ErrValidation, maxNotesLength)
	}
	return nil
}

// apply writes the patch onto deal and returns the names of fields whose value changed.
func (p DealPatch) apply(deal *Deal) []string {
	changed := make([]string, 0, 4)
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title != deal.Title {
			deal.Title = title
			changed = append(changed, FieldTitle)
		}
	}
	if p.ValueCents != nil && *p.ValueCents != deal.ValueCents {
		deal.ValueCents = *p.ValueCents
		changed = append(changed, FieldValueCents)
	}
	if p.Currency != nil {
		currency := strings.ToUpper(strings.TrimSpace(*p.Currency))
		if currency != deal.Currency {
			deal.Currency = currency
			changed = append(changed, FieldCurrency)
		}
	}
	if p.ContactID != nil {
		contactID := strings.TrimSpace(*p.ContactID)
		if contactID != deal.ContactID {
			deal.ContactID = contactID
			changed = append(changed, FieldContactID)
		}
	}
	switch {
	case p.ClearOwner:
		if deal.OwnerID != nil {
			deal.OwnerID = nil
			changed = append(changed, FieldOwnerID)
		}
	case p.OwnerID != nil:
		if deal.OwnerID == nil || *deal.OwnerID != *p.OwnerID {
			owner := *p.OwnerID
			deal.OwnerID = &owner
			changed = append(changed, FieldOwnerID)
		}
	}
	if p.Outcome != nil && *p.Outcome != deal.Outcome {
		deal.Outcome = *p.Outcome
		changed = append(changed, FieldOutcome)
	}
	if p.Notes != nil && *p.Notes != deal.Notes {
		deal.Notes = *p.Notes
		changed = append(changed, FieldNotes)
	}
	return changed
}

// NewDealInput describes a deal to create. StageID defaults to the first stage of the pipeline.
type NewDealInput struct {
	PipelineID string
	StageID    string
	Title      string
	ValueCents int64
	Currency   string
	ContactID  string
	OwnerID    *int64
	Notes      string
}

func (in NewDealInput) validate() error {
	if strings.TrimSpace(in.PipelineID) == "" && strings.TrimSpace(in.StageID) == "" {
		return fmt.Errorf("%w: pipeline_id or stage_id is required", ErrValidation)
	}
	if err := validateTitle(in.Title); err != nil {
		return err
	}
	if in.ValueCents < 0 {
		return fmt.Errorf("%w: value_cents must not be negative", ErrValidation)
	}
	if in.Currency != "" {
		if err := validateCurrency(in.Currency); err != nil {
			return err
		}
	}
	if in.OwnerID != nil && *in.OwnerID <= 0 {
		return fmt.Errorf("%w: owner_id must be positive", ErrValidation)
	}
	if len(in.Notes) > maxNotesLength {
		return fmt.Errorf("%w: notes exceed %d bytes", ErrValidation, maxNotesLength)
	}
	return nil
}

// QuoteItemInput describes quote item fields. Nil fields are left untouched on update.
type QuoteItemInput struct {
	Description    *string
	Quantity       *int64
	UnitPriceCents *int64
}

func (in QuoteItemInput) validate(requireAll bool) error {
	if requireAll && (in.Description == nil || in.Quantity == nil || in.UnitPriceCents == nil) {
		return fmt.Errorf("%w: description, quantity and unit_price_cents are required", ErrValidation)
	}
	if in.Description != nil && strings.TrimSpace(*in.Description) == "" {
		return fmt.Errorf("%w: description must not be empty", ErrValidation)
	}
	if in.Quantity != nil && *in.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if in.UnitPriceCents != nil && *in.UnitPriceCents < 0 {
		return fmt.Errorf("%w: unit_price_cents must not be negative", ErrValidation)
	}
	return nil
}

func validateTitle(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: title must not be empty", ErrValidation)
	}
	if len(trimmed) > maxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrValidation, maxTitleLength)
	}
	return nil
}

func validateCurrency(value string) error {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	}
	return nil
}
