package deals

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDealID indicates that a deal identifier is empty or exceeds storage bounds.
	ErrInvalidDealID = errors.New("deals: invalid deal id")
	// ErrInvalidSubjectID indicates that an acting subject identifier is not positive.
	ErrInvalidSubjectID = errors.New("deals: invalid subject id")
)

// ResourceTypeDeal names deals in change events and activity records.
const ResourceTypeDeal = "deal"

// DealID represents a validated deal identifier.
type DealID string

// NewDealID validates raw input and returns a DealID.
func NewDealID(rawInput string) (DealID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDealID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDealID, maxIdentifierLength)
	}
	return DealID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DealID) String() string {
	return string(id)
}

// SubjectID identifies the acting user. The zero value is the system actor.
type SubjectID int64

// SystemActor marks mutations that were not initiated by a user.
const SystemActor SubjectID = 0

// NewSubjectID validates the value and returns a SubjectID.
func NewSubjectID(value int64) (SubjectID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSubjectID, value)
	}
	return SubjectID(value), nil
}

// Int64 exposes the raw identifier.
func (id SubjectID) Int64() int64 {
	return int64(id)
}

// IsSystem reports whether the subject is the system actor.
func (id SubjectID) IsSystem() bool {
	return id == SystemActor
}

// Outcome is the commercial result of a deal.
type Outcome string

const (
	OutcomeOpen Outcome = "open"
	OutcomeWon  Outcome = "won"
	OutcomeLost Outcome = "lost"
)

// ParseOutcome validates an outcome name.
func ParseOutcome(value string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(value))) {
	case OutcomeOpen:
		return OutcomeOpen, nil
	case OutcomeWon:
		return OutcomeWon, nil
	case OutcomeLost:
		return OutcomeLost, nil
	default:
		return "", fmt.Errorf("%w: unknown outcome %q", ErrValidation, value)
	}
}

// StageKind flags terminal stages.
type StageKind string

const (
	StageKindOpen StageKind = "open"
	StageKindWon  StageKind = "won"
	StageKindLost StageKind = "lost"
)

// Outcome returns the deal outcome implied by entering a stage of this kind.
func (kind StageKind) Outcome() Outcome {
	switch kind {
	case StageKindWon:
		return OutcomeWon
	case StageKindLost:
		return OutcomeLost
	default:
		return OutcomeOpen
	}
}

// Pipeline groups ordered stages.
type Pipeline struct {
	PipelineID string `gorm:"column:pipeline_id;primaryKey;size:190;not null"`
	Name       string `gorm:"column:name;size:190;not null"`
	Position   int    `gorm:"column:position;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Pipeline) TableName() string {
	return "pipelines"
}

// Stage is a named step in a pipeline.
type Stage struct {
	StageID    string    `gorm:"column:stage_id;primaryKey;size:190;not null"`
	PipelineID string    `gorm:"column:pipeline_id;size:190;not null;index:idx_stages_pipeline_position,priority:1"`
	Name       string    `gorm:"column:name;size:190;not null"`
	Position   int       `gorm:"column:position;not null;default:0;index:idx_stages_pipeline_position,priority:2"`
	Kind       StageKind `gorm:"column:kind;size:16;not null;default:'open'"`
}

// TableName provides the explicit table binding for GORM.
func (Stage) TableName() string {
	return "pipeline_stages"
}

// Deal models a sales opportunity. UpdatedAtMillis strictly increases on every mutation.
type Deal struct {
	DealID          string  `gorm:"column:deal_id;primaryKey;size:190;not null"`
	PipelineID      string  `gorm:"column:pipeline_id;size:190;not null;index:idx_deals_pipeline_stage,priority:1"`
	StageID         string  `gorm:"column:stage_id;size:190;not null;index:idx_deals_pipeline_stage,priority:2"`
	Title           string  `gorm:"column:title;size:320;not null"`
	ValueCents      int64   `gorm:"column:value_cents;not null;default:0"`
	Currency        string  `gorm:"column:currency;size:3;not null;default:'USD'"`
	ContactID       string  `gorm:"column:contact_id;size:190;not null;default:''"`
	OwnerID         *int64  `gorm:"column:owner_id;index"`
	Outcome         Outcome `gorm:"column:outcome;size:16;not null;default:'open'"`
	Notes           string  `gorm:"column:notes;type:text;not null;default:''"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64   `gorm:"column:updated_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Deal) TableName() string {
	return "deals"
}

// QuoteItem is a priced line on a deal quote.
type QuoteItem struct {
	ItemID          string `gorm:"column:item_id;primaryKey;size:190;not null"`
	DealID          string `gorm:"column:deal_id;size:190;not null;index"`
	Description     string `gorm:"column:description;size:512;not null"`
	Quantity        int64  `gorm:"column:quantity;not null;default:1"`
	UnitPriceCents  int64  `gorm:"column:unit_price_cents;not null;default:0"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (QuoteItem) TableName() string {
	return "deal_quote_items"
}

// MutationKind enumerates the change actions reported to observers.
type MutationKind string

const (
	MutationCreated MutationKind = "created"
	MutationUpdated MutationKind = "updated"
	MutationDeleted MutationKind = "deleted"
	MutationMoved   MutationKind = "moved"
)

// QuoteAction enumerates quote item changes.
type QuoteAction string

const (
	QuoteItemAdded   QuoteAction = "added"
	QuoteItemUpdated QuoteAction = "updated"
	QuoteItemRemoved QuoteAction = "removed"
)

// QuoteChange describes the quote item touched by a mutation.
type QuoteChange struct {
	Action QuoteAction
	Item   QuoteItem
}

// Mutation is the committed change handed to the ChangeNotifier.
// Before is nil for creations; After is the final snapshot, also for deletions.
type Mutation struct {
	Kind          MutationKind
	Actor         SubjectID
	Before        *Deal
	After         *Deal
	ChangedFields []string
	QuoteChange   *QuoteChange
}

// DealID returns the identifier of the mutated deal.
func (m Mutation) DealID() string {
	if m.After != nil {
		return m.After.DealID
	}
	if m.Before != nil {
		return m.Before.DealID
	}
	return ""
}

// OnlyChanged reports whether the mutation touched exactly the provided field.
func (m Mutation) OnlyChanged(field string) bool {
	return len(m.ChangedFields) == 1 && m.ChangedFields[0] == field
}
