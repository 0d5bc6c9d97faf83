package reconcile

import "fmt"

// Field keys accepted by the edit guard operations.
const (
	FieldTitle     = "title"
	FieldNotes     = "notes"
	FieldContactID = "contact_id"
	FieldCurrency  = "currency"
)

// Deal is the client view of a deal as returned by the deals API.
type Deal struct {
	DealID          string `json:"deal_id"`
	PipelineID      string `json:"pipeline_id"`
	StageID         string `json:"stage_id"`
	Title           string `json:"title"`
	ValueCents      int64  `json:"value_cents"`
	Currency        string `json:"currency"`
	ContactID       string `json:"contact_id"`
	OwnerID         *int64 `json:"owner_id"`
	Outcome         string `json:"outcome"`
	Notes           string `json:"notes"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	UpdatedAtMillis int64  `json:"updated_at_ms"`
}

// Clone returns a copy that shares no pointers with d.
func (d Deal) Clone() Deal {
	if d.OwnerID != nil {
		owner := *d.OwnerID
		d.OwnerID = &owner
	}
	return d
}

// TextField reads a guardable text field.
func (d Deal) TextField(field string) (string, error) {
	switch field {
	case FieldTitle:
		return d.Title, nil
	case FieldNotes:
		return d.Notes, nil
	case FieldContactID:
		return d.ContactID, nil
	case FieldCurrency:
		return d.Currency, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}

func (d *Deal) setTextField(field, value string) {
	switch field {
	case FieldTitle:
		d.Title = value
	case FieldNotes:
		d.Notes = value
	case FieldContactID:
		d.ContactID = value
	case FieldCurrency:
		d.Currency = value
	}
}
