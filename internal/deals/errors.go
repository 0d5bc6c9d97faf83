package deals

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing deal, stage or quote item.
	ErrNotFound = errors.New("deals: not found")
	// ErrValidation reports a rejected mutation payload.
	ErrValidation = errors.New("deals: validation failed")
	// ErrPersistence reports a storage failure.
	ErrPersistence = errors.New("deals: persistence failed")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a dotted operation code and the classified cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "deals.service.new"
	opGetDeal        = "deals.get"
	opListDeals      = "deals.list"
	opCreateDeal     = "deals.create"
	opUpdateDeal     = "deals.update"
	opMoveDeal       = "deals.move"
	opDeleteDeal     = "deals.delete"
	opAddQuoteItem   = "deals.quote_items.add"
	opUpdateQuote    = "deals.quote_items.update"
	opRemoveQuote    = "deals.quote_items.remove"
	opListQuoteItems = "deals.quote_items.list"
	opListPipelines  = "deals.pipelines.list"
)

const (
	reasonMissingDatabase = "missing_database"
	reasonNotFound        = "not_found"
	reasonInvalid         = "validation_failed"
	reasonQueryFailed     = "query_failed"
	reasonSaveFailed      = "save_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonIDFailed        = "id_generation_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func notFound(operation string, what string) error {
	return newServiceError(operation, reasonNotFound, fmt.Errorf("%w: %s", ErrNotFound, what))
}

func invalid(operation string, cause error) error {
	if !errors.Is(cause, ErrValidation) {
		cause = fmt.Errorf("%w: %v", ErrValidation, cause)
	}
	return newServiceError(operation, reasonInvalid, cause)
}

func persistence(operation, reason string, cause error) error {
	return newServiceError(operation, reason, fmt.Errorf("%w: %v", ErrPersistence, cause))
}
