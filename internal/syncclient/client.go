package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/reconcile"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

var (
	// ErrNotFound mirrors a 404 from the deals API.
	ErrNotFound = errors.New("syncclient: not found")
	// ErrValidation mirrors a 400 from the deals API.
	ErrValidation = errors.New("syncclient: validation failed")
	// ErrPersistence mirrors a 5xx from the deals API.
	ErrPersistence = errors.New("syncclient: persistence failed")
	// ErrUnauthorized mirrors a 401 or 403 from the deals API.
	ErrUnauthorized = errors.New("syncclient: unauthorized")
)

// APIError is a non-2xx response of the deals API.
type APIError struct {
	Status int
	Kind   string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("deals api: status %d: %s (%s)", e.Status, e.Kind, e.Code)
}

// Unwrap classifies the response by status.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusBadRequest:
		return ErrValidation
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return ErrUnauthorized
	default:
		return ErrPersistence
	}
}

// ListFilter selects the visible deal set.
type ListFilter struct {
	PipelineID string
	StageID    string
	OwnerID    int64
	Outcome    string
}

func (f ListFilter) query() string {
	values := url.Values{}
	if f.PipelineID != "" {
		values.Set("pipeline_id", f.PipelineID)
	}
	if f.StageID != "" {
		values.Set("stage_id", f.StageID)
	}
	if f.OwnerID > 0 {
		values.Set("owner_id", strconv.FormatInt(f.OwnerID, 10))
	}
	if f.Outcome != "" {
		values.Set("outcome", f.Outcome)
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

// DealPatch is a partial update. Nil fields are left untouched.
type DealPatch struct {
	Title      *string `json:"title,omitempty"`
	ValueCents *int64  `json:"value_cents,omitempty"`
	Currency   *string `json:"currency,omitempty"`
	ContactID  *string `json:"contact_id,omitempty"`
	OwnerID    *int64  `json:"owner_id,omitempty"`
	ClearOwner bool    `json:"clear_owner,omitempty"`
	Outcome    *string `json:"outcome,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// ApplyTo writes the patch onto a local copy of a deal.
func (p DealPatch) ApplyTo(deal *reconcile.Deal) {
	if p.Title != nil {
		deal.Title = strings.TrimSpace(*p.Title)
	}
	if p.ValueCents != nil {
		deal.ValueCents = *p.ValueCents
	}
	if p.Currency != nil {
		deal.Currency = strings.ToUpper(strings.TrimSpace(*p.Currency))
	}
	if p.ContactID != nil {
		deal.ContactID = strings.TrimSpace(*p.ContactID)
	}
	switch {
	case p.ClearOwner:
		deal.OwnerID = nil
	case p.OwnerID != nil:
		owner := *p.OwnerID
		deal.OwnerID = &owner
	}
	if p.Outcome != nil {
		deal.Outcome = *p.Outcome
	}
	if p.Notes != nil {
		deal.Notes = *p.Notes
	}
}

type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the deals REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("syncclient: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, token: cfg.Token, httpClient: httpClient, logger: logger}, nil
}

// ListDeals fetches the authoritative deal list. It is safe to call at any cadence.
func (c *Client) ListDeals(ctx context.Context, filter ListFilter) ([]reconcile.Deal, error) {
	var response struct {
		Deals []reconcile.Deal `json:"deals"`
	}
	if err := c.do(ctx, http.MethodGet, "/deals"+filter.query(), nil, &response); err != nil {
		return nil, err
	}
	return response.Deals, nil
}

// GetDeal fetches one deal.
func (c *Client) GetDeal(ctx context.Context, dealID string) (reconcile.Deal, error) {
	var deal reconcile.Deal
	err := c.do(ctx, http.MethodGet, "/deals/"+url.PathEscape(dealID), nil, &deal)
	return deal, err
}

// UpdateDeal applies a partial update and returns the authoritative post-mutation deal.
func (c *Client) UpdateDeal(ctx context.Context, dealID string, patch DealPatch) (reconcile.Deal, error) {
	var deal reconcile.Deal
	err := c.do(ctx, http.MethodPatch, "/deals/"+url.PathEscape(dealID), patch, &deal)
	return deal, err
}

// MoveDeal places the deal in another stage.
func (c *Client) MoveDeal(ctx context.Context, dealID, stageID string) (reconcile.Deal, error) {
	var deal reconcile.Deal
	body := map[string]string{"stage_id": stageID}
	err := c.do(ctx, http.MethodPost, "/deals/"+url.PathEscape(dealID)+"/move", body, &deal)
	return deal, err
}

// DeleteDeal removes the deal and returns its final snapshot.
func (c *Client) DeleteDeal(ctx context.Context, dealID string) (reconcile.Deal, error) {
	var deal reconcile.Deal
	err := c.do(ctx, http.MethodDelete, "/deals/"+url.PathEscape(dealID), nil, &deal)
	return deal, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, target any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		apiErr := &APIError{Status: response.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr == nil {
			apiErr.Kind = payload.Error
			apiErr.Code = payload.Code
		}
		c.logger.Debug("deals api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.String("code", apiErr.Code))
		return apiErr
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
