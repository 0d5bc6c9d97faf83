package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/deals"
	"github.com/gin-gonic/gin"
)

type dealPayload struct {
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

type dealListPayload struct {
	Deals []dealPayload `json:"deals"`
}

type createDealRequest struct {
	PipelineID string `json:"pipeline_id"`
	StageID    string `json:"stage_id"`
	Title      string `json:"title"`
	ValueCents int64  `json:"value_cents"`
	Currency   string `json:"currency"`
	ContactID  string `json:"contact_id"`
	OwnerID    *int64 `json:"owner_id"`
	Notes      string `json:"notes"`
}

type updateDealRequest struct {
	Title      *string `json:"title"`
	ValueCents *int64  `json:"value_cents"`
	Currency   *string `json:"currency"`
	ContactID  *string `json:"contact_id"`
	OwnerID    *int64  `json:"owner_id"`
	ClearOwner bool    `json:"clear_owner"`
	Outcome    *string `json:"outcome"`
	Notes      *string `json:"notes"`
}

type moveDealRequest struct {
	StageID string `json:"stage_id"`
}

type quoteItemRequest struct {
	Description    *string `json:"description"`
	Quantity       *int64  `json:"quantity"`
	UnitPriceCents *int64  `json:"unit_price_cents"`
}

type quoteItemPayload struct {
	ItemID          string `json:"item_id"`
	DealID          string `json:"deal_id"`
	Description     string `json:"description"`
	Quantity        int64  `json:"quantity"`
	UnitPriceCents  int64  `json:"unit_price_cents"`
	CreatedAtMillis int64  `json:"created_at_ms"`
}

type quoteMutationPayload struct {
	Deal dealPayload       `json:"deal"`
	Item *quoteItemPayload `json:"item,omitempty"`
}

type stagePayload struct {
	StageID  string `json:"stage_id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Kind     string `json:"kind"`
}

type pipelinePayload struct {
	PipelineID string         `json:"pipeline_id"`
	Name       string         `json:"name"`
	Position   int            `json:"position"`
	Stages     []stagePayload `json:"stages"`
}

type activityPayload struct {
	ActivityID      string `json:"activity_id"`
	DealID          string `json:"deal_id"`
	ActivityType    string `json:"activity_type"`
	Description     string `json:"description"`
	CreatedBy       *int64 `json:"created_by"`
	CreatedAtMillis int64  `json:"created_at_ms"`
}

func newDealPayload(deal deals.Deal) dealPayload {
	return dealPayload{
		DealID:          deal.DealID,
		PipelineID:      deal.PipelineID,
		StageID:         deal.StageID,
		Title:           deal.Title,
		ValueCents:      deal.ValueCents,
		Currency:        deal.Currency,
		ContactID:       deal.ContactID,
		OwnerID:         deal.OwnerID,
		Outcome:         string(deal.Outcome),
		Notes:           deal.Notes,
		CreatedAtMillis: deal.CreatedAtMillis,
		UpdatedAtMillis: deal.UpdatedAtMillis,
	}
}

func newQuoteItemPayload(item deals.QuoteItem) quoteItemPayload {
	return quoteItemPayload{
		ItemID:          item.ItemID,
		DealID:          item.DealID,
		Description:     item.Description,
		Quantity:        item.Quantity,
		UnitPriceCents:  item.UnitPriceCents,
		CreatedAtMillis: item.CreatedAtMillis,
	}
}

func (h *httpHandler) handleListPipelines(c *gin.Context) {
	pipelines, err := h.deals.ListPipelines(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := make([]pipelinePayload, 0, len(pipelines))
	for _, entry := range pipelines {
		stages := make([]stagePayload, 0, len(entry.Stages))
		for _, stage := range entry.Stages {
			stages = append(stages, stagePayload{
				StageID:  stage.StageID,
				Name:     stage.Name,
				Position: stage.Position,
				Kind:     string(stage.Kind),
			})
		}
		response = append(response, pipelinePayload{
			PipelineID: entry.Pipeline.PipelineID,
			Name:       entry.Pipeline.Name,
			Position:   entry.Pipeline.Position,
			Stages:     stages,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": response})
}

func (h *httpHandler) handleListDeals(c *gin.Context) {
	filter := deals.ListFilter{
		PipelineID: trimmedQuery(c, "pipeline_id"),
		StageID:    trimmedQuery(c, "stage_id"),
	}
	if raw := trimmedQuery(c, "owner_id"); raw != "" {
		owner, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || owner <= 0 {
			writeError(c, http.StatusBadRequest, errorValidationFailed, "request.invalid_owner_id")
			return
		}
		filter.OwnerID = &owner
	}
	if raw := trimmedQuery(c, "outcome"); raw != "" {
		outcome, err := deals.ParseOutcome(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, errorValidationFailed, "request.invalid_outcome")
			return
		}
		filter.Outcome = outcome
	}

	found, err := h.deals.List(c.Request.Context(), filter)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := dealListPayload{Deals: make([]dealPayload, 0, len(found))}
	for _, deal := range found {
		response.Deals = append(response.Deals, newDealPayload(deal))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetDeal(c *gin.Context) {
	dealID, ok := h.dealIDParam(c)
	if !ok {
		return
	}
	deal, err := h.deals.Get(c.Request.Context(), dealID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDealPayload(deal))
}

func (h *httpHandler) handleCreateDeal(c *gin.Context) {
	var request createDealRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, http.StatusBadRequest, errorValidationFailed, "request.invalid_body")
		return
	}
	deal, err := h.deals.Create(c.Request.Context(), h.actor(c), deals.NewDealInput{
		PipelineID: request.PipelineID,
		StageID:    request.StageID,
		Title:      request.Title,
		ValueCents: request.ValueCents,
		Currency:   request.Currency,
		ContactID:  request.ContactID,
		OwnerID:    request.OwnerID,
		Notes:      request.Notes,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newDealPayload(deal))
}

// handleUpdateDeal responds with the full post-mutation deal so callers can apply it
// without waiting for a poll or a broadcast.
func (h *httpHandler) handleUpdateDeal(c *gin.Context) {
	dealID, ok := h.dealIDParam(c)
	if !ok {
		return
	}
	var request updateDealRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, http.StatusBadRequest, errorValidationFailed, "request.invalid_body")
		return
	}
	patch := deals.DealPatch{
		Title:      request.Title,
		ValueCents: request.ValueCents,
		Currency:   request.Currency,
		ContactID:  request.ContactID,
		OwnerID:    request.OwnerID,
		ClearOwner: request.ClearOwner,
		Notes:      request.Notes,
	}
	if request.Outcome != nil {
		outcome, err := deals.ParseOutcome(*request.Outcome)
		if err != nil {
			writeError(c, http.StatusBadRequest, errorValidationFailed, "request.invalid_outcome")
			return
		}
		patch.Outcome = &outcome
	}

	deal, err := h.deals.Update(c.Request.Context(), h.actor(c), dealID, patch)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDealPayload(deal))
}

func (h *httpHandler) handleMoveDeal(c *gin.Context) {
	dealID, ok := h.dealIDParam(c)
	if !ok {
		return
	}
	var request moveDealRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, http.StatusBadRequest, errorValidationFailed, "request.invalid_body")
		return
	}
	deal, err := h.deals.Move(c.Request.Context(), h.actor(c), dealID, request.StageID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDealPayload(deal))
}

func (h *httpHandler) handleDeleteDeal(c *gin.Context) {
	dealID, ok := h.dealIDParam(c)
	if !ok {
		return
	}
	deal, err := h.deals.Delete(c.Request.Context(), h.actor(c), dealID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDealPayload(deal))
}

func (h *httpHandler) handleListQuoteItems(c *gin.Context) {
	dealID, ok := h.dealIDParam(c)
	if !ok {
		return
	}
	items, err := h.deals.ListQuoteItems(c.Request.Context(), dealID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := make([]quoteItemPayload, 0, len(items))
	for _, item := range items {
		response = append(response, newQuoteItemPayload(item))
	}
	c.JSON(http.StatusOK, gin.H{"items": response})
}

func (h *httpHandler) handleAddQuoteItem(c *gin.Context) {
	dealID, ok := h.dealIDParam(c)
	if !ok {
		return
	}
	var request quoteItemRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, http.StatusBadRequest, errorValidationFailed, "request.invalid_body")
		return
	}
	deal, item, err := h.deals.AddQuoteItem(c.Request.Context(), h.actor(c), dealID, request.input())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newQuoteMutationPayload(deal, item))
}

func (h *httpHandler) handleUpdateQuoteItem(c *gin.Context) {
	dealID, ok := h.dealIDParam(c)
	if !ok {
		return
	}
	var request quoteItemRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, http.StatusBadRequest, errorValidationFailed, "request.invalid_body")
		return
	}
	deal, item, err := h.deals.UpdateQuoteItem(c.Request.Context(), h.actor(c), dealID, c.Param("itemId"), request.input())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newQuoteMutationPayload(deal, item))
}

func (h *httpHandler) handleRemoveQuoteItem(c *gin.Context) {
	dealID, ok := h.dealIDParam(c)
	if !ok {
		return
	}
	deal, item, err := h.deals.RemoveQuoteItem(c.Request.Context(), h.actor(c), dealID, c.Param("itemId"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newQuoteMutationPayload(deal, item))
}

func (request quoteItemRequest) input() deals.QuoteItemInput {
	return deals.QuoteItemInput{
		Description:    request.Description,
		Quantity:       request.Quantity,
		UnitPriceCents: request.UnitPriceCents,
	}
}

func newQuoteMutationPayload(deal deals.Deal, item deals.QuoteItem) quoteMutationPayload {
	payload := quoteMutationPayload{Deal: newDealPayload(deal)}
	if item.ItemID != "" {
		itemPayload := newQuoteItemPayload(item)
		payload.Item = &itemPayload
	}
	return payload
}

func (h *httpHandler) handleListActivities(c *gin.Context) {
	dealID, ok := h.dealIDParam(c)
	if !ok {
		return
	}
	limit := 0
	if raw := trimmedQuery(c, "limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(c, http.StatusBadRequest, errorValidationFailed, "request.invalid_limit")
			return
		}
		limit = parsed
	}
	records, err := h.activities.ListForDeal(c.Request.Context(), dealID.String(), limit)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := make([]activityPayload, 0, len(records))
	for _, record := range records {
		response = append(response, newActivityPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"activities": response})
}

func (h *httpHandler) handleDeleteActivity(c *gin.Context) {
	if err := h.activities.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func newActivityPayload(record activity.Record) activityPayload {
	return activityPayload{
		ActivityID:      record.ActivityID,
		DealID:          record.DealID,
		ActivityType:    string(record.ActivityType),
		Description:     record.Description,
		CreatedBy:       record.CreatedBy,
		CreatedAtMillis: record.CreatedAtMillis,
	}
}
