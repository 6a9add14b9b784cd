package httpapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/openmonetize/openmonetize-sub001/internal/ingest"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
	"github.com/openmonetize/openmonetize-sub001/internal/pricing"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// SubmitUsageEventsRequest is the body of POST /v1/usage/events
type SubmitUsageEventsRequest struct {
	CustomerID uuid.UUID      `json:"customer_id"`
	Events     []models.Event `json:"events"`
}

// SubmitUsageEvents handles POST /v1/usage/events. The batch is queued and
// answered with 202; ledger writes happen asynchronously.
func (h *Handler) SubmitUsageEvents(w http.ResponseWriter, r *http.Request) {
	var req SubmitUsageEventsRequest
	if !utils.DecodeJSONBody(w, r, h.deps.MaxBodyBytes, &req) {
		return
	}

	result, err := h.deps.Ingest.Submit(r.Context(), req.CustomerID, req.Events)
	switch {
	case err == nil:
		utils.RespondWithJSON(w, http.StatusAccepted, result)
	case errors.Is(err, ingest.ErrInvalidBatch):
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrEnqueueFailed):
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Queue unavailable, retry the batch")
	default:
		h.logger.Error("Failed to submit usage batch", "customer_id", req.CustomerID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to submit usage batch")
	}
}

// Quote handles POST /v1/pricing/quote. It prices one event without side effects.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var event models.Event
	if !utils.DecodeJSONBody(w, r, h.deps.MaxBodyBytes, &event) {
		return
	}
	if event.EventID == "" {
		event.EventID = "quote"
	}
	if err := event.Validate(); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.deps.Pricer.Price(r.Context(), &event)
	switch {
	case err == nil:
		utils.RespondWithJSON(w, http.StatusOK, result)
	case errors.Is(err, pricing.ErrNoCostData):
		utils.RespondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, pricing.ErrUnsupportedKind):
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Failed to price event", "customer_id", event.CustomerID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to price event")
	}
}
