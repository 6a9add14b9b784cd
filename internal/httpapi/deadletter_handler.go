package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openmonetize/openmonetize-sub001/internal/deadletter"
	"github.com/openmonetize/openmonetize-sub001/internal/middleware"
	"github.com/openmonetize/openmonetize-sub001/internal/queue"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// DeadLetterListResponse is the body of GET /admin/dead-letter
type DeadLetterListResponse struct {
	Counts deadletter.Counts      `json:"counts"`
	Items  []queue.DeadLetterItem `json:"items"`
	Offset int                    `json:"offset"`
	Limit  int                    `json:"limit"`
}

// ReplayRequest is the body of POST /admin/dead-letter/replay
type ReplayRequest struct {
	IDs []string `json:"ids"`
	All bool     `json:"all"`
}

// ListDeadLetters handles GET /admin/dead-letter?offset=&limit=
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid offset")
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	counts, err := h.deps.DeadLetter.Counts(r.Context())
	if err != nil {
		h.logger.Error("Failed to count dead-letter items", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read dead-letter store")
		return
	}
	items, err := h.deps.DeadLetter.List(r.Context(), offset, limit)
	if err != nil {
		h.logger.Error("Failed to list dead-letter items", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read dead-letter store")
		return
	}
	if items == nil {
		items = []queue.DeadLetterItem{}
	}

	utils.RespondWithJSON(w, http.StatusOK, DeadLetterListResponse{
		Counts: counts,
		Items:  items,
		Offset: offset,
		Limit:  limit,
	})
}

// GetDeadLetter handles GET /admin/dead-letter/{id}
func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.deps.DeadLetter.Get(r.Context(), id)
	if errors.Is(err, queue.ErrItemNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "Dead-letter item not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get dead-letter item", "job_id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read dead-letter store")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, item)
}

// ReplayDeadLetters handles POST /admin/dead-letter/replay with either an id
// list or {"all": true}
func (h *Handler) ReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if !utils.DecodeJSONBody(w, r, h.deps.MaxBodyBytes, &req) {
		return
	}
	if req.All == (len(req.IDs) > 0) {
		utils.RespondWithError(w, http.StatusBadRequest, "Provide either ids or all, not both")
		return
	}

	var (
		result deadletter.ReplayResult
		err    error
	)
	if req.All {
		result, err = h.deps.DeadLetter.ReplayAll(r.Context())
	} else {
		result, err = h.deps.DeadLetter.Replay(r.Context(), req.IDs)
	}
	if err != nil {
		h.logger.Error("Dead-letter replay failed", "error", err, "replayed", len(result.Replayed))
		utils.RespondWithError(w, http.StatusInternalServerError, "Replay failed: "+err.Error())
		return
	}

	operator, _ := middleware.GetOperatorID(r.Context())
	h.logger.Info("Dead-letter replay requested",
		"operator", operator,
		"all", req.All,
		"replayed", len(result.Replayed),
		"missing", len(result.Missing),
	)
	utils.RespondWithJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
