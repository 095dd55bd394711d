package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/tierrewards/ledger/internal/services"
)

type TierHandler struct {
	service   *services.TierService
	validator *services.ValidationHelper
	log       *logrus.Entry
}

func NewTierHandler(service *services.TierService, log *logrus.Entry) *TierHandler {
	return &TierHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

// Eligibility evaluates the tier gate for the caller
// @Summary Tier Eligibility
// @Tags Tiers
// @Produce json
// @Security BearerAuth
// @Param tier query int true "Requested tier"
// @Success 200 {object} services.Eligibility
// @Router /tiers/eligibility [get]
func (h *TierHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	tier, err := strconv.Atoi(r.URL.Query().Get("tier"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid tier", http.StatusBadRequest, nil)
		return
	}

	out, err := h.service.Eligibility(r.Context(), userID, tier)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// RequestTier files a tier upgrade request
// @Summary Request Tier
// @Tags Tiers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{tier=int} true "Requested tier"
// @Success 201 {object} models.TierRequest
// @Failure 409 {object} services.ErrorResponse
// @Router /tiers/requests [post]
func (h *TierHandler) RequestTier(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req struct {
		Tier int `json:"tier" validate:"required,min=1,max=5"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	tr, err := h.service.RequestTier(r.Context(), userID, req.Tier)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

// ListRequests lists the caller's tier requests
// @Summary List Tier Requests
// @Tags Tiers
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.TierRequest
// @Router /tiers/requests [get]
func (h *TierHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	list, err := h.service.List(r.Context(), userID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type reviewRequest struct {
	Note string `json:"note" validate:"max=500"`
}

// AdminApprove approves a tier request
// @Summary Approve Tier Request
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Tier request ID"
// @Success 200 {object} models.TierRequest
// @Router /admin/tiers/requests/{id}/approve [post]
func (h *TierHandler) AdminApprove(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, h.validator, &req) {
		return
	}
	tr, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), reviewer(r), req.Note)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// AdminReject rejects a tier request
// @Summary Reject Tier Request
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Tier request ID"
// @Success 200 {object} models.TierRequest
// @Router /admin/tiers/requests/{id}/reject [post]
func (h *TierHandler) AdminReject(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, h.validator, &req) {
		return
	}
	tr, err := h.service.Reject(r.Context(), chi.URLParam(r, "id"), reviewer(r), req.Note)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}
