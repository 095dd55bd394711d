package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	mW "github.com/tierrewards/ledger/internal/middleware"
	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/services"
)

type TopupHandler struct {
	service   *services.TopupService
	validator *services.ValidationHelper
	log       *logrus.Entry
}

func NewTopupHandler(service *services.TopupService, log *logrus.Entry) *TopupHandler {
	return &TopupHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

// CreateTopup creates a manual or gateway-backed topup
// @Summary Create Topup
// @Description Automated topups return the deposit address, crypto amount and a QR code
// @Tags Topups
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount_usd=string,currency=string,automated=bool} true "Topup request"
// @Success 201 {object} services.CreatedTopup
// @Failure 400 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /topups [post]
func (h *TopupHandler) CreateTopup(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req struct {
		AmountUSD decimal.Decimal `json:"amount_usd" validate:"gt=0"`
		Currency  string          `json:"currency" validate:"required,network"`
		Automated bool            `json:"automated"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	out, err := h.service.Create(r.Context(), services.CreateTopupInput{
		AccountID: userID,
		AmountUSD: req.AmountUSD,
		Currency:  models.Network(req.Currency),
		Automated: req.Automated,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// ListTopups lists the caller's topups, newest first
// @Summary List Topups
// @Tags Topups
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.TopupRequest
// @Router /topups [get]
func (h *TopupHandler) ListTopups(w http.ResponseWriter, r *http.Request) {
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

// GetTopup returns one topup
// @Summary Get Topup
// @Tags Topups
// @Produce json
// @Security BearerAuth
// @Param id path string true "Topup ID"
// @Success 200 {object} models.TopupRequest
// @Failure 404 {object} services.ErrorResponse
// @Router /topups/{id} [get]
func (h *TopupHandler) GetTopup(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	tr, err := h.service.Get(r.Context(), userID, mW.IsAdmin(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// RefreshTopup polls the gateway and settles the topup if the payment arrived
// @Summary Refresh Topup
// @Tags Topups
// @Produce json
// @Security BearerAuth
// @Param id path string true "Topup ID"
// @Success 200 {object} models.TopupRequest
// @Failure 503 {object} services.ErrorResponse
// @Router /topups/{id}/refresh [post]
func (h *TopupHandler) RefreshTopup(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	tr, err := h.service.Refresh(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// CancelTopup cancels a topup whose payment has not been seen
// @Summary Cancel Topup
// @Tags Topups
// @Produce json
// @Security BearerAuth
// @Param id path string true "Topup ID"
// @Success 200 {object} models.TopupRequest
// @Failure 409 {object} services.ErrorResponse
// @Router /topups/{id}/cancel [post]
func (h *TopupHandler) CancelTopup(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	tr, err := h.service.Cancel(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// PaymentWebhook receives payment updates pushed by the gateway
// @Summary Payment Webhook
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param request body services.WebhookPayload true "Gateway payment update"
// @Success 200 {object} object{success=bool,status=string,payment_status=string}
// @Failure 401 {object} services.ErrorResponse
// @Router /webhooks/payments [post]
func (h *TopupHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	// unknown fields are accepted
	var req services.WebhookPayload
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	tr, err := h.service.HandleWebhook(r.Context(), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"topup_id":       tr.ID,
		"status":         tr.Status,
		"payment_status": tr.PaymentStatus,
	})
}

// GatewayStatus reports whether automated topups are available
// @Summary Payment Gateway Availability
// @Tags Topups
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{available=bool}
// @Router /payments/available [get]
func (h *TopupHandler) GatewayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"available": h.service.GatewayAvailable(r.Context())})
}

// AdminApprove approves a topup and credits the balance
// @Summary Approve Topup
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Topup ID"
// @Param request body object{amount=string} false "Credited amount, defaults to the requested amount"
// @Success 200 {object} models.TopupRequest
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/topups/{id}/approve [post]
func (h *TopupHandler) AdminApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.NullDecimal `json:"amount"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, h.validator, &req) {
		return
	}

	tr, err := h.service.AdminApprove(r.Context(), chi.URLParam(r, "id"), req.Amount, reviewer(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// AdminReject rejects a topup
// @Summary Reject Topup
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Topup ID"
// @Param request body object{reason=string} false "Rejection reason"
// @Success 200 {object} models.TopupRequest
// @Router /admin/topups/{id}/reject [post]
func (h *TopupHandler) AdminReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason" validate:"max=500"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, h.validator, &req) {
		return
	}

	tr, err := h.service.AdminReject(r.Context(), chi.URLParam(r, "id"), req.Reason, reviewer(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}
