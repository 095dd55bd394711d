package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	mW "github.com/tierrewards/ledger/internal/middleware"
	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/services"
)

type WithdrawHandler struct {
	service   *services.WithdrawService
	validator *services.ValidationHelper
	log       *logrus.Entry
}

func NewWithdrawHandler(service *services.WithdrawService, log *logrus.Entry) *WithdrawHandler {
	return &WithdrawHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

// CreateDirect requests a direct balance withdrawal
// @Summary Direct Withdrawal
// @Tags Withdrawals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=string,wallet=string} true "Withdrawal request"
// @Success 201 {object} models.WithdrawRequest
// @Failure 402 {object} services.ErrorResponse
// @Router /withdrawals/direct [post]
func (h *WithdrawHandler) CreateDirect(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount" validate:"gt=0"`
		Wallet string          `json:"wallet" validate:"max=128"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	wr, err := h.service.CreateDirect(r.Context(), services.DirectWithdrawInput{
		AccountID: userID,
		Amount:    req.Amount,
		Wallet:    req.Wallet,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

// CreateReward withdraws network rewards of a completed level
// @Summary Reward Withdrawal
// @Description Charges the commission immediately. With add_to_balance the reward is credited at once.
// @Tags Withdrawals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{level=int,networks=[]string,amount=string,wallet=string,add_to_balance=bool} true "Withdrawal request"
// @Success 201 {object} models.WithdrawRequest
// @Failure 402 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /withdrawals/rewards [post]
func (h *WithdrawHandler) CreateReward(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req struct {
		Level        int             `json:"level" validate:"required,min=1,max=5"`
		Networks     []string        `json:"networks" validate:"required,min=1,dive,network"`
		Amount       decimal.Decimal `json:"amount"`
		Wallet       string          `json:"wallet" validate:"max=128"`
		AddToBalance bool            `json:"add_to_balance"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	networks := make([]models.Network, len(req.Networks))
	for i, n := range req.Networks {
		networks[i] = models.Network(n)
	}
	wr, err := h.service.CreateReward(r.Context(), services.RewardWithdrawInput{
		AccountID:    userID,
		Level:        req.Level,
		Networks:     networks,
		Amount:       req.Amount,
		Wallet:       req.Wallet,
		AddToBalance: req.AddToBalance,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

// ListWithdrawals lists the caller's withdrawals
// @Summary List Withdrawals
// @Tags Withdrawals
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.WithdrawRequest
// @Router /withdrawals [get]
func (h *WithdrawHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
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

// GetWithdrawal returns one withdrawal
// @Summary Get Withdrawal
// @Tags Withdrawals
// @Produce json
// @Security BearerAuth
// @Param id path string true "Withdrawal ID"
// @Success 200 {object} models.WithdrawRequest
// @Router /withdrawals/{id} [get]
func (h *WithdrawHandler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	wr, err := h.service.Get(r.Context(), userID, mW.IsAdmin(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// Complete confirms the external transfer of an approved withdrawal
// @Summary Complete Withdrawal
// @Tags Withdrawals
// @Produce json
// @Security BearerAuth
// @Param id path string true "Withdrawal ID"
// @Success 200 {object} models.WithdrawRequest
// @Router /withdrawals/{id}/complete [post]
func (h *WithdrawHandler) Complete(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	wr, err := h.service.Complete(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// AdminApprove approves a withdrawal and debits its principal
// @Summary Approve Withdrawal
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Withdrawal ID"
// @Param request body object{confirmed_wallet=string,confirmed_amount=string} false "Confirmed destination"
// @Success 200 {object} models.WithdrawRequest
// @Router /admin/withdrawals/{id}/approve [post]
func (h *WithdrawHandler) AdminApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfirmedWallet string              `json:"confirmed_wallet" validate:"max=128"`
		ConfirmedAmount decimal.NullDecimal `json:"confirmed_amount"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, h.validator, &req) {
		return
	}

	wr, err := h.service.AdminApprove(r.Context(), chi.URLParam(r, "id"), services.ApproveWithdrawInput{
		ConfirmedWallet: req.ConfirmedWallet,
		ConfirmedAmount: req.ConfirmedAmount,
		Reviewer:        reviewer(r),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// AdminReject rejects a withdrawal; charged commission is kept
// @Summary Reject Withdrawal
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Withdrawal ID"
// @Param request body object{reason=string} false "Rejection reason"
// @Success 200 {object} models.WithdrawRequest
// @Router /admin/withdrawals/{id}/reject [post]
func (h *WithdrawHandler) AdminReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason" validate:"max=500"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, h.validator, &req) {
		return
	}

	wr, err := h.service.AdminReject(r.Context(), chi.URLParam(r, "id"), req.Reason, reviewer(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}
