package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/services"
)

type AccountHandler struct {
	ledger    *services.RewardLedger
	validator *services.ValidationHelper
	log       *logrus.Entry
}

func NewAccountHandler(ledger *services.RewardLedger, log *logrus.Entry) *AccountHandler {
	return &AccountHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

// GetAccount returns the caller's ledger account
// @Summary Get Account
// @Tags Accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Account
// @Failure 404 {object} services.ErrorResponse
// @Router /account [get]
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	acc, err := h.ledger.GetAccount(r.Context(), userID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// LevelRewards returns the effective rewards of a level with their USD value
// @Summary Level Rewards
// @Tags Accounts
// @Produce json
// @Security BearerAuth
// @Param level path int true "Reward level"
// @Success 200 {object} services.LevelSummary
// @Router /levels/{level}/rewards [get]
func (h *AccountHandler) LevelRewards(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	level, ok := pathInt(w, r, "level")
	if !ok {
		return
	}
	summary, err := h.ledger.LevelSummary(r.Context(), userID, level)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// CreateAccount provisions a ledger account for an identity
// @Summary Create Account
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{account_id=int64} true "Account to provision"
// @Success 201 {object} models.Account
// @Router /admin/accounts [post]
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID int64 `json:"account_id" validate:"required,gt=0"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	acc, err := h.ledger.CreateAccount(r.Context(), req.AccountID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// SetLevelReward sets a per-account reward override
// @Summary Set Level Reward
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Account ID"
// @Param level path int true "Reward level"
// @Param network path string true "Network"
// @Param request body object{amount=string} true "Reward amount in coin units"
// @Success 200 {object} models.LevelState
// @Router /admin/accounts/{id}/levels/{level}/rewards/{network} [put]
func (h *AccountHandler) SetLevelReward(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	level, ok := pathInt(w, r, "level")
	if !ok {
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount" validate:"gte=0"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	st, err := h.ledger.SetLevelReward(r.Context(), accountID, level, models.Network(chi.URLParam(r, "network")), req.Amount)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SetCommission sets the commission percentage of a level
// @Summary Set Commission
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Account ID"
// @Param level path int true "Reward level"
// @Param request body object{percent=string} true "Commission percentage"
// @Success 200 {object} models.LevelState
// @Router /admin/accounts/{id}/levels/{level}/commission [put]
func (h *AccountHandler) SetCommission(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	level, ok := pathInt(w, r, "level")
	if !ok {
		return
	}
	var req struct {
		Percent decimal.Decimal `json:"percent" validate:"gte=0,lte=100"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	st, err := h.ledger.SetCommissionPercent(r.Context(), accountID, level, req.Percent)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CompleteLevel marks a level completed
// @Summary Complete Level
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param id path int true "Account ID"
// @Param level path int true "Reward level"
// @Success 200 {object} models.LevelState
// @Router /admin/accounts/{id}/levels/{level}/complete [post]
func (h *AccountHandler) CompleteLevel(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	level, ok := pathInt(w, r, "level")
	if !ok {
		return
	}
	st, err := h.ledger.MarkLevelCompleted(r.Context(), accountID, level)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SetDefaultReward sets the global fallback reward of a level and network
// @Summary Set Default Reward
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param level path int true "Reward level"
// @Param network path string true "Network"
// @Param request body object{amount=string,active=bool} true "Default reward"
// @Success 200 {object} models.DefaultReward
// @Router /admin/default-rewards/{level}/{network} [put]
func (h *AccountHandler) SetDefaultReward(w http.ResponseWriter, r *http.Request) {
	level, ok := pathInt(w, r, "level")
	if !ok {
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount" validate:"gte=0"`
		Active *bool           `json:"active"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	d, err := h.ledger.SetDefaultReward(r.Context(), level, models.Network(chi.URLParam(r, "network")), req.Amount, active)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
