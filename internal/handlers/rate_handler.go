package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/services"
)

type RateHandler struct {
	oracle    *services.RateOracle
	validator *services.ValidationHelper
	log       *logrus.Entry
}

func NewRateHandler(oracle *services.RateOracle, log *logrus.Entry) *RateHandler {
	return &RateHandler{
		oracle:    oracle,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

// ListRates returns the conversion rate table
// @Summary List Rates
// @Tags Rates
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.ConversionRate
// @Router /rates [get]
func (h *RateHandler) ListRates(w http.ResponseWriter, r *http.Request) {
	rates, err := h.oracle.ListRates(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rates)
}

// SetRate overrides the rate of one network
// @Summary Set Rate
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param network path string true "Network"
// @Param request body object{rate=string} true "USD rate, pinned to manual mode"
// @Success 200 {object} models.ConversionRate
// @Router /admin/rates/{network} [put]
func (h *RateHandler) SetRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rate decimal.Decimal `json:"rate" validate:"gt=0"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	row, err := h.oracle.SetRate(r.Context(), models.Network(chi.URLParam(r, "network")), req.Rate, reviewer(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// SetMode switches the whole table between auto and manual
// @Summary Set Rate Mode
// @Tags Admin
// @Accept json
// @Security BearerAuth
// @Param request body object{mode=string} true "auto or manual"
// @Success 204
// @Router /admin/rates/mode [put]
func (h *RateHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode" validate:"required,oneof=auto manual"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	if err := h.oracle.SetMode(r.Context(), models.RateMode(req.Mode), reviewer(r)); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Refresh forces a fetch from the price source
// @Summary Refresh Rates
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.RateTable
// @Failure 503 {object} services.ErrorResponse
// @Router /admin/rates/refresh [post]
func (h *RateHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	table, err := h.oracle.RefreshFromSource(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}
