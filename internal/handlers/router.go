package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/tierrewards/ledger/internal/metrics"
	mW "github.com/tierrewards/ledger/internal/middleware"
	"github.com/tierrewards/ledger/internal/services"
)

// RouterDeps carries everything the HTTP surface talks to.
type RouterDeps struct {
	Ledger    *services.RewardLedger
	Oracle    *services.RateOracle
	Topups    *services.TopupService
	Withdraws *services.WithdrawService
	Tiers     *services.TierService

	Auth           *mW.Authenticator
	APILimiter     *mW.RateLimiter
	WebhookLimiter *mW.RateLimiter

	RequestTimeout time.Duration
	Log            *logrus.Entry
}

// NewRouter wires the /api/v1 routes, /health and /metrics.
func NewRouter(d RouterDeps) http.Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 60 * time.Second
	}
	log := d.Log.WithField("component", "http")

	accounts := NewAccountHandler(d.Ledger, log)
	rates := NewRateHandler(d.Oracle, log)
	topups := NewTopupHandler(d.Topups, log)
	withdraws := NewWithdrawHandler(d.Withdraws, log)
	tiers := NewTierHandler(d.Tiers, log)

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(d.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	r.Use(mW.Metrics)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Gateway callbacks authenticate with the shared secret in the body.
		r.Group(func(r chi.Router) {
			if d.WebhookLimiter != nil {
				r.Use(d.WebhookLimiter.Handler)
			}
			r.Post("/webhooks/payments", topups.PaymentWebhook)
		})

		r.Group(func(r chi.Router) {
			r.Use(d.Auth.Middleware)
			if d.APILimiter != nil {
				r.Use(d.APILimiter.Handler)
			}

			r.Get("/account", accounts.GetAccount)
			r.Get("/levels/{level}/rewards", accounts.LevelRewards)
			r.Get("/rates", rates.ListRates)
			r.Get("/payments/available", topups.GatewayStatus)

			r.Post("/topups", topups.CreateTopup)
			r.Get("/topups", topups.ListTopups)
			r.Get("/topups/{id}", topups.GetTopup)
			r.Post("/topups/{id}/refresh", topups.RefreshTopup)
			r.Post("/topups/{id}/cancel", topups.CancelTopup)

			r.Post("/withdrawals/direct", withdraws.CreateDirect)
			r.Post("/withdrawals/rewards", withdraws.CreateReward)
			r.Get("/withdrawals", withdraws.ListWithdrawals)
			r.Get("/withdrawals/{id}", withdraws.GetWithdrawal)
			r.Post("/withdrawals/{id}/complete", withdraws.Complete)

			r.Get("/tiers/eligibility", tiers.Eligibility)
			r.Post("/tiers/requests", tiers.RequestTier)
			r.Get("/tiers/requests", tiers.ListRequests)

			r.Route("/admin", func(r chi.Router) {
				r.Use(mW.AdminOnly)

				r.Post("/accounts", accounts.CreateAccount)
				r.Put("/accounts/{id}/levels/{level}/rewards/{network}", accounts.SetLevelReward)
				r.Put("/accounts/{id}/levels/{level}/commission", accounts.SetCommission)
				r.Post("/accounts/{id}/levels/{level}/complete", accounts.CompleteLevel)
				r.Put("/default-rewards/{level}/{network}", accounts.SetDefaultReward)

				r.Put("/rates/mode", rates.SetMode)
				r.Put("/rates/{network}", rates.SetRate)
				r.Post("/rates/refresh", rates.Refresh)

				r.Post("/topups/{id}/approve", topups.AdminApprove)
				r.Post("/topups/{id}/reject", topups.AdminReject)

				r.Post("/withdrawals/{id}/approve", withdraws.AdminApprove)
				r.Post("/withdrawals/{id}/reject", withdraws.AdminReject)

				r.Post("/tiers/requests/{id}/approve", tiers.AdminApprove)
				r.Post("/tiers/requests/{id}/reject", tiers.AdminReject)
			})
		})
	})

	return r
}
