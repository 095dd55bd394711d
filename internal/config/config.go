// Package config loads the ledger configuration from a .env file and the
// environment through viper.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tierrewards/ledger/internal/models"
)

// LedgerConfig holds every tunable of the ledger process.
type LedgerConfig struct {
	Port          string
	StorageDriver string // postgres | memory
	CacheDriver   string // redis | memory

	RateCacheTTL        time.Duration
	RateStaleAfter      time.Duration
	RateRefreshSchedule string
	PriceSourceURL      string
	PriceSourceTimeout  time.Duration

	GatewayURL     string
	GatewayAPIKey  string
	GatewayTimeout time.Duration

	WebhookSecret    string
	WebhookRateLimit float64
	WebhookBurst     int
	APIRateLimit     float64
	APIBurst         int

	TopupPaymentTimeout   time.Duration
	ExpirySweepSchedule   string
	RequiredConfirmations map[models.Network]int

	// DeductPrincipalOnCompletion debits a wallet withdrawal's principal a
	// second time when the user reports the transfer as completed.
	DeductPrincipalOnCompletion bool

	JWTSecret         string
	NotificationQueue string
}

var envBindings = map[string]string{
	"port":                                  "PORT",
	"database.host":                         "DATABASE_HOST",
	"database.port":                         "DATABASE_PORT",
	"database.user":                         "DATABASE_USER",
	"database.password":                     "DATABASE_PASSWORD",
	"database.name":                         "DATABASE_NAME",
	"database.ssl_mode":                     "DATABASE_SSL_MODE",
	"redis.host":                            "REDIS_HOST",
	"redis.port":                            "REDIS_PORT",
	"redis.password":                        "REDIS_PASSWORD",
	"redis.db":                              "REDIS_DB",
	"jwt.secret_key":                        "JWT_SECRET_KEY",
	"gateway.url":                           "GATEWAY_URL",
	"gateway.api_key":                       "GATEWAY_API_KEY",
	"gateway.timeout":                       "GATEWAY_TIMEOUT",
	"price_source.url":                      "PRICE_SOURCE_URL",
	"price_source.timeout":                  "PRICE_SOURCE_TIMEOUT",
	"webhook.secret":                        "WEBHOOK_SECRET",
	"webhook.rate_limit":                    "WEBHOOK_RATE_LIMIT",
	"webhook.burst":                         "WEBHOOK_BURST",
	"api.rate_limit":                        "API_RATE_LIMIT",
	"api.burst":                             "API_BURST",
	"ledger.storage_driver":                 "LEDGER_STORAGE_DRIVER",
	"ledger.cache_driver":                   "LEDGER_CACHE_DRIVER",
	"ledger.rate_cache_ttl":                 "LEDGER_RATE_CACHE_TTL",
	"ledger.rate_stale_after":               "LEDGER_RATE_STALE_AFTER",
	"ledger.rate_refresh_schedule":          "LEDGER_RATE_REFRESH_SCHEDULE",
	"ledger.topup_payment_timeout":          "LEDGER_TOPUP_PAYMENT_TIMEOUT",
	"ledger.expiry_sweep_schedule":          "LEDGER_EXPIRY_SWEEP_SCHEDULE",
	"ledger.deduct_principal_on_completion": "LEDGER_DEDUCT_PRINCIPAL_ON_COMPLETION",
	"ledger.notification_queue":             "LEDGER_NOTIFICATION_QUEUE",
}

var defaultConfirmations = map[models.Network]int{
	models.NetworkBTC:  2,
	models.NetworkETH:  12,
	models.NetworkTRON: 19,
	models.NetworkUSDT: 12,
	models.NetworkBNB:  15,
	models.NetworkSOL:  32,
}

func confirmationsKey(n models.Network) string {
	return "ledger.confirmations." + strings.ToLower(string(n))
}

// Init points v at configFile, lets the environment override it and binds
// the environment variable names.
func Init(v *viper.Viper, configFile string) {
	v.SetConfigFile(configFile)
	v.AutomaticEnv()

	for key, env := range envBindings {
		v.BindEnv(key, env)
	}
	for n := range defaultConfirmations {
		v.BindEnv(confirmationsKey(n), "LEDGER_CONFIRMATIONS_"+string(n))
	}

	if err := v.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("gateway.url", "http://localhost:9090")
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("price_source.url", "https://api.coingecko.com/api/v3")
	v.SetDefault("price_source.timeout", 10*time.Second)
	v.SetDefault("webhook.rate_limit", 20.0)
	v.SetDefault("webhook.burst", 40)
	v.SetDefault("api.rate_limit", 10.0)
	v.SetDefault("api.burst", 20)
	v.SetDefault("ledger.storage_driver", "postgres")
	v.SetDefault("ledger.cache_driver", "redis")
	v.SetDefault("ledger.rate_cache_ttl", 30*time.Second)
	v.SetDefault("ledger.rate_stale_after", 5*time.Minute)
	v.SetDefault("ledger.rate_refresh_schedule", "@every 2m")
	v.SetDefault("ledger.topup_payment_timeout", 60*time.Minute)
	v.SetDefault("ledger.expiry_sweep_schedule", "@every 1m")
	v.SetDefault("ledger.deduct_principal_on_completion", true)
	v.SetDefault("ledger.notification_queue", "notifications_queue")
	for n, c := range defaultConfirmations {
		v.SetDefault(confirmationsKey(n), c)
	}
}

// Load returns the configuration held by v with defaults applied.
func Load(v *viper.Viper) *LedgerConfig {
	setDefaults(v)

	confirmations := make(map[models.Network]int, len(models.Networks))
	for _, n := range models.Networks {
		confirmations[n] = v.GetInt(confirmationsKey(n))
	}

	return &LedgerConfig{
		Port:                        v.GetString("port"),
		StorageDriver:               v.GetString("ledger.storage_driver"),
		CacheDriver:                 v.GetString("ledger.cache_driver"),
		RateCacheTTL:                v.GetDuration("ledger.rate_cache_ttl"),
		RateStaleAfter:              v.GetDuration("ledger.rate_stale_after"),
		RateRefreshSchedule:         v.GetString("ledger.rate_refresh_schedule"),
		PriceSourceURL:              v.GetString("price_source.url"),
		PriceSourceTimeout:          v.GetDuration("price_source.timeout"),
		GatewayURL:                  v.GetString("gateway.url"),
		GatewayAPIKey:               v.GetString("gateway.api_key"),
		GatewayTimeout:              v.GetDuration("gateway.timeout"),
		WebhookSecret:               v.GetString("webhook.secret"),
		WebhookRateLimit:            v.GetFloat64("webhook.rate_limit"),
		WebhookBurst:                v.GetInt("webhook.burst"),
		APIRateLimit:                v.GetFloat64("api.rate_limit"),
		APIBurst:                    v.GetInt("api.burst"),
		TopupPaymentTimeout:         v.GetDuration("ledger.topup_payment_timeout"),
		ExpirySweepSchedule:         v.GetString("ledger.expiry_sweep_schedule"),
		RequiredConfirmations:       confirmations,
		DeductPrincipalOnCompletion: v.GetBool("ledger.deduct_principal_on_completion"),
		JWTSecret:                   v.GetString("jwt.secret_key"),
		NotificationQueue:           v.GetString("ledger.notification_queue"),
	}
}
