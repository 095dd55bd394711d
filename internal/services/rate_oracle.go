package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tierrewards/ledger/internal/audit"
	"github.com/tierrewards/ledger/internal/metrics"
	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/repository"
)

// DefaultRates seeds an empty rate table.
var DefaultRates = models.RateTable{
	models.NetworkBTC:  decimal.NewFromInt(45000),
	models.NetworkETH:  decimal.NewFromInt(3000),
	models.NetworkTRON: decimal.RequireFromString("0.1"),
	models.NetworkUSDT: decimal.NewFromInt(1),
	models.NetworkBNB:  decimal.NewFromInt(300),
	models.NetworkSOL:  decimal.NewFromInt(100),
}

type RateOracleConfig struct {
	StaleAfter   time.Duration
	FetchTimeout time.Duration
}

// RateOracle owns the USD conversion rates of every network.
type RateOracle struct {
	store  repository.Store
	cache  RateCache
	source PriceSource
	cfg    RateOracleConfig
	audit  *audit.Logger
	log    *logrus.Entry
	group  singleflight.Group
	now    func() time.Time

	// gen counts invalidations. A table loaded under an older generation
	// is never written back to the cache.
	gen     atomic.Uint64
	cacheMu sync.Mutex
}

func NewRateOracle(store repository.Store, cache RateCache, source PriceSource, cfg RateOracleConfig, auditLog *audit.Logger, log *logrus.Entry) *RateOracle {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &RateOracle{
		store:  store,
		cache:  cache,
		source: source,
		cfg:    cfg,
		audit:  auditLog,
		log:    log.WithField("component", "rate_oracle"),
		now:    time.Now,
	}
}

// GetRates returns the current rate of every network. A failing price
// source never surfaces here: the persisted rates stay authoritative.
func (o *RateOracle) GetRates(ctx context.Context) (models.RateTable, error) {
	gen := o.gen.Load()
	if table, ok, err := o.cache.Get(ctx); err != nil {
		o.log.WithError(err).Warn("rate cache read failed")
	} else if ok {
		return table, nil
	}

	rows, err := o.loadOrSeed(ctx)
	if err != nil {
		return nil, err
	}

	table := tableOf(rows)
	if o.stale(rows) {
		v, err, _ := o.group.Do("refresh", func() (any, error) {
			return o.refreshIfStale(ctx)
		})
		if err != nil {
			o.log.WithError(err).Warn("stale rate refresh failed, serving persisted rates")
		} else {
			table = v.(models.RateTable)
		}
	}

	o.fill(ctx, gen, table)
	return table, nil
}

// fill caches table unless the rates were invalidated after gen was read.
func (o *RateOracle) fill(ctx context.Context, gen uint64, table models.RateTable) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	if o.gen.Load() != gen {
		return
	}
	if err := o.cache.Set(ctx, table); err != nil {
		o.log.WithError(err).Warn("rate cache write failed")
	}
}

// Rate returns the current USD rate of one network.
func (o *RateOracle) Rate(ctx context.Context, n models.Network) (decimal.Decimal, error) {
	table, err := o.GetRates(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := table[n]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, ValidationError("no conversion rate for %s", n)
	}
	return rate, nil
}

// ListRates returns the persisted rate rows after applying the refresh policy.
func (o *RateOracle) ListRates(ctx context.Context) ([]models.ConversionRate, error) {
	if _, err := o.GetRates(ctx); err != nil {
		return nil, err
	}
	return o.load(ctx)
}

// SetRate overrides the rate of one network and pins it to manual mode so
// the price source leaves it alone.
func (o *RateOracle) SetRate(ctx context.Context, n models.Network, rate decimal.Decimal, actor string) (*models.ConversionRate, error) {
	parsed, ok := models.ParseNetwork(string(n))
	if !ok {
		return nil, ValidationError("unsupported network %q", n)
	}
	n = parsed
	if !rate.IsPositive() {
		return nil, ValidationError("rate must be positive")
	}
	if _, err := o.loadOrSeed(ctx); err != nil {
		return nil, err
	}

	row := models.ConversionRate{Network: n, Rate: rate, Mode: models.RateModeManual, UpdatedAt: o.now()}
	if err := o.store.RunInTx(ctx, func(tx repository.Tx) error {
		return tx.UpsertRate(ctx, row)
	}); err != nil {
		return nil, err
	}

	o.invalidate(ctx)
	o.audit.LogRateChange(string(n), rate, string(models.RateModeManual), actor)
	return &row, nil
}

// SetMode switches every network to mode.
func (o *RateOracle) SetMode(ctx context.Context, mode models.RateMode, actor string) error {
	if _, ok := models.ParseRateMode(string(mode)); !ok {
		return ValidationError("unknown rate mode %q", mode)
	}
	if _, err := o.loadOrSeed(ctx); err != nil {
		return err
	}
	if err := o.store.RunInTx(ctx, func(tx repository.Tx) error {
		return tx.SetRateMode(ctx, mode)
	}); err != nil {
		return err
	}

	o.invalidate(ctx)
	o.audit.LogRateChange("*", decimal.Zero, string(mode), actor)
	return nil
}

// RefreshFromSource fetches live prices for every auto-mode network and
// persists them. Manual networks are never touched.
func (o *RateOracle) RefreshFromSource(ctx context.Context) (models.RateTable, error) {
	v, err, _ := o.group.Do("refresh", func() (any, error) {
		return o.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(models.RateTable), nil
}

func (o *RateOracle) refreshIfStale(ctx context.Context) (models.RateTable, error) {
	rows, err := o.load(ctx)
	if err != nil {
		return nil, err
	}
	if !o.stale(rows) {
		return tableOf(rows), nil
	}
	return o.refresh(ctx)
}

func (o *RateOracle) refresh(ctx context.Context) (models.RateTable, error) {
	rows, err := o.loadOrSeed(ctx)
	if err != nil {
		return nil, err
	}

	var auto []models.Network
	for _, r := range rows {
		if r.Mode == models.RateModeAuto {
			auto = append(auto, r.Network)
		}
	}
	if len(auto) == 0 {
		return tableOf(rows), nil
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	fetched, err := o.source.FetchRates(fetchCtx, auto)
	metrics.RecordRateRefresh(err == nil, time.Since(start))
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			err = UpstreamError(err, "price source unavailable")
		}
		return nil, err
	}

	now := o.now()
	var table models.RateTable
	err = o.store.RunInTx(ctx, func(tx repository.Tx) error {
		current, err := tx.ListRates(ctx)
		if err != nil {
			return err
		}
		for i, r := range current {
			rate, ok := fetched[r.Network]
			if !ok || r.Mode != models.RateModeAuto {
				continue
			}
			current[i].Rate = rate
			current[i].UpdatedAt = now
			if err := tx.UpsertRate(ctx, current[i]); err != nil {
				return err
			}
		}
		table = tableOf(current)
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx)
	o.log.WithField("networks", len(fetched)).Info("conversion rates refreshed")
	return table, nil
}

// stale reports whether every row is auto and the newest is older than the window.
func (o *RateOracle) stale(rows []models.ConversionRate) bool {
	if len(rows) == 0 {
		return false
	}
	var newest time.Time
	for _, r := range rows {
		if r.Mode != models.RateModeAuto {
			return false
		}
		if r.UpdatedAt.After(newest) {
			newest = r.UpdatedAt
		}
	}
	return o.now().Sub(newest) > o.cfg.StaleAfter
}

func (o *RateOracle) load(ctx context.Context) ([]models.ConversionRate, error) {
	var rows []models.ConversionRate
	err := o.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		rows, err = tx.ListRates(ctx)
		return err
	})
	return rows, err
}

// loadOrSeed returns the persisted rows, writing DefaultRates first when
// the table is empty.
func (o *RateOracle) loadOrSeed(ctx context.Context) ([]models.ConversionRate, error) {
	var rows []models.ConversionRate
	err := o.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		rows, err = tx.ListRates(ctx)
		if err != nil || len(rows) > 0 {
			return err
		}
		now := o.now()
		for _, n := range models.Networks {
			row := models.ConversionRate{Network: n, Rate: DefaultRates[n], Mode: models.RateModeAuto, UpdatedAt: now}
			if err := tx.UpsertRate(ctx, row); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

func (o *RateOracle) invalidate(ctx context.Context) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	o.gen.Add(1)
	if err := o.cache.Invalidate(ctx); err != nil {
		o.log.WithError(err).Warn("rate cache invalidation failed")
	}
}

func tableOf(rows []models.ConversionRate) models.RateTable {
	table := make(models.RateTable, len(rows))
	for _, r := range rows {
		table[r.Network] = r.Rate
	}
	return table
}
