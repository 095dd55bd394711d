package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/repository"
	"github.com/tierrewards/ledger/internal/repository/memory"
)

func seedRates(t *testing.T, store repository.Store, updatedAt time.Time, mode models.RateMode) {
	t.Helper()
	require.NoError(t, store.RunInTx(context.Background(), func(tx repository.Tx) error {
		for _, n := range models.Networks {
			if err := tx.UpsertRate(context.Background(), models.ConversionRate{
				Network: n, Rate: DefaultRates[n], Mode: mode, UpdatedAt: updatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func newTestOracle(store repository.Store, source PriceSource, now time.Time) *RateOracle {
	o := NewRateOracle(store, NewMemoryRateCache(30*time.Second), source,
		RateOracleConfig{StaleAfter: 5 * time.Minute, FetchTimeout: time.Second}, testAudit(), testLogger())
	o.now = func() time.Time { return now }
	return o
}

func TestRateOracle_SeedsDefaults(t *testing.T) {
	store := memory.NewStore()
	src := &countingSource{}
	oracle := newTestOracle(store, src, time.Now())

	table, err := oracle.GetRates(context.Background())
	require.NoError(t, err)
	assert.Len(t, table, len(models.Networks))
	assert.True(t, decimal.NewFromInt(45000).Equal(table[models.NetworkBTC]))
	assert.True(t, decimal.NewFromInt(1).Equal(table[models.NetworkUSDT]))
	assert.Equal(t, int32(0), src.calls.Load())

	rows, err := oracle.ListRates(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, len(models.Networks))
	for _, r := range rows {
		assert.Equal(t, models.RateModeAuto, r.Mode)
	}
}

func TestRateOracle_StalenessWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	fresh := models.RateTable{models.NetworkBTC: decimal.NewFromInt(60000)}

	t.Run("six minutes old triggers exactly one fetch", func(t *testing.T) {
		store := memory.NewStore()
		seedRates(t, store, now.Add(-6*time.Minute), models.RateModeAuto)
		src := &countingSource{rates: fresh}
		oracle := newTestOracle(store, src, now)

		table, err := oracle.GetRates(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), src.calls.Load())
		assert.True(t, decimal.NewFromInt(60000).Equal(table[models.NetworkBTC]))
		assert.True(t, decimal.NewFromInt(3000).Equal(table[models.NetworkETH]))

		_, err = oracle.GetRates(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), src.calls.Load())
	})

	t.Run("two minutes old triggers no fetch", func(t *testing.T) {
		store := memory.NewStore()
		seedRates(t, store, now.Add(-2*time.Minute), models.RateModeAuto)
		src := &countingSource{rates: fresh}
		oracle := newTestOracle(store, src, now)

		table, err := oracle.GetRates(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(0), src.calls.Load())
		assert.True(t, decimal.NewFromInt(45000).Equal(table[models.NetworkBTC]))
	})

	t.Run("any manual rate disables auto refresh", func(t *testing.T) {
		store := memory.NewStore()
		seedRates(t, store, now.Add(-time.Hour), models.RateModeAuto)
		require.NoError(t, store.RunInTx(context.Background(), func(tx repository.Tx) error {
			return tx.UpsertRate(context.Background(), models.ConversionRate{
				Network: models.NetworkSOL, Rate: decimal.NewFromInt(90), Mode: models.RateModeManual, UpdatedAt: now.Add(-time.Hour),
			})
		}))
		src := &countingSource{rates: fresh}
		oracle := newTestOracle(store, src, now)

		_, err := oracle.GetRates(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(0), src.calls.Load())
	})

	t.Run("concurrent readers share one fetch", func(t *testing.T) {
		store := memory.NewStore()
		seedRates(t, store, now.Add(-10*time.Minute), models.RateModeAuto)
		src := &countingSource{rates: fresh, delay: 20 * time.Millisecond}
		oracle := newTestOracle(store, src, now)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := oracle.GetRates(context.Background())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), src.calls.Load())
	})
}

func TestRateOracle_FetchFailureServesPersisted(t *testing.T) {
	now := time.Now()
	store := memory.NewStore()
	seedRates(t, store, now.Add(-time.Hour), models.RateModeAuto)
	src := &countingSource{err: errors.New("connection reset")}
	oracle := newTestOracle(store, src, now)

	table, err := oracle.GetRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.True(t, decimal.NewFromInt(45000).Equal(table[models.NetworkBTC]))

	_, err = oracle.RefreshFromSource(context.Background())
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
}

func TestRateOracle_SetRate(t *testing.T) {
	store := memory.NewStore()
	oracle := newTestOracle(store, &countingSource{}, time.Now())
	ctx := context.Background()

	_, err := oracle.GetRates(ctx)
	require.NoError(t, err)

	row, err := oracle.SetRate(ctx, models.NetworkETH, decimal.NewFromInt(3200), "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.RateModeManual, row.Mode)

	rate, err := oracle.Rate(ctx, models.NetworkETH)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(3200).Equal(rate))

	_, err = oracle.SetRate(ctx, models.NetworkETH, decimal.Zero, "admin-1")
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = oracle.SetRate(ctx, models.Network("DOGE"), decimal.NewFromInt(1), "admin-1")
	assert.Equal(t, KindValidation, KindOf(err))
}

// hookStore runs after once the first transaction it serves has finished.
type hookStore struct {
	repository.Store
	fired atomic.Bool
	after func()
}

func (s *hookStore) RunInTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	err := s.Store.RunInTx(ctx, fn)
	if s.fired.CompareAndSwap(false, true) {
		s.after()
	}
	return err
}

func TestRateOracle_SetRateDuringReadIsNotCachedOver(t *testing.T) {
	inner := memory.NewStore()
	seedRates(t, inner, time.Now(), models.RateModeManual)
	store := &hookStore{Store: inner}
	oracle := newTestOracle(store, &countingSource{}, time.Now())
	ctx := context.Background()

	store.after = func() {
		_, err := oracle.SetRate(ctx, models.NetworkBTC, decimal.NewFromInt(50000), "admin-1")
		require.NoError(t, err)
	}

	// this read loaded its rows before the override committed
	table, err := oracle.GetRates(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(45000).Equal(table[models.NetworkBTC]))

	table, err = oracle.GetRates(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50000).Equal(table[models.NetworkBTC]))
}

func TestRateOracle_RefreshSkipsManual(t *testing.T) {
	now := time.Now()
	store := memory.NewStore()
	seedRates(t, store, now, models.RateModeAuto)
	src := &countingSource{rates: models.RateTable{
		models.NetworkBTC: decimal.NewFromInt(61000),
		models.NetworkETH: decimal.NewFromInt(3500),
	}}
	oracle := newTestOracle(store, src, now)
	ctx := context.Background()

	_, err := oracle.SetRate(ctx, models.NetworkBTC, decimal.NewFromInt(50000), "admin-1")
	require.NoError(t, err)

	table, err := oracle.RefreshFromSource(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50000).Equal(table[models.NetworkBTC]))
	assert.True(t, decimal.NewFromInt(3500).Equal(table[models.NetworkETH]))
	assert.NotContains(t, src.lastRequested(), models.NetworkBTC)

	require.NoError(t, oracle.SetMode(ctx, models.RateModeManual, "admin-1"))
	_, err = oracle.RefreshFromSource(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
}
