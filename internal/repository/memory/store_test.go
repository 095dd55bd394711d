package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/repository"
)

func TestStore_RollbackRestoresState(t *testing.T) {
	store := NewStore()
	store.PutAccount(&models.Account{ID: 1, Balance: decimal.NewFromInt(100), Tier: 1})
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.LockAccount(ctx, 1)
		if err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, 1, decimal.NewFromInt(10), acc.Version); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, models.SettlementEvent{RequestID: "x"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_ = store.RunInTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.GetAccount(ctx, 1)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(100).Equal(acc.Balance))
		assert.Equal(t, 1, acc.Version)
		return nil
	})
	assert.Empty(t, store.Events())
}

func TestStore_UpdateBalanceVersion(t *testing.T) {
	store := NewStore()
	store.PutAccount(&models.Account{ID: 1, Balance: decimal.NewFromInt(5)})
	ctx := context.Background()

	err := store.RunInTx(ctx, func(tx repository.Tx) error {
		if err := tx.UpdateBalance(ctx, 1, decimal.NewFromInt(6), 1); err != nil {
			return err
		}
		return tx.UpdateBalance(ctx, 1, decimal.NewFromInt(7), 1)
	})
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
}

func TestStore_ReadsAreCopies(t *testing.T) {
	store := NewStore()
	store.PutAccount(&models.Account{ID: 1})
	ctx := context.Background()

	_ = store.RunInTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.GetAccount(ctx, 1)
		require.NoError(t, err)
		acc.Level(1).Rewards[models.NetworkBTC] = decimal.NewFromInt(1)
		acc.Balance = decimal.NewFromInt(1000)
		return nil
	})

	_ = store.RunInTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.GetAccount(ctx, 1)
		require.NoError(t, err)
		assert.True(t, acc.Balance.IsZero())
		assert.Empty(t, acc.Levels)
		return nil
	})
}

func TestStore_TopupConditionalUpdate(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	tr := &models.TopupRequest{
		ID: "tp-1", AccountID: 1, Currency: models.NetworkBTC,
		Status: models.TopupPending, PaymentStatus: models.PaymentPending,
		SessionID: "sess-1", CreatedAt: now,
	}
	require.NoError(t, store.RunInTx(ctx, func(tx repository.Tx) error {
		return tx.InsertTopup(ctx, tr)
	}))

	t.Run("payment status guard", func(t *testing.T) {
		err := store.RunInTx(ctx, func(tx repository.Tx) error {
			upd := tr.Clone()
			upd.Status = models.TopupRejected
			return tx.UpdateTopup(ctx, upd, models.TopupPending, models.PaymentDetected)
		})
		assert.ErrorIs(t, err, repository.ErrStaleState)
	})

	t.Run("wins once", func(t *testing.T) {
		upd := tr.Clone()
		upd.Status = models.TopupApproved
		first := store.RunInTx(ctx, func(tx repository.Tx) error {
			return tx.UpdateTopup(ctx, upd, models.TopupPending, "")
		})
		second := store.RunInTx(ctx, func(tx repository.Tx) error {
			return tx.UpdateTopup(ctx, upd, models.TopupPending, "")
		})
		assert.NoError(t, first)
		assert.ErrorIs(t, second, repository.ErrStaleState)
	})

	t.Run("lookup by session", func(t *testing.T) {
		_ = store.RunInTx(ctx, func(tx repository.Tx) error {
			got, err := tx.FindTopupBySession(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, models.TopupApproved, got.Status)
			_, err = tx.FindTopupBySession(ctx, "")
			assert.ErrorIs(t, err, repository.ErrNotFound)
			return nil
		})
	})
}

func TestStore_ListExpirableTopups(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	seed := []*models.TopupRequest{
		{ID: "old", Status: models.TopupPending, PaymentStatus: models.PaymentPending, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "seen", Status: models.TopupPending, PaymentStatus: models.PaymentDetected, Confirmations: 1, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "fresh", Status: models.TopupPending, PaymentStatus: models.PaymentPending, CreatedAt: now},
	}
	require.NoError(t, store.RunInTx(ctx, func(tx repository.Tx) error {
		for _, tr := range seed {
			if err := tx.InsertTopup(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	}))

	_ = store.RunInTx(ctx, func(tx repository.Tx) error {
		got, err := tx.ListExpirableTopups(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "old", got[0].ID)
		return nil
	})
}
