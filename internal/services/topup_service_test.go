package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/repository"
	"github.com/tierrewards/ledger/internal/repository/memory"
)

const webhookSecret = "hook-secret"

type topupFixture struct {
	store    *memory.Store
	svc      *TopupService
	gateway  *MockPaymentGateway
	notifier *MockDispatcher
	now      time.Time
}

func newTopupFixture(t *testing.T, balance string) *topupFixture {
	t.Helper()
	f := &topupFixture{
		store:    memory.NewStore(),
		gateway:  &MockPaymentGateway{},
		notifier: &MockDispatcher{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return()
	f.store.PutAccount(&models.Account{ID: 7, Balance: dec(balance), Tier: 1})

	f.svc = NewTopupService(f.store, staticRates(DefaultRates), f.gateway, f.notifier, TopupConfig{
		RequiredConfirmations: map[models.Network]int{models.NetworkBTC: 3},
		PaymentTimeout:        60 * time.Minute,
		WebhookSecret:         webhookSecret,
	}, testAudit(), testLogger())
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *topupFixture) insert(t *testing.T, tr *models.TopupRequest) *models.TopupRequest {
	t.Helper()
	if tr.Status == "" {
		tr.Status = models.TopupPending
	}
	if tr.PaymentStatus == "" {
		tr.PaymentStatus = models.PaymentPending
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = f.now
	}
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx repository.Tx) error {
		return tx.InsertTopup(context.Background(), tr)
	}))
	return tr
}

func (f *topupFixture) automated(t *testing.T, id, session string) *models.TopupRequest {
	return f.insert(t, &models.TopupRequest{
		ID:                    id,
		AccountID:             7,
		AmountUSD:             dec("100"),
		Currency:              models.NetworkBTC,
		RequiredConfirmations: 3,
		SessionID:             session,
		PaymentAddress:        "bc1qexample",
	})
}

func (f *topupFixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	var bal decimal.Decimal
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx repository.Tx) error {
		acc, err := tx.GetAccount(context.Background(), 7)
		if err != nil {
			return err
		}
		bal = acc.Balance
		return nil
	}))
	return bal
}

func (f *topupFixture) notified(event string) int {
	n := 0
	for _, c := range f.notifier.Calls {
		if c.Method == "Notify" && c.Arguments.String(0) == event {
			n++
		}
	}
	return n
}

func approvals(events []models.SettlementEvent, id string) int {
	n := 0
	for _, ev := range events {
		if ev.RequestID == id && strings.HasPrefix(ev.ToStatus, string(models.TopupApproved)) {
			n++
		}
	}
	return n
}

func TestTopupService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("manual topup", func(t *testing.T) {
		f := newTopupFixture(t, "0")

		out, err := f.svc.Create(ctx, CreateTopupInput{AccountID: 7, AmountUSD: dec("25"), Currency: "usdt"})
		require.NoError(t, err)
		assert.Equal(t, models.TopupPending, out.Topup.Status)
		assert.Equal(t, models.NetworkUSDT, out.Topup.Currency)
		assert.False(t, out.Topup.Automated())
		assert.Empty(t, out.QRCode)
		f.gateway.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything)
	})

	t.Run("automated topup opens a session", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		expires := f.now.Add(30 * time.Minute)
		f.gateway.On("IsAvailable", mock.Anything).Return(true)
		f.gateway.On("CreateSession", mock.Anything, mock.MatchedBy(func(req CreateSessionRequest) bool {
			return req.UserID == 7 && req.Network == models.NetworkBTC && req.Amount.Equal(dec("0.00222222"))
		})).Return(&PaymentSession{SessionID: "sess-1", Address: "bc1qexample", ExpiresAt: expires}, nil)

		out, err := f.svc.Create(ctx, CreateTopupInput{AccountID: 7, AmountUSD: dec("100"), Currency: models.NetworkBTC, Automated: true})
		require.NoError(t, err)
		assert.Equal(t, "sess-1", out.Topup.SessionID)
		assert.Equal(t, "bc1qexample", out.Topup.PaymentAddress)
		assert.True(t, out.Topup.CryptoAmount.Decimal.Equal(dec("0.00222222")))
		assert.Equal(t, 3, out.Topup.RequiredConfirmations)
		require.NotNil(t, out.Topup.ExpiresAt)
		assert.True(t, out.Topup.ExpiresAt.Equal(expires))
		assert.NotEmpty(t, out.QRCode)
		f.gateway.AssertExpectations(t)
	})

	t.Run("gateway unavailable", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		f.gateway.On("IsAvailable", mock.Anything).Return(false)

		_, err := f.svc.Create(ctx, CreateTopupInput{AccountID: 7, AmountUSD: dec("100"), Currency: models.NetworkBTC, Automated: true})
		assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
	})

	t.Run("invalid input", func(t *testing.T) {
		f := newTopupFixture(t, "0")

		_, err := f.svc.Create(ctx, CreateTopupInput{AccountID: 7, AmountUSD: dec("0"), Currency: models.NetworkBTC})
		assert.Equal(t, KindValidation, KindOf(err))

		_, err = f.svc.Create(ctx, CreateTopupInput{AccountID: 7, AmountUSD: dec("10"), Currency: "DOGE"})
		assert.Equal(t, KindValidation, KindOf(err))

		_, err = f.svc.Create(ctx, CreateTopupInput{AccountID: 99, AmountUSD: dec("10"), Currency: models.NetworkBTC})
		assert.Equal(t, KindNotFound, KindOf(err))
	})
}

func TestTopupService_SettlesExactlyOnceAcrossTriggers(t *testing.T) {
	ctx := context.Background()
	f := newTopupFixture(t, "0")
	tr := f.automated(t, "topup-1", "sess-1")
	f.gateway.On("GetSessionStatus", mock.Anything, "sess-1").
		Return(&SessionStatus{Status: models.PaymentConfirmed, Confirmations: 3, TxHash: "0xabc"}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.HandleWebhook(ctx, WebhookPayload{
				Secret: webhookSecret, SessionID: "sess-1", Confirmations: 3, PaymentStatus: "confirmed", TxHash: "0xabc",
			})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(ctx, 7, tr.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.True(t, f.balance(t).Equal(dec("100")), "balance %s", f.balance(t))
	assert.Equal(t, 1, approvals(f.store.Events(), tr.ID))
	assert.Equal(t, 1, f.notified(EventTopupApproved))

	got, err := f.svc.Get(ctx, 7, false, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TopupApproved, got.Status)
	assert.True(t, got.CreditedAmount.Equal(dec("100")))
	assert.Contains(t, got.Note, "0xabc")
}

func TestTopupService_ApplyPaymentUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmations accumulate until required", func(t *testing.T) {
		f := newTopupFixture(t, "10")
		tr := f.automated(t, "topup-1", "sess-1")

		got, err := f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{Confirmations: 1}, TriggerWebhook)
		require.NoError(t, err)
		assert.Equal(t, models.TopupPending, got.Status)
		assert.Equal(t, models.PaymentConfirming, got.PaymentStatus)
		assert.True(t, f.balance(t).Equal(dec("10")))

		got, err = f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{Confirmations: 0, Status: models.PaymentDetected}, TriggerPoll)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Confirmations)
		assert.Equal(t, models.PaymentConfirming, got.PaymentStatus)

		got, err = f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{Confirmations: 3, TxHash: "0xdef"}, TriggerWebhook)
		require.NoError(t, err)
		assert.Equal(t, models.TopupApproved, got.Status)
		assert.Equal(t, models.PaymentConfirmed, got.PaymentStatus)
		assert.True(t, f.balance(t).Equal(dec("110")))

		got, err = f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{Status: models.PaymentCompleted, Confirmations: 6}, TriggerPoll)
		require.NoError(t, err)
		assert.Equal(t, models.TopupApproved, got.Status)
		assert.True(t, f.balance(t).Equal(dec("110")))
	})

	t.Run("received amount is credited when reported", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")

		got, err := f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{Status: models.PaymentCompleted, ReceivedUSD: dec("98.5")}, TriggerPoll)
		require.NoError(t, err)
		assert.True(t, got.CreditedAmount.Equal(dec("98.5")))
		assert.True(t, f.balance(t).Equal(dec("98.5")))
	})

	t.Run("unknown topup", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		_, err := f.svc.ApplyPaymentUpdate(ctx, "missing", PaymentUpdate{Confirmations: 3}, TriggerPoll)
		assert.Equal(t, KindNotFound, KindOf(err))
	})
}

func TestTopupService_HandleWebhook(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects a bad secret", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		f.automated(t, "topup-1", "sess-1")

		_, err := f.svc.HandleWebhook(ctx, WebhookPayload{Secret: "nope", SessionID: "sess-1", Confirmations: 3})
		assert.Equal(t, KindUnauthorized, KindOf(err))
		assert.True(t, f.balance(t).IsZero())
	})

	t.Run("rejects everything without a configured secret", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		f.svc.cfg.WebhookSecret = ""

		_, err := f.svc.HandleWebhook(ctx, WebhookPayload{Secret: "", SessionID: "sess-1"})
		assert.Equal(t, KindUnauthorized, KindOf(err))
	})

	t.Run("falls back to the latest pending topup of the user", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		f.insert(t, &models.TopupRequest{
			ID: "old", AccountID: 7, AmountUSD: dec("50"), Currency: models.NetworkETH,
			RequiredConfirmations: 12, CreatedAt: f.now.Add(-time.Hour),
		})
		f.insert(t, &models.TopupRequest{
			ID: "new", AccountID: 7, AmountUSD: dec("60"), Currency: models.NetworkETH, RequiredConfirmations: 12,
		})

		got, err := f.svc.HandleWebhook(ctx, WebhookPayload{
			Secret: webhookSecret, UserID: 7, Network: "eth", PaymentStatus: "COMPLETED", Amount: dec("0.02"),
		})
		require.NoError(t, err)
		assert.Equal(t, "new", got.ID)
		assert.Equal(t, models.TopupApproved, got.Status)
		// 0.02 ETH at 3000
		assert.True(t, got.CreditedAmount.Equal(dec("60")))
	})

	t.Run("prefers the reported usd amount", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		f.automated(t, "topup-1", "sess-1")

		got, err := f.svc.HandleWebhook(ctx, WebhookPayload{
			Secret: webhookSecret, SessionID: "sess-1", PaymentStatus: "confirmed", Amount: dec("1"), AmountUSD: dec("99"),
		})
		require.NoError(t, err)
		assert.True(t, got.CreditedAmount.Equal(dec("99")))
	})

	t.Run("invalid payloads", func(t *testing.T) {
		f := newTopupFixture(t, "0")

		_, err := f.svc.HandleWebhook(ctx, WebhookPayload{Secret: webhookSecret, SessionID: "sess-1", PaymentStatus: "lost"})
		assert.Equal(t, KindValidation, KindOf(err))

		_, err = f.svc.HandleWebhook(ctx, WebhookPayload{Secret: webhookSecret})
		assert.Equal(t, KindValidation, KindOf(err))

		_, err = f.svc.HandleWebhook(ctx, WebhookPayload{Secret: webhookSecret, SessionID: "unknown"})
		assert.Equal(t, KindNotFound, KindOf(err))
	})
}

func TestTopupService_Timeout(t *testing.T) {
	ctx := context.Background()

	t.Run("poll expires a stale payment", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")
		f.gateway.On("GetSessionStatus", mock.Anything, "sess-1").
			Return(&SessionStatus{Status: models.PaymentPending}, nil)
		f.now = f.now.Add(61 * time.Minute)

		got, err := f.svc.Refresh(ctx, 7, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TopupPending, got.Status)
		assert.Equal(t, models.PaymentExpired, got.PaymentStatus)
		assert.Equal(t, 1, f.notified(EventTopupExpired))
	})

	t.Run("gateway failure still applies the timeout", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")
		f.gateway.On("GetSessionStatus", mock.Anything, "sess-1").Return(nil, UpstreamError(errors.New("dial tcp"), "get session"))
		f.now = f.now.Add(61 * time.Minute)

		got, err := f.svc.Refresh(ctx, 7, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentExpired, got.PaymentStatus)
	})

	t.Run("gateway failure before the timeout is reported", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")
		f.gateway.On("GetSessionStatus", mock.Anything, "sess-1").Return(nil, UpstreamError(errors.New("dial tcp"), "get session"))
		f.now = f.now.Add(10 * time.Minute)

		_, err := f.svc.Refresh(ctx, 7, tr.ID)
		assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
	})

	t.Run("a payment with confirmations never expires", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")
		f.gateway.On("GetSessionStatus", mock.Anything, "sess-1").
			Return(&SessionStatus{Status: models.PaymentConfirming, Confirmations: 1}, nil)
		f.now = f.now.Add(2 * time.Hour)

		got, err := f.svc.Refresh(ctx, 7, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentConfirming, got.PaymentStatus)
	})

	t.Run("sweep expires only stale payments", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		f.insert(t, &models.TopupRequest{ID: "stale", AccountID: 7, AmountUSD: dec("5"), Currency: models.NetworkUSDT, CreatedAt: f.now.Add(-2 * time.Hour)})
		f.insert(t, &models.TopupRequest{ID: "fresh", AccountID: 7, AmountUSD: dec("5"), Currency: models.NetworkUSDT, CreatedAt: f.now.Add(-5 * time.Minute)})

		n, err := f.svc.ExpireStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stale, err := f.svc.Get(ctx, 0, true, "stale")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentExpired, stale.PaymentStatus)
		fresh, err := f.svc.Get(ctx, 0, true, "fresh")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentPending, fresh.PaymentStatus)
	})

	t.Run("a late confirmation still settles an expired payment", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")
		f.now = f.now.Add(2 * time.Hour)
		_, err := f.svc.ExpireStale(ctx)
		require.NoError(t, err)

		got, err := f.svc.HandleWebhook(ctx, WebhookPayload{Secret: webhookSecret, SessionID: "sess-1", Confirmations: 3})
		require.NoError(t, err)
		assert.Equal(t, tr.ID, got.ID)
		assert.Equal(t, models.TopupApproved, got.Status)
		assert.True(t, f.balance(t).Equal(dec("100")))
	})
}

func TestTopupService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels a pending payment", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")
		f.gateway.On("CancelSession", mock.Anything, "sess-1").Return(nil)

		got, err := f.svc.Cancel(ctx, 7, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TopupRejected, got.Status)
		assert.Equal(t, models.PaymentExpired, got.PaymentStatus)
		f.gateway.AssertExpectations(t)
	})

	t.Run("gateway cancel failure alerts an admin", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")
		f.gateway.On("CancelSession", mock.Anything, "sess-1").Return(errors.New("timeout"))

		got, err := f.svc.Cancel(ctx, 7, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TopupRejected, got.Status)
		assert.Equal(t, 1, f.notified(EventAdminTopupCancelFailed))
	})

	t.Run("refuses once the payment was seen", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")
		_, err := f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{Status: models.PaymentDetected}, TriggerWebhook)
		require.NoError(t, err)

		_, err = f.svc.Cancel(ctx, 7, tr.ID)
		assert.Equal(t, KindConflict, KindOf(err))
		f.gateway.AssertNotCalled(t, "CancelSession", mock.Anything, mock.Anything)
	})

	t.Run("refuses another account", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")

		_, err := f.svc.Cancel(ctx, 8, tr.ID)
		assert.Equal(t, KindUnauthorized, KindOf(err))
	})
}

func TestTopupService_AdminReview(t *testing.T) {
	ctx := context.Background()

	t.Run("approve credits the confirmed amount once", func(t *testing.T) {
		f := newTopupFixture(t, "1")
		tr := f.insert(t, &models.TopupRequest{ID: "manual", AccountID: 7, AmountUSD: dec("40"), Currency: models.NetworkUSDT})

		got, err := f.svc.AdminApprove(ctx, tr.ID, decimal.NewNullDecimal(dec("35")), "alice")
		require.NoError(t, err)
		assert.Equal(t, models.TopupApproved, got.Status)
		assert.True(t, got.CreditedAmount.Equal(dec("35")))
		assert.True(t, f.balance(t).Equal(dec("36")))

		_, err = f.svc.AdminApprove(ctx, tr.ID, decimal.NullDecimal{}, "alice")
		assert.Equal(t, KindConflict, KindOf(err))
		assert.True(t, f.balance(t).Equal(dec("36")))
	})

	t.Run("approve defaults to the requested amount", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.insert(t, &models.TopupRequest{ID: "manual", AccountID: 7, AmountUSD: dec("40"), Currency: models.NetworkUSDT})

		_, err := f.svc.AdminApprove(ctx, tr.ID, decimal.NullDecimal{}, "alice")
		require.NoError(t, err)
		assert.True(t, f.balance(t).Equal(dec("40")))
	})

	t.Run("reject leaves the balance alone", func(t *testing.T) {
		f := newTopupFixture(t, "5")
		tr := f.insert(t, &models.TopupRequest{ID: "manual", AccountID: 7, AmountUSD: dec("40"), Currency: models.NetworkUSDT})

		got, err := f.svc.AdminReject(ctx, tr.ID, "no proof", "alice")
		require.NoError(t, err)
		assert.Equal(t, models.TopupRejected, got.Status)
		assert.True(t, f.balance(t).Equal(dec("5")))
		assert.Equal(t, 1, f.notified(EventTopupRejected))

		_, err = f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{Confirmations: 10}, TriggerWebhook)
		require.NoError(t, err)
		assert.True(t, f.balance(t).Equal(dec("5")))
	})
}

func TestTopupService_GatewayFailureAfterDetection(t *testing.T) {
	ctx := context.Background()

	t.Run("failed webhook after detected sticks", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		f.automated(t, "topup-1", "sess-1")

		_, err := f.svc.HandleWebhook(ctx, WebhookPayload{Secret: webhookSecret, SessionID: "sess-1", PaymentStatus: "detected"})
		require.NoError(t, err)
		got, err := f.svc.HandleWebhook(ctx, WebhookPayload{Secret: webhookSecret, SessionID: "sess-1", PaymentStatus: "failed"})
		require.NoError(t, err)

		assert.Equal(t, models.TopupPending, got.Status)
		assert.Equal(t, models.PaymentFailed, got.PaymentStatus)
		assert.True(t, f.balance(t).IsZero())
	})

	t.Run("expired report after confirmations sticks", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")

		_, err := f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{Status: models.PaymentConfirming, Confirmations: 1}, TriggerPoll)
		require.NoError(t, err)
		got, err := f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{Status: models.PaymentExpired}, TriggerWebhook)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentExpired, got.PaymentStatus)
		assert.Equal(t, 1, got.Confirmations)

		// a repeated poll carrying no news leaves the verdict alone
		got, err = f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{}, TriggerPoll)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentExpired, got.PaymentStatus)
		assert.True(t, f.balance(t).IsZero())
	})

	t.Run("the user can cancel a failed payment", func(t *testing.T) {
		f := newTopupFixture(t, "0")
		tr := f.automated(t, "topup-1", "sess-1")
		f.gateway.On("CancelSession", mock.Anything, "sess-1").Return(nil)

		_, err := f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{Status: models.PaymentDetected}, TriggerWebhook)
		require.NoError(t, err)
		_, err = f.svc.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{Status: models.PaymentFailed}, TriggerWebhook)
		require.NoError(t, err)

		got, err := f.svc.Cancel(ctx, 7, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TopupRejected, got.Status)
		assert.Equal(t, models.PaymentFailed, got.PaymentStatus)
	})
}

func TestMergePaymentStatus(t *testing.T) {
	tests := []struct {
		name          string
		cur, reported models.PaymentStatus
		confirmations int
		want          models.PaymentStatus
	}{
		{"no news", models.PaymentPending, "", 0, models.PaymentPending},
		{"forward", models.PaymentPending, models.PaymentDetected, 0, models.PaymentDetected},
		{"no regression", models.PaymentConfirming, models.PaymentDetected, 1, models.PaymentConfirming},
		{"confirmations imply confirming", models.PaymentDetected, "", 2, models.PaymentConfirming},
		{"expired from pending", models.PaymentPending, models.PaymentExpired, 0, models.PaymentExpired},
		{"failed ends a detected payment", models.PaymentDetected, models.PaymentFailed, 0, models.PaymentFailed},
		{"expired ends a confirming payment", models.PaymentConfirming, models.PaymentExpired, 1, models.PaymentExpired},
		{"failed does not undo a settled payment", models.PaymentConfirmed, models.PaymentFailed, 0, models.PaymentConfirmed},
		{"evidence supersedes expired", models.PaymentExpired, models.PaymentConfirmed, 0, models.PaymentConfirmed},
		{"new confirmations supersede failed", models.PaymentFailed, "", 1, models.PaymentConfirming},
		{"failed stays without new evidence", models.PaymentFailed, "", 0, models.PaymentFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergePaymentStatus(tt.cur, tt.reported, tt.confirmations))
		})
	}
}
