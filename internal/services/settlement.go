package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tierrewards/ledger/internal/audit"
	"github.com/tierrewards/ledger/internal/metrics"
	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/repository"
)

// maxBalanceAttempts bounds retries of a settlement that lost the
// optimistic version check on an account balance.
const maxBalanceAttempts = 3

const (
	TriggerWebhook = "webhook"
	TriggerPoll    = "poll"
	TriggerAdmin   = "admin"
	TriggerUser    = "user"
	TriggerSweep   = "sweep"
)

const (
	kindTopup    = "topup"
	kindWithdraw = "withdraw"
	kindTier     = "tier"
)

// Dispatcher is the fire-and-forget notification sink used by settlements.
type Dispatcher interface {
	Notify(event string, accountID int64, payload map[string]any)
}

// effects collects side effects that may only run once the transaction
// has committed.
type effects struct {
	after []func()
}

func (e *effects) onCommit(f func()) { e.after = append(e.after, f) }

func (e *effects) flush() {
	for _, f := range e.after {
		f()
	}
}

// ledgerCore is the shared machinery of the settlement state machines.
type ledgerCore struct {
	store    repository.Store
	audit    *audit.Logger
	notifier Dispatcher
	log      *logrus.Entry
}

// run executes fn in a transaction, retrying balance version conflicts.
// Deferred effects run only for the attempt that committed.
func (c *ledgerCore) run(ctx context.Context, fn func(tx repository.Tx, fx *effects) error) error {
	var err error
	for attempt := 1; attempt <= maxBalanceAttempts; attempt++ {
		fx := &effects{}
		err = c.store.RunInTx(ctx, func(tx repository.Tx) error {
			return fn(tx, fx)
		})
		if err == nil {
			fx.flush()
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		c.log.WithField("attempt", attempt).Warn("balance version conflict, retrying settlement")
	}
	return err
}

// adjustBalance applies delta to the account balance under the row lock.
// The write is re-read and a mismatch is reported as a version conflict so
// the whole settlement is retried.
func (c *ledgerCore) adjustBalance(ctx context.Context, tx repository.Tx, fx *effects, accountID int64, delta decimal.Decimal, reason, reference string) (*models.Account, error) {
	acc, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, notFoundAs(err, "account", accountID)
	}

	before := acc.Balance
	after := before.Add(delta)
	if after.IsNegative() {
		return nil, InsufficientFundsError("balance %s is below required %s", before.StringFixed(2), delta.Neg().StringFixed(2))
	}
	if err := tx.UpdateBalance(ctx, accountID, after, acc.Version); err != nil {
		return nil, err
	}

	check, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !check.Balance.Equal(after) {
		c.log.WithFields(logrus.Fields{
			"account_id": accountID,
			"expected":   after.String(),
			"found":      check.Balance.String(),
		}).Warn("balance drift detected after write")
		c.audit.LogError(reference, accountID, fmt.Errorf("balance drift: expected %s, found %s", after, check.Balance))
		return nil, repository.ErrVersionConflict
	}

	fx.onCommit(func() {
		c.audit.LogBalanceMutation(reference, accountID, reason, delta, before, after)
		metrics.RecordBalanceMutation(reason)
	})
	return check, nil
}

// transition appends the settlement event of a status change and schedules
// its audit line and metric.
func (c *ledgerCore) transition(ctx context.Context, tx repository.Tx, fx *effects, kind, id string, accountID int64, from, to, trigger string, details models.Metadata) error {
	if err := tx.AppendEvent(ctx, models.SettlementEvent{
		RequestID:   id,
		RequestKind: kind,
		FromStatus:  from,
		ToStatus:    to,
		Trigger:     trigger,
		Details:     details,
	}); err != nil {
		return err
	}
	fx.onCommit(func() {
		c.audit.LogTransition(kind, id, accountID, from, to, trigger)
		metrics.RecordSettlement(kind, to, trigger)
	})
	return nil
}

func (c *ledgerCore) notify(fx *effects, event string, accountID int64, payload map[string]any) {
	if c.notifier == nil {
		return
	}
	fx.onCommit(func() { c.notifier.Notify(event, accountID, payload) })
}

// checkOwner enforces that a non-admin caller only touches its own requests.
func checkOwner(owner, caller int64, admin bool) error {
	if admin || owner == caller {
		return nil
	}
	return UnauthorizedError("request belongs to another account")
}
