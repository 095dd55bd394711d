package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tierrewards/ledger/internal/audit"
	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/repository"
)

type WithdrawConfig struct {
	// DeductPrincipalOnCompletion charges the principal a second time when
	// the user confirms an external-wallet transfer.
	DeductPrincipalOnCompletion bool
}

type DirectWithdrawInput struct {
	AccountID int64
	Amount    decimal.Decimal
	Wallet    string
}

type RewardWithdrawInput struct {
	AccountID    int64
	Level        int
	Networks     []models.Network
	Amount       decimal.Decimal
	Wallet       string
	AddToBalance bool
}

type ApproveWithdrawInput struct {
	ConfirmedWallet string
	ConfirmedAmount decimal.NullDecimal
	Reviewer        string
}

// WithdrawService drives the withdrawal state machine for direct balance
// withdrawals and network-reward withdrawals.
type WithdrawService struct {
	core  ledgerCore
	rates RateProvider
	cfg   WithdrawConfig
	now   func() time.Time
}

func NewWithdrawService(store repository.Store, rates RateProvider, notifier Dispatcher, cfg WithdrawConfig, auditLog *audit.Logger, log *logrus.Entry) *WithdrawService {
	return &WithdrawService{
		core: ledgerCore{
			store:    store,
			audit:    auditLog,
			notifier: notifier,
			log:      log.WithField("component", "withdraw"),
		},
		rates: rates,
		cfg:   cfg,
		now:   time.Now,
	}
}

// CreateDirect records a direct balance withdrawal. The balance is checked
// now and debited on approval.
func (s *WithdrawService) CreateDirect(ctx context.Context, in DirectWithdrawInput) (*models.WithdrawRequest, error) {
	if !in.Amount.IsPositive() {
		return nil, ValidationError("amount must be positive")
	}

	wr := &models.WithdrawRequest{
		ID:         uuid.NewString(),
		AccountID:  in.AccountID,
		Amount:     in.Amount,
		Wallet:     strings.TrimSpace(in.Wallet),
		Commission: decimal.Zero,
		RewardUSD:  decimal.Zero,
		IsDirect:   true,
		Status:     models.WithdrawPending,
		CreatedAt:  s.now(),
	}

	err := s.core.run(ctx, func(tx repository.Tx, fx *effects) error {
		acc, err := tx.LockAccount(ctx, in.AccountID)
		if err != nil {
			return notFoundAs(err, "account", in.AccountID)
		}
		if acc.Balance.LessThan(in.Amount) {
			return InsufficientFundsError("balance %s is below %s", acc.Balance.StringFixed(2), in.Amount.StringFixed(2))
		}
		if err := tx.InsertWithdraw(ctx, wr); err != nil {
			return err
		}
		if err := s.core.transition(ctx, tx, fx, kindWithdraw, wr.ID, wr.AccountID, "", string(wr.Status), TriggerUser, nil); err != nil {
			return err
		}
		s.core.notify(fx, EventWithdrawCreated, wr.AccountID, withdrawPayload(wr))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wr, nil
}

// CreateReward withdraws the rewards of the given networks for a completed
// level. The commission is debited immediately and is never refunded. With
// AddToBalance the reward value is credited in the same transaction and the
// request is approved on creation.
func (s *WithdrawService) CreateReward(ctx context.Context, in RewardWithdrawInput) (*models.WithdrawRequest, error) {
	if !models.ValidLevel(in.Level) {
		return nil, ValidationError("level must be between %d and %d", models.MinLevel, models.MaxLevel)
	}
	networks, err := uniqueNetworks(in.Networks)
	if err != nil {
		return nil, err
	}
	wallet := strings.TrimSpace(in.Wallet)
	if !in.AddToBalance {
		if wallet == "" {
			return nil, ValidationError("wallet is required")
		}
		if !in.Amount.IsPositive() {
			return nil, ValidationError("amount must be positive")
		}
	}

	rates, err := s.rates.GetRates(ctx)
	if err != nil {
		return nil, err
	}

	var wr *models.WithdrawRequest
	err = s.core.run(ctx, func(tx repository.Tx, fx *effects) error {
		acc, err := tx.LockAccount(ctx, in.AccountID)
		if err != nil {
			return notFoundAs(err, "account", in.AccountID)
		}
		if st, ok := acc.Levels[in.Level]; !ok || !st.Completed {
			return ConflictError("level %d is not completed", in.Level)
		}

		rewards, err := effectiveRewardsTx(ctx, tx, acc, in.Level)
		if err != nil {
			return err
		}
		selected := make(models.RewardSet, len(networks))
		for _, n := range networks {
			if !rewards[n].IsPositive() {
				return ValidationError("no %s reward for level %d", n, in.Level)
			}
			selected[n] = rewards[n]
		}

		existing, err := tx.ListWithdrawsForLevel(ctx, in.AccountID, in.Level)
		if err != nil {
			return err
		}
		for _, w := range existing {
			if w.Status == models.WithdrawRejected {
				continue
			}
			if w.Status == models.WithdrawPending {
				return ConflictError("a withdrawal for level %d is already pending", in.Level)
			}
			for _, n := range networks {
				if _, ok := w.Networks[n]; ok {
					return ConflictError("%s reward for level %d was already withdrawn", n, in.Level)
				}
			}
		}

		commission, usdValue, err := ComputeCommission(acc, networks, rewards, rates)
		if err != nil {
			return err
		}

		wr = &models.WithdrawRequest{
			ID:           uuid.NewString(),
			AccountID:    in.AccountID,
			Amount:       in.Amount,
			Wallet:       wallet,
			Networks:     selected,
			Level:        in.Level,
			Commission:   commission,
			RewardUSD:    usdValue,
			AddToBalance: in.AddToBalance,
			Status:       models.WithdrawPending,
			CreatedAt:    s.now(),
		}
		if in.AddToBalance {
			wr.Amount = usdValue
			wr.Status = models.WithdrawApproved
			processed := wr.CreatedAt
			wr.ProcessedAt = &processed
		}

		if commission.IsPositive() {
			if _, err := s.core.adjustBalance(ctx, tx, fx, acc.ID, commission.Neg(), "COMMISSION", wr.ID); err != nil {
				return err
			}
		}
		if in.AddToBalance && usdValue.IsPositive() {
			if _, err := s.core.adjustBalance(ctx, tx, fx, acc.ID, usdValue, "REWARD_CREDIT", wr.ID); err != nil {
				return err
			}
		}

		if err := tx.InsertWithdraw(ctx, wr); err != nil {
			return err
		}
		if err := s.core.transition(ctx, tx, fx, kindWithdraw, wr.ID, wr.AccountID, "", string(wr.Status), TriggerUser, models.Metadata{
			"commission": commission.String(),
			"reward_usd": usdValue.String(),
		}); err != nil {
			return err
		}

		event := EventWithdrawCreated
		if in.AddToBalance {
			event = EventWithdrawApproved
		}
		s.core.notify(fx, event, wr.AccountID, withdrawPayload(wr))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.core.log.WithFields(logrus.Fields{
		"withdraw_id": wr.ID,
		"account_id":  wr.AccountID,
		"level":       wr.Level,
		"commission":  wr.Commission.String(),
	}).Info("reward withdrawal created")
	return wr, nil
}

func (s *WithdrawService) Get(ctx context.Context, callerID int64, admin bool, id string) (*models.WithdrawRequest, error) {
	var wr *models.WithdrawRequest
	err := s.core.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		wr, err = tx.GetWithdraw(ctx, id)
		if err != nil {
			return notFoundAs(err, "withdrawal", id)
		}
		return checkOwner(wr.AccountID, callerID, admin)
	})
	return wr, err
}

func (s *WithdrawService) List(ctx context.Context, accountID int64) ([]*models.WithdrawRequest, error) {
	var out []*models.WithdrawRequest
	err := s.core.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.ListWithdraws(ctx, accountID)
		return err
	})
	return out, err
}

// AdminApprove approves a pending withdrawal and debits its principal.
// External-wallet withdrawals need the wallet and amount the admin confirmed.
func (s *WithdrawService) AdminApprove(ctx context.Context, id string, in ApproveWithdrawInput) (*models.WithdrawRequest, error) {
	return s.settle(ctx, id, models.WithdrawPending, TriggerAdmin, func(tx repository.Tx, fx *effects, cur, next *models.WithdrawRequest) error {
		if cur.ToExternalWallet() {
			if strings.TrimSpace(in.ConfirmedWallet) == "" || !in.ConfirmedAmount.Valid {
				return ValidationError("confirmed wallet and amount are required")
			}
			if !in.ConfirmedAmount.Decimal.IsPositive() {
				return ValidationError("confirmed amount must be positive")
			}
			next.ConfirmedWallet = strings.TrimSpace(in.ConfirmedWallet)
			next.ConfirmedAmount = in.ConfirmedAmount
		}
		if _, err := s.core.adjustBalance(ctx, tx, fx, cur.AccountID, cur.Amount.Neg(), "WITHDRAW_PRINCIPAL", cur.ID); err != nil {
			return err
		}

		processed := s.now()
		next.Status = models.WithdrawApproved
		next.Reviewer = in.Reviewer
		next.ProcessedAt = &processed
		s.core.notify(fx, EventWithdrawApproved, cur.AccountID, withdrawPayload(next))
		return nil
	})
}

// AdminReject is terminal. A commission charged at creation stays charged.
func (s *WithdrawService) AdminReject(ctx context.Context, id, reason, reviewer string) (*models.WithdrawRequest, error) {
	return s.settle(ctx, id, models.WithdrawPending, TriggerAdmin, func(_ repository.Tx, fx *effects, cur, next *models.WithdrawRequest) error {
		processed := s.now()
		next.Status = models.WithdrawRejected
		next.Reviewer = reviewer
		next.Note = reason
		next.ProcessedAt = &processed
		s.core.notify(fx, EventWithdrawRejected, cur.AccountID, withdrawPayload(next))
		return nil
	})
}

// Complete records that the user sent the external transfer the admin
// confirmed.
func (s *WithdrawService) Complete(ctx context.Context, callerID int64, id string) (*models.WithdrawRequest, error) {
	return s.settle(ctx, id, models.WithdrawApproved, TriggerUser, func(tx repository.Tx, fx *effects, cur, next *models.WithdrawRequest) error {
		if err := checkOwner(cur.AccountID, callerID, false); err != nil {
			return err
		}
		if !cur.ToExternalWallet() {
			return ConflictError("only external wallet withdrawals can be completed")
		}

		if s.cfg.DeductPrincipalOnCompletion {
			if _, err := s.core.adjustBalance(ctx, tx, fx, cur.AccountID, cur.Amount.Neg(), "WITHDRAW_COMPLETION", cur.ID); err != nil {
				return err
			}
		} else {
			acc, err := tx.LockAccount(ctx, cur.AccountID)
			if err != nil {
				return notFoundAs(err, "account", cur.AccountID)
			}
			if acc.Balance.LessThan(cur.Amount) {
				return InsufficientFundsError("balance %s is below %s", acc.Balance.StringFixed(2), cur.Amount.StringFixed(2))
			}
		}

		completed := s.now()
		next.Status = models.WithdrawCompleted
		next.CompletedAt = &completed
		s.core.notify(fx, EventWithdrawCompleted, cur.AccountID, withdrawPayload(next))
		return nil
	})
}

// settle locks the request, checks it is still in expected, lets mutate
// fill in the next state and writes it conditionally.
func (s *WithdrawService) settle(ctx context.Context, id string, expected models.WithdrawStatus, trigger string,
	mutate func(tx repository.Tx, fx *effects, cur, next *models.WithdrawRequest) error) (*models.WithdrawRequest, error) {
	var result *models.WithdrawRequest
	err := s.core.run(ctx, func(tx repository.Tx, fx *effects) error {
		cur, err := tx.LockWithdraw(ctx, id)
		if err != nil {
			return notFoundAs(err, "withdrawal", id)
		}
		if cur.Status != expected {
			return ConflictError("withdrawal is %s, expected %s", cur.Status, expected)
		}

		next := cur.Clone()
		if err := mutate(tx, fx, cur, next); err != nil {
			return err
		}
		if err := tx.UpdateWithdraw(ctx, next, expected); err != nil {
			return err
		}
		result = next
		return s.core.transition(ctx, tx, fx, kindWithdraw, cur.ID, cur.AccountID, string(cur.Status), string(next.Status), trigger, nil)
	})
	if errors.Is(err, repository.ErrStaleState) {
		return nil, ConflictError("withdrawal changed concurrently")
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func uniqueNetworks(in []models.Network) ([]models.Network, error) {
	if len(in) == 0 {
		return nil, ValidationError("at least one network is required")
	}
	seen := make(map[models.Network]bool, len(in))
	var out []models.Network
	for _, raw := range in {
		n, ok := models.ParseNetwork(string(raw))
		if !ok {
			return nil, ValidationError("unsupported network %q", raw)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

func withdrawPayload(w *models.WithdrawRequest) map[string]any {
	return map[string]any{
		"withdraw_id": w.ID,
		"amount":      w.Amount.String(),
		"commission":  w.Commission.String(),
		"status":      string(w.Status),
	}
}
