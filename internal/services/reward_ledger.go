package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tierrewards/ledger/internal/audit"
	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/repository"
)

// RateProvider supplies the current USD rate table.
type RateProvider interface {
	GetRates(ctx context.Context) (models.RateTable, error)
}

// NetworkAmount is one line of a USD conversion.
type NetworkAmount struct {
	Network models.Network  `json:"network"`
	Amount  decimal.Decimal `json:"amount"`
	Rate    decimal.Decimal `json:"rate"`
	USD     decimal.Decimal `json:"usd"`
}

// Conversion is the USD value of a reward set with its per-network breakdown.
type Conversion struct {
	TotalUSD  decimal.Decimal `json:"total_usd"`
	Breakdown []NetworkAmount `json:"breakdown"`
}

// LevelSummary is the effective reward picture of one account level.
type LevelSummary struct {
	Level             int              `json:"level"`
	Rewards           models.RewardSet `json:"rewards"`
	Conversion        Conversion       `json:"conversion"`
	CommissionPercent decimal.Decimal  `json:"commission_percent"`
	Completed         bool             `json:"completed"`
}

// EffectiveRewards resolves the reward of every network for level: the
// account override when positive, else the active default, else zero.
func EffectiveRewards(acc *models.Account, level int, defaults map[models.Network]models.DefaultReward) models.RewardSet {
	var overrides models.RewardSet
	if st, ok := acc.Levels[level]; ok {
		overrides = st.Rewards
	}

	out := make(models.RewardSet, len(models.Networks))
	for _, n := range models.Networks {
		amount := decimal.Zero
		if v, ok := overrides[n]; ok && v.IsPositive() {
			amount = v
		} else if d, ok := defaults[n]; ok && d.Active && d.Amount.IsPositive() {
			amount = d.Amount
		}
		out[n] = amount
	}
	return out
}

// ConvertWithRates values set in USD. Networks without a rate contribute zero.
func ConvertWithRates(set models.RewardSet, rates models.RateTable) Conversion {
	conv := Conversion{TotalUSD: decimal.Zero}
	for _, n := range set.Networks() {
		amount := set[n]
		rate := rates[n]
		usd := amount.Mul(rate)
		conv.Breakdown = append(conv.Breakdown, NetworkAmount{Network: n, Amount: amount, Rate: rate, USD: usd})
		conv.TotalUSD = conv.TotalUSD.Add(usd)
	}
	return conv
}

// RewardLedger manages per-account level rewards and their USD value.
type RewardLedger struct {
	store repository.Store
	rates RateProvider
	audit *audit.Logger
	log   *logrus.Entry
	now   func() time.Time
}

func NewRewardLedger(store repository.Store, rates RateProvider, auditLog *audit.Logger, log *logrus.Entry) *RewardLedger {
	return &RewardLedger{
		store: store,
		rates: rates,
		audit: auditLog,
		log:   log.WithField("component", "reward_ledger"),
		now:   time.Now,
	}
}

// CreateAccount provisions the ledger view of an identity account.
func (l *RewardLedger) CreateAccount(ctx context.Context, id int64) (*models.Account, error) {
	if id <= 0 {
		return nil, ValidationError("account id must be positive")
	}
	var acc *models.Account
	err := l.store.RunInTx(ctx, func(tx repository.Tx) error {
		if err := tx.CreateAccount(ctx, id); err != nil {
			return err
		}
		var err error
		acc, err = tx.GetAccount(ctx, id)
		return err
	})
	return acc, err
}

func (l *RewardLedger) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	var acc *models.Account
	err := l.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		acc, err = tx.GetAccount(ctx, id)
		return notFoundAs(err, "account", id)
	})
	return acc, err
}

func (l *RewardLedger) GetEffectiveRewards(ctx context.Context, accountID int64, level int) (models.RewardSet, error) {
	if !models.ValidLevel(level) {
		return nil, ValidationError("level must be between %d and %d", models.MinLevel, models.MaxLevel)
	}
	var set models.RewardSet
	err := l.store.RunInTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return notFoundAs(err, "account", accountID)
		}
		set, err = effectiveRewardsTx(ctx, tx, acc, level)
		return err
	})
	return set, err
}

func (l *RewardLedger) ToUSD(ctx context.Context, set models.RewardSet) (Conversion, error) {
	rates, err := l.rates.GetRates(ctx)
	if err != nil {
		return Conversion{}, err
	}
	return ConvertWithRates(set, rates), nil
}

// LevelSummary returns the effective rewards of level with their USD value.
func (l *RewardLedger) LevelSummary(ctx context.Context, accountID int64, level int) (*LevelSummary, error) {
	rates, err := l.rates.GetRates(ctx)
	if err != nil {
		return nil, err
	}
	if !models.ValidLevel(level) {
		return nil, ValidationError("level must be between %d and %d", models.MinLevel, models.MaxLevel)
	}

	var summary *LevelSummary
	err = l.store.RunInTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return notFoundAs(err, "account", accountID)
		}
		set, err := effectiveRewardsTx(ctx, tx, acc, level)
		if err != nil {
			return err
		}
		st := acc.Level(level)
		summary = &LevelSummary{
			Level:             level,
			Rewards:           set,
			Conversion:        ConvertWithRates(set, rates),
			CommissionPercent: st.CommissionPercent,
			Completed:         st.Completed,
		}
		return nil
	})
	return summary, err
}

// SetLevelReward writes a per-account override and recomputes the cached
// USD total of the level in the same transaction.
func (l *RewardLedger) SetLevelReward(ctx context.Context, accountID int64, level int, n models.Network, amount decimal.Decimal) (*models.LevelState, error) {
	if !models.ValidLevel(level) {
		return nil, ValidationError("level must be between %d and %d", models.MinLevel, models.MaxLevel)
	}
	parsed, ok := models.ParseNetwork(string(n))
	if !ok {
		return nil, ValidationError("unsupported network %q", n)
	}
	n = parsed
	if amount.IsNegative() {
		return nil, ValidationError("reward amount must not be negative")
	}

	rates, err := l.rates.GetRates(ctx)
	if err != nil {
		return nil, err
	}

	var st *models.LevelState
	err = l.store.RunInTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return notFoundAs(err, "account", accountID)
		}
		st = acc.Level(level)
		st.Rewards[n] = amount

		set, err := effectiveRewardsTx(ctx, tx, acc, level)
		if err != nil {
			return err
		}
		st.RewardTotalUSD = ConvertWithRates(set, rates).TotalUSD
		return tx.SaveLevel(ctx, accountID, st)
	})
	if err != nil {
		return nil, err
	}

	l.audit.LogRewardChange(accountID, level, "reward_"+string(n), amount)
	l.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"level":      level,
		"network":    n,
	}).Info("level reward updated")
	return st, nil
}

// SetCommissionPercent sets the commission percentage of a level (0 to 100).
func (l *RewardLedger) SetCommissionPercent(ctx context.Context, accountID int64, level int, pct decimal.Decimal) (*models.LevelState, error) {
	if !models.ValidLevel(level) {
		return nil, ValidationError("level must be between %d and %d", models.MinLevel, models.MaxLevel)
	}
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return nil, ValidationError("commission percent must be between 0 and 100")
	}
	return l.updateLevel(ctx, accountID, level, "commission_percent", pct, func(st *models.LevelState) {
		st.CommissionPercent = pct
	})
}

// MarkLevelCompleted records that the account finished level.
func (l *RewardLedger) MarkLevelCompleted(ctx context.Context, accountID int64, level int) (*models.LevelState, error) {
	if !models.ValidLevel(level) {
		return nil, ValidationError("level must be between %d and %d", models.MinLevel, models.MaxLevel)
	}
	return l.updateLevel(ctx, accountID, level, "completed", true, func(st *models.LevelState) {
		st.Completed = true
	})
}

func (l *RewardLedger) updateLevel(ctx context.Context, accountID int64, level int, field string, value any, mutate func(*models.LevelState)) (*models.LevelState, error) {
	var st *models.LevelState
	err := l.store.RunInTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return notFoundAs(err, "account", accountID)
		}
		st = acc.Level(level)
		mutate(st)
		return tx.SaveLevel(ctx, accountID, st)
	})
	if err != nil {
		return nil, err
	}
	l.audit.LogRewardChange(accountID, level, field, value)
	return st, nil
}

// SetDefaultReward writes the global fallback reward of a level/network pair.
func (l *RewardLedger) SetDefaultReward(ctx context.Context, level int, n models.Network, amount decimal.Decimal, active bool) (*models.DefaultReward, error) {
	if !models.ValidLevel(level) {
		return nil, ValidationError("level must be between %d and %d", models.MinLevel, models.MaxLevel)
	}
	parsed, ok := models.ParseNetwork(string(n))
	if !ok {
		return nil, ValidationError("unsupported network %q", n)
	}
	n = parsed
	if amount.IsNegative() {
		return nil, ValidationError("reward amount must not be negative")
	}

	r := models.DefaultReward{Level: level, Network: n, Amount: amount, Active: active}
	if err := l.store.RunInTx(ctx, func(tx repository.Tx) error {
		return tx.UpsertDefaultReward(ctx, r)
	}); err != nil {
		return nil, err
	}
	l.audit.LogRewardChange(0, level, "default_"+string(n), amount)
	return &r, nil
}

func effectiveRewardsTx(ctx context.Context, tx repository.Tx, acc *models.Account, level int) (models.RewardSet, error) {
	defaults, err := tx.ListDefaultRewards(ctx, level)
	if err != nil {
		return nil, err
	}
	return EffectiveRewards(acc, level, defaults), nil
}
