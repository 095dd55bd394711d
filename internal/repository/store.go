// Package repository is the persistence boundary of the ledger. Every
// operation runs inside a Tx obtained from Store.RunInTx so that balance
// mutations and request state changes commit together or not at all.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tierrewards/ledger/internal/models"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned by conditional updates when the row is no
	// longer in the expected status.
	ErrStaleState = errors.New("state changed concurrently")
	// ErrVersionConflict is returned when an account balance write loses the
	// optimistic version check.
	ErrVersionConflict = errors.New("optimistic lock failed")
)

// Store opens transactions.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the full set of operations available inside a transaction.
type Tx interface {
	AccountRepository
	RateRepository
	TopupRepository
	WithdrawRepository
	TierRepository
	AppendEvent(ctx context.Context, ev models.SettlementEvent) error
}

type AccountRepository interface {
	// CreateAccount inserts a tier-1 zero-balance account; existing rows are left untouched.
	CreateAccount(ctx context.Context, id int64) error
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	// LockAccount reads the account and holds it for the rest of the transaction.
	LockAccount(ctx context.Context, id int64) (*models.Account, error)
	// UpdateBalance writes balance if the stored version still equals version.
	UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal, version int) error
	UpdateTier(ctx context.Context, id int64, tier int) error
	SaveLevel(ctx context.Context, accountID int64, level *models.LevelState) error
	ListDefaultRewards(ctx context.Context, level int) (map[models.Network]models.DefaultReward, error)
	UpsertDefaultReward(ctx context.Context, r models.DefaultReward) error
}

type RateRepository interface {
	ListRates(ctx context.Context) ([]models.ConversionRate, error)
	UpsertRate(ctx context.Context, r models.ConversionRate) error
	SetRateMode(ctx context.Context, mode models.RateMode) error
}

type TopupRepository interface {
	InsertTopup(ctx context.Context, t *models.TopupRequest) error
	GetTopup(ctx context.Context, id string) (*models.TopupRequest, error)
	// LockTopup reads the topup and holds it for the rest of the transaction.
	LockTopup(ctx context.Context, id string) (*models.TopupRequest, error)
	FindTopupBySession(ctx context.Context, sessionID string) (*models.TopupRequest, error)
	FindLatestPendingTopup(ctx context.Context, accountID int64, currency models.Network) (*models.TopupRequest, error)
	ListTopups(ctx context.Context, accountID int64) ([]*models.TopupRequest, error)
	ListExpirableTopups(ctx context.Context, createdBefore time.Time) ([]*models.TopupRequest, error)
	// UpdateTopup persists t only while the stored row still has status
	// expected (and payment status expectedPayment when non-empty).
	UpdateTopup(ctx context.Context, t *models.TopupRequest, expected models.TopupStatus, expectedPayment models.PaymentStatus) error
}

type WithdrawRepository interface {
	InsertWithdraw(ctx context.Context, w *models.WithdrawRequest) error
	GetWithdraw(ctx context.Context, id string) (*models.WithdrawRequest, error)
	LockWithdraw(ctx context.Context, id string) (*models.WithdrawRequest, error)
	ListWithdraws(ctx context.Context, accountID int64) ([]*models.WithdrawRequest, error)
	ListWithdrawsForLevel(ctx context.Context, accountID int64, level int) ([]*models.WithdrawRequest, error)
	// UpdateWithdraw persists w only while the stored row still has status expected.
	UpdateWithdraw(ctx context.Context, w *models.WithdrawRequest, expected models.WithdrawStatus) error
}

type TierRepository interface {
	InsertTierRequest(ctx context.Context, r *models.TierRequest) error
	GetTierRequest(ctx context.Context, id string) (*models.TierRequest, error)
	LockTierRequest(ctx context.Context, id string) (*models.TierRequest, error)
	ListTierRequests(ctx context.Context, accountID int64) ([]*models.TierRequest, error)
	FindPendingTierRequest(ctx context.Context, accountID int64) (*models.TierRequest, error)
	UpdateTierRequest(ctx context.Context, r *models.TierRequest, expected models.TierRequestStatus) error
}
