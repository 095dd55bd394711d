package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawStatus is the lifecycle status of a withdrawal request.
type WithdrawStatus string

const (
	WithdrawPending   WithdrawStatus = "pending"
	WithdrawApproved  WithdrawStatus = "approved"
	WithdrawRejected  WithdrawStatus = "rejected"
	WithdrawCompleted WithdrawStatus = "completed"
)

// WithdrawRequest covers three shapes: a direct balance withdrawal
// (IsDirect), a network-reward withdrawal to an external wallet, and a
// network-reward credit back to the balance (AddToBalance).
type WithdrawRequest struct {
	ID              string              `json:"id" db:"id"`
	AccountID       int64               `json:"account_id" db:"account_id"`
	Amount          decimal.Decimal     `json:"amount" db:"amount"`
	Wallet          string              `json:"wallet,omitempty" db:"wallet"`
	Networks        RewardSet           `json:"networks,omitempty" db:"networks"`
	Level           int                 `json:"level,omitempty" db:"level"`
	Commission      decimal.Decimal     `json:"commission" db:"commission"`
	RewardUSD       decimal.Decimal     `json:"reward_usd" db:"reward_usd"`
	IsDirect        bool                `json:"is_direct" db:"is_direct"`
	AddToBalance    bool                `json:"add_to_balance" db:"add_to_balance"`
	Status          WithdrawStatus      `json:"status" db:"status"`
	ConfirmedWallet string              `json:"confirmed_wallet,omitempty" db:"confirmed_wallet"`
	ConfirmedAmount decimal.NullDecimal `json:"confirmed_amount" db:"confirmed_amount"`
	Reviewer        string              `json:"reviewer,omitempty" db:"reviewer"`
	Note            string              `json:"note,omitempty" db:"note"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
	ProcessedAt     *time.Time          `json:"processed_at,omitempty" db:"processed_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
}

// ToExternalWallet reports whether this is the network-reward-to-wallet shape.
func (w *WithdrawRequest) ToExternalWallet() bool { return !w.IsDirect && !w.AddToBalance }

// CoversNetworks reports whether the request counts as having withdrawn its networks.
func (w *WithdrawRequest) CoversNetworks() bool {
	return !w.IsDirect && (w.Status == WithdrawApproved || w.Status == WithdrawCompleted)
}

// Clone returns an independent copy of the request.
func (w *WithdrawRequest) Clone() *WithdrawRequest {
	if w == nil {
		return nil
	}
	out := *w
	out.Networks = w.Networks.Clone()
	out.ProcessedAt = cloneTime(w.ProcessedAt)
	out.CompletedAt = cloneTime(w.CompletedAt)
	return &out
}
