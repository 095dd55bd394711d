package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TopupStatus is the lifecycle status of a topup request.
type TopupStatus string

const (
	TopupPending  TopupStatus = "pending"
	TopupApproved TopupStatus = "approved"
	TopupRejected TopupStatus = "rejected"
)

// PaymentStatus tracks the on-chain payment behind an automated topup.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentDetected   PaymentStatus = "detected"
	PaymentConfirming PaymentStatus = "confirming"
	PaymentConfirmed  PaymentStatus = "confirmed"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentExpired    PaymentStatus = "expired"
	PaymentFailed     PaymentStatus = "failed"
)

// ParsePaymentStatus maps a gateway status string to a PaymentStatus.
func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	switch p := PaymentStatus(s); p {
	case PaymentPending, PaymentDetected, PaymentConfirming, PaymentConfirmed,
		PaymentCompleted, PaymentExpired, PaymentFailed:
		return p, true
	}
	return "", false
}

// Progress orders the in-flight payment states. Expired and failed rank
// below pending so that any positive evidence from the gateway supersedes them.
func (p PaymentStatus) Progress() int {
	switch p {
	case PaymentPending:
		return 1
	case PaymentDetected:
		return 2
	case PaymentConfirming:
		return 3
	case PaymentConfirmed:
		return 4
	case PaymentCompleted:
		return 5
	}
	return 0
}

// Settled reports whether the gateway considers the payment final.
func (p PaymentStatus) Settled() bool {
	return p == PaymentConfirmed || p == PaymentCompleted
}

// Failed reports whether the payment ended without funds arriving.
func (p PaymentStatus) Failed() bool {
	return p == PaymentExpired || p == PaymentFailed
}

// TopupRequest is a request to add USD value to an account balance.
type TopupRequest struct {
	ID                    string              `json:"id" db:"id"`
	AccountID             int64               `json:"account_id" db:"account_id"`
	AmountUSD             decimal.Decimal     `json:"amount_usd" db:"amount_usd"`
	CryptoAmount          decimal.NullDecimal `json:"crypto_amount" db:"crypto_amount"`
	Currency              Network             `json:"currency" db:"currency"`
	Status                TopupStatus         `json:"status" db:"status"`
	PaymentStatus         PaymentStatus       `json:"payment_status" db:"payment_status"`
	Confirmations         int                 `json:"confirmations" db:"confirmations"`
	RequiredConfirmations int                 `json:"required_confirmations" db:"required_confirmations"`
	SessionID             string              `json:"session_id,omitempty" db:"session_id"`
	PaymentAddress        string              `json:"payment_address,omitempty" db:"payment_address"`
	TxHash                string              `json:"tx_hash,omitempty" db:"tx_hash"`
	CreditedAmount        decimal.Decimal     `json:"credited_amount" db:"credited_amount"`
	Note                  string              `json:"note,omitempty" db:"note"`
	CreatedAt             time.Time           `json:"created_at" db:"created_at"`
	ProcessedAt           *time.Time          `json:"processed_at,omitempty" db:"processed_at"`
	ExpiresAt             *time.Time          `json:"expires_at,omitempty" db:"expires_at"`
}

// Automated reports whether the topup is backed by a gateway session.
func (t *TopupRequest) Automated() bool { return t.SessionID != "" }

// Clone returns an independent copy of the request.
func (t *TopupRequest) Clone() *TopupRequest {
	if t == nil {
		return nil
	}
	out := *t
	out.ProcessedAt = cloneTime(t.ProcessedAt)
	out.ExpiresAt = cloneTime(t.ExpiresAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
