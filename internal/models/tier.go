package models

import "time"

// TierRequestStatus is the review status of a tier upgrade request.
type TierRequestStatus string

const (
	TierRequestPending  TierRequestStatus = "pending"
	TierRequestApproved TierRequestStatus = "approved"
	TierRequestRejected TierRequestStatus = "rejected"
)

// TierRequest asks an admin to move an account to a higher tier.
type TierRequest struct {
	ID            string            `json:"id" db:"id"`
	AccountID     int64             `json:"account_id" db:"account_id"`
	RequestedTier int               `json:"requested_tier" db:"requested_tier"`
	CurrentTier   int               `json:"current_tier" db:"current_tier"`
	Status        TierRequestStatus `json:"status" db:"status"`
	Reviewer      string            `json:"reviewer,omitempty" db:"reviewer"`
	ReviewNote    string            `json:"review_note,omitempty" db:"review_note"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	ReviewedAt    *time.Time        `json:"reviewed_at,omitempty" db:"reviewed_at"`
}

// Clone returns an independent copy of the request.
func (r *TierRequest) Clone() *TierRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.ReviewedAt = cloneTime(r.ReviewedAt)
	return &out
}

// SettlementEvent is an append-only record of a request state change.
type SettlementEvent struct {
	RequestID   string    `json:"request_id" db:"request_id"`
	RequestKind string    `json:"request_kind" db:"request_kind"`
	FromStatus  string    `json:"from_status" db:"from_status"`
	ToStatus    string    `json:"to_status" db:"to_status"`
	Trigger     string    `json:"trigger" db:"trigger"`
	Details     Metadata  `json:"details,omitempty" db:"details"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
