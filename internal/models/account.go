package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the ledger's view of a user. Balance is USD and never negative.
type Account struct {
	ID        int64               `json:"id" db:"id"`
	Balance   decimal.Decimal     `json:"balance" db:"balance"`
	Tier      int                 `json:"tier" db:"tier"`
	Version   int                 `json:"-" db:"version"` // for optimistic locking
	Levels    map[int]*LevelState `json:"levels"`
	UpdatedAt time.Time           `json:"updated_at" db:"updated_at"`
}

// LevelState holds the per-level reward configuration of an account.
// RewardTotalUSD is derived from Rewards and rewritten whenever Rewards changes.
type LevelState struct {
	Level             int             `json:"level" db:"level"`
	Rewards           RewardSet       `json:"rewards" db:"rewards"`
	CommissionPercent decimal.Decimal `json:"commission_percent" db:"commission_percent"`
	Completed         bool            `json:"completed" db:"completed"`
	RewardTotalUSD    decimal.Decimal `json:"reward_total_usd" db:"reward_total_usd"`
}

// Level returns the state for level l, creating an empty one if absent.
func (a *Account) Level(l int) *LevelState {
	if a.Levels == nil {
		a.Levels = make(map[int]*LevelState)
	}
	st, ok := a.Levels[l]
	if !ok {
		st = &LevelState{Level: l, Rewards: RewardSet{}}
		a.Levels[l] = st
	}
	if st.Rewards == nil {
		st.Rewards = RewardSet{}
	}
	return st
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	out.Levels = make(map[int]*LevelState, len(a.Levels))
	for l, st := range a.Levels {
		cp := *st
		cp.Rewards = st.Rewards.Clone()
		out.Levels[l] = &cp
	}
	return &out
}

// DefaultReward is a global fallback reward for a level/network pair.
type DefaultReward struct {
	Level   int             `json:"level" db:"level"`
	Network Network         `json:"network" db:"network"`
	Amount  decimal.Decimal `json:"amount" db:"amount"`
	Active  bool            `json:"active" db:"active"`
}
