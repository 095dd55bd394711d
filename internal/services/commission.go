package services

import (
	"github.com/shopspring/decimal"

	"github.com/tierrewards/ledger/internal/models"
)

// commissionScale is the number of decimal places a commission is rounded to.
const commissionScale = 8

var hundred = decimal.NewFromInt(100)

// CommissionPercent returns the percentage charged to acc: the commission
// field of the level matching the account's current tier.
func CommissionPercent(acc *models.Account) decimal.Decimal {
	if st, ok := acc.Levels[acc.Tier]; ok {
		return st.CommissionPercent
	}
	return decimal.Zero
}

// ComputeCommission values the selected networks of rewards with rates and
// applies the account's commission percentage. It fails with
// InsufficientFunds when the commission exceeds the spendable balance.
func ComputeCommission(acc *models.Account, networks []models.Network, rewards models.RewardSet, rates models.RateTable) (commission decimal.Decimal, usdValue decimal.Decimal, err error) {
	selected := make(models.RewardSet, len(networks))
	for _, n := range networks {
		selected[n] = rewards[n]
	}
	usdValue = ConvertWithRates(selected, rates).TotalUSD
	commission = usdValue.Mul(CommissionPercent(acc)).Div(hundred).Round(commissionScale)

	if commission.GreaterThan(acc.Balance) {
		return decimal.Zero, usdValue, InsufficientFundsError(
			"commission %s exceeds balance %s", commission.StringFixed(2), acc.Balance.StringFixed(2))
	}
	return commission, usdValue, nil
}
