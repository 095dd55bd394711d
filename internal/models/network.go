package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Network is one of the supported reward/payment cryptocurrencies.
type Network string

const (
	NetworkBTC  Network = "BTC"
	NetworkETH  Network = "ETH"
	NetworkTRON Network = "TRON"
	NetworkUSDT Network = "USDT"
	NetworkBNB  Network = "BNB"
	NetworkSOL  Network = "SOL"
)

// Networks lists every supported network in display order.
var Networks = []Network{NetworkBTC, NetworkETH, NetworkTRON, NetworkUSDT, NetworkBNB, NetworkSOL}

// ParseNetwork normalises s and reports whether it names a supported network.
func ParseNetwork(s string) (Network, bool) {
	n := Network(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Networks {
		if n == known {
			return n, true
		}
	}
	return "", false
}

const (
	MinLevel = 1
	MaxLevel = 5
	MinTier  = 1
	MaxTier  = 5
)

// ValidLevel reports whether l is a reward level.
func ValidLevel(l int) bool { return l >= MinLevel && l <= MaxLevel }

// ValidTier reports whether t is an account tier.
func ValidTier(t int) bool { return t >= MinTier && t <= MaxTier }

// RateTable maps a network to its USD rate.
type RateTable map[Network]decimal.Decimal

// RewardSet maps a network to an amount denominated in that network's coin.
type RewardSet map[Network]decimal.Decimal

// Clone returns an independent copy of the set.
func (s RewardSet) Clone() RewardSet {
	if s == nil {
		return nil
	}
	out := make(RewardSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Networks returns the networks present in the set, in display order.
func (s RewardSet) Networks() []Network {
	var out []Network
	for _, n := range Networks {
		if _, ok := s[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Value implements driver.Valuer for RewardSet (stored as JSONB)
func (s RewardSet) Value() (driver.Value, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner for RewardSet
func (s *RewardSet) Scan(value any) error {
	if value == nil {
		*s = RewardSet{}
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}

	out := RewardSet{}
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*s = out
	return nil
}
