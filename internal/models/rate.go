package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateMode says who owns a conversion rate.
type RateMode string

const (
	RateModeAuto   RateMode = "auto"
	RateModeManual RateMode = "manual"
)

// ParseRateMode returns the mode named by s.
func ParseRateMode(s string) (RateMode, bool) {
	switch RateMode(s) {
	case RateModeAuto, RateModeManual:
		return RateMode(s), true
	}
	return "", false
}

// ConversionRate is the persisted USD rate of one network.
type ConversionRate struct {
	Network   Network         `json:"network" db:"network"`
	Rate      decimal.Decimal `json:"rate" db:"rate"`
	Mode      RateMode        `json:"mode" db:"mode"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
