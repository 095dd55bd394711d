// Package audit writes the structured audit trail of balance mutations,
// settlement transitions and rate overrides.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	Reference string          `json:"reference,omitempty"`
	AccountID int64           `json:"account_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Details   map[string]any  `json:"details,omitempty"`
}

// Logger emits one "AUDIT" line per event.
type Logger struct {
	log *logrus.Entry
	now func() time.Time
}

func NewLogger(log *logrus.Entry) *Logger {
	return &Logger{log: log.WithField("component", "audit"), now: time.Now}
}

// LogBalanceMutation records a balance change on accountID caused by reference.
func (a *Logger) LogBalanceMutation(reference string, accountID int64, reason string, delta, before, after decimal.Decimal) {
	a.emit(Event{
		EventType: "BALANCE_" + reason,
		Reference: reference,
		AccountID: accountID,
		Amount:    delta,
		Status:    "SUCCESS",
		Details: map[string]any{
			"balance_before": before.String(),
			"balance_after":  after.String(),
		},
	})
}

// LogTransition records a request moving between statuses.
func (a *Logger) LogTransition(kind, id string, accountID int64, from, to, trigger string) {
	a.emit(Event{
		EventType: "TRANSITION",
		Reference: id,
		AccountID: accountID,
		Status:    to,
		Details: map[string]any{
			"kind":    kind,
			"from":    from,
			"trigger": trigger,
		},
	})
}

func (a *Logger) LogRateChange(network string, rate decimal.Decimal, mode, actor string) {
	a.emit(Event{
		EventType: "RATE_CHANGE",
		Reference: network,
		Amount:    rate,
		Status:    "SUCCESS",
		Details:   map[string]any{"mode": mode, "actor": actor},
	})
}

// LogRewardChange records an admin edit of the reward configuration. An
// accountID of zero marks a global default.
func (a *Logger) LogRewardChange(accountID int64, level int, field string, value any) {
	a.emit(Event{
		EventType: "REWARD_CHANGE",
		Reference: fmt.Sprintf("level-%d", level),
		AccountID: accountID,
		Status:    "SUCCESS",
		Details:   map[string]any{"field": field, "value": fmt.Sprint(value)},
	})
}

func (a *Logger) LogError(reference string, accountID int64, err error) {
	a.emit(Event{
		EventType: "ERROR",
		Reference: reference,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]any{"error": err.Error()},
	})
}

func (a *Logger) emit(event Event) {
	event.Timestamp = a.now()
	data, _ := json.Marshal(event)
	a.log.Info("AUDIT: " + string(data))
}
