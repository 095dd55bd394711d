package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tierrewards/ledger/internal/audit"
	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/repository"
)

// cryptoScale is the precision of expected crypto amounts.
const cryptoScale = 8

type TopupConfig struct {
	RequiredConfirmations map[models.Network]int
	PaymentTimeout        time.Duration
	WebhookSecret         string
}

type CreateTopupInput struct {
	AccountID int64
	AmountUSD decimal.Decimal
	Currency  models.Network
	Automated bool
}

// CreatedTopup is a new topup plus, for automated ones, the deposit QR code.
type CreatedTopup struct {
	Topup  *models.TopupRequest `json:"topup"`
	QRCode string               `json:"qr_code,omitempty"`
}

// PaymentUpdate is news about an automated payment, from polling or a webhook.
type PaymentUpdate struct {
	Status        models.PaymentStatus
	Confirmations int
	TxHash        string
	ReceivedUSD   decimal.Decimal
}

// WebhookPayload is the body the payment gateway pushes.
type WebhookPayload struct {
	Secret        string          `json:"secret"`
	SessionID     string          `json:"sessionId"`
	UserID        int64           `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	Network       string          `json:"network"`
	Confirmations int             `json:"confirmations"`
	PaymentStatus string          `json:"paymentStatus"`
	TxHash        string          `json:"txHash"`
}

// TopupService drives the topup settlement state machine. Webhook
// deliveries, client polls and the expiry sweep all settle through
// ApplyPaymentUpdate, whose status-conditional write credits at most once.
type TopupService struct {
	core    ledgerCore
	rates   RateProvider
	gateway PaymentGateway
	cfg     TopupConfig
	now     func() time.Time
}

func NewTopupService(store repository.Store, rates RateProvider, gateway PaymentGateway, notifier Dispatcher, cfg TopupConfig, auditLog *audit.Logger, log *logrus.Entry) *TopupService {
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 60 * time.Minute
	}
	return &TopupService{
		core: ledgerCore{
			store:    store,
			audit:    auditLog,
			notifier: notifier,
			log:      log.WithField("component", "topup"),
		},
		rates:   rates,
		gateway: gateway,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (s *TopupService) requiredConfirmations(n models.Network) int {
	if c := s.cfg.RequiredConfirmations[n]; c > 0 {
		return c
	}
	return 1
}

// GatewayAvailable reports whether automated topups can be created.
func (s *TopupService) GatewayAvailable(ctx context.Context) bool {
	return s.gateway != nil && s.gateway.IsAvailable(ctx)
}

// Create validates and persists a topup. Automated topups open a gateway
// session first and carry the expected crypto amount and deposit address.
func (s *TopupService) Create(ctx context.Context, in CreateTopupInput) (*CreatedTopup, error) {
	if !in.AmountUSD.IsPositive() {
		return nil, ValidationError("amount must be positive")
	}
	currency, ok := models.ParseNetwork(string(in.Currency))
	if !ok {
		return nil, ValidationError("unsupported currency %q", in.Currency)
	}

	if err := s.core.store.RunInTx(ctx, func(tx repository.Tx) error {
		_, err := tx.GetAccount(ctx, in.AccountID)
		return notFoundAs(err, "account", in.AccountID)
	}); err != nil {
		return nil, err
	}

	now := s.now()
	tr := &models.TopupRequest{
		ID:                    uuid.NewString(),
		AccountID:             in.AccountID,
		AmountUSD:             in.AmountUSD,
		Currency:              currency,
		Status:                models.TopupPending,
		PaymentStatus:         models.PaymentPending,
		RequiredConfirmations: s.requiredConfirmations(currency),
		CreditedAmount:        decimal.Zero,
		CreatedAt:             now,
	}

	if in.Automated {
		if err := s.openSession(ctx, tr); err != nil {
			return nil, err
		}
	}

	err := s.core.store.RunInTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertTopup(ctx, tr); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, models.SettlementEvent{
			RequestID: tr.ID, RequestKind: kindTopup, ToStatus: string(models.TopupPending), Trigger: TriggerUser,
		})
	})
	if err != nil {
		if tr.Automated() {
			if cerr := s.gateway.CancelSession(context.WithoutCancel(ctx), tr.SessionID); cerr != nil {
				s.core.log.WithError(cerr).WithField("session_id", tr.SessionID).Warn("orphaned payment session")
			}
		}
		return nil, err
	}

	out := &CreatedTopup{Topup: tr}
	if tr.Automated() {
		qr, err := PaymentQR(tr.Currency, tr.PaymentAddress, tr.CryptoAmount)
		if err != nil {
			s.core.log.WithError(err).WithField("topup_id", tr.ID).Warn("payment qr rendering failed")
		}
		out.QRCode = qr
	}

	s.core.log.WithFields(logrus.Fields{
		"topup_id":   tr.ID,
		"account_id": tr.AccountID,
		"currency":   tr.Currency,
		"automated":  tr.Automated(),
	}).Info("topup created")
	return out, nil
}

func (s *TopupService) openSession(ctx context.Context, tr *models.TopupRequest) error {
	if !s.GatewayAvailable(ctx) {
		return UpstreamError(nil, "payment gateway unavailable")
	}

	rates, err := s.rates.GetRates(ctx)
	if err != nil {
		return err
	}
	rate, ok := rates[tr.Currency]
	if !ok || !rate.IsPositive() {
		return ValidationError("no conversion rate for %s", tr.Currency)
	}
	crypto := tr.AmountUSD.Div(rate).Round(cryptoScale)

	session, err := s.gateway.CreateSession(ctx, CreateSessionRequest{
		UserID:    tr.AccountID,
		Network:   tr.Currency,
		Amount:    crypto,
		AmountUSD: tr.AmountUSD,
		Metadata:  map[string]string{"topup_id": tr.ID},
	})
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == KindUpstreamUnavailable {
			return err
		}
		return UpstreamError(err, "create payment session")
	}

	expires := session.ExpiresAt
	if expires.IsZero() {
		expires = tr.CreatedAt.Add(s.cfg.PaymentTimeout)
	}
	tr.SessionID = session.SessionID
	tr.PaymentAddress = session.Address
	tr.CryptoAmount = decimal.NewNullDecimal(crypto)
	tr.ExpiresAt = &expires
	return nil
}

// Get returns a topup visible to the caller.
func (s *TopupService) Get(ctx context.Context, callerID int64, admin bool, id string) (*models.TopupRequest, error) {
	var tr *models.TopupRequest
	err := s.core.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		tr, err = tx.GetTopup(ctx, id)
		if err != nil {
			return notFoundAs(err, "topup", id)
		}
		return checkOwner(tr.AccountID, callerID, admin)
	})
	return tr, err
}

func (s *TopupService) List(ctx context.Context, accountID int64) ([]*models.TopupRequest, error) {
	var out []*models.TopupRequest
	err := s.core.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.ListTopups(ctx, accountID)
		return err
	})
	return out, err
}

// Refresh is the polling path: it asks the gateway for the session status,
// settles on it and then applies the payment timeout.
func (s *TopupService) Refresh(ctx context.Context, callerID int64, id string) (*models.TopupRequest, error) {
	tr, err := s.Get(ctx, callerID, false, id)
	if err != nil {
		return nil, err
	}
	if tr.Status != models.TopupPending {
		return tr, nil
	}

	if tr.Automated() && s.gateway != nil {
		status, err := s.gateway.GetSessionStatus(ctx, tr.SessionID)
		switch {
		case err == nil:
			tr, err = s.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{
				Status:        status.Status,
				Confirmations: status.Confirmations,
				TxHash:        status.TxHash,
				ReceivedUSD:   status.ReceivedUSD,
			}, TriggerPoll)
			if err != nil {
				return nil, err
			}
		case !s.timedOut(tr):
			return nil, err
		default:
			s.core.log.WithError(err).WithField("topup_id", tr.ID).Warn("session status unavailable, applying timeout")
		}
	}

	if s.timedOut(tr) {
		return s.expire(ctx, tr.ID, TriggerPoll)
	}
	return tr, nil
}

// ApplyPaymentUpdate merges upd into the topup and auto-approves it when the
// gateway reports a settled payment or enough confirmations accumulated.
// A topup that is no longer pending is returned unchanged.
func (s *TopupService) ApplyPaymentUpdate(ctx context.Context, id string, upd PaymentUpdate, trigger string) (*models.TopupRequest, error) {
	var result *models.TopupRequest
	err := s.core.run(ctx, func(tx repository.Tx, fx *effects) error {
		cur, err := tx.LockTopup(ctx, id)
		if err != nil {
			return notFoundAs(err, "topup", id)
		}
		result = cur
		if cur.Status != models.TopupPending {
			return nil
		}

		next := cur.Clone()
		if upd.Confirmations > next.Confirmations {
			next.Confirmations = upd.Confirmations
		}
		if upd.TxHash != "" {
			next.TxHash = upd.TxHash
		}
		next.PaymentStatus = mergePaymentStatus(cur.PaymentStatus, upd.Status, upd.Confirmations)

		approve := !next.PaymentStatus.Failed() &&
			(upd.Status.Settled() || next.Confirmations >= next.RequiredConfirmations)
		if approve {
			credit := cur.AmountUSD
			if upd.ReceivedUSD.IsPositive() {
				credit = upd.ReceivedUSD
			}
			if _, err := s.core.adjustBalance(ctx, tx, fx, cur.AccountID, credit, "TOPUP_CREDIT", cur.ID); err != nil {
				return err
			}

			processed := s.now()
			next.Status = models.TopupApproved
			if !next.PaymentStatus.Settled() {
				next.PaymentStatus = models.PaymentConfirmed
			}
			next.CreditedAmount = credit
			next.ProcessedAt = &processed
			next.Note = fmt.Sprintf("auto-approved via %s: tx %s, confirmations %d/%d",
				trigger, txHashOrUnknown(next.TxHash), next.Confirmations, next.RequiredConfirmations)
		}

		if !approve && next.PaymentStatus == cur.PaymentStatus &&
			next.Confirmations == cur.Confirmations && next.TxHash == cur.TxHash {
			return nil
		}
		if err := tx.UpdateTopup(ctx, next, models.TopupPending, cur.PaymentStatus); err != nil {
			return err
		}
		result = next

		if next.PaymentStatus != cur.PaymentStatus || next.Status != cur.Status {
			if err := s.core.transition(ctx, tx, fx, kindTopup, cur.ID, cur.AccountID,
				paymentLabel(cur), paymentLabel(next), trigger, models.Metadata{
					"confirmations": next.Confirmations,
					"tx_hash":       next.TxHash,
				}); err != nil {
				return err
			}
		}
		if approve {
			s.core.notify(fx, EventTopupApproved, cur.AccountID, map[string]any{
				"topup_id": cur.ID,
				"amount":   next.CreditedAmount.String(),
				"tx_hash":  next.TxHash,
			})
			s.core.log.WithFields(logrus.Fields{
				"topup_id":   cur.ID,
				"account_id": cur.AccountID,
				"trigger":    trigger,
				"credited":   next.CreditedAmount.String(),
			}).Info("topup auto-approved")
		}
		return nil
	})
	if errors.Is(err, repository.ErrStaleState) {
		return s.Get(ctx, 0, true, id)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HandleWebhook authenticates a gateway push and settles the topup it names.
func (s *TopupService) HandleWebhook(ctx context.Context, p WebhookPayload) (*models.TopupRequest, error) {
	if s.cfg.WebhookSecret == "" ||
		subtle.ConstantTimeCompare([]byte(p.Secret), []byte(s.cfg.WebhookSecret)) != 1 {
		return nil, UnauthorizedError("invalid webhook secret")
	}

	var status models.PaymentStatus
	if p.PaymentStatus != "" {
		var ok bool
		status, ok = models.ParsePaymentStatus(strings.ToLower(p.PaymentStatus))
		if !ok {
			return nil, ValidationError("unknown payment status %q", p.PaymentStatus)
		}
	}
	if p.Confirmations < 0 {
		return nil, ValidationError("confirmations must not be negative")
	}

	var tr *models.TopupRequest
	err := s.core.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		if p.SessionID != "" {
			tr, err = tx.FindTopupBySession(ctx, p.SessionID)
			return notFoundAs(err, "payment session", p.SessionID)
		}
		network, ok := models.ParseNetwork(p.Network)
		if p.UserID <= 0 || !ok {
			return ValidationError("webhook must name a session or a user and network")
		}
		tr, err = tx.FindLatestPendingTopup(ctx, p.UserID, network)
		return notFoundAs(err, "pending topup for user", p.UserID)
	})
	if err != nil {
		return nil, err
	}

	received, err := s.receivedUSD(ctx, tr.Currency, p)
	if err != nil {
		return nil, err
	}

	return s.ApplyPaymentUpdate(ctx, tr.ID, PaymentUpdate{
		Status:        status,
		Confirmations: p.Confirmations,
		TxHash:        p.TxHash,
		ReceivedUSD:   received,
	}, TriggerWebhook)
}

// receivedUSD prefers the USD value the gateway reports and otherwise values
// the received crypto amount at the current rate.
func (s *TopupService) receivedUSD(ctx context.Context, currency models.Network, p WebhookPayload) (decimal.Decimal, error) {
	if p.AmountUSD.IsPositive() {
		return p.AmountUSD, nil
	}
	if !p.Amount.IsPositive() {
		return decimal.Zero, nil
	}
	rates, err := s.rates.GetRates(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Amount.Mul(rates[currency]).Round(commissionScale), nil
}

// ExpireStale applies the payment timeout to every eligible topup.
func (s *TopupService) ExpireStale(ctx context.Context) (int, error) {
	var candidates []*models.TopupRequest
	err := s.core.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		candidates, err = tx.ListExpirableTopups(ctx, s.now().Add(-s.cfg.PaymentTimeout))
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, tr := range candidates {
		got, err := s.expire(ctx, tr.ID, TriggerSweep)
		if err != nil {
			s.core.log.WithError(err).WithField("topup_id", tr.ID).Warn("topup expiry failed")
			continue
		}
		if got.PaymentStatus == models.PaymentExpired {
			expired++
		}
	}
	return expired, nil
}

func (s *TopupService) timedOut(tr *models.TopupRequest) bool {
	return tr.Status == models.TopupPending &&
		tr.PaymentStatus == models.PaymentPending &&
		tr.Confirmations == 0 &&
		s.now().Sub(tr.CreatedAt) > s.cfg.PaymentTimeout
}

// expire marks the payment expired. The topup itself stays pending for
// admin review.
func (s *TopupService) expire(ctx context.Context, id, trigger string) (*models.TopupRequest, error) {
	var result *models.TopupRequest
	err := s.core.run(ctx, func(tx repository.Tx, fx *effects) error {
		cur, err := tx.LockTopup(ctx, id)
		if err != nil {
			return notFoundAs(err, "topup", id)
		}
		result = cur
		if !s.timedOut(cur) {
			return nil
		}

		next := cur.Clone()
		next.PaymentStatus = models.PaymentExpired
		if err := tx.UpdateTopup(ctx, next, models.TopupPending, models.PaymentPending); err != nil {
			return err
		}
		result = next

		if err := s.core.transition(ctx, tx, fx, kindTopup, cur.ID, cur.AccountID,
			paymentLabel(cur), paymentLabel(next), trigger, nil); err != nil {
			return err
		}
		s.core.notify(fx, EventTopupExpired, cur.AccountID, map[string]any{"topup_id": cur.ID})
		return nil
	})
	if errors.Is(err, repository.ErrStaleState) {
		return s.Get(ctx, 0, true, id)
	}
	return result, err
}

// Cancel rejects a topup whose payment has not been seen or has ended. The gateway
// session is cancelled after the state change commits; a failure there only
// alerts an admin.
func (s *TopupService) Cancel(ctx context.Context, callerID int64, id string) (*models.TopupRequest, error) {
	var result *models.TopupRequest
	err := s.core.run(ctx, func(tx repository.Tx, fx *effects) error {
		cur, err := tx.LockTopup(ctx, id)
		if err != nil {
			return notFoundAs(err, "topup", id)
		}
		if err := checkOwner(cur.AccountID, callerID, false); err != nil {
			return err
		}
		if cur.Status != models.TopupPending {
			return ConflictError("topup is already %s", cur.Status)
		}
		if cur.PaymentStatus.Progress() > models.PaymentPending.Progress() {
			return ConflictError("payment is %s and can no longer be cancelled", cur.PaymentStatus)
		}

		processed := s.now()
		next := cur.Clone()
		next.Status = models.TopupRejected
		if !cur.PaymentStatus.Failed() {
			next.PaymentStatus = models.PaymentExpired
		}
		next.ProcessedAt = &processed
		next.Note = "cancelled by user"
		if err := tx.UpdateTopup(ctx, next, models.TopupPending, cur.PaymentStatus); err != nil {
			return err
		}
		result = next
		return s.core.transition(ctx, tx, fx, kindTopup, cur.ID, cur.AccountID,
			paymentLabel(cur), paymentLabel(next), TriggerUser, nil)
	})
	if errors.Is(err, repository.ErrStaleState) {
		return nil, ConflictError("topup changed while cancelling")
	}
	if err != nil {
		return nil, err
	}

	if result.Automated() && s.gateway != nil {
		if err := s.gateway.CancelSession(ctx, result.SessionID); err != nil {
			s.core.log.WithError(err).WithField("topup_id", result.ID).Warn("gateway session cancel failed")
			if s.core.notifier != nil {
				s.core.notifier.Notify(EventAdminTopupCancelFailed, result.AccountID, map[string]any{
					"topup_id":   result.ID,
					"session_id": result.SessionID,
					"error":      err.Error(),
				})
			}
		}
	}
	return result, nil
}

// AdminApprove credits amount (or the requested amount when amount is not
// set) and approves the topup.
func (s *TopupService) AdminApprove(ctx context.Context, id string, amount decimal.NullDecimal, reviewer string) (*models.TopupRequest, error) {
	if amount.Valid && !amount.Decimal.IsPositive() {
		return nil, ValidationError("approved amount must be positive")
	}

	var result *models.TopupRequest
	err := s.core.run(ctx, func(tx repository.Tx, fx *effects) error {
		cur, err := tx.LockTopup(ctx, id)
		if err != nil {
			return notFoundAs(err, "topup", id)
		}
		if cur.Status != models.TopupPending {
			return ConflictError("topup is already %s", cur.Status)
		}

		credit := cur.AmountUSD
		if amount.Valid {
			credit = amount.Decimal
		}
		if _, err := s.core.adjustBalance(ctx, tx, fx, cur.AccountID, credit, "TOPUP_CREDIT", cur.ID); err != nil {
			return err
		}

		processed := s.now()
		next := cur.Clone()
		next.Status = models.TopupApproved
		next.CreditedAmount = credit
		next.ProcessedAt = &processed
		next.Note = "approved by " + reviewer
		if err := tx.UpdateTopup(ctx, next, models.TopupPending, ""); err != nil {
			return err
		}
		result = next

		if err := s.core.transition(ctx, tx, fx, kindTopup, cur.ID, cur.AccountID,
			string(cur.Status), string(next.Status), TriggerAdmin, models.Metadata{"reviewer": reviewer}); err != nil {
			return err
		}
		s.core.notify(fx, EventTopupApproved, cur.AccountID, map[string]any{
			"topup_id": cur.ID,
			"amount":   credit.String(),
		})
		return nil
	})
	if errors.Is(err, repository.ErrStaleState) {
		return nil, ConflictError("topup changed while approving")
	}
	return result, err
}

func (s *TopupService) AdminReject(ctx context.Context, id, reason, reviewer string) (*models.TopupRequest, error) {
	var result *models.TopupRequest
	err := s.core.run(ctx, func(tx repository.Tx, fx *effects) error {
		cur, err := tx.LockTopup(ctx, id)
		if err != nil {
			return notFoundAs(err, "topup", id)
		}
		if cur.Status != models.TopupPending {
			return ConflictError("topup is already %s", cur.Status)
		}

		processed := s.now()
		next := cur.Clone()
		next.Status = models.TopupRejected
		next.ProcessedAt = &processed
		next.Note = strings.TrimSpace("rejected by " + reviewer + ": " + reason)
		if err := tx.UpdateTopup(ctx, next, models.TopupPending, ""); err != nil {
			return err
		}
		result = next

		if err := s.core.transition(ctx, tx, fx, kindTopup, cur.ID, cur.AccountID,
			string(cur.Status), string(next.Status), TriggerAdmin, models.Metadata{"reviewer": reviewer, "reason": reason}); err != nil {
			return err
		}
		s.core.notify(fx, EventTopupRejected, cur.AccountID, map[string]any{"topup_id": cur.ID, "reason": reason})
		return nil
	})
	if errors.Is(err, repository.ErrStaleState) {
		return nil, ConflictError("topup changed while rejecting")
	}
	return result, err
}

// mergePaymentStatus folds a gateway report into the current payment status.
// A failed or expired report ends any payment that has not settled. Otherwise
// the status only moves forward; expired and failed rank below pending, so a
// later report of progress or newly reported confirmations replace them.
func mergePaymentStatus(cur, reported models.PaymentStatus, confirmations int) models.PaymentStatus {
	if reported.Failed() && !cur.Settled() {
		return reported
	}
	next := cur
	if reported.Progress() > next.Progress() {
		next = reported
	}
	if confirmations > 0 && next.Progress() < models.PaymentConfirming.Progress() {
		next = models.PaymentConfirming
	}
	return next
}

func paymentLabel(t *models.TopupRequest) string {
	return string(t.Status) + "/" + string(t.PaymentStatus)
}

func txHashOrUnknown(h string) string {
	if h == "" {
		return "unknown"
	}
	return h
}
