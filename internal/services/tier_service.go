package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tierrewards/ledger/internal/audit"
	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/repository"
)

// BlockedLevel lists the reward networks of a completed level that have not
// been withdrawn yet.
type BlockedLevel struct {
	Level    int              `json:"level"`
	Networks []models.Network `json:"networks"`
}

// Eligibility is the outcome of a tier gate check.
type Eligibility struct {
	Allowed       bool           `json:"allowed"`
	RequestedTier int            `json:"requested_tier"`
	CurrentTier   int            `json:"current_tier"`
	Blocked       []BlockedLevel `json:"blocked,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// CanRequestTier decides whether acc may ask for requested. Every completed
// level up to the current tier must have each positively rewarded network
// covered by an approved or completed withdrawal of that level.
// rewards and withdrawals are keyed by level.
func CanRequestTier(acc *models.Account, requested int, rewards map[int]models.RewardSet, withdrawals map[int][]*models.WithdrawRequest) (*Eligibility, error) {
	if !models.ValidTier(requested) {
		return nil, ValidationError("tier must be between %d and %d", models.MinTier, models.MaxTier)
	}
	if requested <= acc.Tier {
		return nil, ValidationError("requested tier %d must be above current tier %d", requested, acc.Tier)
	}

	out := &Eligibility{RequestedTier: requested, CurrentTier: acc.Tier}
	for level := models.MinLevel; level <= acc.Tier && level <= models.MaxLevel; level++ {
		st, ok := acc.Levels[level]
		if !ok || !st.Completed {
			continue
		}

		covered := make(map[models.Network]bool)
		for _, w := range withdrawals[level] {
			if !w.CoversNetworks() {
				continue
			}
			for n := range w.Networks {
				covered[n] = true
			}
		}

		var missing []models.Network
		for _, n := range models.Networks {
			if rewards[level][n].IsPositive() && !covered[n] {
				missing = append(missing, n)
			}
		}
		if len(missing) > 0 {
			out.Blocked = append(out.Blocked, BlockedLevel{Level: level, Networks: missing})
		}
	}

	out.Allowed = len(out.Blocked) == 0
	if !out.Allowed {
		out.Reason = blockedReason(out.Blocked)
	}
	return out, nil
}

func blockedReason(blocked []BlockedLevel) string {
	parts := make([]string, 0, len(blocked))
	for _, b := range blocked {
		names := make([]string, len(b.Networks))
		for i, n := range b.Networks {
			names[i] = string(n)
		}
		parts = append(parts, fmt.Sprintf("level %d: %s", b.Level, strings.Join(names, ", ")))
	}
	return "withdraw outstanding rewards first (" + strings.Join(parts, "; ") + ")"
}

// TierService manages tier upgrade requests behind the tier gate.
type TierService struct {
	core ledgerCore
	now  func() time.Time
}

func NewTierService(store repository.Store, notifier Dispatcher, auditLog *audit.Logger, log *logrus.Entry) *TierService {
	return &TierService{
		core: ledgerCore{
			store:    store,
			audit:    auditLog,
			notifier: notifier,
			log:      log.WithField("component", "tier"),
		},
		now: time.Now,
	}
}

// Eligibility evaluates the tier gate for an account.
func (s *TierService) Eligibility(ctx context.Context, accountID int64, requested int) (*Eligibility, error) {
	var out *Eligibility
	err := s.core.store.RunInTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return notFoundAs(err, "account", accountID)
		}
		out, err = s.evaluate(ctx, tx, acc, requested)
		return err
	})
	return out, err
}

func (s *TierService) evaluate(ctx context.Context, tx repository.Tx, acc *models.Account, requested int) (*Eligibility, error) {
	rewards := make(map[int]models.RewardSet)
	withdrawals := make(map[int][]*models.WithdrawRequest)
	for level := models.MinLevel; level <= acc.Tier && level <= models.MaxLevel; level++ {
		if st, ok := acc.Levels[level]; !ok || !st.Completed {
			continue
		}
		set, err := effectiveRewardsTx(ctx, tx, acc, level)
		if err != nil {
			return nil, err
		}
		ws, err := tx.ListWithdrawsForLevel(ctx, acc.ID, level)
		if err != nil {
			return nil, err
		}
		rewards[level] = set
		withdrawals[level] = ws
	}
	return CanRequestTier(acc, requested, rewards, withdrawals)
}

// RequestTier files a tier upgrade for admin review.
func (s *TierService) RequestTier(ctx context.Context, accountID int64, requested int) (*models.TierRequest, error) {
	var req *models.TierRequest
	err := s.core.run(ctx, func(tx repository.Tx, fx *effects) error {
		acc, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return notFoundAs(err, "account", accountID)
		}

		if _, err := tx.FindPendingTierRequest(ctx, accountID); err == nil {
			return ConflictError("a tier request is already pending")
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		elig, err := s.evaluate(ctx, tx, acc, requested)
		if err != nil {
			return err
		}
		if !elig.Allowed {
			return ConflictError("%s", elig.Reason)
		}

		req = &models.TierRequest{
			ID:            uuid.NewString(),
			AccountID:     accountID,
			RequestedTier: requested,
			CurrentTier:   acc.Tier,
			Status:        models.TierRequestPending,
			CreatedAt:     s.now(),
		}
		if err := tx.InsertTierRequest(ctx, req); err != nil {
			return err
		}
		if err := s.core.transition(ctx, tx, fx, kindTier, req.ID, accountID, "", string(req.Status), TriggerUser, models.Metadata{
			"requested_tier": requested,
		}); err != nil {
			return err
		}
		s.core.notify(fx, EventTierRequested, accountID, map[string]any{
			"tier_request_id": req.ID,
			"requested_tier":  requested,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *TierService) List(ctx context.Context, accountID int64) ([]*models.TierRequest, error) {
	var out []*models.TierRequest
	err := s.core.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.ListTierRequests(ctx, accountID)
		return err
	})
	return out, err
}

// Approve moves the account to the requested tier and resets the completed
// flag of that level and every level above it.
func (s *TierService) Approve(ctx context.Context, id, reviewer, note string) (*models.TierRequest, error) {
	return s.review(ctx, id, models.TierRequestApproved, reviewer, note, func(tx repository.Tx, req *models.TierRequest) error {
		acc, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return notFoundAs(err, "account", req.AccountID)
		}
		if err := tx.UpdateTier(ctx, acc.ID, req.RequestedTier); err != nil {
			return err
		}

		levels := make([]int, 0, len(acc.Levels))
		for l := range acc.Levels {
			levels = append(levels, l)
		}
		sort.Ints(levels)
		for _, l := range levels {
			st := acc.Levels[l]
			if l < req.RequestedTier || !st.Completed {
				continue
			}
			st.Completed = false
			if err := tx.SaveLevel(ctx, acc.ID, st); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *TierService) Reject(ctx context.Context, id, reviewer, note string) (*models.TierRequest, error) {
	return s.review(ctx, id, models.TierRequestRejected, reviewer, note, nil)
}

func (s *TierService) review(ctx context.Context, id string, to models.TierRequestStatus, reviewer, note string, apply func(tx repository.Tx, req *models.TierRequest) error) (*models.TierRequest, error) {
	var result *models.TierRequest
	err := s.core.run(ctx, func(tx repository.Tx, fx *effects) error {
		cur, err := tx.LockTierRequest(ctx, id)
		if err != nil {
			return notFoundAs(err, "tier request", id)
		}
		if cur.Status != models.TierRequestPending {
			return ConflictError("tier request is already %s", cur.Status)
		}
		if apply != nil {
			if err := apply(tx, cur); err != nil {
				return err
			}
		}

		reviewed := s.now()
		next := cur.Clone()
		next.Status = to
		next.Reviewer = reviewer
		next.ReviewNote = note
		next.ReviewedAt = &reviewed
		if err := tx.UpdateTierRequest(ctx, next, models.TierRequestPending); err != nil {
			return err
		}
		result = next

		if err := s.core.transition(ctx, tx, fx, kindTier, cur.ID, cur.AccountID, string(cur.Status), string(to), TriggerAdmin, models.Metadata{
			"requested_tier": cur.RequestedTier,
			"reviewer":       reviewer,
		}); err != nil {
			return err
		}
		event := EventTierRejected
		if to == models.TierRequestApproved {
			event = EventTierApproved
		}
		s.core.notify(fx, event, cur.AccountID, map[string]any{
			"tier_request_id": cur.ID,
			"requested_tier":  cur.RequestedTier,
		})
		return nil
	})
	if errors.Is(err, repository.ErrStaleState) {
		return nil, ConflictError("tier request changed concurrently")
	}
	return result, err
}
