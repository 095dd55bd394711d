// Package memory provides an in-process repository.Store. Transactions are
// serialised by a single mutex and rolled back by restoring a snapshot taken
// when the transaction began.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tierrewards/ledger/internal/models"
	"github.com/tierrewards/ledger/internal/repository"
)

type state struct {
	accounts  map[int64]*models.Account
	defaults  map[int]map[models.Network]models.DefaultReward
	rates     map[models.Network]models.ConversionRate
	topups    map[string]*models.TopupRequest
	withdraws map[string]*models.WithdrawRequest
	tiers     map[string]*models.TierRequest
	events    []models.SettlementEvent
}

func newState() *state {
	return &state{
		accounts:  make(map[int64]*models.Account),
		defaults:  make(map[int]map[models.Network]models.DefaultReward),
		rates:     make(map[models.Network]models.ConversionRate),
		topups:    make(map[string]*models.TopupRequest),
		withdraws: make(map[string]*models.WithdrawRequest),
		tiers:     make(map[string]*models.TierRequest),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.accounts {
		out.accounts[k] = v.Clone()
	}
	for l, m := range s.defaults {
		cp := make(map[models.Network]models.DefaultReward, len(m))
		for n, r := range m {
			cp[n] = r
		}
		out.defaults[l] = cp
	}
	for k, v := range s.rates {
		out.rates[k] = v
	}
	for k, v := range s.topups {
		out.topups[k] = v.Clone()
	}
	for k, v := range s.withdraws {
		out.withdraws[k] = v.Clone()
	}
	for k, v := range s.tiers {
		out.tiers[k] = v.Clone()
	}
	out.events = append([]models.SettlementEvent(nil), s.events...)
	return out
}

// Store is a repository.Store held entirely in memory.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

func NewStore() *Store {
	return &Store{st: newState(), now: time.Now}
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&memTx{st: s.st, now: s.now}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// PutAccount seeds or replaces an account outside of any transaction.
func (s *Store) PutAccount(acc *models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := acc.Clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.st.accounts[cp.ID] = cp
}

// Events returns a copy of the settlement event log.
func (s *Store) Events() []models.SettlementEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SettlementEvent(nil), s.st.events...)
}

type memTx struct {
	st  *state
	now func() time.Time
}

func (t *memTx) CreateAccount(_ context.Context, id int64) error {
	if _, ok := t.st.accounts[id]; ok {
		return nil
	}
	t.st.accounts[id] = &models.Account{
		ID:        id,
		Balance:   decimal.Zero,
		Tier:      models.MinTier,
		Version:   1,
		Levels:    make(map[int]*models.LevelState),
		UpdatedAt: t.now(),
	}
	return nil
}

func (t *memTx) GetAccount(_ context.Context, id int64) (*models.Account, error) {
	acc, ok := t.st.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return acc.Clone(), nil
}

func (t *memTx) LockAccount(ctx context.Context, id int64) (*models.Account, error) {
	return t.GetAccount(ctx, id)
}

func (t *memTx) UpdateBalance(_ context.Context, id int64, balance decimal.Decimal, version int) error {
	acc, ok := t.st.accounts[id]
	if !ok || acc.Version != version {
		return repository.ErrVersionConflict
	}
	acc.Balance = balance
	acc.Version++
	acc.UpdatedAt = t.now()
	return nil
}

func (t *memTx) UpdateTier(_ context.Context, id int64, tier int) error {
	acc, ok := t.st.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	acc.Tier = tier
	acc.UpdatedAt = t.now()
	return nil
}

func (t *memTx) SaveLevel(_ context.Context, accountID int64, st *models.LevelState) error {
	acc, ok := t.st.accounts[accountID]
	if !ok {
		return repository.ErrNotFound
	}
	if acc.Levels == nil {
		acc.Levels = make(map[int]*models.LevelState)
	}
	cp := *st
	cp.Rewards = st.Rewards.Clone()
	acc.Levels[st.Level] = &cp
	return nil
}

func (t *memTx) ListDefaultRewards(_ context.Context, level int) (map[models.Network]models.DefaultReward, error) {
	out := make(map[models.Network]models.DefaultReward)
	for n, r := range t.st.defaults[level] {
		out[n] = r
	}
	return out, nil
}

func (t *memTx) UpsertDefaultReward(_ context.Context, r models.DefaultReward) error {
	m, ok := t.st.defaults[r.Level]
	if !ok {
		m = make(map[models.Network]models.DefaultReward)
		t.st.defaults[r.Level] = m
	}
	m[r.Network] = r
	return nil
}

func (t *memTx) ListRates(_ context.Context) ([]models.ConversionRate, error) {
	out := make([]models.ConversionRate, 0, len(t.st.rates))
	for _, r := range t.st.rates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out, nil
}

func (t *memTx) UpsertRate(_ context.Context, r models.ConversionRate) error {
	t.st.rates[r.Network] = r
	return nil
}

func (t *memTx) SetRateMode(_ context.Context, mode models.RateMode) error {
	for n, r := range t.st.rates {
		r.Mode = mode
		t.st.rates[n] = r
	}
	return nil
}

func (t *memTx) InsertTopup(_ context.Context, tr *models.TopupRequest) error {
	t.st.topups[tr.ID] = tr.Clone()
	return nil
}

func (t *memTx) GetTopup(_ context.Context, id string) (*models.TopupRequest, error) {
	tr, ok := t.st.topups[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return tr.Clone(), nil
}

func (t *memTx) LockTopup(ctx context.Context, id string) (*models.TopupRequest, error) {
	return t.GetTopup(ctx, id)
}

func (t *memTx) FindTopupBySession(_ context.Context, sessionID string) (*models.TopupRequest, error) {
	for _, tr := range t.st.topups {
		if sessionID != "" && tr.SessionID == sessionID {
			return tr.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *memTx) FindLatestPendingTopup(_ context.Context, accountID int64, currency models.Network) (*models.TopupRequest, error) {
	var latest *models.TopupRequest
	for _, tr := range t.st.topups {
		if tr.AccountID != accountID || tr.Currency != currency || tr.Status != models.TopupPending {
			continue
		}
		if latest == nil || tr.CreatedAt.After(latest.CreatedAt) {
			latest = tr
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return latest.Clone(), nil
}

func (t *memTx) ListTopups(_ context.Context, accountID int64) ([]*models.TopupRequest, error) {
	var out []*models.TopupRequest
	for _, tr := range t.st.topups {
		if tr.AccountID == accountID {
			out = append(out, tr.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) ListExpirableTopups(_ context.Context, createdBefore time.Time) ([]*models.TopupRequest, error) {
	var out []*models.TopupRequest
	for _, tr := range t.st.topups {
		if tr.Status == models.TopupPending && tr.PaymentStatus == models.PaymentPending &&
			tr.Confirmations == 0 && tr.CreatedAt.Before(createdBefore) {
			out = append(out, tr.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) UpdateTopup(_ context.Context, tr *models.TopupRequest, expected models.TopupStatus, expectedPayment models.PaymentStatus) error {
	cur, ok := t.st.topups[tr.ID]
	if !ok || cur.Status != expected || (expectedPayment != "" && cur.PaymentStatus != expectedPayment) {
		return repository.ErrStaleState
	}
	t.st.topups[tr.ID] = tr.Clone()
	return nil
}

func (t *memTx) InsertWithdraw(_ context.Context, w *models.WithdrawRequest) error {
	t.st.withdraws[w.ID] = w.Clone()
	return nil
}

func (t *memTx) GetWithdraw(_ context.Context, id string) (*models.WithdrawRequest, error) {
	w, ok := t.st.withdraws[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return w.Clone(), nil
}

func (t *memTx) LockWithdraw(ctx context.Context, id string) (*models.WithdrawRequest, error) {
	return t.GetWithdraw(ctx, id)
}

func (t *memTx) ListWithdraws(_ context.Context, accountID int64) ([]*models.WithdrawRequest, error) {
	var out []*models.WithdrawRequest
	for _, w := range t.st.withdraws {
		if w.AccountID == accountID {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) ListWithdrawsForLevel(_ context.Context, accountID int64, level int) ([]*models.WithdrawRequest, error) {
	var out []*models.WithdrawRequest
	for _, w := range t.st.withdraws {
		if w.AccountID == accountID && w.Level == level && !w.IsDirect {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) UpdateWithdraw(_ context.Context, w *models.WithdrawRequest, expected models.WithdrawStatus) error {
	cur, ok := t.st.withdraws[w.ID]
	if !ok || cur.Status != expected {
		return repository.ErrStaleState
	}
	t.st.withdraws[w.ID] = w.Clone()
	return nil
}

func (t *memTx) InsertTierRequest(_ context.Context, r *models.TierRequest) error {
	t.st.tiers[r.ID] = r.Clone()
	return nil
}

func (t *memTx) GetTierRequest(_ context.Context, id string) (*models.TierRequest, error) {
	r, ok := t.st.tiers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.Clone(), nil
}

func (t *memTx) LockTierRequest(ctx context.Context, id string) (*models.TierRequest, error) {
	return t.GetTierRequest(ctx, id)
}

func (t *memTx) ListTierRequests(_ context.Context, accountID int64) ([]*models.TierRequest, error) {
	var out []*models.TierRequest
	for _, r := range t.st.tiers {
		if r.AccountID == accountID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) FindPendingTierRequest(_ context.Context, accountID int64) (*models.TierRequest, error) {
	for _, r := range t.st.tiers {
		if r.AccountID == accountID && r.Status == models.TierRequestPending {
			return r.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *memTx) UpdateTierRequest(_ context.Context, r *models.TierRequest, expected models.TierRequestStatus) error {
	cur, ok := t.st.tiers[r.ID]
	if !ok || cur.Status != expected {
		return repository.ErrStaleState
	}
	t.st.tiers[r.ID] = r.Clone()
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, ev models.SettlementEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.now()
	}
	t.st.events = append(t.st.events, ev)
	return nil
}

var _ repository.Store = (*Store)(nil)
