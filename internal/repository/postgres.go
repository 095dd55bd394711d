package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tierrewards/ledger/internal/models"
)

// PostgresStore implements Store on a lib/pq connection pool.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// RunInTx runs fn in a database transaction and commits when fn returns nil.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx, now: s.now}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// expectOne converts a zero-row conditional update into sentinel.
func expectOne(res sql.Result, sentinel error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sentinel
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// --- accounts ---

func (t *pgTx) CreateAccount(ctx context.Context, id int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, tier, version, updated_at)
		VALUES ($1, 0, 1, 1, $2)
		ON CONFLICT (id) DO NOTHING`,
		id, t.now())
	return err
}

func (t *pgTx) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	return t.readAccount(ctx, `
		SELECT id, balance, tier, version, updated_at
		FROM accounts
		WHERE id = $1`, id)
}

func (t *pgTx) LockAccount(ctx context.Context, id int64) (*models.Account, error) {
	return t.readAccount(ctx, `
		SELECT id, balance, tier, version, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, id)
}

func (t *pgTx) readAccount(ctx context.Context, query string, id int64) (*models.Account, error) {
	var acc models.Account
	err := t.tx.QueryRowContext(ctx, query, id).
		Scan(&acc.ID, &acc.Balance, &acc.Tier, &acc.Version, &acc.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT level, rewards, commission_percent, completed, reward_total_usd
		FROM account_levels
		WHERE account_id = $1
		ORDER BY level`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	acc.Levels = make(map[int]*models.LevelState)
	for rows.Next() {
		var st models.LevelState
		if err := rows.Scan(&st.Level, &st.Rewards, &st.CommissionPercent, &st.Completed, &st.RewardTotalUSD); err != nil {
			return nil, err
		}
		acc.Levels[st.Level] = &st
	}
	return &acc, rows.Err()
}

func (t *pgTx) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal, version int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		balance, t.now(), id, version)
	if err != nil {
		return err
	}
	return expectOne(res, ErrVersionConflict)
}

func (t *pgTx) UpdateTier(ctx context.Context, id int64, tier int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET tier = $1, updated_at = $2
		WHERE id = $3`,
		tier, t.now(), id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrNotFound)
}

func (t *pgTx) SaveLevel(ctx context.Context, accountID int64, st *models.LevelState) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO account_levels (account_id, level, rewards, commission_percent, completed, reward_total_usd, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, level) DO UPDATE
		SET rewards = EXCLUDED.rewards,
			commission_percent = EXCLUDED.commission_percent,
			completed = EXCLUDED.completed,
			reward_total_usd = EXCLUDED.reward_total_usd,
			updated_at = EXCLUDED.updated_at`,
		accountID, st.Level, st.Rewards, st.CommissionPercent, st.Completed, st.RewardTotalUSD, t.now())
	return err
}

func (t *pgTx) ListDefaultRewards(ctx context.Context, level int) (map[models.Network]models.DefaultReward, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT level, network, amount, active
		FROM default_level_rewards
		WHERE level = $1`, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.Network]models.DefaultReward)
	for rows.Next() {
		var r models.DefaultReward
		if err := rows.Scan(&r.Level, &r.Network, &r.Amount, &r.Active); err != nil {
			return nil, err
		}
		out[r.Network] = r
	}
	return out, rows.Err()
}

func (t *pgTx) UpsertDefaultReward(ctx context.Context, r models.DefaultReward) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO default_level_rewards (level, network, amount, active, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (level, network) DO UPDATE
		SET amount = EXCLUDED.amount, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		r.Level, r.Network, r.Amount, r.Active, t.now())
	return err
}

// --- rates ---

func (t *pgTx) ListRates(ctx context.Context) ([]models.ConversionRate, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT network, rate, mode, updated_at
		FROM conversion_rates
		ORDER BY network`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConversionRate
	for rows.Next() {
		var r models.ConversionRate
		if err := rows.Scan(&r.Network, &r.Rate, &r.Mode, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) UpsertRate(ctx context.Context, r models.ConversionRate) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO conversion_rates (network, rate, mode, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (network) DO UPDATE
		SET rate = EXCLUDED.rate, mode = EXCLUDED.mode, updated_at = EXCLUDED.updated_at`,
		r.Network, r.Rate, r.Mode, r.UpdatedAt)
	return err
}

func (t *pgTx) SetRateMode(ctx context.Context, mode models.RateMode) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE conversion_rates SET mode = $1`, mode)
	return err
}

// --- topups ---

const topupColumns = `id, account_id, amount_usd, crypto_amount, currency, status, payment_status,
	confirmations, required_confirmations, session_id, payment_address, tx_hash,
	credited_amount, note, created_at, processed_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTopup(row rowScanner) (*models.TopupRequest, error) {
	var (
		tr        models.TopupRequest
		processed sql.NullTime
		expires   sql.NullTime
	)
	err := row.Scan(&tr.ID, &tr.AccountID, &tr.AmountUSD, &tr.CryptoAmount, &tr.Currency, &tr.Status,
		&tr.PaymentStatus, &tr.Confirmations, &tr.RequiredConfirmations, &tr.SessionID,
		&tr.PaymentAddress, &tr.TxHash, &tr.CreditedAmount, &tr.Note, &tr.CreatedAt, &processed, &expires)
	if err != nil {
		return nil, err
	}
	tr.ProcessedAt = timePtr(processed)
	tr.ExpiresAt = timePtr(expires)
	return &tr, nil
}

func (t *pgTx) queryTopups(ctx context.Context, query string, args ...any) ([]*models.TopupRequest, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TopupRequest
	for rows.Next() {
		tr, err := scanTopup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertTopup(ctx context.Context, tr *models.TopupRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO topup_requests (`+topupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		tr.ID, tr.AccountID, tr.AmountUSD, tr.CryptoAmount, tr.Currency, tr.Status, tr.PaymentStatus,
		tr.Confirmations, tr.RequiredConfirmations, tr.SessionID, tr.PaymentAddress, tr.TxHash,
		tr.CreditedAmount, tr.Note, tr.CreatedAt, nullTime(tr.ProcessedAt), nullTime(tr.ExpiresAt))
	return err
}

func (t *pgTx) GetTopup(ctx context.Context, id string) (*models.TopupRequest, error) {
	tr, err := scanTopup(t.tx.QueryRowContext(ctx, `SELECT `+topupColumns+` FROM topup_requests WHERE id = $1`, id))
	return tr, notFound(err)
}

func (t *pgTx) LockTopup(ctx context.Context, id string) (*models.TopupRequest, error) {
	tr, err := scanTopup(t.tx.QueryRowContext(ctx, `SELECT `+topupColumns+` FROM topup_requests WHERE id = $1 FOR UPDATE`, id))
	return tr, notFound(err)
}

func (t *pgTx) FindTopupBySession(ctx context.Context, sessionID string) (*models.TopupRequest, error) {
	tr, err := scanTopup(t.tx.QueryRowContext(ctx, `SELECT `+topupColumns+` FROM topup_requests WHERE session_id = $1`, sessionID))
	return tr, notFound(err)
}

func (t *pgTx) FindLatestPendingTopup(ctx context.Context, accountID int64, currency models.Network) (*models.TopupRequest, error) {
	tr, err := scanTopup(t.tx.QueryRowContext(ctx, `
		SELECT `+topupColumns+`
		FROM topup_requests
		WHERE account_id = $1 AND currency = $2 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1`, accountID, currency))
	return tr, notFound(err)
}

func (t *pgTx) ListTopups(ctx context.Context, accountID int64) ([]*models.TopupRequest, error) {
	return t.queryTopups(ctx, `
		SELECT `+topupColumns+`
		FROM topup_requests
		WHERE account_id = $1
		ORDER BY created_at DESC`, accountID)
}

func (t *pgTx) ListExpirableTopups(ctx context.Context, createdBefore time.Time) ([]*models.TopupRequest, error) {
	return t.queryTopups(ctx, `
		SELECT `+topupColumns+`
		FROM topup_requests
		WHERE status = 'pending' AND payment_status = 'pending' AND confirmations = 0 AND created_at < $1
		ORDER BY created_at`, createdBefore)
}

func (t *pgTx) UpdateTopup(ctx context.Context, tr *models.TopupRequest, expected models.TopupStatus, expectedPayment models.PaymentStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE topup_requests
		SET status = $1, payment_status = $2, confirmations = $3, tx_hash = $4,
			credited_amount = $5, note = $6, processed_at = $7
		WHERE id = $8 AND status = $9 AND ($10 = '' OR payment_status = $10)`,
		tr.Status, tr.PaymentStatus, tr.Confirmations, tr.TxHash, tr.CreditedAmount, tr.Note,
		nullTime(tr.ProcessedAt), tr.ID, expected, string(expectedPayment))
	if err != nil {
		return err
	}
	return expectOne(res, ErrStaleState)
}

// --- withdrawals ---

const withdrawColumns = `id, account_id, amount, wallet, networks, level, commission, reward_usd,
	is_direct, add_to_balance, status, confirmed_wallet, confirmed_amount, reviewer, note,
	created_at, processed_at, completed_at`

func scanWithdraw(row rowScanner) (*models.WithdrawRequest, error) {
	var (
		w         models.WithdrawRequest
		processed sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&w.ID, &w.AccountID, &w.Amount, &w.Wallet, &w.Networks, &w.Level, &w.Commission,
		&w.RewardUSD, &w.IsDirect, &w.AddToBalance, &w.Status, &w.ConfirmedWallet, &w.ConfirmedAmount,
		&w.Reviewer, &w.Note, &w.CreatedAt, &processed, &completed)
	if err != nil {
		return nil, err
	}
	w.ProcessedAt = timePtr(processed)
	w.CompletedAt = timePtr(completed)
	return &w, nil
}

func (t *pgTx) queryWithdraws(ctx context.Context, query string, args ...any) ([]*models.WithdrawRequest, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WithdrawRequest
	for rows.Next() {
		w, err := scanWithdraw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertWithdraw(ctx context.Context, w *models.WithdrawRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO withdraw_requests (`+withdrawColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		w.ID, w.AccountID, w.Amount, w.Wallet, w.Networks, w.Level, w.Commission, w.RewardUSD,
		w.IsDirect, w.AddToBalance, w.Status, w.ConfirmedWallet, w.ConfirmedAmount, w.Reviewer, w.Note,
		w.CreatedAt, nullTime(w.ProcessedAt), nullTime(w.CompletedAt))
	return err
}

func (t *pgTx) GetWithdraw(ctx context.Context, id string) (*models.WithdrawRequest, error) {
	w, err := scanWithdraw(t.tx.QueryRowContext(ctx, `SELECT `+withdrawColumns+` FROM withdraw_requests WHERE id = $1`, id))
	return w, notFound(err)
}

func (t *pgTx) LockWithdraw(ctx context.Context, id string) (*models.WithdrawRequest, error) {
	w, err := scanWithdraw(t.tx.QueryRowContext(ctx, `SELECT `+withdrawColumns+` FROM withdraw_requests WHERE id = $1 FOR UPDATE`, id))
	return w, notFound(err)
}

func (t *pgTx) ListWithdraws(ctx context.Context, accountID int64) ([]*models.WithdrawRequest, error) {
	return t.queryWithdraws(ctx, `
		SELECT `+withdrawColumns+`
		FROM withdraw_requests
		WHERE account_id = $1
		ORDER BY created_at DESC`, accountID)
}

func (t *pgTx) ListWithdrawsForLevel(ctx context.Context, accountID int64, level int) ([]*models.WithdrawRequest, error) {
	return t.queryWithdraws(ctx, `
		SELECT `+withdrawColumns+`
		FROM withdraw_requests
		WHERE account_id = $1 AND level = $2 AND is_direct = FALSE
		ORDER BY created_at`, accountID, level)
}

func (t *pgTx) UpdateWithdraw(ctx context.Context, w *models.WithdrawRequest, expected models.WithdrawStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE withdraw_requests
		SET status = $1, confirmed_wallet = $2, confirmed_amount = $3, reviewer = $4, note = $5,
			processed_at = $6, completed_at = $7
		WHERE id = $8 AND status = $9`,
		w.Status, w.ConfirmedWallet, w.ConfirmedAmount, w.Reviewer, w.Note,
		nullTime(w.ProcessedAt), nullTime(w.CompletedAt), w.ID, expected)
	if err != nil {
		return err
	}
	return expectOne(res, ErrStaleState)
}

// --- tier requests ---

const tierColumns = `id, account_id, requested_tier, current_tier, status, reviewer, review_note, created_at, reviewed_at`

func scanTierRequest(row rowScanner) (*models.TierRequest, error) {
	var (
		r        models.TierRequest
		reviewed sql.NullTime
	)
	err := row.Scan(&r.ID, &r.AccountID, &r.RequestedTier, &r.CurrentTier, &r.Status, &r.Reviewer,
		&r.ReviewNote, &r.CreatedAt, &reviewed)
	if err != nil {
		return nil, err
	}
	r.ReviewedAt = timePtr(reviewed)
	return &r, nil
}

func (t *pgTx) InsertTierRequest(ctx context.Context, r *models.TierRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tier_requests (`+tierColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.AccountID, r.RequestedTier, r.CurrentTier, r.Status, r.Reviewer, r.ReviewNote,
		r.CreatedAt, nullTime(r.ReviewedAt))
	return err
}

func (t *pgTx) GetTierRequest(ctx context.Context, id string) (*models.TierRequest, error) {
	r, err := scanTierRequest(t.tx.QueryRowContext(ctx, `SELECT `+tierColumns+` FROM tier_requests WHERE id = $1`, id))
	return r, notFound(err)
}

func (t *pgTx) LockTierRequest(ctx context.Context, id string) (*models.TierRequest, error) {
	r, err := scanTierRequest(t.tx.QueryRowContext(ctx, `SELECT `+tierColumns+` FROM tier_requests WHERE id = $1 FOR UPDATE`, id))
	return r, notFound(err)
}

func (t *pgTx) ListTierRequests(ctx context.Context, accountID int64) ([]*models.TierRequest, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+tierColumns+`
		FROM tier_requests
		WHERE account_id = $1
		ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TierRequest
	for rows.Next() {
		r, err := scanTierRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) FindPendingTierRequest(ctx context.Context, accountID int64) (*models.TierRequest, error) {
	r, err := scanTierRequest(t.tx.QueryRowContext(ctx, `
		SELECT `+tierColumns+`
		FROM tier_requests
		WHERE account_id = $1 AND status = 'pending'
		LIMIT 1`, accountID))
	return r, notFound(err)
}

func (t *pgTx) UpdateTierRequest(ctx context.Context, r *models.TierRequest, expected models.TierRequestStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tier_requests
		SET status = $1, reviewer = $2, review_note = $3, reviewed_at = $4
		WHERE id = $5 AND status = $6`,
		r.Status, r.Reviewer, r.ReviewNote, nullTime(r.ReviewedAt), r.ID, expected)
	if err != nil {
		return err
	}
	return expectOne(res, ErrStaleState)
}

// --- events ---

func (t *pgTx) AppendEvent(ctx context.Context, ev models.SettlementEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.now()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO settlement_events (request_id, request_kind, from_status, to_status, trigger, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.RequestID, ev.RequestKind, ev.FromStatus, ev.ToStatus, ev.Trigger, ev.Details, ev.CreatedAt)
	return err
}
