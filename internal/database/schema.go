package database

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id BIGINT PRIMARY KEY,
		balance NUMERIC(30, 8) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		tier INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS account_levels (
		account_id BIGINT NOT NULL REFERENCES accounts(id),
		level INTEGER NOT NULL,
		rewards JSONB NOT NULL DEFAULT '{}',
		commission_percent NUMERIC(5, 2) NOT NULL DEFAULT 0,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		reward_total_usd NUMERIC(30, 8) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (account_id, level)
	)`,
	`CREATE TABLE IF NOT EXISTS default_level_rewards (
		level INTEGER NOT NULL,
		network TEXT NOT NULL,
		amount NUMERIC(30, 8) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (level, network)
	)`,
	`CREATE TABLE IF NOT EXISTS conversion_rates (
		network TEXT PRIMARY KEY,
		rate NUMERIC(30, 8) NOT NULL,
		mode TEXT NOT NULL DEFAULT 'auto',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS topup_requests (
		id UUID PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES accounts(id),
		amount_usd NUMERIC(30, 8) NOT NULL,
		crypto_amount NUMERIC(30, 8),
		currency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		payment_status TEXT NOT NULL DEFAULT 'pending',
		confirmations INTEGER NOT NULL DEFAULT 0,
		required_confirmations INTEGER NOT NULL DEFAULT 1,
		session_id TEXT NOT NULL DEFAULT '',
		payment_address TEXT NOT NULL DEFAULT '',
		tx_hash TEXT NOT NULL DEFAULT '',
		credited_amount NUMERIC(30, 8) NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS topup_requests_session_idx ON topup_requests (session_id) WHERE session_id <> ''`,
	`CREATE INDEX IF NOT EXISTS topup_requests_pending_idx ON topup_requests (account_id, currency, created_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS withdraw_requests (
		id UUID PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES accounts(id),
		amount NUMERIC(30, 8) NOT NULL,
		wallet TEXT NOT NULL DEFAULT '',
		networks JSONB NOT NULL DEFAULT '{}',
		level INTEGER NOT NULL DEFAULT 0,
		commission NUMERIC(30, 8) NOT NULL DEFAULT 0,
		reward_usd NUMERIC(30, 8) NOT NULL DEFAULT 0,
		is_direct BOOLEAN NOT NULL DEFAULT FALSE,
		add_to_balance BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'pending',
		confirmed_wallet TEXT NOT NULL DEFAULT '',
		confirmed_amount NUMERIC(30, 8),
		reviewer TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS withdraw_requests_level_idx ON withdraw_requests (account_id, level)`,
	`CREATE TABLE IF NOT EXISTS tier_requests (
		id UUID PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES accounts(id),
		requested_tier INTEGER NOT NULL,
		current_tier INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		reviewer TEXT NOT NULL DEFAULT '',
		review_note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		reviewed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tier_requests_pending_idx ON tier_requests (account_id) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS settlement_events (
		id BIGSERIAL PRIMARY KEY,
		request_id TEXT NOT NULL,
		request_kind TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		trigger TEXT NOT NULL,
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS settlement_events_request_idx ON settlement_events (request_id)`,
}

// Migrate creates the ledger tables if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
