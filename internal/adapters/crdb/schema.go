package crdb

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS purchases (
		id UUID PRIMARY KEY,
		buyer_id UUID NOT NULL,
		item_kind STRING NOT NULL,
		item_id STRING NOT NULL,
		quantity INT NOT NULL DEFAULT 1,
		amount INT8 NOT NULL CHECK (amount >= 0),
		currency STRING NOT NULL,
		method STRING NOT NULL CHECK (method IN ('card', 'coupon')),
		status STRING NOT NULL CHECK (status IN ('pending', 'paid', 'failed', 'cancelled')),
		external_transaction_id STRING NOT NULL UNIQUE,
		provider STRING NOT NULL DEFAULT '',
		provider_session_id STRING NOT NULL DEFAULT '',
		coupon_id UUID NULL,
		reservation_id UUID NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		settled_at TIMESTAMPTZ NULL,
		INDEX purchases_status_created (status, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS coupons (
		id UUID PRIMARY KEY,
		code STRING NOT NULL UNIQUE,
		discount_type STRING NOT NULL CHECK (discount_type IN ('percentage', 'fixed')),
		discount_amount INT8 NOT NULL CHECK (discount_amount >= 0),
		expiry_date TIMESTAMPTZ NULL,
		usage_limit INT NULL,
		one_per_user BOOL NOT NULL DEFAULT false,
		usage_count INT NOT NULL DEFAULT 0,
		is_active BOOL NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (usage_limit IS NULL OR usage_count <= usage_limit)
	)`,
	`CREATE TABLE IF NOT EXISTS coupon_usages (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		coupon_id UUID NOT NULL,
		user_id UUID NOT NULL,
		item_kind STRING NOT NULL,
		item_id STRING NOT NULL,
		one_per_user BOOL NOT NULL,
		used_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		INDEX coupon_usages_lookup (coupon_id, user_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS coupon_usages_one_per_user
		ON coupon_usages (coupon_id, user_id) WHERE one_per_user`,
	`CREATE TABLE IF NOT EXISTS capacity_items (
		id UUID PRIMARY KEY,
		parent_id STRING NOT NULL,
		capacity_total INT NOT NULL,
		capacity_remaining INT NOT NULL CHECK (capacity_remaining >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id UUID PRIMARY KEY,
		capacity_item_id UUID NOT NULL,
		purchase_id UUID NOT NULL,
		quantity INT NOT NULL CHECK (quantity > 0),
		status STRING NOT NULL CHECK (status IN ('pending', 'confirmed', 'released')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id UUID PRIMARY KEY,
		aggregate_type STRING NOT NULL,
		aggregate_id UUID NOT NULL,
		event_type STRING NOT NULL,
		payload_json JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ NULL,
		status STRING NOT NULL CHECK (status IN ('NEW', 'PUBLISHED', 'FAILED')),
		dedupe_key STRING NOT NULL UNIQUE,
		claimed_until TIMESTAMPTZ NULL,
		INDEX outbox_status_created (status, created_at)
	)`,
	`ALTER TABLE outbox ADD COLUMN IF NOT EXISTS claimed_until TIMESTAMPTZ NULL`,
}

// Migrate creates the ledger tables when they are missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
