package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/dtc/pkg/observability"
)

// Migration is one forward-only schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the schema history in version order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					email VARCHAR(320) NOT NULL,
					password_hash VARCHAR(255) NOT NULL,
					display_name VARCHAR(100) NOT NULL DEFAULT '',
					role VARCHAR(16) NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'admin')),
					disabled BOOLEAN NOT NULL DEFAULT FALSE,
					customer_id VARCHAR(255),
					subscription_id VARCHAR(255),
					paid_until TIMESTAMPTZ,
					used_storage DOUBLE PRECISION NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT users_email_key UNIQUE (email)
				);

				CREATE INDEX IF NOT EXISTS idx_users_billing_due
					ON users(paid_until)
					WHERE subscription_id IS NOT NULL AND customer_id IS NOT NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_users_customer_id
					ON users(customer_id) WHERE customer_id IS NOT NULL;
			`,
		},
		{
			Version:     2,
			Description: "Create capsules and capsule_media tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS capsules (
					id BIGSERIAL PRIMARY KEY,
					owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					title VARCHAR(200) NOT NULL,
					message TEXT NOT NULL DEFAULT '',
					recipient_email VARCHAR(320) NOT NULL,
					deliver_at TIMESTAMPTZ NOT NULL,
					status VARCHAR(16) NOT NULL DEFAULT 'scheduled'
						CHECK (status IN ('scheduled', 'delivered', 'failed')),
					delivered_at TIMESTAMPTZ,
					delivery_attempts INT NOT NULL DEFAULT 0,
					last_error TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_capsules_owner ON capsules(owner_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_capsules_due
					ON capsules(deliver_at) WHERE status = 'scheduled';

				CREATE TABLE IF NOT EXISTS capsule_media (
					id BIGSERIAL PRIMARY KEY,
					capsule_id BIGINT NOT NULL REFERENCES capsules(id) ON DELETE CASCADE,
					object_key VARCHAR(1024) NOT NULL UNIQUE,
					file_name VARCHAR(255) NOT NULL,
					content_type VARCHAR(255) NOT NULL,
					size_bytes BIGINT NOT NULL CHECK (size_bytes >= 0),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_capsule_media_capsule ON capsule_media(capsule_id);
			`,
		},
		{
			Version:     3,
			Description: "Create payments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS payments (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					stripe_invoice_id VARCHAR(255) NOT NULL,
					amount NUMERIC(12, 2) NOT NULL,
					currency VARCHAR(3) NOT NULL,
					status VARCHAR(32) NOT NULL,
					period_end TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT payments_stripe_invoice_id_key UNIQUE (stripe_invoice_id)
				);

				CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id, created_at DESC);
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in
// schema_migrations, each in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		logger.WithField("version", m.Version).Infof("Applying migration: %s", m.Description)

		err := WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
				m.Version, m.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
