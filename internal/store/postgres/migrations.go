package postgres

import (
	"context"
	"fmt"
)

// migration is one forward-only schema change, applied inside its own
// transaction and recorded in schema_migrations.
type migration struct {
	version int
	name    string
	stmt    string
}

// migrations lists every schema change in order. Never edit an applied
// migration's stmt — append a new one instead.
var migrations = []migration{
	{1, "create_servers", `
		CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			transport TEXT NOT NULL,
			endpoint TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			disabled_at TIMESTAMPTZ
		)`},
	{2, "create_audit_entries", `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			detail JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS audit_entries_tenant_idx ON audit_entries(tenant_id, created_at);`},
	{3, "create_usage_records", `
		CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			server_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			api_key_id TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL,
			duration_ms BIGINT NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS usage_records_tenant_idx ON usage_records(tenant_id, created_at);
		CREATE INDEX IF NOT EXISTS usage_records_server_idx ON usage_records(server_id, created_at);`},
	{4, "create_webhook_subscriptions", `
		CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			event_types TEXT NOT NULL DEFAULT '',
			server_filter TEXT NOT NULL DEFAULT '',
			disabled BOOLEAN NOT NULL DEFAULT FALSE
		)`},
	{5, "create_webhook_deliveries", `
		CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			delivered BOOLEAN NOT NULL DEFAULT FALSE,
			last_error TEXT NOT NULL DEFAULT '',
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS webhook_deliveries_pending_idx ON webhook_deliveries(next_attempt_at) WHERE NOT delivered;`},
	{6, "create_budget_alerts_fired", `
		CREATE TABLE IF NOT EXISTS budget_alerts_fired (
			budget_id TEXT NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			fired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (budget_id, period_start, threshold)
		)`},
	{7, "create_server_groups", `
		CREATE TABLE IF NOT EXISTS server_groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			server_ids TEXT NOT NULL DEFAULT ''
		)`},
	{8, "create_api_keys", `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			roles TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ
		)`},
	{9, "create_key_exposure_tables", `
		CREATE TABLE IF NOT EXISTS key_patterns (
			id TEXT PRIMARY KEY,
			pattern TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS key_exposure_detections (
			id TEXT PRIMARY KEY,
			pattern_id TEXT NOT NULL,
			tool_name TEXT NOT NULL DEFAULT '',
			server_id TEXT NOT NULL DEFAULT '',
			detected_at TIMESTAMPTZ NOT NULL,
			sample TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS key_exposure_detections_server_idx ON key_exposure_detections(server_id, detected_at);`},
	{10, "add_webhook_delivery_status_code", `
		ALTER TABLE webhook_deliveries ADD COLUMN IF NOT EXISTS status_code INTEGER NOT NULL DEFAULT 0;
		ALTER TABLE webhook_deliveries ADD COLUMN IF NOT EXISTS created_at TIMESTAMPTZ NOT NULL DEFAULT now();`},
}

// runMigrations applies every migration not yet recorded in
// schema_migrations, each inside its own transaction.
func (s *Store) runMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("postgres: list applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, m.stmt); err != nil {
			tx.Rollback(ctx) //nolint:errcheck
			return fmt.Errorf("postgres: apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
			tx.Rollback(ctx) //nolint:errcheck
			return fmt.Errorf("postgres: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
