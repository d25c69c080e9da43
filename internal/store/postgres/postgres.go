// Package postgres implements the kernel's Persistence Facade: a single
// pgx-backed relational store fronting server configuration, audit/usage
// history, webhook subscriptions/deliveries, and budget alert bookkeeping.
//
// Grounded on nevindra-oasis/store/postgres/postgres.go: a Store wrapping an
// externally-owned *pgxpool.Pool, idempotent Init, and multi-row writes
// wrapped in transactions. Unlike the teacher, migrations here are
// forward-only and version-tracked (migrations.go) rather than re-run
// CREATE-IF-NOT-EXISTS statements, since the kernel's schema is expected to
// evolve across releases rather than stay fixed.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toolmesh/kernel/internal/audit"
	"github.com/toolmesh/kernel/internal/kernel"
	"github.com/toolmesh/kernel/internal/webhook"
)

// Store implements audit.Store, webhook.Store, budget.AlertStore, and
// router.ServerResolver against PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init runs every unapplied migration. Safe to call on every process start.
func (s *Store) Init(ctx context.Context) error {
	return s.runMigrations(ctx)
}

// --- Server configuration (router.ServerResolver) ---

// PutServer inserts or replaces a server's configuration.
func (s *Store) PutServer(ctx context.Context, cfg kernel.ServerConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO servers (id, tenant_id, name, transport, endpoint, command, tags, created_at, disabled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name, transport = EXCLUDED.transport,
		   endpoint = EXCLUDED.endpoint, command = EXCLUDED.command, tags = EXCLUDED.tags,
		   disabled_at = EXCLUDED.disabled_at`,
		cfg.ID, cfg.TenantID, cfg.Name, cfg.Transport, cfg.Endpoint, strings.Join(cfg.Command, "\x1f"), strings.Join(cfg.Tags, ","), cfg.CreatedAt, cfg.DisabledAt)
	if err != nil {
		return fmt.Errorf("postgres: put server: %w", err)
	}
	return nil
}

// GetServer implements router.ServerResolver.
func (s *Store) GetServer(ctx context.Context, serverID string) (kernel.ServerConfig, error) {
	var cfg kernel.ServerConfig
	var command, tags string
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, transport, endpoint, command, tags, created_at, disabled_at
		 FROM servers WHERE id = $1`, serverID,
	).Scan(&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Transport, &cfg.Endpoint, &command, &tags, &cfg.CreatedAt, &cfg.DisabledAt)
	if err == pgx.ErrNoRows {
		return kernel.ServerConfig{}, kernel.NewError(kernel.ErrNotFound, "server not found: "+serverID, nil)
	}
	if err != nil {
		return kernel.ServerConfig{}, fmt.Errorf("postgres: get server: %w", err)
	}
	if command != "" {
		cfg.Command = strings.Split(command, "\x1f")
	}
	if tags != "" {
		cfg.Tags = strings.Split(tags, ",")
	}
	return cfg, nil
}

// ListServers returns every server configured for tenantID, or every server
// across all tenants when tenantID is empty.
func (s *Store) ListServers(ctx context.Context, tenantID string) ([]kernel.ServerConfig, error) {
	var rows pgx.Rows
	var err error
	if tenantID == "" {
		rows, err = s.pool.Query(ctx, `SELECT id, tenant_id, name, transport, endpoint, command, tags, created_at, disabled_at FROM servers ORDER BY created_at`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT id, tenant_id, name, transport, endpoint, command, tags, created_at, disabled_at FROM servers WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: list servers: %w", err)
	}
	defer rows.Close()

	var out []kernel.ServerConfig
	for rows.Next() {
		var cfg kernel.ServerConfig
		var command, tags string
		if err := rows.Scan(&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Transport, &cfg.Endpoint, &command, &tags, &cfg.CreatedAt, &cfg.DisabledAt); err != nil {
			return nil, fmt.Errorf("postgres: scan server: %w", err)
		}
		if command != "" {
			cfg.Command = strings.Split(command, "\x1f")
		}
		if tags != "" {
			cfg.Tags = strings.Split(tags, ",")
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// RemoveServer deletes a server's configuration.
func (s *Store) RemoveServer(ctx context.Context, serverID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM servers WHERE id = $1`, serverID)
	return err
}

// --- audit.Store ---

func (s *Store) InsertAudit(ctx context.Context, e kernel.AuditEntry) error {
	var detail *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return err
		}
		v := string(data)
		detail = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_entries (id, tenant_id, actor, action, target, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		e.ID, e.TenantID, e.Actor, e.Action, e.Target, detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]kernel.AuditEntry, error) {
	where, args := auditWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf(`SELECT id, tenant_id, actor, action, target, detail, created_at
		FROM audit_entries%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit: %w", err)
	}
	defer rows.Close()

	var out []kernel.AuditEntry
	for rows.Next() {
		var e kernel.AuditEntry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Actor, &e.Action, &e.Target, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if detail != nil {
			e.Detail = map[string]any{}
			_ = json.Unmarshal(detail, &e.Detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) InsertUsage(ctx context.Context, u kernel.UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, tenant_id, server_id, tool_name, api_key_id, success, duration_ms, error_code, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.TenantID, u.ServerID, u.ToolName, u.APIKeyID, u.Success, u.DurationMS, u.ErrorCode, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert usage record: %w", err)
	}
	return nil
}

func (s *Store) QueryUsage(ctx context.Context, f audit.Filter) ([]kernel.UsageRecord, error) {
	where, args := usageWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf(`SELECT id, tenant_id, server_id, tool_name, api_key_id, success, duration_ms, error_code, created_at
		FROM usage_records%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query usage: %w", err)
	}
	defer rows.Close()

	var out []kernel.UsageRecord
	for rows.Next() {
		var u kernel.UsageRecord
		if err := rows.Scan(&u.ID, &u.TenantID, &u.ServerID, &u.ToolName, &u.APIKeyID, &u.Success, &u.DurationMS, &u.ErrorCode, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan usage record: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAuditBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_entries WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteUsageBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM usage_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete usage records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// auditWhere and usageWhere build a "WHERE ..." clause (or "") plus
// positional args for the Filter's compound conditions.
func auditWhere(f audit.Filter) (string, []any) {
	var clauses []string
	var args []any
	p := 1
	if f.TenantID != "" {
		clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", p))
		args = append(args, f.TenantID)
		p++
	}
	if f.Actor != "" {
		clauses = append(clauses, fmt.Sprintf("actor = $%d", p))
		args = append(args, f.Actor)
		p++
	}
	if f.Action != "" {
		clauses = append(clauses, fmt.Sprintf("action = $%d", p))
		args = append(args, f.Action)
		p++
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", p))
		args = append(args, f.Since)
		p++
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", p))
		args = append(args, f.Until)
		p++
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func usageWhere(f audit.Filter) (string, []any) {
	var clauses []string
	var args []any
	p := 1
	if f.TenantID != "" {
		clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", p))
		args = append(args, f.TenantID)
		p++
	}
	if f.ServerID != "" {
		clauses = append(clauses, fmt.Sprintf("server_id = $%d", p))
		args = append(args, f.ServerID)
		p++
	}
	if f.ToolName != "" {
		clauses = append(clauses, fmt.Sprintf("tool_name = $%d", p))
		args = append(args, f.ToolName)
		p++
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", p))
		args = append(args, f.Since)
		p++
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", p))
		args = append(args, f.Until)
		p++
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// --- webhook.Store ---

func (s *Store) SaveSubscription(ctx context.Context, sub webhook.Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_subscriptions (id, tenant_id, url, secret, event_types, server_filter, disabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   tenant_id = EXCLUDED.tenant_id, url = EXCLUDED.url, secret = EXCLUDED.secret,
		   event_types = EXCLUDED.event_types, server_filter = EXCLUDED.server_filter, disabled = EXCLUDED.disabled`,
		sub.ID, sub.TenantID, sub.URL, sub.Secret, strings.Join(sub.EventTypes, ","), strings.Join(sub.ServerFilter, ","), sub.Disabled)
	if err != nil {
		return fmt.Errorf("postgres: save subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (webhook.Subscription, error) {
	var sub webhook.Subscription
	var eventTypes, serverFilter string
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, url, secret, event_types, server_filter, disabled FROM webhook_subscriptions WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Secret, &eventTypes, &serverFilter, &sub.Disabled)
	if err == pgx.ErrNoRows {
		return webhook.Subscription{}, kernel.NewError(kernel.ErrNotFound, "subscription not found: "+id, nil)
	}
	if err != nil {
		return webhook.Subscription{}, fmt.Errorf("postgres: get subscription: %w", err)
	}
	if eventTypes != "" {
		sub.EventTypes = strings.Split(eventTypes, ",")
	}
	if serverFilter != "" {
		sub.ServerFilter = strings.Split(serverFilter, ",")
	}
	return sub, nil
}

// ListSubscriptions returns every subscription, for loading into
// webhook.Service at process startup.
func (s *Store) ListSubscriptions(ctx context.Context) ([]webhook.Subscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, tenant_id, url, secret, event_types, server_filter, disabled FROM webhook_subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []webhook.Subscription
	for rows.Next() {
		var sub webhook.Subscription
		var eventTypes, serverFilter string
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Secret, &eventTypes, &serverFilter, &sub.Disabled); err != nil {
			return nil, fmt.Errorf("postgres: scan subscription: %w", err)
		}
		if eventTypes != "" {
			sub.EventTypes = strings.Split(eventTypes, ",")
		}
		if serverFilter != "" {
			sub.ServerFilter = strings.Split(serverFilter, ",")
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) SaveDelivery(ctx context.Context, d webhook.Delivery) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, subscription_id, event_type, payload, created_at, attempt, delivered, status_code, last_error, next_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   attempt = EXCLUDED.attempt, delivered = EXCLUDED.delivered, status_code = EXCLUDED.status_code,
		   last_error = EXCLUDED.last_error, next_attempt_at = EXCLUDED.next_attempt_at`,
		deliveryID(d), d.SubscriptionID, d.EventType, d.Payload, createdAt, d.Attempt, d.Delivered, d.StatusCode, d.LastError, d.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("postgres: save delivery: %w", err)
	}
	return nil
}

func (s *Store) ListPendingDeliveries(ctx context.Context, before time.Time) ([]webhook.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, subscription_id, event_type, payload, created_at, attempt, delivered, status_code, last_error, next_attempt_at
		 FROM webhook_deliveries WHERE NOT delivered AND next_attempt_at <= $1`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []webhook.Delivery
	for rows.Next() {
		var d webhook.Delivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.CreatedAt, &d.Attempt, &d.Delivered, &d.StatusCode, &d.LastError, &d.NextAttemptAt); err != nil {
			return nil, fmt.Errorf("postgres: scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func deliveryID(d webhook.Delivery) string {
	if d.ID != "" {
		return d.ID
	}
	return d.SubscriptionID + ":" + d.EventType + ":" + time.Now().UTC().Format(time.RFC3339Nano)
}

// --- budget.AlertStore ---

func (s *Store) MarkFired(ctx context.Context, budgetID string, periodStart time.Time, threshold float64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO budget_alerts_fired (budget_id, period_start, threshold) VALUES ($1, $2, $3)
		 ON CONFLICT (budget_id, period_start, threshold) DO NOTHING`,
		budgetID, periodStart, threshold)
	if err != nil {
		return false, fmt.Errorf("postgres: mark alert fired: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- scanner.Store ---

// SaveDetection persists one key-exposure scanner hit.
func (s *Store) SaveDetection(ctx context.Context, d kernel.KeyExposureDetection) error {
	id := d.ID
	if id == "" {
		id = d.PatternID + ":" + d.ServerID + ":" + d.ToolName + ":" + d.DetectedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO key_exposure_detections (id, pattern_id, tool_name, server_id, detected_at, sample)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, d.PatternID, d.ToolName, d.ServerID, d.DetectedAt, d.Sample)
	if err != nil {
		return fmt.Errorf("postgres: save key exposure detection: %w", err)
	}
	return nil
}

// SaveKeyPattern registers or replaces a configured scanner pattern.
func (s *Store) SaveKeyPattern(ctx context.Context, p kernel.KeyPattern) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO key_patterns (id, pattern, description) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET pattern = EXCLUDED.pattern, description = EXCLUDED.description`,
		p.ID, p.Pattern, p.Description)
	if err != nil {
		return fmt.Errorf("postgres: save key pattern: %w", err)
	}
	return nil
}

// ListKeyPatterns returns every configured scanner pattern, for loading into
// a scanner.Scanner at startup.
func (s *Store) ListKeyPatterns(ctx context.Context) ([]kernel.KeyPattern, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, pattern, description FROM key_patterns`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list key patterns: %w", err)
	}
	defer rows.Close()
	var out []kernel.KeyPattern
	for rows.Next() {
		var p kernel.KeyPattern
		if err := rows.Scan(&p.ID, &p.Pattern, &p.Description); err != nil {
			return nil, fmt.Errorf("postgres: scan key pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close is a no-op; the caller owns the pool and manages its lifecycle.
func (s *Store) Close() error { return nil }
