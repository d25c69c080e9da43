// Package audit implements the kernel's append-only audit trail and usage
// log: compound filter/pagination/time-range queries, JSON/CSV export, and
// retention-based cleanup.
//
// Grounded on the teacher's features/run/mongo/clients/mongo/client.go
// interface-wrapped persistence client pattern (an Options struct, a
// withTimeout helper, a narrow collaborator interface so a fake can stand
// in for the driver in tests) — re-grounded onto the Persistence Facade's
// pgx-backed Store (internal/store/postgres) instead of Mongo, per
// DESIGN.md's single-relational-store decision.
package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/toolmesh/kernel/internal/kernel"
)

// Filter narrows a Query to a compound set of conditions; zero-value fields
// are not applied.
type Filter struct {
	TenantID  string
	Actor     string
	Action    string
	ServerID  string
	ToolName  string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Store is the persistence surface audit/usage query operations need. The
// Persistence Facade (internal/store/postgres) implements this.
type Store interface {
	InsertAudit(ctx context.Context, e kernel.AuditEntry) error
	QueryAudit(ctx context.Context, f Filter) ([]kernel.AuditEntry, error)
	InsertUsage(ctx context.Context, u kernel.UsageRecord) error
	QueryUsage(ctx context.Context, f Filter) ([]kernel.UsageRecord, error)
	DeleteAuditBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteUsageBefore(ctx context.Context, before time.Time) (int64, error)
}

// Log fronts the audit/usage Store with validated writes and export helpers.
type Log struct {
	store Store
	now   func() time.Time
}

// New constructs a Log.
func New(store Store) *Log {
	return &Log{store: store, now: time.Now}
}

// WithClock overrides the log's clock; intended for tests.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// RecordAudit appends an audit entry. CreatedAt and ID defaults are filled
// in if unset.
func (l *Log) RecordAudit(ctx context.Context, e kernel.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return l.store.InsertAudit(ctx, e)
}

// RecordUsage appends a usage record.
func (l *Log) RecordUsage(ctx context.Context, u kernel.UsageRecord) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = l.now()
	}
	return l.store.InsertUsage(ctx, u)
}

// QueryAudit returns audit entries matching f.
func (l *Log) QueryAudit(ctx context.Context, f Filter) ([]kernel.AuditEntry, error) {
	return l.store.QueryAudit(ctx, f)
}

// QueryUsage returns usage records matching f.
func (l *Log) QueryUsage(ctx context.Context, f Filter) ([]kernel.UsageRecord, error) {
	return l.store.QueryUsage(ctx, f)
}

// ExportAuditJSON writes matching audit entries to w as a JSON array.
func (l *Log) ExportAuditJSON(ctx context.Context, f Filter, w io.Writer) error {
	entries, err := l.store.QueryAudit(ctx, f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	return enc.Encode(entries)
}

// ExportAuditCSV writes matching audit entries to w as CSV.
func (l *Log) ExportAuditCSV(ctx context.Context, f Filter, w io.Writer) error {
	entries, err := l.store.QueryAudit(ctx, f)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	defer cw.Flush()
	if err := cw.Write([]string{"id", "tenant_id", "actor", "action", "target", "created_at"}); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write([]string{e.ID, e.TenantID, e.Actor, e.Action, e.Target, e.CreatedAt.Format(time.RFC3339)}); err != nil {
			return err
		}
	}
	return nil
}

// Retention configures how long audit/usage rows are kept.
type Retention struct {
	AuditMaxAge time.Duration
	UsageMaxAge time.Duration
}

// Cleanup deletes rows older than the configured retention windows. Intended
// to be called from a periodic scheduled job in the composition root.
func (l *Log) Cleanup(ctx context.Context, r Retention) (auditDeleted, usageDeleted int64, err error) {
	now := l.now()
	if r.AuditMaxAge > 0 {
		auditDeleted, err = l.store.DeleteAuditBefore(ctx, now.Add(-r.AuditMaxAge))
		if err != nil {
			return
		}
	}
	if r.UsageMaxAge > 0 {
		usageDeleted, err = l.store.DeleteUsageBefore(ctx, now.Add(-r.UsageMaxAge))
	}
	return
}
