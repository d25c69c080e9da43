// Package budget implements the kernel's budget enforcer: hierarchical
// spend checks across workflow -> tenant -> api_key -> global scopes, with
// one-time-per-period threshold alerting.
//
// No teacher file implements a budget-like concept directly; the package is
// styled on features/model/middleware/ratelimit.go's mutex-per-key counter
// discipline (per DESIGN.md), generalized from "tokens per minute" to
// "spend per period per scope".
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/toolmesh/kernel/internal/kernel"
)

// Scope names a budget's precedence level. Lower index = checked first and
// is the narrowest scope.
type Scope string

const (
	ScopeWorkflow Scope = "workflow"
	ScopeTenant   Scope = "tenant"
	ScopeAPIKey   Scope = "api_key"
	ScopeGlobal   Scope = "global"
)

// scopeOrder defines admission precedence: narrowest scope checked first.
var scopeOrder = []Scope{ScopeWorkflow, ScopeTenant, ScopeAPIKey, ScopeGlobal}

// Budget is one configured spend ceiling for one scope+key pair.
type Budget struct {
	ID           string
	Scope        Scope
	Key          string // workflow ID / tenant ID / api key ID / "" for global
	LimitCredits float64
	Period       time.Duration

	// Enabled gates whether this budget can reject calls in Admit; a
	// disabled budget still exists (for reporting) and still fires
	// threshold alerts, but never rejects.
	Enabled bool
	// EnforceLimit gates whether crossing LimitCredits actually denies
	// calls. A budget with Enabled=true, EnforceLimit=false still tracks
	// spend and fires threshold alerts but never blocks (spec.md §4.H:
	// "a budget denies iff enabled ∧ enforceLimit ∧ currentSpend ≥
	// budgetCredits").
	EnforceLimit bool
}

// AlertThresholds are the percentages at which a one-time-per-period alert
// fires (spec.md: 50/75/90/100%).
var AlertThresholds = []float64{50, 75, 90, 100}

// AlertEvent is published (via Publisher) the first time a budget crosses a
// threshold within its current period.
type AlertEvent struct {
	BudgetID   string
	Scope      Scope
	Key        string
	Threshold  float64
	SpentTotal float64
	Limit      float64
}

// Publisher is the Event Bus surface budget alerts are announced on.
type Publisher interface {
	Publish(ctx context.Context, eventType string, tenantID string, payload any)
}

// AlertStore persists which (budgetID, periodStart, threshold) alerts have
// already fired, so alerts survive process restart (Open Question decision,
// see DESIGN.md) instead of being tracked purely in memory.
type AlertStore interface {
	// MarkFired returns true if this is the first time this threshold has
	// fired for this period (i.e., it records a new row), false if it was
	// already recorded.
	MarkFired(ctx context.Context, budgetID string, periodStart time.Time, threshold float64) (firstTime bool, err error)
}

type spendState struct {
	mu          sync.Mutex
	spent       float64
	periodStart time.Time
	// paused is set when a workflow-scope, EnforceLimit budget crosses
	// 100% (spec.md §4.H); it forces Admit to deny regardless of
	// estimatedCost until the next period rollover clears it.
	paused bool
}

// Enforcer tracks spend per configured Budget and admits/rejects calls
// against the full scope hierarchy.
type Enforcer struct {
	mu      sync.Mutex
	budgets map[string]*Budget // keyed by ID
	state   map[string]*spendState
	alerts  AlertStore
	bus     Publisher
	now     func() time.Time
}

// New constructs an Enforcer.
func New(alerts AlertStore, bus Publisher) *Enforcer {
	return &Enforcer{
		budgets: make(map[string]*Budget),
		state:   make(map[string]*spendState),
		alerts:  alerts,
		bus:     bus,
		now:     time.Now,
	}
}

// WithClock overrides the enforcer's clock; intended for tests.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// Configure registers or replaces a budget.
func (e *Enforcer) Configure(b Budget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.budgets[b.ID] = &b
	if _, ok := e.state[b.ID]; !ok {
		e.state[b.ID] = &spendState{periodStart: e.now()}
	}
}

// Keys identifying the hierarchy for one request.
type Keys struct {
	WorkflowID string
	TenantID   string
	APIKeyID   string
}

func (k Keys) forScope(s Scope) string {
	switch s {
	case ScopeWorkflow:
		return k.WorkflowID
	case ScopeTenant:
		return k.TenantID
	case ScopeAPIKey:
		return k.APIKeyID
	default:
		return ""
	}
}

// Admit checks estimatedCost against every applicable budget in precedence
// order (workflow -> tenant -> api_key -> global). The first exhausted
// budget rejects the call with ErrBudgetExceeded.
func (e *Enforcer) Admit(_ context.Context, keys Keys, estimatedCost float64) error {
	for _, scope := range scopeOrder {
		key := keys.forScope(scope)
		b := e.findBudgetLocked(scope, key)
		if b == nil || !b.Enabled || !b.EnforceLimit {
			continue
		}
		st := e.stateFor(b.ID)
		st.mu.Lock()
		e.rolloverLocked(b, st)
		exceeded := st.paused || st.spent+estimatedCost > b.LimitCredits
		st.mu.Unlock()
		if exceeded {
			return kernel.NewError(kernel.ErrBudgetExceeded, "budget exceeded for scope "+string(scope), nil)
		}
	}
	return nil
}

// RecordSpend records actualCost against every applicable budget and fires
// threshold alerts as needed.
func (e *Enforcer) RecordSpend(ctx context.Context, keys Keys, actualCost float64) error {
	for _, scope := range scopeOrder {
		key := keys.forScope(scope)
		b := e.findBudgetLocked(scope, key)
		if b == nil {
			continue
		}
		st := e.stateFor(b.ID)
		st.mu.Lock()
		e.rolloverLocked(b, st)
		st.spent += actualCost
		spent, periodStart, limit := st.spent, st.periodStart, b.LimitCredits
		st.mu.Unlock()

		e.checkThresholds(ctx, b, st, spent, periodStart, limit)
	}
	return nil
}

// eventKindFor maps a crossed threshold percentage to its Event Bus kind
// (spec.md §4.A: budget.threshold_{50,75,90}_reached, budget.exceeded at
// 100%).
func eventKindFor(threshold float64) string {
	switch threshold {
	case 50:
		return "budget.threshold_50_reached"
	case 75:
		return "budget.threshold_75_reached"
	case 90:
		return "budget.threshold_90_reached"
	case 100:
		return "budget.exceeded"
	default:
		return "budget.threshold"
	}
}

func (e *Enforcer) checkThresholds(ctx context.Context, b *Budget, st *spendState, spent float64, periodStart time.Time, limit float64) {
	if limit <= 0 {
		return
	}
	pct := spent / limit * 100
	for _, threshold := range AlertThresholds {
		if pct < threshold {
			continue
		}
		if threshold == 100 && b.Scope == ScopeWorkflow && b.Enabled && b.EnforceLimit {
			st.mu.Lock()
			alreadyPaused := st.paused
			st.paused = true
			st.mu.Unlock()
			if !alreadyPaused && e.bus != nil {
				e.bus.Publish(ctx, "workflow.paused_budget", b.Key, AlertEvent{
					BudgetID: b.ID, Scope: b.Scope, Key: b.Key, Threshold: threshold, SpentTotal: spent, Limit: limit,
				})
			}
		}
		if e.alerts == nil {
			continue
		}
		firstTime, err := e.alerts.MarkFired(ctx, b.ID, periodStart, threshold)
		if err != nil || !firstTime {
			continue
		}
		if e.bus != nil {
			e.bus.Publish(ctx, eventKindFor(threshold), b.Key, AlertEvent{
				BudgetID: b.ID, Scope: b.Scope, Key: b.Key, Threshold: threshold, SpentTotal: spent, Limit: limit,
			})
		}
	}
}

// rolloverLocked resets spend when the current period has elapsed. Caller
// must hold st.mu.
func (e *Enforcer) rolloverLocked(b *Budget, st *spendState) {
	if b.Period <= 0 {
		return
	}
	now := e.now()
	if now.Sub(st.periodStart) >= b.Period {
		st.spent = 0
		st.periodStart = now
		st.paused = false
	}
}

func (e *Enforcer) findBudgetLocked(scope Scope, key string) *Budget {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.budgets {
		if b.Scope == scope && b.Key == key {
			return b
		}
	}
	return nil
}

func (e *Enforcer) stateFor(budgetID string) *spendState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[budgetID]
	if !ok {
		st = &spendState{periodStart: e.now()}
		e.state[budgetID] = st
	}
	return st
}
