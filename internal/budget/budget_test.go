package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/kernel/internal/kernel"
)

type memAlertStore struct {
	mu     sync.Mutex
	fired  map[string]bool
}

func newMemAlertStore() *memAlertStore { return &memAlertStore{fired: make(map[string]bool)} }

func (s *memAlertStore) MarkFired(_ context.Context, budgetID string, periodStart time.Time, threshold float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := budgetID + periodStart.String() + string(rune(int(threshold)))
	if s.fired[key] {
		return false, nil
	}
	s.fired[key] = true
	return true, nil
}

type recordingBus struct {
	mu         sync.Mutex
	events     []AlertEvent
	eventTypes []string
}

func (b *recordingBus) Publish(_ context.Context, eventType string, _ string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if evt, ok := payload.(AlertEvent); ok {
		b.events = append(b.events, evt)
		b.eventTypes = append(b.eventTypes, eventType)
	}
}

func TestAdmitRejectsWhenOverBudget(t *testing.T) {
	e := New(nil, nil)
	e.Configure(Budget{ID: "b1", Scope: ScopeTenant, Key: "t1", LimitCredits: 10, Enabled: true, EnforceLimit: true})

	err := e.Admit(context.Background(), Keys{TenantID: "t1"}, 5)
	require.NoError(t, err)
	require.NoError(t, e.RecordSpend(context.Background(), Keys{TenantID: "t1"}, 5))

	err = e.Admit(context.Background(), Keys{TenantID: "t1"}, 6)
	require.Error(t, err)
	assert.True(t, kernel.IsCode(err, kernel.ErrBudgetExceeded))
}

func TestNarrowestScopeCheckedFirst(t *testing.T) {
	e := New(nil, nil)
	e.Configure(Budget{ID: "wf", Scope: ScopeWorkflow, Key: "wf1", LimitCredits: 1, Enabled: true, EnforceLimit: true})
	e.Configure(Budget{ID: "tenant", Scope: ScopeTenant, Key: "t1", LimitCredits: 1000, Enabled: true, EnforceLimit: true})

	err := e.Admit(context.Background(), Keys{WorkflowID: "wf1", TenantID: "t1"}, 2)
	require.Error(t, err)
	assert.True(t, kernel.IsCode(err, kernel.ErrBudgetExceeded))
}

func TestBudgetRollsOverAfterPeriod(t *testing.T) {
	now := time.Now()
	e := New(nil, nil).WithClock(func() time.Time { return now })
	e.Configure(Budget{ID: "b1", Scope: ScopeTenant, Key: "t1", LimitCredits: 10, Period: time.Hour, Enabled: true, EnforceLimit: true})

	require.NoError(t, e.RecordSpend(context.Background(), Keys{TenantID: "t1"}, 10))
	require.Error(t, e.Admit(context.Background(), Keys{TenantID: "t1"}, 1))

	now = now.Add(2 * time.Hour)
	require.NoError(t, e.Admit(context.Background(), Keys{TenantID: "t1"}, 1))
}

func TestThresholdAlertFiresOncePerPeriod(t *testing.T) {
	store := newMemAlertStore()
	bus := &recordingBus{}
	e := New(store, bus)
	e.Configure(Budget{ID: "b1", Scope: ScopeTenant, Key: "t1", LimitCredits: 100})

	require.NoError(t, e.RecordSpend(context.Background(), Keys{TenantID: "t1"}, 50))
	require.NoError(t, e.RecordSpend(context.Background(), Keys{TenantID: "t1"}, 1))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Len(t, bus.events, 1) // 50% threshold fires exactly once even though spend crossed it twice
	assert.Equal(t, "budget.threshold_50_reached", bus.eventTypes[0])
}

func TestThresholdAlertKindsMatchCrossedPercentage(t *testing.T) {
	store := newMemAlertStore()
	bus := &recordingBus{}
	e := New(store, bus)
	e.Configure(Budget{ID: "b1", Scope: ScopeTenant, Key: "t1", LimitCredits: 100})

	require.NoError(t, e.RecordSpend(context.Background(), Keys{TenantID: "t1"}, 100))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.eventTypes, 4)
	assert.Equal(t, []string{
		"budget.threshold_50_reached",
		"budget.threshold_75_reached",
		"budget.threshold_90_reached",
		"budget.exceeded",
	}, bus.eventTypes)
}

func TestEnforceLimitFalseNeverDenies(t *testing.T) {
	e := New(nil, nil)
	e.Configure(Budget{ID: "b1", Scope: ScopeTenant, Key: "t1", LimitCredits: 10, Enabled: true, EnforceLimit: false})

	require.NoError(t, e.RecordSpend(context.Background(), Keys{TenantID: "t1"}, 50))
	assert.NoError(t, e.Admit(context.Background(), Keys{TenantID: "t1"}, 1000))
}

func TestWorkflowBudgetPausesAtFullSpend(t *testing.T) {
	store := newMemAlertStore()
	bus := &recordingBus{}
	e := New(store, bus)
	e.Configure(Budget{ID: "wf1", Scope: ScopeWorkflow, Key: "wf1", LimitCredits: 100, Enabled: true, EnforceLimit: true})

	require.NoError(t, e.RecordSpend(context.Background(), Keys{WorkflowID: "wf1"}, 100))

	err := e.Admit(context.Background(), Keys{WorkflowID: "wf1"}, 0)
	require.Error(t, err)
	assert.True(t, kernel.IsCode(err, kernel.ErrBudgetExceeded))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Contains(t, bus.eventTypes, "workflow.paused_budget")
}

// TestAdmitNeverAllowsSpendToExceedLimit is a property test of spec.md §8's
// budget invariant: Admit never admits a cost that would push recorded spend
// past the configured limit within one period.
func TestAdmitNeverAllowsSpendToExceedLimit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("total recorded spend never exceeds the configured limit", prop.ForAll(
		func(limit float64, costs []float64) bool {
			e := New(nil, nil)
			e.Configure(Budget{ID: "b1", Scope: ScopeTenant, Key: "t1", LimitCredits: limit, Enabled: true, EnforceLimit: true})
			ctx := context.Background()
			keys := Keys{TenantID: "t1"}

			total := 0.0
			for _, cost := range costs {
				if err := e.Admit(ctx, keys, cost); err != nil {
					continue
				}
				require.NoError(t, e.RecordSpend(ctx, keys, cost))
				total += cost
			}
			return total <= limit
		},
		gen.Float64Range(1, 1000),
		gen.SliceOf(gen.Float64Range(0.01, 50)),
	))

	properties.TestingRun(t)
}
