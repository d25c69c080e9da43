package workflow

import (
	"context"

	"github.com/toolmesh/kernel/internal/budget"
	"github.com/toolmesh/kernel/internal/kernel"
)

// BudgetAdapter satisfies BudgetRecorder by forwarding workflow step cost to
// a budget.Enforcer, keyed on the running workflow's ID/tenant/API key.
type BudgetAdapter struct {
	Enforcer *budget.Enforcer
}

// RecordSpend converts a workflow Cost into Credits and records it against
// the workflow/tenant/api_key/global budget hierarchy.
func (a *BudgetAdapter) RecordSpend(ctx context.Context, rc kernel.RequestContext, workflowID string, cost Cost) error {
	keys := budget.Keys{WorkflowID: workflowID, TenantID: rc.Principal.TenantID, APIKeyID: rc.Principal.APIKeyID}
	return a.Enforcer.RecordSpend(ctx, keys, cost.Credits)
}
