// Engine executes Workflows. Grounded on the teacher's
// runtime/agent/engine/inmem/engine.go: a goroutine-per-run executor with a
// status map and a Handle/Future pattern, generalized from "run a registered
// Go workflow function" to "interpret a declarative Step tree".
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/toolmesh/kernel/internal/kernel"
	"github.com/toolmesh/kernel/internal/sampling"
	"github.com/toolmesh/kernel/internal/telemetry"
)

// ToolInvoker is the Tool Router's surface, as seen by the workflow engine.
type ToolInvoker interface {
	Invoke(ctx context.Context, rc kernel.RequestContext, serverID, toolName string, args []byte) ([]byte, error)
}

// ResourceFetcher resolves a resource step.
type ResourceFetcher interface {
	FetchResource(ctx context.Context, rc kernel.RequestContext, serverID, uri string) ([]byte, error)
}

// PromptFetcher resolves a prompt step.
type PromptFetcher interface {
	FetchPrompt(ctx context.Context, rc kernel.RequestContext, serverID, name string, args map[string]any) ([]byte, error)
}

// BudgetRecorder is called after every step to record spend, allowing the
// engine to halt early if a budget is exhausted mid-run.
type BudgetRecorder interface {
	RecordSpend(ctx context.Context, rc kernel.RequestContext, workflowID string, cost Cost) error
}

// Engine executes workflows. Two implementations are provided: InMemEngine
// (goroutine-backed, process-local) and, per SPEC_FULL.md §1.B, an optional
// Temporal-backed durable engine with the same interface.
type Engine interface {
	Start(ctx context.Context, rc kernel.RequestContext, wf Workflow, input map[string]any) (*Handle, error)
	QueryStatus(runID string) (RunStatus, bool)
}

// Handle is returned by Start and lets callers await or cancel a run.
type Handle struct {
	RunID  string
	done   chan struct{}
	cancel context.CancelFunc
	result *Execution
	mu     *sync.Mutex
}

// Wait blocks until the run finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Execution, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation of the run's context.
func (h *Handle) Cancel() { h.cancel() }

// InMemEngine runs workflows as goroutines in the current process.
type InMemEngine struct {
	tools     ToolInvoker
	resources ResourceFetcher
	prompts   PromptFetcher
	samplers  *sampling.Registry
	budget    BudgetRecorder
	bus       Publisher
	telemetry telemetry.Bundle
	renderer  *Renderer

	mu       sync.Mutex
	statuses map[string]RunStatus
}

// Publisher is the Event Bus surface the engine emits workflow lifecycle
// events onto.
type Publisher interface {
	Publish(ctx context.Context, eventType string, tenantID string, payload any)
}

// NewInMemEngine constructs an in-process Engine.
func NewInMemEngine(tools ToolInvoker, resources ResourceFetcher, prompts PromptFetcher, samplers *sampling.Registry, budget BudgetRecorder, bus Publisher, tel telemetry.Bundle) *InMemEngine {
	return &InMemEngine{
		tools: tools, resources: resources, prompts: prompts, samplers: samplers,
		budget: budget, bus: bus, telemetry: tel, renderer: NewRenderer(),
		statuses: make(map[string]RunStatus),
	}
}

// Start begins executing wf in a new goroutine and returns immediately with
// a Handle, matching the teacher's StartWorkflow/handle pattern.
func (e *InMemEngine) Start(ctx context.Context, rc kernel.RequestContext, wf Workflow, input map[string]any) (*Handle, error) {
	runID := wf.ID + ":" + fmt.Sprint(time.Now().UnixNano())
	runCtx, cancel := context.WithCancel(ctx)

	h := &Handle{RunID: runID, done: make(chan struct{}), cancel: cancel, mu: &sync.Mutex{}}

	e.mu.Lock()
	e.statuses[runID] = RunRunning
	e.mu.Unlock()

	go e.run(runCtx, rc, runID, wf, input, h)

	return h, nil
}

// QueryStatus reports the last known status of runID.
func (e *InMemEngine) QueryStatus(runID string) (RunStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.statuses[runID]
	return s, ok
}

func (e *InMemEngine) run(ctx context.Context, rc kernel.RequestContext, runID string, wf Workflow, input map[string]any, h *Handle) {
	exec := &Execution{ID: runID, WorkflowID: wf.ID, Status: RunRunning, StartedAt: time.Now()}
	stepCtx := map[string]any{"input": input, "steps": map[string]any{}}

	status := RunCompleted
	var runErr error

	for _, step := range wf.Steps {
		select {
		case <-ctx.Done():
			status, runErr = RunCanceled, ctx.Err()
		default:
		}
		if runErr != nil {
			break
		}

		result := e.executeStep(ctx, rc, wf, step, stepCtx)
		exec.StepLog = append(exec.StepLog, result)
		exec.Cost.add(result.Cost)
		stepCtx["steps"].(map[string]any)[step.ID] = result.Output

		if e.budget != nil {
			if err := e.budget.RecordSpend(ctx, rc, wf.ID, result.Cost); err != nil {
				status, runErr = RunFailed, err
				break
			}
		}

		if result.Err != nil {
			action := step.OnError
			if action == "" {
				action = ActionStop
			}
			if action == ActionStop {
				if wf.ErrorPolicy == WorkflowContinue {
					continue
				}
				status, runErr = RunFailed, result.Err
				if step.Rollback {
					e.runRollback(ctx, rc, wf, step, stepCtx)
				}
				break
			}
			// ActionContinue: fall through, keep going.
		}
	}

	exec.Status = status
	exec.Err = runErr
	exec.EndedAt = time.Now()
	if runErr == nil && len(exec.StepLog) > 0 {
		exec.Output = exec.StepLog[len(exec.StepLog)-1].Output
	}

	e.mu.Lock()
	e.statuses[runID] = status
	e.mu.Unlock()

	h.mu.Lock()
	h.result = exec
	h.mu.Unlock()
	close(h.done)

	if e.bus != nil {
		e.bus.Publish(ctx, "workflow.completed", rc.Principal.TenantID, exec)
	}
}

func (e *InMemEngine) runRollback(ctx context.Context, rc kernel.RequestContext, wf Workflow, step Step, stepCtx map[string]any) {
	for _, rb := range step.RollbackSteps {
		e.executeStep(ctx, rc, wf, rb, stepCtx)
	}
}

func (e *InMemEngine) executeStep(ctx context.Context, rc kernel.RequestContext, wf Workflow, step Step, stepCtx map[string]any) StepResult {
	start := time.Now()
	var result StepResult
	result.StepID = step.ID

	attempts := step.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	backoffDelay := step.RetryBackoff
	if backoffDelay <= 0 {
		backoffDelay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break
			}
		}
		output, cost, err := e.dispatch(ctx, rc, wf, step, stepCtx)
		result.Cost.add(cost)
		if err == nil {
			result.Output = output
			lastErr = nil
			break
		}
		lastErr = err
		if step.OnError != ActionRetry {
			break
		}
	}

	result.Err = lastErr
	result.Cost.DurationMS += time.Since(start).Milliseconds()
	return result
}

func (e *InMemEngine) dispatch(ctx context.Context, rc kernel.RequestContext, wf Workflow, step Step, stepCtx map[string]any) (any, Cost, error) {
	rendered, err := e.renderer.Render(step.Config, stepCtx)
	if err != nil {
		return nil, Cost{}, kernel.NewError(kernel.ErrInvalidInput, "template render failed for step "+step.ID, err)
	}
	cfg, _ := rendered.(map[string]any)

	switch step.Type {
	case StepTool:
		return e.dispatchTool(ctx, rc, step, cfg)
	case StepResource:
		return e.dispatchResource(ctx, rc, step)
	case StepPrompt:
		return e.dispatchPrompt(ctx, rc, step, cfg)
	case StepSampling:
		return e.dispatchSampling(ctx, step, cfg)
	case StepCondition:
		return e.dispatchCondition(ctx, rc, wf, step, stepCtx)
	case StepParallel:
		return e.dispatchParallel(ctx, rc, wf, step, stepCtx)
	default:
		return nil, Cost{}, kernel.NewError(kernel.ErrInvalidInput, "unknown step type "+string(step.Type), nil)
	}
}
