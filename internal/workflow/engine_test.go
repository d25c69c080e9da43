package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/kernel/internal/kernel"
	"github.com/toolmesh/kernel/internal/telemetry"
)

type fakeInvoker struct {
	calls int
	fail  int // number of leading calls to fail
}

func (f *fakeInvoker) Invoke(_ context.Context, _ kernel.RequestContext, _ string, toolName string, args []byte) ([]byte, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, kernel.NewError(kernel.ErrUpstream, "transient failure", nil)
	}
	return json.Marshal(map[string]any{"tool": toolName, "echoed": json.RawMessage(args)})
}

func runAndWait(t *testing.T, e *InMemEngine, wf Workflow, input map[string]any) *Execution {
	t.Helper()
	h, err := e.Start(context.Background(), kernel.RequestContext{}, wf, input)
	require.NoError(t, err)
	exec, err := h.Wait(context.Background())
	require.NoError(t, err)
	return exec
}

func TestExecuteSimpleToolWorkflow(t *testing.T) {
	inv := &fakeInvoker{}
	e := NewInMemEngine(inv, nil, nil, nil, nil, nil, telemetry.NoopBundle())

	wf := Workflow{ID: "wf1", Steps: []Step{
		{ID: "s1", Type: StepTool, ServerID: "srv1", ToolName: "echo", Config: map[string]any{"msg": "{{ input.text }}"}},
	}}

	exec := runAndWait(t, e, wf, map[string]any{"text": "hi"})
	require.Equal(t, RunCompleted, exec.Status)
	require.Len(t, exec.StepLog, 1)
	assert.NoError(t, exec.StepLog[0].Err)
}

func TestWorkflowStopsOnErrorByDefault(t *testing.T) {
	inv := &fakeInvoker{fail: 99}
	e := NewInMemEngine(inv, nil, nil, nil, nil, nil, telemetry.NoopBundle())

	wf := Workflow{ID: "wf1", Steps: []Step{
		{ID: "s1", Type: StepTool, ServerID: "srv1", ToolName: "a"},
		{ID: "s2", Type: StepTool, ServerID: "srv1", ToolName: "b"},
	}}

	exec := runAndWait(t, e, wf, nil)
	assert.Equal(t, RunFailed, exec.Status)
	assert.Len(t, exec.StepLog, 1)
}

func TestWorkflowContinuesWhenPolicyIsContinue(t *testing.T) {
	inv := &fakeInvoker{fail: 1}
	e := NewInMemEngine(inv, nil, nil, nil, nil, nil, telemetry.NoopBundle())

	wf := Workflow{ID: "wf1", ErrorPolicy: WorkflowContinue, Steps: []Step{
		{ID: "s1", Type: StepTool, ServerID: "srv1", ToolName: "a"},
		{ID: "s2", Type: StepTool, ServerID: "srv1", ToolName: "b"},
	}}

	exec := runAndWait(t, e, wf, nil)
	assert.Equal(t, RunCompleted, exec.Status)
	assert.Len(t, exec.StepLog, 2)
}

func TestStepRetriesUntilSuccess(t *testing.T) {
	inv := &fakeInvoker{fail: 2}
	e := NewInMemEngine(inv, nil, nil, nil, nil, nil, telemetry.NoopBundle())

	wf := Workflow{ID: "wf1", Steps: []Step{
		{ID: "s1", Type: StepTool, ServerID: "srv1", ToolName: "a", OnError: ActionRetry, MaxRetries: 3, RetryBackoff: time.Millisecond},
	}}

	exec := runAndWait(t, e, wf, nil)
	assert.Equal(t, RunCompleted, exec.Status)
	assert.NoError(t, exec.StepLog[0].Err)
	assert.Equal(t, 3, inv.calls)
}

func TestConditionStepPicksThenBranch(t *testing.T) {
	inv := &fakeInvoker{}
	e := NewInMemEngine(inv, nil, nil, nil, nil, nil, telemetry.NoopBundle())

	wf := Workflow{ID: "wf1", Steps: []Step{
		{
			ID: "c1", Type: StepCondition, Condition: "input.flag",
			Then: []Step{{ID: "t1", Type: StepTool, ServerID: "srv1", ToolName: "yes"}},
			Else: []Step{{ID: "t2", Type: StepTool, ServerID: "srv1", ToolName: "no"}},
		},
	}}

	exec := runAndWait(t, e, wf, map[string]any{"flag": true})
	require.Equal(t, RunCompleted, exec.Status)
	assert.Equal(t, 1, inv.calls)
}

func TestParallelStepRunsConcurrently(t *testing.T) {
	inv := &fakeInvoker{}
	e := NewInMemEngine(inv, nil, nil, nil, nil, nil, telemetry.NoopBundle())

	wf := Workflow{ID: "wf1", Steps: []Step{
		{ID: "p1", Type: StepParallel, Steps: []Step{
			{ID: "a", Type: StepTool, ServerID: "srv1", ToolName: "a"},
			{ID: "b", Type: StepTool, ServerID: "srv1", ToolName: "b"},
		}},
	}}

	exec := runAndWait(t, e, wf, nil)
	require.Equal(t, RunCompleted, exec.Status)
	assert.Equal(t, 2, inv.calls)
}

func TestQueryStatusReflectsCompletion(t *testing.T) {
	inv := &fakeInvoker{}
	e := NewInMemEngine(inv, nil, nil, nil, nil, nil, telemetry.NoopBundle())
	wf := Workflow{ID: "wf1", Steps: []Step{{ID: "s1", Type: StepTool, ServerID: "srv1", ToolName: "a"}}}

	h, err := e.Start(context.Background(), kernel.RequestContext{}, wf, nil)
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	status, ok := e.QueryStatus(h.RunID)
	require.True(t, ok)
	assert.Equal(t, RunCompleted, status)
}
