package workflow

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/toolmesh/kernel/internal/kernel"
	"github.com/toolmesh/kernel/internal/sampling"
)

func (e *InMemEngine) dispatchTool(ctx context.Context, rc kernel.RequestContext, step Step, cfg map[string]any) (any, Cost, error) {
	args, err := json.Marshal(cfg)
	if err != nil {
		return nil, Cost{}, kernel.NewError(kernel.ErrInvalidInput, "failed marshaling tool args", err)
	}
	raw, err := e.tools.Invoke(ctx, rc, step.ServerID, step.ToolName, args)
	if err != nil {
		return nil, Cost{}, err
	}
	var out any
	if jerr := json.Unmarshal(raw, &out); jerr != nil {
		out = string(raw)
	}
	return out, Cost{Credits: 1}, nil
}

func (e *InMemEngine) dispatchResource(ctx context.Context, rc kernel.RequestContext, step Step) (any, Cost, error) {
	if e.resources == nil {
		return nil, Cost{}, kernel.NewError(kernel.ErrInvalidInput, "no resource fetcher configured", nil)
	}
	raw, err := e.resources.FetchResource(ctx, rc, step.ServerID, step.ResourceURI)
	if err != nil {
		return nil, Cost{}, err
	}
	var out any
	if jerr := json.Unmarshal(raw, &out); jerr != nil {
		out = string(raw)
	}
	return out, Cost{Credits: 1}, nil
}

func (e *InMemEngine) dispatchPrompt(ctx context.Context, rc kernel.RequestContext, step Step, cfg map[string]any) (any, Cost, error) {
	if e.prompts == nil {
		return nil, Cost{}, kernel.NewError(kernel.ErrInvalidInput, "no prompt fetcher configured", nil)
	}
	raw, err := e.prompts.FetchPrompt(ctx, rc, step.ServerID, step.PromptName, cfg)
	if err != nil {
		return nil, Cost{}, err
	}
	var out any
	if jerr := json.Unmarshal(raw, &out); jerr != nil {
		out = string(raw)
	}
	return out, Cost{Credits: 1}, nil
}

func (e *InMemEngine) dispatchSampling(ctx context.Context, step Step, cfg map[string]any) (any, Cost, error) {
	if e.samplers == nil {
		return nil, Cost{}, kernel.NewError(kernel.ErrInvalidInput, "no sampling registry configured", nil)
	}
	provider, ok := e.samplers.Resolve(step.Provider)
	if !ok {
		return nil, Cost{}, kernel.NewError(kernel.ErrInvalidInput, "unknown sampling provider "+step.Provider, nil)
	}

	req := &sampling.Request{}
	if v, ok := cfg["prompt"].(string); ok {
		req.Messages = []sampling.Message{{Role: "user", Text: v}}
	}
	if v, ok := cfg["model"].(string); ok {
		req.Model = v
	}
	if v, ok := cfg["maxTokens"].(float64); ok {
		req.MaxTokens = int(v)
	}

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, Cost{}, kernel.NewError(kernel.ErrUpstream, "sampling call failed", err)
	}
	cost := Cost{Tokens: resp.TokensUsed.TotalTokens, Credits: float64(resp.TokensUsed.TotalTokens) / 1000.0}
	return resp.Text, cost, nil
}

func (e *InMemEngine) dispatchCondition(ctx context.Context, rc kernel.RequestContext, wf Workflow, step Step, stepCtx map[string]any) (any, Cost, error) {
	rendered, err := e.renderer.renderString("{{ "+step.Condition+" }}", stepCtx)
	if err != nil {
		return nil, Cost{}, kernel.NewError(kernel.ErrInvalidInput, "condition evaluation failed", err)
	}

	branch := step.Else
	if truthy(rendered) {
		branch = step.Then
	}

	var cost Cost
	var lastOutput any
	for _, sub := range branch {
		result := e.executeStep(ctx, rc, wf, sub, stepCtx)
		cost.add(result.Cost)
		stepCtx["steps"].(map[string]any)[sub.ID] = result.Output
		if result.Err != nil {
			return nil, cost, result.Err
		}
		lastOutput = result.Output
	}
	return lastOutput, cost, nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case float64:
		return val != 0
	default:
		return true
	}
}

func (e *InMemEngine) dispatchParallel(ctx context.Context, rc kernel.RequestContext, wf Workflow, step Step, stepCtx map[string]any) (any, Cost, error) {
	results := make([]StepResult, len(step.Steps))
	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range step.Steps {
		i, sub := i, sub
		g.Go(func() error {
			results[i] = e.executeStep(gctx, rc, wf, sub, stepCtx)
			return nil // collect all errors instead of short-circuiting the group
		})
	}
	_ = g.Wait()

	var cost Cost
	outputs := make(map[string]any, len(results))
	var firstErr error
	for i, r := range results {
		cost.add(r.Cost)
		outputs[step.Steps[i].ID] = r.Output
		if r.Err != nil && firstErr == nil {
			firstErr = r.Err
		}
	}
	return outputs, cost, firstErr
}
