// Package router implements the kernel's tool router: the dispatch pipeline
// that turns "invoke tool X with args Y" into a registry lookup, breaker
// admission, rate-limiter consumption, pooled-connection call, and recorded
// usage/audit/event outcome.
//
// Grounded on the teacher's runtime/toolregistry/executor/executor.go
// Execute method: nil checks -> spec lookup -> span -> client call -> decode
// result -> retry-hint classification on failure. The kernel's Invoke
// generalizes that pipeline with two admission gates (breaker, then rate
// limiter) ahead of the call, matching spec.md §4.F's stated step ordering.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/toolmesh/kernel/internal/audit"
	"github.com/toolmesh/kernel/internal/breaker"
	"github.com/toolmesh/kernel/internal/kernel"
	"github.com/toolmesh/kernel/internal/pool"
	"github.com/toolmesh/kernel/internal/ratelimit"
	"github.com/toolmesh/kernel/internal/registry"
	"github.com/toolmesh/kernel/internal/telemetry"
)

// Publisher is the Event Bus surface the router announces invocation
// outcomes on.
type Publisher interface {
	Publish(ctx context.Context, eventType string, tenantID string, payload any)
}

// ServerResolver looks up server configs by ID, e.g. backed by the
// Persistence Facade.
type ServerResolver interface {
	GetServer(ctx context.Context, serverID string) (kernel.ServerConfig, error)
}

// Scanner is the optional key-exposure scanner hook (SPEC_FULL.md §4.N).
// When nil, no scanning occurs.
type Scanner interface {
	Scan(ctx context.Context, serverID, toolName string, result []byte) error
}

// InvokedEvent is published after every Invoke, success or failure.
type InvokedEvent struct {
	ServerID   string
	ToolName   string
	Success    bool
	DurationMS int64
	ErrorCode  string
}

// Router dispatches tool calls through the admission-control pipeline.
type Router struct {
	registry *registry.Registry
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	pool     *pool.Pool
	servers  ServerResolver
	log      *audit.Log
	bus      Publisher
	scanner  Scanner
	tel      telemetry.Bundle
}

// New constructs a Router. scanner may be nil (scanning disabled, the
// default per SPEC_FULL.md §4.N).
func New(reg *registry.Registry, br *breaker.Breaker, lim *ratelimit.Limiter, p *pool.Pool, servers ServerResolver, log *audit.Log, bus Publisher, scanner Scanner, tel telemetry.Bundle) *Router {
	return &Router{registry: reg, breaker: br, limiter: lim, pool: p, servers: servers, log: log, bus: bus, scanner: scanner, tel: tel}
}

// Invoke runs the full dispatch pipeline for one tool call: registry lookup,
// breaker admission, rate limiter consumption, pooled connection call,
// optional key-exposure scan, then usage/audit recording and event
// emission — in that order, matching spec.md §4.F. On success it also
// increments the registry's usage counter for the resolved tool.
func (r *Router) Invoke(ctx context.Context, rc kernel.RequestContext, serverID, toolName string, args []byte) ([]byte, error) {
	start := time.Now()

	_, resolvedServerID, err := r.registry.LookupTool(serverID, toolName)
	if err != nil {
		r.finish(ctx, rc, serverID, toolName, start, err)
		return nil, err
	}

	result, err := r.invoke(ctx, rc, resolvedServerID, toolName, args, start)
	if err == nil {
		r.registry.RecordToolUsage(resolvedServerID + "/" + toolName)
	}
	return result, err
}

// InvokeOnServer runs the dispatch pipeline against a specific upstream
// server, bypassing the registry lookup entirely (spec.md §4.F). It is used
// for calls against RPC methods the registry never indexes as tools, such
// as the resource/prompt fetches below.
func (r *Router) InvokeOnServer(ctx context.Context, rc kernel.RequestContext, serverID, localName string, args []byte) ([]byte, error) {
	return r.invoke(ctx, rc, serverID, localName, args, time.Now())
}

// BatchItem is one request within an InvokeBatch call.
type BatchItem struct {
	ServerID string
	ToolName string
	Args     []byte
}

// BatchResult pairs a BatchItem with its outcome.
type BatchResult struct {
	ServerID string
	ToolName string
	Result   []byte
	Err      error
}

// InvokeBatch runs every item's Invoke concurrently and collects independent
// results: one item failing never cancels or affects any other (spec.md
// §4.F).
func (r *Router) InvokeBatch(ctx context.Context, rc kernel.RequestContext, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()
			result, err := r.Invoke(ctx, rc, item.ServerID, item.ToolName, item.Args)
			results[i] = BatchResult{ServerID: item.ServerID, ToolName: item.ToolName, Result: result, Err: err}
		}(i, item)
	}
	wg.Wait()
	return results
}

// invoke is the shared pipeline body behind Invoke and InvokeOnServer:
// breaker admission, rate limiter consumption, pooled connection call,
// optional key-exposure scan, then audit/event recording.
func (r *Router) invoke(ctx context.Context, rc kernel.RequestContext, resolvedServerID, toolName string, args []byte, start time.Time) ([]byte, error) {
	ctx, span := r.tel.Tracer.Start(ctx, "router.invoke")
	defer span.End()
	span.AddEvent("resolved", "server_id", resolvedServerID, "tool", toolName)

	if err := r.breaker.Admit(ctx, resolvedServerID); err != nil {
		r.finish(ctx, rc, resolvedServerID, toolName, start, err)
		return nil, err
	}

	if _, err := r.limiter.Consume(ctx, resolvedServerID); err != nil {
		r.breaker.RecordResult(ctx, resolvedServerID, false)
		r.finish(ctx, rc, resolvedServerID, toolName, start, err)
		return nil, err
	}

	cfg, err := r.servers.GetServer(ctx, resolvedServerID)
	if err != nil {
		r.breaker.RecordResult(ctx, resolvedServerID, false)
		r.finish(ctx, rc, resolvedServerID, toolName, start, err)
		return nil, err
	}

	client, err := r.pool.Client(ctx, cfg)
	if err != nil {
		r.breaker.RecordResult(ctx, resolvedServerID, false)
		r.finish(ctx, rc, resolvedServerID, toolName, start, err)
		return nil, err
	}

	result, err := client.Call(ctx, toolName, args)
	r.breaker.RecordResult(ctx, resolvedServerID, err == nil)
	if err != nil {
		span.RecordError(err)
		r.finish(ctx, rc, resolvedServerID, toolName, start, err)
		return nil, err
	}

	if r.scanner != nil {
		if scanErr := r.scanner.Scan(ctx, resolvedServerID, toolName, result); scanErr != nil {
			r.tel.Log.Warn(ctx, "key exposure scan failed", "server_id", resolvedServerID, "tool", toolName, "error", scanErr)
		}
	}

	r.finish(ctx, rc, resolvedServerID, toolName, start, nil)
	return result, nil
}

// finish records the usage/audit row and emits tool.invoked on success or
// tool.failed on failure (spec.md §4.A/§4.F step 5).
func (r *Router) finish(ctx context.Context, rc kernel.RequestContext, serverID, toolName string, start time.Time, err error) {
	durationMS := time.Since(start).Milliseconds()
	success := err == nil
	errorCode := ""
	if err != nil {
		var kerr *kernel.Error
		if errors.As(err, &kerr) {
			errorCode = string(kerr.Code)
		}
	}

	if r.log != nil {
		_ = r.log.RecordUsage(ctx, kernel.UsageRecord{
			TenantID: rc.Principal.TenantID, ServerID: serverID, ToolName: toolName,
			APIKeyID: rc.Principal.APIKeyID, Success: success, DurationMS: durationMS, ErrorCode: errorCode,
		})
		_ = r.log.RecordAudit(ctx, kernel.AuditEntry{
			TenantID: rc.Principal.TenantID, Actor: rc.Principal.APIKeyID, Action: "tool.invoke",
			Target: serverID + "/" + toolName,
			Detail: map[string]any{"success": success, "duration_ms": durationMS, "error_code": errorCode},
		})
	}
	if r.bus != nil {
		eventType := "tool.invoked"
		if !success {
			eventType = "tool.failed"
		}
		r.bus.Publish(ctx, eventType, rc.Principal.TenantID, InvokedEvent{
			ServerID: serverID, ToolName: toolName, Success: success, DurationMS: durationMS, ErrorCode: errorCode,
		})
	}
}

// FetchResource implements workflow.ResourceFetcher by issuing a synthetic
// "resource" call against the pooled client for serverID — the same
// transport every tool call uses, distinguished only by the RPC method name
// encoded in the args. It goes through InvokeOnServer since resource reads
// are never entries in the tool registry.
func (r *Router) FetchResource(ctx context.Context, rc kernel.RequestContext, serverID, uri string) ([]byte, error) {
	args, _ := json.Marshal(map[string]any{"uri": uri})
	return r.InvokeOnServer(ctx, rc, serverID, "resources/read", args)
}

// FetchPrompt implements workflow.PromptFetcher the same way.
func (r *Router) FetchPrompt(ctx context.Context, rc kernel.RequestContext, serverID, name string, promptArgs map[string]any) ([]byte, error) {
	args, _ := json.Marshal(map[string]any{"name": name, "arguments": promptArgs})
	return r.InvokeOnServer(ctx, rc, serverID, "prompts/get", args)
}
