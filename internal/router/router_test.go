package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/kernel/internal/audit"
	"github.com/toolmesh/kernel/internal/breaker"
	"github.com/toolmesh/kernel/internal/kernel"
	"github.com/toolmesh/kernel/internal/pool"
	"github.com/toolmesh/kernel/internal/ratelimit"
	"github.com/toolmesh/kernel/internal/registry"
	"github.com/toolmesh/kernel/internal/telemetry"
)

type fakeClient struct {
	result []byte
	err    error
	calls  int
}

func (c *fakeClient) Call(_ context.Context, _ string, _ []byte) ([]byte, error) {
	c.calls++
	return c.result, c.err
}
func (c *fakeClient) Ping(context.Context) error { return nil }
func (c *fakeClient) Close() error               { return nil }

type fakeServers struct {
	cfg kernel.ServerConfig
	err error
}

func (s *fakeServers) GetServer(context.Context, string) (kernel.ServerConfig, error) {
	return s.cfg, s.err
}

type fakeAuditStore struct {
	mu    sync.Mutex
	usage []kernel.UsageRecord
}

func (s *fakeAuditStore) InsertAudit(context.Context, kernel.AuditEntry) error { return nil }
func (s *fakeAuditStore) QueryAudit(context.Context, audit.Filter) ([]kernel.AuditEntry, error) {
	return nil, nil
}
func (s *fakeAuditStore) InsertUsage(_ context.Context, u kernel.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, u)
	return nil
}
func (s *fakeAuditStore) QueryUsage(context.Context, audit.Filter) ([]kernel.UsageRecord, error) {
	return nil, nil
}
func (s *fakeAuditStore) DeleteAuditBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (s *fakeAuditStore) DeleteUsageBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeBus struct {
	mu         sync.Mutex
	events     []InvokedEvent
	eventTypes []string
}

func (b *fakeBus) Publish(_ context.Context, eventType string, _ string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev, ok := payload.(InvokedEvent); ok {
		b.events = append(b.events, ev)
		b.eventTypes = append(b.eventTypes, eventType)
	}
}

func newTestRouterWithRegistry(t *testing.T, client pool.Client, serverErr error, reg *registry.Registry) (*Router, *fakeAuditStore, *fakeBus) {
	t.Helper()
	require.NoError(t, reg.RegisterServerTools(context.Background(), "srv1", []kernel.ToolEntry{
		{ServerID: "srv1", Name: "echo", Description: "echoes input"},
	}))

	br := breaker.New(breaker.Config{})
	lim := ratelimit.New(nil)
	lim.Configure("srv1", ratelimit.Limits{PerMinute: 100, PerDay: 1000})

	tel := telemetry.Bundle{Log: telemetry.NoopLogger{}, Metrics: telemetry.NoopMetrics{}, Tracer: telemetry.NoopTracer{}}
	p := pool.New(tel)
	p.RegisterDialer("stub", func(context.Context, kernel.ServerConfig) (pool.Client, error) {
		if client == nil {
			return nil, kernel.NewError(kernel.ErrUpstream, "dial failed", nil)
		}
		return client, nil
	})

	servers := &fakeServers{cfg: kernel.ServerConfig{ID: "srv1", Transport: "stub"}, err: serverErr}
	store := &fakeAuditStore{}
	log := audit.New(store)
	bus := &fakeBus{}

	return New(reg, br, lim, p, servers, log, bus, nil, tel), store, bus
}

func newTestRouter(t *testing.T, client pool.Client, serverErr error) (*Router, *fakeAuditStore, *fakeBus) {
	t.Helper()
	return newTestRouterWithRegistry(t, client, serverErr, registry.New(nil))
}

func TestInvokeSuccessRecordsUsageAndEvent(t *testing.T) {
	client := &fakeClient{result: []byte(`{"ok":true}`)}
	r, store, bus := newTestRouter(t, client, nil)

	rc := kernel.RequestContext{Principal: kernel.Principal{TenantID: "t1", APIKeyID: "k1"}}
	result, err := r.Invoke(context.Background(), rc, "srv1", "echo", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(result))
	assert.Equal(t, 1, client.calls)

	store.mu.Lock()
	require.Len(t, store.usage, 1)
	assert.True(t, store.usage[0].Success)
	assert.Equal(t, "srv1", store.usage[0].ServerID)
	store.mu.Unlock()

	bus.mu.Lock()
	require.Len(t, bus.events, 1)
	assert.True(t, bus.events[0].Success)
	assert.Equal(t, "tool.invoked", bus.eventTypes[0])
	bus.mu.Unlock()
}

func TestInvokeSuccessRecordsRegistryUsage(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.RegisterServerTools(context.Background(), "srv1", []kernel.ToolEntry{
		{ServerID: "srv1", Name: "echo"},
	}))
	r, _, _ := newTestRouterWithRegistry(t, &fakeClient{result: []byte(`{}`)}, nil, reg)

	rc := kernel.RequestContext{Principal: kernel.Principal{TenantID: "t1"}}
	_, err := r.Invoke(context.Background(), rc, "srv1", "echo", []byte(`{}`))
	require.NoError(t, err)

	entry, ok := reg.FindTool("srv1/echo")
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.UsageCount)
}

func TestInvokeUnknownToolFails(t *testing.T) {
	r, _, _ := newTestRouter(t, &fakeClient{}, nil)
	rc := kernel.RequestContext{Principal: kernel.Principal{TenantID: "t1"}}
	_, err := r.Invoke(context.Background(), rc, "srv1", "missing", nil)
	require.Error(t, err)
	assert.True(t, kernel.IsCode(err, kernel.ErrNotFound))
}

func TestInvokeUpstreamFailureRecordsErrorCode(t *testing.T) {
	client := &fakeClient{err: kernel.NewError(kernel.ErrUpstream, "boom", nil)}
	r, store, bus := newTestRouter(t, client, nil)

	rc := kernel.RequestContext{Principal: kernel.Principal{TenantID: "t1"}}
	_, err := r.Invoke(context.Background(), rc, "srv1", "echo", []byte(`{}`))
	require.Error(t, err)

	store.mu.Lock()
	require.Len(t, store.usage, 1)
	assert.False(t, store.usage[0].Success)
	assert.Equal(t, string(kernel.ErrUpstream), store.usage[0].ErrorCode)
	store.mu.Unlock()

	bus.mu.Lock()
	require.Len(t, bus.events, 1)
	assert.False(t, bus.events[0].Success)
	assert.Equal(t, "tool.failed", bus.eventTypes[0])
	bus.mu.Unlock()
}

func TestInvokeOnServerSkipsRegistryLookup(t *testing.T) {
	client := &fakeClient{result: []byte(`{"uri":"ok"}`)}
	r, _, _ := newTestRouter(t, client, nil)

	rc := kernel.RequestContext{Principal: kernel.Principal{TenantID: "t1"}}
	result, err := r.InvokeOnServer(context.Background(), rc, "srv1", "resources/read", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, `{"uri":"ok"}`, string(result))
}

func TestInvokeBatchIsolatesFailures(t *testing.T) {
	client := &fakeClient{result: []byte(`{"ok":true}`)}
	r, _, _ := newTestRouter(t, client, nil)

	rc := kernel.RequestContext{Principal: kernel.Principal{TenantID: "t1"}}
	results := r.InvokeBatch(context.Background(), rc, []BatchItem{
		{ServerID: "srv1", ToolName: "echo", Args: []byte(`{}`)},
		{ServerID: "srv1", ToolName: "missing", Args: []byte(`{}`)},
		{ServerID: "srv1", ToolName: "echo", Args: []byte(`{}`)},
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, `{"ok":true}`, string(results[0].Result))
	require.Error(t, results[1].Err)
	assert.True(t, kernel.IsCode(results[1].Err, kernel.ErrNotFound))
	assert.NoError(t, results[2].Err)
}
