package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu        sync.Mutex
	requests  []*http.Request
	failUntil int
}

func (f *fakeSender) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	f.requests = append(f.requests, req)
	status := http.StatusOK
	if len(f.requests) <= f.failUntil {
		status = http.StatusInternalServerError
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(nopReader{})}, nil
}

type nopReader struct{}

func (nopReader) Read(p []byte) (int, error) { return 0, io.EOF }

func TestDispatchEnqueuesForMatchingSubscription(t *testing.T) {
	sender := &fakeSender{}
	svc := New(sender, nil, RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}, 10)
	svc.RegisterSubscription(Subscription{ID: "sub1", TenantID: "t1", URL: "http://example.invalid/hook", Secret: "s3cret", EventTypes: []string{"tool.invoked"}})

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	defer cancel()

	svc.Dispatch(context.Background(), "tool.invoked", "t1", "srv1", map[string]any{"ok": true})

	assert.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.requests) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchSkipsNonMatchingEventType(t *testing.T) {
	sender := &fakeSender{}
	svc := New(sender, nil, DefaultRetryConfig(), 10)
	svc.RegisterSubscription(Subscription{ID: "sub1", TenantID: "t1", URL: "http://example.invalid/hook", EventTypes: []string{"budget.threshold"}})

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	defer cancel()

	svc.Dispatch(context.Background(), "tool.invoked", "t1", "", nil)

	time.Sleep(50 * time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Empty(t, sender.requests)
}

func TestAttemptRetriesOnFailureThenSucceeds(t *testing.T) {
	sender := &fakeSender{failUntil: 2}
	svc := New(sender, nil, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}, 10)
	svc.RegisterSubscription(Subscription{ID: "sub1", TenantID: "t1", URL: "http://example.invalid/hook"})

	svc.attemptWithRetry(context.Background(), Delivery{SubscriptionID: "sub1", EventType: "x", Payload: []byte("{}")})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, 3, len(sender.requests))
}

func TestDeliverSendsEnvelopeAndHeaders(t *testing.T) {
	sender := &fakeSender{}
	svc := New(sender, nil, DefaultRetryConfig(), 10)
	sub := Subscription{ID: "sub1", TenantID: "t1", URL: "http://example.invalid/hook", Secret: "s3cret"}
	svc.RegisterSubscription(sub)

	err := svc.TestDeliver(context.Background(), "sub1", "tool.invoked", map[string]any{"ok": true})
	require.NoError(t, err)

	require.Len(t, sender.requests, 1)
	req := sender.requests[0]
	assert.Equal(t, "tool.invoked", req.Header.Get("X-Event-Type"))
	assert.NotEmpty(t, req.Header.Get("X-Delivery-Id"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)

	sig := req.Header.Get("X-Signature")
	assert.True(t, len(sig) > len("sha256=") && sig[:len("sha256=")] == "sha256=")
	assert.True(t, Verify("s3cret", body, sig[len("sha256="):]))

	var env envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "tool.invoked", env.Event)
	assert.False(t, env.Timestamp.IsZero())
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, true, data["ok"])
}

type recordingStore struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (s *recordingStore) SaveDelivery(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	return nil
}
func (s *recordingStore) ListPendingDeliveries(context.Context, time.Time) ([]Delivery, error) {
	return nil, nil
}
func (s *recordingStore) GetSubscription(context.Context, string) (Subscription, error) {
	return Subscription{}, nil
}

func TestDispatchPersistsDeliveryWhenQueueFull(t *testing.T) {
	store := &recordingStore{}
	svc := New(&fakeSender{}, store, DefaultRetryConfig(), 1)
	svc.RegisterSubscription(Subscription{ID: "sub1", TenantID: "t1", URL: "http://example.invalid/hook", EventTypes: []string{"tool.invoked"}})

	svc.queue <- Delivery{} // fill the one-slot queue so the next Dispatch can't enqueue
	svc.Dispatch(context.Background(), "tool.invoked", "t1", "srv1", map[string]any{"ok": true})

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.deliveries, 1)
	assert.Equal(t, "sub1", store.deliveries[0].SubscriptionID)
	assert.False(t, store.deliveries[0].Delivered)
}

func TestAttemptWithRetryRecordsStatusCode(t *testing.T) {
	sender := &fakeSender{}
	store := &recordingStore{}
	svc := New(sender, store, RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}, 10)
	svc.RegisterSubscription(Subscription{ID: "sub1", TenantID: "t1", URL: "http://example.invalid/hook"})

	svc.attemptWithRetry(context.Background(), Delivery{SubscriptionID: "sub1", EventType: "x", Payload: []byte("{}")})

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.deliveries, 1)
	assert.Equal(t, http.StatusOK, store.deliveries[0].StatusCode)
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	sig := sign("secret", payload)
	assert.True(t, Verify("secret", payload, sig))
	assert.False(t, Verify("wrong", payload, sig))
}

func TestTestDeliverUnknownSubscription(t *testing.T) {
	svc := New(&fakeSender{}, nil, DefaultRetryConfig(), 10)
	err := svc.TestDeliver(context.Background(), "missing", "x", nil)
	require.Error(t, err)
}
