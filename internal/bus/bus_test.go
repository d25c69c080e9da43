package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/kernel/internal/telemetry"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := New(telemetry.NoopBundle())
	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 2)

	b.Subscribe("tool.invoked", func(_ context.Context, evt Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		done <- struct{}{}
	})
	b.Subscribe("*", func(_ context.Context, evt Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		done <- struct{}{}
	})

	b.Publish(context.Background(), Event{Type: "tool.invoked", TenantID: "t1"})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for subscriber delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "tool.invoked", got[0].Type)
}

func TestPublishDoesNotDeliverToOtherTypes(t *testing.T) {
	b := New(telemetry.NoopBundle())
	called := make(chan struct{}, 1)
	b.Subscribe("budget.threshold", func(context.Context, Event) { called <- struct{}{} })

	b.Publish(context.Background(), Event{Type: "tool.invoked"})

	select {
	case <-called:
		t.Fatal("subscriber for a different event type should not be invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(telemetry.NoopBundle())
	called := make(chan struct{}, 1)
	unsub := b.Subscribe("x", func(context.Context, Event) { called <- struct{}{} })
	unsub()

	b.Publish(context.Background(), Event{Type: "x"})

	select {
	case <-called:
		t.Fatal("unsubscribed handler should not be invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPanickingHandlerDoesNotAffectOthers(t *testing.T) {
	b := New(telemetry.NoopBundle())
	done := make(chan struct{}, 1)
	b.Subscribe("x", func(context.Context, Event) { panic("boom") })
	b.Subscribe("x", func(context.Context, Event) { done <- struct{}{} })

	b.Publish(context.Background(), Event{Type: "x"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sibling handler should still run after a panicking one")
	}
}
