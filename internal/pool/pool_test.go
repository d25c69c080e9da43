package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/kernel/internal/kernel"
	"github.com/toolmesh/kernel/internal/telemetry"
)

type fakeClient struct {
	pingErr error
	closed  bool
}

func (f *fakeClient) Call(context.Context, string, []byte) ([]byte, error) { return []byte("ok"), nil }
func (f *fakeClient) Ping(context.Context) error                           { return f.pingErr }
func (f *fakeClient) Close() error                                         { f.closed = true; return nil }

func TestClientDialsLazilyAndReuses(t *testing.T) {
	p := New(telemetry.NoopBundle())
	dialCount := 0
	fc := &fakeClient{}
	p.RegisterDialer("fake", func(context.Context, kernel.ServerConfig) (Client, error) {
		dialCount++
		return fc, nil
	})

	cfg := kernel.ServerConfig{ID: "s1", Transport: "fake"}
	c1, err := p.Client(context.Background(), cfg)
	require.NoError(t, err)
	c2, err := p.Client(context.Background(), cfg)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, dialCount)
}

func TestClientUnknownTransport(t *testing.T) {
	p := New(telemetry.NoopBundle())
	_, err := p.Client(context.Background(), kernel.ServerConfig{ID: "s1", Transport: "nope"})
	require.Error(t, err)
	assert.True(t, kernel.IsCode(err, kernel.ErrInvalidInput))
}

func TestRemoveClosesClient(t *testing.T) {
	p := New(telemetry.NoopBundle())
	fc := &fakeClient{}
	p.RegisterDialer("fake", func(context.Context, kernel.ServerConfig) (Client, error) { return fc, nil })

	cfg := kernel.ServerConfig{ID: "s1", Transport: "fake"}
	_, err := p.Client(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, p.Remove("s1"))
	assert.True(t, fc.closed)
}

func TestIsHealthyTracksPingOutcome(t *testing.T) {
	p := New(telemetry.NoopBundle())
	p.pingInterval = 20 * time.Millisecond
	p.missedPingThreshold = 1
	fc := &fakeClient{}
	p.RegisterDialer("fake", func(context.Context, kernel.ServerConfig) (Client, error) { return fc, nil })

	cfg := kernel.ServerConfig{ID: "s1", Transport: "fake"}
	_, err := p.Client(context.Background(), cfg)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return p.IsHealthy("s1") }, time.Second, 5*time.Millisecond)
}
