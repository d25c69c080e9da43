// Package pool implements the kernel's connection pool: one live Client per
// upstream server, created lazily, reconnected with backoff on failure, and
// health-checked on a ticking interval.
//
// Grounded on the teacher's registry/health_tracker.go (ping loop, staleness
// threshold = (missedPingThreshold+1) * pingInterval, per-key ownership) —
// simplified to single-process ticking (no Pulse-backed distributed ticker
// election, see DESIGN.md) — and on the websocket transport used in the
// teacher's example/ HTTP server plus the pack's CirtusX-ctrl-ai-v1, which
// confirms gorilla/websocket as the idiomatic choice for this concern.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/toolmesh/kernel/internal/kernel"
	"github.com/toolmesh/kernel/internal/telemetry"
)

const (
	DefaultPingInterval        = 10 * time.Second
	DefaultMissedPingThreshold = 3
)

// Client is the transport-agnostic surface the Tool Router calls into. Each
// Transport implementation (stdio/http/ws) satisfies this.
type Client interface {
	// Call invokes a tool on the upstream and returns its raw JSON result.
	Call(ctx context.Context, toolName string, args []byte) ([]byte, error)
	// Ping verifies liveness without invoking a tool.
	Ping(ctx context.Context) error
	// Close releases transport resources.
	Close() error
}

// Dialer creates a new Client for a server config. One Dialer is registered
// per transport name ("stdio", "http", "ws").
type Dialer func(ctx context.Context, cfg kernel.ServerConfig) (Client, error)

type entry struct {
	mu              sync.Mutex
	client          Client
	cfg             kernel.ServerConfig
	healthy         bool
	lastPong        time.Time
	backoffState    backoff.BackOff
	stopPing        chan struct{}
}

// Pool owns the set of live upstream connections.
type Pool struct {
	mu       sync.Mutex
	dialers  map[string]Dialer
	entries  map[string]*entry
	telemetry telemetry.Bundle

	pingInterval        time.Duration
	missedPingThreshold int
}

// New constructs a Pool. Register transport dialers with RegisterDialer
// before calling Client.
func New(tel telemetry.Bundle) *Pool {
	return &Pool{
		dialers:             make(map[string]Dialer),
		entries:             make(map[string]*entry),
		telemetry:           tel,
		pingInterval:        DefaultPingInterval,
		missedPingThreshold: DefaultMissedPingThreshold,
	}
}

// RegisterDialer registers the Dialer used for servers whose Transport field
// equals transport (e.g. "stdio", "http", "ws").
func (p *Pool) RegisterDialer(transport string, d Dialer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialers[transport] = d
}

// WithPingInterval overrides the ping loop's tick interval, which otherwise
// defaults to DefaultPingInterval. Must be called before the pool dials its
// first server.
func (p *Pool) WithPingInterval(d time.Duration) *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingInterval = d
	return p
}

// WithMissedPingThreshold overrides how many consecutive missed pings mark a
// connection stale, which otherwise defaults to DefaultMissedPingThreshold.
// Must be called before the pool dials its first server.
func (p *Pool) WithMissedPingThreshold(n int) *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.missedPingThreshold = n
	return p
}

// Client returns the live Client for cfg, dialing lazily on first use and
// starting its health-check ping loop. Subsequent calls for the same server
// ID reuse the connection.
func (p *Pool) Client(ctx context.Context, cfg kernel.ServerConfig) (Client, error) {
	p.mu.Lock()
	e, ok := p.entries[cfg.ID]
	if !ok {
		e = &entry{cfg: cfg}
		p.entries[cfg.ID] = e
	}
	dialer, ok := p.dialers[cfg.Transport]
	p.mu.Unlock()
	if !ok {
		return nil, kernel.NewError(kernel.ErrInvalidInput, fmt.Sprintf("no dialer registered for transport %q", cfg.Transport), nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	client, err := dialer(ctx, cfg)
	if err != nil {
		return nil, kernel.NewError(kernel.ErrUpstream, "failed to dial upstream server "+cfg.ID, err)
	}
	e.client = client
	e.healthy = true
	e.lastPong = time.Now()
	e.stopPing = make(chan struct{})
	go p.pingLoop(e)
	return client, nil
}

// Remove closes and forgets the connection for serverID, if any.
func (p *Pool) Remove(serverID string) error {
	p.mu.Lock()
	e, ok := p.entries[serverID]
	delete(p.entries, serverID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopPing != nil {
		close(e.stopPing)
	}
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// IsHealthy reports whether serverID's connection answered its last ping
// within the staleness threshold.
func (p *Pool) IsHealthy(serverID string) bool {
	p.mu.Lock()
	e, ok := p.entries[serverID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	staleness := time.Duration(p.missedPingThreshold+1) * p.pingInterval
	return e.healthy && time.Since(e.lastPong) < staleness
}

func (p *Pool) pingLoop(e *entry) {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopPing:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.pingInterval/2)
			err := e.client.Ping(ctx)
			cancel()
			e.mu.Lock()
			if err != nil {
				e.healthy = false
				p.telemetry.Log.Warn(context.Background(), "upstream ping failed", "server_id", e.cfg.ID, "error", err)
			} else {
				e.healthy = true
				e.lastPong = time.Now()
			}
			e.mu.Unlock()
		}
	}
}

// NewReconnectBackoff builds the exponential backoff policy used by
// reconnecting transports (ws), per DESIGN.md's grounding on
// github.com/cenkalti/backoff/v4.
func NewReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely; caller controls via context
	return b
}
