// Package breaker implements the kernel's per-upstream circuit breaker:
// CLOSED -> OPEN -> HALF_OPEN -> CLOSED/OPEN, with a minimum call-volume
// threshold before a breaker can trip.
//
// Grounded on the teacher's runtime/a2a/retry/retry.go classification style
// (IsRetryable, ExhaustedError) generalized from "classify one error" into
// "track a rolling outcome history per key and classify the key's overall
// health". No pack repo ships a breaker state machine directly, so the state
// machine itself is domain logic written from spec (see DESIGN.md).
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/toolmesh/kernel/internal/kernel"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Publisher is the Event Bus surface the breaker announces transitions on.
type Publisher interface {
	Publish(ctx context.Context, eventType string, tenantID string, payload any)
}

// TransitionEvent is published whenever a key's breaker changes state
// (spec.md §4.A/§4.C: "Any transition publishes circuit.*").
type TransitionEvent struct {
	ServerID string
	From     State
	To       State
}

func eventTypeFor(to State) string {
	switch to {
	case Open:
		return "circuit.opened"
	case Closed:
		return "circuit.closed"
	case HalfOpen:
		return "circuit.half_open"
	default:
		return "circuit.unknown"
	}
}

// Config tunes one breaker key's trip/recovery behavior.
type Config struct {
	FailureThreshold  int           // consecutive failures to trip from CLOSED
	SuccessThreshold  int           // consecutive successes to close from HALF_OPEN
	Timeout           time.Duration // how long to stay OPEN before probing
	VolumeThreshold   int           // minimum calls observed before trip is considered
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = 1
	}
	return c
}

type keyState struct {
	mu               sync.Mutex
	cfg              Config
	state            State
	consecFailures   int
	consecSuccesses  int
	totalCalls       int
	openedAt         time.Time
	probeInFlight    bool
}

// Breaker tracks one state machine per key. Safe for concurrent use.
type Breaker struct {
	mu   sync.Mutex
	keys map[string]*keyState
	cfg  Config
	now  func() time.Time
	bus  Publisher
}

// New constructs a Breaker with default config applied to any key that is
// never explicitly Configure'd.
func New(cfg Config) *Breaker {
	return &Breaker{keys: make(map[string]*keyState), cfg: cfg.withDefaults(), now: time.Now}
}

// WithClock overrides the breaker's clock; intended for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// WithPublisher wires an Event Bus so every state transition emits a
// circuit.* event. Without one, the breaker operates silently.
func (b *Breaker) WithPublisher(pub Publisher) *Breaker {
	b.bus = pub
	return b
}

func (b *Breaker) publish(ctx context.Context, key string, from, to State) {
	if b.bus == nil || from == to {
		return
	}
	b.bus.Publish(ctx, eventTypeFor(to), "", TransitionEvent{ServerID: key, From: from, To: to})
}

// Configure sets a per-key override config.
func (b *Breaker) Configure(key string, cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks := b.keyLocked(key)
	ks.mu.Lock()
	ks.cfg = cfg.withDefaults()
	ks.mu.Unlock()
}

func (b *Breaker) keyLocked(key string) *keyState {
	ks, ok := b.keys[key]
	if !ok {
		ks = &keyState{cfg: b.cfg, state: Closed}
		b.keys[key] = ks
	}
	return ks
}

// Admit reports whether a call for key is allowed to proceed. In OPEN state,
// calls are rejected until Timeout elapses since the breaker opened, at
// which point exactly one probe call is admitted (HALF_OPEN) and concurrent
// callers are rejected until that probe resolves via RecordResult — this is
// the single-flighted HALF_OPEN probe policy decided in DESIGN.md's Open
// Questions.
func (b *Breaker) Admit(ctx context.Context, key string) error {
	b.mu.Lock()
	ks := b.keyLocked(key)
	b.mu.Unlock()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := b.now()
	switch ks.state {
	case Closed:
		return nil
	case Open:
		if now.Sub(ks.openedAt) < ks.cfg.Timeout {
			return kernel.NewError(kernel.ErrBreakerOpen, "circuit breaker open for "+key, nil)
		}
		ks.state = HalfOpen
		ks.probeInFlight = true
		ks.consecSuccesses = 0
		b.publish(ctx, key, Open, HalfOpen)
		return nil
	case HalfOpen:
		if ks.probeInFlight {
			return kernel.NewError(kernel.ErrBreakerOpen, "circuit breaker probing for "+key, nil)
		}
		ks.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordResult reports the outcome of a call previously admitted via Admit.
func (b *Breaker) RecordResult(ctx context.Context, key string, success bool) {
	b.mu.Lock()
	ks := b.keyLocked(key)
	b.mu.Unlock()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.totalCalls++
	ks.probeInFlight = false

	switch ks.state {
	case HalfOpen:
		if success {
			ks.consecSuccesses++
			if ks.consecSuccesses >= ks.cfg.SuccessThreshold {
				ks.state = Closed
				ks.consecFailures = 0
				ks.consecSuccesses = 0
				b.publish(ctx, key, HalfOpen, Closed)
			}
		} else {
			ks.state = Open
			ks.openedAt = b.now()
			ks.consecSuccesses = 0
			b.publish(ctx, key, HalfOpen, Open)
		}
	case Closed:
		if success {
			ks.consecFailures = 0
			return
		}
		ks.consecFailures++
		if ks.consecFailures >= ks.cfg.FailureThreshold && ks.totalCalls >= ks.cfg.VolumeThreshold {
			ks.state = Open
			ks.openedAt = b.now()
			b.publish(ctx, key, Closed, Open)
		}
	case Open:
		// A result arriving after the breaker already re-opened (e.g. a
		// stale probe) is ignored; the open timer already restarted.
	}
}

// State returns the current state of key (Closed if never observed).
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	ks, ok := b.keys[key]
	b.mu.Unlock()
	if !ok {
		return Closed
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state
}
