// Package ratelimit implements the kernel's per-upstream admission control:
// a fixed-window requests-per-minute counter and a fixed-window
// requests-per-day counter, checked together on every Consume call.
//
// Grounded on the teacher's features/model/middleware/ratelimit.go
// AdaptiveRateLimiter: a mutex-protected per-key limiter struct with an
// optional cluster-coordination collaborator. Unlike the teacher's AIMD
// token-bucket (which has no public "tokens remaining" introspection), the
// kernel needs exact remainingPerMinute/remainingPerDay/resetAt counters, so
// the core algorithm here is a hand-rolled dual fixed-window counter rather
// than golang.org/x/time/rate — that package is instead wired into the
// Webhook Delivery subsystem's outbound throttle, where a token bucket is
// the right fit.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/toolmesh/kernel/internal/kernel"
)

// Limits configures one key's admission window.
type Limits struct {
	PerMinute int
	PerDay    int
}

// State is a snapshot of a key's current counters, returned to callers that
// need to report remaining capacity (e.g. HTTP response headers).
type State struct {
	RemainingPerMinute int
	RemainingPerDay    int
	ResetAtMinute      time.Time
	ResetAtDay         time.Time
}

// ClusterStore optionally synchronizes counters across kernel instances.
// When nil, the Limiter operates purely in-process.
type ClusterStore interface {
	// Incr atomically increments the counter for key within window and
	// returns the post-increment count, expiring the key at expiresAt if it
	// was just created.
	Incr(ctx context.Context, key string, window time.Duration, expiresAt time.Time) (int64, error)
}

type window struct {
	count     int
	resetAt   time.Time
	limit     int
	period    time.Duration
}

func newWindow(limit int, period time.Duration, now time.Time) *window {
	return &window{limit: limit, resetAt: now.Add(period), period: period}
}

// unbounded marks a window with no cap: RemainingPer{Minute,Day} reports
// unbounded rather than a real count, matching §4.B's "0 means unlimited"
// boundary rule.
const unbounded = -1

func (w *window) consume(now time.Time) (ok bool, remaining int) {
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(w.period)
	}
	if w.limit <= 0 {
		w.count++
		return true, unbounded
	}
	if w.count >= w.limit {
		return false, 0
	}
	w.count++
	return true, w.limit - w.count
}

func (w *window) peek(now time.Time) int {
	if w.limit <= 0 {
		return unbounded
	}
	if !now.Before(w.resetAt) {
		return w.limit
	}
	return w.limit - w.count
}

// Limiter enforces per-key (typically per-upstream-server, per-tenant)
// request admission using dual fixed windows: one rolling minute, one
// rolling day. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	minute  map[string]*window
	day     map[string]*window
	limits  map[string]Limits
	cluster ClusterStore
	now     func() time.Time
}

// New constructs a Limiter. now defaults to time.Now (Open Question decision:
// an injectable clock rather than package-level mocking, see DESIGN.md).
func New(cluster ClusterStore) *Limiter {
	return &Limiter{
		minute:  make(map[string]*window),
		day:     make(map[string]*window),
		limits:  make(map[string]Limits),
		cluster: cluster,
		now:     time.Now,
	}
}

// WithClock overrides the limiter's clock; intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Configure sets (or replaces) the limits for key. Existing window state is
// preserved; only the limit values change.
func (l *Limiter) Configure(key string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[key] = limits
	now := l.now()
	if w, ok := l.minute[key]; ok {
		w.limit = limits.PerMinute
	} else {
		l.minute[key] = newWindow(limits.PerMinute, time.Minute, now)
	}
	if w, ok := l.day[key]; ok {
		w.limit = limits.PerDay
	} else {
		l.day[key] = newWindow(limits.PerDay, 24*time.Hour, now)
	}
}

// Consume attempts to admit one request for key. It returns the resulting
// State and, if either window is exhausted, a *kernel.Error with code
// ErrRateLimited. The per-minute window is checked first; if it is
// exhausted, Consume returns without checking the per-day window and the
// per-day counter is not incremented (no charge for rejected calls).
func (l *Limiter) Consume(ctx context.Context, key string) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	minuteWin, ok := l.minute[key]
	if !ok {
		limits := l.limits[key]
		minuteWin = newWindow(limits.PerMinute, time.Minute, now)
		l.minute[key] = minuteWin
	}
	dayWin, ok := l.day[key]
	if !ok {
		limits := l.limits[key]
		dayWin = newWindow(limits.PerDay, 24*time.Hour, now)
		l.day[key] = dayWin
	}

	minuteOK := func() bool {
		// Peek without consuming; actual consume happens after day check
		// passes, so a minute-exhausted call never touches the day counter.
		// limit <= 0 means unlimited (§4.B boundary rule; also covers an
		// unconfigured key, whose zero-value Limits must admit freely).
		if minuteWin.limit <= 0 {
			return true
		}
		if !now.Before(minuteWin.resetAt) {
			return true
		}
		return minuteWin.count < minuteWin.limit
	}()
	if !minuteOK {
		return l.stateLocked(key, now), kernel.NewError(kernel.ErrRateLimited, "per-minute rate limit exceeded", nil)
	}

	if l.cluster != nil && dayWin.limit > 0 {
		// Cross-instance day budget: every kernel instance shares one
		// counter via Redis rather than each tracking its own local count.
		count, err := l.cluster.Incr(ctx, "ratelimit:day:"+key, 24*time.Hour, now.Add(24*time.Hour))
		if err != nil {
			return l.stateLocked(key, now), kernel.NewError(kernel.ErrInternal, "rate limiter cluster store unavailable", err)
		}
		if int(count) > dayWin.limit {
			return l.stateLocked(key, now), kernel.NewError(kernel.ErrRateLimited, "per-day rate limit exceeded", nil)
		}
		dayWin.count = int(count)
	} else if ok, _ := dayWin.consume(now); !ok {
		return l.stateLocked(key, now), kernel.NewError(kernel.ErrRateLimited, "per-day rate limit exceeded", nil)
	}
	minuteWin.consume(now)

	return l.stateLocked(key, now), nil
}

// State returns the current counters for key without consuming capacity.
func (l *Limiter) State(key string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(key, l.now())
}

func (l *Limiter) stateLocked(key string, now time.Time) State {
	s := State{}
	if w, ok := l.minute[key]; ok {
		s.RemainingPerMinute = w.peek(now)
		s.ResetAtMinute = w.resetAt
	}
	if w, ok := l.day[key]; ok {
		s.RemainingPerDay = w.peek(now)
		s.ResetAtDay = w.resetAt
	}
	return s
}
