package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Priority selects which budget a call draws from.
type Priority int

const (
	// Interactive calls serve a waiting user and only draw from the shared budget.
	Interactive Priority = iota
	// Background calls (seeding, refresh) also draw from a smaller sub-budget.
	Background
)

func (p Priority) String() string {
	if p == Background {
		return "background"
	}
	return "interactive"
}

type priorityKey struct{}

// WithPriority tags ctx so limited clients know which budget to charge.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority carried by ctx, Interactive by default.
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return Interactive
}

// RateLimitedError is returned when no token can be granted in time or the
// upstream provider rejected a call for quota reasons.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// IsRateLimited extracts a RateLimitedError from err's chain.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Config configures a Limiter.
type Config struct {
	// Capacity is the shared budget per Period (GitHub: 5000/hour).
	Capacity int
	// BackgroundCapacity is the sub-budget for background calls per Period.
	BackgroundCapacity int
	Period             time.Duration
	// MaxWait bounds how long Acquire blocks before giving up.
	MaxWait time.Duration
}

// DefaultConfig returns the budgets for an authenticated GitHub token.
func DefaultConfig() Config {
	return Config{
		Capacity:           5000,
		BackgroundCapacity: 4000,
		Period:             time.Hour,
		MaxWait:            30 * time.Second,
	}
}

// State is a point-in-time copy of the limiter's bookkeeping.
type State struct {
	SharedTokens     float64
	BackgroundTokens float64
	RefillPerSecond  float64
	Remaining        int
	ResetAt          time.Time
	BlockedUntil     time.Time
}

// Limiter pairs a shared rate.Limiter with a background sub-budget. Priority
// ordering, provider reconciliation and penalties are guarded by mu.
type Limiter struct {
	cfg Config

	mu           sync.Mutex
	shared       *rate.Limiter
	background   *rate.Limiter
	blockedUntil time.Time
	remaining    int
	resetAt      time.Time
	waiting      [2]int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter with both buckets full.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.BackgroundCapacity <= 0 || cfg.BackgroundCapacity > cfg.Capacity {
		cfg.BackgroundCapacity = cfg.Capacity * def.BackgroundCapacity / def.Capacity
	}
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.MaxWait < 0 {
		cfg.MaxWait = 0
	}
	return &Limiter{
		cfg:        cfg,
		shared:     newBucket(cfg.Capacity, cfg.Period),
		background: newBucket(cfg.BackgroundCapacity, cfg.Period),
		remaining:  -1,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func newBucket(capacity int, period time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(capacity)/period.Seconds()), capacity)
}

// SetClock replaces the time source and sleeper. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	if sleep != nil {
		l.sleep = sleep
	}
}

// Acquire takes one token for the priority carried by ctx.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.AcquireWith(ctx, PriorityFrom(ctx))
}

// AcquireWith takes one token for p, blocking at most MaxWait.
func (l *Limiter) AcquireWith(ctx context.Context, p Priority) error {
	var waited time.Duration
	for {
		l.mu.Lock()
		wait, ok := l.take(p)
		if ok {
			l.mu.Unlock()
			return nil
		}
		if waited+wait > l.cfg.MaxWait {
			l.mu.Unlock()
			return &RateLimitedError{RetryAfter: wait}
		}
		l.waiting[p]++
		sleep := l.sleep
		l.mu.Unlock()

		err := sleep(ctx, wait)

		l.mu.Lock()
		l.waiting[p]--
		l.mu.Unlock()
		if err != nil {
			return err
		}
		waited += wait
	}
}

// take reserves one token for p or reports how long the caller would have to
// wait. Failed reservations are cancelled so nothing is spent. Must be called
// with mu held.
func (l *Limiter) take(p Priority) (time.Duration, bool) {
	now := l.now()
	if now.Before(l.blockedUntil) {
		return l.blockedUntil.Sub(now), false
	}
	if p == Background && l.waiting[Interactive] > 0 {
		return l.pollInterval(), false
	}

	shared := l.shared.ReserveN(now, 1)
	wait := shared.DelayFrom(now)
	if p != Background {
		if wait > 0 {
			shared.CancelAt(now)
			return wait, false
		}
		return 0, true
	}

	bg := l.background.ReserveN(now, 1)
	if d := bg.DelayFrom(now); d > wait {
		wait = d
	}
	if wait > 0 {
		shared.CancelAt(now)
		bg.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func (l *Limiter) pollInterval() time.Duration {
	d := time.Duration(float64(time.Second) / float64(l.shared.Limit()))
	if d > time.Second || d <= 0 {
		d = time.Second
	}
	return d
}

// Reconcile aligns the local estimate with the provider's reported remaining
// quota. A zero remaining count blocks every caller until reset.
func (l *Limiter) Reconcile(remaining int, reset time.Time) {
	if remaining < 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	l.remaining = remaining
	l.resetAt = reset
	l.shared = withTokens(l.shared, now, remaining)
	if l.background.TokensAt(now) > float64(remaining) {
		l.background = withTokens(l.background, now, remaining)
	}
	if remaining == 0 && reset.After(now) {
		l.blockedUntil = reset
	}
}

// withTokens returns a limiter with lim's rate and burst holding n tokens at now.
func withTokens(lim *rate.Limiter, now time.Time, n int) *rate.Limiter {
	fresh := rate.NewLimiter(lim.Limit(), lim.Burst())
	if drain := lim.Burst() - n; drain > 0 {
		fresh.ReserveN(now, drain)
	}
	return fresh
}

// Penalize blocks all callers for d, used when the provider answers with a
// secondary rate limit.
func (l *Limiter) Penalize(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
}

// Remaining is the best estimate of calls left in the shared budget. The
// provider's last reported count caps it until that count's reset time.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	est := int(l.shared.TokensAt(now))
	if est < 0 {
		est = 0
	}
	if l.remaining >= 0 && l.remaining < est && now.Before(l.resetAt) {
		return l.remaining
	}
	return est
}

// Snapshot returns the current state.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return State{
		SharedTokens:     l.shared.TokensAt(now),
		BackgroundTokens: l.background.TokensAt(now),
		RefillPerSecond:  float64(l.shared.Limit()),
		Remaining:        l.remaining,
		ResetAt:          l.resetAt,
		BlockedUntil:     l.blockedUntil,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
