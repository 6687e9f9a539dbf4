// Package ratelimit implements multi-window token buckets keyed by an
// identifier (a session, a caller IP or a downstream dependency).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/civic-agent/backend/internal/metrics"
)

const defaultMaxIdentifiers = 10000

// Window admits Capacity acquisitions per Period. Tokens refill continuously
// at Capacity/Period.
type Window struct {
	Capacity int
	Period   time.Duration
}

// ErrRateLimited is returned when a token could not be obtained in time.
type ErrRateLimited struct {
	Policy     string
	Identifier string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited by %s for %q, retry after %s", e.Policy, e.Identifier, e.RetryAfter)
}

type Config struct {
	// Name labels the policy in logs and metrics.
	Name           string
	Windows        []Window
	MaxIdentifiers int
	Logger         *zap.Logger
	Now            func() time.Time
}

type bucket struct {
	mu      sync.Mutex
	windows []*rate.Limiter
}

// Limiter holds one bucket per identifier. Buckets are created lazily and
// the least recently used identifier is dropped once MaxIdentifiers is hit.
type Limiter struct {
	name    string
	windows []Window
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]
}

func New(cfg Config) (*Limiter, error) {
	if len(cfg.Windows) == 0 {
		return nil, fmt.Errorf("rate limit policy %q: at least one window required", cfg.Name)
	}
	for _, w := range cfg.Windows {
		if w.Capacity <= 0 || w.Period <= 0 {
			return nil, fmt.Errorf("rate limit policy %q: invalid window %d/%s", cfg.Name, w.Capacity, w.Period)
		}
	}
	if cfg.MaxIdentifiers <= 0 {
		cfg.MaxIdentifiers = defaultMaxIdentifiers
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	buckets, err := lru.New[string, *bucket](cfg.MaxIdentifiers)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket table: %w", err)
	}

	return &Limiter{
		name:    cfg.Name,
		windows: append([]Window(nil), cfg.Windows...),
		now:     cfg.Now,
		logger:  cfg.Logger,
		buckets: buckets,
	}, nil
}

func (l *Limiter) Name() string {
	return l.name
}

func (l *Limiter) bucket(id string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets.Get(id); ok {
		return b
	}
	b := &bucket{windows: make([]*rate.Limiter, len(l.windows))}
	for i, w := range l.windows {
		every := rate.Limit(float64(w.Capacity) / w.Period.Seconds())
		b.windows[i] = rate.NewLimiter(every, w.Capacity)
	}
	l.buckets.Add(id, b)
	return b
}

// Acquire takes one token from every window of id, or none at all.
func (l *Limiter) Acquire(id string) bool {
	ok, _ := l.AcquireWithHint(id)
	return ok
}

// AcquireWithHint is Acquire that also reports how long the caller should
// wait before a retry could succeed.
func (l *Limiter) AcquireWithHint(id string) (bool, time.Duration) {
	b := l.bucket(id)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	reservations := make([]*rate.Reservation, 0, len(b.windows))
	var wait time.Duration
	admitted := true
	for _, lim := range b.windows {
		r := lim.ReserveN(now, 1)
		if !r.OK() {
			admitted = false
			continue
		}
		reservations = append(reservations, r)
		if d := r.DelayFrom(now); d > 0 {
			admitted = false
			if d > wait {
				wait = d
			}
		}
	}

	if admitted {
		return true, 0
	}
	for _, r := range reservations {
		r.CancelAt(now)
	}

	metrics.RateLimited.WithLabelValues(l.name).Inc()
	l.logger.Debug("Rate limit exceeded",
		zap.String("policy", l.name),
		zap.String("identifier", id),
		zap.Duration("retry_after", wait),
	)
	return false, wait
}

// WaitForToken blocks until a token is available for id. It gives up early
// with *ErrRateLimited when the ctx deadline would pass first.
func (l *Limiter) WaitForToken(ctx context.Context, id string) error {
	for {
		ok, wait := l.AcquireWithHint(id)
		if ok {
			return nil
		}
		if deadline, has := ctx.Deadline(); has && time.Until(deadline) < wait {
			return &ErrRateLimited{Policy: l.name, Identifier: id, RetryAfter: wait}
		}
		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for %s token: %w", l.name, ctx.Err())
		case <-timer.C:
		}
	}
}

// Reset refills the bucket of id.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	l.buckets.Remove(id)
	l.mu.Unlock()
}

func (l *Limiter) ResetAll() {
	l.mu.Lock()
	l.buckets.Purge()
	l.mu.Unlock()
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buckets.Len()
}
