package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, clock *fakeClock, windows ...Window) *Limiter {
	t.Helper()
	l, err := New(Config{Name: "test", Windows: windows, Now: clock.Now})
	require.NoError(t, err)
	return l
}

func TestCapacityPlusOneRejected(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, Window{Capacity: 5, Period: 10 * time.Second})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Acquire("session-1"), "acquisition %d", i)
	}
	ok, retryAfter := l.AcquireWithHint("session-1")
	assert.False(t, ok)
	assert.InDelta(t, float64(2*time.Second), float64(retryAfter), float64(10*time.Millisecond))

	assert.True(t, l.Acquire("session-2"), "identifiers are independent")
}

func TestTokensRefillOverTime(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, Window{Capacity: 2, Period: time.Second})

	assert.True(t, l.Acquire("a"))
	assert.True(t, l.Acquire("a"))
	assert.False(t, l.Acquire("a"))

	clock.Advance(500 * time.Millisecond)
	assert.True(t, l.Acquire("a"))
	assert.False(t, l.Acquire("a"))
}

func TestRejectedAcquisitionConsumesNothing(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock,
		Window{Capacity: 2, Period: time.Second},
		Window{Capacity: 3, Period: time.Hour},
	)

	assert.True(t, l.Acquire("a"))
	assert.True(t, l.Acquire("a"))
	clock.Advance(time.Second)
	assert.True(t, l.Acquire("a"))

	ok, retryAfter := l.AcquireWithHint("a")
	assert.False(t, ok, "hourly window is exhausted")
	assert.Greater(t, retryAfter, time.Minute)

	b := l.bucket("a")
	assert.InDelta(t, 1.0, b.windows[0].TokensAt(clock.Now()), 0.01, "short window keeps its token")
}

func TestResetRefills(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, Window{Capacity: 1, Period: time.Minute})

	assert.True(t, l.Acquire("a"))
	assert.False(t, l.Acquire("a"))
	l.Reset("a")
	assert.True(t, l.Acquire("a"))

	assert.True(t, l.Acquire("b"))
	l.ResetAll()
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.Acquire("b"))
}

func TestIdentifierTableIsBounded(t *testing.T) {
	l, err := New(Config{Name: "test", Windows: []Window{{Capacity: 1, Period: time.Minute}}, MaxIdentifiers: 2})
	require.NoError(t, err)

	l.Acquire("a")
	l.Acquire("b")
	l.Acquire("c")
	assert.Equal(t, 2, l.Len())
}

func TestWaitForToken(t *testing.T) {
	l, err := New(Config{Name: "test", Windows: []Window{{Capacity: 1, Period: 50 * time.Millisecond}}})
	require.NoError(t, err)
	require.True(t, l.Acquire("a"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, l.WaitForToken(ctx, "a"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitForTokenGivesUpBeforeDeadline(t *testing.T) {
	l, err := New(Config{Name: "openai", Windows: []Window{{Capacity: 1, Period: time.Minute}}})
	require.NoError(t, err)
	require.True(t, l.Acquire("openai"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = l.WaitForToken(ctx, "openai")
	var limited *ErrRateLimited
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "openai", limited.Policy)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "must not sleep toward an unreachable deadline")
}

func TestConcurrentAcquireNeverOveradmits(t *testing.T) {
	l, err := New(Config{Name: "test", Windows: []Window{{Capacity: 100, Period: time.Hour}}})
	require.NoError(t, err)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 250; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire("shared") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(100), admitted.Load())
}

func TestInvalidWindows(t *testing.T) {
	_, err := New(Config{Name: "empty"})
	assert.Error(t, err)

	_, err = New(Config{Name: "zero", Windows: []Window{{Capacity: 0, Period: time.Second}}})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{
		Sessions: []Window{{Capacity: 1, Period: time.Minute}},
		Targets: map[string][]Window{
			"openai": {{Capacity: 1, Period: time.Minute}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"openai"}, r.Targets())
	assert.NoError(t, r.WaitForTarget(context.Background(), "unlimited"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, r.WaitForTarget(ctx, "openai"))
	assert.Error(t, r.WaitForTarget(ctx, "openai"))

	require.NoError(t, r.Reset("openai", ""))
	assert.NoError(t, r.WaitForTarget(context.Background(), "openai"))

	assert.True(t, r.Sessions().Acquire("10.0.0.1"))
	assert.False(t, r.Sessions().Acquire("10.0.0.1"))
	require.NoError(t, r.Reset(PolicySessions, "10.0.0.1"))
	assert.True(t, r.Sessions().Acquire("10.0.0.1"))

	assert.Error(t, r.Reset("nope", ""))
}
