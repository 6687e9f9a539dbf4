// Package executor runs tool calls against external dependencies with a
// per-call deadline, bounded retries, circuit breaking, health
// short-circuiting and target rate limits.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/civic-agent/backend/internal/metrics"
	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/internal/ratelimit"
	"github.com/civic-agent/backend/pkg/circuitbreaker"
	"github.com/civic-agent/backend/pkg/retry"
)

var (
	ErrCircuitOpen         = circuitbreaker.ErrCircuitOpen
	ErrDependencyUnhealthy = errors.New("dependency unhealthy")
	ErrUnknownTool         = errors.New("unknown tool")
)

// Tool performs one attempt of a capability. Implementations should return
// *provider.Error so that permanent failures are not retried.
type Tool func(ctx context.Context, args map[string]any) (any, error)

type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// ToolCall describes one external call. Target names the dependency and
// selects its breaker, health record and rate-limit policy.
type ToolCall struct {
	ID         string
	Target     string
	Capability string
	Args       map[string]any
	Timeout    time.Duration
	MaxRetries int
	Backoff    Backoff
}

type Outcome struct {
	Call     ToolCall
	Value    any
	Err      error
	Attempts int
	Latency  time.Duration
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

type Batch struct {
	Results []Outcome
	// Partial is set when at least one call failed.
	Partial bool
}

func (b Batch) Succeeded() int {
	n := 0
	for _, r := range b.Results {
		if r.OK() {
			n++
		}
	}
	return n
}

// DegradedResult is returned when a call kept failing transiently until its
// retries or its deadline ran out.
type DegradedResult struct {
	Target   string
	Attempts int
	Err      error
}

func (e *DegradedResult) Error() string {
	return fmt.Sprintf("%s degraded after %d attempt(s): %v", e.Target, e.Attempts, e.Err)
}

func (e *DegradedResult) Unwrap() error {
	return e.Err
}

// HealthRecorder is the part of the health monitor the executor uses.
type HealthRecorder interface {
	IsHealthy(service string) bool
	RecordOutcome(service string, success bool, err error, latency time.Duration)
}

// TokenWaiter blocks until the target's rate-limit policy admits a call.
type TokenWaiter interface {
	WaitForTarget(ctx context.Context, target string) error
}

type Config struct {
	MaxConcurrency    int
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	DefaultBackoff    Backoff
	Breakers          *circuitbreaker.Registry
	Health            HealthRecorder
	Limits            TokenWaiter
	Logger            *zap.Logger
}

type Executor struct {
	cfg Config
	sem *semaphore.Weighted

	mu    sync.RWMutex
	tools map[string]Tool
}

func New(cfg Config) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 8 * time.Second
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	if cfg.DefaultBackoff.Initial <= 0 {
		cfg.DefaultBackoff.Initial = 200 * time.Millisecond
	}
	if cfg.DefaultBackoff.Max <= 0 {
		cfg.DefaultBackoff.Max = 2 * time.Second
	}
	if cfg.DefaultBackoff.Multiplier <= 0 {
		cfg.DefaultBackoff.Multiplier = 2
	}
	if cfg.Breakers == nil {
		cfg.Breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{})
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Executor{
		cfg:   cfg,
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		tools: make(map[string]Tool),
	}
}

// Register binds a capability name to a tool. Re-registering replaces it.
func (e *Executor) Register(capability string, tool Tool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[capability] = tool
}

func (e *Executor) tool(capability string) (Tool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tools[capability]
	return t, ok
}

// Call builds a ToolCall with the executor defaults.
func (e *Executor) Call(target, capability string, args map[string]any) ToolCall {
	return ToolCall{
		Target:     target,
		Capability: capability,
		Args:       args,
		Timeout:    e.cfg.DefaultTimeout,
		MaxRetries: e.cfg.DefaultMaxRetries,
		Backoff:    e.cfg.DefaultBackoff,
	}
}

// Breakers exposes the breaker registry for status endpoints.
func (e *Executor) Breakers() *circuitbreaker.Registry {
	return e.cfg.Breakers
}

// RunParallel dispatches every call concurrently, bounded by MaxConcurrency,
// and waits for all of them. Results keep the order of calls.
func (e *Executor) RunParallel(ctx context.Context, calls []ToolCall) Batch {
	results := make([]Outcome, len(calls))

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				results[i] = Outcome{Call: call, Err: fmt.Errorf("%s: %w", call.Target, err)}
				return nil
			}
			defer e.sem.Release(1)

			results[i] = e.Run(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	batch := Batch{Results: results}
	for _, r := range results {
		if !r.OK() {
			batch.Partial = true
			break
		}
	}

	e.cfg.Logger.Debug("Tool batch completed",
		zap.Int("calls", len(calls)),
		zap.Int("succeeded", batch.Succeeded()),
		zap.Bool("partial", batch.Partial),
	)
	return batch
}

// Run executes a single call. It never panics and always reports an outcome.
func (e *Executor) Run(ctx context.Context, call ToolCall) Outcome {
	start := time.Now()
	out := e.run(ctx, call)
	out.Call = call
	out.Latency = time.Since(start)

	metrics.ToolCalls.WithLabelValues(call.Target, resultLabel(out.Err)).Inc()
	metrics.ToolLatency.WithLabelValues(call.Target).Observe(out.Latency.Seconds())

	if out.Err != nil {
		e.cfg.Logger.Warn("Tool call failed",
			zap.String("target", call.Target),
			zap.String("capability", call.Capability),
			zap.Int("attempts", out.Attempts),
			zap.Duration("latency", out.Latency),
			zap.Error(out.Err),
		)
	}
	return out
}

func (e *Executor) run(ctx context.Context, call ToolCall) Outcome {
	tool, ok := e.tool(call.Capability)
	if !ok {
		return Outcome{Err: fmt.Errorf("%s: %w", call.Capability, ErrUnknownTool)}
	}

	breaker := e.cfg.Breakers.Get(call.Target)
	defer func() {
		metrics.BreakerState.WithLabelValues(call.Target).Set(float64(breaker.State()))
	}()

	// A dependency marked down is only called as the breaker's half-open
	// trial; otherwise recovery is left to the health probes.
	if e.cfg.Health != nil && !e.cfg.Health.IsHealthy(call.Target) {
		switch {
		case breaker.State() != circuitbreaker.StateHalfOpen:
			return Outcome{Err: fmt.Errorf("%s: %w", call.Target, ErrDependencyUnhealthy)}
		case !breaker.Allow():
			return Outcome{Err: fmt.Errorf("%s: %w: %w", call.Target, ErrDependencyUnhealthy, ErrCircuitOpen)}
		}
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := call.Backoff
	if backoff.Initial <= 0 {
		backoff = e.cfg.DefaultBackoff
	}

	var (
		value    any
		attempts int
	)
	policy := retry.Config{
		MaxAttempts:    call.MaxRetries + 1,
		InitialDelay:   backoff.Initial,
		MaxDelay:       backoff.Max,
		Multiplier:     backoff.Multiplier,
		JitterFraction: backoff.Jitter,
		Retryable: func(err error) bool {
			return callCtx.Err() == nil && retryable(err)
		},
		Logger: e.cfg.Logger,
	}

	_, err := retry.DoCounted(callCtx, policy, func() error {
		if e.cfg.Limits != nil {
			if err := e.cfg.Limits.WaitForTarget(callCtx, call.Target); err != nil {
				return err
			}
		}

		// The breaker sees the batch ctx so that a per-call timeout counts as
		// a dependency failure while caller cancellation does not.
		return breaker.Execute(ctx, func(context.Context) error {
			attempts++
			started := time.Now()
			v, err := invoke(callCtx, tool, call)
			if ctx.Err() == nil && e.cfg.Health != nil {
				e.cfg.Health.RecordOutcome(call.Target, err == nil, err, time.Since(started))
			}
			if err == nil {
				value = v
			}
			return err
		})
	})

	if err != nil {
		return Outcome{Err: classify(call.Target, attempts, err), Attempts: attempts}
	}
	return Outcome{Value: value, Attempts: attempts}
}

// invoke runs one attempt and turns a panic into a permanent error.
func invoke(ctx context.Context, tool Tool, call ToolCall) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = provider.NewPermanent(call.Target, fmt.Errorf("tool %s panicked: %v", call.Capability, r))
		}
	}()
	return tool(ctx, call.Args)
}

func retryable(err error) bool {
	var limited *ratelimit.ErrRateLimited
	switch {
	case provider.IsPermanent(err),
		errors.Is(err, circuitbreaker.ErrCircuitOpen),
		errors.Is(err, circuitbreaker.ErrTooManyRequests),
		errors.As(err, &limited):
		return false
	}
	return true
}

// classify wraps transient failures that used up their budget in
// DegradedResult. Fail-fast errors are returned as they are.
func classify(target string, attempts int, err error) error {
	if attempts == 0 || !retryable(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return &DegradedResult{Target: target, Attempts: attempts, Err: err}
}

func resultLabel(err error) string {
	var limited *ratelimit.ErrRateLimited
	var degraded *DegradedResult
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDependencyUnhealthy):
		return "unhealthy"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.As(err, &limited):
		return "rate_limited"
	case errors.As(err, &degraded):
		return "degraded"
	default:
		return "error"
	}
}
