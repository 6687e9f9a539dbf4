package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

const PolicySessions = "sessions"

type RegistryConfig struct {
	Sessions       []Window
	Targets        map[string][]Window
	MaxIdentifiers int
	Logger         *zap.Logger
	Now            func() time.Time
}

// Registry holds the caller-facing sessions policy and one policy per
// downstream target. Target policies use a single shared identifier.
type Registry struct {
	sessions *Limiter
	targets  map[string]*Limiter
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	r := &Registry{targets: make(map[string]*Limiter, len(cfg.Targets))}

	if len(cfg.Sessions) > 0 {
		l, err := New(Config{
			Name:           PolicySessions,
			Windows:        cfg.Sessions,
			MaxIdentifiers: cfg.MaxIdentifiers,
			Logger:         cfg.Logger,
			Now:            cfg.Now,
		})
		if err != nil {
			return nil, err
		}
		r.sessions = l
	}

	for target, windows := range cfg.Targets {
		if len(windows) == 0 {
			continue
		}
		l, err := New(Config{
			Name:           target,
			Windows:        windows,
			MaxIdentifiers: 1,
			Logger:         cfg.Logger,
			Now:            cfg.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", target, err)
		}
		r.targets[target] = l
	}

	return r, nil
}

// Sessions returns the caller policy, or nil when callers are not limited.
func (r *Registry) Sessions() *Limiter {
	return r.sessions
}

// WaitForTarget waits for a token on the target's policy. Targets without a
// policy are not limited.
func (r *Registry) WaitForTarget(ctx context.Context, target string) error {
	if r == nil {
		return nil
	}
	l, ok := r.targets[target]
	if !ok {
		return nil
	}
	return l.WaitForToken(ctx, target)
}

func (r *Registry) Targets() []string {
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset clears a policy. An empty identifier resets every identifier of the
// policy; an empty policy resets everything.
func (r *Registry) Reset(policy, identifier string) error {
	if policy == "" {
		r.ResetAll()
		return nil
	}

	var l *Limiter
	if policy == PolicySessions {
		l = r.sessions
	} else {
		l = r.targets[policy]
	}
	if l == nil {
		return fmt.Errorf("unknown rate limit policy %q", policy)
	}

	if identifier == "" {
		l.ResetAll()
	} else {
		l.Reset(identifier)
	}
	return nil
}

func (r *Registry) ResetAll() {
	if r.sessions != nil {
		r.sessions.ResetAll()
	}
	for _, l := range r.targets {
		l.ResetAll()
	}
}
