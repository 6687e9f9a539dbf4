package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/civic-agent/backend/internal/metrics"
)

// Well-known dependency names.
const (
	ServiceGeneration = "generation"
	ServiceRetrieval  = "retrieval"
	ServiceGraph      = "graph"
	ServiceWebSearch  = "websearch"
	ServiceCache      = "cache"
	ServiceNetwork    = "network"
)

// Record is the health of one dependency.
type Record struct {
	Service              string        `json:"service"`
	Healthy              bool          `json:"healthy"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastCheck            time.Time     `json:"last_check"`
	LastError            string        `json:"last_error,omitempty"`
	LastLatency          time.Duration `json:"last_latency"`
}

// Probe checks a dependency; a nil error means it is reachable.
type Probe func(ctx context.Context) error

// SnapshotStore persists records so a restart does not forget a dependency
// that was down.
type SnapshotStore interface {
	SaveHealthSnapshot(rec Record) error
	LoadHealthSnapshots() ([]Record, error)
}

type Config struct {
	// UnhealthyAfter consecutive failures flip a healthy service to unhealthy.
	UnhealthyAfter int
	// HealthyAfter consecutive successes flip an unhealthy service back.
	HealthyAfter  int
	Critical      []string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Store         SnapshotStore
	Logger        *zap.Logger
	Now           func() time.Time
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

type Monitor struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*entry
	probes  map[string]Probe

	cron *cron.Cron
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = 3
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = 2
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Monitor{
		cfg:     cfg,
		entries: make(map[string]*entry),
		probes:  make(map[string]Probe),
	}
}

func (m *Monitor) entry(service string) *entry {
	m.mu.RLock()
	e, ok := m.entries[service]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[service]; ok {
		return e
	}
	e = &entry{rec: Record{Service: service, Healthy: true}}
	m.entries[service] = e
	metrics.DependencyHealthy.WithLabelValues(service).Set(1)
	return e
}

// Track makes a service visible in snapshots before its first outcome.
func (m *Monitor) Track(services ...string) {
	for _, s := range services {
		m.entry(s)
	}
}

// IsHealthy reports the last known health. Unknown services are healthy.
func (m *Monitor) IsHealthy(service string) bool {
	m.mu.RLock()
	e, ok := m.entries[service]
	m.mu.RUnlock()
	if !ok {
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Healthy
}

// RecordOutcome folds the result of a probe or a real call into the record.
func (m *Monitor) RecordOutcome(service string, success bool, err error, latency time.Duration) {
	e := m.entry(service)

	e.mu.Lock()
	rec := &e.rec
	before := rec.Healthy
	rec.LastCheck = m.cfg.Now()
	rec.LastLatency = latency

	if success {
		rec.ConsecutiveSuccesses++
		rec.ConsecutiveFailures = 0
		if !rec.Healthy && rec.ConsecutiveSuccesses >= m.cfg.HealthyAfter {
			rec.Healthy = true
			rec.LastError = ""
		}
	} else {
		rec.ConsecutiveFailures++
		rec.ConsecutiveSuccesses = 0
		if err != nil {
			rec.LastError = err.Error()
		}
		if rec.Healthy && rec.ConsecutiveFailures >= m.cfg.UnhealthyAfter {
			rec.Healthy = false
		}
	}
	changed := before != rec.Healthy
	snapshot := *rec
	e.mu.Unlock()

	if !changed {
		return
	}

	if snapshot.Healthy {
		metrics.DependencyHealthy.WithLabelValues(service).Set(1)
		m.cfg.Logger.Info("Dependency recovered",
			zap.String("service", service),
			zap.Int("consecutive_successes", snapshot.ConsecutiveSuccesses),
		)
	} else {
		metrics.DependencyHealthy.WithLabelValues(service).Set(0)
		m.cfg.Logger.Warn("Dependency marked unhealthy",
			zap.String("service", service),
			zap.Int("consecutive_failures", snapshot.ConsecutiveFailures),
			zap.String("last_error", snapshot.LastError),
		)
	}

	if m.cfg.Store != nil {
		if err := m.cfg.Store.SaveHealthSnapshot(snapshot); err != nil {
			m.cfg.Logger.Warn("Failed to persist health snapshot", zap.String("service", service), zap.Error(err))
		}
	}
}

// ShouldDegrade reports whether any critical dependency is unhealthy, in
// which case the pipeline should answer from cached or offline data.
func (m *Monitor) ShouldDegrade() bool {
	for _, s := range m.cfg.Critical {
		if !m.IsHealthy(s) {
			return true
		}
	}
	return false
}

func (m *Monitor) Get(service string) (Record, bool) {
	m.mu.RLock()
	e, ok := m.entries[service]
	m.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

func (m *Monitor) Snapshot() []Record {
	m.mu.RLock()
	list := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	m.mu.RUnlock()

	out := make([]Record, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Restore seeds records from persisted snapshots. Existing records win.
func (m *Monitor) Restore() error {
	if m.cfg.Store == nil {
		return nil
	}
	recs, err := m.cfg.Store.LoadHealthSnapshots()
	if err != nil {
		return fmt.Errorf("failed to load health snapshots: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if _, ok := m.entries[rec.Service]; ok {
			continue
		}
		m.entries[rec.Service] = &entry{rec: rec}
		v := 0.0
		if rec.Healthy {
			v = 1
		}
		metrics.DependencyHealthy.WithLabelValues(rec.Service).Set(v)
	}
	m.cfg.Logger.Info("Health snapshots restored", zap.Int("count", len(recs)))
	return nil
}

func (m *Monitor) RegisterProbe(service string, probe Probe) {
	m.mu.Lock()
	m.probes[service] = probe
	m.mu.Unlock()
	m.entry(service)
}

// CheckAll runs every registered probe concurrently, each under the probe
// timeout, and records the outcomes.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for name, probe := range probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()

			start := time.Now()
			err := probe(pctx)
			m.RecordOutcome(name, err == nil, err, time.Since(start))
			return nil
		})
	}
	_ = g.Wait()
}

// Start schedules periodic probes. It runs one round immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.CheckAll(ctx)

	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.cfg.ProbeInterval)
	if _, err := c.AddFunc(spec, func() { m.CheckAll(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule health probes: %w", err)
	}
	c.Start()

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	m.cfg.Logger.Info("Health monitor started", zap.Duration("interval", m.cfg.ProbeInterval))
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		m.cfg.Logger.Info("Health monitor stopped")
	}
}
