package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	recs []Record
}

func (s *memStore) SaveHealthSnapshot(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memStore) LoadHealthSnapshots() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.recs...), nil
}

func TestUnknownServiceIsHealthy(t *testing.T) {
	m := NewMonitor(Config{})
	assert.True(t, m.IsHealthy("never-seen"))
	assert.False(t, m.ShouldDegrade())
}

func TestThresholdsAreAsymmetric(t *testing.T) {
	store := &memStore{}
	m := NewMonitor(Config{UnhealthyAfter: 3, HealthyAfter: 2, Store: store})
	boom := errors.New("connection refused")

	m.RecordOutcome(ServiceGeneration, false, boom, time.Millisecond)
	m.RecordOutcome(ServiceGeneration, false, boom, time.Millisecond)
	assert.True(t, m.IsHealthy(ServiceGeneration), "two failures stay below threshold")

	m.RecordOutcome(ServiceGeneration, false, boom, time.Millisecond)
	assert.False(t, m.IsHealthy(ServiceGeneration))

	rec, ok := m.Get(ServiceGeneration)
	require.True(t, ok)
	assert.Equal(t, 3, rec.ConsecutiveFailures)
	assert.Equal(t, "connection refused", rec.LastError)

	m.RecordOutcome(ServiceGeneration, true, nil, time.Millisecond)
	assert.False(t, m.IsHealthy(ServiceGeneration), "one success is not enough to recover")

	m.RecordOutcome(ServiceGeneration, true, nil, time.Millisecond)
	assert.True(t, m.IsHealthy(ServiceGeneration))

	recs, _ := store.LoadHealthSnapshots()
	require.Len(t, recs, 2, "only transitions are persisted")
	assert.False(t, recs[0].Healthy)
	assert.True(t, recs[1].Healthy)
}

func TestFailureStreakResetBySuccess(t *testing.T) {
	m := NewMonitor(Config{UnhealthyAfter: 2})
	m.RecordOutcome(ServiceRetrieval, false, nil, 0)
	m.RecordOutcome(ServiceRetrieval, true, nil, 0)
	m.RecordOutcome(ServiceRetrieval, false, nil, 0)
	assert.True(t, m.IsHealthy(ServiceRetrieval))
}

func TestShouldDegradeOnlyForCritical(t *testing.T) {
	m := NewMonitor(Config{UnhealthyAfter: 1, Critical: []string{ServiceCache, ServiceNetwork}})

	m.RecordOutcome(ServiceWebSearch, false, nil, 0)
	assert.False(t, m.ShouldDegrade())

	m.RecordOutcome(ServiceNetwork, false, nil, 0)
	assert.True(t, m.ShouldDegrade())
}

func TestCheckAllRunsProbes(t *testing.T) {
	m := NewMonitor(Config{UnhealthyAfter: 1, ProbeTimeout: 50 * time.Millisecond})
	m.RegisterProbe(ServiceCache, func(ctx context.Context) error { return nil })
	m.RegisterProbe(ServiceGraph, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	m.CheckAll(context.Background())

	assert.True(t, m.IsHealthy(ServiceCache))
	assert.False(t, m.IsHealthy(ServiceGraph), "probe that exceeds its timeout counts as failure")

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, ServiceCache, snap[0].Service)
	assert.Equal(t, ServiceGraph, snap[1].Service)
}

func TestRestoreFromStore(t *testing.T) {
	store := &memStore{recs: []Record{{Service: ServiceGeneration, Healthy: false, ConsecutiveFailures: 4}}}
	m := NewMonitor(Config{Store: store})
	require.NoError(t, m.Restore())
	assert.False(t, m.IsHealthy(ServiceGeneration))
}

func TestStartStop(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m := NewMonitor(Config{ProbeInterval: time.Hour})
	m.RegisterProbe(ServiceNetwork, func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestConcurrentRecording(t *testing.T) {
	m := NewMonitor(Config{UnhealthyAfter: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordOutcome(ServiceRetrieval, false, nil, 0)
		}()
	}
	wg.Wait()

	rec, _ := m.Get(ServiceRetrieval)
	assert.Equal(t, 50, rec.ConsecutiveFailures)
}
