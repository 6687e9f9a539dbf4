// Package cache is the response cache in front of the query pipeline. Entries
// are addressed either by an exact request signature or by cosine similarity
// of the query embedding.
package cache

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/metrics"
	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/pkg/utils"
)

const (
	DefaultMaxSize             = 1000
	MaxSizeLimit               = 5000
	DefaultTTL                 = time.Hour
	DefaultSimilarityThreshold = 0.92
)

// Filters are the non-semantic request fields. A semantic hit requires them
// to match exactly.
type Filters struct {
	Category string `json:"category,omitempty"`
	TopK     int    `json:"top_k"`
}

type Key struct {
	Query     string
	Filters   Filters
	Embedding []float32
}

// Signature is the exact-match address of the key.
func (k Key) Signature() string {
	return utils.Signature(utils.NormalizeText(k.Query), k.Filters.Category, strconv.Itoa(k.Filters.TopK))
}

type Payload struct {
	Answer     string                  `json:"answer"`
	Evidence   []provider.EvidenceItem `json:"evidence"`
	Confidence float64                 `json:"confidence"`
	Persona    string                  `json:"persona,omitempty"`
	Language   string                  `json:"language,omitempty"`
	Metadata   map[string]string       `json:"metadata,omitempty"`
}

type Entry struct {
	Signature   string    `json:"signature"`
	Query       string    `json:"query"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Filters     Filters   `json:"filters"`
	Value       Payload   `json:"value"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	AccessCount int64     `json:"access_count"`
	LastAccess  time.Time `json:"last_access"`
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Backend is an optional shared store consulted on local exact misses.
type Backend interface {
	Get(ctx context.Context, signature string) (*Entry, bool, error)
	Set(ctx context.Context, entry *Entry, ttl time.Duration) error
	Clear(ctx context.Context) error
}

type Config struct {
	MaxSize             int
	TTL                 time.Duration
	SimilarityThreshold float64
	Backend             Backend
	Logger              *zap.Logger
	Now                 func() time.Time
}

type Stats struct {
	Size         int     `json:"size"`
	MaxSize      int     `json:"max_size"`
	Hits         int64   `json:"hits"`
	SemanticHits int64   `json:"semantic_hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	HitRate      float64 `json:"hit_rate"`
}

type Cache struct {
	cfg Config

	mu      sync.RWMutex
	entries *simplelru.LRU[string, *Entry]

	hits, semanticHits, misses, evictions int64
}

func New(cfg Config) (*Cache, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxSize > MaxSizeLimit {
		return nil, fmt.Errorf("cache max size %d exceeds limit %d", cfg.MaxSize, MaxSizeLimit)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache{cfg: cfg}
	entries, err := c.newLRU()
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

func (c *Cache) newLRU() (*simplelru.LRU[string, *Entry], error) {
	l, err := simplelru.NewLRU[string, *Entry](c.cfg.MaxSize, func(string, *Entry) {
		c.evictions++
		metrics.CacheEvictions.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	return l, nil
}

// Get returns a live entry for the key: exact match first, then the backend,
// then the most similar embedding at or above the threshold.
func (c *Cache) Get(ctx context.Context, key Key) (Payload, bool) {
	sig := key.Signature()
	now := c.cfg.Now()

	c.mu.Lock()
	if e, ok := c.entries.Get(sig); ok && !e.expired(now) {
		c.touch(e, now)
		c.hits++
		value := e.Value
		c.mu.Unlock()
		metrics.CacheHits.WithLabelValues("exact").Inc()
		return value, true
	}
	c.mu.Unlock()

	if e, ok := c.fromBackend(ctx, sig, now); ok {
		c.mu.Lock()
		c.entries.Add(sig, e)
		c.touch(e, now)
		c.hits++
		value := e.Value
		c.mu.Unlock()
		metrics.CacheHits.WithLabelValues("backend").Inc()
		return value, true
	}

	if len(key.Embedding) > 0 {
		if value, ok := c.semantic(key, now); ok {
			metrics.CacheHits.WithLabelValues("semantic").Inc()
			return value, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.CacheMisses.WithLabelValues("response").Inc()
	return Payload{}, false
}

func (c *Cache) fromBackend(ctx context.Context, sig string, now time.Time) (*Entry, bool) {
	if c.cfg.Backend == nil {
		return nil, false
	}
	e, ok, err := c.cfg.Backend.Get(ctx, sig)
	if err != nil {
		c.cfg.Logger.Warn("Cache backend read failed", zap.String("signature", sig), zap.Error(err))
		return nil, false
	}
	if !ok || e == nil || e.expired(now) {
		return nil, false
	}
	return e, true
}

func (c *Cache) semantic(key Key, now time.Time) (Payload, bool) {
	c.mu.RLock()
	var best *Entry
	bestScore := c.cfg.SimilarityThreshold
	for _, e := range c.entries.Values() {
		if e.Filters != key.Filters || e.expired(now) || len(e.Embedding) != len(key.Embedding) {
			continue
		}
		if s := CosineSimilarity(key.Embedding, e.Embedding); s >= bestScore {
			best, bestScore = e, s
		}
	}
	c.mu.RUnlock()

	if best == nil {
		return Payload{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The entry may have been replaced or evicted since the scan.
	current, ok := c.entries.Get(best.Signature)
	if !ok || current != best {
		return Payload{}, false
	}
	c.touch(best, now)
	c.semanticHits++
	c.cfg.Logger.Debug("Semantic cache hit",
		zap.String("query", key.Query),
		zap.String("matched", best.Query),
		zap.Float64("similarity", bestScore),
	)
	return best.Value, true
}

// Similar performs only the semantic lookup. It is used after an exact Get
// has already missed and an embedding became available.
func (c *Cache) Similar(key Key) (Payload, bool) {
	if len(key.Embedding) == 0 {
		return Payload{}, false
	}
	value, ok := c.semantic(key, c.cfg.Now())
	if ok {
		metrics.CacheHits.WithLabelValues("semantic").Inc()
	}
	return value, ok
}

// GetStale returns the exact entry for key even if it has expired. It is the
// last resort of the fail-safe path.
func (c *Cache) GetStale(key Key) (Payload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries.Peek(key.Signature())
	if !ok {
		return Payload{}, false
	}
	return e.Value, true
}

// Set replaces any entry under the key's signature.
func (c *Cache) Set(ctx context.Context, key Key, value Payload) {
	now := c.cfg.Now()
	e := &Entry{
		Signature:  key.Signature(),
		Query:      key.Query,
		Embedding:  append([]float32(nil), key.Embedding...),
		Filters:    key.Filters,
		Value:      value,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.cfg.TTL),
		LastAccess: now,
	}

	c.mu.Lock()
	c.entries.Add(e.Signature, e)
	snapshot := *e
	c.mu.Unlock()

	// Hits update the stored entry under c.mu, so the backend gets a copy.
	if c.cfg.Backend != nil {
		if err := c.cfg.Backend.Set(ctx, &snapshot, c.cfg.TTL); err != nil {
			c.cfg.Logger.Warn("Cache backend write failed", zap.String("signature", e.Signature), zap.Error(err))
		}
	}
}

func (c *Cache) Clear(ctx context.Context) error {
	entries, err := c.newLRU()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	if c.cfg.Backend != nil {
		if err := c.cfg.Backend.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear cache backend: %w", err)
		}
	}
	c.cfg.Logger.Info("Response cache cleared")
	return nil
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Size:         c.entries.Len(),
		MaxSize:      c.cfg.MaxSize,
		Hits:         c.hits + c.semanticHits,
		SemanticHits: c.semanticHits,
		Misses:       c.misses,
		Evictions:    c.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// touch must be called with c.mu held for writing.
func (c *Cache) touch(e *Entry, now time.Time) {
	e.AccessCount++
	e.LastAccess = now
}

// CosineSimilarity returns 0 for mismatched or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
