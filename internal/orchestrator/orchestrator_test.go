package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-agent/backend/internal/cache"
	"github.com/civic-agent/backend/internal/executor"
	"github.com/civic-agent/backend/internal/health"
	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/internal/storage/models"
	"github.com/civic-agent/backend/pkg/circuitbreaker"
)

const groundedAnswer = "The Finance Bill sets the housing levy at 1.5% of gross salary [1]. Employers match the deduction [2]."

type fakeGenerator struct {
	mu           sync.Mutex
	calls        int
	route        string
	routeErr     error
	translation  string
	answers      []string
	synthErr     error
	synthPrompts []string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, c provider.Constraints) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	switch c.SystemPrompt {
	case routerSystemPrompt:
		return f.route, f.routeErr
	case translatorSystemPrompt:
		return f.translation, nil
	}

	f.synthPrompts = append(f.synthPrompts, prompt)
	if f.synthErr != nil {
		return "", f.synthErr
	}
	if len(f.answers) == 0 {
		return groundedAnswer, nil
	}
	return f.answers[min(len(f.synthPrompts), len(f.answers))-1], nil
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEmbedder struct {
	calls  atomic.Int32
	vector []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	return f.vector, nil
}

type fakeRetriever struct {
	calls atomic.Int32
	items []provider.EvidenceItem
	err   error
	hang  bool

	mu   sync.Mutex
	last provider.RetrievalQuery
}

func (f *fakeRetriever) Search(ctx context.Context, q provider.RetrievalQuery) ([]provider.EvidenceItem, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = q
	f.mu.Unlock()

	if f.hang {
		<-ctx.Done()
		return nil, provider.NewTransient("fake", ctx.Err())
	}
	return f.items, f.err
}

func (f *fakeRetriever) Last() provider.RetrievalQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeStore struct {
	mu      sync.Mutex
	records []models.QueryRecord
	sources map[string][]models.QuerySource
}

func (f *fakeStore) RecordQuery(ctx context.Context, rec *models.QueryRecord, sources []models.QuerySource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *rec)
	if f.sources == nil {
		f.sources = make(map[string][]models.QuerySource)
	}
	f.sources[rec.ID] = sources
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	gen     *fakeGenerator
	emb     *fakeEmbedder
	legal   *fakeRetriever
	news    *fakeRetriever
	web     *fakeRetriever
	monitor *health.Monitor
	cache   *cache.Cache
	clock   *clock
	store   *fakeStore
	orch    *Orchestrator
}

type fixtureOption func(*Config, *Deps)

func withWeb(minEvidence int) fixtureOption {
	return func(cfg *Config, deps *Deps) {
		cfg.MinEvidence = minEvidence
	}
}

func withRequestTimeout(d time.Duration) fixtureOption {
	return func(cfg *Config, _ *Deps) {
		cfg.RequestTimeout = d
	}
}

func evidence(ns provider.Namespace, ids ...string) []provider.EvidenceItem {
	items := make([]provider.EvidenceItem, len(ids))
	for i, id := range ids {
		items[i] = provider.EvidenceItem{
			SourceID:  id,
			Title:     "Source " + id,
			Snippet:   "The housing levy is charged at 1.5% of gross monthly salary.",
			Score:     0.9 - 0.1*float64(i),
			Namespace: ns,
		}
	}
	return items
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	f := &fixture{
		gen:   &fakeGenerator{route: "citizen"},
		emb:   &fakeEmbedder{vector: []float32{0.1, 0.9, 0.2}},
		legal: &fakeRetriever{items: evidence(provider.NamespaceLegal, "finance-bill-2024-s3", "housing-act-s31")},
		news:  &fakeRetriever{items: evidence(provider.NamespaceNews, "nation-2024-06-12")},
		web:   &fakeRetriever{items: evidence(provider.NamespaceWeb, "web:a", "web:b")},
		clock: &clock{now: time.Unix(1_700_000_000, 0)},
		store: &fakeStore{},
	}
	f.monitor = health.NewMonitor(health.Config{UnhealthyAfter: 3, HealthyAfter: 1, Critical: []string{health.ServiceCache}})

	c, err := cache.New(cache.Config{MaxSize: 100, TTL: time.Hour, Now: f.clock.Now})
	require.NoError(t, err)
	f.cache = c

	exec := executor.New(executor.Config{
		DefaultTimeout:    300 * time.Millisecond,
		DefaultMaxRetries: 1,
		DefaultBackoff:    executor.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
		Breakers:          circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 10, OpenDuration: time.Minute}),
		Health:            f.monitor,
	})

	cfg := Config{
		RequestTimeout:    2 * time.Second,
		EmbedTimeout:      200 * time.Millisecond,
		DefaultTopK:       8,
		ConfidenceFloor:   0.3,
		ValidationPenalty: 0.5,
		DefaultPersona:    PersonaCitizen,
	}
	deps := Deps{
		Executor:  exec,
		Cache:     f.cache,
		Health:    f.monitor,
		Generator: f.gen,
		Embedder:  f.emb,
		Retrievers: map[provider.Namespace]provider.Retriever{
			provider.NamespaceLegal: f.legal,
			provider.NamespaceNews:  f.news,
			provider.NamespaceWeb:   f.web,
		},
		Store: f.store,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	f.orch, err = New(cfg, deps)
	require.NoError(t, err)
	return f
}

func (f *fixture) markUnhealthy(services ...string) {
	for _, s := range services {
		for range 3 {
			f.monitor.RecordOutcome(s, false, errors.New("down"), 0)
		}
	}
}

func (f *fixture) externalCalls() int {
	return f.gen.Calls() + int(f.emb.calls.Load()) + int(f.legal.calls.Load()) + int(f.news.calls.Load()) + int(f.web.calls.Load())
}

func TestCacheHitMakesNoExternalCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cache.Set(ctx, cache.Key{Query: "What is the housing levy?", Filters: cache.Filters{TopK: 8}}, cache.Payload{
		Answer:     "Cached answer [1].",
		Evidence:   evidence(provider.NamespaceLegal, "finance-bill-2024-s3"),
		Confidence: 0.8,
		Persona:    string(PersonaCitizen),
		Language:   LanguageEnglish,
	})

	resp := f.orch.Execute(ctx, Request{Query: "  what is the   HOUSING levy?"})

	assert.True(t, resp.CacheHit)
	assert.False(t, resp.Degraded)
	assert.Equal(t, "Cached answer [1].", resp.Answer)
	assert.Equal(t, 0.8, resp.Confidence)
	assert.Zero(t, f.externalCalls())
	assert.Contains(t, resp.StageTimings, StageCacheLookup)
}

func TestSemanticCacheHitNeedsOnlyEmbedding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cache.Set(ctx, cache.Key{
		Query:     "How much is the housing levy?",
		Filters:   cache.Filters{TopK: 8},
		Embedding: []float32{0.1, 0.9, 0.2},
	}, cache.Payload{Answer: "It is 1.5% [1].", Confidence: 0.7})

	resp := f.orch.Execute(ctx, Request{Query: "housing levy rate"})

	assert.True(t, resp.CacheHit)
	assert.Equal(t, "It is 1.5% [1].", resp.Answer)
	assert.EqualValues(t, 1, f.emb.calls.Load())
	assert.Zero(t, f.gen.Calls())
	assert.Zero(t, f.legal.calls.Load())
}

func TestFinanceBillHousingLevyWithNewsTimeout(t *testing.T) {
	f := newFixture(t)
	f.legal.items = evidence(provider.NamespaceLegal, "finance-bill-2024-s3", "finance-bill-2024-s4", "housing-act-s31")
	f.news.hang = true

	resp := f.orch.Execute(context.Background(), Request{Query: "How does the Finance Bill change the housing levy?", SessionID: "s1"})

	assert.False(t, resp.Degraded)
	assert.True(t, resp.Partial)
	assert.Empty(t, resp.Error)
	assert.Equal(t, groundedAnswer, resp.Answer)
	require.Len(t, resp.Evidence, 3)
	for _, e := range resp.Evidence {
		assert.Equal(t, provider.NamespaceLegal, e.Namespace)
	}
	assert.InDelta(t, computeConfidence(resp.Evidence, true, true), resp.Confidence, 1e-9)
	assert.EqualValues(t, 1, f.news.calls.Load())

	require.Len(t, f.store.records, 1)
	rec := f.store.records[0]
	assert.Equal(t, "s1", rec.SessionID)
	assert.True(t, rec.Partial)
	assert.Len(t, f.store.sources[rec.ID], 3)

	// Partial answers are not cached.
	assert.Zero(t, f.cache.Len())
}

func TestAllDependenciesUnhealthyMakesZeroCalls(t *testing.T) {
	f := newFixture(t)
	f.markUnhealthy(health.ServiceGeneration, health.ServiceRetrieval, health.ServiceGraph, health.ServiceWebSearch)

	resp := f.orch.Execute(context.Background(), Request{Query: "What is the housing levy?"})

	assert.True(t, resp.Degraded)
	assert.Equal(t, failSafeAnswer, resp.Answer)
	assert.LessOrEqual(t, resp.Confidence, 0.3)
	assert.Contains(t, resp.Error, ErrGenerationUnavailable.Error())
	assert.Zero(t, f.externalCalls())
}

func TestCriticalDependencyDownDegrades(t *testing.T) {
	f := newFixture(t)
	f.markUnhealthy(health.ServiceCache)

	resp := f.orch.Execute(context.Background(), Request{Query: "What is the housing levy?"})

	assert.True(t, resp.Degraded)
	assert.Zero(t, f.legal.calls.Load())
	assert.Zero(t, f.news.calls.Load())
}

func TestFailSafeServesStaleCacheEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cache.Set(ctx, cache.Key{Query: "What is the housing levy?", Filters: cache.Filters{TopK: 8}}, cache.Payload{
		Answer: "Old answer [1].", Confidence: 0.9,
	})
	f.clock.Advance(2 * time.Hour)
	f.markUnhealthy(health.ServiceGeneration)

	resp := f.orch.Execute(ctx, Request{Query: "What is the housing levy?"})

	assert.True(t, resp.Degraded)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, "Old answer [1].", resp.Answer)
	assert.Equal(t, 0.3, resp.Confidence)
}

func TestValidationRetriesOnceThenLowersConfidence(t *testing.T) {
	f := newFixture(t)
	f.gen.answers = []string{
		"The levy exists and applies to salaried workers.",
		"The levy is a deduction that employers must remit monthly.",
	}

	resp := f.orch.Execute(context.Background(), Request{Query: "What is the housing levy?"})

	require.Len(t, f.gen.synthPrompts, 2)
	assert.Contains(t, f.gen.synthPrompts[1], "previous answer was rejected")
	assert.True(t, resp.Degraded)
	assert.Equal(t, f.gen.answers[1], resp.Answer)
	assert.Less(t, resp.Confidence, 0.3)
	assert.Contains(t, resp.Error, ErrValidation.Error())
	assert.NotEmpty(t, resp.Evidence)
}

func TestValidationRetryCanRecover(t *testing.T) {
	f := newFixture(t)
	f.gen.answers = []string{"ok", groundedAnswer}

	resp := f.orch.Execute(context.Background(), Request{Query: "What is the housing levy?"})

	assert.Len(t, f.gen.synthPrompts, 2)
	assert.False(t, resp.Degraded)
	assert.Equal(t, groundedAnswer, resp.Answer)
	assert.GreaterOrEqual(t, resp.Confidence, 0.3)
}

func TestSynthesisFailureKeepsEvidence(t *testing.T) {
	f := newFixture(t)
	f.gen.synthErr = provider.NewPermanent("openai", errors.New("400 bad request"))

	resp := f.orch.Execute(context.Background(), Request{Query: "What is the housing levy?"})

	assert.True(t, resp.Degraded)
	assert.Equal(t, failSafeAnswer, resp.Answer)
	assert.NotEmpty(t, resp.Evidence)
	assert.Zero(t, resp.Confidence)
	assert.Contains(t, resp.Error, "synthesis")
}

func TestEmptyRetrievalFailsSafe(t *testing.T) {
	f := newFixture(t)
	f.legal.items = nil
	f.news.err = provider.NewPermanent("zilliz", errors.New("collection missing"))

	resp := f.orch.Execute(context.Background(), Request{Query: "What is the housing levy?"})

	assert.True(t, resp.Degraded)
	assert.Equal(t, failSafeAnswer, resp.Answer)
	assert.Contains(t, resp.Error, ErrNoEvidence.Error())
	assert.Zero(t, f.web.calls.Load())
}

func TestRequestTimeoutEndsInFailSafe(t *testing.T) {
	f := newFixture(t, withRequestTimeout(150*time.Millisecond))
	f.legal.hang = true
	f.news.hang = true

	start := time.Now()
	resp := f.orch.Execute(context.Background(), Request{Query: "What is the housing levy?"})

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, resp.Degraded)
	assert.Equal(t, failSafeAnswer, resp.Answer)
}

func TestCallerCancellationEndsInFailSafe(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := f.orch.Execute(ctx, Request{Query: "What is the housing levy?"})

	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.Error, context.Canceled.Error())
	assert.Zero(t, f.externalCalls())
}

func TestIntentRoutingSelectsNamespaces(t *testing.T) {
	f := newFixture(t)
	f.gen.route = "Legal."

	resp := f.orch.Execute(context.Background(), Request{Query: "Which section of the Finance Act sets the levy?"})

	assert.Equal(t, PersonaLegal, resp.Persona)
	assert.EqualValues(t, 1, f.legal.calls.Load())
	assert.Zero(t, f.news.calls.Load())
}

func TestIntentRoutingFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	f.gen.route = "I am not sure"

	resp := f.orch.Execute(context.Background(), Request{Query: "What is the housing levy?"})
	assert.Equal(t, PersonaCitizen, resp.Persona)

	f.gen.routeErr = provider.NewTransient("openai", errors.New("503"))
	resp = f.orch.Execute(context.Background(), Request{Query: "Who pays the levy?"})
	assert.Equal(t, PersonaCitizen, resp.Persona)
	assert.False(t, resp.Degraded)
}

func TestSwahiliQueryIsTranslatedForRetrieval(t *testing.T) {
	f := newFixture(t)
	f.gen.translation = "What is the housing tax?"

	resp := f.orch.Execute(context.Background(), Request{Query: "Je, kodi ya nyumba ni nini?"})

	assert.Equal(t, LanguageSwahili, resp.Language)
	assert.Equal(t, "What is the housing tax?", f.legal.Last().Text)
	assert.False(t, resp.Degraded)
}

func TestWebSupplementsThinEvidence(t *testing.T) {
	f := newFixture(t, withWeb(3))
	f.legal.items = evidence(provider.NamespaceLegal, "finance-bill-2024-s3")
	f.news.items = nil

	resp := f.orch.Execute(context.Background(), Request{Query: "What is the housing levy?"})

	assert.EqualValues(t, 1, f.web.calls.Load())
	require.Len(t, resp.Evidence, 3)
	namespaces := map[provider.Namespace]bool{}
	for _, e := range resp.Evidence {
		namespaces[e.Namespace] = true
	}
	assert.True(t, namespaces[provider.NamespaceWeb])
}

func TestAnswerIsCachedForNextRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.orch.Execute(ctx, Request{Query: "What is the housing levy?"})
	require.False(t, first.Degraded)
	calls := f.externalCalls()

	second := f.orch.Execute(ctx, Request{Query: "what is the housing levy?"})
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, calls, f.externalCalls())
	assert.NotEqual(t, first.QueryID, second.QueryID)
	assert.Len(t, f.store.records, 2)
}

func TestObserverSeesEveryStage(t *testing.T) {
	f := newFixture(t)

	var events []StageEvent
	f.orch.Execute(context.Background(), Request{
		Query:    "What is the housing levy?",
		Observer: func(e StageEvent) { events = append(events, e) },
	})

	var got []string
	for _, e := range events {
		got = append(got, string(e.Stage)+":"+string(e.Outcome))
	}
	assert.Equal(t, []string{
		"cache_lookup:miss",
		"intent_routing:ok",
		"translation:skipped",
		"retrieval:ok",
		"synthesis:ok",
		"validation:ok",
	}, got)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    Stage
		outcome Outcome
		want    Stage
	}{
		{StageCacheLookup, OutcomeHit, StageRespond},
		{StageCacheLookup, OutcomeMiss, StageIntentRouting},
		{StageIntentRouting, OutcomeOK, StageTranslation},
		{StageIntentRouting, OutcomeFallback, StageTranslation},
		{StageTranslation, OutcomeOK, StageRetrieval},
		{StageTranslation, OutcomeSkipped, StageRetrieval},
		{StageRetrieval, OutcomeOK, StageSynthesis},
		{StageRetrieval, OutcomeGenDown, StageFailSafe},
		{StageRetrieval, OutcomeEmpty, StageFailSafe},
		{StageSynthesis, OutcomeOK, StageValidation},
		{StageSynthesis, OutcomeFailed, StageFailSafe},
		{StageValidation, OutcomeOK, StageRespond},
		{StageValidation, OutcomeRetry, StageSynthesis},
		{StageValidation, OutcomeRejected, StageFailSafe},
	}
	require.Len(t, transitions, len(tests))

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.outcome), func(t *testing.T) {
			got, err := nextStage(tt.from, tt.outcome)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := nextStage(StageTranslation, OutcomeHit)
	assert.Error(t, err)
	assert.Equal(t, StageFailSafe, got)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestSynthesisPromptNumbersEvidence(t *testing.T) {
	st := &PipelineState{
		CanonicalQuery: "What is the levy?",
		Evidence:       evidence(provider.NamespaceLegal, "a", "b"),
		History: []Turn{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "second"},
			{Role: "user", Content: "third"},
			{Role: "assistant", Content: "fourth"},
		},
	}
	p := synthesisPrompt(st)

	assert.Contains(t, p, "[1] Source a (legal)")
	assert.Contains(t, p, "[2] Source b (legal)")
	assert.NotContains(t, p, "first")
	assert.Contains(t, p, "assistant: fourth")
	assert.True(t, strings.Contains(p, "Question: What is the levy?"))
}
