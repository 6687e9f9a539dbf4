// Package orchestrator drives a query through the answer pipeline: cache
// lookup, intent routing, translation, retrieval, synthesis and validation,
// with a fail-safe answer whenever a stage cannot complete.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/cache"
	"github.com/civic-agent/backend/internal/executor"
	"github.com/civic-agent/backend/internal/health"
	"github.com/civic-agent/backend/internal/metrics"
	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/internal/storage/models"
)

const (
	capabilityGenerate = "generate"
	capabilityEmbed    = "embed"
	capabilitySearch   = "search:"

	failSafeAnswer = "We could not complete your request right now. Please try again shortly."

	maxResynthesis = 1
	// maxSteps bounds the stage loop; the longest legal path has nine steps.
	maxSteps        = 16
	maxSnippetRunes = 800
	historyTurns    = 3
	recordTimeout   = 2 * time.Second
)

var (
	ErrGenerationUnavailable = errors.New("generation dependency unavailable")
	ErrNoEvidence            = errors.New("no evidence retrieved")
)

// HealthView is the part of the health monitor the pipeline consults.
type HealthView interface {
	IsHealthy(service string) bool
	ShouldDegrade() bool
}

// Recorder persists answered queries. Failures are logged, never surfaced.
type Recorder interface {
	RecordQuery(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error
}

type Config struct {
	RequestTimeout    time.Duration
	EmbedTimeout      time.Duration
	DefaultTopK       int
	ConfidenceFloor   float64
	ValidationPenalty float64
	DefaultPersona    Persona
	// MinEvidence below which web search supplements retrieval. Zero disables it.
	MinEvidence int
	MaxTokens   int
}

type Deps struct {
	Executor   *executor.Executor
	Cache      *cache.Cache
	Health     HealthView
	Generator  provider.Generator
	Embedder   provider.Embedder
	Retrievers map[provider.Namespace]provider.Retriever
	Store      Recorder
	Logger     *zap.Logger
}

type stageFunc func(ctx context.Context, st *PipelineState) Outcome

type Orchestrator struct {
	cfg        Config
	exec       *executor.Executor
	cache      *cache.Cache
	health     HealthView
	store      Recorder
	logger     *zap.Logger
	embeds     bool
	namespaces map[provider.Namespace]bool
	stages     map[Stage]stageFunc
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Executor == nil || deps.Cache == nil || deps.Generator == nil {
		return nil, fmt.Errorf("orchestrator requires an executor, a cache and a generator")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 25 * time.Second
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 2 * time.Second
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 8
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.3
	}
	if cfg.ValidationPenalty <= 0 {
		cfg.ValidationPenalty = 0.5
	}
	if cfg.DefaultPersona == "" {
		cfg.DefaultPersona = PersonaCitizen
	}
	if !isPersona(cfg.DefaultPersona) {
		return nil, fmt.Errorf("unknown default persona %q", cfg.DefaultPersona)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if deps.Health == nil {
		deps.Health = alwaysHealthy{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:        cfg,
		exec:       deps.Executor,
		cache:      deps.Cache,
		health:     deps.Health,
		store:      deps.Store,
		logger:     deps.Logger,
		embeds:     deps.Embedder != nil,
		namespaces: make(map[provider.Namespace]bool),
	}
	o.stages = map[Stage]stageFunc{
		StageCacheLookup:   o.cacheLookup,
		StageIntentRouting: o.intentRouting,
		StageTranslation:   o.translation,
		StageRetrieval:     o.retrieval,
		StageSynthesis:     o.synthesis,
		StageValidation:    o.validation,
	}

	o.registerTools(deps)
	return o, nil
}

func (o *Orchestrator) registerTools(deps Deps) {
	gen := deps.Generator
	o.exec.Register(capabilityGenerate, func(ctx context.Context, args map[string]any) (any, error) {
		prompt, _ := args["prompt"].(string)
		constraints, _ := args["constraints"].(provider.Constraints)
		return gen.Generate(ctx, prompt, constraints)
	})

	if emb := deps.Embedder; emb != nil {
		o.exec.Register(capabilityEmbed, func(ctx context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			return emb.Embed(ctx, text)
		})
	}

	for ns, r := range deps.Retrievers {
		if r == nil {
			continue
		}
		o.namespaces[ns] = true
		o.exec.Register(capabilitySearch+string(ns), func(ctx context.Context, args map[string]any) (any, error) {
			q, ok := args["query"].(provider.RetrievalQuery)
			if !ok {
				return nil, provider.NewPermanent(string(ns), fmt.Errorf("missing retrieval query"))
			}
			return r.Search(ctx, q)
		})
	}
}

// targetFor maps a namespace to the dependency that serves it.
func targetFor(ns provider.Namespace) string {
	switch ns {
	case provider.NamespaceGraph:
		return health.ServiceGraph
	case provider.NamespaceWeb:
		return health.ServiceWebSearch
	default:
		return health.ServiceRetrieval
	}
}

// Execute answers one query. Provider failures never surface as errors: the
// response is degraded instead.
func (o *Orchestrator) Execute(ctx context.Context, req Request) Response {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	st := o.newState(req)
	o.logger.Debug("Executing query", zap.String("query_id", st.QueryID), zap.String("session_id", st.SessionID))

	var resp Response
	stage := StageCacheLookup
	for steps := 0; ; steps++ {
		if stage == StageRespond {
			resp = o.respond(ctx, st)
			break
		}
		if stage == StageFailSafe {
			resp = o.failSafe(st)
			break
		}
		if steps >= maxSteps {
			st.fail(fmt.Errorf("stage limit reached at %s", stage))
			stage = StageFailSafe
			continue
		}
		if err := ctx.Err(); err != nil {
			st.fail(fmt.Errorf("request aborted before %s: %w", stage, err))
			stage = StageFailSafe
			continue
		}

		outcome, ok := o.runStage(ctx, stage, st, req.Observer)
		if !ok {
			stage = StageFailSafe
			continue
		}
		next, err := nextStage(stage, outcome)
		if err != nil {
			st.fail(err)
		}
		stage = next
	}

	resp.QueryID = st.QueryID
	resp.QueryTimeMS = time.Since(start).Milliseconds()
	resp.StageTimings = make(map[Stage]float64, len(st.Timings))
	for s, d := range st.Timings {
		resp.StageTimings[s] = float64(d.Microseconds()) / 1000
	}

	o.observe(resp, time.Since(start))
	o.record(ctx, st, resp)
	return resp
}

func (o *Orchestrator) newState(req Request) *PipelineState {
	topK := req.TopK
	if topK <= 0 {
		topK = o.cfg.DefaultTopK
	}
	return &PipelineState{
		QueryID:        uuid.New().String(),
		Query:          strings.TrimSpace(req.Query),
		History:        append([]Turn(nil), req.History...),
		SessionID:      req.SessionID,
		Category:       req.Category,
		TopK:           topK,
		Persona:        o.cfg.DefaultPersona,
		Language:       detectLanguage(req.Query),
		CanonicalQuery: strings.TrimSpace(req.Query),
		Timings:        make(map[Stage]time.Duration),
		Retries:        make(map[Stage]int),
	}
}

// runStage executes one stage handler. A panic ends the pipeline in FailSafe.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, st *PipelineState, observer func(StageEvent)) (outcome Outcome, ok bool) {
	started := time.Now()
	defer func() {
		elapsed := time.Since(started)
		st.Timings[stage] += elapsed
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())

		if r := recover(); r != nil {
			o.logger.Error("Pipeline stage panicked", zap.String("stage", string(stage)), zap.Any("panic", r))
			st.fail(fmt.Errorf("stage %s panicked: %v", stage, r))
			outcome, ok = OutcomeFailed, false
		}
		if observer != nil {
			observer(StageEvent{Stage: stage, Outcome: outcome, ElapsedMS: float64(elapsed.Microseconds()) / 1000})
		}
	}()

	outcome = o.stages[stage](ctx, st)
	o.logger.Debug("Stage completed",
		zap.String("query_id", st.QueryID),
		zap.String("stage", string(stage)),
		zap.String("outcome", string(outcome)),
	)
	return outcome, true
}

func (o *Orchestrator) cacheKey(st *PipelineState) cache.Key {
	return cache.Key{
		Query:     st.Query,
		Filters:   cache.Filters{Category: st.Category, TopK: st.TopK},
		Embedding: st.Embedding,
	}
}

func (o *Orchestrator) cacheLookup(ctx context.Context, st *PipelineState) Outcome {
	key := o.cacheKey(st)
	if p, ok := o.cache.Get(ctx, key); ok {
		st.CachedPayload = fromPayload(p)
		return OutcomeHit
	}

	st.Embedding = o.embed(ctx, st.Query)
	if st.Embedding == nil {
		return OutcomeMiss
	}
	key.Embedding = st.Embedding
	if p, ok := o.cache.Similar(key); ok {
		st.CachedPayload = fromPayload(p)
		return OutcomeHit
	}
	return OutcomeMiss
}

// embed makes one bounded embedding call. It returns nil when embeddings are
// unavailable.
func (o *Orchestrator) embed(ctx context.Context, text string) []float32 {
	if !o.embeds || !o.health.IsHealthy(health.ServiceGeneration) {
		return nil
	}
	call := o.exec.Call(health.ServiceGeneration, capabilityEmbed, map[string]any{"text": text})
	call.MaxRetries = 0
	call.Timeout = o.cfg.EmbedTimeout

	out := o.exec.Run(ctx, call)
	if !out.OK() {
		o.logger.Debug("Query embedding unavailable", zap.Error(out.Err))
		return nil
	}
	vec, _ := out.Value.([]float32)
	return vec
}

func (o *Orchestrator) generate(ctx context.Context, prompt string, constraints provider.Constraints, maxRetries int) (string, error) {
	call := o.exec.Call(health.ServiceGeneration, capabilityGenerate, map[string]any{
		"prompt":      prompt,
		"constraints": constraints,
	})
	if maxRetries >= 0 {
		call.MaxRetries = maxRetries
	}

	out := o.exec.Run(ctx, call)
	if !out.OK() {
		return "", out.Err
	}
	text, _ := out.Value.(string)
	return strings.TrimSpace(text), nil
}

func (o *Orchestrator) intentRouting(ctx context.Context, st *PipelineState) Outcome {
	st.Persona = o.cfg.DefaultPersona
	if !o.health.IsHealthy(health.ServiceGeneration) {
		return OutcomeFallback
	}

	reply, err := o.generate(ctx, routerPrompt(st.Query), provider.Constraints{
		SystemPrompt: routerSystemPrompt,
		MaxTokens:    8,
	}, 0)
	if err != nil {
		o.logger.Warn("Intent routing failed, using default persona", zap.String("query_id", st.QueryID), zap.Error(err))
		return OutcomeFallback
	}

	persona, ok := ParsePersona(reply)
	if !ok {
		o.logger.Debug("Unrecognised persona reply", zap.String("reply", reply))
		return OutcomeFallback
	}
	st.Persona = persona
	return OutcomeOK
}

func (o *Orchestrator) translation(ctx context.Context, st *PipelineState) Outcome {
	if st.Language == LanguageEnglish || !o.health.IsHealthy(health.ServiceGeneration) {
		return OutcomeSkipped
	}

	text, err := o.generate(ctx, translationPrompt(st.Query), provider.Constraints{
		SystemPrompt: translatorSystemPrompt,
		MaxTokens:    256,
	}, -1)
	if err != nil || text == "" {
		o.logger.Warn("Translation failed, keeping original query", zap.String("query_id", st.QueryID), zap.Error(err))
		return OutcomeSkipped
	}
	st.CanonicalQuery = text
	return OutcomeOK
}

func (o *Orchestrator) retrieval(ctx context.Context, st *PipelineState) Outcome {
	if !o.health.IsHealthy(health.ServiceGeneration) || o.health.ShouldDegrade() {
		st.fail(ErrGenerationUnavailable)
		return OutcomeGenDown
	}

	embedding := st.Embedding
	if st.CanonicalQuery != st.Query || embedding == nil {
		embedding = o.embed(ctx, st.CanonicalQuery)
	}

	var calls []executor.ToolCall
	queried := make(map[provider.Namespace]bool)
	for _, ns := range personas[st.Persona].Namespaces {
		if !o.namespaces[ns] {
			continue
		}
		queried[ns] = true
		calls = append(calls, o.searchCall(ns, st, embedding))
	}
	if len(calls) == 0 {
		st.fail(fmt.Errorf("%w: no retriever serves persona %s", ErrNoEvidence, st.Persona))
		return OutcomeEmpty
	}

	batch := o.exec.RunParallel(ctx, calls)
	var evidence []provider.EvidenceItem
	for _, r := range batch.Results {
		if !r.OK() {
			st.fail(fmt.Errorf("%s retrieval: %w", r.Call.Capability, r.Err))
			continue
		}
		items, _ := r.Value.([]provider.EvidenceItem)
		evidence = append(evidence, items...)
	}
	st.Partial = batch.Partial

	if len(evidence) < o.cfg.MinEvidence && o.namespaces[provider.NamespaceWeb] && !queried[provider.NamespaceWeb] &&
		o.health.IsHealthy(health.ServiceWebSearch) && ctx.Err() == nil {
		out := o.exec.Run(ctx, o.searchCall(provider.NamespaceWeb, st, nil))
		if out.OK() {
			items, _ := out.Value.([]provider.EvidenceItem)
			evidence = append(evidence, items...)
		} else {
			o.logger.Debug("Web supplement failed", zap.String("query_id", st.QueryID), zap.Error(out.Err))
		}
	}

	st.Evidence = aggregate(evidence, st.TopK)
	if len(st.Evidence) == 0 {
		st.fail(ErrNoEvidence)
		return OutcomeEmpty
	}
	return OutcomeOK
}

func (o *Orchestrator) searchCall(ns provider.Namespace, st *PipelineState, embedding []float32) executor.ToolCall {
	call := o.exec.Call(targetFor(ns), capabilitySearch+string(ns), map[string]any{
		"query": provider.RetrievalQuery{
			Text:      st.CanonicalQuery,
			Embedding: embedding,
			Namespace: ns,
			TopK:      st.TopK,
			Category:  st.Category,
		},
	})
	call.ID = string(ns)
	return call
}

// aggregate de-duplicates by SourceID keeping the best score, orders by score
// and caps the result at topK.
func aggregate(items []provider.EvidenceItem, topK int) []provider.EvidenceItem {
	best := make(map[string]int, len(items))
	out := make([]provider.EvidenceItem, 0, len(items))
	for _, it := range items {
		if i, ok := best[it.SourceID]; ok {
			if it.Score > out[i].Score {
				out[i] = it
			}
			continue
		}
		best[it.SourceID] = len(out)
		out = append(out, it)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func (o *Orchestrator) synthesis(ctx context.Context, st *PipelineState) Outcome {
	spec := personas[st.Persona]
	text, err := o.generate(ctx, synthesisPrompt(st), provider.Constraints{
		SystemPrompt: spec.Instruction(st.Language),
		Temperature:  spec.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	}, -1)
	if err != nil {
		st.fail(fmt.Errorf("synthesis: %w", err))
		return OutcomeFailed
	}
	st.Draft = text
	return OutcomeOK
}

func synthesisPrompt(st *PipelineState) string {
	var b strings.Builder

	b.WriteString("Sources:\n")
	for i, e := range st.Evidence {
		snippet := e.Snippet
		if r := []rune(snippet); len(r) > maxSnippetRunes {
			snippet = string(r[:maxSnippetRunes]) + "..."
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, e.Title, e.Namespace, snippet)
	}

	if n := len(st.History); n > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range st.History[max(0, n-historyTurns):] {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s\n\n", st.CanonicalQuery)
	b.WriteString("Answer using only the sources above. Cite every claim with its [n] marker.")

	if len(st.Violations) > 0 {
		fmt.Fprintf(&b, "\n\nYour previous answer was rejected: %s. Fix these problems.", strings.Join(st.Violations, "; "))
	}
	return b.String()
}

func (o *Orchestrator) validation(_ context.Context, st *PipelineState) Outcome {
	violations := validateAnswer(st.Draft, st.Evidence)
	st.Drafts = append(st.Drafts, draft{text: st.Draft, violations: violations})
	st.Violations = violations

	if len(violations) == 0 {
		return OutcomeOK
	}
	if st.Retries[StageSynthesis] < maxResynthesis {
		st.Retries[StageSynthesis]++
		o.logger.Info("Answer rejected, re-synthesizing",
			zap.String("query_id", st.QueryID),
			zap.Strings("violations", violations),
		)
		return OutcomeRetry
	}
	st.fail(fmt.Errorf("%w: %s", ErrValidation, strings.Join(violations, "; ")))
	return OutcomeRejected
}

func (o *Orchestrator) respond(ctx context.Context, st *PipelineState) Response {
	if c := st.CachedPayload; c != nil {
		return Response{
			Answer:     c.Answer,
			Evidence:   c.Evidence,
			Confidence: c.Confidence,
			Persona:    c.Persona,
			Language:   c.Language,
			CacheHit:   true,
		}
	}

	st.Confidence = computeConfidence(st.Evidence, cites(st.Draft, st.Evidence), st.Partial)
	resp := Response{
		Answer:     st.Draft,
		Evidence:   st.Evidence,
		Confidence: st.Confidence,
		Partial:    st.Partial,
		Persona:    st.Persona,
		Language:   st.Language,
	}

	// Partial answers are not cached so a recovered dependency is used next time.
	if !st.Partial {
		o.cache.Set(context.WithoutCancel(ctx), o.cacheKey(st), cache.Payload{
			Answer:     resp.Answer,
			Evidence:   resp.Evidence,
			Confidence: resp.Confidence,
			Persona:    string(resp.Persona),
			Language:   resp.Language,
		})
	}
	return resp
}

func (o *Orchestrator) failSafe(st *PipelineState) Response {
	reason := "request could not be completed"
	if n := len(st.Errors); n > 0 {
		reason = st.Errors[n-1].Error()
	}
	resp := Response{
		Degraded: true,
		Partial:  st.Partial,
		Error:    reason,
		Persona:  st.Persona,
		Language: st.Language,
	}

	switch d, ok := st.bestDraft(); {
	case ok && strings.TrimSpace(d.text) != "":
		conf := computeConfidence(st.Evidence, cites(d.text, st.Evidence), st.Partial)
		resp.Answer = d.text
		resp.Evidence = st.Evidence
		resp.Confidence = lowered(conf, o.cfg.ValidationPenalty, o.cfg.ConfidenceFloor)
	default:
		if p, ok := o.cache.GetStale(o.cacheKey(st)); ok {
			resp.Answer = p.Answer
			resp.Evidence = p.Evidence
			resp.Confidence = math.Min(p.Confidence, o.cfg.ConfidenceFloor)
			resp.CacheHit = true
		} else {
			resp.Answer = failSafeAnswer
			resp.Evidence = st.Evidence
		}
	}

	o.logger.Warn("Query answered in fail-safe mode",
		zap.String("query_id", st.QueryID),
		zap.String("reason", reason),
		zap.Int("errors", len(st.Errors)),
	)
	return resp
}

func (o *Orchestrator) observe(resp Response, elapsed time.Duration) {
	outcome := "ok"
	switch {
	case resp.Degraded:
		outcome = "degraded"
	case resp.CacheHit:
		outcome = "cache_hit"
	case resp.Partial:
		outcome = "partial"
	}
	metrics.QueryTotal.WithLabelValues(outcome).Inc()
	metrics.QueryDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	metrics.ConfidenceScore.Observe(resp.Confidence)

	counts := make(map[provider.Namespace]int)
	for _, e := range resp.Evidence {
		counts[e.Namespace]++
	}
	for ns, n := range counts {
		metrics.EvidenceCount.WithLabelValues(string(ns)).Observe(float64(n))
	}
}

func (o *Orchestrator) record(ctx context.Context, st *PipelineState, resp Response) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	rec := &models.QueryRecord{
		ID:             st.QueryID,
		SessionID:      st.SessionID,
		QueryText:      st.Query,
		CanonicalQuery: st.CanonicalQuery,
		Response:       resp.Answer,
		Persona:        string(resp.Persona),
		Language:       resp.Language,
		Confidence:     resp.Confidence,
		EvidenceCount:  len(resp.Evidence),
		Degraded:       resp.Degraded,
		Partial:        resp.Partial,
		CacheHit:       resp.CacheHit,
		ErrorReason:    resp.Error,
		LatencyMS:      resp.QueryTimeMS,
		CreatedAt:      time.Now(),
	}
	sources := make([]models.QuerySource, 0, len(resp.Evidence))
	for _, e := range resp.Evidence {
		sources = append(sources, models.QuerySource{
			QueryID:   st.QueryID,
			Namespace: string(e.Namespace),
			SourceID:  e.SourceID,
			Title:     e.Title,
			SourceURL: e.URL,
			Score:     e.Score,
		})
	}

	if err := o.store.RecordQuery(ctx, rec, sources); err != nil {
		o.logger.Warn("Failed to record query", zap.String("query_id", st.QueryID), zap.Error(err))
	}
}

func fromPayload(p cache.Payload) *cachedAnswer {
	return &cachedAnswer{
		Answer:     p.Answer,
		Evidence:   p.Evidence,
		Confidence: p.Confidence,
		Persona:    Persona(p.Persona),
		Language:   p.Language,
	}
}

type alwaysHealthy struct{}

func (alwaysHealthy) IsHealthy(string) bool { return true }
func (alwaysHealthy) ShouldDegrade() bool   { return false }
