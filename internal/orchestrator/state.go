package orchestrator

import (
	"time"

	"github.com/civic-agent/backend/internal/provider"
)

type Stage string

const (
	StageCacheLookup   Stage = "cache_lookup"
	StageIntentRouting Stage = "intent_routing"
	StageTranslation   Stage = "translation"
	StageRetrieval     Stage = "retrieval"
	StageSynthesis     Stage = "synthesis"
	StageValidation    Stage = "validation"
	StageRespond       Stage = "respond"
	StageFailSafe      Stage = "fail_safe"
)

type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"
	OutcomeOK       Outcome = "ok"
	OutcomeFallback Outcome = "fallback"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeGenDown  Outcome = "gen_down"
	OutcomeEmpty    Outcome = "empty"
	OutcomeFailed   Outcome = "failed"
	OutcomeRetry    Outcome = "retry"
	OutcomeRejected Outcome = "rejected"
)

type Turn struct {
	Role    string `json:"role" validate:"oneof=user assistant"`
	Content string `json:"content" validate:"max=4000"`
}

type Request struct {
	Query     string
	History   []Turn
	SessionID string
	Category  string
	TopK      int
	// Observer, when set, is called after every stage.
	Observer func(StageEvent)
}

// StageEvent reports one completed stage.
type StageEvent struct {
	Stage     Stage   `json:"stage"`
	Outcome   Outcome `json:"outcome"`
	ElapsedMS float64 `json:"elapsed_ms"`
}

type Response struct {
	QueryID      string                  `json:"query_id"`
	Answer       string                  `json:"answer"`
	Evidence     []provider.EvidenceItem `json:"sources"`
	Confidence   float64                 `json:"confidence"`
	Degraded     bool                    `json:"degraded"`
	Partial      bool                    `json:"partial"`
	Error        string                  `json:"error,omitempty"`
	Persona      Persona                 `json:"persona"`
	Language     string                  `json:"language"`
	CacheHit     bool                    `json:"cache_hit"`
	QueryTimeMS  int64                   `json:"query_time_ms"`
	StageTimings map[Stage]float64       `json:"stage_timings_ms"`
}

type draft struct {
	text       string
	violations []string
}

// PipelineState is owned by a single Execute call.
type PipelineState struct {
	QueryID   string
	Query     string
	History   []Turn
	SessionID string
	Category  string
	TopK      int

	Persona        Persona
	Language       string
	CanonicalQuery string
	Embedding      []float32

	Evidence []provider.EvidenceItem
	Partial  bool

	Draft      string
	Drafts     []draft
	Violations []string
	Confidence float64

	CachedPayload *cachedAnswer

	Timings map[Stage]time.Duration
	Retries map[Stage]int
	Errors  []error
}

type cachedAnswer struct {
	Answer     string
	Evidence   []provider.EvidenceItem
	Confidence float64
	Persona    Persona
	Language   string
}

func (s *PipelineState) fail(err error) {
	s.Errors = append(s.Errors, err)
}

// bestDraft returns the draft with the fewest validation violations,
// preferring the later one on ties.
func (s *PipelineState) bestDraft() (draft, bool) {
	if len(s.Drafts) == 0 {
		return draft{}, false
	}
	best := s.Drafts[0]
	for _, d := range s.Drafts[1:] {
		if len(d.violations) <= len(best.violations) {
			best = d
		}
	}
	return best, true
}
