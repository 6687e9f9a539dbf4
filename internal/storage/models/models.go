package models

import "time"

type QueryRecord struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id,omitempty"`
	QueryText      string    `json:"query"`
	CanonicalQuery string    `json:"canonical_query,omitempty"`
	Response       string    `json:"response"`
	Persona        string    `json:"persona"`
	Language       string    `json:"language"`
	Confidence     float64   `json:"confidence"`
	EvidenceCount  int       `json:"evidence_count"`
	Degraded       bool      `json:"degraded"`
	Partial        bool      `json:"partial"`
	CacheHit       bool      `json:"cache_hit"`
	ErrorReason    string    `json:"error,omitempty"`
	LatencyMS      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

type QuerySource struct {
	ID        int     `json:"-"`
	QueryID   string  `json:"query_id"`
	Namespace string  `json:"namespace"`
	SourceID  string  `json:"source_id"`
	Title     string  `json:"title"`
	SourceURL string  `json:"url,omitempty"`
	Score     float64 `json:"score"`
}

type Feedback struct {
	ID            int       `json:"id"`
	QueryID       string    `json:"query_id"`
	Helpful       bool      `json:"helpful"`
	IssueCategory string    `json:"issue_category,omitempty"`
	Comment       string    `json:"comment,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
