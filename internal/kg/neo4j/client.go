package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/pkg/logger"
	"github.com/civic-agent/backend/pkg/utils"
)

const providerName = "neo4j"

// Client is the graph retriever. It answers from (Entity)-[RELATES]->(Entity)
// triples linking bills, clauses, institutions and office holders.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
}

type Entity struct {
	ID   string
	Name string
	Type string
}

type Triple struct {
	Subject    Entity
	Predicate  string
	Object     Entity
	Confidence float64
	SourceURLs []string
}

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{driver: driver, database: database}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// Ping is the graph health probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// Search implements provider.Retriever for the graph namespace.
func (c *Client) Search(ctx context.Context, q provider.RetrievalQuery) ([]provider.EvidenceItem, error) {
	terms := utils.Keywords(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}

	triples, err := c.SearchByEntities(ctx, terms, 0.5, q.TopK)
	if err != nil {
		return nil, provider.NewTransient(providerName, err)
	}

	items := make([]provider.EvidenceItem, 0, len(triples))
	for _, t := range triples {
		items = append(items, tripleToEvidence(t))
	}
	return items, nil
}

func (c *Client) SearchByEntities(ctx context.Context, terms []string, minConfidence float64, limit int) ([]Triple, error) {
	if limit <= 0 {
		limit = 10
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	query := `
		MATCH (s:Entity)-[r:RELATES]->(o:Entity)
		WHERE any(t IN $terms WHERE toLower(s.name) CONTAINS t OR toLower(o.name) CONTAINS t)
		  AND r.confidence >= $min_confidence
		RETURN s.id, s.name, s.type,
		       r.type, r.confidence, r.source_docs,
		       o.id, o.name, o.type
		ORDER BY r.confidence DESC
		LIMIT $limit
	`

	result, err := session.Run(ctx, query, map[string]any{
		"terms":          terms,
		"min_confidence": minConfidence,
		"limit":          limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search by entities: %w", err)
	}

	var triples []Triple
	for result.Next(ctx) {
		record := result.Record()
		triples = append(triples, Triple{
			Subject: Entity{
				ID:   str(record, "s.id"),
				Name: str(record, "s.name"),
				Type: str(record, "s.type"),
			},
			Predicate: str(record, "r.type"),
			Object: Entity{
				ID:   str(record, "o.id"),
				Name: str(record, "o.name"),
				Type: str(record, "o.type"),
			},
			Confidence: number(record, "r.confidence"),
			SourceURLs: strs(record, "r.source_docs"),
		})
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	logger.Debug("KG search completed",
		zap.Int("num_terms", len(terms)),
		zap.Int("results_found", len(triples)),
	)

	return triples, nil
}

func tripleToEvidence(t Triple) provider.EvidenceItem {
	item := provider.EvidenceItem{
		SourceID:  fmt.Sprintf("kg:%s:%s:%s", t.Subject.ID, t.Predicate, t.Object.ID),
		Title:     fmt.Sprintf("%s %s %s", t.Subject.Name, t.Predicate, t.Object.Name),
		Snippet:   fmt.Sprintf("%s (%s) %s %s (%s).", t.Subject.Name, t.Subject.Type, humanize(t.Predicate), t.Object.Name, t.Object.Type),
		Score:     t.Confidence,
		Namespace: provider.NamespaceGraph,
	}
	if len(t.SourceURLs) > 0 {
		item.URL = t.SourceURLs[0]
	}
	return item
}

var predicates = map[string]string{
	"AMENDS":       "amends",
	"INTRODUCED":   "introduced",
	"SPONSORED_BY": "is sponsored by",
	"IMPOSES":      "imposes",
	"ADMINISTERS":  "administers",
	"PART_OF":      "is part of",
	"REPEALS":      "repeals",
}

func humanize(predicate string) string {
	if h, ok := predicates[predicate]; ok {
		return h
	}
	return predicate
}

func str(r *neo4j.Record, key string) string {
	v, _ := r.Get(key)
	s, _ := v.(string)
	return s
}

func number(r *neo4j.Record, key string) float64 {
	v, _ := r.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func strs(r *neo4j.Record, key string) []string {
	v, _ := r.Get(key)
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
