package zilliz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/pkg/logger"
)

const providerName = "zilliz"

var outputFields = []string{"chunk_id", "title", "text", "source_url", "namespace"}

// searcher is the subset of the Milvus client used for retrieval.
type searcher interface {
	Search(ctx context.Context, collName string, partitions []string, expr string, outputFields []string,
		vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int,
		sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error)
}

type inserter interface {
	Insert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error)
}

// Chunk is one embedded corpus passage as stored in the collection.
type Chunk struct {
	ID        string
	Embedding []float32
	Title     string
	Text      string
	SourceURL string
	Namespace provider.Namespace
	Category  string
	Published time.Time
}

// Client is the vector retriever for the legal and news namespaces.
type Client struct {
	client         client.Client
	search         searcher
	insert         inserter
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		search:         c,
		insert:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	if z.client == nil {
		return nil
	}
	return z.client.Close()
}

// Ping is the retrieval health probe.
func (z *Client) Ping(ctx context.Context) error {
	_, err := z.client.HasCollection(ctx, z.collectionName)
	return err
}

// EnsureCollection creates and loads the corpus collection if it is missing.
// The corpus itself is written by the ingestion pipeline.
func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Civic corpus chunks",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", z.vectorDim)},
			},
			{Name: "title", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "512"}},
			{Name: "text", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "4096"}},
			{Name: "source_url", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "512"}},
			{Name: "namespace", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "32"}},
			{Name: "category", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "64"}},
			{Name: "published", DataType: entity.FieldTypeInt64},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

// Search implements provider.Retriever.
func (z *Client) Search(ctx context.Context, q provider.RetrievalQuery) ([]provider.EvidenceItem, error) {
	if len(q.Embedding) == 0 {
		return nil, provider.NewPermanent(providerName, errors.New("vector search requires a query embedding"))
	}

	expr := filterExpr(q.Namespace, q.Category)
	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	results, err := z.search.Search(
		ctx,
		z.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(q.Embedding)},
		"embedding",
		entity.COSINE,
		q.TopK,
		sp,
	)
	if err != nil {
		return nil, provider.NewTransient(providerName, fmt.Errorf("failed to search: %w", err))
	}

	items := make([]provider.EvidenceItem, 0, q.TopK)
	for _, sr := range results {
		for i := 0; i < sr.ResultCount; i++ {
			items = append(items, provider.EvidenceItem{
				SourceID:  columnString(sr.Fields, "chunk_id", i),
				Title:     columnString(sr.Fields, "title", i),
				Snippet:   columnString(sr.Fields, "text", i),
				URL:       columnString(sr.Fields, "source_url", i),
				Score:     float64(sr.Scores[i]),
				Namespace: q.Namespace,
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("namespace", string(q.Namespace)),
		zap.Int("topK", q.TopK),
		zap.Int("results", len(items)),
		zap.String("filters", expr),
	)

	return items, nil
}

// Insert writes chunks to the corpus collection. Every chunk must carry an
// embedding of the collection's dimension.
func (z *Client) Insert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var (
		ids        = make([]string, len(chunks))
		vectors    = make([][]float32, len(chunks))
		titles     = make([]string, len(chunks))
		texts      = make([]string, len(chunks))
		urls       = make([]string, len(chunks))
		namespaces = make([]string, len(chunks))
		categories = make([]string, len(chunks))
		published  = make([]int64, len(chunks))
	)
	for i, ch := range chunks {
		if len(ch.Embedding) != z.vectorDim {
			return fmt.Errorf("chunk %s has embedding dimension %d, want %d", ch.ID, len(ch.Embedding), z.vectorDim)
		}
		ids[i] = ch.ID
		vectors[i] = ch.Embedding
		titles[i] = truncate(ch.Title, 512)
		texts[i] = truncate(ch.Text, 4096)
		urls[i] = truncate(ch.SourceURL, 512)
		namespaces[i] = string(ch.Namespace)
		categories[i] = truncate(ch.Category, 64)
		published[i] = ch.Published.Unix()
	}

	_, err := z.insert.Insert(ctx, z.collectionName, "",
		entity.NewColumnVarChar("chunk_id", ids),
		entity.NewColumnFloatVector("embedding", z.vectorDim, vectors),
		entity.NewColumnVarChar("title", titles),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("source_url", urls),
		entity.NewColumnVarChar("namespace", namespaces),
		entity.NewColumnVarChar("category", categories),
		entity.NewColumnInt64("published", published),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	logger.Debug("Inserted corpus chunks", zap.Int("count", len(chunks)))
	return nil
}

// truncate caps s at n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func filterExpr(ns provider.Namespace, category string) string {
	var parts []string
	if ns != "" {
		parts = append(parts, fmt.Sprintf(`namespace == "%s"`, quote(string(ns))))
	}
	if category != "" {
		parts = append(parts, fmt.Sprintf(`category == "%s"`, quote(category)))
	}
	return strings.Join(parts, " && ")
}

func quote(s string) string {
	return strings.NewReplacer(`\`, ``, `"`, ``).Replace(s)
}

func columnString(rs client.ResultSet, name string, i int) string {
	col := rs.GetColumn(name)
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
