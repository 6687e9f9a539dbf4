package ingestion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/internal/vector/zilliz"
	"github.com/civic-agent/backend/pkg/logger"
	"github.com/civic-agent/backend/pkg/utils"
)

var (
	ErrEmptyDocument    = errors.New("no content extracted from document")
	ErrInvalidNamespace = errors.New("documents can only be ingested into the legal or news namespace")
)

var whitespace = regexp.MustCompile(`\s+`)

// ChunkWriter stores embedded chunks in the corpus.
type ChunkWriter interface {
	Insert(ctx context.Context, chunks []zilliz.Chunk) error
}

// Document is a raw page submitted for ingestion.
type Document struct {
	URL       string
	HTML      string
	Namespace provider.Namespace
	Category  string
	Published time.Time
}

type Result struct {
	DocID    string `json:"doc_id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Chunks   int    `json:"chunks"`
}

// Processor turns HTML documents into embedded chunks of the vector corpus.
type Processor struct {
	writer       ChunkWriter
	embedder     provider.Embedder
	chunkSize    int
	chunkOverlap int
	concurrency  int
}

func NewProcessor(writer ChunkWriter, embedder provider.Embedder) *Processor {
	return &Processor{
		writer:       writer,
		embedder:     embedder,
		chunkSize:    1000,
		chunkOverlap: 100,
		concurrency:  4,
	}
}

func (p *Processor) ProcessDocument(ctx context.Context, doc Document) (*Result, error) {
	if doc.Namespace != provider.NamespaceLegal && doc.Namespace != provider.NamespaceNews {
		return nil, ErrInvalidNamespace
	}

	logger.Info("Processing document", zap.String("url", doc.URL), zap.String("namespace", string(doc.Namespace)))

	page, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	title := extractTitle(page)
	text := cleanText(page)
	if text == "" {
		return nil, ErrEmptyDocument
	}

	category := doc.Category
	if category == "" {
		category = extractCategory(doc.URL + " " + title)
	}
	published := doc.Published
	if published.IsZero() {
		published = time.Now()
	}

	chunks := p.chunkText(text)
	logger.Info("Document chunked", zap.Int("chunks", len(chunks)))

	embeddings, err := p.embedAll(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	docID := utils.HashString(doc.URL)[:32]
	records := make([]zilliz.Chunk, len(chunks))
	for i, chunk := range chunks {
		records[i] = zilliz.Chunk{
			ID:        fmt.Sprintf("%s_%d", docID, i),
			Embedding: embeddings[i],
			Title:     title,
			Text:      chunk,
			SourceURL: doc.URL,
			Namespace: doc.Namespace,
			Category:  category,
			Published: published,
		}
	}

	if err := p.writer.Insert(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to insert into vector DB: %w", err)
	}

	logger.Info("Document processed successfully",
		zap.String("doc_id", docID),
		zap.Int("chunks", len(records)),
	)

	return &Result{DocID: docID, Title: title, Category: category, Chunks: len(records)}, nil
}

func (p *Processor) embedAll(ctx context.Context, chunks []string) ([][]float32, error) {
	embeddings := make([][]float32, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			emb, err := p.embedder.Embed(ctx, chunk)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			embeddings[i] = emb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return embeddings, nil
}

func cleanText(page *goquery.Document) string {
	page.Find("script, style, nav, footer, header, aside").Remove()

	body := page.Find("body")
	text := body.Text()
	if body.Length() == 0 {
		text = page.Text()
	}

	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

func extractTitle(page *goquery.Document) string {
	title := strings.TrimSpace(page.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(page.Find("h1").First().Text())
	}
	if title == "" {
		title = "Untitled"
	}
	return title
}

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"finance", []string{"finance", "tax", "budget", "levy", "treasury", "kodi"}},
	{"health", []string{"health", "hospital", "nhif", "shif", "afya"}},
	{"education", []string{"education", "school", "university", "helb", "elimu"}},
	{"land", []string{"land", "housing", "ardhi", "title-deed"}},
	{"governance", []string{"county", "parliament", "election", "constitution", "bunge"}},
}

// extractCategory derives a corpus category from the URL and title.
func extractCategory(s string) string {
	lower := strings.ToLower(s)
	for _, c := range categoryKeywords {
		for _, k := range c.keywords {
			if strings.Contains(lower, k) {
				return c.category
			}
		}
	}
	return "general"
}

// chunkText splits text into chunks of roughly chunkSize bytes. Each chunk
// after the first repeats the tail of the previous one.
func (p *Processor) chunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var current []string
	size := 0

	for _, word := range words {
		wordLen := len(word) + 1

		if size+wordLen > p.chunkSize && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))

			overlap := current[max(0, len(current)-p.chunkOverlap/10):]
			current = append([]string(nil), overlap...)
			size = len(strings.Join(current, " ")) + 1
		}

		current = append(current, word)
		size += wordLen
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}

	return chunks
}
