package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/pkg/logger"
	"github.com/civic-agent/backend/pkg/utils"
)

const providerName = "openai"

type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
}

// Client implements provider.Generator and provider.Embedder on the OpenAI
// API. It makes exactly one request per call; retries and circuit breaking
// belong to the executor.
type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
}

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(oc),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
	}
}

// Ping is the generation health probe. Listing models costs no tokens.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) Generate(ctx context.Context, prompt string, constraints provider.Constraints) (string, error) {
	temperature := constraints.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := constraints.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if constraints.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: constraints.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", classify(fmt.Errorf("failed to create completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", provider.NewTransient(providerName, errors.New("completion returned no choices"))
	}

	logger.Debug("LLM completion generated",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return resp.Choices[0].Message.Content, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to generate embedding: %w", err))
	}
	if len(resp.Data) == 0 {
		return nil, provider.NewTransient(providerName, errors.New("embedding response was empty"))
	}

	embedding := make([]float32, len(resp.Data[0].Embedding))
	copy(embedding, resp.Data[0].Embedding)
	return embedding, nil
}

// classify maps OpenAI failures to provider error kinds. Rate limits, server
// errors and transport failures are transient; other 4xx are permanent.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return provider.NewTransient(providerName, err)
	case status >= 400:
		return provider.NewPermanent(providerName, err)
	default:
		return provider.NewTransient(providerName, err)
	}
}

// EmbeddingStore caches embeddings by text hash.
type EmbeddingStore interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder consults the store before calling the wrapped embedder.
// Store failures are logged and never fail the call.
type CachedEmbedder struct {
	Embedder provider.Embedder
	Store    EmbeddingStore
	TTL      time.Duration
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := utils.HashString(utils.NormalizeText(text))

	if emb, ok, err := c.Store.GetEmbedding(ctx, hash); err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	} else if ok {
		return emb, nil
	}

	emb, err := c.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.Store.SetEmbedding(ctx, hash, emb, c.TTL); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return emb, nil
}
