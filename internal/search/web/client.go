package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/pkg/logger"
	"github.com/civic-agent/backend/pkg/utils"
)

const (
	providerName     = "serpapi"
	defaultSerpAPI   = "https://serpapi.com/search"
	maxContentLength = 2000
)

type Config struct {
	SerpAPIKey string
	// BaseURL overrides the SerpAPI endpoint.
	BaseURL string
	// Sites restricts results to the listed domains.
	Sites      []string
	MaxResults int
	Scrape     bool
	Timeout    time.Duration
}

// Client is the web search retriever. Results come from SerpAPI; when
// scraping is enabled each result page is fetched and its main text used as
// the snippet.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultSerpAPI
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Search implements provider.Retriever for the web namespace.
func (c *Client) Search(ctx context.Context, q provider.RetrievalQuery) ([]provider.EvidenceItem, error) {
	if c.cfg.SerpAPIKey == "" {
		return nil, provider.NewPermanent(providerName, fmt.Errorf("web search is not configured"))
	}

	limit := q.TopK
	if limit <= 0 || limit > c.cfg.MaxResults {
		limit = c.cfg.MaxResults
	}

	results, err := c.searchWithSerpAPI(ctx, c.siteQuery(q.Text), limit)
	if err != nil {
		return nil, err
	}

	items := make([]provider.EvidenceItem, 0, len(results))
	for i, r := range results {
		snippet := r.Snippet
		if c.cfg.Scrape {
			if content, err := c.scrapeContent(ctx, r.Link); err != nil {
				logger.Warn("Failed to scrape content", zap.String("url", r.Link), zap.Error(err))
			} else if content != "" {
				snippet = content
			}
		}

		items = append(items, provider.EvidenceItem{
			SourceID:  "web:" + utils.HashString(r.Link)[:16],
			Title:     r.Title,
			Snippet:   snippet,
			URL:       r.Link,
			Score:     rankScore(i),
			Namespace: provider.NamespaceWeb,
		})
	}

	logger.Debug("Web search completed", zap.Int("results", len(items)))
	return items, nil
}

// Ping is the web search health probe. It reads the SerpAPI account
// endpoint, which does not consume search credits.
func (c *Client) Ping(ctx context.Context) error {
	params := url.Values{}
	params.Add("api_key", c.cfg.SerpAPIKey)
	accountURL := strings.TrimSuffix(c.cfg.BaseURL, "/search") + "/account.json?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, accountURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach search provider: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return statusError(resp.StatusCode)
}

func (c *Client) siteQuery(query string) string {
	if len(c.cfg.Sites) == 0 {
		return query
	}
	sites := make([]string, len(c.cfg.Sites))
	for i, s := range c.cfg.Sites {
		sites[i] = "site:" + s
	}
	return fmt.Sprintf("(%s) %s", strings.Join(sites, " OR "), query)
}

// rankScore keeps web evidence below typical corpus similarity scores.
func rankScore(rank int) float64 {
	return 0.7 / (1 + 0.1*float64(rank))
}

type organicResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

func (c *Client) searchWithSerpAPI(ctx context.Context, query string, maxResults int) ([]organicResult, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("api_key", c.cfg.SerpAPIKey)
	params.Add("num", fmt.Sprintf("%d", maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, provider.NewPermanent(providerName, fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.NewTransient(providerName, fmt.Errorf("failed to search: %w", err))
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewTransient(providerName, fmt.Errorf("failed to read response: %w", err))
	}

	var searchResp struct {
		OrganicResults []organicResult `json:"organic_results"`
	}
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return nil, provider.NewTransient(providerName, fmt.Errorf("failed to parse response: %w", err))
	}

	results := searchResp.OrganicResults
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

func statusError(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return provider.NewTransient(providerName, fmt.Errorf("search returned status %d", status))
	default:
		return provider.NewPermanent(providerName, fmt.Errorf("search returned status %d", status))
	}
}

func (c *Client) scrapeContent(ctx context.Context, urlStr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "civic-agent/1.0 (+https://github.com/civic-agent)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}

	return extractText(doc), nil
}

// extractText prefers <article> or <main> over the whole body.
func extractText(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer, header, aside, form").Remove()

	sel := doc.Find("article")
	if sel.Length() == 0 {
		sel = doc.Find("main")
	}
	if sel.Length() == 0 {
		sel = doc.Find("body")
	}

	text := strings.Join(strings.Fields(sel.First().Text()), " ")
	if r := []rune(text); len(r) > maxContentLength {
		text = string(r[:maxContentLength])
	}
	return text
}
