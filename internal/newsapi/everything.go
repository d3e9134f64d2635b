// Package newsapi implements market.NewsProvider on newsapi.org.
package newsapi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"resty.dev/v3"

	"marketterminal/internal/fetcher"
	"marketterminal/internal/market"
	"marketterminal/internal/ratelimit"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://newsapi.org"

// DefaultDomains restricts searches to financial and business outlets.
var DefaultDomains = []string{
	"exame.com",
	"infomoney.com.br",
	"valor.globo.com",
	"folha.uol.com.br",
	"cnn.com",
	"bloomberg.com",
}

const defaultPageSize = 5

// EverythingResponse represents the /v2/everything response
type EverythingResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Title       string    `json:"title"`
		URL         string    `json:"url"`
		PublishedAt time.Time `json:"publishedAt"`
	} `json:"articles"`
}

// Option configures a Client.
type Option func(*Client)

// WithLanguage sets the article language. Default "pt".
func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = lang }
}

// WithDomains overrides DefaultDomains. An empty list searches every source.
func WithDomains(domains []string) Option {
	return func(c *Client) { c.domains = domains }
}

// WithHTTPOptions passes options to the underlying HTTP client.
func WithHTTPOptions(opts ...fetcher.ClientOption) Option {
	return func(c *Client) { c.httpOpts = append(c.httpOpts, opts...) }
}

// Client searches headlines.
type Client struct {
	apiKey   string
	language string
	domains  []string
	limiter  *ratelimit.Limiter
	httpOpts []fetcher.ClientOption
	client   *resty.Client
}

// New creates a client. limiter may be nil.
func New(apiKey, baseURL string, limiter *ratelimit.Limiter, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		apiKey:   apiKey,
		language: "pt",
		domains:  DefaultDomains,
		limiter:  limiter,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client = fetcher.NewHTTPClient(baseURL, append(c.httpOpts, fetcher.WithHeader("X-Api-Key", apiKey))...)
	return c
}

// Name identifies newsapi in request keys.
func (c *Client) Name() string { return "newsapi" }

// Search returns the most recent articles matching query.
func (c *Client) Search(ctx context.Context, query string, pageSize int) (market.Headlines, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if err := c.limiter.Wait(ctx, ratelimit.APINewsAPI); err != nil {
		return nil, fmt.Errorf("newsapi search: %w", err)
	}

	params := map[string]string{
		"q":        query,
		"language": c.language,
		"pageSize": strconv.Itoa(pageSize),
		"sortBy":   "publishedAt",
	}
	if len(c.domains) > 0 {
		params["domains"] = strings.Join(c.domains, ",")
	}

	var result EverythingResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&result).
		Get("/v2/everything")
	if err := fetcher.CheckResponse(resp, err); err != nil {
		return nil, fmt.Errorf("newsapi search: %w", err)
	}
	if result.Status != "ok" {
		msg := strings.TrimSpace(result.Code + " " + result.Message)
		if result.Code == "rateLimited" {
			return nil, fmt.Errorf("newsapi search: %w", fetcher.NewRateLimitError(0, msg))
		}
		return nil, fmt.Errorf("newsapi search: %w", fetcher.NewValidationError(fmt.Sprintf("status %q: %s", result.Status, msg)))
	}

	out := make(market.Headlines, 0, len(result.Articles))
	for _, a := range result.Articles {
		out = append(out, market.Headline{
			Title:       a.Title,
			Source:      a.Source.Name,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
		})
	}
	return out, nil
}
