// Package alphavantage implements the market and news providers on top of
// the AlphaVantage query API.
package alphavantage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"resty.dev/v3"

	"marketterminal/internal/fetcher"
	"marketterminal/internal/ratelimit"
)

// DefaultBaseURL is the production query endpoint.
const DefaultBaseURL = "https://www.alphavantage.co/query"

// notice carries the messages AlphaVantage returns instead of data, always
// with a 200 status.
type notice struct {
	Note         string `json:"Note"`
	Information  string `json:"Information"`
	ErrorMessage string `json:"Error Message"`
}

func (n notice) err() error {
	switch {
	case n.Note != "":
		return fetcher.NewRateLimitError(0, n.Note)
	case n.Information != "":
		return fetcher.NewRateLimitError(0, n.Information)
	case n.ErrorMessage != "":
		return fetcher.NewClientError(0, n.ErrorMessage)
	default:
		return nil
	}
}

// Client talks to AlphaVantage. It implements market.QuoteProvider,
// market.HistoryProvider and market.NewsProvider.
type Client struct {
	apiKey  string
	client  *resty.Client
	limiter *ratelimit.Limiter
}

// New creates a client. limiter may be nil.
func New(apiKey, baseURL string, limiter *ratelimit.Limiter, opts ...fetcher.ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		client:  fetcher.NewHTTPClient(baseURL, opts...),
		limiter: limiter,
	}
}

// Name identifies AlphaVantage in news request keys.
func (c *Client) Name() string { return "alphavantage" }

// query runs one API function and decodes the body into result. check
// extracts the notice embedded in result.
func (c *Client) query(ctx context.Context, params map[string]string, result any, check func() notice) error {
	function := params["function"]
	if err := c.limiter.Wait(ctx, ratelimit.APIAlphaVantage); err != nil {
		return fmt.Errorf("alphavantage %s: %w", function, err)
	}

	params["apikey"] = c.apiKey
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(result).
		Get("")
	if err := fetcher.CheckResponse(resp, err); err != nil {
		return fmt.Errorf("alphavantage %s: %w", function, err)
	}
	if err := check().err(); err != nil {
		return fmt.Errorf("alphavantage %s: %w", function, err)
	}
	return nil
}

// parseNumber parses a numeric field. Missing fields parse as zero.
func parseNumber(field, s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fetcher.NewValidationError(fmt.Sprintf("invalid %s %q", field, s))
	}
	return v, nil
}
