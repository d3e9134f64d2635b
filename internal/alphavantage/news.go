package alphavantage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketterminal/internal/market"
)

const (
	publishedLayout = "20060102T150405"
	defaultPageSize = 5
)

// NewsResponse represents the NEWS_SENTIMENT response
type NewsResponse struct {
	notice
	Feed []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		TimePublished string `json:"time_published"`
		Source        string `json:"source"`
	} `json:"feed"`
}

// Search returns the latest headlines for a ticker. Exchange suffixes such
// as ".SA" are dropped since the feed indexes bare tickers.
func (c *Client) Search(ctx context.Context, ticker string, pageSize int) (market.Headlines, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	base, _, _ := strings.Cut(ticker, ".")

	var result NewsResponse
	err := c.query(ctx, map[string]string{
		"function": "NEWS_SENTIMENT",
		"tickers":  base,
		"sort":     "LATEST",
		"limit":    strconv.Itoa(pageSize),
	}, &result, func() notice { return result.notice })
	if err != nil {
		return nil, err
	}

	out := make(market.Headlines, 0, min(pageSize, len(result.Feed)))
	for _, item := range result.Feed {
		if len(out) == pageSize {
			break
		}
		h := market.Headline{
			Title:  item.Title,
			URL:    item.URL,
			Source: fmt.Sprintf("AV (%s)", item.Source),
		}
		if ts, err := time.Parse(publishedLayout, item.TimePublished); err == nil {
			h.PublishedAt = ts
		}
		out = append(out, h)
	}
	return out, nil
}
