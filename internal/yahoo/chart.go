// Package yahoo implements the default quote and history providers on the
// Yahoo Finance chart endpoint.
package yahoo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"resty.dev/v3"

	"marketterminal/internal/fetcher"
	"marketterminal/internal/market"
	"marketterminal/internal/ratelimit"
)

// DefaultBaseURL is the production chart host.
const DefaultBaseURL = "https://query1.finance.yahoo.com"

const chartPath = "/v8/finance/chart/{symbol}"

// ChartResponse represents the chart endpoint response
type ChartResponse struct {
	Chart struct {
		Result []ChartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// ChartResult is one symbol's chart
type ChartResult struct {
	Meta struct {
		Symbol              string  `json:"symbol"`
		ShortName           string  `json:"shortName"`
		LongName            string  `json:"longName"`
		RegularMarketPrice  float64 `json:"regularMarketPrice"`
		ChartPreviousClose  float64 `json:"chartPreviousClose"`
		PreviousClose       float64 `json:"previousClose"`
		RegularMarketVolume int64   `json:"regularMarketVolume"`
		RegularMarketHigh   float64 `json:"regularMarketDayHigh"`
		RegularMarketLow    float64 `json:"regularMarketDayLow"`
		RegularMarketTime   int64   `json:"regularMarketTime"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

// Client implements market.QuoteProvider and market.HistoryProvider.
type Client struct {
	client  *resty.Client
	limiter *ratelimit.Limiter
	now     func() time.Time
}

// New creates a client. limiter may be nil.
func New(baseURL string, limiter *ratelimit.Limiter, opts ...fetcher.ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	// the chart host rejects requests without a browser-like agent
	opts = append([]fetcher.ClientOption{fetcher.WithHeader("User-Agent", "Mozilla/5.0")}, opts...)
	return &Client{
		client:  fetcher.NewHTTPClient(baseURL, opts...),
		limiter: limiter,
		now:     time.Now,
	}
}

func (c *Client) chart(ctx context.Context, symbol string, params map[string]string) (*ChartResult, error) {
	if err := c.limiter.Wait(ctx, ratelimit.APIYahoo); err != nil {
		return nil, fmt.Errorf("yahoo chart %s: %w", symbol, err)
	}

	var result ChartResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		SetQueryParams(params).
		SetResult(&result).
		Get(chartPath)
	if err := fetcher.CheckResponse(resp, err); err != nil {
		return nil, fmt.Errorf("yahoo chart %s: %w", symbol, err)
	}
	if e := result.Chart.Error; e != nil {
		return nil, fmt.Errorf("yahoo chart %s: %w", symbol, fetcher.NewClientError(0, e.Code+": "+e.Description))
	}
	if len(result.Chart.Result) == 0 {
		return nil, nil
	}
	return &result.Chart.Result[0], nil
}

// Quote retrieves the current quote from the chart metadata. A symbol with
// no chart yields an empty quote.
func (c *Client) Quote(ctx context.Context, symbol string) (market.Quote, error) {
	r, err := c.chart(ctx, symbol, map[string]string{"interval": "1d", "range": "1d"})
	if err != nil || r == nil {
		return market.Quote{Symbol: symbol}, err
	}

	m := r.Meta
	prev := m.PreviousClose
	if prev == 0 {
		prev = m.ChartPreviousClose
	}
	name := m.ShortName
	if name == "" {
		name = m.LongName
	}
	q := market.Quote{
		Symbol:        symbol,
		Name:          name,
		Price:         m.RegularMarketPrice,
		PreviousClose: prev,
		High:          m.RegularMarketHigh,
		Low:           m.RegularMarketLow,
		Volume:        m.RegularMarketVolume,
		ChangePct:     market.ChangePercent(m.RegularMarketPrice, prev),
	}
	if m.RegularMarketTime > 0 {
		q.Time = time.Unix(m.RegularMarketTime, 0).UTC()
	}
	if quote := r.Indicators.Quote; len(quote) > 0 && len(quote[0].Open) > 0 && quote[0].Open[0] != nil {
		q.Open = *quote[0].Open[0]
	}
	return q, nil
}

// History retrieves daily bars from start until now. Rows without a close
// are skipped.
func (c *Client) History(ctx context.Context, symbol string, start time.Time) (market.Series, error) {
	r, err := c.chart(ctx, symbol, map[string]string{
		"interval": "1d",
		"period1":  strconv.FormatInt(start.Unix(), 10),
		"period2":  strconv.FormatInt(c.now().Unix(), 10),
	})
	series := market.Series{Symbol: symbol}
	if err != nil || r == nil || len(r.Indicators.Quote) == 0 {
		return series, err
	}

	ind := r.Indicators.Quote[0]
	at := func(vals []*float64, i int) float64 {
		if i < len(vals) && vals[i] != nil {
			return *vals[i]
		}
		return 0
	}
	for i, ts := range r.Timestamp {
		if i >= len(ind.Close) || ind.Close[i] == nil {
			continue
		}
		bar := market.Bar{
			Date:  time.Unix(ts, 0).UTC(),
			Open:  at(ind.Open, i),
			High:  at(ind.High, i),
			Low:   at(ind.Low, i),
			Close: *ind.Close[i],
		}
		if i < len(ind.Volume) && ind.Volume[i] != nil {
			bar.Volume = *ind.Volume[i]
		}
		series.Bars = append(series.Bars, bar)
	}
	return series, nil
}
