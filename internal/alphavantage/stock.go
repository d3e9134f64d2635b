package alphavantage

import (
	"context"
	"sort"
	"time"

	"marketterminal/internal/market"
)

// compactDays is how many bars TIME_SERIES_DAILY returns without
// outputsize=full.
const compactDays = 100

// GlobalQuoteResponse represents the AlphaVantage API response for stock quotes
type GlobalQuoteResponse struct {
	notice
	GlobalQuote struct {
		Symbol           string `json:"01. symbol"`
		Open             string `json:"02. open"`
		High             string `json:"03. high"`
		Low              string `json:"04. low"`
		Price            string `json:"05. price"`
		Volume           string `json:"06. volume"`
		LatestTradingDay string `json:"07. latest trading day"`
		PreviousClose    string `json:"08. previous close"`
		Change           string `json:"09. change"`
		ChangePercent    string `json:"10. change percent"`
	} `json:"Global Quote"`
}

// DailyResponse represents the TIME_SERIES_DAILY response
type DailyResponse struct {
	notice
	Series map[string]struct {
		Open   string `json:"1. open"`
		High   string `json:"2. high"`
		Low    string `json:"3. low"`
		Close  string `json:"4. close"`
		Volume string `json:"5. volume"`
	} `json:"Time Series (Daily)"`
}

// Quote retrieves the current quote. An unknown symbol yields an empty
// quote and no error.
func (c *Client) Quote(ctx context.Context, symbol string) (market.Quote, error) {
	var result GlobalQuoteResponse
	err := c.query(ctx, map[string]string{
		"function": "GLOBAL_QUOTE",
		"symbol":   symbol,
	}, &result, func() notice { return result.notice })
	if err != nil {
		return market.Quote{}, err
	}

	g := result.GlobalQuote
	q := market.Quote{Symbol: symbol}
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"price", g.Price, &q.Price},
		{"previous close", g.PreviousClose, &q.PreviousClose},
		{"open", g.Open, &q.Open},
		{"high", g.High, &q.High},
		{"low", g.Low, &q.Low},
	}
	for _, f := range fields {
		v, err := parseNumber(f.name, f.raw)
		if err != nil {
			return market.Quote{}, err
		}
		*f.dst = v
	}

	volume, err := parseNumber("volume", g.Volume)
	if err != nil {
		return market.Quote{}, err
	}
	q.Volume = int64(volume)
	q.ChangePct = market.ChangePercent(q.Price, q.PreviousClose)
	if day, err := time.Parse(time.DateOnly, g.LatestTradingDay); err == nil {
		q.Time = day
	}
	return q, nil
}

// History retrieves daily bars on or after start, oldest first.
func (c *Client) History(ctx context.Context, symbol string, start time.Time) (market.Series, error) {
	outputSize := "compact"
	if time.Since(start) > compactDays*24*time.Hour {
		outputSize = "full"
	}

	var result DailyResponse
	err := c.query(ctx, map[string]string{
		"function":   "TIME_SERIES_DAILY",
		"symbol":     symbol,
		"outputsize": outputSize,
	}, &result, func() notice { return result.notice })
	if err != nil {
		return market.Series{}, err
	}

	series := market.Series{Symbol: symbol}
	for date, row := range result.Series {
		day, err := time.Parse(time.DateOnly, date)
		if err != nil || day.Before(start) {
			continue
		}
		bar := market.Bar{Date: day}
		for _, f := range []struct {
			name string
			raw  string
			dst  *float64
		}{
			{"open", row.Open, &bar.Open},
			{"high", row.High, &bar.High},
			{"low", row.Low, &bar.Low},
			{"close", row.Close, &bar.Close},
		} {
			v, err := parseNumber(f.name, f.raw)
			if err != nil {
				return market.Series{}, err
			}
			*f.dst = v
		}
		volume, err := parseNumber("volume", row.Volume)
		if err != nil {
			return market.Series{}, err
		}
		bar.Volume = int64(volume)
		series.Bars = append(series.Bars, bar)
	}

	sort.Slice(series.Bars, func(i, j int) bool {
		return series.Bars[i].Date.Before(series.Bars[j].Date)
	})
	return series, nil
}
