// Package market holds the dashboard's domain model: quotes, daily price
// series and headlines, the provider interfaces that produce them and the
// request values routed through the refresh core.
package market

import (
	"context"
	"time"
)

// Quote is a current-price snapshot for one ticker.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name,omitempty"`
	Price         float64   `json:"price"`
	PreviousClose float64   `json:"previous_close"`
	Open          float64   `json:"open,omitempty"`
	High          float64   `json:"high,omitempty"`
	Low           float64   `json:"low,omitempty"`
	Volume        int64     `json:"volume"`
	ChangePct     float64   `json:"change_pct"`
	Time          time.Time `json:"time"`
}

// Empty reports whether the provider returned no price.
func (q Quote) Empty() bool { return q.Price == 0 }

// Bar is one daily OHLCV row.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Series is a daily price history, oldest bar first.
type Series struct {
	Symbol string `json:"symbol"`
	Bars   []Bar  `json:"bars"`
}

// Empty reports whether the series has no bars.
func (s Series) Empty() bool { return len(s.Bars) == 0 }

// Closes returns the close prices in bar order.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Headline is one news item.
type Headline struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Headlines is the payload of a news search.
type Headlines []Headline

// Empty reports whether the search found nothing.
func (h Headlines) Empty() bool { return len(h) == 0 }

// QuoteProvider returns the current quote for a ticker.
type QuoteProvider interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// HistoryProvider returns daily bars from start until today.
type HistoryProvider interface {
	History(ctx context.Context, symbol string, start time.Time) (Series, error)
}

// NewsProvider searches headlines.
type NewsProvider interface {
	Search(ctx context.Context, query string, pageSize int) (Headlines, error)
	// Name identifies the news source in request keys.
	Name() string
}

// ChangePercent returns the daily variation in percent, or 0 when either
// price is missing.
func ChangePercent(price, previousClose float64) float64 {
	if price == 0 || previousClose == 0 {
		return 0
	}
	return (price - previousClose) / previousClose * 100
}
