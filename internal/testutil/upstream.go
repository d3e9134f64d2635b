package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ChartQuote is what the fake chart API reports for one symbol.
type ChartQuote struct {
	Price         float64
	PreviousClose float64
	// Delay holds the response back, for timeout tests.
	Delay time.Duration
	// Status other than 200 is returned as is.
	Status int
}

// YahooServer fakes the chart endpoint. Unknown symbols get an empty chart.
type YahooServer struct {
	*httptest.Server

	mu     sync.Mutex
	quotes map[string]ChartQuote
	hits   map[string]int
	total  atomic.Int64
}

// NewYahooServer starts a fake chart API serving quotes.
func NewYahooServer(t *testing.T, quotes map[string]ChartQuote) *YahooServer {
	t.Helper()
	y := &YahooServer{quotes: quotes, hits: make(map[string]int)}
	y.Server = httptest.NewServer(http.HandlerFunc(y.serve))
	t.Cleanup(y.Close)
	return y
}

// Set replaces the quote of symbol.
func (y *YahooServer) Set(symbol string, q ChartQuote) {
	y.mu.Lock()
	defer y.mu.Unlock()
	y.quotes[symbol] = q
}

// Hits returns how many requests symbol received.
func (y *YahooServer) Hits(symbol string) int {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.hits[symbol]
}

// Total returns the number of requests served.
func (y *YahooServer) Total() int { return int(y.total.Load()) }

func (y *YahooServer) serve(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimPrefix(r.URL.Path, "/v8/finance/chart/")
	y.total.Add(1)
	y.mu.Lock()
	y.hits[symbol]++
	q, ok := y.quotes[symbol]
	y.mu.Unlock()

	if q.Delay > 0 {
		select {
		case <-time.After(q.Delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if q.Status != 0 && q.Status != http.StatusOK {
		w.WriteHeader(q.Status)
		fmt.Fprintf(w, `{"chart":{"result":null,"error":{"code":"Status","description":"status %d"}}}`, q.Status)
		return
	}
	if !ok {
		w.Write([]byte(`{"chart":{"result":null,"error":null}}`))
		return
	}

	// three daily bars ending at the current price
	now := time.Now().UTC().Truncate(24 * time.Hour)
	closes := []float64{q.PreviousClose, q.PreviousClose, q.Price}
	stamps := []int64{now.Add(-48 * time.Hour).Unix(), now.Add(-24 * time.Hour).Unix(), now.Unix()}
	body := map[string]any{
		"chart": map[string]any{
			"result": []any{map[string]any{
				"meta": map[string]any{
					"symbol":             symbol,
					"shortName":          symbol,
					"regularMarketPrice": q.Price,
					"previousClose":      q.PreviousClose,
					"regularMarketTime":  now.Unix(),
				},
				"timestamp": stamps,
				"indicators": map[string]any{"quote": []any{map[string]any{
					"open":   closes,
					"high":   closes,
					"low":    closes,
					"close":  closes,
					"volume": []int64{100, 100, 100},
				}}},
			}},
			"error": nil,
		},
	}
	json.NewEncoder(w).Encode(body)
}

// NewsServer fakes the newsapi.org everything endpoint, returning one
// headline per request titled after the query.
type NewsServer struct {
	*httptest.Server
	total atomic.Int64
}

// NewNewsServer starts a fake news API.
func NewNewsServer(t *testing.T) *NewsServer {
	t.Helper()
	n := &NewsServer{}
	n.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.total.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"totalResults": 1,
			"articles": []any{map[string]any{
				"source":      map[string]any{"name": "InfoMoney"},
				"title":       "Headline about " + r.URL.Query().Get("q"),
				"url":         "https://infomoney.com.br/1",
				"publishedAt": time.Now().UTC().Format(time.RFC3339),
			}},
		})
	}))
	t.Cleanup(n.Close)
	return n
}

// Total returns the number of requests served.
func (n *NewsServer) Total() int { return int(n.total.Load()) }
