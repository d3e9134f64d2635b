package market

import (
	"context"
	"fmt"
	"sort"
	"time"

	"marketterminal/internal/fetcher"
)

// Holding is a number of shares of one ticker.
type Holding struct {
	Symbol   string `json:"symbol"`
	Quantity int    `json:"quantity"`
}

// Position is a holding valued at the current price.
type Position struct {
	Holding
	Price float64 `json:"price"`
}

// Empty reports whether the position could not be priced.
func (p Position) Empty() bool { return p.Price == 0 }

// Value is quantity times price.
func (p Position) Value() float64 { return float64(p.Quantity) * p.Price }

// PositionRequest prices one holding with a QuoteProvider.
type PositionRequest struct {
	Holding  Holding
	Provider QuoteProvider
}

func (r PositionRequest) Fetch(ctx context.Context) (fetcher.Payload, error) {
	q, err := r.Provider.Quote(ctx, r.Holding.Symbol)
	if err != nil {
		return nil, err
	}
	return Position{Holding: r.Holding, Price: q.Price}, nil
}

func (r PositionRequest) Key() string                    { return fmt.Sprintf("position:%s", r.Holding.Symbol) }
func (r PositionRequest) Capability() fetcher.Capability { return fetcher.CapabilityQuote }

// Weights returns the share of each position in the total portfolio value.
// Unpriced positions are left out; nil when nothing could be priced.
func Weights(positions []Position) map[string]float64 {
	var total float64
	for _, p := range positions {
		if p.Quantity > 0 && p.Price > 0 {
			total += p.Value()
		}
	}
	if total == 0 {
		return nil
	}
	out := make(map[string]float64, len(positions))
	for _, p := range positions {
		if p.Quantity > 0 && p.Price > 0 {
			out[p.Symbol] = p.Value() / total
		}
	}
	return out
}

// Point is a cumulative return in percent at a date.
type Point struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// CumulativeReturns compounds the weighted daily close-to-close returns of
// series over the union of their dates. A ticker without a bar on a date
// contributes nothing that day. The first point is always 0.
func CumulativeReturns(series map[string]Series, weights map[string]float64) []Point {
	closes := make(map[string]map[time.Time]float64)
	var dates []time.Time
	seen := make(map[time.Time]bool)
	for sym, s := range series {
		if weights[sym] == 0 || s.Empty() {
			continue
		}
		byDate := make(map[time.Time]float64, len(s.Bars))
		for _, b := range s.Bars {
			byDate[b.Date] = b.Close
			if !seen[b.Date] {
				seen[b.Date] = true
				dates = append(dates, b.Date)
			}
		}
		closes[sym] = byDate
	}
	if len(dates) == 0 {
		return nil
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	prev := make(map[string]float64, len(closes))
	growth := 1.0
	out := make([]Point, 0, len(dates))
	for _, d := range dates {
		var r float64
		for sym, byDate := range closes {
			c, ok := byDate[d]
			if !ok {
				continue
			}
			if p := prev[sym]; p > 0 {
				r += weights[sym] * (c/p - 1)
			}
			prev[sym] = c
		}
		growth *= 1 + r
		out = append(out, Point{Date: d, Value: (growth - 1) * 100})
	}
	return out
}

// Rebase aligns two cumulative return curves on the dates where both are
// known, carrying the last value forward, and restarts both at 0 on the
// first common date. Either curve is returned as is when the other is empty.
func Rebase(a, b []Point) ([]Point, []Point) {
	if len(a) == 0 || len(b) == 0 {
		return a, b
	}
	start := a[0].Date
	if b[0].Date.After(start) {
		start = b[0].Date
	}

	seen := make(map[time.Time]bool)
	var dates []time.Time
	for _, curve := range [][]Point{a, b} {
		for _, p := range curve {
			if !p.Date.Before(start) && !seen[p.Date] {
				seen[p.Date] = true
				dates = append(dates, p.Date)
			}
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return rebase(a, dates), rebase(b, dates)
}

// rebase samples curve at dates (sorted, none before the curve starts).
func rebase(curve []Point, dates []time.Time) []Point {
	out := make([]Point, 0, len(dates))
	i := 0
	var base float64
	for n, d := range dates {
		for i+1 < len(curve) && !curve[i+1].Date.After(d) {
			i++
		}
		g := 1 + curve[i].Value/100
		if n == 0 {
			base = g
		}
		out = append(out, Point{Date: d, Value: (g/base - 1) * 100})
	}
	return out
}
