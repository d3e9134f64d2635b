package market

import (
	"sort"
	"strings"
)

// Average is one point of a rolling mean. Valid is false until the window
// is full.
type Average struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// SMA computes the simple moving average of values over window. The result
// has the same length as values.
func SMA(values []float64, window int) []Average {
	out := make([]Average, len(values))
	if window <= 0 {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			out[i] = Average{Value: sum / float64(window), Valid: true}
		}
	}
	return out
}

// Averages computes the SMA of the close prices for each window.
func (s Series) Averages(windows ...int) map[int][]Average {
	closes := s.Closes()
	out := make(map[int][]Average, len(windows))
	for _, w := range windows {
		out[w] = SMA(closes, w)
	}
	return out
}

// Movers is the top movers table: gainers sorted by variation descending,
// losers by variation ascending.
type Movers struct {
	Gainers []Quote `json:"gainers"`
	Losers  []Quote `json:"losers"`
}

// RankMovers sorts quotes by daily variation and keeps the n best and n
// worst. Index tickers (prefixed with ^) and quotes without a price are
// left out.
func RankMovers(quotes []Quote, n int) Movers {
	ranked := make([]Quote, 0, len(quotes))
	for _, q := range quotes {
		if strings.HasPrefix(q.Symbol, "^") || q.Empty() {
			continue
		}
		ranked = append(ranked, q)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ChangePct > ranked[j].ChangePct
	})

	if n <= 0 || n > len(ranked) {
		n = len(ranked)
	}
	m := Movers{
		Gainers: append([]Quote(nil), ranked[:n]...),
		Losers:  make([]Quote, 0, n),
	}
	for i := len(ranked) - 1; i >= len(ranked)-n; i-- {
		m.Losers = append(m.Losers, ranked[i])
	}
	return m
}
