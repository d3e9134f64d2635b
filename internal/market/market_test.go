package market

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"marketterminal/internal/fetcher"
)

func TestChangePercent(t *testing.T) {
	tests := []struct {
		name        string
		price, prev float64
		want        float64
	}{
		{"up", 110, 100, 10},
		{"down", 90, 100, -10},
		{"missing price", 0, 100, 0},
		{"missing previous close", 100, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChangePercent(tt.price, tt.prev); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ChangePercent(%v, %v) = %v, want %v", tt.price, tt.prev, got, tt.want)
			}
		})
	}
}

func TestSMA(t *testing.T) {
	got := SMA([]float64{1, 2, 3, 4, 5}, 3)

	want := []Average{{}, {}, {Value: 2, Valid: true}, {Value: 3, Valid: true}, {Value: 4, Valid: true}}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SMA[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSMA_WindowLargerThanSeries(t *testing.T) {
	for i, a := range SMA([]float64{1, 2}, 20) {
		if a.Valid {
			t.Errorf("SMA[%d] valid with only 2 values", i)
		}
	}
	if got := SMA([]float64{1, 2}, 0); len(got) != 2 || got[0].Valid {
		t.Errorf("SMA with zero window = %+v", got)
	}
}

func TestSeries_Averages(t *testing.T) {
	s := Series{Symbol: "X"}
	for i := 1; i <= 50; i++ {
		s.Bars = append(s.Bars, Bar{Close: float64(i)})
	}

	avgs := s.Averages(20, 50)

	if last := avgs[20][49]; !last.Valid || last.Value != 40.5 {
		t.Errorf("SMA20 last = %+v, want 40.5", last)
	}
	if last := avgs[50][49]; !last.Valid || last.Value != 25.5 {
		t.Errorf("SMA50 last = %+v, want 25.5", last)
	}
	if avgs[50][48].Valid {
		t.Error("SMA50 valid before window is full")
	}
}

func TestRankMovers(t *testing.T) {
	quotes := []Quote{
		{Symbol: "PETR4.SA", Price: 30, ChangePct: 1.5},
		{Symbol: "^BVSP", Price: 120000, ChangePct: 9},
		{Symbol: "VALE3.SA", Price: 60, ChangePct: -2},
		{Symbol: "ITUB4.SA", Price: 25, ChangePct: 0.5},
		{Symbol: "MGLU3.SA", Price: 0},
		{Symbol: "BBDC4.SA", Price: 14, ChangePct: -0.1},
	}

	m := RankMovers(quotes, 2)

	if len(m.Gainers) != 2 || m.Gainers[0].Symbol != "PETR4.SA" || m.Gainers[1].Symbol != "ITUB4.SA" {
		t.Errorf("gainers = %+v", m.Gainers)
	}
	if len(m.Losers) != 2 || m.Losers[0].Symbol != "VALE3.SA" || m.Losers[1].Symbol != "BBDC4.SA" {
		t.Errorf("losers = %+v", m.Losers)
	}
	for _, q := range append(m.Gainers, m.Losers...) {
		if q.Symbol == "^BVSP" || q.Symbol == "MGLU3.SA" {
			t.Errorf("%s should be excluded", q.Symbol)
		}
	}
}

func TestRankMovers_AllWhenNTooLarge(t *testing.T) {
	m := RankMovers([]Quote{{Symbol: "A", Price: 1, ChangePct: 1}, {Symbol: "B", Price: 1, ChangePct: 2}}, 6)
	if len(m.Gainers) != 2 || len(m.Losers) != 2 {
		t.Errorf("movers = %+v, want both lists of length 2", m)
	}
}

func TestPayloadEmptiness(t *testing.T) {
	tests := []struct {
		name    string
		payload fetcher.Payload
		empty   bool
	}{
		{"quote without price", Quote{Symbol: "X"}, true},
		{"quote with price", Quote{Symbol: "X", Price: 1}, false},
		{"series without bars", Series{Symbol: "X"}, true},
		{"series with bars", Series{Bars: []Bar{{Close: 1}}}, false},
		{"no headlines", Headlines{}, true},
		{"headlines", Headlines{{Title: "t"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.payload.Empty(); got != tt.empty {
				t.Errorf("Empty() = %v, want %v", got, tt.empty)
			}
		})
	}
}

type stubProvider struct {
	quote   Quote
	series  Series
	news    Headlines
	err     error
	gotArgs []any
}

func (s *stubProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	s.gotArgs = []any{symbol}
	return s.quote, s.err
}

func (s *stubProvider) History(ctx context.Context, symbol string, start time.Time) (Series, error) {
	s.gotArgs = []any{symbol, start}
	return s.series, s.err
}

func (s *stubProvider) Search(ctx context.Context, query string, pageSize int) (Headlines, error) {
	s.gotArgs = []any{query, pageSize}
	return s.news, s.err
}

func (s *stubProvider) Name() string { return "stub" }

func TestRequests(t *testing.T) {
	p := &stubProvider{quote: Quote{Symbol: "AAA", Price: 1}}
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		req  fetcher.Fetcher
		key  string
		capa fetcher.Capability
	}{
		{QuoteRequest{Symbol: "AAA", Provider: p}, "quote:AAA", fetcher.CapabilityQuote},
		{HistoryRequest{Symbol: "^BVSP", Start: start, Provider: p}, "history:^BVSP", fetcher.CapabilityHistory},
		{NewsRequest{Query: "PETR4", PageSize: 3, Provider: p}, "news:stub:PETR4", fetcher.CapabilityNews},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := tt.req.Key(); got != tt.key {
				t.Errorf("Key() = %q, want %q", got, tt.key)
			}
			if got := tt.req.Capability(); got != tt.capa {
				t.Errorf("Capability() = %q, want %q", got, tt.capa)
			}
			if _, err := tt.req.Fetch(context.Background()); err != nil {
				t.Errorf("Fetch() error = %v", err)
			}
		})
	}
}

func TestRequests_ErrorYieldsNilPayload(t *testing.T) {
	p := &stubProvider{err: errors.New("down")}

	payload, err := QuoteRequest{Symbol: "AAA", Provider: p}.Fetch(context.Background())
	if err == nil || payload != nil {
		t.Errorf("Fetch() = %v, %v; want nil payload and an error", payload, err)
	}
}

func TestQuoteRequests(t *testing.T) {
	reqs := QuoteRequests(&stubProvider{}, []string{"A", "B"})
	if len(reqs) != 2 || reqs[1].Key() != "quote:B" {
		t.Errorf("QuoteRequests() = %v", reqs)
	}
}
