package market

import (
	"context"
	"fmt"
	"time"

	"marketterminal/internal/fetcher"
)

// QuoteRequest asks a QuoteProvider for one ticker.
type QuoteRequest struct {
	Symbol   string
	Provider QuoteProvider
}

func (r QuoteRequest) Fetch(ctx context.Context) (fetcher.Payload, error) {
	q, err := r.Provider.Quote(ctx, r.Symbol)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (r QuoteRequest) Key() string                    { return fmt.Sprintf("quote:%s", r.Symbol) }
func (r QuoteRequest) Capability() fetcher.Capability { return fetcher.CapabilityQuote }

// HistoryRequest asks a HistoryProvider for daily bars since Start.
type HistoryRequest struct {
	Symbol   string
	Start    time.Time
	Provider HistoryProvider
}

func (r HistoryRequest) Fetch(ctx context.Context) (fetcher.Payload, error) {
	s, err := r.Provider.History(ctx, r.Symbol, r.Start)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r HistoryRequest) Key() string                    { return fmt.Sprintf("history:%s", r.Symbol) }
func (r HistoryRequest) Capability() fetcher.Capability { return fetcher.CapabilityHistory }

// NewsRequest asks a NewsProvider for headlines matching Query.
type NewsRequest struct {
	Query    string
	PageSize int
	Provider NewsProvider
}

func (r NewsRequest) Fetch(ctx context.Context) (fetcher.Payload, error) {
	h, err := r.Provider.Search(ctx, r.Query, r.PageSize)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (r NewsRequest) Key() string {
	return fmt.Sprintf("news:%s:%s", r.Provider.Name(), r.Query)
}

func (r NewsRequest) Capability() fetcher.Capability { return fetcher.CapabilityNews }

// QuoteRequests builds one QuoteRequest per symbol.
func QuoteRequests(p QuoteProvider, symbols []string) []fetcher.Fetcher {
	out := make([]fetcher.Fetcher, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, QuoteRequest{Symbol: s, Provider: p})
	}
	return out
}
