package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"marketterminal/internal/fetcher"
	"marketterminal/internal/market"
)

// Default TTLs.
const (
	QuoteTTL   = 60 * time.Second
	NewsTTL    = 600 * time.Second
	HistoryTTL = time.Hour
)

// cached returns the stored value for key or calls load and stores its
// result. Errors and empty payloads are never stored. Store failures only
// cost a cache miss.
func cached[T fetcher.Payload](ctx context.Context, store Store, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	log := zerolog.Ctx(ctx)

	data, err := store.Get(ctx, key)
	switch {
	case err == nil:
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			log.Debug().Str("key", key).Msg("cache hit")
			return v, nil
		}
		log.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	case !errors.Is(err, ErrMiss):
		log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	v, err := load()
	if err != nil || v.Empty() {
		return v, err
	}

	data, err = json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return v, nil
	}
	if err := store.Set(ctx, key, data, ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return v, nil
}

// Quotes caches a QuoteProvider.
type Quotes struct {
	next  market.QuoteProvider
	store Store
	ttl   time.Duration
}

// NewQuotes wraps next. A zero ttl uses QuoteTTL.
func NewQuotes(next market.QuoteProvider, store Store, ttl time.Duration) *Quotes {
	if ttl <= 0 {
		ttl = QuoteTTL
	}
	return &Quotes{next: next, store: store, ttl: ttl}
}

// Quote implements market.QuoteProvider.
func (c *Quotes) Quote(ctx context.Context, symbol string) (market.Quote, error) {
	return cached(ctx, c.store, "quote:"+symbol, c.ttl, func() (market.Quote, error) {
		return c.next.Quote(ctx, symbol)
	})
}

// History caches a HistoryProvider.
type History struct {
	next  market.HistoryProvider
	store Store
	ttl   time.Duration
}

// NewHistory wraps next. A zero ttl uses HistoryTTL.
func NewHistory(next market.HistoryProvider, store Store, ttl time.Duration) *History {
	if ttl <= 0 {
		ttl = HistoryTTL
	}
	return &History{next: next, store: store, ttl: ttl}
}

// History implements market.HistoryProvider.
func (c *History) History(ctx context.Context, symbol string, start time.Time) (market.Series, error) {
	key := fmt.Sprintf("history:%s:%s", symbol, start.Format(time.DateOnly))
	return cached(ctx, c.store, key, c.ttl, func() (market.Series, error) {
		return c.next.History(ctx, symbol, start)
	})
}

// News caches a NewsProvider.
type News struct {
	next  market.NewsProvider
	store Store
	ttl   time.Duration
}

// NewNews wraps next. A zero ttl uses NewsTTL.
func NewNews(next market.NewsProvider, store Store, ttl time.Duration) *News {
	if ttl <= 0 {
		ttl = NewsTTL
	}
	return &News{next: next, store: store, ttl: ttl}
}

// Name returns the wrapped provider's name.
func (c *News) Name() string { return c.next.Name() }

// Search implements market.NewsProvider.
func (c *News) Search(ctx context.Context, query string, pageSize int) (market.Headlines, error) {
	key := fmt.Sprintf("news:%s:%s:%d", c.next.Name(), query, pageSize)
	return cached(ctx, c.store, key, c.ttl, func() (market.Headlines, error) {
		return c.next.Search(ctx, query, pageSize)
	})
}
