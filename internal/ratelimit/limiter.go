package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// API represents the different external APIs we interact with
type API string

const (
	// APIYahoo represents the Yahoo Finance chart API
	APIYahoo API = "yahoo"
	// APIAlphaVantage represents the AlphaVantage API
	APIAlphaVantage API = "alphavantage"
	// APINewsAPI represents newsapi.org
	APINewsAPI API = "newsapi"
)

// Limiter manages rate limits for different APIs
type Limiter struct {
	limiters map[API]*rate.Limiter
	mu       sync.RWMutex
}

// DefaultLimits returns conservative production limits.
func DefaultLimits() map[API]rate.Limit {
	return map[API]rate.Limit{
		// unofficial endpoint, keep it gentle
		APIYahoo: rate.Limit(2),
		// AlphaVantage: 5 requests per minute on free tier = 1 request every 12 seconds
		APIAlphaVantage: rate.Limit(1.0 / 12.0),
		// newsapi.org developer plan allows 100 requests a day; bursts are small
		APINewsAPI: rate.Limit(1),
	}
}

// New creates a limiter with one token bucket of burst 1 per API.
func New(limits map[API]rate.Limit) *Limiter {
	l := &Limiter{limiters: make(map[API]*rate.Limiter, len(limits))}
	for api, limit := range limits {
		l.limiters[api] = rate.NewLimiter(limit, 1)
	}
	return l
}

// Unlimited returns a limiter that never waits. Useful in tests.
func Unlimited() *Limiter {
	return New(nil)
}

// Set replaces the limit of api.
func (l *Limiter) Set(api API, limit rate.Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[api] = rate.NewLimiter(limit, 1)
}

// Wait blocks until the rate limiter permits an event for the given API
// It returns an error if the context is canceled before the event can proceed
func (l *Limiter) Wait(ctx context.Context, api API) error {
	limiter := l.get(api)
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// get returns nil for a nil Limiter or an API without a limit.
func (l *Limiter) get(api API) *rate.Limiter {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiters[api]
}
