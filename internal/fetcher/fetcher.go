package fetcher

import "context"

// Capability names the kind of data a request asks a provider for.
type Capability string

const (
	CapabilityQuote   Capability = "quote"
	CapabilityHistory Capability = "history"
	CapabilityNews    Capability = "news"
)

// Payload is the data returned by a provider. Empty reports whether the
// provider answered without usable data (no price, no bars, no headlines).
type Payload interface {
	Empty() bool
}

// Fetcher is one logical data need routed to a provider capability.
// Implementations are immutable values and must be safe to call from
// any goroutine, any number of times.
type Fetcher interface {
	// Fetch performs one blocking upstream call.
	Fetch(ctx context.Context) (Payload, error)

	// Key identifies the request inside a refresh session.
	// Format: {capability}:{identifier}
	// Examples:
	//   - quote:PETR4.SA
	//   - history:^BVSP
	//   - news:newsapi:Mercado OR Negócios
	Key() string

	// Capability returns the provider capability the request targets.
	Capability() Capability
}
