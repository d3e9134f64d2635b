package testutil

import (
	"context"
	"sync/atomic"

	"marketterminal/internal/fetcher"
)

// Payload is a minimal fetcher.Payload for tests.
type Payload struct {
	Price float64
}

// Empty implements fetcher.Payload
func (p Payload) Empty() bool { return p.Price == 0 }

// MockFetcher is a mock implementation of the Fetcher interface for testing
type MockFetcher struct {
	FetchFunc      func(ctx context.Context) (fetcher.Payload, error)
	KeyFunc        func() string
	CapabilityFunc func() fetcher.Capability

	calls atomic.Int64
}

// Fetch implements the Fetcher interface
func (m *MockFetcher) Fetch(ctx context.Context) (fetcher.Payload, error) {
	m.calls.Add(1)
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx)
	}
	return Payload{Price: 1}, nil
}

// Key implements the Fetcher interface
func (m *MockFetcher) Key() string {
	if m.KeyFunc != nil {
		return m.KeyFunc()
	}
	return "mock:key"
}

// Capability implements the Fetcher interface
func (m *MockFetcher) Capability() fetcher.Capability {
	if m.CapabilityFunc != nil {
		return m.CapabilityFunc()
	}
	return fetcher.CapabilityQuote
}

// Calls returns how many times Fetch was invoked.
func (m *MockFetcher) Calls() int {
	return int(m.calls.Load())
}

// NewMockFetcher creates a simple mock fetcher with predefined values
func NewMockFetcher(key string, payload fetcher.Payload, err error) *MockFetcher {
	return &MockFetcher{
		FetchFunc: func(ctx context.Context) (fetcher.Payload, error) {
			return payload, err
		},
		KeyFunc: func() string {
			return key
		},
	}
}
