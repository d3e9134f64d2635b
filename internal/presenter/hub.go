package presenter

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"marketterminal/internal/coordinator"
)

const subscriberBuffer = 16

// Hub keeps the latest view of every target and streams new views to
// subscribers. A subscriber that falls behind misses views rather than
// stalling the control loop.
type Hub struct {
	layout Layout
	log    zerolog.Logger

	mu     sync.RWMutex
	latest map[string]View
	subs   map[chan View]struct{}
}

// NewHub creates an empty hub.
func NewHub(layout Layout, log zerolog.Logger) *Hub {
	return &Hub{
		layout: layout,
		log:    log,
		latest: make(map[string]View),
		subs:   make(map[chan View]struct{}),
	}
}

// Present implements Presenter.
func (h *Hub) Present(snap coordinator.Snapshot) {
	v := h.layout.View(snap)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[v.Target] = v
	for ch := range h.subs {
		select {
		case ch <- v:
		default:
			h.log.Debug().Str("target", v.Target).Msg("subscriber behind, view dropped")
		}
	}
}

// Latest returns the most recent view of target.
func (h *Hub) Latest(target string) (View, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.latest[target]
	return v, ok
}

// All returns the latest view of every target, ordered by target.
func (h *Hub) All() []View {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]View, 0, len(h.latest))
	for _, v := range h.latest {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Subscribe registers a receiver of future views. The returned func
// unsubscribes and closes the channel.
func (h *Hub) Subscribe() (<-chan View, func()) {
	ch := make(chan View, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
