// Package presenter turns delivered snapshots into what the dashboards
// render: JSON views, console text and a live feed for browsers.
package presenter

import (
	"sort"
	"time"

	"marketterminal/internal/coordinator"
	"marketterminal/internal/fetcher"
	"marketterminal/internal/market"
)

// Presenter receives snapshots on the control loop. Implementations must
// not block and must not call back into the refresh core.
type Presenter interface {
	Present(coordinator.Snapshot)
}

// Member statuses.
const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
)

// SMA windows plotted on the detail chart.
var smaWindows = []int{20, 50}

// History is a price series with its moving averages.
type History struct {
	market.Series
	SMA20 []market.Average `json:"sma20"`
	SMA50 []market.Average `json:"sma50"`
}

// Member is one request's entry in a view.
type Member struct {
	Key        string `json:"key"`
	Capability string `json:"capability"`
	Status     string `json:"status"`
	Kind       string `json:"kind,omitempty"`
	Cause      string `json:"cause,omitempty"`
	Message    string `json:"message,omitempty"`
	Attempts   int    `json:"attempts"`
	// NoData marks an unavailable member whose upstream answered without
	// data, as opposed to one that could not be reached.
	NoData bool `json:"no_data,omitempty"`

	Quote     *market.Quote    `json:"quote,omitempty"`
	Position  *market.Position `json:"position,omitempty"`
	History   *History         `json:"history,omitempty"`
	Headlines market.Headlines `json:"headlines,omitempty"`
}

// View is the render-ready projection of one snapshot.
type View struct {
	Target    string         `json:"target"`
	Session   uint64         `json:"session"`
	Started   time.Time      `json:"started"`
	Completed time.Time      `json:"completed"`
	TimedOut  bool           `json:"timed_out"`
	OK        int            `json:"ok"`
	Failed    int            `json:"failed"`
	Members   []Member       `json:"members"`
	Movers    *market.Movers `json:"movers,omitempty"`
	Portfolio *Portfolio     `json:"portfolio,omitempty"`
}

// Portfolio compares the cumulative return of the priced positions of a
// snapshot with a benchmark, both in percent since the first common date.
type Portfolio struct {
	Weights   map[string]float64 `json:"weights"`
	Returns   []market.Point     `json:"returns"`
	Benchmark string             `json:"benchmark,omitempty"`
	Baseline  []market.Point     `json:"baseline,omitempty"`
}

// Layout holds per-target rendering choices.
type Layout struct {
	// MoversTop ranks the quotes of a target into a top movers table of
	// that many gainers and losers.
	MoversTop map[string]int
	// Benchmarks turns the positions of a target into a Portfolio measured
	// against the history of that symbol.
	Benchmarks map[string]string
}

// View projects snap. Members are ordered by key.
func (l Layout) View(snap coordinator.Snapshot) View {
	v := View{
		Target:    snap.Target,
		Session:   snap.SessionID,
		Started:   snap.Started,
		Completed: snap.Completed,
		TimedOut:  snap.TimedOut,
		OK:        snap.Succeeded(),
		Failed:    snap.Failed(),
		Members:   make([]Member, 0, len(snap.Outcomes)),
	}

	var (
		quotes    []market.Quote
		positions []market.Position
		histories = make(map[string]market.Series)
	)
	for _, o := range snap.Outcomes {
		m := member(o)
		switch {
		case m.Quote != nil:
			quotes = append(quotes, *m.Quote)
		case m.Position != nil:
			positions = append(positions, *m.Position)
		case m.History != nil:
			histories[m.History.Symbol] = m.History.Series
		}
		v.Members = append(v.Members, m)
	}
	sort.Slice(v.Members, func(i, j int) bool { return v.Members[i].Key < v.Members[j].Key })

	if n, ok := l.MoversTop[snap.Target]; ok {
		sort.Slice(quotes, func(i, j int) bool { return quotes[i].Symbol < quotes[j].Symbol })
		movers := market.RankMovers(quotes, n)
		v.Movers = &movers
	}
	if benchmark, ok := l.Benchmarks[snap.Target]; ok {
		v.Portfolio = portfolio(positions, histories, benchmark)
	}
	return v
}

// portfolio returns nil when no position could be priced.
func portfolio(positions []market.Position, histories map[string]market.Series, benchmark string) *Portfolio {
	weights := market.Weights(positions)
	if weights == nil {
		return nil
	}
	p := &Portfolio{Weights: weights, Benchmark: benchmark}
	p.Returns = market.CumulativeReturns(histories, weights)
	if b, ok := histories[benchmark]; ok {
		baseline := market.CumulativeReturns(map[string]market.Series{benchmark: b}, map[string]float64{benchmark: 1})
		p.Returns, p.Baseline = market.Rebase(p.Returns, baseline)
	}
	return p
}

func member(o fetcher.Outcome) Member {
	m := Member{
		Key:        o.Key,
		Capability: string(o.Capability),
		Attempts:   o.Attempts,
	}
	if !o.OK() {
		m.Status = StatusUnavailable
		m.Kind = string(o.Failure.Kind)
		m.Cause = string(o.Failure.Cause)
		m.Message = o.Failure.Message
		m.NoData = o.NoData()
		return m
	}

	m.Status = StatusOK
	switch p := o.Payload.(type) {
	case market.Quote:
		m.Quote = &p
	case market.Position:
		m.Position = &p
	case market.Series:
		avg := p.Averages(smaWindows...)
		m.History = &History{Series: p, SMA20: avg[20], SMA50: avg[50]}
	case market.Headlines:
		m.Headlines = p
	}
	return m
}

type multi []Presenter

func (m multi) Present(s coordinator.Snapshot) {
	for _, p := range m {
		p.Present(s)
	}
}

// Multi fans every snapshot out to ps in order.
func Multi(ps ...Presenter) Presenter {
	return multi(ps)
}
