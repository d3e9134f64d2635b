package presenter

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"marketterminal/internal/coordinator"
	"marketterminal/internal/market"
)

// Console prints each snapshot as text, one line per member.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	layout Layout
}

// NewConsole creates a console presenter writing to out.
func NewConsole(out io.Writer, layout Layout) *Console {
	return &Console{out: out, layout: layout}
}

// Present implements Presenter.
func (c *Console) Present(snap coordinator.Snapshot) {
	v := c.layout.View(snap)

	var b strings.Builder
	status := ""
	if v.TimedOut {
		status = ", timed out"
	}
	fmt.Fprintf(&b, "== %s (session %d, %d ok, %d unavailable%s) ==\n", v.Target, v.Session, v.OK, v.Failed, status)
	for _, m := range v.Members {
		fmt.Fprintf(&b, "%s: %s\n", m.Key, describe(m))
	}
	if v.Movers != nil {
		fmt.Fprintf(&b, "gainers: %s\n", moverList(v.Movers.Gainers))
		fmt.Fprintf(&b, "losers: %s\n", moverList(v.Movers.Losers))
	}
	if v.Portfolio != nil {
		fmt.Fprintf(&b, "portfolio: %s\n", portfolioLine(*v.Portfolio))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.out, b.String())
}

func describe(m Member) string {
	if m.Status != StatusOK {
		if m.NoData {
			return "unavailable - no data"
		}
		return fmt.Sprintf("unavailable - %s", m.Message)
	}
	switch {
	case m.Quote != nil:
		return quoteLine(*m.Quote)
	case m.Position != nil:
		return fmt.Sprintf("%d x %s", m.Position.Quantity, humanize.FormatFloat("#,###.##", m.Position.Price))
	case m.History != nil:
		return historyLine(*m.History)
	case m.Headlines != nil:
		titles := make([]string, 0, len(m.Headlines))
		for _, h := range m.Headlines {
			titles = append(titles, fmt.Sprintf("%q (%s)", h.Title, h.Source))
		}
		return fmt.Sprintf("%d headlines: %s", len(m.Headlines), strings.Join(titles, "; "))
	default:
		return StatusOK
	}
}

func quoteLine(q market.Quote) string {
	line := fmt.Sprintf("%s (%+.2f%%)", humanize.FormatFloat("#,###.##", q.Price), q.ChangePct)
	if q.Volume > 0 {
		line += " vol " + humanize.SIWithDigits(float64(q.Volume), 1, "")
	}
	return line
}

func historyLine(h History) string {
	n := len(h.Bars)
	if n == 0 {
		return "no bars"
	}
	line := fmt.Sprintf("%d bars, close %s", n, humanize.FormatFloat("#,###.##", h.Bars[n-1].Close))
	for _, s := range []struct {
		name string
		avg  []market.Average
	}{{"SMA20", h.SMA20}, {"SMA50", h.SMA50}} {
		if last := s.avg[len(s.avg)-1]; last.Valid {
			line += fmt.Sprintf(", %s %s", s.name, humanize.FormatFloat("#,###.##", last.Value))
		}
	}
	return line
}

func moverList(quotes []market.Quote) string {
	parts := make([]string, 0, len(quotes))
	for _, q := range quotes {
		parts = append(parts, fmt.Sprintf("%s %+.2f%%", q.Symbol, q.ChangePct))
	}
	return strings.Join(parts, ", ")
}

func portfolioLine(p Portfolio) string {
	last := func(points []market.Point) float64 {
		if len(points) == 0 {
			return 0
		}
		return points[len(points)-1].Value
	}
	line := fmt.Sprintf("%+.2f%%", last(p.Returns))
	if len(p.Baseline) > 0 {
		line += fmt.Sprintf(" vs %s %+.2f%%", p.Benchmark, last(p.Baseline))
	}
	return line
}
