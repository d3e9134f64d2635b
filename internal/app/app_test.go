package app

import (
	"bytes"
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marketterminal/internal/cache"
	"marketterminal/internal/config"
	"marketterminal/internal/market"
	"marketterminal/internal/presenter"
	"marketterminal/internal/ratelimit"
	"marketterminal/internal/testutil"
)

func testConfig(t *testing.T, yahooURL, newsURL string) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ALPHAVANTAGE_API_KEY", "")
	t.Setenv("NEWSAPI_API_KEY", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.YahooBaseURL = yahooURL
	cfg.NewsAPIBaseURL = newsURL
	cfg.NewsAPIKey = "test-key"
	cfg.KPISymbols = []string{"^BVSP", "MISSING"}
	cfg.TapeSymbols = []string{"USDBRL=X"}
	cfg.MoverSymbols = []string{"PETR4.SA", "VALE3.SA"}
	cfg.DefaultTicker = "PETR4.SA"
	cfg.SP500 = config.AnalysisConfig{Index: "^GSPC", Symbols: []string{"^GSPC", "AAPL"}}
	cfg.Crypto = config.AnalysisConfig{Index: "BTC-USD", Symbols: []string{"BTC-USD", "ETH-USD"}}
	cfg.Portfolio = config.PortfolioConfig{
		Benchmark: "BNDX",
		Holdings:  []config.HoldingConfig{{Symbol: "PETR4.SA", Quantity: 6}, {Symbol: "VALE3.SA", Quantity: 2}},
	}
	cfg.Retry = config.RetryConfig{MaxAttempts: 1}
	cfg.SessionTimeout = 2 * time.Second
	cfg.Cache.Backend = "none"
	cfg.ListenAddr = ""
	return cfg
}

func quotes() map[string]testutil.ChartQuote {
	return map[string]testutil.ChartQuote{
		"^BVSP":    {Price: 132000, PreviousClose: 120000},
		"USDBRL=X": {Price: 5.1, PreviousClose: 5},
		"PETR4.SA": {Price: 38, PreviousClose: 40},
		"VALE3.SA": {Price: 66, PreviousClose: 60},
		"EURBRL=X": {Price: 5.5, PreviousClose: 5.5},
		"^GSPC":    {Price: 5000, PreviousClose: 4900},
		"AAPL":     {Price: 190, PreviousClose: 200},
		"BTC-USD":  {Price: 60000, PreviousClose: 50000},
		"ETH-USD":  {Price: 3000, PreviousClose: 3000},
		"BNDX":     {Price: 51, PreviousClose: 50},
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

type running struct {
	app    *App
	cancel context.CancelFunc
	errs   chan error
}

func start(t *testing.T, cfg *config.Config, opts ...Option) *running {
	t.Helper()
	opts = append([]Option{WithLimiter(ratelimit.Unlimited())}, opts...)
	a, err := New(context.Background(), cfg, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{app: a, cancel: cancel, errs: make(chan error, 1)}
	go func() { r.errs <- a.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	select {
	case err := <-r.errs:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

// waitFor polls the hub until cond holds for the view of target.
func waitFor(t *testing.T, hub *presenter.Hub, target string, cond func(presenter.View) bool) presenter.View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := hub.Latest(target); ok && cond(v) {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no matching %s view", target)
	return presenter.View{}
}

func anyView(presenter.View) bool { return true }

func memberOf(v presenter.View, key string) (presenter.Member, bool) {
	for _, m := range v.Members {
		if m.Key == key {
			return m, true
		}
	}
	return presenter.Member{}, false
}

func TestRun_RefreshesEveryTarget(t *testing.T) {
	yahoo := testutil.NewYahooServer(t, quotes())
	news := testutil.NewNewsServer(t)
	var out bytes.Buffer
	r := start(t, testConfig(t, yahoo.URL, news.URL), WithConsole(&out))
	hub := r.app.Hub()

	kpis := waitFor(t, hub, TargetKPIs, anyView)
	if m, _ := memberOf(kpis, "quote:^BVSP"); m.Status != presenter.StatusOK || m.Quote.Price != 132000 {
		t.Errorf("^BVSP = %+v, want ok at 132000", m)
	}
	missing, _ := memberOf(kpis, "quote:MISSING")
	if missing.Status != presenter.StatusUnavailable || missing.Cause != "empty_result" {
		t.Errorf("MISSING = %+v, want unavailable with empty_result", missing)
	}

	movers := waitFor(t, hub, TargetMovers, anyView)
	if movers.Movers == nil || len(movers.Movers.Gainers) == 0 || movers.Movers.Gainers[0].Symbol != "VALE3.SA" {
		t.Errorf("movers = %+v, want VALE3.SA leading", movers.Movers)
	}

	detail := waitFor(t, hub, TargetDetail, anyView)
	for _, key := range []string{"quote:PETR4.SA", "history:PETR4.SA", "news:newsapi:PETR4"} {
		if m, ok := memberOf(detail, key); !ok || m.Status != presenter.StatusOK {
			t.Errorf("detail member %s = %+v, want ok", key, m)
		}
	}
	if m, _ := memberOf(detail, "history:PETR4.SA"); m.History == nil || len(m.History.Bars) != 3 {
		t.Errorf("history = %+v, want 3 bars", m.History)
	}

	headlines := waitFor(t, hub, TargetHeadlines, anyView)
	if headlines.OK != 1 {
		t.Errorf("headlines ok = %d, want 1", headlines.OK)
	}
	waitFor(t, hub, TargetTape, anyView)

	ibov := waitFor(t, hub, TargetIbovespa, anyView)
	if m, _ := memberOf(ibov, "history:^BVSP"); m.History == nil || len(m.History.Bars) != 3 {
		t.Errorf("ibovespa history = %+v, want 3 bars", m)
	}

	sp := waitFor(t, hub, TargetSP500, anyView)
	if m, _ := memberOf(sp, "history:^GSPC"); m.Status != presenter.StatusOK {
		t.Errorf("sp500 index history = %+v, want ok", m)
	}
	// the index itself is charted, not ranked
	if sp.Movers == nil || len(sp.Movers.Gainers) != 1 || sp.Movers.Gainers[0].Symbol != "AAPL" {
		t.Errorf("sp500 table = %+v, want AAPL only", sp.Movers)
	}

	crypto := waitFor(t, hub, TargetCrypto, anyView)
	if crypto.Movers == nil || len(crypto.Movers.Gainers) != 2 || crypto.Movers.Gainers[0].Symbol != "BTC-USD" {
		t.Errorf("crypto table = %+v, want BTC-USD leading two rows", crypto.Movers)
	}

	port := waitFor(t, hub, TargetPortfolio, anyView)
	if port.Portfolio == nil {
		t.Fatalf("portfolio view = %+v, want a portfolio", port)
	}
	// 6 x 38 of 360 in PETR4.SA, 2 x 66 in VALE3.SA
	if w := port.Portfolio.Weights["PETR4.SA"]; !near(w, 228.0/360) {
		t.Errorf("PETR4.SA weight = %v, want %v", w, 228.0/360)
	}
	returns, baseline := port.Portfolio.Returns, port.Portfolio.Baseline
	if len(returns) != 3 || !near(returns[2].Value, 0.5) {
		t.Errorf("returns = %+v, want +0.5%% on the last day", returns)
	}
	if len(baseline) != 3 || !near(baseline[2].Value, 2) {
		t.Errorf("BNDX baseline = %+v, want +2%% on the last day", baseline)
	}

	r.stop(t)
	if !strings.Contains(out.String(), "== kpis") {
		t.Errorf("console output missing kpis header:\n%s", out.String())
	}
}

func TestSelectDetail(t *testing.T) {
	yahoo := testutil.NewYahooServer(t, quotes())
	news := testutil.NewNewsServer(t)
	r := start(t, testConfig(t, yahoo.URL, news.URL))
	hub := r.app.Hub()

	waitFor(t, hub, TargetDetail, anyView)
	if err := r.app.SelectDetail("VALE3.SA"); err != nil {
		t.Fatalf("SelectDetail() error = %v", err)
	}
	v := waitFor(t, hub, TargetDetail, func(v presenter.View) bool {
		_, ok := memberOf(v, "quote:VALE3.SA")
		return ok
	})
	if m, _ := memberOf(v, "quote:VALE3.SA"); m.Quote == nil || m.Quote.Price != 66 {
		t.Errorf("VALE3.SA = %+v, want price 66", m)
	}
	if _, ok := memberOf(v, "quote:PETR4.SA"); ok {
		t.Error("detail still holds the previous ticker")
	}
}

func TestSelectDetail_WhileRunningIsFollowedUp(t *testing.T) {
	q := quotes()
	q["PETR4.SA"] = testutil.ChartQuote{Price: 38, PreviousClose: 40, Delay: 200 * time.Millisecond}
	yahoo := testutil.NewYahooServer(t, q)
	news := testutil.NewNewsServer(t)
	r := start(t, testConfig(t, yahoo.URL, news.URL))

	// the initial detail session is still waiting on PETR4.SA
	time.Sleep(50 * time.Millisecond)
	if err := r.app.SelectDetail("VALE3.SA"); err != nil {
		t.Fatalf("SelectDetail() error = %v", err)
	}
	waitFor(t, r.app.Hub(), TargetDetail, func(v presenter.View) bool {
		_, ok := memberOf(v, "quote:VALE3.SA")
		return ok
	})
}

func TestSetPortfolio(t *testing.T) {
	yahoo := testutil.NewYahooServer(t, quotes())
	news := testutil.NewNewsServer(t)
	r := start(t, testConfig(t, yahoo.URL, news.URL))
	hub := r.app.Hub()

	waitFor(t, hub, TargetPortfolio, anyView)
	if err := r.app.SetPortfolio([]market.Holding{{Symbol: "VALE3.SA", Quantity: 3}}); err != nil {
		t.Fatalf("SetPortfolio() error = %v", err)
	}
	v := waitFor(t, hub, TargetPortfolio, func(v presenter.View) bool {
		_, ok := memberOf(v, "position:VALE3.SA")
		_, old := memberOf(v, "position:PETR4.SA")
		return ok && !old
	})
	if m, _ := memberOf(v, "position:VALE3.SA"); m.Position == nil || m.Position.Quantity != 3 || m.Position.Price != 66 {
		t.Errorf("VALE3.SA position = %+v, want 3 at 66", m.Position)
	}
	if v.Portfolio == nil || !near(v.Portfolio.Weights["VALE3.SA"], 1) {
		t.Errorf("portfolio = %+v, want VALE3.SA at full weight", v.Portfolio)
	}

	if err := r.app.SetPortfolio(nil); !errors.Is(err, ErrEmptyPortfolio) {
		t.Errorf("SetPortfolio(nil) error = %v, want ErrEmptyPortfolio", err)
	}
}

func TestSetPortfolio_WhileRunningIsFollowedUp(t *testing.T) {
	q := quotes()
	q["BNDX"] = testutil.ChartQuote{Price: 51, PreviousClose: 50, Delay: 200 * time.Millisecond}
	yahoo := testutil.NewYahooServer(t, q)
	news := testutil.NewNewsServer(t)
	r := start(t, testConfig(t, yahoo.URL, news.URL))

	// the initial portfolio session is still waiting on the benchmark
	time.Sleep(50 * time.Millisecond)
	if err := r.app.SetPortfolio([]market.Holding{{Symbol: "VALE3.SA", Quantity: 1}}); err != nil {
		t.Fatalf("SetPortfolio() error = %v", err)
	}
	waitFor(t, r.app.Hub(), TargetPortfolio, func(v presenter.View) bool {
		_, ok := memberOf(v, "position:VALE3.SA")
		_, old := memberOf(v, "position:PETR4.SA")
		return ok && !old
	})
}

func TestNew_CachedQuotes(t *testing.T) {
	yahoo := testutil.NewYahooServer(t, quotes())
	news := testutil.NewNewsServer(t)
	cfg := testConfig(t, yahoo.URL, news.URL)
	// symbols no other target fetches
	cfg.KPISymbols = []string{"EURBRL=X", "MISSING"}
	r := start(t, cfg, WithStore(cache.NewMemoryStore(64)))
	hub := r.app.Hub()

	first := waitFor(t, hub, TargetKPIs, anyView)
	if err := r.app.Scheduler().Trigger(TargetKPIs); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	waitFor(t, hub, TargetKPIs, func(v presenter.View) bool { return v.Session != first.Session })

	if got := yahoo.Hits("EURBRL=X"); got != 1 {
		t.Errorf("EURBRL=X fetched %d times, want 1", got)
	}
	// empty results are never cached
	if got := yahoo.Hits("MISSING"); got != 2 {
		t.Errorf("MISSING fetched %d times, want 2", got)
	}
}

func TestNew_WithoutNewsKey(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "http://127.0.0.1:1")
	cfg.NewsAPIKey = ""
	a, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if slices.Contains(a.Scheduler().Targets(), TargetHeadlines) {
		t.Error("headlines registered without a news key")
	}
	if len(a.detailRequests()) != 2 {
		t.Errorf("detail requests = %d, want quote and history only", len(a.detailRequests()))
	}
}

func TestNew_AlphaVantageWithoutKey(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "http://127.0.0.1:1")
	cfg.HistoryProvider = "alphavantage"
	if _, err := New(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("New() should fail when alphavantage is selected without a key")
	}
}

func TestNew_AlphaVantageTickerNews(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "http://127.0.0.1:1")
	cfg.AlphavantageAPIKey = "demo"
	a, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var keys []string
	for _, r := range a.detailRequests() {
		keys = append(keys, r.Key())
	}
	want := []string{"quote:PETR4.SA", "history:PETR4.SA", "news:alphavantage:PETR4.SA", "news:newsapi:PETR4"}
	if !slices.Equal(keys, want) {
		t.Errorf("detail keys = %v, want %v", keys, want)
	}
}

func TestNew_ServerEnabled(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "http://127.0.0.1:1")
	a, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.Handler() != nil {
		t.Error("Handler() should be nil without a listen address")
	}

	cfg.ListenAddr = "127.0.0.1:0"
	a, err = New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.Handler() == nil {
		t.Error("Handler() = nil with a listen address")
	}
}
