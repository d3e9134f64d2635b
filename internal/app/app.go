// Package app wires the refresh core, the providers and the presentation
// layers into the market terminal.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marketterminal/internal/alphavantage"
	"marketterminal/internal/cache"
	"marketterminal/internal/config"
	"marketterminal/internal/coordinator"
	"marketterminal/internal/dispatch"
	"marketterminal/internal/fetcher"
	"marketterminal/internal/httpapi"
	"marketterminal/internal/loop"
	"marketterminal/internal/market"
	"marketterminal/internal/metrics"
	"marketterminal/internal/newsapi"
	"marketterminal/internal/presenter"
	"marketterminal/internal/ratelimit"
	"marketterminal/internal/scheduler"
	"marketterminal/internal/yahoo"
)

// Dashboard targets.
const (
	TargetKPIs      = "kpis"
	TargetTape      = "tape"
	TargetMovers    = "movers"
	TargetDetail    = "detail"
	TargetHeadlines = "headlines"
	TargetIbovespa  = "ibovespa"
	TargetSP500     = "sp500"
	TargetCrypto    = "crypto"
	TargetPortfolio = "portfolio"
)

// moversTop is the size of each side of the top movers table.
const moversTop = 6

// ErrEmptyPortfolio is returned by SetPortfolio without holdings.
var ErrEmptyPortfolio = errors.New("portfolio needs at least one holding")

const shutdownTimeout = 5 * time.Second

// Option configures an App.
type Option func(*options)

type options struct {
	console io.Writer
	limiter *ratelimit.Limiter
	store   cache.Store
}

// WithConsole also prints every snapshot to w.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithLimiter replaces the production rate limits.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithStore replaces the configured cache backend.
func WithStore(s cache.Store) Option {
	return func(o *options) { o.store = s }
}

// App is the explicit context object holding every long-lived component.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	metrics    *metrics.Recorder
	loop       *loop.Loop
	dispatcher *dispatch.Dispatcher
	coord      *coordinator.Coordinator
	sched      *scheduler.Scheduler
	hub        *presenter.Hub
	server     *httpapi.Server
	closers    []io.Closer

	quotes     market.QuoteProvider
	history    market.HistoryProvider
	tickerNews market.NewsProvider // nil without an AlphaVantage key
	marketNews market.NewsProvider // nil without a newsapi key

	// loop-owned
	detail      string
	detailShown string
	holdings    []market.Holding

	// holdingsRev counts portfolio edits; holdingsShown is the revision the
	// last portfolio session was built from
	holdingsRev   uint64
	holdingsShown uint64
}

// New builds the application from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.limiter == nil {
		o.limiter = ratelimit.New(ratelimit.DefaultLimits())
	}
	for api, limit := range cfg.RateLimits.Overrides() {
		o.limiter.Set(api, limit)
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		detail:  cfg.DefaultTicker,
	}
	for _, h := range cfg.Portfolio.Holdings {
		a.holdings = append(a.holdings, market.Holding{Symbol: h.Symbol, Quantity: h.Quantity})
	}

	if err := a.buildProviders(ctx, o); err != nil {
		a.close()
		return nil, err
	}

	a.loop = loop.New(log.With().Str("component", "loop").Logger())
	a.dispatcher = dispatch.New(a.loop,
		dispatch.WithWorkers(cfg.Workers),
		dispatch.WithQueueSize(cfg.QueueSize),
		dispatch.WithLogger(log.With().Str("component", "dispatch").Logger()),
		dispatch.WithMetrics(a.metrics),
	)
	a.coord = coordinator.New(a.dispatcher, a.loop,
		coordinator.WithPolicy(fetcher.Policy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: cfg.Retry.BaseDelay}),
		coordinator.WithTimeout(cfg.SessionTimeout),
		coordinator.WithMetrics(a.metrics),
		coordinator.WithLogger(log.With().Str("component", "coordinator").Logger()),
	)

	// the analysis tabs rank their whole table
	layout := presenter.Layout{
		MoversTop: map[string]int{
			TargetMovers: moversTop,
			TargetSP500:  len(cfg.SP500.Symbols),
			TargetCrypto: len(cfg.Crypto.Symbols),
		},
		Benchmarks: map[string]string{TargetPortfolio: cfg.Portfolio.Benchmark},
	}
	a.hub = presenter.NewHub(layout, log)
	presenters := []presenter.Presenter{a.hub, presenterFunc(a.follow)}
	if o.console != nil {
		presenters = append(presenters, presenter.NewConsole(o.console, layout))
	}
	a.sched = scheduler.New(a.loop, a.coord, presenter.Multi(presenters...),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithLogger(log.With().Str("component", "scheduler").Logger()),
	)
	a.registerTargets()

	if cfg.ListenAddr != "" {
		a.server = httpapi.New(a.hub, a.sched, a,
			httpapi.WithPortfolio(a),
			httpapi.WithLogger(log.With().Str("component", "http").Logger()),
			httpapi.WithMetricsHandler(a.metrics.Handler()),
		)
	}
	return a, nil
}

func (a *App) buildProviders(ctx context.Context, o *options) error {
	cfg := a.cfg
	httpOpts := []fetcher.ClientOption{
		fetcher.WithTimeout(cfg.HTTPTimeout),
		fetcher.WithLogger(a.log),
	}

	yh := yahoo.New(cfg.YahooBaseURL, o.limiter, httpOpts...)
	var av *alphavantage.Client
	if cfg.AlphavantageAPIKey != "" {
		av = alphavantage.New(cfg.AlphavantageAPIKey, cfg.AlphavantageBaseURL, o.limiter, httpOpts...)
		a.tickerNews = av
	}
	if cfg.NewsAPIKey != "" {
		a.marketNews = newsapi.New(cfg.NewsAPIKey, cfg.NewsAPIBaseURL, o.limiter,
			newsapi.WithLanguage(cfg.NewsLanguage),
			newsapi.WithDomains(cfg.NewsDomains),
			newsapi.WithHTTPOptions(httpOpts...),
		)
	}

	a.quotes, a.history = yh, yh
	if cfg.QuoteProvider == "alphavantage" || cfg.HistoryProvider == "alphavantage" {
		if av == nil {
			return errors.New("alphavantage selected without an API key")
		}
		if cfg.QuoteProvider == "alphavantage" {
			a.quotes = av
		}
		if cfg.HistoryProvider == "alphavantage" {
			a.history = av
		}
	}

	store := o.store
	if store == nil {
		switch cfg.Cache.Backend {
		case "memory":
			store = cache.NewMemoryStore(cfg.Cache.Capacity)
		case "redis":
			rs, err := cache.NewRedisStore(ctx, cache.RedisConfig{
				Addr:     cfg.Cache.RedisAddr,
				Password: cfg.Cache.RedisPassword,
				DB:       cfg.Cache.RedisDB,
			})
			if err != nil {
				return fmt.Errorf("cache: %w", err)
			}
			a.closers = append(a.closers, rs)
			store = rs
		}
	}
	if store == nil {
		return nil
	}

	a.quotes = cache.NewQuotes(a.quotes, store, cfg.Cache.QuoteTTL)
	a.history = cache.NewHistory(a.history, store, cfg.Cache.HistoryTTL)
	if a.tickerNews != nil {
		a.tickerNews = cache.NewNews(a.tickerNews, store, cfg.Cache.NewsTTL)
	}
	if a.marketNews != nil {
		a.marketNews = cache.NewNews(a.marketNews, store, cfg.Cache.NewsTTL)
	}
	return nil
}

func (a *App) registerTargets() {
	cfg := a.cfg
	a.sched.Register(TargetKPIs, func() []fetcher.Fetcher {
		return market.QuoteRequests(a.quotes, cfg.KPISymbols)
	})
	a.sched.Register(TargetTape, func() []fetcher.Fetcher {
		return market.QuoteRequests(a.quotes, cfg.TapeSymbols)
	})
	a.sched.Register(TargetMovers, func() []fetcher.Fetcher {
		return market.QuoteRequests(a.quotes, cfg.MoverSymbols)
	})
	a.sched.Register(TargetDetail, a.detailRequests)
	a.sched.Register(TargetIbovespa, func() []fetcher.Fetcher {
		return []fetcher.Fetcher{market.HistoryRequest{Symbol: cfg.IbovespaSymbol, Start: cfg.Start(), Provider: a.history}}
	})
	a.sched.Register(TargetSP500, func() []fetcher.Fetcher {
		return a.analysisRequests(cfg.SP500)
	})
	a.sched.Register(TargetCrypto, func() []fetcher.Fetcher {
		return a.analysisRequests(cfg.Crypto)
	})
	a.sched.Register(TargetPortfolio, a.portfolioRequests)
	if a.marketNews != nil {
		a.sched.Register(TargetHeadlines, func() []fetcher.Fetcher {
			return []fetcher.Fetcher{market.NewsRequest{Query: cfg.MarketNewsQuery, PageSize: cfg.NewsPageSize, Provider: a.marketNews}}
		})
	}
}

// detailRequests runs on the loop when a detail session starts.
func (a *App) detailRequests() []fetcher.Fetcher {
	ticker := a.detail
	a.detailShown = ticker

	reqs := []fetcher.Fetcher{
		market.QuoteRequest{Symbol: ticker, Provider: a.quotes},
		market.HistoryRequest{Symbol: ticker, Start: a.cfg.Start(), Provider: a.history},
	}
	if a.tickerNews != nil {
		reqs = append(reqs, market.NewsRequest{Query: ticker, PageSize: a.cfg.TickerNewsLimit, Provider: a.tickerNews})
	}
	if a.marketNews != nil {
		base, _, _ := strings.Cut(ticker, ".")
		reqs = append(reqs, market.NewsRequest{Query: base, PageSize: a.cfg.NewsPageSize, Provider: a.marketNews})
	}
	return reqs
}

func (a *App) analysisRequests(tab config.AnalysisConfig) []fetcher.Fetcher {
	reqs := []fetcher.Fetcher{market.HistoryRequest{Symbol: tab.Index, Start: a.cfg.Start(), Provider: a.history}}
	return append(reqs, market.QuoteRequests(a.quotes, tab.Symbols)...)
}

// portfolioRequests prices every holding and fetches the histories the
// cumulative returns are computed from. Runs on the loop.
func (a *App) portfolioRequests() []fetcher.Fetcher {
	a.holdingsShown = a.holdingsRev
	start := a.cfg.Start()

	reqs := make([]fetcher.Fetcher, 0, 2*len(a.holdings)+1)
	for _, h := range a.holdings {
		reqs = append(reqs,
			market.PositionRequest{Holding: h, Provider: a.quotes},
			market.HistoryRequest{Symbol: h.Symbol, Start: start, Provider: a.history},
		)
	}
	return append(reqs, market.HistoryRequest{Symbol: a.cfg.Portfolio.Benchmark, Start: start, Provider: a.history})
}

// SetPortfolio replaces the holdings and refreshes the portfolio. Like
// SelectDetail, an edit made mid-session is fetched once it delivers.
func (a *App) SetPortfolio(holdings []market.Holding) error {
	if len(holdings) == 0 {
		return ErrEmptyPortfolio
	}
	holdings = append([]market.Holding(nil), holdings...)
	if !a.loop.Post(func() {
		a.holdings = holdings
		a.holdingsRev++
	}) {
		return scheduler.ErrStopped
	}
	return a.sched.Trigger(TargetPortfolio)
}

// SelectDetail changes the detail ticker and refreshes the panel. A
// selection made while a detail session runs is fetched once it delivers.
func (a *App) SelectDetail(ticker string) error {
	if !a.loop.Post(func() { a.detail = ticker }) {
		return scheduler.ErrStopped
	}
	return a.sched.Trigger(TargetDetail)
}

// follow runs on the loop after every snapshot. It refreshes the detail
// or portfolio target again when its selection changed mid-session.
func (a *App) follow(snap coordinator.Snapshot) {
	stale := false
	switch snap.Target {
	case TargetDetail:
		stale = a.detailShown != a.detail
	case TargetPortfolio:
		stale = a.holdingsShown != a.holdingsRev
	}
	if !stale {
		return
	}
	if err := a.sched.Trigger(snap.Target); err != nil && !errors.Is(err, scheduler.ErrStopped) {
		a.log.Warn().Err(err).Str("target", snap.Target).Msg("follow-up refresh failed")
	}
}

// Hub exposes the latest views.
func (a *App) Hub() *presenter.Hub { return a.hub }

// Scheduler exposes the refresh scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Handler returns the dashboard HTTP handler, or nil when the server is
// disabled.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler()
}

func (a *App) intervals() map[string]time.Duration {
	r := a.cfg.Refresh
	iv := map[string]time.Duration{
		TargetKPIs:      r.KPIs,
		TargetTape:      r.Tape,
		TargetMovers:    r.Movers,
		TargetDetail:    r.Detail,
		TargetIbovespa:  r.Charts,
		TargetSP500:     r.Charts,
		TargetCrypto:    r.Charts,
		TargetPortfolio: r.Portfolio,
	}
	if a.marketNews != nil {
		iv[TargetHeadlines] = r.Headlines
	}
	return iv
}

// Run refreshes every target once, then periodically, until ctx is
// canceled. Shutdown stops the scheduler, the HTTP server, the dispatcher
// and the loop in that order.
func (a *App) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go a.loop.Run(loopCtx)
	defer func() {
		stopLoop()
		<-a.loop.Done()
		a.close()
	}()

	if a.server != nil {
		a.server.Start(a.cfg.ListenAddr)
	}

	for target, interval := range a.intervals() {
		if err := a.sched.Trigger(target); err != nil {
			a.shutdown()
			return fmt.Errorf("initial refresh of %s: %w", target, err)
		}
		if err := a.sched.Start(target, interval); err != nil {
			a.shutdown()
			return fmt.Errorf("schedule %s: %w", target, err)
		}
	}
	a.log.Info().
		Int("targets", len(a.intervals())).
		Int("workers", a.dispatcher.Workers()).
		Msg("market terminal running")

	<-ctx.Done()
	a.log.Info().Msg("shutting down")
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	a.sched.Stop()

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("http shutdown")
		}
		cancel()
	}

	// every completion is posted by the time Close returns; drain them so
	// running sessions deliver before the loop stops
	a.dispatcher.Close()
	drained := make(chan struct{})
	if a.loop.Post(func() { close(drained) }) {
		select {
		case <-drained:
		case <-time.After(shutdownTimeout):
			a.log.Warn().Msg("control loop did not drain")
		}
	}
}

func (a *App) close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}

type presenterFunc func(coordinator.Snapshot)

func (f presenterFunc) Present(s coordinator.Snapshot) { f(s) }
