package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"marketterminal/internal/ratelimit"
)

// RefreshConfig holds the periodic interval of each dashboard target.
type RefreshConfig struct {
	KPIs      time.Duration `mapstructure:"kpis" validate:"gt=0"`
	Tape      time.Duration `mapstructure:"tape" validate:"gt=0"`
	Movers    time.Duration `mapstructure:"movers" validate:"gt=0"`
	Detail    time.Duration `mapstructure:"detail" validate:"gt=0"`
	Headlines time.Duration `mapstructure:"headlines" validate:"gt=0"`
	Charts    time.Duration `mapstructure:"charts" validate:"gt=0"`
	Portfolio time.Duration `mapstructure:"portfolio" validate:"gt=0"`
}

// AnalysisConfig is an index chart plus a performance table.
type AnalysisConfig struct {
	Index   string   `mapstructure:"index" validate:"required"`
	Symbols []string `mapstructure:"symbols" validate:"min=1,dive,required"`
}

// HoldingConfig is one portfolio line.
type HoldingConfig struct {
	Symbol   string `mapstructure:"symbol" validate:"required"`
	Quantity int    `mapstructure:"quantity" validate:"gt=0"`
}

// PortfolioConfig is the tracked portfolio and the benchmark it is compared to.
type PortfolioConfig struct {
	Benchmark string          `mapstructure:"benchmark" validate:"required"`
	Holdings  []HoldingConfig `mapstructure:"holdings" validate:"min=1,dive"`
}

// RateLimitConfig overrides the built-in per-API request rates, in requests
// per second. Zero keeps the built-in rate.
type RateLimitConfig struct {
	Yahoo        float64 `mapstructure:"yahoo" validate:"gte=0"`
	AlphaVantage float64 `mapstructure:"alphavantage" validate:"gte=0"`
	NewsAPI      float64 `mapstructure:"newsapi" validate:"gte=0"`
}

// Overrides returns the configured rates that replace the built-in ones.
func (r RateLimitConfig) Overrides() map[ratelimit.API]rate.Limit {
	out := make(map[ratelimit.API]rate.Limit)
	for api, v := range map[ratelimit.API]float64{
		ratelimit.APIYahoo:        r.Yahoo,
		ratelimit.APIAlphaVantage: r.AlphaVantage,
		ratelimit.APINewsAPI:      r.NewsAPI,
	} {
		if v > 0 {
			out[api] = rate.Limit(v)
		}
	}
	return out
}

// Effective returns the rate api runs at once overrides are applied.
func (r RateLimitConfig) Effective(api ratelimit.API) rate.Limit {
	if limit, ok := r.Overrides()[api]; ok {
		return limit
	}
	return ratelimit.DefaultLimits()[api]
}

// RetryConfig holds the per-request retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gte=0"`
}

// CacheConfig selects and sizes the provider cache.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=memory redis none"`
	Capacity      uint          `mapstructure:"capacity"`
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
	QuoteTTL      time.Duration `mapstructure:"quote_ttl" validate:"gte=0"`
	NewsTTL       time.Duration `mapstructure:"news_ttl" validate:"gte=0"`
	HistoryTTL    time.Duration `mapstructure:"history_ttl" validate:"gte=0"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
	Output string `mapstructure:"output" validate:"required"`
}

// Config holds all configuration for the market terminal.
type Config struct {
	// API Keys for various services
	AlphavantageAPIKey string `mapstructure:"alphavantage_api_key"`
	NewsAPIKey         string `mapstructure:"newsapi_api_key"`

	// Base URLs for API endpoints (configurable for testing)
	YahooBaseURL        string `mapstructure:"yahoo_base_url" validate:"required,url"`
	AlphavantageBaseURL string `mapstructure:"alphavantage_base_url" validate:"required,url"`
	NewsAPIBaseURL      string `mapstructure:"newsapi_base_url" validate:"required,url"`

	// Which provider serves quotes and history. The AlphaVantage free tier
	// allows one request every 12s, so its sessions need a long
	// session_timeout or a rate_limits.alphavantage override.
	QuoteProvider   string `mapstructure:"quote_provider" validate:"oneof=yahoo alphavantage"`
	HistoryProvider string `mapstructure:"history_provider" validate:"oneof=yahoo alphavantage"`

	// Items to fetch
	KPISymbols    []string `mapstructure:"kpi_symbols" validate:"min=1,dive,required"`
	TapeSymbols   []string `mapstructure:"tape_symbols" validate:"min=1,dive,required"`
	MoverSymbols  []string `mapstructure:"mover_symbols" validate:"min=1,dive,required"`
	DefaultTicker string   `mapstructure:"default_ticker" validate:"required"`
	HistoryStart  string   `mapstructure:"history_start" validate:"datetime=2006-01-02"`

	// Chart and analysis tabs
	IbovespaSymbol string          `mapstructure:"ibovespa_symbol" validate:"required"`
	SP500          AnalysisConfig  `mapstructure:"sp500"`
	Crypto         AnalysisConfig  `mapstructure:"crypto"`
	Portfolio      PortfolioConfig `mapstructure:"portfolio"`

	// News searches
	MarketNewsQuery string   `mapstructure:"market_news_query" validate:"required"`
	NewsLanguage    string   `mapstructure:"news_language" validate:"required"`
	NewsDomains     []string `mapstructure:"news_domains"`
	NewsPageSize    int      `mapstructure:"news_page_size" validate:"min=1,max=100"`
	TickerNewsLimit int      `mapstructure:"ticker_news_limit" validate:"min=1,max=50"`

	// Refresh core
	Refresh        RefreshConfig `mapstructure:"refresh"`
	Retry          RetryConfig   `mapstructure:"retry"`
	SessionTimeout time.Duration `mapstructure:"session_timeout" validate:"gte=0"`
	Workers        int           `mapstructure:"workers" validate:"min=1,max=64"`
	QueueSize      int           `mapstructure:"queue_size" validate:"min=1"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout" validate:"gt=0"`

	RateLimits RateLimitConfig `mapstructure:"rate_limits"`

	Cache CacheConfig `mapstructure:"cache"`
	Log   LogConfig   `mapstructure:"log"`

	// Dashboard server; empty disables it
	ListenAddr string `mapstructure:"listen_addr"`
}

// Start parses HistoryStart. Load has already validated it.
func (c *Config) Start() time.Time {
	t, _ := time.Parse(time.DateOnly, c.HistoryStart)
	return t
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("yahoo_base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("alphavantage_base_url", "https://www.alphavantage.co/query")
	v.SetDefault("newsapi_base_url", "https://newsapi.org")
	v.SetDefault("alphavantage_api_key", "")
	v.SetDefault("newsapi_api_key", "")

	v.SetDefault("quote_provider", "yahoo")
	v.SetDefault("history_provider", "yahoo")

	v.SetDefault("kpi_symbols", []string{"^BVSP", "USDBRL=X", "EURBRL=X", "BTC-USD", "ETH-USD", "BNO"})
	v.SetDefault("tape_symbols", []string{"USDBRL=X", "^BVSP", "^N225", "000001.SS", "^MERV", "CL=F", "GC=F", "SI=F", "KC=F", "NG=F"})
	v.SetDefault("mover_symbols", []string{
		"PETR4.SA", "VALE3.SA", "ITUB4.SA", "BBDC4.SA", "MGLU3.SA", "BBAS3.SA", "AMER3.SA", "HAPV3.SA",
		"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "TSLA", "NFLX",
	})
	v.SetDefault("default_ticker", "PETR4.SA")
	v.SetDefault("history_start", "2023-01-01")

	v.SetDefault("ibovespa_symbol", "^BVSP")
	v.SetDefault("sp500.index", "^GSPC")
	v.SetDefault("sp500.symbols", []string{"^GSPC", "AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "TSLA", "NFLX", "JPM"})
	v.SetDefault("crypto.index", "BTC-USD")
	v.SetDefault("crypto.symbols", []string{"BTC-USD", "ETH-USD", "SOL-USD", "ADA-USD", "XRP-USD", "DOGE-USD", "DOT-USD"})
	v.SetDefault("portfolio.benchmark", "BNDX")
	v.SetDefault("portfolio.holdings", []map[string]any{
		{"symbol": "PETR4.SA", "quantity": 6},
		{"symbol": "VALE3.SA", "quantity": 2},
		{"symbol": "ITUB4.SA", "quantity": 1},
		{"symbol": "BBDC4.SA", "quantity": 1},
	})

	v.SetDefault("market_news_query", "Mercado OR Negócios")
	v.SetDefault("news_language", "pt")
	v.SetDefault("news_domains", []string{"exame.com", "infomoney.com.br", "valor.globo.com", "folha.uol.com.br", "cnn.com", "bloomberg.com"})
	v.SetDefault("news_page_size", 5)
	v.SetDefault("ticker_news_limit", 3)

	v.SetDefault("refresh.kpis", time.Minute)
	v.SetDefault("refresh.tape", time.Minute)
	v.SetDefault("refresh.movers", 2*time.Minute)
	v.SetDefault("refresh.detail", 5*time.Minute)
	v.SetDefault("refresh.headlines", 10*time.Minute)
	v.SetDefault("refresh.charts", 10*time.Minute)
	v.SetDefault("refresh.portfolio", 10*time.Minute)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("session_timeout", 30*time.Second)
	v.SetDefault("workers", 4)
	v.SetDefault("queue_size", 64)
	v.SetDefault("http_timeout", 10*time.Second)
	v.SetDefault("rate_limits.yahoo", 0)
	v.SetDefault("rate_limits.alphavantage", 0)
	v.SetDefault("rate_limits.newsapi", 0)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.capacity", 512)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.quote_ttl", 60*time.Second)
	v.SetDefault("cache.news_ttl", 600*time.Second)
	v.SetDefault("cache.history_ttl", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("listen_addr", ":8080")
}

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory or $HOME/.marketterminal.
// Environment variables take precedence over config file values.
//
// API keys are read from ALPHAVANTAGE_API_KEY and NEWSAPI_API_KEY. Every
// other key can be overridden with a TERMINAL_ prefix, nested keys joined
// by underscores (TERMINAL_REFRESH_KPIS=30s, TERMINAL_CACHE_BACKEND=redis).
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// default locations.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Set up environment variable support
	v.SetEnvPrefix("TERMINAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind environment variables for API keys, unprefixed like the providers document them
	v.BindEnv("alphavantage_api_key", "ALPHAVANTAGE_API_KEY")
	v.BindEnv("newsapi_api_key", "NEWSAPI_API_KEY")

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.marketterminal")

		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the keys required by the selected
// providers. NEWSAPI_API_KEY is optional; without it market headlines are
// not fetched.
func (c *Config) Validate() error {
	var missing []string
	if c.AlphavantageAPIKey == "" && (c.QuoteProvider == "alphavantage" || c.HistoryProvider == "alphavantage") {
		missing = append(missing, "ALPHAVANTAGE_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return c.validateAlphaVantageBudget()
}

// validateAlphaVantageBudget rejects a session timeout that the AlphaVantage
// rate limit cannot meet. One session issues its requests back to back
// through a burst-1 bucket, so n requests need (n-1)/rate.
func (c *Config) validateAlphaVantageBudget() error {
	if c.SessionTimeout == 0 {
		return nil
	}
	target, n := c.largestAlphaVantageSession()
	if n < 2 {
		return nil
	}
	limit := c.RateLimits.Effective(ratelimit.APIAlphaVantage)
	if limit == rate.Inf || limit <= 0 {
		return nil
	}
	need := time.Duration(float64(n-1) / float64(limit) * float64(time.Second))
	if need > c.SessionTimeout {
		return fmt.Errorf("invalid configuration: the %s session makes %d AlphaVantage requests, which take %s at %.3g requests/s, above SessionTimeout %s; raise session_timeout or rate_limits.alphavantage, or serve quotes from yahoo",
			target, n, need.Round(time.Second), float64(limit), c.SessionTimeout)
	}
	return nil
}

// largestAlphaVantageSession returns the target issuing the most AlphaVantage
// requests in one session.
func (c *Config) largestAlphaVantageSession() (string, int) {
	quotes := c.QuoteProvider == "alphavantage"
	history := c.HistoryProvider == "alphavantage"
	count := func(nQuotes, nHistory int) int {
		n := 0
		if quotes {
			n += nQuotes
		}
		if history {
			n += nHistory
		}
		return n
	}

	detail := count(1, 1)
	if c.AlphavantageAPIKey != "" {
		detail++ // ticker news
	}
	holdings := len(c.Portfolio.Holdings)
	sessions := []struct {
		target string
		n      int
	}{
		{"kpis", count(len(c.KPISymbols), 0)},
		{"tape", count(len(c.TapeSymbols), 0)},
		{"movers", count(len(c.MoverSymbols), 0)},
		{"detail", detail},
		{"ibovespa", count(0, 1)},
		{"sp500", count(len(c.SP500.Symbols), 1)},
		{"crypto", count(len(c.Crypto.Symbols), 1)},
		{"portfolio", count(holdings, holdings+1)},
	}

	best, most := "", 0
	for _, s := range sessions {
		if s.n > most {
			best, most = s.target, s.n
		}
	}
	return best, most
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "datetime":
		return fmt.Sprintf("%s must be a date formatted %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
