// Package httpapi serves the browser dashboard: latest views over REST, a
// live WebSocket feed, manual refresh triggers and metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"marketterminal/internal/market"
	"marketterminal/internal/presenter"
	"marketterminal/internal/scheduler"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Views is the read side of the presenter hub.
type Views interface {
	Latest(target string) (presenter.View, bool)
	All() []presenter.View
	Subscribe() (<-chan presenter.View, func())
}

// Triggerer requests refreshes.
type Triggerer interface {
	Trigger(target string) error
}

// Selector changes the ticker shown in the detail panel.
type Selector interface {
	SelectDetail(ticker string) error
}

// PortfolioEditor replaces the tracked portfolio.
type PortfolioEditor interface {
	SetPortfolio(holdings []market.Holding) error
}

// APIResponse is the envelope of every JSON reply.
type APIResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// DetailRequest is the body of PUT /api/detail.
type DetailRequest struct {
	Ticker string `json:"ticker" validate:"required,max=24,excludesall= /"`
}

// PortfolioRequest is the body of PUT /api/portfolio.
type PortfolioRequest struct {
	Holdings []HoldingRequest `json:"holdings" validate:"required,min=1,max=50,dive"`
}

// HoldingRequest is one line of a PortfolioRequest.
type HoldingRequest struct {
	Symbol   string `json:"symbol" validate:"required,max=24,excludesall= /"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithPortfolio enables PUT /api/portfolio.
func WithPortfolio(p PortfolioEditor) Option {
	return func(s *Server) { s.portfolio = p }
}

// WithMetricsHandler exposes h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server wraps Echo HTTP server.
type Server struct {
	echo      *echo.Echo
	views     Views
	triggers  Triggerer
	selector  Selector
	portfolio PortfolioEditor
	metrics   http.Handler
	log       zerolog.Logger
	validate  *validator.Validate
	upgrader  websocket.Upgrader

	done     chan struct{}
	stopOnce sync.Once
}

// New creates the server and registers its routes.
func New(views Views, triggers Triggerer, selector Selector, opts ...Option) *Server {
	s := &Server{
		views:    views,
		triggers: triggers,
		selector: selector,
		log:      zerolog.Nop(),
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := s.log.Debug()
			if v.Error != nil {
				ev = s.log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("http request")
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	e.GET("/api/snapshots", s.listSnapshots)
	e.GET("/api/snapshots/:target", s.getSnapshot)
	e.POST("/api/targets/:target/refresh", s.refresh)
	e.PUT("/api/detail", s.selectDetail)
	if s.portfolio != nil {
		e.PUT("/api/portfolio", s.setPortfolio)
	}
	e.GET("/ws", s.stream)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	s.echo = e
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server error")
		}
	}()
}

// Shutdown ends live streams and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info().Msg("http server stopped gracefully")
	return nil
}

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, APIResponse{
		Status:  status,
		Message: http.StatusText(status),
		Data:    data,
	})
}

func (s *Server) health(c echo.Context) error {
	return respond(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listSnapshots(c echo.Context) error {
	return respond(c, http.StatusOK, s.views.All())
}

func (s *Server) getSnapshot(c echo.Context) error {
	target := c.Param("target")
	v, ok := s.views.Latest(target)
	if !ok {
		return respond(c, http.StatusNotFound, fmt.Sprintf("no snapshot for %s yet", target))
	}
	return respond(c, http.StatusOK, v)
}

func (s *Server) refresh(c echo.Context) error {
	target := c.Param("target")
	switch err := s.triggers.Trigger(target); {
	case err == nil:
		return respond(c, http.StatusAccepted, map[string]string{"target": target})
	case errors.Is(err, scheduler.ErrUnknownTarget):
		return respond(c, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		return respond(c, http.StatusServiceUnavailable, err.Error())
	default:
		return respond(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) selectDetail(c echo.Context) error {
	var req DetailRequest
	if err := c.Bind(&req); err != nil {
		return respond(c, http.StatusBadRequest, "invalid body")
	}
	if err := s.validate.StructCtx(c.Request().Context(), req); err != nil {
		return respond(c, http.StatusBadRequest, "ticker is required and must be a single symbol")
	}
	if err := s.selector.SelectDetail(req.Ticker); err != nil {
		if errors.Is(err, scheduler.ErrStopped) {
			return respond(c, http.StatusServiceUnavailable, err.Error())
		}
		return respond(c, http.StatusInternalServerError, err.Error())
	}
	return respond(c, http.StatusAccepted, req)
}

func (s *Server) setPortfolio(c echo.Context) error {
	var req PortfolioRequest
	if err := c.Bind(&req); err != nil {
		return respond(c, http.StatusBadRequest, "invalid body")
	}
	if err := s.validate.StructCtx(c.Request().Context(), req); err != nil {
		return respond(c, http.StatusBadRequest, "holdings need a symbol and a positive quantity each")
	}
	holdings := make([]market.Holding, len(req.Holdings))
	for i, h := range req.Holdings {
		holdings[i] = market.Holding{Symbol: h.Symbol, Quantity: h.Quantity}
	}
	if err := s.portfolio.SetPortfolio(holdings); err != nil {
		if errors.Is(err, scheduler.ErrStopped) {
			return respond(c, http.StatusServiceUnavailable, err.Error())
		}
		return respond(c, http.StatusInternalServerError, err.Error())
	}
	return respond(c, http.StatusAccepted, req)
}

// stream sends the latest view of every target, then each new view as it
// is presented.
func (s *Server) stream(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already replied
		return nil
	}
	defer conn.Close()

	views, unsubscribe := s.views.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v presenter.View) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}
	for _, v := range s.views.All() {
		if err := write(v); err != nil {
			return nil
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return nil
		case <-closed:
			return nil
		case v, ok := <-views:
			if !ok {
				return nil
			}
			if err := write(v); err != nil {
				s.log.Debug().Err(err).Msg("websocket write failed")
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}
