// Package server provides the HTTP surface for dialectd.
//
// This package implements a graceful HTTP server with Echo router,
// health and stats endpoints, Prometheus metrics exposure, and
// context-aware shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/cache"
	"github.com/fyrsmithlabs/dialectd/internal/config"
	"github.com/fyrsmithlabs/dialectd/internal/dialect"
	"github.com/fyrsmithlabs/dialectd/internal/effectiveness"
	"github.com/fyrsmithlabs/dialectd/internal/logging"
	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

// MessageProcessor runs a message through the dialect hot path and
// records fallback decisions against the pair's dialect. Implemented
// by dialect.Manager.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, msg *signal.Message, direction dialect.Direction) (*dialect.Result, error)
	FallbackToBase(msg *signal.Message, reason string) *signal.Message
}

// BaseConverter normalizes a message to the base specification.
// Implemented by basespec.Handler.
type BaseConverter interface {
	ConvertToBase(msg *signal.Message) *signal.Message
}

// OutcomeSink records communication outcomes against a pattern.
// Implemented by effectiveness.Tracker.
type OutcomeSink interface {
	TrackUsage(patternID string, outcome effectiveness.Outcome, contextLabel string) error
}

// DialectSource exposes per-pair dialect state. Implemented by
// dialect.Manager.
type DialectSource interface {
	Snapshot() map[string]dialect.Snapshot
}

// CacheSource exposes cache counters. Implemented by cache.Cache.
type CacheSource interface {
	Stats() cache.Stats
}

// EventSource exposes bus health. Implemented by events.Bus.
type EventSource interface {
	Dropped() uint64
}

// Server represents the HTTP server.
type Server struct {
	config    config.ServerConfig
	echo      *echo.Echo
	logger    *logging.Logger
	dialects  DialectSource
	cache     CacheSource
	events    EventSource
	processor MessageProcessor
	converter BaseConverter
	outcomes  OutcomeSink
}

// HealthResponse is the JSON response for the /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// StatsResponse is the JSON response for the /stats endpoint.
type StatsResponse struct {
	Dialects      map[string]dialect.Snapshot `json:"dialects"`
	Cache         cache.Stats                 `json:"cache"`
	EventsDropped uint64                      `json:"events_dropped"`
}

// MessageRequest is the JSON body for POST /messages.
type MessageRequest struct {
	Message   signal.Message `json:"message"`
	Direction string         `json:"direction"`
}

// MessageResponse is the JSON response for POST /messages. Message is
// the base-normalized copy when fallback was required, otherwise the
// input unchanged.
type MessageResponse struct {
	Result  *dialect.Result `json:"result"`
	Message *signal.Message `json:"message"`
}

// OutcomeRequest is the JSON body for POST /patterns/:id/outcome.
type OutcomeRequest struct {
	Outcome effectiveness.Outcome `json:"outcome"`
	Context string                `json:"context"`
}

// NewServer creates a new HTTP server with the given configuration.
//
// The server includes:
//   - Echo router with logger, recover, and request ID middleware
//   - Health check endpoint at GET /health
//   - Runtime stats at GET /stats
//   - Per-pair dialect snapshots at GET /dialects
//   - Message processing at POST /messages
//   - Outcome reporting at POST /patterns/:id/outcome
//   - Prometheus metrics at GET /metrics
func NewServer(cfg config.ServerConfig, logger *logging.Logger, dialects DialectSource, cacheSrc CacheSource, events EventSource, processor MessageProcessor, converter BaseConverter, outcomes OutcomeSink) *Server {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		config:    cfg,
		echo:      e,
		logger:    logger.Named("server"),
		dialects:  dialects,
		cache:     cacheSrc,
		events:    events,
		processor: processor,
		converter: converter,
		outcomes:  outcomes,
	}

	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/stats", s.handleStats)
	s.echo.GET("/dialects", s.handleDialects)
	s.echo.POST("/messages", s.handleMessage)
	s.echo.POST("/patterns/:id/outcome", s.handleOutcome)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "dialectd",
	})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{
		Dialects:      s.dialects.Snapshot(),
		Cache:         s.cache.Stats(),
		EventsDropped: s.events.Dropped(),
	})
}

func (s *Server) handleDialects(c echo.Context) error {
	return c.JSON(http.StatusOK, s.dialects.Snapshot())
}

func (s *Server) handleMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	direction := dialect.Direction(req.Direction)
	switch direction {
	case "":
		direction = dialect.Outbound
	case dialect.Inbound, dialect.Outbound:
	default:
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("direction must be %q or %q", dialect.Inbound, dialect.Outbound))
	}

	ctx := logging.WithRequestID(c.Request().Context(), c.Response().Header().Get(echo.HeaderXRequestID))
	ctx = logging.WithPairKey(ctx, signal.PairKey(req.Message.Sender, req.Message.Receiver))

	result, err := s.processor.ProcessMessage(ctx, &req.Message, direction)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp := MessageResponse{Result: result, Message: &req.Message}
	if result.FallbackRequired {
		reverted := s.processor.FallbackToBase(&req.Message, "identity outside dialect scope")
		resp.Message = s.converter.ConvertToBase(reverted)
		s.logger.Debug(ctx, "message reverted to base specification",
			zap.String("dialect_id", result.DialectID))
	} else {
		s.logger.Trace(ctx, "message processed",
			zap.String("dialect_id", result.DialectID),
			zap.Bool("used_dialect", result.UsedDialect))
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleOutcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	if err := s.outcomes.TrackUsage(c.Param("id"), req.Outcome, req.Context); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := logging.WithRequestID(c.Request().Context(), c.Response().Header().Get(echo.HeaderXRequestID))
	s.logger.Trace(ctx, "outcome recorded",
		zap.String("pattern_id", c.Param("id")),
		zap.Bool("succeeded", req.Outcome.Succeeded))

	return c.NoContent(http.StatusAccepted)
}

// Start starts the HTTP server and blocks until the context is
// cancelled.
//
// Returns http.ErrServerClosed on graceful shutdown, or any other
// error encountered during startup or shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	errCh := make(chan error, 1)

	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.config.ShutdownTimeout,
		)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}

		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering additional
// routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
