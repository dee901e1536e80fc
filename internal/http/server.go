// Package http provides the admin HTTP API of a recalld node.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/cluster"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/node"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Node is the part of a running node the admin API reads.
type Node interface {
	ID() string
	Members() []cluster.Member
	Stats() node.Stats
	Placement(context, key string) []string
	Registry() *prometheus.Registry
}

// Server provides admin HTTP endpoints for one node.
type Server struct {
	echo   *echo.Echo
	node   Node
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RateLimit is the sustained requests per second across all clients.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int

	Version       string
	MeterProvider metric.MeterProvider
}

// NewServer creates a new HTTP server.
func NewServer(n Node, logger *zap.Logger, cfg *Config) (*Server, error) {
	if n == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9190,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(cfg.MeterProvider, logger).MetricsMiddleware())
	if cfg.RateLimit > 0 {
		e.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))))
	}
	e.Use(requestLogging(logging.Wrap(logger.Named("http")), n.ID()))

	s := &Server{
		echo:   e,
		node:   n,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// requestLogging tags the request context with the node and request ids,
// stores a request-scoped logger in it and logs the request once served.
// It must run after middleware.RequestID.
func requestLogging(log *logging.Logger, nodeID string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := logging.WithNodeID(req.Context(), nodeID)
			ctx = logging.WithRequestID(ctx, c.Response().Header().Get(echo.HeaderXRequestID))
			reqLog := log.With(zap.String("method", req.Method), zap.String("uri", req.RequestURI))
			ctx = logging.WithLogger(ctx, reqLog)
			c.SetRequest(req.WithContext(ctx))

			start := time.Now()
			if err := next(c); err != nil {
				// Write the error response now so the logged status is final.
				c.Error(err)
			}
			reqLog.Debug(ctx, "http request",
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	}
}

// rateLimit rejects requests with 429 once the shared token bucket is empty.
func rateLimit(limiter *rate.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/health" {
				return next(c)
			}
			if !limiter.Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.node.Registry(), promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/members", s.handleMembers)
	v1.GET("/stats", s.handleStats)
	v1.GET("/placement", s.handlePlacement)
}

// Echo exposes the router for additional routes.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		NodeID:  s.node.ID(),
		Members: len(s.node.Members()),
	})
}

func (s *Server) handleMembers(c echo.Context) error {
	return c.JSON(http.StatusOK, MembersResponse{
		Self:    s.node.ID(),
		Members: s.node.Members(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{
		Version: s.config.Version,
		Stats:   s.node.Stats(),
	})
}

func (s *Server) handlePlacement(c echo.Context) error {
	memCtx := c.QueryParam("context")
	key := c.QueryParam("key")
	if memCtx == "" || key == "" {
		ctx := c.Request().Context()
		logging.FromContext(ctx).Debug(ctx, "placement lookup missing parameters")
		return echo.NewHTTPError(http.StatusBadRequest, "context and key query parameters are required")
	}
	nodes := s.node.Placement(memCtx, key)
	resp := PlacementResponse{Context: memCtx, Key: key, Nodes: nodes}
	if len(nodes) > 0 {
		resp.Primary = nodes[0]
	}
	return c.JSON(http.StatusOK, resp)
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
