package mcp

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/replica"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Memory is the replicated client the tools call.
type Memory interface {
	Store(ctx context.Context, context, key string, value []byte, opts ...replica.StoreOption) error
	Retrieve(ctx context.Context, context, key string) ([]byte, bool, error)
	Forget(ctx context.Context, context, key string) error
	ClearContext(ctx context.Context, context string) error
	ListContext(ctx context.Context, context string) ([]memstore.Entry, error)
	SearchMode(ctx context.Context, req search.Request) ([]search.Result, error)
	Flush(ctx context.Context) error
}

// Server is an MCP server over one node's replicated client.
type Server struct {
	mcp     *mcp.Server
	memory  Memory
	metrics *Metrics
	log     *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "recalld")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	MeterProvider metric.MeterProvider
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "recalld",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server backed by memory.
func NewServer(cfg *Config, memory Memory) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if memory == nil {
		return nil, fmt.Errorf("memory client is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:     mcpServer,
		memory:  memory,
		metrics: NewMetrics(cfg.MeterProvider, cfg.Logger),
		log:     logging.Wrap(cfg.Logger),
	}
	s.registerTools()
	return s, nil
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
