package node

import (
	"time"

	"github.com/fyrsmithlabs/recalld/internal/cluster"
	"github.com/fyrsmithlabs/recalld/internal/snapshot"
	"github.com/fyrsmithlabs/recalld/internal/transport"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option customizes a Node built by New.
type Option func(*options)

type options struct {
	logger         *zap.Logger
	now            func() time.Time
	provider       cluster.Provider
	persister      snapshot.Persister
	network        *transport.MemoryNetwork
	natsConn       *nats.Conn
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithLogger sets the node logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces time.Now for the store, membership and read cache.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithProvider overrides the membership provider selected by
// cluster.provider.
func WithProvider(p cluster.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithPersister overrides the snapshot backend selected by
// snapshot.backend.
func WithPersister(p snapshot.Persister) Option {
	return func(o *options) { o.persister = p }
}

// WithNetwork joins the node to an in-process network instead of NATS.
func WithNetwork(n *transport.MemoryNetwork) Option {
	return func(o *options) { o.network = n }
}

// WithNATSConn uses an existing NATS connection. The node does not close it.
func WithNATSConn(nc *nats.Conn) Option {
	return func(o *options) { o.natsConn = nc }
}

// WithTracerProvider sets the tracer provider for replicated operations.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider for replicated operations.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}
