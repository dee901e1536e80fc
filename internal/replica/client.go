// Package replica is the replicated access layer. A Client writes every
// entry to all nodes of its placement set, reads through the primary with a
// local cache, and fans list and search calls out to every member.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/recalld/internal/cluster"
	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/transport"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RingSource supplies the current placement view.
type RingSource interface {
	Ring() *cluster.Ring
}

// Flusher forces a snapshot of the local store.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	// Self is this node's id. Calls addressed to it go to Local.
	Self  string
	Local transport.Peer
	Peers transport.Resolver
	Ring  RingSource

	// ReplicaCount is the size of the placement set, primary included.
	// Default 2.
	ReplicaCount int

	// RetryAttempts bounds attempts per remote call. Default 3.
	RetryAttempts int
	// RetryDelay is the fixed wait between attempts. Zero retries at once.
	RetryDelay time.Duration
	// RPCTimeout bounds each attempt. Default 2s.
	RPCTimeout time.Duration

	// CacheSize is the read cache capacity. Default 10000.
	CacheSize int

	// DefaultTTL and DefaultImportance apply when a Store call sets
	// neither. Nil means 24h and 0.5; zero values are kept as given.
	DefaultTTL        *memstore.TTL
	DefaultImportance *float64

	// SearchMode is used when a search does not name one.
	SearchMode search.Mode
	Weights    search.Weights

	Flusher Flusher

	Now            func() time.Time
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

type cacheKey struct {
	context string
	key     string
}

// Client is the replicated view of the cluster's store.
type Client struct {
	self          string
	local         transport.Peer
	peers         transport.Resolver
	ring          RingSource
	replicaCount  int
	retryAttempts int
	retryDelay    time.Duration
	rpcTimeout    time.Duration
	defaultTTL    memstore.TTL
	defaultImp    float64
	searchMode    search.Mode
	weights       search.Weights
	flusher       Flusher
	now           func() time.Time
	logger        *zap.Logger
	tracer        trace.Tracer
	metrics       *metrics

	// cacheMu orders cache writes against Forget and ClearContext purges.
	// purges counts those purges; a fill that started before one is dropped.
	cacheMu sync.Mutex
	purges  uint64
	cache   *lru.Cache[cacheKey, memstore.Entry]
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Self == "" {
		return nil, errors.New("replica client requires a node id")
	}
	if opts.Local == nil || opts.Ring == nil {
		return nil, errors.New("replica client requires a local peer and a ring source")
	}
	if opts.ReplicaCount <= 0 {
		opts.ReplicaCount = 2
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 2 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	defaultTTL := memstore.TTL(24 * time.Hour)
	if opts.DefaultTTL != nil {
		defaultTTL = *opts.DefaultTTL
	}
	defaultImp := 0.5
	if opts.DefaultImportance != nil {
		defaultImp = *opts.DefaultImportance
	}
	if opts.SearchMode == "" {
		opts.SearchMode = search.ModeLexical
	}
	if opts.Weights == (search.Weights{}) {
		opts.Weights = search.DefaultWeights()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	cache, err := lru.New[cacheKey, memstore.Entry](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating read cache: %w", err)
	}

	return &Client{
		self:          opts.Self,
		local:         opts.Local,
		peers:         opts.Peers,
		ring:          opts.Ring,
		replicaCount:  opts.ReplicaCount,
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
		rpcTimeout:    opts.RPCTimeout,
		defaultTTL:    defaultTTL,
		defaultImp:    defaultImp,
		searchMode:    opts.SearchMode,
		weights:       opts.Weights,
		flusher:       opts.Flusher,
		now:           opts.Now,
		logger:        opts.Logger,
		tracer:        opts.TracerProvider.Tracer(instrumentationName),
		metrics:       newMetrics(opts.MeterProvider, opts.Logger),
		cache:         cache,
	}, nil
}

// StoreOption adjusts a Store call.
type StoreOption func(*storeOptions)

type storeOptions struct {
	ttl        memstore.TTL
	importance float64
}

// WithTTL sets the entry lifetime. memstore.Infinite never expires.
func WithTTL(ttl memstore.TTL) StoreOption {
	return func(o *storeOptions) { o.ttl = ttl }
}

// WithImportance sets the importance score in [0,1].
func WithImportance(importance float64) StoreOption {
	return func(o *storeOptions) { o.importance = importance }
}

func (c *Client) peer(nodeID string) (transport.Peer, error) {
	if nodeID == c.self {
		return c.local, nil
	}
	if c.peers == nil {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownPeer, nodeID)
	}
	return c.peers.Peer(nodeID)
}

// call runs fn against nodeID with a per-attempt timeout, retrying
// transient failures with a fixed delay.
func call[T any](ctx context.Context, c *Client, op, nodeID string, fn func(context.Context, transport.Peer) (T, error)) (T, error) {
	var zero T
	p, err := c.peer(nodeID)
	if err != nil {
		return zero, err
	}
	attempt := func() (T, error) {
		actx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
		defer cancel()
		res, err := fn(actx, p)
		if err == nil {
			return res, nil
		}
		var remote *transport.RemoteError
		if errors.As(err, &remote) || ctx.Err() != nil {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}
	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(uint(c.retryAttempts)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			c.metrics.retry(ctx, op, nodeID)
			c.logger.Debug("retrying remote call", zap.String("op", op), zap.String("node_id", nodeID), zap.Error(err))
		}),
	)
}

// fanOut calls fn on every node concurrently and waits for all of them.
// It never stops early on a failure.
func fanOut[T any](ctx context.Context, c *Client, op string, nodes []string, fn func(context.Context, transport.Peer) (T, error)) ([]T, []outcome) {
	results := make([]T, len(nodes))
	outcomes := make([]outcome, len(nodes))
	var g errgroup.Group
	for i, id := range nodes {
		g.Go(func() error {
			res, err := call(ctx, c, op, id, fn)
			results[i] = res
			outcomes[i] = outcome{node: id, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, outcomes
}

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func isPartial(err error) bool {
	var re *ReplicationError
	return errors.As(err, &re) && len(re.Succeeded) > 0
}

// Placement returns the nodes responsible for (context, key), primary first.
func (c *Client) Placement(memCtx, key string) []string {
	return c.ring.Ring().Place(cluster.PlacementKey(memCtx, key), c.replicaCount)
}

// Store writes the entry to every node of its placement set and succeeds
// only if all of them acknowledge. On partial failure the returned
// *ReplicationError names the failed nodes, nodes that did accept the
// write keep it, and the read cache is left untouched.
func (c *Client) Store(ctx context.Context, memCtx, key string, value []byte, opts ...StoreOption) (err error) {
	start := time.Now()
	ctx, span := c.startSpan(ctx, "replica.Store",
		attribute.String("memory.context", memCtx), attribute.String("memory.key", key))
	defer func() {
		c.metrics.record(ctx, "store", start, err)
		endSpan(span, err)
	}()

	o := storeOptions{ttl: c.defaultTTL, importance: c.defaultImp}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.ttl.Validate(); err != nil {
		return err
	}
	if err := memstore.ValidateImportance(o.importance); err != nil {
		return err
	}

	nodes := c.Placement(memCtx, key)
	if len(nodes) == 0 {
		return cluster.ErrNoMembers
	}
	span.SetAttributes(attribute.StringSlice("nodes", nodes))
	gen := c.cacheGen()

	req := transport.StoreRequest{Context: memCtx, Key: key, Value: value, TTL: o.ttl, Importance: o.importance}
	_, outcomes := fanOut(ctx, c, "store", nodes, func(ctx context.Context, p transport.Peer) (struct{}, error) {
		return struct{}{}, p.Store(ctx, req)
	})
	if re := collect("store", outcomes); re != nil {
		c.logger.Warn("replicated store incomplete",
			zap.String("memory.context", memCtx), zap.String("key", key),
			zap.Strings("failed", re.Failed), zap.Strings("succeeded", re.Succeeded))
		return re
	}

	entry, err := memstore.NewEntry(memCtx, key, value, o.ttl, o.importance, c.now())
	if err != nil {
		return err
	}
	c.cachePut(entry.Clone(), gen)
	return nil
}

// Retrieve returns the value from the read cache, or reads it through from
// the primary node and caches it. A cached entry is served until it
// expires; remote writes do not invalidate it.
func (c *Client) Retrieve(ctx context.Context, memCtx, key string) (value []byte, found bool, err error) {
	start := time.Now()
	ctx, span := c.startSpan(ctx, "replica.Retrieve",
		attribute.String("memory.context", memCtx), attribute.String("memory.key", key))
	defer func() {
		span.SetAttributes(attribute.Bool("found", found))
		c.metrics.record(ctx, "retrieve", start, err)
		endSpan(span, err)
	}()

	if e, ok := c.cacheGet(memCtx, key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		c.metrics.cacheHit(ctx)
		return append([]byte(nil), e.Value...), true, nil
	}

	primary, err := c.ring.Ring().Primary(cluster.PlacementKey(memCtx, key))
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(attribute.String("primary", primary))
	gen := c.cacheGen()

	type result struct {
		entry memstore.Entry
		found bool
	}
	res, err := call(ctx, c, "retrieve", primary, func(ctx context.Context, p transport.Peer) (result, error) {
		e, ok, err := p.Retrieve(ctx, memCtx, key)
		return result{e, ok}, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("retrieve from %s: %w", primary, err)
	}
	if !res.found || res.entry.Expired(c.now()) {
		return nil, false, nil
	}
	c.cachePut(res.entry.Clone(), gen)
	return append([]byte(nil), res.entry.Value...), true, nil
}

// Forget deletes the entry from every node of its placement set. The read
// cache entry is dropped first, whatever the outcome.
func (c *Client) Forget(ctx context.Context, memCtx, key string) (err error) {
	start := time.Now()
	ctx, span := c.startSpan(ctx, "replica.Forget",
		attribute.String("memory.context", memCtx), attribute.String("memory.key", key))
	defer func() {
		c.metrics.record(ctx, "forget", start, err)
		endSpan(span, err)
	}()

	c.cacheMu.Lock()
	c.purges++
	c.cache.Remove(cacheKey{memCtx, key})
	c.cacheMu.Unlock()

	nodes := c.Placement(memCtx, key)
	if len(nodes) == 0 {
		return cluster.ErrNoMembers
	}
	_, outcomes := fanOut(ctx, c, "forget", nodes, func(ctx context.Context, p transport.Peer) (struct{}, error) {
		return struct{}{}, p.Forget(ctx, memCtx, key)
	})
	if re := collect("forget", outcomes); re != nil {
		return re
	}
	return nil
}

// ClearContext deletes every key of the context on every member. Clearing an
// empty context succeeds.
func (c *Client) ClearContext(ctx context.Context, memCtx string) (err error) {
	start := time.Now()
	ctx, span := c.startSpan(ctx, "replica.ClearContext", attribute.String("memory.context", memCtx))
	defer func() {
		c.metrics.record(ctx, "clear_context", start, err)
		endSpan(span, err)
	}()

	c.purgeContext(memCtx)

	nodes := c.ring.Ring().Nodes()
	removed, outcomes := fanOut(ctx, c, "clear_context", nodes, func(ctx context.Context, p transport.Peer) (int, error) {
		return p.ClearContext(ctx, memCtx)
	})
	total := 0
	for _, n := range removed {
		total += n
	}
	span.SetAttributes(attribute.Int("removed", total))
	if re := collect("clear_context", outcomes); re != nil {
		return re
	}
	return nil
}

// ListContext gathers the live entries of a context from every member,
// keeps the newest copy of each key and orders them by recency score.
// Entries from reachable nodes are returned even when some nodes fail; the
// error is then a *ReplicationError.
func (c *Client) ListContext(ctx context.Context, memCtx string) (entries []memstore.Entry, err error) {
	start := time.Now()
	ctx, span := c.startSpan(ctx, "replica.ListContext", attribute.String("memory.context", memCtx))
	defer func() {
		span.SetAttributes(attribute.Int("entries", len(entries)))
		c.metrics.record(ctx, "list_context", start, err)
		endSpan(span, err)
	}()

	nodes := c.ring.Ring().Nodes()
	lists, outcomes := fanOut(ctx, c, "list_context", nodes, func(ctx context.Context, p transport.Peer) ([]memstore.Entry, error) {
		return p.List(ctx, memCtx)
	})

	now := c.now()
	newest := make(map[string]memstore.Entry)
	for _, list := range lists {
		for _, e := range list {
			if e.Context != memCtx || e.Expired(now) {
				continue
			}
			if cur, ok := newest[e.Key]; !ok || e.CreatedAt.After(cur.CreatedAt) {
				newest[e.Key] = e
			}
		}
	}
	entries = make([]memstore.Entry, 0, len(newest))
	for _, e := range newest {
		entries = append(entries, e)
	}
	memstore.SortByRecency(entries)

	if re := collect("list_context", outcomes); re != nil {
		return entries, re
	}
	return entries, nil
}

// Search runs the query on every member, merges hits by (context, key)
// and ranks them. Results from reachable nodes are returned even when some
// nodes fail; the error is then a *ReplicationError.
func (c *Client) Search(ctx context.Context, query string, threshold float64, limit int) ([]search.Result, error) {
	return c.SearchMode(ctx, search.Request{Query: query, Threshold: threshold, Limit: limit})
}

// SearchMode is Search with an explicit request, including its mode.
func (c *Client) SearchMode(ctx context.Context, req search.Request) (results []search.Result, err error) {
	start := time.Now()
	if req.Mode == "" {
		req.Mode = c.searchMode
	}
	ctx, span := c.startSpan(ctx, "replica.Search",
		attribute.String("search.mode", string(req.Mode)),
		attribute.Float64("search.threshold", req.Threshold),
		attribute.Int("search.limit", req.Limit))
	defer func() {
		span.SetAttributes(attribute.Int("results", len(results)))
		c.metrics.record(ctx, "search", start, err)
		endSpan(span, err)
	}()

	nodes := c.ring.Ring().Nodes()
	sets, outcomes := fanOut(ctx, c, "search", nodes, func(ctx context.Context, p transport.Peer) ([]search.Hit, error) {
		return p.Search(ctx, req)
	})
	results = search.Rank(search.Merge(sets...), req.Mode, c.weights, req.Threshold, req.Limit)

	if re := collect("search", outcomes); re != nil {
		return results, re
	}
	return results, nil
}

// Flush forces a snapshot of this node's store.
func (c *Client) Flush(ctx context.Context) error {
	if c.flusher == nil {
		return nil
	}
	ctx, span := c.startSpan(ctx, "replica.Flush")
	err := c.flusher.Flush(ctx)
	endSpan(span, err)
	return err
}

// CacheLen returns the number of cached entries.
func (c *Client) CacheLen() int {
	return c.cache.Len()
}

// PurgeCache drops every cached read and returns how many were dropped.
func (c *Client) PurgeCache() int {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.purges++
	n := c.cache.Len()
	c.cache.Purge()
	return n
}

func (c *Client) cacheGen() uint64 {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.purges
}

// cachePut caches e unless a purge ran after gen was read.
func (c *Client) cachePut(e memstore.Entry, gen uint64) bool {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.purges != gen {
		return false
	}
	c.cache.Add(cacheKey{e.Context, e.Key}, e)
	return true
}

func (c *Client) cacheGet(memCtx, key string) (memstore.Entry, bool) {
	k := cacheKey{memCtx, key}
	e, ok := c.cache.Get(k)
	if !ok {
		return memstore.Entry{}, false
	}
	if e.Expired(c.now()) {
		c.cacheMu.Lock()
		c.cache.Remove(k)
		c.cacheMu.Unlock()
		return memstore.Entry{}, false
	}
	return e, true
}

func (c *Client) purgeContext(memCtx string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.purges++
	for _, k := range c.cache.Keys() {
		if k.context == memCtx {
			c.cache.Remove(k)
		}
	}
}
