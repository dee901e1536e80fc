// Package node assembles one cluster member: its local store and eviction
// sweep, snapshot persistence, membership view, inter-node transport,
// search engine and the replicated client callers use.
//
// A Node is an explicit handle. Several nodes can live in one process,
// which is how the tests run multi-node clusters over a MemoryNetwork.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/cluster"
	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/replica"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/snapshot"
	"github.com/fyrsmithlabs/recalld/internal/transport"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Node is one running cluster member.
type Node struct {
	id     string
	cfg    *config.Config
	logger *zap.Logger
	log    *logging.Logger

	store      *memstore.Store
	sweeper    *memstore.Sweeper
	persister  snapshot.Persister
	snapshots  *snapshot.Manager
	provider   cluster.Provider
	membership *cluster.Membership
	engine     *search.Engine
	embedder   search.Embedder
	local      *transport.Local
	client     *replica.Client
	registry   *prometheus.Registry

	network    *transport.MemoryNetwork
	natsConn   *nats.Conn
	ownsNATS   bool
	natsServer *transport.NATSServer

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	unsubscribe func()
	watchDone   chan struct{}
}

// New builds a node from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	id := cfg.Node.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := o.logger.With(zap.String("node_id", id))

	n := &Node{id: id, cfg: cfg, logger: logger, log: logging.Wrap(o.logger), network: o.network}
	ok := false
	defer func() {
		if !ok {
			n.closeResources()
		}
	}()

	n.store = memstore.New(memstore.Options{
		Now:                     o.now,
		HighImportanceThreshold: memstore.Threshold(cfg.Store.HighImportanceThreshold),
		ExtensionFactor:         cfg.Store.ExtensionFactor,
		Logger:                  logger.Named("store"),
	})
	n.sweeper = memstore.NewSweeper(n.store, cfg.Store.SweepInterval(), logger.Named("sweeper"))

	persister, err := newPersister(cfg, id, o.persister, logger)
	if err != nil {
		return nil, err
	}
	n.persister = persister
	n.snapshots = snapshot.NewManager(n.store, persister, snapshot.ManagerOptions{
		Node:     id,
		Interval: cfg.Snapshot.Interval(),
		Logger:   logger.Named("snapshot"),
	})

	if err := n.buildSearch(); err != nil {
		return nil, err
	}
	n.local = transport.NewLocal(n.store, n.engine)

	provider, err := newProvider(cfg, o.provider, logger)
	if err != nil {
		return nil, err
	}
	n.provider = provider
	n.membership = cluster.NewMembership(cluster.MembershipOptions{
		Self:     cluster.Member{ID: id, Addr: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))},
		Provider: provider,
		Interval: cfg.Cluster.MembershipRefresh(),
		Now:      o.now,
		Logger:   logger.Named("membership"),
	})

	resolver, err := n.buildTransport(o)
	if err != nil {
		return nil, err
	}

	defaultTTL := memstore.TTL(cfg.Store.DefaultTTL.Duration())
	defaultImportance := cfg.Store.DefaultImportance
	n.client, err = replica.New(replica.Options{
		Self:              id,
		Local:             n.local,
		Peers:             resolver,
		Ring:              n.membership,
		ReplicaCount:      cfg.Cluster.ReplicaCount,
		RetryAttempts:     cfg.Transport.RetryAttempts,
		RetryDelay:        cfg.Transport.RetryDelay(),
		RPCTimeout:        cfg.Transport.RPCTimeout(),
		CacheSize:         cfg.Cache.Size,
		DefaultTTL:        &defaultTTL,
		DefaultImportance: &defaultImportance,
		SearchMode:        search.Mode(cfg.Search.Mode),
		Weights:           search.Weights{Semantic: cfg.Search.SemanticWeight, Lexical: cfg.Search.LexicalWeight},
		Flusher:           n.snapshots,
		Now:               o.now,
		Logger:            logger.Named("replica"),
		TracerProvider:    o.tracerProvider,
		MeterProvider:     o.meterProvider,
	})
	if err != nil {
		return nil, err
	}

	n.registry, err = n.buildRegistry()
	if err != nil {
		return nil, err
	}

	ok = true
	return n, nil
}

func newPersister(cfg *config.Config, id string, override snapshot.Persister, logger *zap.Logger) (snapshot.Persister, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.Snapshot.Backend {
	case "file":
		return snapshot.NewFileStore(cfg.Snapshot.Path, logger.Named("snapshot"))
	case "redis":
		logger.Info("using redis snapshot backend",
			logging.Secret("redis_url", cfg.Snapshot.RedisURL),
			zap.String("key", cfg.Snapshot.RedisKey+":"+id))
		return snapshot.NewRedisStore(snapshot.RedisOptions{
			URL: cfg.Snapshot.RedisURL.Value(),
			Key: cfg.Snapshot.RedisKey + ":" + id,
		}, logger.Named("snapshot"))
	default:
		return snapshot.NopStore{}, nil
	}
}

func newProvider(cfg *config.Config, override cluster.Provider, logger *zap.Logger) (cluster.Provider, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.Cluster.Provider {
	case "file":
		return cluster.NewFileProvider(cfg.Cluster.PeersFile, logger.Named("peers"))
	case "etcd":
		logger.Info("using etcd membership",
			zap.Strings("endpoints", cfg.Cluster.EtcdEndpoints),
			zap.String("username", cfg.Cluster.EtcdUsername),
			logging.Secret("etcd_password", cfg.Cluster.EtcdPassword))
		return cluster.NewEtcdProvider(cluster.EtcdOptions{
			Endpoints:   cfg.Cluster.EtcdEndpoints,
			Namespace:   cfg.Cluster.EtcdNamespace,
			Username:    cfg.Cluster.EtcdUsername,
			Password:    cfg.Cluster.EtcdPassword.Value(),
			LeaseTTL:    cfg.Cluster.EtcdLeaseTTL.Duration(),
			DialTimeout: cfg.Cluster.EtcdDialTimeout.Duration(),
		}, logger.Named("etcd"))
	default:
		return cluster.NewStaticProvider(cfg.Cluster.Peers)
	}
}

func (n *Node) buildSearch() error {
	lexical, err := search.NewLexicalScorer(n.cfg.Search.Lexical)
	if err != nil {
		return err
	}
	switch n.cfg.Search.Embedder {
	case "fastembed":
		fe, err := search.NewFastEmbedder(search.FastEmbedConfig{
			Model:    n.cfg.Search.EmbedderModel,
			CacheDir: n.cfg.Search.EmbedderCache,
		})
		if err != nil {
			return fmt.Errorf("creating fastembed embedder: %w", err)
		}
		n.embedder = fe
	default:
		n.embedder = search.NewHashEmbedder(n.cfg.Search.Dimensions)
	}
	n.engine, err = search.NewEngine(search.EngineOptions{
		Mode:     search.Mode(n.cfg.Search.Mode),
		Lexical:  lexical,
		Embedder: n.embedder,
		Logger:   n.logger.Named("search"),
	})
	return err
}

// buildTransport picks how this node reaches its peers: an in-process
// network, a NATS connection, or nothing for a standalone node.
func (n *Node) buildTransport(o options) (transport.Resolver, error) {
	switch {
	case o.network != nil:
		return o.network, nil
	case o.natsConn != nil:
		n.natsConn = o.natsConn
	case n.cfg.Transport.NATSURL != "":
		nc, err := transport.Connect(n.cfg.Transport.NATSURL, "recalld-"+n.id, n.logger.Named("nats"))
		if err != nil {
			return nil, err
		}
		n.natsConn = nc
		n.ownsNATS = true
	default:
		if len(n.cfg.Cluster.Peers) > 0 || n.cfg.Cluster.Provider != "static" {
			n.logger.Warn("no transport configured, remote members are unreachable")
		}
		return nil, nil
	}
	prefix := n.cfg.Transport.SubjectPrefix
	n.natsServer = transport.NewNATSServer(n.natsConn, prefix, n.id, n.local, n.logger.Named("nats"))
	return transport.NewNATSResolver(n.natsConn, prefix, n.cfg.Transport.RPCTimeout()), nil
}

func (n *Node) buildRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"node_id": n.id}
	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		memstore.NewCollector(n.store, labels),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "recalld",
			Subsystem:   "cluster",
			Name:        "members",
			Help:        "Members in the current membership view.",
			ConstLabels: labels,
		}, func() float64 { return float64(n.membership.Ring().Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "recalld",
			Subsystem:   "cluster",
			Name:        "membership_refresh_failures_total",
			Help:        "Membership refreshes that failed and kept the previous view.",
			ConstLabels: labels,
		}, func() float64 { return float64(n.membership.Stats().Failures) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "recalld",
			Subsystem:   "replica",
			Name:        "cache_entries",
			Help:        "Entries in the read cache.",
			ConstLabels: labels,
		}, func() float64 { return float64(n.client.CacheLen()) }),
	}
	cs = append(cs, n.snapshots.Collectors()...)
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return reg, nil
}

// Start restores the snapshot, joins the cluster and starts the background
// loops. The loops run until Stop; ctx only bounds startup.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}
	ctx = logging.WithNodeID(ctx, n.id)

	restored := n.snapshots.Restore(ctx)

	if n.network != nil {
		n.network.Register(n.id, n.local)
	}
	if n.natsServer != nil {
		if err := n.natsServer.Start(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel

	switch p := n.provider.(type) {
	case *cluster.EtcdProvider:
		if err := p.Register(ctx, n.membership.Self()); err != nil {
			cancel()
			return fmt.Errorf("registering with etcd: %w", err)
		}
	case *cluster.FileProvider:
		if err := p.Watch(runCtx); err != nil {
			n.log.Warn(ctx, "peers file will not be reloaded", zap.Error(err))
		}
	}

	if err := n.membership.Refresh(ctx); err != nil {
		n.log.Warn(ctx, "initial membership refresh failed, starting alone", zap.Error(err))
	}

	events, unsubscribe := n.membership.Subscribe(0)
	n.unsubscribe = unsubscribe
	n.watchDone = make(chan struct{})
	go n.watchMembership(runCtx, events)

	n.sweeper.Start(runCtx)
	n.snapshots.Start(runCtx)
	n.membership.Start(runCtx)
	n.started = true

	n.log.Info(ctx, "node started",
		zap.Int("restored", restored),
		zap.Strings("members", n.membership.Ring().Nodes()))
	return nil
}

// Stop halts the background loops, writes a final snapshot and releases
// every resource. A Node cannot be restarted.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	if n.started {
		n.membership.Stop()
		n.unsubscribe()
		<-n.watchDone
		n.sweeper.Stop()
		if err := n.snapshots.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final snapshot: %w", err))
		}
		n.cancel()
		n.started = false
	}
	if err := n.closeResources(); err != nil {
		errs = append(errs, err)
	}
	n.logger.Info("node stopped")
	return errors.Join(errs...)
}

// watchMembership logs view changes until events is closed. A departed
// member changes placement, so cached reads may no longer match the new
// primaries and are dropped.
func (n *Node) watchMembership(ctx context.Context, events <-chan cluster.Event) {
	defer close(n.watchDone)
	for ev := range events {
		switch ev.Type {
		case cluster.EventJoined:
			n.log.Info(ctx, "member joined", zap.String("member", ev.NodeID))
		case cluster.EventLeft:
			dropped := n.client.PurgeCache()
			n.log.Warn(ctx, "member left, read cache dropped",
				zap.String("member", ev.NodeID), zap.Int("dropped", dropped))
		}
	}
}

func (n *Node) closeResources() error {
	var errs []error
	if n.network != nil {
		n.network.Unregister(n.id)
	}
	if n.natsServer != nil {
		if err := n.natsServer.Close(); err != nil {
			errs = append(errs, err)
		}
		n.natsServer = nil
	}
	if n.ownsNATS && n.natsConn != nil {
		n.natsConn.Close()
		n.natsConn = nil
	}
	if c, ok := n.provider.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing membership provider: %w", err))
		}
		n.provider = nil
	}
	if n.persister != nil {
		if err := n.persister.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing snapshot backend: %w", err))
		}
		n.persister = nil
	}
	if c, ok := n.embedder.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		n.embedder = nil
	}
	return errors.Join(errs...)
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Client returns the replicated client.
func (n *Node) Client() *replica.Client { return n.client }

// Store returns the node-local store.
func (n *Node) Store() *memstore.Store { return n.store }

// Membership returns the membership view.
func (n *Node) Membership() *cluster.Membership { return n.membership }

// Members returns the current members sorted by id.
func (n *Node) Members() []cluster.Member { return n.membership.Members() }

// Registry returns the node's Prometheus registry.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Stats is a point-in-time summary of the node.
type Stats struct {
	NodeID        string                  `json:"node_id"`
	Store         memstore.Stats          `json:"store"`
	Membership    cluster.MembershipStats `json:"membership"`
	CacheEntries  int                     `json:"cache_entries"`
	SnapshotDirty bool                    `json:"snapshot_dirty"`
	LastSnapshot  time.Time               `json:"last_snapshot,omitempty"`
}

// Stats returns current node statistics.
func (n *Node) Stats() Stats {
	return Stats{
		NodeID:        n.id,
		Store:         n.store.Stats(),
		Membership:    n.membership.Stats(),
		CacheEntries:  n.client.CacheLen(),
		SnapshotDirty: n.snapshots.Dirty(),
		LastSnapshot:  n.snapshots.LastSave(),
	}
}

// Placement returns the nodes that hold (context, key), primary first.
func (n *Node) Placement(context, key string) []string {
	return n.client.Placement(context, key)
}
