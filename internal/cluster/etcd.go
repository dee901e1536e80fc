package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdOptions configures an EtcdProvider.
type EtcdOptions struct {
	Endpoints []string
	Namespace string
	Username  string
	Password  string

	// LeaseTTL is how long a registration survives without keepalive.
	// Default 10s.
	LeaseTTL time.Duration

	// DialTimeout bounds connection setup. Default 5s.
	DialTimeout time.Duration
}

// EtcdProvider discovers members under /<namespace>/members/ in etcd.
// Each node registers itself with a lease kept alive in the background, so
// a crashed node drops out once the lease expires.
type EtcdProvider struct {
	client    *clientv3.Client
	namespace string
	leaseTTL  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewEtcdProvider connects to etcd.
func NewEtcdProvider(opts EtcdOptions, logger *zap.Logger) (*EtcdProvider, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints cannot be empty")
	}
	if opts.Namespace == "" {
		opts.Namespace = "recalld"
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if _, err := cli.Get(ctx, "health-check"); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	return &EtcdProvider{
		client:    cli,
		namespace: strings.Trim(opts.Namespace, "/"),
		leaseTTL:  opts.LeaseTTL,
		logger:    logger,
	}, nil
}

func (p *EtcdProvider) prefix() string {
	return "/" + p.namespace + "/members/"
}

func (p *EtcdProvider) memberKey(id string) string {
	return p.prefix() + id
}

// Register publishes self under a fresh lease and keeps it alive until
// Close. Registering again replaces the previous lease.
func (p *EtcdProvider) Register(ctx context.Context, self Member) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("etcd provider is closed")
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}

	ttl := int64(p.leaseTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	lease, err := p.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	data, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}
	if _, err := p.client.Put(ctx, p.memberKey(self.ID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register member: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := p.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	p.leaseID = lease.ID
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for range ch {
		}
		if kaCtx.Err() == nil {
			p.logger.Warn("etcd lease keepalive ended; this node will drop out of membership",
				zap.String("node_id", self.ID))
		}
	}()

	p.logger.Info("registered with etcd", zap.String("key", p.memberKey(self.ID)), zap.Int64("lease_ttl_s", ttl))
	return nil
}

// Members lists registered members. Entries that fail to decode are skipped.
func (p *EtcdProvider) Members(ctx context.Context) ([]Member, error) {
	resp, err := p.client.Get(ctx, p.prefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	members := make([]Member, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var m Member
		if err := json.Unmarshal(kv.Value, &m); err != nil || m.ID == "" {
			p.logger.Debug("skipping invalid member record", zap.ByteString("key", kv.Key))
			continue
		}
		members = append(members, m)
	}
	return members, nil
}

// Close revokes the registration and closes the client.
func (p *EtcdProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, leaseID := p.cancel, p.leaseID
	p.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
		if _, err := p.client.Revoke(ctx, leaseID); err != nil {
			errs = append(errs, fmt.Errorf("failed to revoke lease: %w", err))
		}
		done()
	}
	p.wg.Wait()
	if err := p.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
