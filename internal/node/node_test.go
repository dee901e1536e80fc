package node

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/cluster"
	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/replica"
	"github.com/fyrsmithlabs/recalld/internal/transport"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T, id string, peers ...string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Cluster.Peers = peers
	cfg.Snapshot.Backend = "file"
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), id+".snapshot.json")
	cfg.Transport.RetryDelayMS = 1
	cfg.Transport.RPCTimeoutMS = 1000
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	n, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n
}

func startCluster(t *testing.T, ids ...string) (*transport.MemoryNetwork, []*Node) {
	t.Helper()
	net := transport.NewMemoryNetwork()
	nodes := make([]*Node, len(ids))
	for i, id := range ids {
		nodes[i] = startNode(t, testConfig(t, id, ids...), WithNetwork(net))
	}
	return net, nodes
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cluster.ReplicaCount = 0
	_, err := New(cfg)
	assert.ErrorContains(t, err, "replica_count")
}

func TestNew_GeneratesID(t *testing.T) {
	cfg := testConfig(t, "")
	n, err := New(cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	assert.Len(t, n.ID(), 36)
	assert.Equal(t, n.ID(), n.Stats().NodeID)
}

func TestNode_ClusterRoundTrip(t *testing.T) {
	_, nodes := startCluster(t, "n1", "n2", "n3")
	ctx := context.Background()

	for _, n := range nodes {
		assert.Len(t, n.Members(), 3)
	}

	require.NoError(t, nodes[0].Client().Store(ctx, "goals", "ship", []byte("release v2 friday"),
		replica.WithTTL(memstore.Infinite), replica.WithImportance(0.9)))

	v, ok, err := nodes[2].Client().Retrieve(ctx, "goals", "ship")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("release v2 friday"), v)

	held := 0
	for _, n := range nodes {
		if _, ok := n.Store().Get("goals", "ship"); ok {
			held++
		}
	}
	assert.Equal(t, 2, held, "default replica count")

	results, err := nodes[1].Client().Search(ctx, "release", 0, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ship", results[0].Key)

	entries, err := nodes[1].Client().ListContext(ctx, "goals")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNode_StoppedMemberIsReportedAsFailed(t *testing.T) {
	_, nodes := startCluster(t, "n1", "n2", "n3")
	ctx := context.Background()

	require.NoError(t, nodes[2].Stop(ctx))

	_, err := nodes[0].Client().ListContext(ctx, "anything")
	var re *replica.ReplicationError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, []string{"n3"}, re.Failed)
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)
}

func TestNode_MemberLeftDropsReadCache(t *testing.T) {
	var mu sync.Mutex
	members := []cluster.Member{{ID: "n1"}, {ID: "n2"}}
	provider := cluster.ProviderFunc(func(context.Context) ([]cluster.Member, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]cluster.Member(nil), members...), nil
	})
	net := transport.NewMemoryNetwork()
	tl := logging.NewTestLogger()
	n1 := startNode(t, testConfig(t, "n1"), WithNetwork(net), WithProvider(provider), WithLogger(tl.Underlying()))
	startNode(t, testConfig(t, "n2"), WithNetwork(net), WithProvider(provider))
	ctx := context.Background()

	require.NoError(t, n1.Client().Store(ctx, "c", "k", []byte("v")))
	require.Equal(t, 1, n1.Client().CacheLen())

	mu.Lock()
	members = members[:1]
	mu.Unlock()
	require.NoError(t, n1.Membership().Refresh(ctx))

	assert.Eventually(t, func() bool {
		return tl.FilterMessage("member left, read cache dropped").Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, n1.Client().CacheLen())
	tl.AssertField(t, "member left, read cache dropped", "member", "n2")
	tl.AssertField(t, "member left, read cache dropped", "node.id", "n1")
	tl.AssertField(t, "node started", "node.id", "n1")
}

func TestNode_RestartRestoresSnapshot(t *testing.T) {
	cfg := testConfig(t, "solo")
	ctx := context.Background()

	n, err := New(cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))

	require.NoError(t, n.Client().Store(ctx, "conversation", "greeting", []byte("hello"), replica.WithTTL(memstore.Infinite)))
	require.NoError(t, n.Client().Store(ctx, "conversation", "short", []byte("bye"), replica.WithTTL(memstore.TTL(time.Hour))))
	require.NoError(t, n.Stop(ctx))

	restarted := startNode(t, cfg)
	e, ok := restarted.Store().Get("conversation", "greeting")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), e.Value)
	assert.Equal(t, 2, restarted.Store().Len())
	assert.False(t, restarted.Stats().SnapshotDirty)
}

func TestNode_FlushWritesSnapshot(t *testing.T) {
	n := startNode(t, testConfig(t, "solo"))
	ctx := context.Background()

	require.NoError(t, n.Client().Store(ctx, "c", "k", []byte("v")))
	assert.True(t, n.Stats().SnapshotDirty)

	require.NoError(t, n.Client().Flush(ctx))
	st := n.Stats()
	assert.False(t, st.SnapshotDirty)
	assert.False(t, st.LastSnapshot.IsZero())
	assert.Equal(t, 1, st.Store.Entries)
	assert.Equal(t, 1, st.CacheEntries)
}

func TestNode_StartTwice(t *testing.T) {
	n := startNode(t, testConfig(t, "solo"))
	assert.Error(t, n.Start(context.Background()))
}

func TestNode_Registry(t *testing.T) {
	n := startNode(t, testConfig(t, "solo"))
	require.NoError(t, n.Client().Store(context.Background(), "c", "k", []byte("v")))

	families, err := n.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"recalld_store_entries",
		"recalld_cluster_members",
		"recalld_replica_cache_entries",
		"recalld_snapshot_saves_total",
	} {
		assert.True(t, names[want], want)
	}
}

func TestNode_NATSTransport(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ids := []string{"n1", "n2"}
	var nodes []*Node
	for _, id := range ids {
		cfg := testConfig(t, id, ids...)
		cfg.Transport.SubjectPrefix = "recalld.nodetest"
		nodes = append(nodes, startNode(t, cfg, WithNATSConn(nc)))
	}
	ctx := context.Background()

	require.NoError(t, nodes[0].Client().Store(ctx, "c", "k", []byte("over nats")))
	for _, n := range nodes {
		e, ok := n.Store().Get("c", "k")
		require.True(t, ok, n.ID())
		assert.Equal(t, []byte("over nats"), e.Value)
	}

	v, ok, err := nodes[1].Client().Retrieve(ctx, "c", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("over nats"), v)
}
