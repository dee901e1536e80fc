package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/recalld/internal/cluster"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/replica"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type soloRing struct{ ring *cluster.Ring }

func (r soloRing) Ring() *cluster.Ring { return r.ring }

// fakeMemory is a one-node replicated client with injectable failures.
type fakeMemory struct {
	*replica.Client
	store     *memstore.Store
	flushes   int
	failStore error
	failClear error
	partial   *replica.ReplicationError
}

func newFakeMemory(t *testing.T) *fakeMemory {
	t.Helper()
	store := memstore.New(memstore.Options{Logger: zaptest.NewLogger(t)})
	engine, err := search.NewEngine(search.EngineOptions{})
	require.NoError(t, err)
	client, err := replica.New(replica.Options{
		Self:   "solo",
		Local:  transport.NewLocal(store, engine),
		Ring:   soloRing{cluster.NewRing([]string{"solo"})},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return &fakeMemory{Client: client, store: store}
}

func (f *fakeMemory) Store(ctx context.Context, memCtx, key string, value []byte, opts ...replica.StoreOption) error {
	if f.failStore != nil {
		return f.failStore
	}
	return f.Client.Store(ctx, memCtx, key, value, opts...)
}

func (f *fakeMemory) ClearContext(ctx context.Context, memCtx string) error {
	if f.failClear != nil {
		return f.failClear
	}
	return f.Client.ClearContext(ctx, memCtx)
}

func (f *fakeMemory) ListContext(ctx context.Context, memCtx string) ([]memstore.Entry, error) {
	entries, err := f.Client.ListContext(ctx, memCtx)
	if err == nil && f.partial != nil {
		return entries, f.partial
	}
	return entries, err
}

func (f *fakeMemory) Flush(ctx context.Context) error {
	f.flushes++
	return f.Client.Flush(ctx)
}

func connect(t *testing.T, memory Memory) *mcp.ClientSession {
	t.Helper()
	return connectWithLogger(t, memory, zaptest.NewLogger(t))
}

func connectWithLogger(t *testing.T, memory Memory, logger *zap.Logger) *mcp.ClientSession {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = logger
	server, err := NewServer(cfg, memory)
	require.NoError(t, err)

	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := server.MCP().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call[T any](t *testing.T, cs *mcp.ClientSession, tool string, args map[string]any) (T, *mcp.CallToolResult) {
	t.Helper()
	var out T
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: tool, Arguments: args})
	require.NoError(t, err)
	if res.StructuredContent == nil {
		return out, res
	}
	data, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	return out, res
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.ErrorContains(t, err, "memory client is required")

	s, err := NewServer(nil, newFakeMemory(t))
	require.NoError(t, err)
	assert.NotNil(t, s.MCP())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "recalld", cfg.Name)
	assert.NotNil(t, cfg.Logger)
}

func TestTools_Listed(t *testing.T) {
	cs := connect(t, newFakeMemory(t))
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"memory_store", "memory_retrieve", "memory_forget", "memory_clear_context",
		"memory_list", "memory_search", "memory_flush",
	}, names)
}

func TestTools_StoreRetrieveForget(t *testing.T) {
	mem := newFakeMemory(t)
	cs := connect(t, mem)

	stored, _ := call[storeOutput](t, cs, "memory_store", map[string]any{
		"context": "goals", "key": "ship", "value": "release friday", "ttl": "infinite", "importance": 0.9,
	})
	assert.True(t, stored.Stored)
	e, ok := mem.store.Get("goals", "ship")
	require.True(t, ok)
	assert.Equal(t, memstore.Infinite, e.TTL)
	assert.Equal(t, 0.9, e.Importance)

	got, _ := call[retrieveOutput](t, cs, "memory_retrieve", map[string]any{"context": "goals", "key": "ship"})
	assert.True(t, got.Found)
	assert.Equal(t, "release friday", got.Value)

	forgot, _ := call[forgetOutput](t, cs, "memory_forget", map[string]any{"context": "goals", "key": "ship"})
	assert.True(t, forgot.Forgotten)

	got, _ = call[retrieveOutput](t, cs, "memory_retrieve", map[string]any{"context": "goals", "key": "ship"})
	assert.False(t, got.Found)
}

func TestTools_StoreValidation(t *testing.T) {
	cs := connect(t, newFakeMemory(t))

	_, res := call[storeOutput](t, cs, "memory_store", map[string]any{"context": "", "key": "k", "value": "v"})
	assert.True(t, res.IsError)

	_, res = call[storeOutput](t, cs, "memory_store", map[string]any{"context": "c", "key": "k", "value": "v", "ttl": "soon"})
	assert.True(t, res.IsError)

	_, res = call[storeOutput](t, cs, "memory_store", map[string]any{"context": "c", "key": "k", "value": "v", "ttl": "-1s"})
	assert.True(t, res.IsError)

	_, res = call[storeOutput](t, cs, "memory_store", map[string]any{"context": "c", "key": "k", "value": "v", "importance": 2})
	assert.True(t, res.IsError)
}

func TestTools_StoreFailureIsToolError(t *testing.T) {
	mem := newFakeMemory(t)
	mem.failStore = &replica.ReplicationError{
		Op: "store", Failed: []string{"node-b"}, Succeeded: []string{"node-a"},
		Causes: map[string]error{"node-b": errors.New("link down")},
	}
	cs := connect(t, mem)

	out, res := call[storeOutput](t, cs, "memory_store", map[string]any{"context": "c", "key": "k", "value": "v"})
	require.True(t, res.IsError)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "node-b")
	assert.False(t, out.Stored)
	assert.Equal(t, []string{"node-b"}, out.Failed)
}

func TestTools_PlainStoreFailureHasNoFailedNodes(t *testing.T) {
	mem := newFakeMemory(t)
	mem.failStore = errors.New("no members")
	cs := connect(t, mem)

	out, res := call[storeOutput](t, cs, "memory_store", map[string]any{"context": "c", "key": "k", "value": "v"})
	require.True(t, res.IsError)
	assert.Empty(t, out.Failed)
}

func TestTools_ClearFailureNamesNodes(t *testing.T) {
	mem := newFakeMemory(t)
	mem.failClear = &replica.ReplicationError{
		Op: "clear_context", Failed: []string{"node-c"}, Succeeded: []string{"node-a", "node-b"},
		Causes: map[string]error{"node-c": errors.New("timeout")},
	}
	cs := connect(t, mem)

	out, res := call[clearOutput](t, cs, "memory_clear_context", map[string]any{"context": "c"})
	require.True(t, res.IsError)
	assert.False(t, out.Cleared)
	assert.Equal(t, []string{"node-c"}, out.Failed)
}

func TestTools_StoreZeroTTL(t *testing.T) {
	mem := newFakeMemory(t)
	cs := connect(t, mem)

	out, res := call[storeOutput](t, cs, "memory_store", map[string]any{"context": "c", "key": "k", "value": "v", "ttl": "0s"})
	require.False(t, res.IsError)
	assert.True(t, out.Stored)
}

func TestTools_LogsCarryMemoryContext(t *testing.T) {
	tl := logging.NewTestLogger()
	mem := newFakeMemory(t)
	mem.failStore = errors.New("no members")
	cs := connectWithLogger(t, mem, tl.Underlying())

	_, res := call[storeOutput](t, cs, "memory_store", map[string]any{"context": "goals", "key": "k", "value": "v"})
	require.True(t, res.IsError)

	tl.AssertField(t, "tool invoked", "memory.context", "goals")
	tl.AssertField(t, "tool failed", "memory.context", "goals")
	tl.AssertField(t, "tool failed", "tool", "memory_store")
}

func TestTools_ListReportsPartialResults(t *testing.T) {
	mem := newFakeMemory(t)
	cs := connect(t, mem)
	call[storeOutput](t, cs, "memory_store", map[string]any{"context": "c", "key": "a", "value": "1"})
	call[storeOutput](t, cs, "memory_store", map[string]any{"context": "c", "key": "b", "value": "2"})

	list, _ := call[listOutput](t, cs, "memory_list", map[string]any{"context": "c"})
	assert.Len(t, list.Entries, 2)
	assert.Empty(t, list.Failed)

	mem.partial = &replica.ReplicationError{Op: "list_context", Failed: []string{"node-c"}, Succeeded: []string{"node-a"}}
	list, res := call[listOutput](t, cs, "memory_list", map[string]any{"context": "c"})
	assert.False(t, res.IsError)
	assert.Len(t, list.Entries, 2)
	assert.Equal(t, []string{"node-c"}, list.Failed)
}

func TestTools_ClearContext(t *testing.T) {
	mem := newFakeMemory(t)
	cs := connect(t, mem)
	call[storeOutput](t, cs, "memory_store", map[string]any{"context": "c", "key": "a", "value": "1"})

	out, _ := call[clearOutput](t, cs, "memory_clear_context", map[string]any{"context": "c"})
	assert.True(t, out.Cleared)
	assert.Zero(t, mem.store.Len())
}

func TestTools_Search(t *testing.T) {
	cs := connect(t, newFakeMemory(t))
	call[storeOutput](t, cs, "memory_store", map[string]any{"context": "ops", "key": "deploy", "value": "deploy the release"})
	call[storeOutput](t, cs, "memory_store", map[string]any{"context": "ops", "key": "lunch", "value": "sandwich"})

	out, _ := call[searchOutput](t, cs, "memory_search", map[string]any{"query": "release", "threshold": 0.1})
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "deploy", out.Results[0].Key)

	_, res := call[searchOutput](t, cs, "memory_search", map[string]any{"query": " "})
	assert.True(t, res.IsError)

	_, res = call[searchOutput](t, cs, "memory_search", map[string]any{"query": "x", "mode": "telepathic"})
	assert.True(t, res.IsError)
}

func TestTools_Flush(t *testing.T) {
	mem := newFakeMemory(t)
	cs := connect(t, mem)

	out, _ := call[flushOutput](t, cs, "memory_flush", map[string]any{})
	assert.True(t, out.Flushed)
	assert.Equal(t, 1, mem.flushes)
}
