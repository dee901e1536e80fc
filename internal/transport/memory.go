package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/search"
)

// ErrInjectedFault is the default error for MemoryNetwork.Fail.
var ErrInjectedFault = errors.New("injected transport fault")

type fault struct {
	err       error
	remaining int // calls left to fail; <0 means until healed
	delay     time.Duration
}

// MemoryNetwork routes Peer calls between nodes in one process. Handler
// errors surface as *RemoteError, the same as over NATS.
type MemoryNetwork struct {
	mu     sync.Mutex
	peers  map[string]Peer
	faults map[string]*fault
	calls  map[string]int
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		peers:  make(map[string]Peer),
		faults: make(map[string]*fault),
		calls:  make(map[string]int),
	}
}

// Register attaches a node's handler.
func (n *MemoryNetwork) Register(nodeID string, handler Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[nodeID] = handler
}

// Unregister detaches a node. Calls to it fail with ErrUnknownPeer.
func (n *MemoryNetwork) Unregister(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, nodeID)
}

// Fail makes every call to nodeID fail with err until Heal.
func (n *MemoryNetwork) Fail(nodeID string, err error) {
	n.FailN(nodeID, -1, err)
}

// FailN makes the next count calls to nodeID fail with err.
func (n *MemoryNetwork) FailN(nodeID string, count int, err error) {
	if err == nil {
		err = ErrInjectedFault
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults[nodeID] = &fault{err: err, remaining: count}
}

// Delay makes calls to nodeID wait d before being served, or until the
// caller's context is done.
func (n *MemoryNetwork) Delay(nodeID string, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults[nodeID] = &fault{delay: d}
}

// Heal clears faults for nodeID.
func (n *MemoryNetwork) Heal(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.faults, nodeID)
}

// Calls returns how many calls were addressed to nodeID.
func (n *MemoryNetwork) Calls(nodeID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[nodeID]
}

// Peer implements Resolver.
func (n *MemoryNetwork) Peer(nodeID string) (Peer, error) {
	return &memoryPeer{net: n, nodeID: nodeID}, nil
}

// enter records a call and applies any fault.
func (n *MemoryNetwork) enter(ctx context.Context, nodeID string) (Peer, error) {
	n.mu.Lock()
	n.calls[nodeID]++
	handler, ok := n.peers[nodeID]
	var delay time.Duration
	var injected error
	if f, hasFault := n.faults[nodeID]; hasFault {
		delay = f.delay
		if f.err != nil && f.remaining != 0 {
			injected = f.err
			if f.remaining > 0 {
				f.remaining--
			}
		}
	}
	n.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if injected != nil {
		return nil, injected
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}
	return handler, nil
}

type memoryPeer struct {
	net    *MemoryNetwork
	nodeID string
}

func (p *memoryPeer) remote(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Node: p.nodeID, Op: op, Message: err.Error()}
}

func (p *memoryPeer) Store(ctx context.Context, req StoreRequest) error {
	h, err := p.net.enter(ctx, p.nodeID)
	if err != nil {
		return err
	}
	req.Value = append([]byte(nil), req.Value...)
	return p.remote(OpStore, h.Store(ctx, req))
}

func (p *memoryPeer) Retrieve(ctx context.Context, context, key string) (memstore.Entry, bool, error) {
	h, err := p.net.enter(ctx, p.nodeID)
	if err != nil {
		return memstore.Entry{}, false, err
	}
	e, ok, err := h.Retrieve(ctx, context, key)
	if err != nil {
		return memstore.Entry{}, false, p.remote(OpRetrieve, err)
	}
	return e, ok, nil
}

func (p *memoryPeer) Forget(ctx context.Context, context, key string) error {
	h, err := p.net.enter(ctx, p.nodeID)
	if err != nil {
		return err
	}
	return p.remote(OpForget, h.Forget(ctx, context, key))
}

func (p *memoryPeer) ClearContext(ctx context.Context, context string) (int, error) {
	h, err := p.net.enter(ctx, p.nodeID)
	if err != nil {
		return 0, err
	}
	n, err := h.ClearContext(ctx, context)
	return n, p.remote(OpClear, err)
}

func (p *memoryPeer) List(ctx context.Context, context string) ([]memstore.Entry, error) {
	h, err := p.net.enter(ctx, p.nodeID)
	if err != nil {
		return nil, err
	}
	entries, err := h.List(ctx, context)
	return entries, p.remote(OpList, err)
}

func (p *memoryPeer) Search(ctx context.Context, req search.Request) ([]search.Hit, error) {
	h, err := p.net.enter(ctx, p.nodeID)
	if err != nil {
		return nil, err
	}
	hits, err := h.Search(ctx, req)
	return hits, p.remote(OpSearch, err)
}
