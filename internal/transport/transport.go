// Package transport carries store, retrieve, forget, clear, list and search
// calls between nodes.
//
// Peer is the per-node contract. Local serves it from this process's store,
// NATSPeer calls a remote node over NATS request/reply and NATSServer
// answers those requests. MemoryNetwork wires peers together in-process,
// with fault injection for tests.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/search"
)

// ErrUnknownPeer is returned when no route to a node exists.
var ErrUnknownPeer = errors.New("unknown peer")

// Operation names. They are the last token of the NATS subject.
const (
	OpStore    = "store"
	OpRetrieve = "retrieve"
	OpForget   = "forget"
	OpClear    = "clear"
	OpList     = "list"
	OpSearch   = "search"
)

// Peer is one node's store as seen by a caller.
type Peer interface {
	Store(ctx context.Context, req StoreRequest) error
	Retrieve(ctx context.Context, context, key string) (memstore.Entry, bool, error)
	Forget(ctx context.Context, context, key string) error
	ClearContext(ctx context.Context, context string) (int, error)
	List(ctx context.Context, context string) ([]memstore.Entry, error)
	Search(ctx context.Context, req search.Request) ([]search.Hit, error)
}

// Resolver finds the Peer for a node id.
type Resolver interface {
	Peer(nodeID string) (Peer, error)
}

// RemoteError is an error returned by the remote handler itself, as
// opposed to a failure to reach it. Retrying will not help.
type RemoteError struct {
	Node    string
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s on %s: %s", e.Op, e.Node, e.Message)
}

// StoreRequest asks a node to upsert an entry.
type StoreRequest struct {
	Context    string       `json:"context"`
	Key        string       `json:"key"`
	Value      []byte       `json:"value"`
	TTL        memstore.TTL `json:"ttl_ns"`
	Importance float64      `json:"importance"`
}

type keyRequest struct {
	Context string `json:"context"`
	Key     string `json:"key"`
}

type contextRequest struct {
	Context string `json:"context"`
}

type retrieveResponse struct {
	Entry *memstore.Entry `json:"entry,omitempty"`
	Found bool            `json:"found"`
}

type clearResponse struct {
	Removed int `json:"removed"`
}

type listResponse struct {
	Entries []memstore.Entry `json:"entries"`
}

type searchResponse struct {
	Hits []search.Hit `json:"hits"`
}
