package transport

import (
	"context"

	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/search"
)

// Local serves Peer calls from this node's store.
type Local struct {
	store  *memstore.Store
	engine *search.Engine
}

// NewLocal returns a Peer backed by store. Search uses engine.
func NewLocal(store *memstore.Store, engine *search.Engine) *Local {
	return &Local{store: store, engine: engine}
}

// Store implements Peer.
func (l *Local) Store(ctx context.Context, req StoreRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := l.store.Put(req.Context, req.Key, req.Value, req.TTL, req.Importance)
	return err
}

// Retrieve implements Peer.
func (l *Local) Retrieve(ctx context.Context, context, key string) (memstore.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return memstore.Entry{}, false, err
	}
	e, ok := l.store.Get(context, key)
	return e, ok, nil
}

// Forget implements Peer.
func (l *Local) Forget(ctx context.Context, context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.store.Forget(context, key)
	return nil
}

// ClearContext implements Peer.
func (l *Local) ClearContext(ctx context.Context, context string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.store.ClearContext(context), nil
}

// List implements Peer.
func (l *Local) List(ctx context.Context, context string) ([]memstore.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.store.List(context), nil
}

// Search implements Peer.
func (l *Local) Search(ctx context.Context, req search.Request) ([]search.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.engine.Local(ctx, l.store.Live(), req)
}
