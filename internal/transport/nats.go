package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// TimeoutHeader carries the caller's remaining deadline in milliseconds.
const TimeoutHeader = "Recalld-Timeout-Ms"

// envelope wraps every reply.
type envelope struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subject returns the subject a node listens on for op.
func Subject(prefix, nodeID, op string) string {
	return prefix + "." + nodeID + "." + op
}

// Connect dials NATS with reconnect handling suited to a long-running node.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSServer answers requests addressed to one node by calling handler.
type NATSServer struct {
	nc      *nats.Conn
	prefix  string
	nodeID  string
	handler Peer
	logger  *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription

	// inflightMu guards closed so no request is added to wg once Close
	// has started waiting.
	inflightMu sync.Mutex
	closed     bool
	wg         sync.WaitGroup
}

// NewNATSServer creates a server for nodeID. Call Start to subscribe.
func NewNATSServer(nc *nats.Conn, prefix, nodeID string, handler Peer, logger *zap.Logger) *NATSServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSServer{nc: nc, prefix: prefix, nodeID: nodeID, handler: handler, logger: logger}
}

// Start subscribes to <prefix>.<node>.*.
func (s *NATSServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	s.inflightMu.Lock()
	s.closed = false
	s.inflightMu.Unlock()

	sub, err := s.nc.Subscribe(Subject(s.prefix, s.nodeID, "*"), func(msg *nats.Msg) {
		s.inflightMu.Lock()
		if s.closed {
			s.inflightMu.Unlock()
			return
		}
		s.wg.Add(1)
		s.inflightMu.Unlock()
		go func() {
			defer s.wg.Done()
			s.serve(msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", Subject(s.prefix, s.nodeID, "*"), err)
	}
	// Make sure the subscription is registered before peers are told we exist.
	if err := s.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("flushing subscription: %w", err)
	}
	s.sub = sub
	s.logger.Info("transport listening", zap.String("subject", sub.Subject))
	return nil
}

// Close unsubscribes and waits for in-flight requests.
func (s *NATSServer) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	s.inflightMu.Lock()
	s.closed = true
	s.inflightMu.Unlock()

	err := sub.Unsubscribe()
	s.wg.Wait()
	return err
}

func (s *NATSServer) serve(msg *nats.Msg) {
	op := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]

	ctx := context.Background()
	if ms, err := strconv.ParseInt(msg.Header.Get(TimeoutHeader), 10, 64); err == nil && ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	payload, err := s.dispatch(ctx, op, msg.Data)
	reply := envelope{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
		s.logger.Debug("request failed", zap.String("op", op), zap.Error(err))
	} else if payload != nil {
		data, merr := json.Marshal(payload)
		if merr != nil {
			reply = envelope{Error: merr.Error()}
		} else {
			reply.Payload = data
		}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("encoding reply", zap.String("op", op), zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("sending reply", zap.String("op", op), zap.Error(err))
	}
}

func (s *NATSServer) dispatch(ctx context.Context, op string, data []byte) (any, error) {
	switch op {
	case OpStore:
		var req StoreRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decoding store request: %w", err)
		}
		return nil, s.handler.Store(ctx, req)

	case OpRetrieve:
		var req keyRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decoding retrieve request: %w", err)
		}
		e, found, err := s.handler.Retrieve(ctx, req.Context, req.Key)
		if err != nil {
			return nil, err
		}
		resp := retrieveResponse{Found: found}
		if found {
			resp.Entry = &e
		}
		return resp, nil

	case OpForget:
		var req keyRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decoding forget request: %w", err)
		}
		return nil, s.handler.Forget(ctx, req.Context, req.Key)

	case OpClear:
		var req contextRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decoding clear request: %w", err)
		}
		n, err := s.handler.ClearContext(ctx, req.Context)
		if err != nil {
			return nil, err
		}
		return clearResponse{Removed: n}, nil

	case OpList:
		var req contextRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decoding list request: %w", err)
		}
		entries, err := s.handler.List(ctx, req.Context)
		if err != nil {
			return nil, err
		}
		return listResponse{Entries: entries}, nil

	case OpSearch:
		var req search.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decoding search request: %w", err)
		}
		hits, err := s.handler.Search(ctx, req)
		if err != nil {
			return nil, err
		}
		return searchResponse{Hits: hits}, nil
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

// NATSPeer calls a remote node over NATS.
type NATSPeer struct {
	nc      *nats.Conn
	prefix  string
	nodeID  string
	timeout time.Duration
}

// NewNATSPeer returns a peer for nodeID. timeout applies to calls whose
// context has no deadline.
func NewNATSPeer(nc *nats.Conn, prefix, nodeID string, timeout time.Duration) *NATSPeer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATSPeer{nc: nc, prefix: prefix, nodeID: nodeID, timeout: timeout}
}

func (p *NATSPeer) call(ctx context.Context, op string, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}
	msg := nats.NewMsg(Subject(p.prefix, p.nodeID, op))
	msg.Data = data
	msg.Header.Set(TimeoutHeader, strconv.FormatInt(time.Until(deadline).Milliseconds(), 10))

	reply, err := p.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("%s on %s: node unreachable: %w", op, p.nodeID, err)
		}
		return fmt.Errorf("%s on %s: %w", op, p.nodeID, err)
	}

	var env envelope
	if err := json.Unmarshal(reply.Data, &env); err != nil {
		return fmt.Errorf("%s on %s: decoding reply: %w", op, p.nodeID, err)
	}
	if !env.OK {
		return &RemoteError{Node: p.nodeID, Op: op, Message: env.Error}
	}
	if resp != nil && len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, resp); err != nil {
			return fmt.Errorf("%s on %s: decoding payload: %w", op, p.nodeID, err)
		}
	}
	return nil
}

// Store implements Peer.
func (p *NATSPeer) Store(ctx context.Context, req StoreRequest) error {
	return p.call(ctx, OpStore, req, nil)
}

// Retrieve implements Peer.
func (p *NATSPeer) Retrieve(ctx context.Context, context, key string) (memstore.Entry, bool, error) {
	var resp retrieveResponse
	if err := p.call(ctx, OpRetrieve, keyRequest{Context: context, Key: key}, &resp); err != nil {
		return memstore.Entry{}, false, err
	}
	if !resp.Found || resp.Entry == nil {
		return memstore.Entry{}, false, nil
	}
	return *resp.Entry, true, nil
}

// Forget implements Peer.
func (p *NATSPeer) Forget(ctx context.Context, context, key string) error {
	return p.call(ctx, OpForget, keyRequest{Context: context, Key: key}, nil)
}

// ClearContext implements Peer.
func (p *NATSPeer) ClearContext(ctx context.Context, context string) (int, error) {
	var resp clearResponse
	if err := p.call(ctx, OpClear, contextRequest{Context: context}, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// List implements Peer.
func (p *NATSPeer) List(ctx context.Context, context string) ([]memstore.Entry, error) {
	var resp listResponse
	if err := p.call(ctx, OpList, contextRequest{Context: context}, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Search implements Peer.
func (p *NATSPeer) Search(ctx context.Context, req search.Request) ([]search.Hit, error) {
	var resp searchResponse
	if err := p.call(ctx, OpSearch, req, &resp); err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

// NATSResolver hands out NATSPeers sharing one connection.
type NATSResolver struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration

	mu    sync.Mutex
	peers map[string]*NATSPeer
}

// NewNATSResolver creates a resolver over nc.
func NewNATSResolver(nc *nats.Conn, prefix string, timeout time.Duration) *NATSResolver {
	return &NATSResolver{nc: nc, prefix: prefix, timeout: timeout, peers: make(map[string]*NATSPeer)}
}

// Peer implements Resolver. Every node id resolves; an absent node shows up
// as a no-responders error on first call.
func (r *NATSResolver) Peer(nodeID string) (Peer, error) {
	if nodeID == "" {
		return nil, ErrUnknownPeer
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		p = NewNATSPeer(r.nc, r.prefix, nodeID, r.timeout)
		r.peers[nodeID] = p
	}
	return p, nil
}
