package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/background"
	"go.uber.org/zap"
)

// EventType distinguishes joins from leaves.
type EventType string

const (
	EventJoined EventType = "joined"
	EventLeft   EventType = "left"
)

// Event reports a change to the membership view.
type Event struct {
	Type   EventType `json:"type"`
	NodeID string    `json:"node_id"`
	At     time.Time `json:"at"`
}

// MembershipOptions configures a Membership.
type MembershipOptions struct {
	// Self is always part of the view, whatever the provider returns.
	Self Member

	Provider Provider

	// Interval between refreshes. Default 5s.
	Interval time.Duration

	Now    func() time.Time
	Logger *zap.Logger
}

type view struct {
	ring    *Ring
	members map[string]Member
}

// Membership holds the current view of the group.
type Membership struct {
	self     Member
	provider Provider
	now      func() time.Time
	logger   *zap.Logger
	runner   *background.Runner

	current atomic.Pointer[view]

	// refreshMu serializes Refresh so diffs are computed against the view
	// they replace.
	refreshMu sync.Mutex

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int

	refreshes atomic.Uint64
	failures  atomic.Uint64
}

// NewMembership creates a membership whose initial view is Self alone.
func NewMembership(opts MembershipOptions) *Membership {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Provider == nil {
		opts.Provider = &StaticProvider{}
	}

	m := &Membership{
		self:     opts.Self,
		provider: opts.Provider,
		now:      opts.Now,
		logger:   opts.Logger,
		subs:     make(map[int]chan Event),
	}
	m.current.Store(newView([]Member{opts.Self}))
	m.runner = background.New(background.Config{
		Name:     "membership",
		Interval: opts.Interval,
		Tick: func(ctx context.Context) {
			_ = m.Refresh(ctx)
		},
	}, opts.Logger)
	return m
}

func newView(members []Member) *view {
	byID := make(map[string]Member, len(members))
	ids := make([]string, 0, len(members))
	for _, mem := range members {
		if mem.ID == "" {
			continue
		}
		if _, ok := byID[mem.ID]; !ok {
			ids = append(ids, mem.ID)
		}
		byID[mem.ID] = mem
	}
	return &view{ring: NewRing(ids), members: byID}
}

// Self returns this node.
func (m *Membership) Self() Member { return m.self }

// Ring returns the current placement view. The returned ring never changes.
func (m *Membership) Ring() *Ring { return m.current.Load().ring }

// Members returns the current members sorted by id.
func (m *Membership) Members() []Member {
	v := m.current.Load()
	out := make([]Member, 0, len(v.members))
	for _, mem := range v.members {
		out = append(out, mem)
	}
	sortMembers(out)
	return out
}

// Member looks up a node in the current view.
func (m *Membership) Member(id string) (Member, bool) {
	mem, ok := m.current.Load().members[id]
	return mem, ok
}

// Refresh queries the provider and installs the new view. On provider
// error the previous view is kept and the error returned.
func (m *Membership) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.refreshes.Add(1)
	members, err := m.provider.Members(ctx)
	if err != nil {
		m.failures.Add(1)
		m.logger.Warn("membership refresh failed, keeping previous view", zap.Error(err))
		return err
	}

	members = append(members, m.self)
	next := newView(members)
	prev := m.current.Swap(next)

	at := m.now()
	var events []Event
	for _, id := range next.ring.nodes {
		if !prev.ring.Contains(id) {
			events = append(events, Event{Type: EventJoined, NodeID: id, At: at})
		}
	}
	for _, id := range prev.ring.nodes {
		if !next.ring.Contains(id) {
			events = append(events, Event{Type: EventLeft, NodeID: id, At: at})
		}
	}

	for _, ev := range events {
		m.logger.Info("membership changed",
			zap.String("event", string(ev.Type)),
			zap.String("node_id", ev.NodeID),
			zap.Int("members", next.ring.Len()))
		m.publish(ev)
	}
	return nil
}

// Subscribe returns a channel receiving membership events and a function
// that cancels the subscription and closes the channel. Events are dropped
// for a subscriber whose buffer is full.
func (m *Membership) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (m *Membership) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("dropping membership event for slow subscriber",
				zap.String("event", string(ev.Type)),
				zap.String("node_id", ev.NodeID))
		}
	}
}

// Start refreshes periodically until Stop or ctx is done.
func (m *Membership) Start(ctx context.Context) { m.runner.Start(ctx) }

// Stop halts periodic refresh.
func (m *Membership) Stop() { m.runner.Stop() }

// MembershipStats counts refresh attempts.
type MembershipStats struct {
	Members   int    `json:"members"`
	Refreshes uint64 `json:"refreshes"`
	Failures  uint64 `json:"failures"`
}

// Stats returns refresh counters and the current view size.
func (m *Membership) Stats() MembershipStats {
	return MembershipStats{
		Members:   m.Ring().Len(),
		Refreshes: m.refreshes.Load(),
		Failures:  m.failures.Load(),
	}
}
