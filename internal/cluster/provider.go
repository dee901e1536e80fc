package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Member is a node believed alive.
type Member struct {
	ID   string `json:"id" toml:"id"`
	Addr string `json:"addr,omitempty" toml:"addr"`
}

// Provider reports the current members of the group.
type Provider interface {
	Members(ctx context.Context) ([]Member, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) ([]Member, error)

// Members calls f.
func (f ProviderFunc) Members(ctx context.Context) ([]Member, error) { return f(ctx) }

// StaticProvider returns a fixed member list.
type StaticProvider struct {
	members []Member
}

// NewStaticProvider parses peers of the form "id" or "id=addr".
func NewStaticProvider(peers []string) (*StaticProvider, error) {
	members := make([]Member, 0, len(peers))
	for _, p := range peers {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, addr, _ := strings.Cut(p, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid peer %q: empty id", p)
		}
		members = append(members, Member{ID: id, Addr: strings.TrimSpace(addr)})
	}
	return &StaticProvider{members: members}, nil
}

// Members returns a copy of the configured list.
func (s *StaticProvider) Members(context.Context) ([]Member, error) {
	out := make([]Member, len(s.members))
	copy(out, s.members)
	return out, nil
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
}
