package cluster

import (
	"errors"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ErrNoMembers is returned when placement is requested on an empty view.
var ErrNoMembers = errors.New("cluster has no members")

// Ring is an immutable placement view over a set of node ids.
type Ring struct {
	nodes []string
	index map[string]int
}

// NewRing builds a ring from ids. Empty and duplicate ids are dropped and
// the rest sorted, so two rings over the same set place identically.
func NewRing(ids []string) *Ring {
	seen := make(map[string]struct{}, len(ids))
	nodes := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	index := make(map[string]int, len(nodes))
	for i, id := range nodes {
		index[id] = i
	}
	return &Ring{nodes: nodes, index: index}
}

// Len returns the number of nodes.
func (r *Ring) Len() int { return len(r.nodes) }

// Nodes returns the sorted node ids.
func (r *Ring) Nodes() []string {
	out := make([]string, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Contains reports whether id is in the ring.
func (r *Ring) Contains(id string) bool {
	_, ok := r.index[id]
	return ok
}

// Place returns up to n distinct nodes responsible for key, primary first.
// The start offset is xxhash64(key) mod Len; the walk continues cyclically
// over the sorted node list. Fewer than n nodes are returned when the ring
// is smaller than n.
func (r *Ring) Place(key []byte, n int) []string {
	if n <= 0 || len(r.nodes) == 0 {
		return nil
	}
	if n > len(r.nodes) {
		n = len(r.nodes)
	}
	start := int(xxhash.Sum64(key) % uint64(len(r.nodes)))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = r.nodes[(start+i)%len(r.nodes)]
	}
	return out
}

// Primary returns the first node of key's placement.
func (r *Ring) Primary(key []byte) (string, error) {
	nodes := r.Place(key, 1)
	if len(nodes) == 0 {
		return "", ErrNoMembers
	}
	return nodes[0], nil
}

// PlacementKey is the canonical byte form of an entry's identity.
func PlacementKey(context, key string) []byte {
	b := make([]byte, 0, len(context)+1+len(key))
	b = append(b, context...)
	b = append(b, 0)
	b = append(b, key...)
	return b
}
