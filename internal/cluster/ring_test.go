package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_PlaceIsDeterministic(t *testing.T) {
	r := NewRing([]string{"node-c", "node-a", "node-b"})
	key := PlacementKey("conversation", "greeting")

	first := r.Place(key, 2)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, r.Place(key, 2))
	}

	// Input order does not matter.
	other := NewRing([]string{"node-b", "node-c", "node-a"})
	assert.Equal(t, first, other.Place(key, 2))
}

func TestRing_ThreeNodesTwoReplicas(t *testing.T) {
	r := NewRing([]string{"a", "b", "c"})

	for i := 0; i < 200; i++ {
		nodes := r.Place(PlacementKey("ctx", fmt.Sprintf("k-%d", i)), 2)
		require.Len(t, nodes, 2)
		assert.NotEqual(t, nodes[0], nodes[1])
		for _, n := range nodes {
			assert.True(t, r.Contains(n))
		}
	}
}

func TestRing_PlaceWalksCyclically(t *testing.T) {
	r := NewRing([]string{"a", "b", "c", "d"})
	nodes := r.Place([]byte("anything"), 4)
	require.Len(t, nodes, 4)

	start := -1
	for i, id := range r.Nodes() {
		if id == nodes[0] {
			start = i
		}
	}
	require.GreaterOrEqual(t, start, 0)
	for i := range nodes {
		assert.Equal(t, r.Nodes()[(start+i)%4], nodes[i])
	}
}

func TestRing_FewerMembersThanReplicas(t *testing.T) {
	r := NewRing([]string{"only"})
	assert.Equal(t, []string{"only"}, r.Place([]byte("k"), 3))
}

func TestRing_Empty(t *testing.T) {
	r := NewRing(nil)
	assert.Nil(t, r.Place([]byte("k"), 2))
	_, err := r.Primary([]byte("k"))
	assert.ErrorIs(t, err, ErrNoMembers)
}

func TestRing_NonPositiveCount(t *testing.T) {
	r := NewRing([]string{"a"})
	assert.Nil(t, r.Place([]byte("k"), 0))
}

func TestNewRing_DropsDuplicatesAndEmpty(t *testing.T) {
	r := NewRing([]string{"b", "", "a", "b"})
	assert.Equal(t, []string{"a", "b"}, r.Nodes())
	assert.Equal(t, 2, r.Len())
}

func TestRing_SpreadsPrimaries(t *testing.T) {
	r := NewRing([]string{"a", "b", "c"})
	counts := map[string]int{}
	for i := 0; i < 3000; i++ {
		p, err := r.Primary(PlacementKey("ctx", fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		counts[p]++
	}
	for id, n := range counts {
		assert.Greater(t, n, 600, "node %s is underloaded", id)
	}
}

func TestPlacementKey_SeparatesContextAndKey(t *testing.T) {
	assert.NotEqual(t, PlacementKey("ab", "c"), PlacementKey("a", "bc"))
}
