package topology

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// --- Test Cases ---

// TestCachedRouter_EmptyBeforeFirstRefresh verifies that a fresh cache
// routes nothing rather than guessing.
func TestCachedRouter_EmptyBeforeFirstRefresh(t *testing.T) {
	router := NewCachedRouter()
	require.Zero(t, router.Ranges())
	_, ok := router.NodeForKey("default", "k1")
	require.False(t, ok)
	_, ok = router.NodeAddress("node-a")
	require.False(t, ok)
}

// TestCachedRouter_MatchesShardMapRouting verifies that a cache fed from
// the replicated map routes every key to the same node the map would.
func TestCachedRouter_MatchesShardMapRouting(t *testing.T) {
	h := newFSMHarness()
	h.register(t, "node-a", "10.0.0.1:9001")
	h.register(t, "node-b", "10.0.0.2:9001")
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "default", Start: 0, End: TotalHashSlots / 2, NodeID: "node-a"}))
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "default", Start: TotalHashSlots / 2, End: TotalHashSlots, NodeID: "node-b"}))

	router := NewCachedRouter()
	router.Update(RoutingSnapshot{Nodes: h.fsm.Nodes(), Ranges: h.fsm.Assignments()})
	require.Equal(t, 2, router.Ranges())

	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("user:%d", i)
		wantNode, wantOK := h.fsm.NodeForKey("default", key)
		gotNode, gotOK := router.NodeForKey("default", key)
		require.Equal(t, wantOK, gotOK, "key %s", key)
		require.Equal(t, wantNode, gotNode, "key %s", key)
	}

	addr, ok := router.NodeAddress("node-b")
	require.True(t, ok)
	require.Equal(t, "10.0.0.2:9001", addr)
}

// TestCachedRouter_UpdateReplacesWholeView verifies that a refresh swaps
// the entire cached view and that callers cannot mutate it afterwards.
func TestCachedRouter_UpdateReplacesWholeView(t *testing.T) {
	router := NewCachedRouter()
	router.Update(RoutingSnapshot{
		Nodes:  map[string]string{"node-a": "10.0.0.1:9001"},
		Ranges: []SlotRange{{Keyspace: "default", Start: 0, End: TotalHashSlots, NodeID: "node-a"}},
	})
	node, ok := router.NodeForKey("default", "k1")
	require.True(t, ok)
	require.Equal(t, "node-a", node)

	next := RoutingSnapshot{
		Nodes:  map[string]string{"node-b": "10.0.0.2:9001"},
		Ranges: []SlotRange{{Keyspace: "default", Start: 0, End: TotalHashSlots, NodeID: "node-b"}},
	}
	router.Update(next)
	next.Nodes["node-b"] = "mutated"
	next.Ranges[0].NodeID = "mutated"

	node, ok = router.NodeForKey("default", "k1")
	require.True(t, ok)
	require.Equal(t, "node-b", node)
	addr, ok := router.NodeAddress("node-b")
	require.True(t, ok)
	require.Equal(t, "10.0.0.2:9001", addr)
	_, ok = router.NodeAddress("node-a")
	require.False(t, ok)
}
