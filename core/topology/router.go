package topology

import "sync"

// RoutingSnapshot is the wire form of the shard map a non-member node
// polls from a coordinator's admin endpoint.
type RoutingSnapshot struct {
	Nodes  map[string]string `json:"nodes"`
	Ranges []SlotRange       `json:"ranges"`
}

// CachedRouter answers routing queries from the last snapshot a shard
// server fetched. Shard servers are not raft members, so this cache is
// their whole view of the cluster; between refreshes it may lag the
// replicated map, which the redirect protocol absorbs.
type CachedRouter struct {
	mu     sync.RWMutex
	nodes  map[string]string
	ranges []SlotRange
}

func NewCachedRouter() *CachedRouter {
	return &CachedRouter{nodes: make(map[string]string)}
}

// Update replaces the cached view.
func (c *CachedRouter) Update(snap RoutingSnapshot) {
	nodes := make(map[string]string, len(snap.Nodes))
	for id, addr := range snap.Nodes {
		nodes[id] = addr
	}
	ranges := append([]SlotRange(nil), snap.Ranges...)

	c.mu.Lock()
	c.nodes = nodes
	c.ranges = ranges
	c.mu.Unlock()
}

// NodeForKey routes a key to the node owning its slot, mirroring the
// FSM's query of the same name.
func (c *CachedRouter) NodeForKey(keyspace, key string) (string, bool) {
	slot := SlotForKey(key)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.ranges {
		if r.Keyspace == keyspace && r.contains(slot) {
			return r.NodeID, true
		}
	}
	return "", false
}

// NodeAddress resolves a node id to its registered address.
func (c *CachedRouter) NodeAddress(nodeID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.nodes[nodeID]
	return addr, ok
}

// Ranges reports how many assignments the cache holds; zero means the
// first refresh has not landed yet.
func (c *CachedRouter) Ranges() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ranges)
}
