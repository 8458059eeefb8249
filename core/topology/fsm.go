// Package topology maintains the raft-replicated shard map: which nodes
// exist, which slot ranges of each keyspace they own, and how a shard id
// turns into a dialable address.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// TotalHashSlots is the fixed size of the hash ring per keyspace.
const TotalHashSlots = 1024

var (
	ErrNodeNotFound         = errors.New("topology: node not registered")
	ErrRangeOverlapConflict = errors.New("topology: slot range overlaps an existing assignment")
	ErrRangeNotFound        = errors.New("topology: no assignment matches the given range")
	ErrInvalidRange         = errors.New("topology: invalid slot range")
)

// Replicated operation types.
const (
	OpRegisterNode    = "register_node"
	OpRemoveNode      = "remove_node"
	OpAssignRange     = "assign_range"
	OpRemoveRange     = "remove_range"
	OpSetRangePrimary = "set_range_primary"
)

// LogCommand is the envelope replicated through the raft log. Key and
// Value carry per-op payloads: node id/address for node ops, a range key
// and JSON-marshaled SlotRange for range ops.
type LogCommand struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// SlotRange assigns the half-open slot interval [Start, End) of a keyspace
// to an owning node. Replicas are carried for placement bookkeeping; the
// coordination layer only targets the owner.
type SlotRange struct {
	Keyspace  string    `json:"keyspace"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	NodeID    string    `json:"node_id"`
	Replicas  []string  `json:"replica_node_ids,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RangeKey identifies an assignment; removal must present the exact key.
func RangeKey(keyspace string, start, end int) string {
	return fmt.Sprintf("%s/%d-%d", keyspace, start, end)
}

func (r SlotRange) key() string { return RangeKey(r.Keyspace, r.Start, r.End) }

func (r SlotRange) contains(slot int) bool { return slot >= r.Start && slot < r.End }

// overlaps reports a genuine interval intersection. Ranges that merely
// share a boundary ([0,512) and [512,1024)) do not overlap.
func (r SlotRange) overlaps(o SlotRange) bool {
	return r.Keyspace == o.Keyspace && r.Start < o.End && o.Start < r.End
}

func (r SlotRange) validate() error {
	if r.Keyspace == "" {
		return fmt.Errorf("%w: empty keyspace", ErrInvalidRange)
	}
	if r.NodeID == "" {
		return fmt.Errorf("%w: no owning node", ErrInvalidRange)
	}
	if r.Start < 0 || r.End > TotalHashSlots || r.Start >= r.End {
		return fmt.Errorf("%w: [%d, %d) outside 0..%d", ErrInvalidRange, r.Start, r.End, TotalHashSlots)
	}
	return nil
}

// SlotForKey hashes a key onto the ring.
func SlotForKey(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key)) % TotalHashSlots)
}

// FSM implements raft.FSM over the shard map. All mutation arrives through
// Apply so every replica converges on the same state; reads go through the
// query methods, which copy.
type FSM struct {
	log *zap.Logger

	mu               sync.RWMutex
	nodes            map[string]string
	assignments      map[string]SlotRange
	lastAppliedIndex uint64
	changed          chan struct{}
}

func NewFSM(log *zap.Logger) *FSM {
	if log == nil {
		log = zap.NewNop()
	}
	return &FSM{
		log:         log,
		nodes:       make(map[string]string),
		assignments: make(map[string]SlotRange),
		changed:     make(chan struct{}),
	}
}

// Apply applies one replicated command. Returned errors travel back to the
// proposer through the apply future's response.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd LogCommand
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.log.Error("Undecodable raft log entry", zap.Uint64("index", entry.Index), zap.Error(err))
		return fmt.Errorf("decoding log command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAppliedIndex = entry.Index

	switch cmd.Op {
	case OpRegisterNode:
		f.nodes[cmd.Key] = cmd.Value
		f.log.Info("Node registered", zap.String("node", cmd.Key), zap.String("address", cmd.Value))
		f.notifyLocked()
		return nil

	case OpRemoveNode:
		delete(f.nodes, cmd.Key)
		f.log.Info("Node removed", zap.String("node", cmd.Key))
		f.notifyLocked()
		return nil

	case OpAssignRange:
		var r SlotRange
		if err := json.Unmarshal([]byte(cmd.Value), &r); err != nil {
			return fmt.Errorf("decoding slot range: %w", err)
		}
		if err := f.assignLocked(r); err != nil {
			return err
		}
		f.log.Info("Slot range assigned",
			zap.String("range", r.key()),
			zap.String("node", r.NodeID))
		f.notifyLocked()
		return nil

	case OpRemoveRange:
		if _, ok := f.assignments[cmd.Key]; !ok {
			return fmt.Errorf("%w: %s", ErrRangeNotFound, cmd.Key)
		}
		delete(f.assignments, cmd.Key)
		f.log.Info("Slot range removed", zap.String("range", cmd.Key))
		f.notifyLocked()
		return nil

	case OpSetRangePrimary:
		var r SlotRange
		if err := json.Unmarshal([]byte(cmd.Value), &r); err != nil {
			return fmt.Errorf("decoding slot range: %w", err)
		}
		existing, ok := f.assignments[cmd.Key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRangeNotFound, cmd.Key)
		}
		if _, registered := f.nodes[r.NodeID]; !registered {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, r.NodeID)
		}
		existing.NodeID = r.NodeID
		existing.Replicas = r.Replicas
		existing.UpdatedAt = r.UpdatedAt
		f.assignments[cmd.Key] = existing
		f.log.Info("Slot range primary changed",
			zap.String("range", cmd.Key),
			zap.String("node", r.NodeID))
		f.notifyLocked()
		return nil

	default:
		f.log.Warn("Unknown raft log operation", zap.String("op", cmd.Op), zap.Uint64("index", entry.Index))
		return fmt.Errorf("unknown log operation %q", cmd.Op)
	}
}

// assignLocked validates an assignment against the current map. The exact
// same interval may be reassigned (ownership move); any other intersection
// within the keyspace is a conflict.
func (f *FSM) assignLocked(r SlotRange) error {
	if err := r.validate(); err != nil {
		return err
	}
	if _, ok := f.nodes[r.NodeID]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, r.NodeID)
	}
	key := r.key()
	for existingKey, existing := range f.assignments {
		if existingKey == key {
			continue
		}
		if existing.overlaps(r) {
			return fmt.Errorf("%w: [%d, %d) intersects %s", ErrRangeOverlapConflict, r.Start, r.End, existingKey)
		}
	}
	f.assignments[key] = r
	return nil
}

func (f *FSM) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// Changed returns a channel closed on the next state change. Grab it
// before reading state to avoid missing an update between read and wait.
func (f *FSM) Changed() <-chan struct{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.changed
}

// --- Query methods ---

// NodeAddress resolves a node id to its registered address.
func (f *FSM) NodeAddress(nodeID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	addr, ok := f.nodes[nodeID]
	return addr, ok
}

// Nodes returns a copy of the node map.
func (f *FSM) Nodes() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.nodes))
	for id, addr := range f.nodes {
		out[id] = addr
	}
	return out
}

// Assignments returns every slot range, ordered by keyspace then start.
func (f *FSM) Assignments() []SlotRange {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]SlotRange, 0, len(f.assignments))
	for _, r := range f.assignments {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Keyspace != out[j].Keyspace {
			return out[i].Keyspace < out[j].Keyspace
		}
		return out[i].Start < out[j].Start
	})
	return out
}

// RangesForKeyspace returns the keyspace's assignments ordered by start.
func (f *FSM) RangesForKeyspace(keyspace string) []SlotRange {
	all := f.Assignments()
	out := all[:0:0]
	for _, r := range all {
		if r.Keyspace == keyspace {
			out = append(out, r)
		}
	}
	return out
}

// NodeForKey routes a key to the node owning its slot. The second return
// is false when no assignment covers the slot.
func (f *FSM) NodeForKey(keyspace, key string) (string, bool) {
	slot := SlotForKey(key)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, r := range f.assignments {
		if r.Keyspace == keyspace && r.contains(slot) {
			return r.NodeID, true
		}
	}
	return "", false
}

// LastAppliedIndex reports the newest raft log index folded into the map.
func (f *FSM) LastAppliedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastAppliedIndex
}

// --- Snapshot / Restore ---

type fsmState struct {
	Nodes       map[string]string    `json:"nodes"`
	Assignments map[string]SlotRange `json:"assignments"`
}

// Snapshot captures a copy of the shard map for raft log truncation.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	state := fsmState{
		Nodes:       make(map[string]string, len(f.nodes)),
		Assignments: make(map[string]SlotRange, len(f.assignments)),
	}
	for id, addr := range f.nodes {
		state.Nodes[id] = addr
	}
	for key, r := range f.assignments {
		state.Assignments[key] = r
	}
	f.log.Debug("Shard map snapshot taken", zap.Uint64("index", f.lastAppliedIndex))
	return &fsmSnapshot{state: state}, nil
}

// Restore replaces the shard map with a snapshot's contents.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state fsmState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("decoding shard map snapshot: %w", err)
	}
	if state.Nodes == nil {
		state.Nodes = make(map[string]string)
	}
	if state.Assignments == nil {
		state.Assignments = make(map[string]SlotRange)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = state.Nodes
	f.assignments = state.Assignments
	f.notifyLocked()
	f.log.Info("Shard map restored from snapshot",
		zap.Int("nodes", len(state.Nodes)),
		zap.Int("ranges", len(state.Assignments)))
	return nil
}

type fsmSnapshot struct {
	state fsmState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("marshaling shard map snapshot: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return fmt.Errorf("writing shard map snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
