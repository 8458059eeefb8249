package topology

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// fsmHarness drives the state machine directly, the way raft would,
// keeping the log index monotonic.
type fsmHarness struct {
	fsm   *FSM
	index uint64
}

func newFSMHarness() *fsmHarness {
	return &fsmHarness{fsm: NewFSM(zap.NewNop())}
}

func (h *fsmHarness) apply(t *testing.T, cmd LogCommand) error {
	t.Helper()
	h.index++
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	res := h.fsm.Apply(&raft.Log{Index: h.index, Data: data})
	if res == nil {
		return nil
	}
	applyErr, ok := res.(error)
	require.True(t, ok, "apply result should be nil or error, got %T", res)
	return applyErr
}

func (h *fsmHarness) register(t *testing.T, id, addr string) {
	t.Helper()
	require.NoError(t, h.apply(t, LogCommand{Op: OpRegisterNode, Key: id, Value: addr}))
}

func (h *fsmHarness) assign(t *testing.T, r SlotRange) error {
	t.Helper()
	payload, err := json.Marshal(r)
	require.NoError(t, err)
	return h.apply(t, LogCommand{Op: OpAssignRange, Key: r.key(), Value: string(payload)})
}

func (h *fsmHarness) removeRange(t *testing.T, keyspace string, start, end int) error {
	t.Helper()
	return h.apply(t, LogCommand{Op: OpRemoveRange, Key: RangeKey(keyspace, start, end)})
}

func (h *fsmHarness) setPrimary(t *testing.T, keyspace string, start, end int, nodeID string, replicas []string) error {
	t.Helper()
	payload, err := json.Marshal(SlotRange{
		Keyspace: keyspace, Start: start, End: end, NodeID: nodeID, Replicas: replicas,
	})
	require.NoError(t, err)
	return h.apply(t, LogCommand{Op: OpSetRangePrimary, Key: RangeKey(keyspace, start, end), Value: string(payload)})
}

// memorySink collects a snapshot in memory for restore tests.
type memorySink struct {
	bytes.Buffer
	canceled bool
}

func (s *memorySink) ID() string    { return "mem" }
func (s *memorySink) Cancel() error { s.canceled = true; return nil }
func (s *memorySink) Close() error  { return nil }

// --- Test Cases ---

// TestFSM_NodeRegistration verifies register/remove round trips and that
// the applied index advances.
func TestFSM_NodeRegistration(t *testing.T) {
	h := newFSMHarness()

	h.register(t, "shard-a", "10.0.0.1:4001")
	h.register(t, "shard-b", "10.0.0.2:4001")

	addr, ok := h.fsm.NodeAddress("shard-a")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:4001", addr)
	require.Len(t, h.fsm.Nodes(), 2)

	require.NoError(t, h.apply(t, LogCommand{Op: OpRemoveNode, Key: "shard-a"}))
	_, ok = h.fsm.NodeAddress("shard-a")
	require.False(t, ok)
	require.Equal(t, uint64(3), h.fsm.LastAppliedIndex())
}

// TestFSM_AssignRejectsUnknownNode verifies a range cannot be given to a
// node the map has never heard of.
func TestFSM_AssignRejectsUnknownNode(t *testing.T) {
	h := newFSMHarness()

	err := h.assign(t, SlotRange{Keyspace: "default", Start: 0, End: 512, NodeID: "ghost"})
	require.ErrorIs(t, err, ErrNodeNotFound)
	require.Empty(t, h.fsm.Assignments())
}

// TestFSM_AdjacentRangesCoexist verifies the interval rules: touching
// boundaries are fine, genuine intersections conflict, the identical
// interval may change owners, and keyspaces do not interfere.
func TestFSM_AdjacentRangesCoexist(t *testing.T) {
	h := newFSMHarness()
	h.register(t, "shard-a", "10.0.0.1:4001")
	h.register(t, "shard-b", "10.0.0.2:4001")

	// 1. Two halves sharing the 512 boundary both land.
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "default", Start: 0, End: 512, NodeID: "shard-a"}))
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "default", Start: 512, End: 1024, NodeID: "shard-b"}))

	// 2. A range cutting across the boundary is refused.
	err := h.assign(t, SlotRange{Keyspace: "default", Start: 500, End: 600, NodeID: "shard-b"})
	require.ErrorIs(t, err, ErrRangeOverlapConflict)

	// 3. Reassigning the identical interval moves ownership.
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "default", Start: 0, End: 512, NodeID: "shard-b"}))

	// 4. Another keyspace can mirror the same interval freely.
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "orders", Start: 0, End: 1024, NodeID: "shard-a"}))

	ranges := h.fsm.RangesForKeyspace("default")
	require.Len(t, ranges, 2)
	require.Equal(t, "shard-b", ranges[0].NodeID)
	require.Equal(t, "shard-b", ranges[1].NodeID)
}

// TestFSM_InvalidRangesRejected verifies bound and field validation.
func TestFSM_InvalidRangesRejected(t *testing.T) {
	h := newFSMHarness()
	h.register(t, "shard-a", "10.0.0.1:4001")

	require.ErrorIs(t, h.assign(t, SlotRange{Keyspace: "default", Start: -1, End: 10, NodeID: "shard-a"}), ErrInvalidRange)
	require.ErrorIs(t, h.assign(t, SlotRange{Keyspace: "default", Start: 0, End: TotalHashSlots + 1, NodeID: "shard-a"}), ErrInvalidRange)
	require.ErrorIs(t, h.assign(t, SlotRange{Keyspace: "default", Start: 300, End: 300, NodeID: "shard-a"}), ErrInvalidRange)
	require.ErrorIs(t, h.assign(t, SlotRange{Keyspace: "", Start: 0, End: 10, NodeID: "shard-a"}), ErrInvalidRange)
}

// TestFSM_RemoveRangeNeedsExactMatch verifies removal only accepts the
// exact [start, end) that was assigned.
func TestFSM_RemoveRangeNeedsExactMatch(t *testing.T) {
	h := newFSMHarness()
	h.register(t, "shard-a", "10.0.0.1:4001")
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "default", Start: 0, End: 512, NodeID: "shard-a"}))

	require.ErrorIs(t, h.removeRange(t, "default", 0, 511), ErrRangeNotFound)
	require.NoError(t, h.removeRange(t, "default", 0, 512))
	require.Empty(t, h.fsm.Assignments())
}

// TestFSM_NodeForKeyFollowsSlotOwnership verifies key routing agrees with
// the hash and the assignment table.
func TestFSM_NodeForKeyFollowsSlotOwnership(t *testing.T) {
	h := newFSMHarness()
	h.register(t, "shard-a", "10.0.0.1:4001")
	h.register(t, "shard-b", "10.0.0.2:4001")
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "default", Start: 0, End: 512, NodeID: "shard-a"}))
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "default", Start: 512, End: 1024, NodeID: "shard-b"}))

	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("user:%d", i)
		want := "shard-a"
		if SlotForKey(key) >= 512 {
			want = "shard-b"
		}
		got, ok := h.fsm.NodeForKey("default", key)
		require.True(t, ok, "key %s should route somewhere", key)
		require.Equal(t, want, got, "key %s slot %d", key, SlotForKey(key))
	}

	// A keyspace with no assignments routes nowhere.
	_, ok := h.fsm.NodeForKey("orders", "user:1")
	require.False(t, ok)
}

// TestFSM_SetRangePrimaryMovesOwnership verifies the primary change op and
// its two failure modes.
func TestFSM_SetRangePrimaryMovesOwnership(t *testing.T) {
	h := newFSMHarness()
	h.register(t, "shard-a", "10.0.0.1:4001")
	h.register(t, "shard-b", "10.0.0.2:4001")
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "default", Start: 0, End: 1024, NodeID: "shard-a"}))

	require.ErrorIs(t, h.setPrimary(t, "default", 100, 200, "shard-b", nil), ErrRangeNotFound)
	require.ErrorIs(t, h.setPrimary(t, "default", 0, 1024, "ghost", nil), ErrNodeNotFound)

	require.NoError(t, h.setPrimary(t, "default", 0, 1024, "shard-b", []string{"shard-a"}))
	got, ok := h.fsm.NodeForKey("default", "user:1")
	require.True(t, ok)
	require.Equal(t, "shard-b", got)
	ranges := h.fsm.RangesForKeyspace("default")
	require.Len(t, ranges, 1)
	require.Equal(t, []string{"shard-a"}, ranges[0].Replicas)
}

// TestFSM_SnapshotRestoreRoundTrip verifies a snapshot rebuilds the full
// shard map on a fresh state machine.
func TestFSM_SnapshotRestoreRoundTrip(t *testing.T) {
	h := newFSMHarness()
	h.register(t, "shard-a", "10.0.0.1:4001")
	h.register(t, "shard-b", "10.0.0.2:4001")
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "default", Start: 0, End: 512, NodeID: "shard-a"}))
	require.NoError(t, h.assign(t, SlotRange{Keyspace: "default", Start: 512, End: 1024, NodeID: "shard-b"}))

	snap, err := h.fsm.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	require.False(t, sink.canceled)
	snap.Release()

	restored := NewFSM(zap.NewNop())
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	require.Equal(t, h.fsm.Nodes(), restored.Nodes())
	require.Equal(t, h.fsm.Assignments(), restored.Assignments())
}

// TestFSM_ChangedSignalsOnMutation verifies watchers grabbed before a
// mutation observe it.
func TestFSM_ChangedSignalsOnMutation(t *testing.T) {
	h := newFSMHarness()

	ch := h.fsm.Changed()
	h.register(t, "shard-a", "10.0.0.1:4001")

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("change notification never arrived")
	}
}
