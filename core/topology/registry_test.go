package topology

import (
	"context"
	"testing"
	"time"

	"github.com/kizunadb/kizunadb/core/transaction"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Cases ---

// TestRegistry_ResolvesRegisteredShard verifies the straight path from
// shard id to address.
func TestRegistry_ResolvesRegisteredShard(t *testing.T) {
	h := newFSMHarness()
	reg := NewRegistry(h.fsm, "shard-local", zap.NewNop())
	h.register(t, "shard-a", "10.0.0.1:4001")

	addr, err := reg.ResolveShard(context.Background(), "shard-a")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:4001", addr)
	require.Equal(t, transaction.ShardID("shard-local"), reg.LocalShardID())
}

// TestRegistry_ResolveWaitsForLateRegistration verifies a resolve issued
// before the shard map learns the shard completes once it does.
func TestRegistry_ResolveWaitsForLateRegistration(t *testing.T) {
	h := newFSMHarness()
	reg := NewRegistry(h.fsm, "shard-local", zap.NewNop())

	type outcome struct {
		addr string
		err  error
	}
	got := make(chan outcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		addr, err := reg.ResolveShard(ctx, "shard-late")
		got <- outcome{addr, err}
	}()

	// 1. Nothing resolves while the shard is unknown.
	select {
	case o := <-got:
		t.Fatalf("resolve returned early: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}

	// 2. Registration releases the waiter with the new address.
	h.register(t, "shard-late", "10.0.0.9:4001")
	select {
	case o := <-got:
		require.NoError(t, o.err)
		require.Equal(t, "10.0.0.9:4001", o.addr)
	case <-time.After(2 * time.Second):
		t.Fatal("resolve still blocked after registration")
	}
}

// TestRegistry_ResolveDeadlineReportsShardNotFound verifies expiry of the
// bounded wait is classified as an unknown shard, while caller
// cancellation keeps its own identity.
func TestRegistry_ResolveDeadlineReportsShardNotFound(t *testing.T) {
	h := newFSMHarness()
	reg := NewRegistry(h.fsm, "shard-local", zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := reg.ResolveShard(ctx, "shard-missing")
	require.ErrorIs(t, err, transaction.ErrShardNotFound)

	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = reg.ResolveShard(canceled, "shard-missing")
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, transaction.ErrShardNotFound)
}

// TestRegistry_HealthNotes verifies failure accumulation and reset on
// recovery.
func TestRegistry_HealthNotes(t *testing.T) {
	h := newFSMHarness()
	reg := NewRegistry(h.fsm, "shard-local", zap.NewNop())

	for i := 0; i < 3; i++ {
		reg.NoteShardHealth("shard-a", false)
	}
	health, ok := reg.Health("shard-a")
	require.True(t, ok)
	require.False(t, health.Healthy)
	require.Equal(t, 3, health.Failures)

	reg.NoteShardHealth("shard-a", true)
	health, ok = reg.Health("shard-a")
	require.True(t, ok)
	require.True(t, health.Healthy)
	require.Zero(t, health.Failures)
	require.Contains(t, reg.HealthSnapshot(), transaction.ShardID("shard-a"))
}
