package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kizunadb/kizunadb/core/transaction"
	"go.uber.org/zap"
)

// ShardHealth is the registry's local view of a shard's reachability,
// accumulated from command outcomes. It is per-node state, never
// replicated.
type ShardHealth struct {
	Healthy     bool      `json:"healthy"`
	Failures    int       `json:"failures"`
	LastContact time.Time `json:"last_contact"`
}

// Registry turns shard ids into dialable addresses using the replicated
// shard map, and tracks per-shard health notes. A shard id in the
// coordination layer is a topology node id.
type Registry struct {
	fsm   *FSM
	local transaction.ShardID
	log   *zap.Logger

	mu     sync.Mutex
	health map[transaction.ShardID]ShardHealth
}

func NewRegistry(fsm *FSM, local transaction.ShardID, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		fsm:    fsm,
		local:  local,
		log:    log,
		health: make(map[transaction.ShardID]ShardHealth),
	}
}

// LocalShardID names the shard colocated with this process.
func (r *Registry) LocalShardID() transaction.ShardID { return r.local }

// ResolveShard returns the shard's registered address, waiting for the
// shard map to learn about it until ctx expires. Deadline expiry reports
// the shard as not found; the shard map is replicated state, so a shard
// still absent after the wait is not merely slow.
func (r *Registry) ResolveShard(ctx context.Context, shard transaction.ShardID) (string, error) {
	for {
		changed := r.fsm.Changed()
		if addr, ok := r.fsm.NodeAddress(string(shard)); ok {
			return addr, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %s missing from shard map", transaction.ErrShardNotFound, shard)
			}
			return "", fmt.Errorf("resolving shard %s: %w", shard, ctx.Err())
		}
	}
}

// NoteShardHealth records the outcome of a command against a shard.
func (r *Registry) NoteShardHealth(shard transaction.ShardID, ok bool) {
	r.mu.Lock()
	h := r.health[shard]
	wasHealthy := h.Healthy || h.LastContact.IsZero()
	priorFailures := h.Failures
	if ok {
		h.Healthy = true
		h.Failures = 0
	} else {
		h.Healthy = false
		h.Failures++
	}
	h.LastContact = time.Now()
	r.health[shard] = h
	r.mu.Unlock()

	if !ok && wasHealthy {
		r.log.Warn("Shard became unreachable", zap.String("shard", string(shard)))
	} else if ok && !wasHealthy {
		r.log.Info("Shard reachable again",
			zap.String("shard", string(shard)),
			zap.Int("failures_before_recovery", priorFailures))
	}
}

// Health returns the recorded health note for a shard, if any.
func (r *Registry) Health(shard transaction.ShardID) (ShardHealth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[shard]
	return h, ok
}

// HealthSnapshot copies the whole health table, for status surfaces.
func (r *Registry) HealthSnapshot() map[transaction.ShardID]ShardHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[transaction.ShardID]ShardHealth, len(r.health))
	for shard, h := range r.health {
		out[shard] = h
	}
	return out
}
