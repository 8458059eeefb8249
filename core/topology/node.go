package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

const (
	raftTransportMaxPool = 3
	raftTransportTimeout = 10 * time.Second
	raftSnapshotRetain   = 2
	raftApplyTimeout     = 5 * time.Second
)

// ErrNotLeader reports a mutation proposed on a follower. Callers should
// redirect to the current leader.
var ErrNotLeader = errors.New("topology: not the raft leader")

// NodeConfig wires one raft member of the shard-map group.
type NodeConfig struct {
	// NodeID doubles as the raft server id and the shard id other nodes
	// use to reach this one.
	NodeID string
	// BindAddr is the raft transport listen address.
	BindAddr string
	// AdvertiseAddr is the address peers dial; defaults to BindAddr.
	AdvertiseAddr string
	// DataDir holds the raft log, stable store, and snapshots.
	DataDir string
	// Bootstrap starts a fresh single-node cluster. Restarts with existing
	// state ignore it.
	Bootstrap bool
	Logger    *zap.Logger
}

// Node owns the raft machinery around an FSM: transport, log store,
// snapshots, and the proposal surface for shard-map mutations.
type Node struct {
	log       *zap.Logger
	fsm       *FSM
	raft      *raft.Raft
	transport *raft.NetworkTransport
	store     *raftboltdb.BoltStore
	notifyCh  chan bool
}

// NewNode builds and starts the raft member. The returned node is live;
// leadership changes arrive on LeadershipChanges.
func NewNode(cfg NodeConfig, fsm *FSM) (*Node, error) {
	if cfg.NodeID == "" || cfg.BindAddr == "" || cfg.DataDir == "" {
		return nil, errors.New("topology: NodeID, BindAddr, and DataDir are required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	rcfg := raft.DefaultConfig()
	rcfg.LocalID = raft.ServerID(cfg.NodeID)
	rcfg.Logger = NewRaftLogger(log.Named("raft"))
	notifyCh := make(chan bool, 8)
	rcfg.NotifyCh = notifyCh

	dataPath := filepath.Join(cfg.DataDir, cfg.NodeID, "raft_meta")
	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		return nil, fmt.Errorf("creating raft data directory %s: %w", dataPath, err)
	}

	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.BindAddr
	}
	addr, err := net.ResolveTCPAddr("tcp", advertise)
	if err != nil {
		return nil, fmt.Errorf("resolving raft address %s: %w", advertise, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, raftTransportMaxPool, raftTransportTimeout, rcfg.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("creating raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(dataPath, raftSnapshotRetain, rcfg.LogOutput)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("creating snapshot store in %s: %w", dataPath, err)
	}

	boltDB, err := raftboltdb.NewBoltStore(filepath.Join(dataPath, "raft.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("opening raft bolt store: %w", err)
	}

	ra, err := raft.NewRaft(rcfg, fsm, boltDB, boltDB, snapshots, transport)
	if err != nil {
		boltDB.Close()
		transport.Close()
		return nil, fmt.Errorf("starting raft: %w", err)
	}

	n := &Node{
		log:       log,
		fsm:       fsm,
		raft:      ra,
		transport: transport,
		store:     boltDB,
		notifyCh:  notifyCh,
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: rcfg.LocalID, Address: transport.LocalAddr()}},
		}
		if err := ra.BootstrapCluster(configuration).Error(); err != nil {
			if !errors.Is(err, raft.ErrCantBootstrap) {
				n.Shutdown()
				return nil, fmt.Errorf("bootstrapping raft cluster: %w", err)
			}
			log.Debug("Raft state already exists, skipping bootstrap")
		} else {
			log.Info("Raft cluster bootstrapped", zap.String("node", cfg.NodeID))
		}
	}
	return n, nil
}

// FSM exposes the replicated shard map for queries.
func (n *Node) FSM() *FSM { return n.fsm }

// LeadershipChanges delivers true on gaining leadership and false on
// losing it.
func (n *Node) LeadershipChanges() <-chan bool { return n.notifyCh }

// IsLeader reports whether this node currently leads the group.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// LeaderAddress returns the transport address of the current leader, or
// empty when there is none.
func (n *Node) LeaderAddress() string { return string(n.raft.Leader()) }

// Stats passes through raft's internal counters for status surfaces.
func (n *Node) Stats() map[string]string { return n.raft.Stats() }

// AddVoter joins another member into the raft group. Leader-only.
func (n *Node) AddVoter(nodeID, addr string) error {
	if n.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0).Error(); err != nil {
		return fmt.Errorf("adding voter %s at %s: %w", nodeID, addr, err)
	}
	n.log.Info("Raft voter added", zap.String("node", nodeID), zap.String("address", addr))
	return nil
}

// RemovePeer takes a member out of the raft group. Leader-only.
func (n *Node) RemovePeer(nodeID string) error {
	if n.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	if err := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error(); err != nil {
		return fmt.Errorf("removing peer %s: %w", nodeID, err)
	}
	n.log.Info("Raft peer removed", zap.String("node", nodeID))
	return nil
}

// RegisterNode replicates a node id to address binding.
func (n *Node) RegisterNode(ctx context.Context, nodeID, address string) error {
	return n.propose(ctx, LogCommand{Op: OpRegisterNode, Key: nodeID, Value: address})
}

// RemoveNode replicates removal of a node binding.
func (n *Node) RemoveNode(ctx context.Context, nodeID string) error {
	return n.propose(ctx, LogCommand{Op: OpRemoveNode, Key: nodeID})
}

// AssignRange replicates a slot range assignment.
func (n *Node) AssignRange(ctx context.Context, r SlotRange) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding slot range: %w", err)
	}
	return n.propose(ctx, LogCommand{Op: OpAssignRange, Key: r.key(), Value: string(payload)})
}

// RemoveRange replicates removal of the exact [start, end) assignment.
func (n *Node) RemoveRange(ctx context.Context, keyspace string, start, end int) error {
	return n.propose(ctx, LogCommand{Op: OpRemoveRange, Key: RangeKey(keyspace, start, end)})
}

// SetRangePrimary replicates an ownership change for an existing range.
func (n *Node) SetRangePrimary(ctx context.Context, keyspace string, start, end int, nodeID string, replicas []string) error {
	payload, err := json.Marshal(SlotRange{
		Keyspace:  keyspace,
		Start:     start,
		End:       end,
		NodeID:    nodeID,
		Replicas:  replicas,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding slot range: %w", err)
	}
	return n.propose(ctx, LogCommand{Op: OpSetRangePrimary, Key: RangeKey(keyspace, start, end), Value: string(payload)})
}

func (n *Node) propose(ctx context.Context, cmd LogCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding log command: %w", err)
	}
	timeout := raftApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return fmt.Errorf("%w: leader is %s", ErrNotLeader, n.raft.Leader())
		}
		return fmt.Errorf("replicating %s: %w", cmd.Op, err)
	}
	// The FSM reports validation failures through the apply response.
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return applyErr
	}
	return nil
}

// Shutdown stops raft and closes the transport and stores.
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	if cerr := n.transport.Close(); err == nil {
		err = cerr
	}
	if cerr := n.store.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("stopping raft node: %w", err)
	}
	n.log.Info("Raft node stopped")
	return nil
}
