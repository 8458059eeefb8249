package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kizunadb/kizunadb/core/coordination/coordinator"
	"github.com/kizunadb/kizunadb/core/participant"
	"github.com/kizunadb/kizunadb/core/topology"
	"github.com/kizunadb/kizunadb/core/transaction"
	"go.uber.org/zap"
)

// Admin serves the HTTP administration surface of a node. Fields left nil
// skip their endpoint group, so the same type covers both the coordinator
// node (raft member, cluster management, coordinator introspection) and a
// plain shard server (health and status only).
type Admin struct {
	Logger   *zap.Logger
	ShardID  string
	Node     *topology.Node
	Registry *topology.Registry
	Router   *topology.CachedRouter
	Store    *participant.Store
	Coord    *coordinator.Store

	// StepUp and StepDown drive the coordinator service through the
	// node's leadership hooks, for operator-forced transitions.
	StepUp   func() uint64
	StepDown func()
}

// RegisterHandlers installs the admin endpoints on mux.
func (a *Admin) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/status", a.handleStatus)
	if a.Node != nil {
		mux.HandleFunc("/heartbeat", a.handleHeartbeat)
		mux.HandleFunc("/cluster/join", a.handleJoin)
		mux.HandleFunc("/cluster/remove_peer", a.handleRemovePeer)
		mux.HandleFunc("/cluster/nodes", a.handleNodes)
		mux.HandleFunc("/cluster/remove_node", a.handleRemoveNode)
		mux.HandleFunc("/cluster/assign_range", a.handleAssignRange)
		mux.HandleFunc("/cluster/remove_range", a.handleRemoveRange)
		mux.HandleFunc("/cluster/set_primary", a.handleSetPrimary)
		mux.HandleFunc("/cluster/routing", a.handleRouting)
		mux.HandleFunc("/cluster/node_for_key", a.handleNodeForKey)
	}
	if a.Coord != nil {
		mux.HandleFunc("/coordinator/records", a.handleCoordinatorRecords)
	}
	if a.StepDown != nil {
		mux.HandleFunc("/coordinator/step_down", a.handleStepDown)
	}
	if a.StepUp != nil {
		mux.HandleFunc("/coordinator/step_up", a.handleStepUp)
	}
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "OK")
}

type statusReply struct {
	ShardID       string                                       `json:"shard_id"`
	Leader        bool                                         `json:"leader"`
	LeaderAddress string                                       `json:"leader_address,omitempty"`
	Raft          map[string]string                            `json:"raft,omitempty"`
	Nodes         map[string]string                            `json:"nodes,omitempty"`
	ShardHealth   map[transaction.ShardID]topology.ShardHealth `json:"shard_health,omitempty"`
	RoutingRanges int                                          `json:"routing_ranges,omitempty"`
	Keys          int                                          `json:"keys"`
	Prepared      int                                          `json:"prepared_transactions"`
	Staged        int                                          `json:"staged_transactions"`
	CoordRecords  int                                          `json:"coordinator_records,omitempty"`
}

func (a *Admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	reply := statusReply{ShardID: a.ShardID}
	if a.Node != nil {
		reply.Leader = a.Node.IsLeader()
		reply.LeaderAddress = a.Node.LeaderAddress()
		reply.Raft = a.Node.Stats()
		reply.Nodes = a.Node.FSM().Nodes()
	}
	if a.Registry != nil {
		reply.ShardHealth = a.Registry.HealthSnapshot()
	}
	if a.Router != nil {
		reply.RoutingRanges = a.Router.Ranges()
	}
	if a.Store != nil {
		reply.Keys = a.Store.Len()
		reply.Prepared = a.Store.PreparedCount()
		reply.Staged = a.Store.StagedCount()
	}
	if a.Coord != nil {
		reply.CoordRecords = a.Coord.Count()
	}
	a.writeJSON(w, http.StatusOK, reply)
}

// handleHeartbeat registers or refreshes a shard server in the replicated
// node map. Shard servers post here on a timer with their id and command
// address.
func (a *Admin) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodeID := r.URL.Query().Get("nodeId")
	address := r.URL.Query().Get("address")
	if nodeID == "" || address == "" {
		http.Error(w, "nodeId and address query parameters are required", http.StatusBadRequest)
		return
	}
	if err := a.Node.RegisterNode(r.Context(), nodeID, address); err != nil {
		a.failProposal(w, err)
		return
	}
	a.Logger.Debug("Heartbeat applied", zap.String("node", nodeID), zap.String("address", address))
	fmt.Fprintln(w, "OK")
}

func (a *Admin) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodeID := r.URL.Query().Get("nodeId")
	peerAddress := r.URL.Query().Get("peerAddress")
	if nodeID == "" || peerAddress == "" {
		http.Error(w, "nodeId and peerAddress query parameters are required", http.StatusBadRequest)
		return
	}
	if err := a.Node.AddVoter(nodeID, peerAddress); err != nil {
		a.failProposal(w, err)
		return
	}
	a.Logger.Info("Raft peer joined via admin endpoint",
		zap.String("node", nodeID), zap.String("address", peerAddress))
	fmt.Fprintln(w, "OK")
}

func (a *Admin) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		http.Error(w, "nodeId query parameter is required", http.StatusBadRequest)
		return
	}
	if err := a.Node.RemovePeer(nodeID); err != nil {
		a.failProposal(w, err)
		return
	}
	fmt.Fprintln(w, "OK")
}

func (a *Admin) handleNodes(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Node.FSM().Nodes())
}

func (a *Admin) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		http.Error(w, "nodeId query parameter is required", http.StatusBadRequest)
		return
	}
	if err := a.Node.RemoveNode(r.Context(), nodeID); err != nil {
		a.failProposal(w, err)
		return
	}
	fmt.Fprintln(w, "OK")
}

func (a *Admin) handleAssignRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rng topology.SlotRange
	if err := json.NewDecoder(r.Body).Decode(&rng); err != nil {
		http.Error(w, fmt.Sprintf("invalid range body: %v", err), http.StatusBadRequest)
		return
	}
	if err := a.Node.AssignRange(r.Context(), rng); err != nil {
		a.failProposal(w, err)
		return
	}
	fmt.Fprintln(w, "OK")
}

func (a *Admin) handleRemoveRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keyspace := r.URL.Query().Get("keyspace")
	start, errStart := strconv.Atoi(r.URL.Query().Get("start"))
	end, errEnd := strconv.Atoi(r.URL.Query().Get("end"))
	if keyspace == "" || errStart != nil || errEnd != nil {
		http.Error(w, "keyspace, start and end query parameters are required", http.StatusBadRequest)
		return
	}
	if err := a.Node.RemoveRange(r.Context(), keyspace, start, end); err != nil {
		a.failProposal(w, err)
		return
	}
	fmt.Fprintln(w, "OK")
}

func (a *Admin) handleSetPrimary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rng topology.SlotRange
	if err := json.NewDecoder(r.Body).Decode(&rng); err != nil {
		http.Error(w, fmt.Sprintf("invalid range body: %v", err), http.StatusBadRequest)
		return
	}
	if err := a.Node.SetRangePrimary(r.Context(), rng.Keyspace, rng.Start, rng.End, rng.NodeID, rng.Replicas); err != nil {
		a.failProposal(w, err)
		return
	}
	fmt.Fprintln(w, "OK")
}

// handleRouting serves the full shard map in one shot. Shard servers poll
// it into their route cache.
func (a *Admin) handleRouting(w http.ResponseWriter, r *http.Request) {
	fsm := a.Node.FSM()
	a.writeJSON(w, http.StatusOK, topology.RoutingSnapshot{
		Nodes:  fsm.Nodes(),
		Ranges: fsm.Assignments(),
	})
}

func (a *Admin) handleNodeForKey(w http.ResponseWriter, r *http.Request) {
	keyspace := r.URL.Query().Get("keyspace")
	key := r.URL.Query().Get("key")
	if keyspace == "" || key == "" {
		http.Error(w, "keyspace and key query parameters are required", http.StatusBadRequest)
		return
	}
	fsm := a.Node.FSM()
	nodeID, ok := fsm.NodeForKey(keyspace, key)
	if !ok {
		http.Error(w, "no node owns that key", http.StatusNotFound)
		return
	}
	address, _ := fsm.NodeAddress(nodeID)
	a.writeJSON(w, http.StatusOK, map[string]string{"node_id": nodeID, "address": address})
}

func (a *Admin) handleCoordinatorRecords(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Coord.All())
}

func (a *Admin) handleStepDown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.StepDown()
	a.Logger.Info("Coordinator stepped down via admin endpoint")
	fmt.Fprintln(w, "OK")
}

func (a *Admin) handleStepUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	term := a.StepUp()
	a.Logger.Info("Coordinator stepped up via admin endpoint", zap.Uint64("term", term))
	a.writeJSON(w, http.StatusOK, map[string]uint64{"term": term})
}

func (a *Admin) failProposal(w http.ResponseWriter, err error) {
	if errors.Is(err, topology.ErrNotLeader) {
		http.Error(w, fmt.Sprintf("not the raft leader; leader is at %s", a.Node.LeaderAddress()), http.StatusForbidden)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (a *Admin) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Warn("Failed to encode admin response", zap.Error(err))
	}
}
