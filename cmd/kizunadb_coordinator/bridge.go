package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kizunadb/kizunadb/core/coordination/coordinator"
	"github.com/kizunadb/kizunadb/core/coordination/scheduler"
	"github.com/kizunadb/kizunadb/core/participant"
	"github.com/kizunadb/kizunadb/core/transaction"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// coordinatorHealthService is the gRPC health service name load balancers
// probe to find the node currently carrying coordination duty.
const coordinatorHealthService = "kizunadb.coordinator"

// commandBridge is the coordinator node's command handler: transaction
// verbs go to the coordination service, everything else to the colocated
// participant shard.
type commandBridge struct {
	coord *coordinator.Service
	local *participant.Service
	log   *zap.Logger
}

func (b *commandBridge) Handle(ctx context.Context, req transaction.CommandRequest) transaction.CommandResponse {
	switch req.Kind {
	case transaction.CmdCoordinateCommit:
		fut, err := b.coord.CoordinateCommit(ctx, req.SessionID, req.TxnNumber, req.Participants)
		if err != nil {
			return transaction.ErrorResponse(err)
		}
		return b.awaitDecision(ctx, fut)
	case transaction.CmdRecoverDecision:
		fut, err := b.coord.RecoverCommit(ctx, req.SessionID, req.TxnNumber)
		if err != nil {
			return transaction.ErrorResponse(err)
		}
		return b.awaitDecision(ctx, fut)
	default:
		return b.local.Handle(ctx, req)
	}
}

func (b *commandBridge) awaitDecision(ctx context.Context, fut *scheduler.Future[transaction.Decision]) transaction.CommandResponse {
	dec, err := fut.Get(ctx)
	if err != nil {
		return transaction.ErrorResponse(err)
	}
	if dec.Kind == transaction.DecisionCommit {
		return transaction.CommandResponse{Status: transaction.StatusCommitted, CommitTimestamp: dec.CommitTimestamp}
	}
	return transaction.CommandResponse{Status: transaction.StatusAborted, Error: dec.AbortReason}
}

// leadershipDriver ties raft leadership to coordination duty. Raft
// transitions and operator-forced ones share the term counter, so a term
// never repeats within a process.
type leadershipDriver struct {
	mu     sync.Mutex
	term   uint64
	svc    *coordinator.Service
	health *health.Server
	log    *zap.Logger
}

func (d *leadershipDriver) StepUp() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.term++
	d.svc.OnStepUp(d.term)
	d.health.SetServingStatus(coordinatorHealthService, healthpb.HealthCheckResponse_SERVING)
	return d.term
}

func (d *leadershipDriver) StepDown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.svc.OnStepDown()
	d.health.SetServingStatus(coordinatorHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
}

// watch follows raft leadership for the life of the process. Draining the
// rounds retired by a step-down happens in the background; the next
// step-up does not wait for the previous term's coordinators.
func (d *leadershipDriver) watch(ctx context.Context, changes <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case isLeader, ok := <-changes:
			if !ok {
				return
			}
			if isLeader {
				term := d.StepUp()
				d.log.Info("Assumed coordination duty", zap.Uint64("term", term))
			} else {
				d.StepDown()
				d.log.Info("Relinquished coordination duty")
				go func() {
					if err := d.svc.JoinPreviousRound(ctx); err != nil {
						d.log.Warn("Drain of previous coordination term interrupted", zap.Error(err))
					}
				}()
			}
		}
	}
}

// joinCluster asks an existing member's admin endpoint to add this node
// as a raft voter. The target must be the leader, so transient refusals
// are retried while the cluster settles.
func joinCluster(log *zap.Logger, adminAddr, nodeID, raftAddr string) error {
	target := fmt.Sprintf("http://%s/cluster/join?nodeId=%s&peerAddress=%s",
		adminAddr, url.QueryEscape(nodeID), url.QueryEscape(raftAddr))
	var lastErr error
	for attempt := 1; attempt <= 10; attempt++ {
		resp, err := http.Post(target, "", nil)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				log.Info("Joined raft cluster", zap.String("via", adminAddr))
				return nil
			}
			lastErr = fmt.Errorf("join rejected with status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		log.Warn("Join attempt failed, retrying",
			zap.Int("attempt", attempt), zap.Error(lastErr))
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("joining cluster via %s: %w", adminAddr, lastErr)
}
