// Command kizunadb_coordinator runs a KizunaDB coordination node: a raft
// member carrying the replicated shard map, the two-phase commit
// coordination service, and a colocated participant shard. Leadership of
// the raft group decides which node carries coordination duty.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kizunadb/kizunadb/config"
	"github.com/kizunadb/kizunadb/core/coordination/coordinator"
	"github.com/kizunadb/kizunadb/core/coordination/executor"
	"github.com/kizunadb/kizunadb/core/coordination/scheduler"
	"github.com/kizunadb/kizunadb/core/events"
	"github.com/kizunadb/kizunadb/core/participant"
	"github.com/kizunadb/kizunadb/core/security/internaltls"
	"github.com/kizunadb/kizunadb/core/server"
	"github.com/kizunadb/kizunadb/core/topology"
	"github.com/kizunadb/kizunadb/core/transaction"
	"github.com/kizunadb/kizunadb/internal/clock"
	internaltelemetry "github.com/kizunadb/kizunadb/internal/telemetry"
	"github.com/kizunadb/kizunadb/pkg/logger"
	"github.com/kizunadb/kizunadb/pkg/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	nodeID     = flag.String("node_id", "", "Override the configured node id")
	listenAddr = flag.String("listen_addr", "", "Override the command listener address")
	adminAddr  = flag.String("admin_addr", "", "Override the admin HTTP address")
	raftBind   = flag.String("raft_bind", "", "Override the raft bind address")
	dataDir    = flag.String("data_dir", "", "Override the raft data directory")
	bootstrap  = flag.Bool("bootstrap", false, "Bootstrap a fresh single-node cluster")
	joinAddr   = flag.String("join", "", "Admin address of an existing coordinator to join through")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyFlagOverrides(&cfg)

	zlogger, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer zlogger.Sync()

	zlogger.Info("Starting KizunaDB coordinator",
		zap.String("nodeID", cfg.Server.ShardID),
		zap.String("listenAddr", cfg.Server.ListenAddr),
		zap.String("adminAddr", cfg.Server.AdminAddr),
		zap.String("raftBindAddr", cfg.Topology.RaftBindAddr),
		zap.Bool("bootstrap", cfg.Topology.Bootstrap),
	)

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}

	// Replicated shard map.
	fsm := topology.NewFSM(zlogger)
	node, err := topology.NewNode(topology.NodeConfig{
		NodeID:        cfg.Server.ShardID,
		BindAddr:      cfg.Topology.RaftBindAddr,
		AdvertiseAddr: cfg.Topology.RaftAdvertiseAddr,
		DataDir:       cfg.Topology.DataDir,
		Bootstrap:     cfg.Topology.Bootstrap,
		Logger:        zlogger,
	}, fsm)
	if err != nil {
		zlogger.Fatal("Failed to start raft node", zap.Error(err))
	}
	if cfg.Topology.JoinAddr != "" {
		raftAddr := cfg.Topology.RaftAdvertiseAddr
		if raftAddr == "" {
			raftAddr = cfg.Topology.RaftBindAddr
		}
		if err := joinCluster(zlogger, cfg.Topology.JoinAddr, cfg.Server.ShardID, raftAddr); err != nil {
			zlogger.Fatal("Failed to join raft cluster", zap.Error(err))
		}
	}

	shardID := transaction.ShardID(cfg.Server.ShardID)
	registry := topology.NewRegistry(fsm, shardID, zlogger)

	// Colocated participant shard. Routing reads the replicated map
	// directly since this node is a raft member.
	store := participant.NewStore(shardID, clock.Real{}, zlogger)
	localService := participant.NewService(participant.ServiceConfig{
		ShardID:  shardID,
		Keyspace: cfg.Server.Keyspace,
		Store:    store,
		Router:   fsm,
		Logger:   zlogger,
	})

	// Two-phase commit machinery.
	pool := executor.NewPool(clock.Real{}, zlogger)
	runner := server.NewRunner(cfg.Coordinator.MaxConnsPerShard, cfg.Coordinator.DialTimeout.Std(), zlogger)
	metrics, err := internaltelemetry.NewTwoPhaseCommitMetrics(tel.Meter)
	if err != nil {
		zlogger.Fatal("Failed to register coordination metrics", zap.Error(err))
	}

	var publisher coordinator.DecisionPublisher
	var sender *events.Sender
	if cfg.Events.Enabled {
		tlsCfg, err := eventsTLS(cfg.Events)
		if err != nil {
			zlogger.Fatal("Failed to build events TLS configuration", zap.Error(err))
		}
		sender, err = events.NewSender(events.Config{
			Addr:               cfg.Events.Addr,
			URLPath:            cfg.Events.URLPath,
			TLS:                tlsCfg,
			NumConnections:     cfg.Events.NumConnections,
			QueueCapacity:      cfg.Events.QueueCapacity,
			EnqueueBytesPerSec: cfg.Events.EnqueueBytesPerSec,
			Logger:             zlogger.Named("events").Sugar(),
		})
		if err != nil {
			zlogger.Fatal("Failed to start decision event sender", zap.Error(err))
		}
		publisher = sender
		zlogger.Info("Decision event stream enabled", zap.String("addr", cfg.Events.Addr))
	}

	coordStore := coordinator.NewStore()
	coordService, err := coordinator.NewService(coordinator.ServiceConfig{
		LocalShard:   shardID,
		Executor:     pool,
		Runner:       runner,
		Targeter:     registry,
		LocalService: localService,
		Store:        coordStore,
		Logger:       zlogger,
		Metrics:      metrics,
		Publisher:    publisher,

		CommitDeadline: cfg.Coordinator.CommitDeadline.Std(),
		Retry: scheduler.Backoff{
			Initial: cfg.Coordinator.RetryInitial.Std(),
			Max:     cfg.Coordinator.RetryMax.Std(),
			Jitter:  cfg.Coordinator.RetryJitter,
		},
		ResolveTimeout: cfg.Coordinator.ResolveTimeout.Std(),
		CommandTimeout: cfg.Coordinator.CommandTimeout.Std(),
	})
	if err != nil {
		zlogger.Fatal("Failed to build coordination service", zap.Error(err))
	}

	var globalWG sync.WaitGroup

	// gRPC health surface: SERVING only while this node carries
	// coordination duty.
	healthServer := health.NewServer()
	healthServer.SetServingStatus(coordinatorHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthLis, err := net.Listen("tcp", cfg.Server.HealthAddr)
	if err != nil {
		zlogger.Fatal("Failed to listen for gRPC health", zap.Error(err), zap.String("address", cfg.Server.HealthAddr))
	}
	globalWG.Add(1)
	go func() {
		defer globalWG.Done()
		zlogger.Info("gRPC health server starting", zap.String("address", cfg.Server.HealthAddr))
		if err := grpcServer.Serve(healthLis); err != nil {
			zlogger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	driver := &leadershipDriver{svc: coordService, health: healthServer, log: zlogger}
	globalWG.Add(1)
	go func() {
		defer globalWG.Done()
		driver.watch(watchCtx, node.LeadershipChanges())
	}()

	// Command listener: transaction verbs to the coordination service,
	// data verbs to the colocated shard.
	bridge := &commandBridge{coord: coordService, local: localService, log: zlogger}
	listener, err := server.NewListener(server.ListenerConfig{
		Addr:    cfg.Server.ListenAddr,
		Handler: bridge,
		Logger:  zlogger,
	})
	if err != nil {
		zlogger.Fatal("Failed to build command listener", zap.Error(err))
	}
	if err := listener.Start(); err != nil {
		zlogger.Fatal("Failed to start command listener", zap.Error(err))
	}

	// Admin HTTP surface.
	admin := &server.Admin{
		Logger:   zlogger,
		ShardID:  cfg.Server.ShardID,
		Node:     node,
		Registry: registry,
		Store:    store,
		Coord:    coordStore,
		StepUp:   driver.StepUp,
		StepDown: driver.StepDown,
	}
	mux := http.NewServeMux()
	admin.RegisterHandlers(mux)
	adminServer := &http.Server{Addr: cfg.Server.AdminAddr, Handler: mux}
	globalWG.Add(1)
	go func() {
		defer globalWG.Done()
		zlogger.Info("Admin HTTP server starting", zap.String("address", cfg.Server.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlogger.Error("Admin HTTP server stopped", zap.Error(err))
		}
	}()

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quitCh
	zlogger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelDrain()

	zlogger.Info("Stopping command listener...")
	if err := listener.Close(drainCtx); err != nil {
		zlogger.Error("Error stopping command listener", zap.Error(err))
	}

	cancelWatch()
	zlogger.Info("Draining coordination service...")
	if err := coordService.Shutdown(drainCtx); err != nil {
		zlogger.Error("Error draining coordination service", zap.Error(err))
	}
	pool.Shutdown()
	pool.Join()
	runner.Close()

	if sender != nil {
		zlogger.Info("Closing decision event sender...")
		if err := sender.Close(); err != nil {
			zlogger.Error("Error closing decision event sender", zap.Error(err))
		}
	}

	zlogger.Info("Attempting graceful shutdown of admin HTTP server...")
	if err := adminServer.Shutdown(drainCtx); err != nil {
		zlogger.Error("Error during admin HTTP server shutdown", zap.Error(err))
	}
	zlogger.Info("Attempting graceful stop of gRPC health server...")
	grpcServer.GracefulStop()

	zlogger.Info("Shutting down raft node...")
	if err := node.Shutdown(); err != nil {
		zlogger.Error("Error shutting down raft node", zap.Error(err))
	}

	if err := telShutdown(drainCtx); err != nil {
		zlogger.Error("Error shutting down telemetry", zap.Error(err))
	}

	globalWG.Wait()
	zlogger.Info("Coordinator stopped")
}

// applyFlagOverrides lets command-line flags win over the configuration
// file for the fields operators most often vary per node.
func applyFlagOverrides(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node_id":
			cfg.Server.ShardID = *nodeID
		case "listen_addr":
			if cfg.Server.AdvertiseAddr == cfg.Server.ListenAddr {
				cfg.Server.AdvertiseAddr = ""
			}
			cfg.Server.ListenAddr = *listenAddr
		case "admin_addr":
			cfg.Server.AdminAddr = *adminAddr
		case "raft_bind":
			cfg.Topology.RaftBindAddr = *raftBind
		case "data_dir":
			cfg.Topology.DataDir = *dataDir
		case "bootstrap":
			cfg.Topology.Bootstrap = *bootstrap
		case "join":
			cfg.Topology.JoinAddr = *joinAddr
		}
	})
	cfg.Normalize()
}

// eventsTLS builds the sender's TLS configuration: a provisioned CA when
// one is configured, the development certificate pair otherwise.
func eventsTLS(cfg config.EventsConfig) (*tls.Config, error) {
	if cfg.CAFile == "" {
		tlsCfg, err := internaltls.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("building development TLS config: %w", err)
		}
		if cfg.ServerName != "" {
			tlsCfg.ServerName = cfg.ServerName
		}
		return tlsCfg, nil
	}
	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading events CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("events CA file %s holds no usable certificates", cfg.CAFile)
	}
	return &tls.Config{
		ServerName: cfg.ServerName,
		RootCAs:    pool,
		NextProtos: []string{"h3"},
	}, nil
}
