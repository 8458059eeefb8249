// Command kizunadb_shard_server runs a participant shard: it serves the
// key-value command protocol, votes in two-phase commit, and follows the
// cluster through a coordinator's admin endpoint instead of joining the
// raft group itself.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kizunadb/kizunadb/config"
	"github.com/kizunadb/kizunadb/core/participant"
	"github.com/kizunadb/kizunadb/core/server"
	"github.com/kizunadb/kizunadb/core/topology"
	"github.com/kizunadb/kizunadb/core/transaction"
	"github.com/kizunadb/kizunadb/internal/clock"
	"github.com/kizunadb/kizunadb/pkg/logger"
	"github.com/kizunadb/kizunadb/pkg/telemetry"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath  = flag.String("config", "", "Path to the YAML configuration file")
	nodeID      = flag.String("node_id", "", "Override the configured node id")
	listenAddr  = flag.String("listen_addr", "", "Override the command listener address")
	adminAddr   = flag.String("admin_addr", "", "Override the admin HTTP address")
	coordinator = flag.String("coordinator", "", "Override the coordinator admin address")
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

	zlogger.Info("Starting KizunaDB shard server",
		zap.String("nodeID", cfg.Server.ShardID),
		zap.String("listenAddr", cfg.Server.ListenAddr),
		zap.String("advertiseAddr", cfg.Server.AdvertiseAddr),
		zap.String("coordinatorAdminAddr", cfg.Server.CoordinatorAdminAddr),
	)

	_, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}

	shardID := transaction.ShardID(cfg.Server.ShardID)
	store := participant.NewStore(shardID, clock.Real{}, zlogger)
	router := topology.NewCachedRouter()
	service := participant.NewService(participant.ServiceConfig{
		ShardID:  shardID,
		Keyspace: cfg.Server.Keyspace,
		Store:    store,
		Router:   router,
		Logger:   zlogger,
	})

	listener, err := server.NewListener(server.ListenerConfig{
		Addr:    cfg.Server.ListenAddr,
		Handler: service,
		Logger:  zlogger,
	})
	if err != nil {
		zlogger.Fatal("Failed to build command listener", zap.Error(err))
	}
	if err := listener.Start(); err != nil {
		zlogger.Fatal("Failed to start command listener", zap.Error(err))
	}

	var globalWG sync.WaitGroup
	loopCtx, cancelLoops := context.WithCancel(context.Background())

	if cfg.Server.CoordinatorAdminAddr != "" {
		globalWG.Add(2)
		go func() {
			defer globalWG.Done()
			heartbeatLoop(loopCtx, zlogger, cfg)
		}()
		go func() {
			defer globalWG.Done()
			routingLoop(loopCtx, zlogger, cfg, router)
		}()
	} else {
		zlogger.Warn("No coordinator admin address configured; serving standalone with no shard map")
	}

	admin := &server.Admin{
		Logger:  zlogger,
		ShardID: cfg.Server.ShardID,
		Store:   store,
		Router:  router,
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

	cancelLoops()
	zlogger.Info("Stopping command listener...")
	if err := listener.Close(drainCtx); err != nil {
		zlogger.Error("Error stopping command listener", zap.Error(err))
	}
	zlogger.Info("Attempting graceful shutdown of admin HTTP server...")
	if err := adminServer.Shutdown(drainCtx); err != nil {
		zlogger.Error("Error during admin HTTP server shutdown", zap.Error(err))
	}
	if err := telShutdown(drainCtx); err != nil {
		zlogger.Error("Error shutting down telemetry", zap.Error(err))
	}

	globalWG.Wait()
	zlogger.Info("Shard server stopped")
}

// heartbeatLoop keeps this shard registered in the replicated node map.
// The first beat is what makes the shard routable at all, so it fires
// immediately rather than one interval in.
func heartbeatLoop(ctx context.Context, log *zap.Logger, cfg config.Config) {
	target := fmt.Sprintf("http://%s/heartbeat?nodeId=%s&address=%s",
		cfg.Server.CoordinatorAdminAddr,
		url.QueryEscape(cfg.Server.ShardID),
		url.QueryEscape(cfg.Server.AdvertiseAddr))

	beat := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
		if err != nil {
			log.Error("Failed to build heartbeat request", zap.Error(err))
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Warn("Heartbeat failed", zap.Error(err))
			return
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			log.Warn("Heartbeat rejected", zap.Int("status", resp.StatusCode))
		}
	}

	beat()
	ticker := time.NewTicker(refreshInterval(cfg))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// refreshInterval guards against a zeroed heartbeat_interval in the file;
// time.NewTicker panics on non-positive durations.
func refreshInterval(cfg config.Config) time.Duration {
	if d := cfg.Server.HeartbeatInterval.Std(); d > 0 {
		return d
	}
	return 5 * time.Second
}

// routingLoop refreshes the cached shard map from the coordinator, so
// ownership checks and redirects track reassignments without this node
// being a raft member.
func routingLoop(ctx context.Context, log *zap.Logger, cfg config.Config, router *topology.CachedRouter) {
	target := fmt.Sprintf("http://%s/cluster/routing", cfg.Server.CoordinatorAdminAddr)

	refresh := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			log.Error("Failed to build routing request", zap.Error(err))
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Warn("Routing refresh failed", zap.Error(err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			log.Warn("Routing refresh rejected", zap.Int("status", resp.StatusCode))
			return
		}
		var snap topology.RoutingSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			log.Warn("Failed to decode routing snapshot", zap.Error(err))
			return
		}
		router.Update(snap)
	}

	refresh()
	ticker := time.NewTicker(refreshInterval(cfg))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

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
		case "coordinator":
			cfg.Server.CoordinatorAdminAddr = *coordinator
		}
	})
	cfg.Normalize()
}
