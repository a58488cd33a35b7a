package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"kvraft/internal/http"
	"kvraft/pkg/cluster"
	"kvraft/pkg/config"
	"kvraft/pkg/engine"
	"kvraft/pkg/fsm"
	"kvraft/pkg/metrics"
	"kvraft/pkg/raftadapter"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the node's YAML config file")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("kvnode exited with error", "err", err)
		os.Exit(1)
	}
}

// run wires config → engine → state machine → raft node → HTTP server,
// the same construction order tests/integration/sharded_raft_test.go
// assembles per node, and blocks until ctx is cancelled.
func run(ctx context.Context, cfg config.Config) error {
	eng, err := engine.New(cfg.Node.DataDir, cfg)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer eng.Close()

	machine := fsm.New(eng, fsm.Options{
		Router:  newRegionRouter(cfg),
		Logger:  slog.Default(),
		Metrics: metrics.NewAtomicCollector(),
	})

	raftCfg := cfg.Raft
	if raftCfg.ID == 0 {
		raftCfg.ID = cfg.Node.ID
	}
	raftNode, err := raftadapter.NewNode(&raftCfg, machine)
	if err != nil {
		return fmt.Errorf("start raft node: %w", err)
	}

	httpServer := http.NewServer(raftNode, eng, strconv.Itoa(cfg.Server.Port))
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	slog.Info("kvnode started", "node_id", cfg.Node.ID, "http_addr", httpServer.URL, "data_dir", cfg.Node.DataDir)

	<-ctx.Done()
	slog.Info("kvnode shutting down")

	if err := httpServer.Stop(); err != nil {
		slog.Error("stop http server", "err", err)
	}
	return nil
}

// newRegionRouter seeds a consistent-hash ring from the node's own address
// and its configured raft peers, so a RANGE_SPLIT entry's destination
// region resolves to a node address the same way on every replica.
func newRegionRouter(cfg config.Config) *cluster.ShardedRouter {
	ring := cluster.NewHashRing(100)

	local := localNodeAddr(cfg)
	ring.AddNode(local)
	for _, p := range cfg.Raft.Peers {
		ring.AddNode(p.Address)
	}

	return cluster.NewShardedRouter(local, ring, func(addr string) (cluster.RegionOwnerClient, error) {
		return cluster.NewHTTPClient(addr), nil
	})
}

// localNodeAddr returns this node's own entry in its raft peer list,
// falling back to its listen address/port when it isn't listed as its own
// peer (e.g. a single-node development config with no peers configured).
func localNodeAddr(cfg config.Config) string {
	for _, p := range cfg.Raft.Peers {
		if p.ID == cfg.Node.ID {
			return p.Address
		}
	}
	return fmt.Sprintf("http://%s:%d", cfg.Server.ListenAddress, cfg.Server.Port)
}
