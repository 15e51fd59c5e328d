package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/chain"
	"github.com/djkazic/retargetd/internal/config"
	"github.com/djkazic/retargetd/internal/follower"
	"github.com/djkazic/retargetd/internal/logging"
	"github.com/djkazic/retargetd/internal/metrics"
	"github.com/djkazic/retargetd/internal/node"
	"github.com/djkazic/retargetd/internal/p2p"
	"github.com/djkazic/retargetd/internal/rpc"
	"github.com/djkazic/retargetd/internal/version"
)

var cmdlineFlags struct {
	configFile string
}

func main() {
	flag.StringVar(
		&cmdlineFlags.configFile,
		"config",
		"",
		"path to config file to load",
	)
	flag.Parse()

	cfg, err := config.Load(cmdlineFlags.configFile)
	if err != nil {
		fmt.Printf("Failed to load config: %s\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to configure logging: %s\n", err)
		os.Exit(1)
	}
	defer func() {
		// Sync errors on stderr are expected and not actionable
		_ = logger.Sync()
	}()

	logger.Info("retargetd started",
		zap.String("version", version.GetVersionString()),
		zap.String("network", cfg.Network),
	)

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("retargetd failed", zap.Error(err))
	}
	logger.Info("retargetd stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := chain.OpenStore(cfg.Store.Backend, cfg.DataDir, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	c, err := chain.New(store, cfg.Params(), logger.Named("chain"))
	if err != nil {
		return fmt.Errorf("create chain: %w", err)
	}
	if tip, ok := c.Tip(); ok {
		logger.Info("loaded header chain",
			zap.Int64("height", tip.Height),
			zap.String("tip", tip.HashHex()),
		)
	}

	if cfg.Debug.ListenPort > 0 {
		addr := fmt.Sprintf("%s:%d", cfg.Debug.ListenAddress, cfg.Debug.ListenPort)
		logger.Info("starting debug listener", zap.String("addr", addr))
		go func() {
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.Error("debug listener failed", zap.Error(err))
			}
		}()
	}

	if cfg.Metrics.ListenPort > 0 {
		addr := fmt.Sprintf("%s:%d", cfg.Metrics.ListenAddress, cfg.Metrics.ListenPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		logger.Info("starting metrics listener", zap.String("addr", addr))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	nodeCfg := node.Config{
		Chain:  c,
		Logger: logger.Named("node"),
	}

	if cfg.Rpc.Url != "" {
		client := rpc.NewClient(cfg.Rpc.Url, cfg.Rpc.User, cfg.Rpc.Password, cfg.Rpc.Timeout)
		nodeCfg.Upstream = follower.New(client, c, cfg.Rpc.PollInterval, cfg.Rpc.BatchSize, logger.Named("follower"))
	}

	if cfg.P2P.Enabled {
		p2pNode, err := p2p.NewNode(ctx, p2p.Config{
			Network:    cfg.Network,
			ListenAddr: cfg.P2PListenMultiaddr(),
			DataDir:    cfg.DataDir,
			EnableMDNS: cfg.P2P.Mdns,
			Bootnodes:  cfg.P2P.Bootnodes,
			LowWater:   cfg.P2P.LowWater,
			HighWater:  cfg.P2P.HighWater,
		}, logger.Named("p2p"))
		if err != nil {
			return fmt.Errorf("start p2p: %w", err)
		}
		defer p2pNode.Close()

		p2pNode.InitSyncer(p2p.ServeHeaders(c))
		if err := p2pNode.StartDiscovery(ctx); err != nil {
			return err
		}
		nodeCfg.Network = p2pNode
	}

	if nodeCfg.Upstream == nil && nodeCfg.Network == nil {
		return errors.New("no header source: configure rpc.url or enable p2p")
	}

	n, err := node.New(nodeCfg)
	if err != nil {
		return err
	}
	return n.Run(ctx)
}
