package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stormstack/controlplane/pkg/api"
	"github.com/stormstack/controlplane/pkg/auth"
	"github.com/stormstack/controlplane/pkg/autoscaler"
	"github.com/stormstack/controlplane/pkg/config"
	"github.com/stormstack/controlplane/pkg/distributor"
	"github.com/stormstack/controlplane/pkg/engine"
	"github.com/stormstack/controlplane/pkg/events"
	"github.com/stormstack/controlplane/pkg/log"
	"github.com/stormstack/controlplane/pkg/matches"
	"github.com/stormstack/controlplane/pkg/modules"
	"github.com/stormstack/controlplane/pkg/nodes"
	"github.com/stormstack/controlplane/pkg/router"
	"github.com/stormstack/controlplane/pkg/scheduler"
	"github.com/stormstack/controlplane/pkg/store"
	"github.com/stormstack/controlplane/pkg/sweeper"
	"github.com/stormstack/controlplane/pkg/view"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stormstack",
	Short: "StormStack - Game server cluster control plane",
	Long: `StormStack orchestrates matches across a fleet of game engine nodes:
node registration and health, match placement and lifecycle, module
distribution, and scaling recommendations.

All cluster state lives in a shared store, so any number of control
plane replicas can serve the same fleet.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"StormStack version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		return serve(cfg)
	},
}

func serve(cfg config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store.Hosts, cfg.Store.Password, cfg.Store.DB)
	if err != nil {
		return fmt.Errorf("failed to open state store: %v", err)
	}
	defer func() { _ = st.Close() }()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	nodeReg := nodes.NewRegistry(st, broker, cfg.Nodes)
	matchReg := matches.NewRegistry(st)
	moduleReg := modules.NewRegistry(st)
	sched := scheduler.New(nodeReg, matchReg, cfg.Scheduler, cfg.Nodes.MaxContainers)
	engineClient := engine.NewClient(cfg.ControlPlaneToken, cfg.HTTP.ConnectTimeout, cfg.HTTP.RequestTimeout)
	authBroker := auth.NewBroker(cfg.Auth, cfg.HTTP)

	dist, err := distributor.New(nodeReg, moduleReg, engineClient, broker, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open artifact cache: %v", err)
	}
	defer func() { _ = dist.Close() }()

	rt := router.New(nodeReg, matchReg, moduleReg, sched, engineClient, authBroker, dist, broker, cfg.Nodes)

	swp := sweeper.New(nodeReg, rt, broker, cfg.Nodes)
	swp.Start()
	defer swp.Stop()

	scaler := autoscaler.New(nodeReg, sched, st, broker, cfg.Autoscaler)
	scaler.Start()
	defer scaler.Stop()

	clusterView := view.New(nodeReg, matchReg, scaler)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", cfg.ListenAddr, err)
	}

	server := api.NewServer(listener, cfg, st, nodeReg, moduleReg, rt, dist, clusterView, scaler)

	logger.Info().Str("addr", cfg.ListenAddr).Msg("control plane starting")
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %v", err)
	}
	logger.Info().Msg("control plane stopped")
	return nil
}
