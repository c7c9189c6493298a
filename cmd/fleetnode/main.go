package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetwright/internal/log"
	"github.com/cuemby/fleetwright/internal/metrics"
	"github.com/cuemby/fleetwright/internal/runtime"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetnode",
	Short: "fleetnode runs one node of a fleetwright cluster",
	Long: `fleetnode hosts the service registry, cluster membership, channel-message
bus, data sync, and cloud service manager for one node of a fleetwright
cluster. It is a long-running process; use fleetctl to interact with a
running node.`,
	Version: Version,
	RunE:    runNode,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetnode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("bind-addr", "0.0.0.0:7845", "address the node listens on for peer/service connections")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:7846", "address the Prometheus metrics endpoint listens on")
	rootCmd.Flags().String("data-dir", "./fleetwright-data", "data directory for cluster state, tasks, groups, and services")
	rootCmd.Flags().Int("max-memory-mib", 4096, "this node's advertised memory budget for placement")
	rootCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
}

func runNode(cmd *cobra.Command, args []string) error {
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	maxMemoryMiB, _ := cmd.Flags().GetInt("max-memory-mib")
	logLevel, _ := cmd.Flags().GetString("log-level")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})
	nodeLog := log.WithComponent("fleetnode")

	nodeLog.Info().Str("bind_addr", bindAddr).Str("data_dir", dataDir).Msg("starting fleetnode")

	rt, err := runtime.New(runtime.Options{
		DataDir:      dataDir,
		BindAddr:     bindAddr,
		MaxMemoryMiB: maxMemoryMiB,
		TickInterval: 50 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nodeLog.Error().Err(err).Msg("metrics server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		if err := rt.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		nodeLog.Info().Msg("received shutdown signal")
	case err := <-errCh:
		nodeLog.Error().Err(err).Msg("runtime error")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		nodeLog.Error().Err(err).Msg("shutdown sequence reported an error")
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	nodeLog.Info().Msg("fleetnode stopped")
	return nil
}
