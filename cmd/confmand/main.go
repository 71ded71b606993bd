package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ancrist/confman/pkg/config"
	"github.com/ancrist/confman/pkg/log"
	"github.com/ancrist/confman/pkg/node"
)

// Version, Commit, and BuildTime are set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

var (
	logLevel     string
	logJSON      bool
	baseConfig   string
	nodeConfig   string
	shutdownWait time.Duration
)

var rootCmd = &cobra.Command{
	Use:     "confmand",
	Short:   "confman node daemon",
	Long:    "confmand runs a single confman node: Raft consensus, the applied key-value store, content-addressed blob storage, and the node's HTTP API.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("confmand %s (commit %s, built %s)\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&baseConfig, "config", "", "path to the cluster-wide base config YAML")
	rootCmd.PersistentFlags().StringVar(&nodeConfig, "node-config", "", "path to this node's config YAML")
	rootCmd.PersistentFlags().DurationVar(&shutdownWait, "shutdown-timeout", 15*time.Second, "max time to wait for in-flight requests during shutdown")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

// initLogging brings up a logger from CLI flags alone, before the node's
// config file has been resolved, so errors loading that config file are
// never silently swallowed.
func initLogging() {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the node and serve traffic until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(baseConfig, nodeConfig)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}

		// The resolved config may override the log level/format set by
		// flags; re-initialize against it now that it's known.
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		logger := log.WithComponent("confmand")
		logger.Info().Str("nodeId", cfg.NodeID).Str("endpoint", cfg.PublicEndpoint).Msg("starting node")

		n, err := node.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize node: %v", err)
		}

		errCh := make(chan error, 1)
		go func() {
			if err := n.Serve(); err != nil {
				errCh <- err
			}
		}()

		logger.Info().Str("endpoint", cfg.PublicEndpoint).Msg("node ready")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			logger.Error().Err(err).Msg("node serve error")
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()

		if err := n.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down cleanly: %v", err)
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
