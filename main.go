// Session Coordinator - real-time hub for multi-participant agent sessions
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/workspace/session-coordinator/internal/config"
	"github.com/workspace/session-coordinator/internal/logging"
	"github.com/workspace/session-coordinator/internal/server"
)

const shutdownTimeout = 30 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:           "session-coordinator",
	Short:         "Coordinate shared coding-agent sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session coordinator",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML or YAML config file (env: COORDINATOR_CONFIG)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	logging.Setup()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and reconfigures logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Configure(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "session-coordinator",
		Writer:  os.Stderr,
	})
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("Configuration loaded", "addr", cfg.Addr(), "database", cfg.DatabasePath,
		"provisioner", cfg.ProvisionerURL != "", "completionCallback", cfg.CompletionCallbackURL != "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)

	// The notifier gets its own context so its final flush runs before the
	// store closes.
	notifyCtx, stopNotifier := context.WithCancel(gctx)
	defer stopNotifier()
	notifierDone := make(chan error, 1)
	go func() {
		notifierDone <- srv.RunNotifier(notifyCtx)
	}()

	select {
	case <-gctx.Done():
		slog.Error("Server stopped unexpectedly")
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	stopNotifier()
	if err := <-notifierDone; err != nil {
		slog.Warn("Completion notifier stopped with error", "error", err)
	}

	// Graceful shutdown: flush sessions and close connections with going-away
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("Session coordinator stopped")
	return nil
}
