package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/cadre/internal/config"
	"github.com/zjrosen/cadre/internal/core"
	"github.com/zjrosen/cadre/internal/log"
	"github.com/zjrosen/cadre/internal/server"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the cadre orchestration daemon",
	Long: `Run cadre as a daemon that exposes an HTTP API for workflow
management. Clients submit natural-language requests, resolve approvals,
pair NPU workers, and stream events over SSE.

Example:
  cadre daemon                  # Start on the configured address (:7433)
  cadre daemon --addr :8080     # Start on port 8080`,
	RunE: runDaemon,
}

var daemonAddr string

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonAddr, "addr", "", "Address to listen on (overrides config)")
}

func runDaemon(_ *cobra.Command, _ []string) error {
	if cfg.Log.File != "" {
		cleanup, err := log.Init(config.ExpandHome(cfg.Log.File))
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
	} else {
		log.InitDiscard()
	}
	log.SetMinLevel(log.ParseLevel(cfg.Log.Level))

	c, err := core.New(cfg, core.Options{ConfigPath: viper.ConfigFileUsed()})
	if err != nil {
		return fmt.Errorf("assembling core: %w", err)
	}

	addr := daemonAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}

	srv, err := server.New(server.Config{
		Addr:   addr,
		Core:   c,
		Tracer: c.Tracer(),
	})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("creating API server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("starting core: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Printf("cadre daemon started on %s\n", srv.Addr())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			_ = c.Close()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatServer, "error stopping API server", err)
	}

	if err := c.Close(); err != nil {
		log.ErrorErr(log.CatEngine, "error closing core", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}
